// SPDX-License-Identifier: GPL-3.0-or-later

package yogi

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageTransportTrySendRespectsBudget(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	// Budget big enough for one small frame, too small for a second.
	transport := NewMessageTransport(client, 8, 64, DefaultSLogger(), DefaultErrClassifier)
	defer transport.Close()

	assert.True(t, transport.TrySend([]byte("hi")))
	assert.False(t, transport.TrySend([]byte("this one does not fit in the remaining budget")))
}

func TestMessageTransportRoundTrip(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	tx := NewMessageTransport(client, 1024, 1024, DefaultSLogger(), DefaultErrClassifier)
	defer tx.Close()

	rx := NewMessageTransport(server, 1024, 1024, DefaultSLogger(), DefaultErrClassifier)
	defer rx.Close()

	require.True(t, tx.TrySend([]byte("hello branch")))

	buf := make([]byte, 256)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	result := <-rx.ReceiveAsync(ctx, buf)
	require.Nil(t, result.Err)
	assert.Equal(t, "hello branch", string(buf[:result.N]))
}

func TestMessageTransportReceiveTooLargeFailsButKeepsFraming(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	tx := NewMessageTransport(client, 1024, 1024, DefaultSLogger(), DefaultErrClassifier)
	defer tx.Close()

	rx := NewMessageTransport(server, 1024, 1024, DefaultSLogger(), DefaultErrClassifier)
	defer rx.Close()

	require.True(t, tx.TrySend([]byte("too big for the receiver's buffer")))
	require.True(t, tx.TrySend([]byte("second")))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	tooSmall := make([]byte, 4)
	result := <-rx.ReceiveAsync(ctx, tooSmall)
	require.NotNil(t, result.Err)
	assert.Equal(t, ErrBufferTooSmall, result.Err.Code)

	big := make([]byte, 256)
	result = <-rx.ReceiveAsync(ctx, big)
	require.Nil(t, result.Err)
	assert.Equal(t, "second", string(big[:result.N]))
}

func TestMessageTransportSendAsyncCancel(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	tx := NewMessageTransport(client, 4, 1024, DefaultSLogger(), DefaultErrClassifier)
	defer tx.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	errCh := tx.SendAsync(ctx, []byte("too big to ever fit"))
	err := <-errCh
	require.NotNil(t, err)
	assert.Equal(t, ErrCanceled, err.Code)
}

func TestEncodeFrameRejectsOversizedPayload(t *testing.T) {
	_, err := encodeFrame(make([]byte, MaxMessageSize+1))
	require.NotNil(t, err)
	assert.Equal(t, ErrMessageTooLarge, err.Code)
}
