// SPDX-License-Identifier: GPL-3.0-or-later

package yogi

import (
	"context"
	"io"
	"log/slog"
	"net"
	"sync"

	varint "github.com/multiformats/go-varint"

	"github.com/bassosimone/safeconn"
)

// MaxMessageSize is the largest value the varint length prefix can encode
// (§4.3: "maximum encoded value is 2^32-1").
const MaxMessageSize = 1<<32 - 1

// MessageTransport wraps a byte-stream [net.Conn] with length-prefixed
// framing, a byte-budget-accounted outbound queue, and backpressure.
//
// The "ring buffer" of §4.3 is accounted by total pending bytes rather than
// message count, since the config-provided bounds (TxQueueSize,
// RxQueueSize) are byte budgets, not slot counts: a MessageTransport tracks
// a slice of pending frames alongside a running byte total and compares
// that total against the budget on every enqueue.
type MessageTransport struct {
	conn   net.Conn
	logger SLogger
	errCls ErrClassifier

	txQueueSize int
	rxQueueSize int

	mu      sync.Mutex
	txBytes int
	txQueue [][]byte
	closed  bool
	lastErr *Error

	writeCh chan struct{}
}

// NewMessageTransport wraps conn with framing bounded by txQueueSize and
// rxQueueSize bytes. logger and errCls are used to log failed frame reads
// and writes at Debug level; successful reads and writes are not logged.
func NewMessageTransport(conn net.Conn, txQueueSize, rxQueueSize int, logger SLogger, errCls ErrClassifier) *MessageTransport {
	t := &MessageTransport{
		conn:        conn,
		logger:      logger,
		errCls:      errCls,
		txQueueSize: txQueueSize,
		rxQueueSize: rxQueueSize,
		writeCh:     make(chan struct{}, 1),
	}
	go t.writerLoop()
	return t
}

// TrySend enqueues buf if it fits entirely within the remaining tx budget,
// returning true. If it does not fit, it returns false without partially
// enqueueing anything (§4.3, §8 property 6).
func (t *MessageTransport) TrySend(buf []byte) bool {
	frame, err := encodeFrame(buf)
	if err != nil {
		return false
	}

	t.mu.Lock()
	if t.closed || t.txBytes+len(frame) > t.txQueueSize {
		t.mu.Unlock()
		return false
	}
	t.txQueue = append(t.txQueue, frame)
	t.txBytes += len(frame)
	t.mu.Unlock()

	t.wakeWriter()
	return true
}

// SendAsync enqueues buf unconditionally, blocking internally (by not
// resolving until space frees) rather than rejecting. The returned channel
// is closed with a nil error on success, a non-nil one on failure or
// cancellation via ctx.
func (t *MessageTransport) SendAsync(ctx context.Context, buf []byte) <-chan *Error {
	result := make(chan *Error, 1)
	frame, encErr := encodeFrame(buf)
	if encErr != nil {
		result <- encErr
		close(result)
		return result
	}

	go func() {
		defer close(result)
		for {
			t.mu.Lock()
			if t.closed {
				t.mu.Unlock()
				result <- t.currentError()
				return
			}
			if t.txBytes+len(frame) <= t.txQueueSize {
				t.txQueue = append(t.txQueue, frame)
				t.txBytes += len(frame)
				t.mu.Unlock()
				t.wakeWriter()
				result <- nil
				return
			}
			t.mu.Unlock()

			select {
			case <-ctx.Done():
				result <- NewError(ErrCanceled, "")
				return
			case <-t.writeCh:
				// space may have freed; loop and re-check under the lock
			}
		}
	}()
	return result
}

// ReceiveAsync reads the next whole message into buf, reporting its size.
// A message larger than len(buf) fails with [ErrBufferTooSmall] and the
// caller must treat the session as closed (§4.3).
func (t *MessageTransport) ReceiveAsync(ctx context.Context, buf []byte) <-chan receiveResult {
	result := make(chan receiveResult, 1)
	go func() {
		defer close(result)
		n, err := t.receiveOne(ctx, buf)
		result <- receiveResult{N: n, Err: err}
	}()
	return result
}

// receiveResult is the outcome of a [MessageTransport.ReceiveAsync] call.
type receiveResult struct {
	N   int
	Err *Error
}

func (t *MessageTransport) receiveOne(ctx context.Context, buf []byte) (int, *Error) {
	done := make(chan struct{})
	var n int
	var err *Error
	go func() {
		defer close(done)
		n, err = t.readFrame(buf)
	}()

	select {
	case <-done:
		return n, err
	case <-ctx.Done():
		t.conn.Close()
		<-done
		return 0, NewError(ErrCanceled, "")
	}
}

func (t *MessageTransport) readFrame(buf []byte) (int, *Error) {
	size, err := readVarintFromConn(t.conn)
	if err != nil {
		t.logTransportEvent("frame read failed", err)
		return 0, t.fail(WrapError(ErrRwSocketFailed, "read length prefix", err))
	}
	if size > uint64(len(buf)) {
		// Drain and discard so the stream stays framed for whatever the
		// caller does next, even though the session is expected to close.
		io.CopyN(io.Discard, t.conn, int64(size))
		return 0, NewError(ErrBufferTooSmall, "")
	}
	if _, err := io.ReadFull(t.conn, buf[:size]); err != nil {
		t.logTransportEvent("frame body read failed", err)
		return 0, t.fail(WrapError(ErrRwSocketFailed, "read body", err))
	}
	return int(size), nil
}

// Close shuts down the transport, failing any future operation with the
// terminal error recorded at close time.
func (t *MessageTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	t.wakeWriter()
	return t.conn.Close()
}

func (t *MessageTransport) fail(err *Error) *Error {
	t.mu.Lock()
	if t.lastErr == nil {
		t.lastErr = err
	}
	t.closed = true
	t.mu.Unlock()
	t.wakeWriter()
	return err
}

func (t *MessageTransport) currentError() *Error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.lastErr != nil {
		return t.lastErr
	}
	return NewError(ErrRwSocketFailed, "transport closed")
}

func (t *MessageTransport) wakeWriter() {
	select {
	case t.writeCh <- struct{}{}:
	default:
	}
}

// writerLoop drains the tx queue onto the socket FIFO, one frame at a time.
// It is the single consumer of txQueue; [MessageTransport.TrySend] and
// [MessageTransport.SendAsync] are the single producer, serialized by mu.
func (t *MessageTransport) writerLoop() {
	for {
		t.mu.Lock()
		if t.closed {
			t.mu.Unlock()
			return
		}
		if len(t.txQueue) == 0 {
			t.mu.Unlock()
			<-t.writeCh
			continue
		}
		frame := t.txQueue[0]
		t.txQueue = t.txQueue[1:]
		t.txBytes -= len(frame)
		t.mu.Unlock()

		if _, err := t.conn.Write(frame); err != nil {
			t.logTransportEvent("frame write failed", err)
			t.fail(WrapError(ErrRwSocketFailed, "write frame", err))
			return
		}
		t.wakeWriter()
	}
}

func encodeFrame(payload []byte) ([]byte, *Error) {
	if len(payload) > MaxMessageSize {
		return nil, NewError(ErrMessageTooLarge, "")
	}
	prefix := varint.ToUvarint(uint64(len(payload)))
	frame := make([]byte, 0, len(prefix)+len(payload))
	frame = append(frame, prefix...)
	frame = append(frame, payload...)
	return frame, nil
}

func readVarintFromConn(r io.Reader) (uint64, error) {
	return varint.ReadUvarint(asByteReader{r})
}

// asByteReader adapts an [io.Reader] to [io.ByteReader], reading the wire
// one byte at a time only for the short varint prefix.
type asByteReader struct {
	io.Reader
}

func (r asByteReader) ReadByte() (byte, error) {
	var b [1]byte
	if _, err := io.ReadFull(r.Reader, b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}

// logTransportEvent emits a structured span event using the same field
// vocabulary as [ObserveConnFunc], so transport-level logs line up with
// connection-level logs for the same peer.
func (t *MessageTransport) logTransportEvent(msg string, err error) {
	t.logger.Debug(
		msg,
		slog.Any("err", err),
		slog.String("errClass", t.errCls.Classify(err)),
		slog.String("localAddr", safeconn.LocalAddr(t.conn)),
		slog.String("remoteAddr", safeconn.RemoteAddr(t.conn)),
	)
}
