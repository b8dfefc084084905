// SPDX-License-Identifier: GPL-3.0-or-later

package yogi

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// MessageType discriminates the single type byte opening every session
// message (§3, §6): heartbeats keep the connection alive, broadcasts carry
// user payloads.
type MessageType byte

const (
	MessageHeartbeat MessageType = 0
	MessageBroadcast MessageType = 1
)

// Message is the session-layer envelope: type(1) | header | user_data
// (§3, §6). Heartbeat carries neither header nor data and is transmitted
// as the single byte 0x00; [Message.Encode] of a heartbeat yields exactly
// that byte.
type Message struct {
	Type     MessageType
	Header   []byte
	UserData []byte
}

// Encode renders m as the bytes handed to [MessageTransport.TrySend] /
// [MessageTransport.SendAsync]: the framing layer adds its own length
// prefix around whatever this returns.
func (m Message) Encode() []byte {
	if m.Type == MessageHeartbeat {
		return []byte{byte(MessageHeartbeat)}
	}
	buf := make([]byte, 1+len(m.Header)+len(m.UserData))
	buf[0] = byte(m.Type)
	copy(buf[1:], m.Header)
	copy(buf[1+len(m.Header):], m.UserData)
	return buf
}

// DecodeMessage parses a frame payload produced by [MessageTransport] back
// into a [Message]. This module does not draw a header/user_data boundary
// for Broadcast messages beyond the type byte, since broadcast payloads
// are opaque user bytes (§1 "opaque validated byte strings"); Header is
// empty and UserData holds everything after the type byte.
func DecodeMessage(buf []byte) (Message, *Error) {
	if len(buf) == 0 {
		return Message{}, NewError(ErrDeserializeMsgFailed, "empty message")
	}
	if MessageType(buf[0]) == MessageHeartbeat {
		return Message{Type: MessageHeartbeat}, nil
	}
	return Message{Type: MessageType(buf[0]), UserData: buf[1:]}, nil
}

// heartbeatMessage is the wire form of a heartbeat: the single byte 0x00.
var heartbeatMessage = []byte{byte(MessageHeartbeat)}

// Session runs the post-handshake liveness contract of §4.7 on top of a
// [*MessageTransport]: a heartbeat timer at timeout/2 that only fires if
// nothing else was sent since the last tick, and an inactivity deadline of
// timeout that closes the session on expiry.
type Session struct {
	transport *MessageTransport
	timeout   time.Duration

	sentSinceTick atomic.Bool

	mu       sync.Mutex
	lastRecv time.Time

	closeOnce sync.Once
	closed    chan struct{}

	onMessage func(Message)
	onLost    func(*Error)
}

// NewSession wraps transport with heartbeat and inactivity-deadline
// tracking. onMessage is invoked (on the caller-supplied context's
// goroutine fabric, via the transport's own receive loop) for every
// non-heartbeat message received; onLost is invoked exactly once, when the
// session is declared lost or is closed.
func NewSession(transport *MessageTransport, timeout time.Duration, onMessage func(Message), onLost func(*Error)) *Session {
	s := &Session{
		transport: transport,
		timeout:   timeout,
		lastRecv:  time.Now(),
		closed:    make(chan struct{}),
		onMessage: onMessage,
		onLost:    onLost,
	}
	return s
}

// Run drives the heartbeat timer and the inactivity watchdog until ctx is
// done or the session is declared lost. It should be started in its own
// goroutine immediately after the handshake hands off to the session.
func (s *Session) Run(ctx context.Context) {
	heartbeatTicker := time.NewTicker(s.timeout / 2)
	defer heartbeatTicker.Stop()
	watchdog := time.NewTicker(s.timeout / 4)
	defer watchdog.Stop()

	for {
		select {
		case <-ctx.Done():
			s.Close(NewError(ErrCanceled, ""))
			return
		case <-s.closed:
			return
		case <-heartbeatTicker.C:
			if !s.sentSinceTick.Swap(false) {
				s.transport.TrySend(heartbeatMessage)
			}
		case <-watchdog.C:
			s.mu.Lock()
			idle := time.Since(s.lastRecv)
			s.mu.Unlock()
			if idle > s.timeout {
				s.Close(NewError(ErrTimeout, "heartbeat deadline exceeded"))
				return
			}
		}
	}
}

// Send marks the session as having sent something this tick (suppressing
// the next heartbeat) and forwards to the underlying transport.
func (s *Session) Send(msg Message) bool {
	s.sentSinceTick.Store(true)
	return s.transport.TrySend(msg.Encode())
}

// HandleFrame feeds a frame read by the transport's receive loop into the
// session: it resets the inactivity deadline and, for non-heartbeat
// messages, invokes onMessage.
func (s *Session) HandleFrame(buf []byte) {
	s.mu.Lock()
	s.lastRecv = time.Now()
	s.mu.Unlock()

	msg, err := DecodeMessage(buf)
	if err != nil || msg.Type == MessageHeartbeat {
		return
	}
	if s.onMessage != nil {
		s.onMessage(msg)
	}
}

// Close ends the session, invoking onLost exactly once with cause, then
// closing the underlying transport.
func (s *Session) Close(cause *Error) {
	s.closeOnce.Do(func() {
		close(s.closed)
		if s.onLost != nil {
			s.onLost(cause)
		}
		s.transport.Close()
	})
}
