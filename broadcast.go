// SPDX-License-Identifier: GPL-3.0-or-later

package yogi

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// OperationId is a monotonically increasing per-branch tag identifying a
// cancelable async operation (§3); it is never reused within a branch's
// lifetime.
type OperationId uint64

// broadcastManager is the send-to-all/receive-any layer of §4.8, built on
// top of a [*connectionManager]'s live session set.
type broadcastManager struct {
	cm *connectionManager

	nextOpID atomic.Uint64

	mu             sync.Mutex
	pendingAsync   map[OperationId]context.CancelFunc
	receiveHandler func(senderUUID uuid.UUID, data []byte)
}

// newBroadcastManager wires itself into cm as the handler for every
// inbound [MessageBroadcast] message.
func newBroadcastManager(cm *connectionManager) *broadcastManager {
	b := &broadcastManager{cm: cm, pendingAsync: map[OperationId]context.CancelFunc{}}
	cm.setBroadcastHandler(b.onBroadcastReceived)
	return b
}

func (b *broadcastManager) newOpID() OperationId {
	return OperationId(b.nextOpID.Add(1))
}

// SendBroadcast sends data to every live session. If block, it waits until
// every session has accepted the message; otherwise it returns
// [ErrTxQueueFull] immediately if any session's queue was full at issue
// time, without retrying (§4.8).
func (b *broadcastManager) SendBroadcast(ctx context.Context, data []byte, block bool) *Error {
	msg := Message{Type: MessageBroadcast, UserData: data}.Encode()
	sessions := b.cm.liveSessions()

	if !block {
		for _, session := range sessions {
			if !session.transport.TrySend(msg) {
				return NewError(ErrTxQueueFull, "")
			}
			session.sentSinceTick.Store(true)
		}
		return nil
	}

	for _, session := range sessions {
		result := <-session.transport.SendAsync(ctx, msg)
		if result != nil {
			return result
		}
		session.sentSinceTick.Store(true)
	}
	return nil
}

// SendBroadcastAsync enqueues data for every live session and returns an
// [OperationId] the caller can pass to [*broadcastManager.CancelSendBroadcast].
// handler fires once all sessions have either accepted or (if retry is
// false) been skipped because their queue was full at issue time (§4.8).
func (b *broadcastManager) SendBroadcastAsync(data []byte, retry bool, handler func(*Error)) OperationId {
	opID := b.newOpID()
	ctx, cancel := context.WithCancel(context.Background())

	b.mu.Lock()
	b.pendingAsync[opID] = cancel
	b.mu.Unlock()

	go func() {
		defer func() {
			b.mu.Lock()
			delete(b.pendingAsync, opID)
			b.mu.Unlock()
		}()

		msg := Message{Type: MessageBroadcast, UserData: data}.Encode()
		sessions := b.cm.liveSessions()
		for _, session := range sessions {
			if !retry {
				if !session.transport.TrySend(msg) {
					continue // queue full at issue time: skip this peer silently
				}
				session.sentSinceTick.Store(true)
				continue
			}
			result := <-session.transport.SendAsync(ctx, msg)
			if result != nil {
				handler(result)
				return
			}
			session.sentSinceTick.Store(true)
		}
		handler(nil)
	}()

	return opID
}

// CancelSendBroadcast cancels the async operation opID, delivering
// [ErrCanceled] to its handler if it has not already completed.
func (b *broadcastManager) CancelSendBroadcast(opID OperationId) {
	b.mu.Lock()
	cancel, ok := b.pendingAsync[opID]
	b.mu.Unlock()
	if ok {
		cancel()
	}
}

// ReceiveBroadcast arms handler to fire on the next inbound broadcast.
// Only one outstanding receive is permitted at a time; registering a new
// one replaces the previous (consistent with the single-handler-at-a-time
// discipline [*eventRegistration] enforces for branch events).
func (b *broadcastManager) ReceiveBroadcast(handler func(senderUUID uuid.UUID, data []byte)) {
	b.mu.Lock()
	b.receiveHandler = handler
	b.mu.Unlock()
}

func (b *broadcastManager) onBroadcastReceived(senderUUID uuid.UUID, data []byte) {
	b.mu.Lock()
	handler := b.receiveHandler
	b.receiveHandler = nil
	b.mu.Unlock()

	if handler != nil {
		handler(senderUUID, data)
	}
}
