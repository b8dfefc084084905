// SPDX-License-Identifier: GPL-3.0-or-later

package yogi

import (
	"sync"

	"github.com/google/uuid"
)

// EventKind identifies the branch state transition an event reports (§4.7).
type EventKind int

const (
	EventBranchDiscovered EventKind = 1 << iota
	EventBranchQueried
	EventConnectFinished
	EventConnectionLost
)

// EventMask is the bitwise-OR of the [EventKind] values a caller wants
// delivered to its handler (§4.7's "bitmask of observed events").
type EventMask int

// Has reports whether mask includes kind.
func (mask EventMask) Has(kind EventKind) bool {
	return mask&EventMask(kind) != 0
}

// BranchEvent is the payload delivered to an event handler: §4.7 specifies
// exactly this 4-tuple, (event_result, event_kind, uuid, json_details).
type BranchEvent struct {
	Result  *Error
	Kind    EventKind
	UUID    uuid.UUID
	Details map[string]any
}

// EventHandler receives [BranchEvent] deliveries. It runs on the owning
// [*Context]'s task queue, never concurrently with another callback posted
// to the same context.
type EventHandler func(BranchEvent)

// eventRegistration is the single live (handler, mask) pair a
// [connectionManager] dispatches to. Registering a new one cancels the
// previous handler with [ErrCanceled] (§4.7: "exactly one registered event
// handler at a time per branch; registering a new one cancels the previous").
type eventRegistration struct {
	mu      sync.Mutex
	handler EventHandler
	mask    EventMask
}

func (r *eventRegistration) await(mask EventMask, handler EventHandler) {
	r.mu.Lock()
	prev := r.handler
	r.handler = handler
	r.mask = mask
	r.mu.Unlock()

	if prev != nil {
		prev(BranchEvent{Result: NewError(ErrCanceled, ""), Kind: 0})
	}
}

func (r *eventRegistration) cancel() {
	r.mu.Lock()
	prev := r.handler
	r.handler = nil
	r.mask = 0
	r.mu.Unlock()

	if prev != nil {
		prev(BranchEvent{Result: NewError(ErrCanceled, ""), Kind: 0})
	}
}

// dispatch delivers ev to the current handler if its mask observes ev.Kind.
func (r *eventRegistration) dispatch(ev BranchEvent) {
	r.mu.Lock()
	handler := r.handler
	mask := r.mask
	r.mu.Unlock()

	if handler != nil && mask.Has(ev.Kind) {
		handler(ev)
	}
}
