// SPDX-License-Identifier: GPL-3.0-or-later

package yogi

import (
	"fmt"

	"github.com/google/uuid"
)

// EventCallback is the C-callable shape (§9: "on the boundary ABI, keep
// the fn + opaque shape unchanged") a caller on the other side of a
// language binding registers for branch events: a function pointer plus
// an opaque user-data pointer threaded back on every invocation, instead
// of a Go closure capturing its own state.
//
// [NewEventCallbackHandler] adapts this shape back into an [EventHandler]
// for use with [*Branch.AwaitEvent], so the rest of this module never has
// to special-case the ABI surface.
type EventCallback func(result ErrorCode, kind EventKind, uuidBytes [16]byte, jsonDetails []byte, userData uintptr)

// NewEventCallbackHandler adapts fn+userData into an [EventHandler].
func NewEventCallbackHandler(fn EventCallback, userData uintptr) EventHandler {
	return func(ev BranchEvent) {
		code := ErrorCode(0) // 0 is the ABI's success sentinel
		if ev.Result != nil {
			code = ev.Result.Code
		}
		fn(code, ev.Kind, ev.UUID, encodeDetailsJSON(ev.Details), userData)
	}
}

// BroadcastReceiveCallback is the C-callable shape for
// [*Branch.ReceiveBroadcast]: a function pointer plus opaque user data,
// receiving the sender's raw UUID bytes and the message payload.
type BroadcastReceiveCallback func(senderUUID [16]byte, data []byte, userData uintptr)

// NewBroadcastReceiveHandler adapts fn+userData into the closure shape
// [*Branch.ReceiveBroadcast] expects.
func NewBroadcastReceiveHandler(fn BroadcastReceiveCallback, userData uintptr) func(senderUUID uuid.UUID, data []byte) {
	return func(senderUUID uuid.UUID, data []byte) {
		fn(senderUUID, data, userData)
	}
}

// encodeDetailsJSON is a minimal, dependency-free encoder for the flat
// string/number maps [infoJSON] produces; the ABI boundary never needs a
// general-purpose JSON encoder since every details map this module builds
// has a fixed, known shape.
func encodeDetailsJSON(details map[string]any) []byte {
	if len(details) == 0 {
		return []byte("{}")
	}
	buf := []byte{'{'}
	first := true
	for k, v := range details {
		if !first {
			buf = append(buf, ',')
		}
		first = false
		buf = append(buf, '"')
		buf = append(buf, k...)
		buf = append(buf, '"', ':')
		buf = appendJSONValue(buf, v)
	}
	buf = append(buf, '}')
	return buf
}

func appendJSONValue(buf []byte, v any) []byte {
	switch val := v.(type) {
	case string:
		buf = append(buf, '"')
		buf = append(buf, val...)
		buf = append(buf, '"')
		return buf
	case bool:
		if val {
			return append(buf, "true"...)
		}
		return append(buf, "false"...)
	case nil:
		return append(buf, "null"...)
	default:
		return append(buf, []byte(fmt.Sprintf("%v", val))...)
	}
}
