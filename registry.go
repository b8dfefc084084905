// SPDX-License-Identifier: GPL-3.0-or-later

package yogi

import (
	"sync"
	"sync/atomic"
)

// Handle is an opaque, process-wide reference to a registered object.
//
// Handle values are never reused while the referenced object is alive, and
// are never reused at all within a single process run: the registry hands
// out a new, larger token every time, mirroring the guarantee the C ABI
// makes to callers holding a raw pointer-sized handle.
type Handle uint64

var handleCounter atomic.Uint64

func nextHandle() Handle {
	return Handle(handleCounter.Add(1))
}

// objectKind identifies the concrete type behind a [Handle] for
// [registry.lookup]'s type check, without requiring a type switch.
type objectKind int

const (
	kindContext objectKind = iota
	kindBranch
)

// cell is one row of the handle table: a typed object plus the set of
// handles that declare a dependency on it.
type cell struct {
	kind       objectKind
	object     any
	dependents map[Handle]struct{}
}

// registry is the process-wide table mapping [Handle] values to typed,
// reference-counted objects with declared inter-object dependencies.
//
// destroy refuses to remove an object that other registered objects still
// depend on, returning [ErrObjectStillUsed]; this is what lets a [*Context]
// refuse destruction while a [*Branch] still references it.
type registry struct {
	mu    sync.Mutex
	cells map[Handle]*cell
}

var globalRegistry = &registry{cells: map[Handle]*cell{}}

// register inserts object under a fresh handle and returns it.
func (r *registry) register(kind objectKind, object any) Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	h := nextHandle()
	r.cells[h] = &cell{kind: kind, object: object, dependents: map[Handle]struct{}{}}
	return h
}

// addDependency records that dependent depends on dependency: dependency
// cannot be destroyed while dependent's cell is still registered.
func (r *registry) addDependency(dependency, dependent Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.cells[dependency]
	if !ok {
		return
	}
	c.dependents[dependent] = struct{}{}
}

// removeDependency undoes [registry.addDependency], normally called when
// dependent is destroyed.
func (r *registry) removeDependency(dependency, dependent Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.cells[dependency]
	if !ok {
		return
	}
	delete(c.dependents, dependent)
}

// lookup returns the object registered under h if its kind matches want.
func (r *registry) lookup(h Handle, want objectKind) (any, *Error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.cells[h]
	if !ok {
		return nil, NewError(ErrInvalidHandle, "")
	}
	if c.kind != want {
		return nil, NewError(ErrWrongObjectType, "")
	}
	return c.object, nil
}

// destroy removes h from the table, failing with [ErrObjectStillUsed] if
// any other registered handle still depends on it. Dependency edges h held
// on other objects are pruned, so destroying a dependent unblocks whatever
// it depended on without an explicit [registry.removeDependency] call.
func (r *registry) destroy(h Handle) *Error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.cells[h]
	if !ok {
		return NewError(ErrInvalidHandle, "")
	}
	if len(c.dependents) > 0 {
		return NewError(ErrObjectStillUsed, "")
	}
	delete(r.cells, h)
	for _, other := range r.cells {
		delete(other.dependents, h)
	}
	return nil
}

// DestroyAll stops every registered [*Context], waits for each background
// runner to quiesce, stops every registered [*Branch], and then tears down
// the remaining objects in dependency order, dependents first (§4.2).
func DestroyAll() {
	globalRegistry.destroyAll()
}

func (r *registry) destroyAll() {
	r.mu.Lock()
	objects := make([]any, 0, len(r.cells))
	for _, c := range r.cells {
		objects = append(objects, c.object)
	}
	r.mu.Unlock()

	for _, obj := range objects {
		if ctx, ok := obj.(*Context); ok {
			ctx.Stop()
			ctx.Wait()
		}
	}
	for _, obj := range objects {
		if b, ok := obj.(*Branch); ok {
			b.Stop()
		}
	}

	// Destroying a dependent prunes its edges, so each sweep unblocks the
	// next layer of the dependency graph; stop once a sweep makes no
	// progress (only possible with a dependency cycle, which register
	// callers never create).
	for {
		r.mu.Lock()
		handles := make([]Handle, 0, len(r.cells))
		for h := range r.cells {
			handles = append(handles, h)
		}
		r.mu.Unlock()
		if len(handles) == 0 {
			return
		}
		progress := false
		for _, h := range handles {
			if r.destroy(h) == nil {
				progress = true
			}
		}
		if !progress {
			return
		}
	}
}

// weakHandle upgrades to a strong reference only while the target object is
// still registered, mirroring the way [cancelWatchedConn] observes teardown
// of an underlying resource from outside.
//
// A callback that captures a weakHandle instead of the object itself never
// keeps a destroyed object's memory reachable, and an upgrade attempted
// after destruction reports [ErrCanceled] instead of touching freed state.
type weakHandle struct {
	r    *registry
	h    Handle
	kind objectKind
}

func newWeakHandle(r *registry, h Handle, kind objectKind) weakHandle {
	return weakHandle{r: r, h: h, kind: kind}
}

// upgrade returns the live object, or [ErrCanceled] if h was destroyed.
func (w weakHandle) upgrade() (any, *Error) {
	obj, err := w.r.lookup(w.h, w.kind)
	if err != nil {
		return nil, NewError(ErrCanceled, "object destroyed")
	}
	return obj, nil
}
