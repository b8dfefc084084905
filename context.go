// SPDX-License-Identifier: GPL-3.0-or-later

package yogi

import (
	"sync"
	"time"
)

// Infinite is the sentinel duration meaning "no timeout" for [*Context.Run]
// and [*Context.WaitForRunning]/[*Context.WaitForStopped], mirroring the
// ABI's "-1 denotes infinity" convention (§5) in a Go-native form.
const Infinite time.Duration = -1

// Context owns an asynchronous task queue: every task given to
// [*Context.Post] runs on whichever goroutine is currently draining the
// queue, one task at a time, FIFO. A [*Branch] posts its
// [*Branch.AwaitEvent] deliveries here; handshake steps, framing
// reassembly, heartbeat timers, and broadcast receive handlers run on the
// branch's own goroutines and do not pass through the Context.
//
// A task must never block waiting on another task queued on the same
// Context; doing so can deadlock a single-worker Context. Running a
// context from exactly one goroutine (the common case) serializes the
// tasks posted to it.
type Context struct {
	handle Handle

	mu      sync.Mutex
	tasks   []func()
	stopped chan struct{}
	stopOne sync.Once

	bgWG sync.WaitGroup

	// runners counts the Run/RunOne calls currently in progress; Run is
	// reentrant across distinct goroutines, so this is a count, not a flag.
	runners     int
	runnersCond *sync.Cond
}

// NewContext creates a [*Context] and registers it in the process-wide
// handle table.
func NewContext() *Context {
	ctx := &Context{stopped: make(chan struct{})}
	ctx.runnersCond = sync.NewCond(&ctx.mu)
	ctx.handle = globalRegistry.register(kindContext, ctx)
	return ctx
}

// Handle returns the opaque handle identifying this context.
func (c *Context) Handle() Handle {
	return c.handle
}

// Post enqueues fn to run on whichever goroutine next drains the queue.
// Tasks posted from within a running task run strictly after it returns.
func (c *Context) Post(fn func()) {
	c.mu.Lock()
	c.tasks = append(c.tasks, fn)
	c.mu.Unlock()
}

// PollOne runs at most one ready task without blocking and reports whether
// it ran one.
func (c *Context) PollOne() bool {
	fn := c.dequeue()
	if fn == nil {
		return false
	}
	c.runTask(fn)
	return true
}

// Poll runs every task ready right now without blocking, returning the
// count executed.
func (c *Context) Poll() int {
	n := 0
	for c.PollOne() {
		n++
	}
	return n
}

// RunOne blocks up to timeout waiting for a single task to become
// available, then runs it. Pass [Infinite] to wait without a time bound.
// Returns 1 if a task ran, 0 on timeout or stop.
func (c *Context) RunOne(timeout time.Duration) int {
	c.markRunning()
	defer c.markNotRunning()

	deadlineCh := afterOrNever(timeout)
	for {
		if fn := c.dequeue(); fn != nil {
			c.runTask(fn)
			return 1
		}
		select {
		case <-c.stopped:
			return 0
		case <-deadlineCh:
			return 0
		case <-time.After(time.Millisecond):
			// Re-check the queue; Post has no wakeup channel of its own,
			// so this loop polls at a fine grain rather than blocking
			// forever on an empty queue with no pending work.
		}
	}
}

// Run blocks up to timeout draining the task queue, returning the count of
// tasks executed. Pass [Infinite] to run until [*Context.Stop] is called.
func (c *Context) Run(timeout time.Duration) int {
	c.markRunning()
	defer c.markNotRunning()

	deadlineCh := afterOrNever(timeout)
	n := 0
	for {
		for fn := c.dequeue(); fn != nil; fn = c.dequeue() {
			c.runTask(fn)
			n++
			select {
			case <-c.stopped:
				return n
			default:
			}
		}
		select {
		case <-c.stopped:
			return n
		case <-deadlineCh:
			return n
		case <-time.After(time.Millisecond):
		}
	}
}

// RunInBackground starts a dedicated goroutine running Run([Infinite]).
func (c *Context) RunInBackground() {
	c.bgWG.Add(1)
	go func() {
		defer c.bgWG.Done()
		c.Run(Infinite)
	}()
}

// Stop requests that any in-progress [*Context.Run]/[*Context.RunOne] return
// at the next task boundary. Safe to call more than once.
func (c *Context) Stop() {
	c.stopOne.Do(func() {
		close(c.stopped)
	})
}

// Wait joins any background goroutine started by [*Context.RunInBackground].
func (c *Context) Wait() {
	c.bgWG.Wait()
}

// WaitForRunning blocks until a Run/RunOne call is in progress, or fails
// with [ErrTimeout] if timeout elapses first.
func (c *Context) WaitForRunning(timeout time.Duration) *Error {
	return c.waitForFlag(timeout, true)
}

// WaitForStopped blocks until no Run/RunOne call is in progress, or fails
// with [ErrTimeout] if timeout elapses first.
func (c *Context) WaitForStopped(timeout time.Duration) *Error {
	return c.waitForFlag(timeout, false)
}

func (c *Context) waitForFlag(timeout time.Duration, wantRunning bool) *Error {
	done := make(chan struct{})
	go func() {
		c.mu.Lock()
		for (c.runners > 0) != wantRunning {
			c.runnersCond.Wait()
		}
		c.mu.Unlock()
		close(done)
	}()

	deadlineCh := afterOrNever(timeout)
	select {
	case <-done:
		return nil
	case <-deadlineCh:
		return NewError(ErrTimeout, "")
	}
}

func (c *Context) markRunning() {
	c.mu.Lock()
	c.runners++
	c.runnersCond.Broadcast()
	c.mu.Unlock()
}

func (c *Context) markNotRunning() {
	c.mu.Lock()
	c.runners--
	c.runnersCond.Broadcast()
	c.mu.Unlock()
}

func (c *Context) dequeue() func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.tasks) == 0 {
		return nil
	}
	fn := c.tasks[0]
	c.tasks = c.tasks[1:]
	return fn
}

func (c *Context) runTask(fn func()) {
	fn()
}

// afterOrNever returns a channel that fires after d, or a channel that
// never fires when d is [Infinite].
func afterOrNever(d time.Duration) <-chan time.Time {
	if d == Infinite {
		return nil
	}
	return time.After(d)
}
