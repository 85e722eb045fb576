package semaphore

import (
	"sync/atomic"
	"time"
)

type waiterState int32

const (
	waiterPending waiterState = iota
	waiterResolved
)

// outcome is what a waiter was ultimately resolved with.
type outcome struct {
	token *Token
	err   error
}

// waiter is an enqueued acquisition request. It implements heap.Item so it
// can live directly in a heap.Heap[*waiter].
type waiter struct {
	id         string
	enqueuedAt time.Time
	priority   Priority
	size       int64

	state atomic.Int32 // waiterState, CAS-guarded

	// done carries exactly one outcome once resolve succeeds. Buffered so
	// the resolving side never blocks on a waiter that has since given up.
	done chan outcome
}

func newWaiter(id string, priority Priority, size int64) *waiter {
	return &waiter{
		id:         id,
		enqueuedAt: time.Now(),
		priority:   priority,
		size:       size,
		done:       make(chan outcome, 1),
	}
}

// HeapID satisfies heap.Item.
func (w *waiter) HeapID() string { return w.id }

// resolve attempts to transition the waiter from pending to resolved and,
// on success, deliver o. Returns false if the waiter was already resolved
// by a concurrent path (e.g. a racing cancellation).
func (w *waiter) resolve(o outcome) bool {
	if !w.state.CompareAndSwap(int32(waiterPending), int32(waiterResolved)) {
		return false
	}
	w.done <- o
	return true
}

func (w *waiter) isResolved() bool {
	return waiterState(w.state.Load()) == waiterResolved
}

// waiterLess orders by priority descending (Critical first), then by
// enqueue time ascending (FIFO within a tier).
func waiterLess(a, b *waiter) bool {
	if a.priority != b.priority {
		return a.priority > b.priority
	}
	return a.enqueuedAt.Before(b.enqueuedAt)
}
