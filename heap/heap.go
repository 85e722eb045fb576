// Package heap implements a generic indexed priority heap.
//
// It generalises the pattern in container/heap: a slice-backed min-heap
// whose Swap also keeps an id->position index up to date, so elements
// can be removed from the middle of the heap in O(log n) instead of only
// from the root. This is the structure the bounded-concurrency semaphore
// uses to order its waiter queue.
package heap

import (
	stdheap "container/heap"
)

// Item is an element that can live in a Heap. HeapID must be stable and
// unique among elements concurrently held by the same Heap.
type Item interface {
	HeapID() string
}

// LessFunc reports whether a should be ordered before b, i.e. whether a
// dominates b under the heap's comparator. The element for which Less
// never returns false against any other live element sits at the root.
type LessFunc[E Item] func(a, b E) bool

// SwapFunc is invoked every time two elements trade positions — on
// insert, extract, or remove-by-id — so external bookkeeping can mirror
// heap motion without maintaining a second index. position is the new
// position of the element identified by id.
type SwapFunc[E Item] func(id string, position int)

// Heap is a generic indexed min-heap. It is not safe for concurrent use;
// callers are expected to serialize access to it (the bounded-concurrency
// semaphore does this with a single mutex around its waiter heap).
type Heap[E Item] struct {
	s *container[E]
}

// New constructs an empty Heap using less as the ordering comparator.
// onSwap may be nil.
func New[E Item](less LessFunc[E], onSwap SwapFunc[E]) *Heap[E] {
	c := &container[E]{
		index:  make(map[string]int),
		less:   less,
		onSwap: onSwap,
	}
	stdheap.Init(c)
	return &Heap[E]{s: c}
}

// Len returns the number of elements currently held.
func (h *Heap[E]) Len() int { return h.s.Len() }

// Insert adds e to the heap in O(log n).
func (h *Heap[E]) Insert(e E) {
	stdheap.Push(h.s, e)
}

// ExtractMin removes and returns the root element in O(log n). The
// second return value is false if the heap is empty.
func (h *Heap[E]) ExtractMin() (E, bool) {
	if h.s.Len() == 0 {
		var zero E
		return zero, false
	}
	e, _ := stdheap.Pop(h.s).(E)
	return e, true
}

// Peek returns the root element without removing it, in O(1).
func (h *Heap[E]) Peek() (E, bool) {
	if h.s.Len() == 0 {
		var zero E
		return zero, false
	}
	return h.s.items[0], true
}

// RemoveByID removes the element with the given id in O(log n). It
// returns (zero, false) if no such element is present — it never panics,
// per the heap's failure-semantics contract.
func (h *Heap[E]) RemoveByID(id string) (E, bool) {
	pos, ok := h.s.index[id]
	if !ok {
		var zero E
		return zero, false
	}
	e, _ := stdheap.Remove(h.s, pos).(E)
	return e, true
}

// Contains reports whether id currently identifies a live element.
func (h *Heap[E]) Contains(id string) bool {
	_, ok := h.s.index[id]
	return ok
}

// Items returns an implementation-defined snapshot of the heap's current
// contents, in no particular order beyond the heap invariant. Mutating
// the heap while holding a snapshot is undefined — the snapshot does not
// observe subsequent Insert/ExtractMin/RemoveByID calls.
func (h *Heap[E]) Items() []E {
	out := make([]E, len(h.s.items))
	copy(out, h.s.items)
	return out
}

// container adapts Heap to container/heap.Interface.
type container[E Item] struct {
	items  []E
	index  map[string]int
	less   LessFunc[E]
	onSwap SwapFunc[E]
}

func (c *container[E]) Len() int { return len(c.items) }

func (c *container[E]) Less(i, j int) bool { return c.less(c.items[i], c.items[j]) }

func (c *container[E]) Swap(i, j int) {
	c.items[i], c.items[j] = c.items[j], c.items[i]
	c.index[c.items[i].HeapID()] = i
	c.index[c.items[j].HeapID()] = j
	if c.onSwap != nil {
		c.onSwap(c.items[i].HeapID(), i)
		c.onSwap(c.items[j].HeapID(), j)
	}
}

func (c *container[E]) Push(x any) {
	e := x.(E)
	c.index[e.HeapID()] = len(c.items)
	c.items = append(c.items, e)
}

func (c *container[E]) Pop() any {
	old := c.items
	n := len(old)
	e := old[n-1]
	var zero E
	old[n-1] = zero
	c.items = old[:n-1]
	delete(c.index, e.HeapID())
	return e
}
