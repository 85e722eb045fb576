package heap

import (
	"fmt"
	"testing"
)

type intItem struct {
	id       string
	priority int
}

func (e intItem) HeapID() string { return e.id }

func byPriority(a, b intItem) bool { return a.priority < b.priority }

func TestInsertExtractOrder(t *testing.T) {
	h := New[intItem](byPriority, nil)
	vals := []int{5, 1, 9, 3, 7, 2}
	for i, v := range vals {
		h.Insert(intItem{id: fmt.Sprintf("e%d", i), priority: v})
	}

	var got []int
	for h.Len() > 0 {
		e, ok := h.ExtractMin()
		if !ok {
			t.Fatalf("ExtractMin returned false with Len()=%d", h.Len())
		}
		got = append(got, e.priority)
	}

	want := []int{1, 2, 3, 5, 7, 9}
	if len(got) != len(want) {
		t.Fatalf("got %d elements, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("extract order mismatch at %d: got %v want %v", i, got, want)
		}
	}
}

func TestPeekDoesNotRemove(t *testing.T) {
	h := New[intItem](byPriority, nil)
	h.Insert(intItem{id: "a", priority: 3})
	h.Insert(intItem{id: "b", priority: 1})

	top, ok := h.Peek()
	if !ok || top.id != "b" {
		t.Fatalf("expected peek to return b, got %+v ok=%v", top, ok)
	}
	if h.Len() != 2 {
		t.Fatalf("peek must not remove, len=%d", h.Len())
	}
}

func TestRemoveByIDMidHeap(t *testing.T) {
	h := New[intItem](byPriority, nil)
	for i, v := range []int{10, 20, 30, 40, 50} {
		h.Insert(intItem{id: fmt.Sprintf("e%d", i), priority: v})
	}

	removed, ok := h.RemoveByID("e2") // priority 30
	if !ok || removed.priority != 30 {
		t.Fatalf("expected to remove e2 with priority 30, got %+v ok=%v", removed, ok)
	}
	if h.Contains("e2") {
		t.Fatalf("e2 should no longer be present")
	}
	if h.Len() != 4 {
		t.Fatalf("expected len=4 after removal, got %d", h.Len())
	}

	var got []int
	for h.Len() > 0 {
		e, _ := h.ExtractMin()
		got = append(got, e.priority)
	}
	want := []int{10, 20, 40, 50}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("post-removal order mismatch: got %v want %v", got, want)
		}
	}
}

func TestRemoveUnknownIDIsAbsentNotPanic(t *testing.T) {
	h := New[intItem](byPriority, nil)
	h.Insert(intItem{id: "a", priority: 1})

	_, ok := h.RemoveByID("does-not-exist")
	if ok {
		t.Fatalf("expected RemoveByID of unknown id to report absent")
	}
	if h.Len() != 1 {
		t.Fatalf("failed removal must not mutate the heap")
	}
}

func TestEmptyHeapIndexIsEmpty(t *testing.T) {
	h := New[intItem](byPriority, nil)
	h.Insert(intItem{id: "a", priority: 1})
	h.ExtractMin()

	if h.Len() != 0 {
		t.Fatalf("expected empty heap")
	}
	if len(h.s.index) != 0 {
		t.Fatalf("expected empty index map, got %v", h.s.index)
	}
}

func TestSwapCallbackFiresOnMotion(t *testing.T) {
	positions := make(map[string]int)
	onSwap := func(id string, pos int) { positions[id] = pos }

	h := New[intItem](byPriority, onSwap)
	for i, v := range []int{5, 4, 3, 2, 1} {
		h.Insert(intItem{id: fmt.Sprintf("e%d", i), priority: v})
	}

	for id, pos := range positions {
		items := h.Items()
		if pos >= len(items) || items[pos].HeapID() != id {
			t.Fatalf("tracked position for %s (%d) does not match heap contents", id, pos)
		}
	}
}

func TestBijectiveIndexInvariant(t *testing.T) {
	h := New[intItem](byPriority, nil)
	for i, v := range []int{8, 1, 4, 9, 2, 7, 3, 6, 5} {
		h.Insert(intItem{id: fmt.Sprintf("e%d", i), priority: v})
	}
	h.RemoveByID("e3")

	items := h.Items()
	if len(items) != len(h.s.index) {
		t.Fatalf("index map size %d does not match item count %d", len(h.s.index), len(items))
	}
	for id, pos := range h.s.index {
		if items[pos].HeapID() != id {
			t.Fatalf("index[%s]=%d but items[%d].HeapID()=%s", id, pos, pos, items[pos].HeapID())
		}
	}
}
