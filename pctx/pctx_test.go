package pctx

import (
	"sync"
	"testing"
)

func TestGetSetRoundTrip(t *testing.T) {
	key := NewKey[int]("counter")
	c := New(Metadata{})

	if _, ok := Get(c, key); ok {
		t.Fatalf("expected no value before Set")
	}
	Set(c, key, 42)
	v, ok := Get(c, key)
	if !ok || v != 42 {
		t.Fatalf("expected 42, got %d ok=%v", v, ok)
	}
}

func TestDistinctKeysSameNameDoNotCollide(t *testing.T) {
	a := NewKey[string]("shared")
	b := NewKey[string]("shared")
	c := New(Metadata{})

	Set(c, a, "from-a")
	if _, ok := Get(c, b); ok {
		t.Fatalf("keys with the same name but distinct identity must not collide")
	}
}

func TestForkIndependence(t *testing.T) {
	key := NewKey[string]("k")
	parent := New(Metadata{})
	Set(parent, key, "parent-value")

	child := parent.Fork()
	Set(child, key, "child-value")

	parentVal, _ := Get(parent, key)
	childVal, _ := Get(child, key)
	if parentVal != "parent-value" {
		t.Fatalf("fork mutation leaked into parent: %s", parentVal)
	}
	if childVal != "child-value" {
		t.Fatalf("expected child value, got %s", childVal)
	}
}

func TestMergeOverwritesOnCollision(t *testing.T) {
	key := NewKey[int]("k")
	dst := New(Metadata{})
	src := New(Metadata{})
	Set(dst, key, 1)
	Set(src, key, 2)

	dst.Merge(src)

	v, _ := Get(dst, key)
	if v != 2 {
		t.Fatalf("expected merge to overwrite with source value 2, got %d", v)
	}
}

func TestMetadataDefaultsStamped(t *testing.T) {
	c := New(Metadata{})
	if c.Metadata.ID == "" {
		t.Fatalf("expected ID to be stamped")
	}
	if c.Metadata.CorrelationID == "" {
		t.Fatalf("expected CorrelationID to default")
	}
	if c.Metadata.Timestamp.IsZero() {
		t.Fatalf("expected Timestamp to be stamped")
	}
}

func TestConcurrentDistinctKeysDoNotBlock(t *testing.T) {
	c := New(Metadata{})
	keys := make([]*Key[int], 64)
	for i := range keys {
		keys[i] = NewKey[int]("k")
	}

	var wg sync.WaitGroup
	for i, k := range keys {
		wg.Add(1)
		go func(i int, k *Key[int]) {
			defer wg.Done()
			Set(c, k, i)
		}(i, k)
	}
	wg.Wait()

	for i, k := range keys {
		v, ok := Get(c, k)
		if !ok || v != i {
			t.Fatalf("key %d: got %d ok=%v", i, v, ok)
		}
	}
}
