// Package pctx implements CommandContext: a concurrent, type-keyed store
// that carries metadata and arbitrary keyed values across a middleware
// chain. It generalises the teacher's per-key locking idiom
// (middleware/concurrency.go's KeyedMutex) from "one lock per request
// key" to "one lock per shard of context keys" — the right granularity
// here since a pipeline's set of context keys is small and known at
// compile time, unlike an open tenant keyspace.
package pctx

import (
	"fmt"
	"sync"
	"time"
	"unsafe"

	"github.com/google/uuid"
)

const shardCount = 16

// Key is an identity-typed context key for values of type V. Two Keys
// never collide even if constructed with the same name, because
// equality is pointer identity, not the name string — the name exists
// only for diagnostics.
type Key[V any] struct {
	name string
}

// NewKey creates a new context key for values of type V. name is used
// only in diagnostics; it does not affect key identity.
func NewKey[V any](name string) *Key[V] {
	return &Key[V]{name: name}
}

// String returns the key's diagnostic name.
func (k *Key[V]) String() string { return k.name }

// Metadata is immutable command metadata stamped at Context creation.
type Metadata struct {
	ID            string
	Timestamp     time.Time
	UserID        string
	CorrelationID string
}

// Context is a concurrent, type-keyed store plus immutable metadata. The
// zero value is not usable; construct with New.
type Context struct {
	Metadata Metadata

	shards [shardCount]*shard
}

type shard struct {
	mu     sync.RWMutex
	values map[any]any
}

func newShards() [shardCount]*shard {
	var s [shardCount]*shard
	for i := range s {
		s[i] = &shard{values: make(map[any]any)}
	}
	return s
}

// New creates a Context. An empty md.ID is stamped with a fresh UUID, an
// empty md.CorrelationID defaults to that ID, and a zero md.Timestamp
// defaults to now.
func New(md Metadata) *Context {
	if md.ID == "" {
		md.ID = uuid.NewString()
	}
	if md.CorrelationID == "" {
		md.CorrelationID = md.ID
	}
	if md.Timestamp.IsZero() {
		md.Timestamp = time.Now()
	}
	return &Context{Metadata: md, shards: newShards()}
}

func shardFor[V any](c *Context, key *Key[V]) *shard {
	// A pointer's low bits are a poor hash on some allocators (they tend
	// to share alignment); multiply by a large odd constant to spread
	// them before folding into shardCount.
	h := uintptr(unsafe.Pointer(key)) * 2654435761
	return c.shards[(h>>4)%shardCount]
}

// Get returns the value stored under key, if any.
func Get[V any](c *Context, key *Key[V]) (V, bool) {
	s := shardFor(c, key)
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	if !ok {
		var zero V
		return zero, false
	}
	return v.(V), true
}

// Set stores value under key. Writes to the same key are serialized;
// writes to distinct keys in distinct shards never block each other.
func Set[V any](c *Context, key *Key[V], value V) {
	s := shardFor(c, key)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
}

// Fork returns an independent child store seeded from c. Subsequent
// mutations to the child never affect the parent, and vice versa.
func (c *Context) Fork() *Context {
	child := &Context{Metadata: c.Metadata, shards: newShards()}
	for i := range c.shards {
		c.shards[i].mu.RLock()
		for k, v := range c.shards[i].values {
			child.shards[i].values[k] = v
		}
		c.shards[i].mu.RUnlock()
	}
	return child
}

// Merge overlays every key in src onto c, overwriting on collision.
func (c *Context) Merge(src *Context) {
	for i := range src.shards {
		src.shards[i].mu.RLock()
		entries := make(map[any]any, len(src.shards[i].values))
		for k, v := range src.shards[i].values {
			entries[k] = v
		}
		src.shards[i].mu.RUnlock()

		c.shards[i].mu.Lock()
		for k, v := range entries {
			c.shards[i].values[k] = v
		}
		c.shards[i].mu.Unlock()
	}
}

// Snapshot returns a read-only copy of c's current key/value pairs,
// keyed by their diagnostic name, for logging and debugging. It is not
// type-safe and not meant for programmatic consumption.
func (c *Context) Snapshot() map[string]any {
	out := make(map[string]any)
	for i := range c.shards {
		c.shards[i].mu.RLock()
		for k, v := range c.shards[i].values {
			if named, ok := k.(fmt.Stringer); ok {
				out[named.String()] = v
			}
		}
		c.shards[i].mu.RUnlock()
	}
	return out
}
