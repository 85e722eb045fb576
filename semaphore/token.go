package semaphore

import (
	"sync/atomic"
	"time"
)

// Token is an RAII-style permit handle. Exactly one Release call per
// Token actually releases a permit; subsequent calls are no-ops. The
// semaphore that issued a Token must outlive it.
type Token struct {
	sem        *Semaphore
	id         uint64
	acquiredAt time.Time
	released   atomic.Bool
}

// ID returns the token's unique identity, for diagnostics.
func (t *Token) ID() uint64 { return t.id }

// AcquiredAt returns when the permit was issued.
func (t *Token) AcquiredAt() time.Time { return t.acquiredAt }

// Release returns the permit to the issuing semaphore. Idempotent: only
// the first call has any effect.
func (t *Token) Release() {
	if !t.released.CompareAndSwap(false, true) {
		return
	}
	t.sem.fastPathRelease(t.id)
}
