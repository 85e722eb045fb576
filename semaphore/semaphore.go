// Package semaphore implements a bounded-concurrency permit allocator: a
// fast lock-free acquire path, a priority-ordered waiter queue for the
// slow path, RAII tokens, cancellation, queue-memory ceilings, and
// pluggable overflow strategies. It generalises the teacher's
// middleware/concurrency.go Semaphore (a plain counting semaphore with a
// FIFO channel of waiters) into a priority-aware allocator backed by
// heap.Heap, in the style Alex313031-siso-ng's sync/semaphore.Prioritized
// uses a container/heap priority queue around a mutex-guarded counter.
package semaphore

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/AlfredDev/pipelinekit/errkind"
	"github.com/AlfredDev/pipelinekit/heap"
)

const (
	// DefaultWaiterTimeout is how long a queued waiter may wait before
	// the background cleanup sweep resolves it with a timeout error.
	DefaultWaiterTimeout = 5 * time.Minute
	// DefaultCleanupInterval is how often the background sweep runs.
	DefaultCleanupInterval = time.Second
	// DefaultEstimatedSize is the assumed memory footprint of a waiter
	// when the caller does not supply one.
	DefaultEstimatedSize = 1024
)

// Config holds a Semaphore's tunables. Use New with Options rather than
// constructing Config directly; zero values are filled in with defaults.
type Config struct {
	MaxConcurrency  int
	MaxOutstanding  int
	MaxQueueMemory  int64 // 0 means unbounded
	Strategy        Strategy
	WaiterTimeout   time.Duration
	CleanupInterval time.Duration
	Log             zerolog.Logger
}

// Option configures a Semaphore at construction time.
type Option func(*Config)

// WithMaxOutstanding sets the soft ceiling on active+queued acquires.
// Defaults to 10x MaxConcurrency.
func WithMaxOutstanding(n int) Option {
	return func(c *Config) { c.MaxOutstanding = n }
}

// WithMaxQueueMemory bounds the aggregate estimated size of queued
// waiters. Zero (the default) leaves it unbounded.
func WithMaxQueueMemory(bytes int64) Option {
	return func(c *Config) { c.MaxQueueMemory = bytes }
}

// WithStrategy selects the overflow strategy applied once MaxOutstanding
// is reached. Defaults to Suspend.
func WithStrategy(s Strategy) Option {
	return func(c *Config) { c.Strategy = s }
}

// WithWaiterTimeout sets how long a queued waiter may wait before the
// cleanup sweep expires it. Defaults to DefaultWaiterTimeout.
func WithWaiterTimeout(d time.Duration) Option {
	return func(c *Config) { c.WaiterTimeout = d }
}

// WithCleanupInterval sets how often the cleanup sweep runs. Defaults to
// DefaultCleanupInterval.
func WithCleanupInterval(d time.Duration) Option {
	return func(c *Config) { c.CleanupInterval = d }
}

// WithLogger sets the logger a Semaphore uses for drain, cleanup-sweep,
// and shutdown diagnostics. Defaults to a no-op logger.
func WithLogger(log zerolog.Logger) Option {
	return func(c *Config) { c.Log = log }
}

// Stats is a snapshot of a Semaphore's current load.
type Stats struct {
	MaxConcurrency   int
	MaxOutstanding   int
	Available        int
	ActiveCount      int
	QueuedCount      int
	QueueMemoryUsage int64
	OldestWaiterAge  time.Duration
}

// Health summarises Stats against fixed thresholds.
type Health struct {
	Healthy           bool
	OldestWaiterAge   time.Duration
	QueueUtilization  float64
	MemoryUtilization float64
}

// Semaphore is a bounded-concurrency permit allocator. The zero value is
// not usable; construct with New.
type Semaphore struct {
	cfg Config

	// Fast-path state, mutated only via atomic operations.
	availablePermits atomic.Int64
	drainScheduled   atomic.Bool
	nextTokenID      atomic.Uint64
	shutdown         atomic.Bool

	// Serialized state: every access to these fields happens with mu
	// held, forming the single-writer region the spec calls for.
	mu           sync.Mutex
	waiters      *heap.Heap[*waiter]
	waiterLookup map[string]*waiter
	activeTokens map[uint64]struct{}
	queuedMemory int64

	cleanupOnce sync.Once
	cleanupStop chan struct{}
	cleanupDone chan struct{}
}

// New constructs a Semaphore allowing up to maxConcurrency concurrent
// permits. maxConcurrency must be >= 0; 0 grants no permits at all:
// TryAcquire always reports false, and Acquire fails with QueueFullError
// unless WithMaxOutstanding raises the ceiling above zero, in which case
// it waits until its context ends, the cleanup sweep expires it, the
// overflow strategy rejects it, or the semaphore shuts down.
func New(maxConcurrency int, opts ...Option) *Semaphore {
	cfg := Config{
		MaxConcurrency:  maxConcurrency,
		MaxOutstanding:  maxConcurrency * 10,
		Strategy:        Suspend,
		WaiterTimeout:   DefaultWaiterTimeout,
		CleanupInterval: DefaultCleanupInterval,
		Log:             zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.MaxOutstanding < cfg.MaxConcurrency {
		cfg.MaxOutstanding = cfg.MaxConcurrency
	}
	if cfg.WaiterTimeout <= 0 {
		cfg.WaiterTimeout = DefaultWaiterTimeout
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = DefaultCleanupInterval
	}

	s := &Semaphore{
		cfg:          cfg,
		waiterLookup: make(map[string]*waiter),
		activeTokens: make(map[uint64]struct{}),
		cleanupStop:  make(chan struct{}),
		cleanupDone:  make(chan struct{}),
	}
	s.availablePermits.Store(int64(maxConcurrency))
	s.waiters = heap.New[*waiter](waiterLess, nil)
	return s
}

func (s *Semaphore) newToken() *Token {
	return &Token{sem: s, id: s.nextTokenID.Add(1), acquiredAt: time.Now()}
}

// TryAcquire attempts the fast path only: no enqueue, no waiting.
func (s *Semaphore) TryAcquire() (*Token, bool) {
	if s.shutdown.Load() {
		return nil, false
	}
	for {
		cur := s.availablePermits.Load()
		if cur <= 0 {
			return nil, false
		}
		if s.availablePermits.CompareAndSwap(cur, cur-1) {
			tok := s.newToken()
			s.mu.Lock()
			s.activeTokens[tok.id] = struct{}{}
			s.mu.Unlock()
			return tok, true
		}
	}
}

// Acquire blocks until a permit is available, ctx is cancelled, or the
// semaphore is shut down. priority orders the caller within the waiter
// queue if it must wait; size is the estimated memory footprint charged
// against MaxQueueMemory while queued.
func (s *Semaphore) Acquire(ctx context.Context, priority Priority, size int64) (*Token, error) {
	if s.shutdown.Load() {
		return nil, errkind.ErrShutdown
	}
	if size <= 0 {
		size = DefaultEstimatedSize
	}

	// Fast path: CAS-loop decrement while permits remain. Intentionally
	// greedy — it may let a fresh acquire bypass queued waiters under
	// contention; the waiterLess order applies only to queued waiters.
	for {
		cur := s.availablePermits.Load()
		if cur <= 0 {
			break
		}
		if s.availablePermits.CompareAndSwap(cur, cur-1) {
			tok := s.newToken()
			s.mu.Lock()
			s.activeTokens[tok.id] = struct{}{}
			s.mu.Unlock()
			return tok, nil
		}
	}

	w, err := s.enqueue(priority, size)
	if err != nil {
		return nil, err
	}

	select {
	case o := <-w.done:
		return o.token, o.err
	case <-ctx.Done():
		s.cancelWaiter(w.id)
		// cancelWaiter either resolved the waiter itself or found it
		// already resolved by a racing drain/sweep; either way an
		// outcome is guaranteed, eventually, on w.done. Block for it
		// rather than risk discarding a granted token and leaking its
		// permit.
		o := <-w.done
		if o.err == nil && o.token != nil {
			// Lost the cancellation race: a drain already resolved
			// this waiter with a token. Honor the grant, the caller
			// is responsible for releasing it.
			return o.token, nil
		}
		return nil, o.err
	}
}

// AcquireWithTimeout races Acquire against d; on timeout it cancels the
// underlying wait via the same path ctx cancellation would and returns a
// TimeoutError.
func (s *Semaphore) AcquireWithTimeout(ctx context.Context, d time.Duration, priority Priority, size int64) (*Token, error) {
	tctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	tok, err := s.Acquire(tctx, priority, size)
	if err != nil && tctx.Err() != nil && ctx.Err() == nil {
		return nil, &errkind.TimeoutError{Duration: d}
	}
	return tok, err
}

// enqueue performs the slow-path admission: overflow enforcement,
// counter decrement, and heap insertion, all under mu.
func (s *Semaphore) enqueue(priority Priority, size int64) (*waiter, error) {
	s.mu.Lock()

	if s.cfg.MaxQueueMemory > 0 && s.queuedMemory+size > s.cfg.MaxQueueMemory {
		s.mu.Unlock()
		return nil, &errkind.MemoryPressureError{Requested: size, Queued: s.queuedMemory, Limit: s.cfg.MaxQueueMemory}
	}

	outstanding := len(s.waiterLookup) + len(s.activeTokens)
	if outstanding >= s.cfg.MaxOutstanding {
		if s.cfg.MaxOutstanding == 0 {
			s.mu.Unlock()
			return nil, &errkind.QueueFullError{Current: outstanding, Limit: 0}
		}
		switch s.cfg.Strategy {
		case DropNewest:
			s.mu.Unlock()
			return nil, &errkind.CommandDroppedError{Reason: "drop-newest: queue at max outstanding"}
		case DropOldest:
			if victim := dropOldestVictim(s.waiters.Items()); victim != nil {
				s.removeWaiterLocked(victim.id)
				if victim.resolve(outcome{err: &errkind.CommandDroppedError{Reason: "drop-oldest: evicted to admit a new waiter"}}) {
					// Restore the permit the victim's own slow-path
					// admission consumed — the decrement just below is
					// for the new entrant replacing it, not an
					// additional one. Skipping this leaves
					// available_permits permanently too low by one per
					// eviction, starving drainWaiters once the holder
					// releases (see cancelWaiter, which does the same).
					s.availablePermits.Add(1)
					s.cfg.Log.Debug().Str("waiter_id", victim.id).Msg("drop-oldest evicted a queued waiter")
				}
			}
		case ErrorStrategy:
			s.mu.Unlock()
			return nil, &errkind.QueueFullError{Current: outstanding, Limit: s.cfg.MaxOutstanding}
		case Suspend:
			if outstanding >= 2*s.cfg.MaxOutstanding {
				s.mu.Unlock()
				return nil, &errkind.QueueFullError{Current: outstanding, Limit: 2 * s.cfg.MaxOutstanding}
			}
		}
	}

	prev := s.availablePermits.Add(-1) + 1 // value before this decrement
	if prev > 0 {
		// A permit was free after all (a release raced in); issue
		// directly rather than enqueueing.
		tok := s.newToken()
		s.activeTokens[tok.id] = struct{}{}
		s.mu.Unlock()
		w := newWaiter("", priority, size)
		w.resolve(outcome{token: tok})
		return w, nil
	}

	id := newWaiterID()
	w := newWaiter(id, priority, size)
	s.waiters.Insert(w)
	s.waiterLookup[id] = w
	s.queuedMemory += size

	needsCleanup := len(s.waiterLookup) == 1
	s.mu.Unlock()

	if needsCleanup {
		s.startCleanup()
	}
	return w, nil
}

// fastPathRelease is invoked by Token.Release. It never blocks.
func (s *Semaphore) fastPathRelease(tokenID uint64) {
	prev := s.availablePermits.Add(1) - 1
	s.mu.Lock()
	delete(s.activeTokens, tokenID)
	s.mu.Unlock()
	if prev >= 0 {
		return
	}
	if s.drainScheduled.CompareAndSwap(false, true) {
		go s.drainWaiters()
	}
}

// drainWaiters hands out newly released permits to queued waiters in
// priority order. Serialized: only one drain runs at a time, guarded by
// drainScheduled.
func (s *Semaphore) drainWaiters() {
	defer s.drainScheduled.Store(false)
	for {
		s.mu.Lock()
		top, ok := s.waiters.Peek()
		if !ok {
			s.mu.Unlock()
			return
		}
		if top.isResolved() {
			s.waiters.ExtractMin()
			delete(s.waiterLookup, top.id)
			s.mu.Unlock()
			continue
		}
		// Each queued waiter already took its decrement of
		// availablePermits in enqueue, so the permits free for waiters
		// number availablePermits plus the queue length; handing one to
		// a waiter leaves the counter as it is.
		if s.availablePermits.Load()+int64(s.waiters.Len()) <= 0 {
			s.mu.Unlock()
			return
		}
		s.waiters.ExtractMin()
		delete(s.waiterLookup, top.id)
		s.queuedMemory -= top.size
		tok := s.newToken()
		s.activeTokens[tok.id] = struct{}{}
		s.mu.Unlock()

		if !top.resolve(outcome{token: tok}) {
			// The waiter was cancelled between Peek and here; give the
			// permit back to the pool and keep draining.
			s.mu.Lock()
			delete(s.activeTokens, tok.id)
			s.mu.Unlock()
			s.fastPathRelease(tok.id)
			continue
		}
		s.cfg.Log.Debug().Str("waiter_id", top.id).Msg("drain issued a queued waiter its permit")
	}
}

// cancelWaiter removes id from the queue (if still present) and resolves
// it with a cancellation error, restoring the counter invariant.
func (s *Semaphore) cancelWaiter(id string) {
	s.mu.Lock()
	w, ok := s.waiterLookup[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	s.removeWaiterLocked(id)
	s.mu.Unlock()

	if w.resolve(outcome{err: errkind.ErrCancelled}) {
		s.availablePermits.Add(1)
		s.maybeScheduleDrain()
	}
}

// dropOldestVictim scans items (an O(n) snapshot of the whole waiter
// heap) for the least urgent one: lowest priority, breaking ties by
// earliest enqueue time. This is the opposite end of the heap from
// Peek/ExtractMin, so it cannot be found in O(log n) — DropOldest is a
// rare high-water-mark path, not a hot one, so the scan is acceptable.
func dropOldestVictim(items []*waiter) *waiter {
	var worst *waiter
	for _, w := range items {
		if w.isResolved() {
			continue
		}
		if worst == nil || w.priority < worst.priority ||
			(w.priority == worst.priority && w.enqueuedAt.Before(worst.enqueuedAt)) {
			worst = w
		}
	}
	return worst
}

// removeWaiterLocked removes a waiter from the heap and lookup table.
// Caller must hold mu.
func (s *Semaphore) removeWaiterLocked(id string) {
	if _, ok := s.waiters.RemoveByID(id); ok {
		s.queuedMemory -= s.waiterLookup[id].size
	}
	delete(s.waiterLookup, id)
}

func (s *Semaphore) maybeScheduleDrain() {
	if s.availablePermits.Load() <= 0 {
		return
	}
	s.mu.Lock()
	empty := s.waiters.Len() == 0
	s.mu.Unlock()
	if empty {
		return
	}
	if s.drainScheduled.CompareAndSwap(false, true) {
		go s.drainWaiters()
	}
}

func (s *Semaphore) startCleanup() {
	s.cleanupOnce.Do(func() {
		go s.runCleanup()
	})
}

func (s *Semaphore) runCleanup() {
	defer close(s.cleanupDone)
	ticker := time.NewTicker(s.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.cleanupStop:
			return
		case <-ticker.C:
			s.sweepExpired()
		}
	}
}

func (s *Semaphore) sweepExpired() {
	deadline := time.Now().Add(-s.cfg.WaiterTimeout)
	s.mu.Lock()
	var expired []*waiter
	for _, w := range s.waiterLookup {
		if w.enqueuedAt.Before(deadline) {
			expired = append(expired, w)
		}
	}
	for _, w := range expired {
		s.removeWaiterLocked(w.id)
	}
	s.mu.Unlock()

	for _, w := range expired {
		if w.resolve(outcome{err: &errkind.TimeoutError{Duration: s.cfg.WaiterTimeout}}) {
			s.availablePermits.Add(1)
		}
	}
	if len(expired) > 0 {
		s.cfg.Log.Debug().Int("count", len(expired)).Msg("cleanup sweep expired stale waiters")
		s.maybeScheduleDrain()
	}
}

// Shutdown stops the cleanup sweep and resolves every pending waiter
// with a shutdown error. Idempotent; subsequent Acquire calls fail with
// errkind.ErrShutdown and TryAcquire calls report false.
func (s *Semaphore) Shutdown() {
	if !s.shutdown.CompareAndSwap(false, true) {
		return
	}
	select {
	case <-s.cleanupStop:
	default:
		close(s.cleanupStop)
	}

	s.mu.Lock()
	var pending []*waiter
	for s.waiters.Len() > 0 {
		w, _ := s.waiters.ExtractMin()
		pending = append(pending, w)
	}
	s.waiterLookup = make(map[string]*waiter)
	s.queuedMemory = 0
	s.mu.Unlock()

	for _, w := range pending {
		w.resolve(outcome{err: errkind.ErrShutdown})
	}
	s.cfg.Log.Debug().Int("pending", len(pending)).Msg("semaphore shutdown resolved pending waiters")
}

// Stats returns a snapshot of the semaphore's current load.
func (s *Semaphore) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	var oldestAt time.Time
	for _, w := range s.waiters.Items() {
		if oldestAt.IsZero() || w.enqueuedAt.Before(oldestAt) {
			oldestAt = w.enqueuedAt
		}
	}
	var oldest time.Duration
	if !oldestAt.IsZero() {
		oldest = time.Since(oldestAt)
	}
	return Stats{
		MaxConcurrency:   s.cfg.MaxConcurrency,
		MaxOutstanding:   s.cfg.MaxOutstanding,
		Available:        int(s.availablePermits.Load()),
		ActiveCount:      len(s.activeTokens),
		QueuedCount:      s.waiters.Len(),
		QueueMemoryUsage: s.queuedMemory,
		OldestWaiterAge:  oldest,
	}
}

// Health evaluates Stats against fixed thresholds: healthy when the
// oldest queued waiter is under a minute old and both queue and memory
// utilization are under 90%.
func (s *Semaphore) Health() Health {
	st := s.Stats()
	queueUtil := 0.0
	if st.MaxOutstanding > 0 {
		queueUtil = float64(st.ActiveCount+st.QueuedCount) / float64(st.MaxOutstanding)
	}
	memUtil := 0.0
	if s.cfg.MaxQueueMemory > 0 {
		memUtil = float64(st.QueueMemoryUsage) / float64(s.cfg.MaxQueueMemory)
	}
	return Health{
		Healthy:           st.OldestWaiterAge < 60*time.Second && queueUtil < 0.9 && memUtil < 0.9,
		OldestWaiterAge:   st.OldestWaiterAge,
		QueueUtilization:  queueUtil,
		MemoryUtilization: memUtil,
	}
}

var waiterSeq atomic.Uint64

func newWaiterID() string {
	return "w" + strconv.FormatUint(waiterSeq.Add(1), 10)
}
