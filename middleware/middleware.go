// Package middleware defines the pipeline's middleware contract: a
// stable-priority chain link with an at-most-once next continuation.
// It generalises the teacher's ordered HTTP middleware chain
// (services/gateway/router.go composes CORS -> security headers ->
// request id -> ... by registration order) into a typed, priority-sorted
// chain over commands rather than http.Handler, with the same
// "order matters" discipline.
package middleware

import (
	"context"
	"sync/atomic"

	"github.com/AlfredDev/pipelinekit/errkind"
	"github.com/AlfredDev/pipelinekit/pctx"
)

// Result is whatever a handler or middleware produces. Pipelines are
// agnostic to its shape; callers type-assert as needed.
type Result any

// Next is the downstream continuation a Middleware invokes to proceed.
// It must be called at most once.
type Next func(ctx context.Context, cmd any, pc *pctx.Context) (Result, error)

// Middleware is one link in a pipeline chain.
type Middleware interface {
	// Priority orders this middleware in the chain: lower runs earlier.
	// Equal priorities retain registration order.
	Priority() int
	// Execute runs the middleware's logic, optionally invoking next
	// exactly once to continue downstream. Not calling next is a
	// legitimate short-circuit only if the middleware also implements
	// ShortCircuiter.
	Execute(ctx context.Context, cmd any, pc *pctx.Context, next Next) (Result, error)
}

// ShortCircuiter is an optional marker a Middleware implements to
// declare that it may legitimately return without invoking next (e.g. a
// cache-hit middleware, an auth-rejection middleware). NextGuard uses
// this to decide whether a zero-call drop is silent or diagnostic.
type ShortCircuiter interface {
	MayShortCircuit() bool
}

// Func adapts a plain function to the Middleware interface with a fixed
// priority, for simple cases that do not warrant a named type.
type Func struct {
	Pri  int
	Fn   func(ctx context.Context, cmd any, pc *pctx.Context, next Next) (Result, error)
	Soft bool // MayShortCircuit value
}

func (f Func) Priority() int { return f.Pri }

func (f Func) Execute(ctx context.Context, cmd any, pc *pctx.Context, next Next) (Result, error) {
	return f.Fn(ctx, cmd, pc, next)
}

func (f Func) MayShortCircuit() bool { return f.Soft }

// Guard states for NextGuard's tri-state atomic.
const (
	guardUncalled int32 = iota
	guardInProgress
	guardDone
)

// NextGuard wraps a chain continuation so it can be invoked at most
// once. A second, sequential call fails with errkind.ErrNextCalledTwice;
// a call that overlaps another still in flight fails with
// errkind.ErrNextCalledConcurrently — the tri-state atomic distinguishes
// the two by whether the first call has finished yet.
type NextGuard struct {
	next  Next
	mw    Middleware // for the MayShortCircuit check on Close
	state atomic.Int32
}

// NewNextGuard wraps next for the given middleware instance mw (used
// only to query ShortCircuiter on Close; may be nil).
func NewNextGuard(next Next, mw Middleware) *NextGuard {
	return &NextGuard{next: next, mw: mw}
}

// Call invokes the wrapped continuation. Only the first caller proceeds;
// every later caller, whether sequential or concurrent, receives an
// error without running next again.
func (g *NextGuard) Call(ctx context.Context, cmd any, pc *pctx.Context) (Result, error) {
	if !g.state.CompareAndSwap(guardUncalled, guardInProgress) {
		if g.state.Load() == guardInProgress {
			return nil, errkind.ErrNextCalledConcurrently
		}
		return nil, errkind.ErrNextCalledTwice
	}
	defer g.state.Store(guardDone)
	return g.next(ctx, cmd, pc)
}

// Called reports whether Call has been invoked (successfully or not).
func (g *NextGuard) Called() bool { return g.state.Load() != guardUncalled }

// Close is invoked by the chain executor after a middleware's Execute
// returns. dropped reports whether next was never called; needsDiagnostic
// is true only when it was dropped without the middleware opting into
// ShortCircuiter — the executor may log this in debug builds, but it is
// never a hard failure, since short-circuiting is a legal pattern.
func (g *NextGuard) Close() (dropped, needsDiagnostic bool) {
	if g.Called() {
		return false, false
	}
	if sc, ok := g.mw.(ShortCircuiter); ok && sc.MayShortCircuit() {
		return true, false
	}
	return true, true
}
