// Package pipeline builds and executes a command's middleware chain: a
// priority-sorted right-fold ending at a terminal handler, fronted by a
// bounded-concurrency semaphore token. It generalises the teacher's
// router-level "order matters" middleware composition
// (services/gateway/router.go's r.Use chain) from http.Handler into a
// typed command chain, and plugs the semaphore package in as the
// in-flight-command limiter the gateway's per-org Semaphore approximated
// with a channel.
package pipeline

import (
	"context"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/AlfredDev/pipelinekit/errkind"
	"github.com/AlfredDev/pipelinekit/middleware"
	"github.com/AlfredDev/pipelinekit/pctx"
	"github.com/AlfredDev/pipelinekit/semaphore"
)

// Handler is the terminal step of a pipeline: the chain's base case.
type Handler func(ctx context.Context, cmd any, pc *pctx.Context) (middleware.Result, error)

// PriorityFunc extracts a semaphore priority from a command and its
// context, so higher-priority commands can jump the in-flight queue.
// The default always returns semaphore.Normal.
type PriorityFunc func(cmd any, pc *pctx.Context) semaphore.Priority

// SizeFunc extracts an estimated queue-memory size for a command, for
// semaphore admission accounting. The default returns
// semaphore.DefaultEstimatedSize for every command.
type SizeFunc func(cmd any, pc *pctx.Context) int64

// Option configures a Pipeline at Build time.
type Option func(*config)

type config struct {
	sem          *semaphore.Semaphore
	priorityFunc PriorityFunc
	sizeFunc     SizeFunc
	acquireWait  time.Duration // 0 means no timeout, block on ctx only
	log          zerolog.Logger
}

// WithSemaphore sets the bounded-concurrency semaphore a pipeline
// acquires a token from before running its chain. If omitted, Build
// creates an effectively unbounded one (a very large MaxConcurrency).
func WithSemaphore(sem *semaphore.Semaphore) Option {
	return func(c *config) { c.sem = sem }
}

// WithPriorityFunc overrides how a command's semaphore priority is
// determined. Default: always semaphore.Normal.
func WithPriorityFunc(fn PriorityFunc) Option {
	return func(c *config) { c.priorityFunc = fn }
}

// WithSizeFunc overrides how a command's estimated queue-memory size is
// determined. Default: semaphore.DefaultEstimatedSize for every command.
func WithSizeFunc(fn SizeFunc) Option {
	return func(c *config) { c.sizeFunc = fn }
}

// WithAcquireTimeout bounds how long Execute waits for a semaphore
// token before failing with a timeout error. Zero (the default) waits
// indefinitely, bounded only by ctx.
func WithAcquireTimeout(d time.Duration) Option {
	return func(c *config) { c.acquireWait = d }
}

// WithLogger sets the logger a Pipeline uses for execution diagnostics —
// currently, only the debug-level notice emitted when a middleware drops
// its next continuation without opting into ShortCircuiter. Defaults to
// a no-op logger.
func WithLogger(log zerolog.Logger) Option {
	return func(c *config) { c.log = log }
}

// Pipeline is a built, ready-to-execute middleware chain.
type Pipeline struct {
	cfg     config
	handler Handler
	ordered []middleware.Middleware
}

// Build sorts mws by ascending priority (stable: equal priorities retain
// registration order). The actual chain — handler wrapped in
// priority-ordered middleware via right-fold — is composed fresh on
// every Execute call, since each middleware's NextGuard is only safe to
// invoke once:
//
//	chain_0(cmd, ctx)   = handler(cmd, ctx)
//	chain_i(cmd, ctx)   = mws[i].Execute(cmd, ctx, next=guard(chain_{i-1}))
func Build(handler Handler, mws []middleware.Middleware, opts ...Option) (*Pipeline, error) {
	if handler == nil {
		return nil, errkind.ErrHandlerRequired
	}

	ordered := make([]middleware.Middleware, len(mws))
	copy(ordered, mws)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Priority() < ordered[j].Priority()
	})

	cfg := config{
		priorityFunc: func(cmd any, pc *pctx.Context) semaphore.Priority { return semaphore.Normal },
		sizeFunc:     func(cmd any, pc *pctx.Context) int64 { return semaphore.DefaultEstimatedSize },
		log:          zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.sem == nil {
		cfg.sem = semaphore.New(1 << 20)
	}

	return &Pipeline{cfg: cfg, handler: handler, ordered: ordered}, nil
}

// Middlewares returns the pipeline's middleware list in execution order.
func (p *Pipeline) Middlewares() []middleware.Middleware {
	out := make([]middleware.Middleware, len(p.ordered))
	copy(out, p.ordered)
	return out
}

// buildChain composes a fresh entry continuation for a single Execute
// call. Each middleware gets its own NextGuard, since a guard's state is
// one-shot and cannot be reused across executions.
func (p *Pipeline) buildChain() middleware.Next {
	entry := middleware.Next(func(ctx context.Context, cmd any, pc *pctx.Context) (middleware.Result, error) {
		return p.handler(ctx, cmd, pc)
	})

	for i := len(p.ordered) - 1; i >= 0; i-- {
		mw := p.ordered[i]
		downstream := entry
		guard := middleware.NewNextGuard(downstream, mw)
		entry = func(ctx context.Context, cmd any, pc *pctx.Context) (middleware.Result, error) {
			res, err := mw.Execute(ctx, cmd, pc, guard.Call)
			if dropped, needsDiagnostic := guard.Close(); dropped && needsDiagnostic {
				p.cfg.log.Debug().
					Str("command_id", pc.Metadata.ID).
					Msg("middleware dropped next without opting into ShortCircuiter")
			}
			return res, err
		}
	}

	return entry
}

// Execute acquires a semaphore token (priority derived from cmd/pc via
// the configured PriorityFunc), runs a freshly composed chain, and
// releases the token on return or unwind — including on panic, which it
// re-panics after releasing so the token is never leaked.
func (p *Pipeline) Execute(ctx context.Context, cmd any, pc *pctx.Context) (result middleware.Result, err error) {
	priority := p.cfg.priorityFunc(cmd, pc)
	size := p.cfg.sizeFunc(cmd, pc)

	var tok *semaphore.Token
	if p.cfg.acquireWait > 0 {
		tok, err = p.cfg.sem.AcquireWithTimeout(ctx, p.cfg.acquireWait, priority, size)
	} else {
		tok, err = p.cfg.sem.Acquire(ctx, priority, size)
	}
	if err != nil {
		return nil, err
	}

	defer func() {
		tok.Release()
		if r := recover(); r != nil {
			panic(r)
		}
	}()

	return p.buildChain()(ctx, cmd, pc)
}
