package parallel

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/AlfredDev/pipelinekit/middleware"
	"github.com/AlfredDev/pipelinekit/pctx"
)

// SideEffector is the declarative marker a Middleware implements to run
// concurrently with its stage siblings instead of sequentially. Anything
// not implementing it is treated as transforming and runs in-order
// within its stage.
type SideEffector interface {
	IsSideEffect() bool
}

func isSideEffect(mw middleware.Middleware) bool {
	se, ok := mw.(SideEffector)
	return ok && se.IsSideEffect()
}

// FailurePolicy selects how a stage reacts to a side-effect middleware
// failure.
type FailurePolicy int

const (
	// FailFast cancels the remaining side effects in the stage and
	// propagates the first failure, aborting the whole execution.
	FailFast FailurePolicy = iota
	// BestEffort lets every side effect in the stage finish regardless
	// of failures, aggregates them, and continues to the next stage.
	BestEffort
)

// StageError aggregates side-effect failures from a BestEffort stage.
// It is never returned as the execution's own error; it is recorded on
// the parent context for the caller to inspect.
type StageError struct {
	Stage  int
	Errors []error
}

func (e *StageError) Error() string {
	parts := make([]string, len(e.Errors))
	for i, err := range e.Errors {
		parts[i] = err.Error()
	}
	return fmt.Sprintf("parallel: stage %d had %d side-effect failure(s): %s", e.Stage, len(e.Errors), strings.Join(parts, "; "))
}

// StageFailuresKey is where BestEffort stage failures are recorded on
// the parent Context via pctx.Set, for the caller or a later middleware
// to inspect. Populated with a []*StageError.
var StageFailuresKey = pctx.NewKey[[]*StageError]("parallel.stage_failures")

// Handler is the terminal step the fully-folded chain ends at.
type Handler func(ctx context.Context, cmd any, pc *pctx.Context) (middleware.Result, error)

// Executor runs a middleware list as dependency-aware parallel stages
// rather than pipeline.Pipeline's strictly sequential chain.
type Executor struct {
	graph  *Graph
	policy FailurePolicy
}

// NewExecutor builds an Executor over graph (may be nil, meaning no
// declared dependencies: every middleware can run alongside every
// other) with the given failure policy.
func NewExecutor(graph *Graph, policy FailurePolicy) *Executor {
	if graph == nil {
		graph = NewGraph()
	}
	return &Executor{graph: graph, policy: policy}
}

// Execute sorts mws by ascending priority (stable), partitions them into
// dependency-respecting stages, and runs each stage in order: side-effect
// middleware concurrently (each receiving an independent forked
// Context), transforming middleware sequentially via the same
// right-fold chain pipeline.Build uses. The final stage's transforming
// chain terminates at handler.
func (e *Executor) Execute(ctx context.Context, cmd any, pc *pctx.Context, handler Handler, mws []middleware.Middleware) (middleware.Result, error) {
	ordered := make([]middleware.Middleware, len(mws))
	copy(ordered, mws)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Priority() < ordered[j].Priority() })

	stages := computeStages(ordered, e.graph)

	entry := middleware.Next(func(ctx context.Context, cmd any, pc *pctx.Context) (middleware.Result, error) {
		return handler(ctx, cmd, pc)
	})
	for i := len(stages) - 1; i >= 0; i-- {
		stageIndex, stage, downstream := i, stages[i], entry
		entry = func(ctx context.Context, cmd any, pc *pctx.Context) (middleware.Result, error) {
			return e.runStage(ctx, stageIndex, stage, cmd, pc, downstream)
		}
	}

	return entry(ctx, cmd, pc)
}

func (e *Executor) runStage(ctx context.Context, idx int, stage []middleware.Middleware, cmd any, pc *pctx.Context, downstream middleware.Next) (middleware.Result, error) {
	var sideEffects, transforming []middleware.Middleware
	for _, mw := range stage {
		if isSideEffect(mw) {
			sideEffects = append(sideEffects, mw)
		} else {
			transforming = append(transforming, mw)
		}
	}

	terminal := middleware.Next(func(ctx context.Context, cmd any, pc *pctx.Context) (middleware.Result, error) {
		return nil, nil
	})
	chain := downstream
	for i := len(transforming) - 1; i >= 0; i-- {
		mw, next := transforming[i], chain
		guard := middleware.NewNextGuard(next, mw)
		chain = func(ctx context.Context, cmd any, pc *pctx.Context) (middleware.Result, error) {
			res, err := mw.Execute(ctx, cmd, pc, guard.Call)
			guard.Close()
			return res, err
		}
	}

	if len(sideEffects) == 0 {
		return chain(ctx, cmd, pc)
	}

	switch e.policy {
	case FailFast:
		return e.runStageFailFast(ctx, sideEffects, terminal, cmd, pc, chain)
	default:
		return e.runStageBestEffort(ctx, idx, sideEffects, terminal, cmd, pc, chain)
	}
}

func (e *Executor) runStageFailFast(ctx context.Context, sideEffects []middleware.Middleware, terminal middleware.Next, cmd any, pc *pctx.Context, chain middleware.Next) (middleware.Result, error) {
	g, gctx := errgroup.WithContext(ctx)
	for _, mw := range sideEffects {
		mw := mw
		g.Go(func() error {
			forked := pc.Fork()
			guard := middleware.NewNextGuard(terminal, mw)
			_, err := mw.Execute(gctx, cmd, forked, guard.Call)
			guard.Close()
			return err
		})
	}

	// The downstream transforming chain must not run until every
	// side effect in this stage has succeeded — otherwise a failing
	// side effect surfaces only after downstream has already
	// committed its own effects.
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return chain(ctx, cmd, pc)
}

func (e *Executor) runStageBestEffort(ctx context.Context, idx int, sideEffects []middleware.Middleware, terminal middleware.Next, cmd any, pc *pctx.Context, chain middleware.Next) (middleware.Result, error) {
	var wg sync.WaitGroup
	var mu sync.Mutex
	var failures []error

	for _, mw := range sideEffects {
		mw := mw
		wg.Add(1)
		go func() {
			defer wg.Done()
			forked := pc.Fork()
			guard := middleware.NewNextGuard(terminal, mw)
			_, err := mw.Execute(ctx, cmd, forked, guard.Call)
			guard.Close()
			if err != nil {
				mu.Lock()
				failures = append(failures, err)
				mu.Unlock()
			}
		}()
	}

	res, chainErr := chain(ctx, cmd, pc)
	wg.Wait()

	if len(failures) > 0 {
		existing, _ := pctx.Get(pc, StageFailuresKey)
		pctx.Set(pc, StageFailuresKey, append(existing, &StageError{Stage: idx, Errors: failures}))
	}
	return res, chainErr
}
