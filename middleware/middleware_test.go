package middleware

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/AlfredDev/pipelinekit/errkind"
	"github.com/AlfredDev/pipelinekit/pctx"
)

func noopNext(ctx context.Context, cmd any, pc *pctx.Context) (Result, error) {
	return "downstream", nil
}

func TestNextGuardFirstCallProceeds(t *testing.T) {
	g := NewNextGuard(noopNext, nil)
	res, err := g.Call(context.Background(), nil, nil)
	if err != nil || res != "downstream" {
		t.Fatalf("expected downstream result, got res=%v err=%v", res, err)
	}
	if !g.Called() {
		t.Fatalf("expected Called() to be true after Call")
	}
}

func TestNextGuardSecondSequentialCallFails(t *testing.T) {
	g := NewNextGuard(noopNext, nil)
	g.Call(context.Background(), nil, nil)
	_, err := g.Call(context.Background(), nil, nil)
	if !errors.Is(err, errkind.ErrNextCalledTwice) {
		t.Fatalf("expected ErrNextCalledTwice, got %v", err)
	}
}

func TestNextGuardConcurrentCallsHaveExactlyOneWinner(t *testing.T) {
	block := make(chan struct{})
	slow := func(ctx context.Context, cmd any, pc *pctx.Context) (Result, error) {
		<-block
		return "done", nil
	}
	g := NewNextGuard(slow, nil)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	returned := make(chan struct{}, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := g.Call(context.Background(), nil, nil)
			errs[i] = err
			returned <- struct{}{}
		}(i)
	}
	// The winner stays blocked in next until block closes, so the first
	// call to return is the loser, and it overlapped the winner.
	<-returned
	close(block)
	wg.Wait()

	var nilCount, concurrentCount int
	for _, err := range errs {
		switch {
		case err == nil:
			nilCount++
		case errors.Is(err, errkind.ErrNextCalledConcurrently):
			concurrentCount++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if nilCount != 1 || concurrentCount != 1 {
		t.Fatalf("expected exactly one winner and one concurrent loser, got nil=%d concurrent=%d", nilCount, concurrentCount)
	}
}

type shortCircuitMW struct{ soft bool }

func (m shortCircuitMW) Priority() int { return 0 }
func (m shortCircuitMW) Execute(ctx context.Context, cmd any, pc *pctx.Context, next Next) (Result, error) {
	return nil, nil
}
func (m shortCircuitMW) MayShortCircuit() bool { return m.soft }

func TestCloseSilentWhenOptedIn(t *testing.T) {
	mw := shortCircuitMW{soft: true}
	g := NewNextGuard(noopNext, mw)
	dropped, needsDiagnostic := g.Close()
	if !dropped || needsDiagnostic {
		t.Fatalf("expected silent drop, got dropped=%v needsDiagnostic=%v", dropped, needsDiagnostic)
	}
}

func TestCloseFlagsWhenNotOptedIn(t *testing.T) {
	mw := shortCircuitMW{soft: false}
	g := NewNextGuard(noopNext, mw)
	dropped, needsDiagnostic := g.Close()
	if !dropped || !needsDiagnostic {
		t.Fatalf("expected flagged drop, got dropped=%v needsDiagnostic=%v", dropped, needsDiagnostic)
	}
}

func TestCloseAfterCallIsNeverFlagged(t *testing.T) {
	g := NewNextGuard(noopNext, shortCircuitMW{soft: false})
	g.Call(context.Background(), nil, nil)
	dropped, needsDiagnostic := g.Close()
	if dropped || needsDiagnostic {
		t.Fatalf("expected no drop after a successful call, got dropped=%v needsDiagnostic=%v", dropped, needsDiagnostic)
	}
}
