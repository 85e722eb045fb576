package errkind

import (
	"errors"
	"testing"
	"time"
)

func TestSubKindsUnwrapToBackPressure(t *testing.T) {
	cases := []error{
		&QueueFullError{Current: 10, Limit: 10},
		&MemoryPressureError{Requested: 1, Queued: 1, Limit: 1},
		&CommandDroppedError{Reason: "evicted"},
		&TimeoutError{Duration: time.Second},
	}
	for _, err := range cases {
		if !errors.Is(err, ErrBackPressure) {
			t.Fatalf("%T should unwrap to ErrBackPressure", err)
		}
		if !IsBackPressure(err) {
			t.Fatalf("%T should be reported back-pressure by IsBackPressure", err)
		}
	}
}

func TestHandlerErrorPreservesCause(t *testing.T) {
	cause := errors.New("boom")
	wrapped := &HandlerError{Cause: cause}
	if !errors.Is(wrapped, cause) {
		t.Fatalf("HandlerError must unwrap to its cause unmodified")
	}
}

func TestSentinelsAreDistinct(t *testing.T) {
	if errors.Is(ErrCancelled, ErrBackPressure) {
		t.Fatalf("ErrCancelled must not be classified as back pressure")
	}
	if errors.Is(ErrShutdown, ErrBackPressure) {
		t.Fatalf("ErrShutdown must not be classified as back pressure")
	}
}
