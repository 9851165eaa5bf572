package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func fast() []Option {
	return []Option{WithInitialInterval(time.Millisecond), WithMaxInterval(5 * time.Millisecond)}
}

func TestDo_SucceedsOnThirdAttempt(t *testing.T) {
	calls := 0
	err := Do(context.Background(), func() error {
		calls++
		if calls < 3 {
			return errors.New("transient I/O")
		}
		return nil
	}, fast()...)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Errorf("expected exactly 3 attempts, got %d", calls)
	}
}

func TestDo_ExhaustsAttemptBudget(t *testing.T) {
	calls := 0
	sentinel := errors.New("still down")
	err := Do(context.Background(), func() error {
		calls++
		return sentinel
	}, fast()...)
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected sentinel error, got %v", err)
	}
	if calls != DefaultAttempts {
		t.Errorf("expected %d attempts, got %d", DefaultAttempts, calls)
	}
}

func TestDo_PermanentErrorStopsImmediately(t *testing.T) {
	calls := 0
	parseErr := errors.New("malformed record")
	err := Do(context.Background(), func() error {
		calls++
		return Permanent(parseErr)
	}, fast()...)
	if !errors.Is(err, parseErr) {
		t.Fatalf("expected parse error, got %v", err)
	}
	if calls != 1 {
		t.Errorf("permanent error should not be retried, got %d attempts", calls)
	}
}

func TestDo_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Do(ctx, func() error {
		calls++
		cancel()
		return errors.New("transient")
	}, WithInitialInterval(time.Second))
	if err == nil {
		t.Fatal("expected error after cancellation")
	}
	if calls != 1 {
		t.Errorf("expected 1 attempt before cancellation stopped the loop, got %d", calls)
	}
}

func TestIsPermanent(t *testing.T) {
	if !IsPermanent(Permanent(errors.New("x"))) {
		t.Error("expected IsPermanent to detect marked error")
	}
	if IsPermanent(errors.New("x")) {
		t.Error("unmarked error reported permanent")
	}
}
