package retry

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestDoReturnsOnFirstSuccess(t *testing.T) {
	calls := 0
	err := Do(context.Background(), 3, 5*time.Millisecond, func() error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestDoRecoversAfterTransientFailures(t *testing.T) {
	calls := 0
	err := Do(context.Background(), 4, 5*time.Millisecond, func() error {
		calls++
		if calls < 3 {
			return errors.New("503 from subscriber")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do after recovery: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3 (two failures then success)", calls)
	}
}

func TestDoGivesUpWithLastError(t *testing.T) {
	down := errors.New("endpoint down")
	calls := 0
	err := Do(context.Background(), 3, 5*time.Millisecond, func() error {
		calls++
		return down
	})
	if !errors.Is(err, down) {
		t.Fatalf("err = %v, want the last attempt's error", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want exactly maxAttempts", calls)
	}
}

func TestDoStopsOnPermanentAndUnwraps(t *testing.T) {
	rejected := errors.New("410 gone")
	calls := 0
	err := Do(context.Background(), 5, 5*time.Millisecond, func() error {
		calls++
		return Permanent(rejected)
	})
	if calls != 1 {
		t.Errorf("calls = %d, want 1 (no retry on permanent)", calls)
	}
	if !errors.Is(err, rejected) {
		t.Fatalf("err = %v, want the underlying cause", err)
	}
	// Callers get the cause, not the retry wrapper.
	var pe *PermanentError
	if errors.As(err, &pe) {
		t.Error("Do must strip the PermanentError wrapper")
	}
}

func TestDoHonorsContextDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls atomic.Int32

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	err := Do(ctx, 10, 200*time.Millisecond, func() error {
		calls.Add(1)
		return errors.New("transient")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if c := calls.Load(); c < 1 || c > 2 {
		t.Errorf("calls = %d, want 1-2 before cancellation lands", c)
	}
}

func TestDoTreatsZeroAttemptsAsOne(t *testing.T) {
	calls := 0
	_ = Do(context.Background(), 0, time.Millisecond, func() error {
		calls++
		return errors.New("still runs once")
	})
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestDoBacksOffBetweenAttempts(t *testing.T) {
	start := time.Now()
	calls := 0
	_ = Do(context.Background(), 3, 20*time.Millisecond, func() error {
		calls++
		return errors.New("transient")
	})
	elapsed := time.Since(start)

	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
	// Sleeps are 20ms then 40ms, each with 25% jitter: at least 15+30 ms.
	if elapsed < 40*time.Millisecond {
		t.Errorf("elapsed = %v, want >= 40ms of backoff", elapsed)
	}
}

func TestPermanentPreservesCause(t *testing.T) {
	cause := errors.New("subscriber removed")
	wrapped := Permanent(cause)
	if !errors.Is(wrapped, cause) {
		t.Error("Permanent must unwrap to its cause")
	}
	if wrapped.Error() != cause.Error() {
		t.Errorf("Error() = %q, want %q", wrapped.Error(), cause.Error())
	}
}
