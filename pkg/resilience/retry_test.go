package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDoRetriesUntilSuccess(t *testing.T) {
	var delays []time.Duration
	policy := RetryPolicy{
		MaxAttempts: 5,
		BaseDelay:   100 * time.Millisecond,
		Sleep:       func(d time.Duration) { delays = append(delays, d) },
	}

	attempts := 0
	err := policy.Do(context.Background(), func(context.Context) error {
		attempts++
		if attempts < 3 {
			return errors.New("flaky")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	if attempts != 3 {
		t.Fatalf("attempts %d", attempts)
	}
	// Exponential: base, then doubled.
	if len(delays) != 2 || delays[0] != 100*time.Millisecond || delays[1] != 200*time.Millisecond {
		t.Fatalf("delays %v", delays)
	}
}

func TestDoStopsOnNonRetryableError(t *testing.T) {
	fatal := errors.New("bad request")
	policy := RetryPolicy{
		MaxAttempts: 5,
		BaseDelay:   time.Millisecond,
		IsRetryable: func(err error) bool { return !errors.Is(err, fatal) },
		Sleep:       func(time.Duration) {},
	}

	attempts := 0
	err := policy.Do(context.Background(), func(context.Context) error {
		attempts++
		return fatal
	})
	if !errors.Is(err, fatal) {
		t.Fatalf("err %v", err)
	}
	if attempts != 1 {
		t.Fatalf("non-retryable error must not be retried, got %d attempts", attempts)
	}
}

func TestDoReturnsLastErrorWhenExhausted(t *testing.T) {
	policy := NewRetryPolicy(3, time.Millisecond)
	policy.Sleep = func(time.Duration) {}

	attempts := 0
	err := policy.Do(context.Background(), func(context.Context) error {
		attempts++
		return errors.New("still down")
	})
	if err == nil || err.Error() != "still down" {
		t.Fatalf("err %v", err)
	}
	if attempts != 3 {
		t.Fatalf("attempts %d", attempts)
	}
}

func TestDoHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := NewRetryPolicy(3, time.Millisecond).Do(ctx, func(context.Context) error {
		t.Fatalf("fn must not run after cancellation")
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err %v", err)
	}
}

func TestBackoffDelayIsCapped(t *testing.T) {
	var delays []time.Duration
	policy := RetryPolicy{
		MaxAttempts: 6,
		BaseDelay:   time.Second,
		MaxDelay:    4 * time.Second,
		Sleep:       func(d time.Duration) { delays = append(delays, d) },
	}
	_ = policy.Do(context.Background(), func(context.Context) error {
		return errors.New("down")
	})
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 4 * time.Second, 4 * time.Second}
	if len(delays) != len(want) {
		t.Fatalf("delays %v", delays)
	}
	for i := range want {
		if delays[i] != want[i] {
			t.Fatalf("delay %d = %v, want %v", i, delays[i], want[i])
		}
	}
}

func TestDefaultIsRetryable(t *testing.T) {
	if DefaultIsRetryable(nil) {
		t.Fatalf("nil error is not retryable")
	}
	if DefaultIsRetryable(context.Canceled) || DefaultIsRetryable(context.DeadlineExceeded) {
		t.Fatalf("context errors are not retryable")
	}
	if !DefaultIsRetryable(errors.New("connection reset")) {
		t.Fatalf("transient error should be retryable")
	}
}
