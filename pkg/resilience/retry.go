package resilience

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// RetryPolicy defines retry behavior for transient failures. Delays grow as
// BaseDelay * 2^attempt, capped at MaxDelay, with optional jitter.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      float64
	IsRetryable func(error) bool
	Sleep       func(time.Duration)
}

func NewRetryPolicy(maxAttempts int, baseDelay time.Duration) RetryPolicy {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if baseDelay <= 0 {
		baseDelay = time.Second
	}
	return RetryPolicy{MaxAttempts: maxAttempts, BaseDelay: baseDelay}
}

// Do runs fn until it succeeds, the attempts are exhausted, the error is not
// retryable, or ctx is canceled. The last error is returned.
func (r RetryPolicy) Do(ctx context.Context, fn func(context.Context) error) error {
	if r.MaxAttempts <= 0 {
		r.MaxAttempts = 3
	}
	if r.BaseDelay <= 0 {
		r.BaseDelay = time.Second
	}
	if r.MaxDelay <= 0 {
		r.MaxDelay = 30 * time.Second
	}
	if r.IsRetryable == nil {
		r.IsRetryable = DefaultIsRetryable
	}
	sleep := r.Sleep
	if sleep == nil {
		sleep = time.Sleep
	}
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	var lastErr error
	for i := 0; i < r.MaxAttempts; i++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if !r.IsRetryable(err) || i == r.MaxAttempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			sleep(backoffDelay(r.BaseDelay, r.MaxDelay, r.Jitter, i, rng))
		}
	}
	return lastErr
}

// DefaultIsRetryable treats everything except context cancellation as worth
// another attempt. Network errors and timeouts are exactly the transient
// failures the backoff exists for.
func DefaultIsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true
}

func backoffDelay(base, max time.Duration, jitter float64, attempt int, r *rand.Rand) time.Duration {
	pow := math.Pow(2, float64(attempt))
	d := time.Duration(float64(base) * pow)
	if d > max {
		d = max
	}
	if jitter > 0 {
		j := time.Duration(float64(d) * jitter * r.Float64())
		return d + j
	}
	return d
}
