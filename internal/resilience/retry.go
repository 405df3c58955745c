// Package resilience holds the retry policy and circuit breaker that wrap
// every outbound call.
package resilience

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"

	"catalog-assist/internal/apperror"
)

const (
	DefaultMaxRetries = 2
	DefaultBaseDelay  = time.Second
	DefaultMaxDelay   = 10 * time.Second
)

// Policy configures Execute. The zero value retries nothing.
type Policy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration

	// OnRetry is called with the 1-based retry number and the delay about to
	// be slept, before sleeping.
	OnRetry func(attempt int, delay time.Duration)

	// Sleep overrides the wait between attempts. It must return early with
	// ctx.Err() when ctx is done.
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultPolicy returns two retries starting at one second.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries: DefaultMaxRetries,
		BaseDelay:  DefaultBaseDelay,
		MaxDelay:   DefaultMaxDelay,
	}
}

// Delay returns the wait before retry n (0-based): min(BaseDelay*2^n, MaxDelay).
func (p Policy) Delay(n int) time.Duration {
	b := p.newBackOff()
	var d time.Duration
	for i := 0; i <= n; i++ {
		d = b.NextBackOff()
	}
	return p.clamp(d)
}

func (p Policy) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = p.maxDelay()
	b.Reset()
	return b
}

func (p Policy) maxDelay() time.Duration {
	if p.MaxDelay <= 0 {
		return DefaultMaxDelay
	}
	return p.MaxDelay
}

func (p Policy) clamp(d time.Duration) time.Duration {
	if limit := p.maxDelay(); d > limit {
		return limit
	}
	if d < 0 {
		return 0
	}
	return d
}

func (p Policy) sleep(ctx context.Context, d time.Duration) error {
	if p.Sleep != nil {
		return p.Sleep(ctx, d)
	}
	return sleepContext(ctx, d)
}

// Execute runs op until it succeeds, fails with a non-retryable error, or
// exhausts p.MaxRetries. The returned error is always the last failure,
// classified. A cancelled context is never retried.
func Execute[T any](ctx context.Context, p Policy, op func(context.Context) (T, error)) (T, error) {
	var zero T
	schedule := p.newBackOff()

	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, contextError(ctx, err)
		}

		v, err := op(ctx)
		if err == nil {
			return v, nil
		}
		if ctx.Err() != nil {
			return zero, contextError(ctx, err)
		}

		lastErr := apperror.Classify(err)
		if !lastErr.Retryable || attempt >= p.MaxRetries {
			return zero, lastErr
		}

		delay := p.clamp(schedule.NextBackOff())
		if p.OnRetry != nil {
			p.OnRetry(attempt+1, delay)
		}
		if err := p.sleep(ctx, delay); err != nil {
			return zero, contextError(ctx, err)
		}
	}
}

// contextError reports a call that ended because its context was done. The
// cause is kept so callers can still inspect the transport failure.
func contextError(ctx context.Context, cause error) *apperror.Error {
	kind := apperror.KindCancelled
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		kind = apperror.KindTimeout
	}
	if existing := apperror.Classify(cause); existing.Kind == kind {
		return existing
	}
	return apperror.New(kind, "retry", cause)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
