package resilience

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// Guard wraps an external call with a breaker, a per-call timeout and a typed
// fallback. A nil Fallback means failures are returned to the caller.
type Guard[T any] struct {
	Breaker  *CircuitBreaker
	Timeout  time.Duration
	Fallback func(ctx context.Context, cause error) (T, error)
}

// Do runs fn. degraded is true whenever the fallback produced the value.
func (g Guard[T]) Do(ctx context.Context, fn func(context.Context) (T, error)) (value T, degraded bool, err error) {
	if g.Breaker != nil {
		if err := g.Breaker.Allow(); err != nil {
			return g.fallback(ctx, err)
		}
	}

	callCtx := ctx
	if g.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, g.Timeout)
		defer cancel()
	}

	v, err := fn(callCtx)
	if err != nil {
		// a caller that gave up is not the upstream's fault
		if g.Breaker != nil {
			if errors.Is(ctx.Err(), context.Canceled) {
				g.Breaker.ReleaseProbe()
			} else {
				g.Breaker.RecordFailure(err)
			}
		}
		return g.fallback(ctx, err)
	}
	if g.Breaker != nil {
		g.Breaker.RecordSuccess()
	}
	return v, false, nil
}

func (g Guard[T]) fallback(ctx context.Context, cause error) (T, bool, error) {
	if g.Fallback == nil {
		var zero T
		return zero, false, cause
	}
	v, err := g.Fallback(ctx, cause)
	if err != nil {
		var zero T
		return zero, true, errors.Join(cause, err)
	}
	return v, true, nil
}

// RetryConfig configures retry behavior.
type RetryConfig struct {
	MaxRetries        int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
	// Jitter adds randomness to backoff (0.0 to 1.0)
	Jitter float64
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:        2,
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        2 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            0.1,
	}
}

// Retry calls fn until it succeeds, retryable reports false, the retries are
// exhausted or ctx is done.
func Retry(ctx context.Context, cfg RetryConfig, retryable func(error) bool, fn func(context.Context) error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = fn(ctx)
		if err == nil {
			return nil
		}
		if attempt >= cfg.MaxRetries || (retryable != nil && !retryable(err)) {
			return err
		}
		select {
		case <-ctx.Done():
			return errors.Join(err, ctx.Err())
		case <-time.After(cfg.backoff(attempt)):
		}
	}
}

func (cfg RetryConfig) backoff(attempt int) time.Duration {
	mult := cfg.BackoffMultiplier
	if mult <= 0 {
		mult = 2
	}
	d := float64(cfg.InitialBackoff) * math.Pow(mult, float64(attempt))
	if cfg.MaxBackoff > 0 && d > float64(cfg.MaxBackoff) {
		d = float64(cfg.MaxBackoff)
	}
	if cfg.Jitter > 0 {
		d += d * cfg.Jitter * (rand.Float64()*2 - 1)
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}
