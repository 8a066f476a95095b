package registryclient

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/dominodatalab/registry-gc/internal/pkg/errs"
	"github.com/dominodatalab/registry-gc/internal/pkg/log"
)

// RetryPolicy implements spec.md §4.1's retry contract: on transient
// failures, retry up to MaxAttempts with exponential backoff
// min(initial * base^k, max), with optional uniform jitter. Auth errors and
// image-not-found are never retried.
type RetryPolicy struct {
	MaxAttempts     int
	InitialDelay    time.Duration
	MaxDelay        time.Duration
	ExponentialBase float64
	Jitter          bool

	// sleep is overridden in tests to avoid real waits.
	sleep func(context.Context, time.Duration) error
}

func NewRetryPolicy(maxAttempts int, initial, max time.Duration, base float64, jitter bool) *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts:     maxAttempts,
		InitialDelay:    initial,
		MaxDelay:        max,
		ExponentialBase: base,
		Jitter:          jitter,
		sleep:           sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// delay computes the backoff for attempt k (0-indexed).
func (p *RetryPolicy) delay(k int) time.Duration {
	d := float64(p.InitialDelay) * math.Pow(p.ExponentialBase, float64(k))
	if d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	if p.Jitter {
		d = d * (0.5 + rand.Float64()*0.5)
	}
	return time.Duration(d)
}

// Do runs fn, retrying on retryable errors per errs.Retryable, up to
// MaxAttempts total attempts. Auth errors and errs.ErrImageNotFound are
// returned immediately without retry.
func (p *RetryPolicy) Do(ctx context.Context, logger log.Logger, op string, fn func(context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if !errs.Retryable(err) {
			return err
		}
		if attempt == p.MaxAttempts-1 {
			break
		}
		d := p.delay(attempt)
		logger.Debug("%s: retrying after transient error (attempt %d/%d, backoff %s): %v", op, attempt+1, p.MaxAttempts, d, err)
		if err := p.sleepFn()(ctx, d); err != nil {
			return err
		}
	}
	return lastErr
}

func (p *RetryPolicy) sleepFn() func(context.Context, time.Duration) error {
	if p.sleep != nil {
		return p.sleep
	}
	return sleepCtx
}
