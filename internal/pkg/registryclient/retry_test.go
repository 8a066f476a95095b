package registryclient

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dominodatalab/registry-gc/internal/pkg/errs"
	"github.com/dominodatalab/registry-gc/internal/pkg/log"
)

func TestRetryPolicy_StopsOnNonRetryable(t *testing.T) {
	p := NewRetryPolicy(5, time.Millisecond, 10*time.Millisecond, 2, false)
	p.sleep = func(context.Context, time.Duration) error { return nil }

	attempts := 0
	err := p.Do(context.Background(), log.Discard(), "op", func(context.Context) error {
		attempts++
		return errs.ErrRegistryAuth
	})
	require.ErrorIs(t, err, errs.ErrRegistryAuth)
	require.Equal(t, 1, attempts, "auth errors must never be retried")
}

func TestRetryPolicy_RetriesTransientUpToMax(t *testing.T) {
	p := NewRetryPolicy(3, time.Millisecond, 10*time.Millisecond, 2, false)
	p.sleep = func(context.Context, time.Duration) error { return nil }

	attempts := 0
	err := p.Do(context.Background(), log.Discard(), "op", func(context.Context) error {
		attempts++
		return errs.ErrRegistryConnection
	})
	require.ErrorIs(t, err, errs.ErrRegistryConnection)
	require.Equal(t, 3, attempts)
}

func TestRetryPolicy_SucceedsAfterTransientFailures(t *testing.T) {
	p := NewRetryPolicy(5, time.Millisecond, 10*time.Millisecond, 2, false)
	p.sleep = func(context.Context, time.Duration) error { return nil }

	attempts := 0
	err := p.Do(context.Background(), log.Discard(), "op", func(context.Context) error {
		attempts++
		if attempts < 3 {
			return errs.ErrRegistryConnection
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, attempts)
}

func TestRetryPolicy_DelayIsBoundedAndExponential(t *testing.T) {
	p := NewRetryPolicy(5, 100*time.Millisecond, time.Second, 2, false)
	require.Equal(t, 100*time.Millisecond, p.delay(0))
	require.Equal(t, 200*time.Millisecond, p.delay(1))
	require.Equal(t, 400*time.Millisecond, p.delay(2))
	// capped at MaxDelay
	require.Equal(t, time.Second, p.delay(10))
}

func TestRetryPolicy_CancelledContextStopsRetry(t *testing.T) {
	p := NewRetryPolicy(5, time.Millisecond, 10*time.Millisecond, 2, false)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }

	attempts := 0
	err := p.Do(ctx, log.Discard(), "op", func(context.Context) error {
		attempts++
		return errs.ErrRegistryConnection
	})
	require.True(t, errors.Is(err, context.Canceled) || errors.Is(err, errs.ErrRegistryConnection))
	require.Equal(t, 1, attempts)
}
