package enforcer_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coreagent/platform/agents/runtime/apperrors"
	"github.com/coreagent/platform/agents/runtime/enforcer"
)

func TestEnforceRejectsOverTokenBudget(t *testing.T) {
	e := enforcer.New(enforcer.Config{PerRequestMaxTokens: 100})

	called := false
	_, err := e.Enforce(context.Background(), "k", 101, func(context.Context) (any, error) {
		called = true
		return "ok", nil
	})
	require.Error(t, err)
	require.False(t, called)
	require.Equal(t, apperrors.KindResource, apperrors.KindOf(err))
}

func TestEnforceAllowsUnderTokenBudget(t *testing.T) {
	e := enforcer.New(enforcer.Config{PerRequestMaxTokens: 100})

	out, err := e.Enforce(context.Background(), "k", 10, func(context.Context) (any, error) {
		return "ok", nil
	})
	require.NoError(t, err)
	require.Equal(t, "ok", out)
}

// RPS=1: two submissions within the same second, first accepted, second
// rejected.
func TestEnforceRateLimitsSecondSubmissionWithinWindow(t *testing.T) {
	e := enforcer.New(enforcer.Config{RateLimitPerKeyRPS: 1})
	noop := func(context.Context) (any, error) { return "ok", nil }

	_, err := e.Enforce(context.Background(), "same-key", 0, noop)
	require.NoError(t, err)

	_, err = e.Enforce(context.Background(), "same-key", 0, noop)
	require.Error(t, err)
	require.Equal(t, apperrors.KindResource, apperrors.KindOf(err))
}

func TestEnforceRateLimitIsPerKey(t *testing.T) {
	e := enforcer.New(enforcer.Config{RateLimitPerKeyRPS: 1})
	noop := func(context.Context) (any, error) { return "ok", nil }

	_, err := e.Enforce(context.Background(), "key-a", 0, noop)
	require.NoError(t, err)

	_, err = e.Enforce(context.Background(), "key-b", 0, noop)
	require.NoError(t, err)
}

// min_requests=20, threshold=0.5: the 20th failure brings the count to
// min_requests with every call failed and trips the breaker, the 21st call
// is already rejected by the open breaker, and the 22nd call is rejected
// without ever invoking f.
func TestEnforceTripsCircuitBreakerAfterThresholdFailures(t *testing.T) {
	e := enforcer.New(enforcer.Config{
		CBMinRequests:    20,
		CBErrorThreshold: 0.5,
		CBRollingWindow:  time.Minute,
	})
	failing := func(context.Context) (any, error) {
		return nil, errors.New("boom")
	}

	for i := 0; i < 21; i++ {
		_, err := e.Enforce(context.Background(), "breaker-key", 0, failing)
		require.Error(t, err)
	}

	called := false
	_, err := e.Enforce(context.Background(), "breaker-key", 0, func(context.Context) (any, error) {
		called = true
		return "ok", nil
	})
	require.Error(t, err)
	require.False(t, called)
	require.Equal(t, apperrors.KindAvailability, apperrors.KindOf(err))
}

func TestEnforceCircuitBreakerIsPerKey(t *testing.T) {
	e := enforcer.New(enforcer.Config{
		CBMinRequests:    20,
		CBErrorThreshold: 0.5,
		CBRollingWindow:  time.Minute,
	})
	failing := func(context.Context) (any, error) { return nil, errors.New("boom") }

	for i := 0; i < 21; i++ {
		_, _ = e.Enforce(context.Background(), "tripped-key", 0, failing)
	}

	out, err := e.Enforce(context.Background(), "healthy-key", 0, func(context.Context) (any, error) {
		return "ok", nil
	})
	require.NoError(t, err)
	require.Equal(t, "ok", out)
}

func TestEnforceTimesOutSlowCall(t *testing.T) {
	e := enforcer.New(enforcer.Config{RequestTimeout: 10 * time.Millisecond})

	_, err := e.Enforce(context.Background(), "timeout-key", 0, func(ctx context.Context) (any, error) {
		select {
		case <-time.After(time.Second):
			return "too slow", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	require.Error(t, err)
	require.Equal(t, apperrors.KindTimeout, apperrors.KindOf(err))
}

func TestEnforcePropagatesUnderlyingError(t *testing.T) {
	e := enforcer.New(enforcer.Config{})
	wantErr := apperrors.Validation("bad input", nil)

	_, err := e.Enforce(context.Background(), "propagate-key", 0, func(context.Context) (any, error) {
		return nil, wantErr
	})
	require.Error(t, err)
	require.Equal(t, apperrors.KindValidation, apperrors.KindOf(err))
}
