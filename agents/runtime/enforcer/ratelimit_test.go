package enforcer_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/coreagent/platform/agents/runtime/enforcer"
)

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	srv := miniredis.RunT(t)
	return redis.NewClient(&redis.Options{Addr: srv.Addr()})
}

func TestDistributedLimiterAllowsUpToRPSWithinWindow(t *testing.T) {
	client := newTestRedis(t)
	limiter := enforcer.NewDistributedLimiter(client, "test", 2, time.Minute)

	ok, err := limiter.Allow(context.Background(), "session-a")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = limiter.Allow(context.Background(), "session-a")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = limiter.Allow(context.Background(), "session-a")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestDistributedLimiterIsPerKey(t *testing.T) {
	client := newTestRedis(t)
	limiter := enforcer.NewDistributedLimiter(client, "test", 1, time.Minute)

	ok, err := limiter.Allow(context.Background(), "key-a")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = limiter.Allow(context.Background(), "key-b")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestEnforceWithDistributedRateLimiter(t *testing.T) {
	client := newTestRedis(t)
	limiter := enforcer.NewDistributedLimiter(client, "enforce-test", 1, time.Minute)
	e := enforcer.New(enforcer.Config{}, enforcer.WithRateLimiter(limiter))
	noop := func(context.Context) (any, error) { return "ok", nil }

	_, err := e.Enforce(context.Background(), "distributed-key", 0, noop)
	require.NoError(t, err)

	_, err = e.Enforce(context.Background(), "distributed-key", 0, noop)
	require.Error(t, err)
}
