package ratelimit_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/halyard-io/halyard/internal/config"
	"github.com/halyard-io/halyard/internal/ratelimit"
)

func newLimiter(t *testing.T, cfg config.RateLimitSettings) *ratelimit.Limiter {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return ratelimit.New(rdb, cfg, "test")
}

func TestSlidingWindowRejectsFourthRequest(t *testing.T) {
	ctx := context.Background()
	l := newLimiter(t, config.RateLimitSettings{
		Enabled:   true,
		Anonymous: config.RateTier{Limit: 3, Window: time.Minute},
	})
	tier := l.TierFor(false, false)

	for i := 0; i < 3; i++ {
		res, err := l.Allow(ctx, "ip:1.2.3.4", tier)
		require.NoError(t, err)
		assert.True(t, res.Allowed, "request %d", i+1)
		assert.Equal(t, 3, res.Limit)
		assert.Equal(t, 3-(i+1), res.Remaining)
	}

	res, err := l.Allow(ctx, "ip:1.2.3.4", tier)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, 0, res.Remaining)

	// Scopes are independent.
	res, err = l.Allow(ctx, "ip:5.6.7.8", tier)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestWindowSlides(t *testing.T) {
	ctx := context.Background()
	l := newLimiter(t, config.RateLimitSettings{
		Enabled:   true,
		Anonymous: config.RateTier{Limit: 1, Window: 30 * time.Millisecond},
	})
	tier := l.TierFor(false, false)

	res, err := l.Allow(ctx, "ip:1.2.3.4", tier)
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	res, err = l.Allow(ctx, "ip:1.2.3.4", tier)
	require.NoError(t, err)
	assert.False(t, res.Allowed)

	time.Sleep(40 * time.Millisecond)
	res, err = l.Allow(ctx, "ip:1.2.3.4", tier)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestDisabledLimiterAdmitsEverything(t *testing.T) {
	ctx := context.Background()
	l := newLimiter(t, config.RateLimitSettings{
		Enabled:   false,
		Anonymous: config.RateTier{Limit: 1, Window: time.Minute},
	})
	for i := 0; i < 5; i++ {
		res, err := l.Allow(ctx, "ip:1.2.3.4", l.TierFor(false, false))
		require.NoError(t, err)
		assert.True(t, res.Allowed)
	}
}

func TestFailOpenWhenStoreIsDown(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	l := ratelimit.New(rdb, config.RateLimitSettings{
		Enabled:   true,
		Anonymous: config.RateTier{Limit: 1, Window: time.Minute},
	}, "test")

	mr.Close()
	res, err := l.Allow(ctx, "ip:1.2.3.4", l.TierFor(false, false))
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestTierSelection(t *testing.T) {
	cfg := config.Defaults().RateLimit
	l := newLimiter(t, cfg)
	assert.Equal(t, cfg.Anonymous, l.TierFor(false, false))
	assert.Equal(t, cfg.Authenticated, l.TierFor(true, false))
	assert.Equal(t, cfg.Admin, l.TierFor(true, true))
}
