package idempotency_test

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/halyard-io/halyard/internal/config"
	"github.com/halyard-io/halyard/internal/idempotency"
)

func newCache(t *testing.T, cfg config.IdempotencySettings) (*idempotency.Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return idempotency.New(rdb, cfg, "test"), mr
}

func TestStoreAndReplay(t *testing.T) {
	ctx := context.Background()
	c, _ := newCache(t, config.IdempotencySettings{Enabled: true, TTL: time.Hour})

	scope := idempotency.Scope("u1", "k1")
	_, hit := c.Get(ctx, scope)
	assert.False(t, hit)

	stored := idempotency.StoredResponse{
		Status: 200,
		Header: http.Header{"Content-Type": []string{"application/json"}},
		Body:   []byte(`{"id":"A"}`),
	}
	c.Store(ctx, scope, stored)

	got, hit := c.Get(ctx, scope)
	require.True(t, hit)
	assert.Equal(t, 200, got.Status)
	assert.Equal(t, []byte(`{"id":"A"}`), got.Body)
	assert.Equal(t, "application/json", got.Header.Get("Content-Type"))

	// Same client key under a different principal is a different scope.
	_, hit = c.Get(ctx, idempotency.Scope("u2", "k1"))
	assert.False(t, hit)
}

func TestOnlySuccessesAreCached(t *testing.T) {
	ctx := context.Background()
	c, _ := newCache(t, config.IdempotencySettings{Enabled: true, TTL: time.Hour})

	c.Store(ctx, "u1:k1", idempotency.StoredResponse{Status: 500, Body: []byte("boom")})
	_, hit := c.Get(ctx, "u1:k1")
	assert.False(t, hit)

	c.Store(ctx, "u1:k2", idempotency.StoredResponse{Status: 201, Body: []byte("ok")})
	_, hit = c.Get(ctx, "u1:k2")
	assert.True(t, hit)
}

func TestEntriesExpire(t *testing.T) {
	ctx := context.Background()
	c, mr := newCache(t, config.IdempotencySettings{Enabled: true, TTL: time.Minute})

	c.Store(ctx, "u1:k1", idempotency.StoredResponse{Status: 200, Body: []byte("ok")})
	mr.FastForward(2 * time.Minute)

	_, hit := c.Get(ctx, "u1:k1")
	assert.False(t, hit)
}

func TestFailOpenWhenStoreIsDown(t *testing.T) {
	ctx := context.Background()
	c, mr := newCache(t, config.IdempotencySettings{Enabled: true, TTL: time.Hour})
	mr.Close()

	// Neither read nor write blocks.
	c.Store(ctx, "u1:k1", idempotency.StoredResponse{Status: 200, Body: []byte("ok")})
	_, hit := c.Get(ctx, "u1:k1")
	assert.False(t, hit)
}

func TestExcludedPaths(t *testing.T) {
	c, _ := newCache(t, config.IdempotencySettings{
		Enabled:       true,
		ExcludedPaths: []string{"/events", "/streams/*"},
	})
	assert.True(t, c.Excluded("/events"))
	assert.True(t, c.Excluded("/streams/live"))
	assert.False(t, c.Excluded("/workspaces"))
}
