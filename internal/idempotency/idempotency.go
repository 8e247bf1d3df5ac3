// Package idempotency caches successful responses of non-safe requests
// keyed by a client-supplied token, so retries replay the original
// response byte for byte instead of re-running the handler.
package idempotency

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/halyard-io/halyard/internal/config"
	"github.com/halyard-io/halyard/internal/logging"
)

// StoredResponse is the replayable part of a response.
type StoredResponse struct {
	Status int         `json:"status"`
	Header http.Header `json:"header"`
	Body   []byte      `json:"body"`
}

// Cache stores responses in the shared KV store. Every failure path fails
// open: a broken cache must never block the handler.
type Cache struct {
	rdb    *redis.Client
	cfg    config.IdempotencySettings
	prefix string
	log    zerolog.Logger
}

func New(rdb *redis.Client, cfg config.IdempotencySettings, keyPrefix string) *Cache {
	return &Cache{
		rdb:    rdb,
		cfg:    cfg,
		prefix: keyPrefix,
		log:    logging.Component("idempotency"),
	}
}

func (c *Cache) Enabled() bool { return c.cfg.Enabled }

// Scope builds the cache scope from the principal (empty when anonymous)
// and the client's Idempotency-Key.
func Scope(principalID, clientKey string) string {
	return principalID + ":" + clientKey
}

// Excluded reports whether a path is exempt (streaming endpoints cannot be
// replayed from a byte buffer).
func (c *Cache) Excluded(path string) bool {
	for _, p := range c.cfg.ExcludedPaths {
		if p == path || (strings.HasSuffix(p, "*") && strings.HasPrefix(path, strings.TrimSuffix(p, "*"))) {
			return true
		}
	}
	return false
}

func (c *Cache) key(scope string) string {
	return fmt.Sprintf("%s:idempotency:%s", c.prefix, scope)
}

// Get returns the stored response for a scope, or (nil, false) on miss or
// on any store error.
func (c *Cache) Get(ctx context.Context, scope string) (*StoredResponse, bool) {
	raw, err := c.rdb.Get(ctx, c.key(scope)).Bytes()
	if err == redis.Nil {
		return nil, false
	}
	if err != nil {
		c.log.Warn().Err(err).Msg("idempotency read failed, treating as miss")
		return nil, false
	}
	var resp StoredResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		c.log.Warn().Err(err).Msg("stored response unreadable, treating as miss")
		return nil, false
	}
	return &resp, true
}

// Store caches a response when it is a success. Non-2xx outcomes are not
// cached: the client should retry them for real.
func (c *Cache) Store(ctx context.Context, scope string, resp StoredResponse) {
	if resp.Status < 200 || resp.Status > 299 {
		return
	}
	ttl := c.cfg.TTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	raw, err := json.Marshal(resp)
	if err != nil {
		c.log.Warn().Err(err).Msg("marshal response for idempotency cache failed")
		return
	}
	if err := c.rdb.Set(ctx, c.key(scope), raw, ttl).Err(); err != nil {
		c.log.Warn().Err(err).Msg("idempotency write failed, continuing")
	}
}
