// Package ratelimit implements a sliding-window limiter over a shared
// sorted set: one atomic script trims the window, counts, and records the
// request only when it is accepted.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/halyard-io/halyard/internal/config"
	"github.com/halyard-io/halyard/internal/logging"
)

// allowScript trims timestamps older than the window, counts the rest and
// inserts the new request only under the limit, so the stored entries
// always equal the accepted requests.
var allowScript = redis.NewScript(`
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
local n = redis.call('ZCARD', KEYS[1])
if n >= tonumber(ARGV[2]) then
    return {0, n}
end
redis.call('ZADD', KEYS[1], ARGV[3], ARGV[4])
redis.call('PEXPIRE', KEYS[1], ARGV[5])
return {1, n + 1}
`)

// Result is one admission decision with the header-ready numbers.
type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// Limiter admits requests per scope key. A failing shared store fails
// open: limiting is protection, not correctness.
type Limiter struct {
	rdb    *redis.Client
	cfg    config.RateLimitSettings
	prefix string
	log    zerolog.Logger
}

func New(rdb *redis.Client, cfg config.RateLimitSettings, keyPrefix string) *Limiter {
	return &Limiter{
		rdb:    rdb,
		cfg:    cfg,
		prefix: keyPrefix,
		log:    logging.Component("ratelimit"),
	}
}

// TierFor picks the configured tier for a principal class.
func (l *Limiter) TierFor(authenticated, admin bool) config.RateTier {
	switch {
	case admin:
		return l.cfg.Admin
	case authenticated:
		return l.cfg.Authenticated
	default:
		return l.cfg.Anonymous
	}
}

// Allow decides one request for the scope (user:<id> or ip:<addr>) under
// the tier. Store errors log and admit.
func (l *Limiter) Allow(ctx context.Context, scope string, tier config.RateTier) (Result, error) {
	if !l.cfg.Enabled || tier.Limit <= 0 {
		return Result{Allowed: true, Limit: tier.Limit, Remaining: tier.Limit}, nil
	}

	key := fmt.Sprintf("%s:ratelimit:%s", l.prefix, scope)
	now := time.Now()
	windowStart := now.Add(-tier.Window)
	resetAt := now.Add(tier.Window)

	raw, err := allowScript.Run(ctx, l.rdb, []string{key},
		windowStart.UnixMicro(), tier.Limit,
		now.UnixMicro(), fmt.Sprintf("%d:%s", now.UnixNano(), uuid.NewString()[:8]),
		(tier.Window + time.Second).Milliseconds()).Slice()
	if err != nil {
		l.log.Warn().Err(err).Str("scope", scope).Msg("rate limit store failed, admitting")
		return Result{Allowed: true, Limit: tier.Limit, Remaining: tier.Limit, ResetAt: resetAt}, nil
	}

	allowed, count := scriptPair(raw)
	res := Result{
		Allowed:   allowed,
		Limit:     tier.Limit,
		Remaining: tier.Limit - count,
		ResetAt:   resetAt,
	}
	if res.Remaining < 0 {
		res.Remaining = 0
	}
	return res, nil
}

func scriptPair(raw []interface{}) (bool, int) {
	if len(raw) != 2 {
		return true, 0
	}
	ok, _ := raw[0].(int64)
	n, _ := raw[1].(int64)
	return ok == 1, int(n)
}
