// Package lease caps concurrent streams per principal with short-TTL
// tokens in a shared sorted set. Acquire, refresh and release are each one
// atomic script, so the cap holds across processes.
package lease

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/halyard-io/halyard/internal/apperr"
	"github.com/halyard-io/halyard/internal/config"
	"github.com/halyard-io/halyard/internal/logging"
)

// acquireScript expires stale leases, counts the rest, and inserts the new
// lease only under the cap.
var acquireScript = redis.NewScript(`
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
local n = redis.call('ZCARD', KEYS[1])
if n >= tonumber(ARGV[2]) then
    return 0
end
redis.call('ZADD', KEYS[1], ARGV[3], ARGV[4])
redis.call('PEXPIRE', KEYS[1], ARGV[5])
return 1
`)

// refreshScript extends the expiry only while the lease still exists.
var refreshScript = redis.NewScript(`
if redis.call('ZSCORE', KEYS[1], ARGV[1]) == false then
    return 0
end
redis.call('ZADD', KEYS[1], ARGV[2], ARGV[1])
redis.call('PEXPIRE', KEYS[1], ARGV[3])
return 1
`)

// Manager hands out stream leases.
type Manager struct {
	rdb    *redis.Client
	cfg    config.LeaseSettings
	prefix string
	log    zerolog.Logger
}

func New(rdb *redis.Client, cfg config.LeaseSettings, keyPrefix string) *Manager {
	return &Manager{
		rdb:    rdb,
		cfg:    cfg,
		prefix: keyPrefix,
		log:    logging.Component("lease"),
	}
}

func (m *Manager) key(principal string) string {
	return fmt.Sprintf("%s:stream_leases:%s", m.prefix, principal)
}

// Acquire grants a lease when the principal is under the cap, otherwise
// fails with StreamLimitExceeded.
func (m *Manager) Acquire(ctx context.Context, principal string) (string, error) {
	leaseID := uuid.NewString()
	now := time.Now()
	expires := now.Add(m.cfg.TTL)

	granted, err := acquireScript.Run(ctx, m.rdb,
		[]string{m.key(principal)},
		now.UnixMilli(), m.cfg.PerPrincipal,
		expires.UnixMilli(), leaseID,
		m.cfg.TTL.Milliseconds()).Int()
	if err != nil {
		return "", fmt.Errorf("lease: acquire for %s: %w", principal, err)
	}
	if granted == 0 {
		return "", apperr.E(apperr.StreamLimitExceeded,
			"concurrent stream limit of %d reached", m.cfg.PerPrincipal)
	}
	return leaseID, nil
}

// Refresh extends a live lease. Returns false if it already expired or was
// released.
func (m *Manager) Refresh(ctx context.Context, principal, leaseID string) (bool, error) {
	expires := time.Now().Add(m.cfg.TTL)
	ok, err := refreshScript.Run(ctx, m.rdb,
		[]string{m.key(principal)},
		leaseID, expires.UnixMilli(), m.cfg.TTL.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("lease: refresh for %s: %w", principal, err)
	}
	return ok == 1, nil
}

// Release removes a lease. Releasing an unknown lease is a no-op; handlers
// release on every exit path.
func (m *Manager) Release(ctx context.Context, principal, leaseID string) error {
	if err := m.rdb.ZRem(ctx, m.key(principal), leaseID).Err(); err != nil {
		return fmt.Errorf("lease: release for %s: %w", principal, err)
	}
	return nil
}

// Count returns the principal's live leases.
func (m *Manager) Count(ctx context.Context, principal string) (int, error) {
	if err := m.rdb.ZRemRangeByScore(ctx, m.key(principal),
		"-inf", fmt.Sprint(time.Now().UnixMilli())).Err(); err != nil {
		return 0, fmt.Errorf("lease: count for %s: %w", principal, err)
	}
	n, err := m.rdb.ZCard(ctx, m.key(principal)).Result()
	if err != nil {
		return 0, fmt.Errorf("lease: count for %s: %w", principal, err)
	}
	return int(n), nil
}
