package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/halyard-io/halyard/internal/config"
	"github.com/halyard-io/halyard/internal/logging"
)

// Pool hands out single-owner connections with an acquire timeout. It wraps
// database/sql's pooling: max size is enforced by the driver pool, the
// minimum is kept warm as idle connections, and Acquire surfaces a
// dedicated timeout error instead of blocking forever.
type Pool struct {
	db             *sql.DB
	d              Dialect
	acquireTimeout time.Duration
}

// NewPool configures pooling on db and warms the minimum connections.
func NewPool(ctx context.Context, db *sql.DB, d Dialect, cfg config.DatabaseSettings) (*Pool, error) {
	db.SetMaxOpenConns(cfg.PoolMax)
	db.SetMaxIdleConns(cfg.PoolMax)
	db.SetConnMaxLifetime(0)

	p := &Pool{db: db, d: d, acquireTimeout: cfg.AcquireTimeout}

	// Warm the floor: open PoolMin connections, then return them all to
	// the idle set.
	warm := make([]*sql.Conn, 0, cfg.PoolMin)
	for i := 0; i < cfg.PoolMin; i++ {
		c, err := db.Conn(ctx)
		if err != nil {
			for _, w := range warm {
				_ = w.Close()
			}
			return nil, err
		}
		warm = append(warm, c)
	}
	for _, w := range warm {
		_ = w.Close()
	}
	return p, nil
}

// Dialect returns the pool's dialect.
func (p *Pool) Dialect() Dialect { return p.d }

// DB exposes the underlying handle for backend-specific maintenance
// (checkpointing, native snapshots). Regular access goes through Acquire.
func (p *Pool) DB() *sql.DB { return p.db }

// Acquire returns a dedicated connection, waiting at most the configured
// acquire timeout for one to free up.
func (p *Pool) Acquire(ctx context.Context) (*Conn, error) {
	acquireCtx, cancel := context.WithTimeout(ctx, p.acquireTimeout)
	defer cancel()
	sc, err := p.db.Conn(acquireCtx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, ErrAcquireTimeout
		}
		return nil, err
	}
	return &Conn{sc: sc, d: p.d}, nil
}

// Release returns a connection to the pool. A transaction left open by the
// caller is committed as a safety net so the connection never re-enters the
// pool holding locks.
func (p *Pool) Release(c *Conn) {
	if c == nil {
		return
	}
	if c.inTx {
		log := logging.Component("storage")
		log.Warn().Msg("connection released with open transaction; committing")
		_ = c.Commit(context.Background())
	}
	_ = c.sc.Close()
}

// WithConn runs fn with an acquired connection and always releases it.
func (p *Pool) WithConn(ctx context.Context, fn func(*Conn) error) error {
	c, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer p.Release(c)
	return fn(c)
}

// Ping verifies connectivity, for readiness checks.
func (p *Pool) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// Close shuts the pool down.
func (p *Pool) Close() error {
	return p.db.Close()
}
