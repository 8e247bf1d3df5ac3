// Package migrate is the schema and migration engine. On every start it
// diffs the entity registry against the live database, applies additive DDL
// for a fingerprint it has not seen, records the migration, and runs the
// idempotent rename backfill.
package migrate

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/halyard-io/halyard/internal/config"
	"github.com/halyard-io/halyard/internal/entity"
	"github.com/halyard-io/halyard/internal/lockfile"
	"github.com/halyard-io/halyard/internal/logging"
	"github.com/halyard-io/halyard/internal/storage"
)

const migrationsTable = "_schema_migrations"

// Record is one applied migration, keyed by schema fingerprint.
// At most one row exists per fingerprint; the table is append-only.
type Record struct {
	ID         int64       `json:"id"`
	SchemaHash string      `json:"schema_hash"`
	AppliedAt  time.Time   `json:"applied_at"`
	Operations []Operation `json:"operations"`
}

// Engine runs migrations against one pool + registry pair.
type Engine struct {
	pool     *storage.Pool
	reg      *entity.Registry
	policy   config.MigrationSettings
	auditDir string
	lockPath string
	log      zerolog.Logger
}

// New builds an engine. dataDir hosts the advisory lock and the
// migrations_audit directory.
func New(pool *storage.Pool, reg *entity.Registry, policy config.MigrationSettings, dataDir string) *Engine {
	return &Engine{
		pool:     pool,
		reg:      reg,
		policy:   policy,
		auditDir: filepath.Join(dataDir, "migrations_audit"),
		lockPath: filepath.Join(dataDir, "migrate.lock"),
		log:      logging.Component("migrate"),
	}
}

// AuditDir is where migration audit files are written.
func (e *Engine) AuditDir() string { return e.auditDir }

// Run executes the full startup algorithm under the advisory lock:
// ensure bookkeeping table, diff, audit, apply, record, backfill.
// A failed migration is fatal; the caller must abort startup.
func (e *Engine) Run(ctx context.Context) error {
	lock, err := lockfile.Acquire(ctx, e.lockPath)
	if err != nil {
		return fmt.Errorf("migrate: acquire lock: %w", err)
	}
	defer func() { _ = lock.Release() }()

	return e.pool.WithConn(ctx, func(c *storage.Conn) error {
		if err := ensureMigrationsTable(ctx, c); err != nil {
			return fmt.Errorf("migrate: ensure %s: %w", migrationsTable, err)
		}

		hash := e.reg.Fingerprint()
		applied, err := hashApplied(ctx, c, hash)
		if err != nil {
			return fmt.Errorf("migrate: check fingerprint: %w", err)
		}

		if !applied {
			ops, err := diff(ctx, c, e.reg, e.policy)
			if err != nil {
				return fmt.Errorf("migrate: diff: %w", err)
			}
			if len(ops) > 0 {
				auditPath, err := writeAudit(e.auditDir, hash, ops)
				if err != nil {
					return fmt.Errorf("migrate: write audit: %w", err)
				}
				e.log.Info().Str("schema_hash", entity.ShortHash(hash)).
					Int("operations", len(ops)).Str("audit", auditPath).
					Msg("applying migration")
				if err := applyOperations(ctx, c, ops, e.log); err != nil {
					return fmt.Errorf("migrate: apply: %w", err)
				}
			}
			if err := recordMigration(ctx, c, hash, ops); err != nil {
				return fmt.Errorf("migrate: record: %w", err)
			}
		}

		// The backfill runs on every start regardless of fingerprint
		// state: it catches rows written under the old names by an old
		// instance during blue-green switchover.
		if err := backfillRenames(ctx, c, e.reg); err != nil {
			return fmt.Errorf("migrate: rename backfill: %w", err)
		}
		return nil
	})
}

// Backfill runs only the rename backfill, for the admin endpoint.
func (e *Engine) Backfill(ctx context.Context) error {
	return e.pool.WithConn(ctx, func(c *storage.Conn) error {
		return backfillRenames(ctx, c, e.reg)
	})
}

func ensureMigrationsTable(ctx context.Context, c *storage.Conn) error {
	d := c.Dialect()
	return c.Exec(ctx, fmt.Sprintf(
		"CREATE TABLE IF NOT EXISTS [%s] ([schema_hash] %s PRIMARY KEY, [id] INTEGER NOT NULL, [applied_at] %s NOT NULL, [operations] %s)",
		migrationsTable, d.KeyTextType(), d.TextType(), d.TextType()))
}

func hashApplied(ctx context.Context, c *storage.Conn, hash string) (bool, error) {
	rows, err := c.Query(ctx,
		fmt.Sprintf("SELECT [schema_hash] FROM [%s] WHERE [schema_hash] = ?", migrationsTable), hash)
	if err != nil {
		return false, err
	}
	return len(rows) > 0, nil
}

// applyOperations executes DDL sequentially. Idempotent errors (re-running
// DDL that already took effect) are swallowed; anything else aborts.
func applyOperations(ctx context.Context, c *storage.Conn, ops []Operation, log zerolog.Logger) error {
	for _, op := range ops {
		err := storage.RetryOnLock(ctx, c.Dialect(), func() error {
			return c.Exec(ctx, op.SQL)
		})
		if err != nil {
			if isIdempotentDDLError(err) {
				log.Debug().Str("op", op.Description).Msg("already applied, skipping")
				continue
			}
			return fmt.Errorf("%s: %w", op.Description, err)
		}
	}
	return nil
}

func isIdempotentDDLError(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"already exists",
		"duplicate column",
		"duplicate key",
		"no such table",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

func recordMigration(ctx context.Context, c *storage.Conn, hash string, ops []Operation) error {
	rows, err := c.Query(ctx, fmt.Sprintf("SELECT COALESCE(MAX([id]), 0) AS n FROM [%s]", migrationsTable))
	if err != nil {
		return err
	}
	var next int64 = 1
	if len(rows) > 0 {
		next = asInt64(rows[0]["n"]) + 1
	}
	opsJSON, err := json.Marshal(ops)
	if err != nil {
		return err
	}
	return c.Exec(ctx, fmt.Sprintf(
		"INSERT INTO [%s] ([schema_hash], [id], [applied_at], [operations]) VALUES (?, ?, ?, ?)", migrationsTable),
		hash, next, storage.EncodeTime(time.Now()), string(opsJSON))
}

// List returns all applied migrations ordered by id.
func (e *Engine) List(ctx context.Context) ([]Record, error) {
	var out []Record
	err := e.pool.WithConn(ctx, func(c *storage.Conn) error {
		rows, err := c.Query(ctx, fmt.Sprintf(
			"SELECT [schema_hash], [id], [applied_at], [operations] FROM [%s] ORDER BY [id]", migrationsTable))
		if err != nil {
			return err
		}
		for _, row := range rows {
			rec, err := decodeRecord(row)
			if err != nil {
				return err
			}
			out = append(out, rec)
		}
		return nil
	})
	return out, err
}

// Get returns the migration for one schema hash, or storage.ErrNotFound.
func (e *Engine) Get(ctx context.Context, hash string) (Record, error) {
	var rec Record
	err := e.pool.WithConn(ctx, func(c *storage.Conn) error {
		rows, err := c.Query(ctx, fmt.Sprintf(
			"SELECT [schema_hash], [id], [applied_at], [operations] FROM [%s] WHERE [schema_hash] = ?", migrationsTable), hash)
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			return storage.ErrNotFound
		}
		rec, err = decodeRecord(rows[0])
		return err
	})
	return rec, err
}

func decodeRecord(row storage.Row) (Record, error) {
	rec := Record{
		SchemaHash: asString(row["schema_hash"]),
		ID:         asInt64(row["id"]),
	}
	at, err := storage.DecodeTime(asString(row["applied_at"]))
	if err != nil {
		return rec, err
	}
	rec.AppliedAt = at
	if raw := asString(row["operations"]); raw != "" {
		if err := json.Unmarshal([]byte(raw), &rec.Operations); err != nil {
			return rec, err
		}
	}
	return rec, nil
}

func asString(v interface{}) string {
	s, _ := v.(string)
	return s
}

func asInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case float64:
		return int64(n)
	case string:
		var out int64
		_, _ = fmt.Sscanf(n, "%d", &out)
		return out
	default:
		return 0
	}
}
