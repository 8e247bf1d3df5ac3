// Package sqlite is the embedded storage backend, built on the WASM-based
// ncruces driver (no cgo).
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	sqlite3 "github.com/ncruces/go-sqlite3"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/tetratelabs/wazero"

	"github.com/halyard-io/halyard/internal/storage"
)

// setupWASMCache configures WASM compilation caching so SQLite startup cost
// is paid once per machine, not once per process. Falls back to an
// in-memory cache when the filesystem cache cannot be created.
func setupWASMCache() {
	var cache wazero.CompilationCache
	if userCache, err := os.UserCacheDir(); err == nil {
		dir := filepath.Join(userCache, "halyard", "wasm")
		if c, err := wazero.NewCompilationCacheWithDir(dir); err == nil {
			cache = c
		}
	}
	if cache == nil {
		cache = wazero.NewCompilationCache()
	}
	sqlite3.RuntimeConfig = wazero.NewRuntimeConfig().WithCompilationCache(cache)
}

func init() {
	setupWASMCache()
}

// Open opens (creating if needed) the embedded database at path. The
// connection string pins the pragmas every connection needs: WAL journal,
// foreign keys on, 5s busy timeout, NORMAL synchronous.
//
// ":memory:" opens a private shared-cache in-memory database (tests). Each
// Open call gets its own namespace so parallel tests do not share state.
func Open(ctx context.Context, path string) (*sql.DB, error) {
	var connStr string
	isInMemory := path == ":memory:" || (strings.HasPrefix(path, "file:") && strings.Contains(path, "mode=memory"))
	if path == ":memory:" {
		// WAL does not apply to shared in-memory databases; use the
		// default journal there. The unique name keeps cache=shared
		// scoped to this Open call.
		connStr = fmt.Sprintf(
			"file:memdb_%s?mode=memory&cache=shared&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)&_time_format=sqlite",
			uuid.NewString()[:8])
	} else if strings.HasPrefix(path, "file:") {
		connStr = path
		if !strings.Contains(path, "_pragma=foreign_keys") {
			connStr += "&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_time_format=sqlite"
		}
	} else {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
		connStr = "file:" + path + "?_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_time_format=sqlite"
	}

	db, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if isInMemory {
		// In-memory databases are isolated per connection by default;
		// a single connection keeps every reader on the same data.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("enable WAL mode: %w", err)
		}
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

// Checkpoint flushes the WAL into the main database file, making the file
// safe to copy for native snapshots.
func Checkpoint(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)")
	return err
}

// Dialect implements storage.Dialect for SQLite.
type Dialect struct{}

func (Dialect) Name() string { return "sqlite" }

func (Dialect) Quote(ident string) string { return `"` + ident + `"` }

func (Dialect) Placeholder(int) string { return "?" }

// BeginSQL takes the write lock up front so concurrent writers queue on
// the busy timeout instead of deadlocking at first write.
func (Dialect) BeginSQL() string { return "BEGIN IMMEDIATE" }

func (Dialect) UpsertSuffix(conflictCol string, updateCols []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, " ON CONFLICT([%s]) DO UPDATE SET ", conflictCol)
	for i, col := range updateCols {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "[%s] = excluded.[%s]", col, col)
	}
	return b.String()
}

func (Dialect) TextType() string    { return "TEXT" }
func (Dialect) KeyTextType() string { return "TEXT" }

func (Dialect) ListTables(ctx context.Context, q storage.Queryer) ([]string, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

func (Dialect) ListColumns(ctx context.Context, q storage.Queryer, table string) ([]storage.Column, error) {
	// PRAGMA table_info returns rows in declared column order.
	rows, err := q.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%q)", table))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []storage.Column
	for rows.Next() {
		var (
			cid        int
			name, typ  string
			notnull    int
			dflt       sql.NullString
			primaryKey int
		)
		if err := rows.Scan(&cid, &name, &typ, &notnull, &dflt, &primaryKey); err != nil {
			return nil, err
		}
		out = append(out, storage.Column{Name: name, Type: typ})
	}
	return out, rows.Err()
}

func (Dialect) IsLockError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "database is busy") ||
		strings.Contains(msg, "sqlite_busy")
}

func (Dialect) IsDuplicateError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint failed") || strings.Contains(msg, "constraint violation")
}
