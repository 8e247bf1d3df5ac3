// Package factory opens the configured storage backend and returns a
// dialect-aware pool. It also owns the backend marker file used to detect
// backend swaps between runs.
package factory

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/halyard-io/halyard/internal/config"
	"github.com/halyard-io/halyard/internal/storage"
	"github.com/halyard-io/halyard/internal/storage/mysql"
	"github.com/halyard-io/halyard/internal/storage/postgres"
	"github.com/halyard-io/halyard/internal/storage/sqlite"
)

// markerFile records the backend kind under the data directory.
const markerFile = ".db_backend"

// Open connects to the configured backend and builds the pool.
func Open(ctx context.Context, cfg config.DatabaseSettings) (*storage.Pool, error) {
	var (
		db  *sql.DB
		d   storage.Dialect
		err error
	)
	switch cfg.Backend {
	case config.BackendSQLite:
		db, err = sqlite.Open(ctx, cfg.Path)
		d = sqlite.Dialect{}
	case config.BackendMySQL:
		db, err = mysql.Open(ctx, cfg.DSN)
		d = mysql.Dialect{}
	case config.BackendPostgres:
		db, err = postgres.Open(ctx, cfg.DSN)
		d = postgres.Dialect{}
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, err
	}
	return storage.NewPool(ctx, db, d, cfg)
}

// DetectSwap compares the configured backend against the marker file and
// rewrites the marker. It returns the previous backend and whether it
// differs from the current one (first run reports no swap).
func DetectSwap(cfg config.DatabaseSettings) (previous config.Backend, swapped bool, err error) {
	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		return "", false, err
	}
	path := filepath.Join(cfg.DataDir, markerFile)

	raw, readErr := os.ReadFile(path) // #nosec G304 -- path is config-owned
	if readErr == nil {
		previous = config.Backend(strings.TrimSpace(string(raw)))
		swapped = previous != "" && previous != cfg.Backend
	} else if !os.IsNotExist(readErr) {
		return "", false, readErr
	}

	if err := os.WriteFile(path, []byte(cfg.Backend+"\n"), 0o600); err != nil {
		return previous, swapped, err
	}
	return previous, swapped, nil
}
