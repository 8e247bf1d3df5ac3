// Package mysql is the MySQL network backend.
package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	driver "github.com/go-sql-driver/mysql"

	"github.com/halyard-io/halyard/internal/storage"
)

// Open connects to MySQL with the DSN options the kernel requires:
// parseTime off (entity columns are TEXT), multi-statements off, utf8mb4.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	cfg, err := driver.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse mysql dsn: %w", err)
	}
	if cfg.Params == nil {
		cfg.Params = map[string]string{}
	}
	cfg.Params["charset"] = "utf8mb4"
	db, err := sql.Open("mysql", cfg.FormatDSN())
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping mysql: %w", err)
	}
	return db, nil
}

// Dialect implements storage.Dialect for MySQL.
type Dialect struct{}

func (Dialect) Name() string { return "mysql" }

func (Dialect) Quote(ident string) string { return "`" + ident + "`" }

func (Dialect) Placeholder(int) string { return "?" }

func (Dialect) BeginSQL() string { return "BEGIN" }

func (Dialect) UpsertSuffix(conflictCol string, updateCols []string) string {
	// The conflict target is implicit: any unique key, which for entity
	// tables is the id primary key.
	var b strings.Builder
	b.WriteString(" ON DUPLICATE KEY UPDATE ")
	for i, col := range updateCols {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "[%s] = VALUES([%s])", col, col)
	}
	return b.String()
}

func (Dialect) TextType() string    { return "TEXT" }
func (Dialect) KeyTextType() string { return "VARCHAR(191)" }

func (Dialect) ListTables(ctx context.Context, q storage.Queryer) ([]string, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT table_name FROM information_schema.tables WHERE table_schema = DATABASE() ORDER BY table_name`)
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
	rows, err := q.QueryContext(ctx,
		`SELECT column_name, data_type FROM information_schema.columns
		 WHERE table_schema = DATABASE() AND table_name = ? ORDER BY ordinal_position`, table)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []storage.Column
	for rows.Next() {
		var col storage.Column
		if err := rows.Scan(&col.Name, &col.Type); err != nil {
			return nil, err
		}
		out = append(out, col)
	}
	return out, rows.Err()
}

func (Dialect) IsLockError(err error) bool {
	var me *driver.MySQLError
	if errors.As(err, &me) {
		// 1205 lock wait timeout, 1213 deadlock.
		return me.Number == 1205 || me.Number == 1213
	}
	return false
}

func (Dialect) IsDuplicateError(err error) bool {
	var me *driver.MySQLError
	if errors.As(err, &me) {
		// 1062 duplicate entry.
		return me.Number == 1062
	}
	return false
}
