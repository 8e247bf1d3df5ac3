// Package postgres is the PostgreSQL network backend.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/halyard-io/halyard/internal/storage"
)

// Open connects to PostgreSQL.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

// Dialect implements storage.Dialect for PostgreSQL.
type Dialect struct{}

func (Dialect) Name() string { return "postgres" }

func (Dialect) Quote(ident string) string { return `"` + ident + `"` }

func (Dialect) Placeholder(i int) string { return fmt.Sprintf("$%d", i) }

func (Dialect) BeginSQL() string { return "BEGIN" }

func (Dialect) UpsertSuffix(conflictCol string, updateCols []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, " ON CONFLICT ([%s]) DO UPDATE SET ", conflictCol)
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
		`SELECT table_name FROM information_schema.tables
		 WHERE table_schema = 'public' AND table_type = 'BASE TABLE' ORDER BY table_name`)
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
		 WHERE table_schema = 'public' AND table_name = $1 ORDER BY ordinal_position`, table)
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
	var pe *pq.Error
	if errors.As(err, &pe) {
		// 55P03 lock_not_available, 40P01 deadlock_detected.
		return pe.Code == "55P03" || pe.Code == "40P01"
	}
	return false
}

func (Dialect) IsDuplicateError(err error) bool {
	var pe *pq.Error
	if errors.As(err, &pe) {
		// 23505 unique_violation.
		return pe.Code == "23505"
	}
	return false
}
