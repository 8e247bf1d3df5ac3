// Package storage provides dialect-neutral relational access for the
// kernel. Higher layers emit neutral SQL ([ident] quoting, ? placeholders);
// the dialect translates to the backend's native form before execution.
//
// The concrete backends live in the sqlite, mysql and postgres sub-packages.
// This package holds the interfaces, the connection pool, the neutral-SQL
// translator, the lock-retry discipline, and the generic entity CRUD built
// on top of all of that.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// ErrAcquireTimeout is returned when the pool cannot hand out a connection
// within the configured acquire timeout.
var ErrAcquireTimeout = errors.New("connection acquire timeout")

// Column describes one live database column.
type Column struct {
	Name string
	Type string
}

// Queryer is the minimal query surface dialects need for introspection.
type Queryer interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

// Dialect abstracts backend differences. One implementation per backend;
// no conditional branching on backend kind anywhere else.
type Dialect interface {
	// Name is the backend kind ("sqlite", "mysql", "postgres").
	Name() string
	// Quote wraps an identifier in the backend's quoting characters.
	Quote(ident string) string
	// Placeholder renders the i-th (1-based) parameter placeholder.
	Placeholder(i int) string
	// BeginSQL is the statement that opens a transaction.
	BeginSQL() string
	// UpsertSuffix renders the conflict clause appended to an INSERT to
	// turn it into an upsert on conflictCol, updating updateCols. The
	// returned fragment is in neutral SQL.
	UpsertSuffix(conflictCol string, updateCols []string) string
	// TextType is the column type for entity values.
	TextType() string
	// KeyTextType is the column type for text columns used in primary
	// keys, unique constraints or indexes. MySQL cannot key unbounded
	// TEXT, so its dialect bounds these.
	KeyTextType() string
	// ListTables returns all user table names, sorted.
	ListTables(ctx context.Context, q Queryer) ([]string, error)
	// ListColumns returns the table's columns in declared order.
	ListColumns(ctx context.Context, q Queryer, table string) ([]Column, error)
	// IsLockError reports lock/busy contention worth retrying.
	IsLockError(err error) bool
	// IsDuplicateError reports unique-constraint violations.
	IsDuplicateError(err error) bool
}

// Row is one result row keyed by column name. Values are strings or nil;
// entity columns are TEXT throughout.
type Row map[string]interface{}

// Conn is one pooled connection. Not safe for concurrent use; the pool
// hands each Conn to exactly one acquirer at a time.
type Conn struct {
	sc   *sql.Conn
	d    Dialect
	inTx bool
}

// Dialect returns the connection's dialect.
func (c *Conn) Dialect() Dialect { return c.d }

// InTransaction reports whether an explicit transaction is open. Entity
// writes use this to reuse an enclosing transaction instead of nesting.
func (c *Conn) InTransaction() bool { return c.inTx }

// Exec runs a neutral-SQL statement.
func (c *Conn) Exec(ctx context.Context, neutral string, params ...interface{}) error {
	native, err := Translate(c.d, neutral)
	if err != nil {
		return err
	}
	_, err = c.sc.ExecContext(ctx, native, params...)
	return err
}

// ExecMany runs one neutral-SQL statement once per parameter batch on a
// single prepared statement.
func (c *Conn) ExecMany(ctx context.Context, neutral string, batches [][]interface{}) error {
	native, err := Translate(c.d, neutral)
	if err != nil {
		return err
	}
	stmt, err := c.sc.PrepareContext(ctx, native)
	if err != nil {
		return err
	}
	defer func() { _ = stmt.Close() }()
	for _, params := range batches {
		if _, err := stmt.ExecContext(ctx, params...); err != nil {
			return err
		}
	}
	return nil
}

// Query runs a neutral-SQL query and materializes all rows. Byte slices are
// normalized to strings so callers see uniform TEXT values.
func (c *Conn) Query(ctx context.Context, neutral string, params ...interface{}) ([]Row, error) {
	native, err := Translate(c.d, neutral)
	if err != nil {
		return nil, err
	}
	rows, err := c.sc.QueryContext(ctx, native, params...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return collectRows(rows)
}

// QueryContext implements Queryer with native SQL, for dialect
// introspection queries that are already backend-specific.
func (c *Conn) QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return c.sc.QueryContext(ctx, query, args...)
}

// ExecNative runs a backend-native statement verbatim. Migration DDL replay
// and dialect bootstrap use this; everything else goes through Exec.
func (c *Conn) ExecNative(ctx context.Context, native string, params ...interface{}) error {
	_, err := c.sc.ExecContext(ctx, native, params...)
	return err
}

// Begin opens an explicit transaction. SQLite uses BEGIN IMMEDIATE so the
// write lock is taken up front instead of at first write.
func (c *Conn) Begin(ctx context.Context) error {
	if c.inTx {
		return fmt.Errorf("storage: transaction already open")
	}
	if _, err := c.sc.ExecContext(ctx, c.d.BeginSQL()); err != nil {
		return err
	}
	c.inTx = true
	return nil
}

// Commit commits the open transaction.
func (c *Conn) Commit(ctx context.Context) error {
	if !c.inTx {
		return nil
	}
	_, err := c.sc.ExecContext(ctx, "COMMIT")
	c.inTx = false
	return err
}

// Rollback aborts the open transaction. Runs on a background context so
// cleanup survives caller cancellation.
func (c *Conn) Rollback() error {
	if !c.inTx {
		return nil
	}
	_, err := c.sc.ExecContext(context.Background(), "ROLLBACK")
	c.inTx = false
	return err
}

// TableExists probes for a table by name.
func (c *Conn) TableExists(ctx context.Context, table string) (bool, error) {
	tables, err := c.d.ListTables(ctx, c)
	if err != nil {
		return false, err
	}
	for _, t := range tables {
		if t == table {
			return true, nil
		}
	}
	return false, nil
}

// ListTables returns all user table names.
func (c *Conn) ListTables(ctx context.Context) ([]string, error) {
	return c.d.ListTables(ctx, c)
}

// ListColumns returns the table's live columns in declared order.
func (c *Conn) ListColumns(ctx context.Context, table string) ([]Column, error) {
	return c.d.ListColumns(ctx, c, table)
}

func collectRows(rows *sql.Rows) ([]Row, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	var out []Row
	for rows.Next() {
		vals := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(Row, len(cols))
		for i, col := range cols {
			switch v := vals[i].(type) {
			case []byte:
				row[col] = string(v)
			default:
				row[col] = v
			}
		}
		out = append(out, row)
	}
	return out, rows.Err()
}
