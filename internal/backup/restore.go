package backup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/halyard-io/halyard/internal/config"
	"github.com/halyard-io/halyard/internal/entity"
	"github.com/halyard-io/halyard/internal/migrate"
	"github.com/halyard-io/halyard/internal/storage"
)

// FullRollback is the authoritative restore across schema changes: drop
// every live table, replay the migration audit trail up to the backup's
// schema hash, import the CSVs into the rebuilt schema, then run the
// startup migration to bring the schema forward to the current registry.
func (m *Manager) FullRollback(ctx context.Context, rp RestorePoint) error {
	if rp.CSVDir == "" {
		return fmt.Errorf("restore: point %s has no csv directory", rp.Name)
	}
	m.log.Warn().Str("point", rp.Name).Str("schema_hash", rp.SchemaHash).
		Msg("full rollback: dropping all tables")

	err := m.pool.WithConn(ctx, func(c *storage.Conn) error {
		tables, err := c.ListTables(ctx)
		if err != nil {
			return err
		}
		for _, t := range tables {
			if err := c.Exec(ctx, fmt.Sprintf("DROP TABLE [%s]", t)); err != nil {
				return fmt.Errorf("drop %s: %w", t, err)
			}
		}
		if err := migrate.Replay(ctx, c, m.eng.AuditDir(), rp.SchemaHash); err != nil {
			return err
		}
		return m.importDir(ctx, c, rp.CSVDir, false)
	})
	if err != nil {
		return fmt.Errorf("restore: full rollback: %w", err)
	}
	// Bring the restored schema forward to the running registry.
	if err := m.eng.Run(ctx); err != nil {
		return fmt.Errorf("restore: migrate forward: %w", err)
	}
	m.log.Info().Str("point", rp.Name).Msg("full rollback complete")
	return nil
}

// ImportCSV additively imports a CSV directory into the existing schema.
// No DDL runs: rows missing from the database are inserted, rows whose
// live copy is newer than the backup are retained.
func (m *Manager) ImportCSV(ctx context.Context, dir string) error {
	err := m.pool.WithConn(ctx, func(c *storage.Conn) error {
		return m.importDir(ctx, c, dir, true)
	})
	if err != nil {
		return fmt.Errorf("restore: csv import: %w", err)
	}
	return nil
}

// importDir loads every table CSV present in dir. In additive mode rows
// are merged against the live data; otherwise the tables are assumed
// freshly rebuilt and rows are inserted as-is.
func (m *Manager) importDir(ctx context.Context, c *storage.Conn, dir string, additive bool) error {
	for _, desc := range m.reg.All() {
		if err := m.importTable(ctx, c, dir, desc.Table, false, additive); err != nil {
			return err
		}
		if desc.KeepHistory {
			if err := m.importTable(ctx, c, dir, entity.HistoryTable(desc.Table), true, additive); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *Manager) importTable(ctx context.Context, c *storage.Conn, dir, table string, history, additive bool) error {
	path := filepath.Join(dir, table+".csv")
	parsed, err := readTableCSV(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			// Backups taken under an older registry may lack tables
			// added since.
			return nil
		}
		return err
	}
	if exists, err := c.TableExists(ctx, table); err != nil || !exists {
		return err
	}

	// Only import columns the live table actually has; a backup from an
	// older schema generation simply leaves newer columns NULL.
	liveCols, err := c.ListColumns(ctx, table)
	if err != nil {
		return err
	}
	liveSet := make(map[string]bool, len(liveCols))
	for _, col := range liveCols {
		liveSet[strings.ToLower(col.Name)] = true
	}
	var cols []string
	for _, col := range parsed.cols {
		if liveSet[strings.ToLower(col)] {
			cols = append(cols, col)
		}
	}
	if len(cols) == 0 {
		return nil
	}

	var skip func(ctx context.Context, row []interface{}) (bool, error)
	if additive {
		skip, err = m.additiveSkip(ctx, c, table, history, parsed)
		if err != nil {
			return err
		}
	}

	stmt := fmt.Sprintf("INSERT INTO [%s] (%s) VALUES (%s)",
		table, storage.QuoteAll(cols), storage.Placeholders(len(cols)))
	inserted := 0
	for _, row := range parsed.rows {
		if skip != nil {
			s, err := skip(ctx, row)
			if err != nil {
				return err
			}
			if s {
				continue
			}
		}
		vals := make([]interface{}, len(cols))
		for i, col := range cols {
			vals[i] = parsed.cell(row, col)
		}
		if err := c.Exec(ctx, stmt, vals...); err != nil {
			return fmt.Errorf("import %s: %w", table, err)
		}
		inserted++
	}
	m.log.Debug().Str("table", table).Int("rows", inserted).Msg("imported csv")
	return nil
}

// additiveSkip builds the merge predicate for one table: history rows are
// skipped when the (id, version) pair already exists; main rows are
// skipped when the live copy is at least as new as the backup's.
func (m *Manager) additiveSkip(ctx context.Context, c *storage.Conn, table string, history bool, parsed tableCSV) (func(context.Context, []interface{}) (bool, error), error) {
	if history {
		rows, err := c.Query(ctx, fmt.Sprintf("SELECT [id], [version] FROM [%s]", table))
		if err != nil {
			return nil, err
		}
		seen := make(map[string]bool, len(rows))
		for _, row := range rows {
			seen[fmt.Sprintf("%v:%v", row["id"], row["version"])] = true
		}
		return func(_ context.Context, row []interface{}) (bool, error) {
			key := fmt.Sprintf("%v:%v", parsed.cell(row, "id"), parsed.cell(row, "version"))
			return seen[key], nil
		}, nil
	}

	rows, err := c.Query(ctx, fmt.Sprintf("SELECT [id], [updated_at] FROM [%s]", table))
	if err != nil {
		return nil, err
	}
	liveUpdated := make(map[string]string, len(rows))
	for _, row := range rows {
		id, _ := row["id"].(string)
		at, _ := row["updated_at"].(string)
		liveUpdated[id] = at
	}
	return func(ctx context.Context, row []interface{}) (bool, error) {
		id, _ := parsed.cell(row, "id").(string)
		liveAt, exists := liveUpdated[id]
		if !exists {
			return false, nil
		}
		csvAt, _ := parsed.cell(row, "updated_at").(string)
		liveT, errA := storage.DecodeTime(liveAt)
		csvT, errB := storage.DecodeTime(csvAt)
		if errA != nil || errB != nil {
			return true, nil
		}
		if !csvT.After(liveT) {
			return true, nil
		}
		// Backup row is newer than the live one: replace it in place.
		return true, replaceRow(ctx, c, parsed, row, table)
	}, nil
}

// replaceRow updates an existing row with the backup's values. Insert with
// the dialect's upsert clause keeps this one statement on every backend.
func replaceRow(ctx context.Context, c *storage.Conn, parsed tableCSV, row []interface{}, table string) error {
	updateCols := make([]string, 0, len(parsed.cols))
	for _, col := range parsed.cols {
		if col != "id" {
			updateCols = append(updateCols, col)
		}
	}
	vals := make([]interface{}, len(parsed.cols))
	copy(vals, row)
	stmt := fmt.Sprintf("INSERT INTO [%s] (%s) VALUES (%s)%s",
		table, storage.QuoteAll(parsed.cols), storage.Placeholders(len(parsed.cols)),
		c.Dialect().UpsertSuffix("id", updateCols))
	return c.Exec(ctx, stmt, vals...)
}

// NativeRestore replaces the live data with a native snapshot. Single
// shot, embedded backend only, and only when the backup's backend matches
// the running one.
func (m *Manager) NativeRestore(ctx context.Context, rp RestorePoint) error {
	if rp.NativeFile == "" {
		return fmt.Errorf("restore: point %s has no native snapshot", rp.Name)
	}
	if m.db.Backend != config.BackendSQLite || (rp.Backend != "" && rp.Backend != string(m.db.Backend)) {
		return fmt.Errorf("restore: native snapshot requires matching %s backend", config.BackendSQLite)
	}

	err := m.pool.WithConn(ctx, func(c *storage.Conn) error {
		if err := c.ExecNative(ctx, "ATTACH DATABASE ? AS restore_src", rp.NativeFile); err != nil {
			return err
		}
		defer func() { _ = c.ExecNative(ctx, "DETACH DATABASE restore_src") }()

		rows, err := c.QueryContext(ctx,
			"SELECT name FROM restore_src.sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%'")
		if err != nil {
			return err
		}
		var tables []string
		for rows.Next() {
			var name string
			if err := rows.Scan(&name); err != nil {
				rows.Close()
				return err
			}
			tables = append(tables, name)
		}
		if err := rows.Err(); err != nil {
			return err
		}
		rows.Close()

		for _, t := range tables {
			exists, err := c.TableExists(ctx, t)
			if err != nil {
				return err
			}
			if !exists {
				continue
			}
			if err := c.Exec(ctx, fmt.Sprintf("DELETE FROM [%s]", t)); err != nil {
				return err
			}
			if err := c.ExecNative(ctx, fmt.Sprintf(
				`INSERT INTO "%s" SELECT * FROM restore_src."%s"`, t, t)); err != nil {
				return fmt.Errorf("copy %s: %w", t, err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("restore: native: %w", err)
	}
	m.log.Info().Str("point", rp.Name).Msg("native restore complete")
	return nil
}
