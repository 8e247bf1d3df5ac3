package migrate

import (
	"context"
	"fmt"
	"strings"

	"github.com/halyard-io/halyard/internal/entity"
	"github.com/halyard-io/halyard/internal/storage"
)

// backfillRenames copies data from old names to their renamed successors.
// Every statement is idempotent: column copies only fill NULLs, table
// copies only insert missing ids, so the pass is safe to run on every
// start and concurrently with an old instance still writing old names.
func backfillRenames(ctx context.Context, c *storage.Conn, reg *entity.Registry) error {
	tables, err := c.ListTables(ctx)
	if err != nil {
		return err
	}
	live := make(map[string]bool, len(tables))
	for _, t := range tables {
		live[t] = true
	}

	for _, desc := range reg.All() {
		if desc.RenamedFromTable != "" && live[desc.RenamedFromTable] && live[desc.Table] {
			if err := copyTable(ctx, c, desc.RenamedFromTable, desc.Table); err != nil {
				return err
			}
			oldHist, newHist := entity.HistoryTable(desc.RenamedFromTable), entity.HistoryTable(desc.Table)
			if desc.KeepHistory && live[oldHist] && live[newHist] {
				if err := copyHistoryTable(ctx, c, oldHist, newHist); err != nil {
					return err
				}
			}
		}

		for _, f := range desc.Fields {
			if f.RenamedFrom == "" {
				continue
			}
			if live[desc.Table] {
				if err := copyColumn(ctx, c, desc.Table, f.RenamedFrom, f.Name); err != nil {
					return err
				}
			}
			if desc.KeepHistory && live[entity.HistoryTable(desc.Table)] {
				if err := copyColumn(ctx, c, entity.HistoryTable(desc.Table), f.RenamedFrom, f.Name); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// copyColumn fills the new column from the old one where the new is still
// NULL. A no-op when either column is missing.
func copyColumn(ctx context.Context, c *storage.Conn, table, oldCol, newCol string) error {
	cols, err := c.ListColumns(ctx, table)
	if err != nil {
		return err
	}
	var haveOld, haveNew bool
	for _, col := range cols {
		switch strings.ToLower(col.Name) {
		case strings.ToLower(oldCol):
			haveOld = true
		case strings.ToLower(newCol):
			haveNew = true
		}
	}
	if !haveOld || !haveNew {
		return nil
	}
	return c.Exec(ctx, fmt.Sprintf(
		"UPDATE [%s] SET [%s] = [%s] WHERE [%s] IS NULL AND [%s] IS NOT NULL",
		table, newCol, oldCol, newCol, oldCol))
}

// copyTable copies rows that exist only under the old table name.
// Columns are the intersection of both tables so schema drift between the
// generations cannot break the copy.
func copyTable(ctx context.Context, c *storage.Conn, oldTable, newTable string) error {
	common, err := commonColumns(ctx, c, oldTable, newTable)
	if err != nil || len(common) == 0 {
		return err
	}
	cols := storage.QuoteAll(common)
	return c.Exec(ctx, fmt.Sprintf(
		"INSERT INTO [%s] (%s) SELECT %s FROM [%s] WHERE [id] NOT IN (SELECT [id] FROM [%s])",
		newTable, cols, cols, oldTable, newTable))
}

// copyHistoryTable is copyTable with (id, version) as the identity.
func copyHistoryTable(ctx context.Context, c *storage.Conn, oldTable, newTable string) error {
	common, err := commonColumns(ctx, c, oldTable, newTable)
	if err != nil || len(common) == 0 {
		return err
	}
	cols := storage.QuoteAll(common)
	return c.Exec(ctx, fmt.Sprintf(
		"INSERT INTO [%s] (%s) SELECT %s FROM [%s] o WHERE NOT EXISTS (SELECT 1 FROM [%s] n WHERE n.[id] = o.[id] AND n.[version] = o.[version])",
		newTable, cols, cols, oldTable, newTable))
}

func commonColumns(ctx context.Context, c *storage.Conn, a, b string) ([]string, error) {
	aCols, err := c.ListColumns(ctx, a)
	if err != nil {
		return nil, err
	}
	bCols, err := c.ListColumns(ctx, b)
	if err != nil {
		return nil, err
	}
	inB := make(map[string]bool, len(bCols))
	for _, col := range bCols {
		inB[strings.ToLower(col.Name)] = true
	}
	var out []string
	for _, col := range aCols {
		if inB[strings.ToLower(col.Name)] {
			out = append(out, col.Name)
		}
	}
	return out, nil
}
