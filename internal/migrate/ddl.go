package migrate

import (
	"context"
	"fmt"
	"strings"

	"github.com/halyard-io/halyard/internal/config"
	"github.com/halyard-io/halyard/internal/entity"
	"github.com/halyard-io/halyard/internal/storage"
)

// Operation is one neutral-SQL DDL statement in a migration plan. Neutral
// form keeps audit files replayable on any backend.
type Operation struct {
	SQL         string `json:"sql"`
	Description string `json:"description"`
}

// diff compares the registry against the live schema and produces the
// operations that bring the database forward. Only additive operations are
// generated unless the deletion policy flags are set.
func diff(ctx context.Context, c *storage.Conn, reg *entity.Registry, policy config.MigrationSettings) ([]Operation, error) {
	tables, err := c.ListTables(ctx)
	if err != nil {
		return nil, err
	}
	live := make(map[string]bool, len(tables))
	for _, t := range tables {
		live[t] = true
	}

	var ops []Operation
	for _, desc := range reg.All() {
		tableOps, err := diffTable(ctx, c, desc, live)
		if err != nil {
			return nil, err
		}
		ops = append(ops, tableOps...)
	}

	dropOps, err := diffDrops(ctx, c, reg, live, policy)
	if err != nil {
		return nil, err
	}
	ops = append(ops, dropOps...)
	return ops, nil
}

func diffTable(ctx context.Context, c *storage.Conn, desc entity.Descriptor, live map[string]bool) ([]Operation, error) {
	var ops []Operation

	if !live[desc.Table] {
		// A rename source still present means this is a table rename:
		// create the new table and leave the copy to the backfill pass,
		// which runs on every start and is idempotent.
		ops = append(ops, Operation{
			SQL:         createTableSQL(c.Dialect(), desc),
			Description: fmt.Sprintf("create table %s", desc.Table),
		})
	} else {
		addOps, err := diffColumns(ctx, c, desc.Table, mainColumns(c.Dialect(), desc))
		if err != nil {
			return nil, err
		}
		ops = append(ops, addOps...)
	}
	ops = append(ops, indexSQL(desc)...)

	if desc.KeepHistory {
		htable := entity.HistoryTable(desc.Table)
		if !live[htable] {
			ops = append(ops, Operation{
				SQL:         createHistoryTableSQL(c.Dialect(), desc),
				Description: fmt.Sprintf("create history table %s", htable),
			})
		} else {
			addOps, err := diffColumns(ctx, c, htable, historyColumns(c.Dialect(), desc))
			if err != nil {
				return nil, err
			}
			ops = append(ops, addOps...)
		}
		ops = append(ops, historyIndexSQL(desc)...)
	}
	return ops, nil
}

// columnDef is a rendered column declaration.
type columnDef struct {
	name string
	def  string
}

func diffColumns(ctx context.Context, c *storage.Conn, table string, want []columnDef) ([]Operation, error) {
	cols, err := c.ListColumns(ctx, table)
	if err != nil {
		return nil, err
	}
	have := make(map[string]bool, len(cols))
	for _, col := range cols {
		have[strings.ToLower(col.Name)] = true
	}
	var ops []Operation
	for _, w := range want {
		if have[strings.ToLower(w.name)] {
			continue
		}
		ops = append(ops, Operation{
			SQL:         fmt.Sprintf("ALTER TABLE [%s] ADD COLUMN %s", table, w.def),
			Description: fmt.Sprintf("add column %s.%s", table, w.name),
		})
	}
	return ops, nil
}

func diffDrops(ctx context.Context, c *storage.Conn, reg *entity.Registry, live map[string]bool, policy config.MigrationSettings) ([]Operation, error) {
	known := make(map[string]bool)
	renameSources := make(map[string]bool)
	for _, desc := range reg.All() {
		known[desc.Table] = true
		if desc.KeepHistory {
			known[entity.HistoryTable(desc.Table)] = true
		}
		if desc.RenamedFromTable != "" {
			renameSources[desc.RenamedFromTable] = true
			renameSources[entity.HistoryTable(desc.RenamedFromTable)] = true
		}
	}
	known[migrationsTable] = true

	var ops []Operation
	if policy.AllowTableDeletion {
		for table := range live {
			if known[table] || renameSources[table] {
				continue
			}
			ops = append(ops, Operation{
				SQL:         fmt.Sprintf("DROP TABLE [%s]", table),
				Description: fmt.Sprintf("drop table %s", table),
			})
		}
	}
	if policy.AllowColumnDeletion {
		for _, desc := range reg.All() {
			if !live[desc.Table] {
				continue
			}
			colOps, err := dropColumnOps(ctx, c, desc)
			if err != nil {
				return nil, err
			}
			ops = append(ops, colOps...)
		}
	}
	return ops, nil
}

func dropColumnOps(ctx context.Context, c *storage.Conn, desc entity.Descriptor) ([]Operation, error) {
	declared := make(map[string]bool)
	for _, sys := range entity.SystemFields {
		declared[sys] = true
	}
	renameSources := make(map[string]bool)
	for _, f := range desc.Fields {
		declared[f.Name] = true
		if f.RenamedFrom != "" {
			renameSources[f.RenamedFrom] = true
		}
	}
	cols, err := c.ListColumns(ctx, desc.Table)
	if err != nil {
		return nil, err
	}
	var ops []Operation
	for _, col := range cols {
		name := strings.ToLower(col.Name)
		// Columns feeding a rename are protected even when deletion is
		// allowed.
		if declared[name] || renameSources[name] {
			continue
		}
		ops = append(ops, Operation{
			SQL:         fmt.Sprintf("ALTER TABLE [%s] DROP COLUMN [%s]", desc.Table, col.Name),
			Description: fmt.Sprintf("drop column %s.%s", desc.Table, col.Name),
		})
	}
	return ops, nil
}

// mainColumns renders the full column list for the entity's main table,
// with constraints preserved.
func mainColumns(d storage.Dialect, desc entity.Descriptor) []columnDef {
	cols := []columnDef{
		{"id", fmt.Sprintf("[id] %s PRIMARY KEY", d.KeyTextType())},
		{"created_at", "[created_at] " + d.TextType() + " NOT NULL"},
		{"updated_at", "[updated_at] " + d.TextType() + " NOT NULL"},
		{"deleted_at", "[deleted_at] " + d.TextType() + " NULL"},
		{"created_by", "[created_by] " + d.TextType() + " NULL"},
		{"updated_by", "[updated_by] " + d.TextType() + " NULL"},
	}
	for _, f := range desc.Fields {
		cols = append(cols, columnDef{f.Name, fieldDef(d, f, true)})
	}
	return cols
}

// historyColumns renders the history table's columns: entity columns with
// business constraints stripped, plus the version bookkeeping columns.
func historyColumns(d storage.Dialect, desc entity.Descriptor) []columnDef {
	cols := []columnDef{
		{"id", fmt.Sprintf("[id] %s NOT NULL", d.KeyTextType())},
		{"created_at", "[created_at] " + d.TextType() + " NULL"},
		{"updated_at", "[updated_at] " + d.TextType() + " NULL"},
		{"deleted_at", "[deleted_at] " + d.TextType() + " NULL"},
		{"created_by", "[created_by] " + d.TextType() + " NULL"},
		{"updated_by", "[updated_by] " + d.TextType() + " NULL"},
	}
	for _, f := range desc.Fields {
		cols = append(cols, columnDef{f.Name, fmt.Sprintf("[%s] %s NULL", f.Name, d.TextType())})
	}
	cols = append(cols,
		columnDef{"version", "[version] INTEGER NOT NULL"},
		columnDef{"history_timestamp", "[history_timestamp] " + d.TextType() + " NOT NULL"},
		columnDef{"history_user_id", "[history_user_id] " + d.TextType() + " NULL"},
		columnDef{"history_comment", "[history_comment] " + d.TextType() + " NULL"},
	)
	return cols
}

func fieldDef(d storage.Dialect, f entity.Field, withConstraints bool) string {
	typ := d.TextType()
	if f.Unique || f.Indexed {
		typ = d.KeyTextType()
	}
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", f.Name, typ)
	if !withConstraints {
		b.WriteString(" NULL")
		return b.String()
	}
	if f.Nullable {
		b.WriteString(" NULL")
	} else {
		b.WriteString(" NOT NULL")
	}
	if f.Default != "" {
		fmt.Fprintf(&b, " DEFAULT '%s'", strings.ReplaceAll(f.Default, "'", "''"))
	}
	if f.Check != "" {
		fmt.Fprintf(&b, " CHECK (%s)", f.Check)
	}
	return b.String()
}

func createTableSQL(d storage.Dialect, desc entity.Descriptor) string {
	defs := make([]string, 0, len(desc.Fields)+6)
	for _, col := range mainColumns(d, desc) {
		defs = append(defs, col.def)
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS [%s] (%s)", desc.Table, strings.Join(defs, ", "))
}

func createHistoryTableSQL(d storage.Dialect, desc entity.Descriptor) string {
	defs := make([]string, 0, len(desc.Fields)+10)
	for _, col := range historyColumns(d, desc) {
		defs = append(defs, col.def)
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS [%s] (%s)", entity.HistoryTable(desc.Table), strings.Join(defs, ", "))
}

// indexSQL renders index creation for unique and indexed fields. Plain
// CREATE INDEX is emitted (no IF NOT EXISTS, which MySQL lacks); the
// executor swallows duplicate-index errors instead.
func indexSQL(desc entity.Descriptor) []Operation {
	var ops []Operation
	for _, f := range desc.Fields {
		switch {
		case f.Unique:
			ops = append(ops, Operation{
				SQL:         fmt.Sprintf("CREATE UNIQUE INDEX [uniq_%s_%s] ON [%s] ([%s])", desc.Table, f.Name, desc.Table, f.Name),
				Description: fmt.Sprintf("unique index on %s.%s", desc.Table, f.Name),
			})
		case f.Indexed:
			ops = append(ops, Operation{
				SQL:         fmt.Sprintf("CREATE INDEX [idx_%s_%s] ON [%s] ([%s])", desc.Table, f.Name, desc.Table, f.Name),
				Description: fmt.Sprintf("index on %s.%s", desc.Table, f.Name),
			})
		}
	}
	return ops
}

func historyIndexSQL(desc entity.Descriptor) []Operation {
	htable := entity.HistoryTable(desc.Table)
	return []Operation{
		{
			SQL:         fmt.Sprintf("CREATE UNIQUE INDEX [uniq_%s_id_version] ON [%s] ([id], [version])", htable, htable),
			Description: fmt.Sprintf("unique (id, version) on %s", htable),
		},
		{
			SQL:         fmt.Sprintf("CREATE INDEX [idx_%s_id] ON [%s] ([id])", htable, htable),
			Description: fmt.Sprintf("index on %s.id", htable),
		},
	}
}
