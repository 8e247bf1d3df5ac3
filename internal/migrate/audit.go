package migrate

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/halyard-io/halyard/internal/entity"
	"github.com/halyard-io/halyard/internal/logging"
	"github.com/halyard-io/halyard/internal/storage"
)

// AuditFile is one audit entry on disk: the plan in JSON next to a
// human-readable SQL rendering. Only the JSON is authoritative for replay.
type AuditFile struct {
	Name       string      `json:"name"`
	SchemaHash string      `json:"schema_hash"`
	CreatedAt  time.Time   `json:"created_at"`
	Operations []Operation `json:"operations"`
}

// writeAudit persists the plan under the audit directory as
// YYYYMMDD_HHMMSS_<shortHash>.sql plus .json. Returns the sql path.
func writeAudit(dir, hash string, ops []Operation) (string, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", err
	}
	now := time.Now().UTC()
	base := fmt.Sprintf("%s_%s", now.Format("20060102_150405"), entity.ShortHash(hash))

	var sqlBody strings.Builder
	fmt.Fprintf(&sqlBody, "-- schema %s applied %s\n\n", hash, now.Format(time.RFC3339))
	for _, op := range ops {
		fmt.Fprintf(&sqlBody, "-- %s\n%s;\n\n", op.Description, op.SQL)
	}
	sqlPath := filepath.Join(dir, base+".sql")
	if err := os.WriteFile(sqlPath, []byte(sqlBody.String()), 0o600); err != nil {
		return "", err
	}

	meta := AuditFile{Name: base, SchemaHash: hash, CreatedAt: now, Operations: ops}
	buf, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(filepath.Join(dir, base+".json"), buf, 0o600); err != nil {
		return "", err
	}
	return sqlPath, nil
}

// ListAudit returns all audit entries in chronological order.
func ListAudit(dir string) ([]AuditFile, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.json"))
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)
	out := make([]AuditFile, 0, len(matches))
	for _, path := range matches {
		raw, err := os.ReadFile(path) // #nosec G304 -- audit dir is config-owned
		if err != nil {
			return nil, err
		}
		var af AuditFile
		if err := json.Unmarshal(raw, &af); err != nil {
			return nil, fmt.Errorf("parse audit %s: %w", path, err)
		}
		out = append(out, af)
	}
	return out, nil
}

// Replay applies audit files chronologically, stopping after the entry
// whose schema hash matches upToHash (empty replays everything). Used by
// full restore to rebuild the schema from an empty database on any
// supported backend.
func Replay(ctx context.Context, c *storage.Conn, dir, upToHash string) error {
	files, err := ListAudit(dir)
	if err != nil {
		return err
	}
	log := logging.Component("migrate")
	found := upToHash == ""
	for _, af := range files {
		log.Info().Str("audit", af.Name).Msg("replaying migration audit")
		if err := applyOperations(ctx, c, af.Operations, log); err != nil {
			return fmt.Errorf("replay %s: %w", af.Name, err)
		}
		if upToHash != "" && af.SchemaHash == upToHash {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("no audit file for schema hash %s", entity.ShortHash(upToHash))
	}
	return nil
}

// Orphans lists live tables and columns that the registry no longer
// declares. These are candidates for cleanup under the deletion policy.
type Orphans struct {
	Tables  []string            `json:"tables"`
	Columns map[string][]string `json:"columns"`
}

// ScanOrphans compares the live schema against the registry.
func (e *Engine) ScanOrphans(ctx context.Context) (Orphans, error) {
	out := Orphans{Columns: make(map[string][]string)}
	err := e.pool.WithConn(ctx, func(c *storage.Conn) error {
		tables, err := c.ListTables(ctx)
		if err != nil {
			return err
		}
		known := map[string]bool{migrationsTable: true}
		for _, desc := range e.reg.All() {
			known[desc.Table] = true
			if desc.KeepHistory {
				known[entity.HistoryTable(desc.Table)] = true
			}
		}
		for _, t := range tables {
			if !known[t] {
				out.Tables = append(out.Tables, t)
			}
		}
		sort.Strings(out.Tables)

		for _, desc := range e.reg.All() {
			declared := make(map[string]bool)
			for _, sys := range entity.SystemFields {
				declared[sys] = true
			}
			for _, f := range desc.Fields {
				declared[f.Name] = true
			}
			cols, err := c.ListColumns(ctx, desc.Table)
			if err != nil {
				continue // table may not exist yet
			}
			for _, col := range cols {
				if !declared[strings.ToLower(col.Name)] {
					out.Columns[desc.Table] = append(out.Columns[desc.Table], col.Name)
				}
			}
		}
		return nil
	})
	return out, err
}
