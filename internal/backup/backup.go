// Package backup produces portable CSV snapshots and backend-native
// snapshots of the entity tables, and implements the restore family: full
// rollback through the migration audit trail, additive CSV import, native
// restore and single-table point-in-time revert.
package backup

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/halyard-io/halyard/internal/config"
	"github.com/halyard-io/halyard/internal/entity"
	"github.com/halyard-io/halyard/internal/logging"
	"github.com/halyard-io/halyard/internal/migrate"
	"github.com/halyard-io/halyard/internal/storage"
	"github.com/halyard-io/halyard/internal/storage/sqlite"
)

const (
	stampFormat  = "20060102_150405"
	csvDirPrefix = "csv_"
)

// Manager runs backups and restores against one pool + registry pair.
type Manager struct {
	pool  *storage.Pool
	store *storage.Store
	reg   *entity.Registry
	eng   *migrate.Engine
	db    config.DatabaseSettings
	dir   string
	log   zerolog.Logger
}

func NewManager(pool *storage.Pool, reg *entity.Registry, eng *migrate.Engine, db config.DatabaseSettings, dir string) *Manager {
	return &Manager{
		pool:  pool,
		store: storage.NewStore(pool, reg),
		reg:   reg,
		eng:   eng,
		db:    db,
		dir:   dir,
		log:   logging.Component("backup"),
	}
}

// Dir is the backup root directory.
func (m *Manager) Dir() string { return m.dir }

// Options selects which snapshot forms to produce. Zero value means CSV
// only.
type Options struct {
	CSV    bool `json:"csv"`
	Native bool `json:"native"`
}

// Metadata travels with a CSV backup and is authoritative for its schema
// hash and backend.
type Metadata struct {
	Name       string         `json:"name"`
	CreatedAt  time.Time      `json:"created_at"`
	SchemaHash string         `json:"schema_hash"`
	Backend    string         `json:"backend"`
	Tables     map[string]int `json:"tables"`
}

// Result describes one completed backup.
type Result struct {
	Name       string         `json:"name"`
	CSVDir     string         `json:"csv_dir,omitempty"`
	NativeFile string         `json:"native_file,omitempty"`
	SchemaHash string         `json:"schema_hash"`
	Tables     map[string]int `json:"tables,omitempty"`
}

// Backup produces the requested snapshot forms. Directory and file names
// carry the UTC timestamp and the short schema fingerprint so restore
// points can be discovered by globbing alone.
func (m *Manager) Backup(ctx context.Context, opts Options) (Result, error) {
	if !opts.CSV && !opts.Native {
		opts.CSV = true
	}
	now := time.Now().UTC()
	hash := m.reg.Fingerprint()
	name := fmt.Sprintf("%s_%s", now.Format(stampFormat), entity.ShortHash(hash))
	res := Result{Name: name, SchemaHash: hash}

	if err := os.MkdirAll(m.dir, 0o750); err != nil {
		return res, err
	}

	if opts.CSV {
		csvDir := filepath.Join(m.dir, csvDirPrefix+name)
		tables, err := m.exportCSV(ctx, csvDir)
		if err != nil {
			return res, fmt.Errorf("backup: csv export: %w", err)
		}
		meta := Metadata{Name: name, CreatedAt: now, SchemaHash: hash, Backend: string(m.db.Backend), Tables: tables}
		buf, err := json.MarshalIndent(meta, "", "  ")
		if err != nil {
			return res, err
		}
		metaPath := filepath.Join(csvDir, "metadata_"+now.Format(stampFormat)+".json")
		if err := os.WriteFile(metaPath, buf, 0o600); err != nil {
			return res, err
		}
		res.CSVDir = csvDir
		res.Tables = tables
	}

	if opts.Native {
		path, err := m.nativeSnapshot(ctx, name)
		if err != nil {
			return res, fmt.Errorf("backup: native snapshot: %w", err)
		}
		res.NativeFile = path
	}

	m.log.Info().Str("name", name).Str("csv", res.CSVDir).Str("native", res.NativeFile).
		Msg("backup complete")
	return res, nil
}

// exportCSV writes one file per registered table plus its history table.
// History is included so a full rollback restores the audit trail too.
func (m *Manager) exportCSV(ctx context.Context, dir string) (map[string]int, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, err
	}
	tables := make(map[string]int)
	err := m.pool.WithConn(ctx, func(c *storage.Conn) error {
		for _, desc := range m.reg.All() {
			n, err := exportTable(ctx, c, desc.Table, tableColumns(desc), "[id]",
				filepath.Join(dir, desc.Table+".csv"))
			if err != nil {
				return fmt.Errorf("export %s: %w", desc.Table, err)
			}
			tables[desc.Table] = n

			if desc.KeepHistory {
				htable := entity.HistoryTable(desc.Table)
				n, err := exportTable(ctx, c, htable, historyTableColumns(desc), "[id], [version]",
					filepath.Join(dir, htable+".csv"))
				if err != nil {
					return fmt.Errorf("export %s: %w", htable, err)
				}
				tables[htable] = n
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return tables, nil
}

// nativeSnapshot uses the backend's fast path. Only the embedded backend
// has one worth taking: checkpoint the WAL, then copy the database file.
func (m *Manager) nativeSnapshot(ctx context.Context, name string) (string, error) {
	if m.db.Backend != config.BackendSQLite {
		return "", fmt.Errorf("native snapshot not supported for backend %s", m.db.Backend)
	}
	if err := sqlite.Checkpoint(ctx, m.pool.DB()); err != nil {
		return "", err
	}
	dst := filepath.Join(m.dir, "native_"+name+".db")
	if err := copyFile(m.db.Path, dst); err != nil {
		return "", err
	}
	return dst, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src) // #nosec G304 -- src is the configured database path
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst) // #nosec G304 -- dst is inside the backup dir
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// RestorePoint is one discoverable backup: a CSV directory, its schema
// hash, and an optional matching native snapshot.
type RestorePoint struct {
	Name       string    `json:"name"`
	Timestamp  time.Time `json:"timestamp"`
	SchemaHash string    `json:"schema_hash"`
	Backend    string    `json:"backend"`
	CSVDir     string    `json:"csv_dir"`
	NativeFile string    `json:"native_file,omitempty"`
	Tables     map[string]int `json:"tables,omitempty"`
}

// ListRestorePoints discovers restore points by globbing the backup
// directory, newest first. The metadata file inside each CSV directory is
// authoritative for the full schema hash.
func (m *Manager) ListRestorePoints() ([]RestorePoint, error) {
	matches, err := filepath.Glob(filepath.Join(m.dir, csvDirPrefix+"*"))
	if err != nil {
		return nil, err
	}
	var out []RestorePoint
	for _, dir := range matches {
		name := strings.TrimPrefix(filepath.Base(dir), csvDirPrefix)
		meta, err := readMetadata(dir)
		if err != nil {
			m.log.Warn().Err(err).Str("dir", dir).Msg("skipping unreadable backup")
			continue
		}
		rp := RestorePoint{
			Name:       name,
			Timestamp:  meta.CreatedAt,
			SchemaHash: meta.SchemaHash,
			Backend:    meta.Backend,
			CSVDir:     dir,
			Tables:     meta.Tables,
		}
		native := filepath.Join(m.dir, "native_"+name+".db")
		if _, err := os.Stat(native); err == nil {
			rp.NativeFile = native
		}
		out = append(out, rp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	return out, nil
}

// FindRestorePoint returns the closest point not after target.
func (m *Manager) FindRestorePoint(target time.Time) (RestorePoint, error) {
	points, err := m.ListRestorePoints()
	if err != nil {
		return RestorePoint{}, err
	}
	for _, rp := range points {
		if !rp.Timestamp.After(target) {
			return rp, nil
		}
	}
	return RestorePoint{}, fmt.Errorf("no restore point at or before %s", target.UTC().Format(time.RFC3339))
}

func readMetadata(dir string) (Metadata, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "metadata_*.json"))
	if err != nil || len(matches) == 0 {
		return Metadata{}, fmt.Errorf("no metadata in %s", dir)
	}
	sort.Strings(matches)
	raw, err := os.ReadFile(matches[len(matches)-1]) // #nosec G304 -- path from globbing the backup dir
	if err != nil {
		return Metadata{}, err
	}
	var meta Metadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		return Metadata{}, fmt.Errorf("parse %s: %w", matches[len(matches)-1], err)
	}
	return meta, nil
}

// ScanOrphans lists live tables and columns the registry no longer
// declares, via the migration engine.
func (m *Manager) ScanOrphans(ctx context.Context) (migrate.Orphans, error) {
	return m.eng.ScanOrphans(ctx)
}

func tableColumns(d entity.Descriptor) []string {
	cols := append([]string(nil), entity.SystemFields...)
	for _, f := range d.Fields {
		cols = append(cols, f.Name)
	}
	return cols
}

func historyTableColumns(d entity.Descriptor) []string {
	return append(tableColumns(d), entity.HistoryFields...)
}
