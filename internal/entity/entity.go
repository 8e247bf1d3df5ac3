// Package entity holds the schema registry: typed descriptors that declare
// each persisted table, and the deterministic fingerprint computed over the
// whole registry. The migration engine diffs this registry against the live
// database; the storage layer uses it to serialize rows and maintain
// history tables.
package entity

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// FieldType drives value serialization. Columns are always created as TEXT;
// the declared type only matters for converting Go values to and from their
// stored string form.
type FieldType string

const (
	TypeString FieldType = "string"
	TypeInt    FieldType = "int"
	TypeFloat  FieldType = "float"
	TypeBool   FieldType = "bool"
	TypeTime   FieldType = "time"
	TypeJSON   FieldType = "json"
)

// Field declares one user column of an entity.
type Field struct {
	Name     string    `json:"name"`
	Type     FieldType `json:"type"`
	Default  string    `json:"default,omitempty"`
	Nullable bool      `json:"nullable,omitempty"`
	Unique   bool      `json:"unique,omitempty"`
	Indexed  bool      `json:"indexed,omitempty"`
	Check    string    `json:"check,omitempty"`
	// RenamedFrom names the previous column; migration copies data over
	// and never drops the old column.
	RenamedFrom string `json:"renamed_from,omitempty"`
}

// Descriptor declares one entity table. System columns (id, created_at,
// updated_at, deleted_at, created_by, updated_by) are implicit and must not
// appear in Fields.
type Descriptor struct {
	Table       string  `json:"table"`
	Fields      []Field `json:"fields"`
	KeepHistory bool    `json:"keep_history,omitempty"`
	// RenamedFromTable names the previous table; migration copies rows
	// over and never drops the old table.
	RenamedFromTable string `json:"renamed_from_table,omitempty"`
}

// SystemFields are present on every entity table, in this column order.
var SystemFields = []string{"id", "created_at", "updated_at", "deleted_at", "created_by", "updated_by"}

// HistoryFields are appended to history tables after the entity columns.
var HistoryFields = []string{"version", "history_timestamp", "history_user_id", "history_comment"}

// HistoryTable returns the history table name for an entity table.
func HistoryTable(table string) string { return table + "_history" }

func isSystemField(name string) bool {
	for _, f := range SystemFields {
		if f == name {
			return true
		}
	}
	return false
}

// Validate rejects malformed descriptors before they reach the registry.
func (d Descriptor) Validate() error {
	if d.Table == "" {
		return fmt.Errorf("entity: empty table name")
	}
	seen := make(map[string]bool, len(d.Fields))
	for _, f := range d.Fields {
		if f.Name == "" {
			return fmt.Errorf("entity %s: field with empty name", d.Table)
		}
		if isSystemField(f.Name) {
			return fmt.Errorf("entity %s: field %s shadows a system column", d.Table, f.Name)
		}
		if seen[f.Name] {
			return fmt.Errorf("entity %s: duplicate field %s", d.Table, f.Name)
		}
		seen[f.Name] = true
		switch f.Type {
		case TypeString, TypeInt, TypeFloat, TypeBool, TypeTime, TypeJSON:
		default:
			return fmt.Errorf("entity %s: field %s has unknown type %q", d.Table, f.Name, f.Type)
		}
	}
	return nil
}

// Field returns the named field declaration, if present.
func (d Descriptor) Field(name string) (Field, bool) {
	for _, f := range d.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// Registry is the set of registered descriptors, keyed by table name.
// Construct one per kernel; tests construct their own.
type Registry struct {
	byTable map[string]Descriptor
}

func NewRegistry() *Registry {
	return &Registry{byTable: make(map[string]Descriptor)}
}

// Register adds a descriptor. Duplicate table names are a programming error
// and rejected.
func (r *Registry) Register(d Descriptor) error {
	if err := d.Validate(); err != nil {
		return err
	}
	if _, dup := r.byTable[d.Table]; dup {
		return fmt.Errorf("entity: table %s registered twice", d.Table)
	}
	r.byTable[d.Table] = d
	return nil
}

// MustRegister is Register for init-time wiring where a failure is fatal.
func (r *Registry) MustRegister(d Descriptor) {
	if err := r.Register(d); err != nil {
		panic(err)
	}
}

// Get returns the descriptor for a table.
func (r *Registry) Get(table string) (Descriptor, bool) {
	d, ok := r.byTable[table]
	return d, ok
}

// All returns descriptors sorted by table name.
func (r *Registry) All() []Descriptor {
	out := make([]Descriptor, 0, len(r.byTable))
	for _, d := range r.byTable {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Table < out[j].Table })
	return out
}

// Fingerprint computes the SHA-256 schema hash over a canonical JSON form
// of the registry: tables sorted by name, fields sorted by name within each
// table. Two registries with the same declarations always hash identically
// regardless of registration order.
func (r *Registry) Fingerprint() string {
	canon := make([]Descriptor, 0, len(r.byTable))
	for _, d := range r.All() {
		fields := append([]Field(nil), d.Fields...)
		sort.Slice(fields, func(i, j int) bool { return fields[i].Name < fields[j].Name })
		d.Fields = fields
		canon = append(canon, d)
	}
	// encoding/json emits struct fields in declaration order, which is
	// stable across runs; map types are deliberately absent here.
	buf, err := json.Marshal(canon)
	if err != nil {
		panic(fmt.Sprintf("entity: fingerprint marshal: %v", err))
	}
	sum := sha256.Sum256(buf)
	return hex.EncodeToString(sum[:])
}

// ShortHash returns the first 8 characters of a fingerprint, used in
// migration audit and backup file names.
func ShortHash(fingerprint string) string {
	if len(fingerprint) < 8 {
		return fingerprint
	}
	return fingerprint[:8]
}

// Record is a row image keyed by column name. System columns use their
// canonical names; values are native Go types per the field declarations.
type Record map[string]interface{}

// ID returns the record's id column as a string.
func (rec Record) ID() string {
	id, _ := rec["id"].(string)
	return id
}

// Clone returns a shallow copy of the record.
func (rec Record) Clone() Record {
	out := make(Record, len(rec))
	for k, v := range rec {
		out[k] = v
	}
	return out
}

// Deleted reports whether the record is soft-deleted.
func (rec Record) Deleted() bool {
	v, ok := rec["deleted_at"]
	if !ok || v == nil {
		return false
	}
	if ts, ok := v.(time.Time); ok {
		return !ts.IsZero()
	}
	return true
}
