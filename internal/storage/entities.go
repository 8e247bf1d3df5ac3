package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/halyard-io/halyard/internal/entity"
)

// inChunkSize caps IN-clause parameter lists below every backend's
// parameter limit.
const inChunkSize = 900

// Store provides generic entity CRUD over a pool and a registry.
type Store struct {
	pool *Pool
	reg  *entity.Registry
}

func NewStore(pool *Pool, reg *entity.Registry) *Store {
	return &Store{pool: pool, reg: reg}
}

func (s *Store) Pool() *Pool               { return s.pool }
func (s *Store) Registry() *entity.Registry { return s.reg }

// IsConflict reports whether err is a unique-constraint violation on the
// active backend.
func (s *Store) IsConflict(err error) bool {
	return err != nil && s.pool.Dialect().IsDuplicateError(err)
}

// Tx is a transaction-scoped view of the store. All entity writes go
// through a Tx so multi-entity operations are atomic.
type Tx struct {
	c   *Conn
	reg *entity.Registry
}

// Conn exposes the transaction's connection for neutral-SQL statements
// that the generic CRUD does not cover (migration DDL, backfill).
func (t *Tx) Conn() *Conn { return t.c }

type txCtxKey struct{}

// RunInTransaction executes fn inside a transaction. If the context
// already carries a transaction (a nested call), it is reused and commit
// remains the outermost caller's responsibility. Otherwise a connection is
// acquired, BEGIN retried on lock contention, and the transaction committed
// on success or rolled back on error or panic.
func (s *Store) RunInTransaction(ctx context.Context, fn func(ctx context.Context, tx *Tx) error) error {
	if tx, ok := ctx.Value(txCtxKey{}).(*Tx); ok {
		return fn(ctx, tx)
	}

	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Release(conn)

	if err := RetryOnLock(ctx, conn.Dialect(), func() error { return conn.Begin(ctx) }); err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	committed := false
	defer func() {
		if !committed {
			_ = conn.Rollback()
		}
	}()

	tx := &Tx{c: conn, reg: s.reg}
	if err := fn(context.WithValue(ctx, txCtxKey{}, tx), tx); err != nil {
		return err
	}
	if err := conn.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	committed = true
	return nil
}

// --- Store-level convenience wrappers ---

func (s *Store) GetEntity(ctx context.Context, table, id string) (entity.Record, error) {
	var rec entity.Record
	err := s.pool.WithConn(ctx, func(c *Conn) error {
		var err error
		rec, err = getEntity(ctx, c, s.reg, table, id)
		return err
	})
	return rec, err
}

func (s *Store) GetEntities(ctx context.Context, table string, ids []string) ([]entity.Record, error) {
	var recs []entity.Record
	err := s.pool.WithConn(ctx, func(c *Conn) error {
		var err error
		recs, err = getEntities(ctx, c, s.reg, table, ids)
		return err
	})
	return recs, err
}

func (s *Store) FindEntities(ctx context.Context, table, where string, params []interface{}, orderBy string, limit, offset int) ([]entity.Record, error) {
	var recs []entity.Record
	err := s.pool.WithConn(ctx, func(c *Conn) error {
		var err error
		recs, err = findEntities(ctx, c, s.reg, table, where, params, orderBy, limit, offset)
		return err
	})
	return recs, err
}

func (s *Store) Count(ctx context.Context, table, where string, params []interface{}) (int64, error) {
	var n int64
	err := s.pool.WithConn(ctx, func(c *Conn) error {
		var err error
		n, err = count(ctx, c, s.reg, table, where, params)
		return err
	})
	return n, err
}

func (s *Store) SaveEntity(ctx context.Context, table string, rec entity.Record, actor string) (entity.Record, error) {
	var saved entity.Record
	err := s.RunInTransaction(ctx, func(ctx context.Context, tx *Tx) error {
		var err error
		saved, err = tx.SaveEntity(ctx, table, rec, actor)
		return err
	})
	return saved, err
}

func (s *Store) SaveEntities(ctx context.Context, table string, recs []entity.Record, actor string) error {
	return s.RunInTransaction(ctx, func(ctx context.Context, tx *Tx) error {
		return tx.SaveEntities(ctx, table, recs, actor)
	})
}

func (s *Store) SoftDelete(ctx context.Context, table, id, actor string) error {
	return s.RunInTransaction(ctx, func(ctx context.Context, tx *Tx) error {
		return tx.SoftDelete(ctx, table, id, actor)
	})
}

func (s *Store) Restore(ctx context.Context, table, id, actor string) error {
	return s.RunInTransaction(ctx, func(ctx context.Context, tx *Tx) error {
		return tx.Restore(ctx, table, id, actor)
	})
}

func (s *Store) GetHistory(ctx context.Context, table, id string) ([]entity.Record, error) {
	var recs []entity.Record
	err := s.pool.WithConn(ctx, func(c *Conn) error {
		var err error
		recs, err = getHistory(ctx, c, s.reg, table, id)
		return err
	})
	return recs, err
}

func (s *Store) GetVersion(ctx context.Context, table, id string, version int64) (entity.Record, error) {
	var rec entity.Record
	err := s.pool.WithConn(ctx, func(c *Conn) error {
		var err error
		rec, err = getVersion(ctx, c, s.reg, table, id, version)
		return err
	})
	return rec, err
}

// --- Tx-level operations ---

func (t *Tx) GetEntity(ctx context.Context, table, id string) (entity.Record, error) {
	return getEntity(ctx, t.c, t.reg, table, id)
}

func (t *Tx) GetEntities(ctx context.Context, table string, ids []string) ([]entity.Record, error) {
	return getEntities(ctx, t.c, t.reg, table, ids)
}

func (t *Tx) FindEntities(ctx context.Context, table, where string, params []interface{}, orderBy string, limit, offset int) ([]entity.Record, error) {
	return findEntities(ctx, t.c, t.reg, table, where, params, orderBy, limit, offset)
}

func (t *Tx) Count(ctx context.Context, table, where string, params []interface{}) (int64, error) {
	return count(ctx, t.c, t.reg, table, where, params)
}

// SaveEntity upserts the record by id, stamping timestamps and actor
// columns, and appends a history row when the entity keeps history. An
// empty id is filled with a fresh UUID. The returned record is the full
// row image as stored.
func (t *Tx) SaveEntity(ctx context.Context, table string, rec entity.Record, actor string) (entity.Record, error) {
	return t.saveEntityAudit(ctx, table, rec, actor, "")
}

// SaveEntityAudit is SaveEntity with a history comment, used by restore
// operations to mark the appended version as an audit entry.
func (t *Tx) SaveEntityAudit(ctx context.Context, table string, rec entity.Record, actor, comment string) (entity.Record, error) {
	return t.saveEntityAudit(ctx, table, rec, actor, comment)
}

func (t *Tx) saveEntityAudit(ctx context.Context, table string, rec entity.Record, actor, comment string) (entity.Record, error) {
	d, ok := t.reg.Get(table)
	if !ok {
		return nil, fmt.Errorf("storage: table %s not registered", table)
	}

	out := rec.Clone()
	if out.ID() == "" {
		out["id"] = uuid.NewString()
	}
	now := time.Now().UTC()

	existing, err := getEntity(ctx, t.c, t.reg, table, out.ID())
	switch {
	case err == nil:
		out["created_at"] = existing["created_at"]
		out["created_by"] = existing["created_by"]
	case err == ErrNotFound:
		if _, ok := out["created_at"].(time.Time); !ok {
			out["created_at"] = now
		}
		if _, ok := out["created_by"].(string); !ok {
			out["created_by"] = actor
		}
	default:
		return nil, err
	}
	out["updated_at"] = now
	out["updated_by"] = actor
	if _, ok := out["deleted_at"]; !ok {
		out["deleted_at"] = nil
	}

	cols, vals, err := encodeRecord(d, out)
	if err != nil {
		return nil, err
	}
	if err := t.upsert(ctx, table, cols, [][]interface{}{vals}); err != nil {
		return nil, err
	}
	if d.KeepHistory {
		if err := t.appendHistory(ctx, d, []historyEntry{{cols: cols, vals: vals, id: out.ID()}}, now, actor, comment); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// SaveEntities upserts a batch with one prepared upsert, one grouped
// version lookup and one prepared history insert, regardless of batch size.
func (t *Tx) SaveEntities(ctx context.Context, table string, recs []entity.Record, actor string) error {
	if len(recs) == 0 {
		return nil
	}
	d, ok := t.reg.Get(table)
	if !ok {
		return fmt.Errorf("storage: table %s not registered", table)
	}
	now := time.Now().UTC()

	ids := make([]string, 0, len(recs))
	for _, rec := range recs {
		if rec.ID() == "" {
			rec["id"] = uuid.NewString()
		}
		ids = append(ids, rec.ID())
	}

	// One pass to learn which rows already exist, preserving their
	// created_* columns.
	existing := make(map[string]entity.Record)
	existingRecs, err := getEntities(ctx, t.c, t.reg, table, ids)
	if err != nil {
		return err
	}
	for _, rec := range existingRecs {
		existing[rec.ID()] = rec
	}

	cols := columnNames(d)
	entries := make([]historyEntry, 0, len(recs))
	batches := make([][]interface{}, 0, len(recs))
	for _, rec := range recs {
		out := rec.Clone()
		if prev, ok := existing[out.ID()]; ok {
			out["created_at"] = prev["created_at"]
			out["created_by"] = prev["created_by"]
		} else {
			if _, ok := out["created_at"].(time.Time); !ok {
				out["created_at"] = now
			}
			if _, ok := out["created_by"].(string); !ok {
				out["created_by"] = actor
			}
		}
		out["updated_at"] = now
		out["updated_by"] = actor
		if _, ok := out["deleted_at"]; !ok {
			out["deleted_at"] = nil
		}
		_, vals, err := encodeRecord(d, out)
		if err != nil {
			return err
		}
		batches = append(batches, vals)
		entries = append(entries, historyEntry{cols: cols, vals: vals, id: out.ID()})
	}

	if err := t.upsert(ctx, table, cols, batches); err != nil {
		return err
	}
	if d.KeepHistory {
		return t.appendHistory(ctx, d, entries, now, actor, "")
	}
	return nil
}

// SoftDelete marks the row deleted. Deleting an already-deleted row is a
// no-op; a missing row is ErrNotFound.
func (t *Tx) SoftDelete(ctx context.Context, table, id, actor string) error {
	rec, err := t.GetEntity(ctx, table, id)
	if err != nil {
		return err
	}
	if rec.Deleted() {
		return nil
	}
	rec["deleted_at"] = time.Now().UTC()
	_, err = t.SaveEntity(ctx, table, rec, actor)
	return err
}

// Restore clears a soft delete.
func (t *Tx) Restore(ctx context.Context, table, id, actor string) error {
	rec, err := t.GetEntity(ctx, table, id)
	if err != nil {
		return err
	}
	if !rec.Deleted() {
		return nil
	}
	rec["deleted_at"] = nil
	_, err = t.SaveEntity(ctx, table, rec, actor)
	return err
}

func (t *Tx) GetHistory(ctx context.Context, table, id string) ([]entity.Record, error) {
	return getHistory(ctx, t.c, t.reg, table, id)
}

func (t *Tx) GetVersion(ctx context.Context, table, id string, version int64) (entity.Record, error) {
	return getVersion(ctx, t.c, t.reg, table, id, version)
}

// GetTableHistory returns every history row of the table ordered by
// (id, version). Point-in-time reconstruction wants the whole trail.
func (t *Tx) GetTableHistory(ctx context.Context, table string) ([]entity.Record, error) {
	return getTableHistory(ctx, t.c, t.reg, table)
}

// --- shared SQL builders ---

func columnNames(d entity.Descriptor) []string {
	cols := append([]string(nil), entity.SystemFields...)
	for _, f := range d.Fields {
		cols = append(cols, f.Name)
	}
	return cols
}

func (t *Tx) upsert(ctx context.Context, table string, cols []string, batches [][]interface{}) error {
	updateCols := make([]string, 0, len(cols)-1)
	for _, col := range cols {
		if col != "id" {
			updateCols = append(updateCols, col)
		}
	}
	stmt := fmt.Sprintf("INSERT INTO [%s] (%s) VALUES (%s)%s",
		table, QuoteAll(cols), Placeholders(len(cols)),
		t.c.Dialect().UpsertSuffix("id", updateCols))
	return t.c.ExecMany(ctx, stmt, batches)
}

type historyEntry struct {
	cols []string
	vals []interface{}
	id   string
}

// appendHistory writes one history row per entry at max(version)+1. The
// version lookup is a single grouped query for the whole batch.
func (t *Tx) appendHistory(ctx context.Context, d entity.Descriptor, entries []historyEntry, now time.Time, actor, comment string) error {
	htable := entity.HistoryTable(d.Table)
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.id
	}

	versions := make(map[string]int64)
	for _, chunk := range chunkStrings(ids, inChunkSize) {
		params := make([]interface{}, len(chunk))
		for i, id := range chunk {
			params[i] = id
		}
		rows, err := t.c.Query(ctx,
			fmt.Sprintf("SELECT [id], COALESCE(MAX([version]), 0) AS v FROM [%s] WHERE [id] IN (%s) GROUP BY [id]",
				htable, Placeholders(len(chunk))), params...)
		if err != nil {
			return err
		}
		for _, row := range rows {
			id, _ := row["id"].(string)
			versions[id] = toInt64(row["v"])
		}
	}

	cols := entries[0].cols
	allCols := append(append([]string(nil), cols...), entity.HistoryFields...)
	stmt := fmt.Sprintf("INSERT INTO [%s] (%s) VALUES (%s)", htable, QuoteAll(allCols), Placeholders(len(allCols)))

	var userID interface{} = actor
	if actor == "" {
		userID = nil
	}
	var historyComment interface{} = comment
	if comment == "" {
		historyComment = nil
	}
	batches := make([][]interface{}, 0, len(entries))
	for _, e := range entries {
		versions[e.id]++
		vals := append(append([]interface{}(nil), e.vals...),
			versions[e.id], EncodeTime(now), userID, historyComment)
		batches = append(batches, vals)
	}
	return t.c.ExecMany(ctx, stmt, batches)
}

func getEntity(ctx context.Context, c *Conn, reg *entity.Registry, table, id string) (entity.Record, error) {
	d, ok := reg.Get(table)
	if !ok {
		return nil, fmt.Errorf("storage: table %s not registered", table)
	}
	cols := columnNames(d)
	rows, err := c.Query(ctx,
		fmt.Sprintf("SELECT %s FROM [%s] WHERE [id] = ?", QuoteAll(cols), table), id)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, ErrNotFound
	}
	return decodeRow(d, rows[0])
}

func getEntities(ctx context.Context, c *Conn, reg *entity.Registry, table string, ids []string) ([]entity.Record, error) {
	d, ok := reg.Get(table)
	if !ok {
		return nil, fmt.Errorf("storage: table %s not registered", table)
	}
	cols := columnNames(d)
	var out []entity.Record
	for _, chunk := range chunkStrings(ids, inChunkSize) {
		params := make([]interface{}, len(chunk))
		for i, id := range chunk {
			params[i] = id
		}
		rows, err := c.Query(ctx,
			fmt.Sprintf("SELECT %s FROM [%s] WHERE [id] IN (%s)", QuoteAll(cols), table, Placeholders(len(chunk))),
			params...)
		if err != nil {
			return nil, err
		}
		for _, row := range rows {
			rec, err := decodeRow(d, row)
			if err != nil {
				return nil, err
			}
			out = append(out, rec)
		}
	}
	return out, nil
}

func findEntities(ctx context.Context, c *Conn, reg *entity.Registry, table, where string, params []interface{}, orderBy string, limit, offset int) ([]entity.Record, error) {
	d, ok := reg.Get(table)
	if !ok {
		return nil, fmt.Errorf("storage: table %s not registered", table)
	}
	cols := columnNames(d)
	stmt := fmt.Sprintf("SELECT %s FROM [%s]", QuoteAll(cols), table)
	if where != "" {
		stmt += " WHERE " + where
	}
	if orderBy != "" {
		stmt += " ORDER BY " + orderBy
	}
	if limit > 0 {
		stmt += fmt.Sprintf(" LIMIT %d", limit)
	}
	if offset > 0 {
		stmt += fmt.Sprintf(" OFFSET %d", offset)
	}
	rows, err := c.Query(ctx, stmt, params...)
	if err != nil {
		return nil, err
	}
	out := make([]entity.Record, 0, len(rows))
	for _, row := range rows {
		rec, err := decodeRow(d, row)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func count(ctx context.Context, c *Conn, reg *entity.Registry, table, where string, params []interface{}) (int64, error) {
	if _, ok := reg.Get(table); !ok {
		return 0, fmt.Errorf("storage: table %s not registered", table)
	}
	stmt := fmt.Sprintf("SELECT COUNT(*) AS n FROM [%s]", table)
	if where != "" {
		stmt += " WHERE " + where
	}
	rows, err := c.Query(ctx, stmt, params...)
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}
	return toInt64(rows[0]["n"]), nil
}

func getHistory(ctx context.Context, c *Conn, reg *entity.Registry, table, id string) ([]entity.Record, error) {
	d, ok := reg.Get(table)
	if !ok {
		return nil, fmt.Errorf("storage: table %s not registered", table)
	}
	if !d.KeepHistory {
		return nil, fmt.Errorf("storage: table %s does not keep history", table)
	}
	cols := append(columnNames(d), entity.HistoryFields...)
	rows, err := c.Query(ctx,
		fmt.Sprintf("SELECT %s FROM [%s] WHERE [id] = ? ORDER BY [version]",
			QuoteAll(cols), entity.HistoryTable(table)), id)
	if err != nil {
		return nil, err
	}
	out := make([]entity.Record, 0, len(rows))
	for _, row := range rows {
		rec, err := decodeHistoryRow(d, row)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func getTableHistory(ctx context.Context, c *Conn, reg *entity.Registry, table string) ([]entity.Record, error) {
	d, ok := reg.Get(table)
	if !ok {
		return nil, fmt.Errorf("storage: table %s not registered", table)
	}
	if !d.KeepHistory {
		return nil, fmt.Errorf("storage: table %s does not keep history", table)
	}
	cols := append(columnNames(d), entity.HistoryFields...)
	rows, err := c.Query(ctx,
		fmt.Sprintf("SELECT %s FROM [%s] ORDER BY [id], [version]",
			QuoteAll(cols), entity.HistoryTable(table)))
	if err != nil {
		return nil, err
	}
	out := make([]entity.Record, 0, len(rows))
	for _, row := range rows {
		rec, err := decodeHistoryRow(d, row)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func getVersion(ctx context.Context, c *Conn, reg *entity.Registry, table, id string, version int64) (entity.Record, error) {
	d, ok := reg.Get(table)
	if !ok {
		return nil, fmt.Errorf("storage: table %s not registered", table)
	}
	if !d.KeepHistory {
		return nil, fmt.Errorf("storage: table %s does not keep history", table)
	}
	cols := append(columnNames(d), entity.HistoryFields...)
	rows, err := c.Query(ctx,
		fmt.Sprintf("SELECT %s FROM [%s] WHERE [id] = ? AND [version] = ?",
			QuoteAll(cols), entity.HistoryTable(table)), id, version)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, ErrNotFound
	}
	return decodeHistoryRow(d, rows[0])
}

func encodeRecord(d entity.Descriptor, rec entity.Record) ([]string, []interface{}, error) {
	cols := columnNames(d)
	vals := make([]interface{}, 0, len(cols))
	for _, sys := range entity.SystemFields {
		v, err := encodeSystem(sys, rec[sys])
		if err != nil {
			return nil, nil, err
		}
		vals = append(vals, v)
	}
	for _, f := range d.Fields {
		raw, present := rec[f.Name]
		if !present && f.Default != "" {
			vals = append(vals, f.Default)
			continue
		}
		v, err := EncodeValue(f, raw)
		if err != nil {
			return nil, nil, err
		}
		vals = append(vals, v)
	}
	return cols, vals, nil
}

func decodeRow(d entity.Descriptor, row Row) (entity.Record, error) {
	rec := make(entity.Record, len(row))
	for _, sys := range entity.SystemFields {
		v, err := decodeSystem(sys, row[sys])
		if err != nil {
			return nil, err
		}
		rec[sys] = v
	}
	for _, f := range d.Fields {
		v, err := DecodeValue(f, row[f.Name])
		if err != nil {
			return nil, err
		}
		rec[f.Name] = v
	}
	return rec, nil
}

func decodeHistoryRow(d entity.Descriptor, row Row) (entity.Record, error) {
	rec, err := decodeRow(d, row)
	if err != nil {
		return nil, err
	}
	rec["version"] = toInt64(row["version"])
	if ts, ok := row["history_timestamp"].(string); ok {
		t, err := DecodeTime(ts)
		if err != nil {
			return nil, err
		}
		rec["history_timestamp"] = t
	}
	rec["history_user_id"] = row["history_user_id"]
	rec["history_comment"] = row["history_comment"]
	return rec, nil
}

func chunkStrings(in []string, size int) [][]string {
	if len(in) == 0 {
		return nil
	}
	var out [][]string
	for start := 0; start < len(in); start += size {
		end := start + size
		if end > len(in) {
			end = len(in)
		}
		out = append(out, in[start:end])
	}
	return out
}

func toInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	case string:
		var out int64
		_, _ = fmt.Sscanf(n, "%d", &out)
		return out
	default:
		return 0
	}
}
