package storage_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/halyard-io/halyard/internal/config"
	"github.com/halyard-io/halyard/internal/entity"
	"github.com/halyard-io/halyard/internal/storage"
	"github.com/halyard-io/halyard/internal/storage/sqlite"
)

func testRegistry(t *testing.T) *entity.Registry {
	t.Helper()
	reg := entity.NewRegistry()
	require.NoError(t, reg.Register(entity.Descriptor{
		Table: "notes",
		Fields: []entity.Field{
			{Name: "text", Type: entity.TypeString},
			{Name: "pinned", Type: entity.TypeBool, Default: "false"},
			{Name: "slug", Type: entity.TypeString, Nullable: true, Unique: true},
		},
		KeepHistory: true,
	}))
	require.NoError(t, reg.Register(entity.Descriptor{
		Table: "tags",
		Fields: []entity.Field{
			{Name: "name", Type: entity.TypeString},
		},
	}))
	return reg
}

func newTestStore(t *testing.T) *storage.Store {
	t.Helper()
	ctx := context.Background()
	db, err := sqlite.Open(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	ddl := []string{
		`CREATE TABLE notes (
			id TEXT PRIMARY KEY, created_at TEXT, updated_at TEXT, deleted_at TEXT,
			created_by TEXT, updated_by TEXT,
			text TEXT, pinned TEXT, slug TEXT UNIQUE)`,
		`CREATE TABLE notes_history (
			id TEXT, created_at TEXT, updated_at TEXT, deleted_at TEXT,
			created_by TEXT, updated_by TEXT,
			text TEXT, pinned TEXT, slug TEXT,
			version INTEGER, history_timestamp TEXT, history_user_id TEXT, history_comment TEXT,
			UNIQUE (id, version))`,
		`CREATE TABLE tags (
			id TEXT PRIMARY KEY, created_at TEXT, updated_at TEXT, deleted_at TEXT,
			created_by TEXT, updated_by TEXT,
			name TEXT)`,
	}
	for _, stmt := range ddl {
		_, err := db.Exec(stmt)
		require.NoError(t, err)
	}

	cfg := config.Defaults().Database
	cfg.PoolMin = 1
	cfg.PoolMax = 1
	cfg.AcquireTimeout = 2 * time.Second
	pool, err := storage.NewPool(ctx, db, sqlite.Dialect{}, cfg)
	require.NoError(t, err)

	return storage.NewStore(pool, testRegistry(t))
}

func TestSaveAndGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	saved, err := s.SaveEntity(ctx, "notes", entity.Record{"id": "n1", "text": "a", "pinned": true}, "alice")
	require.NoError(t, err)
	assert.Equal(t, "alice", saved["created_by"])

	got, err := s.GetEntity(ctx, "notes", "n1")
	require.NoError(t, err)
	assert.Equal(t, "a", got["text"])
	assert.Equal(t, true, got["pinned"])
	assert.Nil(t, got["deleted_at"])
	assert.WithinDuration(t, time.Now(), got["created_at"].(time.Time), 5*time.Second)
}

func TestGetMissingIsNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetEntity(context.Background(), "notes", "absent")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestHistoryVersionsAppend(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.SaveEntity(ctx, "notes", entity.Record{"id": "n1", "text": "a"}, "alice")
	require.NoError(t, err)
	_, err = s.SaveEntity(ctx, "notes", entity.Record{"id": "n1", "text": "b"}, "bob")
	require.NoError(t, err)

	hist, err := s.GetHistory(ctx, "notes", "n1")
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, int64(1), hist[0]["version"])
	assert.Equal(t, "a", hist[0]["text"])
	assert.Equal(t, int64(2), hist[1]["version"])
	assert.Equal(t, "b", hist[1]["text"])
	// created_by survives the update; history row mirrors the write.
	assert.Equal(t, "alice", hist[1]["created_by"])

	v1, err := s.GetVersion(ctx, "notes", "n1", 1)
	require.NoError(t, err)
	assert.Equal(t, "a", v1["text"])
}

func TestSoftDeleteAndRestore(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.SaveEntity(ctx, "notes", entity.Record{"id": "n1", "text": "a"}, "alice")
	require.NoError(t, err)

	require.NoError(t, s.SoftDelete(ctx, "notes", "n1", "bob"))
	got, err := s.GetEntity(ctx, "notes", "n1")
	require.NoError(t, err)
	assert.True(t, got.Deleted())

	// Deleting again is a no-op, not an error.
	require.NoError(t, s.SoftDelete(ctx, "notes", "n1", "bob"))

	require.NoError(t, s.Restore(ctx, "notes", "n1", "bob"))
	got, err = s.GetEntity(ctx, "notes", "n1")
	require.NoError(t, err)
	assert.False(t, got.Deleted())
}

func TestSaveEntitiesBatchAndChunkedGet(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	const n = 2500 // forces multiple IN-clause chunks
	recs := make([]entity.Record, 0, n)
	ids := make([]string, 0, n+10)
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("n%04d", i)
		recs = append(recs, entity.Record{"id": id, "text": fmt.Sprintf("note %d", i)})
		ids = append(ids, id)
	}
	require.NoError(t, s.SaveEntities(ctx, "notes", recs, "batch"))

	// Mix in ids that do not exist; they are simply absent from results.
	for i := 0; i < 10; i++ {
		ids = append(ids, fmt.Sprintf("missing%d", i))
	}
	got, err := s.GetEntities(ctx, "notes", ids)
	require.NoError(t, err)
	assert.Len(t, got, n)

	hist, err := s.GetHistory(ctx, "notes", "n0042")
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, int64(1), hist[0]["version"])
}

func TestFindEntitiesAndCount(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	for i := 0; i < 5; i++ {
		_, err := s.SaveEntity(ctx, "notes", entity.Record{
			"id": fmt.Sprintf("n%d", i), "text": "x", "pinned": i%2 == 0,
		}, "alice")
		require.NoError(t, err)
	}

	pinned, err := s.FindEntities(ctx, "notes", "[pinned] = ?", []interface{}{"true"}, "[id]", 0, 0)
	require.NoError(t, err)
	assert.Len(t, pinned, 3)
	assert.Equal(t, "n0", pinned[0].ID())

	page, err := s.FindEntities(ctx, "notes", "", nil, "[id]", 2, 1)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "n1", page[0].ID())

	total, err := s.Count(ctx, "notes", "", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(5), total)
}

func TestNestedTransactionReuse(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	// The pool has a single connection; if the nested save tried to
	// acquire its own, this would time out instead of reusing the
	// enclosing transaction.
	err := s.RunInTransaction(ctx, func(ctx context.Context, tx *storage.Tx) error {
		if _, err := tx.SaveEntity(ctx, "notes", entity.Record{"id": "n1", "text": "a"}, "alice"); err != nil {
			return err
		}
		_, err := s.SaveEntity(ctx, "notes", entity.Record{"id": "n2", "text": "b"}, "alice")
		return err
	})
	require.NoError(t, err)

	total, err := s.Count(ctx, "notes", "", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
}

func TestTransactionRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	err := s.RunInTransaction(ctx, func(ctx context.Context, tx *storage.Tx) error {
		if _, err := tx.SaveEntity(ctx, "notes", entity.Record{"id": "n1", "text": "a"}, "alice"); err != nil {
			return err
		}
		return fmt.Errorf("boom")
	})
	require.Error(t, err)

	_, err = s.GetEntity(ctx, "notes", "n1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestUniqueConflictDetected(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.SaveEntity(ctx, "notes", entity.Record{"id": "n1", "text": "a", "slug": "same"}, "alice")
	require.NoError(t, err)
	_, err = s.SaveEntity(ctx, "notes", entity.Record{"id": "n2", "text": "b", "slug": "same"}, "alice")
	require.Error(t, err)
	assert.True(t, s.IsConflict(err))
}

func TestNonHistoriedEntityHasNoHistory(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.SaveEntity(ctx, "tags", entity.Record{"id": "t1", "name": "infra"}, "alice")
	require.NoError(t, err)

	_, err = s.GetHistory(ctx, "tags", "t1")
	assert.Error(t, err)
}
