package kernel_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/halyard-io/halyard/internal/backup"
	"github.com/halyard-io/halyard/internal/config"
	"github.com/halyard-io/halyard/internal/kernel"
)

func testSettings(t *testing.T, redisAddr string) config.Settings {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Defaults()
	cfg.Auth.Secret = "test-secret-please-rotate"
	cfg.Database.Path = filepath.Join(dir, "halyard.db")
	cfg.Database.DataDir = dir
	cfg.Backup.Dir = filepath.Join(dir, "backups")
	cfg.Redis.Addr = redisAddr
	cfg.Redis.KeyPrefix = "test"
	cfg.Worker.Count = 1
	return cfg
}

func TestInitWiresEverything(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	cfg := testSettings(t, mr.Addr())

	k, err := kernel.Init(ctx, cfg)
	require.NoError(t, err)
	defer k.Close()

	// Migration ran: the built-in tables answer queries.
	_, err = k.Store.FindEntities(ctx, "users", "", nil, "", 1, 0)
	require.NoError(t, err)

	// All registered health checks pass.
	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	w := httptest.NewRecorder()
	k.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), "database")
	assert.Contains(t, w.Body.String(), "redis")
	assert.Contains(t, w.Body.String(), "queue")
}

func TestRedisDownIsARedisStageError(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	cfg := testSettings(t, addr)
	_, err := kernel.Init(context.Background(), cfg)
	require.Error(t, err)
	assert.Equal(t, kernel.StageRedis, kernel.StageOf(err))
}

func TestBackendSwapImportsLatestBackup(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	cfg := testSettings(t, mr.Addr())

	k, err := kernel.Init(ctx, cfg)
	require.NoError(t, err)

	_, _, err = k.Auth.Register(ctx, "ada@example.com", "correct-horse", "Ada")
	require.NoError(t, err)
	_, err = k.Backups.Backup(ctx, backup.Options{CSV: true})
	require.NoError(t, err)
	k.Close()

	// Simulate a backend swap: fresh database file, stale marker.
	require.NoError(t, os.Remove(cfg.Database.Path))
	require.NoError(t, os.WriteFile(
		filepath.Join(cfg.Database.DataDir, ".db_backend"), []byte("postgres\n"), 0o600))

	k2, err := kernel.Init(ctx, cfg)
	require.NoError(t, err)
	defer k2.Close()

	// The account came back from the CSV backup.
	_, _, err = k2.Auth.Login(ctx, "ada@example.com", "correct-horse")
	require.NoError(t, err)
}
