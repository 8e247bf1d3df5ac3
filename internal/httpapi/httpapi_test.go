package httpapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/halyard-io/halyard/internal/auth"
	"github.com/halyard-io/halyard/internal/backup"
	"github.com/halyard-io/halyard/internal/config"
	"github.com/halyard-io/halyard/internal/entity"
	"github.com/halyard-io/halyard/internal/httpapi"
	"github.com/halyard-io/halyard/internal/idempotency"
	"github.com/halyard-io/halyard/internal/lease"
	"github.com/halyard-io/halyard/internal/migrate"
	"github.com/halyard-io/halyard/internal/queue"
	"github.com/halyard-io/halyard/internal/ratelimit"
	"github.com/halyard-io/halyard/internal/storage"
	"github.com/halyard-io/halyard/internal/storage/sqlite"
	"github.com/halyard-io/halyard/internal/workspace"
)

type env struct {
	handler http.Handler
	store   *storage.Store
	queue   *queue.Queue
	leases  *lease.Manager
}

func newEnv(t *testing.T, mutate func(*config.Settings)) *env {
	t.Helper()
	ctx := context.Background()

	cfg := config.Defaults()
	cfg.Auth.Secret = "test-secret-please-rotate"
	cfg.Redis.KeyPrefix = "test"
	if mutate != nil {
		mutate(&cfg)
	}

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	db, err := sqlite.Open(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	dbCfg := cfg.Database
	dbCfg.PoolMin = 1
	dbCfg.PoolMax = 1
	pool, err := storage.NewPool(ctx, db, sqlite.Dialect{}, dbCfg)
	require.NoError(t, err)

	reg := entity.NewRegistry()
	reg.MustRegister(auth.UserDescriptor())
	for _, desc := range workspace.Descriptors() {
		reg.MustRegister(desc)
	}
	eng := migrate.New(pool, reg, cfg.Migration, t.TempDir())
	require.NoError(t, eng.Run(ctx))

	store := storage.NewStore(pool, reg)
	backups := backup.NewManager(pool, reg, eng, dbCfg, t.TempDir())

	q := queue.New(rdb, queue.NewRegistry(), cfg.Queue, cfg.Redis.KeyPrefix)
	leases := lease.New(rdb, cfg.Lease, cfg.Redis.KeyPrefix)
	srv := httpapi.NewServer(httpapi.Deps{
		Settings:   cfg,
		Auth:       auth.NewService(store, cfg.Auth),
		Workspaces: workspace.NewService(store),
		Queue:      q,
		Leases:     leases,
		Limiter:    ratelimit.New(rdb, cfg.RateLimit, cfg.Redis.KeyPrefix),
		Idem:       idempotency.New(rdb, cfg.Idempotency, cfg.Redis.KeyPrefix),
		Migrations: eng,
		Backups:    backups,
	})
	return &env{handler: srv.Router(), store: store, queue: q, leases: leases}
}

func (e *env) do(t *testing.T, method, path, token string, body interface{}, extra map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.RemoteAddr = "192.0.2.1:50000"
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range extra {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)
	return w
}

func (e *env) register(t *testing.T, email string) (userID, token string) {
	t.Helper()
	w := e.do(t, http.MethodPost, "/auth/register", "", map[string]string{
		"email": email, "password": "correct-horse", "name": "Test",
	}, nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var resp struct {
		AccessToken string `json:"access_token"`
		User        struct {
			ID string `json:"id"`
		} `json:"user"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp.User.ID, resp.AccessToken
}

func (e *env) promoteAdmin(t *testing.T, userID string) {
	t.Helper()
	ctx := context.Background()
	rec, err := e.store.GetEntity(ctx, auth.UsersTable, userID)
	require.NoError(t, err)
	rec["role"] = string(auth.RoleAdmin)
	_, err = e.store.SaveEntity(ctx, auth.UsersTable, rec, "test")
	require.NoError(t, err)
}

func TestHealthEndpoints(t *testing.T) {
	e := newEnv(t, nil)

	w := e.do(t, http.MethodGet, "/healthz", "", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"ok"`)

	// No checks registered: readyz is healthy by default.
	w = e.do(t, http.MethodGet, "/readyz", "", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestFailingCheckMakesReadyzUnhealthy(t *testing.T) {
	health := httpapi.NewHealth()
	health.Register("db", func(ctx context.Context) (bool, string) { return true, "" })
	health.Register("redis", func(ctx context.Context) (bool, string) { return false, "connection refused" })

	cfg := config.Defaults()
	cfg.Auth.Secret = "s"
	srv := httpapi.NewServer(httpapi.Deps{Settings: cfg, Health: health})
	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "unhealthy")
	assert.Contains(t, w.Body.String(), "connection refused")
}

func TestErrorEnvelopeAndRequestID(t *testing.T) {
	e := newEnv(t, nil)

	w := e.do(t, http.MethodGet, "/workspaces", "", nil, map[string]string{
		"X-Request-ID": "req-12345",
	})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "req-12345", w.Header().Get("X-Request-ID"))

	var body struct {
		Error     string `json:"error"`
		Message   string `json:"message"`
		RequestID string `json:"request_id"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "unauthenticated", body.Error)
	assert.Equal(t, "req-12345", body.RequestID)
	assert.NotEmpty(t, body.Message)
}

func TestAuthAndWorkspaceFlow(t *testing.T) {
	e := newEnv(t, nil)
	_, owner := e.register(t, "owner@example.com")
	_, stranger := e.register(t, "stranger@example.com")

	w := e.do(t, http.MethodPost, "/workspaces", owner, map[string]interface{}{
		"name": "Acme", "slug": "acme",
	}, nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var ws struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &ws))

	// The owner sees it; a non-member gets 404, not 403.
	w = e.do(t, http.MethodGet, "/workspaces/"+ws.ID, owner, nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	w = e.do(t, http.MethodGet, "/workspaces/"+ws.ID, stranger, nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	// Invite the stranger; accepting the token grants membership.
	w = e.do(t, http.MethodPost, "/workspaces/"+ws.ID+"/invites", owner, map[string]string{
		"email": "stranger@example.com", "role": "member",
	}, nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var inv struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &inv))

	w = e.do(t, http.MethodPost, "/invites/accept/"+inv.Token, stranger, nil, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	w = e.do(t, http.MethodGet, "/workspaces/"+ws.ID, stranger, nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRateLimitSlidingWindow(t *testing.T) {
	e := newEnv(t, func(cfg *config.Settings) {
		cfg.RateLimit.Anonymous = config.RateTier{Limit: 3, Window: config.Defaults().RateLimit.Anonymous.Window}
	})

	for i := 1; i <= 3; i++ {
		w := e.do(t, http.MethodPost, "/auth/login", "", map[string]string{
			"email": "x@example.com", "password": "nope-nope",
		}, nil)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Equal(t, "3", w.Header().Get("X-RateLimit-Limit"))
		assert.Equal(t, fmt.Sprint(3-i), w.Header().Get("X-RateLimit-Remaining"))
	}

	w := e.do(t, http.MethodPost, "/auth/login", "", map[string]string{
		"email": "x@example.com", "password": "nope-nope",
	}, nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, w.Header().Get("X-RateLimit-Reset"))
	assert.Contains(t, w.Body.String(), "rate_limited")
}

func TestAuthenticatedTierIsSeparate(t *testing.T) {
	e := newEnv(t, func(cfg *config.Settings) {
		cfg.RateLimit.Anonymous = config.RateTier{Limit: 1, Window: config.Defaults().RateLimit.Anonymous.Window}
	})
	_, token := e.register(t, "u@example.com")

	// The anonymous window is spent by registration, but the authenticated
	// tier still admits the user.
	w := e.do(t, http.MethodGet, "/auth/me", token, nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestIdempotencyReplay(t *testing.T) {
	e := newEnv(t, nil)
	_, token := e.register(t, "u@example.com")

	body := map[string]interface{}{"name": "Acme", "slug": "acme"}
	hdr := map[string]string{"Idempotency-Key": "create-acme-1"}

	first := e.do(t, http.MethodPost, "/workspaces", token, body, hdr)
	require.Equal(t, http.StatusCreated, first.Code, first.Body.String())
	assert.Empty(t, first.Header().Get("X-Idempotency-Replayed"))

	// Same key: the stored response comes back instead of a slug conflict.
	second := e.do(t, http.MethodPost, "/workspaces", token, body, hdr)
	assert.Equal(t, http.StatusCreated, second.Code)
	assert.Equal(t, "true", second.Header().Get("X-Idempotency-Replayed"))
	assert.JSONEq(t, first.Body.String(), second.Body.String())

	// A fresh key goes through and hits the real conflict.
	third := e.do(t, http.MethodPost, "/workspaces", token, body, map[string]string{
		"Idempotency-Key": "create-acme-2",
	})
	assert.Equal(t, http.StatusConflict, third.Code)

	list := e.do(t, http.MethodGet, "/workspaces", token, nil, nil)
	var resp struct {
		Workspaces []json.RawMessage `json:"workspaces"`
	}
	require.NoError(t, json.Unmarshal(list.Body.Bytes(), &resp))
	assert.Len(t, resp.Workspaces, 1)
}

func TestAdminRoutesRequireAdminRole(t *testing.T) {
	e := newEnv(t, nil)
	userID, token := e.register(t, "u@example.com")

	w := e.do(t, http.MethodGet, "/admin/db/migrations", token, nil, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	e.promoteAdmin(t, userID)
	w = e.do(t, http.MethodGet, "/admin/db/migrations", token, nil, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), "schema_hash")
}

func TestAdminBackupRoundTrip(t *testing.T) {
	e := newEnv(t, nil)
	userID, token := e.register(t, "admin@example.com")
	e.promoteAdmin(t, userID)

	w := e.do(t, http.MethodPost, "/admin/db/backup", token, map[string]bool{"csv": true}, nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var res struct {
		Name string `json:"name"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))

	w = e.do(t, http.MethodGet, "/admin/db/backups", token, nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), res.Name)

	w = e.do(t, http.MethodGet, "/admin/db/backups/"+res.Name+"/download", token, nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/gzip", w.Header().Get("Content-Type"))
	assert.NotZero(t, w.Body.Len())
}

func TestProgressStreamFreesLeaseOnDisconnect(t *testing.T) {
	e := newEnv(t, func(cfg *config.Settings) {
		cfg.Lease.PerPrincipal = 1
	})
	userID, token := e.register(t, "u@example.com")

	require.NoError(t, e.queue.Registry().Register(queue.TaskDef{
		Name:    "noop",
		Handler: func(ctx context.Context, task *queue.Task) (interface{}, error) { return nil, nil },
	}))
	job, err := e.queue.Enqueue(context.Background(), "noop", nil, queue.EnqueueOptions{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/jobs/"+job.ID+"/progress", nil).WithContext(ctx)
	req.RemoteAddr = "192.0.2.1:50000"
	req.Header.Set("Authorization", "Bearer "+token)

	done := make(chan struct{})
	go func() {
		defer close(done)
		e.handler.ServeHTTP(httptest.NewRecorder(), req)
	}()

	// Wait for the stream to hold its lease, then drop the client.
	require.Eventually(t, func() bool {
		n, err := e.leases.Count(context.Background(), userID)
		return err == nil && n == 1
	}, 2*time.Second, 10*time.Millisecond)
	cancel()
	<-done

	// The slot must be free again even though the request context died.
	leaseID, err := e.leases.Acquire(context.Background(), userID)
	require.NoError(t, err, "lease slot still held after the stream ended")
	require.NoError(t, e.leases.Release(context.Background(), userID, leaseID))
}

func TestCancelMissingJobIs404(t *testing.T) {
	e := newEnv(t, nil)
	_, token := e.register(t, "u@example.com")

	w := e.do(t, http.MethodPost, "/jobs/nope/cancel", token, nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
