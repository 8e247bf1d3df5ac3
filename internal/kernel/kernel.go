// Package kernel wires the subsystems into one runtime: storage, migration,
// redis-backed services, auth, workspaces and the HTTP surface. Init builds
// everything in dependency order; Serve runs it until the context is
// cancelled, then shuts down in reverse order.
package kernel

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/halyard-io/halyard/internal/auth"
	"github.com/halyard-io/halyard/internal/backup"
	"github.com/halyard-io/halyard/internal/config"
	"github.com/halyard-io/halyard/internal/entity"
	"github.com/halyard-io/halyard/internal/httpapi"
	"github.com/halyard-io/halyard/internal/idempotency"
	"github.com/halyard-io/halyard/internal/lease"
	"github.com/halyard-io/halyard/internal/logging"
	"github.com/halyard-io/halyard/internal/migrate"
	"github.com/halyard-io/halyard/internal/queue"
	"github.com/halyard-io/halyard/internal/ratelimit"
	"github.com/halyard-io/halyard/internal/storage"
	"github.com/halyard-io/halyard/internal/storage/factory"
	"github.com/halyard-io/halyard/internal/telemetry"
	"github.com/halyard-io/halyard/internal/worker"
	"github.com/halyard-io/halyard/internal/workspace"
)

// Stage names the subsystem whose initialization failed. The CLI maps
// stages onto exit codes.
type Stage string

const (
	StageStorage   Stage = "storage"
	StageMigration Stage = "migration"
	StageRedis     Stage = "redis"
)

// StageError wraps an initialization failure with the stage it happened in.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string { return fmt.Sprintf("%s: %v", e.Stage, e.Err) }
func (e *StageError) Unwrap() error { return e.Err }

// StageOf returns the failed stage, or "" for unclassified errors.
func StageOf(err error) Stage {
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage
	}
	return ""
}

// Kernel is the assembled runtime.
type Kernel struct {
	Settings config.Settings

	Pool     *storage.Pool
	Store    *storage.Store
	Entities *entity.Registry

	Redis      *redis.Client
	Migrations *migrate.Engine
	Backups    *backup.Manager

	Auth       *auth.Service
	Workspaces *workspace.Service

	Tasks   *queue.Registry
	Queue   *queue.Queue
	Workers *worker.Pool
	Leases  *lease.Manager
	Limiter *ratelimit.Limiter
	Idem    *idempotency.Cache

	Health  *httpapi.Health
	Metrics *telemetry.Metrics

	server *http.Server
	log    zerolog.Logger
}

// Init builds the runtime. Extra entity descriptors are registered before
// migration so applications embedding the kernel bring their own tables.
func Init(ctx context.Context, cfg config.Settings, extra ...entity.Descriptor) (*Kernel, error) {
	log := logging.Component("kernel")

	prev, swapped, err := factory.DetectSwap(cfg.Database)
	if err != nil {
		return nil, &StageError{StageStorage, err}
	}

	pool, err := factory.Open(ctx, cfg.Database)
	if err != nil {
		return nil, &StageError{StageStorage, err}
	}

	reg := entity.NewRegistry()
	reg.MustRegister(auth.UserDescriptor())
	for _, desc := range workspace.Descriptors() {
		reg.MustRegister(desc)
	}
	for _, desc := range extra {
		if err := reg.Register(desc); err != nil {
			_ = pool.Close()
			return nil, &StageError{StageStorage, err}
		}
	}

	eng := migrate.New(pool, reg, cfg.Migration, cfg.Database.DataDir)
	if err := eng.Run(ctx); err != nil {
		_ = pool.Close()
		return nil, &StageError{StageMigration, err}
	}

	store := storage.NewStore(pool, reg)
	backups := backup.NewManager(pool, reg, eng, cfg.Database, cfg.Backup.Dir)

	if swapped {
		log.Warn().
			Str("previous", string(prev)).
			Str("current", string(cfg.Database.Backend)).
			Msg("storage backend changed since last run")
		importLatestBackup(ctx, backups, log)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = pool.Close()
		return nil, &StageError{StageRedis, err}
	}

	tasks := queue.NewRegistry()
	q := queue.New(rdb, tasks, cfg.Queue, cfg.Redis.KeyPrefix)

	k := &Kernel{
		Settings:   cfg,
		Pool:       pool,
		Store:      store,
		Entities:   reg,
		Redis:      rdb,
		Migrations: eng,
		Backups:    backups,
		Auth:       auth.NewService(store, cfg.Auth),
		Workspaces: workspace.NewService(store),
		Tasks:      tasks,
		Queue:      q,
		Workers:    worker.New(q, cfg.Worker, cfg.Queue.DefaultQueue),
		Leases:     lease.New(rdb, cfg.Lease, cfg.Redis.KeyPrefix),
		Limiter:    ratelimit.New(rdb, cfg.RateLimit, cfg.Redis.KeyPrefix),
		Idem:       idempotency.New(rdb, cfg.Idempotency, cfg.Redis.KeyPrefix),
		Health:     httpapi.NewHealth(),
		Metrics:    telemetry.NewMetrics(),
		log:        log,
	}
	k.registerHealthChecks()
	return k, nil
}

// importLatestBackup tries to repopulate a fresh backend from the newest
// CSV backup. Failure is logged and the kernel continues with an empty
// database.
func importLatestBackup(ctx context.Context, backups *backup.Manager, log zerolog.Logger) {
	points, err := backups.ListRestorePoints()
	if err != nil || len(points) == 0 {
		log.Warn().Err(err).Msg("no CSV backup to import after backend swap, continuing empty")
		return
	}
	rp := points[0]
	if rp.CSVDir == "" {
		log.Warn().Str("backup", rp.Name).Msg("latest backup has no CSV export, continuing empty")
		return
	}
	if err := backups.ImportCSV(ctx, rp.CSVDir); err != nil {
		log.Warn().Err(err).Str("backup", rp.Name).Msg("backup import failed, continuing empty")
		return
	}
	log.Info().Str("backup", rp.Name).Msg("imported backup after backend swap")
}

func (k *Kernel) registerHealthChecks() {
	k.Health.Register("database", func(ctx context.Context) (bool, string) {
		if err := k.Pool.Ping(ctx); err != nil {
			return false, err.Error()
		}
		return true, ""
	})
	k.Health.Register("redis", func(ctx context.Context) (bool, string) {
		if err := k.Redis.Ping(ctx).Err(); err != nil {
			return false, err.Error()
		}
		return true, ""
	})
	k.Health.Register("queue", func(ctx context.Context) (bool, string) {
		depth, err := k.Queue.Depth(ctx, k.Settings.Queue.DefaultQueue)
		if err != nil {
			return false, err.Error()
		}
		k.Metrics.QueueDepth.WithLabelValues(k.Settings.Queue.DefaultQueue).Set(float64(depth))
		return true, fmt.Sprintf("depth=%d", depth)
	})
}

// Handler builds the HTTP surface for this kernel.
func (k *Kernel) Handler() http.Handler {
	srv := httpapi.NewServer(httpapi.Deps{
		Settings:   k.Settings,
		Auth:       k.Auth,
		Workspaces: k.Workspaces,
		Queue:      k.Queue,
		Leases:     k.Leases,
		Limiter:    k.Limiter,
		Idem:       k.Idem,
		Migrations: k.Migrations,
		Backups:    k.Backups,
		Health:     k.Health,
		Metrics:    k.Metrics,
	})
	return srv.Router()
}

// Serve runs the worker pool and the HTTP server until ctx is cancelled or
// the listener fails, then shuts everything down: HTTP first so no new
// work arrives, workers drained next, stores closed last.
func (k *Kernel) Serve(ctx context.Context) error {
	k.Workers.Start()
	k.server = &http.Server{
		Addr:              k.Settings.Server.Addr,
		Handler:           k.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		k.log.Info().Str("addr", k.server.Addr).Msg("listening")
		if err := k.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), k.Settings.Server.ShutdownTimeout)
	defer cancel()
	if err := k.server.Shutdown(shutdownCtx); err != nil {
		k.log.Warn().Err(err).Msg("http shutdown")
	}
	k.Workers.Stop()
	k.Close()
	return serveErr
}

// Close releases connections. Safe after Serve; idempotent enough for
// CLI one-shot commands that never served.
func (k *Kernel) Close() {
	if err := k.Redis.Close(); err != nil {
		k.log.Warn().Err(err).Msg("redis close")
	}
	if err := k.Pool.Close(); err != nil {
		k.log.Warn().Err(err).Msg("pool close")
	}
}
