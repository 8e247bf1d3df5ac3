// Package httpapi is the HTTP surface of the kernel: a chi router with a
// fixed middleware pipeline (CORS, request id, security headers, logging,
// tracing, panic recovery, rate limit, idempotency, auth) in front of the
// auth, workspace, job and admin routes.
package httpapi

import (
	"context"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/halyard-io/halyard/internal/auth"
	"github.com/halyard-io/halyard/internal/backup"
	"github.com/halyard-io/halyard/internal/config"
	"github.com/halyard-io/halyard/internal/idempotency"
	"github.com/halyard-io/halyard/internal/lease"
	"github.com/halyard-io/halyard/internal/logging"
	"github.com/halyard-io/halyard/internal/migrate"
	"github.com/halyard-io/halyard/internal/queue"
	"github.com/halyard-io/halyard/internal/ratelimit"
	"github.com/halyard-io/halyard/internal/telemetry"
	"github.com/halyard-io/halyard/internal/workspace"
)

// HealthCheck reports whether one dependency is usable.
type HealthCheck func(ctx context.Context) (bool, string)

// Health is a named-check registry. Checks run concurrently on /readyz.
type Health struct {
	mu     sync.RWMutex
	checks map[string]HealthCheck
}

func NewHealth() *Health {
	return &Health{checks: map[string]HealthCheck{}}
}

func (h *Health) Register(name string, check HealthCheck) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[name] = check
}

func (h *Health) snapshot() map[string]HealthCheck {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[string]HealthCheck, len(h.checks))
	for name, check := range h.checks {
		out[name] = check
	}
	return out
}

// Deps is everything the router needs.
type Deps struct {
	Settings   config.Settings
	Auth       *auth.Service
	Workspaces *workspace.Service
	Queue      *queue.Queue
	Leases     *lease.Manager
	Limiter    *ratelimit.Limiter
	Idem       *idempotency.Cache
	Migrations *migrate.Engine
	Backups    *backup.Manager
	Health     *Health
	Metrics    *telemetry.Metrics
}

// Server carries the route handlers' dependencies.
type Server struct {
	cfg        config.Settings
	auth       *auth.Service
	workspaces *workspace.Service
	queue      *queue.Queue
	leases     *lease.Manager
	limiter    *ratelimit.Limiter
	idem       *idempotency.Cache
	migrations *migrate.Engine
	backups    *backup.Manager
	health     *Health
	tm         *telemetry.Metrics
	log        zerolog.Logger
}

func NewServer(d Deps) *Server {
	health := d.Health
	if health == nil {
		health = NewHealth()
	}
	tm := d.Metrics
	if tm == nil {
		tm = telemetry.NewMetrics()
	}
	return &Server{
		cfg:        d.Settings,
		auth:       d.Auth,
		workspaces: d.Workspaces,
		queue:      d.Queue,
		leases:     d.Leases,
		limiter:    d.Limiter,
		idem:       d.Idem,
		migrations: d.Migrations,
		backups:    d.Backups,
		health:     health,
		tm:         tm,
		log:        logging.Component("httpapi"),
	}
}

// Router assembles the middleware pipeline and all routes. The middleware
// order is fixed; each layer may short-circuit with a normalized response.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.cfg.Server.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "Idempotency-Key", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID", "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "X-Idempotency-Replayed"},
		AllowCredentials: true,
	}))
	r.Use(requestID)
	r.Use(securityHeaders)
	r.Use(logCapture)
	r.Use(tracing)
	r.Use(s.recoverPanics)
	r.Use(s.metrics)

	// Probes and metrics bypass rate limiting and auth.
	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Method(http.MethodGet, "/metrics", s.tm.Handler())

	r.Group(func(r chi.Router) {
		r.Use(s.rateLimit)
		r.Use(s.idempotencyReplay)
		r.Use(s.authenticate)

		r.Route("/auth", func(r chi.Router) {
			r.Post("/login", s.handle(s.handleLogin))
			r.Post("/register", s.handle(s.handleRegister))
			r.Post("/refresh", s.handle(s.handleRefresh))
			r.Group(func(r chi.Router) {
				r.Use(s.requireUser)
				r.Get("/me", s.handle(s.handleMe))
				r.Post("/change-password", s.handle(s.handleChangePassword))
				r.Post("/logout", s.handle(s.handleLogout))
			})
		})

		r.Group(func(r chi.Router) {
			r.Use(s.requireUser)

			r.Route("/workspaces", func(r chi.Router) {
				r.Post("/", s.handle(s.handleCreateWorkspace))
				r.Get("/", s.handle(s.handleListWorkspaces))
				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", s.handle(s.handleGetWorkspace))
					r.Patch("/", s.handle(s.handleUpdateWorkspace))
					r.Delete("/", s.handle(s.handleDeleteWorkspace))
					r.Get("/members", s.handle(s.handleListMembers))
					r.Post("/members", s.handle(s.handleAddMember))
					r.Delete("/members/{userID}", s.handle(s.handleRemoveMember))
					r.Get("/invites", s.handle(s.handleListInvites))
					r.Post("/invites", s.handle(s.handleCreateInvite))
					r.Delete("/invites/{inviteID}", s.handle(s.handleRevokeInvite))
				})
			})
			r.Post("/invites/accept/{token}", s.handle(s.handleAcceptInvite))

			r.Route("/jobs", func(r chi.Router) {
				r.With(s.requireAdmin).Get("/", s.handle(s.handleListJobs))
				r.Get("/{id}", s.handle(s.handleGetJob))
				r.Post("/{id}/cancel", s.handle(s.handleCancelJob))
				r.Get("/{id}/progress", s.handle(s.handleJobProgress))
			})

			r.Route("/admin/db", func(r chi.Router) {
				r.Use(s.requireAdmin)
				r.Get("/migrations", s.handle(s.handleListMigrations))
				r.Get("/migrations/{hash}", s.handle(s.handleGetMigration))
				r.Get("/backups", s.handle(s.handleListBackups))
				r.Get("/backups/{name}/download", s.handle(s.handleDownloadBackup))
				r.Post("/backups/upload", s.handle(s.handleUploadBackup))
				r.Get("/schema/orphans", s.handle(s.handleScanOrphans))
				r.Post("/backup", s.handle(s.handleCreateBackup))
				r.Post("/backfill", s.handle(s.handleBackfill))
				r.Post("/restore/full", s.handle(s.handleRestoreFull))
				r.Post("/restore/csv", s.handle(s.handleRestoreCSV))
				r.Post("/restore/revert", s.handle(s.handleRestoreRevert))
			})
		})
	})

	return r
}
