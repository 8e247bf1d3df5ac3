// Command halyard runs the application kernel: an HTTP server plus admin
// subcommands for migration, backup and restore.
//
// Exit codes: 0 success, 1 configuration or validation error,
// 2 infrastructure (DB/KV) unavailable, 3 migration failure.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/halyard-io/halyard/internal/auth"
	"github.com/halyard-io/halyard/internal/backup"
	"github.com/halyard-io/halyard/internal/config"
	"github.com/halyard-io/halyard/internal/entity"
	"github.com/halyard-io/halyard/internal/kernel"
	"github.com/halyard-io/halyard/internal/logging"
	"github.com/halyard-io/halyard/internal/migrate"
	"github.com/halyard-io/halyard/internal/storage"
	"github.com/halyard-io/halyard/internal/storage/factory"
	"github.com/halyard-io/halyard/internal/telemetry"
	"github.com/halyard-io/halyard/internal/workspace"
)

var version = "dev"

const (
	exitOK        = 0
	exitConfig    = 1
	exitInfra     = 2
	exitMigration = 3
)

// exitError carries a process exit code through cobra's error path.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func exitWith(code int, err error) error {
	return &exitError{code: code, err: err}
}

// classifyInit maps a kernel init failure onto an exit code.
func classifyInit(err error) error {
	if kernel.StageOf(err) == kernel.StageMigration {
		return exitWith(exitMigration, err)
	}
	return exitWith(exitInfra, err)
}

var (
	configPath string
	settings   config.Settings
)

var rootCmd = &cobra.Command{
	Use:           "halyard",
	Short:         "Multi-tenant application kernel",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if configPath == "" {
			configPath = os.Getenv("HALYARD_CONFIG")
		}
		s, err := config.Load(configPath)
		if err != nil {
			return exitWith(exitConfig, err)
		}
		settings = s
		logging.Init(settings.Log)
		if err := telemetry.Init(cmd.Context(), "halyard", version); err != nil {
			logging.Logger.Warn().Err(err).Msg("telemetry init failed")
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		telemetry.Shutdown(ctx)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to halyard.yaml")
}

func run() int {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		var ee *exitError
		if errors.As(err, &ee) {
			return ee.code
		}
		return exitInfra
	}
	return exitOK
}

// registry returns the kernel's built-in entity descriptors. The one-shot
// admin commands migrate the same schema the server does.
func registry() *entity.Registry {
	reg := entity.NewRegistry()
	reg.MustRegister(auth.UserDescriptor())
	for _, desc := range workspace.Descriptors() {
		reg.MustRegister(desc)
	}
	return reg
}

// adminEnv is the storage-only wiring the one-shot commands use. No redis.
type adminEnv struct {
	pool    *storage.Pool
	eng     *migrate.Engine
	backups *backup.Manager
}

func openAdminEnv(ctx context.Context) (*adminEnv, error) {
	pool, err := factory.Open(ctx, settings.Database)
	if err != nil {
		return nil, exitWith(exitInfra, err)
	}
	reg := registry()
	eng := migrate.New(pool, reg, settings.Migration, settings.Database.DataDir)
	return &adminEnv{
		pool:    pool,
		eng:     eng,
		backups: backup.NewManager(pool, reg, eng, settings.Database, settings.Backup.Dir),
	}, nil
}

func (e *adminEnv) close() { _ = e.pool.Close() }
