// Package config loads kernel settings from a yaml file, environment
// variables, and defaults, in that order of increasing precedence for env
// vars and decreasing for defaults. Settings are read once at startup;
// there is no hot reload.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Backend identifies a storage backend kind.
type Backend string

const (
	BackendSQLite   Backend = "sqlite"
	BackendMySQL    Backend = "mysql"
	BackendPostgres Backend = "postgres"
)

// Settings is the full kernel configuration tree.
type Settings struct {
	Server    ServerSettings    `mapstructure:"server"`
	Database  DatabaseSettings  `mapstructure:"database"`
	Redis     RedisSettings     `mapstructure:"redis"`
	Auth      AuthSettings      `mapstructure:"auth"`
	RateLimit RateLimitSettings `mapstructure:"rate_limit"`
	Idempotency IdempotencySettings `mapstructure:"idempotency"`
	Lease     LeaseSettings     `mapstructure:"lease"`
	Queue     QueueSettings     `mapstructure:"queue"`
	Worker    WorkerSettings    `mapstructure:"worker"`
	Migration MigrationSettings `mapstructure:"migration"`
	Backup    BackupSettings    `mapstructure:"backup"`
	Log       LogSettings       `mapstructure:"log"`
}

type ServerSettings struct {
	Addr            string        `mapstructure:"addr"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	Debug           bool          `mapstructure:"debug"`
}

type DatabaseSettings struct {
	Backend Backend `mapstructure:"backend"`
	// Path is the embedded database file (sqlite backend).
	Path string `mapstructure:"path"`
	// DSN is the network connection string (mysql/postgres backends).
	DSN string `mapstructure:"dsn"`
	// DataDir holds the backend marker, migration audit and backups.
	DataDir        string        `mapstructure:"data_dir"`
	PoolMin        int           `mapstructure:"pool_min"`
	PoolMax        int           `mapstructure:"pool_max"`
	AcquireTimeout time.Duration `mapstructure:"acquire_timeout"`
}

type RedisSettings struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

type AuthSettings struct {
	// Secret signs access and refresh tokens. Required in server mode.
	Secret            string        `mapstructure:"secret"`
	AccessTokenTTL    time.Duration `mapstructure:"access_token_ttl"`
	RefreshTokenTTL   time.Duration `mapstructure:"refresh_token_ttl"`
	AllowRegistration bool          `mapstructure:"allow_registration"`
}

// RateTier is one sliding-window limit.
type RateTier struct {
	Limit  int           `mapstructure:"limit"`
	Window time.Duration `mapstructure:"window"`
}

type RateLimitSettings struct {
	Enabled       bool     `mapstructure:"enabled"`
	Anonymous     RateTier `mapstructure:"anonymous"`
	Authenticated RateTier `mapstructure:"authenticated"`
	Admin         RateTier `mapstructure:"admin"`
}

type IdempotencySettings struct {
	Enabled       bool          `mapstructure:"enabled"`
	TTL           time.Duration `mapstructure:"ttl"`
	ExcludedPaths []string      `mapstructure:"excluded_paths"`
}

type LeaseSettings struct {
	PerPrincipal int           `mapstructure:"per_principal"`
	TTL          time.Duration `mapstructure:"ttl"`
}

type QueueSettings struct {
	DefaultQueue       string        `mapstructure:"default_queue"`
	DefaultMaxAttempts int           `mapstructure:"default_max_attempts"`
	DefaultTimeout     time.Duration `mapstructure:"default_timeout"`
	LeaseGrace         time.Duration `mapstructure:"lease_grace"`
}

type WorkerSettings struct {
	Count        int           `mapstructure:"count"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	DrainTimeout time.Duration `mapstructure:"drain_timeout"`
}

type MigrationSettings struct {
	// Destructive DDL is opt-in per operation class.
	AllowColumnDeletion bool `mapstructure:"allow_column_deletion"`
	AllowTableDeletion  bool `mapstructure:"allow_table_deletion"`
}

type BackupSettings struct {
	// Dir defaults to <data_dir>/backups.
	Dir string `mapstructure:"dir"`
}

type LogSettings struct {
	Level string `mapstructure:"level"`
	JSON  bool   `mapstructure:"json"`
}

// Defaults returns a Settings tree with every field at its documented
// default. Load starts from here.
func Defaults() Settings {
	return Settings{
		Server: ServerSettings{
			Addr:            ":8080",
			ShutdownTimeout: 30 * time.Second,
		},
		Database: DatabaseSettings{
			Backend:        BackendSQLite,
			Path:           ".data/halyard.db",
			DataDir:        ".data",
			PoolMin:        2,
			PoolMax:        10,
			AcquireTimeout: 10 * time.Second,
		},
		Redis: RedisSettings{
			Addr:      "localhost:6379",
			KeyPrefix: "halyard",
		},
		Auth: AuthSettings{
			AccessTokenTTL:    15 * time.Minute,
			RefreshTokenTTL:   30 * 24 * time.Hour,
			AllowRegistration: true,
		},
		RateLimit: RateLimitSettings{
			Enabled:       true,
			Anonymous:     RateTier{Limit: 60, Window: time.Minute},
			Authenticated: RateTier{Limit: 600, Window: time.Minute},
			Admin:         RateTier{Limit: 6000, Window: time.Minute},
		},
		Idempotency: IdempotencySettings{
			Enabled: true,
			TTL:     24 * time.Hour,
		},
		Lease: LeaseSettings{
			PerPrincipal: 4,
			TTL:          5 * time.Minute,
		},
		Queue: QueueSettings{
			DefaultQueue:       "default",
			DefaultMaxAttempts: 3,
			DefaultTimeout:     5 * time.Minute,
			LeaseGrace:         30 * time.Second,
		},
		Worker: WorkerSettings{
			Count:        4,
			PollInterval: 250 * time.Millisecond,
			DrainTimeout: 30 * time.Second,
		},
		Backup: BackupSettings{},
		Log: LogSettings{
			Level: "info",
			JSON:  true,
		},
	}
}

// Load reads settings from the given yaml file (optional; empty path skips
// the file) plus HALYARD_* environment variables.
func Load(path string) (Settings, error) {
	v := viper.New()
	v.SetEnvPrefix("HALYARD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Settings{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	s := Defaults()
	if err := v.Unmarshal(&s); err != nil {
		return Settings{}, fmt.Errorf("parse config: %w", err)
	}
	if s.Backup.Dir == "" {
		s.Backup.Dir = s.Database.DataDir + "/backups"
	}
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// Validate rejects settings that cannot produce a working kernel.
func (s Settings) Validate() error {
	switch s.Database.Backend {
	case BackendSQLite:
		if s.Database.Path == "" {
			return fmt.Errorf("database.path is required for the sqlite backend")
		}
	case BackendMySQL, BackendPostgres:
		if s.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for the %s backend", s.Database.Backend)
		}
	default:
		return fmt.Errorf("unknown database backend %q", s.Database.Backend)
	}
	if s.Database.PoolMax < 1 || s.Database.PoolMin < 0 || s.Database.PoolMin > s.Database.PoolMax {
		return fmt.Errorf("invalid pool bounds: min=%d max=%d", s.Database.PoolMin, s.Database.PoolMax)
	}
	if s.Worker.Count < 0 {
		return fmt.Errorf("worker.count must be >= 0")
	}
	if s.Lease.PerPrincipal < 1 {
		return fmt.Errorf("lease.per_principal must be >= 1")
	}
	for name, tier := range map[string]RateTier{
		"anonymous": s.RateLimit.Anonymous, "authenticated": s.RateLimit.Authenticated, "admin": s.RateLimit.Admin,
	} {
		if s.RateLimit.Enabled && (tier.Limit < 1 || tier.Window <= 0) {
			return fmt.Errorf("rate_limit.%s: limit and window must be positive", name)
		}
	}
	return nil
}
