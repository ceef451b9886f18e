// Package config loads the daemon configuration from a YAML file and
// EXECMESH_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hupe1980/execmesh/internal/env"
)

// Store backends.
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// Archive backends.
const (
	ArchiveMemory = "memory"
	ArchiveMinIO  = "minio"
)

// Config is the daemon configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Log        LogConfig        `yaml:"log"`
	Store      StoreConfig      `yaml:"store"`
	Runner     RunnerConfig     `yaml:"runner"`
	Capacity   CapacityConfig   `yaml:"capacity"`
	Recycle    RecycleConfig    `yaml:"recycle"`
	Validation ValidationConfig `yaml:"validation"`
	Archive    ArchiveConfig    `yaml:"archive"`
}

// ServerConfig identifies the hosting server.
type ServerConfig struct {
	ID string `yaml:"id"`
	// Name and HardwareType register the server at startup when set.
	Name         string        `yaml:"name"`
	HardwareType string        `yaml:"hardware_type"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level     string `yaml:"level"`
	Format    string `yaml:"format"`
	AddSource bool   `yaml:"add_source"`
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	Backend      string        `yaml:"backend"`
	DSN          string        `yaml:"dsn"`
	PollInterval time.Duration `yaml:"poll_interval"`
	Redis        RedisConfig   `yaml:"redis"`
}

// RedisConfig configures the redis backend.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// RunnerConfig configures the local process runner.
type RunnerConfig struct {
	DefaultCommand string        `yaml:"default_command"`
	DefaultArgs    []string      `yaml:"default_args"`
	DefaultTimeout time.Duration `yaml:"default_timeout"`
	InheritEnv     bool          `yaml:"inherit_env"`
}

// CapacityConfig bounds stored output.
type CapacityConfig struct {
	MaxMessages int `yaml:"max_messages"`
}

// RecycleConfig configures stream recycling.
type RecycleConfig struct {
	Retention time.Duration `yaml:"retention"`
}

// ValidationConfig adds admission rules to the start gate.
type ValidationConfig struct {
	StartRules []RuleConfig `yaml:"start_rules"`
}

// RuleConfig is one CEL admission rule.
type RuleConfig struct {
	Expression string `yaml:"expression"`
	Reason     string `yaml:"reason"`
}

// ArchiveConfig configures transcript archiving.
type ArchiveConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Backend   string `yaml:"backend"`
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Region    string `yaml:"region"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			PollInterval: 2 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Store: StoreConfig{
			Backend:      BackendMemory,
			PollInterval: 500 * time.Millisecond,
			Redis: RedisConfig{
				Addr:   "localhost:6379",
				Prefix: "execmesh",
			},
		},
		Runner: RunnerConfig{
			InheritEnv: true,
		},
		Capacity: CapacityConfig{
			MaxMessages: 10000,
		},
		Recycle: RecycleConfig{
			Retention: 10 * time.Minute,
		},
		Archive: ArchiveConfig{
			Backend: ArchiveMemory,
		},
	}
}

// Load reads path (skipped when empty) over the defaults, applies the
// environment and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := cfg.ApplyEnv(); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// ApplyEnv overrides fields from EXECMESH_* variables.
func (c *Config) ApplyEnv() error {
	var err error

	c.Server.ID = env.String("EXECMESH_SERVER_ID", c.Server.ID)
	c.Server.Name = env.String("EXECMESH_SERVER_NAME", c.Server.Name)
	c.Server.HardwareType = env.String("EXECMESH_SERVER_HARDWARE_TYPE", c.Server.HardwareType)
	if c.Server.PollInterval, err = env.Duration("EXECMESH_SERVER_POLL_INTERVAL", c.Server.PollInterval); err != nil {
		return err
	}

	c.Log.Level = env.String("EXECMESH_LOG_LEVEL", c.Log.Level)
	c.Log.Format = env.String("EXECMESH_LOG_FORMAT", c.Log.Format)
	if c.Log.AddSource, err = env.Bool("EXECMESH_LOG_ADD_SOURCE", c.Log.AddSource); err != nil {
		return err
	}

	c.Store.Backend = env.String("EXECMESH_STORE_BACKEND", c.Store.Backend)
	c.Store.DSN = env.String("EXECMESH_STORE_DSN", c.Store.DSN)
	if c.Store.PollInterval, err = env.Duration("EXECMESH_STORE_POLL_INTERVAL", c.Store.PollInterval); err != nil {
		return err
	}
	c.Store.Redis.Addr = env.String("EXECMESH_REDIS_ADDR", c.Store.Redis.Addr)
	c.Store.Redis.Password = env.String("EXECMESH_REDIS_PASSWORD", c.Store.Redis.Password)
	if c.Store.Redis.DB, err = env.Int("EXECMESH_REDIS_DB", c.Store.Redis.DB); err != nil {
		return err
	}

	c.Runner.DefaultCommand = env.String("EXECMESH_RUNNER_DEFAULT_COMMAND", c.Runner.DefaultCommand)
	if c.Runner.DefaultTimeout, err = env.Duration("EXECMESH_RUNNER_DEFAULT_TIMEOUT", c.Runner.DefaultTimeout); err != nil {
		return err
	}

	if c.Capacity.MaxMessages, err = env.Int("EXECMESH_CAPACITY_MAX_MESSAGES", c.Capacity.MaxMessages); err != nil {
		return err
	}

	if c.Recycle.Retention, err = env.Duration("EXECMESH_RECYCLE_RETENTION", c.Recycle.Retention); err != nil {
		return err
	}

	if c.Archive.Enabled, err = env.Bool("EXECMESH_ARCHIVE_ENABLED", c.Archive.Enabled); err != nil {
		return err
	}
	c.Archive.Backend = env.String("EXECMESH_ARCHIVE_BACKEND", c.Archive.Backend)
	c.Archive.Endpoint = env.String("EXECMESH_ARCHIVE_ENDPOINT", c.Archive.Endpoint)
	c.Archive.AccessKey = env.String("EXECMESH_ARCHIVE_ACCESS_KEY", c.Archive.AccessKey)
	c.Archive.SecretKey = env.String("EXECMESH_ARCHIVE_SECRET_KEY", c.Archive.SecretKey)
	c.Archive.Bucket = env.String("EXECMESH_ARCHIVE_BUCKET", c.Archive.Bucket)

	return nil
}

// Validation errors.
var (
	ErrMissingServerID   = errors.New("server.id is required")
	ErrUnknownBackend    = errors.New("unknown store backend")
	ErrMissingDSN        = errors.New("store.dsn is required for sql backends")
	ErrInvalidCapacity   = errors.New("capacity.max_messages must be positive")
	ErrUnknownArchive    = errors.New("unknown archive backend")
	ErrIncompleteArchive = errors.New("archive.endpoint and archive.bucket are required for minio")
	ErrEmptyRule         = errors.New("validation rule expression is empty")
)

// Validate checks the configuration for consistency.
func (c Config) Validate() error {
	if c.Server.ID == "" {
		return ErrMissingServerID
	}

	switch c.Store.Backend {
	case BackendMemory, BackendRedis:
	case BackendSQLite, BackendPostgres:
		if c.Store.DSN == "" {
			return ErrMissingDSN
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownBackend, c.Store.Backend)
	}

	if c.Capacity.MaxMessages <= 0 {
		return ErrInvalidCapacity
	}

	if c.Archive.Enabled {
		switch c.Archive.Backend {
		case ArchiveMemory:
		case ArchiveMinIO:
			if c.Archive.Endpoint == "" || c.Archive.Bucket == "" {
				return ErrIncompleteArchive
			}
		default:
			return fmt.Errorf("%w: %q", ErrUnknownArchive, c.Archive.Backend)
		}
	}

	for i, r := range c.Validation.StartRules {
		if r.Expression == "" {
			return fmt.Errorf("start rule %d: %w", i, ErrEmptyRule)
		}
	}

	return nil
}
