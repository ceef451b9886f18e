package main

import (
	"context"
	"fmt"
	"io"

	"github.com/hupe1980/execmesh/archive"
	"github.com/hupe1980/execmesh/archive/minio"
	"github.com/hupe1980/execmesh/config"
	"github.com/hupe1980/execmesh/core"
	"github.com/hupe1980/execmesh/logging"
	"github.com/hupe1980/execmesh/store"
	"github.com/hupe1980/execmesh/store/redisstore"
	"github.com/hupe1980/execmesh/store/sqlstore"
	"github.com/hupe1980/execmesh/validation"
)

// backend is a store usable by both the daemon and the client commands.
type backend interface {
	core.Store
	PutServer(ctx context.Context, server core.Server) error
	PublishInvocation(ctx context.Context, inv core.Invocation) error
}

func newLogger(cfg config.LogConfig, serverID string, out io.Writer) *logging.ExecMeshLogger {
	lc := logging.DefaultLoggerConfig()
	lc.Level = logging.ParseLevel(cfg.Level)
	if cfg.Format != "" {
		lc.Format = cfg.Format
	}
	lc.AddSource = cfg.AddSource
	lc.Output = out
	lc.ServerID = serverID
	return logging.NewLogger(lc)
}

func openStore(ctx context.Context, cfg config.StoreConfig, logger logging.Logger) (backend, func() error, error) {
	switch cfg.Backend {
	case config.BackendMemory:
		return store.NewInMemoryStore(), func() error { return nil }, nil
	case config.BackendSQLite, config.BackendPostgres:
		dialect := sqlstore.DialectSQLite
		if cfg.Backend == config.BackendPostgres {
			dialect = sqlstore.DialectPostgres
		}
		s, err := sqlstore.Open(ctx, dialect, cfg.DSN, func(o *sqlstore.Options) {
			o.PollInterval = cfg.PollInterval
			o.Logger = logger
		})
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	case config.BackendRedis:
		client := redisstore.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("ping redis %s: %w", cfg.Redis.Addr, err)
		}
		s := redisstore.New(client, func(o *redisstore.Options) {
			if cfg.Redis.Prefix != "" {
				o.Prefix = cfg.Redis.Prefix
			}
			o.Logger = logger
		})
		return s, s.Close, nil
	default:
		return nil, nil, fmt.Errorf("%w: %q", config.ErrUnknownBackend, cfg.Backend)
	}
}

func openArchive(ctx context.Context, cfg config.ArchiveConfig) (archive.Store, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	switch cfg.Backend {
	case config.ArchiveMemory:
		return archive.NewInMemoryStore(), nil
	case config.ArchiveMinIO:
		s, err := minio.New(minio.Config{
			Endpoint:  cfg.Endpoint,
			AccessKey: cfg.AccessKey,
			SecretKey: cfg.SecretKey,
			Region:    cfg.Region,
			Bucket:    cfg.Bucket,
			Prefix:    cfg.Prefix,
			UseSSL:    cfg.UseSSL,
		})
		if err != nil {
			return nil, err
		}
		if err := s.EnsureBucket(ctx, cfg.Region); err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("%w: %q", config.ErrUnknownArchive, cfg.Backend)
	}
}

func startRules(rules []config.RuleConfig) ([]validation.Rule, error) {
	out := make([]validation.Rule, 0, len(rules))
	for i, r := range rules {
		expr, err := validation.NewExpression(r.Expression, r.Reason)
		if err != nil {
			return nil, fmt.Errorf("start rule %d: %w", i, err)
		}
		out = append(out, expr)
	}
	return out, nil
}

func defaultRunConfig(cfg config.RunnerConfig) core.RunConfig {
	return core.RunConfig{
		Command: cfg.DefaultCommand,
		Args:    cfg.DefaultArgs,
		Timeout: cfg.DefaultTimeout,
	}
}
