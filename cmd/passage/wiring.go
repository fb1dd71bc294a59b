package main

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/pitabwire/passage/internal/config"
	"github.com/pitabwire/passage/internal/directory"
	"github.com/pitabwire/passage/internal/notify"
	"github.com/pitabwire/passage/internal/observability"
	"github.com/pitabwire/passage/internal/workflow"
	"github.com/pitabwire/passage/model"
)

// migrator is implemented by stores with a schema.
type migrator interface {
	Migrate(ctx context.Context) error
}

// buildStore opens the workflow store selected by cfg.Driver. The returned
// closer releases its connections and may be nil.
func buildStore(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (workflow.Store, func(), error) {
	switch cfg.Driver {
	case config.DriverMemory, "":
		logger.Warn("using in-memory workflow store, state is lost on restart")
		return workflow.NewMemoryStore(), nil, nil

	case config.DriverSQLite:
		db, err := workflow.OpenSQLite(cfg.ResolveDSN())
		if err != nil {
			return nil, nil, fmt.Errorf("workflow store: %w", err)
		}
		store, err := workflow.NewSQLiteStore(ctx, db)
		if err != nil {
			_ = db.Close()
			return nil, nil, fmt.Errorf("workflow store: %w", err)
		}
		logger.Info("using sqlite workflow store")
		return store, func() { _ = db.Close() }, nil

	case config.DriverPostgres:
		pool, err := workflow.OpenPgPool(ctx, cfg.ResolveDSN(), workflow.PgOptions{
			MaxConns:        int32(cfg.MaxOpenConns),
			MinConns:        int32(cfg.MaxIdleConns),
			ConnMaxLifetime: cfg.ConnMaxLifetime,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("workflow store: %w", err)
		}
		logger.Info("using postgres workflow store")
		return workflow.NewPgStore(pool), pool.Close, nil

	default:
		return nil, nil, fmt.Errorf("unsupported workflow store driver: %q", cfg.Driver)
	}
}

// buildDirectory loads the approver directory file behind a cache. It
// returns nil when no file is configured.
func buildDirectory(cfg config.DirectoryConfig, metrics *observability.Metrics) (*directory.CachedDirectory, error) {
	if cfg.File == "" {
		return nil, nil
	}
	static, err := directory.NewStaticDirectory(cfg.File)
	if err != nil {
		return nil, err
	}
	return directory.NewCachedDirectory(static, cfg.Cache.TTL, cfg.Cache.MaxEntries, metrics), nil
}

// buildNotifier creates the event sink selected by cfg.Driver together with
// its health checker and closer, either of which may be nil.
func buildNotifier(ctx context.Context, cfg config.NotifyConfig, logger *zap.Logger) (model.EventSink, observability.HealthChecker, func(), error) {
	switch cfg.Driver {
	case "none":
		return nil, nil, nil, nil
	case "log", "":
		return notify.NewLogSink(logger), nil, nil, nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr: cfg.ResolveAddr(),
			DB:   cfg.DB,
		})
		publisher := notify.NewRedisPublisher(client, cfg.Stream, cfg.MaxLen)
		if err := publisher.HealthCheck(ctx); err != nil {
			// Readiness reports the outage until redis comes back.
			logger.Warn("redis notifier unreachable", zap.Error(err))
		}
		breaker := notify.NewBreaker(cfg.Breaker.FailureThreshold, cfg.Breaker.SuccessThreshold, cfg.Breaker.Cooldown)
		sink := notify.Fanout{
			notify.NewGuardedSink(publisher, breaker, logger),
			notify.NewLogSink(logger),
		}
		return sink, publisher, func() { _ = client.Close() }, nil
	default:
		return nil, nil, nil, fmt.Errorf("unsupported notify driver: %q", cfg.Driver)
	}
}
