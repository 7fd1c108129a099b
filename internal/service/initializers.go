// File: internal/service/initializers.go
package service

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-feeds/api/schemas"
	"github.com/xkilldash9x/scalpel-feeds/internal/config"
	"github.com/xkilldash9x/scalpel-feeds/internal/feeds"
	"github.com/xkilldash9x/scalpel-feeds/internal/feeds/dataplane"
	"github.com/xkilldash9x/scalpel-feeds/internal/knowledgegraph"
	"github.com/xkilldash9x/scalpel-feeds/internal/registry"
	"github.com/xkilldash9x/scalpel-feeds/internal/scheduler"
	"github.com/xkilldash9x/scalpel-feeds/internal/store"
)

// Backends are the persistent pieces behind the stores.
type Backends struct {
	Graph  schemas.GraphConnector
	States scheduler.StateStore
	Pool   *pgxpool.Pool
}

// InitializeBackends connects to PostgreSQL or, when no URL is configured,
// falls back to in-memory backends.
func InitializeBackends(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (Backends, error) {
	if cfg.URL == "" {
		logger.Warn("No database configured; defaulting to temporary in-memory backends. Ingested data and watermarks will be lost on exit.")
		return Backends{
			Graph:  knowledgegraph.NewInMemoryKG(logger),
			States: store.NewMemoryStore(),
		}, nil
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return Backends{}, fmt.Errorf("unable to parse PGX pool config: %w", err)
	}
	poolConfig.MaxConns = 10
	poolConfig.MinConns = 1
	poolConfig.MaxConnLifetime = 1 * time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	if cfg.ConnectTimeout > 0 {
		poolConfig.ConnConfig.ConnectTimeout = cfg.ConnectTimeout
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return Backends{}, fmt.Errorf("unable to create PGX connection pool: %w", err)
	}

	states, err := store.New(ctx, pool, logger)
	if err != nil {
		pool.Close()
		return Backends{}, fmt.Errorf("failed to initialize feed state store: %w", err)
	}
	kg := knowledgegraph.NewPostgresKG(pool)

	if cfg.MigrateOnStart {
		if err := kg.EnsureSchema(ctx); err != nil {
			pool.Close()
			return Backends{}, fmt.Errorf("failed to create graph schema: %w", err)
		}
		if err := states.EnsureSchema(ctx); err != nil {
			pool.Close()
			return Backends{}, fmt.Errorf("failed to create feed state schema: %w", err)
		}
		logger.Debug("Database schema ensured.")
	}

	logger.Info("PostgreSQL backends initialized.", zap.String("host", poolConfig.ConnConfig.Host))
	return Backends{Graph: kg, States: states, Pool: pool}, nil
}

// FeedConstructor builds one feed over the shared stores.
type FeedConstructor func(fetcher feeds.Fetcher, obs feeds.ObservableStore, rel feeds.RelationshipStore, opts ...feeds.Option) *feeds.Task[dataplane.Row]

// BuiltinFeeds lists the feeds shipped with the binary, keyed by name.
var BuiltinFeeds = map[string]FeedConstructor{
	dataplane.DNSVersionName:  dataplane.NewDNSVersion,
	dataplane.TelnetLoginName: dataplane.NewTelnetLogin,
}

// RegisterFeeds registers every built in feed that is not disabled in cfg,
// applying per-feed source and frequency overrides.
func RegisterFeeds(reg *registry.Registry, cfg *config.Config, fetcher feeds.Fetcher, obs feeds.ObservableStore, rel feeds.RelationshipStore, logger *zap.Logger) error {
	for name, build := range BuiltinFeeds {
		fc := cfg.Feed(name)
		if fc.Disabled {
			logger.Info("Feed disabled by configuration.", zap.String("feed", name))
			continue
		}

		opts := []feeds.Option{
			feeds.WithLogger(logger),
			feeds.WithFetchTimeout(cfg.Network.FetchTimeout),
		}
		if fc.URL != "" {
			opts = append(opts, feeds.WithSource(fc.URL))
		}
		if fc.Frequency > 0 {
			opts = append(opts, feeds.WithFrequency(fc.Frequency))
		}

		if err := reg.Register(build(fetcher, obs, rel, opts...)); err != nil {
			return fmt.Errorf("failed to register feed %s: %w", name, err)
		}
	}
	return nil
}
