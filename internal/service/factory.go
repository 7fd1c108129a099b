// File: internal/service/factory.go
package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-feeds/internal/config"
	"github.com/xkilldash9x/scalpel-feeds/internal/export"
	"github.com/xkilldash9x/scalpel-feeds/internal/network"
	"github.com/xkilldash9x/scalpel-feeds/internal/observables"
	"github.com/xkilldash9x/scalpel-feeds/internal/registry"
	"github.com/xkilldash9x/scalpel-feeds/internal/relationships"
	"github.com/xkilldash9x/scalpel-feeds/internal/scheduler"
)

// ComponentFactory creates the set of components a command needs. Commands
// depend on the interface so tests can hand them in-memory components.
type ComponentFactory interface {
	Create(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Components, error)
}

// concreteFactory is the production implementation of the ComponentFactory.
type concreteFactory struct{}

// NewComponentFactory creates a new production-ready component factory.
func NewComponentFactory() ComponentFactory {
	return &concreteFactory{}
}

// Create wires backends, stores, the fetch client, the feed registry and
// the scheduler. On error everything created so far is shut down.
func (f *concreteFactory) Create(ctx context.Context, cfg *config.Config, logger *zap.Logger) (_ *Components, err error) {
	if cfg == nil {
		return nil, fmt.Errorf("configuration is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	components := &Components{Config: cfg, logger: logger}

	defer func() {
		if err != nil {
			logger.Warn("Initialization failed, shutting down partially created components.", zap.Error(err))
			components.Shutdown()
		}
	}()

	// 1. Graph and feed state backends
	backends, err := InitializeBackends(ctx, cfg.Database, logger)
	if err != nil {
		return nil, err
	}
	components.Graph = backends.Graph
	components.States = backends.States
	components.DBPool = backends.Pool

	// 2. Stores
	components.Observables = observables.New(backends.Graph, cfg.Graph.MaxUpdateRetries, logger)
	components.Relationships = relationships.New(backends.Graph, logger)
	components.Exporter = export.New(backends.Graph, logger)
	logger.Debug("Observable and relationship stores initialized.")

	// 3. Fetch client
	components.Fetcher = network.NewClient(network.ClientConfigFrom(cfg.Network, logger))

	// 4. Feed registry
	components.Registry = registry.New()
	if err = RegisterFeeds(components.Registry, cfg, components.Fetcher, components.Observables, components.Relationships, logger); err != nil {
		return nil, err
	}
	logger.Debug("Feeds registered.", zap.Strings("feeds", components.Registry.Names()))

	// 5. Scheduler
	components.Scheduler = scheduler.New(components.Registry, components.States, cfg.Scheduler, logger)

	logger.Info("All components initialized successfully.", zap.Int("feeds", components.Registry.Len()))
	return components, nil
}
