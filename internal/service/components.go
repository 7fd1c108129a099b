// File: internal/service/components.go
package service

import (
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-feeds/api/schemas"
	"github.com/xkilldash9x/scalpel-feeds/internal/config"
	"github.com/xkilldash9x/scalpel-feeds/internal/export"
	"github.com/xkilldash9x/scalpel-feeds/internal/network"
	"github.com/xkilldash9x/scalpel-feeds/internal/observables"
	"github.com/xkilldash9x/scalpel-feeds/internal/registry"
	"github.com/xkilldash9x/scalpel-feeds/internal/relationships"
	"github.com/xkilldash9x/scalpel-feeds/internal/scheduler"
)

// Components holds everything a feed run needs. It centralizes the
// lifecycle of the backends so commands only deal with one handle.
type Components struct {
	Config        *config.Config
	Graph         schemas.GraphConnector
	States        scheduler.StateStore
	Observables   *observables.Store
	Relationships *relationships.Store
	Fetcher       *network.Client
	Registry      *registry.Registry
	Scheduler     *scheduler.Scheduler
	Exporter      *export.Exporter
	DBPool        *pgxpool.Pool

	logger *zap.Logger
}

// Shutdown waits for running feed cycles and releases the database pool.
// It is safe to call on partially initialized components.
func (c *Components) Shutdown() {
	logger := c.logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Debug("Beginning components shutdown sequence.")

	// 1. Let in-flight cycles commit their outcome before the pool goes away.
	if c.Scheduler != nil {
		c.Scheduler.Wait()
		logger.Debug("Scheduler drained.")
	}

	// 2. Close the database connection pool.
	if c.DBPool != nil {
		c.DBPool.Close()
		logger.Debug("Database connection pool closed.")
	}

	logger.Info("All components shut down successfully.")
}
