package app

import (
	"context"

	log "github.com/sirupsen/logrus"

	healthcheck "github.com/vladislavdragonenkov/invoicesaga/internal/health"
	"github.com/vladislavdragonenkov/invoicesaga/internal/http/inventoryapi"
	"github.com/vladislavdragonenkov/invoicesaga/internal/metrics"
	"github.com/vladislavdragonenkov/invoicesaga/internal/service/stock"
	"github.com/vladislavdragonenkov/invoicesaga/internal/version"
)

const inventoryServiceName = "inventory-service"

// RunInventory запускает сервис склада и блокируется до отмены ctx.
func RunInventory(ctx context.Context, cfg Config) error {
	s, closeDeps, err := startInventory(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeDeps()
	return s.wait(ctx)
}

func startInventory(ctx context.Context, cfg Config) (*runningService, func(), error) {
	logger := log.WithField("component", inventoryServiceName)

	deps, err := initInventoryDependencies(ctx, cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	closeDeps := func() {
		if err := deps.Close(); err != nil {
			logger.WithError(err).Warn("failed to close inventory storage")
		}
	}

	registry := newRegistry()
	svc := stock.NewService(deps.products,
		stock.WithLogger(logger.WithField("layer", "service")),
		stock.WithMetrics(metrics.NewStockMetricsWithRegisterer(registry)),
	)

	healthHandler := healthcheck.NewHandler(inventoryServiceName, version.GetVersion())
	for name, check := range deps.checks {
		healthHandler.Register(name, check)
	}

	rt := &serviceRuntime{
		name:            inventoryServiceName,
		httpAddr:        cfg.InventoryHTTPAddr,
		grpcAddr:        cfg.InventoryGRPCAddr,
		metricsAddr:     cfg.InventoryMetricsAddr,
		handler:         inventoryapi.NewRouter(inventoryapi.NewHandler(svc, logger.WithField("layer", "http"))),
		registry:        registry,
		health:          healthHandler,
		shutdownTimeout: cfg.ShutdownTimeout,
		logger:          logger,
	}
	s, err := rt.start(ctx)
	if err != nil {
		closeDeps()
		return nil, nil, err
	}
	return s, closeDeps, nil
}
