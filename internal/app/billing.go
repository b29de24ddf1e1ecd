package app

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/invoicesaga/internal/domain"
	healthcheck "github.com/vladislavdragonenkov/invoicesaga/internal/health"
	"github.com/vladislavdragonenkov/invoicesaga/internal/http/billingapi"
	"github.com/vladislavdragonenkov/invoicesaga/internal/metrics"
	"github.com/vladislavdragonenkov/invoicesaga/internal/service/idempotency"
	"github.com/vladislavdragonenkov/invoicesaga/internal/service/invoicing"
	"github.com/vladislavdragonenkov/invoicesaga/internal/service/outbox"
	"github.com/vladislavdragonenkov/invoicesaga/internal/service/saga"
	"github.com/vladislavdragonenkov/invoicesaga/internal/service/stockclient"
	"github.com/vladislavdragonenkov/invoicesaga/internal/version"
)

const billingServiceName = "billing-service"

// RunBilling запускает сервис биллинга и блокируется до отмены ctx.
func RunBilling(ctx context.Context, cfg Config) error {
	s, closeDeps, err := startBilling(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeDeps()
	return s.wait(ctx)
}

func startBilling(ctx context.Context, cfg Config) (*runningService, func(), error) {
	logger := log.WithField("component", billingServiceName)

	deps, err := initBillingDependencies(ctx, cfg, logger)
	if err != nil {
		return nil, nil, err
	}

	registry := newRegistry()
	client, err := stockclient.New(cfg.Stock,
		stockclient.WithLogger(logger.WithField("component", "stock-client")),
		stockclient.WithMetrics(metrics.NewClientMetricsWithRegisterer(registry)),
	)
	if err != nil {
		_ = deps.Close()
		return nil, nil, fmt.Errorf("create stock client: %w", err)
	}

	publisher, dlq, producer := outboxPublishers(cfg, logger)
	closeDeps := func() {
		closeKafka(producer, logger)
		if err := deps.Close(); err != nil {
			logger.WithError(err).Warn("failed to close billing storage")
		}
	}

	invoices := invoicing.NewService(deps.invoices, client, logger.WithField("layer", "invoicing"))
	orchestrator := createOrchestrator(deps, client, registry, logger)

	healthHandler := healthcheck.NewHandler(billingServiceName, version.GetVersion())
	for name, check := range deps.checks {
		healthHandler.Register(name, check)
	}
	healthHandler.RegisterOptional("outbox", outboxBacklogCheck(deps.outbox, cfg.OutboxMaxPending))

	outboxWorker := outbox.NewWorker(deps.outbox, publisher,
		outbox.WithLogger(logger.WithField("component", "outbox-worker")),
		outbox.WithMetrics(metrics.NewOutboxMetricsWithRegisterer(registry)),
		outbox.WithDLQPublisher(dlq),
		outbox.WithPollInterval(cfg.OutboxPollInterval),
		outbox.WithBatchSize(cfg.OutboxBatchSize),
		outbox.WithMaxAttempts(cfg.OutboxMaxAttempts),
		outbox.WithRetryBaseDelay(cfg.OutboxRetryDelay),
	)
	cleanupWorker := idempotency.NewCleanupWorker(deps.ledger,
		idempotency.WithLogger(logger.WithField("component", "idempotency-cleanup")),
		idempotency.WithMetrics(metrics.NewCleanupMetricsWithRegisterer(registry)),
		idempotency.WithRetention(cfg.IdempotencyRetention),
		idempotency.WithInterval(cfg.IdempotencyCleanupInterval),
		idempotency.WithBatchSize(cfg.IdempotencyCleanupBatchSize),
	)

	rt := &serviceRuntime{
		name:        billingServiceName,
		httpAddr:    cfg.BillingHTTPAddr,
		grpcAddr:    cfg.BillingGRPCAddr,
		metricsAddr: cfg.BillingMetricsAddr,
		handler:     billingapi.NewRouter(billingapi.NewHandler(invoices, orchestrator, logger.WithField("layer", "http"))),
		registry:    registry,
		health:      healthHandler,
		workers: []worker{
			{name: "outbox", run: outboxWorker.Run},
			{name: "idempotency-cleanup", run: cleanupWorker.Run},
		},
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

// createOrchestrator собирает сагу закрытия накладной поверх хранилищ биллинга.
func createOrchestrator(
	deps *billingDependencies,
	stock domain.StockGateway,
	registry prometheus.Registerer,
	logger *log.Entry,
) *saga.Orchestrator {
	return saga.NewOrchestrator(
		deps.invoices,
		deps.ledger,
		stock,
		logger.WithField("component", "saga"),
		saga.WithMetrics(metrics.NewCloseMetricsWithRegisterer(registry)),
		saga.WithOutbox(deps.outbox),
	)
}

// outboxBacklogCheck сообщает о разросшемся backlog: публикация отстаёт от закрытий.
func outboxBacklogCheck(repo domain.OutboxRepository, maxPending int) healthcheck.CheckFunc {
	return func(ctx context.Context) error {
		stats, err := repo.Stats(ctx)
		if err != nil {
			return err
		}
		if maxPending > 0 && stats.PendingCount > maxPending {
			return fmt.Errorf("outbox backlog %d exceeds %d", stats.PendingCount, maxPending)
		}
		return nil
	}
}
