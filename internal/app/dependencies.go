package app

import (
	"context"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/invoicesaga/internal/domain"
	"github.com/vladislavdragonenkov/invoicesaga/internal/health"
	boltstore "github.com/vladislavdragonenkov/invoicesaga/internal/storage/bolt"
	"github.com/vladislavdragonenkov/invoicesaga/internal/storage/memory"
	"github.com/vladislavdragonenkov/invoicesaga/internal/storage/postgres"
)

// inventoryDependencies: хранилище склада.
type inventoryDependencies struct {
	products domain.ProductRepository
	checks   map[string]health.CheckFunc
	closers  []func() error
}

// billingDependencies: хранилища биллинга.
type billingDependencies struct {
	invoices domain.InvoiceRepository
	ledger   domain.IdempotencyRepository
	outbox   domain.OutboxRepository
	checks   map[string]health.CheckFunc
	closers  []func() error
}

func (d *inventoryDependencies) Close() error { return closeAll(d.closers) }

func (d *billingDependencies) Close() error { return closeAll(d.closers) }

func initInventoryDependencies(ctx context.Context, cfg Config, logger *log.Entry) (*inventoryDependencies, error) {
	switch cfg.StorageDriver {
	case StorageDriverMemory:
		logger.Info("inventory storage: memory")
		return &inventoryDependencies{
			products: memory.NewProductRepository(),
			checks:   map[string]health.CheckFunc{},
		}, nil
	case StorageDriverPostgres:
		store, err := openStore(ctx, cfg, postgres.SchemaInventory, logger)
		if err != nil {
			return nil, err
		}
		return &inventoryDependencies{
			products: postgres.NewProductRepository(store.Pool()),
			checks:   map[string]health.CheckFunc{"postgres": store.Ping},
			closers:  []func() error{store.Close},
		}, nil
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.StorageDriver)
	}
}

func initBillingDependencies(ctx context.Context, cfg Config, logger *log.Entry) (deps *billingDependencies, err error) {
	deps = &billingDependencies{checks: map[string]health.CheckFunc{}}
	defer func() {
		if err != nil {
			_ = deps.Close()
		}
	}()

	var store *postgres.Store
	switch cfg.StorageDriver {
	case StorageDriverMemory:
		logger.Info("billing storage: memory")
		deps.invoices = memory.NewInvoiceRepository()
		deps.outbox = memory.NewOutboxRepository()
	case StorageDriverPostgres:
		if store, err = openStore(ctx, cfg, postgres.SchemaBilling, logger); err != nil {
			return nil, err
		}
		deps.closers = append(deps.closers, store.Close)
		deps.checks["postgres"] = store.Ping
		deps.invoices = postgres.NewInvoiceRepository(store)
		deps.outbox = postgres.NewOutboxRepository(store)
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.StorageDriver)
	}

	switch driver := cfg.idempotencyDriver(); driver {
	case IdempotencyDriverMemory:
		deps.ledger = memory.NewIdempotencyRepository()
	case IdempotencyDriverPostgres:
		if store == nil {
			if store, err = openStore(ctx, cfg, postgres.SchemaBilling, logger); err != nil {
				return nil, err
			}
			deps.closers = append(deps.closers, store.Close)
			deps.checks["postgres"] = store.Ping
		}
		deps.ledger = postgres.NewIdempotencyRepository(store)
	case IdempotencyDriverBolt:
		ledger, err := boltstore.Open(cfg.IdempotencyBoltPath)
		if err != nil {
			return nil, err
		}
		deps.closers = append(deps.closers, ledger.Close)
		deps.checks["bolt"] = ledger.Ping
		deps.ledger = ledger
	default:
		return nil, fmt.Errorf("unsupported idempotency driver %q", driver)
	}
	logger.WithField("driver", cfg.idempotencyDriver()).Info("idempotency ledger initialized")

	return deps, nil
}

func openStore(ctx context.Context, cfg Config, schema postgres.Schema, logger *log.Entry) (*postgres.Store, error) {
	if cfg.PostgresDSN == "" {
		return nil, errors.New("postgres dsn is empty")
	}
	store, err := postgres.Open(ctx, cfg.PostgresDSN, schema)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if cfg.PostgresAutoMigrate {
		if err := store.EnsureSchema(ctx); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("migrate %s schema: %w", schema, err)
		}
	}
	logger.WithFields(log.Fields{"schema": schema, "auto_migrate": cfg.PostgresAutoMigrate}).Info("postgres storage initialized")
	return store, nil
}

func closeAll(closers []func() error) error {
	var errs []error
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
