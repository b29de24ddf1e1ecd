package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/invoicesaga/internal/app"
	"github.com/vladislavdragonenkov/invoicesaga/internal/version"
)

// run читает конфигурацию и держит сервис склада до отмены ctx.
func run(ctx context.Context) error {
	cfg, err := app.LoadConfigFromEnv()
	if err != nil {
		return err
	}
	if err := app.ConfigureLogging(cfg); err != nil {
		return err
	}

	log.WithFields(log.Fields{
		"http_addr":    cfg.InventoryHTTPAddr,
		"grpc_addr":    cfg.InventoryGRPCAddr,
		"metrics_addr": cfg.InventoryMetricsAddr,
		"storage":      cfg.StorageDriver,
		"version":      version.String(),
	}).Info("starting inventory service")

	if err := app.RunInventory(ctx, cfg); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("inventory service stopped")
	return nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.WithError(err).Fatal("inventory service failed")
	}
}
