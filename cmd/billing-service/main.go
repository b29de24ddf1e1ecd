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

func run(ctx context.Context) error {
	cfg, err := app.LoadConfigFromEnv()
	if err != nil {
		return err
	}
	if err := app.ConfigureLogging(cfg); err != nil {
		return err
	}

	log.WithFields(log.Fields{
		"http_addr":     cfg.BillingHTTPAddr,
		"grpc_addr":     cfg.BillingGRPCAddr,
		"metrics_addr":  cfg.BillingMetricsAddr,
		"inventory_url": cfg.Stock.BaseURL,
		"storage":       cfg.StorageDriver,
		"kafka_brokers": len(cfg.KafkaBrokers),
		"version":       version.String(),
	}).Info("starting billing service")

	if err := app.RunBilling(ctx, cfg); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("billing service stopped")
	return nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.WithError(err).Fatal("billing service failed")
	}
}
