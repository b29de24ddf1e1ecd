package app

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/invoicesaga/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/invoicesaga/internal/service/idempotency"
	"github.com/vladislavdragonenkov/invoicesaga/internal/service/stockclient"
)

// StorageDriver выбирает хранилище сущностей сервиса.
type StorageDriver string

const (
	StorageDriverMemory   StorageDriver = "memory"
	StorageDriverPostgres StorageDriver = "postgres"
)

// IdempotencyDriver выбирает хранилище журнала идемпотентности биллинга.
type IdempotencyDriver string

const (
	// IdempotencyDriverDefault: тот же драйвер, что и у основного хранилища.
	IdempotencyDriverDefault  IdempotencyDriver = ""
	IdempotencyDriverMemory   IdempotencyDriver = "memory"
	IdempotencyDriverPostgres IdempotencyDriver = "postgres"
	IdempotencyDriverBolt     IdempotencyDriver = "bolt"
)

// Config описывает настройки запуска обоих сервисов.
type Config struct {
	LogLevel  string
	LogFormat string

	InventoryHTTPAddr    string
	InventoryGRPCAddr    string
	InventoryMetricsAddr string

	BillingHTTPAddr    string
	BillingGRPCAddr    string
	BillingMetricsAddr string

	StorageDriver       StorageDriver
	PostgresDSN         string
	PostgresAutoMigrate bool

	IdempotencyDriver           IdempotencyDriver
	IdempotencyBoltPath         string
	IdempotencyRetention        time.Duration
	IdempotencyCleanupInterval  time.Duration
	IdempotencyCleanupBatchSize int

	// Stock: политика вызовов склада из биллинга.
	Stock stockclient.Config

	KafkaBrokers  []string
	KafkaClientID string
	KafkaTopic    string
	KafkaDLQTopic string

	OutboxPollInterval time.Duration
	OutboxBatchSize    int
	OutboxMaxAttempts  int
	OutboxRetryDelay   time.Duration
	// OutboxMaxPending: порог backlog, выше которого /healthz отдаёт degraded.
	OutboxMaxPending int

	ShutdownTimeout time.Duration
}

// DefaultConfig возвращает настройки для локального запуска на памяти.
func DefaultConfig() Config {
	return Config{
		LogLevel:  "info",
		LogFormat: "text",

		InventoryHTTPAddr:    ":8081",
		InventoryGRPCAddr:    ":50061",
		InventoryMetricsAddr: ":9091",

		BillingHTTPAddr:    ":8082",
		BillingGRPCAddr:    ":50062",
		BillingMetricsAddr: ":9092",

		StorageDriver:       StorageDriverMemory,
		PostgresAutoMigrate: true,

		IdempotencyDriver:           IdempotencyDriverDefault,
		IdempotencyBoltPath:         "idempotency.db",
		IdempotencyRetention:        idempotency.DefaultRetention,
		IdempotencyCleanupInterval:  10 * time.Minute,
		IdempotencyCleanupBatchSize: 500,

		Stock: stockclient.DefaultConfig("http://localhost:8081"),

		KafkaClientID: "invoicesaga-billing",
		KafkaTopic:    kafka.TopicInvoiceEvents,
		KafkaDLQTopic: kafka.TopicDeadLetterQueue,

		OutboxPollInterval: time.Second,
		OutboxBatchSize:    100,
		OutboxMaxAttempts:  3,
		OutboxRetryDelay:   50 * time.Millisecond,
		OutboxMaxPending:   1000,

		ShutdownTimeout: 5 * time.Second,
	}
}

// LoadConfigFromEnv накладывает переменные окружения на DefaultConfig.
func LoadConfigFromEnv() (Config, error) {
	return loadConfig(os.Getenv)
}

func loadConfig(getenv func(string) string) (Config, error) {
	cfg := DefaultConfig()
	p := envParser{getenv: getenv}

	p.str("LOG_LEVEL", &cfg.LogLevel)
	p.str("LOG_FORMAT", &cfg.LogFormat)

	p.str("INVENTORY_HTTP_ADDR", &cfg.InventoryHTTPAddr)
	p.str("INVENTORY_GRPC_ADDR", &cfg.InventoryGRPCAddr)
	p.str("INVENTORY_METRICS_ADDR", &cfg.InventoryMetricsAddr)
	p.str("BILLING_HTTP_ADDR", &cfg.BillingHTTPAddr)
	p.str("BILLING_GRPC_ADDR", &cfg.BillingGRPCAddr)
	p.str("BILLING_METRICS_ADDR", &cfg.BillingMetricsAddr)

	if v := strings.TrimSpace(getenv("STORAGE_DRIVER")); v != "" {
		cfg.StorageDriver = StorageDriver(strings.ToLower(v))
	}
	p.str("POSTGRES_DSN", &cfg.PostgresDSN)
	p.boolean("POSTGRES_AUTO_MIGRATE", &cfg.PostgresAutoMigrate)

	if v := strings.TrimSpace(getenv("IDEMPOTENCY_DRIVER")); v != "" {
		cfg.IdempotencyDriver = IdempotencyDriver(strings.ToLower(v))
	}
	p.str("IDEMPOTENCY_BOLT_PATH", &cfg.IdempotencyBoltPath)
	p.duration("IDEMPOTENCY_RETENTION", &cfg.IdempotencyRetention)
	p.duration("IDEMPOTENCY_CLEANUP_INTERVAL", &cfg.IdempotencyCleanupInterval)
	p.integer("IDEMPOTENCY_CLEANUP_BATCH_SIZE", &cfg.IdempotencyCleanupBatchSize)

	p.str("INVENTORY_BASE_URL", &cfg.Stock.BaseURL)
	p.duration("STOCK_TIMEOUT", &cfg.Stock.Timeout)
	p.duration("STOCK_ATTEMPT_TIMEOUT", &cfg.Stock.AttemptTimeout)
	p.integer("STOCK_MAX_ATTEMPTS", &cfg.Stock.Retry.MaxAttempts)
	p.duration("STOCK_RETRY_INITIAL_DELAY", &cfg.Stock.Retry.InitialDelay)
	p.duration("STOCK_RETRY_MAX_DELAY", &cfg.Stock.Retry.MaxDelay)
	p.integer("STOCK_BREAKER_THRESHOLD", &cfg.Stock.BreakerErrorThreshold)
	p.duration("STOCK_BREAKER_COOLDOWN", &cfg.Stock.BreakerCooldown)

	if v := strings.TrimSpace(getenv("KAFKA_BROKERS")); v != "" {
		cfg.KafkaBrokers = splitList(v)
	}
	p.str("KAFKA_CLIENT_ID", &cfg.KafkaClientID)
	p.str("KAFKA_TOPIC", &cfg.KafkaTopic)
	p.str("KAFKA_DLQ_TOPIC", &cfg.KafkaDLQTopic)

	p.duration("OUTBOX_POLL_INTERVAL", &cfg.OutboxPollInterval)
	p.integer("OUTBOX_BATCH_SIZE", &cfg.OutboxBatchSize)
	p.integer("OUTBOX_MAX_ATTEMPTS", &cfg.OutboxMaxAttempts)
	p.duration("OUTBOX_RETRY_DELAY", &cfg.OutboxRetryDelay)
	p.integer("OUTBOX_MAX_PENDING", &cfg.OutboxMaxPending)

	p.duration("SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout)

	if p.err != nil {
		return Config{}, p.err
	}
	return cfg, cfg.Validate()
}

// Validate проверяет согласованность настроек.
func (c Config) Validate() error {
	switch c.StorageDriver {
	case StorageDriverMemory, StorageDriverPostgres:
	default:
		return fmt.Errorf("unsupported storage driver %q", c.StorageDriver)
	}
	if c.StorageDriver == StorageDriverPostgres && c.PostgresDSN == "" {
		return fmt.Errorf("POSTGRES_DSN is required for storage driver %q", c.StorageDriver)
	}

	switch c.idempotencyDriver() {
	case IdempotencyDriverMemory:
	case IdempotencyDriverPostgres:
		if c.PostgresDSN == "" {
			return fmt.Errorf("POSTGRES_DSN is required for idempotency driver %q", IdempotencyDriverPostgres)
		}
	case IdempotencyDriverBolt:
		if c.IdempotencyBoltPath == "" {
			return fmt.Errorf("IDEMPOTENCY_BOLT_PATH is required for idempotency driver %q", IdempotencyDriverBolt)
		}
	default:
		return fmt.Errorf("unsupported idempotency driver %q", c.IdempotencyDriver)
	}

	if c.Stock.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("STOCK_MAX_ATTEMPTS must be positive, got %d", c.Stock.Retry.MaxAttempts)
	}
	if c.Stock.Timeout <= 0 || c.Stock.AttemptTimeout <= 0 {
		return fmt.Errorf("stock timeouts must be positive")
	}
	if c.IdempotencyRetention <= 0 {
		return fmt.Errorf("IDEMPOTENCY_RETENTION must be positive, got %s", c.IdempotencyRetention)
	}
	return nil
}

func (c Config) idempotencyDriver() IdempotencyDriver {
	if c.IdempotencyDriver != IdempotencyDriverDefault {
		return c.IdempotencyDriver
	}
	if c.StorageDriver == StorageDriverPostgres {
		return IdempotencyDriverPostgres
	}
	return IdempotencyDriverMemory
}

// ConfigureLogging настраивает глобальный logrus по LOG_LEVEL и LOG_FORMAT.
func ConfigureLogging(cfg Config) error {
	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("parse LOG_LEVEL: %w", err)
	}
	log.SetLevel(level)

	switch strings.ToLower(cfg.LogFormat) {
	case "", "text":
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	case "json":
		log.SetFormatter(&log.JSONFormatter{})
	default:
		return fmt.Errorf("unsupported LOG_FORMAT %q", cfg.LogFormat)
	}
	return nil
}

type envParser struct {
	getenv func(string) string
	err    error
}

func (p *envParser) str(key string, dst *string) {
	if v := strings.TrimSpace(p.getenv(key)); v != "" {
		*dst = v
	}
}

func (p *envParser) duration(key string, dst *time.Duration) {
	v := strings.TrimSpace(p.getenv(key))
	if v == "" || p.err != nil {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.err = fmt.Errorf("parse %s: %w", key, err)
		return
	}
	*dst = d
}

func (p *envParser) integer(key string, dst *int) {
	v := strings.TrimSpace(p.getenv(key))
	if v == "" || p.err != nil {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.err = fmt.Errorf("parse %s: %w", key, err)
		return
	}
	*dst = n
}

func (p *envParser) boolean(key string, dst *bool) {
	v := strings.TrimSpace(p.getenv(key))
	if v == "" || p.err != nil {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		p.err = fmt.Errorf("parse %s: %w", key, err)
		return
	}
	*dst = b
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
