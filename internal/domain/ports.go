package domain

import (
	"context"
	"time"
)

// StockGateway описывает обращения биллинга к складу.
type StockGateway interface {
	// BatchDecrement атомарно списывает весь батч либо ничего.
	BatchDecrement(ctx context.Context, batchKey string, lines []StockLine) ([]StockLineResult, error)
	// CheckAvailability проверяет остаток без резервирования.
	CheckAvailability(ctx context.Context, productID, quantity int64) (Availability, error)
}

// OutboxPublisher публикует события из transactional outbox.
type OutboxPublisher interface {
	// Publish передаёт событие наружу; должен быть идемпотентным.
	Publish(ctx context.Context, event OutboxMessage) error
}

// OutboxRepository позволяет сохранять события для последующей публикации.
type OutboxRepository interface {
	Enqueue(ctx context.Context, msg OutboxMessage) (OutboxMessage, error)
	PullPending(ctx context.Context, limit int) ([]OutboxMessage, error)
	Stats(ctx context.Context) (OutboxStats, error)
	MarkSent(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string) error
}

// Типы событий, которые пишет биллинг.
const (
	AggregateTypeInvoice   = "invoice"
	EventTypeInvoiceClosed = "invoice.closed"
)

// OutboxMessage хранит данные для публикуемого события.
type OutboxMessage struct {
	ID            string
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
	CreatedAt     time.Time
}

// OutboxStats описывает текущее состояние backlog transactional outbox.
type OutboxStats struct {
	PendingCount    int
	OldestPendingAt time.Time
}
