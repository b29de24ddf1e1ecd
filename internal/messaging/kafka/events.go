package kafka

import (
	"encoding/json"
	"time"
)

// Topics для Kafka.
const (
	TopicInvoiceEvents   = "invoicesaga.invoice.events"
	TopicDeadLetterQueue = "invoicesaga.dlq"
)

// Kafka headers, которые выставляет паблишер.
const (
	HeaderEventType     = "x-event-type"
	HeaderAggregateType = "x-aggregate-type"
	HeaderOutboxID      = "x-outbox-id"
)

// Envelope: формат outbox-сообщения в топике.
type Envelope struct {
	ID            string          `json:"id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	CreatedAt     time.Time       `json:"created_at"`
	PublishedAt   time.Time       `json:"published_at"`
}
