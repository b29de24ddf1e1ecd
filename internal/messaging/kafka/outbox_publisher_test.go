package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/invoicesaga/internal/domain"
)

func newMockPublisher(t *testing.T) (*mocks.SyncProducer, *OutboxTopicPublisher) {
	t.Helper()
	mockProducer := mocks.NewSyncProducer(t, nil)
	producer := NewProducerFromSync(mockProducer, log.WithField("component", "kafka-outbox-publisher-test"))
	return mockProducer, NewOutboxPublisher(producer, "")
}

func TestOutboxPublisher_Publish(t *testing.T) {
	t.Parallel()

	mockProducer, publisher := newMockPublisher(t)
	createdAt := time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC)

	mockProducer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		if msg.Topic != TopicInvoiceEvents {
			return fmt.Errorf("unexpected topic %s", msg.Topic)
		}
		key, _ := msg.Key.Encode()
		if string(key) != "17" {
			return fmt.Errorf("expected aggregate id as key, got %s", key)
		}
		raw, _ := msg.Value.Encode()
		var env Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			return err
		}
		if env.EventType != domain.EventTypeInvoiceClosed || env.ID != "outbox-1" {
			return fmt.Errorf("unexpected envelope %+v", env)
		}
		if string(env.Payload) != `{"invoiceId":17,"number":3}` {
			return fmt.Errorf("payload must be passed through verbatim, got %s", env.Payload)
		}
		if !env.CreatedAt.Equal(createdAt) {
			return fmt.Errorf("unexpected created_at %s", env.CreatedAt)
		}
		return nil
	})

	err := publisher.Publish(context.Background(), domain.OutboxMessage{
		ID:            "outbox-1",
		AggregateType: domain.AggregateTypeInvoice,
		AggregateID:   "17",
		EventType:     domain.EventTypeInvoiceClosed,
		Payload:       []byte(`{"invoiceId":17,"number":3}`),
		CreatedAt:     createdAt,
	})
	if err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	if err := mockProducer.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestOutboxPublisher_PublishProducerError(t *testing.T) {
	t.Parallel()

	mockProducer, publisher := newMockPublisher(t)
	mockProducer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	err := publisher.Publish(context.Background(), domain.OutboxMessage{
		ID:            "outbox-2",
		AggregateType: domain.AggregateTypeInvoice,
		AggregateID:   "18",
		EventType:     domain.EventTypeInvoiceClosed,
		Payload:       []byte(`{}`),
	})
	if err == nil {
		t.Fatal("expected publish error, got nil")
	}

	if err := mockProducer.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestOutboxPublisher_PublishNilProducer(t *testing.T) {
	t.Parallel()

	publisher := NewOutboxPublisher(nil, TopicInvoiceEvents)
	if err := publisher.Publish(context.Background(), domain.OutboxMessage{ID: "outbox-3"}); err == nil {
		t.Fatal("expected error for nil producer")
	}
}
