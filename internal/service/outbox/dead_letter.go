package outbox

import (
	"encoding/json"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/invoicesaga/internal/domain"
)

// DeadLetter: запись DLQ для сообщения, которое не удалось опубликовать.
// Для invoice.closed в неё поднимаются номер и id накладной, чтобы сверку
// можно было вести без разбора исходного payload.
type DeadLetter struct {
	OutboxID       string          `json:"outbox_id"`
	AggregateType  string          `json:"aggregate_type"`
	AggregateID    string          `json:"aggregate_id"`
	EventType      string          `json:"event_type"`
	InvoiceID      int64           `json:"invoice_id,omitempty"`
	InvoiceNumber  int64           `json:"invoice_number,omitempty"`
	Attempts       int             `json:"attempts"`
	PublishError   string          `json:"publish_error"`
	Payload        json.RawMessage `json:"payload"`
	DeadLetteredAt time.Time       `json:"dlq_published_at"`
}

// closedInvoiceRef: поля invoice.closed, нужные воркеру.
type closedInvoiceRef struct {
	InvoiceID int64 `json:"invoiceId"`
	Number    int64 `json:"number"`
}

// invoiceRef достаёт накладную из invoice.closed; для прочих событий ok=false.
func invoiceRef(event domain.OutboxMessage) (closedInvoiceRef, bool) {
	if event.EventType != domain.EventTypeInvoiceClosed {
		return closedInvoiceRef{}, false
	}
	var ref closedInvoiceRef
	if err := json.Unmarshal(event.Payload, &ref); err != nil || ref.InvoiceID == 0 {
		return closedInvoiceRef{}, false
	}
	return ref, true
}

func eventFields(event domain.OutboxMessage) log.Fields {
	fields := log.Fields{
		"outbox_id":  event.ID,
		"event_type": event.EventType,
	}
	if ref, ok := invoiceRef(event); ok {
		fields["invoice_id"] = ref.InvoiceID
		fields["invoice_number"] = ref.Number
	}
	return fields
}

func newDeadLetter(event domain.OutboxMessage, attempts int, publishErr error, now time.Time) DeadLetter {
	dl := DeadLetter{
		OutboxID:       event.ID,
		AggregateType:  event.AggregateType,
		AggregateID:    event.AggregateID,
		EventType:      event.EventType,
		Attempts:       attempts,
		PublishError:   publishErr.Error(),
		Payload:        json.RawMessage(event.Payload),
		DeadLetteredAt: now.UTC(),
	}
	if !json.Valid(event.Payload) {
		dl.Payload = nil
	}
	if ref, ok := invoiceRef(event); ok {
		dl.InvoiceID = ref.InvoiceID
		dl.InvoiceNumber = ref.Number
	}
	return dl
}
