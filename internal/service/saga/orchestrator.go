// Package saga содержит оркестратор закрытия накладной: журнал идемпотентности,
// списание остатков на складе и присвоение номера.
package saga

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vladislavdragonenkov/invoicesaga/internal/domain"
	"github.com/vladislavdragonenkov/invoicesaga/internal/metrics"
)

// RouteCloseInvoice: маршрут, под которым закрытие пишется в журнал идемпотентности.
const RouteCloseInvoice = "close-invoice"

// CloseResponse: ответ на закрытие, который сохраняется в журнале и повторяется байт в байт.
type CloseResponse struct {
	HTTPStatus int
	Body       []byte
	Replayed   bool
}

// ClosedInvoice: тело успешного ответа.
type ClosedInvoice struct {
	ID     int64  `json:"id"`
	Number int64  `json:"number"`
	Status string `json:"status"`
}

// InvoiceClosedEvent: полезная нагрузка события invoice.closed в outbox.
type InvoiceClosedEvent struct {
	InvoiceID int64             `json:"invoiceId"`
	Number    int64             `json:"number"`
	BatchKey  string            `json:"batchKey"`
	ClosedAt  time.Time         `json:"closedAt"`
	Lines     []ClosedEventLine `json:"lines"`
}

// ClosedEventLine: списанная строка в событии.
type ClosedEventLine struct {
	ProductID int64 `json:"productId"`
	Quantity  int64 `json:"quantity"`
}

// Orchestrator закрывает накладные.
type Orchestrator struct {
	invoices domain.InvoiceRepository
	ledger   domain.IdempotencyRepository
	stock    domain.StockGateway
	outbox   domain.OutboxRepository
	logger   *log.Entry
	metrics  *metrics.CloseMetrics
	tracer   trace.Tracer
}

// Option настраивает Orchestrator.
type Option func(*Orchestrator)

// WithMetrics подключает метрики саги.
func WithMetrics(m *metrics.CloseMetrics) Option {
	return func(o *Orchestrator) {
		o.metrics = m
	}
}

// WithOutbox включает запись события invoice.closed.
func WithOutbox(outbox domain.OutboxRepository) Option {
	return func(o *Orchestrator) {
		o.outbox = outbox
	}
}

// NewOrchestrator создаёт рабочий экземпляр оркестратора.
func NewOrchestrator(
	invoices domain.InvoiceRepository,
	ledger domain.IdempotencyRepository,
	stock domain.StockGateway,
	logger *log.Entry,
	opts ...Option,
) *Orchestrator {
	if logger == nil {
		logger = log.New().WithField("component", "saga")
	}
	o := &Orchestrator{
		invoices: invoices,
		ledger:   ledger,
		stock:    stock,
		logger:   logger,
		tracer:   otel.Tracer("invoicesaga/saga"),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// BatchKey детерминированно выводит ключ батча из накладной и её строк:
// повтор того же закрытия попадает в тот же ключ и не списывает остаток второй раз.
func BatchKey(invoiceID int64, lines []domain.StockLine) string {
	var b strings.Builder
	for _, line := range lines {
		b.WriteString(strconv.FormatInt(line.ProductID, 10))
		b.WriteByte(':')
		b.WriteString(strconv.FormatInt(line.Quantity, 10))
		b.WriteByte(';')
	}
	sum := sha256.Sum256([]byte(b.String()))
	return fmt.Sprintf("close-%d-%s", invoiceID, hex.EncodeToString(sum[:]))
}

// Close закрывает накладную. С непустым key повтор возвращает сохранённый ответ,
// а параллельные запросы с тем же ключом списывают остаток один раз.
func (o *Orchestrator) Close(ctx context.Context, invoiceID int64, key string) (resp CloseResponse, err error) {
	ctx, span := o.tracer.Start(ctx, "saga.close_invoice",
		trace.WithAttributes(
			attribute.Int64("invoice.id", invoiceID),
			attribute.Bool("idempotency.key_present", key != ""),
		),
	)
	start := time.Now()
	o.recordStarted()
	defer func() {
		o.recordFinished(time.Since(start))
		if err != nil {
			o.recordFailed(domain.Code(err))
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.SetAttributes(attribute.Bool("idempotency.replayed", resp.Replayed))
		span.End()
	}()

	entry := o.logger.WithField("invoice_id", invoiceID)
	if key != "" {
		entry = entry.WithField("idempotency_key", key)
	}

	inv, err := o.invoices.Get(ctx, invoiceID)
	if err != nil {
		entry.WithError(err).Warn("invoice not found for close")
		return CloseResponse{}, err
	}

	requestHash := domain.RequestHash(RouteCloseInvoice, invoiceID)
	if key != "" {
		stored, found, err := o.lookup(ctx, key)
		if err != nil {
			return CloseResponse{}, err
		}
		if found {
			if stored.RequestHash != requestHash {
				entry.Warn("idempotency key reused for a different invoice")
				return CloseResponse{}, domain.ErrIdempotencyHashMismatch
			}
			entry.Debug("close replayed from ledger")
			o.recordReplayed()
			return replay(stored), nil
		}
	}

	if inv.IsClosed() {
		if key != "" && inv.ClosedByKey == key {
			// Закрыта этим же ключом, но ответ не успели записать: восстанавливаем его.
			return o.remember(ctx, entry, key, requestHash, inv)
		}
		return CloseResponse{}, domain.ErrInvoiceAlreadyClosed
	}

	if len(inv.Items) == 0 {
		return CloseResponse{}, domain.ErrEmptyInvoice
	}

	lines := inv.StockLines()
	batchKey := BatchKey(invoiceID, lines)
	entry = entry.WithField("batch_key", batchKey)

	if _, err := o.stock.BatchDecrement(ctx, batchKey, lines); err != nil {
		o.logDecrementFailure(entry, err)
		return CloseResponse{}, fmt.Errorf("decrement stock: %w", err)
	}

	closed, err := o.invoices.Close(ctx, invoiceID, inv.Version, key)
	if err != nil {
		return o.handleCloseFailure(ctx, entry, key, requestHash, invoiceID, err)
	}

	entry.WithField("number", *closed.Number).Info("invoice closed")
	o.recordCompleted()
	o.emitClosed(ctx, entry, closed, batchKey, lines)

	if key == "" {
		return newResponse(closed)
	}
	return o.remember(ctx, entry, key, requestHash, closed)
}

// handleCloseFailure разбирает проигранную гонку за смену статуса. Остаток к этому
// моменту уже списан.
func (o *Orchestrator) handleCloseFailure(ctx context.Context, entry *log.Entry, key, requestHash string, invoiceID int64, cause error) (CloseResponse, error) {
	if errors.Is(cause, domain.ErrInvoiceAlreadyClosed) && key != "" {
		current, err := o.invoices.Get(ctx, invoiceID)
		if err == nil && current.ClosedByKey == key {
			return o.remember(ctx, entry, key, requestHash, current)
		}
	}

	if domain.IsVersionConflict(cause) {
		o.recordReconciliation()
		entry.WithError(cause).Error("stock decremented but invoice changed before close; reconciliation required")
	} else {
		entry.WithError(cause).Warn("invoice close lost the race")
	}
	return CloseResponse{}, cause
}

// remember пишет ответ в журнал. Если ключ уже записан параллельным запросом,
// возвращается его сохранённый ответ.
func (o *Orchestrator) remember(ctx context.Context, entry *log.Entry, key, requestHash string, inv domain.Invoice) (CloseResponse, error) {
	resp, err := newResponse(inv)
	if err != nil {
		return CloseResponse{}, err
	}

	stored, err := o.ledger.Record(ctx, domain.IdempotencyRecord{
		Key:          key,
		Route:        RouteCloseInvoice,
		RequestHash:  requestHash,
		HTTPStatus:   resp.HTTPStatus,
		ResponseBody: resp.Body,
		CreatedAt:    time.Now().UTC(),
	})
	switch {
	case err == nil:
		return resp, nil
	case errors.Is(err, domain.ErrIdempotencyKeyAlreadyExists):
		if stored.RequestHash != requestHash {
			return CloseResponse{}, domain.ErrIdempotencyHashMismatch
		}
		o.recordReplayed()
		return replay(stored), nil
	default:
		// Накладная уже закрыта этим ключом, повтор восстановит ответ по ClosedByKey.
		entry.WithError(err).Error("failed to record idempotency key")
		return resp, nil
	}
}

func (o *Orchestrator) lookup(ctx context.Context, key string) (domain.IdempotencyRecord, bool, error) {
	stored, err := o.ledger.Lookup(ctx, key, RouteCloseInvoice)
	switch {
	case err == nil:
		return stored, true, nil
	case errors.Is(err, domain.ErrIdempotencyKeyNotFound):
		return domain.IdempotencyRecord{}, false, nil
	default:
		return domain.IdempotencyRecord{}, false, fmt.Errorf("lookup idempotency key: %w", err)
	}
}

func (o *Orchestrator) logDecrementFailure(entry *log.Entry, err error) {
	entry = entry.WithError(err)
	switch domain.Classify(err) {
	case domain.OutcomeUnavailable:
		entry.Warn("inventory unavailable, invoice stays open")
	case domain.OutcomeInternal:
		entry.Error("stock decrement failed")
	default:
		entry.Info("stock decrement rejected")
	}
}

func (o *Orchestrator) emitClosed(ctx context.Context, entry *log.Entry, inv domain.Invoice, batchKey string, lines []domain.StockLine) {
	if o.outbox == nil {
		return
	}

	event := InvoiceClosedEvent{
		InvoiceID: inv.ID,
		Number:    *inv.Number,
		BatchKey:  batchKey,
		Lines:     make([]ClosedEventLine, 0, len(lines)),
	}
	if inv.ClosedAt != nil {
		event.ClosedAt = *inv.ClosedAt
	}
	for _, line := range lines {
		event.Lines = append(event.Lines, ClosedEventLine{ProductID: line.ProductID, Quantity: line.Quantity})
	}

	data, err := json.Marshal(event)
	if err != nil {
		entry.WithError(err).Error("marshal event failed")
		return
	}

	msg := domain.OutboxMessage{
		AggregateType: domain.AggregateTypeInvoice,
		AggregateID:   strconv.FormatInt(inv.ID, 10),
		EventType:     domain.EventTypeInvoiceClosed,
		Payload:       data,
	}
	if _, err := o.outbox.Enqueue(ctx, msg); err != nil {
		entry.WithError(err).WithField("event", msg.EventType).Error("enqueue event failed")
		return
	}
	if o.metrics != nil {
		o.metrics.RecordOutboxEvent()
	}
}

func newResponse(inv domain.Invoice) (CloseResponse, error) {
	if inv.Number == nil {
		return CloseResponse{}, fmt.Errorf("closed invoice %d has no number", inv.ID)
	}
	body, err := json.Marshal(ClosedInvoice{ID: inv.ID, Number: *inv.Number, Status: string(inv.Status)})
	if err != nil {
		return CloseResponse{}, fmt.Errorf("marshal close response: %w", err)
	}
	return CloseResponse{HTTPStatus: http.StatusOK, Body: body}, nil
}

func replay(rec domain.IdempotencyRecord) CloseResponse {
	return CloseResponse{
		HTTPStatus: rec.HTTPStatus,
		Body:       append([]byte(nil), rec.ResponseBody...),
		Replayed:   true,
	}
}

func (o *Orchestrator) recordStarted() {
	if o.metrics != nil {
		o.metrics.RecordStarted()
	}
}

func (o *Orchestrator) recordFinished(d time.Duration) {
	if o.metrics != nil {
		o.metrics.RecordFinished(d)
	}
}

func (o *Orchestrator) recordCompleted() {
	if o.metrics != nil {
		o.metrics.RecordCompleted()
	}
}

func (o *Orchestrator) recordReplayed() {
	if o.metrics != nil {
		o.metrics.RecordReplayed()
	}
}

func (o *Orchestrator) recordFailed(reason string) {
	if o.metrics != nil {
		o.metrics.RecordFailed(reason)
	}
}

func (o *Orchestrator) recordReconciliation() {
	if o.metrics != nil {
		o.metrics.RecordReconciliationNeeded()
	}
}
