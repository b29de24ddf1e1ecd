package billingapi

import (
	"time"

	"github.com/vladislavdragonenkov/invoicesaga/internal/domain"
)

// Заголовки API биллинга.
const (
	HeaderIdempotencyKey = "Idempotency-Key"
	// HeaderReplayed выставляется, когда ответ взят из журнала идемпотентности.
	HeaderReplayed = "Idempotent-Replayed"
)

// PathInvoices: корень ресурса накладных.
const PathInvoices = "/api/billing/invoices"

// LineItemRequest: позиция в теле запроса.
type LineItemRequest struct {
	ProductID      int64 `json:"productId"`
	Quantity       int64 `json:"quantity"`
	UnitPriceMinor int64 `json:"unitPriceMinor"`
}

// CreateInvoiceRequest: тело POST /api/billing/invoices.
type CreateInvoiceRequest struct {
	Items []LineItemRequest `json:"items"`
}

// UpdateInvoiceRequest описывает тело PUT: полная замена позиций с токеном версии.
type UpdateInvoiceRequest struct {
	Version int64             `json:"version"`
	Items   []LineItemRequest `json:"items"`
}

// LineItemResponse: позиция в ответе.
type LineItemResponse struct {
	ID             int64 `json:"id"`
	ProductID      int64 `json:"productId"`
	Quantity       int64 `json:"quantity"`
	UnitPriceMinor int64 `json:"unitPriceMinor"`
}

// InvoiceResponse: представление накладной.
type InvoiceResponse struct {
	ID        int64              `json:"id"`
	Number    *int64             `json:"number"`
	Status    string             `json:"status"`
	Version   int64              `json:"version"`
	Items     []LineItemResponse `json:"items"`
	CreatedAt time.Time          `json:"createdAt"`
	UpdatedAt time.Time          `json:"updatedAt"`
	ClosedAt  *time.Time         `json:"closedAt,omitempty"`
}

// InsufficientStockResponse: тело 409 при нехватке остатка с деталями по товару.
type InsufficientStockResponse struct {
	Error          string `json:"error"`
	Message        string `json:"message"`
	ProductID      int64  `json:"productId"`
	CurrentBalance int64  `json:"currentBalance"`
	Requested      int64  `json:"requested"`
}

func toLineItems(items []LineItemRequest) []domain.LineItem {
	out := make([]domain.LineItem, 0, len(items))
	for _, item := range items {
		out = append(out, domain.LineItem{
			ProductID:      item.ProductID,
			Quantity:       item.Quantity,
			UnitPriceMinor: item.UnitPriceMinor,
		})
	}
	return out
}

func newInvoiceResponse(inv domain.Invoice) InvoiceResponse {
	items := make([]LineItemResponse, 0, len(inv.Items))
	for _, item := range inv.Items {
		items = append(items, LineItemResponse{
			ID:             item.ID,
			ProductID:      item.ProductID,
			Quantity:       item.Quantity,
			UnitPriceMinor: item.UnitPriceMinor,
		})
	}
	return InvoiceResponse{
		ID:        inv.ID,
		Number:    inv.Number,
		Status:    string(inv.Status),
		Version:   inv.Version,
		Items:     items,
		CreatedAt: inv.CreatedAt,
		UpdatedAt: inv.UpdatedAt,
		ClosedAt:  inv.ClosedAt,
	}
}
