// Package billingapi реализует HTTP API биллинга: накладные и их закрытие.
package billingapi

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/invoicesaga/internal/domain"
	"github.com/vladislavdragonenkov/invoicesaga/internal/http/httpx"
	"github.com/vladislavdragonenkov/invoicesaga/internal/service/invoicing"
	"github.com/vladislavdragonenkov/invoicesaga/internal/service/saga"
)

// Handler обслуживает запросы биллинга.
type Handler struct {
	invoices *invoicing.Service
	closer   *saga.Orchestrator
	logger   *log.Entry
}

// NewHandler создаёт Handler.
func NewHandler(invoices *invoicing.Service, closer *saga.Orchestrator, logger *log.Entry) *Handler {
	if logger == nil {
		logger = log.WithField("component", "billing-api")
	}
	return &Handler{invoices: invoices, closer: closer, logger: logger}
}

// NewRouter собирает маршруты API биллинга.
func NewRouter(h *Handler) http.Handler {
	r := httpx.NewRouter("billing-api", h.logger)

	r.Route(PathInvoices, func(r chi.Router) {
		r.Post("/", h.CreateInvoice)
		r.Get("/{id}", h.GetInvoice)
		r.Put("/{id}", h.UpdateInvoice)
		r.Delete("/{id}", h.DeleteInvoice)
		r.Post("/{id}/close", h.CloseInvoice)
	})
	return r
}

func (h *Handler) CreateInvoice(w http.ResponseWriter, r *http.Request) {
	var req CreateInvoiceRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, err)
		return
	}

	inv, err := h.invoices.Create(r.Context(), toLineItems(req.Items))
	if err != nil {
		h.writeError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, newInvoiceResponse(inv))
}

func (h *Handler) GetInvoice(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.WriteError(w, err)
		return
	}

	inv, err := h.invoices.Get(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, newInvoiceResponse(inv))
}

// UpdateInvoice заменяет позиции открытой накладной.
func (h *Handler) UpdateInvoice(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	var req UpdateInvoiceRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, err)
		return
	}
	if req.Version <= 0 {
		httpx.WriteError(w, domain.ErrVersionRequired)
		return
	}

	inv, err := h.invoices.ReplaceItems(r.Context(), id, req.Version, toLineItems(req.Items))
	if err != nil {
		h.writeError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, newInvoiceResponse(inv))
}

func (h *Handler) DeleteInvoice(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.WriteError(w, err)
		return
	}

	if err := h.invoices.Delete(r.Context(), id); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// CloseInvoice запускает сагу закрытия. Повтор с тем же Idempotency-Key
// получает сохранённые статус и тело без изменений.
func (h *Handler) CloseInvoice(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.WriteError(w, err)
		return
	}

	resp, err := h.closer.Close(r.Context(), id, r.Header.Get(HeaderIdempotencyKey))
	if err != nil {
		h.writeError(w, err)
		return
	}
	if resp.Replayed {
		w.Header().Set(HeaderReplayed, "true")
	}
	httpx.WriteRaw(w, resp.HTTPStatus, resp.Body)
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	var stockErr *domain.InsufficientStockError
	if errors.As(err, &stockErr) {
		httpx.WriteJSON(w, http.StatusConflict, InsufficientStockResponse{
			Error:          domain.Code(err),
			Message:        err.Error(),
			ProductID:      stockErr.ProductID,
			CurrentBalance: stockErr.CurrentBalance,
			Requested:      stockErr.Requested,
		})
		return
	}
	if domain.Classify(err) == domain.OutcomeInternal {
		h.logger.WithError(err).Error("billing request failed")
	}
	httpx.WriteError(w, err)
}
