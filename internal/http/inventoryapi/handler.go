// Package inventoryapi реализует HTTP API хранилища остатков.
package inventoryapi

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/invoicesaga/internal/domain"
	"github.com/vladislavdragonenkov/invoicesaga/internal/http/httpx"
	"github.com/vladislavdragonenkov/invoicesaga/internal/service/stock"
)

// Handler обслуживает запросы к складу.
type Handler struct {
	stock  *stock.Service
	logger *log.Entry
}

// NewHandler создаёт Handler.
func NewHandler(svc *stock.Service, logger *log.Entry) *Handler {
	if logger == nil {
		logger = log.WithField("component", "inventory-api")
	}
	return &Handler{stock: svc, logger: logger}
}

// NewRouter собирает маршруты API склада.
func NewRouter(h *Handler) http.Handler {
	r := httpx.NewRouter("inventory-api", h.logger)

	r.Post(PathBatchDecrement, h.BatchDecrement)
	r.Route(PathProducts, func(r chi.Router) {
		r.Post("/", h.CreateProduct)
		r.Get("/{id}", h.GetProduct)
		r.Put("/{id}", h.UpdateProduct)
		r.Get("/{id}/availability", h.CheckAvailability)
	})
	return r
}

// CheckAvailability отвечает 200 при достаточном остатке и 409 с тем же телом иначе.
func (h *Handler) CheckAvailability(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	quantity, err := strconv.ParseInt(r.URL.Query().Get("quantity"), 10, 64)
	if err != nil {
		httpx.WriteError(w, domain.ErrQuantityInvalid)
		return
	}

	avail, err := h.stock.CheckSufficient(r.Context(), id, quantity)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}

	status := http.StatusOK
	if !avail.Sufficient {
		status = http.StatusConflict
	}
	httpx.WriteJSON(w, status, AvailabilityResponse{
		ProductID:  avail.ProductID,
		Balance:    avail.Balance,
		Requested:  avail.Requested,
		Sufficient: avail.Sufficient,
	})
}

// BatchDecrement списывает батч целиком. Idempotency-Key делает повтор безопасным.
func (h *Handler) BatchDecrement(w http.ResponseWriter, r *http.Request) {
	var req BatchRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, err)
		return
	}

	results, err := h.stock.BatchDecrement(r.Context(), r.Header.Get(HeaderIdempotencyKey), req.ToStockLines())
	if err != nil {
		var stockErr *domain.InsufficientStockError
		if errors.As(err, &stockErr) {
			httpx.WriteJSON(w, http.StatusConflict, InsufficientStockResponse{
				Error:          domain.Code(err),
				ProductID:      stockErr.ProductID,
				CurrentBalance: stockErr.CurrentBalance,
				Requested:      stockErr.Requested,
			})
			return
		}
		httpx.WriteError(w, err)
		return
	}

	httpx.WriteJSON(w, http.StatusOK, newBatchResponse(results))
}

func (h *Handler) CreateProduct(w http.ResponseWriter, r *http.Request) {
	var req ProductRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, err)
		return
	}

	created, err := h.stock.CreateProduct(r.Context(), domain.Product{
		Code:        req.Code,
		Description: req.Description,
		Balance:     req.Balance,
	})
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, newProductResponse(created))
}

func (h *Handler) GetProduct(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.WriteError(w, err)
		return
	}

	p, err := h.stock.GetProduct(r.Context(), id)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, newProductResponse(p))
}

// UpdateProduct: прямая правка товара; version обязателен.
func (h *Handler) UpdateProduct(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	var req ProductRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, err)
		return
	}
	if req.Version <= 0 {
		httpx.WriteError(w, domain.ErrVersionRequired)
		return
	}

	updated, err := h.stock.UpdateProduct(r.Context(), domain.Product{
		ID:          id,
		Description: req.Description,
		Balance:     req.Balance,
		Version:     req.Version,
	})
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, newProductResponse(updated))
}
