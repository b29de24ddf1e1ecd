package inventoryapi

import (
	"strconv"
	"time"

	"github.com/vladislavdragonenkov/invoicesaga/internal/domain"
	"github.com/vladislavdragonenkov/invoicesaga/internal/http/httpx"
)

// Заголовки, которые понимает API склада.
const (
	HeaderIdempotencyKey = "Idempotency-Key"
	HeaderRequestID      = "X-Request-ID"
)

// Пути API склада.
const (
	PathBatchDecrement = "/api/inventory/batch-decrement"
	PathProducts       = "/api/inventory/products"
)

// AvailabilityPath возвращает путь проверки остатка товара.
func AvailabilityPath(productID int64) string {
	return PathProducts + "/" + strconv.FormatInt(productID, 10) + "/availability"
}

// BatchItem: строка батча на проводе.
type BatchItem struct {
	ProductID int64 `json:"productId"`
	Quantity  int64 `json:"quantity"`
}

// BatchRequest: тело POST /api/inventory/batch-decrement.
type BatchRequest struct {
	Items []BatchItem `json:"items"`
}

// BatchResultItem: результат по строке батча.
type BatchResultItem struct {
	ProductID int64  `json:"productId"`
	Quantity  int64  `json:"quantity"`
	Status    string `json:"status"`
}

// BatchResponse: успешный ответ на списание батча.
type BatchResponse struct {
	Results []BatchResultItem `json:"results"`
}

// InsufficientStockResponse: тело 409 при нехватке остатка.
type InsufficientStockResponse struct {
	Error          string `json:"error"`
	ProductID      int64  `json:"productId"`
	CurrentBalance int64  `json:"currentBalance"`
	Requested      int64  `json:"requested"`
}

// AvailabilityResponse: ответ проверки остатка (200 или 409).
type AvailabilityResponse struct {
	ProductID  int64 `json:"productId"`
	Balance    int64 `json:"balance"`
	Requested  int64 `json:"requested"`
	Sufficient bool  `json:"sufficient"`
}

// ErrorResponse: общее тело ошибки.
type ErrorResponse = httpx.ErrorResponse

// ProductRequest: тело создания и правки товара.
type ProductRequest struct {
	Code        string `json:"code,omitempty"`
	Description string `json:"description"`
	Balance     int64  `json:"balance"`
	Version     int64  `json:"version,omitempty"`
}

// ProductResponse: представление товара.
type ProductResponse struct {
	ID          int64     `json:"id"`
	Code        string    `json:"code"`
	Description string    `json:"description"`
	Balance     int64     `json:"balance"`
	Version     int64     `json:"version"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// ToStockLines переводит строки запроса в доменные.
func (r BatchRequest) ToStockLines() []domain.StockLine {
	lines := make([]domain.StockLine, 0, len(r.Items))
	for _, item := range r.Items {
		lines = append(lines, domain.StockLine{ProductID: item.ProductID, Quantity: item.Quantity})
	}
	return lines
}

// NewBatchRequest строит тело запроса из доменных строк.
func NewBatchRequest(lines []domain.StockLine) BatchRequest {
	items := make([]BatchItem, 0, len(lines))
	for _, line := range lines {
		items = append(items, BatchItem{ProductID: line.ProductID, Quantity: line.Quantity})
	}
	return BatchRequest{Items: items}
}

// ToDomain переводит ответ в доменные результаты.
func (r BatchResponse) ToDomain() []domain.StockLineResult {
	out := make([]domain.StockLineResult, 0, len(r.Results))
	for _, item := range r.Results {
		out = append(out, domain.StockLineResult{ProductID: item.ProductID, Quantity: item.Quantity, Status: item.Status})
	}
	return out
}

func newBatchResponse(results []domain.StockLineResult) BatchResponse {
	items := make([]BatchResultItem, 0, len(results))
	for _, r := range results {
		items = append(items, BatchResultItem{ProductID: r.ProductID, Quantity: r.Quantity, Status: r.Status})
	}
	return BatchResponse{Results: items}
}

func newProductResponse(p domain.Product) ProductResponse {
	return ProductResponse{
		ID:          p.ID,
		Code:        p.Code,
		Description: p.Description,
		Balance:     p.Balance,
		Version:     p.Version,
		CreatedAt:   p.CreatedAt,
		UpdatedAt:   p.UpdatedAt,
	}
}
