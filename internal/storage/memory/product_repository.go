package memory

import (
	"context"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/invoicesaga/internal/domain"
)

// productRepositoryInMemory: in-memory Balance Store. Единый мьютекс хранилища
// сериализует все изменения остатков, поэтому батч применяется атомарно.
type productRepositoryInMemory struct {
	mu      sync.Mutex
	nextID  int64
	items   map[int64]domain.Product
	batches map[string][]domain.StockLineResult
}

// NewProductRepository создаёт in-memory реализацию ProductRepository.
func NewProductRepository() domain.ProductRepository {
	return &productRepositoryInMemory{
		items:   make(map[int64]domain.Product),
		batches: make(map[string][]domain.StockLineResult),
	}
}

func (r *productRepositoryInMemory) Create(ctx context.Context, product domain.Product) (domain.Product, error) {
	if err := product.Validate(); err != nil {
		return domain.Product{}, err
	}
	if err := ctx.Err(); err != nil {
		return domain.Product{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	product.ID = r.nextID
	if product.Code == "" {
		product.Code = domain.ProductCode(product.ID)
	}
	for _, existing := range r.items {
		if existing.Code == product.Code {
			r.nextID--
			return domain.Product{}, domain.ErrProductCodeTaken
		}
	}

	now := time.Now().UTC()
	product.Version = 1
	product.CreatedAt = now
	product.UpdatedAt = now
	r.items[product.ID] = product
	return product, nil
}

func (r *productRepositoryInMemory) Get(ctx context.Context, id int64) (domain.Product, error) {
	if err := ctx.Err(); err != nil {
		return domain.Product{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	product, ok := r.items[id]
	if !ok {
		return domain.Product{}, domain.ErrProductNotFound
	}
	return product, nil
}

// Update перезаписывает описание и остаток, проверяя версию (optimistic locking).
func (r *productRepositoryInMemory) Update(ctx context.Context, product domain.Product) (domain.Product, error) {
	if err := product.Validate(); err != nil {
		return domain.Product{}, err
	}
	if err := ctx.Err(); err != nil {
		return domain.Product{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.items[product.ID]
	if !ok {
		return domain.Product{}, domain.ErrProductNotFound
	}
	if current.Version != product.Version {
		return domain.Product{}, domain.ErrProductVersionConflict
	}

	current.Description = product.Description
	current.Balance = product.Balance
	current.Version++
	current.UpdatedAt = time.Now().UTC()
	r.items[current.ID] = current
	return current, nil
}

func (r *productRepositoryInMemory) ConditionalDecrement(ctx context.Context, productID, quantity int64) (domain.DecrementResult, error) {
	if quantity <= 0 {
		return domain.DecrementResult{}, domain.ErrQuantityInvalid
	}
	if err := ctx.Err(); err != nil {
		return domain.DecrementResult{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	product, ok := r.items[productID]
	if !ok {
		return domain.DecrementResult{}, domain.ErrProductNotFound
	}
	if product.Balance < quantity {
		return domain.DecrementResult{Applied: false, CurrentBalance: product.Balance}, nil
	}

	product.Balance -= quantity
	product.Version++
	product.UpdatedAt = time.Now().UTC()
	r.items[productID] = product
	return domain.DecrementResult{Applied: true, CurrentBalance: product.Balance}, nil
}

func (r *productRepositoryInMemory) ApplyBatch(ctx context.Context, batchKey string, lines []domain.StockLine) ([]domain.StockLineResult, error) {
	if err := domain.ValidateStockLines(lines); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if batchKey != "" {
		if results, ok := r.batches[batchKey]; ok {
			return cloneResults(results), nil
		}
	}

	// Сначала проверяем существование всех товаров: неизвестный товар отклоняет весь батч.
	for _, line := range lines {
		if _, ok := r.items[line.ProductID]; !ok {
			return nil, domain.ErrProductNotFound
		}
	}

	// Строки одного товара могут повторяться, поэтому считаем по рабочей копии остатков.
	working := make(map[int64]int64, len(lines))
	for _, line := range lines {
		balance, seen := working[line.ProductID]
		if !seen {
			balance = r.items[line.ProductID].Balance
		}
		if balance < line.Quantity {
			return nil, &domain.InsufficientStockError{
				ProductID:      line.ProductID,
				CurrentBalance: balance,
				Requested:      line.Quantity,
			}
		}
		working[line.ProductID] = balance - line.Quantity
	}

	now := time.Now().UTC()
	for id, balance := range working {
		product := r.items[id]
		product.Balance = balance
		product.Version++
		product.UpdatedAt = now
		r.items[id] = product
	}

	results := make([]domain.StockLineResult, 0, len(lines))
	for _, line := range lines {
		results = append(results, domain.StockLineResult{
			ProductID: line.ProductID,
			Quantity:  line.Quantity,
			Status:    domain.StockLineStatusOK,
		})
	}
	if batchKey != "" {
		r.batches[batchKey] = cloneResults(results)
	}
	return results, nil
}

func cloneResults(src []domain.StockLineResult) []domain.StockLineResult {
	return append([]domain.StockLineResult(nil), src...)
}

var _ domain.ProductRepository = (*productRepositoryInMemory)(nil)
