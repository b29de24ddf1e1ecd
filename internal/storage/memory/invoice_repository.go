package memory

import (
	"context"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/invoicesaga/internal/domain"
)

// invoiceRepositoryInMemory хранит накладные; номер выдаётся из счётчика под тем же мьютексом,
// что и смена статуса, поэтому номера уникальны и монотонны.
type invoiceRepositoryInMemory struct {
	mu         sync.RWMutex
	nextID     int64
	nextItemID int64
	lastNumber int64
	items      map[int64]domain.Invoice
}

// NewInvoiceRepository возвращает in-memory репозиторий накладных.
func NewInvoiceRepository() domain.InvoiceRepository {
	return &invoiceRepositoryInMemory{items: make(map[int64]domain.Invoice)}
}

func (r *invoiceRepositoryInMemory) Create(ctx context.Context, items []domain.LineItem) (domain.Invoice, error) {
	if err := ctx.Err(); err != nil {
		return domain.Invoice{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	now := time.Now().UTC()
	inv := domain.Invoice{
		ID:        r.nextID,
		Status:    domain.InvoiceStatusOpen,
		Items:     r.assignItemIDs(items),
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	r.items[inv.ID] = inv
	return cloneInvoice(inv), nil
}

func (r *invoiceRepositoryInMemory) Get(ctx context.Context, id int64) (domain.Invoice, error) {
	if err := ctx.Err(); err != nil {
		return domain.Invoice{}, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	inv, ok := r.items[id]
	if !ok {
		return domain.Invoice{}, domain.ErrInvoiceNotFound
	}
	return cloneInvoice(inv), nil
}

func (r *invoiceRepositoryInMemory) ReplaceItems(ctx context.Context, id, expectedVersion int64, items []domain.LineItem) (domain.Invoice, error) {
	if err := ctx.Err(); err != nil {
		return domain.Invoice{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	inv, ok := r.items[id]
	if !ok {
		return domain.Invoice{}, domain.ErrInvoiceNotFound
	}
	if inv.IsClosed() {
		return domain.Invoice{}, domain.ErrInvoiceClosed
	}
	if inv.Version != expectedVersion {
		return domain.Invoice{}, domain.ErrInvoiceVersionConflict
	}

	inv.Items = r.assignItemIDs(items)
	inv.Version++
	inv.UpdatedAt = time.Now().UTC()
	r.items[id] = inv
	return cloneInvoice(inv), nil
}

func (r *invoiceRepositoryInMemory) Delete(ctx context.Context, id int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	inv, ok := r.items[id]
	if !ok {
		return domain.ErrInvoiceNotFound
	}
	if inv.IsClosed() {
		return domain.ErrInvoiceClosed
	}
	delete(r.items, id)
	return nil
}

func (r *invoiceRepositoryInMemory) Close(ctx context.Context, id, expectedVersion int64, closedByKey string) (domain.Invoice, error) {
	if err := ctx.Err(); err != nil {
		return domain.Invoice{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	inv, ok := r.items[id]
	if !ok {
		return domain.Invoice{}, domain.ErrInvoiceNotFound
	}
	if inv.IsClosed() {
		return domain.Invoice{}, domain.ErrInvoiceAlreadyClosed
	}
	if inv.Version != expectedVersion {
		return domain.Invoice{}, domain.ErrInvoiceVersionConflict
	}

	r.lastNumber++
	number := r.lastNumber
	now := time.Now().UTC()
	inv.Number = &number
	inv.Status = domain.InvoiceStatusClosed
	inv.ClosedByKey = closedByKey
	inv.ClosedAt = &now
	inv.Version++
	inv.UpdatedAt = now
	r.items[id] = inv
	return cloneInvoice(inv), nil
}

func (r *invoiceRepositoryInMemory) assignItemIDs(items []domain.LineItem) []domain.LineItem {
	out := make([]domain.LineItem, 0, len(items))
	for _, item := range items {
		r.nextItemID++
		item.ID = r.nextItemID
		out = append(out, item)
	}
	return out
}

func cloneInvoice(src domain.Invoice) domain.Invoice {
	dst := src
	dst.Items = append([]domain.LineItem(nil), src.Items...)
	if src.Number != nil {
		n := *src.Number
		dst.Number = &n
	}
	if src.ClosedAt != nil {
		at := *src.ClosedAt
		dst.ClosedAt = &at
	}
	return dst
}

var _ domain.InvoiceRepository = (*invoiceRepositoryInMemory)(nil)
