package domain

import "time"

// InvoiceStatus описывает жизненный цикл накладной.
type InvoiceStatus string

const (
	// InvoiceStatusOpen: накладная редактируется, остатки ещё не списаны.
	InvoiceStatusOpen InvoiceStatus = "open"
	// InvoiceStatusClosed: накладная закрыта (напечатана) и больше не меняется.
	InvoiceStatusClosed InvoiceStatus = "closed"
)

// LineItem представляет одну позицию накладной.
type LineItem struct {
	ID        int64
	ProductID int64
	Quantity  int64
	// UnitPriceMinor: цена за единицу в минимальных денежных единицах на момент добавления.
	UnitPriceMinor int64
}

// Invoice агрегирует накладную и её позиции.
type Invoice struct {
	ID int64
	// Number присваивается только при закрытии и уникален среди всех накладных.
	Number *int64
	Status InvoiceStatus
	Items  []LineItem
	// ClosedByKey: idempotency-key, с которым накладная была закрыта (пусто, если без ключа).
	ClosedByKey string
	Version     int64
	CreatedAt   time.Time
	UpdatedAt   time.Time
	ClosedAt    *time.Time
}

// IsClosed сообщает, закрыта ли накладная.
func (i Invoice) IsClosed() bool {
	return i.Status == InvoiceStatusClosed
}

// ValidateItems проверяет позиции накладной.
func ValidateItems(items []LineItem) error {
	for _, item := range items {
		if item.ProductID <= 0 {
			return ErrProductIDInvalid
		}
		if item.Quantity <= 0 {
			return ErrQuantityInvalid
		}
		if item.UnitPriceMinor < 0 {
			return ErrPriceInvalid
		}
	}
	return nil
}

// StockLines превращает позиции накладной в строки батча списания в исходном порядке.
func (i Invoice) StockLines() []StockLine {
	lines := make([]StockLine, 0, len(i.Items))
	for _, item := range i.Items {
		lines = append(lines, StockLine{ProductID: item.ProductID, Quantity: item.Quantity})
	}
	return lines
}

// AggregateQuantities суммирует количество по товару, сохраняя порядок первого появления.
func AggregateQuantities(items []LineItem) []StockLine {
	index := make(map[int64]int, len(items))
	lines := make([]StockLine, 0, len(items))
	for _, item := range items {
		if pos, ok := index[item.ProductID]; ok {
			lines[pos].Quantity += item.Quantity
			continue
		}
		index[item.ProductID] = len(lines)
		lines = append(lines, StockLine{ProductID: item.ProductID, Quantity: item.Quantity})
	}
	return lines
}
