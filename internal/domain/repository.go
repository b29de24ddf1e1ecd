package domain

import (
	"context"
	"time"
)

// ProductRepository: хранилище остатков (Balance Store).
type ProductRepository interface {
	// Create сохраняет товар; при пустом коде хранилище назначает его само.
	Create(ctx context.Context, product Product) (Product, error)
	// Get возвращает товар или ErrProductNotFound.
	Get(ctx context.Context, id int64) (Product, error)
	// Update применяет ручную правку с проверкой Version.
	Update(ctx context.Context, product Product) (Product, error)
	// ConditionalDecrement уменьшает остаток, только если его хватает.
	ConditionalDecrement(ctx context.Context, productID, quantity int64) (DecrementResult, error)
	// ApplyBatch списывает все строки атомарно. Непустой batchKey делает повтор безопасным:
	// уже применённый батч возвращает сохранённый результат без повторного списания.
	ApplyBatch(ctx context.Context, batchKey string, lines []StockLine) ([]StockLineResult, error)
}

// InvoiceRepository описывает требования к хранилищу накладных.
type InvoiceRepository interface {
	Create(ctx context.Context, items []LineItem) (Invoice, error)
	// Get возвращает накладную или ErrInvoiceNotFound.
	Get(ctx context.Context, id int64) (Invoice, error)
	// ReplaceItems заменяет позиции открытой накладной с проверкой версии.
	ReplaceItems(ctx context.Context, id, expectedVersion int64, items []LineItem) (Invoice, error)
	Delete(ctx context.Context, id int64) error
	// Close переводит накладную в closed и присваивает номер из монотонного счётчика,
	// только если она открыта и её версия равна expectedVersion.
	Close(ctx context.Context, id, expectedVersion int64, closedByKey string) (Invoice, error)
}

// IdempotencyRepository: журнал идемпотентности, уникальный по (key, route).
type IdempotencyRepository interface {
	// Lookup возвращает запись или ErrIdempotencyKeyNotFound.
	Lookup(ctx context.Context, key, route string) (IdempotencyRecord, error)
	// Record сохраняет запись. Если пара уже занята, возвращает сохранённую запись
	// и ErrIdempotencyKeyAlreadyExists.
	Record(ctx context.Context, rec IdempotencyRecord) (IdempotencyRecord, error)
	DeleteExpired(ctx context.Context, createdBefore time.Time, limit int) (int, error)
}
