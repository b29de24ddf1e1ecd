package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation: общий признак некорректного входа; конкретные ошибки оборачивают его.
	ErrValidation = errors.New("validation failed")
	// Ошибка при некорректном количестве товара (<= 0).
	ErrQuantityInvalid = fmt.Errorf("%w: quantity must be greater than zero", ErrValidation)
	// Ошибка, если цена позиции отрицательная.
	ErrPriceInvalid = fmt.Errorf("%w: unit price must be non-negative", ErrValidation)
	// Ошибка отсутствующего или некорректного идентификатора товара.
	ErrProductIDInvalid = fmt.Errorf("%w: product id must be positive", ErrValidation)
	// Ошибка пустого батча списания.
	ErrBatchEmpty = fmt.Errorf("%w: batch must contain at least one item", ErrValidation)
	// Ошибка отрицательного остатка при ручной правке товара.
	ErrBalanceNegative = fmt.Errorf("%w: balance must be non-negative", ErrValidation)
	// Ошибка пустого описания товара.
	ErrDescriptionRequired = fmt.Errorf("%w: description is required", ErrValidation)
	// Ошибка отсутствующего токена версии при правке.
	ErrVersionRequired = fmt.Errorf("%w: version is required", ErrValidation)

	// ErrProductNotFound возвращается, если товар не найден в хранилище остатков.
	ErrProductNotFound = errors.New("product not found")
	// ErrProductCodeTaken: код товара уже занят другим товаром.
	ErrProductCodeTaken = errors.New("product code already exists")
	// ErrProductVersionConflict: товар изменён параллельно (устаревший токен версии).
	ErrProductVersionConflict = errors.New("product version conflict")
	// ErrInsufficientStock: остатка не хватает для списания.
	ErrInsufficientStock = errors.New("insufficient stock")

	// ErrInvoiceNotFound возвращается, если накладная не найдена.
	ErrInvoiceNotFound = errors.New("invoice not found")
	// ErrInvoiceAlreadyClosed: повторное закрытие уже закрытой накладной.
	ErrInvoiceAlreadyClosed = errors.New("invoice already closed")
	// ErrInvoiceClosed: попытка изменить закрытую (неизменяемую) накладную.
	ErrInvoiceClosed = errors.New("invoice is closed and cannot be modified")
	// ErrInvoiceVersionConflict сигнализирует о конфликте версий при сохранении.
	ErrInvoiceVersionConflict = errors.New("invoice version conflict")
	// ErrEmptyInvoice: закрытие накладной без позиций.
	ErrEmptyInvoice = errors.New("invoice has no line items")

	// ErrIdempotencyKeyNotFound: записи для пары (key, route) нет.
	ErrIdempotencyKeyNotFound = errors.New("idempotency key not found")
	// ErrIdempotencyKeyAlreadyExists: запись для пары (key, route) уже сохранена.
	ErrIdempotencyKeyAlreadyExists = errors.New("idempotency key already exists")
	// ErrIdempotencyHashMismatch: ключ уже использован для другого запроса.
	ErrIdempotencyHashMismatch = errors.New("idempotency key reused with different request")
	// ErrIdempotencyKeyRequired: пустой ключ.
	ErrIdempotencyKeyRequired = errors.New("idempotency key is required")
	// ErrIdempotencyRouteRequired: пустой маршрут.
	ErrIdempotencyRouteRequired = errors.New("idempotency route is required")

	// ErrDependencyUnavailable: склад недоступен после исчерпания повторов.
	ErrDependencyUnavailable = errors.New("inventory dependency unavailable")
	// ErrDependencyTimeout: общий таймаут вызова склада истёк.
	ErrDependencyTimeout = fmt.Errorf("%w: timeout", ErrDependencyUnavailable)
	// ErrCircuitOpen: circuit breaker открыт, вызов не выполнялся.
	ErrCircuitOpen = fmt.Errorf("%w: circuit open", ErrDependencyUnavailable)

	// ErrOutboxPublish: ошибка при публикации сообщения из outbox.
	ErrOutboxPublish = errors.New("outbox publish failed")
)

// InsufficientStockError описывает первую позицию батча, для которой не хватило остатка.
type InsufficientStockError struct {
	ProductID      int64
	CurrentBalance int64
	Requested      int64
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for product %d: balance %d, requested %d",
		e.ProductID, e.CurrentBalance, e.Requested)
}

// Is позволяет сравнивать ошибку с ErrInsufficientStock через errors.Is.
func (e *InsufficientStockError) Is(target error) bool {
	return target == ErrInsufficientStock
}

// IsVersionConflict проверяет, является ли ошибка конфликтом версий.
func IsVersionConflict(err error) bool {
	return errors.Is(err, ErrInvoiceVersionConflict) || errors.Is(err, ErrProductVersionConflict)
}

// IsIdempotencyConflict проверяет, связана ли ошибка с повторным использованием ключа.
func IsIdempotencyConflict(err error) bool {
	return errors.Is(err, ErrIdempotencyKeyAlreadyExists) || errors.Is(err, ErrIdempotencyHashMismatch)
}
