package domain

import (
	"context"
	"errors"
)

// Outcome: закрытый набор вариантов результата операции.
// Транспортный слой отображает его в коды ответа, не разбирая текст ошибок.
type Outcome string

const (
	OutcomeOK          Outcome = "ok"
	OutcomeValidation  Outcome = "validation"
	OutcomeNotFound    Outcome = "not_found"
	OutcomeConflict    Outcome = "conflict"
	OutcomeUnavailable Outcome = "unavailable"
	OutcomeInternal    Outcome = "internal"
)

// Classify относит ошибку к одному из вариантов Outcome.
func Classify(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeOK
	case errors.Is(err, ErrValidation):
		return OutcomeValidation
	case errors.Is(err, ErrProductNotFound), errors.Is(err, ErrInvoiceNotFound):
		return OutcomeNotFound
	case errors.Is(err, ErrInsufficientStock),
		errors.Is(err, ErrInvoiceAlreadyClosed),
		errors.Is(err, ErrInvoiceClosed),
		errors.Is(err, ErrEmptyInvoice),
		errors.Is(err, ErrProductCodeTaken),
		IsVersionConflict(err),
		IsIdempotencyConflict(err):
		return OutcomeConflict
	case errors.Is(err, ErrDependencyUnavailable),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return OutcomeUnavailable
	default:
		return OutcomeInternal
	}
}

// Code возвращает машинно-читаемый код ошибки для тела ответа.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrCircuitOpen):
		return "circuit_open"
	case errors.Is(err, ErrDependencyTimeout):
		return "dependency_timeout"
	case errors.Is(err, ErrDependencyUnavailable):
		return "dependency_unavailable"
	case errors.Is(err, ErrInsufficientStock):
		return "insufficient_stock"
	case errors.Is(err, ErrInvoiceAlreadyClosed):
		return "already_closed"
	case errors.Is(err, ErrInvoiceClosed):
		return "invoice_closed"
	case errors.Is(err, ErrEmptyInvoice):
		return "empty_invoice"
	case errors.Is(err, ErrIdempotencyHashMismatch):
		return "idempotency_key_reused"
	case errors.Is(err, ErrProductCodeTaken):
		return "product_code_taken"
	case IsVersionConflict(err):
		return "version_conflict"
	case errors.Is(err, ErrProductNotFound):
		return "product_not_found"
	case errors.Is(err, ErrInvoiceNotFound):
		return "invoice_not_found"
	case errors.Is(err, ErrValidation):
		return "validation_failed"
	default:
		return "internal"
	}
}
