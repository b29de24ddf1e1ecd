// Package invoicing редактирует открытые накладные с проверкой остатков на складе.
package invoicing

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/invoicesaga/internal/domain"
)

// Service создаёт, меняет и удаляет открытые накладные.
type Service struct {
	invoices domain.InvoiceRepository
	stock    domain.StockGateway
	logger   *log.Entry
}

// NewService создаёт сервис накладных.
func NewService(invoices domain.InvoiceRepository, stock domain.StockGateway, logger *log.Entry) *Service {
	if logger == nil {
		logger = log.WithField("component", "invoicing")
	}
	return &Service{invoices: invoices, stock: stock, logger: logger}
}

// Create проверяет позиции и остатки, затем сохраняет новую открытую накладную.
func (s *Service) Create(ctx context.Context, items []domain.LineItem) (domain.Invoice, error) {
	if err := domain.ValidateItems(items); err != nil {
		return domain.Invoice{}, err
	}
	if err := s.checkAvailability(ctx, items); err != nil {
		return domain.Invoice{}, err
	}

	inv, err := s.invoices.Create(ctx, items)
	if err != nil {
		return domain.Invoice{}, fmt.Errorf("create invoice: %w", err)
	}
	s.logger.WithFields(log.Fields{"invoice_id": inv.ID, "items": len(inv.Items)}).Info("invoice created")
	return inv, nil
}

// Get возвращает накладную.
func (s *Service) Get(ctx context.Context, id int64) (domain.Invoice, error) {
	return s.invoices.Get(ctx, id)
}

// ReplaceItems заменяет позиции открытой накладной. Закрытая накладная не меняется,
// склад в этом случае не опрашивается.
func (s *Service) ReplaceItems(ctx context.Context, id, expectedVersion int64, items []domain.LineItem) (domain.Invoice, error) {
	current, err := s.invoices.Get(ctx, id)
	if err != nil {
		return domain.Invoice{}, err
	}
	if current.IsClosed() {
		return domain.Invoice{}, domain.ErrInvoiceClosed
	}
	if current.Version != expectedVersion {
		return domain.Invoice{}, domain.ErrInvoiceVersionConflict
	}
	if err := domain.ValidateItems(items); err != nil {
		return domain.Invoice{}, err
	}
	if err := s.checkAvailability(ctx, items); err != nil {
		return domain.Invoice{}, err
	}

	updated, err := s.invoices.ReplaceItems(ctx, id, expectedVersion, items)
	if err != nil {
		return domain.Invoice{}, err
	}
	s.logger.WithFields(log.Fields{"invoice_id": id, "version": updated.Version}).Info("invoice items replaced")
	return updated, nil
}

// Delete удаляет открытую накладную.
func (s *Service) Delete(ctx context.Context, id int64) error {
	if err := s.invoices.Delete(ctx, id); err != nil {
		return err
	}
	s.logger.WithField("invoice_id", id).Info("invoice deleted")
	return nil
}

// checkAvailability опрашивает склад по суммарному количеству каждого товара.
// Проверка справочная: остаток не резервируется и может измениться до закрытия.
func (s *Service) checkAvailability(ctx context.Context, items []domain.LineItem) error {
	for _, line := range domain.AggregateQuantities(items) {
		av, err := s.stock.CheckAvailability(ctx, line.ProductID, line.Quantity)
		if err != nil {
			s.logger.WithError(err).WithField("product_id", line.ProductID).Warn("availability check failed")
			return fmt.Errorf("check availability of product %d: %w", line.ProductID, err)
		}
		if !av.Sufficient {
			return &domain.InsufficientStockError{
				ProductID:      line.ProductID,
				CurrentBalance: av.Balance,
				Requested:      line.Quantity,
			}
		}
	}
	return nil
}
