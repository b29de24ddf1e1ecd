// Package stock содержит логику хранилища остатков: валидация до обращения к хранилищу,
// проверка достаточности и атомарное списание батча.
package stock

import (
	"context"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/invoicesaga/internal/domain"
	"github.com/vladislavdragonenkov/invoicesaga/internal/metrics"
)

// Service обслуживает операции над остатками.
type Service struct {
	repo    domain.ProductRepository
	metrics *metrics.StockMetrics
	logger  *log.Entry
}

// Option настраивает Service.
type Option func(*Service)

// WithLogger задаёт logger.
func WithLogger(logger *log.Entry) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics задаёт метрики батчей.
func WithMetrics(m *metrics.StockMetrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// NewService создаёт сервис остатков.
func NewService(repo domain.ProductRepository, opts ...Option) *Service {
	s := &Service{
		repo:   repo,
		logger: log.WithField("component", "stock-service"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateProduct создаёт товар с начальным остатком.
func (s *Service) CreateProduct(ctx context.Context, p domain.Product) (domain.Product, error) {
	created, err := s.repo.Create(ctx, p)
	if err != nil {
		return domain.Product{}, err
	}
	s.logger.WithFields(log.Fields{"product_id": created.ID, "code": created.Code}).Info("product created")
	return created, nil
}

// GetProduct возвращает товар.
func (s *Service) GetProduct(ctx context.Context, id int64) (domain.Product, error) {
	if id <= 0 {
		return domain.Product{}, domain.ErrProductIDInvalid
	}
	return s.repo.Get(ctx, id)
}

// UpdateProduct: прямая правка описания и остатка с проверкой версии.
func (s *Service) UpdateProduct(ctx context.Context, p domain.Product) (domain.Product, error) {
	if p.ID <= 0 {
		return domain.Product{}, domain.ErrProductIDInvalid
	}
	return s.repo.Update(ctx, p)
}

// GetBalance возвращает текущий остаток.
func (s *Service) GetBalance(ctx context.Context, productID int64) (int64, error) {
	p, err := s.GetProduct(ctx, productID)
	if err != nil {
		return 0, err
	}
	return p.Balance, nil
}

// CheckSufficient сравнивает остаток с запрошенным количеством, ничего не резервируя.
func (s *Service) CheckSufficient(ctx context.Context, productID, quantity int64) (domain.Availability, error) {
	if quantity <= 0 {
		return domain.Availability{}, domain.ErrQuantityInvalid
	}
	balance, err := s.GetBalance(ctx, productID)
	if err != nil {
		return domain.Availability{}, err
	}
	return domain.Availability{
		ProductID:  productID,
		Balance:    balance,
		Requested:  quantity,
		Sufficient: balance >= quantity,
	}, nil
}

// ConditionalDecrement списывает количество одного товара, только если остатка хватает.
func (s *Service) ConditionalDecrement(ctx context.Context, productID, quantity int64) (domain.DecrementResult, error) {
	if productID <= 0 {
		return domain.DecrementResult{}, domain.ErrProductIDInvalid
	}
	if quantity <= 0 {
		return domain.DecrementResult{}, domain.ErrQuantityInvalid
	}
	return s.repo.ConditionalDecrement(ctx, productID, quantity)
}

// BatchDecrement атомарно списывает весь батч либо ничего.
func (s *Service) BatchDecrement(ctx context.Context, batchKey string, lines []domain.StockLine) ([]domain.StockLineResult, error) {
	if err := domain.ValidateStockLines(lines); err != nil {
		s.recordBatch(domain.OutcomeValidation, 0)
		return nil, err
	}

	results, err := s.repo.ApplyBatch(ctx, batchKey, lines)
	if err != nil {
		outcome := domain.Classify(err)
		s.recordBatch(outcome, 0)

		entry := s.logger.WithError(err).WithFields(log.Fields{"batch_key": batchKey, "lines": len(lines)})
		var stockErr *domain.InsufficientStockError
		if errors.As(err, &stockErr) {
			entry.WithField("product_id", stockErr.ProductID).Info("batch rejected: insufficient stock")
		} else if outcome == domain.OutcomeInternal {
			entry.Error("batch decrement failed")
		}
		return nil, fmt.Errorf("apply batch: %w", err)
	}

	s.recordBatch(domain.OutcomeOK, len(results))
	s.logger.WithFields(log.Fields{"batch_key": batchKey, "lines": len(results)}).Debug("batch applied")
	return results, nil
}

func (s *Service) recordBatch(outcome domain.Outcome, applied int) {
	if s.metrics == nil {
		return
	}
	s.metrics.RecordBatch(string(outcome), applied)
}
