package saga

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/invoicesaga/internal/domain"
	"github.com/vladislavdragonenkov/invoicesaga/internal/metrics"
	"github.com/vladislavdragonenkov/invoicesaga/internal/storage/memory"
)

// localGateway ходит в in-memory хранилище остатков напрямую и умеет имитировать сбои.
type localGateway struct {
	products domain.ProductRepository

	mu       sync.Mutex
	failures []error
	calls    int
	before   func()
}

func (g *localGateway) BatchDecrement(ctx context.Context, batchKey string, lines []domain.StockLine) ([]domain.StockLineResult, error) {
	g.mu.Lock()
	g.calls++
	var injected error
	if len(g.failures) > 0 {
		injected, g.failures = g.failures[0], g.failures[1:]
	}
	before := g.before
	g.mu.Unlock()

	if injected != nil {
		return nil, injected
	}
	if before != nil {
		before()
	}
	return g.products.ApplyBatch(ctx, batchKey, lines)
}

func (g *localGateway) CheckAvailability(ctx context.Context, productID, quantity int64) (domain.Availability, error) {
	p, err := g.products.Get(ctx, productID)
	if err != nil {
		return domain.Availability{}, err
	}
	return domain.Availability{ProductID: productID, Balance: p.Balance, Requested: quantity, Sufficient: p.Balance >= quantity}, nil
}

type fixture struct {
	orch     *Orchestrator
	products domain.ProductRepository
	invoices domain.InvoiceRepository
	ledger   domain.IdempotencyRepository
	outbox   *memory.OutboxRepository
	gateway  *localGateway
	registry *prometheus.Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	logger := log.New()
	logger.SetOutput(io.Discard)

	f := &fixture{
		products: memory.NewProductRepository(),
		invoices: memory.NewInvoiceRepository(),
		ledger:   memory.NewIdempotencyRepository(),
		outbox:   memory.NewOutboxRepository(),
		registry: prometheus.NewRegistry(),
	}
	f.gateway = &localGateway{products: f.products}
	f.orch = NewOrchestrator(f.invoices, f.ledger, f.gateway, logger.WithField("component", "saga-test"),
		WithMetrics(metrics.NewCloseMetricsWithRegisterer(f.registry)),
		WithOutbox(f.outbox),
	)
	return f
}

func (f *fixture) product(t *testing.T, balance int64) int64 {
	t.Helper()
	p, err := f.products.Create(context.Background(), domain.Product{Description: "item", Balance: balance})
	require.NoError(t, err)
	return p.ID
}

func (f *fixture) invoice(t *testing.T, items ...domain.LineItem) domain.Invoice {
	t.Helper()
	inv, err := f.invoices.Create(context.Background(), items)
	require.NoError(t, err)
	return inv
}

func (f *fixture) balance(t *testing.T, id int64) int64 {
	t.Helper()
	p, err := f.products.Get(context.Background(), id)
	require.NoError(t, err)
	return p.Balance
}

func (f *fixture) counter(t *testing.T, name string) float64 {
	t.Helper()
	families, err := f.registry.Gather()
	require.NoError(t, err)

	var total float64
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			total += counterOf(m)
		}
	}
	return total
}

func counterOf(m *dto.Metric) float64 {
	if m.GetCounter() == nil {
		return 0
	}
	return m.GetCounter().GetValue()
}

func TestBatchKeyIsDeterministic(t *testing.T) {
	lines := []domain.StockLine{{ProductID: 1, Quantity: 2}, {ProductID: 3, Quantity: 4}}

	require.Equal(t, BatchKey(7, lines), BatchKey(7, lines))
	require.NotEqual(t, BatchKey(7, lines), BatchKey(8, lines))
	require.NotEqual(t, BatchKey(7, lines), BatchKey(7, lines[:1]))
	require.Regexp(t, `^close-7-[0-9a-f]{64}$`, BatchKey(7, lines))
}

func TestCloseDecrementsAndAssignsNumber(t *testing.T) {
	f := newFixture(t)
	p1, p2 := f.product(t, 10), f.product(t, 5)
	inv := f.invoice(t,
		domain.LineItem{ProductID: p1, Quantity: 3, UnitPriceMinor: 100},
		domain.LineItem{ProductID: p2, Quantity: 5, UnitPriceMinor: 250},
	)

	resp, err := f.orch.Close(context.Background(), inv.ID, "key-1")
	require.NoError(t, err)
	require.Equal(t, 200, resp.HTTPStatus)
	require.False(t, resp.Replayed)
	require.JSONEq(t, `{"id":1,"number":1,"status":"closed"}`, string(resp.Body))

	require.EqualValues(t, 7, f.balance(t, p1))
	require.EqualValues(t, 0, f.balance(t, p2))

	closed, err := f.invoices.Get(context.Background(), inv.ID)
	require.NoError(t, err)
	require.True(t, closed.IsClosed())
	require.Equal(t, "key-1", closed.ClosedByKey)

	pending := f.outbox.AllPending()
	require.Len(t, pending, 1)
	require.Equal(t, domain.EventTypeInvoiceClosed, pending[0].EventType)
	require.Equal(t, "1", pending[0].AggregateID)

	require.EqualValues(t, 1, f.counter(t, "invoicesaga_close_completed_total"))
}

func TestCloseSameKeyReplaysIdenticalBytes(t *testing.T) {
	f := newFixture(t)
	p := f.product(t, 10)
	inv := f.invoice(t, domain.LineItem{ProductID: p, Quantity: 4})

	first, err := f.orch.Close(context.Background(), inv.ID, "key-1")
	require.NoError(t, err)

	second, err := f.orch.Close(context.Background(), inv.ID, "key-1")
	require.NoError(t, err)
	require.True(t, second.Replayed)
	require.Equal(t, first.HTTPStatus, second.HTTPStatus)
	require.Equal(t, first.Body, second.Body)

	require.EqualValues(t, 6, f.balance(t, p))
	require.Len(t, f.outbox.AllPending(), 1)
	require.EqualValues(t, 1, f.counter(t, "invoicesaga_close_replayed_total"))
}

func TestCloseConcurrentSameKeyDecrementsOnce(t *testing.T) {
	f := newFixture(t)
	p := f.product(t, 10)
	inv := f.invoice(t, domain.LineItem{ProductID: p, Quantity: 3})

	const workers = 16
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		bodies = make(map[string]int)
		errs   []error
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := f.orch.Close(context.Background(), inv.ID, "same-key")
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			bodies[string(resp.Body)]++
		}()
	}
	wg.Wait()

	require.Empty(t, errs)
	require.Len(t, bodies, 1, "every caller must observe the same response")
	require.EqualValues(t, 7, f.balance(t, p))

	rec, err := f.ledger.Lookup(context.Background(), "same-key", RouteCloseInvoice)
	require.NoError(t, err)
	for body := range bodies {
		require.Equal(t, body, string(rec.ResponseBody))
	}
}

func TestCloseConcurrentDifferentKeysDecrementOnce(t *testing.T) {
	f := newFixture(t)
	p := f.product(t, 10)
	inv := f.invoice(t, domain.LineItem{ProductID: p, Quantity: 3})

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		others    []error
	)
	for _, key := range []string{"a", "b", "c", "d"} {
		wg.Add(1)
		go func(key string) {
			defer wg.Done()
			_, err := f.orch.Close(context.Background(), inv.ID, key)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				succeeded++
				return
			}
			others = append(others, err)
		}(key)
	}
	wg.Wait()

	require.Equal(t, 1, succeeded)
	for _, err := range others {
		require.ErrorIs(t, err, domain.ErrInvoiceAlreadyClosed)
	}
	require.EqualValues(t, 7, f.balance(t, p))
}

func TestCloseWithoutKeyTwiceIsAlreadyClosed(t *testing.T) {
	f := newFixture(t)
	p := f.product(t, 10)
	inv := f.invoice(t, domain.LineItem{ProductID: p, Quantity: 1})

	_, err := f.orch.Close(context.Background(), inv.ID, "")
	require.NoError(t, err)

	_, err = f.orch.Close(context.Background(), inv.ID, "")
	require.ErrorIs(t, err, domain.ErrInvoiceAlreadyClosed)
	require.EqualValues(t, 9, f.balance(t, p))
}

func TestCloseInsufficientStockLeavesEverything(t *testing.T) {
	f := newFixture(t)
	p1, p2, p3 := f.product(t, 10), f.product(t, 1), f.product(t, 10)
	inv := f.invoice(t,
		domain.LineItem{ProductID: p1, Quantity: 2},
		domain.LineItem{ProductID: p2, Quantity: 5},
		domain.LineItem{ProductID: p3, Quantity: 2},
	)

	_, err := f.orch.Close(context.Background(), inv.ID, "key-1")

	var stockErr *domain.InsufficientStockError
	require.True(t, errors.As(err, &stockErr))
	require.Equal(t, p2, stockErr.ProductID)
	require.EqualValues(t, 1, stockErr.CurrentBalance)
	require.EqualValues(t, 5, stockErr.Requested)

	require.EqualValues(t, 10, f.balance(t, p1))
	require.EqualValues(t, 1, f.balance(t, p2))
	require.EqualValues(t, 10, f.balance(t, p3))

	current, err := f.invoices.Get(context.Background(), inv.ID)
	require.NoError(t, err)
	require.False(t, current.IsClosed())
	require.Nil(t, current.Number)

	_, err = f.ledger.Lookup(context.Background(), "key-1", RouteCloseInvoice)
	require.ErrorIs(t, err, domain.ErrIdempotencyKeyNotFound)
	require.Empty(t, f.outbox.AllPending())
}

func TestCloseDependencyFailureThenRetrySucceeds(t *testing.T) {
	f := newFixture(t)
	p := f.product(t, 5)
	inv := f.invoice(t, domain.LineItem{ProductID: p, Quantity: 5})
	f.gateway.failures = []error{domain.ErrDependencyTimeout}

	_, err := f.orch.Close(context.Background(), inv.ID, "key-1")
	require.ErrorIs(t, err, domain.ErrDependencyUnavailable)
	require.Equal(t, domain.OutcomeUnavailable, domain.Classify(err))

	current, err := f.invoices.Get(context.Background(), inv.ID)
	require.NoError(t, err)
	require.False(t, current.IsClosed())
	_, err = f.ledger.Lookup(context.Background(), "key-1", RouteCloseInvoice)
	require.ErrorIs(t, err, domain.ErrIdempotencyKeyNotFound)

	resp, err := f.orch.Close(context.Background(), inv.ID, "key-1")
	require.NoError(t, err)
	require.False(t, resp.Replayed)
	require.EqualValues(t, 0, f.balance(t, p))

	replayed, err := f.orch.Close(context.Background(), inv.ID, "key-1")
	require.NoError(t, err)
	require.True(t, replayed.Replayed)
	require.Equal(t, resp.Body, replayed.Body)
	require.EqualValues(t, 0, f.balance(t, p))
	require.EqualValues(t, 1, f.counter(t, "invoicesaga_close_failed_total"))
}

func TestCloseKeyReusedForOtherInvoice(t *testing.T) {
	f := newFixture(t)
	p := f.product(t, 10)
	first := f.invoice(t, domain.LineItem{ProductID: p, Quantity: 1})
	second := f.invoice(t, domain.LineItem{ProductID: p, Quantity: 1})

	_, err := f.orch.Close(context.Background(), first.ID, "shared")
	require.NoError(t, err)

	_, err = f.orch.Close(context.Background(), second.ID, "shared")
	require.ErrorIs(t, err, domain.ErrIdempotencyHashMismatch)
	require.Equal(t, domain.OutcomeConflict, domain.Classify(err))
	require.EqualValues(t, 9, f.balance(t, p))
}

func TestCloseRejectsMissingAndEmptyInvoices(t *testing.T) {
	f := newFixture(t)

	_, err := f.orch.Close(context.Background(), 404, "k")
	require.ErrorIs(t, err, domain.ErrInvoiceNotFound)

	empty := f.invoice(t)
	_, err = f.orch.Close(context.Background(), empty.ID, "k")
	require.ErrorIs(t, err, domain.ErrEmptyInvoice)
	require.Zero(t, f.gateway.calls)
}

func TestCloseRebuildsResponseForInvoiceClosedBySameKey(t *testing.T) {
	f := newFixture(t)
	p := f.product(t, 10)
	inv := f.invoice(t, domain.LineItem{ProductID: p, Quantity: 1})

	closed, err := f.invoices.Close(context.Background(), inv.ID, inv.Version, "lost-response")
	require.NoError(t, err)

	resp, err := f.orch.Close(context.Background(), inv.ID, "lost-response")
	require.NoError(t, err)
	require.JSONEq(t, `{"id":1,"number":1,"status":"closed"}`, string(resp.Body))
	require.EqualValues(t, *closed.Number, 1)
	require.Zero(t, f.gateway.calls)

	rec, err := f.ledger.Lookup(context.Background(), "lost-response", RouteCloseInvoice)
	require.NoError(t, err)
	require.Equal(t, resp.Body, rec.ResponseBody)

	_, err = f.orch.Close(context.Background(), inv.ID, "other-key")
	require.ErrorIs(t, err, domain.ErrInvoiceAlreadyClosed)
}

func TestCloseVersionConflictNeedsReconciliation(t *testing.T) {
	f := newFixture(t)
	p := f.product(t, 10)
	inv := f.invoice(t, domain.LineItem{ProductID: p, Quantity: 2})

	f.gateway.before = func() {
		_, err := f.invoices.ReplaceItems(context.Background(), inv.ID, inv.Version, []domain.LineItem{{ProductID: p, Quantity: 1}})
		require.NoError(t, err)
	}

	_, err := f.orch.Close(context.Background(), inv.ID, "key-1")
	require.ErrorIs(t, err, domain.ErrInvoiceVersionConflict)
	require.EqualValues(t, 8, f.balance(t, p))
	require.EqualValues(t, 1, f.counter(t, "invoicesaga_close_reconciliation_needed_total"))

	_, err = f.ledger.Lookup(context.Background(), "key-1", RouteCloseInvoice)
	require.ErrorIs(t, err, domain.ErrIdempotencyKeyNotFound)
}

func TestCloseNumbersAreMonotonic(t *testing.T) {
	f := newFixture(t)
	p := f.product(t, 100)

	var numbers []int64
	for i := 0; i < 3; i++ {
		inv := f.invoice(t, domain.LineItem{ProductID: p, Quantity: 1})
		_, err := f.orch.Close(context.Background(), inv.ID, "")
		require.NoError(t, err)

		closed, err := f.invoices.Get(context.Background(), inv.ID)
		require.NoError(t, err)
		numbers = append(numbers, *closed.Number)
	}
	require.Equal(t, []int64{1, 2, 3}, numbers)
}
