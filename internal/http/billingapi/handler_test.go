package billingapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/invoicesaga/internal/domain"
	"github.com/vladislavdragonenkov/invoicesaga/internal/http/httpx"
	"github.com/vladislavdragonenkov/invoicesaga/internal/http/inventoryapi"
	"github.com/vladislavdragonenkov/invoicesaga/internal/service/invoicing"
	"github.com/vladislavdragonenkov/invoicesaga/internal/service/saga"
	"github.com/vladislavdragonenkov/invoicesaga/internal/service/stock"
	"github.com/vladislavdragonenkov/invoicesaga/internal/service/stockclient"
	"github.com/vladislavdragonenkov/invoicesaga/internal/storage/memory"
)

const (
	modeUp int32 = iota
	modeFailing
	modeSlow
)

type fixture struct {
	products domain.ProductRepository
	invoices domain.InvoiceRepository
	mode     atomic.Int32
	router   http.Handler
}

func fastClientConfig(baseURL string) stockclient.Config {
	cfg := stockclient.DefaultConfig(baseURL)
	cfg.Timeout = 150 * time.Millisecond
	cfg.AttemptTimeout = 400 * time.Millisecond
	cfg.Retry = stockclient.RetryConfig{MaxAttempts: 2, InitialDelay: 5 * time.Millisecond, MaxDelay: 10 * time.Millisecond, BackoffFactor: 2}
	cfg.BreakerErrorThreshold = 100
	cfg.BreakerCooldown = time.Minute
	return cfg
}

func newFixture(t *testing.T, tune func(*stockclient.Config)) *fixture {
	t.Helper()
	f := &fixture{
		products: memory.NewProductRepository(),
		invoices: memory.NewInvoiceRepository(),
	}

	inventory := inventoryapi.NewRouter(inventoryapi.NewHandler(stock.NewService(f.products), nil))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch f.mode.Load() {
		case modeFailing:
			w.WriteHeader(http.StatusInternalServerError)
			return
		case modeSlow:
			select {
			case <-time.After(time.Second):
			case <-r.Context().Done():
				return
			}
		}
		inventory.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)

	cfg := fastClientConfig(srv.URL)
	if tune != nil {
		tune(&cfg)
	}
	client, err := stockclient.New(cfg)
	require.NoError(t, err)

	orchestrator := saga.NewOrchestrator(f.invoices, memory.NewIdempotencyRepository(), client, nil,
		saga.WithOutbox(memory.NewOutboxRepository()))
	f.router = NewRouter(NewHandler(invoicing.NewService(f.invoices, client, nil), orchestrator, nil))
	return f
}

func (f *fixture) product(t *testing.T, balance int64) domain.Product {
	t.Helper()
	p, err := f.products.Create(context.Background(), domain.Product{Description: "widget", Balance: balance})
	require.NoError(t, err)
	return p
}

func (f *fixture) balance(t *testing.T, id int64) int64 {
	t.Helper()
	p, err := f.products.Get(context.Background(), id)
	require.NoError(t, err)
	return p.Balance
}

func (f *fixture) do(t *testing.T, method, path string, body any, key string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if key != "" {
		req.Header.Set(HeaderIdempotencyKey, key)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func (f *fixture) createInvoice(t *testing.T, items ...LineItemRequest) InvoiceResponse {
	t.Helper()
	rec := f.do(t, http.MethodPost, PathInvoices, CreateInvoiceRequest{Items: items}, "")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[InvoiceResponse](t, rec)
}

func invoicePath(id int64) string {
	return PathInvoices + "/" + strconv.FormatInt(id, 10)
}

func closePath(id int64) string {
	return invoicePath(id) + "/close"
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

func TestCreateInvoiceChecksAvailability(t *testing.T) {
	f := newFixture(t, nil)
	p := f.product(t, 5)

	rec := f.do(t, http.MethodPost, PathInvoices, CreateInvoiceRequest{Items: []LineItemRequest{
		{ProductID: p.ID, Quantity: 3, UnitPriceMinor: 100},
		{ProductID: p.ID, Quantity: 3, UnitPriceMinor: 100},
	}}, "")
	require.Equal(t, http.StatusConflict, rec.Code)
	body := decode[InsufficientStockResponse](t, rec)
	require.Equal(t, "insufficient_stock", body.Error)
	require.Equal(t, p.ID, body.ProductID)
	require.EqualValues(t, 5, body.CurrentBalance)
	require.EqualValues(t, 6, body.Requested)

	rec = f.do(t, http.MethodPost, PathInvoices, CreateInvoiceRequest{Items: []LineItemRequest{{ProductID: 999, Quantity: 1}}}, "")
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodPost, PathInvoices, CreateInvoiceRequest{Items: []LineItemRequest{{ProductID: p.ID, Quantity: 0}}}, "")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	_, err := f.invoices.Get(context.Background(), 1)
	require.ErrorIs(t, err, domain.ErrInvoiceNotFound)
	require.EqualValues(t, 5, f.balance(t, p.ID))
}

func TestCreateInvoiceDependencyDown(t *testing.T) {
	f := newFixture(t, nil)
	p := f.product(t, 5)
	f.mode.Store(modeFailing)

	rec := f.do(t, http.MethodPost, PathInvoices, CreateInvoiceRequest{Items: []LineItemRequest{{ProductID: p.ID, Quantity: 1}}}, "")
	require.Equal(t, http.StatusBadGateway, rec.Code)
	require.Equal(t, "dependency_unavailable", decode[httpx.ErrorResponse](t, rec).Error)

	_, err := f.invoices.Get(context.Background(), 1)
	require.ErrorIs(t, err, domain.ErrInvoiceNotFound)
}

func TestInvoiceEditing(t *testing.T) {
	f := newFixture(t, nil)
	p := f.product(t, 10)
	inv := f.createInvoice(t, LineItemRequest{ProductID: p.ID, Quantity: 2, UnitPriceMinor: 1500})
	require.Equal(t, "open", inv.Status)
	require.Nil(t, inv.Number)

	rec := f.do(t, http.MethodPut, invoicePath(inv.ID), UpdateInvoiceRequest{
		Version: inv.Version,
		Items:   []LineItemRequest{{ProductID: p.ID, Quantity: 4, UnitPriceMinor: 1500}},
	}, "")
	require.Equal(t, http.StatusOK, rec.Code)
	updated := decode[InvoiceResponse](t, rec)
	require.EqualValues(t, 4, updated.Items[0].Quantity)

	rec = f.do(t, http.MethodPut, invoicePath(inv.ID), UpdateInvoiceRequest{
		Version: inv.Version,
		Items:   []LineItemRequest{{ProductID: p.ID, Quantity: 1}},
	}, "")
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, "version_conflict", decode[httpx.ErrorResponse](t, rec).Error)

	rec = f.do(t, http.MethodPut, invoicePath(inv.ID), UpdateInvoiceRequest{Items: []LineItemRequest{{ProductID: p.ID, Quantity: 1}}}, "")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, invoicePath(inv.ID), nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, updated.Version, decode[InvoiceResponse](t, rec).Version)

	rec = f.do(t, http.MethodDelete, invoicePath(inv.ID), nil, "")
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = f.do(t, http.MethodGet, invoicePath(inv.ID), nil, "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.EqualValues(t, 10, f.balance(t, p.ID))
}

func TestCloseInvoiceWithKeyReplaysResponse(t *testing.T) {
	f := newFixture(t, nil)
	a, b := f.product(t, 5), f.product(t, 3)
	inv := f.createInvoice(t,
		LineItemRequest{ProductID: a.ID, Quantity: 5, UnitPriceMinor: 100},
		LineItemRequest{ProductID: b.ID, Quantity: 1, UnitPriceMinor: 250},
	)

	first := f.do(t, http.MethodPost, closePath(inv.ID), nil, "key-1")
	require.Equal(t, http.StatusOK, first.Code, first.Body.String())
	require.Empty(t, first.Header().Get(HeaderReplayed))

	var closed saga.ClosedInvoice
	require.NoError(t, json.Unmarshal(first.Body.Bytes(), &closed))
	require.Equal(t, saga.ClosedInvoice{ID: inv.ID, Number: 1, Status: "closed"}, closed)

	second := f.do(t, http.MethodPost, closePath(inv.ID), nil, "key-1")
	require.Equal(t, http.StatusOK, second.Code)
	require.Equal(t, "true", second.Header().Get(HeaderReplayed))
	require.Equal(t, first.Body.Bytes(), second.Body.Bytes())

	require.EqualValues(t, 0, f.balance(t, a.ID))
	require.EqualValues(t, 2, f.balance(t, b.ID))

	keyless := f.do(t, http.MethodPost, closePath(inv.ID), nil, "")
	require.Equal(t, http.StatusConflict, keyless.Code)
	require.Equal(t, "already_closed", decode[httpx.ErrorResponse](t, keyless).Error)

	rec := f.do(t, http.MethodPut, invoicePath(inv.ID), UpdateInvoiceRequest{Version: 2, Items: []LineItemRequest{{ProductID: a.ID, Quantity: 1}}}, "")
	require.Equal(t, http.StatusConflict, rec.Code)
	rec = f.do(t, http.MethodDelete, invoicePath(inv.ID), nil, "")
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, "invoice_closed", decode[httpx.ErrorResponse](t, rec).Error)

	rec = f.do(t, http.MethodGet, invoicePath(inv.ID), nil, "")
	got := decode[InvoiceResponse](t, rec)
	require.Equal(t, "closed", got.Status)
	require.NotNil(t, got.Number)
	require.NotNil(t, got.ClosedAt)
}

func TestCloseInvoiceInsufficientStockLeavesInvoiceOpen(t *testing.T) {
	f := newFixture(t, nil)
	a := f.product(t, 5)
	inv := f.createInvoice(t, LineItemRequest{ProductID: a.ID, Quantity: 5})

	// остаток ушёл между созданием накладной и закрытием
	_, err := f.products.ConditionalDecrement(context.Background(), a.ID, 1)
	require.NoError(t, err)

	rec := f.do(t, http.MethodPost, closePath(inv.ID), nil, "key-2")
	require.Equal(t, http.StatusConflict, rec.Code)
	body := decode[InsufficientStockResponse](t, rec)
	require.EqualValues(t, 4, body.CurrentBalance)
	require.EqualValues(t, 5, body.Requested)

	got, err := f.invoices.Get(context.Background(), inv.ID)
	require.NoError(t, err)
	require.False(t, got.IsClosed())
	require.EqualValues(t, 4, f.balance(t, a.ID))
}

func TestCloseInvoiceDependencyFailures(t *testing.T) {
	t.Run("unavailable then retry with same key", func(t *testing.T) {
		f := newFixture(t, nil)
		a := f.product(t, 5)
		inv := f.createInvoice(t, LineItemRequest{ProductID: a.ID, Quantity: 2})

		f.mode.Store(modeFailing)
		rec := f.do(t, http.MethodPost, closePath(inv.ID), nil, "key-3")
		require.Equal(t, http.StatusBadGateway, rec.Code)

		got, err := f.invoices.Get(context.Background(), inv.ID)
		require.NoError(t, err)
		require.False(t, got.IsClosed())

		f.mode.Store(modeUp)
		rec = f.do(t, http.MethodPost, closePath(inv.ID), nil, "key-3")
		require.Equal(t, http.StatusOK, rec.Code)
		require.EqualValues(t, 3, f.balance(t, a.ID))
	})

	t.Run("timeout", func(t *testing.T) {
		f := newFixture(t, nil)
		a := f.product(t, 5)
		inv := f.createInvoice(t, LineItemRequest{ProductID: a.ID, Quantity: 2})

		f.mode.Store(modeSlow)
		rec := f.do(t, http.MethodPost, closePath(inv.ID), nil, "key-4")
		require.Equal(t, http.StatusGatewayTimeout, rec.Code)
		require.Equal(t, "dependency_timeout", decode[httpx.ErrorResponse](t, rec).Error)
	})

	t.Run("circuit open", func(t *testing.T) {
		f := newFixture(t, func(cfg *stockclient.Config) {
			cfg.Retry.MaxAttempts = 1
			cfg.BreakerErrorThreshold = 1
		})
		a := f.product(t, 5)
		inv := f.createInvoice(t, LineItemRequest{ProductID: a.ID, Quantity: 2})

		f.mode.Store(modeFailing)
		rec := f.do(t, http.MethodPost, closePath(inv.ID), nil, "key-5")
		require.Equal(t, http.StatusBadGateway, rec.Code)

		rec = f.do(t, http.MethodPost, closePath(inv.ID), nil, "key-5")
		require.Equal(t, http.StatusServiceUnavailable, rec.Code)
		require.Equal(t, "circuit_open", decode[httpx.ErrorResponse](t, rec).Error)
	})
}

func TestCloseInvoiceEdgeCases(t *testing.T) {
	f := newFixture(t, nil)
	a := f.product(t, 5)

	rec := f.do(t, http.MethodPost, closePath(404), nil, "")
	require.Equal(t, http.StatusNotFound, rec.Code)

	empty := f.createInvoice(t)
	rec = f.do(t, http.MethodPost, closePath(empty.ID), nil, "")
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, "empty_invoice", decode[httpx.ErrorResponse](t, rec).Error)

	inv := f.createInvoice(t, LineItemRequest{ProductID: a.ID, Quantity: 1})
	rec = f.do(t, http.MethodPost, closePath(inv.ID), nil, "shared-key")
	require.Equal(t, http.StatusOK, rec.Code)

	other := f.createInvoice(t, LineItemRequest{ProductID: a.ID, Quantity: 1})
	rec = f.do(t, http.MethodPost, closePath(other.ID), nil, "shared-key")
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, "idempotency_key_reused", decode[httpx.ErrorResponse](t, rec).Error)

	rec = f.do(t, http.MethodPost, PathInvoices+"/abc/close", nil, "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}
