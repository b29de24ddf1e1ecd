package httpx

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/invoicesaga/internal/domain"
)

func TestStatusFor(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "validation", err: domain.ErrQuantityInvalid, want: http.StatusBadRequest},
		{name: "not found", err: domain.ErrInvoiceNotFound, want: http.StatusNotFound},
		{name: "insufficient", err: &domain.InsufficientStockError{ProductID: 1}, want: http.StatusConflict},
		{name: "already closed", err: domain.ErrInvoiceAlreadyClosed, want: http.StatusConflict},
		{name: "key reuse", err: domain.ErrIdempotencyHashMismatch, want: http.StatusConflict},
		{name: "dependency", err: fmt.Errorf("close: %w", domain.ErrDependencyUnavailable), want: http.StatusBadGateway},
		{name: "circuit open", err: domain.ErrCircuitOpen, want: http.StatusServiceUnavailable},
		{name: "timeout", err: domain.ErrDependencyTimeout, want: http.StatusGatewayTimeout},
		{name: "canceled", err: context.Canceled, want: http.StatusServiceUnavailable},
		{name: "canceled dependency call", err: fmt.Errorf("%w: %w", domain.ErrDependencyUnavailable, context.Canceled), want: http.StatusServiceUnavailable},
		{name: "internal", err: fmt.Errorf("disk on fire"), want: http.StatusInternalServerError},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, StatusFor(tc.err))
		})
	}
}

func TestWriteErrorBody(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteError(rec, domain.ErrCircuitOpen)

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "circuit_open", body.Error)
	require.NotEmpty(t, body.Message)
}

func TestDecodeJSONRejectsMalformedBody(t *testing.T) {
	var v struct {
		A int `json:"a"`
	}

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"a":`))
	require.ErrorIs(t, DecodeJSON(req, &v), domain.ErrValidation)

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"b":1}`))
	require.ErrorIs(t, DecodeJSON(req, &v), domain.ErrValidation)

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"a":3}`))
	require.NoError(t, DecodeJSON(req, &v))
	require.Equal(t, 3, v.A)
}

func TestIDParam(t *testing.T) {
	r := NewRouter("test", nil)
	var got int64
	var gotErr error
	r.Get("/items/{id}", func(w http.ResponseWriter, req *http.Request) {
		got, gotErr = IDParam(req, "id")
	})

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/items/42", nil))
	require.NoError(t, gotErr)
	require.EqualValues(t, 42, got)

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/items/-1", nil))
	require.ErrorIs(t, gotErr, domain.ErrValidation)

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/items/abc", nil))
	require.ErrorIs(t, gotErr, domain.ErrValidation)
}
