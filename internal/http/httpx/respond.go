// Package httpx содержит общие для HTTP API обоих сервисов ответы и middleware.
package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/vladislavdragonenkov/invoicesaga/internal/domain"
)

// ErrorResponse: общее тело ошибки.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// WriteJSON пишет v как JSON с заданным статусом.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteRaw пишет заранее сериализованное тело без изменений.
func WriteRaw(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// WriteError отображает ошибку в статус по её Outcome и пишет ErrorResponse.
func WriteError(w http.ResponseWriter, err error) {
	WriteJSON(w, StatusFor(err), ErrorResponse{Error: domain.Code(err), Message: err.Error()})
}

// StatusFor возвращает HTTP-статус для ошибки.
func StatusFor(err error) int {
	switch domain.Classify(err) {
	case domain.OutcomeOK:
		return http.StatusOK
	case domain.OutcomeValidation:
		return http.StatusBadRequest
	case domain.OutcomeNotFound:
		return http.StatusNotFound
	case domain.OutcomeConflict:
		return http.StatusConflict
	case domain.OutcomeUnavailable:
		switch {
		case errors.Is(err, domain.ErrCircuitOpen):
			return http.StatusServiceUnavailable
		case errors.Is(err, domain.ErrDependencyTimeout):
			return http.StatusGatewayTimeout
		case errors.Is(err, context.Canceled):
			return http.StatusServiceUnavailable
		case errors.Is(err, domain.ErrDependencyUnavailable):
			return http.StatusBadGateway
		default:
			return http.StatusServiceUnavailable
		}
	default:
		return http.StatusInternalServerError
	}
}

// DecodeJSON читает тело запроса в v; некорректный JSON: ошибка валидации.
func DecodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: malformed request body: %v", domain.ErrValidation, err)
	}
	return nil
}

// IDParam разбирает положительный int64 из параметра маршрута.
func IDParam(r *http.Request, name string) (int64, error) {
	raw := chi.URLParam(r, name)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: invalid %s %q", domain.ErrValidation, name, raw)
	}
	return id, nil
}
