package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"
)

// IdempotencyRecord хранит ответ, выданный для пары (key, route).
type IdempotencyRecord struct {
	Key          string
	Route        string
	RequestHash  string
	HTTPStatus   int
	ResponseBody []byte
	CreatedAt    time.Time
}

// Validate проверяет обязательные поля записи.
func (r IdempotencyRecord) Validate() error {
	if r.Key == "" {
		return ErrIdempotencyKeyRequired
	}
	if r.Route == "" {
		return ErrIdempotencyRouteRequired
	}
	return nil
}

// RequestHash считает отпечаток запроса по маршруту и идентификатору ресурса.
func RequestHash(route string, resourceID int64) string {
	sum := sha256.Sum256([]byte(route + ":" + strconv.FormatInt(resourceID, 10)))
	return hex.EncodeToString(sum[:])
}
