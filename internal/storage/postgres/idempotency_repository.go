package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/vladislavdragonenkov/invoicesaga/internal/domain"
)

type idempotencyRepository struct {
	db *sql.DB
}

// NewIdempotencyRepository создаёт PostgreSQL-реализацию IdempotencyRepository.
func NewIdempotencyRepository(store *Store) domain.IdempotencyRepository {
	return &idempotencyRepository{db: store.DB()}
}

func (r *idempotencyRepository) Lookup(ctx context.Context, key, route string) (domain.IdempotencyRecord, error) {
	key = strings.TrimSpace(key)
	route = strings.TrimSpace(route)
	if key == "" {
		return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyRequired
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var (
		record       domain.IdempotencyRecord
		responseBody []byte
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT key, route, request_hash, http_status, response_body, created_at
		FROM idempotency_keys
		WHERE key = $1 AND route = $2
	`, key, route).Scan(
		&record.Key,
		&record.Route,
		&record.RequestHash,
		&record.HTTPStatus,
		&responseBody,
		&record.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyNotFound
		}
		return domain.IdempotencyRecord{}, fmt.Errorf("lookup idempotency record: %w", err)
	}

	record.ResponseBody = append([]byte(nil), responseBody...)
	return record, nil
}

// Record вставляет запись; при конфликте по (key, route) перечитывает сохранённую.
func (r *idempotencyRepository) Record(ctx context.Context, rec domain.IdempotencyRecord) (domain.IdempotencyRecord, error) {
	rec.Key = strings.TrimSpace(rec.Key)
	rec.Route = strings.TrimSpace(rec.Route)
	if err := rec.Validate(); err != nil {
		return domain.IdempotencyRecord{}, err
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	insertCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	_, err := r.db.ExecContext(insertCtx, `
		INSERT INTO idempotency_keys (key, route, request_hash, http_status, response_body, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, rec.Key, rec.Route, rec.RequestHash, rec.HTTPStatus, rec.ResponseBody, rec.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			existing, getErr := r.Lookup(ctx, rec.Key, rec.Route)
			if getErr != nil {
				return domain.IdempotencyRecord{}, fmt.Errorf("reload idempotency record: %w", getErr)
			}
			return existing, domain.ErrIdempotencyKeyAlreadyExists
		}
		return domain.IdempotencyRecord{}, fmt.Errorf("record idempotency key: %w", err)
	}

	rec.ResponseBody = append([]byte(nil), rec.ResponseBody...)
	return rec, nil
}

func (r *idempotencyRepository) DeleteExpired(ctx context.Context, createdBefore time.Time, limit int) (int, error) {
	if createdBefore.IsZero() {
		createdBefore = time.Now().UTC()
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var (
		res sql.Result
		err error
	)

	if limit > 0 {
		res, err = r.db.ExecContext(ctx, `
			DELETE FROM idempotency_keys
			WHERE (key, route) IN (
				SELECT key, route
				FROM idempotency_keys
				WHERE created_at <= $1
				ORDER BY created_at ASC
				LIMIT $2
			)
		`, createdBefore, limit)
	} else {
		res, err = r.db.ExecContext(ctx, `
			DELETE FROM idempotency_keys
			WHERE created_at <= $1
		`, createdBefore)
	}
	if err != nil {
		return 0, fmt.Errorf("delete expired idempotency records: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("idempotency rows affected: %w", err)
	}

	return int(affected), nil
}

var _ domain.IdempotencyRepository = (*idempotencyRepository)(nil)
