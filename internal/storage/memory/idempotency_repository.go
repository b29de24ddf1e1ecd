package memory

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/invoicesaga/internal/domain"
)

type ledgerKey struct {
	key   string
	route string
}

type idempotencyRepositoryInMemory struct {
	mu    sync.RWMutex
	items map[ledgerKey]domain.IdempotencyRecord
}

// NewIdempotencyRepository создаёт in-memory реализацию IdempotencyRepository.
func NewIdempotencyRepository() domain.IdempotencyRepository {
	return &idempotencyRepositoryInMemory{
		items: make(map[ledgerKey]domain.IdempotencyRecord),
	}
}

func (r *idempotencyRepositoryInMemory) Lookup(ctx context.Context, key, route string) (domain.IdempotencyRecord, error) {
	lk := ledgerKey{key: strings.TrimSpace(key), route: strings.TrimSpace(route)}
	if lk.key == "" {
		return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyRequired
	}
	if err := ctx.Err(); err != nil {
		return domain.IdempotencyRecord{}, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	record, ok := r.items[lk]
	if !ok {
		return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyNotFound
	}
	return cloneIdempotencyRecord(record), nil
}

func (r *idempotencyRepositoryInMemory) Record(ctx context.Context, rec domain.IdempotencyRecord) (domain.IdempotencyRecord, error) {
	rec.Key = strings.TrimSpace(rec.Key)
	rec.Route = strings.TrimSpace(rec.Route)
	if err := rec.Validate(); err != nil {
		return domain.IdempotencyRecord{}, err
	}
	if err := ctx.Err(); err != nil {
		return domain.IdempotencyRecord{}, err
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	lk := ledgerKey{key: rec.Key, route: rec.Route}
	if existing, ok := r.items[lk]; ok {
		return cloneIdempotencyRecord(existing), domain.ErrIdempotencyKeyAlreadyExists
	}

	r.items[lk] = cloneIdempotencyRecord(rec)
	return cloneIdempotencyRecord(rec), nil
}

// DeleteExpired удаляет записи, созданные не позже createdBefore.
func (r *idempotencyRepositoryInMemory) DeleteExpired(ctx context.Context, createdBefore time.Time, limit int) (int, error) {
	if createdBefore.IsZero() {
		createdBefore = time.Now().UTC()
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for key, record := range r.items {
		if record.CreatedAt.After(createdBefore) {
			continue
		}

		delete(r.items, key)
		removed++
		if limit > 0 && removed >= limit {
			break
		}
	}

	return removed, nil
}

func cloneIdempotencyRecord(src domain.IdempotencyRecord) domain.IdempotencyRecord {
	dst := src
	dst.ResponseBody = append([]byte(nil), src.ResponseBody...)
	return dst
}

var _ domain.IdempotencyRepository = (*idempotencyRepositoryInMemory)(nil)
