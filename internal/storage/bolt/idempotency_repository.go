// Package bolt хранит журнал идемпотентности во встраиваемой базе для однонодовых развёртываний.
package bolt

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	bolt "github.com/boltdb/bolt"

	"github.com/vladislavdragonenkov/invoicesaga/internal/domain"
)

const bucketName = "idempotency_keys"

// IdempotencyRepository хранит записи в одном файле bolt; пара (route, key): ключ bucket'а.
type IdempotencyRepository struct {
	db *bolt.DB
}

// Open открывает (или создаёт) файл базы и гарантирует наличие bucket'а.
func Open(path string) (*IdempotencyRepository, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketName))
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create bolt bucket: %w", err)
	}

	return &IdempotencyRepository{db: db}, nil
}

// Close освобождает блокировку файла.
func (r *IdempotencyRepository) Close() error {
	return r.db.Close()
}

// Ping проверяет, что файл открыт и bucket на месте.
func (r *IdempotencyRepository) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return r.db.View(func(tx *bolt.Tx) error {
		if tx.Bucket([]byte(bucketName)) == nil {
			return fmt.Errorf("bolt bucket %q is missing", bucketName)
		}
		return nil
	})
}

type storedRecord struct {
	Key          string    `json:"key"`
	Route        string    `json:"route"`
	RequestHash  string    `json:"request_hash"`
	HTTPStatus   int       `json:"http_status"`
	ResponseBody []byte    `json:"response_body"`
	CreatedAt    time.Time `json:"created_at"`
}

func ledgerKey(key, route string) []byte {
	return []byte(route + "\x00" + key)
}

func (r *IdempotencyRepository) Lookup(ctx context.Context, key, route string) (domain.IdempotencyRecord, error) {
	key = strings.TrimSpace(key)
	route = strings.TrimSpace(route)
	if key == "" {
		return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyRequired
	}
	if err := ctx.Err(); err != nil {
		return domain.IdempotencyRecord{}, err
	}

	var rec domain.IdempotencyRecord
	err := r.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket([]byte(bucketName)).Get(ledgerKey(key, route))
		if raw == nil {
			return domain.ErrIdempotencyKeyNotFound
		}
		var err error
		rec, err = decodeRecord(raw)
		return err
	})
	if err != nil {
		return domain.IdempotencyRecord{}, err
	}
	return rec, nil
}

// Record проверяет наличие и пишет в одной write-транзакции: bolt допускает
// только одного писателя, поэтому гонка двух Record невозможна.
func (r *IdempotencyRepository) Record(ctx context.Context, rec domain.IdempotencyRecord) (domain.IdempotencyRecord, error) {
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

	var existing *domain.IdempotencyRecord
	err := r.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		k := ledgerKey(rec.Key, rec.Route)

		if raw := b.Get(k); raw != nil {
			stored, err := decodeRecord(raw)
			if err != nil {
				return err
			}
			existing = &stored
			return nil
		}

		data, err := json.Marshal(storedRecord(rec))
		if err != nil {
			return fmt.Errorf("encode idempotency record: %w", err)
		}
		return b.Put(k, data)
	})
	if err != nil {
		return domain.IdempotencyRecord{}, err
	}
	if existing != nil {
		return *existing, domain.ErrIdempotencyKeyAlreadyExists
	}
	return rec, nil
}

func (r *IdempotencyRepository) DeleteExpired(ctx context.Context, createdBefore time.Time, limit int) (int, error) {
	if createdBefore.IsZero() {
		createdBefore = time.Now().UTC()
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	removed := 0
	err := r.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))

		var expired [][]byte
		err := b.ForEach(func(k, v []byte) error {
			if limit > 0 && len(expired) >= limit {
				return nil
			}
			rec, err := decodeRecord(v)
			if err != nil {
				return err
			}
			if !rec.CreatedAt.After(createdBefore) {
				expired = append(expired, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}

		// Удалять внутри ForEach нельзя: курсор bolt теряет позицию.
		for _, k := range expired {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		removed = len(expired)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("delete expired idempotency records: %w", err)
	}
	return removed, nil
}

func decodeRecord(raw []byte) (domain.IdempotencyRecord, error) {
	var stored storedRecord
	if err := json.Unmarshal(raw, &stored); err != nil {
		return domain.IdempotencyRecord{}, fmt.Errorf("decode idempotency record: %w", err)
	}
	return domain.IdempotencyRecord(stored), nil
}

var _ domain.IdempotencyRepository = (*IdempotencyRepository)(nil)
