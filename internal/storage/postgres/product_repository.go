package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/vladislavdragonenkov/invoicesaga/internal/domain"
)

// DBPool: подмножество методов *pgxpool.Pool, которое нужно хранилищу остатков.
type DBPool interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Begin(ctx context.Context) (pgx.Tx, error)
}

const productColumns = `id, code, description, balance, version, created_at, updated_at`

type productRepository struct {
	pool DBPool
}

// NewProductRepository создаёт PostgreSQL-реализацию Balance Store поверх пула pgx.
func NewProductRepository(pool DBPool) domain.ProductRepository {
	return &productRepository{pool: pool}
}

func (r *productRepository) Create(ctx context.Context, product domain.Product) (domain.Product, error) {
	if err := product.Validate(); err != nil {
		return domain.Product{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var id int64
	if err := r.pool.QueryRow(ctx, `SELECT nextval(pg_get_serial_sequence('products', 'id'))`).Scan(&id); err != nil {
		return domain.Product{}, fmt.Errorf("allocate product id: %w", err)
	}
	if product.Code == "" {
		product.Code = domain.ProductCode(id)
	}

	created, err := scanProduct(r.pool.QueryRow(ctx, `
		INSERT INTO products (id, code, description, balance)
		VALUES ($1, $2, $3, $4)
		RETURNING `+productColumns,
		id, product.Code, product.Description, product.Balance,
	))
	if err != nil {
		if isUniqueViolation(err) {
			return domain.Product{}, domain.ErrProductCodeTaken
		}
		return domain.Product{}, fmt.Errorf("insert product: %w", err)
	}
	return created, nil
}

func (r *productRepository) Get(ctx context.Context, id int64) (domain.Product, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	product, err := scanProduct(r.pool.QueryRow(ctx, `SELECT `+productColumns+` FROM products WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Product{}, domain.ErrProductNotFound
		}
		return domain.Product{}, fmt.Errorf("get product: %w", err)
	}
	return product, nil
}

func (r *productRepository) Update(ctx context.Context, product domain.Product) (domain.Product, error) {
	if err := product.Validate(); err != nil {
		return domain.Product{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	updated, err := scanProduct(r.pool.QueryRow(ctx, `
		UPDATE products
		SET description = $2,
		    balance = $3,
		    version = version + 1,
		    updated_at = NOW()
		WHERE id = $1 AND version = $4
		RETURNING `+productColumns,
		product.ID, product.Description, product.Balance, product.Version,
	))
	if err == nil {
		return updated, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return domain.Product{}, fmt.Errorf("update product: %w", err)
	}

	if _, getErr := r.Get(ctx, product.ID); getErr != nil {
		return domain.Product{}, getErr
	}
	return domain.Product{}, domain.ErrProductVersionConflict
}

func (r *productRepository) ConditionalDecrement(ctx context.Context, productID, quantity int64) (domain.DecrementResult, error) {
	if quantity <= 0 {
		return domain.DecrementResult{}, domain.ErrQuantityInvalid
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var balance int64
	err := r.pool.QueryRow(ctx, `
		UPDATE products
		SET balance = balance - $2, version = version + 1, updated_at = NOW()
		WHERE id = $1 AND balance >= $2
		RETURNING balance
	`, productID, quantity).Scan(&balance)
	if err == nil {
		return domain.DecrementResult{Applied: true, CurrentBalance: balance}, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return domain.DecrementResult{}, fmt.Errorf("conditional decrement: %w", err)
	}

	current, err := r.Get(ctx, productID)
	if err != nil {
		return domain.DecrementResult{}, err
	}
	return domain.DecrementResult{Applied: false, CurrentBalance: current.Balance}, nil
}

// ApplyBatch списывает батч в одной транзакции. Строки блокируются в порядке id,
// чтобы параллельные батчи с пересекающимися товарами не взаимоблокировались.
func (r *productRepository) ApplyBatch(ctx context.Context, batchKey string, lines []domain.StockLine) ([]domain.StockLineResult, error) {
	if err := domain.ValidateStockLines(lines); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}

	if batchKey != "" {
		results, found, err := loadBatch(ctx, tx, batchKey)
		if err != nil {
			_ = tx.Rollback(ctx)
			return nil, err
		}
		if found {
			_ = tx.Rollback(ctx)
			return results, nil
		}
	}

	balances, err := lockBalances(ctx, tx, lines)
	if err != nil {
		_ = tx.Rollback(ctx)
		return nil, err
	}

	for _, line := range lines {
		if balances[line.ProductID] < line.Quantity {
			_ = tx.Rollback(ctx)
			return nil, &domain.InsufficientStockError{
				ProductID:      line.ProductID,
				CurrentBalance: balances[line.ProductID],
				Requested:      line.Quantity,
			}
		}
		balances[line.ProductID] -= line.Quantity
	}

	results := make([]domain.StockLineResult, 0, len(lines))
	for _, line := range lines {
		var balance int64
		err := tx.QueryRow(ctx, `
			UPDATE products
			SET balance = balance - $2, version = version + 1, updated_at = NOW()
			WHERE id = $1 AND balance >= $2
			RETURNING balance
		`, line.ProductID, line.Quantity).Scan(&balance)
		if err != nil {
			_ = tx.Rollback(ctx)
			return nil, fmt.Errorf("decrement product %d: %w", line.ProductID, err)
		}
		results = append(results, domain.StockLineResult{
			ProductID: line.ProductID,
			Quantity:  line.Quantity,
			Status:    domain.StockLineStatusOK,
		})
	}

	if batchKey != "" {
		payload, err := json.Marshal(results)
		if err != nil {
			_ = tx.Rollback(ctx)
			return nil, fmt.Errorf("marshal batch results: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO decrement_batches (batch_key, results) VALUES ($1, $2)
		`, batchKey, payload); err != nil {
			_ = tx.Rollback(ctx)
			if isUniqueViolation(err) {
				// Параллельный батч с тем же ключом успел закоммититься первым.
				return r.replayBatch(ctx, batchKey)
			}
			return nil, fmt.Errorf("record batch: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit batch: %w", err)
	}
	return results, nil
}

func (r *productRepository) replayBatch(ctx context.Context, batchKey string) ([]domain.StockLineResult, error) {
	results, found, err := loadBatch(ctx, r.pool, batchKey)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("batch %s vanished after unique violation", batchKey)
	}
	return results, nil
}

type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func loadBatch(ctx context.Context, q rowQuerier, batchKey string) ([]domain.StockLineResult, bool, error) {
	var payload []byte
	err := q.QueryRow(ctx, `SELECT results FROM decrement_batches WHERE batch_key = $1`, batchKey).Scan(&payload)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("load batch: %w", err)
	}

	var results []domain.StockLineResult
	if err := json.Unmarshal(payload, &results); err != nil {
		return nil, false, fmt.Errorf("decode batch results: %w", err)
	}
	return results, true, nil
}

func lockBalances(ctx context.Context, tx pgx.Tx, lines []domain.StockLine) (map[int64]int64, error) {
	ids := uniqueProductIDs(lines)

	rows, err := tx.Query(ctx, `
		SELECT id, balance
		FROM products
		WHERE id = ANY($1)
		ORDER BY id
		FOR UPDATE
	`, ids)
	if err != nil {
		return nil, fmt.Errorf("lock products: %w", err)
	}
	defer rows.Close()

	balances := make(map[int64]int64, len(ids))
	for rows.Next() {
		var id, balance int64
		if err := rows.Scan(&id, &balance); err != nil {
			return nil, fmt.Errorf("scan product balance: %w", err)
		}
		balances[id] = balance
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate product balances: %w", err)
	}

	if len(balances) != len(ids) {
		return nil, domain.ErrProductNotFound
	}
	return balances, nil
}

func uniqueProductIDs(lines []domain.StockLine) []int64 {
	seen := make(map[int64]struct{}, len(lines))
	ids := make([]int64, 0, len(lines))
	for _, line := range lines {
		if _, ok := seen[line.ProductID]; ok {
			continue
		}
		seen[line.ProductID] = struct{}{}
		ids = append(ids, line.ProductID)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func scanProduct(row pgx.Row) (domain.Product, error) {
	var p domain.Product
	err := row.Scan(&p.ID, &p.Code, &p.Description, &p.Balance, &p.Version, &p.CreatedAt, &p.UpdatedAt)
	return p, err
}

var _ domain.ProductRepository = (*productRepository)(nil)
