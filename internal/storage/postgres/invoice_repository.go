package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/vladislavdragonenkov/invoicesaga/internal/domain"
)

const invoiceColumns = `id, number, status, closed_by_key, version, created_at, updated_at, closed_at`

type invoiceRepository struct {
	db *sql.DB
}

// NewInvoiceRepository создаёт PostgreSQL-реализацию InvoiceRepository.
func NewInvoiceRepository(store *Store) domain.InvoiceRepository {
	return &invoiceRepository{db: store.DB()}
}

func (r *invoiceRepository) Create(ctx context.Context, items []domain.LineItem) (domain.Invoice, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Invoice{}, fmt.Errorf("begin tx: %w", err)
	}

	inv, err := scanInvoice(tx.QueryRowContext(ctx, `
		INSERT INTO invoices (status) VALUES ('open')
		RETURNING `+invoiceColumns))
	if err != nil {
		_ = tx.Rollback()
		return domain.Invoice{}, fmt.Errorf("insert invoice: %w", err)
	}

	if inv.Items, err = insertItems(ctx, tx, inv.ID, items); err != nil {
		_ = tx.Rollback()
		return domain.Invoice{}, err
	}

	if err := tx.Commit(); err != nil {
		return domain.Invoice{}, fmt.Errorf("commit invoice: %w", err)
	}
	return inv, nil
}

func (r *invoiceRepository) Get(ctx context.Context, id int64) (domain.Invoice, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	inv, err := scanInvoice(r.db.QueryRowContext(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Invoice{}, domain.ErrInvoiceNotFound
		}
		return domain.Invoice{}, fmt.Errorf("get invoice: %w", err)
	}

	if inv.Items, err = loadItems(ctx, r.db, id); err != nil {
		return domain.Invoice{}, err
	}
	return inv, nil
}

func (r *invoiceRepository) ReplaceItems(ctx context.Context, id, expectedVersion int64, items []domain.LineItem) (domain.Invoice, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Invoice{}, fmt.Errorf("begin tx: %w", err)
	}

	inv, err := scanInvoice(tx.QueryRowContext(ctx, `
		UPDATE invoices
		SET version = version + 1, updated_at = NOW()
		WHERE id = $1 AND status = 'open' AND version = $2
		RETURNING `+invoiceColumns, id, expectedVersion))
	if err != nil {
		_ = tx.Rollback()
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Invoice{}, r.explainMiss(ctx, id, domain.ErrInvoiceClosed)
		}
		return domain.Invoice{}, fmt.Errorf("bump invoice version: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM invoice_items WHERE invoice_id = $1`, id); err != nil {
		_ = tx.Rollback()
		return domain.Invoice{}, fmt.Errorf("delete invoice items: %w", err)
	}
	if inv.Items, err = insertItems(ctx, tx, id, items); err != nil {
		_ = tx.Rollback()
		return domain.Invoice{}, err
	}

	if err := tx.Commit(); err != nil {
		return domain.Invoice{}, fmt.Errorf("commit invoice items: %w", err)
	}
	return inv, nil
}

func (r *invoiceRepository) Delete(ctx context.Context, id int64) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `DELETE FROM invoices WHERE id = $1 AND status = 'open'`, id)
	if err != nil {
		return fmt.Errorf("delete invoice: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("invoice rows affected: %w", err)
	}
	if affected == 0 {
		if _, getErr := r.Get(ctx, id); getErr != nil {
			return getErr
		}
		return domain.ErrInvoiceClosed
	}
	return nil
}

// Close присваивает номер через nextval внутри условного UPDATE: номер берётся
// только для строки, которая действительно переходит в closed.
func (r *invoiceRepository) Close(ctx context.Context, id, expectedVersion int64, closedByKey string) (domain.Invoice, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	inv, err := scanInvoice(r.db.QueryRowContext(ctx, `
		UPDATE invoices
		SET status = 'closed',
		    number = nextval('invoice_number_seq'),
		    closed_by_key = $3,
		    closed_at = NOW(),
		    version = version + 1,
		    updated_at = NOW()
		WHERE id = $1 AND status = 'open' AND version = $2
		RETURNING `+invoiceColumns, id, expectedVersion, closedByKey))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Invoice{}, r.explainMiss(ctx, id, domain.ErrInvoiceAlreadyClosed)
		}
		return domain.Invoice{}, fmt.Errorf("close invoice: %w", err)
	}

	if inv.Items, err = loadItems(ctx, r.db, id); err != nil {
		return domain.Invoice{}, err
	}
	return inv, nil
}

// explainMiss различает причины, по которым условный UPDATE не затронул строку.
func (r *invoiceRepository) explainMiss(ctx context.Context, id int64, closedErr error) error {
	current, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	if current.IsClosed() {
		return closedErr
	}
	return domain.ErrInvoiceVersionConflict
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func loadItems(ctx context.Context, q queryer, invoiceID int64) ([]domain.LineItem, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, product_id, quantity, unit_price_minor
		FROM invoice_items
		WHERE invoice_id = $1
		ORDER BY position
	`, invoiceID)
	if err != nil {
		return nil, fmt.Errorf("query invoice items: %w", err)
	}
	defer rows.Close()

	items := make([]domain.LineItem, 0)
	for rows.Next() {
		var item domain.LineItem
		if err := rows.Scan(&item.ID, &item.ProductID, &item.Quantity, &item.UnitPriceMinor); err != nil {
			return nil, fmt.Errorf("scan invoice item: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate invoice items: %w", err)
	}
	return items, nil
}

func insertItems(ctx context.Context, tx *sql.Tx, invoiceID int64, items []domain.LineItem) ([]domain.LineItem, error) {
	out := make([]domain.LineItem, 0, len(items))
	for pos, item := range items {
		if err := tx.QueryRowContext(ctx, `
			INSERT INTO invoice_items (invoice_id, position, product_id, quantity, unit_price_minor)
			VALUES ($1, $2, $3, $4, $5)
			RETURNING id
		`, invoiceID, pos, item.ProductID, item.Quantity, item.UnitPriceMinor).Scan(&item.ID); err != nil {
			return nil, fmt.Errorf("insert invoice item: %w", err)
		}
		out = append(out, item)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInvoice(row rowScanner) (domain.Invoice, error) {
	var (
		inv      domain.Invoice
		number   sql.NullInt64
		status   string
		closedAt sql.NullTime
	)
	if err := row.Scan(&inv.ID, &number, &status, &inv.ClosedByKey, &inv.Version, &inv.CreatedAt, &inv.UpdatedAt, &closedAt); err != nil {
		return domain.Invoice{}, err
	}

	inv.Status = domain.InvoiceStatus(status)
	if number.Valid {
		n := number.Int64
		inv.Number = &n
	}
	if closedAt.Valid {
		at := closedAt.Time.UTC()
		inv.ClosedAt = &at
	}
	inv.Items = []domain.LineItem{}
	return inv, nil
}

var _ domain.InvoiceRepository = (*invoiceRepository)(nil)
