package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/invoicesaga/internal/domain"
)

var (
	sqlLoadBatch   = regexp.QuoteMeta(`SELECT results FROM decrement_batches WHERE batch_key = $1`)
	sqlLockRows    = regexp.QuoteMeta(`FROM products WHERE id = ANY($1) ORDER BY id FOR UPDATE`)
	sqlDecrement   = regexp.QuoteMeta(`UPDATE products SET balance = balance - $2`)
	sqlRecordBatch = regexp.QuoteMeta(`INSERT INTO decrement_batches`)
	sqlGetProduct  = regexp.QuoteMeta(`FROM products WHERE id = $1`)
)

func newMockRepo(t *testing.T) (pgxmock.PgxPoolIface, domain.ProductRepository) {
	t.Helper()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return mock, NewProductRepository(mock)
}

func balanceRows(pairs ...int64) *pgxmock.Rows {
	rows := pgxmock.NewRows([]string{"id", "balance"})
	for i := 0; i+1 < len(pairs); i += 2 {
		rows.AddRow(pairs[i], pairs[i+1])
	}
	return rows
}

func productRow(id, balance, version int64) *pgxmock.Rows {
	now := time.Now().UTC()
	return pgxmock.NewRows([]string{"id", "code", "description", "balance", "version", "created_at", "updated_at"}).
		AddRow(id, domain.ProductCode(id), "widget", balance, version, now, now)
}

func TestProductRepository_ApplyBatchCommitsAndRecordsKey(t *testing.T) {
	mock, repo := newMockRepo(t)

	mock.ExpectBegin()
	mock.ExpectQuery(sqlLoadBatch).WithArgs("batch-1").WillReturnRows(pgxmock.NewRows([]string{"results"}))
	mock.ExpectQuery(sqlLockRows).WithArgs([]int64{1, 2}).WillReturnRows(balanceRows(1, 10, 2, 5))
	mock.ExpectQuery(sqlDecrement).WithArgs(int64(2), int64(3)).WillReturnRows(pgxmock.NewRows([]string{"balance"}).AddRow(int64(2)))
	mock.ExpectQuery(sqlDecrement).WithArgs(int64(1), int64(4)).WillReturnRows(pgxmock.NewRows([]string{"balance"}).AddRow(int64(6)))
	mock.ExpectExec(sqlRecordBatch).WithArgs("batch-1", pgxmock.AnyArg()).WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	results, err := repo.ApplyBatch(context.Background(), "batch-1", []domain.StockLine{
		{ProductID: 2, Quantity: 3},
		{ProductID: 1, Quantity: 4},
	})
	require.NoError(t, err)
	require.Equal(t, []domain.StockLineResult{
		{ProductID: 2, Quantity: 3, Status: domain.StockLineStatusOK},
		{ProductID: 1, Quantity: 4, Status: domain.StockLineStatusOK},
	}, results)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestProductRepository_ApplyBatchInsufficientRollsBack(t *testing.T) {
	mock, repo := newMockRepo(t)

	mock.ExpectBegin()
	mock.ExpectQuery(sqlLockRows).WithArgs([]int64{1, 2, 3}).WillReturnRows(balanceRows(1, 10, 2, 1, 3, 10))
	mock.ExpectRollback()

	_, err := repo.ApplyBatch(context.Background(), "", []domain.StockLine{
		{ProductID: 1, Quantity: 2},
		{ProductID: 2, Quantity: 5},
		{ProductID: 3, Quantity: 2},
	})

	var stockErr *domain.InsufficientStockError
	require.True(t, errors.As(err, &stockErr))
	require.EqualValues(t, 2, stockErr.ProductID)
	require.EqualValues(t, 1, stockErr.CurrentBalance)
	require.EqualValues(t, 5, stockErr.Requested)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestProductRepository_ApplyBatchUnknownProduct(t *testing.T) {
	mock, repo := newMockRepo(t)

	mock.ExpectBegin()
	mock.ExpectQuery(sqlLockRows).WithArgs([]int64{1, 404}).WillReturnRows(balanceRows(1, 10))
	mock.ExpectRollback()

	_, err := repo.ApplyBatch(context.Background(), "", []domain.StockLine{
		{ProductID: 1, Quantity: 1},
		{ProductID: 404, Quantity: 1},
	})
	require.ErrorIs(t, err, domain.ErrProductNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestProductRepository_ApplyBatchReplaysKnownKey(t *testing.T) {
	mock, repo := newMockRepo(t)
	stored := []domain.StockLineResult{{ProductID: 1, Quantity: 2, Status: domain.StockLineStatusOK}}
	payload, err := json.Marshal(stored)
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectQuery(sqlLoadBatch).WithArgs("batch-1").WillReturnRows(pgxmock.NewRows([]string{"results"}).AddRow(payload))
	mock.ExpectRollback()

	results, err := repo.ApplyBatch(context.Background(), "batch-1", []domain.StockLine{{ProductID: 1, Quantity: 2}})
	require.NoError(t, err)
	require.Equal(t, stored, results)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestProductRepository_ApplyBatchConcurrentKeyReplays(t *testing.T) {
	mock, repo := newMockRepo(t)
	stored := []domain.StockLineResult{{ProductID: 1, Quantity: 2, Status: domain.StockLineStatusOK}}
	payload, err := json.Marshal(stored)
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectQuery(sqlLoadBatch).WithArgs("batch-1").WillReturnRows(pgxmock.NewRows([]string{"results"}))
	mock.ExpectQuery(sqlLockRows).WithArgs([]int64{1}).WillReturnRows(balanceRows(1, 8))
	mock.ExpectQuery(sqlDecrement).WithArgs(int64(1), int64(2)).WillReturnRows(pgxmock.NewRows([]string{"balance"}).AddRow(int64(6)))
	mock.ExpectExec(sqlRecordBatch).WithArgs("batch-1", pgxmock.AnyArg()).WillReturnError(&pgconn.PgError{Code: uniqueViolationCode})
	mock.ExpectRollback()
	mock.ExpectQuery(sqlLoadBatch).WithArgs("batch-1").WillReturnRows(pgxmock.NewRows([]string{"results"}).AddRow(payload))

	results, err := repo.ApplyBatch(context.Background(), "batch-1", []domain.StockLine{{ProductID: 1, Quantity: 2}})
	require.NoError(t, err)
	require.Equal(t, stored, results)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestProductRepository_ApplyBatchValidatesBeforeStore(t *testing.T) {
	mock, repo := newMockRepo(t)

	_, err := repo.ApplyBatch(context.Background(), "", []domain.StockLine{{ProductID: 1, Quantity: 0}})
	require.ErrorIs(t, err, domain.ErrQuantityInvalid)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestProductRepository_ConditionalDecrement(t *testing.T) {
	t.Run("applied", func(t *testing.T) {
		mock, repo := newMockRepo(t)
		mock.ExpectQuery(sqlDecrement).WithArgs(int64(1), int64(5)).WillReturnRows(pgxmock.NewRows([]string{"balance"}).AddRow(int64(0)))

		res, err := repo.ConditionalDecrement(context.Background(), 1, 5)
		require.NoError(t, err)
		require.Equal(t, domain.DecrementResult{Applied: true, CurrentBalance: 0}, res)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("insufficient reports current balance", func(t *testing.T) {
		mock, repo := newMockRepo(t)
		mock.ExpectQuery(sqlDecrement).WithArgs(int64(1), int64(1)).WillReturnRows(pgxmock.NewRows([]string{"balance"}))
		mock.ExpectQuery(sqlGetProduct).WithArgs(int64(1)).WillReturnRows(productRow(1, 0, 3))

		res, err := repo.ConditionalDecrement(context.Background(), 1, 1)
		require.NoError(t, err)
		require.Equal(t, domain.DecrementResult{Applied: false, CurrentBalance: 0}, res)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unknown product", func(t *testing.T) {
		mock, repo := newMockRepo(t)
		mock.ExpectQuery(sqlDecrement).WithArgs(int64(9), int64(1)).WillReturnRows(pgxmock.NewRows([]string{"balance"}))
		mock.ExpectQuery(sqlGetProduct).WithArgs(int64(9)).WillReturnRows(pgxmock.NewRows([]string{"id"}))

		_, err := repo.ConditionalDecrement(context.Background(), 9, 1)
		require.ErrorIs(t, err, domain.ErrProductNotFound)
		require.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestProductRepository_CreateAssignsCode(t *testing.T) {
	mock, repo := newMockRepo(t)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT nextval`)).WillReturnRows(pgxmock.NewRows([]string{"nextval"}).AddRow(int64(7)))
	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO products`)).
		WithArgs(int64(7), "P000007", "widget", int64(3)).
		WillReturnRows(productRow(7, 3, 1))

	p, err := repo.Create(context.Background(), domain.Product{Description: "widget", Balance: 3})
	require.NoError(t, err)
	require.Equal(t, "P000007", p.Code)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestProductRepository_CreateCodeTaken(t *testing.T) {
	mock, repo := newMockRepo(t)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT nextval`)).WillReturnRows(pgxmock.NewRows([]string{"nextval"}).AddRow(int64(8)))
	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO products`)).
		WithArgs(int64(8), "SKU-1", "widget", int64(0)).
		WillReturnError(&pgconn.PgError{Code: uniqueViolationCode})

	_, err := repo.Create(context.Background(), domain.Product{Code: "SKU-1", Description: "widget"})
	require.ErrorIs(t, err, domain.ErrProductCodeTaken)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestProductRepository_UpdateStaleVersion(t *testing.T) {
	mock, repo := newMockRepo(t)

	mock.ExpectQuery(regexp.QuoteMeta(`UPDATE products SET description = $2`)).
		WithArgs(int64(1), "widget", int64(4), int64(1)).
		WillReturnRows(pgxmock.NewRows([]string{"id"}))
	mock.ExpectQuery(sqlGetProduct).WithArgs(int64(1)).WillReturnRows(productRow(1, 3, 2))

	_, err := repo.Update(context.Background(), domain.Product{ID: 1, Description: "widget", Balance: 4, Version: 1})
	require.ErrorIs(t, err, domain.ErrProductVersionConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}
