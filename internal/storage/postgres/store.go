package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
)

const (
	defaultConnTimeout     = 5 * time.Second
	defaultMaxConns        = 25
	defaultConnMaxLifetime = 30 * time.Minute
	defaultConnMaxIdleTime = 5 * time.Minute

	opTimeout = 5 * time.Second

	uniqueViolationCode = "23505"
)

// Schema выбирает набор миграций: у каждого сервиса своя схема.
type Schema string

const (
	SchemaInventory Schema = "inventory"
	SchemaBilling   Schema = "billing"
)

// ParseSchema проверяет имя схемы.
func ParseSchema(raw string) (Schema, error) {
	switch Schema(raw) {
	case SchemaInventory, SchemaBilling:
		return Schema(raw), nil
	default:
		return "", fmt.Errorf("unknown schema %q (want inventory|billing)", raw)
	}
}

// Store держит пул pgx и database/sql-обёртку над тем же пулом.
type Store struct {
	pool   *pgxpool.Pool
	db     *sql.DB
	schema Schema
}

// Open открывает пул подключений к PostgreSQL и проверяет доступность базы.
func Open(ctx context.Context, dsn string, schema Schema) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	cfg.MaxConns = defaultMaxConns
	cfg.MaxConnLifetime = defaultConnMaxLifetime
	cfg.MaxConnIdleTime = defaultConnMaxIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, defaultConnTimeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return &Store{pool: pool, db: stdlib.OpenDBFromPool(pool), schema: schema}, nil
}

// DB возвращает database/sql-обёртку над пулом.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Pool возвращает нативный пул pgx.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// Schema возвращает схему, к которой привязан Store.
func (s *Store) Schema() Schema {
	return s.schema
}

// Ping проверяет доступность подключения.
func (s *Store) Ping(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("postgres store is not initialized")
	}

	pingCtx, cancel := context.WithTimeout(ctx, defaultConnTimeout)
	defer cancel()
	return s.pool.Ping(pingCtx)
}

// Close закрывает подключения к БД.
func (s *Store) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	err := s.db.Close()
	s.pool.Close()
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode
}
