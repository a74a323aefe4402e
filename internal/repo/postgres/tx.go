package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	uniqueViolationCode = "23505"
	raiseExceptionCode  = "P0001"
)

func WithTx(ctx context.Context, pool *pgxpool.Pool, fn func(context.Context, pgx.Tx) error) error {
	if pool == nil {
		return errors.New("postgres pool is nil")
	}

	tx, err := pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if err := fn(ctx, tx); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	return nil
}

// TxManager hands services a transaction scope without exposing the pool.
type TxManager struct {
	pool *pgxpool.Pool
}

func NewTxManager(pool *pgxpool.Pool) *TxManager {
	return &TxManager{pool: pool}
}

func (m *TxManager) WithTx(ctx context.Context, fn func(context.Context, pgx.Tx) error) error {
	return WithTx(ctx, m.pool, fn)
}

func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode
}

// InsertOrFetch treats a lost insert (ON CONFLICT DO NOTHING returning no row,
// or a unique violation) as a replay and returns the existing row instead.
// The bool reports whether this call created the row.
func InsertOrFetch[T any](
	ctx context.Context,
	insert func(context.Context) (T, error),
	fetch func(context.Context) (T, error),
) (T, bool, error) {
	row, err := insert(ctx)
	if err == nil {
		return row, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) && !IsUniqueViolation(err) {
		var zero T
		return zero, false, err
	}

	existing, err := fetch(ctx)
	if err != nil {
		var zero T
		return zero, false, err
	}
	return existing, false, nil
}

func requireTx(tx pgx.Tx) error {
	if tx == nil {
		return fmt.Errorf("transaction is required")
	}
	return nil
}
