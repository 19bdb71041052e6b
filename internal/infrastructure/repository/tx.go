package repository

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	domainerrors "github.com/davidleathers/carebill-backend/internal/domain/errors"
)

// querier is the subset of pgx shared by *pgxpool.Pool and pgx.Tx. All
// repository methods go through it so they can run either standalone or
// inside a transaction started by the TransactionManager.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type txKey struct{}

// queryerFrom returns the transaction bound to ctx, or the pool when the
// call is not transactional.
func queryerFrom(ctx context.Context, pool *pgxpool.Pool) querier {
	if tx, ok := ctx.Value(txKey{}).(pgx.Tx); ok {
		return tx
	}
	return pool
}

// TxManager runs functions inside a single Postgres transaction. The
// transaction rides the context; repositories pick it up transparently.
type TxManager struct {
	pool *pgxpool.Pool
}

// NewTxManager creates a transaction manager over the pool
func NewTxManager(pool *pgxpool.Pool) *TxManager {
	return &TxManager{pool: pool}
}

// ExecuteInTransaction begins a transaction, runs fn with it on the context,
// and commits or rolls back as one unit.
func (m *TxManager) ExecuteInTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	tx, err := m.pool.Begin(ctx)
	if err != nil {
		return domainerrors.NewInternalError("failed to begin transaction").WithCause(err)
	}
	defer tx.Rollback(ctx)

	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return domainerrors.NewInternalError("failed to commit transaction").WithCause(err)
	}
	return nil
}
