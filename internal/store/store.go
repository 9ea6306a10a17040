// Package store is PDOFlow's data-access layer. All write operations run
// inside explicit transactions at READ COMMITTED isolation (pgx's default);
// the dispatch claim additionally takes FOR UPDATE SKIP LOCKED row locks.
// Store wraps a *pgxpool.Pool directly rather than database/sql, since every
// write path needs native pgx transactions for the row-locking claim.
package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store is the central data access object for one worker/producer process.
// It accepts an externally constructed pool so each worker can own exactly
// one private connection for its lifetime; see internal/worker.Runtime,
// which acquires a single *pgxpool.Conn from this Store's pool and pins it
// for the worker's life.
type Store struct {
	pool *pgxpool.Pool
}

// New wraps an already-configured pgxpool.Pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Pool returns the underlying pgxpool for callers that need to acquire a
// dedicated connection (internal/worker.Runtime) or run native pgx
// transactions directly.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// withTx runs fn inside a pgx transaction on the pool, committing on nil
// error and rolling back otherwise.
func (s *Store) withTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback on panic or fn error; no-op after commit

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// withTxOn is like withTx but runs on an explicit querier (a *pgxpool.Conn's
// connection, or the pool itself) so callers holding a dedicated connection
// (internal/worker.Runtime) use that connection's own transaction rather
// than borrowing a second one from the pool.
func withTxOn(ctx context.Context, q interface {
	Begin(context.Context) (pgx.Tx, error)
}, fn func(pgx.Tx) error) error {
	tx, err := q.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
