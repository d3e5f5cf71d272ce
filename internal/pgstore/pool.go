// Package pgstore wires the indexer's persistence layer onto Postgres via
// pgx/v5: the connection pool, migrations, and the scoped-transaction
// primitive that guarantees commit-or-rollback on every exit path.
package pgstore

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Querier is satisfied by both *pgxpool.Pool and pgx.Tx, letting
// repositories accept either a bare pool connection or a caller-supplied
// scoped transaction without duplicating their SQL.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// CommandTag aliases pgconn.CommandTag so this package's public surface
// doesn't require importing pgconn directly everywhere it's used.
type CommandTag = pgconn.CommandTag

// Pool wraps a pgxpool.Pool. It satisfies Querier directly so callers can
// pass either *Pool or a *Tx interchangeably to repository methods.
type Pool struct {
	pool *pgxpool.Pool
}

// Open creates a connection pool for dsn with the given max connections,
// without blocking on connectivity — pgxpool connects lazily.
func Open(ctx context.Context, dsn string, maxConns int32) (*Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("pgstore: parse dsn: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("pgstore: new pool: %w", err)
	}
	return &Pool{pool: pool}, nil
}

// Ping runs a trivial query with the given timeout to confirm connectivity.
func (p *Pool) Ping(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	var one int
	return p.pool.QueryRow(ctx, "SELECT 1").Scan(&one)
}

// Exec implements Querier.
func (p *Pool) Exec(ctx context.Context, sql string, args ...any) (CommandTag, error) {
	return p.pool.Exec(ctx, sql, args...)
}

// Query implements Querier.
func (p *Pool) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return p.pool.Query(ctx, sql, args...)
}

// QueryRow implements Querier.
func (p *Pool) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return p.pool.QueryRow(ctx, sql, args...)
}

// Begin starts a new scoped transaction.
func (p *Pool) Begin(ctx context.Context) (*Tx, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("pgstore: begin tx: %w", err)
	}
	return &Tx{tx: tx}, nil
}

// Raw exposes the underlying *pgxpool.Pool for callers that need
// pool-level access such as statistics.
func (p *Pool) Raw() *pgxpool.Pool {
	return p.pool
}

// Close closes the pool.
func (p *Pool) Close() {
	p.pool.Close()
}

// Tx is a scoped transaction: it must be resolved by exactly one of Commit
// or Rollback. RunInTx below is the preferred way to get this guarantee;
// Tx is exported for repositories and the classifier's rollback path.
type Tx struct {
	tx pgx.Tx
}

// Exec implements Querier.
func (t *Tx) Exec(ctx context.Context, sql string, args ...any) (CommandTag, error) {
	return t.tx.Exec(ctx, sql, args...)
}

// Query implements Querier.
func (t *Tx) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return t.tx.Query(ctx, sql, args...)
}

// QueryRow implements Querier.
func (t *Tx) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return t.tx.QueryRow(ctx, sql, args...)
}

// Commit commits the transaction.
func (t *Tx) Commit(ctx context.Context) error {
	return t.tx.Commit(ctx)
}

// Rollback rolls back the transaction. Rolling back an already-committed or
// already-rolled-back transaction is reported by pgx as pgx.ErrTxClosed;
// Rollback returns nil in that case, so callers (see
// errs.HandleDatabaseError) see it as a harmless no-op.
func (t *Tx) Rollback(ctx context.Context) error {
	err := t.tx.Rollback(ctx)
	if err == pgx.ErrTxClosed {
		return nil
	}
	return err
}

// RunInTx begins a transaction, runs fn, and guarantees the transaction is
// resolved on every exit path: commit on success, rollback on error or
// panic (the panic is re-raised after rollback so the caller's process
// crashes exactly as it would have without the wrapper).
func RunInTx(ctx context.Context, p *Pool, fn func(ctx context.Context, tx *Tx) error) (err error) {
	tx, err := p.Begin(ctx)
	if err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			_ = tx.Rollback(ctx)
			panic(r)
		}
	}()

	if err = fn(ctx, tx); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			return fmt.Errorf("pgstore: %w (rollback also failed: %v)", err, rbErr)
		}
		return err
	}

	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("pgstore: commit: %w", err)
	}
	return nil
}
