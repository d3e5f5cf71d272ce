// Package repository implements the UTXO and balance repositories over a
// relational store: the spec's typed interface for creating, spending,
// reading, and rolling back unspent outputs, and for deriving balances.
package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/Klingon-tech/klingnet-index/internal/model"
	"github.com/Klingon-tech/klingnet-index/internal/pgstore"
	"github.com/jackc/pgx/v5"
)

// ErrAlreadySpent is returned by Spend when the referenced output does not
// exist or is already spent — the double-spend guard.
var ErrAlreadySpent = errors.New("utxo not found or already spent")

// UTXORepo is the persistence layer's typed interface over the
// transaction_outputs relation.
type UTXORepo struct{}

// NewUTXORepo constructs a UTXORepo. It holds no state: every method takes
// the pgstore.Querier to operate against, letting callers choose between a
// bare pool connection and a caller-supplied scoped transaction.
func NewUTXORepo() *UTXORepo {
	return &UTXORepo{}
}

// Save inserts one row per output with sequential output_index starting at 0.
func (r *UTXORepo) Save(ctx context.Context, q pgstore.Querier, txID string, outputs []model.Output) error {
	for i, out := range outputs {
		_, err := q.Exec(ctx, `
			INSERT INTO transaction_outputs (transaction_id, output_index, address, value, is_spent)
			VALUES ($1, $2, $3, $4, false)`,
			txID, i, out.Address, out.Value)
		if err != nil {
			return fmt.Errorf("utxo save %s:%d: %w", txID, i, err)
		}
	}
	return nil
}

// Spend marks each referenced output spent, only if it is currently unspent.
// A single input whose UPDATE affects zero rows fails the whole call with
// ErrAlreadySpent — no partial spends are left behind because callers run
// Spend inside the block processor's outer scoped transaction.
func (r *UTXORepo) Spend(ctx context.Context, q pgstore.Querier, inputs []model.Input, spenderTxID string, height int64) error {
	for _, in := range inputs {
		tag, err := q.Exec(ctx, `
			UPDATE transaction_outputs
			SET is_spent = true, spent_by_tx_id = $1, spent_at_height = $2
			WHERE transaction_id = $3 AND output_index = $4 AND is_spent = false`,
			spenderTxID, height, in.TxID, in.Index)
		if err != nil {
			return fmt.Errorf("utxo spend %s:%d: %w", in.TxID, in.Index, err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: %s:%d", ErrAlreadySpent, in.TxID, in.Index)
		}
	}
	return nil
}

// Get performs a point read of a single output by its outpoint.
func (r *UTXORepo) Get(ctx context.Context, q pgstore.Querier, op model.Outpoint) (*model.UTXO, error) {
	row := q.QueryRow(ctx, `
		SELECT transaction_id, output_index, address, value, is_spent, spent_by_tx_id, spent_at_height
		FROM transaction_outputs
		WHERE transaction_id = $1 AND output_index = $2`,
		op.TxID, op.Index)

	var u model.UTXO
	if err := row.Scan(&u.TxID, &u.OutputIndex, &u.Address, &u.Value, &u.IsSpent, &u.SpentByTxID, &u.SpentAtHeight); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("utxo get %s:%d: %w", op.TxID, op.Index, err)
	}
	return &u, nil
}

// ListUnspent returns every unspent output owned by address, ordered by
// (tx_id, output_index).
func (r *UTXORepo) ListUnspent(ctx context.Context, q pgstore.Querier, address string) ([]model.UTXO, error) {
	rows, err := q.Query(ctx, `
		SELECT transaction_id, output_index, address, value, is_spent, spent_by_tx_id, spent_at_height
		FROM transaction_outputs
		WHERE address = $1 AND is_spent = false
		ORDER BY transaction_id, output_index`, address)
	if err != nil {
		return nil, fmt.Errorf("utxo list-unspent %s: %w", address, err)
	}
	defer rows.Close()

	var out []model.UTXO
	for rows.Next() {
		var u model.UTXO
		if err := rows.Scan(&u.TxID, &u.OutputIndex, &u.Address, &u.Value, &u.IsSpent, &u.SpentByTxID, &u.SpentAtHeight); err != nil {
			return nil, fmt.Errorf("utxo list-unspent scan: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// RollbackAfter restores outputs whose spend happened after targetHeight to
// unspent, then deletes every output created strictly after targetHeight.
// Both steps are expected to run inside the caller's single scoped
// transaction alongside the block/transaction deletes.
func (r *UTXORepo) RollbackAfter(ctx context.Context, q pgstore.Querier, targetHeight int64) error {
	if _, err := q.Exec(ctx, `
		UPDATE transaction_outputs
		SET is_spent = false, spent_by_tx_id = NULL, spent_at_height = NULL
		WHERE spent_at_height > $1`, targetHeight); err != nil {
		return fmt.Errorf("utxo rollback-after unspend: %w", err)
	}

	if _, err := q.Exec(ctx, `
		DELETE FROM transaction_outputs
		WHERE transaction_id IN (
			SELECT t.id FROM transactions t
			JOIN blocks b ON b.height = t.block_height
			WHERE b.height > $1
		)`, targetHeight); err != nil {
		return fmt.Errorf("utxo rollback-after delete: %w", err)
	}
	return nil
}
