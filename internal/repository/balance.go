package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/Klingon-tech/klingnet-index/internal/money"
	"github.com/Klingon-tech/klingnet-index/internal/pgstore"
	"github.com/jackc/pgx/v5"
)

// BalanceRepo is the persistence layer's typed interface over the balances
// relation, a materialised view over unspent outputs.
type BalanceRepo struct{}

// NewBalanceRepo constructs a BalanceRepo.
func NewBalanceRepo() *BalanceRepo {
	return &BalanceRepo{}
}

// Get returns an address's balance, or money.Zero if it has no row (absence
// means zero per the spec's non-materialisation rule).
func (r *BalanceRepo) Get(ctx context.Context, q pgstore.Querier, address string) (money.Money, error) {
	row := q.QueryRow(ctx, `SELECT value FROM balances WHERE address = $1`, address)
	var value money.Money
	if err := row.Scan(&value); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return money.Zero, nil
		}
		return money.Zero, fmt.Errorf("balance get %s: %w", address, err)
	}
	return value, nil
}

// Upsert sets address's balance to value at the given height. A zero value
// deletes the row rather than materialising a zero balance.
func (r *BalanceRepo) Upsert(ctx context.Context, q pgstore.Querier, address string, value money.Money, height int64) error {
	if value.IsZero() {
		_, err := q.Exec(ctx, `DELETE FROM balances WHERE address = $1`, address)
		if err != nil {
			return fmt.Errorf("balance upsert(delete-zero) %s: %w", address, err)
		}
		return nil
	}
	_, err := q.Exec(ctx, `
		INSERT INTO balances (address, value, last_updated_height, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (address) DO UPDATE
		SET value = EXCLUDED.value, last_updated_height = EXCLUDED.last_updated_height, updated_at = now()`,
		address, value, height)
	if err != nil {
		return fmt.Errorf("balance upsert %s: %w", address, err)
	}
	return nil
}

// AddressValue pairs an address with the absolute value batch-upsert should
// write for it.
type AddressValue struct {
	Address string
	Value   money.Money
}

// BatchUpsert applies a set of absolute (address, value) pairs: non-zero
// values are written by one INSERT ... ON CONFLICT statement, and zero
// values delete their rows with one DELETE statement. An empty batch is a
// no-op.
func (r *BalanceRepo) BatchUpsert(ctx context.Context, q pgstore.Querier, entries []AddressValue, height int64) error {
	if len(entries) == 0 {
		return nil
	}

	var toDelete []string
	var keepAddrs []string
	var keepValues []string
	var keepHeights []int64
	for _, e := range entries {
		if e.Value.IsZero() {
			toDelete = append(toDelete, e.Address)
			continue
		}
		keepAddrs = append(keepAddrs, e.Address)
		keepValues = append(keepValues, e.Value.String())
		keepHeights = append(keepHeights, height)
	}

	if len(toDelete) > 0 {
		if _, err := q.Exec(ctx, `DELETE FROM balances WHERE address = ANY($1)`, toDelete); err != nil {
			return fmt.Errorf("balance batch-upsert delete-zero: %w", err)
		}
	}

	if len(keepAddrs) > 0 {
		_, err := q.Exec(ctx, `
			INSERT INTO balances (address, value, last_updated_height, updated_at)
			SELECT a, v::numeric, h, now()
			FROM UNNEST($1::text[], $2::text[], $3::bigint[]) AS t(a, v, h)
			ON CONFLICT (address) DO UPDATE
			SET value = EXCLUDED.value, last_updated_height = EXCLUDED.last_updated_height, updated_at = now()`,
			keepAddrs, keepValues, keepHeights)
		if err != nil {
			return fmt.Errorf("balance batch-upsert: %w", err)
		}
	}
	return nil
}

// RecalculateAll resets every balance to the authoritative sum of unspent
// outputs grouped by address, deleting any address whose total is zero.
// Idempotent: running it twice in a row is a no-op the second time.
func (r *BalanceRepo) RecalculateAll(ctx context.Context, q pgstore.Querier) error {
	if _, err := q.Exec(ctx, `DELETE FROM balances`); err != nil {
		return fmt.Errorf("balance recalculate-all reset: %w", err)
	}
	_, err := q.Exec(ctx, `
		INSERT INTO balances (address, value, last_updated_height, updated_at)
		SELECT address, SUM(value), COALESCE(MAX(t.block_height), 0), now()
		FROM transaction_outputs o
		JOIN transactions t ON t.id = o.transaction_id
		WHERE o.is_spent = false
		GROUP BY address
		HAVING SUM(value) > 0`)
	if err != nil {
		return fmt.Errorf("balance recalculate-all aggregate: %w", err)
	}
	return nil
}

// Recalculate recomputes a single address's balance from its currently
// unspent outputs, upserting if positive and deleting the row otherwise.
func (r *BalanceRepo) Recalculate(ctx context.Context, q pgstore.Querier, address string, height int64) error {
	row := q.QueryRow(ctx, `
		SELECT COALESCE(SUM(value), 0)
		FROM transaction_outputs
		WHERE address = $1 AND is_spent = false`, address)
	var total money.Money
	if err := row.Scan(&total); err != nil {
		return fmt.Errorf("balance recalculate %s: %w", address, err)
	}
	return r.Upsert(ctx, q, address, total, height)
}
