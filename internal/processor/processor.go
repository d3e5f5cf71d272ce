// Package processor implements the indexer's two mutating operations —
// submit-block and rollback-to-height — on top of the validator,
// repositories, coordinator, and error classifier.
package processor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Klingon-tech/klingnet-index/internal/coordinator"
	"github.com/Klingon-tech/klingnet-index/internal/dbmanager"
	"github.com/Klingon-tech/klingnet-index/internal/errs"
	"github.com/Klingon-tech/klingnet-index/internal/log"
	"github.com/Klingon-tech/klingnet-index/internal/model"
	"github.com/Klingon-tech/klingnet-index/internal/money"
	"github.com/Klingon-tech/klingnet-index/internal/pgstore"
	"github.com/Klingon-tech/klingnet-index/internal/repository"
	"github.com/Klingon-tech/klingnet-index/internal/validator"
)

// ErrDuplicateBlock is returned when a block at a height already present is
// resubmitted.
var ErrDuplicateBlock = errors.New("block already processed")

// ErrRollbackDepthExceeded is returned when a rollback would undo more than
// the configured maximum depth.
var ErrRollbackDepthExceeded = errors.New("rollback limited: target too far behind current height")

// ErrRollbackTargetAhead is returned when the rollback target is above the
// current height.
var ErrRollbackTargetAhead = errors.New("rollback target greater than current height")

// Processor wires the coordinator, database manager, and repositories
// together to implement the spec's two mutating block operations.
type Processor struct {
	db          *dbmanager.Manager
	coord       *coordinator.Coordinator
	utxos       *repository.UTXORepo
	balances    *repository.BalanceRepo
	errLog      *errs.Log
	maxRollback int64
}

// New constructs a Processor.
func New(db *dbmanager.Manager, coord *coordinator.Coordinator, errLog *errs.Log, maxRollbackDepth int64) *Processor {
	return &Processor{
		db:          db,
		coord:       coord,
		utxos:       repository.NewUTXORepo(),
		balances:    repository.NewBalanceRepo(),
		errLog:      errLog,
		maxRollback: maxRollbackDepth,
	}
}

// intraBlockLookup resolves an outpoint against outputs already seen
// earlier in the same block being validated, since they are not yet
// persisted and therefore invisible to the repository-backed lookup. The
// spec leaves this case implicit; we make it an explicit in-memory map
// populated incrementally as each transaction validates.
type intraBlockLookup struct {
	seen map[model.Outpoint]money.Money
}

func newIntraBlockLookup() *intraBlockLookup {
	return &intraBlockLookup{seen: make(map[model.Outpoint]money.Money)}
}

func (l *intraBlockLookup) record(txID string, outputs []model.Output) {
	for i, out := range outputs {
		l.seen[model.Outpoint{TxID: txID, Index: uint32(i)}] = out.Value
	}
}

// CurrentHeight returns the highest block height indexed so far, or 0 if
// the chain is empty.
func (p *Processor) CurrentHeight(ctx context.Context) (int64, error) {
	pool, err := p.db.PoolWithRetry(ctx)
	if err != nil {
		return 0, fmt.Errorf("database unavailable: %w", err)
	}
	row := pool.QueryRow(ctx, `SELECT COALESCE(MAX(height), 0) FROM blocks`)
	var height int64
	if err := row.Scan(&height); err != nil {
		return 0, fmt.Errorf("processor: current height: %w", err)
	}
	return height, nil
}

// SubmitBlock validates and commits one block, routed through the
// coordinator's single-writer queue.
func (p *Processor) SubmitBlock(ctx context.Context, block model.Block) (model.SubmitBlockResult, error) {
	opts := errs.RetryOptions{MaxRetries: 2, BaseDelay: 500 * time.Millisecond}
	var result model.SubmitBlockResult

	work := func(ctx context.Context) (any, error) {
		err := errs.ExecuteWithRetry(ctx, p.errLog, map[string]string{"op": "submit_block"}, opts, func(ctx context.Context) error {
			r, err := p.submitBlockOnce(ctx, block)
			if err == nil {
				result = r
			}
			return err
		})
		return result, err
	}

	v, err := p.coord.SubmitMutation(ctx, work)
	if err != nil {
		return model.SubmitBlockResult{}, err
	}
	if v == nil {
		return result, nil
	}
	return v.(model.SubmitBlockResult), nil
}

func (p *Processor) submitBlockOnce(ctx context.Context, block model.Block) (model.SubmitBlockResult, error) {
	pool, err := p.db.PoolWithRetry(ctx)
	if err != nil {
		return model.SubmitBlockResult{}, fmt.Errorf("database unavailable: %w", err)
	}

	if err := validator.ValidateStructure(block); err != nil {
		return model.SubmitBlockResult{}, err
	}

	currentHeight, err := p.CurrentHeight(ctx)
	if err != nil {
		return model.SubmitBlockResult{}, err
	}

	var exists bool
	if err := pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM blocks WHERE height = $1)`, block.Height).Scan(&exists); err != nil {
		return model.SubmitBlockResult{}, fmt.Errorf("processor: duplicate check: %w", err)
	}
	if exists {
		return model.SubmitBlockResult{}, fmt.Errorf("%w: height %d", ErrDuplicateBlock, block.Height)
	}

	if !validator.ValidateHeight(block.Height, currentHeight) {
		return model.SubmitBlockResult{}, fmt.Errorf("%w: expected %d, got %d", validator.ErrBadHeight, currentHeight+1, block.Height)
	}

	if err := validator.ValidateBlockID(block); err != nil {
		return model.SubmitBlockResult{}, err
	}

	lookup := newIntraBlockLookup()
	deltas := map[string]money.Money{}

	txErr := pgstore.RunInTx(ctx, pool, func(ctx context.Context, tx *pgstore.Tx) error {
		if _, err := tx.Exec(ctx, `INSERT INTO blocks (height, id, transaction_count) VALUES ($1, $2, $3)`,
			block.Height, block.ID, len(block.Transactions)); err != nil {
			return fmt.Errorf("insert block %d: %w", block.Height, err)
		}

		for _, t := range block.Transactions {
			resolver := func(op model.Outpoint) (money.Money, bool) {
				if v, ok := lookup.seen[op]; ok {
					return v, true
				}
				u, err := p.utxos.Get(ctx, tx, op)
				if err != nil || u == nil || u.IsSpent {
					return money.Zero, false
				}
				return u.Value, true
			}
			if err := validator.ValidateTransactionBalance(t, resolver); err != nil {
				return err
			}

			if _, err := tx.Exec(ctx, `INSERT INTO transactions (id, block_height, transaction_index) VALUES ($1, $2, $3)`,
				t.ID, block.Height, indexOf(block.Transactions, t.ID)); err != nil {
				return fmt.Errorf("insert transaction %s: %w", t.ID, err)
			}

			for i, in := range t.Inputs {
				if _, err := tx.Exec(ctx, `INSERT INTO transaction_inputs (transaction_id, input_index, utxo_tx_id, utxo_index) VALUES ($1, $2, $3, $4)`,
					t.ID, i, in.TxID, in.Index); err != nil {
					return fmt.Errorf("insert input %s:%d: %w", t.ID, i, err)
				}
			}

			if !t.IsCoinbase() {
				if err := p.utxos.Spend(ctx, tx, t.Inputs, t.ID, block.Height); err != nil {
					return err
				}
				for _, in := range t.Inputs {
					u, err := p.utxos.Get(ctx, tx, model.Outpoint{TxID: in.TxID, Index: in.Index})
					if err == nil && u != nil {
						deltas[u.Address] = deltas[u.Address].Sub(u.Value)
					}
				}
			}

			if err := p.utxos.Save(ctx, tx, t.ID, t.Outputs); err != nil {
				return err
			}
			lookup.record(t.ID, t.Outputs)
			for _, out := range t.Outputs {
				deltas[out.Address] = deltas[out.Address].Add(out.Value)
			}
		}

		entries := make([]repository.AddressValue, 0, len(deltas))
		for address, delta := range deltas {
			current, err := p.balances.Get(ctx, tx, address)
			if err != nil {
				return err
			}
			entries = append(entries, repository.AddressValue{Address: address, Value: current.Add(delta)})
		}
		if err := p.balances.BatchUpsert(ctx, tx, entries, block.Height); err != nil {
			return err
		}
		return nil
	})

	if txErr != nil {
		return model.SubmitBlockResult{}, txErr
	}

	log.Processor.Info().Int64("height", block.Height).Str("block_id", block.ID).Int("txs", len(block.Transactions)).Msg("block indexed")
	return model.SubmitBlockResult{Success: true, BlockHeight: block.Height, Message: "block indexed"}, nil
}

func indexOf(txs []model.Transaction, id string) int {
	for i, t := range txs {
		if t.ID == id {
			return i
		}
	}
	return -1
}

// RollbackToHeight undoes every block above target, restoring the UTXO set
// and recomputing all balances from scratch. Routed through the
// coordinator's exclusive rollback path.
func (p *Processor) RollbackToHeight(ctx context.Context, target int64) (model.RollbackResult, error) {
	opts := errs.RetryOptions{MaxRetries: 1, BaseDelay: time.Second}
	var result model.RollbackResult

	work := func(ctx context.Context) (any, error) {
		err := errs.ExecuteWithRetry(ctx, p.errLog, map[string]string{"op": "rollback"}, opts, func(ctx context.Context) error {
			r, err := p.rollbackOnce(ctx, target)
			if err == nil {
				result = r
			}
			return err
		})
		return result, err
	}

	v, err := p.coord.RunRollback(ctx, work)
	if err != nil {
		return model.RollbackResult{}, err
	}
	if v == nil {
		return result, nil
	}
	return v.(model.RollbackResult), nil
}

func (p *Processor) rollbackOnce(ctx context.Context, target int64) (model.RollbackResult, error) {
	if target < 0 {
		return model.RollbackResult{}, fmt.Errorf("%w: target height must not be negative", validator.ErrBadHeight)
	}

	pool, err := p.db.PoolWithRetry(ctx)
	if err != nil {
		return model.RollbackResult{}, fmt.Errorf("database unavailable: %w", err)
	}

	current, err := p.CurrentHeight(ctx)
	if err != nil {
		return model.RollbackResult{}, err
	}

	if target == current {
		return model.RollbackResult{Success: true, NewHeight: current, Message: "rollback is a no-op, already at target height"}, nil
	}
	if target > current {
		return model.RollbackResult{}, ErrRollbackTargetAhead
	}
	if current-target > p.maxRollback {
		return model.RollbackResult{}, fmt.Errorf("%w: depth %d exceeds limit %d", ErrRollbackDepthExceeded, current-target, p.maxRollback)
	}

	txErr := pgstore.RunInTx(ctx, pool, func(ctx context.Context, tx *pgstore.Tx) error {
		if err := p.utxos.RollbackAfter(ctx, tx, target); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `DELETE FROM blocks WHERE height > $1`, target); err != nil {
			return fmt.Errorf("rollback delete blocks: %w", err)
		}
		if err := p.balances.RecalculateAll(ctx, tx); err != nil {
			return err
		}
		return nil
	})
	if txErr != nil {
		return model.RollbackResult{}, txErr
	}

	log.Rollback.Info().Int64("target", target).Int64("from", current).Msg("rollback complete")
	return model.RollbackResult{Success: true, NewHeight: target, Message: "rollback complete"}, nil
}

// GetBalance serves a read, refusing to serve stale data mid-rollback.
func (p *Processor) GetBalance(ctx context.Context, address string) (money.Money, error) {
	if !p.coord.MayReadBalance() {
		return money.Zero, errors.New("rollback in progress, try again shortly")
	}
	pool, ok := p.db.Pool()
	if !ok {
		return money.Zero, errors.New("database unavailable")
	}
	return p.balances.Get(ctx, pool, address)
}
