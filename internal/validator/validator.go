// Package validator implements the pure, I/O-free checks a block must pass
// before the block processor is allowed to commit it: height sequencing,
// content-hash integrity, and per-transaction value conservation.
package validator

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"

	"github.com/Klingon-tech/klingnet-index/internal/model"
	"github.com/Klingon-tech/klingnet-index/internal/money"
)

// Validation errors, all non-retryable. The classifier in package errs tags
// ErrBadBlockID, ErrEmptyTxID, ErrDuplicateTxID and ErrNegativeValue as
// validation errors and the rest as business-logic errors.
var (
	ErrBadHeight           = errors.New("block height must be exactly one more than the current max height")
	ErrBadBlockID          = errors.New("block id does not match its content hash")
	ErrEmptyTxID           = errors.New("transaction id must not be empty")
	ErrDuplicateTxID       = errors.New("duplicate transaction id within block")
	ErrNegativeValue       = errors.New("output value must not be negative")
	ErrUnknownUTXO         = errors.New("referenced utxo not found")
	ErrValueNotConserved   = errors.New("sum of input values does not equal sum of output values")
	ErrCoinbaseNegativeSum = errors.New("coinbase output values must sum to a non-negative amount")
)

// ValidateHeight reports whether incoming is a legal next height given the
// current maximum stored height (0 meaning the store is empty).
func ValidateHeight(incoming, currentMax int64) bool {
	if currentMax == 0 {
		return incoming == 1
	}
	return incoming == currentMax+1
}

// BlockID computes the canonical content hash of a block: SHA-256 over the
// ASCII decimal height (no sign, no padding) concatenated with no separator
// to each transaction id in order, encoded as lowercase hex.
func BlockID(height int64, txIDs []string) string {
	h := sha256.New()
	h.Write([]byte(strconv.FormatInt(height, 10)))
	for _, id := range txIDs {
		h.Write([]byte(id))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// ValidateBlockID verifies a submitted block's id against its content hash.
func ValidateBlockID(b model.Block) error {
	ids := make([]string, len(b.Transactions))
	for i, tx := range b.Transactions {
		ids[i] = tx.ID
	}
	expected := BlockID(b.Height, ids)
	if b.ID != expected {
		return fmt.Errorf("%w: got %s, want %s", ErrBadBlockID, b.ID, expected)
	}
	return nil
}

// OutputLookup resolves the value of a previously-created output, given its
// outpoint. It returns ok=false when the output is unknown to the caller
// (not yet created, already spent and purged, or simply absent).
type OutputLookup func(op model.Outpoint) (value money.Money, ok bool)

// ValidateTransactionBalance enforces the conservation-of-value rule: for a
// coinbase transaction (no inputs), outputs must sum to a non-negative
// amount. For any other transaction, the sum of referenced input values
// must equal the sum of its output values exactly, under fixed-point
// decimal arithmetic.
func ValidateTransactionBalance(tx model.Transaction, lookup OutputLookup) error {
	outSum := money.Zero
	for _, out := range tx.Outputs {
		if out.Value.IsNegative() {
			return fmt.Errorf("tx %s: %w", tx.ID, ErrNegativeValue)
		}
		outSum = outSum.Add(out.Value)
	}

	if tx.IsCoinbase() {
		if outSum.IsNegative() {
			return fmt.Errorf("tx %s: %w", tx.ID, ErrCoinbaseNegativeSum)
		}
		return nil
	}

	inSum := money.Zero
	for _, in := range tx.Inputs {
		value, ok := lookup(model.Outpoint{TxID: in.TxID, Index: in.Index})
		if !ok {
			return fmt.Errorf("tx %s: input %s:%d: %w", tx.ID, in.TxID, in.Index, ErrUnknownUTXO)
		}
		inSum = inSum.Add(value)
	}

	if !inSum.Equal(outSum) {
		return fmt.Errorf("tx %s: %w: inputs=%s outputs=%s", tx.ID, ErrValueNotConserved, inSum, outSum)
	}
	return nil
}

// ValidateStructure enforces the wire-format constraints from §6: unique
// non-empty transaction ids within the block, non-negative input indices
// (uint32 already rules out negative), and at least implicitly-valid
// outputs (value non-negativity is re-checked in ValidateTransactionBalance
// for the coinbase path and here for every transaction up front).
func ValidateStructure(b model.Block) error {
	seen := make(map[string]struct{}, len(b.Transactions))
	for _, tx := range b.Transactions {
		if tx.ID == "" {
			return ErrEmptyTxID
		}
		if _, dup := seen[tx.ID]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicateTxID, tx.ID)
		}
		seen[tx.ID] = struct{}{}
		for _, out := range tx.Outputs {
			if out.Value.IsNegative() {
				return fmt.Errorf("tx %s: %w", tx.ID, ErrNegativeValue)
			}
		}
	}
	return nil
}
