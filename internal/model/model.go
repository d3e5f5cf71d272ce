// Package model defines the indexer's wire and domain types: blocks,
// transactions, outpoints, UTXOs, and balances.
package model

import (
	"time"

	"github.com/Klingon-tech/klingnet-index/internal/money"
)

// Outpoint identifies a transaction output: the transaction that created it
// and its position within that transaction's output list.
type Outpoint struct {
	TxID  string
	Index uint32
}

// Input is a reference to a prior output being consumed by a transaction.
type Input struct {
	TxID  string `json:"txId"`
	Index uint32 `json:"index"`
}

// Output is a value assignment to an address, created by a transaction.
type Output struct {
	Address string      `json:"address"`
	Value   money.Money `json:"value"`
}

// Transaction is an ordered list of inputs consumed and outputs created.
// Empty Inputs marks a coinbase transaction.
type Transaction struct {
	ID      string   `json:"id"`
	Inputs  []Input  `json:"inputs"`
	Outputs []Output `json:"outputs"`
}

// IsCoinbase reports whether tx has no inputs.
func (tx Transaction) IsCoinbase() bool {
	return len(tx.Inputs) == 0
}

// Block is the unit of ingestion: a height, its content-hash id, and its
// ordered transactions.
type Block struct {
	Height       int64         `json:"height"`
	ID           string        `json:"id"`
	Transactions []Transaction `json:"transactions"`
}

// UTXO is a persisted, possibly-spent transaction output.
type UTXO struct {
	TxID          string
	OutputIndex   uint32
	Address       string
	Value         money.Money
	IsSpent       bool
	SpentByTxID   *string
	SpentAtHeight *int64
}

// Outpoint returns the outpoint this UTXO was created at.
func (u UTXO) Outpoint() Outpoint {
	return Outpoint{TxID: u.TxID, Index: u.OutputIndex}
}

// Balance is the derived, materialised view of an address's unspent value.
type Balance struct {
	Address           string
	Value             money.Money
	LastUpdatedHeight int64
	UpdatedAt         time.Time
}

// SubmitBlockResult is the outcome of a submit-block call.
type SubmitBlockResult struct {
	Success     bool   `json:"success"`
	BlockHeight int64  `json:"block_height"`
	Message     string `json:"message"`
}

// RollbackResult is the outcome of a rollback-to-height call.
type RollbackResult struct {
	Success   bool   `json:"success"`
	NewHeight int64  `json:"new_height"`
	Message   string `json:"message"`
}
