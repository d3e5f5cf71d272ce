package validator

import (
	"testing"

	"github.com/Klingon-tech/klingnet-index/internal/model"
	"github.com/Klingon-tech/klingnet-index/internal/money"
	"github.com/stretchr/testify/require"
)

func TestValidateHeight(t *testing.T) {
	cases := []struct {
		incoming, currentMax int64
		want                 bool
	}{
		{1, 0, true},
		{0, 0, false},
		{2, 0, false},
		{2, 1, true},
		{1, 1, false},
		{3, 1, false},
		{-1, 0, false},
	}
	for _, c := range cases {
		got := ValidateHeight(c.incoming, c.currentMax)
		require.Equalf(t, c.want, got, "ValidateHeight(%d, %d)", c.incoming, c.currentMax)
	}
}

func TestBlockIDDeterministicAndOrderSensitive(t *testing.T) {
	id1 := BlockID(5, []string{"a", "b"})
	id2 := BlockID(5, []string{"a", "b"})
	require.Equal(t, id1, id2)
	require.Len(t, id1, 64)

	idSwapped := BlockID(5, []string{"b", "a"})
	require.NotEqual(t, id1, idSwapped)

	idOtherHeight := BlockID(6, []string{"a", "b"})
	require.NotEqual(t, id1, idOtherHeight)
}

func TestValidateBlockID(t *testing.T) {
	b := model.Block{
		Height: 1,
		Transactions: []model.Transaction{
			{ID: "genesis-tx"},
		},
	}
	b.ID = BlockID(b.Height, []string{"genesis-tx"})
	require.NoError(t, ValidateBlockID(b))

	b.ID = "deadbeef"
	require.ErrorIs(t, ValidateBlockID(b), ErrBadBlockID)
}

func TestValidateTransactionBalanceCoinbase(t *testing.T) {
	tx := model.Transaction{
		ID: "genesis-tx",
		Outputs: []model.Output{
			{Address: "alice", Value: money.New(1000)},
			{Address: "bob", Value: money.New(500)},
		},
	}
	err := ValidateTransactionBalance(tx, func(model.Outpoint) (money.Money, bool) {
		t.Fatal("coinbase must not consult the lookup")
		return money.Zero, false
	})
	require.NoError(t, err)
}

func TestValidateTransactionBalanceSpend(t *testing.T) {
	lookup := func(op model.Outpoint) (money.Money, bool) {
		if op.TxID == "genesis-tx" && op.Index == 0 {
			return money.New(1000), true
		}
		return money.Zero, false
	}

	balanced := model.Transaction{
		ID:     "tx2",
		Inputs: []model.Input{{TxID: "genesis-tx", Index: 0}},
		Outputs: []model.Output{
			{Address: "charlie", Value: money.New(600)},
			{Address: "alice", Value: money.New(400)},
		},
	}
	require.NoError(t, ValidateTransactionBalance(balanced, lookup))

	unbalanced := model.Transaction{
		ID:      "tx3",
		Inputs:  []model.Input{{TxID: "genesis-tx", Index: 0}},
		Outputs: []model.Output{{Address: "x", Value: money.New(1500)}},
	}
	err := ValidateTransactionBalance(unbalanced, lookup)
	require.ErrorIs(t, err, ErrValueNotConserved)
}

func TestValidateTransactionBalanceExactDecimalNotFloat(t *testing.T) {
	// 0.1 + 0.2 != 0.3 under float64; must be exact under fixed-point decimal.
	lookup := func(op model.Outpoint) (money.Money, bool) {
		switch op.Index {
		case 0:
			return money.MustFromString("0.1"), true
		case 1:
			return money.MustFromString("0.2"), true
		}
		return money.Zero, false
	}
	tx := model.Transaction{
		ID: "precise-tx",
		Inputs: []model.Input{
			{TxID: "src", Index: 0},
			{TxID: "src", Index: 1},
		},
		Outputs: []model.Output{
			{Address: "dst", Value: money.MustFromString("0.3")},
		},
	}
	require.NoError(t, ValidateTransactionBalance(tx, lookup))

	// Demonstrate the failure mode the fixed-point design avoids: under
	// float64, 0.1+0.2 renders as 0.30000000000000004, not 0.3. The operands
	// are variables so the sum is computed in float64 at run time rather than
	// exactly as an untyped constant expression.
	a, b := 0.1, 0.2
	require.NotEqual(t, a+b, 0.3)
}

func TestValidateTransactionBalanceUnknownUTXO(t *testing.T) {
	tx := model.Transaction{
		ID:     "tx",
		Inputs: []model.Input{{TxID: "missing", Index: 0}},
		Outputs: []model.Output{
			{Address: "x", Value: money.New(1)},
		},
	}
	err := ValidateTransactionBalance(tx, func(model.Outpoint) (money.Money, bool) {
		return money.Zero, false
	})
	require.ErrorIs(t, err, ErrUnknownUTXO)
}

func TestValidateStructureDuplicateTxID(t *testing.T) {
	b := model.Block{
		Transactions: []model.Transaction{
			{ID: "dup"},
			{ID: "dup"},
		},
	}
	require.ErrorIs(t, ValidateStructure(b), ErrDuplicateTxID)
}

func TestValidateStructureEmptyTxID(t *testing.T) {
	b := model.Block{Transactions: []model.Transaction{{ID: ""}}}
	require.ErrorIs(t, ValidateStructure(b), ErrEmptyTxID)
}

func TestValidateStructureNegativeValue(t *testing.T) {
	neg, err := money.FromString("-1")
	require.NoError(t, err)
	b := model.Block{
		Transactions: []model.Transaction{
			{ID: "tx", Outputs: []model.Output{{Address: "a", Value: neg}}},
		},
	}
	require.ErrorIs(t, ValidateStructure(b), ErrNegativeValue)
}
