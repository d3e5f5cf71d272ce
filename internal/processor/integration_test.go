//go:build integration

// These tests spin up a real, ephemeral Postgres via testcontainers-go and
// exercise the full stack (migrations, repositories, coordinator, processor)
// against it. Run with: go test -tags=integration ./internal/processor/...
package processor_test

import (
	"context"
	"testing"
	"time"

	"github.com/Klingon-tech/klingnet-index/internal/coordinator"
	"github.com/Klingon-tech/klingnet-index/internal/dbmanager"
	"github.com/Klingon-tech/klingnet-index/internal/errs"
	"github.com/Klingon-tech/klingnet-index/internal/model"
	"github.com/Klingon-tech/klingnet-index/internal/money"
	"github.com/Klingon-tech/klingnet-index/internal/processor"
	"github.com/Klingon-tech/klingnet-index/internal/validator"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

func startTestProcessor(t *testing.T) *processor.Processor {
	t.Helper()
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("klingnet_index_test"),
		tcpostgres.WithUsername("test"),
		tcpostgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").WithOccurrence(2).WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	db := dbmanager.New(dbmanager.Config{
		DSN:              dsn,
		MaxConns:         5,
		BackoffBase:      50 * time.Millisecond,
		BackoffCap:       time.Second,
		HealthCheckEvery: time.Minute,
	})
	db.Initialize(ctx)
	t.Cleanup(db.Shutdown)

	require.Eventually(t, func() bool {
		return db.Status().Connected
	}, 20*time.Second, 100*time.Millisecond)

	coord := coordinator.New(64)
	t.Cleanup(coord.Shutdown)

	errLog := errs.NewLog(100)
	return processor.New(db, coord, errLog, 2000)
}

func coinbaseBlock(height int64, txID, address string, amount string) model.Block {
	tx := model.Transaction{
		ID: txID,
		Outputs: []model.Output{
			{Address: address, Value: money.MustFromString(amount)},
		},
	}
	return model.Block{Height: height, ID: blockID(height, []string{txID}), Transactions: []model.Transaction{tx}}
}

func blockID(height int64, txIDs []string) string {
	return validator.BlockID(height, txIDs)
}

func TestGenesisBlockAndBalance(t *testing.T) {
	p := startTestProcessor(t)
	ctx := context.Background()

	block := coinbaseBlock(1, "tx1", "alice", "100.00000000")
	result, err := p.SubmitBlock(ctx, block)
	require.NoError(t, err)
	require.True(t, result.Success)
	require.Equal(t, int64(1), result.BlockHeight)

	balance, err := p.GetBalance(ctx, "alice")
	require.NoError(t, err)
	require.True(t, balance.Equal(money.MustFromString("100.00000000")))
}

func TestSpendWithChange(t *testing.T) {
	p := startTestProcessor(t)
	ctx := context.Background()

	_, err := p.SubmitBlock(ctx, coinbaseBlock(1, "tx1", "alice", "100"))
	require.NoError(t, err)

	spend := model.Transaction{
		ID:     "tx2",
		Inputs: []model.Input{{TxID: "tx1", Index: 0}},
		Outputs: []model.Output{
			{Address: "bob", Value: money.MustFromString("40")},
			{Address: "alice", Value: money.MustFromString("60")},
		},
	}
	block2 := model.Block{Height: 2, ID: blockID(2, []string{"tx2"}), Transactions: []model.Transaction{spend}}

	result, err := p.SubmitBlock(ctx, block2)
	require.NoError(t, err)
	require.True(t, result.Success)

	aliceBal, err := p.GetBalance(ctx, "alice")
	require.NoError(t, err)
	require.True(t, aliceBal.Equal(money.MustFromString("60")))

	bobBal, err := p.GetBalance(ctx, "bob")
	require.NoError(t, err)
	require.True(t, bobBal.Equal(money.MustFromString("40")))
}

func TestUnbalancedTransactionRejected(t *testing.T) {
	p := startTestProcessor(t)
	ctx := context.Background()

	_, err := p.SubmitBlock(ctx, coinbaseBlock(1, "tx1", "alice", "100"))
	require.NoError(t, err)

	badSpend := model.Transaction{
		ID:     "tx2",
		Inputs: []model.Input{{TxID: "tx1", Index: 0}},
		Outputs: []model.Output{
			{Address: "bob", Value: money.MustFromString("999")},
		},
	}
	block2 := model.Block{Height: 2, ID: blockID(2, []string{"tx2"}), Transactions: []model.Transaction{badSpend}}

	_, err = p.SubmitBlock(ctx, block2)
	require.Error(t, err)

	aliceBal, err := p.GetBalance(ctx, "alice")
	require.NoError(t, err)
	require.True(t, aliceBal.Equal(money.MustFromString("100")))
}

func TestRollbackToGenesis(t *testing.T) {
	p := startTestProcessor(t)
	ctx := context.Background()

	_, err := p.SubmitBlock(ctx, coinbaseBlock(1, "tx1", "alice", "100"))
	require.NoError(t, err)

	spend := model.Transaction{
		ID:      "tx2",
		Inputs:  []model.Input{{TxID: "tx1", Index: 0}},
		Outputs: []model.Output{{Address: "bob", Value: money.MustFromString("100")}},
	}
	_, err = p.SubmitBlock(ctx, model.Block{Height: 2, ID: blockID(2, []string{"tx2"}), Transactions: []model.Transaction{spend}})
	require.NoError(t, err)

	result, err := p.RollbackToHeight(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, int64(1), result.NewHeight)

	aliceBal, err := p.GetBalance(ctx, "alice")
	require.NoError(t, err)
	require.True(t, aliceBal.Equal(money.MustFromString("100")))

	bobBal, err := p.GetBalance(ctx, "bob")
	require.NoError(t, err)
	require.True(t, bobBal.IsZero())
}

func TestRollbackToCurrentHeightIsNoOp(t *testing.T) {
	p := startTestProcessor(t)
	ctx := context.Background()

	_, err := p.SubmitBlock(ctx, coinbaseBlock(1, "tx1", "alice", "100"))
	require.NoError(t, err)

	result, err := p.RollbackToHeight(ctx, 1)
	require.NoError(t, err)
	require.True(t, result.Success)
	require.Equal(t, int64(1), result.NewHeight)

	aliceBal, err := p.GetBalance(ctx, "alice")
	require.NoError(t, err)
	require.True(t, aliceBal.Equal(money.MustFromString("100")))
}

func TestRollbackNegativeTargetRejected(t *testing.T) {
	p := startTestProcessor(t)
	ctx := context.Background()

	_, err := p.SubmitBlock(ctx, coinbaseBlock(1, "tx1", "alice", "100"))
	require.NoError(t, err)

	_, err = p.RollbackToHeight(ctx, -1)
	require.ErrorIs(t, err, validator.ErrBadHeight)
}

func TestRollbackDepthExceeded(t *testing.T) {
	p := startTestProcessor(t)
	ctx := context.Background()

	height := int64(1)
	_, err := p.SubmitBlock(ctx, coinbaseBlock(height, "tx1", "alice", "1"))
	require.NoError(t, err)

	prevTxID := "tx1"
	for height < 2003 {
		height++
		txID := "tx" + itoa(height)
		tx := model.Transaction{
			ID:      txID,
			Inputs:  []model.Input{{TxID: prevTxID, Index: 0}},
			Outputs: []model.Output{{Address: "alice", Value: money.MustFromString("1")}},
		}
		_, err := p.SubmitBlock(ctx, model.Block{Height: height, ID: blockID(height, []string{txID}), Transactions: []model.Transaction{tx}})
		require.NoError(t, err)
		prevTxID = txID
	}

	_, err = p.RollbackToHeight(ctx, 1)
	require.ErrorIs(t, err, processor.ErrRollbackDepthExceeded)
}

func itoa(n int64) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var digits []byte
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	if neg {
		return "-" + string(digits)
	}
	return string(digits)
}
