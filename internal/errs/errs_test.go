package errs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Klingon-tech/klingnet-index/internal/validator"
	"github.com/stretchr/testify/require"
)

func TestClassifyValidation(t *testing.T) {
	s := Classify(validator.ErrBadBlockID, nil)
	require.Equal(t, KindValidation, s.Kind)
	require.False(t, s.Retryable)
}

func TestClassifyBusinessLogicByMessage(t *testing.T) {
	s := Classify(errors.New("block already processed"), nil)
	require.Equal(t, KindBusinessLogic, s.Kind)
	require.False(t, s.Retryable)
}

func TestClassifyDatabaseByMessage(t *testing.T) {
	s := Classify(errors.New("pgx: connection pool exhausted"), nil)
	require.Equal(t, KindDatabase, s.Kind)
	require.True(t, s.Retryable)
}

func TestClassifyContextOverride(t *testing.T) {
	s := Classify(errors.New("boom"), map[string]string{"kind": string(KindSystem)})
	require.Equal(t, KindSystem, s.Kind)
}

func TestLogRingBufferEviction(t *testing.T) {
	l := NewLog(3)
	for i := 0; i < 5; i++ {
		l.Record(Classify(errors.New("e"), nil))
	}
	require.Len(t, l.Snapshot(), 3)
}

func TestSummarizeCountsByHourAndDay(t *testing.T) {
	l := NewLog(10)
	l.Record(Classify(errors.New("pgx: connection reset"), nil))
	l.Record(Classify(validator.ErrBadBlockID, nil))

	counts := l.Summarize()
	require.Equal(t, 2, counts.Total)
	require.Equal(t, 1, counts.ByKind[KindDatabase])
	require.Equal(t, 1, counts.ByKind[KindValidation])
	require.Len(t, counts.ByHour, 1)
	require.Len(t, counts.ByDay, 1)
	for _, n := range counts.ByHour {
		require.Equal(t, 2, n)
	}
	for _, n := range counts.ByDay {
		require.Equal(t, 2, n)
	}
}

func TestClassifyRollbackTargetAheadMessage(t *testing.T) {
	s := Classify(errors.New("rollback target greater than current height"), nil)
	require.Equal(t, KindBusinessLogic, s.Kind)
	require.Equal(t, SeverityMedium, s.Severity)
}

func TestLogPrune(t *testing.T) {
	l := NewLog(10)
	old := Classify(errors.New("old"), nil)
	old.OccurredAt = time.Now().Add(-48 * time.Hour)
	l.Record(old)
	l.Record(Classify(errors.New("new"), nil))

	l.Prune(24 * time.Hour)
	snap := l.Snapshot()
	require.Len(t, snap, 1)
	require.Equal(t, "new", snap[0].Err.Error())
}

func TestExecuteWithRetryRetriesThenSucceeds(t *testing.T) {
	attempts := 0
	err := ExecuteWithRetry(context.Background(), nil, nil, RetryOptions{
		MaxRetries: 3,
		BaseDelay:  time.Millisecond,
	}, func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return errors.New("pgx: connection reset")
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, attempts)
}

func TestExecuteWithRetryNonRetryableFailsFast(t *testing.T) {
	attempts := 0
	err := ExecuteWithRetry(context.Background(), nil, nil, RetryOptions{
		MaxRetries: 3,
		BaseDelay:  time.Millisecond,
	}, func(ctx context.Context) error {
		attempts++
		return validator.ErrBadHeight
	})
	require.Error(t, err)
	require.Equal(t, 1, attempts)
	require.ErrorIs(t, err, validator.ErrBadHeight)
}

func TestExecuteWithRetryExhausts(t *testing.T) {
	attempts := 0
	err := ExecuteWithRetry(context.Background(), nil, nil, RetryOptions{
		MaxRetries: 2,
		BaseDelay:  time.Millisecond,
	}, func(ctx context.Context) error {
		attempts++
		return errors.New("pgx: connection reset")
	})
	require.Error(t, err)
	require.Equal(t, 3, attempts) // initial + 2 retries
}
