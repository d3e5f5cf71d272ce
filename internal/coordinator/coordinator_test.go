package coordinator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSubmitMutationRunsAndReturnsResult(t *testing.T) {
	c := New(8)
	defer c.Shutdown()

	v, err := c.SubmitMutation(context.Background(), func(ctx context.Context) (any, error) {
		return 42, nil
	})
	require.NoError(t, err)
	require.Equal(t, 42, v)
}

func TestSubmitMutationPropagatesError(t *testing.T) {
	c := New(8)
	defer c.Shutdown()

	wantErr := errors.New("boom")
	_, err := c.SubmitMutation(context.Background(), func(ctx context.Context) (any, error) {
		return nil, wantErr
	})
	require.ErrorIs(t, err, wantErr)
}

func TestMutationsRunOneAtATimeFIFO(t *testing.T) {
	c := New(16)
	defer c.Shutdown()

	var order []int
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.SubmitMutation(context.Background(), func(ctx context.Context) (any, error) {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return nil, nil
			})
			require.NoError(t, err)
		}()
		// Stagger submissions so the FIFO order is deterministic.
		time.Sleep(2 * time.Millisecond)
	}
	wg.Wait()

	require.Len(t, order, 10)
	for i, v := range order {
		require.Equal(t, i, v)
	}
}

func TestRunRollbackWaitsForInFlightMutationToDrain(t *testing.T) {
	c := New(8)
	defer c.Shutdown()

	mutationStarted := make(chan struct{})
	releaseMutation := make(chan struct{})
	var rollbackRan atomic.Bool

	go func() {
		_, _ = c.SubmitMutation(context.Background(), func(ctx context.Context) (any, error) {
			close(mutationStarted)
			<-releaseMutation
			return nil, nil
		})
	}()

	<-mutationStarted

	rollbackDone := make(chan struct{})
	go func() {
		_, _ = c.RunRollback(context.Background(), func(ctx context.Context) (any, error) {
			rollbackRan.Store(true)
			return nil, nil
		})
		close(rollbackDone)
	}()

	// The rollback must not have run yet: the mutation is still in flight.
	time.Sleep(20 * time.Millisecond)
	require.False(t, rollbackRan.Load())

	close(releaseMutation)
	<-rollbackDone
	require.True(t, rollbackRan.Load())
}

func TestMayReadBalanceFalseDuringRollback(t *testing.T) {
	c := New(8)
	defer c.Shutdown()

	require.True(t, c.MayReadBalance())

	rollbackEntered := make(chan struct{})
	releaseRollback := make(chan struct{})
	go func() {
		_, _ = c.RunRollback(context.Background(), func(ctx context.Context) (any, error) {
			close(rollbackEntered)
			<-releaseRollback
			return nil, nil
		})
	}()

	<-rollbackEntered
	require.False(t, c.MayReadBalance())
	close(releaseRollback)

	require.Eventually(t, func() bool {
		return c.MayReadBalance()
	}, time.Second, time.Millisecond)
}

func TestClearRejectsPendingMutations(t *testing.T) {
	c := New(8)
	defer c.Shutdown()

	blockFirst := make(chan struct{})
	releaseFirst := make(chan struct{})
	go func() {
		_, _ = c.SubmitMutation(context.Background(), func(ctx context.Context) (any, error) {
			close(blockFirst)
			<-releaseFirst
			return nil, nil
		})
	}()
	<-blockFirst

	secondDone := make(chan error, 1)
	go func() {
		_, err := c.SubmitMutation(context.Background(), func(ctx context.Context) (any, error) {
			return nil, nil
		})
		secondDone <- err
	}()

	require.Eventually(t, func() bool {
		return c.Status().QueueLength >= 1
	}, time.Second, time.Millisecond)

	c.Clear()
	err := <-secondDone
	require.ErrorIs(t, err, ErrQueueCleared)

	close(releaseFirst)
}

func TestShutdownRefusesNewWork(t *testing.T) {
	c := New(8)
	c.Shutdown()

	_, err := c.SubmitMutation(context.Background(), func(ctx context.Context) (any, error) {
		return nil, nil
	})
	require.ErrorIs(t, err, ErrShuttingDown)
}
