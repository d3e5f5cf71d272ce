package dbmanager

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestInitializeNonBlockingOnBadDSN confirms Initialize returns promptly
// when the configured database refuses connections, falling back to the
// background retry loop rather than failing startup.
func TestInitializeNonBlockingOnBadDSN(t *testing.T) {
	m := New(Config{
		DSN:              "postgres://127.0.0.1:1/nonexistent?sslmode=disable&connect_timeout=1",
		MaxConns:         2,
		BackoffBase:      5 * time.Millisecond,
		BackoffCap:       20 * time.Millisecond,
		HealthCheckEvery: time.Second,
	})

	done := make(chan struct{})
	go func() {
		m.Initialize(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Initialize blocked instead of returning immediately")
	}

	status := m.Status()
	require.False(t, status.Connected)
	require.Greater(t, status.Attempts, 0)

	m.Shutdown()
	require.False(t, m.Status().Connected)
}

// TestPoolWithRetryRespectsContextCancellation ensures a write-path caller
// waiting on a connection is released once its context is cancelled, rather
// than hanging forever.
func TestPoolWithRetryRespectsContextCancellation(t *testing.T) {
	m := New(Config{DSN: "postgres://127.0.0.1:1/nonexistent?sslmode=disable"})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := m.PoolWithRetry(ctx)
	require.Error(t, err)
}

// TestStatusReflectsNeverConnected confirms a freshly constructed manager
// reports disconnected with a pending migration state before Initialize.
func TestStatusReflectsNeverConnected(t *testing.T) {
	m := New(Config{DSN: "postgres://127.0.0.1:1/nonexistent"})
	status := m.Status()
	require.False(t, status.Connected)
	require.Equal(t, "pending", string(status.MigrationState))
}
