// Package dbmanager owns the indexer's Postgres connection lifecycle:
// an initial connect attempt that never fails startup, background
// connect-retry with exponential backoff, periodic liveness checks, and
// migration-state tracking.
package dbmanager

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Klingon-tech/klingnet-index/internal/log"
	"github.com/Klingon-tech/klingnet-index/internal/pgstore"
	"github.com/cenkalti/backoff/v4"
)

// Status is a point-in-time snapshot of the manager's connection state.
type Status struct {
	Connected      bool
	LastAttempt    time.Time
	LastSuccess    time.Time
	LastError      string
	Attempts       int
	MigrationState pgstore.MigrationState
}

// Manager holds a *pgstore.Pool once connected and keeps retrying in the
// background when it isn't.
type Manager struct {
	dsn      string
	maxConns int32

	backoffBase    time.Duration
	backoffCap     time.Duration
	backoffMaxTries int
	healthEvery    time.Duration

	mu     sync.RWMutex
	pool   *pgstore.Pool
	status Status

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Config configures backoff timing and liveness check cadence.
type Config struct {
	DSN              string
	MaxConns         int32
	BackoffBase      time.Duration
	BackoffCap       time.Duration
	BackoffMaxTries  int
	HealthCheckEvery time.Duration
}

// New constructs a Manager. Initialize starts the actual connection attempt.
func New(cfg Config) *Manager {
	base := cfg.BackoffBase
	if base <= 0 {
		base = time.Second
	}
	cap := cfg.BackoffCap
	if cap <= 0 {
		cap = 30 * time.Second
	}
	health := cfg.HealthCheckEvery
	if health <= 0 {
		health = 30 * time.Second
	}
	return &Manager{
		dsn:             cfg.DSN,
		maxConns:        cfg.MaxConns,
		backoffBase:     base,
		backoffCap:      cap,
		backoffMaxTries: cfg.BackoffMaxTries,
		healthEvery:     health,
		status:          Status{MigrationState: pgstore.MigrationPending},
	}
}

// Initialize makes the first connection attempt synchronously and returns
// when that attempt ends: its ping is bounded by a 10-second timeout, and a
// successful ping is followed by migrations before Initialize returns. A
// failed attempt does not fail startup; it starts a background retry loop.
// A successful one starts the liveness loop.
func (m *Manager) Initialize(ctx context.Context) {
	m.ctx, m.cancel = context.WithCancel(ctx)

	if err := m.connectOnce(m.ctx); err != nil {
		log.DB.Warn().Err(err).Msg("initial database connection failed, retrying in background")
		m.wg.Add(1)
		go m.retryLoop()
	} else {
		m.wg.Add(1)
		go m.healthLoop()
	}
}

func (m *Manager) connectOnce(ctx context.Context) error {
	m.mu.Lock()
	m.status.LastAttempt = time.Now()
	m.status.Attempts++
	m.mu.Unlock()

	pool, err := pgstore.Open(ctx, m.dsn, m.maxConns)
	if err != nil {
		m.recordFailure(err)
		return err
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx, 10*time.Second); err != nil {
		pool.Close()
		m.recordFailure(err)
		return err
	}

	m.mu.Lock()
	m.status.MigrationState = pgstore.MigrationRunning
	m.mu.Unlock()

	if err := pgstore.Migrate(m.dsn); err != nil {
		pool.Close()
		m.mu.Lock()
		m.status.MigrationState = pgstore.MigrationFailed
		m.mu.Unlock()
		m.recordFailure(err)
		return err
	}

	m.mu.Lock()
	m.pool = pool
	m.status.Connected = true
	m.status.LastSuccess = time.Now()
	m.status.LastError = ""
	m.status.MigrationState = pgstore.MigrationCompleted
	m.mu.Unlock()

	log.DB.Info().Msg("database connected and migrated")
	return nil
}

func (m *Manager) recordFailure(err error) {
	m.mu.Lock()
	m.status.Connected = false
	m.status.LastError = err.Error()
	m.mu.Unlock()
}

// retryLoop runs connect-attempt with exponential backoff until it succeeds
// or the manager is shut down.
func (m *Manager) retryLoop() {
	defer m.wg.Done()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = m.backoffBase
	bo.MaxInterval = m.backoffCap
	bo.Multiplier = 1.5
	bo.MaxElapsedTime = 0

	var wrapped backoff.BackOff = backoff.WithContext(bo, m.ctx)
	if m.backoffMaxTries > 0 {
		wrapped = backoff.WithMaxRetries(wrapped, uint64(m.backoffMaxTries))
	}

	operation := func() error {
		if m.ctx.Err() != nil {
			return backoff.Permanent(m.ctx.Err())
		}
		return m.connectOnce(m.ctx)
	}

	if err := backoff.Retry(operation, wrapped); err != nil {
		log.DB.Error().Err(err).Msg("giving up on database connection")
		return
	}

	m.wg.Add(1)
	go m.healthLoop()
}

// healthLoop periodically pings the live pool, and if it stops answering,
// tears it down and falls back to the retry loop.
func (m *Manager) healthLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.healthEvery)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.mu.RLock()
			pool := m.pool
			m.mu.RUnlock()
			if pool == nil {
				return
			}
			if err := pool.Ping(m.ctx, 5*time.Second); err != nil {
				log.DB.Warn().Err(err).Msg("database liveness check failed, reconnecting")
				pool.Close()
				m.mu.Lock()
				m.pool = nil
				m.status.Connected = false
				m.status.LastError = err.Error()
				m.mu.Unlock()
				m.wg.Add(1)
				go m.retryLoop()
				return
			}
		}
	}
}

// Pool returns the live pool and whether one is currently available.
func (m *Manager) Pool() (*pgstore.Pool, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pool, m.status.Connected
}

// PoolWithRetry waits (respecting ctx) until a pool becomes available,
// polling at a short fixed interval. Used by write paths the spec requires
// to queue rather than fail fast when the database is down.
func (m *Manager) PoolWithRetry(ctx context.Context) (*pgstore.Pool, error) {
	if pool, ok := m.Pool(); ok {
		return pool, nil
	}
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("dbmanager: waiting for connection: %w", ctx.Err())
		case <-ticker.C:
			if pool, ok := m.Pool(); ok {
				return pool, nil
			}
		}
	}
}

// Status returns a snapshot of the manager's current state.
func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// Shutdown stops background loops and closes the pool if open.
func (m *Manager) Shutdown() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pool != nil {
		m.pool.Close()
		m.pool = nil
		m.status.Connected = false
	}
}
