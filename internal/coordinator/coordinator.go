// Package coordinator serializes mutating work (block submission, rollback)
// onto a single in-flight slot while admitting concurrent reads, and grants
// rollback exclusive access once in-flight mutations have drained.
//
// The FIFO queue is a buffered channel feeding a single mutator goroutine;
// rollback_active is an atomic flag readers check before touching balances;
// a rollback waits on the mutator's drain signal rather than busy-polling.
package coordinator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// ErrQueueCleared is returned to every mutation still pending when Clear is
// called.
var ErrQueueCleared = errors.New("queue cleared — operation cancelled")

// ErrShuttingDown is returned to new work submitted after Shutdown.
var ErrShuttingDown = errors.New("coordinator is shutting down")

// Work is a unit of mutating work: block submission or rollback logic. It
// receives ctx for cancellation awareness during its own suspension points.
type Work func(ctx context.Context) (any, error)

type job struct {
	ctx    context.Context
	work   Work
	result chan jobResult
}

type jobResult struct {
	value any
	err   error
}

// Coordinator implements the spec's single-writer/many-readers model.
type Coordinator struct {
	queue    chan *job
	mutating atomic.Bool
	rollback atomic.Bool
	shutdown atomic.Bool

	// drainCond is signalled whenever the mutator goroutine has no job
	// in flight, so RunRollback can wait for quiescence without polling.
	drainMu   sync.Mutex
	drainCond *sync.Cond

	// rollbackMu serializes concurrent rollback requests: the spec requires
	// rollbacks to run one at a time, queued behind each other.
	rollbackMu sync.Mutex

	pendingMu sync.Mutex
	pending   []*job

	wg   sync.WaitGroup
	once sync.Once
}

// New creates a Coordinator with the given mutation queue depth and starts
// its drain loop.
func New(queueDepth int) *Coordinator {
	if queueDepth <= 0 {
		queueDepth = 256
	}
	c := &Coordinator{
		queue: make(chan *job, queueDepth),
	}
	c.drainCond = sync.NewCond(&c.drainMu)
	c.wg.Add(1)
	go c.drainLoop()
	return c
}

func (c *Coordinator) drainLoop() {
	defer c.wg.Done()
	for j := range c.queue {
		if !c.removePending(j) {
			// Already rejected by Clear; its result channel is closed.
			continue
		}

		// No mutation drains while rollback is active; wait for it to clear.
		// The flag check and setting mutating happen under drainMu so a
		// rollback cannot start between them.
		c.drainMu.Lock()
		for c.rollback.Load() {
			// Rollback's own completion broadcasts drainCond, so this isn't
			// a hot spin in practice.
			c.drainCond.Wait()
		}
		c.mutating.Store(true)
		c.drainMu.Unlock()

		value, err := j.work(j.ctx)
		c.mutating.Store(false)

		c.drainMu.Lock()
		c.drainCond.Broadcast()
		c.drainMu.Unlock()

		j.result <- jobResult{value: value, err: err}
		close(j.result)
	}
}

// removePending drops target from the pending list and reports whether it
// was still there (false once Clear has rejected it).
func (c *Coordinator) removePending(target *job) bool {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for i, j := range c.pending {
		if j == target {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			return true
		}
	}
	return false
}

// SubmitMutation enqueues work and blocks until it has run (or been
// rejected by Clear/Shutdown), returning its result.
func (c *Coordinator) SubmitMutation(ctx context.Context, work Work) (any, error) {
	if c.shutdown.Load() {
		return nil, ErrShuttingDown
	}

	j := &job{ctx: ctx, work: work, result: make(chan jobResult, 1)}
	c.pendingMu.Lock()
	c.pending = append(c.pending, j)
	c.pendingMu.Unlock()

	select {
	case c.queue <- j:
	case <-ctx.Done():
		c.removePending(j)
		return nil, ctx.Err()
	}

	select {
	case res := <-j.result:
		return res.value, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// RunRollback waits for in-flight mutations to drain, takes exclusive
// access, runs work, then resumes the mutation drain loop. Concurrent
// rollbacks are serialized by rollbackMu.
func (c *Coordinator) RunRollback(ctx context.Context, work Work) (any, error) {
	if c.shutdown.Load() {
		return nil, ErrShuttingDown
	}

	c.rollbackMu.Lock()
	defer c.rollbackMu.Unlock()

	c.rollback.Store(true)
	defer func() {
		c.rollback.Store(false)
		c.drainMu.Lock()
		c.drainCond.Broadcast()
		c.drainMu.Unlock()
	}()

	c.drainMu.Lock()
	for c.mutating.Load() {
		c.drainCond.Wait()
	}
	c.drainMu.Unlock()

	return work(ctx)
}

// MayReadBalance reports whether reads should be admitted right now.
func (c *Coordinator) MayReadBalance() bool {
	return !c.rollback.Load()
}

// Status summarises the coordinator's current state.
type Status struct {
	QueueLength int
	Mutating    bool
	Rollback    bool
}

// Status returns a snapshot of queue depth and the mutating/rollback flags.
func (c *Coordinator) Status() Status {
	c.pendingMu.Lock()
	n := len(c.pending)
	c.pendingMu.Unlock()
	return Status{
		QueueLength: n,
		Mutating:    c.mutating.Load(),
		Rollback:    c.rollback.Load(),
	}
}

// Clear rejects every currently pending (not yet running) mutation with
// ErrQueueCleared.
func (c *Coordinator) Clear() {
	c.pendingMu.Lock()
	pending := c.pending
	c.pending = nil
	c.pendingMu.Unlock()

	for _, j := range pending {
		select {
		case j.result <- jobResult{err: ErrQueueCleared}:
			close(j.result)
		default:
		}
	}
}

// Shutdown refuses new work and stops the drain loop once the queue drains.
func (c *Coordinator) Shutdown() {
	c.once.Do(func() {
		c.shutdown.Store(true)
		close(c.queue)
	})
	c.wg.Wait()
}
