// Package errs classifies raw failures into structured, tagged errors and
// drives the retry-with-backoff policy used by the database manager and the
// block processor. It keeps an in-memory ring buffer of recent structured
// errors for operational visibility.
package errs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Klingon-tech/klingnet-index/internal/validator"
	"github.com/google/uuid"
)

// Kind classifies the origin of a failure.
type Kind string

const (
	KindValidation    Kind = "validation"
	KindDatabase      Kind = "database"
	KindConcurrency   Kind = "concurrency"
	KindBusinessLogic Kind = "business_logic"
	KindNetwork       Kind = "network"
	KindSystem        Kind = "system"
)

// Severity ranks how serious a failure is.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Structured wraps a raw error with a classification and context.
type Structured struct {
	ID             string
	Err            error
	Kind           Kind
	Severity       Severity
	Recoverable    bool
	Retryable      bool
	Context        map[string]string
	OccurredAt     time.Time
	RollbackFailed bool
}

// Error implements the error interface, delegating to the wrapped error.
func (s *Structured) Error() string {
	return s.Err.Error()
}

// Unwrap exposes the wrapped error to errors.Is/errors.As.
func (s *Structured) Unwrap() error {
	return s.Err
}

// Classify inspects err and produces a Structured error. Business-logic and
// validation sentinels from package validator are recognised explicitly;
// everything else falls back to message-pattern matching, with ctx able to
// override the inferred kind via the "kind" key.
func Classify(err error, ctx map[string]string) *Structured {
	if err == nil {
		return nil
	}

	s := &Structured{
		ID:         uuid.NewString(),
		Err:        err,
		Context:    ctx,
		OccurredAt: time.Now(),
	}

	switch {
	case isValidationErr(err):
		s.Kind = KindValidation
		s.Severity = SeverityLow
		s.Recoverable = false
		s.Retryable = false
	case isBusinessLogicErr(err):
		s.Kind = KindBusinessLogic
		s.Severity = SeverityMedium
		s.Recoverable = false
		s.Retryable = false
	case isConcurrencyErr(err):
		s.Kind = KindConcurrency
		s.Severity = SeverityMedium
		s.Recoverable = true
		s.Retryable = true
	case isNetworkErr(err):
		s.Kind = KindNetwork
		s.Severity = SeverityHigh
		s.Recoverable = true
		s.Retryable = true
	case isDatabaseErr(err):
		s.Kind = KindDatabase
		s.Severity = SeverityHigh
		s.Recoverable = true
		s.Retryable = true
	default:
		s.Kind = KindSystem
		s.Severity = SeverityCritical
		s.Recoverable = false
		s.Retryable = false
	}

	if override, ok := ctx["kind"]; ok {
		s.Kind = Kind(override)
	}
	return s
}

func isValidationErr(err error) bool {
	return errors.Is(err, validator.ErrBadBlockID) ||
		errors.Is(err, validator.ErrEmptyTxID) ||
		errors.Is(err, validator.ErrDuplicateTxID) ||
		errors.Is(err, validator.ErrNegativeValue)
}

func isBusinessLogicErr(err error) bool {
	if errors.Is(err, validator.ErrBadHeight) ||
		errors.Is(err, validator.ErrValueNotConserved) ||
		errors.Is(err, validator.ErrUnknownUTXO) ||
		errors.Is(err, validator.ErrCoinbaseNegativeSum) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, pattern := range []string{"already processed", "rollback limited", "target greater than current", "utxo not found or already spent"} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

func isConcurrencyErr(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, pattern := range []string{"queue cleared", "coordinator", "rollback in progress"} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

func isNetworkErr(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, pattern := range []string{"connection refused", "no such host", "i/o timeout", "network is unreachable", "broken pipe"} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

func isDatabaseErr(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, pattern := range []string{"pool", "connection", "pgx", "sql", "deadline exceeded", "context deadline"} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

// Rollbacker is satisfied by any scoped transaction the classifier can
// unwind on failure.
type Rollbacker interface {
	Rollback(ctx context.Context) error
}

// HandleDatabaseError classifies err, attempts to roll back tx if given, and
// records (without propagating) whether the rollback itself failed.
func HandleDatabaseError(ctx context.Context, err error, tx Rollbacker, errCtx map[string]string) *Structured {
	s := Classify(err, errCtx)
	if tx != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, context.Canceled) {
			s.RollbackFailed = true
		}
	}
	return s
}

// Log is the process-wide ring buffer of recently classified errors.
type Log struct {
	mu      sync.Mutex
	entries []*Structured
	cap     int
}

// NewLog creates a Log with the given capacity (spec default: 1000).
func NewLog(capacity int) *Log {
	if capacity <= 0 {
		capacity = 1000
	}
	return &Log{cap: capacity}
}

// Record appends s to the ring buffer, evicting the oldest entry once full.
func (l *Log) Record(s *Structured) {
	if s == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, s)
	if len(l.entries) > l.cap {
		l.entries = l.entries[len(l.entries)-l.cap:]
	}
}

// Prune discards entries older than maxAge (spec default: 24h).
func (l *Log) Prune(maxAge time.Duration) {
	cutoff := time.Now().Add(-maxAge)
	l.mu.Lock()
	defer l.mu.Unlock()
	kept := l.entries[:0]
	for _, e := range l.entries {
		if e.OccurredAt.After(cutoff) {
			kept = append(kept, e)
		}
	}
	l.entries = kept
}

// Snapshot returns a copy of the currently retained entries.
func (l *Log) Snapshot() []*Structured {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*Structured, len(l.entries))
	copy(out, l.entries)
	return out
}

// Counts summarises the ring buffer by kind, by severity, and by the
// hour/day an entry occurred in (bucket keys are RFC3339-ish prefixes in
// UTC: "2006-01-02T15" for hour, "2006-01-02" for day).
type Counts struct {
	ByKind     map[Kind]int
	BySeverity map[Severity]int
	ByHour     map[string]int
	ByDay      map[string]int
	Total      int
}

// Summarize computes per-kind/per-severity/per-hour/per-day counts over the
// current snapshot.
func (l *Log) Summarize() Counts {
	entries := l.Snapshot()
	c := Counts{
		ByKind:     map[Kind]int{},
		BySeverity: map[Severity]int{},
		ByHour:     map[string]int{},
		ByDay:      map[string]int{},
	}
	for _, e := range entries {
		c.ByKind[e.Kind]++
		c.BySeverity[e.Severity]++
		c.ByHour[e.OccurredAt.UTC().Format("2006-01-02T15")]++
		c.ByDay[e.OccurredAt.UTC().Format("2006-01-02")]++
		c.Total++
	}
	return c
}

// RetryOptions configures ExecuteWithRetry.
type RetryOptions struct {
	MaxRetries int
	BaseDelay  time.Duration
	Multiplier float64
	MaxDelay   time.Duration
	// ShouldRetry overrides the classifier's Retryable verdict when non-nil.
	ShouldRetry func(*Structured) bool
}

// ErrShuttingDown is returned by ExecuteWithRetry when ctx is already done
// before the first attempt.
var ErrShuttingDown = fmt.Errorf("errs: context already done")
