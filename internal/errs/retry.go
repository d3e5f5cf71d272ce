package errs

import (
	"context"
	"errors"

	"github.com/cenkalti/backoff/v4"
)

// ExecuteWithRetry runs work, retrying on classified-retryable failures with
// exponential backoff until should-retry returns false, retries exhaust, or
// ctx is cancelled. The last classified error is returned on exhaustion.
func ExecuteWithRetry(ctx context.Context, log *Log, errCtx map[string]string, opts RetryOptions, work func(ctx context.Context) error) error {
	if ctx.Err() != nil {
		return ErrShuttingDown
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = opts.BaseDelay
	if opts.Multiplier > 0 {
		bo.Multiplier = opts.Multiplier
	}
	if opts.MaxDelay > 0 {
		bo.MaxInterval = opts.MaxDelay
	}
	bo.MaxElapsedTime = 0 // bounded by MaxRetries below, not wall-clock.

	var withCtx backoff.BackOff = backoff.WithContext(bo, ctx)
	if opts.MaxRetries > 0 {
		withCtx = backoff.WithMaxRetries(withCtx, uint64(opts.MaxRetries))
	}

	var last *Structured
	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		workErr := work(ctx)
		if workErr == nil {
			return nil
		}

		structured := Classify(workErr, errCtx)
		if log != nil {
			log.Record(structured)
		}
		last = structured

		retryable := structured.Retryable
		if opts.ShouldRetry != nil {
			retryable = opts.ShouldRetry(structured)
		}
		if !retryable {
			return backoff.Permanent(structured)
		}
		return structured
	}, withCtx)

	if err == nil {
		return nil
	}

	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		return permanent.Err
	}
	if last != nil {
		return last
	}
	return err
}
