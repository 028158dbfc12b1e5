package database

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/watchtower-ops/watchtower/internal/monitoring/model"
)

// RetryPolicy bounds store calls: each attempt runs under its own timeout,
// attempts are separated by a linear backoff, and exhaustion surfaces as
// ErrStoreUnavailable so callers retry next cycle instead of looping.
type RetryPolicy struct {
	Attempts int
	Timeout  time.Duration
	Backoff  time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 3, Timeout: 10 * time.Second, Backoff: 500 * time.Millisecond}
}

// Do runs op under the policy. Context cancellation of the parent stops
// retrying immediately.
func (p RetryPolicy) Do(ctx context.Context, name string, op func(context.Context) error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		attemptCtx := ctx
		var cancel context.CancelFunc
		if p.Timeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, p.Timeout)
		}
		err := op(attemptCtx)
		if cancel != nil {
			cancel()
		}
		if err == nil {
			return nil
		}
		if terminal(err) {
			return err
		}
		lastErr = err
		log.Warn().Err(err).Str("op", name).Int("attempt", i+1).Msg("store call failed")
		if i < attempts-1 && p.Backoff > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.Backoff * time.Duration(i+1)):
			}
		}
	}
	return errors.Join(model.ErrStoreUnavailable, lastErr)
}

// terminal reports errors no further attempt can change: missing rows,
// forbidden lifecycle transitions, caller cancellation. These pass through
// unwrapped so a 404 never gets dressed up as a store outage.
func terminal(err error) bool {
	return errors.Is(err, sql.ErrNoRows) ||
		errors.Is(err, model.ErrNotFound) ||
		errors.Is(err, model.ErrInvalidTransition) ||
		errors.Is(err, context.Canceled)
}
