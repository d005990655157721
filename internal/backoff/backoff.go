// Package backoff retries transient infrastructure failures (Redis, Postgres).
package backoff

import (
	"context"
	"errors"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/example/photo-verify/internal/logging"
)

// Policy controls how many attempts are made and how long to wait between them.
type Policy struct {
	Attempts       int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultPolicy is used by the repository and the cache.
var DefaultPolicy = Policy{
	Attempts:       3,
	InitialBackoff: 50 * time.Millisecond,
	MaxBackoff:     time.Second,
}

// Do runs fn until it succeeds, returns a non-transient error, or the
// attempts are exhausted. Any error is returned as a *logging.OperationError.
func (p Policy) Do(ctx context.Context, logger *zap.Logger, operation, requestID string, fn func() error) error {
	opLogger := logging.WithOperation(logger, operation, requestID)
	if p.Attempts <= 1 {
		return logging.NewOperationError(operation, requestID, fn())
	}

	initial := p.InitialBackoff
	if initial <= 0 {
		initial = time.Millisecond
	}
	b := retry.NewExponential(initial)
	if p.MaxBackoff > 0 {
		b = retry.WithCappedDuration(p.MaxBackoff, b)
	}
	b = retry.WithMaxRetries(uint64(p.Attempts-1), b)

	attempt := 0
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		attempt++
		err := fn()
		if err == nil {
			if attempt > 1 {
				opLogger.Info("operation succeeded after retry", zap.Int("attempt", attempt))
			}
			return nil
		}
		if IsTransient(err) && attempt < p.Attempts {
			opLogger.Warn("transient error", zap.Error(err), zap.Int("attempt", attempt))
			return retry.RetryableError(err)
		}
		opLogger.Error("operation failed", zap.Error(err), zap.Int("attempt", attempt))
		return err
	})
	return logging.NewOperationError(operation, requestID, err)
}

// IsTransient reports whether err looks like a timeout or temporary failure.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var temporary interface{ Temporary() bool }
	if errors.As(err, &temporary) && temporary.Temporary() {
		return true
	}

	return false
}
