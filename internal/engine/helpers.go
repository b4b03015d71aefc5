package engine

import (
	"context"
	"copybot/internal/models"
	"math"
	"time"
)

const retryAttempts = 5

// withRetry calls fn until it succeeds, fails with a non-transient error or
// runs out of attempts. The wait doubles from retryBase and is capped at
// thirty times the base.
func withRetry[T any](ctx context.Context, e *Engine, op string, fn func() (T, error)) (T, error) {
	var (
		zero    T
		lastErr error
	)
	backoff := e.retryBase
	for i := 0; i < retryAttempts; i++ {
		out, err := fn()
		if err == nil {
			return out, nil
		}
		lastErr = err
		if !models.IsTransient(err) || i == retryAttempts-1 {
			break
		}
		wait := time.Duration(math.Min(float64(backoff), float64(e.retryBase*30)))
		e.logEntry().WithError(err).WithFields(map[string]interface{}{
			"op":      op,
			"attempt": i + 1,
		}).Warn("Gateway error, retrying.")
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(wait):
		}
		backoff *= 2
	}
	return zero, lastErr
}
