package instance

import (
	"context"
	"time"

	"github.com/zapgate/zapgate/internal/gateway"
	"go.uber.org/zap"
)

// RetryPolicy executes an operation under an attempt budget with staged
// fixed delays. Transient and not-ready failures are retried; fatal
// failures (auth rejected, quota exceeded) return immediately. Pure
// coordination, no side effects beyond the wrapped operation.
type RetryPolicy struct {
	// MaxAttempts is the total attempt budget, including the first call.
	MaxAttempts int
	// Delays are the staged waits between attempts; the last entry repeats
	// when attempts outnumber stages.
	Delays []time.Duration
	// NotReadyDelay replaces the staged delay after a 404/"not ready"
	// answer, which reflects gateway provisioning lag.
	NotReadyDelay time.Duration
}

// DefaultConnectPolicy matches the connect flow budget: three attempts
// spaced 5s then 10s.
func DefaultConnectPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:   3,
		Delays:        []time.Duration{5 * time.Second, 10 * time.Second},
		NotReadyDelay: 10 * time.Second,
	}
}

func (p RetryPolicy) delayFor(attempt int, err error) time.Duration {
	if gateway.IsNotReady(err) && p.NotReadyDelay > 0 {
		return p.NotReadyDelay
	}
	if len(p.Delays) == 0 {
		return 5 * time.Second
	}
	idx := attempt - 1
	if idx >= len(p.Delays) {
		idx = len(p.Delays) - 1
	}
	return p.Delays[idx]
}

func retryable(err error) bool {
	if gateway.IsAuthError(err) || gateway.IsQuotaError(err) {
		return false
	}
	return gateway.IsTransient(err) || gateway.IsNotReady(err)
}

// Do runs fn until it succeeds, a fatal error occurs, the attempt budget
// is exhausted, or ctx is cancelled. Returns the last error.
func (p RetryPolicy) Do(ctx context.Context, opName string, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !retryable(lastErr) {
			return lastErr
		}
		if attempt == attempts {
			break
		}

		wait := p.delayFor(attempt, lastErr)
		zap.L().Debug("retrying operation",
			zap.String("op", opName),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(lastErr))

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return lastErr
}
