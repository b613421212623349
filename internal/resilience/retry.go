package resilience

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// RetryConfig bounds the backoff loop. The zero value gets sane defaults.
type RetryConfig struct {
	// Attempts is the total number of tries, including the first.
	Attempts int
	// BaseDelay is the wait after the first failure; it doubles per attempt.
	BaseDelay time.Duration
	// MaxDelay caps the exponential growth.
	MaxDelay time.Duration
	// Sleep is swappable for tests. Defaults to a context-aware sleep.
	Sleep func(ctx context.Context, d time.Duration) error
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.Attempts <= 0 {
		c.Attempts = 4
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 500 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 8 * time.Second
	}
	if c.Sleep == nil {
		c.Sleep = sleepCtx
	}
	return c
}

// Retry runs fn up to cfg.Attempts times, sleeping an exponentially growing
// delay between tries. Only transient errors are retried: quota and auth
// failures propagate immediately so the caller can surface them, and
// permanent errors propagate because backoff cannot fix them.
//
// This is an explicit loop on purpose; long backoff chains must not grow the
// call stack.
func Retry[T any](ctx context.Context, cfg RetryConfig, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	cfg = cfg.withDefaults()

	var zero T
	delay := cfg.BaseDelay
	var lastErr error

	for attempt := 1; attempt <= cfg.Attempts; attempt++ {
		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if Classify(err) != ClassTransient {
			return zero, err
		}
		if attempt == cfg.Attempts {
			break
		}

		logrus.WithError(err).WithFields(logrus.Fields{
			"op":      op,
			"attempt": attempt,
			"delay":   delay,
		}).Warn("transient failure, backing off")

		if err := cfg.Sleep(ctx, delay); err != nil {
			return zero, err
		}
		delay *= 2
		if delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}
	return zero, fmt.Errorf("%s: giving up after %d attempts: %w", op, cfg.Attempts, lastErr)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
