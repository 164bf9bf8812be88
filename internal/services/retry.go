package services

import (
	"context"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"github.com/huangang/mrsentry/pkg/logger"
)

const (
	maxRetryAttempts  = 3
	initialRetryDelay = 500 * time.Millisecond
	maxRetryDelay     = 5 * time.Second
)

// retryWithBackoff executes fn with exponential backoff and jitter. Errors
// wrapped with retry.Unrecoverable abort immediately.
func retryWithBackoff(ctx context.Context, operation string, fn func() error) error {
	return retry.Do(
		fn,
		retry.Context(ctx),
		retry.Attempts(maxRetryAttempts),
		retry.DelayType(retry.BackOffDelay),
		retry.Delay(initialRetryDelay),
		retry.MaxDelay(maxRetryDelay),
		retry.OnRetry(func(n uint, err error) {
			logger.Warnf("[Retry] %s: attempt %d/%d failed: %v", operation, n+1, maxRetryAttempts, err)
		}),
		retry.LastErrorOnly(true),
	)
}
