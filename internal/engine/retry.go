package engine

import (
	"context"
	"errors"
	"time"

	"github.com/rendis/chainflow/pkg/schema"
)

// Backoff strategies accepted in an action step's "backoff" setting.
const (
	BackoffNone        = "none"
	BackoffLinear      = "linear"
	BackoffExponential = "exponential"
)

// MaxRetryDelay caps any computed backoff.
const MaxRetryDelay = 30 * time.Second

// RetryPolicy is the resolved retry behavior of one action step.
type RetryPolicy struct {
	// Retries is the number of extra attempts after the first one.
	Retries int
	Delay   time.Duration
	Backoff string
}

// resolveRetryPolicy merges the step config with the action's declared
// default budget. An explicit "retries" always wins, including zero.
func resolveRetryPolicy(cfg *schema.ActionConfig, actionDefault int, defaultDelay time.Duration) (RetryPolicy, error) {
	p := RetryPolicy{Retries: actionDefault, Delay: defaultDelay, Backoff: cfg.Backoff}
	if cfg.Retries != nil {
		p.Retries = *cfg.Retries
	}
	if cfg.RetryDelay != "" {
		d, err := time.ParseDuration(cfg.RetryDelay)
		if err != nil || d < 0 {
			return p, schema.NewErrorf(schema.ErrCodeConfiguration, "invalid retryDelay %q", cfg.RetryDelay)
		}
		p.Delay = d
	}
	switch p.Backoff {
	case "":
		p.Backoff = BackoffExponential
	case BackoffNone, BackoffLinear, BackoffExponential:
	default:
		return p, schema.NewErrorf(schema.ErrCodeConfiguration, "unknown backoff %q", cfg.Backoff)
	}
	return p, nil
}

// IsRetryableError reports whether a failed attempt may be retried. Only
// errors classified as EXTERNAL_SERVICE_ERROR qualify; cancellation,
// validation and data errors never do.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var cfErr *schema.ChainflowError
	if errors.As(err, &cfErr) {
		return cfErr.IsRetryable()
	}
	return false
}

// ComputeBackoff calculates the delay before retry number attempt (0-based).
func ComputeBackoff(policy RetryPolicy, attempt int) time.Duration {
	base := policy.Delay
	if base <= 0 {
		return 0
	}

	var delay time.Duration
	switch policy.Backoff {
	case BackoffExponential:
		// 2^attempt * base
		delay = base
		for i := 0; i < attempt && delay < MaxRetryDelay; i++ {
			delay *= 2
		}
	case BackoffLinear:
		delay = base * time.Duration(attempt+1)
	default: // "none"
		delay = base
	}

	if delay > MaxRetryDelay {
		delay = MaxRetryDelay
	}
	return delay
}

// WaitForBackoff sleeps for the computed backoff duration or returns early if the context is cancelled.
// Returns an error if the context was cancelled during the wait.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
