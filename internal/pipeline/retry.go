package pipeline

import (
	"context"
	"time"

	"github.com/lokalhq/lokal/internal/config"
)

// RetryPolicy controls ExecuteWithRetry.
type RetryPolicy struct {
	MaxRetries int           // total attempts, at least one
	Delay      time.Duration // base delay, multiplied by the attempt number
	Fallback   bool

	// OnAttempt is called after every attempt; err is nil on success.
	OnAttempt func(stage Stage, attempt int, err error)
	// OnFallback is called when a fallback value replaces a failed stage.
	OnFallback func(stage Stage, cause error)
}

// PolicyFromConfig builds the retry policy from the pipeline config section.
func PolicyFromConfig(c config.PipelineConfig) RetryPolicy {
	return RetryPolicy{
		MaxRetries: c.MaxRetries,
		Delay:      c.RetryDelay,
		Fallback:   c.Fallback(),
	}
}

// ExecuteWithRetry runs op up to p.MaxRetries times with linear backoff.
// Terminal, throttle and cancellation errors end the loop at once. When every
// attempt failed and p.Fallback is set, fallback supplies a degraded value; if
// fallback is nil, disabled or itself fails, the last op error is returned.
func ExecuteWithRetry[T any](
	ctx context.Context,
	p RetryPolicy,
	stage Stage,
	op func(context.Context) (T, error),
	fallback func(cause error) (T, error),
) (T, error) {
	var zero T
	attempts := max(p.MaxRetries, 1)

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		v, err := op(ctx)
		if p.OnAttempt != nil {
			p.OnAttempt(stage, attempt, err)
		}
		if err == nil {
			return v, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		if !retryable(err) {
			return zero, err
		}
		if attempt < attempts {
			if err := sleepCtx(ctx, p.Delay*time.Duration(attempt)); err != nil {
				return zero, err
			}
		}
	}

	if !p.Fallback || fallback == nil {
		return zero, lastErr
	}
	v, err := fallback(lastErr)
	if err != nil {
		return zero, lastErr
	}
	if p.OnFallback != nil {
		p.OnFallback(stage, lastErr)
	}
	return v, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
