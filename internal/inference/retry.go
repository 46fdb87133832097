package inference

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy bounds attempts and delay for one inference call and gives
// every attempt its own timeout.
type RetryPolicy struct {
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
	Timeout   time.Duration

	// OnRetry, if set, is called before sleeping ahead of another attempt.
	OnRetry func(err error, next time.Duration)
}

func AudioRetryPolicy(timeout time.Duration) RetryPolicy {
	return RetryPolicy{Attempts: 3, BaseDelay: 2 * time.Second, MaxDelay: 30 * time.Second, Timeout: timeout}
}

func VisualRetryPolicy(timeout time.Duration) RetryPolicy {
	return RetryPolicy{Attempts: 3, BaseDelay: 3 * time.Second, MaxDelay: 30 * time.Second, Timeout: timeout}
}

// Do runs fn until it succeeds, returns a non-retryable error, the attempt
// ceiling is reached, or ctx ends. The last error is returned.
func (p RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	attempts := p.Attempts
	if attempts <= 0 {
		attempts = 1
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.BaseDelay
	eb.Multiplier = 2
	eb.RandomizationFactor = 0.1
	eb.MaxInterval = p.MaxDelay
	if eb.MaxInterval <= 0 {
		eb.MaxInterval = 30 * time.Second
	}
	eb.MaxElapsedTime = 0
	eb.Reset()

	b := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(attempts-1)), ctx)

	op := func() error {
		callCtx := ctx
		if p.Timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, p.Timeout)
			defer cancel()
		}
		err := fn(callCtx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil || !IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	var notify backoff.Notify
	if p.OnRetry != nil {
		notify = p.OnRetry
	}
	return backoff.RetryNotify(op, b, notify)
}
