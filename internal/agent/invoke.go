package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy bounds a single adapter invocation.
type Policy struct {
	// Attempts is the total number of calls, including the first.
	Attempts        int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// CallTimeout limits each attempt independently of the retry budget.
	CallTimeout time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		Attempts:        3,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     8 * time.Second,
		CallTimeout:     2 * time.Minute,
	}
}

func (p Policy) backOff(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		eb.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		eb.MaxInterval = p.MaxInterval
	}
	eb.MaxElapsedTime = 0
	eb.Reset()

	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	return backoff.WithContext(backoff.WithMaxRetries(eb, uint64(attempts-1)), ctx)
}

// RetryFunc observes a failed attempt that is about to be retried.
type RetryFunc func(attempt int, err error, wait time.Duration)

// Hooks observe and gate the retries of one Call. Both are optional.
type Hooks struct {
	// BeforeRetry runs before every attempt after the first. A non-nil
	// error ends the call and is returned unwrapped.
	BeforeRetry func(ctx context.Context) error
	OnRetry     RetryFunc
}

// Call runs fn under policy p. Transient failures are retried with
// exponential backoff; fatal failures return immediately. If ctx ends,
// its error is returned unwrapped.
func Call[T any](ctx context.Context, p Policy, h Hooks, fn func(context.Context) (T, error)) (T, int, error) {
	var (
		out     T
		attempt int
		stopped error
	)
	op := func() error {
		if attempt > 0 && h.BeforeRetry != nil {
			if err := h.BeforeRetry(ctx); err != nil {
				stopped = err
				return backoff.Permanent(err)
			}
		}
		attempt++
		callCtx := ctx
		if p.CallTimeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, p.CallTimeout)
			defer cancel()
		}
		v, err := fn(callCtx)
		if err == nil {
			out = v
			return nil
		}
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		err = Classify(err)
		if errors.Is(err, ErrFatal) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		if h.OnRetry != nil {
			h.OnRetry(attempt, err, wait)
		}
	}

	err := backoff.RetryNotify(op, p.backOff(ctx), notify)
	switch {
	case err == nil:
		return out, attempt, nil
	case ctx.Err() != nil:
		return out, attempt, ctx.Err()
	case stopped != nil:
		return out, attempt, stopped
	case errors.Is(err, ErrFatal):
		return out, attempt, err
	default:
		return out, attempt, fmt.Errorf("%w after %d attempts: %w", ErrRetryExhausted, attempt, err)
	}
}
