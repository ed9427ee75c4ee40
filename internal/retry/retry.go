// Package retry runs capability calls under a per-call timeout with bounded
// exponential backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrTimeout marks a call that exceeded its per-call bound. It matches
// context.DeadlineExceeded under errors.Is.
var ErrTimeout = fmt.Errorf("call exceeded its timeout: %w", context.DeadlineExceeded)

// Policy bounds a single capability call.
type Policy struct {
	Timeout        time.Duration
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultPolicy returns the policy used when nothing is configured.
func DefaultPolicy() Policy {
	return Policy{
		Timeout:        30 * time.Second,
		MaxRetries:     3,
		InitialBackoff: 200 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
	}
}

// NotifyFunc observes a failed attempt before the next one is scheduled.
type NotifyFunc func(err error, wait time.Duration)

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var permanent *backoff.PermanentError
	return errors.As(err, &permanent)
}

// Do calls op until it succeeds, returns a permanent error, times out, or
// the retry budget is spent. Each attempt gets its own timeout. A timed out
// attempt is not retried and yields an error wrapping ErrTimeout.
func Do[T any](ctx context.Context, p Policy, op func(ctx context.Context) (T, error), notify NotifyFunc) (T, error) {
	var result T
	if err := ctx.Err(); err != nil {
		return result, err
	}

	if p.Timeout <= 0 {
		p.Timeout = DefaultPolicy().Timeout
	}
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}

	b := backoff.NewExponentialBackOff()
	if p.InitialBackoff > 0 {
		b.InitialInterval = p.InitialBackoff
	}
	if p.MaxBackoff > 0 {
		b.MaxInterval = p.MaxBackoff
	}
	b.MaxElapsedTime = 0

	bo := backoff.WithContext(backoff.WithMaxRetries(b, uint64(p.MaxRetries)), ctx)

	attempt := func() error {
		callCtx, cancel := context.WithTimeout(ctx, p.Timeout)
		defer cancel()

		value, err := op(callCtx)
		if err == nil {
			result = value
			return nil
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			return backoff.Permanent(fmt.Errorf("%w: %v", ctxErr, err))
		}
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
			return backoff.Permanent(fmt.Errorf("%w after %s: %v", ErrTimeout, p.Timeout, err))
		}
		return err
	}

	var notifyFn backoff.Notify
	if notify != nil {
		notifyFn = func(err error, wait time.Duration) { notify(err, wait) }
	}

	if err := backoff.RetryNotify(attempt, bo, notifyFn); err != nil {
		return result, unwrapPermanent(err)
	}
	return result, nil
}

func unwrapPermanent(err error) error {
	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		return permanent.Err
	}
	return err
}
