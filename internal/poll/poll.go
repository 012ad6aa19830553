// Package poll runs fixed-interval readiness checks bounded by a wall-clock
// timeout. Waits stop as soon as the parent context is cancelled.
package poll

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrTimeout is returned when the condition did not hold before the timeout.
var ErrTimeout = stderrors.New("timed out")

// errPending marks a check that has not succeeded yet.
var errPending = stderrors.New("condition not met")

// Condition reports whether the awaited state was reached. A non-nil error
// stops polling immediately.
type Condition func(ctx context.Context) (bool, error)

// Until calls cond every interval until it returns true, returns an error,
// timeout elapses (ErrTimeout) or ctx is cancelled (ctx.Err()). The first
// check runs immediately. A timeout <= 0 waits until ctx is done.
func Until(ctx context.Context, interval, timeout time.Duration, cond Condition) error {
	pctx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		pctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	b := backoff.WithContext(backoff.NewConstantBackOff(interval), pctx)

	err := backoff.Retry(func() error {
		done, err := cond(pctx)
		if err != nil {
			if pctx.Err() != nil {
				return backoff.Permanent(pctx.Err())
			}
			return backoff.Permanent(err)
		}
		if !done {
			return errPending
		}
		return nil
	}, b)

	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if stderrors.Is(err, context.DeadlineExceeded) || stderrors.Is(err, errPending) {
		return ErrTimeout
	}
	return err
}
