// Package poll waits for conditions with a fixed interval and an overall
// bound. Every wait in the control plane goes through here.
package poll

import (
	"context"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/retry"
)

var errPending = errors.New("condition not met")

// Check reports whether the awaited condition holds. A non-nil error is
// terminal and ends the wait immediately.
type Check func(ctx context.Context) (bool, error)

// Options bound a wait. Clock defaults to the wall clock.
type Options struct {
	Interval time.Duration
	Timeout  time.Duration
	Clock    clock.Clock
}

// Until calls check every Interval until it reports true, returns an error,
// or Timeout elapses. Elapsing returns an error satisfying
// errors.Is(err, errors.Timeout).
func Until(ctx context.Context, opts Options, what string, check Check) error {
	clk := opts.Clock
	if clk == nil {
		clk = clock.WallClock
	}
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			ok, err := check(ctx)
			if err != nil {
				return err
			}
			if !ok {
				return errPending
			}
			return nil
		},
		IsFatalError: func(err error) bool {
			return err != errPending
		},
		Delay:       opts.Interval,
		MaxDuration: opts.Timeout,
		Clock:       clk,
		Stop:        ctx.Done(),
	})
	switch {
	case err == nil:
		return nil
	case retry.IsDurationExceeded(err):
		return errors.Timeoutf("%s after %s", what, opts.Timeout)
	case retry.IsRetryStopped(err):
		return errors.Annotatef(ctx.Err(), "waiting for %s", what)
	}
	return err
}

// Attempts retries fn up to n times with delay between tries and returns
// the last error.
func Attempts(ctx context.Context, n int, delay time.Duration, clk clock.Clock, fn func() error) error {
	if clk == nil {
		clk = clock.WallClock
	}
	err := retry.Call(retry.CallArgs{
		Func:     fn,
		Attempts: n,
		Delay:    delay,
		Clock:    clk,
		Stop:     ctx.Done(),
	})
	if err != nil {
		return retry.LastError(err)
	}
	return nil
}
