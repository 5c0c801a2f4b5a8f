package engine

import (
	"context"
	"fmt"
	"time"
)

// Sleeper pauses for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// SleepContext is the default Sleeper.
func SleepContext(ctx context.Context, d time.Duration) error {
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

// PollOptions bounds a sleep-and-recheck loop.
type PollOptions struct {
	Interval time.Duration
	Timeout  time.Duration
	Sleep    Sleeper
	Now      func() time.Time
}

// Poll calls check until it reports done, returns an error, or the timeout
// elapses. A timeout is returned as a transient TIMEOUT error.
func Poll(ctx context.Context, opts PollOptions, check func(ctx context.Context) (bool, error)) error {
	sleep := opts.Sleep
	if sleep == nil {
		sleep = SleepContext
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	deadline := now().Add(opts.Timeout)
	for {
		done, err := check(ctx)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		if opts.Timeout > 0 && !now().Before(deadline) {
			return NewTransientError(fmt.Sprintf("timed out after %s", opts.Timeout), nil).
				WithCode(ErrCodeTimeout)
		}
		if err := sleep(ctx, opts.Interval); err != nil {
			return NewTransientError("wait cancelled", err).WithCode(ErrCodeTimeout)
		}
	}
}
