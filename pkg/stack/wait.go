package stack

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/botgate/botgate/pkg/engine"
	"github.com/botgate/botgate/pkg/telemetry"
)

// EventObserver receives stack events as they are discovered.
type EventObserver func(Event)

// WaitConfig tunes a Waiter.
type WaitConfig struct {
	// PollInterval is the pause between status checks.
	PollInterval time.Duration
	// Timeout bounds a single wait.
	Timeout time.Duration
	// Limiter caps describe calls across all waits sharing it.
	Limiter *rate.Limiter
	// Observer receives each distinct event once.
	Observer EventObserver

	Sleep engine.Sleeper
	Now   func() time.Time
}

// DefaultWaitConfig returns the polling defaults used against remote services.
func DefaultWaitConfig() WaitConfig {
	return WaitConfig{
		PollInterval: 10 * time.Second,
		Timeout:      30 * time.Minute,
		// stack services throttle describe calls per account
		Limiter: rate.NewLimiter(rate.Every(time.Second), 2),
	}
}

// Waiter polls a stack until it stops transitioning, streaming events to an
// observer along the way. Events are deduplicated by id across every wait
// performed by the same Waiter.
type Waiter struct {
	svc Service
	cfg WaitConfig

	mu   sync.Mutex
	seen map[string]struct{}
}

// NewWaiter creates a Waiter over svc.
func NewWaiter(svc Service, cfg WaitConfig) *Waiter {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultWaitConfig().PollInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultWaitConfig().Timeout
	}
	if cfg.Sleep == nil {
		cfg.Sleep = engine.SleepContext
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Waiter{
		svc:  svc,
		cfg:  cfg,
		seen: make(map[string]struct{}),
	}
}

// WaitOptions controls a single wait.
type WaitOptions struct {
	// Since skips events older than the operation being waited on.
	Since time.Time
	// MissingIsDeleted treats a stack the service no longer knows as
	// DELETE_COMPLETE. When false a missing stack keeps the wait polling,
	// which covers services that list a new stack only after a delay.
	MissingIsDeleted bool
}

// WaitForTerminal blocks until the stack leaves every *_IN_PROGRESS status.
func (w *Waiter) WaitForTerminal(ctx context.Context, name string, opts WaitOptions) (*Stack, error) {
	return w.WaitFor(ctx, name, opts, engine.StackStatus.IsTerminal)
}

// WaitFor blocks until until(status) holds, the timeout elapses or ctx ends.
// Cancelling ctx stops the local wait only; the remote operation continues.
func (w *Waiter) WaitFor(ctx context.Context, name string, opts WaitOptions, until func(engine.StackStatus) bool) (*Stack, error) {
	logger := telemetry.FromContext(ctx).NewComponentLogger("stack").WithStack(name)
	metrics := telemetry.MetricsFromContext(ctx)
	started := w.cfg.Now()

	var last *Stack
	err := engine.Poll(ctx, engine.PollOptions{
		Interval: w.cfg.PollInterval,
		Timeout:  w.cfg.Timeout,
		Sleep:    w.cfg.Sleep,
		Now:      w.cfg.Now,
	}, func(ctx context.Context) (bool, error) {
		if w.cfg.Limiter != nil {
			if err := w.cfg.Limiter.Wait(ctx); err != nil {
				return false, engine.NewTransientError("wait cancelled", err).WithCode(engine.ErrCodeTimeout)
			}
		}

		st, err := w.svc.DescribeStack(ctx, name)
		switch {
		case errors.Is(err, ErrNotFound):
			if !opts.MissingIsDeleted {
				return false, nil
			}
			st = &Stack{Name: name, Status: engine.StackStatusDeleteComplete}
		case err != nil:
			return false, fmt.Errorf("describe stack %s: %w", name, err)
		}
		last = st

		w.stream(ctx, name, opts.Since, logger, metrics)

		logger.Debugf("stack status %s", st.Status)
		return until(st.Status), nil
	})

	if last != nil {
		metrics.RecordStackWait(string(last.Status), w.cfg.Now().Sub(started))
	}
	if err != nil {
		status := engine.StackStatusAbsent
		if last != nil {
			status = last.Status
		}
		var ee *engine.EngineError
		if errors.As(err, &ee) && ee.Code == engine.ErrCodeTimeout {
			return last, engine.NewTransientError(
				fmt.Sprintf("waiting for stack %s (last status %s)", name, status), err,
			).WithCode(engine.ErrCodeTimeout).WithResource(name)
		}
		return last, err
	}
	return last, nil
}

// stream forwards unseen events to the observer. Event listing failures only
// cost progress output, so they are logged and ignored.
func (w *Waiter) stream(ctx context.Context, name string, since time.Time, logger *telemetry.Logger, metrics *telemetry.Metrics) {
	if w.cfg.Observer == nil {
		return
	}
	events, err := w.svc.StackEvents(ctx, name)
	if err != nil {
		logger.WithError(err).Debug("listing stack events failed")
		return
	}

	for _, ev := range events {
		if !since.IsZero() && ev.Timestamp.Before(since) {
			continue
		}
		if !w.markSeen(ev.ID) {
			continue
		}
		metrics.RecordStackEvent()
		w.cfg.Observer(ev)
	}
}

func (w *Waiter) markSeen(id string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.seen[id]; ok {
		return false
	}
	w.seen[id] = struct{}{}
	return true
}
