package engine

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakeClock struct {
	now    time.Time
	sleeps []time.Duration
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Sleep(_ context.Context, d time.Duration) error {
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
	return nil
}

func TestPollCompletes(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	calls := 0

	err := Poll(context.Background(), PollOptions{
		Interval: time.Second,
		Timeout:  time.Minute,
		Sleep:    clock.Sleep,
		Now:      clock.Now,
	}, func(context.Context) (bool, error) {
		calls++
		return calls == 3, nil
	})
	if err != nil {
		t.Fatalf("Poll() error = %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 checks, got %d", calls)
	}
	if len(clock.sleeps) != 2 {
		t.Errorf("expected 2 sleeps, got %d", len(clock.sleeps))
	}
}

func TestPollTimesOut(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}

	err := Poll(context.Background(), PollOptions{
		Interval: 10 * time.Second,
		Timeout:  30 * time.Second,
		Sleep:    clock.Sleep,
		Now:      clock.Now,
	}, func(context.Context) (bool, error) {
		return false, nil
	})
	if !IsTransient(err) || !HasCode(err, ErrCodeTimeout) {
		t.Fatalf("expected transient timeout, got %v", err)
	}
}

func TestPollPropagatesCheckError(t *testing.T) {
	boom := errors.New("boom")
	err := Poll(context.Background(), PollOptions{Interval: time.Millisecond, Timeout: time.Second},
		func(context.Context) (bool, error) { return false, boom })
	if !errors.Is(err, boom) {
		t.Fatalf("expected check error, got %v", err)
	}
}

func TestSleepContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := SleepContext(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
