package stack_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/botgate/botgate/pkg/engine"
	"github.com/botgate/botgate/pkg/stack"
	"github.com/botgate/botgate/pkg/stack/stacktest"
	"github.com/botgate/botgate/pkg/target"
)

func noSleep(context.Context, time.Duration) error { return nil }

func newReconciler(svc stack.Service, opts stack.Options) *stack.Reconciler {
	opts.Wait.PollInterval = time.Millisecond
	opts.Wait.Timeout = time.Minute
	opts.Wait.Sleep = noSleep
	return stack.NewReconciler(svc, opts)
}

func input(name, template string) stack.Input {
	return stack.Input{Name: name, Template: template, Parameters: map[string]string{"Profile": "prod"}}
}

func TestConvergeCreatesAbsentStack(t *testing.T) {
	svc := stacktest.New()
	svc.Outputs = map[string]string{"PublicHost": "10.0.0.5"}
	r := newReconciler(svc, stack.Options{})

	st, err := r.Converge(context.Background(), input("botgate-prod", "v1"))
	require.NoError(t, err)
	assert.Equal(t, engine.StackStatusCreateComplete, st.Status)
	assert.Equal(t, "10.0.0.5", st.Outputs["PublicHost"])
	assert.Len(t, svc.CallsOf("create"), 1)
}

func TestConvergeTwiceTreatsNoChangesAsSuccess(t *testing.T) {
	svc := stacktest.New()
	r := newReconciler(svc, stack.Options{})
	ctx := context.Background()

	_, err := r.Converge(ctx, input("botgate-prod", "v1"))
	require.NoError(t, err)

	st, err := r.Converge(ctx, input("botgate-prod", "v1"))
	require.NoError(t, err)
	assert.True(t, st.Status.IsActive())
	assert.Len(t, svc.CallsOf("create"), 1)
	assert.Empty(t, svc.CallsOf("update"))

	st, err = r.Converge(ctx, input("botgate-prod", "v2"))
	require.NoError(t, err)
	assert.Equal(t, engine.StackStatusUpdateComplete, st.Status)
	assert.Len(t, svc.CallsOf("update"), 1)
}

func TestConvergeRecoversFromUnhealthyStates(t *testing.T) {
	tests := []struct {
		status engine.StackStatus
		stuck  []string
	}{
		{status: engine.StackStatusDeleteFailed, stuck: []string{"ClusterCapacity"}},
		{status: engine.StackStatusRollbackComplete},
		{status: engine.StackStatusRollbackFailed},
		{status: engine.StackStatusCreateFailed},
		{status: engine.StackStatusUpdateFailed},
		{status: engine.StackStatusUpdateRollbackFailed},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			svc := stacktest.New()
			svc.Seed("botgate-prod", tt.status, "seeded")
			if len(tt.stuck) > 0 {
				svc.SetStuck("botgate-prod", tt.stuck...)
			}
			r := newReconciler(svc, stack.Options{})

			st, err := r.Converge(context.Background(), input("botgate-prod", "v1"))
			require.NoError(t, err)
			assert.Equal(t, engine.StackStatusCreateComplete, st.Status)
			assert.NotEmpty(t, svc.CallsOf("delete"))
			assert.Len(t, svc.CallsOf("create"), 1)
		})
	}
}

func TestConvergeWaitsOutTransitions(t *testing.T) {
	tests := []struct {
		name       string
		inProgress engine.StackStatus
		final      engine.StackStatus
		wantCreate int
	}{
		{"delete in progress then create", engine.StackStatusDeleteInProgress, engine.StackStatusDeleteComplete, 1},
		{"create in progress then no-op update", engine.StackStatusCreateInProgress, engine.StackStatusCreateComplete, 0},
		{"update in progress then no-op update", engine.StackStatusUpdateInProgress, engine.StackStatusUpdateComplete, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := stacktest.New()
			svc.Latency = 3
			svc.SeedTransition("botgate-prod", tt.inProgress, tt.final)
			r := newReconciler(svc, stack.Options{})

			st, err := r.Converge(context.Background(), stack.Input{Name: "botgate-prod"})
			require.NoError(t, err)
			assert.True(t, st.Status.IsActive())
			assert.Len(t, svc.CallsOf("create"), tt.wantCreate)
		})
	}
}

func TestConvergeDeleteFailedRetainsStuckResource(t *testing.T) {
	svc := stacktest.New()
	svc.Seed("botgate-prod", engine.StackStatusDeleteFailed, "resource X failed to delete")
	svc.SetStuck("botgate-prod", "X")

	var mu sync.Mutex
	var narration []string
	r := newReconciler(svc, stack.Options{
		LogFunc: func(line string, _ target.Stream) {
			mu.Lock()
			defer mu.Unlock()
			narration = append(narration, line)
		},
	})

	st, err := r.Converge(context.Background(), input("botgate-prod", "v1"))
	require.NoError(t, err)
	assert.True(t, st.Status.IsActive())

	deletes := svc.CallsOf("delete")
	require.Len(t, deletes, 2)
	assert.Empty(t, deletes[0].Retain)
	assert.Equal(t, []string{"X"}, deletes[1].Retain)
	assert.Equal(t, []string{"X"}, svc.Retained("botgate-prod"))

	calls := svc.Calls()
	assert.Equal(t, "create", calls[len(calls)-1].Op, "re-create happens after the retaining delete")
	assert.Contains(t, narration, "Retrying delete of botgate-prod, retaining stuck resources: X")
}

func TestConvergeConcurrentCreateFallsThroughToWait(t *testing.T) {
	svc := stacktest.New()
	raced := false
	svc.CreateHook = func(in stack.Input) error {
		if raced {
			return nil
		}
		raced = true
		svc.SeedTransition(in.Name, engine.StackStatusCreateInProgress, engine.StackStatusCreateComplete)
		return stack.AlreadyExists(in.Name)
	}
	r := newReconciler(svc, stack.Options{})

	st, err := r.Converge(context.Background(), stack.Input{Name: "botgate-prod"})
	require.NoError(t, err)
	assert.True(t, st.Status.IsActive())
}

func TestConvergeReportsFailedCreate(t *testing.T) {
	svc := stacktest.New()
	svc.FailNextCreate("botgate-prod", "Instance type not available")
	r := newReconciler(svc, stack.Options{})

	_, err := r.Converge(context.Background(), input("botgate-prod", "v1"))
	require.Error(t, err)
	assert.True(t, engine.HasCode(err, engine.ErrCodeStackFailed))
	assert.Contains(t, err.Error(), "Instance type not available")
}

func TestConvergeReportsRolledBackUpdate(t *testing.T) {
	svc := stacktest.New()
	r := newReconciler(svc, stack.Options{})
	ctx := context.Background()

	_, err := r.Converge(ctx, input("botgate-prod", "v1"))
	require.NoError(t, err)

	svc.FailNextUpdate("botgate-prod", "volume limit exceeded")
	_, err = r.Converge(ctx, input("botgate-prod", "v2"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "UPDATE_ROLLBACK_COMPLETE")
	assert.Equal(t, engine.StackStatusUpdateRollbackComplete, svc.Status("botgate-prod"))
}

func TestForceDeleteRunsCleanersAndSwallowsTheirErrors(t *testing.T) {
	svc := stacktest.New()
	r0 := newReconciler(svc, stack.Options{})
	_, err := r0.Converge(context.Background(), input("botgate-prod", "v1"))
	require.NoError(t, err)

	var ran []string
	r := newReconciler(svc, stack.Options{
		Cleaners: []stack.Cleaner{
			stack.CleanerFunc{Label: "deregister", Fn: func(_ context.Context, st *stack.Stack) error {
				ran = append(ran, "deregister:"+st.Name)
				return errors.New("cluster not found")
			}},
			stack.CleanerFunc{Label: "protection", Fn: func(context.Context, *stack.Stack) error {
				ran = append(ran, "protection")
				return nil
			}},
		},
	})

	require.NoError(t, r.ForceDelete(context.Background(), "botgate-prod"))
	assert.Equal(t, []string{"deregister:botgate-prod", "protection"}, ran)
	assert.Equal(t, engine.StackStatusDeleteComplete, svc.Status("botgate-prod"))
}

func TestForceDeleteAbsentStackIsNoop(t *testing.T) {
	svc := stacktest.New()
	r := newReconciler(svc, stack.Options{})
	require.NoError(t, r.ForceDelete(context.Background(), "missing"))
	assert.Empty(t, svc.Calls())
}

type reasonlessService struct {
	*stacktest.Service
}

func (s reasonlessService) DescribeStack(ctx context.Context, name string) (*stack.Stack, error) {
	st, err := s.Service.DescribeStack(ctx, name)
	if st != nil {
		st.StatusReason = "Internal failure"
	}
	return st, err
}

func (s reasonlessService) StackEvents(context.Context, string) ([]stack.Event, error) {
	return nil, nil
}

func TestForceDeleteWithoutIdentifiableResourcesFails(t *testing.T) {
	fake := stacktest.New()
	fake.Seed("botgate-prod", engine.StackStatusCreateComplete, "")
	fake.SetStuck("botgate-prod", "Vpc")
	r := newReconciler(reasonlessService{fake}, stack.Options{})

	err := r.ForceDelete(context.Background(), "botgate-prod")
	require.Error(t, err)
	assert.True(t, engine.HasCode(err, engine.ErrCodeDeleteFailed))
	assert.Len(t, fake.CallsOf("delete"), 1)
}

func TestWaiterStreamsEachEventOnce(t *testing.T) {
	svc := stacktest.New()
	svc.Latency = 4

	var mu sync.Mutex
	var ids []string
	w := stack.NewWaiter(svc, stack.WaitConfig{
		PollInterval: time.Millisecond,
		Timeout:      time.Minute,
		Sleep:        noSleep,
		Observer: func(ev stack.Event) {
			mu.Lock()
			defer mu.Unlock()
			ids = append(ids, ev.ID)
		},
	})

	_, err := svc.CreateStack(context.Background(), stack.Input{Name: "s"})
	require.NoError(t, err)

	st, err := w.WaitForTerminal(context.Background(), "s", stack.WaitOptions{})
	require.NoError(t, err)
	assert.Equal(t, engine.StackStatusCreateComplete, st.Status)

	seen := map[string]bool{}
	for _, id := range ids {
		assert.False(t, seen[id], "event %s delivered twice", id)
		seen[id] = true
	}
	assert.Len(t, ids, 2)
}

func TestWaiterTimesOut(t *testing.T) {
	now := time.Unix(0, 0)
	clock := func() time.Time { return now }
	sleep := func(_ context.Context, d time.Duration) error {
		now = now.Add(d)
		return nil
	}

	svc := stacktest.New()
	svc.Latency = 1000
	svc.Now = clock
	svc.SeedTransition("s", engine.StackStatusCreateInProgress, engine.StackStatusCreateComplete)

	w := stack.NewWaiter(svc, stack.WaitConfig{
		PollInterval: 10 * time.Second,
		Timeout:      time.Minute,
		Sleep:        sleep,
		Now:          clock,
	})

	st, err := w.WaitForTerminal(context.Background(), "s", stack.WaitOptions{})
	require.Error(t, err)
	assert.True(t, engine.IsTransient(err))
	assert.True(t, engine.HasCode(err, engine.ErrCodeTimeout))
	assert.Contains(t, err.Error(), "CREATE_IN_PROGRESS")
	require.NotNil(t, st)
}

func TestWaiterMissingStack(t *testing.T) {
	svc := stacktest.New()
	w := stack.NewWaiter(svc, stack.WaitConfig{PollInterval: time.Millisecond, Timeout: time.Minute, Sleep: noSleep})

	st, err := w.WaitForTerminal(context.Background(), "gone", stack.WaitOptions{MissingIsDeleted: true})
	require.NoError(t, err)
	assert.Equal(t, engine.StackStatusDeleteComplete, st.Status)
}
