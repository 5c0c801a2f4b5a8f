package stackstore

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/botgate/botgate/pkg/engine"
	"github.com/botgate/botgate/pkg/stack"
)

const gatewayTemplate = `
resources:
  Network:
    type: local::network
  Gateway:
    type: local::process
outputs:
  Endpoint: http://127.0.0.1:${Port}
  Name: ${StackName}
`

// setupTestStore creates an in-memory SQLite store for testing
func setupTestStore(t *testing.T) *Store {
	t.Helper()

	store, err := Open(context.Background(), Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func describe(t *testing.T, s *Store, name string) *stack.Stack {
	t.Helper()
	st, err := s.DescribeStack(context.Background(), name)
	if err != nil {
		t.Fatalf("describe %s: %v", name, err)
	}
	return st
}

func TestStoreLifecycle(t *testing.T) {
	store, err := New(Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	// a second run is a no-op
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("second migrate failed: %v", err)
	}
	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}

	if _, err := New(Config{}); err == nil {
		t.Error("expected an error for an empty path")
	}
}

func TestCreateSettlesOnObservation(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	id, err := s.CreateStack(ctx, stack.Input{
		Name:       "botgate-dev",
		Template:   gatewayTemplate,
		Parameters: map[string]string{"Port": "18789"},
		Tags:       map[string]string{"profile": "dev"},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !strings.HasPrefix(id, "stack/botgate-dev/") {
		t.Errorf("unexpected stack id %q", id)
	}

	st := describe(t, s, "botgate-dev")
	if st.Status != engine.StackStatusCreateComplete {
		t.Fatalf("status = %s, want CREATE_COMPLETE", st.Status)
	}
	if got := st.Outputs["Endpoint"]; got != "http://127.0.0.1:18789" {
		t.Errorf("Endpoint output = %q", got)
	}
	if got := st.Outputs["Name"]; got != "botgate-dev" {
		t.Errorf("Name output = %q", got)
	}
	if st.Tags["profile"] != "dev" {
		t.Errorf("tags not stored: %v", st.Tags)
	}

	events, err := s.StackEvents(ctx, "botgate-dev")
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	// stack in progress, two resources, stack complete
	if len(events) != 4 {
		t.Fatalf("got %d events, want 4", len(events))
	}
	if events[0].Status != string(engine.StackStatusCreateInProgress) || events[3].Status != string(engine.StackStatusCreateComplete) {
		t.Errorf("events out of order: %+v", events)
	}

	if _, err := s.CreateStack(ctx, stack.Input{Name: "botgate-dev", Template: gatewayTemplate}); !errors.Is(err, stack.ErrAlreadyExists) {
		t.Errorf("second create err = %v, want ErrAlreadyExists", err)
	}
}

func TestSettleAfterDelay(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	s, err := Open(context.Background(), Config{
		Path:        ":memory:",
		SettleAfter: 30 * time.Second,
		Now:         func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	if _, err := s.CreateStack(context.Background(), stack.Input{Name: "slow", Template: gatewayTemplate}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if st := describe(t, s, "slow"); st.Status != engine.StackStatusCreateInProgress {
		t.Fatalf("status = %s before the delay", st.Status)
	}
	err = s.UpdateStack(context.Background(), stack.Input{Name: "slow", Template: gatewayTemplate, Parameters: map[string]string{"Port": "2"}})
	if !engine.IsConflict(err) {
		t.Fatalf("update while in progress err = %v, want conflict", err)
	}
	now = now.Add(31 * time.Second)
	if st := describe(t, s, "slow"); st.Status != engine.StackStatusCreateComplete {
		t.Fatalf("status = %s after the delay", st.Status)
	}
}

func TestUpdate(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	in := stack.Input{Name: "wl", Template: gatewayTemplate, Parameters: map[string]string{"Port": "1"}}

	if err := s.UpdateStack(ctx, in); !errors.Is(err, stack.ErrNotFound) {
		t.Fatalf("update of missing stack err = %v", err)
	}
	if _, err := s.CreateStack(ctx, in); err != nil {
		t.Fatalf("create: %v", err)
	}
	describe(t, s, "wl")

	if err := s.UpdateStack(ctx, in); !errors.Is(err, stack.ErrNoChanges) {
		t.Fatalf("identical update err = %v, want ErrNoChanges", err)
	}

	in.Parameters = map[string]string{"Port": "2"}
	if err := s.UpdateStack(ctx, in); err != nil {
		t.Fatalf("update: %v", err)
	}
	st := describe(t, s, "wl")
	if st.Status != engine.StackStatusUpdateComplete || st.Outputs["Endpoint"] != "http://127.0.0.1:2" {
		t.Fatalf("after update: %s %v", st.Status, st.Outputs)
	}
	if st.LastUpdatedTime == nil {
		t.Error("LastUpdatedTime not set")
	}
}

func TestFailingResourceRollsBack(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	tmpl := strings.Replace(gatewayTemplate, "type: local::process", "type: local::process\n    fail: true", 1)

	if _, err := s.CreateStack(ctx, stack.Input{Name: "broken", Template: tmpl}); err != nil {
		t.Fatalf("create: %v", err)
	}
	st := describe(t, s, "broken")
	if st.Status != engine.StackStatusRollbackComplete {
		t.Fatalf("status = %s, want ROLLBACK_COMPLETE", st.Status)
	}
	if !strings.Contains(st.StatusReason, "[Gateway]") {
		t.Errorf("reason %q does not name the failing resource", st.StatusReason)
	}
	if err := s.UpdateStack(ctx, stack.Input{Name: "broken", Template: gatewayTemplate}); !engine.IsConflict(err) {
		t.Errorf("update of rolled back stack err = %v, want conflict", err)
	}
}

func TestDeleteWithStuckResource(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	if _, err := s.CreateStack(ctx, stack.Input{Name: "wl", Template: gatewayTemplate}); err != nil {
		t.Fatalf("create: %v", err)
	}
	describe(t, s, "wl")
	if err := s.MarkStuck(ctx, "wl", "Network"); err != nil {
		t.Fatalf("mark stuck: %v", err)
	}
	if err := s.MarkStuck(ctx, "wl", "Nope"); err == nil {
		t.Error("marking an unknown resource should fail")
	}

	if err := s.DeleteStack(ctx, "wl", nil); err != nil {
		t.Fatalf("delete: %v", err)
	}
	st := describe(t, s, "wl")
	if st.Status != engine.StackStatusDeleteFailed {
		t.Fatalf("status = %s, want DELETE_FAILED", st.Status)
	}
	if got := stack.StuckResources("wl", st.StatusReason, nil); len(got) != 1 || got[0] != "Network" {
		t.Fatalf("stuck resources parsed from %q = %v", st.StatusReason, got)
	}

	if err := s.DeleteStack(ctx, "wl", []string{"Network"}); err != nil {
		t.Fatalf("retaining delete: %v", err)
	}
	if _, err := s.DescribeStack(ctx, "wl"); !errors.Is(err, stack.ErrNotFound) {
		t.Fatalf("describe after delete err = %v, want ErrNotFound", err)
	}

	resources, err := s.Resources(ctx, "wl")
	if err != nil {
		t.Fatalf("resources: %v", err)
	}
	for _, r := range resources {
		if r.LogicalID == "Network" && (!r.Retained || r.Status != "DELETE_SKIPPED") {
			t.Errorf("Network should be retained, got %+v", r)
		}
	}

	exists, err := s.StackExists(ctx, "wl")
	if err != nil || exists {
		t.Errorf("StackExists = %v, %v", exists, err)
	}
}

func TestListStacksFilter(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	for _, name := range []string{"botgate-wl-a", "botgate-wl-b", "botgate-shared-local"} {
		if _, err := s.CreateStack(ctx, stack.Input{Name: name, Template: gatewayTemplate}); err != nil {
			t.Fatalf("create %s: %v", name, err)
		}
	}
	if err := s.DeleteStack(ctx, "botgate-wl-b", nil); err != nil {
		t.Fatalf("delete: %v", err)
	}

	live, err := s.ListStacks(ctx, stack.Filter{NamePrefix: "botgate-wl-", Statuses: stack.LiveStatuses()})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(live) != 1 || live[0].Name != "botgate-wl-a" {
		t.Fatalf("live workloads = %+v", live)
	}

	all, err := s.ListStacks(ctx, stack.Filter{NamePrefix: "botgate-wl-"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 2 || all[1].Status != engine.StackStatusDeleteComplete {
		t.Fatalf("all workloads = %+v", all)
	}

	// the name of a deleted stack can be reused
	if _, err := s.CreateStack(ctx, stack.Input{Name: "botgate-wl-b", Template: gatewayTemplate}); err != nil {
		t.Fatalf("recreate: %v", err)
	}
}

func TestParseTemplate(t *testing.T) {
	if _, err := ParseTemplate("resources: {}"); err == nil {
		t.Error("expected error for a template without resources")
	}
	if _, err := ParseTemplate("resources:\n  A: {}\n"); err == nil {
		t.Error("expected error for a resource without type")
	}
	if _, err := ParseTemplate(":"); err == nil {
		t.Error("expected a parse error")
	}
	if _, err := (&Store{}).CreateStack(context.Background(), stack.Input{Name: "x", Template: "nope"}); !engine.HasCode(err, engine.ErrCodeInvalidConfig) {
		t.Errorf("create with bad template err = %v", err)
	}
}
