// Package stacktest provides an in-memory stack service for tests.
package stacktest

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/botgate/botgate/pkg/engine"
	"github.com/botgate/botgate/pkg/stack"
)

// Call records one mutating request.
type Call struct {
	Op     string
	Name   string
	Retain []string
}

type record struct {
	stack    stack.Stack
	template string
	// pending is the status reached once remaining describes have elapsed.
	pending   engine.StackStatus
	reason    string
	remaining int
	retained  []string
}

// Service is a scriptable in-memory stack.Service. Every operation moves the
// stack into an *_IN_PROGRESS status that settles after Latency describes.
type Service struct {
	mu      sync.Mutex
	records map[string]*record
	events  map[string][]stack.Event
	seq     int
	calls   []Call

	stuck      map[string][]string
	failCreate map[string]string
	failUpdate map[string]string

	// Latency is the number of describes an in-progress status survives.
	Latency int
	// Outputs returned for every stack once it is active.
	Outputs map[string]string
	// CreateHook runs before a create is applied. A non-nil error is returned
	// to the caller as is.
	CreateHook func(in stack.Input) error
	// DeleteHook runs before a delete is applied.
	DeleteHook func(name string, retain []string) error
	// Now stamps events.
	Now func() time.Time
}

// New returns an empty fake service.
func New() *Service {
	return &Service{
		records:    make(map[string]*record),
		events:     make(map[string][]stack.Event),
		stuck:      make(map[string][]string),
		failCreate: make(map[string]string),
		failUpdate: make(map[string]string),
		Latency:    1,
		Now:        time.Now,
	}
}

// Seed places a stack in an arbitrary state.
func (s *Service) Seed(name string, status engine.StackStatus, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[name] = &record{stack: stack.Stack{
		ID:           "seed-" + name,
		Name:         name,
		Status:       status,
		StatusReason: reason,
		CreationTime: s.Now(),
	}}
}

// SeedTransition places a stack mid-transition toward final.
func (s *Service) SeedTransition(name string, inProgress, final engine.StackStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := &record{stack: stack.Stack{
		ID:           "seed-" + name,
		Name:         name,
		CreationTime: s.Now(),
	}}
	s.records[name] = rec
	s.begin(rec, inProgress, final, "")
}

// SetTags replaces the tags of an existing stack.
func (s *Service) SetTags(name string, tags map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.records[name]; ok {
		rec.stack.Tags = maps.Clone(tags)
	}
}

// SetStuck marks logical resources that fail to delete unless retained.
func (s *Service) SetStuck(name string, ids ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stuck[name] = ids
}

// FailNextCreate makes the next create of name roll back with reason.
func (s *Service) FailNextCreate(name, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failCreate[name] = reason
}

// FailNextUpdate makes the next update of name roll back with reason.
func (s *Service) FailNextUpdate(name, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failUpdate[name] = reason
}

// Calls returns the mutating requests received so far.
func (s *Service) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Call, len(s.calls))
	copy(out, s.calls)
	return out
}

// CallsOf returns the requests with the given op ("create", "update", "delete").
func (s *Service) CallsOf(op string) []Call {
	var out []Call
	for _, c := range s.Calls() {
		if c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

// Status returns the current status of name without advancing transitions.
func (s *Service) Status(name string) engine.StackStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[name]
	if !ok {
		return engine.StackStatusAbsent
	}
	return rec.stack.Status
}

// Retained returns the resources orphaned by the last retaining delete of name.
func (s *Service) Retained(name string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.records[name]; ok {
		return rec.retained
	}
	return nil
}

func (s *Service) begin(rec *record, inProgress, final engine.StackStatus, reason string) {
	rec.stack.Status = inProgress
	rec.stack.StatusReason = ""
	rec.pending = final
	rec.reason = reason
	rec.remaining = s.Latency
	s.event(rec.stack.Name, rec.stack.Name, "Stack", string(inProgress), "")
	if rec.remaining <= 0 {
		s.settle(rec)
	}
}

func (s *Service) settle(rec *record) {
	rec.stack.Status = rec.pending
	rec.stack.StatusReason = rec.reason
	if rec.pending == engine.StackStatusDeleteFailed {
		for _, id := range s.stuck[rec.stack.Name] {
			s.event(rec.stack.Name, id, "Resource", string(engine.StackStatusDeleteFailed), "resource is in use")
		}
	}
	s.event(rec.stack.Name, rec.stack.Name, "Stack", string(rec.pending), rec.reason)
	rec.pending = ""
}

func (s *Service) event(stackName, logicalID, typ, status, reason string) {
	s.seq++
	s.events[stackName] = append(s.events[stackName], stack.Event{
		ID:                fmt.Sprintf("evt-%d", s.seq),
		StackName:         stackName,
		LogicalResourceID: logicalID,
		ResourceType:      typ,
		Status:            status,
		Reason:            reason,
		Timestamp:         s.Now(),
	})
}

// CreateStack implements stack.Service.
func (s *Service) CreateStack(_ context.Context, in stack.Input) (string, error) {
	if s.CreateHook != nil {
		if err := s.CreateHook(in); err != nil {
			return "", err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, Call{Op: "create", Name: in.Name})

	if rec, ok := s.records[in.Name]; ok && !rec.stack.Status.IsDeleted() {
		return "", stack.AlreadyExists(in.Name)
	}

	rec := &record{
		stack: stack.Stack{
			ID:           fmt.Sprintf("stack-%d", s.seq+1),
			Name:         in.Name,
			Parameters:   maps.Clone(in.Parameters),
			Tags:         maps.Clone(in.Tags),
			CreationTime: s.Now(),
		},
		template: in.Template,
	}
	if prev, ok := s.records[in.Name]; ok {
		// resources orphaned by the previous incarnation stay reported
		rec.retained = prev.retained
	}
	s.records[in.Name] = rec
	s.events[in.Name] = nil

	if reason, ok := s.failCreate[in.Name]; ok {
		delete(s.failCreate, in.Name)
		s.begin(rec, engine.StackStatusCreateInProgress, engine.StackStatusRollbackComplete, reason)
	} else {
		s.begin(rec, engine.StackStatusCreateInProgress, engine.StackStatusCreateComplete, "")
	}
	return rec.stack.ID, nil
}

// UpdateStack implements stack.Service.
func (s *Service) UpdateStack(_ context.Context, in stack.Input) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[in.Name]
	if !ok || rec.stack.Status.IsDeleted() {
		return stack.NotFound(in.Name)
	}
	if rec.stack.Status.IsInProgress() {
		return engine.NewConflictError(fmt.Sprintf("stack is in %s state and can not be updated", rec.stack.Status), nil).
			WithResource(in.Name)
	}
	if rec.template == in.Template && maps.Equal(rec.stack.Parameters, in.Parameters) {
		return stack.NoChanges(in.Name)
	}

	s.calls = append(s.calls, Call{Op: "update", Name: in.Name})
	if reason, ok := s.failUpdate[in.Name]; ok {
		delete(s.failUpdate, in.Name)
		s.begin(rec, engine.StackStatusUpdateInProgress, engine.StackStatusUpdateRollbackComplete, reason)
		return nil
	}
	rec.template = in.Template
	rec.stack.Parameters = maps.Clone(in.Parameters)
	now := s.Now()
	rec.stack.LastUpdatedTime = &now
	s.begin(rec, engine.StackStatusUpdateInProgress, engine.StackStatusUpdateComplete, "")
	return nil
}

// DeleteStack implements stack.Service.
func (s *Service) DeleteStack(_ context.Context, name string, retain []string) error {
	if s.DeleteHook != nil {
		if err := s.DeleteHook(name, retain); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, Call{Op: "delete", Name: name, Retain: append([]string(nil), retain...)})

	rec, ok := s.records[name]
	if !ok || rec.stack.Status.IsDeleted() {
		return stack.NotFound(name)
	}

	var blocking []string
	for _, id := range s.stuck[name] {
		if !contains(retain, id) {
			blocking = append(blocking, id)
		}
	}
	if len(blocking) > 0 {
		reason := fmt.Sprintf("The following resource(s) failed to delete: [%s].", strings.Join(blocking, ", "))
		s.begin(rec, engine.StackStatusDeleteInProgress, engine.StackStatusDeleteFailed, reason)
		return nil
	}
	if len(retain) > 0 {
		rec.retained = append([]string(nil), retain...)
		delete(s.stuck, name)
	}
	s.begin(rec, engine.StackStatusDeleteInProgress, engine.StackStatusDeleteComplete, "")
	return nil
}

// DescribeStack implements stack.Service. Deleted stacks are not found, as
// with services that only describe live stacks by name.
func (s *Service) DescribeStack(_ context.Context, name string) (*stack.Stack, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[name]
	if !ok {
		return nil, stack.NotFound(name)
	}
	if rec.pending != "" {
		rec.remaining--
		if rec.remaining < 0 {
			s.settle(rec)
		}
	}
	if rec.stack.Status == engine.StackStatusDeleteComplete {
		return nil, stack.NotFound(name)
	}
	out := rec.stack
	return &out, nil
}

// StackEvents implements stack.Service.
func (s *Service) StackEvents(_ context.Context, name string) ([]stack.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]stack.Event(nil), s.events[name]...), nil
}

// StackOutputs implements stack.Service.
func (s *Service) StackOutputs(_ context.Context, name string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[name]
	if !ok || rec.stack.Status.IsDeleted() {
		return nil, stack.NotFound(name)
	}
	out := maps.Clone(s.Outputs)
	if out == nil {
		out = map[string]string{}
	}
	out["StackName"] = name
	return out, nil
}

// StackExists implements stack.Service.
func (s *Service) StackExists(_ context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[name]
	return ok && !rec.stack.Status.IsDeleted(), nil
}

// ListStacks implements stack.Service. Deleted stacks are listed with
// DELETE_COMPLETE so status filters behave as against a real service.
func (s *Service) ListStacks(_ context.Context, filter stack.Filter) ([]stack.Summary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []stack.Summary
	for name, rec := range s.records {
		if filter.Matches(name, rec.stack.Status, rec.stack.Tags) {
			out = append(out, stack.Summary{Name: name, Status: rec.stack.Status, CreationTime: rec.stack.CreationTime})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

var _ stack.Service = (*Service)(nil)
