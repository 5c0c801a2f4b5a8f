package stack

import (
	"context"
	"strings"
	"time"

	"github.com/botgate/botgate/pkg/engine"
)

// Sentinel errors returned by Service implementations. Match with errors.Is;
// implementations may return any EngineError with the same class and code.
var (
	ErrNotFound = &engine.EngineError{
		Class:   engine.ErrorClassPermanent,
		Code:    engine.ErrCodeNotFound,
		Message: "stack not found",
	}
	ErrAlreadyExists = &engine.EngineError{
		Class:   engine.ErrorClassConflict,
		Code:    engine.ErrCodeAlreadyExists,
		Message: "stack already exists",
	}
	ErrNoChanges = &engine.EngineError{
		Class:   engine.ErrorClassConflict,
		Code:    engine.ErrCodeNoChanges,
		Message: "no updates are to be performed",
	}
)

// NotFound returns ErrNotFound scoped to a stack name.
func NotFound(name string) error {
	return engine.NewPermanentError("stack not found", nil).
		WithCode(engine.ErrCodeNotFound).WithResource(name)
}

// AlreadyExists returns ErrAlreadyExists scoped to a stack name.
func AlreadyExists(name string) error {
	return engine.NewConflictError("stack already exists", nil).
		WithCode(engine.ErrCodeAlreadyExists).WithResource(name)
}

// NoChanges returns ErrNoChanges scoped to a stack name.
func NoChanges(name string) error {
	return engine.NewConflictError("no updates are to be performed", nil).
		WithCode(engine.ErrCodeNoChanges).WithResource(name)
}

// Stack is a remotely tracked group of resources.
type Stack struct {
	ID              string             `json:"id"`
	Name            string             `json:"name"`
	Status          engine.StackStatus `json:"status"`
	StatusReason    string             `json:"statusReason,omitempty"`
	Outputs         map[string]string  `json:"outputs,omitempty"`
	Parameters      map[string]string  `json:"parameters,omitempty"`
	Tags            map[string]string  `json:"tags,omitempty"`
	CreationTime    time.Time          `json:"creationTime"`
	LastUpdatedTime *time.Time         `json:"lastUpdatedTime,omitempty"`
}

// Event is a progress record emitted by the stack service.
type Event struct {
	ID                string    `json:"id"`
	StackName         string    `json:"stackName"`
	LogicalResourceID string    `json:"logicalResourceId"`
	ResourceType      string    `json:"resourceType,omitempty"`
	Status            string    `json:"status"`
	Reason            string    `json:"reason,omitempty"`
	Timestamp         time.Time `json:"timestamp"`
}

// Input describes the desired content of a stack.
type Input struct {
	Name       string
	Template   string
	Parameters map[string]string
	Tags       map[string]string
}

// Filter narrows ListStacks.
type Filter struct {
	// NamePrefix keeps stacks whose name starts with the prefix.
	NamePrefix string
	// Statuses keeps stacks in one of the listed statuses. Empty keeps all.
	Statuses []engine.StackStatus
	// Tags keeps stacks carrying every listed tag with the same value.
	Tags map[string]string
}

// TagRegion is the tag every stack carries with the region it lives in.
const TagRegion = "botgate:region"

// Matches reports whether a stack with name, status and tags passes the filter.
func (f Filter) Matches(name string, status engine.StackStatus, tags map[string]string) bool {
	if f.NamePrefix != "" && !strings.HasPrefix(name, f.NamePrefix) {
		return false
	}
	for k, v := range f.Tags {
		if got, ok := tags[k]; !ok || got != v {
			return false
		}
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, s := range f.Statuses {
		if s == status {
			return true
		}
	}
	return false
}

// LiveStatuses returns every status except DELETE_COMPLETE and ABSENT.
func LiveStatuses() []engine.StackStatus {
	var out []engine.StackStatus
	for _, s := range engine.AllStackStatuses() {
		if !s.IsDeleted() {
			out = append(out, s)
		}
	}
	return out
}

// Summary is one row of ListStacks.
type Summary struct {
	Name         string             `json:"name"`
	Status       engine.StackStatus `json:"status"`
	CreationTime time.Time          `json:"creationTime"`
}

// Service is the declarative stack service the reconciler drives.
//
// Implementations report a missing stack as ErrNotFound, a create over an
// existing stack as ErrAlreadyExists and an update without effect as
// ErrNoChanges. Events are returned oldest first.
type Service interface {
	CreateStack(ctx context.Context, in Input) (string, error)
	UpdateStack(ctx context.Context, in Input) error
	// DeleteStack deletes the stack, leaving the logical resources in retain
	// behind as orphans.
	DeleteStack(ctx context.Context, name string, retain []string) error
	DescribeStack(ctx context.Context, name string) (*Stack, error)
	StackEvents(ctx context.Context, name string) ([]Event, error)
	StackOutputs(ctx context.Context, name string) (map[string]string, error)
	StackExists(ctx context.Context, name string) (bool, error)
	ListStacks(ctx context.Context, filter Filter) ([]Summary, error)
}
