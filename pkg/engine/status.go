package engine

import (
	"encoding/json"
	"fmt"
	"strings"
)

// StackStatus is the remote lifecycle status of a declarative infrastructure stack.
type StackStatus string

const (
	// StackStatusAbsent means the stack service has no record of the stack.
	StackStatusAbsent StackStatus = "ABSENT"

	StackStatusCreateInProgress StackStatus = "CREATE_IN_PROGRESS"
	StackStatusCreateFailed     StackStatus = "CREATE_FAILED"
	StackStatusCreateComplete   StackStatus = "CREATE_COMPLETE"

	StackStatusRollbackInProgress StackStatus = "ROLLBACK_IN_PROGRESS"
	StackStatusRollbackFailed     StackStatus = "ROLLBACK_FAILED"
	StackStatusRollbackComplete   StackStatus = "ROLLBACK_COMPLETE"

	StackStatusDeleteInProgress StackStatus = "DELETE_IN_PROGRESS"
	StackStatusDeleteFailed     StackStatus = "DELETE_FAILED"
	StackStatusDeleteComplete   StackStatus = "DELETE_COMPLETE"

	StackStatusUpdateInProgress                StackStatus = "UPDATE_IN_PROGRESS"
	StackStatusUpdateCompleteCleanupInProgress StackStatus = "UPDATE_COMPLETE_CLEANUP_IN_PROGRESS"
	StackStatusUpdateComplete                  StackStatus = "UPDATE_COMPLETE"
	StackStatusUpdateFailed                    StackStatus = "UPDATE_FAILED"

	StackStatusUpdateRollbackInProgress                StackStatus = "UPDATE_ROLLBACK_IN_PROGRESS"
	StackStatusUpdateRollbackFailed                    StackStatus = "UPDATE_ROLLBACK_FAILED"
	StackStatusUpdateRollbackCompleteCleanupInProgress StackStatus = "UPDATE_ROLLBACK_COMPLETE_CLEANUP_IN_PROGRESS"
	StackStatusUpdateRollbackComplete                  StackStatus = "UPDATE_ROLLBACK_COMPLETE"
)

var allStackStatuses = []StackStatus{
	StackStatusAbsent,
	StackStatusCreateInProgress, StackStatusCreateFailed, StackStatusCreateComplete,
	StackStatusRollbackInProgress, StackStatusRollbackFailed, StackStatusRollbackComplete,
	StackStatusDeleteInProgress, StackStatusDeleteFailed, StackStatusDeleteComplete,
	StackStatusUpdateInProgress, StackStatusUpdateCompleteCleanupInProgress,
	StackStatusUpdateComplete, StackStatusUpdateFailed,
	StackStatusUpdateRollbackInProgress, StackStatusUpdateRollbackFailed,
	StackStatusUpdateRollbackCompleteCleanupInProgress, StackStatusUpdateRollbackComplete,
}

// AllStackStatuses returns every known stack status.
func AllStackStatuses() []StackStatus {
	out := make([]StackStatus, len(allStackStatuses))
	copy(out, allStackStatuses)
	return out
}

// IsInProgress returns true while the stack service is still transitioning the stack.
func (s StackStatus) IsInProgress() bool {
	return strings.HasSuffix(string(s), "_IN_PROGRESS")
}

// IsTerminal returns true once the stack service has stopped transitioning the stack.
func (s StackStatus) IsTerminal() bool {
	return !s.IsInProgress()
}

// IsActive returns true for healthy terminal states that accept an update.
func (s StackStatus) IsActive() bool {
	switch s {
	case StackStatusCreateComplete, StackStatusUpdateComplete, StackStatusUpdateRollbackComplete:
		return true
	}
	return false
}

// IsDeleted returns true when nothing of the stack remains.
func (s StackStatus) IsDeleted() bool {
	return s == StackStatusAbsent || s == StackStatusDeleteComplete
}

// NeedsRecreate returns true for failed terminal states that can only be
// recovered by deleting the stack and creating it again.
func (s StackStatus) NeedsRecreate() bool {
	switch s {
	case StackStatusRollbackComplete, StackStatusRollbackFailed,
		StackStatusCreateFailed, StackStatusUpdateFailed, StackStatusUpdateRollbackFailed:
		return true
	}
	return false
}

// IsUpdateInProgress returns true for any update-family transition.
func (s StackStatus) IsUpdateInProgress() bool {
	return s.IsInProgress() && strings.HasPrefix(string(s), "UPDATE_")
}

// Validate checks if the stack status is known.
func (s StackStatus) Validate() error {
	for _, known := range allStackStatuses {
		if s == known {
			return nil
		}
	}
	return fmt.Errorf("invalid stack status: %s", s)
}

// TargetState is the normalized runtime state of a deployment target.
type TargetState string

const (
	// TargetStateRunning indicates the workload is up.
	TargetStateRunning TargetState = "running"

	// TargetStateStopped indicates the workload is installed but not running.
	TargetStateStopped TargetState = "stopped"

	// TargetStateError indicates the workload or its infrastructure is unhealthy.
	TargetStateError TargetState = "error"

	// TargetStateNotInstalled indicates nothing has been provisioned yet.
	TargetStateNotInstalled TargetState = "not-installed"
)

// Validate checks if the target state is valid.
func (s TargetState) Validate() error {
	switch s {
	case TargetStateRunning, TargetStateStopped, TargetStateError, TargetStateNotInstalled:
		return nil
	default:
		return fmt.Errorf("invalid target state: %s", s)
	}
}

// MarshalJSON implements json.Marshaler.
func (s TargetState) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *TargetState) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	state := TargetState(str)
	if err := state.Validate(); err != nil {
		return err
	}
	*s = state
	return nil
}
