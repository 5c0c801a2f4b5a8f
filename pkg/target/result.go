package target

import (
	"fmt"
	"time"

	"github.com/botgate/botgate/pkg/engine"
)

// Result is the minimum shape every public operation returns.
type Result struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// Ok returns a successful result.
func Ok(format string, args ...interface{}) *Result {
	return &Result{Success: true, Message: fmt.Sprintf(format, args...)}
}

// Failed returns an unsuccessful result.
func Failed(format string, args ...interface{}) *Result {
	return &Result{Success: false, Message: fmt.Sprintf(format, args...)}
}

// InstallOptions tunes an install.
type InstallOptions struct {
	// Image or binary version to deploy; empty means the configured default.
	Version string `json:"version,omitempty"`

	// Resources overrides the configured initial allocation.
	Resources *ResourceSpec `json:"resources,omitempty"`

	// Env is passed to the gateway process.
	Env map[string]string `json:"env,omitempty"`

	// Secrets are provider API keys stored with the target's secret backend.
	Secrets map[string]string `json:"-"`
}

// InstallResult reports the outcome of Install.
type InstallResult struct {
	Result
	Endpoint *Endpoint         `json:"endpoint,omitempty"`
	Outputs  map[string]string `json:"outputs,omitempty"`
}

// Payload is the gateway configuration document handed to Configure.
type Payload map[string]interface{}

// ConfigureResult reports the outcome of Configure.
type ConfigureResult struct {
	Result
	Restarted bool `json:"restarted"`
}

// Status is the normalized runtime state of a target.
type Status struct {
	State   engine.TargetState `json:"state"`
	Message string             `json:"message,omitempty"`
	// Detail carries environment specific fields such as a stack status or pid.
	Detail    map[string]string `json:"detail,omitempty"`
	StartedAt *time.Time        `json:"startedAt,omitempty"`
}

// LogOptions selects which log lines to return.
type LogOptions struct {
	Lines  int       `json:"lines,omitempty"`
	Since  time.Time `json:"since,omitempty"`
	Follow bool      `json:"follow,omitempty"`
}

// DefaultLogLines is used when LogOptions.Lines is zero.
const DefaultLogLines = 100

// LineCount returns the requested line count or the default.
func (o LogOptions) LineCount() int {
	if o.Lines <= 0 {
		return DefaultLogLines
	}
	return o.Lines
}

// Endpoint is where the gateway can be reached.
type Endpoint struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Protocol string `json:"protocol"`
}

// URL renders the endpoint as protocol://host:port.
func (e Endpoint) URL() string {
	return fmt.Sprintf("%s://%s:%d", e.Protocol, e.Host, e.Port)
}

// ResourceUpdateResult reports the outcome of UpdateResources.
type ResourceUpdateResult struct {
	Result
	// Applied is the provider-native size the workload ended on, if known.
	Applied string `json:"applied,omitempty"`
	// RequiresRestart is set when the change only takes effect after a restart.
	RequiresRestart bool `json:"requiresRestart,omitempty"`
}

// ResourceInfo describes the current allocation of a target.
type ResourceInfo struct {
	Spec   ResourceSpec `json:"spec"`
	Tier   Tier         `json:"tier"`
	Native string       `json:"native,omitempty"`
}
