// Package target defines the capability contract every deployment
// environment implements, the optional extension capabilities callers look
// for, and the Base helper providers compose for naming and narration.
package target

import (
	"context"
)

// Kind identifies an execution environment.
type Kind string

const (
	KindLocal     Kind = "local"
	KindContainer Kind = "container"
	KindFleet     Kind = "fleet"
)

// Target is the capability contract implemented by every deployment environment.
//
// Operational failures are reported through the returned result with
// Success=false. A non-nil error is reserved for exceptional conditions such
// as malformed input caught at entry.
type Target interface {
	// Profile returns the stable profile name every resource name derives from.
	Profile() string
	Kind() Kind

	// Install provisions the workload. Calling it repeatedly, or after a
	// crashed run left partial resources behind, converges to the same state.
	Install(ctx context.Context, opts InstallOptions) (*InstallResult, error)
	Configure(ctx context.Context, payload Payload) (*ConfigureResult, error)
	Start(ctx context.Context) (*Result, error)
	Stop(ctx context.Context) (*Result, error)
	Restart(ctx context.Context) (*Result, error)
	Status(ctx context.Context) (*Status, error)
	Logs(ctx context.Context, opts LogOptions) ([]string, error)
	Endpoint(ctx context.Context) (*Endpoint, error)

	// Destroy removes everything Install created. It is idempotent.
	Destroy(ctx context.Context) (*Result, error)

	// SetLogFunc registers the progress callback. A nil fn disables narration.
	SetLogFunc(fn LogFunc)
}

// ResourceUpdater is implemented by targets that can change compute allocation.
type ResourceUpdater interface {
	UpdateResources(ctx context.Context, spec ResourceSpec) (*ResourceUpdateResult, error)
}

// ResourceReporter is implemented by targets that can report their allocation.
type ResourceReporter interface {
	Resources(ctx context.Context) (*ResourceInfo, error)
}

// LogStreamer is implemented by targets that can follow their logs.
// fn is called for every line until ctx is done or the stream ends.
type LogStreamer interface {
	StreamLogs(ctx context.Context, opts LogOptions, fn func(line string)) error
}

// AsResourceUpdater reports whether t supports resizing.
func AsResourceUpdater(t Target) (ResourceUpdater, bool) {
	u, ok := t.(ResourceUpdater)
	return u, ok
}

// AsResourceReporter reports whether t can describe its allocation.
func AsResourceReporter(t Target) (ResourceReporter, bool) {
	r, ok := t.(ResourceReporter)
	return r, ok
}

// AsLogStreamer reports whether t can follow its logs.
func AsLogStreamer(t Target) (LogStreamer, bool) {
	s, ok := t.(LogStreamer)
	return s, ok
}

// Capabilities lists the optional capabilities t supports.
func Capabilities(t Target) []string {
	var caps []string
	if _, ok := AsResourceUpdater(t); ok {
		caps = append(caps, "updateResources")
	}
	if _, ok := AsResourceReporter(t); ok {
		caps = append(caps, "getResources")
	}
	if _, ok := AsLogStreamer(t); ok {
		caps = append(caps, "streamLogs")
	}
	return caps
}
