package sandbox

import "time"

// Platform is the host family detection dispatches on.
type Platform string

const (
	PlatformLinux       Platform = "linux"
	PlatformWSL2        Platform = "wsl2"
	PlatformMacOS       Platform = "macos"
	PlatformWindows     Platform = "windows"
	PlatformUnsupported Platform = "unsupported"
)

// Availability is the outcome of a detection.
type Availability string

const (
	Available    Availability = "available"
	NotInstalled Availability = "not-installed"
	// Unavailable means a prerequisite such as the container engine is missing.
	Unavailable Availability = "unavailable"
	Unsupported Availability = "unsupported"
)

// Install methods reported with NotInstalled results.
const (
	MethodApt         = "apt"
	MethodBinary      = "binary"
	MethodWSLSystemd  = "wsl-systemd"
	MethodLima        = "lima"
	MethodLimaStart   = "lima-start"
	MethodLimaCreate  = "lima-create"
	MethodWSL2Install = "wsl2"
)

// Capability is a detection result.
type Capability struct {
	Platform     Platform     `json:"platform"`
	Availability Availability `json:"availability"`
	Version      string       `json:"version,omitempty"`
	// InstallMethod and InstallCommand describe how to reach Available.
	InstallMethod  string    `json:"installMethod,omitempty"`
	InstallCommand string    `json:"installCommand,omitempty"`
	Reason         string    `json:"reason,omitempty"`
	CheckedAt      time.Time `json:"checkedAt"`
}

// Available reports whether the runtime can be used.
func (c *Capability) Available() bool {
	return c != nil && c.Availability == Available
}

// InstallResult reports the outcome of AttemptInstall. When
// RequiresManualAction is set, ManualCommand is the exact command the user
// must run to finish.
type InstallResult struct {
	Success              bool        `json:"success"`
	Message              string      `json:"message"`
	RequiresManualAction bool        `json:"requiresManualAction,omitempty"`
	ManualCommand        string      `json:"manualCommand,omitempty"`
	Capability           *Capability `json:"capability,omitempty"`
}
