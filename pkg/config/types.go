package config

import (
	"strconv"
	"strings"
	"time"

	"github.com/botgate/botgate/pkg/secrets"
	"github.com/botgate/botgate/pkg/target"
	"github.com/botgate/botgate/pkg/telemetry"
	"github.com/botgate/botgate/pkg/transports/ssh"
)

// File is a parsed deployment file.
type File struct {
	Telemetry telemetry.Config `yaml:"telemetry" json:"telemetry"`

	// Stacks configures the local stack service backend.
	Stacks StackStoreConfig `yaml:"stacks" json:"stacks"`

	Profiles []Profile `yaml:"profiles" json:"profiles" validate:"required,min=1,dive"`

	// Source is the path the file was loaded from.
	Source string `yaml:"-" json:"-"`
}

// StackStoreConfig configures the sqlite stack service.
type StackStoreConfig struct {
	Path string `yaml:"path" json:"path"`
	// SettleAfter delays status transitions to emulate a remote service.
	SettleAfter time.Duration `yaml:"settleAfter" json:"settleAfter" validate:"gte=0"`
}

// Profile is one named deployment.
type Profile struct {
	Name string      `yaml:"name" json:"name" validate:"required,hostname_rfc1123"`
	Kind target.Kind `yaml:"kind" json:"kind" validate:"required,oneof=local container fleet"`

	Local     *LocalConfig     `yaml:"local,omitempty" json:"local,omitempty" validate:"required_if=Kind local"`
	Container *ContainerConfig `yaml:"container,omitempty" json:"container,omitempty" validate:"required_if=Kind container"`
	Fleet     *FleetConfig     `yaml:"fleet,omitempty" json:"fleet,omitempty" validate:"required_if=Kind fleet"`

	// Transform is an optional Starlark script applied to configure payloads.
	Transform string `yaml:"transform,omitempty" json:"transform,omitempty"`
}

// LocalConfig runs the gateway as a child process of the host.
type LocalConfig struct {
	Command string            `yaml:"command" json:"command" validate:"required"`
	Args    []string          `yaml:"args" json:"args"`
	WorkDir string            `yaml:"workDir" json:"workDir"`
	Env     map[string]string `yaml:"env" json:"env"`

	// StateDir holds the pid file, log file and rendered configuration.
	StateDir string `yaml:"stateDir" json:"stateDir"`

	Host string `yaml:"host" json:"host" validate:"omitempty,hostname|ip"`
	Port int    `yaml:"port" json:"port" validate:"gte=0,lte=65535"`

	StopTimeout time.Duration `yaml:"stopTimeout" json:"stopTimeout" validate:"gte=0"`
}

// Container runtimes.
const (
	RuntimeAuto    = "auto"
	RuntimeSandbox = "runsc"
	RuntimeDefault = "runc"
)

// ContainerConfig runs the gateway in a local container engine.
type ContainerConfig struct {
	Image string `yaml:"image" json:"image" validate:"required"`

	// Runtime selects the OCI runtime. auto uses the sandbox runtime when it
	// is detected and falls back to the engine default otherwise.
	Runtime string `yaml:"runtime" json:"runtime" validate:"omitempty,oneof=auto runsc runc"`

	// RequireSandbox fails installs when the sandbox runtime is unavailable.
	RequireSandbox bool `yaml:"requireSandbox" json:"requireSandbox"`

	Port          int                  `yaml:"port" json:"port" validate:"gte=0,lte=65535"`
	ContainerPort int                  `yaml:"containerPort" json:"containerPort" validate:"gte=0,lte=65535"`
	Network       string               `yaml:"network" json:"network"`
	DataDir       string               `yaml:"dataDir" json:"dataDir"`
	Env           map[string]string    `yaml:"env" json:"env"`
	Resources     *target.ResourceSpec `yaml:"resources,omitempty" json:"resources,omitempty"`

	// Binary is the container engine CLI.
	Binary string `yaml:"binary" json:"binary"`
}

// FleetConfig runs the gateway on a VM fleet managed through stacks.
type FleetConfig struct {
	Region string `yaml:"region" json:"region" validate:"required,hostname_rfc1123"`

	// WorkloadTemplate and SharedTemplate are stack template files.
	WorkloadTemplate string `yaml:"workloadTemplate" json:"workloadTemplate" validate:"required,file"`
	SharedTemplate   string `yaml:"sharedTemplate" json:"sharedTemplate" validate:"required,file"`

	WorkloadPrefix string `yaml:"workloadPrefix" json:"workloadPrefix"`
	SharedPrefix   string `yaml:"sharedPrefix" json:"sharedPrefix"`

	Tier      target.Tier          `yaml:"tier" json:"tier" validate:"omitempty,oneof=light standard performance custom"`
	Resources *target.ResourceSpec `yaml:"resources,omitempty" json:"resources,omitempty"`

	// HostOutput names the stack output carrying the compute unit address.
	HostOutput string `yaml:"hostOutput" json:"hostOutput"`
	// ComputeOutput names the stack output carrying the compute unit id.
	ComputeOutput string `yaml:"computeOutput" json:"computeOutput"`

	Port       int    `yaml:"port" json:"port" validate:"gte=0,lte=65535"`
	Unit       string `yaml:"unit" json:"unit"`
	ConfigPath string `yaml:"configPath" json:"configPath"`

	SSH     ssh.Config           `yaml:"ssh" json:"ssh"`
	Vault   *secrets.VaultConfig `yaml:"vault,omitempty" json:"vault,omitempty"`
	VSphere *VSphereConfig       `yaml:"vsphere,omitempty" json:"vsphere,omitempty"`

	PollInterval time.Duration `yaml:"pollInterval" json:"pollInterval" validate:"gte=0"`
	WaitTimeout  time.Duration `yaml:"waitTimeout" json:"waitTimeout" validate:"gte=0"`
}

// VSphereConfig locates the vCenter that hosts the fleet's compute units.
type VSphereConfig struct {
	URL        string `yaml:"url" json:"url" validate:"required,url"`
	Username   string `yaml:"username" json:"username" validate:"required"`
	Password   string `yaml:"-" json:"-"`
	Insecure   bool   `yaml:"insecure" json:"insecure"`
	Datacenter string `yaml:"datacenter" json:"datacenter"`
	Folder     string `yaml:"folder" json:"folder"`
}

// ValidationError locates a single problem in a deployment file.
type ValidationError struct {
	// File is the source file path.
	File string `json:"file,omitempty"`

	// Line is the line number (1-indexed).
	Line int `json:"line,omitempty"`

	// Column is the column number (1-indexed).
	Column int `json:"column,omitempty"`

	// Path is the field path, e.g. "profiles.0.fleet.region".
	Path string `json:"path,omitempty"`

	Message string `json:"message"`
}

func (e ValidationError) String() string {
	var parts []string
	if e.File != "" && e.Line > 0 {
		parts = append(parts, e.File+":"+strconv.Itoa(e.Line)+":"+strconv.Itoa(e.Column))
	}
	if e.Path != "" {
		parts = append(parts, e.Path)
	}
	return strings.Join(append(parts, e.Message), ": ")
}

// Profile returns the named profile.
func (f *File) Profile(name string) (*Profile, bool) {
	for i := range f.Profiles {
		if f.Profiles[i].Name == name {
			return &f.Profiles[i], true
		}
	}
	return nil, false
}

// ProfileNames lists the profiles in file order.
func (f *File) ProfileNames() []string {
	names := make([]string, len(f.Profiles))
	for i, p := range f.Profiles {
		names[i] = p.Name
	}
	return names
}
