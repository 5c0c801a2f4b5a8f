package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	cueerrors "cuelang.org/go/cue/errors"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/botgate/botgate/pkg/engine"
	"github.com/botgate/botgate/pkg/telemetry"
)

// Default deployment file names, in lookup order.
var DefaultFiles = []string{"botgate.yaml", "botgate.yml", "botgate.cue"}

// Defaults applied to profiles that leave a field empty.
const (
	DefaultPort           = 18789
	DefaultUnit           = "botgate-gateway"
	DefaultConfigPath     = "/etc/botgate/gateway.json"
	DefaultWorkloadPrefix = "botgate-wl"
	DefaultSharedPrefix   = "botgate-shared"
	DefaultHostOutput     = "PublicIp"
	DefaultComputeOutput  = "InstanceId"
	DefaultStopTimeout    = 10 * time.Second
)

// Loader reads deployment files.
type Loader struct {
	schemas  *SchemaRegistry
	validate *validator.Validate
	getenv   func(string) string
	homeDir  string
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithGetenv replaces os.Getenv for the BOTGATE_* overlay.
func WithGetenv(fn func(string) string) LoaderOption {
	return func(l *Loader) { l.getenv = fn }
}

// WithHomeDir sets the directory default state paths derive from.
func WithHomeDir(dir string) LoaderOption {
	return func(l *Loader) { l.homeDir = dir }
}

// NewLoader creates a Loader.
func NewLoader(opts ...LoaderOption) *Loader {
	home, _ := os.UserHomeDir()
	l := &Loader{
		schemas:  NewSchemaRegistry(),
		validate: validator.New(validator.WithRequiredStructEnabled()),
		getenv:   os.Getenv,
		homeDir:  home,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Find returns the first default deployment file present in dir.
func Find(dir string) (string, error) {
	for _, name := range DefaultFiles {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", invalid(fmt.Sprintf("no deployment file found in %s (looked for %s)", dir, strings.Join(DefaultFiles, ", ")), nil)
}

// Load reads and validates the deployment file at path.
func (l *Loader) Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, invalid("failed to read deployment file", err).WithResource(path)
	}
	return l.Parse(path, data)
}

// Parse decodes data using the format implied by filename's extension.
func (l *Loader) Parse(filename string, data []byte) (*File, error) {
	var (
		file *File
		err  error
	)
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".cue":
		file, err = l.parseCUE(filename, data)
	case ".yaml", ".yml", "":
		file, err = l.parseYAML(filename, data)
	default:
		return nil, invalid("unsupported deployment file format "+filepath.Ext(filename), nil).WithResource(filename)
	}
	if err != nil {
		return nil, err
	}

	file.Source = filename
	l.applyDefaults(file, filepath.Dir(filename))
	l.applyEnv(file)

	if err := l.Validate(file); err != nil {
		return nil, err
	}
	return file, nil
}

func (l *Loader) parseYAML(filename string, data []byte) (*File, error) {
	var generic map[string]interface{}
	if err := yaml.Unmarshal(data, &generic); err != nil {
		return nil, invalid("failed to parse YAML", err).WithResource(filename)
	}
	if err := l.schemas.ValidateAgainstSchema("deployment", generic); err != nil {
		return nil, schemaError(filename, err)
	}

	var file File
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil {
		return nil, invalid("failed to decode deployment file", err).WithResource(filename)
	}
	return &file, nil
}

// parseCUE evaluates the CUE file against the schema and re-decodes the
// concrete result through YAML so durations and tags behave exactly as in
// YAML files.
func (l *Loader) parseCUE(filename string, data []byte) (*File, error) {
	generic, err := l.schemas.CompileAndValidate("deployment", filename, data)
	if err != nil {
		return nil, schemaError(filename, err)
	}

	out, err := yaml.Marshal(generic)
	if err != nil {
		return nil, invalid("failed to convert CUE value", err).WithResource(filename)
	}
	var file File
	if err := yaml.Unmarshal(out, &file); err != nil {
		return nil, invalid("failed to decode deployment file", err).WithResource(filename)
	}
	return &file, nil
}

func (l *Loader) applyDefaults(f *File, baseDir string) {
	if f.Stacks.Path == "" {
		f.Stacks.Path = filepath.Join(l.homeDir, ".botgate", "stacks.db")
	}
	f.Stacks.Path = expandHome(f.Stacks.Path, l.homeDir)

	for i := range f.Profiles {
		p := &f.Profiles[i]
		switch {
		case p.Local != nil:
			c := p.Local
			if c.StateDir == "" {
				c.StateDir = filepath.Join(l.homeDir, ".botgate", "profiles", p.Name)
			}
			c.StateDir = expandHome(c.StateDir, l.homeDir)
			if c.Host == "" {
				c.Host = "127.0.0.1"
			}
			if c.Port == 0 {
				c.Port = DefaultPort
			}
			if c.StopTimeout == 0 {
				c.StopTimeout = DefaultStopTimeout
			}
		case p.Container != nil:
			c := p.Container
			if c.Runtime == "" {
				c.Runtime = RuntimeAuto
			}
			if c.Port == 0 {
				c.Port = DefaultPort
			}
			if c.ContainerPort == 0 {
				c.ContainerPort = DefaultPort
			}
			if c.Binary == "" {
				c.Binary = "docker"
			}
			if c.DataDir != "" {
				c.DataDir = expandHome(c.DataDir, l.homeDir)
			}
		case p.Fleet != nil:
			c := p.Fleet
			c.WorkloadTemplate = resolve(baseDir, expandHome(c.WorkloadTemplate, l.homeDir))
			c.SharedTemplate = resolve(baseDir, expandHome(c.SharedTemplate, l.homeDir))
			if c.WorkloadPrefix == "" {
				c.WorkloadPrefix = DefaultWorkloadPrefix
			}
			if c.SharedPrefix == "" {
				c.SharedPrefix = DefaultSharedPrefix
			}
			if c.Tier == "" && c.Resources == nil {
				c.Tier = "standard"
			}
			if c.HostOutput == "" {
				c.HostOutput = DefaultHostOutput
			}
			if c.ComputeOutput == "" {
				c.ComputeOutput = DefaultComputeOutput
			}
			if c.Port == 0 {
				c.Port = DefaultPort
			}
			if c.Unit == "" {
				c.Unit = DefaultUnit
			}
			if c.ConfigPath == "" {
				c.ConfigPath = DefaultConfigPath
			}
			if c.SSH.Port == 0 {
				c.SSH.Port = 22
			}
			if c.SSH.AuthMethod == "" {
				c.SSH.AuthMethod = "key"
			}
			if c.SSH.ConnectionTimeout == 0 {
				c.SSH.ConnectionTimeout = 30 * time.Second
			}
			if c.SSH.CommandTimeout == 0 {
				c.SSH.CommandTimeout = 5 * time.Minute
			}
			if c.SSH.MaxKeepAliveRetries == 0 {
				c.SSH.MaxKeepAliveRetries = 3
			}
			if c.SSH.PrivateKeyPath != "" {
				c.SSH.PrivateKeyPath = expandHome(c.SSH.PrivateKeyPath, l.homeDir)
			}
		}
	}
}

// applyEnv fills credentials that must not live in the file.
func (l *Loader) applyEnv(f *File) {
	if v := l.getenv("BOTGATE_LOG_LEVEL"); v != "" {
		f.Telemetry.Logging.Level = v
	}
	if v := l.getenv("BOTGATE_STACKS_PATH"); v != "" {
		f.Stacks.Path = v
	}

	for i := range f.Profiles {
		c := f.Profiles[i].Fleet
		if c == nil {
			continue
		}
		prefix := "BOTGATE_" + envName(f.Profiles[i].Name) + "_"
		lookup := func(key string) string {
			if v := l.getenv(prefix + key); v != "" {
				return v
			}
			return l.getenv("BOTGATE_" + key)
		}

		if c.Vault != nil && c.Vault.Token == "" {
			c.Vault.Token = lookup("VAULT_TOKEN")
		}
		if c.VSphere != nil && c.VSphere.Password == "" {
			c.VSphere.Password = lookup("VSPHERE_PASSWORD")
		}
		if c.SSH.Password == "" {
			c.SSH.Password = lookup("SSH_PASSWORD")
		}
		if c.SSH.PrivateKeyPassphrase == "" {
			c.SSH.PrivateKeyPassphrase = lookup("SSH_KEY_PASSPHRASE")
		}
	}
}

// Validate runs struct validation and cross-field checks.
func (l *Loader) Validate(f *File) error {
	var problems []ValidationError

	if err := l.validate.Struct(f); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return invalid("deployment file validation failed", err)
		}
		for _, fe := range verrs {
			problems = append(problems, ValidationError{
				File:    f.Source,
				Path:    strings.TrimPrefix(fe.Namespace(), "File."),
				Message: fieldMessage(fe),
			})
		}
	}

	seen := make(map[string]bool)
	for i, p := range f.Profiles {
		if seen[p.Name] {
			problems = append(problems, ValidationError{
				File:    f.Source,
				Path:    fmt.Sprintf("Profiles[%d].Name", i),
				Message: fmt.Sprintf("duplicate profile %q", p.Name),
			})
		}
		seen[p.Name] = true

		if p.Fleet != nil && p.Fleet.Resources != nil {
			if err := p.Fleet.Resources.Validate(); err != nil {
				problems = append(problems, ValidationError{
					File:    f.Source,
					Path:    fmt.Sprintf("Profiles[%d].Fleet.Resources", i),
					Message: err.Error(),
				})
			}
		}
	}

	if err := f.TelemetryConfig().Validate(); err != nil {
		problems = append(problems, ValidationError{File: f.Source, Path: "Telemetry", Message: err.Error()})
	}

	if len(problems) == 0 {
		return nil
	}
	return validationFailed(f.Source, problems)
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required", "required_if":
		return "is required"
	case "oneof":
		return fmt.Sprintf("must be one of [%s]", fe.Param())
	case "file":
		return fmt.Sprintf("file %q does not exist", fe.Value())
	default:
		if fe.Param() != "" {
			return fmt.Sprintf("failed %s=%s", fe.Tag(), fe.Param())
		}
		return "failed " + fe.Tag()
	}
}

// schemaError converts CUE errors to positioned validation errors.
func schemaError(filename string, err error) error {
	var problems []ValidationError
	for _, e := range cueerrors.Errors(err) {
		ve := ValidationError{
			File:    filename,
			Path:    strings.Join(e.Path(), "."),
			Message: msgOf(e),
		}
		for _, pos := range cueerrors.Positions(e) {
			if pos.Filename() == filename {
				ve.Line = pos.Line()
				ve.Column = pos.Column()
				break
			}
		}
		problems = append(problems, ve)
	}
	if len(problems) == 0 {
		return invalid("deployment file does not match schema", err).WithResource(filename)
	}
	return validationFailed(filename, problems)
}

func msgOf(e cueerrors.Error) string {
	format, args := e.Msg()
	return fmt.Sprintf(format, args...)
}

func validationFailed(filename string, problems []ValidationError) error {
	lines := make([]string, len(problems))
	for i, p := range problems {
		lines[i] = p.String()
	}
	return invalid("invalid deployment file:\n  "+strings.Join(lines, "\n  "), nil).
		WithResource(filename).
		WithDetail("errors", problems)
}

func invalid(msg string, err error) *engine.EngineError {
	return engine.NewPermanentError(msg, err).WithCode(engine.ErrCodeInvalidConfig)
}

// ValidationErrors extracts the per-field problems from a Load error.
func ValidationErrors(err error) []ValidationError {
	var ee *engine.EngineError
	if !errors.As(err, &ee) {
		return nil
	}
	problems, _ := ee.Details["errors"].([]ValidationError)
	return problems
}

func expandHome(path, home string) string {
	if path == "~" {
		return home
	}
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(home, path[2:])
	}
	return path
}

func resolve(base, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(base, path)
}

func envName(profile string) string {
	return strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(profile))
}

// TelemetryConfig returns the file's telemetry block layered over defaults.
func (f *File) TelemetryConfig() *telemetry.Config {
	cfg := telemetry.DefaultConfig()
	t := f.Telemetry
	if t.ServiceName != "" {
		cfg.ServiceName = t.ServiceName
	}
	if t.Environment != "" {
		cfg.Environment = t.Environment
	}
	if t.Logging.Level != "" {
		cfg.Logging.Level = t.Logging.Level
	}
	if t.Logging.Format != "" {
		cfg.Logging.Format = t.Logging.Format
	}
	if t.Logging.Output != "" {
		cfg.Logging.Output = t.Logging.Output
	}
	if t.Tracing.Enabled {
		cfg.Tracing = t.Tracing
	}
	if t.Metrics.Enabled {
		cfg.Metrics = t.Metrics
	}
	return cfg
}
