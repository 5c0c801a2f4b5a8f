// Package container runs the gateway in a local container engine through
// its CLI. When the sandbox runtime is available the container runs under
// it; the engine default runtime is the fallback unless the profile
// requires isolation.
package container

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/botgate/botgate/pkg/config"
	"github.com/botgate/botgate/pkg/engine"
	"github.com/botgate/botgate/pkg/sandbox"
	"github.com/botgate/botgate/pkg/target"
)

const (
	// NamePrefix prefixes every container name.
	NamePrefix = "botgate"

	// ConfigPath is where Configure places the gateway document.
	ConfigPath = "/etc/botgate/gateway.json"

	labelProfile = "botgate.profile"
)

// Target is the container deployment target.
type Target struct {
	*target.Base
	cfg      config.ContainerConfig
	runner   sandbox.Runner
	detector *sandbox.Detector
}

var (
	_ target.Target           = (*Target)(nil)
	_ target.ResourceUpdater  = (*Target)(nil)
	_ target.ResourceReporter = (*Target)(nil)
	_ target.LogStreamer      = (*Target)(nil)
)

// Option configures a Target.
type Option func(*Target)

// WithRunner replaces the engine CLI runner.
func WithRunner(r sandbox.Runner) Option {
	return func(t *Target) { t.runner = r }
}

// WithDetector shares a sandbox detector, and so its cache, between targets.
func WithDetector(d *sandbox.Detector) Option {
	return func(t *Target) { t.detector = d }
}

// New creates the target for profile.
func New(profile string, cfg config.ContainerConfig, transform target.PayloadTransform, opts ...Option) (*Target, error) {
	if cfg.Image == "" {
		return nil, engine.NewPermanentError("container target needs an image", nil).WithCode(engine.ErrCodeInvalidConfig)
	}
	if cfg.Runtime == "" {
		cfg.Runtime = config.RuntimeAuto
	}
	if cfg.Binary == "" {
		cfg.Binary = "docker"
	}
	if cfg.Port == 0 {
		cfg.Port = config.DefaultPort
	}
	if cfg.ContainerPort == 0 {
		cfg.ContainerPort = config.DefaultPort
	}

	t := &Target{
		Base:   target.NewBase(target.KindContainer, NamePrefix, profile, transform),
		cfg:    cfg,
		runner: sandbox.ExecRunner{},
	}
	for _, o := range opts {
		o(t)
	}
	if t.detector == nil {
		t.detector = sandbox.NewDetector(sandbox.WithRunner(t.runner))
	}
	return t, nil
}

// Name is the container name.
func (t *Target) Name() string {
	return t.ResourceName()
}

func (t *Target) docker(ctx context.Context, args ...string) (sandbox.Output, error) {
	return t.runner.Run(ctx, t.cfg.Binary, args...)
}

// runtime picks the OCI runtime for a new container. A nil result with a
// non-nil message means the install cannot proceed.
func (t *Target) runtime(ctx context.Context) (string, *target.InstallResult) {
	if t.cfg.Runtime == config.RuntimeDefault {
		return "", nil
	}

	c := t.detector.Detect(ctx, sandbox.DetectOptions{})
	if c.Available() {
		return sandbox.RuntimeName, nil
	}

	if t.cfg.Runtime == config.RuntimeSandbox || t.cfg.RequireSandbox {
		msg := fmt.Sprintf("sandbox runtime is %s: %s", c.Availability, c.Reason)
		if c.InstallCommand != "" {
			msg += "; install it with: " + c.InstallCommand
		}
		return "", &target.InstallResult{
			Result:  *target.Failed("%s", msg),
			Outputs: map[string]string{"manualCommand": c.InstallCommand},
		}
	}

	t.EmitErr("sandbox runtime unavailable (%s), using the engine default runtime", c.Reason)
	return "", nil
}

// Install implements target.Target. An existing container with the same
// image and runtime is kept and started if stopped; a different one is
// replaced.
func (t *Target) Install(ctx context.Context, opts target.InstallOptions) (res *target.InstallResult, err error) {
	op := t.Begin(ctx, "install")
	ctx = op.Ctx
	defer func() { op.Finish(res != nil && res.Success, err) }()

	runtime, failed := t.runtime(ctx)
	if failed != nil {
		return failed, nil
	}
	image := imageRef(t.cfg.Image, opts.Version)

	current, err := t.inspect(ctx)
	if err != nil {
		return &target.InstallResult{Result: *target.Failed("inspect %s: %v", t.Name(), err)}, nil
	}
	if current != nil {
		if current.Config.Image == image && current.runtime() == runtimeOrDefault(runtime) {
			if !current.State.Running {
				t.Emit("starting stopped container %s", t.Name())
				if _, err := t.docker(ctx, "start", t.Name()); err != nil {
					return &target.InstallResult{Result: *target.Failed("container installed but start failed: %v", err)}, nil
				}
			}
			ep := t.endpoint()
			return &target.InstallResult{
				Result:   *target.Ok("container %s already installed", t.Name()),
				Endpoint: &ep,
				Outputs:  t.outputs(current.ID, runtime),
			}, nil
		}
		t.Emit("replacing container %s (%s -> %s)", t.Name(), current.Config.Image, image)
		if _, err := t.docker(ctx, "rm", "-f", t.Name()); err != nil {
			return &target.InstallResult{Result: *target.Failed("remove old container: %v", err)}, nil
		}
	}

	t.Emit("pulling %s", image)
	if _, err := t.docker(ctx, "pull", image); err != nil {
		return &target.InstallResult{Result: *target.Failed("pull %s: %v", image, err)}, nil
	}

	args, cleanup, err := t.createArgs(image, runtime, opts)
	if err != nil {
		return &target.InstallResult{Result: *target.Failed("prepare container: %v", err)}, nil
	}
	out, err := t.docker(ctx, args...)
	cleanup()
	if err != nil {
		return &target.InstallResult{Result: *target.Failed("create container: %v", err)}, nil
	}
	id := strings.TrimSpace(out.Stdout)

	if _, err := t.docker(ctx, "start", t.Name()); err != nil {
		return &target.InstallResult{Result: *target.Failed("container created but start failed: %v", err)}, nil
	}

	t.Emit("container %s running with runtime %s", t.Name(), runtimeOrDefault(runtime))
	ep := t.endpoint()
	return &target.InstallResult{
		Result:   *target.Ok("container %s installed", t.Name()),
		Endpoint: &ep,
		Outputs:  t.outputs(id, runtime),
	}, nil
}

func (t *Target) outputs(id, runtime string) map[string]string {
	return map[string]string{
		"containerId": id,
		"container":   t.Name(),
		"runtime":     runtimeOrDefault(runtime),
	}
}

func (t *Target) createArgs(image, runtime string, opts target.InstallOptions) ([]string, func(), error) {
	args := []string{
		"create",
		"--name", t.Name(),
		"--label", labelProfile + "=" + t.Profile(),
		"--restart", "unless-stopped",
		"-p", fmt.Sprintf("127.0.0.1:%d:%d", t.cfg.Port, t.cfg.ContainerPort),
		"-e", "BOTGATE_PROFILE=" + t.Profile(),
		"-e", "BOTGATE_CONFIG=" + ConfigPath,
		"-e", "BOTGATE_PORT=" + strconv.Itoa(t.cfg.ContainerPort),
	}
	if runtime != "" {
		args = append(args, "--runtime", runtime)
	}
	if t.cfg.Network != "" {
		args = append(args, "--network", t.cfg.Network)
	}
	if t.cfg.DataDir != "" {
		args = append(args, "-v", t.cfg.DataDir+":/data")
	}

	spec := t.cfg.Resources
	if opts.Resources != nil {
		spec = opts.Resources
	}
	if spec != nil {
		args = append(args, limitArgs(*spec)...)
	}

	env := map[string]string{}
	for k, v := range t.cfg.Env {
		env[k] = v
	}
	for k, v := range opts.Env {
		env[k] = v
	}
	for _, k := range sortedKeys(env) {
		args = append(args, "-e", k+"="+env[k])
	}

	cleanup := func() {}
	if len(opts.Secrets) > 0 {
		// Secrets go through a private env file so they stay off the
		// process list.
		f, err := os.CreateTemp("", "botgate-env-*")
		if err != nil {
			return nil, cleanup, err
		}
		for _, k := range sortedKeys(opts.Secrets) {
			fmt.Fprintf(f, "%s=%s\n", k, opts.Secrets[k])
		}
		if err := f.Close(); err != nil {
			os.Remove(f.Name())
			return nil, cleanup, err
		}
		cleanup = func() { os.Remove(f.Name()) }
		args = append(args, "--env-file", f.Name())
	}

	return append(args, image), cleanup, nil
}

func limitArgs(spec target.ResourceSpec) []string {
	var args []string
	if spec.CPU > 0 {
		args = append(args, "--cpus", strconv.FormatFloat(float64(spec.CPU)/1024, 'f', -1, 64))
	}
	if spec.MemoryMiB > 0 {
		mem := strconv.Itoa(spec.MemoryMiB) + "m"
		args = append(args, "--memory", mem, "--memory-swap", mem)
	}
	return args
}

// Configure implements target.Target.
func (t *Target) Configure(ctx context.Context, payload target.Payload) (res *target.ConfigureResult, err error) {
	op := t.Begin(ctx, "configure")
	ctx = op.Ctx
	defer func() { op.Finish(res != nil && res.Success, err) }()

	info, err := t.inspect(ctx)
	if err != nil {
		return &target.ConfigureResult{Result: *target.Failed("inspect %s: %v", t.Name(), err)}, nil
	}
	if info == nil {
		return &target.ConfigureResult{Result: *target.Failed("profile %s is not installed", t.Profile())}, nil
	}

	payload, err = t.TransformPayload(ctx, payload)
	if err != nil {
		return nil, err
	}
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return nil, engine.NewPermanentError("payload is not serializable", err).WithCode(engine.ErrCodeInvalidConfig)
	}

	f, err := os.CreateTemp("", "botgate-config-*.json")
	if err != nil {
		return &target.ConfigureResult{Result: *target.Failed("stage configuration: %v", err)}, nil
	}
	defer os.Remove(f.Name())
	if _, err := f.Write(data); err != nil {
		f.Close()
		return &target.ConfigureResult{Result: *target.Failed("stage configuration: %v", err)}, nil
	}
	f.Close()

	if _, err := t.docker(ctx, "cp", f.Name(), t.Name()+":"+ConfigPath); err != nil {
		return &target.ConfigureResult{Result: *target.Failed("copy configuration: %v", err)}, nil
	}
	if !info.State.Running {
		return &target.ConfigureResult{Result: *target.Ok("configuration written")}, nil
	}
	if _, err := t.docker(ctx, "restart", t.Name()); err != nil {
		return &target.ConfigureResult{Result: *target.Failed("configuration written but restart failed: %v", err)}, nil
	}
	return &target.ConfigureResult{Result: *target.Ok("configuration applied"), Restarted: true}, nil
}

// Start implements target.Target.
func (t *Target) Start(ctx context.Context) (*target.Result, error) {
	return t.lifecycle(ctx, "start")
}

// Stop implements target.Target.
func (t *Target) Stop(ctx context.Context) (*target.Result, error) {
	return t.lifecycle(ctx, "stop")
}

// Restart implements target.Target.
func (t *Target) Restart(ctx context.Context) (*target.Result, error) {
	return t.lifecycle(ctx, "restart")
}

func (t *Target) lifecycle(ctx context.Context, verb string) (res *target.Result, err error) {
	op := t.Begin(ctx, verb)
	ctx = op.Ctx
	defer func() { op.Finish(res != nil && res.Success, err) }()

	info, err := t.inspect(ctx)
	if err != nil {
		return target.Failed("inspect %s: %v", t.Name(), err), nil
	}
	if info == nil {
		return target.Failed("profile %s is not installed", t.Profile()), nil
	}
	if _, err := t.docker(ctx, verb, t.Name()); err != nil {
		return target.Failed("%s %s: %v", verb, t.Name(), err), nil
	}
	t.Emit("%s %s", verb, t.Name())
	return target.Ok("%s %s", verb, t.Name()), nil
}

// Status implements target.Target.
func (t *Target) Status(ctx context.Context) (*target.Status, error) {
	info, err := t.inspect(ctx)
	if err != nil {
		return &target.Status{State: engine.TargetStateError, Message: err.Error()}, nil
	}
	if info == nil {
		return &target.Status{State: engine.TargetStateNotInstalled}, nil
	}

	st := &target.Status{
		Message: info.State.Status,
		Detail: map[string]string{
			"container": t.Name(),
			"image":     info.Config.Image,
			"runtime":   info.runtime(),
		},
	}
	switch info.State.Status {
	case "running":
		st.State = engine.TargetStateRunning
		started := info.State.StartedAt
		st.StartedAt = &started
	case "created", "exited", "paused":
		st.State = engine.TargetStateStopped
		if info.State.ExitCode != 0 {
			st.State = engine.TargetStateError
			st.Message = fmt.Sprintf("exited with code %d", info.State.ExitCode)
		}
	default:
		st.State = engine.TargetStateError
		if info.State.Error != "" {
			st.Message = info.State.Error
		}
	}
	return st, nil
}

// Endpoint implements target.Target.
func (t *Target) Endpoint(ctx context.Context) (*target.Endpoint, error) {
	info, err := t.inspect(ctx)
	if err != nil {
		return nil, engine.NewTransientError("inspect "+t.Name(), err)
	}
	if info == nil {
		return nil, engine.NewPermanentError("profile "+t.Profile()+" is not installed", nil).WithCode(engine.ErrCodeNotFound)
	}
	ep := t.endpoint()
	return &ep, nil
}

func (t *Target) endpoint() target.Endpoint {
	return target.Endpoint{Host: "127.0.0.1", Port: t.cfg.Port, Protocol: "http"}
}

// Destroy implements target.Target.
func (t *Target) Destroy(ctx context.Context) (res *target.Result, err error) {
	op := t.Begin(ctx, "destroy")
	ctx = op.Ctx
	defer func() { op.Finish(res != nil && res.Success, err) }()

	if _, err := t.docker(ctx, "rm", "-f", t.Name()); err != nil && !isNoSuchContainer(err) {
		return target.Failed("remove %s: %v", t.Name(), err), nil
	}
	t.Emit("removed container %s", t.Name())
	return target.Ok("destroyed"), nil
}

// imageRef replaces the tag of image with version when one is given.
func imageRef(image, version string) string {
	if version == "" {
		return image
	}
	repo := image
	if i := strings.LastIndex(image, ":"); i > strings.LastIndex(image, "/") {
		repo = image[:i]
	}
	return repo + ":" + version
}

func runtimeOrDefault(runtime string) string {
	if runtime == "" {
		return config.RuntimeDefault
	}
	return runtime
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
