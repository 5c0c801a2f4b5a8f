package sandbox

import (
	"bufio"
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/botgate/botgate/pkg/telemetry"
)

// Detector reports whether the sandbox runtime is usable on this host.
// Results are cached until ResetCache; concurrent detections share one run.
type Detector struct {
	runner     Runner
	env        Env
	vmName     string
	vmTemplate string
	now        func() time.Time

	mu       sync.Mutex
	platform Platform
	cached   *Capability
	// gen changes on every ResetCache; flights started before a reset
	// neither share with later callers nor write the cache.
	gen   uint64
	group singleflight.Group
}

// detectTimeout bounds a shared detection, which outlives the caller that
// started it.
const detectTimeout = 2 * time.Minute

// Option configures a Detector.
type Option func(*Detector)

// WithRunner replaces the command runner.
func WithRunner(r Runner) Option {
	return func(d *Detector) { d.runner = r }
}

// WithEnv replaces the host environment.
func WithEnv(env Env) Option {
	return func(d *Detector) { d.env = env }
}

// WithVM sets the Lima VM name and template used on macOS.
func WithVM(name, template string) Option {
	return func(d *Detector) {
		if name != "" {
			d.vmName = name
		}
		if template != "" {
			d.vmTemplate = template
		}
	}
}

// WithClock replaces the clock used to stamp results.
func WithClock(now func() time.Time) Option {
	return func(d *Detector) { d.now = now }
}

// NewDetector creates a Detector for the running host.
func NewDetector(opts ...Option) *Detector {
	d := &Detector{
		runner:     ExecRunner{},
		env:        HostEnv(),
		vmName:     DefaultVMName,
		vmTemplate: DefaultVMTemplate,
		now:        time.Now,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// DetectOptions tunes a single detection.
type DetectOptions struct {
	// SkipCache forces a fresh detection. Its result replaces the cache.
	SkipCache bool
}

// Platform returns the host platform, resolving it on first use.
func (d *Detector) Platform() Platform {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.platform == "" {
		d.platform = ResolvePlatform(d.env)
	}
	return d.platform
}

// ResetCache drops the cached platform and capability.
func (d *Detector) ResetCache() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.platform = ""
	d.cached = nil
	d.gen++
}

func (d *Detector) snapshot() (*Capability, uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cached, d.gen
}

// Detect returns the sandbox capability of this host. Detection never fails:
// anything that goes wrong is folded into the result's Availability and Reason.
//
// A result produced under a cancelled or expired context is returned to that
// caller only and never cached.
func (d *Detector) Detect(ctx context.Context, opts DetectOptions) *Capability {
	cached, gen := d.snapshot()
	if opts.SkipCache {
		c := d.detect(ctx)
		if ctx.Err() == nil {
			d.store(gen, c)
		}
		return c
	}
	if cached != nil {
		return cached
	}

	ch := d.group.DoChan("detect-"+strconv.FormatUint(gen, 10), func() (interface{}, error) {
		// Double-check cache after joining the flight
		if c, g := d.snapshot(); c != nil && g == gen {
			return c, nil
		}
		flightCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), detectTimeout)
		defer cancel()
		c := d.detect(flightCtx)
		if flightCtx.Err() == nil {
			d.store(gen, c)
		}
		return c, nil
	})

	select {
	case res := <-ch:
		return res.Val.(*Capability)
	case <-ctx.Done():
		return &Capability{
			Platform:     d.Platform(),
			Availability: Unavailable,
			Reason:       "sandbox detection interrupted: " + ctx.Err().Error(),
			CheckedAt:    d.now(),
		}
	}
}

// store caches c unless the cache was reset since gen was read.
func (d *Detector) store(gen uint64, c *Capability) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.gen == gen {
		d.cached = c
	}
}

func (d *Detector) detect(ctx context.Context) *Capability {
	platform := d.Platform()
	logger := telemetry.FromContext(ctx).NewComponentLogger("sandbox").WithField("platform", string(platform))

	c := d.detectPlatform(ctx, platform)
	c.Platform = platform
	c.CheckedAt = d.now()

	logger.WithField("availability", string(c.Availability)).Debugf("sandbox detection: %s", c.Reason)
	telemetry.MetricsFromContext(ctx).RecordSandboxDetection(string(platform), string(c.Availability))
	return c
}

func (d *Detector) detectPlatform(ctx context.Context, p Platform) *Capability {
	switch p {
	case PlatformLinux:
		return d.detectLinux(ctx)
	case PlatformWSL2:
		return d.detectWSL2(ctx)
	case PlatformMacOS:
		return d.detectMacOS(ctx)
	case PlatformWindows:
		return &Capability{
			Availability:   Unavailable,
			InstallMethod:  MethodWSL2Install,
			InstallCommand: wslSetupInstructions,
			Reason:         "the sandbox runtime is not supported on native Windows; use WSL2",
		}
	default:
		return &Capability{Availability: Unsupported, Reason: "unsupported operating system " + d.env.GOOS}
	}
}

func (d *Detector) detectLinux(ctx context.Context) *Capability {
	if _, err := d.runner.LookPath("docker"); err != nil {
		return &Capability{Availability: Unavailable, Reason: "docker is not installed"}
	}

	out, err := d.runner.Run(ctx, "docker", "info", "--format", "{{json .Runtimes}}")
	if err != nil {
		return &Capability{Availability: Unavailable, Reason: "docker daemon is not reachable: " + err.Error()}
	}

	var runtimes map[string]json.RawMessage
	if err := json.Unmarshal([]byte(strings.TrimSpace(out.Stdout)), &runtimes); err != nil {
		return &Capability{Availability: Unavailable, Reason: "cannot parse docker runtimes: " + err.Error()}
	}
	if _, ok := runtimes[RuntimeName]; !ok {
		method, script := installScript(distroFamily(d.env))
		return &Capability{
			Availability:   NotInstalled,
			InstallMethod:  method,
			InstallCommand: manualLinuxCommand(script),
			Reason:         "docker has no " + RuntimeName + " runtime registered",
		}
	}

	return &Capability{Availability: Available, Version: d.runscVersion(ctx)}
}

// runscVersion asks the binary first and the package database second.
func (d *Detector) runscVersion(ctx context.Context) string {
	if out, err := d.runner.Run(ctx, RuntimeName, "--version"); err == nil {
		first, _, _ := strings.Cut(strings.TrimSpace(out.Stdout), "\n")
		if v := strings.TrimSpace(strings.TrimPrefix(first, "runsc version")); v != "" {
			return v
		}
	}
	if out, err := d.runner.Run(ctx, "dpkg-query", "-W", "-f=${Version}", RuntimeName); err == nil {
		return strings.TrimSpace(out.Stdout)
	}
	return ""
}

func (d *Detector) detectWSL2(ctx context.Context) *Capability {
	if !systemdIsInit(d.env) {
		return &Capability{
			Availability:   NotInstalled,
			InstallMethod:  MethodWSLSystemd,
			InstallCommand: wslEnableSystemd,
			Reason:         "systemd is not enabled in this WSL2 distribution; enable it and restart WSL",
		}
	}
	return d.detectLinux(ctx)
}

// limaInstance is one line of `limactl list --json`.
type limaInstance struct {
	Name   string `json:"name"`
	Status string `json:"status"`
}

func (d *Detector) detectMacOS(ctx context.Context) *Capability {
	if _, err := d.runner.LookPath("limactl"); err != nil {
		return &Capability{
			Availability:   NotInstalled,
			InstallMethod:  MethodLima,
			InstallCommand: "brew install lima && " + limaCreateCommand(d.vmName, d.vmTemplate),
			Reason:         "lima is not installed",
		}
	}

	vm, err := d.findVM(ctx)
	if err != nil {
		return &Capability{Availability: Unavailable, Reason: "cannot list lima instances: " + err.Error()}
	}
	switch {
	case vm == nil:
		return &Capability{
			Availability:   NotInstalled,
			InstallMethod:  MethodLimaCreate,
			InstallCommand: limaCreateCommand(d.vmName, d.vmTemplate),
			Reason:         "sandbox VM " + d.vmName + " does not exist",
		}
	case vm.Status != "Running":
		return &Capability{
			Availability:   NotInstalled,
			InstallMethod:  MethodLimaStart,
			InstallCommand: limaStartCommand(d.vmName),
			Reason:         "sandbox VM " + d.vmName + " is " + strings.ToLower(vm.Status),
		}
	}

	c := &Capability{Availability: Available}
	if out, err := d.runner.Run(ctx, "limactl", "--version"); err == nil {
		c.Version = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(out.Stdout), "limactl version"))
	}
	return c
}

func (d *Detector) findVM(ctx context.Context) (*limaInstance, error) {
	out, err := d.runner.Run(ctx, "limactl", "list", "--json")
	if err != nil {
		return nil, err
	}
	sc := bufio.NewScanner(strings.NewReader(out.Stdout))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var inst limaInstance
		if err := json.Unmarshal([]byte(line), &inst); err != nil {
			return nil, err
		}
		if inst.Name == d.vmName {
			return &inst, nil
		}
	}
	return nil, sc.Err()
}
