package sandbox

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/botgate/botgate/pkg/engine"
	"github.com/botgate/botgate/pkg/target"
	"github.com/botgate/botgate/pkg/telemetry"
)

// VerifyBackoff is the pause before each re-detection after an install.
var VerifyBackoff = []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}

// Installer performs a best-effort install of the sandbox runtime.
type Installer struct {
	detector *Detector
	runner   Runner
	sleep    engine.Sleeper
	backoff  []time.Duration
	logFn    target.LogFunc
}

// InstallerOption configures an Installer.
type InstallerOption func(*Installer)

// WithSleep replaces the sleep used between verification attempts.
func WithSleep(s engine.Sleeper) InstallerOption {
	return func(i *Installer) { i.sleep = s }
}

// WithBackoff replaces the verification schedule.
func WithBackoff(b ...time.Duration) InstallerOption {
	return func(i *Installer) { i.backoff = b }
}

// WithInstallLogFunc registers a narration callback.
func WithInstallLogFunc(fn target.LogFunc) InstallerOption {
	return func(i *Installer) {
		if fn != nil {
			i.logFn = fn
		}
	}
}

// NewInstaller creates an Installer sharing the detector's runner.
func NewInstaller(d *Detector, opts ...InstallerOption) *Installer {
	i := &Installer{
		detector: d,
		runner:   d.runner,
		sleep:    engine.SleepContext,
		backoff:  VerifyBackoff,
		logFn:    func(string, target.Stream) {},
	}
	for _, o := range opts {
		o(i)
	}
	return i
}

func (i *Installer) narrate(format string, args ...interface{}) {
	i.logFn(fmt.Sprintf(format, args...), target.StreamStdout)
}

// AttemptInstall installs the runtime if it is not available yet. It never
// prompts: when a step needs interactive input or fails, the result carries
// the command that completes it by hand.
func (i *Installer) AttemptInstall(ctx context.Context) (res *InstallResult) {
	platform := i.detector.Platform()
	op := telemetry.StartOperation(ctx, "sandbox.install", telemetry.AttrPlatform.String(string(platform)))
	ctx = op.Ctx
	defer func() {
		outcome := "failed"
		switch {
		case res.Success:
			outcome = "installed"
		case res.RequiresManualAction:
			outcome = "manual"
		}
		telemetry.MetricsFromContext(ctx).RecordSandboxInstall(string(platform), outcome)
		op.Logger.NewComponentLogger("sandbox").
			WithField("outcome", outcome).
			Infof("sandbox install on %s: %s", platform, res.Message)
		op.End(nil)
	}()

	current := i.detector.Detect(ctx, DetectOptions{})
	if current.Available() {
		return &InstallResult{Success: true, Message: "sandbox runtime already available", Capability: current}
	}

	switch platform {
	case PlatformLinux:
		return i.installLinux(ctx, current)
	case PlatformWSL2:
		if !systemdIsInit(i.detector.env) {
			return manual("systemd is not enabled in WSL2; enable it, restart WSL and run the install again", wslEnableSystemd, current)
		}
		return i.installLinux(ctx, current)
	case PlatformMacOS:
		return i.installMacOS(ctx)
	case PlatformWindows:
		return manual("the sandbox runtime is not supported on native Windows; set up WSL2", wslSetupInstructions, current)
	default:
		return &InstallResult{Message: current.Reason, Capability: current}
	}
}

func manual(msg, command string, c *Capability) *InstallResult {
	return &InstallResult{
		Message:              msg,
		RequiresManualAction: true,
		ManualCommand:        command,
		Capability:           c,
	}
}

// needsPassword reports whether sudo refused to run without a terminal.
func needsPassword(out Output, err error) bool {
	text := strings.ToLower(out.Stderr)
	if err != nil {
		text += " " + strings.ToLower(err.Error())
	}
	return strings.Contains(text, "password") || strings.Contains(text, "terminal is required")
}

func (i *Installer) installLinux(ctx context.Context, current *Capability) *InstallResult {
	if current.Availability == Unavailable {
		return &InstallResult{Message: "cannot install the sandbox runtime: " + current.Reason, Capability: current}
	}

	_, script := installScript(distroFamily(i.detector.env))
	manualCmd := manualLinuxCommand(script)

	i.narrate("Installing the %s runtime", RuntimeName)
	out, err := i.runner.Run(ctx, "sudo", "-n", "sh", "-c", script)
	if err != nil {
		if needsPassword(out, err) {
			return manual("installing the sandbox runtime needs your sudo password", manualCmd, current)
		}
		return manual("sandbox runtime install failed: "+err.Error(), manualCmd, current)
	}

	i.narrate("Restarting docker")
	if _, err := i.runner.Run(ctx, "sudo", "-n", "systemctl", "restart", "docker"); err != nil {
		return manual("sandbox runtime installed but restarting docker failed: "+err.Error(),
			"sudo "+restartDockerCommand, current)
	}

	return i.verify(ctx)
}

func (i *Installer) installMacOS(ctx context.Context) *InstallResult {
	d := i.detector
	createCmd := limaCreateCommand(d.vmName, d.vmTemplate)

	if _, err := i.runner.LookPath("limactl"); err != nil {
		if _, err := i.runner.LookPath("brew"); err != nil {
			return manual("lima is not installed and Homebrew is not available", "brew install lima && "+createCmd, nil)
		}
		i.narrate("Installing lima")
		if _, err := i.runner.Run(ctx, "brew", "install", "lima"); err != nil {
			return manual("installing lima failed: "+err.Error(), "brew install lima && "+createCmd, nil)
		}
	}

	vm, err := d.findVM(ctx)
	if err != nil {
		return manual("listing lima instances failed: "+err.Error(), createCmd, nil)
	}
	switch {
	case vm != nil && vm.Status == "Running":
	case vm != nil:
		i.narrate("Starting sandbox VM %s", d.vmName)
		if _, err := i.runner.Run(ctx, "limactl", "start", d.vmName); err != nil {
			return manual("starting the sandbox VM failed: "+err.Error(), limaStartCommand(d.vmName), nil)
		}
	default:
		i.narrate("Creating sandbox VM %s", d.vmName)
		if _, err := i.runner.Run(ctx, "limactl", "create", "--name="+d.vmName, "--tty=false", d.vmTemplate); err != nil {
			return manual("creating the sandbox VM failed: "+err.Error(), createCmd, nil)
		}
		if _, err := i.runner.Run(ctx, "limactl", "start", d.vmName); err != nil {
			return manual("starting the sandbox VM failed: "+err.Error(), limaStartCommand(d.vmName), nil)
		}
	}

	return i.verify(ctx)
}

// verify re-detects with the cache bypassed until the runtime shows up or
// the backoff schedule is exhausted.
func (i *Installer) verify(ctx context.Context) *InstallResult {
	var c *Capability
	for attempt := 0; ; attempt++ {
		c = i.detector.Detect(ctx, DetectOptions{SkipCache: true})
		if c.Available() {
			msg := "sandbox runtime installed"
			if c.Version != "" {
				msg += " (" + c.Version + ")"
			}
			return &InstallResult{Success: true, Message: msg, Capability: c}
		}
		if attempt >= len(i.backoff) {
			break
		}
		if err := i.sleep(ctx, i.backoff[attempt]); err != nil {
			break
		}
	}
	return &InstallResult{Message: "sandbox runtime not detected after install: " + c.Reason, Capability: c}
}
