// Package local runs the gateway as a child process of the current host.
//
// Everything the target owns lives under its state directory: the pid file,
// the log file and the rendered configuration. A fresh Target built for the
// same profile re-attaches to a process started by an earlier run through
// the pid file.
package local

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/botgate/botgate/pkg/config"
	"github.com/botgate/botgate/pkg/engine"
	"github.com/botgate/botgate/pkg/target"
)

const (
	pidFile    = "gateway.pid"
	logFile    = "gateway.log"
	configFile = "gateway.json"
	portFile   = "port"
)

// Target is the local-process deployment target.
type Target struct {
	*target.Base
	cfg config.LocalConfig
}

var (
	_ target.Target     = (*Target)(nil)
	_ target.LogStreamer = (*Target)(nil)
)

// New creates the target for profile. cfg.StateDir must be set.
func New(profile string, cfg config.LocalConfig, transform target.PayloadTransform) (*Target, error) {
	if cfg.Command == "" {
		return nil, engine.NewPermanentError("local target needs a command", nil).WithCode(engine.ErrCodeInvalidConfig)
	}
	if cfg.StateDir == "" {
		return nil, engine.NewPermanentError("local target needs a state directory", nil).WithCode(engine.ErrCodeInvalidConfig)
	}
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port == 0 {
		cfg.Port = config.DefaultPort
	}
	if cfg.StopTimeout == 0 {
		cfg.StopTimeout = config.DefaultStopTimeout
	}
	return &Target{
		Base: target.NewBase(target.KindLocal, "", profile, transform),
		cfg:  cfg,
	}, nil
}

func (t *Target) path(name string) string {
	return filepath.Join(t.cfg.StateDir, name)
}

func (t *Target) installed() bool {
	_, err := os.Stat(t.path(portFile))
	return err == nil
}

// Install implements target.Target. It prepares the state directory, checks
// the command resolves and starts the gateway. Re-running it keeps existing
// configuration and leaves a running gateway alone.
func (t *Target) Install(ctx context.Context, opts target.InstallOptions) (res *target.InstallResult, err error) {
	op := t.Begin(ctx, "install")
	defer func() { op.Finish(res != nil && res.Success, err) }()

	if _, err := lookPath(t.cfg.Command); err != nil {
		return &target.InstallResult{Result: *target.Failed("command %s not found: %v", t.cfg.Command, err)}, nil
	}
	if err := os.MkdirAll(t.cfg.StateDir, 0o700); err != nil {
		return &target.InstallResult{Result: *target.Failed("create state directory: %v", err)}, nil
	}

	if _, err := os.Stat(t.path(configFile)); errors.Is(err, fs.ErrNotExist) {
		if err := t.writeConfig(target.Payload{}); err != nil {
			return &target.InstallResult{Result: *target.Failed("write default configuration: %v", err)}, nil
		}
	}
	if err := writeFileAtomic(t.path(portFile), []byte(strconv.Itoa(t.cfg.Port)), 0o600); err != nil {
		return &target.InstallResult{Result: *target.Failed("record port: %v", err)}, nil
	}
	if len(opts.Env) > 0 {
		env, _ := json.Marshal(opts.Env)
		if err := writeFileAtomic(t.path("env.json"), env, 0o600); err != nil {
			return &target.InstallResult{Result: *target.Failed("record environment: %v", err)}, nil
		}
	}

	t.Emit("installed %s into %s", t.Profile(), t.cfg.StateDir)

	started, err := t.start(op.Ctx)
	if err != nil {
		return nil, err
	}
	if !started.Success {
		return &target.InstallResult{Result: *target.Failed("installed but the gateway did not start: %s", started.Message)}, nil
	}

	ep := t.endpoint()
	return &target.InstallResult{
		Result:   *target.Ok("local gateway installed and running"),
		Endpoint: &ep,
		Outputs:  map[string]string{"stateDir": t.cfg.StateDir},
	}, nil
}

// Configure implements target.Target. A running gateway is restarted so
// it picks up the new document.
func (t *Target) Configure(ctx context.Context, payload target.Payload) (res *target.ConfigureResult, err error) {
	op := t.Begin(ctx, "configure")
	defer func() { op.Finish(res != nil && res.Success, err) }()

	if !t.installed() {
		return &target.ConfigureResult{Result: *target.Failed("profile %s is not installed", t.Profile())}, nil
	}
	payload, err = t.TransformPayload(op.Ctx, payload)
	if err != nil {
		return nil, err
	}
	if err := t.writeConfig(payload); err != nil {
		return &target.ConfigureResult{Result: *target.Failed("write configuration: %v", err)}, nil
	}

	if _, running := t.runningPID(); !running {
		return &target.ConfigureResult{Result: *target.Ok("configuration written")}, nil
	}
	r, err := t.restart(op.Ctx)
	if err != nil {
		return nil, err
	}
	if !r.Success {
		return &target.ConfigureResult{Result: *target.Failed("configuration written but restart failed: %s", r.Message)}, nil
	}
	return &target.ConfigureResult{Result: *target.Ok("configuration applied"), Restarted: true}, nil
}

func (t *Target) writeConfig(payload target.Payload) error {
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(t.path(configFile), data, 0o600)
}

// Start implements target.Target.
func (t *Target) Start(ctx context.Context) (res *target.Result, err error) {
	op := t.Begin(ctx, "start")
	defer func() { op.Finish(res != nil && res.Success, err) }()
	return t.start(op.Ctx)
}

func (t *Target) start(ctx context.Context) (*target.Result, error) {
	if !t.installed() {
		return target.Failed("profile %s is not installed", t.Profile()), nil
	}
	if pid, running := t.runningPID(); running {
		return target.Ok("already running (pid %d)", pid), nil
	}

	pid, err := t.spawn()
	if err != nil {
		return target.Failed("start %s: %v", t.cfg.Command, err), nil
	}
	t.Emit("started %s (pid %d)", t.cfg.Command, pid)
	return target.Ok("started (pid %d)", pid), nil
}

// Stop implements target.Target.
func (t *Target) Stop(ctx context.Context) (res *target.Result, err error) {
	op := t.Begin(ctx, "stop")
	defer func() { op.Finish(res != nil && res.Success, err) }()
	return t.stop(op.Ctx)
}

func (t *Target) stop(ctx context.Context) (*target.Result, error) {
	pid, running := t.runningPID()
	if !running {
		_ = os.Remove(t.path(pidFile))
		return target.Ok("not running"), nil
	}
	if err := terminate(ctx, pid, t.cfg.StopTimeout); err != nil {
		return target.Failed("stop pid %d: %v", pid, err), nil
	}
	_ = os.Remove(t.path(pidFile))
	t.Emit("stopped pid %d", pid)
	return target.Ok("stopped"), nil
}

// Restart implements target.Target.
func (t *Target) Restart(ctx context.Context) (res *target.Result, err error) {
	op := t.Begin(ctx, "restart")
	defer func() { op.Finish(res != nil && res.Success, err) }()
	return t.restart(op.Ctx)
}

func (t *Target) restart(ctx context.Context) (*target.Result, error) {
	if r, err := t.stop(ctx); err != nil || !r.Success {
		return r, err
	}
	return t.start(ctx)
}

// Status implements target.Target.
func (t *Target) Status(ctx context.Context) (*target.Status, error) {
	if !t.installed() {
		return &target.Status{State: engine.TargetStateNotInstalled, Message: "state directory is missing"}, nil
	}
	pid, running := t.runningPID()
	if !running {
		return &target.Status{State: engine.TargetStateStopped}, nil
	}
	st := &target.Status{
		State:  engine.TargetStateRunning,
		Detail: map[string]string{"pid": strconv.Itoa(pid)},
	}
	if fi, err := os.Stat(t.path(pidFile)); err == nil {
		started := fi.ModTime()
		st.StartedAt = &started
	}
	return st, nil
}

// Endpoint implements target.Target.
func (t *Target) Endpoint(ctx context.Context) (*target.Endpoint, error) {
	if !t.installed() {
		return nil, engine.NewPermanentError("profile "+t.Profile()+" is not installed", nil).WithCode(engine.ErrCodeNotFound)
	}
	ep := t.endpoint()
	return &ep, nil
}

func (t *Target) endpoint() target.Endpoint {
	return target.Endpoint{Host: t.cfg.Host, Port: t.cfg.Port, Protocol: "http"}
}

// Destroy implements target.Target. It stops the process and removes the
// state directory.
func (t *Target) Destroy(ctx context.Context) (res *target.Result, err error) {
	op := t.Begin(ctx, "destroy")
	defer func() { op.Finish(res != nil && res.Success, err) }()

	if r, err := t.stop(op.Ctx); err != nil || !r.Success {
		return r, err
	}
	if err := os.RemoveAll(t.cfg.StateDir); err != nil {
		return target.Failed("remove %s: %v", t.cfg.StateDir, err), nil
	}
	return target.Ok("destroyed"), nil
}

func writeFileAtomic(name string, data []byte, mode os.FileMode) error {
	tmp := fmt.Sprintf("%s.%d.tmp", name, time.Now().UnixNano())
	if err := os.WriteFile(tmp, data, mode); err != nil {
		return err
	}
	if err := os.Rename(tmp, name); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}
