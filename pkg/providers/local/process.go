package local

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/botgate/botgate/pkg/telemetry"
)

// execCommand is a variable to allow mocking in tests
var execCommand = exec.Command

var lookPath = exec.LookPath

// spawn starts the gateway detached from the caller's context, appending
// its output to the log file, and records its pid.
func (t *Target) spawn() (int, error) {
	logOut, err := os.OpenFile(t.path(logFile), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return 0, err
	}
	defer logOut.Close()

	cmd := execCommand(t.cfg.Command, t.cfg.Args...)
	cmd.Dir = t.cfg.WorkDir
	cmd.Stdout = logOut
	cmd.Stderr = logOut
	cmd.Env = append(cmd.Environ(), t.environ()...)

	if err := cmd.Start(); err != nil {
		return 0, err
	}
	pid := cmd.Process.Pid
	if err := writeFileAtomic(t.path(pidFile), []byte(strconv.Itoa(pid)), 0o600); err != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return 0, fmt.Errorf("record pid: %w", err)
	}

	// Reap the child when it exits while this process is still around.
	go func() { _ = cmd.Wait() }()
	return pid, nil
}

// environ is the gateway environment on top of the inherited one.
func (t *Target) environ() []string {
	env := []string{
		"BOTGATE_PROFILE=" + t.Profile(),
		"BOTGATE_CONFIG=" + t.path(configFile),
		"BOTGATE_HOST=" + t.cfg.Host,
		"BOTGATE_PORT=" + strconv.Itoa(t.cfg.Port),
	}
	for k, v := range t.cfg.Env {
		env = append(env, k+"="+v)
	}
	if data, err := os.ReadFile(t.path("env.json")); err == nil {
		var extra map[string]string
		if json.Unmarshal(data, &extra) == nil {
			for k, v := range extra {
				env = append(env, k+"="+v)
			}
		}
	}
	return env
}

// runningPID reads the pid file and reports whether that process is alive.
func (t *Target) runningPID() (int, bool) {
	data, err := os.ReadFile(t.path(pidFile))
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, alive(pid)
}

func alive(pid int) bool {
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return p.Signal(syscall.Signal(0)) == nil
}

// terminate sends SIGTERM and escalates to SIGKILL after grace.
func terminate(ctx context.Context, pid int, grace time.Duration) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	if err := p.Signal(syscall.SIGTERM); err != nil {
		if !alive(pid) {
			return nil
		}
		return err
	}

	deadline := time.Now().Add(grace)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for time.Now().Before(deadline) {
		if !alive(pid) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}

	telemetry.FromContext(ctx).NewComponentLogger("local").
		WithField("pid", pid).Warn("gateway ignored SIGTERM, killing")
	if err := p.Kill(); err != nil && alive(pid) {
		return err
	}
	return nil
}
