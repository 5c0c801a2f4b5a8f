package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// execCommandContext is a variable to allow mocking in tests
var execCommandContext = exec.CommandContext

var lookPath = exec.LookPath

// Output is what a command printed.
type Output struct {
	Stdout string
	Stderr string
}

// Runner runs host commands.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (Output, error)
	LookPath(name string) (string, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

// Run executes name and captures its output. A non-zero exit is returned as
// an error carrying the trimmed stderr.
func (ExecRunner) Run(ctx context.Context, name string, args ...string) (Output, error) {
	var stdout, stderr bytes.Buffer
	cmd := execCommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	out := Output{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		if msg := strings.TrimSpace(out.Stderr); msg != "" {
			return out, fmt.Errorf("%s: %w: %s", name, err, msg)
		}
		return out, fmt.Errorf("%s: %w", name, err)
	}
	return out, nil
}

// LookPath implements Runner.
func (ExecRunner) LookPath(name string) (string, error) {
	return lookPath(name)
}

// shellQuote quotes s for sh -c.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
