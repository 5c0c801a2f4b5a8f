package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
)

// Run executes cmd on the remote host.
func (c *Client) Run(ctx context.Context, cmd string) (*ExecResult, error) {
	return c.execute(ctx, cmd, nil)
}

// RunSudo executes cmd through sudo. The password, when set, is written to
// sudo's stdin rather than placed on the command line.
func (c *Client) RunSudo(ctx context.Context, cmd string, password string) (*ExecResult, error) {
	if password == "" {
		return c.execute(ctx, "sudo -n sh -c "+ShellQuote(cmd), nil)
	}
	return c.execute(ctx, "sudo -S -p '' sh -c "+ShellQuote(cmd), strings.NewReader(password+"\n"))
}

func (c *Client) execute(ctx context.Context, cmd string, stdin *strings.Reader) (*ExecResult, error) {
	startTime := time.Now()
	log.Debug().Str("command", cmd).Msg("executing command")

	sshClient, err := c.getClient()
	if err != nil {
		return nil, err
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.CommandTimeout)
		defer cancel()
	}

	session, err := sshClient.NewSession()
	if err != nil {
		return nil, &TransportError{
			Op:          "exec",
			Err:         fmt.Errorf("failed to create session: %w", err),
			IsTemporary: true,
		}
	}
	defer session.Close()

	var stdoutBuf, stderrBuf bytes.Buffer
	session.Stdout = &stdoutBuf
	session.Stderr = &stderrBuf
	if stdin != nil {
		session.Stdin = stdin
	}

	done := make(chan error, 1)
	go func() {
		done <- session.Run(cmd)
	}()

	var execErr error
	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		execErr = ctx.Err()
	case execErr = <-done:
	}

	result := &ExecResult{
		Stdout:   strings.TrimSpace(stdoutBuf.String()),
		Stderr:   strings.TrimSpace(stderrBuf.String()),
		Duration: time.Since(startTime),
	}

	log.Debug().
		Str("command", cmd).
		Int("stdout_len", len(result.Stdout)).
		Int("stderr_len", len(result.Stderr)).
		Dur("duration", result.Duration).
		Msg("command completed")

	if execErr == nil {
		return result, nil
	}

	var exitErr *ssh.ExitError
	if errors.As(execErr, &exitErr) {
		result.ExitCode = exitErr.ExitStatus()
		return result, &TransportError{
			Op:  "exec",
			Err: fmt.Errorf("command exited with status %d: %s", result.ExitCode, result.Stderr),
		}
	}
	result.ExitCode = -1
	return result, &TransportError{Op: "exec", Err: execErr, IsTemporary: true}
}

// ShellQuote quotes s for a POSIX shell.
func ShellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
