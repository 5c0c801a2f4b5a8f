package container

import (
	"bufio"
	"context"
	"errors"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/botgate/botgate/pkg/target"
)

// execCommandContext is a variable to allow mocking in tests
var execCommandContext = exec.CommandContext

func (t *Target) logArgs(opts target.LogOptions, follow bool) []string {
	args := []string{"logs", "--tail", strconv.Itoa(opts.LineCount())}
	if !opts.Since.IsZero() {
		args = append(args, "--since", opts.Since.UTC().Format(time.RFC3339))
	}
	if follow {
		args = append(args, "--follow")
	}
	return append(args, t.Name())
}

// Logs implements target.Target. The engine splits the gateway's stdout and
// stderr; stdout lines come first.
func (t *Target) Logs(ctx context.Context, opts target.LogOptions) ([]string, error) {
	out, err := t.docker(ctx, t.logArgs(opts, false)...)
	if err != nil {
		if isNoSuchContainer(err) {
			return nil, nil
		}
		return nil, err
	}
	var lines []string
	for _, chunk := range []string{out.Stdout, out.Stderr} {
		for _, l := range strings.Split(strings.TrimRight(chunk, "\n"), "\n") {
			if l != "" {
				lines = append(lines, l)
			}
		}
	}
	return lines, nil
}

// StreamLogs implements target.LogStreamer by following the engine's log
// stream until ctx is done.
func (t *Target) StreamLogs(ctx context.Context, opts target.LogOptions, fn func(line string)) error {
	cmd := execCommandContext(ctx, t.cfg.Binary, t.logArgs(opts, true)...)
	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw
	if err := cmd.Start(); err != nil {
		return err
	}

	waitErr := make(chan error, 1)
	go func() {
		err := cmd.Wait()
		pw.Close()
		waitErr <- err
	}()

	sc := bufio.NewScanner(pr)
	for sc.Scan() {
		fn(sc.Text())
	}
	pr.Close()
	err := <-waitErr
	if ctx.Err() != nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return errors.New("log stream ended: " + exitErr.Error())
	}
	return err
}
