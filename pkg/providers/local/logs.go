package local

import (
	"bufio"
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"strings"

	"github.com/fsnotify/fsnotify"

	"github.com/botgate/botgate/pkg/target"
	"github.com/botgate/botgate/pkg/telemetry"
)

// Logs implements target.Target. The log file carries no timestamps, so
// opts.Since is not applied.
func (t *Target) Logs(ctx context.Context, opts target.LogOptions) ([]string, error) {
	f, err := os.Open(t.path(logFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	lines, _, partial, err := tail(f, opts.LineCount())
	if partial != "" {
		if len(lines) == opts.LineCount() {
			lines = lines[1:]
		}
		lines = append(lines, partial)
	}
	return lines, err
}

// tail returns the last n complete lines of r, the offset just past them
// and any unterminated trailing text.
func tail(r io.Reader, n int) ([]string, int64, string, error) {
	ring := make([]string, 0, n)
	var offset int64
	br := bufio.NewReader(r)
	for {
		line, err := br.ReadString('\n')
		if strings.HasSuffix(line, "\n") {
			offset += int64(len(line))
			if len(ring) == n {
				ring = ring[1:]
			}
			ring = append(ring, strings.TrimRight(line, "\r\n"))
		}
		if errors.Is(err, io.EOF) {
			return ring, offset, line, nil
		}
		if err != nil {
			return nil, 0, "", err
		}
	}
}

// StreamLogs implements target.LogStreamer. It replays the last lines
// then follows the log file until ctx is done. Truncation restarts the
// read from the top of the file.
func (t *Target) StreamLogs(ctx context.Context, opts target.LogOptions, fn func(line string)) error {
	logger := telemetry.FromContext(ctx).NewComponentLogger("local").WithField("profile", t.Profile())

	if err := os.MkdirAll(t.cfg.StateDir, 0o700); err != nil {
		return err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	// Watch the directory so the file may be created or replaced later.
	if err := watcher.Add(t.cfg.StateDir); err != nil {
		return err
	}

	f := &follower{path: t.path(logFile), emit: fn}
	defer f.close()
	if err := f.replay(opts.LineCount()); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Name != f.path || ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if err := f.drain(); err != nil {
				return err
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.WithError(err).Warn("log watcher error")
		}
	}
}

// follower reads complete lines appended to a file.
type follower struct {
	path    string
	emit    func(string)
	file    *os.File
	offset  int64
	partial string
}

func (f *follower) replay(n int) error {
	file, err := os.Open(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	lines, offset, _, err := tail(file, n)
	if err != nil {
		file.Close()
		return err
	}
	for _, l := range lines {
		f.emit(l)
	}
	f.file, f.offset = file, offset
	_, err = file.Seek(offset, io.SeekStart)
	return err
}

func (f *follower) drain() error {
	if f.file == nil {
		file, err := os.Open(f.path)
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		if err != nil {
			return err
		}
		f.file, f.offset = file, 0
	}

	if fi, err := f.file.Stat(); err == nil && fi.Size() < f.offset {
		if _, err := f.file.Seek(0, io.SeekStart); err != nil {
			return err
		}
		f.offset, f.partial = 0, ""
	}

	data, err := io.ReadAll(f.file)
	if err != nil {
		return err
	}
	f.offset += int64(len(data))
	chunk := f.partial + string(data)
	for {
		i := strings.IndexByte(chunk, '\n')
		if i < 0 {
			break
		}
		f.emit(strings.TrimRight(chunk[:i], "\r"))
		chunk = chunk[i+1:]
	}
	f.partial = chunk
	return nil
}

func (f *follower) close() {
	if f.file != nil {
		f.file.Close()
	}
}
