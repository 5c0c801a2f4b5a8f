package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/briandowns/spinner"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"github.com/botgate/botgate/pkg/engine"
	"github.com/botgate/botgate/pkg/target"
)

// errFailed makes the process exit non-zero after a result that was already
// printed.
var errFailed = errors.New("operation failed")

// narrator shows progress while a long operation runs: a spinner carrying
// the latest line on a terminal, plain lines otherwise.
type narrator struct {
	mu     sync.Mutex
	w      io.Writer
	spin   *spinner.Spinner
	detach func()
}

func newNarrator(cmd *cobra.Command, title string) *narrator {
	n := &narrator{w: cmd.ErrOrStderr(), detach: func() {}}
	if !jsonOutput && !verbose {
		n.spin = spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(n.w))
		n.spin.Suffix = " " + title
		n.spin.Start()
	}
	return n
}

// startNarration routes the narration of t through a new narrator.
func startNarration(cmd *cobra.Command, t target.Target, title string) *narrator {
	n := newNarrator(cmd, title)
	t.SetLogFunc(n.line)
	n.detach = func() { t.SetLogFunc(nil) }
	return n
}

func (n *narrator) line(line string, stream target.Stream) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.spin == nil {
		if stream == target.StreamStderr {
			line = text.FgYellow.Sprint(line)
		}
		fmt.Fprintln(n.w, line)
		return
	}
	if stream == target.StreamStderr {
		// warnings stay visible above the spinner
		n.spin.Stop()
		fmt.Fprintln(n.w, text.FgYellow.Sprint(line))
		n.spin.Start()
	}
	n.spin.Lock()
	n.spin.Suffix = " " + line
	n.spin.Unlock()
}

func (n *narrator) stop() {
	n.detach()
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.spin != nil {
		n.spin.Stop()
	}
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// report prints v as JSON or through human, and turns an unsuccessful
// result into errFailed.
func report(cmd *cobra.Command, v interface{}, success bool, human func(w io.Writer)) error {
	w := cmd.OutOrStdout()
	if jsonOutput {
		if err := writeJSON(w, v); err != nil {
			return err
		}
	} else {
		human(w)
	}
	if !success {
		return errFailed
	}
	return nil
}

func printResult(w io.Writer, r target.Result) {
	if r.Success {
		fmt.Fprintln(w, text.FgGreen.Sprint("✓"), r.Message)
		return
	}
	fmt.Fprintln(w, text.FgRed.Sprint("✗"), r.Message)
}

func newTable(w io.Writer) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleRounded)
	return t
}

func stateColor(s engine.TargetState) text.Colors {
	switch s {
	case engine.TargetStateRunning:
		return text.Colors{text.FgGreen}
	case engine.TargetStateError:
		return text.Colors{text.FgRed}
	case engine.TargetStateStopped:
		return text.Colors{text.FgYellow}
	default:
		return text.Colors{text.FgHiBlack}
	}
}

func printStatus(w io.Writer, profile string, kind target.Kind, st *target.Status) {
	t := newTable(w)
	t.SetTitle("%s (%s)", profile, kind)
	t.AppendRow(table.Row{"State", stateColor(st.State).Sprint(string(st.State))})
	if st.Message != "" {
		t.AppendRow(table.Row{"Message", st.Message})
	}
	if st.StartedAt != nil {
		t.AppendRow(table.Row{"Started", st.StartedAt.Local().Format(time.RFC1123)})
	}
	keys := make([]string, 0, len(st.Detail))
	for k := range st.Detail {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		t.AppendRow(table.Row{k, st.Detail[k]})
	}
	t.Render()
}

func printOutputs(w io.Writer, outputs map[string]string) {
	if len(outputs) == 0 {
		return
	}
	t := newTable(w)
	t.AppendHeader(table.Row{"Output", "Value"})
	keys := make([]string, 0, len(outputs))
	for k := range outputs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		t.AppendRow(table.Row{k, outputs[k]})
	}
	t.Render()
}
