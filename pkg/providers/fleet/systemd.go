package fleet

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/botgate/botgate/pkg/transports/ssh"
)

// unit drives the gateway's systemd unit on a compute unit.
type unit struct {
	name string
	// password feeds sudo when the host does not grant NOPASSWD.
	password string
}

// unitState is what `systemctl show` reports about a unit.
type unitState struct {
	Active   string
	SubState string
	Since    *time.Time
}

const systemdTimeLayout = "Mon 2006-01-02 15:04:05 MST"

func (u unit) status(ctx context.Context, tr ssh.Transport) (*unitState, error) {
	res, err := tr.Run(ctx, "systemctl show "+ssh.ShellQuote(u.name)+
		" --property=ActiveState,SubState,ActiveEnterTimestamp --no-pager")
	if err != nil {
		return nil, fmt.Errorf("failed to get unit status: %w", err)
	}

	st := &unitState{}
	for _, line := range strings.Split(res.Stdout, "\n") {
		key, value, ok := strings.Cut(strings.TrimSpace(line), "=")
		if !ok {
			continue
		}
		switch key {
		case "ActiveState":
			st.Active = value
		case "SubState":
			st.SubState = value
		case "ActiveEnterTimestamp":
			if ts, err := time.Parse(systemdTimeLayout, value); err == nil {
				st.Since = &ts
			}
		}
	}
	if st.Active == "" {
		return nil, fmt.Errorf("unit %s reported no state", u.name)
	}
	if st.Active != "active" {
		st.Since = nil
	}
	return st, nil
}

func (u unit) act(ctx context.Context, tr ssh.Transport, verb string) error {
	if _, err := tr.RunSudo(ctx, "systemctl "+verb+" "+ssh.ShellQuote(u.name), u.password); err != nil {
		return fmt.Errorf("failed to %s service: %w", verb, err)
	}
	return nil
}

// install moves a staged file into place with root ownership.
func (u unit) install(ctx context.Context, tr ssh.Transport, staged, dest string) error {
	cmd := fmt.Sprintf("install -D -m 0600 %s %s && rm -f %s",
		ssh.ShellQuote(staged), ssh.ShellQuote(dest), ssh.ShellQuote(staged))
	if _, err := tr.RunSudo(ctx, cmd, u.password); err != nil {
		return fmt.Errorf("failed to install %s: %w", dest, err)
	}
	return nil
}

func (u unit) journal(ctx context.Context, tr ssh.Transport, lines int, since time.Time) ([]string, error) {
	cmd := fmt.Sprintf("journalctl -u %s -n %d --no-pager -o cat", ssh.ShellQuote(u.name), lines)
	if !since.IsZero() {
		cmd += " --since " + ssh.ShellQuote(since.UTC().Format("2006-01-02 15:04:05")) + " --utc"
	}
	res, err := tr.RunSudo(ctx, cmd, u.password)
	if err != nil {
		return nil, fmt.Errorf("failed to read journal: %w", err)
	}
	out := strings.TrimRight(res.Stdout, "\n")
	if out == "" || out == "-- No entries --" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}
