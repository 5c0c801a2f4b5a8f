package fleet

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/botgate/botgate/pkg/engine"
	"github.com/botgate/botgate/pkg/target"
	"github.com/botgate/botgate/pkg/transports/ssh"
)

// sshDialer connects with base, pointed at the compute unit's address.
func sshDialer(base ssh.Config) Dialer {
	return func(ctx context.Context, host string) (ssh.Transport, error) {
		cfg := base
		cfg.Host = host
		if cfg.Port == 0 {
			cfg.Port = 22
		}
		client, err := ssh.NewClient(&cfg)
		if err != nil {
			return nil, err
		}
		if err := client.Connect(ctx); err != nil {
			return nil, err
		}
		return client, nil
	}
}

func (t *Target) unit() unit {
	u := unit{name: t.cfg.Unit}
	if t.cfg.SSH.AuthMethod == ssh.AuthMethodPassword {
		u.password = t.cfg.SSH.Password
	}
	return u
}

// withHost dials the compute unit of the workload stack and runs fn on it.
func (t *Target) withHost(ctx context.Context, fn func(tr ssh.Transport) error) error {
	host, err := t.output(ctx, t.cfg.HostOutput)
	if err != nil {
		return err
	}
	tr, err := t.dial(ctx, host)
	if err != nil {
		return engine.NewTransientError("connect to "+host, err).WithResource(t.StackName())
	}
	defer tr.Close()
	return fn(tr)
}

func (t *Target) unitStatus(ctx context.Context, host string) (*unitState, error) {
	tr, err := t.dial(ctx, host)
	if err != nil {
		return nil, err
	}
	defer tr.Close()
	return t.unit().status(ctx, tr)
}

// Configure implements target.Target. The payload is rendered to JSON,
// staged over SFTP, moved into place and the gateway unit restarted.
func (t *Target) Configure(ctx context.Context, payload target.Payload) (res *target.ConfigureResult, err error) {
	op := t.Begin(ctx, "configure")
	ctx = op.Ctx
	defer func() { op.Finish(res != nil && res.Success, err) }()

	payload, err = t.TransformPayload(ctx, payload)
	if err != nil {
		return nil, err
	}
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return nil, engine.NewPermanentError("payload is not serializable", err).WithCode(engine.ErrCodeInvalidConfig)
	}

	restarted := false
	err = t.withHost(ctx, func(tr ssh.Transport) error {
		staged := fmt.Sprintf("/tmp/%s.json", t.StackName())
		if err := tr.Upload(ctx, data, staged, 0o600); err != nil {
			return fmt.Errorf("upload configuration: %w", err)
		}
		u := t.unit()
		if err := u.install(ctx, tr, staged, t.cfg.ConfigPath); err != nil {
			return err
		}
		t.Emit("Wrote %s", t.cfg.ConfigPath)
		if err := u.act(ctx, tr, "restart"); err != nil {
			return fmt.Errorf("configuration written but %w", err)
		}
		restarted = true
		return nil
	})
	if err != nil {
		if engine.HasCode(err, engine.ErrCodeNotFound) {
			return &target.ConfigureResult{Result: *target.Failed("profile %s is not installed", t.Profile())}, nil
		}
		return &target.ConfigureResult{Result: *target.Failed("%v", err), Restarted: restarted}, nil
	}
	return &target.ConfigureResult{Result: *target.Ok("configuration applied"), Restarted: restarted}, nil
}

// Start implements target.Target.
func (t *Target) Start(ctx context.Context) (*target.Result, error) {
	return t.systemctl(ctx, "start")
}

// Stop implements target.Target.
func (t *Target) Stop(ctx context.Context) (*target.Result, error) {
	return t.systemctl(ctx, "stop")
}

// Restart implements target.Target.
func (t *Target) Restart(ctx context.Context) (*target.Result, error) {
	return t.systemctl(ctx, "restart")
}

func (t *Target) systemctl(ctx context.Context, verb string) (res *target.Result, err error) {
	op := t.Begin(ctx, verb)
	ctx = op.Ctx
	defer func() { op.Finish(res != nil && res.Success, err) }()

	err = t.withHost(ctx, func(tr ssh.Transport) error {
		return t.unit().act(ctx, tr, verb)
	})
	if err != nil {
		return target.Failed("%s %s: %v", verb, t.cfg.Unit, err), nil
	}
	t.Emit("%s %s", verb, t.cfg.Unit)
	return target.Ok("%s %s", verb, t.cfg.Unit), nil
}

// Logs implements target.Target by reading the unit's journal.
func (t *Target) Logs(ctx context.Context, opts target.LogOptions) ([]string, error) {
	var lines []string
	err := t.withHost(ctx, func(tr ssh.Transport) error {
		var err error
		lines, err = t.unit().journal(ctx, tr, opts.LineCount(), opts.Since)
		return err
	})
	return lines, err
}

