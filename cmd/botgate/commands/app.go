package commands

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/botgate/botgate/pkg/config"
	"github.com/botgate/botgate/pkg/engine"
	"github.com/botgate/botgate/pkg/providers/container"
	"github.com/botgate/botgate/pkg/providers/fleet"
	"github.com/botgate/botgate/pkg/providers/local"
	"github.com/botgate/botgate/pkg/stackstore"
	"github.com/botgate/botgate/pkg/target"
	"github.com/botgate/botgate/pkg/telemetry"
)

const shutdownTimeout = 5 * time.Second

// loadEnv reads the dotenv file into the process environment. Variables
// already set win over the file. A missing file is not an error.
func loadEnv() error {
	if envFile == "" {
		return nil
	}
	err := godotenv.Load(envFile)
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("load %s: %w", envFile, err)
}

func resolveConfigPath() (string, error) {
	if configPath != "" {
		return configPath, nil
	}
	if p := os.Getenv("BOTGATE_CONFIG"); p != "" {
		return p, nil
	}
	wd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	return config.Find(wd)
}

// loadFile loads the deployment file and sets up telemetry for the run.
func loadFile(cmd *cobra.Command) (*config.File, *telemetry.Telemetry, context.Context, error) {
	path, err := resolveConfigPath()
	if err != nil {
		return nil, nil, nil, err
	}
	file, err := config.NewLoader().Load(path)
	if err != nil {
		return nil, nil, nil, explainConfigError(err)
	}

	tcfg := file.TelemetryConfig()
	if verbose {
		tcfg.Logging.Level = "debug"
	}
	tel, err := telemetry.NewTelemetry(tcfg)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("telemetry: %w", err)
	}
	if tcfg.Metrics.Enabled {
		if err := tel.StartMetricsServer(); err != nil {
			tel.Logger.WithError(err).Warn("metrics server did not start")
		}
	}
	return file, tel, tel.WithContext(cmd.Context()), nil
}

func explainConfigError(err error) error {
	problems := config.ValidationErrors(err)
	if len(problems) == 0 {
		return err
	}
	var b strings.Builder
	b.WriteString("deployment file is invalid:")
	for _, p := range problems {
		fmt.Fprintf(&b, "\n  %s", p.String())
	}
	return errors.New(b.String())
}

func selectProfile(file *config.File) (*config.Profile, error) {
	if profileName == "" {
		if len(file.Profiles) == 1 {
			return &file.Profiles[0], nil
		}
		return nil, fmt.Errorf("--profile is required, choose one of: %s", strings.Join(file.ProfileNames(), ", "))
	}
	p, ok := file.Profile(profileName)
	if !ok {
		return nil, fmt.Errorf("unknown profile %q, choose one of: %s", profileName, strings.Join(file.ProfileNames(), ", "))
	}
	return p, nil
}

// session is one command's view of the selected profile.
type session struct {
	ctx     context.Context
	file    *config.File
	profile *config.Profile
	tel     *telemetry.Telemetry
	target  target.Target
	release func()
}

func openSession(cmd *cobra.Command) (*session, error) {
	file, tel, ctx, err := loadFile(cmd)
	if err != nil {
		return nil, err
	}
	p, err := selectProfile(file)
	if err != nil {
		shutdown(tel)
		return nil, err
	}
	t, release, err := buildTarget(ctx, file, p)
	if err != nil {
		shutdown(tel)
		return nil, err
	}
	return &session{ctx: ctx, file: file, profile: p, tel: tel, target: t, release: release}, nil
}

func (s *session) Close() {
	s.release()
	shutdown(s.tel)
}

func shutdown(tel *telemetry.Telemetry) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := tel.Shutdown(ctx); err != nil {
		tel.Logger.WithError(err).Debug("telemetry shutdown failed")
	}
}

// buildTarget constructs the adapter for p. release frees connections the
// adapter holds.
func buildTarget(ctx context.Context, file *config.File, p *config.Profile) (target.Target, func(), error) {
	noop := func() {}
	transform, err := config.TransformFor(p)
	if err != nil {
		return nil, noop, engine.NewPermanentError("profile "+p.Name+" transform", err).WithCode(engine.ErrCodeInvalidConfig)
	}

	switch p.Kind {
	case target.KindLocal:
		t, err := local.New(p.Name, *p.Local, transform)
		return t, noop, err

	case target.KindContainer:
		t, err := container.New(p.Name, *p.Container, transform)
		return t, noop, err

	case target.KindFleet:
		store, err := stackstore.Open(ctx, stackstore.Config{
			Path:        file.Stacks.Path,
			SettleAfter: file.Stacks.SettleAfter,
		})
		if err != nil {
			return nil, noop, fmt.Errorf("open stack store: %w", err)
		}
		t, release, err := fleet.Open(ctx, p.Name, *p.Fleet, transform, store, fleet.VSphere)
		if err != nil {
			_ = store.Close()
			return nil, noop, err
		}
		return t, func() {
			release()
			_ = store.Close()
		}, nil
	}
	return nil, noop, engine.NewPermanentError(fmt.Sprintf("unknown target kind %q", p.Kind), nil).
		WithCode(engine.ErrCodeInvalidConfig)
}

// withTarget opens a session, runs fn and closes the session.
func withTarget(cmd *cobra.Command, fn func(s *session) error) error {
	s, err := openSession(cmd)
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(s)
}
