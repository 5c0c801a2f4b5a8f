package commands

import (
	"context"
	"fmt"
	"io"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/botgate/botgate/pkg/sandbox"
	"github.com/botgate/botgate/pkg/telemetry"
)

func newSandboxCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sandbox",
		Short: "Detect and install the gVisor sandbox runtime",
		Long: `Container profiles run the gateway under gVisor (runsc) when it is
available. These commands report whether it is and try to install it.`,
	}

	cmd.AddCommand(newSandboxDetectCommand())
	cmd.AddCommand(newSandboxInstallCommand())

	return cmd
}

// sandboxContext carries default telemetry; sandbox commands run without a
// deployment file.
func sandboxContext(cmd *cobra.Command) (context.Context, func(), error) {
	cfg := telemetry.DefaultConfig()
	if verbose {
		cfg.Logging.Level = "debug"
	}
	tel, err := telemetry.NewTelemetry(cfg)
	if err != nil {
		return nil, nil, err
	}
	return tel.WithContext(cmd.Context()), func() { shutdown(tel) }, nil
}

func printCapability(w io.Writer, c *sandbox.Capability) {
	t := newTable(w)
	t.SetTitle("%s runtime", sandbox.RuntimeName)
	t.AppendRow(table.Row{"Platform", c.Platform})
	t.AppendRow(table.Row{"Availability", c.Availability})
	if c.Version != "" {
		t.AppendRow(table.Row{"Version", c.Version})
	}
	if c.Reason != "" {
		t.AppendRow(table.Row{"Reason", c.Reason})
	}
	if c.InstallMethod != "" {
		t.AppendRow(table.Row{"Install method", c.InstallMethod})
	}
	t.Render()
	if c.InstallCommand != "" {
		fmt.Fprintf(w, "\nTo install:\n  %s\n", c.InstallCommand)
	}
}

func newSandboxDetectCommand() *cobra.Command {
	var refresh bool

	cmd := &cobra.Command{
		Use:   "detect",
		Short: "Report whether the sandbox runtime can be used",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, done, err := sandboxContext(cmd)
			if err != nil {
				return err
			}
			defer done()

			c := sandbox.NewDetector().Detect(ctx, sandbox.DetectOptions{SkipCache: refresh})
			return report(cmd, c, true, func(w io.Writer) { printCapability(w, c) })
		},
	}

	cmd.Flags().BoolVar(&refresh, "refresh", false, "ignore the cached result")

	return cmd
}

func newSandboxInstallCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "install",
		Short: "Install the sandbox runtime",
		Long: `Install gVisor and register it with the container engine. Steps that need
a password or other interactive input are not attempted; the exact command
to finish by hand is printed instead.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, done, err := sandboxContext(cmd)
			if err != nil {
				return err
			}
			defer done()

			n := newNarrator(cmd, "Installing "+sandbox.RuntimeName)
			res := sandbox.NewInstaller(sandbox.NewDetector(), sandbox.WithInstallLogFunc(n.line)).AttemptInstall(ctx)
			n.stop()

			return report(cmd, res, res.Success, func(w io.Writer) {
				if res.Success {
					fmt.Fprintln(w, "✓", res.Message)
				} else {
					fmt.Fprintln(w, "✗", res.Message)
				}
				if res.RequiresManualAction {
					fmt.Fprintf(w, "\nRun this to finish:\n  %s\n", res.ManualCommand)
				}
				if res.Capability != nil && res.Success {
					printCapability(w, res.Capability)
				}
			})
		},
	}
}
