package commands

import (
	"errors"
	"fmt"
	"io"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/botgate/botgate/pkg/engine"
	"github.com/botgate/botgate/pkg/target"
)

func unsupported(t target.Target, what string) error {
	return engine.NewPermanentError(
		fmt.Sprintf("profile %s (%s) does not support %s", t.Profile(), t.Kind(), what), nil,
	).WithCode(engine.ErrCodeUnsupported)
}

func newResizeCommand() *cobra.Command {
	var res resourceFlags

	cmd := &cobra.Command{
		Use:   "resize",
		Short: "Change the compute allocation of the gateway",
		Long: `Change cpu, memory and data disk of an installed gateway.

A running fleet unit is stopped, resized and started again. Dimensions that
are not given keep their current value. Data disks only grow: a smaller
disk size is rejected before anything is touched.`,
		Example: `  botgate resize -p prod --tier performance
  botgate resize -p prod --disk 100`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			spec, err := res.spec()
			if err != nil {
				return err
			}
			if spec == nil {
				return errors.New("give --tier, --cpu, --memory or --disk")
			}

			return withTarget(cmd, func(s *session) error {
				updater, ok := target.AsResourceUpdater(s.target)
				if !ok {
					return unsupported(s.target, "resizing")
				}
				n := startNarration(cmd, s.target, "Resizing "+s.profile.Name)
				result, err := updater.UpdateResources(s.ctx, *spec)
				n.stop()
				if err != nil {
					return err
				}
				return report(cmd, result, result.Success, func(w io.Writer) {
					printResult(w, result.Result)
					if result.Applied != "" {
						fmt.Fprintln(w, "Applied:", result.Applied)
					}
					if result.RequiresRestart {
						fmt.Fprintln(w, "The new size takes effect on the next start")
					}
				})
			})
		},
	}
	res.register(cmd)

	return cmd
}

func newResourcesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "resources",
		Short: "Show the current compute allocation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTarget(cmd, func(s *session) error {
				reporter, ok := target.AsResourceReporter(s.target)
				if !ok {
					return unsupported(s.target, "resource reporting")
				}
				info, err := reporter.Resources(s.ctx)
				if err != nil {
					return err
				}
				return report(cmd, info, true, func(w io.Writer) {
					t := newTable(w)
					t.SetTitle("%s resources", s.profile.Name)
					t.AppendRow(table.Row{"Tier", info.Tier})
					t.AppendRow(table.Row{"vCPU", fmt.Sprintf("%.2f", float64(info.Spec.CPU)/1024)})
					t.AppendRow(table.Row{"Memory", fmt.Sprintf("%d MiB", info.Spec.MemoryMiB)})
					if info.Spec.DataDiskSizeGB > 0 {
						t.AppendRow(table.Row{"Data disk", fmt.Sprintf("%d GB", info.Spec.DataDiskSizeGB)})
					}
					if info.Native != "" {
						t.AppendRow(table.Row{"Native size", info.Native})
					}
					t.Render()
				})
			})
		},
	}
}
