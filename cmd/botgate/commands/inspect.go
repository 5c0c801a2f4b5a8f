package commands

import (
	"fmt"
	"io"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/botgate/botgate/pkg/engine"
	"github.com/botgate/botgate/pkg/target"
)

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the gateway state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTarget(cmd, func(s *session) error {
				st, err := s.target.Status(s.ctx)
				if err != nil {
					return err
				}
				out := struct {
					Profile      string      `json:"profile"`
					Kind         target.Kind `json:"kind"`
					Capabilities []string    `json:"capabilities,omitempty"`
					*target.Status
				}{s.profile.Name, s.target.Kind(), target.Capabilities(s.target), st}

				return report(cmd, out, st.State != engine.TargetStateError, func(w io.Writer) {
					printStatus(w, s.profile.Name, s.target.Kind(), st)
				})
			})
		},
	}
}

func newLogsCommand() *cobra.Command {
	var (
		lines  int
		since  time.Duration
		follow bool
	)

	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Print gateway logs",
		Example: `  botgate logs -p dev -n 50
  botgate logs -p dev --since 10m
  botgate logs -p dev --follow`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := target.LogOptions{Lines: lines, Follow: follow}
			if since > 0 {
				opts.Since = time.Now().Add(-since)
			}

			return withTarget(cmd, func(s *session) error {
				w := cmd.OutOrStdout()
				if follow {
					streamer, ok := target.AsLogStreamer(s.target)
					if !ok {
						return engine.NewPermanentError(
							fmt.Sprintf("%s targets cannot follow logs", s.target.Kind()), nil,
						).WithCode(engine.ErrCodeUnsupported)
					}
					return streamer.StreamLogs(s.ctx, opts, func(line string) {
						fmt.Fprintln(w, line)
					})
				}

				out, err := s.target.Logs(s.ctx, opts)
				if err != nil {
					return err
				}
				if jsonOutput {
					return writeJSON(w, out)
				}
				for _, l := range out {
					fmt.Fprintln(w, l)
				}
				return nil
			})
		},
	}

	cmd.Flags().IntVarP(&lines, "lines", "n", target.DefaultLogLines, "number of lines")
	cmd.Flags().DurationVar(&since, "since", 0, "only lines newer than this")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "keep printing new lines")

	return cmd
}

func newEndpointCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "endpoint",
		Short: "Print where the gateway can be reached",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTarget(cmd, func(s *session) error {
				ep, err := s.target.Endpoint(s.ctx)
				if err != nil {
					return err
				}
				return report(cmd, ep, true, func(w io.Writer) {
					fmt.Fprintln(w, ep.URL())
				})
			})
		},
	}
}

func newProfilesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "profiles",
		Short: "List the profiles of the deployment file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			file, tel, _, err := loadFile(cmd)
			if err != nil {
				return err
			}
			defer shutdown(tel)

			type row struct {
				Name string      `json:"name"`
				Kind target.Kind `json:"kind"`
			}
			rows := make([]row, 0, len(file.Profiles))
			for _, p := range file.Profiles {
				rows = append(rows, row{p.Name, p.Kind})
			}
			return report(cmd, rows, true, func(w io.Writer) {
				t := newTable(w)
				t.AppendHeader(table.Row{"Profile", "Kind"})
				for _, r := range rows {
					t.AppendRow(table.Row{r.Name, r.Kind})
				}
				t.Render()
			})
		},
	}
}
