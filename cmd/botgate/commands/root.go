package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath  string
	profileName string
	envFile     string
	verbose     bool
	jsonOutput  bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "botgate",
		Short: "botgate - deploy and operate chat gateways",
		Long: `botgate installs and operates a chat gateway on one of three targets:

  - local:     a child process of this machine
  - container: a container, sandboxed with gVisor when available
  - fleet:     a VM fleet provisioned through declarative stacks

Profiles are described in a deployment file (botgate.yaml or botgate.cue).
Every command is safe to re-run: install converges from whatever state an
interrupted run left behind.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadEnv()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "deployment file path")
	rootCmd.PersistentFlags().StringVarP(&profileName, "profile", "p", "", "profile to operate on")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file with BOTGATE_* credentials")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newInstallCommand())
	rootCmd.AddCommand(newConfigureCommand())
	rootCmd.AddCommand(newLifecycleCommand("start", "Start the gateway"))
	rootCmd.AddCommand(newLifecycleCommand("stop", "Stop the gateway"))
	rootCmd.AddCommand(newLifecycleCommand("restart", "Restart the gateway"))
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newLogsCommand())
	rootCmd.AddCommand(newEndpointCommand())
	rootCmd.AddCommand(newDestroyCommand())
	rootCmd.AddCommand(newResizeCommand())
	rootCmd.AddCommand(newResourcesCommand())
	rootCmd.AddCommand(newSandboxCommand())
	rootCmd.AddCommand(newProfilesCommand())

	return rootCmd
}
