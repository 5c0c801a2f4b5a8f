package commands

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/botgate/botgate/pkg/target"
)

// resourceFlags selects an allocation by tier or by explicit values.
type resourceFlags struct {
	tier   string
	cpu    int
	memory int
	disk   int
}

func (f *resourceFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.tier, "tier", "", "named tier (light, standard, performance)")
	cmd.Flags().IntVar(&f.cpu, "cpu", 0, "cpu units, 1024 per vCPU")
	cmd.Flags().IntVar(&f.memory, "memory", 0, "memory in MiB")
	cmd.Flags().IntVar(&f.disk, "disk", 0, "data disk size in GB")
}

// spec returns nil when no flag was given.
func (f *resourceFlags) spec() (*target.ResourceSpec, error) {
	var spec target.ResourceSpec
	if f.tier != "" {
		if f.cpu != 0 || f.memory != 0 {
			return nil, fmt.Errorf("--tier cannot be combined with --cpu or --memory")
		}
		s, err := target.SpecForTier(target.Tier(f.tier))
		if err != nil {
			return nil, err
		}
		spec = s
	}
	if f.cpu != 0 {
		spec.CPU = f.cpu
	}
	if f.memory != 0 {
		spec.MemoryMiB = f.memory
	}
	spec.DataDiskSizeGB = f.disk
	if spec == (target.ResourceSpec{}) {
		return nil, nil
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return &spec, nil
}

// parseEnv turns KEY=VALUE pairs into a map.
func parseEnv(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid --env %q, expected KEY=VALUE", p)
		}
		out[k] = v
	}
	return out, nil
}

// readSecrets takes secret values from the environment so they never show
// up in shell history or process listings.
func readSecrets(names []string) (map[string]string, error) {
	if len(names) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(names))
	for _, n := range names {
		v, ok := os.LookupEnv(n)
		if !ok || v == "" {
			return nil, fmt.Errorf("secret %s is not set in the environment or %s", n, envFile)
		}
		out[n] = v
	}
	return out, nil
}

func newInstallCommand() *cobra.Command {
	var (
		version string
		env     []string
		secrets []string
		res     resourceFlags
	)

	cmd := &cobra.Command{
		Use:   "install",
		Short: "Install the gateway for a profile",
		Long: `Provision everything the profile needs and leave the gateway running.

Install is idempotent. Re-running it after an interrupted or failed run
converges to the same state; a fleet stack found in a failed state is
recovered, with stuck resources retained, before it is recreated.`,
		Example: `  # Install the only profile in ./botgate.yaml
  botgate install

  # Install a fleet profile on the performance tier with a provider key
  OPENAI_API_KEY=sk-... botgate install -p prod --tier performance --secret OPENAI_API_KEY`,
		RunE: func(cmd *cobra.Command, args []string) error {
			spec, err := res.spec()
			if err != nil {
				return err
			}
			envMap, err := parseEnv(env)
			if err != nil {
				return err
			}
			secretMap, err := readSecrets(secrets)
			if err != nil {
				return err
			}

			return withTarget(cmd, func(s *session) error {
				n := startNarration(cmd, s.target, "Installing "+s.profile.Name)
				result, err := s.target.Install(s.ctx, target.InstallOptions{
					Version:   version,
					Resources: spec,
					Env:       envMap,
					Secrets:   secretMap,
				})
				n.stop()
				if err != nil {
					return err
				}
				return report(cmd, result, result.Success, func(w io.Writer) {
					printResult(w, result.Result)
					if result.Endpoint != nil {
						fmt.Fprintln(w, "Endpoint:", result.Endpoint.URL())
					}
					printOutputs(w, result.Outputs)
				})
			})
		},
	}

	cmd.Flags().StringVar(&version, "version", "", "image tag or gateway version to deploy")
	cmd.Flags().StringArrayVarP(&env, "env", "e", nil, "environment for the gateway (KEY=VALUE)")
	cmd.Flags().StringArrayVar(&secrets, "secret", nil, "name of an environment variable to store as a secret")
	res.register(cmd)

	return cmd
}

func newConfigureCommand() *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "configure",
		Short: "Push a gateway configuration",
		Long: `Write the gateway configuration document and restart the gateway if it
is running. The document is JSON or YAML; a profile transform, when set,
is applied before it is written.`,
		Example: `  botgate configure -p dev --file gateway.yaml
  cat gateway.json | botgate configure -p dev --file -`,
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := readPayload(cmd, file)
			if err != nil {
				return err
			}
			return withTarget(cmd, func(s *session) error {
				n := startNarration(cmd, s.target, "Configuring "+s.profile.Name)
				result, err := s.target.Configure(s.ctx, payload)
				n.stop()
				if err != nil {
					return err
				}
				return report(cmd, result, result.Success, func(w io.Writer) {
					printResult(w, result.Result)
					if result.Restarted {
						fmt.Fprintln(w, "Gateway restarted")
					}
				})
			})
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "configuration document, - for stdin")
	_ = cmd.MarkFlagRequired("file")

	return cmd
}

func readPayload(cmd *cobra.Command, file string) (target.Payload, error) {
	var (
		data []byte
		err  error
	)
	if file == "-" {
		data, err = io.ReadAll(cmd.InOrStdin())
	} else {
		data, err = os.ReadFile(file)
	}
	if err != nil {
		return nil, fmt.Errorf("read configuration: %w", err)
	}

	// YAML is a superset of JSON, one decoder serves both.
	var payload target.Payload
	if err := yaml.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("parse configuration: %w", err)
	}
	if payload == nil {
		return nil, fmt.Errorf("configuration document is empty")
	}
	return payload, nil
}

func newLifecycleCommand(verb, short string) *cobra.Command {
	return &cobra.Command{
		Use:   verb,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTarget(cmd, func(s *session) error {
				op := map[string]func() (*target.Result, error){
					"start":   func() (*target.Result, error) { return s.target.Start(s.ctx) },
					"stop":    func() (*target.Result, error) { return s.target.Stop(s.ctx) },
					"restart": func() (*target.Result, error) { return s.target.Restart(s.ctx) },
				}[verb]

				n := startNarration(cmd, s.target, s.profile.Name+": "+verb)
				result, err := op()
				n.stop()
				if err != nil {
					return err
				}
				return report(cmd, result, result.Success, func(w io.Writer) { printResult(w, *result) })
			})
		},
	}
}

func newDestroyCommand() *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "destroy",
		Short: "Remove everything install created",
		Long: `Remove the gateway and every resource install created for the profile.

For fleet profiles the workload stack is force deleted, retaining resources
that block the delete, provider secrets are removed and the region's shared
infrastructure is deleted once no workload uses it. Destroy is idempotent.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return fmt.Errorf("destroy removes all resources of the profile; pass --yes to confirm")
			}
			return withTarget(cmd, func(s *session) error {
				n := startNarration(cmd, s.target, "Destroying "+s.profile.Name)
				result, err := s.target.Destroy(s.ctx)
				n.stop()
				if err != nil {
					return err
				}
				return report(cmd, result, result.Success, func(w io.Writer) { printResult(w, *result) })
			})
		},
	}

	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "confirm the destroy")

	return cmd
}
