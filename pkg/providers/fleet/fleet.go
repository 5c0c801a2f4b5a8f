// Package fleet runs the gateway on a VM fleet provisioned through
// declarative stacks.
//
// A fleet target composes the stack reconciler for its own workload stack,
// the shared provisioner for the per-region infrastructure it depends on,
// a secret store for provider keys and an SSH transport for configuring the
// gateway unit. When a compute client is available the target also offers
// resizing; callers discover that with target.AsResourceUpdater.
package fleet

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/botgate/botgate/pkg/config"
	"github.com/botgate/botgate/pkg/engine"
	"github.com/botgate/botgate/pkg/providers/vsphere"
	"github.com/botgate/botgate/pkg/resize"
	"github.com/botgate/botgate/pkg/secrets"
	"github.com/botgate/botgate/pkg/shared"
	"github.com/botgate/botgate/pkg/stack"
	"github.com/botgate/botgate/pkg/target"
	"github.com/botgate/botgate/pkg/transports/ssh"
)

// ClusterClient releases what blocks the delete of a workload stack.
type ClusterClient interface {
	// DeregisterMembers forcibly removes the compute units of stack.
	DeregisterMembers(ctx context.Context, stack string) error
	// RemoveProtection clears scale-in protection on the units of stack.
	RemoveProtection(ctx context.Context, stack string) error
}

// Dialer opens a connected transport to host.
type Dialer func(ctx context.Context, host string) (ssh.Transport, error)

// Deps are the collaborators of a fleet target. Only Stacks is required.
type Deps struct {
	Stacks  stack.Service
	Secrets secrets.Store
	// Compute enables UpdateResources and Resources.
	Compute resize.Compute
	Catalog resize.Catalog
	Cluster ClusterClient
	Dial    Dialer
	// Wait overrides the poll settings derived from the profile.
	Wait *stack.WaitConfig
}

// Target is a fleet deployment target without resize support.
type Target struct {
	*target.Base
	cfg config.FleetConfig

	stacks     stack.Service
	reconciler *stack.Reconciler
	shared     *shared.Provisioner
	secrets    secrets.Store
	dial       Dialer
	catalog    resize.Catalog
}

// Resizable is a fleet target backed by a compute client. It adds the
// optional resize capabilities to Target.
type Resizable struct {
	*Target
	resizer *resize.Orchestrator
}

var (
	_ target.Target           = (*Target)(nil)
	_ target.ResourceUpdater  = (*Resizable)(nil)
	_ target.ResourceReporter = (*Resizable)(nil)
)

// New creates the target for profile. The result is a *Resizable when
// deps.Compute is set and a *Target otherwise.
func New(profile string, cfg config.FleetConfig, transform target.PayloadTransform, deps Deps) (target.Target, error) {
	if deps.Stacks == nil {
		return nil, engine.NewPermanentError("fleet target needs a stack service", nil).WithCode(engine.ErrCodeInvalidConfig)
	}
	if cfg.Region == "" {
		return nil, engine.NewPermanentError("fleet target needs a region", nil).WithCode(engine.ErrCodeInvalidConfig)
	}
	applyDefaults(&cfg)

	t := &Target{
		Base:    target.NewBase(target.KindFleet, cfg.WorkloadPrefix, profile, transform),
		cfg:     cfg,
		stacks:  deps.Stacks,
		secrets: deps.Secrets,
		dial:    deps.Dial,
		catalog: deps.Catalog,
	}
	if t.secrets == nil {
		t.secrets = secrets.NewMemory()
	}
	if t.dial == nil {
		t.dial = sshDialer(cfg.SSH)
	}
	if len(t.catalog) == 0 {
		t.catalog = resize.TierCatalog()
	}

	// Narration is looked up on every line so SetLogFunc after New applies
	// to every component.
	narrate := func(line string, stream target.Stream) { t.LogFunc()(line, stream) }

	wait := stack.DefaultWaitConfig()
	if cfg.PollInterval > 0 {
		wait.PollInterval = cfg.PollInterval
	}
	if cfg.WaitTimeout > 0 {
		wait.Timeout = cfg.WaitTimeout
	}
	if deps.Wait != nil {
		wait = *deps.Wait
	}

	var cleaners []stack.Cleaner
	var releasers []stack.Cleaner
	if deps.Cluster != nil {
		cleaners = append(cleaners,
			stack.CleanerFunc{Label: "deregister-members", Fn: func(ctx context.Context, st *stack.Stack) error {
				return deps.Cluster.DeregisterMembers(ctx, st.Name)
			}},
			stack.CleanerFunc{Label: "remove-protection", Fn: func(ctx context.Context, st *stack.Stack) error {
				return deps.Cluster.RemoveProtection(ctx, st.Name)
			}},
		)
		releasers = append(releasers, stack.CleanerFunc{Label: "remove-protection", Fn: func(ctx context.Context, st *stack.Stack) error {
			return deps.Cluster.RemoveProtection(ctx, st.Name)
		}})
	}

	t.reconciler = stack.NewReconciler(deps.Stacks, stack.Options{
		Wait:     wait,
		Cleaners: cleaners,
		LogFunc:  narrate,
	})
	t.shared = shared.NewProvisioner(deps.Stacks, t.reconciler.Waiter(), fileTemplates{cfg: cfg},
		shared.Config{StackPrefix: cfg.SharedPrefix, WorkloadPrefix: cfg.WorkloadPrefix},
		shared.WithReleasers(releasers...),
		shared.WithLogFunc(narrate),
	)

	if deps.Compute == nil {
		return t, nil
	}
	return &Resizable{
		Target:  t,
		resizer: resize.New(deps.Compute, t.catalog, resize.WithLogFunc(narrate)),
	}, nil
}

func applyDefaults(cfg *config.FleetConfig) {
	if cfg.WorkloadPrefix == "" {
		cfg.WorkloadPrefix = config.DefaultWorkloadPrefix
	}
	if cfg.SharedPrefix == "" {
		cfg.SharedPrefix = config.DefaultSharedPrefix
	}
	if cfg.HostOutput == "" {
		cfg.HostOutput = config.DefaultHostOutput
	}
	if cfg.ComputeOutput == "" {
		cfg.ComputeOutput = config.DefaultComputeOutput
	}
	if cfg.Port == 0 {
		cfg.Port = config.DefaultPort
	}
	if cfg.Unit == "" {
		cfg.Unit = config.DefaultUnit
	}
	if cfg.ConfigPath == "" {
		cfg.ConfigPath = config.DefaultConfigPath
	}
	if cfg.Tier == "" && cfg.Resources == nil {
		cfg.Tier = target.TierStandard
	}
}

// StackName is the workload stack of this target.
func (t *Target) StackName() string {
	return t.ResourceName()
}

// SharedStackName is the shared stack of the target's region.
func (t *Target) SharedStackName() string {
	return t.shared.StackName(t.cfg.Region)
}

// fileTemplates reads stack templates from the profile's template files.
type fileTemplates struct {
	cfg config.FleetConfig
}

// SharedInput implements shared.TemplateSource.
func (f fileTemplates) SharedInput(region string) (stack.Input, error) {
	body, err := os.ReadFile(f.cfg.SharedTemplate)
	if err != nil {
		return stack.Input{}, fmt.Errorf("read shared template: %w", err)
	}
	return stack.Input{
		Template:   string(body),
		Parameters: map[string]string{"Region": region},
		Tags:       map[string]string{"botgate:role": "shared", stack.TagRegion: region},
	}, nil
}

func (f fileTemplates) workload() (string, error) {
	body, err := os.ReadFile(f.cfg.WorkloadTemplate)
	if err != nil {
		return "", fmt.Errorf("read workload template: %w", err)
	}
	return string(body), nil
}

// Open builds a fleet target with the collaborators named in cfg, a Vault
// secret store and a compute client when configured. release drops them.
func Open(ctx context.Context, profile string, cfg config.FleetConfig, transform target.PayloadTransform, stacks stack.Service, connect ComputeConnector) (t target.Target, release func(), err error) {
	deps := Deps{Stacks: stacks}
	release = func() {}

	if cfg.Vault != nil {
		v, err := secrets.NewVault(*cfg.Vault)
		if err != nil {
			return nil, release, engine.NewPermanentError("vault", err).WithCode(engine.ErrCodeInvalidConfig)
		}
		deps.Secrets = v
	}

	if cfg.VSphere != nil && connect != nil {
		compute, cluster, closeFn, err := connect(ctx, *cfg.VSphere)
		if err != nil {
			return nil, release, engine.NewTransientError("connect compute provider", err)
		}
		deps.Compute, deps.Cluster, release = compute, cluster, closeFn
	}

	t, err = New(profile, cfg, transform, deps)
	if err != nil {
		release()
		return nil, func() {}, err
	}
	return t, release, nil
}

// ComputeConnector opens the compute provider described by cfg.
type ComputeConnector func(ctx context.Context, cfg config.VSphereConfig) (resize.Compute, ClusterClient, func(), error)

const closeTimeout = 10 * time.Second

// VSphere is the ComputeConnector for vCenter-hosted fleets.
func VSphere(ctx context.Context, cfg config.VSphereConfig) (resize.Compute, ClusterClient, func(), error) {
	client, err := vsphere.Connect(ctx, vsphere.Config{
		URL:        cfg.URL,
		Username:   cfg.Username,
		Password:   cfg.Password,
		Insecure:   cfg.Insecure,
		Datacenter: cfg.Datacenter,
		Folder:     cfg.Folder,
	})
	if err != nil {
		return nil, nil, nil, err
	}
	release := func() {
		ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		_ = client.Close(ctx)
	}
	return vsphere.NewCompute(client), vsphere.NewCluster(client), release, nil
}
