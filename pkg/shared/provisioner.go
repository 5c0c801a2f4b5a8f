// Package shared provisions the per-region infrastructure every workload
// stack in that region depends on, and tears it down once no workload is left.
package shared

import (
	"context"
	"errors"
	"fmt"

	"github.com/botgate/botgate/pkg/engine"
	"github.com/botgate/botgate/pkg/stack"
	"github.com/botgate/botgate/pkg/target"
	"github.com/botgate/botgate/pkg/telemetry"
)

// TemplateSource renders the shared stack for a region.
type TemplateSource interface {
	SharedInput(region string) (stack.Input, error)
}

// Config names the stacks the provisioner manages.
type Config struct {
	// StackPrefix names the shared stack: "<prefix>-<region>".
	StackPrefix string
	// WorkloadPrefix identifies per-workload stacks in the orphan scan.
	WorkloadPrefix string
}

// Provisioner ensures and cleans up shared infrastructure.
//
// Reference counting is done by listing live workload stacks rather than by
// a stored counter. Two workloads destroyed at the same moment may both see
// zero survivors and both attempt the teardown; the loser's failure is logged
// and dropped, and the next Ensure recreates the stack.
type Provisioner struct {
	svc       stack.Service
	waiter    *stack.Waiter
	cfg       Config
	templates TemplateSource
	// releasers run before the shared stack is deleted.
	releasers []stack.Cleaner
	logFn     target.LogFunc
}

// Option configures a Provisioner.
type Option func(*Provisioner)

// WithReleasers registers hooks that drop cross-resource protections before
// the shared stack is deleted.
func WithReleasers(c ...stack.Cleaner) Option {
	return func(p *Provisioner) { p.releasers = append(p.releasers, c...) }
}

// WithLogFunc registers a narration callback.
func WithLogFunc(fn target.LogFunc) Option {
	return func(p *Provisioner) { p.logFn = fn }
}

// NewProvisioner creates a Provisioner. waiter is usually the workload
// reconciler's waiter so both share a poll budget.
func NewProvisioner(svc stack.Service, waiter *stack.Waiter, templates TemplateSource, cfg Config, opts ...Option) *Provisioner {
	p := &Provisioner{
		svc:       svc,
		waiter:    waiter,
		cfg:       cfg,
		templates: templates,
		logFn:     func(string, target.Stream) {},
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// StackName returns the shared stack name for region.
func (p *Provisioner) StackName(region string) string {
	return target.ResourceName(p.cfg.StackPrefix, region)
}

func (p *Provisioner) narrate(format string, args ...interface{}) {
	p.logFn(fmt.Sprintf(format, args...), target.StreamStdout)
}

// Ensure makes sure the shared stack of region exists and is healthy and
// returns its outputs. A concurrent creator is waited on, not failed against.
// A shared stack in a failed terminal state is returned as an
// OPERATOR_INTERVENTION error and left untouched.
func (p *Provisioner) Ensure(ctx context.Context, region string) (outputs map[string]string, err error) {
	name := p.StackName(region)
	op := telemetry.StartOperation(ctx, "shared.ensure",
		telemetry.AttrStackName.String(name), telemetry.AttrRegion.String(region))
	defer func() {
		telemetry.MetricsFromContext(ctx).RecordSharedEnsure(err)
		op.End(err)
	}()
	ctx = op.Ctx
	logger := op.Logger.NewComponentLogger("shared").WithStack(name)

	// One pass to create or wait, one to recover from a teardown racing us.
	for attempt := 0; attempt < 3; attempt++ {
		st, err := p.describe(ctx, name)
		if err != nil {
			return nil, err
		}

		status := engine.StackStatusAbsent
		if st != nil {
			status = st.Status
		}
		logger.Debugf("shared stack observed in %s", status)

		switch {
		case status.IsActive():
			return p.outputs(ctx, name)

		case status.IsDeleted():
			if err := p.create(ctx, region, name); err != nil {
				return nil, err
			}

		case status.IsInProgress():
			p.narrate("Shared infrastructure %s is in %s, waiting", name, status)
		default:
			return nil, operatorIntervention(name, st)
		}

		final, err := p.waiter.WaitForTerminal(ctx, name, stack.WaitOptions{
			MissingIsDeleted: status == engine.StackStatusDeleteInProgress,
		})
		if err != nil {
			return nil, err
		}
		switch {
		case final.Status.IsActive():
			p.narrate("Shared infrastructure %s ready", name)
			return p.outputs(ctx, name)
		case final.Status.IsDeleted():
			// an orphan cleanup finished under us; create on the next pass
			logger.Info("shared stack was torn down while waiting, recreating")
			continue
		default:
			return nil, operatorIntervention(name, final)
		}
	}

	return nil, engine.NewTransientError("shared infrastructure did not settle", nil).
		WithCode(engine.ErrCodeStackFailed).WithResource(name)
}

func (p *Provisioner) describe(ctx context.Context, name string) (*stack.Stack, error) {
	st, err := p.svc.DescribeStack(ctx, name)
	if errors.Is(err, stack.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("describe shared stack %s: %w", name, err)
	}
	return st, nil
}

func (p *Provisioner) create(ctx context.Context, region, name string) error {
	in, err := p.templates.SharedInput(region)
	if err != nil {
		return engine.NewPermanentError("render shared stack", err).
			WithCode(engine.ErrCodeInvalidConfig).WithResource(name)
	}
	in.Name = name

	p.narrate("Creating shared infrastructure %s", name)
	_, err = p.svc.CreateStack(ctx, in)
	telemetry.MetricsFromContext(ctx).RecordStackOperation("create_shared", err)
	if errors.Is(err, stack.ErrAlreadyExists) {
		p.narrate("Shared infrastructure %s is being created by another workload, waiting", name)
		return nil
	}
	if err != nil {
		return fmt.Errorf("create shared stack %s: %w", name, err)
	}
	return nil
}

func (p *Provisioner) outputs(ctx context.Context, name string) (map[string]string, error) {
	out, err := p.svc.StackOutputs(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("read shared stack outputs %s: %w", name, err)
	}
	return out, nil
}

func operatorIntervention(name string, st *stack.Stack) error {
	msg := fmt.Sprintf("shared infrastructure is in %s and needs operator attention", st.Status)
	if st.StatusReason != "" {
		msg += ": " + st.StatusReason
	}
	return engine.NewPermanentError(msg, nil).
		WithCode(engine.ErrCodeOperatorIntervention).
		WithResource(name).
		WithDetail("status", string(st.Status))
}

// CleanupIfOrphaned deletes the shared stack of region when no workload stack
// in the region is left in any status but DELETE_COMPLETE. It never fails:
// every error is logged and swallowed.
func (p *Provisioner) CleanupIfOrphaned(ctx context.Context, region string) {
	name := p.StackName(region)
	op := telemetry.StartOperation(ctx, "shared.cleanup",
		telemetry.AttrStackName.String(name), telemetry.AttrRegion.String(region))
	ctx = op.Ctx
	logger := op.Logger.NewComponentLogger("shared").WithStack(name)
	metrics := telemetry.MetricsFromContext(ctx)

	result, err := p.cleanup(ctx, region, name, logger)
	if err != nil {
		logger.WithError(err).Warn("shared infrastructure cleanup failed, leaving it in place")
		result = "failed"
	}
	metrics.RecordOrphanCleanup(result)
	op.End(nil)
}

func (p *Provisioner) cleanup(ctx context.Context, region, name string, logger *telemetry.Logger) (string, error) {
	live, err := p.svc.ListStacks(ctx, stack.Filter{
		NamePrefix: p.cfg.WorkloadPrefix,
		Statuses:   stack.LiveStatuses(),
		Tags:       map[string]string{stack.TagRegion: region},
	})
	if err != nil {
		return "", fmt.Errorf("list workload stacks: %w", err)
	}

	var remaining []string
	for _, s := range live {
		if s.Name != name {
			remaining = append(remaining, s.Name)
		}
	}
	if len(remaining) > 0 {
		logger.WithField("workloads", remaining).Info("shared infrastructure still referenced")
		return "kept", nil
	}

	st, err := p.describe(ctx, name)
	if err != nil {
		return "", err
	}
	if st == nil || st.Status.IsDeleted() {
		return "absent", nil
	}

	for _, r := range p.releasers {
		if err := r.Cleanup(ctx, st); err != nil {
			logger.WithError(err).WithField("releaser", r.Name()).Warn("releasing shared protection failed")
		}
	}

	p.narrate("No workloads left, deleting shared infrastructure %s", name)
	err = p.svc.DeleteStack(ctx, name, nil)
	telemetry.MetricsFromContext(ctx).RecordStackOperation("delete_shared", err)
	if errors.Is(err, stack.ErrNotFound) {
		return "absent", nil
	}
	if err != nil {
		return "", fmt.Errorf("delete shared stack: %w", err)
	}

	final, err := p.waiter.WaitForTerminal(ctx, name, stack.WaitOptions{MissingIsDeleted: true})
	if err != nil {
		return "", err
	}
	if !final.Status.IsDeleted() {
		return "", fmt.Errorf("shared stack ended in %s: %s", final.Status, final.StatusReason)
	}
	p.narrate("Shared infrastructure %s deleted", name)
	return "deleted", nil
}
