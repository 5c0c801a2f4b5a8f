package stack

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/botgate/botgate/pkg/engine"
	"github.com/botgate/botgate/pkg/target"
	"github.com/botgate/botgate/pkg/telemetry"
)

// Cleaner releases something known to block a stack delete, such as cluster
// members that must be deregistered or scale-in protection flags.
type Cleaner interface {
	Name() string
	Cleanup(ctx context.Context, st *Stack) error
}

// CleanerFunc adapts a function to the Cleaner interface.
type CleanerFunc struct {
	Label string
	Fn    func(ctx context.Context, st *Stack) error
}

// Name implements Cleaner.
func (c CleanerFunc) Name() string { return c.Label }

// Cleanup implements Cleaner.
func (c CleanerFunc) Cleanup(ctx context.Context, st *Stack) error { return c.Fn(ctx, st) }

// Options configures a Reconciler.
type Options struct {
	Wait WaitConfig

	// Cleaners run, best effort, before every force delete.
	Cleaners []Cleaner

	// LogFunc receives step-by-step narration.
	LogFunc target.LogFunc

	// MaxPasses bounds how many times Converge re-reads the stack status.
	MaxPasses int
}

const defaultMaxPasses = 8

// Reconciler drives a named stack toward an active state from whatever state
// it is found in. It holds no lock: two reconcilers converging the same stack
// each re-observe the remote status and continue from there.
type Reconciler struct {
	svc    Service
	waiter *Waiter
	opts   Options
}

// NewReconciler creates a Reconciler over svc.
func NewReconciler(svc Service, opts Options) *Reconciler {
	if opts.MaxPasses <= 0 {
		opts.MaxPasses = defaultMaxPasses
	}
	if opts.LogFunc == nil {
		opts.LogFunc = func(string, target.Stream) {}
	}
	if opts.Wait.Observer == nil {
		logFn := opts.LogFunc
		opts.Wait.Observer = func(ev Event) {
			line := fmt.Sprintf("%s %s %s", ev.LogicalResourceID, ev.ResourceType, ev.Status)
			if ev.Reason != "" {
				line += ": " + ev.Reason
			}
			stream := target.StreamStdout
			if strings.HasSuffix(ev.Status, "_FAILED") {
				stream = target.StreamStderr
			}
			logFn(line, stream)
		}
	}
	return &Reconciler{
		svc:    svc,
		waiter: NewWaiter(svc, opts.Wait),
		opts:   opts,
	}
}

// Service returns the stack service the reconciler drives.
func (r *Reconciler) Service() Service { return r.svc }

// Waiter returns the reconciler's waiter.
func (r *Reconciler) Waiter() *Waiter { return r.waiter }

func (r *Reconciler) narrate(format string, args ...interface{}) {
	r.opts.LogFunc(fmt.Sprintf(format, args...), target.StreamStdout)
}

func (r *Reconciler) now() time.Time {
	return r.waiter.cfg.Now()
}

// Describe returns the stack, or nil when the service does not know it.
func (r *Reconciler) Describe(ctx context.Context, name string) (*Stack, error) {
	st, err := r.svc.DescribeStack(ctx, name)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("describe stack %s: %w", name, err)
	}
	return st, nil
}

// Converge creates, updates or recovers the stack so that it ends active with
// the given content. It returns the stack with its outputs.
//
//	ABSENT / DELETE_COMPLETE       create
//	active                         update; "no changes" is success
//	DELETE_IN_PROGRESS             wait, then re-evaluate
//	DELETE_FAILED                  force delete, then re-evaluate
//	ROLLBACK_* / *_FAILED          delete, wait, then re-evaluate
//	CREATE/UPDATE_IN_PROGRESS      wait, then re-evaluate
func (r *Reconciler) Converge(ctx context.Context, in Input) (st *Stack, err error) {
	op := telemetry.StartOperation(ctx, "stack.converge", telemetry.AttrStackName.String(in.Name))
	defer func() { op.End(err) }()
	ctx = op.Ctx
	logger := op.Logger.NewComponentLogger("stack").WithStack(in.Name)

	for pass := 0; pass < r.opts.MaxPasses; pass++ {
		current, err := r.Describe(ctx, in.Name)
		if err != nil {
			return nil, err
		}
		status := engine.StackStatusAbsent
		if current != nil {
			status = current.Status
		}
		logger.WithField("pass", pass).Infof("stack observed in %s", status)

		switch {
		case status.IsDeleted():
			st, retry, err := r.create(ctx, in)
			if retry {
				continue
			}
			return st, err

		case status.IsActive():
			st, retry, err := r.update(ctx, in, current)
			if retry {
				continue
			}
			return st, err

		case status == engine.StackStatusDeleteInProgress:
			r.narrate("Stack %s is being deleted, waiting", in.Name)
			if _, err := r.waiter.WaitForTerminal(ctx, in.Name, WaitOptions{MissingIsDeleted: true}); err != nil {
				return nil, err
			}

		case status == engine.StackStatusDeleteFailed:
			r.narrate("Stack %s is stuck in %s, recovering", in.Name, status)
			if err := r.ForceDelete(ctx, in.Name); err != nil {
				return nil, err
			}

		case status.NeedsRecreate():
			r.narrate("Stack %s is in %s, deleting before recreating", in.Name, status)
			if err := r.delete(ctx, in.Name); err != nil {
				return nil, err
			}

		case status.IsInProgress():
			r.narrate("Stack %s is in %s, waiting for it to settle", in.Name, status)
			if _, err := r.waiter.WaitForTerminal(ctx, in.Name, WaitOptions{}); err != nil {
				return nil, err
			}

		default:
			return nil, engine.NewPermanentError(fmt.Sprintf("unhandled stack status %s", status), nil).
				WithCode(engine.ErrCodeOperatorIntervention).WithResource(in.Name)
		}
	}

	return nil, engine.NewTransientError(
		fmt.Sprintf("stack did not converge after %d passes", r.opts.MaxPasses), nil,
	).WithCode(engine.ErrCodeStackFailed).WithResource(in.Name)
}

// create issues a create and waits. retry is set when the stack appeared
// concurrently and the caller should re-evaluate.
func (r *Reconciler) create(ctx context.Context, in Input) (*Stack, bool, error) {
	metrics := telemetry.MetricsFromContext(ctx)
	since := r.now()

	r.narrate("Creating stack %s", in.Name)
	_, err := r.svc.CreateStack(ctx, in)
	metrics.RecordStackOperation("create", err)
	if errors.Is(err, ErrAlreadyExists) {
		r.narrate("Stack %s was created concurrently, re-evaluating", in.Name)
		return nil, true, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("create stack %s: %w", in.Name, err)
	}

	final, err := r.waiter.WaitForTerminal(ctx, in.Name, WaitOptions{Since: since})
	if err != nil {
		return nil, false, err
	}
	if !final.Status.IsActive() {
		return nil, false, stackFailed(in.Name, "create", final)
	}
	r.narrate("Stack %s created", in.Name)
	return r.withOutputs(ctx, final)
}

func (r *Reconciler) update(ctx context.Context, in Input, current *Stack) (*Stack, bool, error) {
	metrics := telemetry.MetricsFromContext(ctx)
	since := r.now()

	r.narrate("Updating stack %s", in.Name)
	err := r.svc.UpdateStack(ctx, in)
	switch {
	case errors.Is(err, ErrNoChanges):
		metrics.RecordStackOperation("update", nil)
		r.narrate("Stack %s is up to date", in.Name)
		return r.withOutputs(ctx, current)
	case errors.Is(err, ErrNotFound):
		return nil, true, nil
	case err != nil:
		metrics.RecordStackOperation("update", err)
		return nil, false, fmt.Errorf("update stack %s: %w", in.Name, err)
	}
	metrics.RecordStackOperation("update", nil)

	final, err := r.waiter.WaitForTerminal(ctx, in.Name, WaitOptions{Since: since})
	if err != nil {
		return nil, false, err
	}
	switch {
	case final.Status == engine.StackStatusUpdateComplete:
		r.narrate("Stack %s updated", in.Name)
		return r.withOutputs(ctx, final)
	case final.Status.NeedsRecreate():
		// rollback failed, the next pass recreates the stack
		return nil, true, nil
	default:
		return nil, false, stackFailed(in.Name, "update", final)
	}
}

func (r *Reconciler) withOutputs(ctx context.Context, st *Stack) (*Stack, bool, error) {
	outputs, err := r.svc.StackOutputs(ctx, st.Name)
	if err != nil {
		return nil, false, fmt.Errorf("read outputs of stack %s: %w", st.Name, err)
	}
	out := *st
	out.Outputs = outputs
	return &out, false, nil
}

// delete issues a plain delete and waits. A stack left in DELETE_FAILED is
// not an error here: the next Converge pass routes it to ForceDelete.
func (r *Reconciler) delete(ctx context.Context, name string) error {
	since := r.now()
	err := r.svc.DeleteStack(ctx, name, nil)
	telemetry.MetricsFromContext(ctx).RecordStackOperation("delete", err)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("delete stack %s: %w", name, err)
	}
	_, err = r.waiter.WaitForTerminal(ctx, name, WaitOptions{Since: since, MissingIsDeleted: true})
	return err
}

// ForceDelete removes the stack even when some of its resources refuse to go.
// Blocking resources are released by the configured cleaners first. If the
// delete still fails, the stuck resource ids are read from the failure reason
// and events, and the delete is retried retaining exactly those resources.
func (r *Reconciler) ForceDelete(ctx context.Context, name string) (err error) {
	op := telemetry.StartOperation(ctx, "stack.force_delete", telemetry.AttrStackName.String(name))
	defer func() { op.End(err) }()
	ctx = op.Ctx
	logger := op.Logger.NewComponentLogger("stack").WithStack(name)
	metrics := telemetry.MetricsFromContext(ctx)

	current, err := r.Describe(ctx, name)
	if err != nil {
		return err
	}
	if current == nil || current.Status.IsDeleted() {
		return nil
	}

	since := r.now()
	var final *Stack
	if current.Status == engine.StackStatusDeleteInProgress {
		final, err = r.waiter.WaitForTerminal(ctx, name, WaitOptions{MissingIsDeleted: true})
	} else {
		r.runCleaners(ctx, current, logger)

		r.narrate("Deleting stack %s", name)
		err = r.svc.DeleteStack(ctx, name, nil)
		metrics.RecordStackOperation("delete", err)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("delete stack %s: %w", name, err)
		}
		final, err = r.waiter.WaitForTerminal(ctx, name, WaitOptions{Since: since, MissingIsDeleted: true})
	}
	if err != nil {
		return err
	}
	if final.Status.IsDeleted() {
		r.narrate("Stack %s deleted", name)
		return nil
	}
	if final.Status != engine.StackStatusDeleteFailed {
		return stackFailed(name, "delete", final)
	}

	// Re-read the reason: the status seen while polling may predate it.
	failed, err := r.Describe(ctx, name)
	if err != nil {
		return err
	}
	if failed == nil {
		return nil
	}
	events, err := r.svc.StackEvents(ctx, name)
	if err != nil {
		logger.WithError(err).Warn("listing events for stuck resources failed")
	}
	var recent []Event
	for _, ev := range events {
		if !ev.Timestamp.Before(since) {
			recent = append(recent, ev)
		}
	}

	retain := StuckResources(name, failed.StatusReason, recent)
	if len(retain) == 0 {
		return engine.NewPermanentError(
			fmt.Sprintf("stack delete failed and no stuck resources could be identified: %s", failed.StatusReason), nil,
		).WithCode(engine.ErrCodeDeleteFailed).WithResource(name)
	}

	r.narrate("Retrying delete of %s, retaining stuck resources: %s", name, strings.Join(retain, ", "))
	logger.WithField("retain", retain).Warn("retrying delete with retained resources")

	since = r.now()
	err = r.svc.DeleteStack(ctx, name, retain)
	metrics.RecordStackOperation("delete_retain", err)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("delete stack %s retaining %v: %w", name, retain, err)
	}
	final, err = r.waiter.WaitForTerminal(ctx, name, WaitOptions{Since: since, MissingIsDeleted: true})
	if err != nil {
		return err
	}
	if !final.Status.IsDeleted() {
		return engine.NewPermanentError(
			fmt.Sprintf("stack still %s after retaining stuck resources: %s", final.Status, final.StatusReason), nil,
		).WithCode(engine.ErrCodeDeleteFailed).WithResource(name)
	}
	r.narrate("Stack %s deleted; orphaned resources: %s", name, strings.Join(retain, ", "))
	return nil
}

func (r *Reconciler) runCleaners(ctx context.Context, st *Stack, logger *telemetry.Logger) {
	for _, c := range r.opts.Cleaners {
		if err := c.Cleanup(ctx, st); err != nil {
			logger.WithError(err).WithField("cleaner", c.Name()).Warn("pre-delete cleanup failed")
			continue
		}
		logger.WithField("cleaner", c.Name()).Debug("pre-delete cleanup done")
	}
}

func stackFailed(name, operation string, st *Stack) error {
	msg := fmt.Sprintf("stack %s ended in %s", operation, st.Status)
	if st.StatusReason != "" {
		msg += ": " + st.StatusReason
	}
	return engine.NewPermanentError(msg, nil).
		WithCode(engine.ErrCodeStackFailed).
		WithResource(name).
		WithOperation(operation).
		WithDetail("status", string(st.Status))
}
