// Package resize changes the compute allocation of a running workload with a
// stop, resize, grow and start sequence that always tries to leave the
// workload running.
package resize

import (
	"context"
	"fmt"

	"github.com/botgate/botgate/pkg/engine"
	"github.com/botgate/botgate/pkg/target"
	"github.com/botgate/botgate/pkg/telemetry"
)

// Allocation is the observed sizing of a compute unit.
type Allocation struct {
	// Size is the provider-native size name, empty when unknown.
	Size      string
	CPU       int
	MemoryMiB int
	DiskGB    int
	Running   bool
}

// Compute is the narrow contract the orchestrator drives. Every call blocks
// until the provider reports the operation finished.
type Compute interface {
	Describe(ctx context.Context, id string) (*Allocation, error)
	Stop(ctx context.Context, id string) error
	Start(ctx context.Context, id string) error
	Resize(ctx context.Context, id string, size Size) error
	// GrowDisk extends the data volume to sizeGB. Callers never pass a
	// smaller size than the current one.
	GrowDisk(ctx context.Context, id string, sizeGB int) error
}

// Orchestrator applies resource changes to compute units.
type Orchestrator struct {
	compute Compute
	catalog Catalog
	logFn   target.LogFunc
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogFunc registers a narration callback.
func WithLogFunc(fn target.LogFunc) Option {
	return func(o *Orchestrator) {
		if fn != nil {
			o.logFn = fn
		}
	}
}

// New creates an Orchestrator.
func New(compute Compute, catalog Catalog, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		compute: compute,
		catalog: catalog,
		logFn:   func(string, target.Stream) {},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Plan is what Apply is about to do.
type Plan struct {
	Current  Allocation
	Size     Size
	Resize   bool
	GrowDisk int
}

// Noop reports whether the plan changes nothing.
func (p Plan) Noop() bool { return !p.Resize && p.GrowDisk == 0 }

// Plan validates spec against the current allocation of id. A data disk
// smaller than the current one is rejected with DISK_SHRINK.
func (o *Orchestrator) Plan(ctx context.Context, id string, spec target.ResourceSpec) (*Plan, error) {
	if err := spec.Validate(); err != nil {
		return nil, engine.NewPermanentError("invalid resource spec", err).
			WithCode(engine.ErrCodeInvalidConfig).WithResource(id)
	}

	cur, err := o.compute.Describe(ctx, id)
	if err != nil {
		return nil, engine.NewTransientError("describe compute", err).
			WithCode(engine.ErrCodeResizeFailed).WithResource(id)
	}

	if spec.DataDiskSizeGB > 0 && spec.DataDiskSizeGB < cur.DiskGB {
		return nil, engine.NewPermanentError(
			fmt.Sprintf("data disk cannot shrink from %dGB to %dGB", cur.DiskGB, spec.DataDiskSizeGB), nil,
		).WithCode(engine.ErrCodeDiskShrink).WithResource(id).
			WithDetail("currentGb", cur.DiskGB).WithDetail("requestedGb", spec.DataDiskSizeGB)
	}

	// unset dimensions keep their current value
	want := spec
	if want.CPU == 0 {
		want.CPU = cur.CPU
	}
	if want.MemoryMiB == 0 {
		want.MemoryMiB = cur.MemoryMiB
	}

	plan := &Plan{Current: *cur}
	if spec.CPU == 0 && spec.MemoryMiB == 0 {
		plan.Size = Size{Name: cur.Size, CPU: cur.CPU, MemoryMiB: cur.MemoryMiB}
	} else {
		size, err := o.catalog.Match(want)
		if err != nil {
			return nil, engine.NewPermanentError("map resource spec", err).
				WithCode(engine.ErrCodeInvalidConfig).WithResource(id)
		}
		plan.Size = size
		plan.Resize = !sameSize(size, cur)
	}
	if spec.DataDiskSizeGB > cur.DiskGB {
		plan.GrowDisk = spec.DataDiskSizeGB
	}
	return plan, nil
}

func sameSize(s Size, cur *Allocation) bool {
	if cur.Size != "" {
		return s.Name == cur.Size
	}
	return s.CPU == cur.CPU && s.MemoryMiB == cur.MemoryMiB
}

// Apply resizes id to spec. A running unit is stopped, resized, its data disk
// grown when the request exceeds the current size, and started again. When a
// step after the stop fails the unit is restarted before the original error
// is returned. A unit found stopped is resized in place and left stopped.
func (o *Orchestrator) Apply(ctx context.Context, id string, spec target.ResourceSpec) (plan *Plan, err error) {
	op := telemetry.StartOperation(ctx, "resize.apply", telemetry.AttrComputeID.String(id))
	result := "failed"
	defer func() {
		telemetry.MetricsFromContext(ctx).RecordResize(result)
		op.End(err)
	}()
	ctx = op.Ctx
	logger := op.Logger.NewComponentLogger("resize").WithField("compute", id)

	plan, err = o.Plan(ctx, id, spec)
	if err != nil {
		if engine.HasCode(err, engine.ErrCodeDiskShrink) {
			result = "rejected"
		}
		return nil, err
	}
	if plan.Noop() {
		result = "noop"
		o.narrate(target.StreamStdout, "%s already matches %s", id, plan.Size.Name)
		return plan, nil
	}

	running := plan.Current.Running
	if running {
		o.narrate(target.StreamStdout, "Stopping %s", id)
		if err := o.compute.Stop(ctx, id); err != nil {
			return plan, stepFailed(id, "stop", err)
		}
	}

	if err := o.mutate(ctx, id, plan); err != nil {
		if running {
			o.restartAfterFailure(ctx, id, logger)
		}
		return plan, err
	}

	if running {
		o.narrate(target.StreamStdout, "Starting %s", id)
		if err := o.compute.Start(ctx, id); err != nil {
			o.restartAfterFailure(ctx, id, logger)
			return plan, engine.NewTransientError("resize applied but restart failed", err).
				WithCode(engine.ErrCodeRestartFailed).WithResource(id).WithOperation("start")
		}
	}

	result = "applied"
	logger.Infof("resized to %s", plan.Size.Name)
	return plan, nil
}

func (o *Orchestrator) mutate(ctx context.Context, id string, plan *Plan) error {
	if plan.Resize {
		o.narrate(target.StreamStdout, "Resizing %s to %s", id, plan.Size)
		if err := o.compute.Resize(ctx, id, plan.Size); err != nil {
			return stepFailed(id, "resize", err)
		}
	}
	if plan.GrowDisk > 0 {
		o.narrate(target.StreamStdout, "Growing data disk of %s from %dGB to %dGB", id, plan.Current.DiskGB, plan.GrowDisk)
		if err := o.compute.GrowDisk(ctx, id, plan.GrowDisk); err != nil {
			return stepFailed(id, "grow disk", err)
		}
	}
	return nil
}

// restartAfterFailure restarts id after a failed resize. Its own failure is only logged:
// the caller reports the error that caused the recovery.
func (o *Orchestrator) restartAfterFailure(ctx context.Context, id string, logger *telemetry.Logger) {
	o.narrate(target.StreamStderr, "Resize of %s failed, restarting it", id)
	if err := o.compute.Start(ctx, id); err != nil {
		logger.WithError(err).Error("restart after failed resize failed, manual intervention may be required")
		o.narrate(target.StreamStderr, "Could not restart %s, manual intervention may be required: %v", id, err)
	}
}

func (o *Orchestrator) narrate(stream target.Stream, format string, args ...interface{}) {
	o.logFn(fmt.Sprintf(format, args...), stream)
}

func stepFailed(id, step string, err error) error {
	return engine.NewTransientError(step+" failed", err).
		WithCode(engine.ErrCodeResizeFailed).WithResource(id).WithOperation(step)
}

// UpdateResources runs Apply and reports the outcome as a result. Every
// failure, including a rejected disk shrink, yields Success=false.
func (o *Orchestrator) UpdateResources(ctx context.Context, id string, spec target.ResourceSpec) *target.ResourceUpdateResult {
	plan, err := o.Apply(ctx, id, spec)
	if err != nil {
		res := &target.ResourceUpdateResult{Result: *target.Failed("%v", err)}
		if plan != nil {
			res.Applied = plan.Current.Size
		}
		return res
	}
	if plan.Noop() {
		return &target.ResourceUpdateResult{Result: *target.Ok("no resource changes needed"), Applied: plan.Size.Name}
	}
	return &target.ResourceUpdateResult{
		Result:  *target.Ok("resized to %s", plan.Size),
		Applied: plan.Size.Name,
		// a stopped unit picks the new size up on its next start
		RequiresRestart: !plan.Current.Running,
	}
}

// Resources reports the current allocation of id.
func (o *Orchestrator) Resources(ctx context.Context, id string) (*target.ResourceInfo, error) {
	cur, err := o.compute.Describe(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("describe compute %s: %w", id, err)
	}
	spec := target.ResourceSpec{CPU: cur.CPU, MemoryMiB: cur.MemoryMiB, DataDiskSizeGB: cur.DiskGB}
	tier := target.TierOf(spec)
	// providers that round report the tier of the size they recognized
	if size, ok := o.catalog.Lookup(cur.Size); ok && size.Tier != "" {
		tier = size.Tier
	}
	return &target.ResourceInfo{Spec: spec, Tier: tier, Native: cur.Size}, nil
}
