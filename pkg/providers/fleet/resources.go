package fleet

import (
	"context"

	"github.com/botgate/botgate/pkg/engine"
	"github.com/botgate/botgate/pkg/target"
)

// UpdateResources implements target.ResourceUpdater on the workload's
// compute unit.
func (r *Resizable) UpdateResources(ctx context.Context, spec target.ResourceSpec) (res *target.ResourceUpdateResult, err error) {
	op := r.Begin(ctx, "updateResources")
	ctx = op.Ctx
	defer func() { op.Finish(res != nil && res.Success, err) }()

	if err := spec.Validate(); err != nil {
		return nil, engine.NewPermanentError("invalid resource spec", err).WithCode(engine.ErrCodeInvalidConfig)
	}
	id, err := r.output(ctx, r.cfg.ComputeOutput)
	if err != nil {
		return &target.ResourceUpdateResult{Result: *target.Failed("locate compute unit: %v", err)}, nil
	}
	return r.resizer.UpdateResources(ctx, id, spec), nil
}

// Resources implements target.ResourceReporter.
func (r *Resizable) Resources(ctx context.Context) (*target.ResourceInfo, error) {
	id, err := r.output(ctx, r.cfg.ComputeOutput)
	if err != nil {
		return nil, err
	}
	return r.resizer.Resources(ctx, id)
}
