package container

import (
	"context"
	"fmt"

	"github.com/botgate/botgate/pkg/engine"
	"github.com/botgate/botgate/pkg/target"
)

const mib = 1024 * 1024

// UpdateResources implements target.ResourceUpdater. Limits are changed on
// the live container. Disk size is not managed by the engine: alongside cpu
// or memory it is skipped with a warning, on its own it fails.
func (t *Target) UpdateResources(ctx context.Context, spec target.ResourceSpec) (res *target.ResourceUpdateResult, err error) {
	op := t.Begin(ctx, "updateResources")
	ctx = op.Ctx
	defer func() { op.Finish(res != nil && res.Success, err) }()

	if err := spec.Validate(); err != nil {
		return nil, engine.NewPermanentError("invalid resource spec", err).WithCode(engine.ErrCodeInvalidConfig)
	}
	info, err := t.inspect(ctx)
	if err != nil {
		return &target.ResourceUpdateResult{Result: *target.Failed("inspect %s: %v", t.Name(), err)}, nil
	}
	if info == nil {
		return &target.ResourceUpdateResult{Result: *target.Failed("profile %s is not installed", t.Profile())}, nil
	}
	limits := limitArgs(spec)
	if spec.DataDiskSizeGB > 0 {
		if len(limits) == 0 {
			return &target.ResourceUpdateResult{Result: *target.Failed(
				"%s: container targets do not manage disk size, dataDiskSizeGb=%d cannot be applied",
				engine.ErrCodeUnsupported, spec.DataDiskSizeGB)}, nil
		}
		t.EmitErr("container targets do not manage disk size; ignoring dataDiskSizeGb=%d", spec.DataDiskSizeGB)
	}
	if len(limits) == 0 {
		return &target.ResourceUpdateResult{Result: *target.Ok("nothing to change")}, nil
	}
	args := append([]string{"update"}, limits...)
	if _, err := t.docker(ctx, append(args, t.Name())...); err != nil {
		return &target.ResourceUpdateResult{Result: *target.Failed("update limits: %v", err)}, nil
	}

	applied := target.ResourceSpec{CPU: spec.CPU, MemoryMiB: spec.MemoryMiB}
	t.Emit("limits of %s set to %s", t.Name(), applied)
	return &target.ResourceUpdateResult{
		Result:  *target.Ok("resources updated to %s", applied),
		Applied: native(applied),
	}, nil
}

// Resources implements target.ResourceReporter.
func (t *Target) Resources(ctx context.Context) (*target.ResourceInfo, error) {
	info, err := t.inspect(ctx)
	if err != nil {
		return nil, engine.NewTransientError("inspect "+t.Name(), err)
	}
	if info == nil {
		return nil, engine.NewPermanentError("profile "+t.Profile()+" is not installed", nil).WithCode(engine.ErrCodeNotFound)
	}

	spec := target.ResourceSpec{
		CPU:       int(info.HostConfig.NanoCpus * 1024 / 1e9),
		MemoryMiB: int(info.HostConfig.Memory / mib),
	}
	if spec.CPU == 0 && spec.MemoryMiB == 0 {
		return &target.ResourceInfo{Spec: spec, Tier: target.TierCustom, Native: "unlimited"}, nil
	}
	return &target.ResourceInfo{Spec: spec, Tier: target.TierOf(spec), Native: native(spec)}, nil
}

func native(spec target.ResourceSpec) string {
	return fmt.Sprintf("cpus=%g memory=%dm", float64(spec.CPU)/1024, spec.MemoryMiB)
}
