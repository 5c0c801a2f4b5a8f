package fleet

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"strconv"

	"github.com/botgate/botgate/pkg/engine"
	"github.com/botgate/botgate/pkg/stack"
	"github.com/botgate/botgate/pkg/target"
)

// workloadInput renders the workload stack for an install.
func (t *Target) workloadInput(opts target.InstallOptions, sharedOutputs map[string]string) (stack.Input, error) {
	body, err := fileTemplates{cfg: t.cfg}.workload()
	if err != nil {
		return stack.Input{}, err
	}

	spec, err := t.desiredSpec(opts)
	if err != nil {
		return stack.Input{}, err
	}
	size, err := t.catalog.Match(spec)
	if err != nil {
		return stack.Input{}, err
	}

	params := maps.Clone(sharedOutputs)
	if params == nil {
		params = map[string]string{}
	}
	maps.Copy(params, map[string]string{
		"Profile":      t.Profile(),
		"Region":       t.cfg.Region,
		"SharedStack":  t.SharedStackName(),
		"InstanceSize": size.Name,
		"Cpu":          strconv.Itoa(size.CPU),
		"MemoryMiB":    strconv.Itoa(size.MemoryMiB),
		"Port":         strconv.Itoa(t.cfg.Port),
		"Unit":         t.cfg.Unit,
	})
	if spec.DataDiskSizeGB > 0 {
		params["DataDiskSizeGb"] = strconv.Itoa(spec.DataDiskSizeGB)
	}
	if opts.Version != "" {
		params["Version"] = opts.Version
	}
	if len(opts.Env) > 0 {
		env, _ := json.Marshal(opts.Env)
		params["GatewayEnv"] = string(env)
	}

	return stack.Input{
		Name:       t.StackName(),
		Template:   body,
		Parameters: params,
		Tags: map[string]string{
			"botgate:profile": t.Profile(),
			stack.TagRegion:   t.cfg.Region,
		},
	}, nil
}

func (t *Target) desiredSpec(opts target.InstallOptions) (target.ResourceSpec, error) {
	switch {
	case opts.Resources != nil:
		return *opts.Resources, nil
	case t.cfg.Resources != nil:
		return *t.cfg.Resources, nil
	case t.cfg.Tier != "" && t.cfg.Tier != target.TierCustom:
		return target.SpecForTier(t.cfg.Tier)
	default:
		return target.SpecForTier(target.TierStandard)
	}
}

// Install implements target.Target. It ensures the shared infrastructure of
// the region, stores provider secrets and converges the workload stack from
// whatever state an earlier run left it in.
func (t *Target) Install(ctx context.Context, opts target.InstallOptions) (res *target.InstallResult, err error) {
	op := t.Begin(ctx, "install")
	ctx = op.Ctx
	defer func() { op.Finish(res != nil && res.Success, err) }()
	logger := op.Logger.NewComponentLogger("fleet").WithProfile(t.Profile(), string(t.Kind()))

	t.Emit("Ensuring shared infrastructure in %s", t.cfg.Region)
	sharedOutputs, err := t.shared.Ensure(ctx, t.cfg.Region)
	if err != nil {
		logger.WithError(err).Error("shared infrastructure not ready")
		res := &target.InstallResult{Result: *target.Failed("shared infrastructure %s: %v", t.SharedStackName(), err)}
		if engine.HasCode(err, engine.ErrCodeOperatorIntervention) {
			res.Outputs = map[string]string{"action": "inspect and repair stack " + t.SharedStackName() + " before retrying"}
		}
		return res, nil
	}

	if len(opts.Secrets) > 0 {
		if err := t.secrets.Ensure(ctx, t.StackName(), opts.Secrets); err != nil {
			return &target.InstallResult{Result: *target.Failed("store secrets: %v", err)}, nil
		}
		t.Emit("Stored %d secret(s) for %s", len(opts.Secrets), t.Profile())
	}

	in, err := t.workloadInput(opts, sharedOutputs)
	if err != nil {
		return nil, engine.NewPermanentError("render workload stack", err).WithCode(engine.ErrCodeInvalidConfig)
	}

	st, err := t.reconciler.Converge(ctx, in)
	if err != nil {
		logger.WithError(err).Error("workload stack did not converge")
		return &target.InstallResult{Result: *target.Failed("workload stack %s: %v", in.Name, err)}, nil
	}

	out := &target.InstallResult{
		Result:  *target.Ok("workload stack %s is %s", st.Name, st.Status),
		Outputs: st.Outputs,
	}
	if host := st.Outputs[t.cfg.HostOutput]; host != "" {
		out.Endpoint = &target.Endpoint{Host: host, Port: t.cfg.Port, Protocol: "http"}
	}
	return out, nil
}

// describe returns the workload stack, or nil when it does not exist.
func (t *Target) describe(ctx context.Context) (*stack.Stack, error) {
	st, err := t.reconciler.Describe(ctx, t.StackName())
	if err != nil {
		return nil, err
	}
	if st == nil || st.Status.IsDeleted() {
		return nil, nil
	}
	return st, nil
}

// output reads a named output of the active workload stack.
func (t *Target) output(ctx context.Context, key string) (string, error) {
	st, err := t.describe(ctx)
	if err != nil {
		return "", engine.NewTransientError("describe workload stack", err).WithResource(t.StackName())
	}
	if st == nil {
		return "", engine.NewPermanentError("profile "+t.Profile()+" is not installed", nil).
			WithCode(engine.ErrCodeNotFound).WithResource(t.StackName())
	}
	if !st.Status.IsActive() {
		return "", engine.NewTransientError(fmt.Sprintf("workload stack is %s", st.Status), nil).WithResource(t.StackName())
	}
	v := st.Outputs[key]
	if v == "" {
		outputs, err := t.stacks.StackOutputs(ctx, st.Name)
		if err != nil {
			return "", engine.NewTransientError("read stack outputs", err).WithResource(st.Name)
		}
		v = outputs[key]
	}
	if v == "" {
		return "", engine.NewPermanentError("workload stack has no output "+key, nil).
			WithCode(engine.ErrCodeNotFound).WithResource(st.Name)
	}
	return v, nil
}

// Endpoint implements target.Target.
func (t *Target) Endpoint(ctx context.Context) (*target.Endpoint, error) {
	host, err := t.output(ctx, t.cfg.HostOutput)
	if err != nil {
		return nil, err
	}
	return &target.Endpoint{Host: host, Port: t.cfg.Port, Protocol: "http"}, nil
}

// Status implements target.Target. The stack status decides unless the stack
// is active, in which case the gateway unit on the host is asked.
func (t *Target) Status(ctx context.Context) (*target.Status, error) {
	st, err := t.describe(ctx)
	if err != nil {
		return &target.Status{State: engine.TargetStateError, Message: err.Error()}, nil
	}
	if st == nil {
		return &target.Status{State: engine.TargetStateNotInstalled}, nil
	}

	status := &target.Status{
		Detail: map[string]string{"stack": st.Name, "stackStatus": string(st.Status)},
	}
	switch {
	case st.Status.IsInProgress():
		status.State = engine.TargetStateStopped
		status.Message = fmt.Sprintf("stack %s is %s", st.Name, st.Status)
		return status, nil
	case !st.Status.IsActive():
		status.State = engine.TargetStateError
		status.Message = fmt.Sprintf("stack %s is %s", st.Name, st.Status)
		if st.StatusReason != "" {
			status.Message += ": " + st.StatusReason
		}
		return status, nil
	}

	host := st.Outputs[t.cfg.HostOutput]
	status.Detail["host"] = host
	if host == "" {
		status.State = engine.TargetStateError
		status.Message = "stack has no " + t.cfg.HostOutput + " output"
		return status, nil
	}

	u, err := t.unitStatus(ctx, host)
	if err != nil {
		status.State = engine.TargetStateError
		status.Message = "host unreachable: " + err.Error()
		return status, nil
	}
	status.Detail["unit"] = u.Active
	status.Detail["subState"] = u.SubState
	status.StartedAt = u.Since
	if u.Active == "active" {
		status.State = engine.TargetStateRunning
	} else {
		status.State = engine.TargetStateStopped
		if u.Active == "failed" {
			status.State = engine.TargetStateError
		}
	}
	status.Message = "unit " + t.cfg.Unit + " is " + u.Active
	return status, nil
}

// Destroy implements target.Target. The workload stack is force deleted,
// then the secrets and the shared infrastructure are cleaned up. The steps
// are independent: a failed stack delete still runs the other two.
func (t *Target) Destroy(ctx context.Context) (res *target.Result, err error) {
	op := t.Begin(ctx, "destroy")
	ctx = op.Ctx
	defer func() { op.Finish(res != nil && res.Success, err) }()
	logger := op.Logger.NewComponentLogger("fleet").WithProfile(t.Profile(), string(t.Kind()))

	t.Emit("Deleting workload stack %s", t.StackName())
	deleteErr := t.reconciler.ForceDelete(ctx, t.StackName())
	if deleteErr != nil {
		logger.WithError(deleteErr).Error("workload stack delete failed")
	}

	if err := t.secrets.Delete(ctx, t.StackName()); err != nil {
		logger.WithError(err).Warn("secret cleanup failed")
		t.EmitErr("Could not delete secrets of %s: %v", t.Profile(), err)
	}

	// A workload stack left in DELETE_FAILED still counts as live, so the
	// shared stack survives a failed delete.
	t.shared.CleanupIfOrphaned(ctx, t.cfg.Region)

	if deleteErr != nil {
		msg := fmt.Sprintf("workload stack %s could not be deleted: %v", t.StackName(), deleteErr)
		if engine.HasCode(deleteErr, engine.ErrCodeDeleteFailed) {
			msg += "; delete the stack manually, then run destroy again"
		}
		return target.Failed("%s", msg), nil
	}
	return target.Ok("profile %s destroyed", t.Profile()), nil
}
