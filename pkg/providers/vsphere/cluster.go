package vsphere

import (
	"context"
	"fmt"
	"strings"

	"github.com/vmware/govmomi/object"
	"github.com/vmware/govmomi/vim25/mo"
	"github.com/vmware/govmomi/vim25/types"

	"github.com/botgate/botgate/pkg/telemetry"
)

// ProtectedMarker in a VM annotation blocks its deletion by the stack
// service until removed.
const ProtectedMarker = "botgate:protected"

// Cluster holds the stack-adjacent cleanup steps that must run before a
// stack can be deleted.
type Cluster struct {
	client *Client
}

// NewCluster creates a Cluster over client.
func NewCluster(client *Client) *Cluster {
	return &Cluster{client: client}
}

// DeregisterMembers powers off and unregisters every VM named
// "<stack>-*". Missing members are not an error.
func (c *Cluster) DeregisterMembers(ctx context.Context, stack string) error {
	logger := telemetry.FromContext(ctx).NewComponentLogger("vsphere").WithStack(stack)

	vms, err := c.client.members(ctx, stack+"-")
	if err != nil {
		return fmt.Errorf("listing members of %s: %w", stack, err)
	}

	var failed []string
	for _, vm := range vms {
		if err := deregister(ctx, vm); err != nil {
			logger.WithError(err).Warnf("failed to deregister %s", vm.Name())
			failed = append(failed, vm.Name())
			continue
		}
		logger.Infof("deregistered %s", vm.Name())
	}
	if len(failed) > 0 {
		return fmt.Errorf("could not deregister %s", strings.Join(failed, ", "))
	}
	return nil
}

// RemoveProtection strips ProtectedMarker from the annotations of every
// member of stack.
func (c *Cluster) RemoveProtection(ctx context.Context, stack string) error {
	vms, err := c.client.members(ctx, stack+"-")
	if err != nil {
		return fmt.Errorf("listing members of %s: %w", stack, err)
	}
	for _, vm := range vms {
		var moVM mo.VirtualMachine
		if err := vm.Properties(ctx, vm.Reference(), []string{"config.annotation"}, &moVM); err != nil {
			return err
		}
		if moVM.Config == nil || !strings.Contains(moVM.Config.Annotation, ProtectedMarker) {
			continue
		}
		note := strings.TrimSpace(strings.ReplaceAll(moVM.Config.Annotation, ProtectedMarker, ""))
		spec := types.VirtualMachineConfigSpec{Annotation: note}
		if err := runTask(ctx, "remove protection", func() (*object.Task, error) { return vm.Reconfigure(ctx, spec) }); err != nil {
			return err
		}
	}
	return nil
}

// Protect adds ProtectedMarker to the annotation of VM id.
func (c *Cluster) Protect(ctx context.Context, id string) error {
	vm, err := c.client.vm(ctx, id)
	if err != nil {
		return err
	}
	var moVM mo.VirtualMachine
	if err := vm.Properties(ctx, vm.Reference(), []string{"config.annotation"}, &moVM); err != nil {
		return err
	}
	note := ProtectedMarker
	if moVM.Config != nil && moVM.Config.Annotation != "" {
		if strings.Contains(moVM.Config.Annotation, ProtectedMarker) {
			return nil
		}
		note = moVM.Config.Annotation + " " + ProtectedMarker
	}
	spec := types.VirtualMachineConfigSpec{Annotation: note}
	return runTask(ctx, "protect", func() (*object.Task, error) { return vm.Reconfigure(ctx, spec) })
}

func deregister(ctx context.Context, vm *object.VirtualMachine) error {
	state, err := vm.PowerState(ctx)
	if err != nil {
		return err
	}
	if state == types.VirtualMachinePowerStatePoweredOn {
		if err := runTask(ctx, "power off", func() (*object.Task, error) { return vm.PowerOff(ctx) }); err != nil {
			return err
		}
	}
	return vm.Unregister(ctx)
}
