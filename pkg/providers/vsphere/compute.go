package vsphere

import (
	"context"
	"fmt"
	"time"

	"github.com/vmware/govmomi/object"
	"github.com/vmware/govmomi/vim25/mo"
	"github.com/vmware/govmomi/vim25/types"

	"github.com/botgate/botgate/pkg/resize"
	"github.com/botgate/botgate/pkg/telemetry"
)

const gib = 1024 * 1024

// Compute implements resize.Compute for vSphere VMs. CPU units are mapped
// to whole vCPUs.
type Compute struct {
	client *Client
	// Catalog names the hardware a VM reports. A size matches when its cpu
	// rounds up to the VM's vCPU count and its memory is equal.
	Catalog resize.Catalog
	// ShutdownTimeout is how long Stop waits for a guest shutdown before
	// powering off. Zero powers off immediately.
	ShutdownTimeout time.Duration
}

var _ resize.Compute = (*Compute)(nil)

// NewCompute creates a Compute over client.
func NewCompute(client *Client) *Compute {
	return &Compute{client: client, Catalog: resize.TierCatalog()}
}

func vcpus(cpu int) int32 {
	return int32((cpu + 1023) / 1024)
}

// sizeOf returns the catalog name for the given hardware, empty when none fits.
func (c *Compute) sizeOf(numCPU int32, memoryMB int32) string {
	for _, s := range c.Catalog {
		if vcpus(s.CPU) == numCPU && int32(s.MemoryMiB) == memoryMB {
			return s.Name
		}
	}
	return ""
}

// Describe implements resize.Compute.
func (c *Compute) Describe(ctx context.Context, id string) (*resize.Allocation, error) {
	vm, err := c.client.vm(ctx, id)
	if err != nil {
		return nil, err
	}

	var moVM mo.VirtualMachine
	if err := vm.Properties(ctx, vm.Reference(), []string{"config.hardware", "runtime.powerState"}, &moVM); err != nil {
		return nil, fmt.Errorf("getting VM properties: %w", err)
	}
	if moVM.Config == nil {
		return nil, fmt.Errorf("compute unit %s has no configuration", id)
	}

	hw := moVM.Config.Hardware
	alloc := &resize.Allocation{
		Size:      c.sizeOf(hw.NumCPU, hw.MemoryMB),
		CPU:       int(hw.NumCPU) * 1024,
		MemoryMiB: int(hw.MemoryMB),
		Running:   moVM.Runtime.PowerState == types.VirtualMachinePowerStatePoweredOn,
	}
	if disk := dataDisk(object.VirtualDeviceList(hw.Device)); disk != nil {
		alloc.DiskGB = int(disk.CapacityInKB / gib)
	}
	return alloc, nil
}

// Stop implements resize.Compute.
func (c *Compute) Stop(ctx context.Context, id string) error {
	vm, err := c.client.vm(ctx, id)
	if err != nil {
		return err
	}

	if c.ShutdownTimeout > 0 {
		if err := vm.ShutdownGuest(ctx); err == nil {
			waitCtx, cancel := context.WithTimeout(ctx, c.ShutdownTimeout)
			err = vm.WaitForPowerState(waitCtx, types.VirtualMachinePowerStatePoweredOff)
			cancel()
			if err == nil {
				return nil
			}
		}
		telemetry.FromContext(ctx).NewComponentLogger("vsphere").
			WithField("vm", id).Warn("guest shutdown did not finish, powering off")
	}
	return runTask(ctx, "power off", func() (*object.Task, error) { return vm.PowerOff(ctx) })
}

// Start implements resize.Compute.
func (c *Compute) Start(ctx context.Context, id string) error {
	vm, err := c.client.vm(ctx, id)
	if err != nil {
		return err
	}
	return runTask(ctx, "power on", func() (*object.Task, error) { return vm.PowerOn(ctx) })
}

// Resize implements resize.Compute.
func (c *Compute) Resize(ctx context.Context, id string, size resize.Size) error {
	vm, err := c.client.vm(ctx, id)
	if err != nil {
		return err
	}
	spec := types.VirtualMachineConfigSpec{
		NumCPUs:  vcpus(size.CPU),
		MemoryMB: int64(size.MemoryMiB),
	}
	return runTask(ctx, "reconfigure", func() (*object.Task, error) { return vm.Reconfigure(ctx, spec) })
}

// GrowDisk implements resize.Compute.
func (c *Compute) GrowDisk(ctx context.Context, id string, sizeGB int) error {
	vm, err := c.client.vm(ctx, id)
	if err != nil {
		return err
	}
	devices, err := vm.Device(ctx)
	if err != nil {
		return fmt.Errorf("listing devices: %w", err)
	}
	disk := dataDisk(devices)
	if disk == nil {
		return fmt.Errorf("compute unit %s has no disk", id)
	}

	want := int64(sizeGB) * gib
	if want <= disk.CapacityInKB {
		return nil
	}
	disk.CapacityInKB = want
	disk.CapacityInBytes = want * 1024

	spec := types.VirtualMachineConfigSpec{
		DeviceChange: []types.BaseVirtualDeviceConfigSpec{
			&types.VirtualDeviceConfigSpec{
				Operation: types.VirtualDeviceConfigSpecOperationEdit,
				Device:    disk,
			},
		},
	}
	return runTask(ctx, "grow disk", func() (*object.Task, error) { return vm.Reconfigure(ctx, spec) })
}

// dataDisk picks the second disk when there is one; the first holds the OS.
func dataDisk(devices object.VirtualDeviceList) *types.VirtualDisk {
	disks := devices.SelectByType((*types.VirtualDisk)(nil))
	switch len(disks) {
	case 0:
		return nil
	case 1:
		return disks[0].(*types.VirtualDisk)
	default:
		return disks[1].(*types.VirtualDisk)
	}
}

func runTask(ctx context.Context, what string, start func() (*object.Task, error)) error {
	task, err := start()
	if err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	if err := task.Wait(ctx); err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	return nil
}
