package vsphere

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmware/govmomi/simulator"
	"github.com/vmware/govmomi/vim25"
	"github.com/vmware/govmomi/vim25/mo"
	"github.com/vmware/govmomi/vim25/types"

	"github.com/botgate/botgate/pkg/resize"
	"github.com/botgate/botgate/pkg/target"
)

const testVM = "DC0_H0_VM0"

func TestNewFromClientUnknownDatacenter(t *testing.T) {
	simulator.Test(func(ctx context.Context, vc *vim25.Client) {
		_, err := NewFromClient(ctx, vc, "nope", "")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "nope")
	})
}

func TestComputeLifecycle(t *testing.T) {
	simulator.Test(func(ctx context.Context, vc *vim25.Client) {
		client, err := NewFromClient(ctx, vc, "DC0", "")
		require.NoError(t, err)
		compute := NewCompute(client)

		require.NoError(t, compute.Stop(ctx, testVM))
		alloc, err := compute.Describe(ctx, testVM)
		require.NoError(t, err)
		assert.False(t, alloc.Running)
		assert.Empty(t, alloc.Size)

		require.NoError(t, compute.Resize(ctx, testVM, resize.Size{Name: "performance", CPU: 2048, MemoryMiB: 4096}))
		require.NoError(t, compute.Start(ctx, testVM))

		alloc, err = compute.Describe(ctx, testVM)
		require.NoError(t, err)
		assert.True(t, alloc.Running)
		assert.Equal(t, 2048, alloc.CPU)
		assert.Equal(t, 4096, alloc.MemoryMiB)
		assert.Equal(t, "performance", alloc.Size)
	})
}

// countingCompute records which mutating calls reach vSphere.
type countingCompute struct {
	*Compute
	stops, resizes int
}

func (c *countingCompute) Stop(ctx context.Context, id string) error {
	c.stops++
	return c.Compute.Stop(ctx, id)
}

func (c *countingCompute) Resize(ctx context.Context, id string, size resize.Size) error {
	c.resizes++
	return c.Compute.Resize(ctx, id, size)
}

func TestReapplyingTierIsNoop(t *testing.T) {
	simulator.Test(func(ctx context.Context, vc *vim25.Client) {
		client, err := NewFromClient(ctx, vc, "DC0", "")
		require.NoError(t, err)
		compute := &countingCompute{Compute: NewCompute(client)}
		orch := resize.New(compute, resize.TierCatalog())

		light, err := target.SpecForTier(target.TierLight)
		require.NoError(t, err)

		first := orch.UpdateResources(ctx, testVM, light)
		require.True(t, first.Success, first.Message)
		assert.Equal(t, 1, compute.resizes)

		info, err := orch.Resources(ctx, testVM)
		require.NoError(t, err)
		assert.Equal(t, target.TierLight, info.Tier)
		assert.Equal(t, "light", info.Native)
		assert.Equal(t, 1024, info.Spec.CPU)

		stops := compute.stops
		second := orch.UpdateResources(ctx, testVM, light)
		require.True(t, second.Success, second.Message)
		assert.Equal(t, stops, compute.stops)
		assert.Equal(t, 1, compute.resizes)
	})
}

func TestComputeRoundsCPUUp(t *testing.T) {
	simulator.Test(func(ctx context.Context, vc *vim25.Client) {
		client, err := NewFromClient(ctx, vc, "DC0", "")
		require.NoError(t, err)
		compute := NewCompute(client)

		require.NoError(t, compute.Resize(ctx, testVM, resize.Size{CPU: 1536, MemoryMiB: 3072}))
		alloc, err := compute.Describe(ctx, testVM)
		require.NoError(t, err)
		assert.Equal(t, 2048, alloc.CPU)
	})
}

func TestComputeGrowDisk(t *testing.T) {
	simulator.Test(func(ctx context.Context, vc *vim25.Client) {
		client, err := NewFromClient(ctx, vc, "DC0", "")
		require.NoError(t, err)
		compute := NewCompute(client)

		vm, err := client.vm(ctx, testVM)
		require.NoError(t, err)
		devices, err := vm.Device(ctx)
		require.NoError(t, err)
		if dataDisk(devices) == nil {
			t.Skip("simulated VM has no disk")
		}

		before, err := compute.Describe(ctx, testVM)
		require.NoError(t, err)
		want := before.DiskGB + 2

		require.NoError(t, compute.GrowDisk(ctx, testVM, want))
		after, err := compute.Describe(ctx, testVM)
		require.NoError(t, err)
		assert.Equal(t, want, after.DiskGB)

		// Shrinking is a no-op here; the orchestrator refuses it earlier.
		require.NoError(t, compute.GrowDisk(ctx, testVM, 1))
		after, err = compute.Describe(ctx, testVM)
		require.NoError(t, err)
		assert.Equal(t, want, after.DiskGB)
	})
}

func TestComputeUnknownVM(t *testing.T) {
	simulator.Test(func(ctx context.Context, vc *vim25.Client) {
		client, err := NewFromClient(ctx, vc, "DC0", "")
		require.NoError(t, err)

		_, err = NewCompute(client).Describe(ctx, "missing")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "missing")
	})
}

func TestClusterProtection(t *testing.T) {
	simulator.Test(func(ctx context.Context, vc *vim25.Client) {
		client, err := NewFromClient(ctx, vc, "DC0", "")
		require.NoError(t, err)
		cluster := NewCluster(client)
		cloneMember(ctx, t, client, "wl-a-0", false)

		require.NoError(t, cluster.Protect(ctx, "wl-a-0"))
		require.NoError(t, cluster.Protect(ctx, "wl-a-0"))
		note := annotation(ctx, t, client, "wl-a-0")
		assert.Equal(t, 1, strings.Count(note, ProtectedMarker))

		require.NoError(t, cluster.RemoveProtection(ctx, "wl-a"))
		assert.NotContains(t, annotation(ctx, t, client, "wl-a-0"), ProtectedMarker)
	})
}

func TestClusterDeregisterMembers(t *testing.T) {
	simulator.Test(func(ctx context.Context, vc *vim25.Client) {
		client, err := NewFromClient(ctx, vc, "DC0", "")
		require.NoError(t, err)
		cluster := NewCluster(client)
		cloneMember(ctx, t, client, "wl-a-0", true)
		cloneMember(ctx, t, client, "wl-a-1", false)
		cloneMember(ctx, t, client, "wl-b-0", false)

		require.NoError(t, cluster.DeregisterMembers(ctx, "wl-a"))

		members, err := client.members(ctx, "wl-a-")
		require.NoError(t, err)
		assert.Empty(t, members)
		members, err = client.members(ctx, "wl-b-")
		require.NoError(t, err)
		assert.Len(t, members, 1)

		require.NoError(t, cluster.DeregisterMembers(ctx, "no-such-stack"))
	})
}

func cloneMember(ctx context.Context, t *testing.T, c *Client, name string, powerOn bool) {
	t.Helper()
	src, err := c.vm(ctx, testVM)
	require.NoError(t, err)
	folder, err := c.finder.DefaultFolder(ctx)
	require.NoError(t, err)
	task, err := src.Clone(ctx, folder, name, types.VirtualMachineCloneSpec{PowerOn: powerOn})
	require.NoError(t, err)
	require.NoError(t, task.Wait(ctx))
}

func annotation(ctx context.Context, t *testing.T, c *Client, id string) string {
	t.Helper()
	vm, err := c.vm(ctx, id)
	require.NoError(t, err)
	var moVM mo.VirtualMachine
	require.NoError(t, vm.Properties(ctx, vm.Reference(), []string{"config.annotation"}, &moVM))
	return moVM.Config.Annotation
}
