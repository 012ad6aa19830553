package vsphere

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmware/govmomi/find"
	"github.com/vmware/govmomi/object"
	"github.com/vmware/govmomi/simulator"
	"github.com/vmware/govmomi/vim25"
	"github.com/vmware/govmomi/vim25/mo"
	"github.com/vmware/govmomi/vim25/types"

	"github.com/ova-exporter/ova-exporter/pkg/errors"
	"github.com/ova-exporter/ova-exporter/pkg/platform"
)

func TestListAndGetVM(t *testing.T) {
	simulator.Test(func(ctx context.Context, vc *vim25.Client) {
		c := NewFromClient(vc, vc.URL().Host)

		vms, err := c.ListVMs(ctx, platform.Filter{})
		require.NoError(t, err)
		require.NotEmpty(t, vms)

		for i := 1; i < len(vms); i++ {
			assert.LessOrEqual(t, vms[i-1].Name, vms[i].Name)
		}

		vm, err := c.GetVM(ctx, vms[0].Name)
		require.NoError(t, err)
		assert.Equal(t, vms[0].Name, vm.Name)

		_, err = c.GetVM(ctx, "does-not-exist")
		assert.ErrorIs(t, err, platform.ErrNotFound)

		off, err := c.ListVMs(ctx, platform.Filter{PowerState: platform.PoweredOff})
		require.NoError(t, err)
		for _, v := range off {
			assert.Equal(t, platform.PoweredOff, v.PowerState)
		}
	})
}

func TestMissingVMIsNotFound(t *testing.T) {
	simulator.Test(func(ctx context.Context, vc *vim25.Client) {
		c := NewFromClient(vc, vc.URL().Host)

		_, err := c.GetPowerState(ctx, "ghost")
		assert.ErrorIs(t, err, platform.ErrNotFound)

		_, err = c.CreateExportLease(ctx, "ghost")
		assert.ErrorIs(t, err, platform.ErrNotFound)

		_, err = c.ForcePowerOff(ctx, "ghost")
		assert.ErrorIs(t, err, platform.ErrNotFound)
		assert.False(t, errors.IsKind(err, errors.KindConnection))

		// a name pattern must not match real VMs
		_, err = c.GetVM(ctx, "*")
		assert.ErrorIs(t, err, platform.ErrNotFound)
	})
}

func TestForcePowerOff(t *testing.T) {
	simulator.Test(func(ctx context.Context, vc *vim25.Client) {
		c := NewFromClient(vc, vc.URL().Host)

		vms, err := c.ListVMs(ctx, platform.Filter{PowerState: platform.PoweredOn})
		require.NoError(t, err)
		require.NotEmpty(t, vms)
		name := vms[0].Name

		task, err := c.ForcePowerOff(ctx, name)
		require.NoError(t, err)
		require.NoError(t, task.Wait(ctx))

		state, err := c.GetPowerState(ctx, name)
		require.NoError(t, err)
		assert.Equal(t, platform.PoweredOff, state)
	})
}

// importLease opens an HttpNfcLease through ImportVApp, which the simulator
// implements, so the lease calls can run against a real lease object.
func importLease(ctx context.Context, t *testing.T, vc *vim25.Client, c *Client, name string) platform.LeaseHandle {
	t.Helper()

	vms, err := c.ListVMs(ctx, platform.Filter{})
	require.NoError(t, err)
	require.NotEmpty(t, vms)
	vm, _, err := c.lookup(ctx, vms[0].Name)
	require.NoError(t, err)

	var m mo.VirtualMachine
	require.NoError(t, vm.Properties(ctx, vm.Reference(), []string{"config.files.vmPathName"}, &m))
	var dsPath object.DatastorePath
	require.True(t, dsPath.FromString(m.Config.Files.VmPathName))

	pool, err := vm.ResourcePool(ctx)
	require.NoError(t, err)
	dc, err := find.NewFinder(vc).DefaultDatacenter(ctx)
	require.NoError(t, err)
	folders, err := dc.Folders(ctx)
	require.NoError(t, err)

	spec := &types.VirtualMachineImportSpec{
		ConfigSpec: types.VirtualMachineConfigSpec{
			Name:    name,
			GuestId: "otherGuest",
			Files:   &types.VirtualMachineFileInfo{VmPathName: fmt.Sprintf("[%s]", dsPath.Datastore)},
		},
	}
	lease, err := pool.ImportVApp(ctx, spec, folders.VmFolder, nil)
	require.NoError(t, err)
	return platform.LeaseHandle{ID: lease.Reference().Value, VM: name}
}

func waitLeaseReady(ctx context.Context, t *testing.T, c *Client, lease platform.LeaseHandle) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for {
		s, err := c.GetLeaseState(ctx, lease)
		require.NoError(t, err)
		if s == platform.LeaseReady {
			return
		}
		require.NotEqual(t, platform.LeaseError, s)
		require.True(t, time.Now().Before(deadline), "lease never became ready")
		time.Sleep(50 * time.Millisecond)
	}
}

func TestLeaseLifecycle(t *testing.T) {
	simulator.Test(func(ctx context.Context, vc *vim25.Client) {
		c := NewFromClient(vc, vc.URL().Host)

		lease := importLease(ctx, t, vc, c, "lease-complete")
		waitLeaseReady(ctx, t, c, lease)

		transfers, err := c.GetDeviceURLs(ctx, lease)
		require.NoError(t, err)
		for _, tr := range transfers {
			assert.NotEmpty(t, tr.URL)
			assert.NotEmpty(t, tr.TargetName)
		}

		assert.NoError(t, c.ReportLeaseProgress(ctx, lease, 50))
		assert.NoError(t, c.CompleteLease(ctx, lease))

		_, err = c.GetLeaseState(ctx, lease)
		assert.Error(t, err, "completed lease is released")
	})
}

func TestLeaseAbort(t *testing.T) {
	simulator.Test(func(ctx context.Context, vc *vim25.Client) {
		c := NewFromClient(vc, vc.URL().Host)

		lease := importLease(ctx, t, vc, c, "lease-abort")
		waitLeaseReady(ctx, t, c, lease)

		require.NoError(t, c.AbortLease(ctx, lease))
		_, err := c.GetLeaseState(ctx, lease)
		assert.Error(t, err, "aborted lease is released")
	})
}
