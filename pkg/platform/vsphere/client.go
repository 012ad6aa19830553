// Package vsphere implements the platform capabilities on top of the vSphere
// API using govmomi.
package vsphere

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sort"

	"github.com/vmware/govmomi"
	"github.com/vmware/govmomi/nfc"
	"github.com/vmware/govmomi/object"
	"github.com/vmware/govmomi/property"
	"github.com/vmware/govmomi/view"
	"github.com/vmware/govmomi/vim25"
	"github.com/vmware/govmomi/vim25/mo"
	"github.com/vmware/govmomi/vim25/soap"
	"github.com/vmware/govmomi/vim25/types"

	"github.com/ova-exporter/ova-exporter/pkg/errors"
	"github.com/ova-exporter/ova-exporter/pkg/platform"
)

// Config holds the connection settings for vCenter or a standalone ESXi host.
type Config struct {
	Host     string
	User     string
	Password string
	Insecure bool
}

// Client adapts a vSphere session to platform.Platform.
type Client struct {
	vc   *vim25.Client
	gc   *govmomi.Client
	host string
}

// Connect logs in to the SDK endpoint of cfg.Host.
func Connect(ctx context.Context, cfg Config) (*Client, error) {
	slog.Info("vsphere_connect_start", "host", cfg.Host, "user", cfg.User, "insecure", cfg.Insecure)

	u, err := soap.ParseURL(cfg.Host)
	if err != nil {
		return nil, errors.E(errors.KindConnection, "parse vsphere url", err)
	}
	u.User = url.UserPassword(cfg.User, cfg.Password)

	gc, err := govmomi.NewClient(ctx, u, cfg.Insecure)
	if err != nil {
		slog.Error("vsphere_connect_failed", "host", cfg.Host, "error", err)
		return nil, errors.E(errors.KindConnection, "connect to "+cfg.Host, err)
	}

	slog.Info("vsphere_connected", "host", cfg.Host, "api_version", gc.ServiceContent.About.ApiVersion)

	return &Client{vc: gc.Client, gc: gc, host: u.Host}, nil
}

// NewFromClient wraps an existing session. host is used for device URL
// placeholder rewriting.
func NewFromClient(c *vim25.Client, host string) *Client {
	return &Client{vc: c, host: host}
}

// Close logs out when the session was opened by Connect.
func (c *Client) Close(ctx context.Context) error {
	if c.gc == nil {
		return nil
	}
	return c.gc.Logout(ctx)
}

func (c *Client) Host() string { return c.host }

var vmProps = []string{"name", "summary"}

func (c *Client) containerView(ctx context.Context) (*view.ContainerView, error) {
	m := view.NewManager(c.vc)
	v, err := m.CreateContainerView(ctx, c.vc.ServiceContent.RootFolder, []string{"VirtualMachine"}, true)
	if err != nil {
		return nil, errors.E(errors.KindConnection, "create container view", err)
	}
	return v, nil
}

func (c *Client) retrieveVMs(ctx context.Context) ([]mo.VirtualMachine, error) {
	v, err := c.containerView(ctx)
	if err != nil {
		return nil, err
	}
	defer v.Destroy(ctx)

	var vms []mo.VirtualMachine
	if err := v.Retrieve(ctx, []string{"VirtualMachine"}, vmProps, &vms); err != nil {
		return nil, errors.E(errors.KindConnection, "retrieve virtual machines", err)
	}
	return vms, nil
}

// lookup finds a VM by exact name. Find returns no references, not an error,
// when nothing matches.
func (c *Client) lookup(ctx context.Context, name string) (*object.VirtualMachine, *mo.VirtualMachine, error) {
	v, err := c.containerView(ctx)
	if err != nil {
		return nil, nil, err
	}
	defer v.Destroy(ctx)

	refs, err := v.Find(ctx, []string{"VirtualMachine"}, property.Match{"name": name})
	if err != nil {
		return nil, nil, errors.E(errors.KindConnection, "find virtual machine", err)
	}
	if len(refs) > 0 {
		var vms []mo.VirtualMachine
		if err := property.DefaultCollector(c.vc).Retrieve(ctx, refs, vmProps, &vms); err != nil {
			return nil, nil, errors.E(errors.KindConnection, "retrieve virtual machine", err)
		}
		// property.Match treats the name as a pattern
		for i := range vms {
			if vms[i].Name == name {
				return object.NewVirtualMachine(c.vc, vms[i].Reference()), &vms[i], nil
			}
		}
	}
	return nil, nil, fmt.Errorf("%q: %w", name, platform.ErrNotFound)
}

func toVM(m mo.VirtualMachine) platform.VM {
	vm := platform.VM{
		Name:       m.Name,
		PowerState: platform.PowerState(m.Summary.Runtime.PowerState),
	}
	vm.GuestOS = m.Summary.Config.GuestFullName
	vm.NumCPU = m.Summary.Config.NumCpu
	vm.MemoryMB = m.Summary.Config.MemorySizeMB
	vm.UUID = m.Summary.Config.Uuid
	return vm
}

func (c *Client) ListVMs(ctx context.Context, filter platform.Filter) ([]platform.VM, error) {
	vms, err := c.retrieveVMs(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]platform.VM, 0, len(vms))
	for _, m := range vms {
		vm := toVM(m)
		if filter.Match(vm) {
			out = append(out, vm)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })

	slog.Debug("vsphere_list_vms", "total", len(vms), "matched", len(out))
	return out, nil
}

func (c *Client) GetVM(ctx context.Context, name string) (*platform.VM, error) {
	_, m, err := c.lookup(ctx, name)
	if err != nil {
		return nil, err
	}
	vm := toVM(*m)
	return &vm, nil
}

func (c *Client) PowerOffGuest(ctx context.Context, name string) error {
	vm, _, err := c.lookup(ctx, name)
	if err != nil {
		return err
	}
	slog.Info("vsphere_shutdown_guest", "vm", name)
	return vm.ShutdownGuest(ctx)
}

func (c *Client) ForcePowerOff(ctx context.Context, name string) (platform.Task, error) {
	vm, _, err := c.lookup(ctx, name)
	if err != nil {
		return nil, err
	}
	slog.Info("vsphere_power_off", "vm", name)
	task, err := vm.PowerOff(ctx)
	if err != nil {
		return nil, err
	}
	return task, nil
}

func (c *Client) GetPowerState(ctx context.Context, name string) (platform.PowerState, error) {
	vm, _, err := c.lookup(ctx, name)
	if err != nil {
		return "", err
	}
	state, err := vm.PowerState(ctx)
	if err != nil {
		return "", err
	}
	return platform.PowerState(state), nil
}

func (c *Client) nfcLease(h platform.LeaseHandle) *nfc.Lease {
	return nfc.NewLease(c.vc, types.ManagedObjectReference{Type: "HttpNfcLease", Value: h.ID})
}

func (c *Client) CreateExportLease(ctx context.Context, name string) (platform.LeaseHandle, error) {
	vm, _, err := c.lookup(ctx, name)
	if err != nil {
		return platform.LeaseHandle{}, err
	}
	lease, err := vm.Export(ctx)
	if err != nil {
		return platform.LeaseHandle{}, err
	}
	ref := lease.Reference()
	slog.Info("vsphere_export_lease_created", "vm", name, "lease", ref.Value)
	return platform.LeaseHandle{ID: ref.Value, VM: name}, nil
}

func (c *Client) leaseObject(ctx context.Context, h platform.LeaseHandle, props ...string) (*mo.HttpNfcLease, error) {
	var l mo.HttpNfcLease
	ref := types.ManagedObjectReference{Type: "HttpNfcLease", Value: h.ID}
	if err := property.DefaultCollector(c.vc).RetrieveOne(ctx, ref, props, &l); err != nil {
		return nil, err
	}
	return &l, nil
}

func (c *Client) GetLeaseState(ctx context.Context, h platform.LeaseHandle) (platform.LeaseState, error) {
	l, err := c.leaseObject(ctx, h, "state", "error")
	if err != nil {
		return "", err
	}

	switch l.State {
	case types.HttpNfcLeaseStateReady:
		return platform.LeaseReady, nil
	case types.HttpNfcLeaseStateError:
		if l.Error != nil {
			slog.Error("vsphere_lease_error", "lease", h.ID, "fault", l.Error.LocalizedMessage)
		}
		return platform.LeaseError, nil
	case types.HttpNfcLeaseStateDone:
		return platform.LeaseDone, nil
	default:
		return platform.LeaseInitializing, nil
	}
}

func (c *Client) GetDeviceURLs(ctx context.Context, h platform.LeaseHandle) ([]platform.DeviceTransfer, error) {
	l, err := c.leaseObject(ctx, h, "info")
	if err != nil {
		return nil, err
	}
	if l.Info == nil {
		return nil, fmt.Errorf("lease %s has no info", h.ID)
	}

	out := make([]platform.DeviceTransfer, 0, len(l.Info.DeviceUrl))
	for _, d := range l.Info.DeviceUrl {
		out = append(out, platform.DeviceTransfer{
			URL:        d.Url,
			TargetName: d.TargetId,
			Size:       d.FileSize,
		})
	}
	return out, nil
}

func (c *Client) ReportLeaseProgress(ctx context.Context, h platform.LeaseHandle, percent int) error {
	return c.nfcLease(h).Progress(ctx, int32(percent))
}

func (c *Client) CompleteLease(ctx context.Context, h platform.LeaseHandle) error {
	slog.Info("vsphere_lease_complete", "lease", h.ID, "vm", h.VM)
	return c.nfcLease(h).Complete(ctx)
}

func (c *Client) AbortLease(ctx context.Context, h platform.LeaseHandle) error {
	slog.Info("vsphere_lease_abort", "lease", h.ID, "vm", h.VM)
	return c.nfcLease(h).Abort(ctx, nil)
}

var _ platform.Platform = (*Client)(nil)
