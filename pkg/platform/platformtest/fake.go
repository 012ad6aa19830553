// Package platformtest provides a scriptable in-memory platform for tests.
package platformtest

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ova-exporter/ova-exporter/pkg/platform"
)

// VM scripts the behaviour of one virtual machine.
type VM struct {
	Name  string
	Power platform.PowerState

	// GuestOffAfter is the number of GetPowerState polls after a guest
	// shutdown before the VM reports powered off. Negative never turns off.
	GuestOffAfter int
	GuestErr      error
	ForceErr      error
	TaskErr       error

	// LeaseStates is returned by successive GetLeaseState polls; the last
	// entry repeats. Empty means ready on the first poll.
	LeaseStates []platform.LeaseState
	LeaseErr    error
	Transfers   []platform.DeviceTransfer
}

// Lease records what happened to one lease.
type Lease struct {
	ID        string
	VM        string
	Polls     int
	Progress  []int
	Completed int
	Aborted   int
}

// Fake implements platform.Platform.
type Fake struct {
	HostName string

	mu         sync.Mutex
	vms        map[string]*vmState
	leases     map[string]*Lease
	leaseOrder []string
	calls      []string
}

type vmState struct {
	VM
	pollsSinceGuest int
	guestRequested  bool
}

// New creates a fake with the given VMs.
func New(host string, vms ...VM) *Fake {
	f := &Fake{
		HostName: host,
		vms:      map[string]*vmState{},
		leases:   map[string]*Lease{},
	}
	for _, vm := range vms {
		f.AddVM(vm)
	}
	return f
}

// AddVM adds or replaces a scripted VM.
func (f *Fake) AddVM(vm VM) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if vm.Power == "" {
		vm.Power = platform.PoweredOn
	}
	f.vms[vm.Name] = &vmState{VM: vm}
}

// Calls returns the recorded platform calls as "op:vm" strings.
func (f *Fake) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// PowerOps counts the power operations issued against vm.
func (f *Fake) PowerOps(vm string) int {
	n := 0
	for _, c := range f.Calls() {
		if c == "PowerOffGuest:"+vm || c == "ForcePowerOff:"+vm {
			n++
		}
	}
	return n
}

// Leases returns a copy of every lease in creation order.
func (f *Fake) Leases() []Lease {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Lease, 0, len(f.leaseOrder))
	for _, id := range f.leaseOrder {
		l := *f.leases[id]
		l.Progress = append([]int(nil), l.Progress...)
		out = append(out, l)
	}
	return out
}

func (f *Fake) Host() string { return f.HostName }

func (f *Fake) record(op, vm string) {
	f.calls = append(f.calls, op+":"+vm)
}

func (f *Fake) lookup(name string) (*vmState, error) {
	vm, ok := f.vms[name]
	if !ok {
		return nil, fmt.Errorf("%q: %w", name, platform.ErrNotFound)
	}
	return vm, nil
}

func (f *Fake) ListVMs(ctx context.Context, filter platform.Filter) ([]platform.VM, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []platform.VM
	for _, vm := range f.vms {
		v := platform.VM{Name: vm.Name, PowerState: vm.Power}
		if filter.Match(v) {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (f *Fake) GetVM(ctx context.Context, name string) (*platform.VM, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	vm, err := f.lookup(name)
	if err != nil {
		return nil, err
	}
	return &platform.VM{Name: vm.Name, PowerState: vm.Power}, nil
}

func (f *Fake) PowerOffGuest(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	vm, err := f.lookup(name)
	if err != nil {
		return err
	}
	f.record("PowerOffGuest", name)
	if vm.GuestErr != nil {
		return vm.GuestErr
	}
	vm.guestRequested = true
	vm.pollsSinceGuest = 0
	if vm.GuestOffAfter == 0 {
		vm.Power = platform.PoweredOff
	}
	return nil
}

func (f *Fake) ForcePowerOff(ctx context.Context, name string) (platform.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	vm, err := f.lookup(name)
	if err != nil {
		return nil, err
	}
	f.record("ForcePowerOff", name)
	if vm.ForceErr != nil {
		return nil, vm.ForceErr
	}
	return &task{fake: f, vm: name, err: vm.TaskErr}, nil
}

func (f *Fake) GetPowerState(ctx context.Context, name string) (platform.PowerState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	vm, err := f.lookup(name)
	if err != nil {
		return "", err
	}
	if vm.guestRequested && vm.Power != platform.PoweredOff && vm.GuestOffAfter >= 0 {
		vm.pollsSinceGuest++
		if vm.pollsSinceGuest >= vm.GuestOffAfter {
			vm.Power = platform.PoweredOff
		}
	}
	return vm.Power, nil
}

type task struct {
	fake *Fake
	vm   string
	err  error
}

func (t *task) Wait(ctx context.Context) error {
	if t.err != nil {
		return t.err
	}
	t.fake.mu.Lock()
	defer t.fake.mu.Unlock()
	if vm, ok := t.fake.vms[t.vm]; ok {
		vm.Power = platform.PoweredOff
	}
	return nil
}

func (f *Fake) CreateExportLease(ctx context.Context, name string) (platform.LeaseHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	vm, err := f.lookup(name)
	if err != nil {
		return platform.LeaseHandle{}, err
	}
	f.record("CreateExportLease", name)
	if vm.LeaseErr != nil {
		return platform.LeaseHandle{}, vm.LeaseErr
	}
	id := fmt.Sprintf("lease-%d", len(f.leaseOrder)+1)
	f.leases[id] = &Lease{ID: id, VM: name}
	f.leaseOrder = append(f.leaseOrder, id)
	return platform.LeaseHandle{ID: id, VM: name}, nil
}

func (f *Fake) lease(h platform.LeaseHandle) (*Lease, error) {
	l, ok := f.leases[h.ID]
	if !ok {
		return nil, fmt.Errorf("unknown lease %s", h.ID)
	}
	return l, nil
}

func (f *Fake) GetLeaseState(ctx context.Context, h platform.LeaseHandle) (platform.LeaseState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, err := f.lease(h)
	if err != nil {
		return "", err
	}
	if l.Completed > 0 || l.Aborted > 0 {
		return platform.LeaseDone, nil
	}
	states := f.vms[l.VM].LeaseStates
	l.Polls++
	if len(states) == 0 {
		return platform.LeaseReady, nil
	}
	i := l.Polls - 1
	if i >= len(states) {
		i = len(states) - 1
	}
	return states[i], nil
}

func (f *Fake) GetDeviceURLs(ctx context.Context, h platform.LeaseHandle) ([]platform.DeviceTransfer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, err := f.lease(h)
	if err != nil {
		return nil, err
	}
	return append([]platform.DeviceTransfer(nil), f.vms[l.VM].Transfers...), nil
}

func (f *Fake) ReportLeaseProgress(ctx context.Context, h platform.LeaseHandle, percent int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, err := f.lease(h)
	if err != nil {
		return err
	}
	l.Progress = append(l.Progress, percent)
	return nil
}

func (f *Fake) CompleteLease(ctx context.Context, h platform.LeaseHandle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, err := f.lease(h)
	if err != nil {
		return err
	}
	l.Completed++
	f.record("CompleteLease", l.VM)
	return nil
}

func (f *Fake) AbortLease(ctx context.Context, h platform.LeaseHandle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, err := f.lease(h)
	if err != nil {
		return err
	}
	l.Aborted++
	f.record("AbortLease", l.VM)
	return nil
}

var _ platform.Platform = (*Fake)(nil)
