// Package platform declares the capabilities the exporter needs from the
// virtualization management platform. Implementations live in subpackages.
package platform

import (
	"context"
	stderrors "errors"
)

// ErrNotFound is returned when a VM does not exist on the platform.
var ErrNotFound = stderrors.New("vm not found")

// PowerState of a VM as reported by the platform.
type PowerState string

const (
	PoweredOn  PowerState = "poweredOn"
	PoweredOff PowerState = "poweredOff"
	Suspended  PowerState = "suspended"
)

// LeaseState of a remote export lease.
type LeaseState string

const (
	LeaseInitializing LeaseState = "initializing"
	LeaseReady        LeaseState = "ready"
	LeaseError        LeaseState = "error"
	LeaseDone         LeaseState = "done"
)

// VM is the inventory view of a virtual machine.
type VM struct {
	Name       string     `json:"name" yaml:"name"`
	PowerState PowerState `json:"power_state" yaml:"power_state"`
	GuestOS    string     `json:"guest_os,omitempty" yaml:"guest_os,omitempty"`
	NumCPU     int32      `json:"num_cpu,omitempty" yaml:"num_cpu,omitempty"`
	MemoryMB   int32      `json:"memory_mb,omitempty" yaml:"memory_mb,omitempty"`
	UUID       string     `json:"uuid,omitempty" yaml:"uuid,omitempty"`
}

// Filter narrows ListVMs. Zero value lists everything.
type Filter struct {
	PowerState PowerState
}

// Match reports whether vm passes the filter.
func (f Filter) Match(vm VM) bool {
	return f.PowerState == "" || f.PowerState == vm.PowerState
}

// LeaseHandle identifies a remote export lease.
type LeaseHandle struct {
	ID string
	VM string
}

// DeviceTransfer is one file offered under a lease. URL may carry the "*"
// host placeholder; Size 0 means the platform did not declare it.
type DeviceTransfer struct {
	URL        string `json:"url"`
	TargetName string `json:"target_name"`
	Size       int64  `json:"size"`
}

// Task is a long running platform operation.
type Task interface {
	Wait(ctx context.Context) error
}

type Inventory interface {
	ListVMs(ctx context.Context, filter Filter) ([]VM, error)
	GetVM(ctx context.Context, name string) (*VM, error)
}

type PowerAPI interface {
	PowerOffGuest(ctx context.Context, vm string) error
	ForcePowerOff(ctx context.Context, vm string) (Task, error)
	GetPowerState(ctx context.Context, vm string) (PowerState, error)
}

type LeaseAPI interface {
	CreateExportLease(ctx context.Context, vm string) (LeaseHandle, error)
	GetLeaseState(ctx context.Context, lease LeaseHandle) (LeaseState, error)
	GetDeviceURLs(ctx context.Context, lease LeaseHandle) ([]DeviceTransfer, error)
	ReportLeaseProgress(ctx context.Context, lease LeaseHandle, percent int) error
	CompleteLease(ctx context.Context, lease LeaseHandle) error
	AbortLease(ctx context.Context, lease LeaseHandle) error
}

// Platform is everything the exporter consumes. Host is the connection host
// used to rewrite placeholder device URLs.
type Platform interface {
	Inventory
	PowerAPI
	LeaseAPI
	Host() string
}
