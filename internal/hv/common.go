// Package hv is the narrow host/guest boundary the rest of this core is
// written against: a VM is a flat ReaderAt/WriterAt over guest physical
// memory plus an SetIRQ line, a device is anything that can be Init'd and
// optionally trapped on an MMIO window, and a snapshot is an opaque blob a
// device hands back to itself later. There is no vCPU execution loop, no
// x86/RISC-V register model, and no PCI bus here: this core targets ARMv8-A
// EL2 exclusively, and the vCPU run loop, fault routing, and register state
// it needs live in internal/vmm and internal/faultdispatch instead.
package hv

import (
	"context"
	"io"

	"github.com/armhv/hvcore/internal/timeslice"
)

// CpuArchitecture names the guest instruction set a VM presents. This core
// only ever constructs ArchitectureARM64, but the type stays distinct from
// a bare string so a config hash computed for one architecture can never be
// mistaken for another's.
type CpuArchitecture string

const (
	ArchitectureInvalid CpuArchitecture = "invalid"
	ArchitectureARM64   CpuArchitecture = "arm64"
)

// VirtualCPU is the minimal per-vCPU handle a Device would need to inspect
// or drive a specific vCPU. Nothing in this core currently implements it —
// vCPU state lives in vmm.Tables — but VirtualMachine.VirtualCPUCall keeps
// the hook so a device could address one PSCI-woken vCPU without needing a
// direct dependency on vmm.
type VirtualCPU interface {
	VirtualMachine() VirtualMachine
	ID() int

	Run(ctx context.Context) error
}

// RunConfig drives a VirtualCPU's run loop. Unused by anything in this
// core today (GuestVM.Run always returns Unsupported), kept because
// VirtualMachine.Run needs a parameter type and a bare function value
// can't carry the vCPU binding the way an interface here can later.
type RunConfig interface {
	Run(ctx context.Context, vcpu VirtualCPU) error
}

// Device is the minimum any attachable component must satisfy.
type Device interface {
	Init(vm VirtualMachine) error
}

// DeviceSnapshot is an opaque, device-defined snapshot payload. Devices
// that support snapshotting type-assert their own concrete type back out
// of it in RestoreSnapshot.
type DeviceSnapshot interface {
}

// DeviceSnapshotter is implemented by devices that can save and restore
// their own state independent of the guest memory they already own.
type DeviceSnapshotter interface {
	Device

	DeviceId() string

	CaptureSnapshot() (DeviceSnapshot, error)
	RestoreSnapshot(snap DeviceSnapshot) error
}

// ExitContext is handed to a trapped MMIO access so the handler can record
// which accounting bucket the time spent servicing it falls into.
type ExitContext interface {
	SetExitTimeslice(id timeslice.TimesliceID)
}

// MMIORegion names one contiguous span of guest physical address space a
// MemoryMappedIODevice wants trapped.
type MMIORegion struct {
	Address uint64
	Size    uint64
}

// MemoryMappedIODevice is any Device that wants one or more MMIORegions
// trapped to it instead of backed by real guest RAM.
type MemoryMappedIODevice interface {
	Device

	MMIORegions() []MMIORegion

	ReadMMIO(ctx ExitContext, addr uint64, data []byte) error
	WriteMMIO(ctx ExitContext, addr uint64, data []byte) error
}

// MemoryRegion is a single allocated span of guest-addressable memory,
// readable and writable the same way the whole VM is.
type MemoryRegion interface {
	io.ReaderAt
	io.WriterAt

	Size() uint64
}

// Snapshot is an opaque, VM-defined snapshot payload analogous to
// DeviceSnapshot but for the VM as a whole.
type Snapshot interface {
}

// VirtualMachine is the boundary every device in this core is written
// against: a flat guest-physical address space plus interrupt injection,
// device attachment, and snapshotting. internal/devices/virtio.GuestVM is
// the concrete adapter the virtio transport and bus run on top of; it has
// no vCPU execution loop of its own; that belongs to vmm.Tables.
type VirtualMachine interface {
	io.ReaderAt
	io.WriterAt

	io.Closer

	MemorySize() uint64
	MemoryBase() uint64

	Run(ctx context.Context, cfg RunConfig) error

	SetIRQ(irqLine uint32, level bool) error

	VirtualCPUCall(id int, f func(vcpu VirtualCPU) error) error

	AddDevice(dev Device) error

	AllocateMemory(physAddr, size uint64) (MemoryRegion, error)

	CaptureSnapshot() (Snapshot, error)
	RestoreSnapshot(snap Snapshot) error
}
