// Package hv is the narrow collaborator surface spec.md §1 calls out: a
// vCPU's interrupt-injection and MMIO/PIO hooks and memory access into guest
// physical memory. The pluggable block backend is package ide's
// BlockBackend, not part of this package. It intentionally does not
// carry the teacher's full cross-architecture VM/register abstraction —
// Palacios is AMD64-only and never calls SetRegisters/GetRegisters, so that
// surface isn't reproduced here.
package hv

import (
	"context"
	"io"
)

// VirtualCPU is a single vCPU's run handle. Palacios never drives register
// state through this interface directly — the LAPIC and IDE device models
// only ever see vCPUs through VirtualMachine.VirtualCPUCall.
type VirtualCPU interface {
	VirtualMachine() VirtualMachine
	ID() int

	Run(ctx context.Context) error
}

// RunConfig supplies the pre-entry/post-exit loop a VirtualMachine.Run call
// drives: the hook point where C1 asks each vCPU's APIC for a pending
// vector before entry and routes EOI after exit.
type RunConfig interface {
	Run(ctx context.Context, vcpu VirtualCPU) error
}

// Device is the minimum any VM component must implement to be registered.
type Device interface {
	Init(vm VirtualMachine) error
}

// DeviceTemplate defers device construction until the owning VirtualMachine
// is available, for devices that need to reach back into the VM at
// creation time.
type DeviceTemplate interface {
	Create(vm VirtualMachine) (Device, error)
}

// ExitContext threads per-exit state from the vCPU run loop into a device's
// MMIO/PIO handlers. It carries no fields of its own here; Palacios devices
// don't need anything beyond the read/write call itself, so this is a
// marker the hypervisor's exit path can extend without changing every
// device signature.
type ExitContext interface{}

type MMIORegion struct {
	Address uint64
	Size    uint64
}

// MemoryMappedIODevice is the "MMIO hooks" half of spec.md §1's narrow
// interface list (LAPIC register windows, spec.md §3).
type MemoryMappedIODevice interface {
	Device

	MMIORegions() []MMIORegion

	ReadMMIO(ctx ExitContext, addr uint64, data []byte) error
	WriteMMIO(ctx ExitContext, addr uint64, data []byte) error
}

// X86IOPortDevice is the "PIO hooks" half (IDE command/control ports,
// bus-master DMA ports, PCI config space).
type X86IOPortDevice interface {
	Device

	IOPorts() []uint16

	ReadIOPort(ctx ExitContext, port uint16, data []byte) error
	WriteIOPort(ctx ExitContext, port uint16, data []byte) error
}

// MemoryRegion is the "memory access into guest physical memory" half of
// spec.md §1's narrow interface list — a byte range an allocation handed
// back by VirtualMachine.AllocateMemory can be read from and written to
// directly, without going through a vCPU exit.
type MemoryRegion interface {
	io.ReaderAt
	io.WriterAt

	Size() uint64
}

// Snapshot is an opaque, keyed checkpoint handle: VirtualMachine's
// CaptureSnapshot/RestoreSnapshot pair defers the actual storage format to
// an external collaborator (a keyed-stream checkpoint store), matching
// spec.md's Non-goals around snapshot persistence.
type Snapshot interface{}

// VirtualMachine is the per-VM handle every device and the vCPU run loop
// is constructed against.
type VirtualMachine interface {
	io.ReaderAt
	io.WriterAt

	io.Closer

	Hypervisor() Hypervisor

	MemorySize() uint64
	MemoryBase() uint64

	Run(ctx context.Context, cfg RunConfig) error

	SetIRQ(irqLine uint32, level bool) error

	VirtualCPUCall(id int, f func(vcpu VirtualCPU) error) error

	AddDevice(dev Device) error
	AddDeviceFromTemplate(template DeviceTemplate) error

	AllocateMemory(physAddr, size uint64) (MemoryRegion, error)

	CaptureSnapshot() (Snapshot, error)
	RestoreSnapshot(snap Snapshot) error
}

// Hypervisor is the process-wide handle a VirtualMachine is created from.
type Hypervisor interface {
	io.Closer

	NewVirtualMachine(cpuCount int, memSize, memBase uint64) (VirtualMachine, error)
}
