package lapic

import (
	"github.com/palacios-vmm/palacios/internal/debug"
	"github.com/palacios-vmm/palacios/internal/hv"
)

// MSRHandler is implemented by devices that intercept specific MSR
// accesses. The host vCPU exit loop (a named external collaborator per
// spec.md §1) type-asserts hv.Device values against this to route
// RDMSR/WRMSR exits; none of the deleted hypervisor backends in this tree
// wire it, but the contract is what C9's "base-address MSR" hook needs.
type MSRHandler interface {
	ReadMSR(msr uint32) (uint64, bool)
	WriteMSR(msr uint32, value uint64) (bool, error)
}

// Device adapts an APIC to the VMM's generic "full memory hook" and MSR
// interception points, per spec.md §4.8 (C9).
type Device struct {
	apic *APIC
}

// NewDevice wraps apic for registration with a VirtualMachine.
func NewDevice(apic *APIC) *Device {
	return &Device{apic: apic}
}

// APIC returns the underlying per-vCPU APIC record.
func (d *Device) APIC() *APIC { return d.apic }

// Init implements hv.Device.
func (d *Device) Init(vm hv.VirtualMachine) error {
	return nil
}

// MMIORegions implements hv.MemoryMappedIODevice. It reports the window's
// current base; relocating the base address MSR updates the value this
// returns, but re-registering the changed region with the host hypervisor
// backend is that backend's responsibility (a named external collaborator
// per spec.md §1), not this device's.
func (d *Device) MMIORegions() []hv.MMIORegion {
	return []hv.MMIORegion{{Address: d.apic.baseAddr, Size: MMIOSize}}
}

// ReadMMIO implements hv.MemoryMappedIODevice.
func (d *Device) ReadMMIO(ctx hv.ExitContext, addr uint64, data []byte) error {
	offset := uint32(addr - d.apic.baseAddr)
	return d.apic.ReadRegister(offset, data)
}

// WriteMMIO implements hv.MemoryMappedIODevice.
func (d *Device) WriteMMIO(ctx hv.ExitContext, addr uint64, data []byte) error {
	offset := uint32(addr - d.apic.baseAddr)
	return d.apic.WriteRegister(offset, data)
}

// ReadMSR implements MSRHandler for the base-address MSR (spec.md §6).
func (d *Device) ReadMSR(msr uint32) (uint64, bool) {
	if msr != BaseAddrMSR {
		return 0, false
	}
	value := d.apic.baseAddr & baseAddrPhysMask
	if d.apic.apicEnable {
		value |= baseAddrEnableBit
	}
	if d.apic.bootstrap {
		value |= baseAddrBootstrapBit
	}
	return value, true
}

// WriteMSR implements MSRHandler for the base-address MSR. Relocation must
// be atomic with respect to other vCPUs per spec.md §4.1; the APIC set's
// addressability lock is not held here because the base address is purely
// local state, touched only by the owning vCPU.
func (d *Device) WriteMSR(msr uint32, value uint64) (bool, error) {
	if msr != BaseAddrMSR {
		return false, nil
	}
	d.apic.apicEnable = value&baseAddrEnableBit != 0
	newBase := value & baseAddrPhysMask
	if newBase != d.apic.baseAddr {
		debug.Writef("lapic.Device.WriteMSR", "apic=%d relocate base 0x%x -> 0x%x", d.apic.id, d.apic.baseAddr, newBase)
		d.apic.baseAddr = newBase
	}
	return true, nil
}

var (
	_ hv.MemoryMappedIODevice = (*Device)(nil)
	_ MSRHandler              = (*Device)(nil)
)
