package ide

import (
	"encoding/binary"

	"github.com/palacios-vmm/palacios/internal/devices/amd64/pci"
)

// PIIX3 IDE function identity (spec.md §4.8).
const (
	piix3VendorID = 0x8086
	piix3DeviceID = 0x7010
	piix3ClassIDE = 0x01
	piix3SubclassIDE = 0x01
	piix3ProgIF = 0x80 // both channels in "legacy" mode, bus-mastering capable
)

// Location is the conventional bus/device/function for the PIIX3 IDE
// function (0/1/1).
var Location = pci.PCILocation{Bus: 0, Device: 1, Function: 1}

// RegisterPCI exposes the controller as a PIIX3 IDE function on bridge, so
// guests that enumerate PCI (rather than probing the legacy ISA ports
// directly) can find it. BAR4 advertises the bus-master I/O range; this
// emulation's actual bus-master ports are fixed at construction time (the
// defaults in spec.md §6), so no onBARUpdate callback is installed and a
// guest BAR4 write changes only the visible config register — relocating
// the live ports would need the same kind of
// dynamic I/O-port re-registration that the LAPIC's base-address MSR
// needs and that this VMM snapshot's hv.VirtualMachine has no hook for
// (see DESIGN.md).
func RegisterPCI(bridge *pci.HostBridge, bmBase uint32) error {
	cfg := make([]byte, 256)
	binary.LittleEndian.PutUint16(cfg[0x00:], piix3VendorID)
	binary.LittleEndian.PutUint16(cfg[0x02:], piix3DeviceID)
	cfg[0x08] = 0x00 // revision
	cfg[0x09] = piix3ProgIF
	cfg[0x0A] = piix3SubclassIDE
	cfg[0x0B] = piix3ClassIDE
	cfg[0x0E] = 0x00 // header type

	binary.LittleEndian.PutUint32(cfg[0x20:], bmBase|0x1) // BAR4: I/O space

	readOnly := [][2]uint32{
		{0x00, 0x03},
		{0x08, 0x0B},
		{0x0E, 0x0E},
	}
	return bridge.RegisterDevice(Location, cfg, readOnly, nil)
}
