package pci

import (
	"encoding/binary"
	"testing"
)

func selectConfig(t *testing.T, hb *HostBridge, loc PCILocation, reg uint32) {
	t.Helper()
	addr := uint32(1<<31) | uint32(loc.Bus)<<16 | uint32(loc.Device)<<11 | uint32(loc.Function)<<8 | (reg &^ 0x3)
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], addr)
	if err := hb.WriteIOPort(nil, pciConfigAddressPort, buf[:]); err != nil {
		t.Fatalf("select config: %v", err)
	}
}

func readConfigDword(t *testing.T, hb *HostBridge, loc PCILocation, reg uint32) uint32 {
	t.Helper()
	selectConfig(t, hb, loc, reg)
	var buf [4]byte
	if err := hb.ReadIOPort(nil, pciConfigDataPort+uint16(reg&0x3), buf[:]); err != nil {
		t.Fatalf("read config: %v", err)
	}
	return binary.LittleEndian.Uint32(buf[:])
}

// The populated host-bridge function reports its vendor/device ID through
// the legacy 0xCF8/0xCFC config mechanism.
func TestHostBridgeConfigRead(t *testing.T) {
	hb := NewHostBridge()
	loc := PCILocation{Bus: 0, Device: 0, Function: 0}

	got := readConfigDword(t, hb, loc, 0x00)
	if vendor := uint16(got); vendor != 0x8086 {
		t.Fatalf("vendor ID = 0x%04x, want 0x8086", vendor)
	}
	if device := uint16(got >> 16); device != 0x1237 {
		t.Fatalf("device ID = 0x%04x, want 0x1237", device)
	}
}

// An unpopulated bus/device/function returns all-ones.
func TestHostBridgeUnpopulatedDeviceReadsFF(t *testing.T) {
	hb := NewHostBridge()
	got := readConfigDword(t, hb, PCILocation{Bus: 0, Device: 5, Function: 0}, 0x00)
	if got != 0xFFFFFFFF {
		t.Fatalf("unpopulated config read = 0x%08x, want 0xffffffff", got)
	}
}

// RegisterDevice exposes a new function whose read-only ranges reject
// writes, and whose BAR writes drive the onBARUpdate callback.
func TestHostBridgeRegisterDeviceAndBAR(t *testing.T) {
	hb := NewHostBridge()
	loc := PCILocation{Bus: 0, Device: 1, Function: 1}

	cfg := make([]byte, 256)
	binary.LittleEndian.PutUint16(cfg[0x00:], 0x8086)
	binary.LittleEndian.PutUint16(cfg[0x02:], 0x7010)

	var lastIndex int
	var lastValue uint32
	notify := func(index int, value uint32) {
		lastIndex, lastValue = index, value
	}
	if err := hb.RegisterDevice(loc, cfg, [][2]uint32{{0x00, 0x03}}, notify); err != nil {
		t.Fatalf("RegisterDevice: %v", err)
	}

	// vendor/device ID is read-only: a write must not change it.
	selectConfig(t, hb, loc, 0x00)
	if err := hb.WriteIOPort(nil, pciConfigDataPort, []byte{0xAA}); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if got := readConfigDword(t, hb, loc, 0x00); uint16(got) != 0x8086 {
		t.Fatalf("vendor ID after write = 0x%04x, want unchanged 0x8086", uint16(got))
	}

	// BAR4 write (offset 0x20-0x23) triggers the notify callback once the
	// full dword lands (the high byte write completes it).
	const bmBase = 0xC000 | 0x1
	var barBuf [4]byte
	binary.LittleEndian.PutUint32(barBuf[:], bmBase)
	selectConfig(t, hb, loc, pciBAR0Offset+4*pciBARStride) // BAR4 is index 4
	if err := hb.WriteIOPort(nil, pciConfigDataPort, barBuf[:]); err != nil {
		t.Fatalf("write BAR4: %v", err)
	}
	if lastIndex != 4 || lastValue != bmBase {
		t.Fatalf("onBARUpdate(%d, 0x%x), want (4, 0x%x)", lastIndex, lastValue, bmBase)
	}

	got, err := hb.BAR(loc, 4)
	if err != nil {
		t.Fatalf("BAR: %v", err)
	}
	if got != bmBase {
		t.Fatalf("BAR(4) = 0x%x, want 0x%x", got, bmBase)
	}
}

func TestHostBridgeDuplicateRegistrationFails(t *testing.T) {
	hb := NewHostBridge()
	if err := hb.RegisterDevice(PCILocation{Bus: 0, Device: 0, Function: 0}, make([]byte, 256), nil, nil); err == nil {
		t.Fatalf("expected error registering over the existing host-bridge function")
	}
}
