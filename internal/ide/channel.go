// Package ide emulates a dual-channel PIIX3-style IDE/ATAPI controller:
// PIO command/data ports, LBA28/LBA48/CHS addressing, and bus-master DMA
// via PRD tables (C6-C9).
package ide

import (
	"fmt"
	"sync"

	"github.com/palacios-vmm/palacios/internal/debug"
	"github.com/palacios-vmm/palacios/internal/hv"
)

// Status register bits.
const (
	statusERR = 1 << 0
	statusIDX = 1 << 1
	statusCORR = 1 << 2
	statusDRQ = 1 << 3
	statusDSC = 1 << 4
	statusDF  = 1 << 5
	statusDRDY = 1 << 6
	statusBSY = 1 << 7
)

// Error register bits (subset exercised by this emulation).
const (
	errorABRT = 1 << 2
	errorIDNF = 1 << 4
)

// Device-control register bits.
const (
	ctrlNIEN = 1 << 1
	ctrlSRST = 1 << 2
)

// Drive/head register bits.
const (
	driveHeadDRV = 1 << 4
	driveHeadLBA = 1 << 6
)

// Command opcodes (minimal ATA/ATAPI set per spec.md §4.5).
const (
	cmdDeviceReset     = 0x08
	cmdRecalibrate     = 0x10
	cmdReadSectors     = 0x20
	cmdReadSectorsRetry = 0x21
	cmdReadSectorsExt  = 0x24
	cmdReadMultiple    = 0xC4
	cmdReadDMAExt      = 0x25
	cmdWriteSectors    = 0x30
	cmdWriteSectorsRetry = 0x31
	cmdWriteSectorsExt = 0x34
	cmdWriteMultiple   = 0xC5
	cmdWriteDMAExt     = 0x35
	cmdPacket          = 0xA0
	cmdIdentifyPacket  = 0xA1
	cmdReadDMA         = 0xC8
	cmdWriteDMA        = 0xCA
	cmdSetMultiple     = 0xC6
	cmdIdentify        = 0xEC
	cmdSetFeatures     = 0xEF
	cmdStandbyImmed    = 0xE0
	cmdIdleImmed       = 0xE1
	cmdStandby         = 0xE2
	cmdIdle            = 0xE3
	cmdCheckPowerMode  = 0xE5
	cmdSleep           = 0xE6
	cmdSpecify         = 0x91
)

// IRQLine is the legacy ISA interrupt line a channel drives (grounded on
// sink.go's readySink/irqLine split: channels only need to assert or
// deassert a level, never address a vector).
type IRQLine interface {
	SetIRQ(level bool)
}

// IRQLineFunc adapts a function to IRQLine.
type IRQLineFunc func(level bool)

func (f IRQLineFunc) SetIRQ(level bool) {
	if f != nil {
		f(level)
	}
}

type noopIRQLine struct{}

func (noopIRQLine) SetIRQ(bool) {}

// Channel is C6: one primary or secondary IDE channel, its two drive
// slots, and the bus-master DMA engine riding alongside it (C8).
type Channel struct {
	mu sync.Mutex

	name string

	cmdBase uint16 // 0x1F0 / 0x170
	ctlBase uint16 // 0x3F6 / 0x376

	irq IRQLine

	drives   [2]*drive
	selected int

	error    byte
	features byte
	status   byte
	ctrlReg  byte

	driveHeadReg byte

	resetActive bool

	dma *dmaEngine
}

// ChannelOption customises a Channel at construction.
type ChannelOption func(*Channel)

// WithDMAPorts installs a bus-master DMA engine at the given base (see
// dma.go); without this option the channel has no DMA ports registered.
func WithDMAPorts(base uint16) ChannelOption {
	return func(c *Channel) {
		c.dma = newDMAEngine(base, c)
	}
}

// NewChannel builds a channel with no drives attached. Use AttachDisk/
// AttachCDROM to populate slot 0 (master) or 1 (slave).
func NewChannel(name string, cmdBase, ctlBase uint16, irq IRQLine, opts ...ChannelOption) *Channel {
	c := &Channel{
		name:    name,
		cmdBase: cmdBase,
		ctlBase: ctlBase,
		irq:     irq,
	}
	if c.irq == nil {
		c.irq = noopIRQLine{}
	}
	c.status = statusDRDY | statusDSC
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// AttachDisk populates slot (0=master, 1=slave) with a disk backed by
// backend.
func (c *Channel) AttachDisk(slot int, backend BlockBackend, model string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.drives[slot] = attachDisk(backend, model)
}

// AttachCDROM populates slot with a CDROM drive. backend may be nil for an
// empty tray.
func (c *Channel) AttachCDROM(slot int, backend BlockBackend, model string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.drives[slot] = attachCDROM(backend, model)
}

// Init implements hv.Device.
func (c *Channel) Init(vm hv.VirtualMachine) error { return nil }

// IOPorts implements hv.X86IOPortDevice: the eight command-block ports plus
// the control-block alt-status/device-control port.
func (c *Channel) IOPorts() []uint16 {
	ports := make([]uint16, 0, 9)
	for i := uint16(0); i < 8; i++ {
		ports = append(ports, c.cmdBase+i)
	}
	ports = append(ports, c.ctlBase)
	return ports
}

func (c *Channel) cur() *drive {
	return c.drives[c.selected]
}

// DMA returns the channel's bus-master DMA device for registration with
// the VM, or nil if WithDMAPorts was not supplied at construction.
func (c *Channel) DMA() hv.X86IOPortDevice {
	if c.dma == nil {
		return nil
	}
	return c.dma
}

// ReadIOPort implements hv.X86IOPortDevice.
func (c *Channel) ReadIOPort(ctx hv.ExitContext, port uint16, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if port == c.ctlBase {
		data[0] = c.status
		return nil
	}

	off := port - c.cmdBase
	d := c.cur()

	switch off {
	case 0: // data
		c.readDataLocked(data)
	case 1: // error
		if d == nil {
			data[0] = 0xFF
		} else {
			data[0] = c.error
		}
	case 2: // sector count
		if d == nil {
			data[0] = 0
		} else {
			data[0] = d.sectorCountLow
		}
	case 3: // sector number / LBA0
		if d == nil {
			data[0] = 0
		} else {
			data[0] = d.lba0Low
		}
	case 4: // cylinder low / LBA1
		if d == nil {
			data[0] = 0
		} else {
			data[0] = d.lba1Low
		}
	case 5: // cylinder high / LBA2
		if d == nil {
			data[0] = 0
		} else {
			data[0] = d.lba2Low
		}
	case 6: // drive/head
		data[0] = c.driveHeadReg
	case 7: // status (reading clears the pending IRQ per real hardware)
		data[0] = c.status
		c.irq.SetIRQ(false)
	default:
		return fmt.Errorf("ide: %s read unknown offset %d", c.name, off)
	}
	return nil
}

// WriteIOPort implements hv.X86IOPortDevice.
func (c *Channel) WriteIOPort(ctx hv.ExitContext, port uint16, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if port == c.ctlBase {
		c.writeCtrlLocked(data[0])
		return nil
	}

	off := port - c.cmdBase
	d := c.cur()

	switch off {
	case 0: // data
		c.writeDataLocked(data)
	case 1: // features
		c.features = data[0]
	case 2:
		if d != nil {
			d.sectorCountHigh = d.sectorCountLow
			d.sectorCountLow = data[0]
		}
	case 3:
		if d != nil {
			d.lba0High = d.lba0Low
			d.lba0Low = data[0]
		}
	case 4:
		if d != nil {
			d.lba1High = d.lba1Low
			d.lba1Low = data[0]
		}
	case 5:
		if d != nil {
			d.lba2High = d.lba2Low
			d.lba2Low = data[0]
		}
	case 6:
		c.writeDriveHeadLocked(data[0])
	case 7:
		c.dispatchCommandLocked(data[0])
	default:
		return fmt.Errorf("ide: %s write unknown offset %d", c.name, off)
	}
	return nil
}

func (c *Channel) writeDriveHeadLocked(v byte) {
	prevLBA := c.driveHeadReg&driveHeadLBA != 0
	c.driveHeadReg = v
	sel := 0
	if v&driveHeadDRV != 0 {
		sel = 1
	}
	c.selected = sel
	// "The LBA48 two-step latches are reset whenever the drive-head
	// register's LBA mode flag changes" (spec.md §3 invariant).
	if (v&driveHeadLBA != 0) != prevLBA {
		if d := c.cur(); d != nil {
			d.lba0High, d.lba1High, d.lba2High = 0, 0, 0
			d.sectorCountHigh = 0
		}
	}
}

func (c *Channel) writeCtrlLocked(v byte) {
	wasReset := c.ctrlReg&ctrlSRST != 0
	isReset := v&ctrlSRST != 0
	c.ctrlReg = v

	if !wasReset && isReset {
		c.beginSoftResetLocked()
	} else if wasReset && !isReset {
		c.completeSoftResetLocked()
	}
}

func (c *Channel) beginSoftResetLocked() {
	c.resetActive = true
	for _, d := range c.drives {
		if d == nil {
			continue
		}
		d.resetTransient()
	}
	c.status = statusBSY
	c.error = 0
}

func (c *Channel) completeSoftResetLocked() {
	c.resetActive = false
	for _, d := range c.drives {
		if d == nil {
			continue
		}
		if d.kind == driveCDROM {
			d.lba1Low, d.lba2Low = 0x14, 0xEB
		} else {
			d.lba1Low, d.lba2Low = 0, 0
		}
		d.sectorCountLow = 1
		d.lba0Low = 1
	}
	c.status = statusDRDY | statusDSC
	c.error = 0
}

// abortLocked implements spec.md §4.5's "every command that references a
// drive first validates that the selected slot is populated; otherwise
// abort".
func (c *Channel) abortLocked() {
	c.status = statusDRDY | statusDSC | statusERR
	c.error = errorABRT
	c.raiseIRQLocked()
}

func (c *Channel) raiseIRQLocked() {
	if c.ctrlReg&ctrlNIEN != 0 {
		return
	}
	c.irq.SetIRQ(true)
}

func (c *Channel) readDataLocked(data []byte) {
	d := c.cur()
	if d == nil {
		for i := range data {
			data[i] = 0xFF
		}
		return
	}
	n := copy(data, d.dataBuf[d.transferIndex:])
	d.transferIndex += n
	if d.transferIndex >= d.transferLen {
		c.status &^= statusDRQ
		if d.onTransferDone != nil {
			fn := d.onTransferDone
			d.onTransferDone = nil
			if err := fn(c, d); err != nil {
				debug.Writef("ide.readDataLocked", "%s transfer completion: %v", c.name, err)
			}
		}
	}
}

func (c *Channel) writeDataLocked(data []byte) {
	d := c.cur()
	if d == nil {
		return
	}
	n := copy(d.dataBuf[d.transferIndex:], data)
	d.transferIndex += n
	if d.transferIndex >= d.transferLen {
		c.status &^= statusDRQ
		if d.onTransferDone != nil {
			fn := d.onTransferDone
			d.onTransferDone = nil
			if err := fn(c, d); err != nil {
				debug.Writef("ide.writeDataLocked", "%s transfer completion: %v", c.name, err)
			}
		}
	}
}

var (
	_ hv.X86IOPortDevice = (*Channel)(nil)
)
