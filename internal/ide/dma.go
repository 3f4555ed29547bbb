package ide

import (
	"encoding/binary"

	"github.com/palacios-vmm/palacios/internal/debug"
	"github.com/palacios-vmm/palacios/internal/hv"
)

// Bus-master command/status register bits (spec.md §4.7).
const (
	bmCmdStart = 1 << 0
	bmCmdWrite = 1 << 3 // 1 = memory-to-device (WRITE_DMA)

	bmStatusActive = 1 << 0
	bmStatusError  = 1 << 1
	bmStatusIRQ    = 1 << 2
)

const prdEntrySize = 8

// dmaEngine is C8: the bus-master DMA register block riding alongside one
// IDE channel. Per spec.md §5's "handlers run to completion; no coroutine
// suspension" concurrency model, a transfer runs to completion within the
// WriteIOPort call that sets command.start=1 — there is no partial-
// transfer state to resume. tblIndex (dma_tbl_index) is only reset, on arm
// and on stop; no port exposes it and the PRD walk does not use it as
// continuation state.
type dmaEngine struct {
	base uint16
	ch   *Channel

	vm hv.VirtualMachine

	cmd      byte
	statusReg byte
	prdAddr  uint32
	tblIndex uint32

	armedDrive *drive
}

func newDMAEngine(base uint16, ch *Channel) *dmaEngine {
	return &dmaEngine{base: base, ch: ch}
}

// Init implements hv.Device: captures the VM handle for guest-memory PRD
// and data access.
func (e *dmaEngine) Init(vm hv.VirtualMachine) error {
	e.vm = vm
	return nil
}

// IOPorts implements hv.X86IOPortDevice: cmd@+0, status@+2, prd_base@+4..7
// (spec.md §6), 8 bytes reserved total per channel.
func (e *dmaEngine) IOPorts() []uint16 {
	return []uint16{e.base, e.base + 2, e.base + 4, e.base + 5, e.base + 6, e.base + 7}
}

func (e *dmaEngine) ReadIOPort(ctx hv.ExitContext, port uint16, data []byte) error {
	e.ch.mu.Lock()
	defer e.ch.mu.Unlock()

	switch port - e.base {
	case 0:
		data[0] = e.cmd
	case 2:
		data[0] = e.statusReg
	case 4, 5, 6, 7:
		var buf [4]byte
		binary.LittleEndian.PutUint32(buf[:], e.prdAddr)
		copy(data, buf[port-e.base-4:])
	}
	return nil
}

func (e *dmaEngine) WriteIOPort(ctx hv.ExitContext, port uint16, data []byte) error {
	e.ch.mu.Lock()
	defer e.ch.mu.Unlock()

	switch port - e.base {
	case 0:
		prev := e.cmd
		e.cmd = data[0]
		if prev&bmCmdStart == 0 && e.cmd&bmCmdStart != 0 {
			e.runTransferLocked()
		} else if prev&bmCmdStart != 0 && e.cmd&bmCmdStart == 0 {
			e.tblIndex = 0
		}
	case 2:
		// Status bits 1 (error) and 2 (interrupt) are write-to-clear.
		e.statusReg &^= data[0] & (bmStatusError | bmStatusIRQ)
	case 4, 5, 6, 7:
		var buf [4]byte
		binary.LittleEndian.PutUint32(buf[:], e.prdAddr)
		copy(buf[port-e.base-4:], data)
		e.prdAddr = binary.LittleEndian.Uint32(buf[:])
	}
	return nil
}

// armLocked latches the drive a subsequent bus-master start will operate
// on, called from cmdSetupDMALocked.
func (e *dmaEngine) armLocked(d *drive) {
	e.armedDrive = d
	e.tblIndex = 0
}

// runTransferLocked walks the PRD table to completion per spec.md §4.7.
func (e *dmaEngine) runTransferLocked() {
	e.statusReg = (e.statusReg &^ (bmStatusError | bmStatusIRQ)) | bmStatusActive

	d := e.armedDrive
	if d == nil || d.backend == nil || e.vm == nil {
		e.failLocked()
		return
	}

	quantum := int64(sectorSize)
	if d.kind == driveCDROM {
		quantum = cdSectorSize
	}
	remaining := int64(d.remainingSectors) * quantum

	addr := uint64(e.prdAddr)
	for remaining > 0 {
		var raw [prdEntrySize]byte
		if _, err := e.vm.ReadAt(raw[:], int64(addr)); err != nil {
			debug.Writef("ide.dma.runTransferLocked", "PRD read at 0x%x: %v", addr, err)
			e.failLocked()
			return
		}
		base := binary.LittleEndian.Uint32(raw[0:4])
		size := int64(binary.LittleEndian.Uint16(raw[4:6]))
		if size == 0 {
			size = 65536
		}
		eot := raw[7]&0x80 != 0

		n := size
		if n > remaining {
			n = remaining
		}
		if err := e.copyRegionLocked(d, uint64(base), n, quantum); err != nil {
			debug.Writef("ide.dma.runTransferLocked", "transfer: %v", err)
			e.failLocked()
			return
		}
		remaining -= n
		addr += prdEntrySize

		if remaining <= 0 {
			e.completeLocked()
			return
		}
		if eot {
			// Spec.md §4.7: "If remaining > 0: abort".
			e.failLocked()
			return
		}
	}
	e.completeLocked()
}

// copyRegionLocked moves n bytes between d.backend and guest physical
// memory at base, in quantum-sized chunks (one sector/CD-block per
// backend call), advancing d.currentLBA as each chunk completes.
func (e *dmaEngine) copyRegionLocked(d *drive, base uint64, n int64, quantum int64) error {
	var buf [cdSectorSize]byte
	for off := int64(0); off < n; off += quantum {
		chunk := quantum
		if n-off < chunk {
			chunk = n - off
		}
		backendOff := int64(d.currentLBA) * quantum
		if e.cmd&bmCmdWrite != 0 {
			// WRITE_DMA: memory -> device.
			if _, err := e.vm.ReadAt(buf[:chunk], int64(base+uint64(off))); err != nil {
				return err
			}
			if _, err := d.backend.WriteAt(buf[:chunk], backendOff); err != nil {
				return err
			}
		} else {
			// READ_DMA: device -> memory.
			if _, err := d.backend.ReadAt(buf[:chunk], backendOff); err != nil {
				return err
			}
			if _, err := e.vm.WriteAt(buf[:chunk], int64(base+uint64(off))); err != nil {
				return err
			}
		}
		d.currentLBA++
	}
	if e.cmd&bmCmdWrite != 0 {
		return d.backend.Flush()
	}
	return nil
}

func (e *dmaEngine) completeLocked() {
	e.statusReg = (e.statusReg &^ bmStatusActive) | bmStatusIRQ
	e.ch.status = statusDRDY | statusDSC
	e.ch.error = 0
	e.ch.raiseIRQLocked()
}

func (e *dmaEngine) failLocked() {
	e.statusReg = (e.statusReg &^ bmStatusActive) | bmStatusError | bmStatusIRQ
	e.ch.status = statusDRDY | statusDSC | statusERR
	e.ch.error = errorABRT
	e.ch.raiseIRQLocked()
}

var _ hv.X86IOPortDevice = (*dmaEngine)(nil)
