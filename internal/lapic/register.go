package lapic

import (
	"encoding/binary"
	"fmt"

	"github.com/palacios-vmm/palacios/internal/debug"
)

// ReadRegister implements spec.md §4.1's read(offset, len): reads to the
// 256-bit IRR/ISR/TMR groups are 32-bit windows at offset&^3 (IER has no
// MMIO window); narrower
// reads extract from that word. Reads never fault, even against write-only
// or undefined offsets.
func (a *APIC) ReadRegister(offset uint32, data []byte) error {
	word := a.readWord(offset &^ 3)

	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], word)

	shift := offset & 3
	if int(shift)+len(data) > 4 {
		return fmt.Errorf("lapic: read at offset 0x%03x size %d crosses register boundary", offset, len(data))
	}
	copy(data, buf[shift:])
	return nil
}

func (a *APIC) readWord(offset uint32) uint32 {
	switch {
	case offset == RegAPICID:
		return uint32(a.id) << 24
	case offset == RegVersion:
		return FixedVersion
	case offset == RegTPR:
		return uint32(a.tpr.TPR())
	case offset == RegAPR:
		return uint32(a.apr())
	case offset == RegPPR:
		return uint32(a.ppr())
	case offset == RegEOI:
		// Write-only; reads return 0 rather than faulting.
		return 0
	case offset == RegRemoteRead:
		// Obsolete on modern silicon: stub returning the last latched
		// in-service value, matching real errata where the remote-read
		// command silently no-ops.
		if hi, ok := a.priority.isr.highest(); ok {
			return uint32(hi)
		}
		return 0
	case offset == RegLDR:
		return a.ldr
	case offset == RegDFR:
		return a.dfr
	case offset == RegSpurious:
		return a.spurious
	case offset >= RegISRBase && offset < RegISRBase+0x80:
		return a.priority.isr.word(int((offset - RegISRBase) / 0x10))
	case offset >= RegTMRBase && offset < RegTMRBase+0x80:
		return a.priority.tmr.word(int((offset - RegTMRBase) / 0x10))
	case offset >= RegIRRBase && offset < RegIRRBase+0x80:
		return a.priority.irr.word(int((offset - RegIRRBase) / 0x10))
	case offset == RegESR:
		return a.esr
	case offset == RegICRLow:
		return a.icrLow
	case offset == RegICRHigh:
		return a.icrHigh
	case offset >= RegLVTTimer && offset <= RegLVTError && (offset-RegLVTTimer)%0x10 == 0:
		return a.lvt[(offset-RegLVTTimer)/0x10]
	case offset == RegTimerInitCnt:
		return a.timer.initCount
	case offset == RegTimerCurCnt:
		return a.timer.currentCount()
	case offset == RegTimerDivide:
		return a.timer.divideConfig
	default:
		debug.Writef("lapic.readWord", "apic=%d unhandled offset 0x%03x", a.id, offset)
		return 0
	}
}

// WriteRegister implements spec.md §4.1's write(offset, 32-bit). Sub-word
// writes are read-modify-write against the aligned 32-bit register.
func (a *APIC) WriteRegister(offset uint32, data []byte) error {
	aligned := offset &^ 3
	shift := offset & 3
	if int(shift)+len(data) > 4 {
		return fmt.Errorf("lapic: write at offset 0x%03x size %d crosses register boundary", offset, len(data))
	}

	word := a.readWord(aligned)
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], word)
	copy(buf[shift:], data)
	value := binary.LittleEndian.Uint32(buf[:])

	debug.Writef("lapic.WriteRegister", "apic=%d offset=0x%03x value=0x%08x", a.id, aligned, value)
	a.writeWord(aligned, value)
	return nil
}

func (a *APIC) writeWord(offset uint32, value uint32) {
	switch {
	case offset == RegTPR:
		a.tpr.SetTPR(byte(value))
	case offset == RegEOI:
		a.EndOfInterrupt()
	case offset == RegLDR:
		a.ldr = value & 0xFF00_0000
	case offset == RegDFR:
		a.dfr = value | 0x0FFF_FFFF
	case offset == RegSpurious:
		a.spurious = value
	case offset == RegESR:
		a.writeESR()
	case offset == RegICRLow:
		a.icrLow = value
		a.dispatchICRWrite()
	case offset == RegICRHigh:
		a.icrHigh = value & 0xFF00_0000
	case offset >= RegLVTTimer && offset <= RegLVTError && (offset-RegLVTTimer)%0x10 == 0:
		a.lvt[(offset-RegLVTTimer)/0x10] = value
	case offset == RegTimerInitCnt:
		a.timer.setInitCount(value)
	case offset == RegTimerDivide:
		a.timer.setDivideConfig(value)
	case offset == RegAPICID, offset == RegVersion, offset == RegAPR, offset == RegPPR,
		offset == RegRemoteRead, offset == RegTimerCurCnt:
		// Read-only per spec.md §4.1; guest writes are silently dropped.
	case offset >= RegISRBase && offset < RegIRRBase+0x80:
		// ISR/TMR/IRR groups have no hidden mutation path per §4.1; a guest
		// write here is architecturally undefined and ignored.
	default:
		debug.Writef("lapic.writeWord", "apic=%d unhandled offset 0x%03x value=0x%08x", a.id, offset, value)
	}
}

// writeESR implements the supplemented double-write ESR latch: the first
// write arms the latch, the second actually copies accumulated internal
// errors into the readable register and disarms.
func (a *APIC) writeESR() {
	if !a.esrArmed {
		a.esrArmed = true
		return
	}
	a.esr = a.esrPend
	a.esrPend = 0
	a.esrArmed = false
}

// recordError folds an internal error condition into the pending ESR value,
// visible to the guest after the next double-write.
func (a *APIC) recordError(bit uint32) {
	a.esrPend |= bit
}

// ESR error bits (subset relevant to this emulation).
const (
	ESRSendIllegalVector    = 1 << 5
	ESRReceiveIllegalVector = 1 << 6
	ESRIllegalRegisterAddr  = 1 << 7
)
