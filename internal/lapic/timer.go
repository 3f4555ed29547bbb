package lapic

import "math/bits"

// divisorTable is the 3-bit divide-configuration lookup from spec.md §4.4.
var divisorTable = [8]uint32{1, 2, 4, 8, 16, 32, 64, 128}

// divisorIndex decodes the timer divide-configuration register's scattered
// 3-bit field (bits 0-1 and bit 3; bit 2 is reserved).
func divisorIndex(cfg uint32) int {
	idx := int(cfg & 0x3)
	if cfg&0x8 != 0 {
		idx |= 0x4
	}
	return idx
}

// timerState is C5: the divisor-scaled countdown described by spec.md §4.4.
type timerState struct {
	divideConfig uint32
	initCount    uint32
	curCount     uint32
	missedInts   uint32
}

func (t *timerState) divisor() uint32 {
	return divisorTable[divisorIndex(t.divideConfig)]
}

func (t *timerState) shift() uint {
	return uint(bits.TrailingZeros32(t.divisor()))
}

func (t *timerState) currentCount() uint32 {
	return t.curCount
}

// setInitCount implements the guest write to the timer's initial-count
// register: it both latches the reload value and immediately arms the
// countdown, matching real hardware.
func (t *timerState) setInitCount(v uint32) {
	t.initCount = v
	t.curCount = v
}

func (t *timerState) setDivideConfig(v uint32) {
	t.divideConfig = v & 0xF
}

// periodicTimer reports the timer LVT's mode bit (bit 17: 0=one-shot,
// 1=periodic).
func (a *APIC) periodicTimer() bool {
	return a.lvt[LVTTimer]&(1<<17) != 0
}

func (a *APIC) lvtVector(idx int) uint8 {
	return uint8(a.lvt[idx] & 0xFF)
}

func (a *APIC) lvtMasked(idx int) bool {
	return a.lvt[idx]&(1<<16) != 0
}

// UpdateTime implements spec.md §4.4's timer Update: the host driver calls
// this with the guest-cycle delta observed since the last call.
func (a *APIC) UpdateTime(cycles uint64) {
	if a.timer.initCount == 0 {
		return
	}
	periodic := a.periodicTimer()
	if !periodic && a.timer.curCount == 0 {
		return
	}

	ticks := cycles >> a.timer.shift()
	cur := uint64(a.timer.curCount)

	if ticks < cur {
		a.timer.curCount = uint32(cur - ticks)
		if a.timer.missedInts > 0 && !a.pending() {
			a.injectTimerVector()
			a.timer.missedInts--
		}
		return
	}

	remainder := ticks - cur
	a.injectTimerVector()

	if periodic {
		init := uint64(a.timer.initCount)
		a.timer.missedInts += uint32(remainder / init)
		a.timer.curCount = a.timer.initCount - uint32(remainder%init)
	} else {
		a.timer.curCount = 0
	}
}

// injectTimerVector treats the timer LVT entry as a Fixed IPI to self, per
// spec.md §4.4's injection path. The mask bit is honored; the timer never
// uses any delivery mode other than Fixed.
func (a *APIC) injectTimerVector() {
	if a.lvtMasked(LVTTimer) {
		return
	}
	vec := a.lvtVector(LVTTimer)
	if a.set != nil {
		a.set.Deliver(a, IPIRequest{Vector: vec, Mode: DeliveryFixed, Shorthand: ShorthandSelf})
		return
	}
	a.RaiseLocal(vec, nil)
}

// MissedInterrupts reports the timer's queued-but-dropped tick count
// (spec.md's missed_ints), for tests and diagnostics.
func (a *APIC) MissedInterrupts() uint32 {
	return a.timer.missedInts
}
