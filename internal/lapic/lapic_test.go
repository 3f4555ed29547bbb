package lapic

import (
	"encoding/binary"
	"testing"
)

func writeReg(t *testing.T, a *APIC, offset uint32, value uint32) {
	t.Helper()
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], value)
	if err := a.WriteRegister(offset, buf[:]); err != nil {
		t.Fatalf("write 0x%03x: %v", offset, err)
	}
}

func readReg(t *testing.T, a *APIC, offset uint32) uint32 {
	t.Helper()
	var buf [4]byte
	if err := a.ReadRegister(offset, buf[:]); err != nil {
		t.Fatalf("read 0x%03x: %v", offset, err)
	}
	return binary.LittleEndian.Uint32(buf[:])
}

// S1: a self-shorthand fixed IPI to vector 0x30 is deliverable immediately.
func TestSelfIPIFixedVector(t *testing.T) {
	set := NewSet()
	a := New(set, Config{ID: 0, Bootstrap: true})
	set.Add(a)

	// ICR high: don't-care for self shorthand. ICR low: vector 0x30, fixed
	// delivery, self shorthand (bits 18-19 = 01).
	writeReg(t, a, RegICRHigh, 0)
	writeReg(t, a, RegICRLow, 0x30|(1<<18))

	vec, ok := a.GetNumber()
	if !ok || vec != 0x30 {
		t.Fatalf("GetNumber() = (0x%02x, %v), want (0x30, true)", vec, ok)
	}
	a.BeginIRQ(vec)
	a.EndOfInterrupt()
	if _, ok := a.GetNumber(); ok {
		t.Fatalf("expected no pending vector after EOI")
	}
}

// S2: a broadcast fixed IPI reaches every other APIC in the set.
func TestBroadcastIPI(t *testing.T) {
	set := NewSet()
	bsp := New(set, Config{ID: 0, Bootstrap: true})
	ap1 := New(set, Config{ID: 1})
	ap2 := New(set, Config{ID: 2})
	set.Add(bsp)
	set.Add(ap1)
	set.Add(ap2)

	writeReg(t, bsp, RegICRHigh, 0)
	writeReg(t, bsp, RegICRLow, 0x40|(uint32(ShorthandAllButSelf)<<18))

	for _, ap := range []*APIC{ap1, ap2} {
		vec, ok := ap.GetNumber()
		if !ok || vec != 0x40 {
			t.Fatalf("apic %d GetNumber() = (0x%02x, %v), want (0x40, true)", ap.ID(), vec, ok)
		}
	}
	if _, ok := bsp.GetNumber(); ok {
		t.Fatalf("broadcast-all-but-self must not loop back to the source")
	}
}

// S2: a periodic timer fires once per init_cnt-scaled interval and reloads
// per spec.md §4.4's subtractive formula.
func TestPeriodicTimerReload(t *testing.T) {
	set := NewSet()
	a := New(set, Config{ID: 0, Bootstrap: true})
	set.Add(a)

	writeReg(t, a, RegLVTTimer, 0x31|(1<<17)) // vector 0x31, periodic, unmasked
	writeReg(t, a, RegTimerDivide, 0)         // divide by 1
	writeReg(t, a, RegTimerInitCnt, 10)

	a.UpdateTime(22)

	if vec, ok := a.GetNumber(); !ok || vec != 0x31 {
		t.Fatalf("GetNumber() = (0x%02x, %v), want (0x31, true)", vec, ok)
	}
	if got := readReg(t, a, RegTimerCurCnt); got != 8 {
		t.Fatalf("cur_cnt = %d, want 8 (init_cnt=10, ticks=22)", got)
	}
}

func TestTimerOneShotStopsAtZero(t *testing.T) {
	set := NewSet()
	a := New(set, Config{ID: 0, Bootstrap: true})
	set.Add(a)

	writeReg(t, a, RegLVTTimer, 0x32) // one-shot, unmasked
	writeReg(t, a, RegTimerInitCnt, 5)

	a.UpdateTime(5)
	if got := readReg(t, a, RegTimerCurCnt); got != 0 {
		t.Fatalf("cur_cnt = %d, want 0 after one-shot expiry", got)
	}
	a.UpdateTime(100)
	if got := a.MissedInterrupts(); got != 0 {
		t.Fatalf("one-shot timer must not accrue missed interrupts, got %d", got)
	}
}

// recordingWakeup captures call order so tests can assert StopVCPU precedes
// the ipi_state mutation and ResumeVCPU follows it.
type recordingWakeup struct {
	calls []string
}

func (r *recordingWakeup) WakeVCPU(id int)   { r.calls = append(r.calls, "wake") }
func (r *recordingWakeup) StopVCPU(id int)   { r.calls = append(r.calls, "stop") }
func (r *recordingWakeup) ResumeVCPU(id int) { r.calls = append(r.calls, "resume") }

// INIT delivery must bracket the ipi_state mutation with StopVCPU/ResumeVCPU
// (spec.md §4.3/§5's VM-wide barrier) rather than just waking the target the
// way a Fixed-mode IPI does.
func TestINITDeliveryBarrier(t *testing.T) {
	set := NewSet()
	bsp := New(set, Config{ID: 0, Bootstrap: true})
	wake := &recordingWakeup{}
	ap := New(set, Config{ID: 1, Wakeup: wake})
	set.Add(bsp)
	set.Add(ap)

	writeReg(t, bsp, RegICRHigh, 1<<24)
	writeReg(t, bsp, RegICRLow, uint32(DeliveryINIT)<<8)

	if ap.IPIState() != IPIStateInit {
		t.Fatalf("ap.IPIState() = %v, want IPIStateInit", ap.IPIState())
	}
	if len(wake.calls) != 2 || wake.calls[0] != "stop" || wake.calls[1] != "resume" {
		t.Fatalf("wakeup calls = %v, want [stop resume]", wake.calls)
	}
}

// The full INIT-SIPI-SIPI sequence: INIT parks the AP, the first SIPI only
// arms the sequence, and the second SIPI starts it and wakes the vCPU.
func TestINITSIPISIPISequence(t *testing.T) {
	set := NewSet()
	bsp := New(set, Config{ID: 0, Bootstrap: true})
	wake := &recordingWakeup{}
	ap := New(set, Config{ID: 1, Wakeup: wake})
	set.Add(bsp)
	set.Add(ap)

	writeReg(t, bsp, RegICRHigh, 1<<24)
	writeReg(t, bsp, RegICRLow, uint32(DeliveryINIT)<<8)
	if ap.IPIState() != IPIStateInit {
		t.Fatalf("after INIT: ap.IPIState() = %v, want IPIStateInit", ap.IPIState())
	}

	writeReg(t, bsp, RegICRLow, uint32(DeliveryStartup)<<8|0x10)
	if ap.IPIState() != IPIStateSIPI {
		t.Fatalf("after first SIPI: ap.IPIState() = %v, want IPIStateSIPI", ap.IPIState())
	}

	writeReg(t, bsp, RegICRLow, uint32(DeliveryStartup)<<8|0x10)
	if ap.IPIState() != IPIStateStarted {
		t.Fatalf("after second SIPI: ap.IPIState() = %v, want IPIStateStarted", ap.IPIState())
	}
	if last := wake.calls[len(wake.calls)-1]; last != "wake" {
		t.Fatalf("last wakeup call = %q, want \"wake\" after the starting SIPI", last)
	}
}

func TestBaseAddressMSRRelocation(t *testing.T) {
	a := New(NewSet(), Config{ID: 0, Bootstrap: true, BaseAddr: 0xFEE00000})
	dev := NewDevice(a)

	ok, err := dev.WriteMSR(BaseAddrMSR, 0xFEE01000|baseAddrEnableBit)
	if err != nil || !ok {
		t.Fatalf("WriteMSR() = (%v, %v), want (true, nil)", ok, err)
	}
	if a.BaseAddress() != 0xFEE01000 {
		t.Fatalf("base address = 0x%x, want 0xFEE01000", a.BaseAddress())
	}

	val, ok := dev.ReadMSR(BaseAddrMSR)
	if !ok || val&baseAddrPhysMask != 0xFEE01000 {
		t.Fatalf("ReadMSR() = (0x%x, %v), want base 0xFEE01000", val, ok)
	}
}
