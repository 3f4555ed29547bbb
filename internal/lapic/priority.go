package lapic

import (
	"math/bits"
	"sync"

	"github.com/palacios-vmm/palacios/internal/debug"
)

// bitmap256 is a 256-bit vector indexed by interrupt vector, stored as eight
// 32-bit words (word 7 holds vectors 224-255). Highest-bit scans walk words
// from 7 down to 0, matching spec.md §4.2's "descending major offset, MSB
// first" rule.
type bitmap256 [8]uint32

func (b *bitmap256) set(vec uint8)   { b[vec/32] |= 1 << (vec % 32) }
func (b *bitmap256) clear(vec uint8) { b[vec/32] &^= 1 << (vec % 32) }
func (b *bitmap256) test(vec uint8) bool {
	return b[vec/32]&(1<<(vec%32)) != 0
}

// highest returns the index of the highest set bit, MSB-first within each
// word, highest word first. ok is false when the bitmap is empty.
func (b *bitmap256) highest() (vec uint8, ok bool) {
	for w := 7; w >= 0; w-- {
		if b[w] != 0 {
			bit := 31 - bits.LeadingZeros32(b[w])
			return uint8(w*32 + bit), true
		}
	}
	return 0, false
}

func (b *bitmap256) fillOnes() {
	for i := range b {
		b[i] = 0xFFFF_FFFF
	}
}

func (b *bitmap256) word(index int) uint32 {
	if index < 0 || index >= len(b) {
		return 0
	}
	return b[index]
}

// ackSlot holds the optional acknowledgement hook installed when a vector is
// activated, invoked exactly once at EOI.
type ackSlot struct {
	fn AckFunc
}

type queuedIRQ struct {
	vector uint8
	ack    AckFunc
}

// priorityState is C3: the IRR/ISR/IER/TMR bitmaps plus the lock-protected
// raise queue. Per spec.md §5, the queue has its own lock; the bitmaps
// themselves are touched only by the owning vCPU and carry no lock.
type priorityState struct {
	irr bitmap256
	isr bitmap256
	ier bitmap256
	tmr bitmap256

	ackHooks [256]ackSlot

	queueMu sync.Mutex
	queue   []queuedIRQ
}

func (p *priorityState) init() {
	// IER initializes all-ones: every vector is enabled. No code path clears
	// an IER bit afterwards.
	p.ier.fillOnes()
}

type raiseResult int

const (
	raiseRaised raiseResult = iota
	raiseCoalesced
	raiseMasked
)

// activate implements spec.md §4.2's activate(vec, ack, ack_ctx).
func (p *priorityState) activate(vec uint8, ack AckFunc) raiseResult {
	if !p.ier.test(vec) {
		return raiseMasked
	}
	if p.irr.test(vec) {
		return raiseCoalesced
	}
	p.irr.set(vec)
	p.ackHooks[vec] = ackSlot{fn: ack}
	return raiseRaised
}

// enqueue adds a raise request to the lock-protected FIFO for later
// draining by pending() on the owning vCPU.
func (p *priorityState) enqueue(vec uint8, ack AckFunc) {
	p.queueMu.Lock()
	p.queue = append(p.queue, queuedIRQ{vector: vec, ack: ack})
	p.queueMu.Unlock()
}

func (p *priorityState) drainQueue() {
	p.queueMu.Lock()
	pending := p.queue
	p.queue = nil
	p.queueMu.Unlock()

	for _, q := range pending {
		switch p.activate(q.vector, q.ack) {
		case raiseCoalesced:
			debug.Writef("lapic.priority.drainQueue", "vector=0x%02x coalesced", q.vector)
		case raiseMasked:
			debug.Writef("lapic.priority.drainQueue", "vector=0x%02x masked (IER=0)", q.vector)
		}
	}
}

// ppr computes the processor priority register value from TPR and the
// highest in-service vector's class, per spec.md §3: "PPR = max(TPR & 0xF0,
// ISR_high & 0xF0) | (TPR_low if TPR dominates)".
func (a *APIC) ppr() byte {
	tpr := a.tpr.TPR()
	tprClass := tpr & 0xF0
	isrClass := byte(0)
	if hi, ok := a.priority.isr.highest(); ok {
		isrClass = hi & 0xF0
	}
	if tprClass >= isrClass {
		return tpr
	}
	return isrClass
}

// apr derives the arbitration priority register analogously to ppr but also
// folding in the highest requested (IRR) vector's class.
func (a *APIC) apr() byte {
	tpr := a.tpr.TPR()
	tprClass := tpr & 0xF0
	maxClass := byte(0)
	if hi, ok := a.priority.isr.highest(); ok {
		if c := hi & 0xF0; c > maxClass {
			maxClass = c
		}
	}
	if hi, ok := a.priority.irr.highest(); ok {
		if c := hi & 0xF0; c > maxClass {
			maxClass = c
		}
	}
	if tprClass >= maxClass {
		return tpr
	}
	return maxClass
}

// pending drains the raise queue, then reports whether an interrupt is
// deliverable: spec.md §3's "(IRR_high > ISR_high) ∧ ((IRR_high & 0xF0) >
// (PPR & 0xF0))".
func (a *APIC) pending() bool {
	a.priority.drainQueue()

	irrHigh, irrOK := a.priority.irr.highest()
	if !irrOK {
		return false
	}
	isrHigh, isrOK := a.priority.isr.highest()
	if isrOK && irrHigh <= isrHigh {
		return false
	}
	return (irrHigh & 0xF0) > (a.ppr() & 0xF0)
}

// GetNumber implements spec.md §4.2's get_number(): the vector that would be
// injected next, or (0, false) if none is deliverable.
func (a *APIC) GetNumber() (uint8, bool) {
	if !a.pending() {
		return 0, false
	}
	vec, ok := a.priority.irr.highest()
	return vec, ok
}

// BeginIRQ implements begin_irq(vec): called by the owning vCPU right
// before injecting vec into the guest.
func (a *APIC) BeginIRQ(vec uint8) {
	if !a.priority.irr.test(vec) {
		return
	}
	a.priority.isr.set(vec)
	a.priority.irr.clear(vec)
}

// HighestInService reports the vector EndOfInterrupt would next clear,
// without clearing it. Used by C1 (irqfabric) to know which of its routed
// lines to re-evaluate after an EOI.
func (a *APIC) HighestInService() (uint8, bool) {
	return a.priority.isr.highest()
}

// EndOfInterrupt implements end_of_interrupt(): clears the highest in-
// service vector and fires its ack hook exactly once.
func (a *APIC) EndOfInterrupt() {
	vec, ok := a.priority.isr.highest()
	if !ok {
		debug.Writef("lapic.EndOfInterrupt", "apic=%d EOI with empty ISR", a.id)
		return
	}
	a.priority.isr.clear(vec)
	slot := a.priority.ackHooks[vec]
	a.priority.ackHooks[vec] = ackSlot{}
	if slot.fn != nil {
		slot.fn(vec)
	}
}

// Raise enqueues vec for activation, to be drained into IRR on the owning
// vCPU's next pending() call. Used by remote IPI delivery (C4) and level-
// triggered external lines routed through C1.
func (a *APIC) Raise(vec uint8, ack AckFunc) {
	a.priority.enqueue(vec, ack)
}

// RaiseLocal activates vec immediately; used when the source and
// destination APIC are the same (self shorthand, local timer).
func (a *APIC) RaiseLocal(vec uint8, ack AckFunc) raiseResult {
	return a.priority.activate(vec, ack)
}
