// Package irqfabric is C1: the thin facade between the vCPU pre-entry loop
// and the per-vCPU LAPIC set (C2-C5). It owns no vector-priority state of
// its own — every bitmap and priority computation lives in the lapic
// package — but it does own the line-level redirection table that turns an
// ISA-style IRQ line assertion into a routed IPIRequest, playing the role
// spec.md §2 calls "priority registration of an interrupt controller" and
// §4.3's ExtINT note ("external interrupt controller drives the line")
// without carrying a full 8259/IO-APIC device model: there is no guest-
// programmable MMIO surface here, only the static line->vector routing a
// vCPU pre-entry loop and the IDE channels need.
package irqfabric

import (
	"sync"

	"github.com/palacios-vmm/palacios/internal/debug"
	"github.com/palacios-vmm/palacios/internal/lapic"
)

// NumLines is the number of ISA-style interrupt lines the fabric routes,
// matching the legacy PC/AT IRQ0-IRQ15 range spec.md §6 documents for the
// PIT/RTC/IDE channels.
const NumLines = 16

// defaultVectorBase is the vector the fabric assigns line N to before any
// ConfigureLine call overrides it, mirroring the classic remap offset the
// real PC/AT BIOS programs into the 8259 pair.
const defaultVectorBase = 0x20

// line holds one ISA interrupt line's current routing and level state.
type line struct {
	vector  uint8
	dest    uint8
	logical bool
	mode    lapic.DeliveryMode

	level     bool // edge- vs level-triggered
	asserted  bool // current electrical state
	remoteIRR bool // level line held pending an EOI, per spec.md's ack routing
	masked    bool
}

// Fabric routes ISA-style line assertions into the LAPIC set and exposes the
// per-vCPU pending/ack surface the pre-entry loop drives.
type Fabric struct {
	mu    sync.Mutex
	apics *lapic.Set
	lines [NumLines]line
}

// New builds a Fabric over apics, with every line defaulted to an edge-
// triggered, physically-addressed Fixed IPI at vector 0x20+line, deliverable
// to vCPU 0. Callers needing a different route (level-triggered, a
// different destination or delivery mode) call ConfigureLine before
// wiring any device to SetIRQLine.
func New(apics *lapic.Set) *Fabric {
	f := &Fabric{apics: apics}
	for i := range f.lines {
		f.lines[i] = line{
			vector: uint8(defaultVectorBase + i),
			mode:   lapic.DeliveryFixed,
		}
	}
	return f
}

// ConfigureLine overrides line's routing. logical selects destination mode
// (physical vs logical, per the ICR's bit 11); level marks the line as
// level-triggered, enabling the remote-IRR hold spec.md's EOI-ack routing
// depends on.
func (f *Fabric) ConfigureLine(line uint8, vector uint8, dest uint8, logical bool, mode lapic.DeliveryMode, level bool) {
	if int(line) >= len(f.lines) {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	l := &f.lines[line]
	l.vector, l.dest, l.logical, l.mode, l.level = vector, dest, logical, mode, level
}

// SetMasked marks line as masked (no delivery while asserted) or unmasks it,
// re-evaluating immediately so a line already held high delivers on unmask.
func (f *Fabric) SetMasked(line uint8, masked bool) {
	if int(line) >= len(f.lines) {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	l := &f.lines[line]
	wasMasked := l.masked
	l.masked = masked
	if wasMasked && !masked && l.asserted {
		f.evaluateLocked(line, !l.level)
	}
}

// SetIRQLine changes the electrical level of an ISA-style line, for devices
// that only know their IRQ number (spec.md's IDE channel IRQs). This is the
// fabric's synthesis point for what the legacy chipset would otherwise
// provide as a PIC/IO-APIC: no separate controller device sits between the
// line and the destination APIC(s).
func (f *Fabric) SetIRQLine(lineNum uint8, asserted bool) {
	if int(lineNum) >= len(f.lines) {
		debug.Writef("irqfabric.SetIRQLine", "line %d out of range, dropping", lineNum)
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	l := &f.lines[lineNum]
	if asserted {
		edge := !l.asserted
		l.asserted = true
		f.evaluateLocked(lineNum, edge)
	} else {
		l.asserted = false
		l.remoteIRR = false
	}
}

// evaluateLocked delivers line's routed IPI if it is unmasked and either a
// rising edge or a level line not already latched pending an EOI. Callers
// must hold f.mu.
func (f *Fabric) evaluateLocked(lineNum uint8, edge bool) {
	l := &f.lines[lineNum]
	if l.masked {
		return
	}
	switch {
	case l.level && (!l.asserted || l.remoteIRR):
		return
	case !l.level && !edge:
		return
	}

	if l.level {
		l.remoteIRR = true
	}

	req := lapic.IPIRequest{
		Vector:  l.vector,
		Mode:    l.mode,
		Logical: l.logical,
		Dest:    l.dest,
	}
	if l.level {
		req.Trigger = lapic.TriggerLevel
	}
	f.apics.Deliver(nil, req)
}

// EndOfInterrupt completes the given vCPU's highest in-service vector and
// clears the remote-IRR latch of any line routed to that vector, letting a
// still-asserted level line re-fire.
func (f *Fabric) EndOfInterrupt(apicID int) {
	target, ok := f.apics.ByID(apicID)
	if !ok {
		return
	}
	vec, hasVec := target.HighestInService()
	target.EndOfInterrupt()
	if !hasVec {
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.lines {
		if f.lines[i].vector == vec && f.lines[i].remoteIRR {
			f.lines[i].remoteIRR = false
			f.evaluateLocked(uint8(i), false)
		}
	}
}

// RaiseLine asserts vector directly against the vCPU with the given APIC
// id, bypassing the line redirection table entirely. Used by devices wired
// straight to a LAPIC's LINT pins, or by tests.
func (f *Fabric) RaiseLine(apicID int, vector uint8, ack lapic.AckFunc) {
	target, ok := f.apics.ByID(apicID)
	if !ok {
		debug.Writef("irqfabric.RaiseLine", "no apic with id %d, dropping vector 0x%02x", apicID, vector)
		return
	}
	target.Raise(vector, ack)
}

// PendingVector reports whether the given vCPU's APIC has a deliverable
// interrupt and, if so, which vector: the pre-entry loop's get_number()
// call per spec.md §4.2.
func (f *Fabric) PendingVector(apicID int) (vector uint8, ok bool) {
	target, found := f.apics.ByID(apicID)
	if !found {
		return 0, false
	}
	return target.GetNumber()
}

// BeginIRQ moves vector from IRR to ISR on the given vCPU's APIC, called by
// the pre-entry loop immediately before injecting it into the guest.
func (f *Fabric) BeginIRQ(apicID int, vector uint8) {
	target, ok := f.apics.ByID(apicID)
	if !ok {
		return
	}
	target.BeginIRQ(vector)
}
