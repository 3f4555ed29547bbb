package irqfabric

import (
	"testing"

	"github.com/palacios-vmm/palacios/internal/lapic"
)

// A level-triggered line routed through ConfigureLine delivers through the
// fabric to the addressed vCPU's LAPIC. While the line stays asserted,
// EndOfInterrupt clearing remote-IRR lets it re-fire; once the source
// deasserts, EOI raises nothing further.
func TestLevelLineThroughFabric(t *testing.T) {
	apics := lapic.NewSet()
	apic := lapic.New(apics, lapic.Config{ID: 0, Bootstrap: true})
	apics.Add(apic)

	f := New(apics)
	f.ConfigureLine(2, 0x30, 0, false, lapic.DeliveryFixed, true)
	f.SetIRQLine(2, true)

	vec, ok := f.PendingVector(0)
	if !ok || vec != 0x30 {
		t.Fatalf("PendingVector(0) = (0x%02x, %v), want (0x30, true)", vec, ok)
	}
	f.BeginIRQ(0, vec)
	f.EndOfInterrupt(0)

	if vec, ok := f.PendingVector(0); !ok || vec != 0x30 {
		t.Fatalf("line held high: expected vector 0x30 to re-fire after EOI, got (0x%02x, %v)", vec, ok)
	}
	f.BeginIRQ(0, vec)

	f.SetIRQLine(2, false)
	f.EndOfInterrupt(0)
	if _, ok := f.PendingVector(0); ok {
		t.Fatalf("expected no pending vector once the source line deasserted")
	}
}

// An edge-triggered line fires exactly once per rising edge, even if held
// asserted, and fires again on the next rising edge. The first vector is
// EOI'd first, since the LAPIC does not report a vector as deliverable while
// the same vector is still in service.
func TestEdgeLineFiresOncePerRisingEdge(t *testing.T) {
	apics := lapic.NewSet()
	apic := lapic.New(apics, lapic.Config{ID: 0, Bootstrap: true})
	apics.Add(apic)

	f := New(apics)
	f.ConfigureLine(5, 0x41, 0, false, lapic.DeliveryFixed, false)

	f.SetIRQLine(5, true)
	vec, ok := f.PendingVector(0)
	if !ok || vec != 0x41 {
		t.Fatalf("PendingVector(0) = (0x%02x, %v), want (0x41, true)", vec, ok)
	}
	f.BeginIRQ(0, vec)
	f.EndOfInterrupt(0)

	// Holding the line high without a new edge delivers nothing further.
	f.SetIRQLine(5, true)
	if _, ok := f.PendingVector(0); ok {
		t.Fatalf("edge line refired without a new rising edge")
	}

	f.SetIRQLine(5, false)
	f.SetIRQLine(5, true)
	if vec, ok := f.PendingVector(0); !ok || vec != 0x41 {
		t.Fatalf("PendingVector(0) after new edge = (0x%02x, %v), want (0x41, true)", vec, ok)
	}
}

// A masked line delivers nothing until unmasked, at which point a still-held
// level re-evaluates and fires.
func TestMaskedLineDeliversOnUnmask(t *testing.T) {
	apics := lapic.NewSet()
	apic := lapic.New(apics, lapic.Config{ID: 0, Bootstrap: true})
	apics.Add(apic)

	f := New(apics)
	f.ConfigureLine(1, 0x50, 0, false, lapic.DeliveryFixed, true)
	f.SetMasked(1, true)
	f.SetIRQLine(1, true)

	if _, ok := f.PendingVector(0); ok {
		t.Fatalf("masked line delivered a vector")
	}

	f.SetMasked(1, false)
	if vec, ok := f.PendingVector(0); !ok || vec != 0x50 {
		t.Fatalf("PendingVector(0) after unmask = (0x%02x, %v), want (0x50, true)", vec, ok)
	}
}

func TestRaiseLineUnknownAPICIsDropped(t *testing.T) {
	f := New(lapic.NewSet())
	f.RaiseLine(7, 0x40, nil) // must not panic
}

func TestSetIRQLineOutOfRangeIsDropped(t *testing.T) {
	f := New(lapic.NewSet())
	f.SetIRQLine(NumLines, true) // must not panic
}
