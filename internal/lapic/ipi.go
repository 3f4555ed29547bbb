package lapic

import (
	"sync"

	"github.com/palacios-vmm/palacios/internal/debug"
)

// Shorthand is the ICR's destination-shorthand field.
type Shorthand uint8

const (
	ShorthandNone Shorthand = iota
	ShorthandSelf
	ShorthandAll
	ShorthandAllButSelf
)

// TriggerMode is the ICR's trigger-mode bit.
type TriggerMode uint8

const (
	TriggerEdge TriggerMode = iota
	TriggerLevel
)

// IPIRequest is the decoded ICR write: spec.md §4.3's
// "{vector, mode, logical, trigger, shorthand, dst}".
type IPIRequest struct {
	Vector    uint8
	Mode      DeliveryMode
	Logical   bool
	Trigger   TriggerMode
	Shorthand Shorthand
	Dest      uint8
}

// Set is spec.md §3's process-wide "APIC device state": the collection of
// per-vCPU APICs plus the addressability lock (state_lock) serializing LDR/
// DFR reads during IPI routing.
type Set struct {
	mu    sync.Mutex
	apics []*APIC
}

// NewSet returns an empty APIC set. Callers add one APIC per vCPU via Add.
func NewSet() *Set {
	return &Set{}
}

// Add registers an APIC with the set. Not safe to call concurrently with
// routing; APICs are allocated at VM creation per spec.md's lifecycle note.
func (s *Set) Add(a *APIC) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.apics = append(s.apics, a)
}

// ByID returns the APIC owned by the given vCPU, if any.
func (s *Set) ByID(id int) (*APIC, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ap := range s.apics {
		if ap.id == id {
			return ap, true
		}
	}
	return nil, false
}

// Count returns the number of APICs in the set (spec.md's num_apics).
func (s *Set) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.apics)
}

// dispatchICRWrite decodes the ICR and hands the resulting request to the
// owning Set, invoked from a write to RegICRLow per spec.md §4.1.
func (a *APIC) dispatchICRWrite() {
	req := IPIRequest{
		Vector:    uint8(a.icrLow & 0xFF),
		Mode:      DeliveryMode((a.icrLow >> 8) & 0x7),
		Logical:   a.icrLow&(1<<11) != 0,
		Shorthand: Shorthand((a.icrLow >> 18) & 0x3),
		Dest:      uint8(a.icrHigh >> 24),
	}
	if a.icrLow&(1<<15) != 0 {
		req.Trigger = TriggerLevel
	}

	if a.set == nil {
		debug.Writef("lapic.dispatchICRWrite", "apic=%d has no owning set, dropping IPI", a.id)
		return
	}
	a.set.Deliver(a, req)
}

// logicalMatch implements spec.md §4.3's addressability rules for one
// candidate target under logical-destination mode.
func (a *APIC) logicalMatch(dest uint8) bool {
	model := byte(a.dfr>>28) & 0xF
	ldrByte := byte(a.ldr >> 24)

	switch model {
	case 0xF: // flat model
		if dest == 0xFF {
			return true
		}
		return ldrByte&dest != 0
	case 0x0: // cluster model
		if dest == 0xFF {
			return true
		}
		clusterID := (dest >> 4) & 0xF
		apicBitmap := dest & 0xF
		ldrCluster := (ldrByte >> 4) & 0xF
		ldrBitmap := ldrByte & 0xF
		return clusterID == ldrCluster && apicBitmap&ldrBitmap != 0
	default:
		debug.Writef("lapic.logicalMatch", "apic=%d invalid DFR model 0x%x", a.id, model)
		return false
	}
}

// targets resolves an IPIRequest's destination set under the set's
// addressability lock.
func (s *Set) targets(source *APIC, req IPIRequest) []*APIC {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch req.Shorthand {
	case ShorthandSelf:
		if source == nil {
			debug.Writef("lapic.targets", "self shorthand with no source APIC, dropping")
			return nil
		}
		return []*APIC{source}
	case ShorthandAll:
		out := make([]*APIC, len(s.apics))
		copy(out, s.apics)
		return out
	case ShorthandAllButSelf:
		out := make([]*APIC, 0, len(s.apics))
		for _, ap := range s.apics {
			if ap != source {
				out = append(out, ap)
			}
		}
		return out
	default:
		if req.Logical {
			out := make([]*APIC, 0, len(s.apics))
			for _, ap := range s.apics {
				if ap.logicalMatch(req.Dest) {
					out = append(out, ap)
				}
			}
			return out
		}
		for _, ap := range s.apics {
			if ap.id == int(req.Dest) {
				return []*APIC{ap}
			}
		}
		return nil
	}
}

// Deliver implements spec.md §4.3's delivery-mode dispatch. source is nil
// for externally-injected interrupts (e.g. lines routed through irqfabric).
func (s *Set) Deliver(source *APIC, req IPIRequest) {
	targets := s.targets(source, req)

	switch req.Mode {
	case DeliveryFixed:
		for _, t := range targets {
			s.deliverFixed(source, t, req)
		}
	case DeliveryLowestPriority:
		s.deliverLowestPriority(source, targets, req)
	case DeliveryINIT:
		for _, t := range targets {
			s.deliverINIT(t)
		}
	case DeliveryStartup:
		for _, t := range targets {
			s.deliverSIPI(t, req.Vector)
		}
	case DeliveryExtINT:
		debug.Writef("lapic.Deliver", "ExtINT IPI is a no-op; external PIC drives the line")
	case DeliverySMI, DeliveryNMI:
		debug.Writef("lapic.Deliver", "delivery mode %d not implemented, dropping vector 0x%02x", req.Mode, req.Vector)
	default:
		debug.Writef("lapic.Deliver", "unsupported delivery mode %d, dropping vector 0x%02x", req.Mode, req.Vector)
	}
}

func (s *Set) deliverFixed(source, target *APIC, req IPIRequest) {
	if target == nil {
		return
	}
	if req.Trigger == TriggerLevel {
		target.priority.tmr.set(req.Vector)
	} else {
		target.priority.tmr.clear(req.Vector)
	}

	if target == source {
		target.RaiseLocal(req.Vector, nil)
		return
	}
	target.Raise(req.Vector, nil)
	target.wakeup.WakeVCPU(target.id)
}

// deliverLowestPriority picks the eligible target with the smallest APR
// class, tie broken by iteration order, then delivers as Fixed.
func (s *Set) deliverLowestPriority(source *APIC, targets []*APIC, req IPIRequest) {
	if len(targets) == 0 {
		return
	}
	best := targets[0]
	for _, t := range targets[1:] {
		if (t.apr() & 0xF0) < (best.apr() & 0xF0) {
			best = t
		}
	}
	s.deliverFixed(source, best, req)
}

// deliverINIT implements the INIT half of the INIT-SIPI-SIPI sequence.
// Per spec.md §4.3/§5, INIT delivery raises a VM-wide barrier, marks the
// target stopped, mutates ipi_state, then lowers the barrier — rather than
// just waking it the way a Fixed-mode IPI does, since INIT must park the
// vCPU deterministically before the state change is visible to it.
func (s *Set) deliverINIT(target *APIC) {
	if target == nil {
		return
	}
	if target.bootstrap {
		debug.Writef("lapic.deliverINIT", "INIT to bootstrap APIC %d ignored", target.id)
		return
	}
	target.wakeup.StopVCPU(target.id)
	target.ipiState = IPIStateInit
	target.wakeup.ResumeVCPU(target.id)
}

// deliverSIPI implements the documented INIT-SIPI-SIPI idiom: the first
// SIPI after INIT only arms the sequence (ipi_state: INIT -> SIPI); the
// second SIPI actually starts the AP. See DESIGN.md (Open Question 1) for
// why this one-shot shape, rather than a single-SIPI boot, was kept.
func (s *Set) deliverSIPI(target *APIC, vector uint8) {
	if target == nil {
		return
	}
	switch target.ipiState {
	case IPIStateInit:
		target.ipiState = IPIStateSIPI
		debug.Writef("lapic.deliverSIPI", "apic=%d armed by first SIPI", target.id)
	case IPIStateSIPI:
		target.ipiState = IPIStateStarted
		if target.startupAddr != nil {
			addr := target.startupAddr(vector)
			debug.Writef("lapic.deliverSIPI", "apic=%d starting at 0x%x", target.id, addr)
		}
		target.wakeup.WakeVCPU(target.id)
	default:
		debug.Writef("lapic.deliverSIPI", "apic=%d SIPI outside INIT-SIPI sequence ignored (state=%s)", target.id, target.ipiState)
	}
}
