// Package lapic emulates one local APIC per vCPU: the 4 KiB MMIO register
// file, the IRR/ISR/IER/TMR priority bitmaps, the IPI router, and the
// divisor-scaled timer.
package lapic

import (
	"fmt"
	"sync"

	"github.com/palacios-vmm/palacios/internal/hv"
)

// Register offsets within the 4 KiB MMIO window, matching the AMD/Intel
// LAPIC layout.
const (
	RegAPICID        uint32 = 0x020
	RegVersion       uint32 = 0x030
	RegTPR           uint32 = 0x080
	RegAPR           uint32 = 0x090
	RegPPR           uint32 = 0x0A0
	RegEOI           uint32 = 0x0B0
	RegRemoteRead    uint32 = 0x0C0
	RegLDR           uint32 = 0x0D0
	RegDFR           uint32 = 0x0E0
	RegSpurious      uint32 = 0x0F0
	RegISRBase       uint32 = 0x100
	RegTMRBase       uint32 = 0x180
	RegIRRBase       uint32 = 0x200
	RegESR           uint32 = 0x280
	RegICRLow        uint32 = 0x300
	RegICRHigh       uint32 = 0x310
	RegLVTTimer      uint32 = 0x320
	RegLVTThermal    uint32 = 0x330
	RegLVTPerf       uint32 = 0x340
	RegLVTLINT0      uint32 = 0x350
	RegLVTLINT1      uint32 = 0x360
	RegLVTError      uint32 = 0x370
	RegTimerInitCnt  uint32 = 0x380
	RegTimerCurCnt   uint32 = 0x390
	RegTimerDivide   uint32 = 0x3E0

	// FixedVersion is the value reported at RegVersion: version 0x10, 6 LVT
	// entries (maxLVT=5, zero-indexed).
	FixedVersion uint32 = 0x00050010

	// MMIOSize is the size of the per-vCPU MMIO window.
	MMIOSize = 0x1000

	// BaseAddrMSR is the LAPIC base-address MSR index.
	BaseAddrMSR uint32 = 0x1B

	baseAddrEnableBit    = 1 << 11
	baseAddrBootstrapBit = 1 << 8
	baseAddrPhysMask     = 0x000F_FFFF_FFFF_F000
)

// LVT indices, in register-file order.
const (
	LVTTimer = iota
	LVTThermal
	LVTPerf
	LVTLINT0
	LVTLINT1
	LVTError
	lvtCount
)

// DeliveryMode mirrors the 3-bit delivery mode field shared by LVT entries
// and the ICR.
type DeliveryMode uint8

const (
	DeliveryFixed DeliveryMode = iota
	DeliveryLowestPriority
	DeliverySMI
	deliveryReserved1
	DeliveryNMI
	DeliveryINIT
	DeliveryStartup
	DeliveryExtINT
)

// IPIState is the per-APIC startup state machine (spec.md's ipi_state).
type IPIState int

const (
	IPIStateIdle IPIState = iota
	IPIStateInit
	IPIStateSIPI
	IPIStateStarted
)

func (s IPIState) String() string {
	switch s {
	case IPIStateIdle:
		return "idle"
	case IPIStateInit:
		return "init"
	case IPIStateSIPI:
		return "sipi"
	case IPIStateStarted:
		return "started"
	default:
		return fmt.Sprintf("IPIState(%d)", int(s))
	}
}

// TPRAccessor exposes the vCPU-architectural TPR mirror (CR8 on amd64) that
// the register file reads and writes through, per spec.md §4.1's TPR
// aliasing requirement. The LAPIC never caches TPR locally.
type TPRAccessor interface {
	TPR() byte
	SetTPR(byte)
}

type localTPR struct {
	mu  sync.Mutex
	tpr byte
}

func (t *localTPR) TPR() byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.tpr
}

func (t *localTPR) SetTPR(v byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tpr = v
}

// AckFunc is invoked exactly once, at EOI, for the vector it was installed
// against.
type AckFunc func(vector uint8)

// Wakeup is invoked when a remote IPI needs the destination vCPU to leave
// guest mode (C1's inter-processor wakeup). It also brackets the VM-wide
// barrier that INIT delivery uses to stop a target vCPU deterministically
// before mutating its run state (spec.md §4.3/§5): StopVCPU raises the
// barrier and blocks until id has parked outside guest execution; ResumeVCPU
// lowers it.
type Wakeup interface {
	WakeVCPU(id int)
	StopVCPU(id int)
	ResumeVCPU(id int)
}

type noopWakeup struct{}

func (noopWakeup) WakeVCPU(int)   {}
func (noopWakeup) StopVCPU(int)   {}
func (noopWakeup) ResumeVCPU(int) {}

// Config customises a newly-created APIC, mirroring the teacher's
// functional-options idiom (pit.go's PITOption).
type Config struct {
	ID          int
	Bootstrap   bool
	BaseAddr    uint64
	TPR         TPRAccessor
	Wakeup      Wakeup
	StartupAddr func(vector uint8) uint64
}

// Option customises an APIC at construction time.
type Option func(*APIC)

// WithTPRAccessor installs a non-default TPR mirror, used by tests that
// want to observe CR8 writes independently of the register file.
func WithTPRAccessor(t TPRAccessor) Option {
	return func(a *APIC) {
		if t != nil {
			a.tpr = t
		}
	}
}

// WithWakeup installs the inter-processor wakeup sink.
func WithWakeup(w Wakeup) Option {
	return func(a *APIC) {
		if w != nil {
			a.wakeup = w
		}
	}
}

// APIC is the per-vCPU local APIC record described by spec.md §3.
type APIC struct {
	id        int
	bootstrap bool

	baseAddr   uint64
	apicEnable bool

	tpr TPRAccessor

	ldr      uint32
	dfr      uint32
	spurious uint32
	esr      uint32
	esrArmed bool
	esrPend  uint32
	icrLow   uint32
	icrHigh  uint32
	lvt      [lvtCount]uint32

	priority priorityState

	timer timerState

	ipiState    IPIState
	startupAddr func(vector uint8) uint64
	wakeup      Wakeup

	set *Set
}

// New constructs an APIC per cfg, wired against the owning Set so the IPI
// router can address peer APICs.
func New(set *Set, cfg Config, opts ...Option) *APIC {
	a := &APIC{
		id:        cfg.ID,
		bootstrap: cfg.Bootstrap,
		baseAddr:  cfg.BaseAddr,
		tpr:       cfg.TPR,
		dfr:       0xFFFF_FFFF, // flat model, matching real hardware reset state
		spurious:  0xFF,
		wakeup:    cfg.Wakeup,
		set:       set,
	}
	if a.tpr == nil {
		a.tpr = &localTPR{}
	}
	if a.wakeup == nil {
		a.wakeup = noopWakeup{}
	}
	a.priority.init()
	if cfg.Bootstrap {
		a.apicEnable = true
		a.ipiState = IPIStateStarted
	} else {
		a.ipiState = IPIStateIdle
	}
	a.startupAddr = cfg.StartupAddr
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// ID returns the APIC's owning vCPU index, used as its physical APIC ID.
func (a *APIC) ID() int { return a.id }

// BaseAddress returns the current 4 KiB-aligned MMIO base.
func (a *APIC) BaseAddress() uint64 { return a.baseAddr }

// IPIState reports the startup state machine's current value (test/debug
// observability only).
func (a *APIC) IPIState() IPIState { return a.ipiState }

var _ hv.Device = (*Device)(nil)
