package ide

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"testing"

	"github.com/palacios-vmm/palacios/internal/hv"
)

// testVM implements a minimal hv.VirtualMachine backed by a byte slice,
// grounded on the teacher's consoleTestVM (console_test.go).
type testVM struct {
	mu     sync.Mutex
	memory []byte
}

func newTestVM(size int) *testVM {
	return &testVM{memory: make([]byte, size)}
}

func (vm *testVM) ReadAt(p []byte, off int64) (int, error) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	if off < 0 || int(off)+len(p) > len(vm.memory) {
		return 0, fmt.Errorf("read out of bounds: offset=%d len=%d memsize=%d", off, len(p), len(vm.memory))
	}
	copy(p, vm.memory[off:off+int64(len(p))])
	return len(p), nil
}

func (vm *testVM) WriteAt(p []byte, off int64) (int, error) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	if off < 0 || int(off)+len(p) > len(vm.memory) {
		return 0, fmt.Errorf("write out of bounds: offset=%d len=%d memsize=%d", off, len(p), len(vm.memory))
	}
	copy(vm.memory[off:], p)
	return len(p), nil
}

func (vm *testVM) Close() error                                   { return nil }
func (vm *testVM) Hypervisor() hv.Hypervisor                      { return nil }
func (vm *testVM) MemorySize() uint64                             { return uint64(len(vm.memory)) }
func (vm *testVM) MemoryBase() uint64                             { return 0 }
func (vm *testVM) Run(ctx context.Context, cfg hv.RunConfig) error { return nil }
func (vm *testVM) SetIRQ(line uint32, level bool) error           { return nil }
func (vm *testVM) VirtualCPUCall(id int, f func(vcpu hv.VirtualCPU) error) error {
	return nil
}
func (vm *testVM) AddDevice(dev hv.Device) error { return nil }
func (vm *testVM) AddDeviceFromTemplate(template hv.DeviceTemplate) error {
	return nil
}
func (vm *testVM) AllocateMemory(physAddr, size uint64) (hv.MemoryRegion, error) {
	return nil, fmt.Errorf("not implemented")
}
func (vm *testVM) CaptureSnapshot() (hv.Snapshot, error)  { return nil, nil }
func (vm *testVM) RestoreSnapshot(snap hv.Snapshot) error { return nil }

var _ hv.VirtualMachine = (*testVM)(nil)

type testIRQ struct {
	asserted bool
}

func (t *testIRQ) SetIRQ(level bool) { t.asserted = level }

func newTestChannel(backend BlockBackend) (*Channel, *testIRQ) {
	irq := &testIRQ{}
	ch := NewChannel("test", 0x1F0, 0x3F6, IRQLineFunc(irq.SetIRQ), WithDMAPorts(0xC000))
	if backend != nil {
		ch.AttachDisk(0, backend, "PALACIOS TEST DISK")
	}
	return ch, irq
}

func selectMaster(ch *Channel) {
	ch.WriteIOPort(nil, 0x1F6, []byte{driveHeadLBA})
}

// S3: IDENTIFY DEVICE reports the model string and LBA28 capacity.
func TestIdentifyDevice(t *testing.T) {
	backend := NewMemBackend(32 * sectorSize)
	ch, irq := newTestChannel(backend)
	selectMaster(ch)

	if err := ch.WriteIOPort(nil, 0x1F7, []byte{cmdIdentify}); err != nil {
		t.Fatalf("IDENTIFY: %v", err)
	}
	if !irq.asserted {
		t.Fatalf("expected IRQ after IDENTIFY")
	}

	block := make([]byte, identifySize)
	for i := 0; i < identifySize; i += 2 {
		if err := ch.ReadIOPort(nil, 0x1F0, block[i:i+2]); err != nil {
			t.Fatalf("read data word %d: %v", i/2, err)
		}
	}

	model := decodeATAString(block[54:94])
	if model != "PALACIOS TEST DISK" {
		t.Fatalf("model = %q, want %q", model, "PALACIOS TEST DISK")
	}
	capacity := binary.LittleEndian.Uint32(block[120:124])
	if capacity != 32 {
		t.Fatalf("LBA28 capacity = %d, want 32", capacity)
	}
}

func decodeATAString(b []byte) string {
	out := make([]byte, len(b))
	for i := 0; i+1 < len(b); i += 2 {
		out[i], out[i+1] = b[i+1], b[i]
	}
	n := len(out)
	for n > 0 && out[n-1] == ' ' {
		n--
	}
	return string(out[:n])
}

// S4: a LBA28 WRITE SECTORS followed by READ SECTORS round-trips data.
func TestLBA28ReadWriteRoundTrip(t *testing.T) {
	backend := NewMemBackend(16 * sectorSize)
	ch, _ := newTestChannel(backend)

	// drive/head: LBA mode, LBA28 (bits 7,5 both set), master.
	ch.WriteIOPort(nil, 0x1F6, []byte{driveHeadLBA | 0xA0})
	ch.WriteIOPort(nil, 0x1F2, []byte{1}) // sector count = 1
	ch.WriteIOPort(nil, 0x1F3, []byte{3}) // LBA0 = sector 3

	if err := ch.WriteIOPort(nil, 0x1F7, []byte{cmdWriteSectors}); err != nil {
		t.Fatalf("WRITE SECTORS: %v", err)
	}
	want := make([]byte, sectorSize)
	for i := range want {
		want[i] = byte(i)
	}
	for i := 0; i < sectorSize; i += 2 {
		if err := ch.WriteIOPort(nil, 0x1F0, want[i:i+2]); err != nil {
			t.Fatalf("write data word %d: %v", i/2, err)
		}
	}

	ch.WriteIOPort(nil, 0x1F6, []byte{driveHeadLBA | 0xA0})
	ch.WriteIOPort(nil, 0x1F2, []byte{1})
	ch.WriteIOPort(nil, 0x1F3, []byte{3})
	if err := ch.WriteIOPort(nil, 0x1F7, []byte{cmdReadSectors}); err != nil {
		t.Fatalf("READ SECTORS: %v", err)
	}
	got := make([]byte, sectorSize)
	for i := 0; i < sectorSize; i += 2 {
		if err := ch.ReadIOPort(nil, 0x1F0, got[i:i+2]); err != nil {
			t.Fatalf("read data word %d: %v", i/2, err)
		}
	}
	if string(got) != string(want) {
		t.Fatalf("round-tripped sector mismatch")
	}
}

// S5: ATAPI READ(10) returns one 2048-byte CD-ROM block via the PACKET
// command phase.
func TestATAPIRead10(t *testing.T) {
	backend := NewMemBackend(4 * cdSectorSize)
	block1 := make([]byte, cdSectorSize)
	for i := range block1 {
		block1[i] = byte(i % 251)
	}
	if _, err := backend.WriteAt(block1, cdSectorSize); err != nil {
		t.Fatalf("seed backend: %v", err)
	}

	irq := &testIRQ{}
	ch := NewChannel("test", 0x1F0, 0x3F6, IRQLineFunc(irq.SetIRQ))
	ch.AttachCDROM(0, backend, "PALACIOS TEST CDROM")
	ch.WriteIOPort(nil, 0x1F6, []byte{driveHeadLBA})

	if err := ch.WriteIOPort(nil, 0x1F7, []byte{cmdPacket}); err != nil {
		t.Fatalf("PACKET: %v", err)
	}

	cdb := make([]byte, 12)
	cdb[0] = 0x28 // READ(10)
	binary.BigEndian.PutUint32(cdb[2:6], 1)
	binary.BigEndian.PutUint16(cdb[7:9], 1)
	for i := 0; i < 12; i += 2 {
		if err := ch.WriteIOPort(nil, 0x1F0, cdb[i:i+2]); err != nil {
			t.Fatalf("write cdb word %d: %v", i/2, err)
		}
	}

	if !irq.asserted {
		t.Fatalf("expected IRQ after data-in phase begins")
	}
	got := make([]byte, cdSectorSize)
	for i := 0; i < cdSectorSize; i += 2 {
		if err := ch.ReadIOPort(nil, 0x1F0, got[i:i+2]); err != nil {
			t.Fatalf("read block word %d: %v", i/2, err)
		}
	}
	if string(got) != string(block1) {
		t.Fatalf("ATAPI Read(10) block mismatch")
	}
}

// S6: a bus-master WRITE_DMA transfer walks a single PRD entry and moves
// guest memory to the backend.
func TestBusMasterWriteDMA(t *testing.T) {
	backend := NewMemBackend(4 * sectorSize)
	ch, irq := newTestChannel(backend)
	selectMaster(ch)

	vm := newTestVM(1 << 16)
	dma := ch.DMA()
	if dma == nil {
		t.Fatalf("expected a DMA engine")
	}
	if err := dma.Init(vm); err != nil {
		t.Fatalf("dma.Init: %v", err)
	}

	payload := make([]byte, sectorSize)
	for i := range payload {
		payload[i] = byte(0xA0 + i%16)
	}
	const prdAddr = 0x2000
	const dataAddr = 0x3000
	if _, err := vm.WriteAt(payload, dataAddr); err != nil {
		t.Fatalf("seed guest memory: %v", err)
	}

	var prd [8]byte
	binary.LittleEndian.PutUint32(prd[0:4], dataAddr)
	binary.LittleEndian.PutUint16(prd[4:6], sectorSize)
	prd[7] = 0x80 // EOT
	if _, err := vm.WriteAt(prd[:], prdAddr); err != nil {
		t.Fatalf("seed PRD table: %v", err)
	}

	ch.WriteIOPort(nil, 0x1F2, []byte{1})
	ch.WriteIOPort(nil, 0x1F3, []byte{1})
	if err := ch.WriteIOPort(nil, 0x1F7, []byte{cmdWriteDMA}); err != nil {
		t.Fatalf("WRITE_DMA setup: %v", err)
	}

	var prdBuf [4]byte
	binary.LittleEndian.PutUint32(prdBuf[:], prdAddr)
	if err := dma.WriteIOPort(nil, 0xC004, prdBuf[:]); err != nil {
		t.Fatalf("write prd_base: %v", err)
	}
	// bus-master command: start, memory-to-device (write to disk).
	if err := dma.WriteIOPort(nil, 0xC000, []byte{bmCmdStart | bmCmdWrite}); err != nil {
		t.Fatalf("write command register: %v", err)
	}

	if !irq.asserted {
		t.Fatalf("expected IRQ after DMA completion")
	}
	status := make([]byte, 1)
	if err := dma.ReadIOPort(nil, 0xC002, status); err != nil {
		t.Fatalf("read status: %v", err)
	}
	if status[0]&bmStatusError != 0 {
		t.Fatalf("DMA status reports error: 0x%02x", status[0])
	}
	if status[0]&bmStatusIRQ == 0 {
		t.Fatalf("DMA status missing IRQ bit: 0x%02x", status[0])
	}

	got := make([]byte, sectorSize)
	if _, err := backend.ReadAt(got, sectorSize); err != nil {
		t.Fatalf("read back sector 1: %v", err)
	}
	if string(got) != string(payload) {
		t.Fatalf("DMA-written sector mismatch")
	}
}
