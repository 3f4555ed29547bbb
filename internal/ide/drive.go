package ide

// driveType identifies what, if anything, occupies a drive slot.
type driveType int

const (
	driveNone driveType = iota
	driveDisk
	driveCDROM
)

const sectorSize = 512
const cdSectorSize = 2048
const dataBufSize = 2048

// senseData is the per-drive ATAPI sense state returned by Request-Sense.
type senseData struct {
	key  byte
	asc  byte
	ascq byte
}

const (
	senseKeyNoSense       = 0x0
	senseKeyNotReady      = 0x2
	senseKeyIllegalReq    = 0x5
	ascMediumNotPresent   = 0x3A
	ascInvalidFieldInCDB  = 0x24
	ascLogicalBlockRange  = 0x21
)

// drive is C6/C7's per-drive record (spec.md §3's "per-drive" fields).
type drive struct {
	kind  driveType
	model string

	backend BlockBackend

	cylinders       uint16
	heads           uint16
	sectorsPerTrack uint16

	dataBuf       [dataBufSize]byte
	transferIndex int
	transferLen   int
	currentLBA    uint64

	// LBA48 two-step latches: each of these registers accepts two writes,
	// the first landing in the high byte, the second in the low byte.
	sectorCountHigh, sectorCountLow byte
	lba0High, lba0Low               byte
	lba1High, lba1Low               byte
	lba2High, lba2Low               byte

	multSectorNum uint8
	curSectorNum  uint8
	accessed      bool

	// remainingSectors counts sectors left to move for the PIO command in
	// progress (READ/WRITE SECTORS|MULTIPLE|EXT).
	remainingSectors int
	// clusterRemaining tracks progress towards the next IRQ boundary for
	// multi-sector commands: it counts down from mult_sector_num (or 1 for
	// non-multiple commands) and fires IRQ at zero, per spec.md §4.5's
	// "raises IRQ on the sector/cluster boundary" rule (supplemented: the
	// base spec doesn't name the counter, but the boundary rule requires
	// one).
	clusterRemaining int
	writing          bool

	sense       senseData
	atapiCmd    [12]byte
	errRecovery bool

	// onTransferDone is invoked once the current PIO transfer has moved
	// transferLen bytes, to let the channel dispatch the next phase
	// (flush a write, refill a read, or complete a command).
	onTransferDone func(c *Channel, dr *drive) error
}

func (d *drive) totalSectors() uint64 {
	if d.backend == nil {
		return 0
	}
	size := uint64(d.backend.Size())
	if d.kind == driveCDROM {
		return size / cdSectorSize
	}
	return size / sectorSize
}

func (d *drive) resetTransient() {
	d.transferIndex = 0
	d.transferLen = 0
	d.sectorCountHigh, d.sectorCountLow = 0, 0
	d.lba0High, d.lba0Low = 0, 0
	d.lba1High, d.lba1Low = 0, 0
	d.lba2High, d.lba2Low = 0, 0
	d.multSectorNum = 0
	d.curSectorNum = 1
	d.onTransferDone = nil
}

// attachDisk populates a disk drive slot with geometry derived from the
// backend's size, per the classic BIOS "16/63" translation used when no
// explicit geometry is supplied.
func attachDisk(backend BlockBackend, model string) *drive {
	d := &drive{kind: driveDisk, model: model, backend: backend}
	d.curSectorNum = 1
	sectors := uint64(backend.Size()) / sectorSize
	d.heads = 16
	d.sectorsPerTrack = 63
	cyl := sectors / (uint64(d.heads) * uint64(d.sectorsPerTrack))
	if cyl > 0xFFFF {
		cyl = 0xFFFF
	}
	d.cylinders = uint16(cyl)
	return d
}

// attachCDROM populates a CDROM drive slot. backend may be nil for an empty
// tray; totalSectors and IDENTIFY both tolerate that.
func attachCDROM(backend BlockBackend, model string) *drive {
	d := &drive{kind: driveCDROM, model: model, backend: backend}
	d.curSectorNum = 1
	return d
}
