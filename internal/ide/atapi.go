package ide

import "encoding/binary"

// ATAPI interrupt-reason bits.
const (
	atapiIRQic = 1 << 2 // interrupt reason: C/D
	atapiIRQio = 1 << 1 // interrupt reason: I/O
)

func (c *Channel) cmdPacketLocked(d *drive) {
	if d.kind != driveCDROM {
		c.abortLocked()
		return
	}
	d.transferIndex = 0
	d.transferLen = 12
	d.writing = true
	c.status = statusDRDY | statusDSC | statusDRQ
	c.error = 0
	d.onTransferDone = func(c *Channel, d *drive) error {
		copy(d.atapiCmd[:], d.dataBuf[:12])
		c.dispatchATAPILocked(d)
		return nil
	}
}

func (c *Channel) atapiErrorLocked(d *drive, key, asc, ascq byte) {
	d.sense = senseData{key: key, asc: asc, ascq: ascq}
	c.status = statusDRDY | statusDSC | statusERR
	c.error = key << 4
	d.lba1Low, d.lba2Low = byte(atapiIRQic), 0
	c.raiseIRQLocked()
}

// dispatchATAPILocked implements spec.md §4.6's opcode table.
func (c *Channel) dispatchATAPILocked(d *drive) {
	op := d.atapiCmd[0]
	switch op {
	case 0x00: // Test Unit Ready
		if d.backend == nil {
			c.atapiErrorLocked(d, senseKeyNotReady, ascMediumNotPresent, 0)
			return
		}
		c.atapiCompleteNoDataLocked(d)

	case 0x03: // Request Sense
		block := make([]byte, 18)
		block[0] = 0x70
		block[2] = d.sense.key
		block[7] = 10
		block[12] = d.sense.asc
		block[13] = d.sense.ascq
		c.atapiDataInLocked(d, block)

	case 0x28: // Read(10)
		if d.backend == nil {
			c.atapiErrorLocked(d, senseKeyNotReady, ascMediumNotPresent, 0)
			return
		}
		lba := uint64(binary.BigEndian.Uint32(d.atapiCmd[2:6]))
		count := uint32(binary.BigEndian.Uint16(d.atapiCmd[7:9]))
		if (lba+uint64(count))*cdSectorSize > uint64(d.backend.Size()) {
			c.atapiErrorLocked(d, senseKeyIllegalReq, ascLogicalBlockRange, 0)
			return
		}
		d.currentLBA = lba
		d.remainingSectors = int(count)
		c.loadNextCDBlockLocked(d)

	case 0x25: // Read Capacity
		block := make([]byte, 8)
		last := uint32(0)
		if d.backend != nil && d.totalSectors() > 0 {
			last = uint32(d.totalSectors() - 1)
		}
		binary.BigEndian.PutUint32(block[0:4], last)
		binary.BigEndian.PutUint32(block[4:8], cdSectorSize)
		c.atapiDataInLocked(d, block)

	case 0x43: // Read TOC: stub two-entry TOC (data track + lead-out)
		block := make([]byte, 20)
		binary.BigEndian.PutUint16(block[0:2], 18)
		block[2], block[3] = 1, 1
		block[4], block[6] = 0, 1 // track 1, ADR/control, track number
		block[8] = 0
		block[12], block[13] = 0, 0xAA // lead-out track number
		c.atapiDataInLocked(d, block)

	case 0x46: // Get Configuration
		block := make([]byte, 8)
		binary.BigEndian.PutUint32(block[0:4], 8)
		c.atapiDataInLocked(d, block)

	case 0x4A: // Get Event Status Notification
		block := make([]byte, 8)
		block[1] = 4
		c.atapiDataInLocked(d, block)

	case 0xBD: // Mechanism Status
		block := make([]byte, 8)
		c.atapiDataInLocked(d, block)

	case 0x5A: // Mode Sense(10)
		block := make([]byte, 8)
		binary.BigEndian.PutUint16(block[0:2], 6)
		c.atapiDataInLocked(d, block)

	case 0x12: // Inquiry
		block := make([]byte, 36)
		block[0] = 0x05 // CD-ROM device
		block[1] = 0x80 // removable
		block[2] = 0x00
		block[4] = byte(len(block) - 5)
		copy(block[8:16], "PALACIO ")
		copy(block[16:32], "VIRTUAL CD-ROM  ")
		copy(block[32:36], "1.0 ")
		c.atapiDataInLocked(d, block)

	default:
		c.atapiErrorLocked(d, senseKeyIllegalReq, ascInvalidFieldInCDB, 0)
	}
}

func (c *Channel) atapiCompleteNoDataLocked(d *drive) {
	c.status = statusDRDY | statusDSC
	c.error = 0
	d.lba1Low, d.lba2Low = byte(atapiIRQic), 0
	c.raiseIRQLocked()
}

// atapiDataInLocked starts a data-in burst for a fixed, small response
// block (everything except Read(10), which streams whole CD sectors via
// loadNextCDBlockLocked).
func (c *Channel) atapiDataInLocked(d *drive, block []byte) {
	n := copy(d.dataBuf[:], block)
	d.transferIndex = 0
	d.transferLen = n
	d.writing = false
	d.lba1Low = byte(n)
	d.lba2Low = byte(n >> 8)
	c.status = statusDRDY | statusDSC | statusDRQ
	c.error = 0
	d.onTransferDone = nil
	c.raiseIRQLocked()
}

func (c *Channel) loadNextCDBlockLocked(d *drive) {
	off := int64(d.currentLBA) * cdSectorSize
	if _, err := d.backend.ReadAt(d.dataBuf[:cdSectorSize], off); err != nil {
		c.atapiErrorLocked(d, senseKeyIllegalReq, ascLogicalBlockRange, 0)
		return
	}
	d.transferIndex = 0
	d.transferLen = cdSectorSize
	d.writing = false
	d.lba1Low = byte(cdSectorSize)
	d.lba2Low = byte(cdSectorSize >> 8)
	c.status = statusDRDY | statusDSC | statusDRQ
	c.error = 0
	d.onTransferDone = onReadCDBlockDone
	c.raiseIRQLocked()
}

func onReadCDBlockDone(c *Channel, d *drive) error {
	d.currentLBA++
	d.remainingSectors--
	if d.remainingSectors <= 0 {
		c.status = statusDRDY | statusDSC
		c.raiseIRQLocked()
		return nil
	}
	c.loadNextCDBlockLocked(d)
	return nil
}
