package ide

func (c *Channel) headNum() byte { return c.driveHeadReg & 0x0F }

func (c *Channel) isLBAMode() bool { return c.driveHeadReg&driveHeadLBA != 0 }

// isLBA48/isLBA28 implement spec.md §4.5's addressing-mode selection from
// the drive/head register's two reserved bits (7 and 5).
func (c *Channel) isLBA48() bool {
	return c.isLBAMode() && c.driveHeadReg&0xA0 == 0
}

func (c *Channel) isLBA28() bool {
	return c.isLBAMode() && c.driveHeadReg&0xA0 == 0xA0
}

func (c *Channel) lba28(d *drive) uint64 {
	return uint64(c.headNum())<<24 | uint64(d.lba2Low)<<16 | uint64(d.lba1Low)<<8 | uint64(d.lba0Low)
}

func (c *Channel) lba48(d *drive) uint64 {
	return uint64(d.lba0Low) | uint64(d.lba1Low)<<8 | uint64(d.lba2Low)<<16 |
		uint64(d.lba0High)<<24 | uint64(d.lba1High)<<32 | uint64(d.lba2High)<<40
}

func (c *Channel) sectorCount48(d *drive) uint32 {
	n := uint32(d.sectorCountLow) | uint32(d.sectorCountHigh)<<8
	if n == 0 {
		return 65536
	}
	return n
}

func (c *Channel) sectorCount8(d *drive) uint32 {
	if d.sectorCountLow == 0 {
		return 256
	}
	return uint32(d.sectorCountLow)
}

func (c *Channel) chs(d *drive) uint64 {
	cyl := uint64(d.lba1Low) | uint64(d.lba2Low)<<8
	head := uint64(c.headNum())
	sector := uint64(d.lba0Low)
	if sector == 0 {
		sector = 1
	}
	return (cyl*uint64(d.heads)+head)*uint64(d.sectorsPerTrack) + (sector - 1)
}

// addressLocked resolves the current command's LBA and sector count per
// spec.md §4.5's addressing computation.
func (c *Channel) addressLocked(d *drive) (lba uint64, count uint32) {
	switch {
	case c.isLBA48():
		return c.lba48(d), c.sectorCount48(d)
	case c.isLBA28():
		return c.lba28(d), c.sectorCount8(d)
	default:
		return c.chs(d), c.sectorCount8(d)
	}
}

// rangeCheckLocked implements "(lba + count) * 512 <= capacity".
func (c *Channel) rangeCheckLocked(d *drive, lba uint64, count uint32) bool {
	return (lba+uint64(count))*sectorSize <= uint64(d.backend.Size())
}

func (c *Channel) dispatchCommandLocked(cmd byte) {
	d := c.cur()
	if d == nil || d.kind == driveNone {
		c.abortLocked()
		return
	}

	switch cmd {
	case cmdIdentify:
		c.cmdIdentifyLocked(d, false)
	case cmdIdentifyPacket:
		c.cmdIdentifyLocked(d, true)
	case cmdReadSectors, cmdReadSectorsRetry, cmdReadSectorsExt, cmdReadMultiple:
		c.cmdReadLocked(d, cmd)
	case cmdWriteSectors, cmdWriteSectorsRetry, cmdWriteSectorsExt, cmdWriteMultiple:
		c.cmdWriteLocked(d, cmd)
	case cmdReadDMA, cmdReadDMAExt:
		c.cmdSetupDMALocked(d, false)
	case cmdWriteDMA, cmdWriteDMAExt:
		c.cmdSetupDMALocked(d, true)
	case cmdPacket:
		c.cmdPacketLocked(d)
	case cmdSetMultiple:
		c.cmdSetMultipleLocked(d)
	case cmdSetFeatures, cmdRecalibrate, cmdSpecify, cmdStandbyImmed, cmdStandby,
		cmdIdleImmed, cmdIdle, cmdSleep, cmdDeviceReset, cmdCheckPowerMode:
		c.status = statusDRDY | statusDSC
		c.error = 0
		c.raiseIRQLocked()
	default:
		c.abortLocked()
	}
}

func (c *Channel) cmdIdentifyLocked(d *drive, packet bool) {
	if packet != (d.kind == driveCDROM) {
		c.abortLocked()
		return
	}
	var block []byte
	if packet {
		block = buildATAPIIdentify(d)
	} else {
		block = buildATAIdentify(d)
	}
	copy(d.dataBuf[:], block)
	d.transferIndex = 0
	d.transferLen = identifySize
	c.status = statusDRDY | statusDSC | statusDRQ
	c.error = 0
	c.raiseIRQLocked()
}

func (c *Channel) cmdReadLocked(d *drive, cmd byte) {
	if d.kind != driveDisk {
		c.abortLocked()
		return
	}
	lba, count := c.addressLocked(d)
	if !c.rangeCheckLocked(d, lba, count) {
		c.abortLocked()
		return
	}
	d.curSectorNum = 1
	if cmd == cmdReadMultiple {
		if d.multSectorNum == 0 {
			c.abortLocked()
			return
		}
		d.curSectorNum = d.multSectorNum
	}
	d.currentLBA = lba
	d.remainingSectors = int(count)
	d.clusterRemaining = int(d.curSectorNum)
	d.writing = false
	c.loadNextSectorLocked(d)
}

func (c *Channel) loadNextSectorLocked(d *drive) {
	off := int64(d.currentLBA) * sectorSize
	if _, err := d.backend.ReadAt(d.dataBuf[:sectorSize], off); err != nil {
		c.abortLocked()
		return
	}
	d.transferIndex = 0
	d.transferLen = sectorSize
	c.status = statusDRDY | statusDSC | statusDRQ
	c.error = 0
	d.onTransferDone = onReadSectorDone
}

// onReadSectorDone advances current_lba, refills from the backend, and
// fires IRQ on the cluster boundary per spec.md §4.5.
func onReadSectorDone(c *Channel, d *drive) error {
	d.currentLBA++
	d.remainingSectors--
	d.clusterRemaining--

	if d.clusterRemaining <= 0 || d.remainingSectors == 0 {
		d.clusterRemaining = int(d.curSectorNum)
		c.raiseIRQLocked()
	}

	if d.remainingSectors <= 0 {
		return nil
	}
	c.loadNextSectorLocked(d)
	return nil
}

func (c *Channel) cmdWriteLocked(d *drive, cmd byte) {
	if d.kind != driveDisk {
		c.abortLocked()
		return
	}
	lba, count := c.addressLocked(d)
	if !c.rangeCheckLocked(d, lba, count) {
		c.abortLocked()
		return
	}
	d.curSectorNum = 1
	if cmd == cmdWriteMultiple {
		if d.multSectorNum == 0 {
			c.abortLocked()
			return
		}
		d.curSectorNum = d.multSectorNum
	}
	d.currentLBA = lba
	d.remainingSectors = int(count)
	d.clusterRemaining = int(d.curSectorNum)
	d.writing = true
	d.transferIndex = 0
	d.transferLen = sectorSize
	c.status = statusDRDY | statusDSC | statusDRQ
	c.error = 0
	d.onTransferDone = onWriteSectorDone
}

func onWriteSectorDone(c *Channel, d *drive) error {
	off := int64(d.currentLBA) * sectorSize
	if _, err := d.backend.WriteAt(d.dataBuf[:sectorSize], off); err != nil {
		c.abortLocked()
		return err
	}
	d.currentLBA++
	d.remainingSectors--
	d.clusterRemaining--

	if d.clusterRemaining <= 0 || d.remainingSectors == 0 {
		d.clusterRemaining = int(d.curSectorNum)
		if err := d.backend.Flush(); err != nil {
			return err
		}
		c.raiseIRQLocked()
	}

	if d.remainingSectors <= 0 {
		c.status = statusDRDY | statusDSC
		return nil
	}
	d.transferIndex = 0
	d.transferLen = sectorSize
	c.status = statusDRDY | statusDSC | statusDRQ
	d.onTransferDone = onWriteSectorDone
	return nil
}

func (c *Channel) cmdSetMultipleLocked(d *drive) {
	if d.sectorCountLow == 0 {
		d.multSectorNum = 1
		c.abortLocked()
		return
	}
	d.multSectorNum = d.sectorCountLow
	c.status = statusDRDY | statusDSC
	c.error = 0
	c.raiseIRQLocked()
}

// cmdSetupDMALocked implements READ_DMA/WRITE_DMA's PIO-port side: compute
// addressing, latch it for the bus-master engine, and wait for the guest
// to start the transfer via the DMA command register (spec.md §4.7).
func (c *Channel) cmdSetupDMALocked(d *drive, write bool) {
	if d.kind != driveDisk {
		c.abortLocked()
		return
	}
	lba, count := c.addressLocked(d)
	if !c.rangeCheckLocked(d, lba, count) {
		c.abortLocked()
		return
	}
	d.currentLBA = lba
	d.remainingSectors = int(count)
	d.writing = write
	c.status = statusDRDY | statusDSC | statusBSY
	c.error = 0
	if c.dma != nil {
		c.dma.armLocked(d)
	}
}
