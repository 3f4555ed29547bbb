package ide

import "encoding/binary"

const identifySize = 512

// buildATAIdentify fills a 512-byte ATA IDENTIFY DEVICE block per spec.md
// §6: word 0 bit 15 clear (fixed, non-removable ATA device); words 1/3/6
// the CHS geometry; words 10-19 a padded ASCII serial number (big-endian
// byte pairs per word, as ATA strings are stored); 23-26 firmware
// revision; 27-46 the model string; 60-61 and 100-103 the LBA28/LBA48
// sector counts.
func buildATAIdentify(d *drive) []byte {
	buf := make([]byte, identifySize)
	w := func(word int, v uint16) { binary.LittleEndian.PutUint16(buf[word*2:], v) }

	w(0, 0x0040) // fixed device, not removable

	w(1, uint16(d.cylinders))
	w(3, uint16(d.heads))
	w(6, uint16(d.sectorsPerTrack))

	putATAString(buf[20:40], "PALACIOS0000000000") // words 10-19, serial
	putATAString(buf[46:54], "P1")                  // words 23-26, firmware rev
	putATAString(buf[54:94], d.model)               // words 27-46, model

	w(47, 0x8000|255) // word 47 high byte 0x80 marker, low byte = max multiple sector count
	w(49, 1<<9)     // LBA supported
	w(53, 1<<2|1<<1)

	sectors28 := d.totalSectors()
	if sectors28 > 0x0FFFFFFF {
		sectors28 = 0x0FFFFFFF
	}
	binary.LittleEndian.PutUint32(buf[60*2:], uint32(sectors28))

	w(63, 0x07) // MWDMA0-2 supported

	w(64, 0x03) // PIO3/PIO4 supported

	w(80, 1<<6) // ATA/ATAPI-6 supported

	w(83, 1<<10) // LBA48 supported

	w(88, 1<<5|1<<13) // UDMA5 supported and selected

	sectors48 := uint64(d.totalSectors())
	binary.LittleEndian.PutUint64(buf[100*2:], sectors48)

	return buf
}

// buildATAPIIdentify fills a 512-byte PACKET IDENTIFY DEVICE block.
// word 0 = 0x85C0: bit 15 set (ATAPI), bits 8-12 = 0x05 (CD-ROM command
// packet set), bits 5-6 = 10b (12-byte packet, DRQ asserted within 50us).
func buildATAPIIdentify(d *drive) []byte {
	buf := make([]byte, identifySize)
	w := func(word int, v uint16) { binary.LittleEndian.PutUint16(buf[word*2:], v) }

	w(0, 0x85C0)

	putATAString(buf[20:40], "PALACIOS0000000000")
	putATAString(buf[46:54], "P1")
	putATAString(buf[54:94], d.model)

	w(49, 1<<9)
	w(53, 1<<1)
	w(63, 0x07)
	w(64, 0x03)
	w(80, 1<<6)

	return buf
}

// putATAString copies s into dst as ATA-style byte-swapped-pair ASCII,
// space-padded or truncated to len(dst).
func putATAString(dst []byte, s string) {
	for i := range dst {
		dst[i] = ' '
	}
	n := len(s)
	if n > len(dst) {
		n = len(dst)
	}
	for i := 0; i < n; i += 2 {
		if i+1 < n {
			dst[i] = s[i+1]
			dst[i+1] = s[i]
		} else {
			dst[i] = ' '
			dst[i+1] = s[i]
		}
	}
}
