package ide

import "io"

// BlockBackend is the storage behind one drive slot: a flat array of bytes
// addressed by byte offset, matching the virtio-block backend in spirit
// (virtblock.go's readSectors/writeSectors) but exposed as a seekable
// device rather than a fixed in-memory slice, so a file-backed image does
// not need to be read fully into memory.
type BlockBackend interface {
	io.ReaderAt
	io.WriterAt

	// Size reports the backend's total size in bytes.
	Size() int64

	// Flush persists any buffered writes. Called after DMA completion and
	// after every PIO write-sector command.
	Flush() error

	io.Closer
}
