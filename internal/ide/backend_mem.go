package ide

import "fmt"

// MemBackend is a byte-slice-backed BlockBackend, grounded on virtblock.go's
// contents []byte model. Used by tests; a CDROM slot with no image supplied
// is attached with a nil backend instead.
type MemBackend struct {
	data []byte
}

// NewMemBackend returns a backend of the given size, zero-filled.
func NewMemBackend(size int64) *MemBackend {
	return &MemBackend{data: make([]byte, size)}
}

func (m *MemBackend) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off > int64(len(m.data)) {
		return 0, fmt.Errorf("ide: mem backend read out of range: off=%d size=%d", off, len(m.data))
	}
	n := copy(p, m.data[off:])
	if n < len(p) {
		return n, fmt.Errorf("ide: mem backend short read at off=%d", off)
	}
	return n, nil
}

func (m *MemBackend) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > int64(len(m.data)) {
		return 0, fmt.Errorf("ide: mem backend write out of range: off=%d len=%d size=%d", off, len(p), len(m.data))
	}
	return copy(m.data[off:], p), nil
}

func (m *MemBackend) Size() int64 { return int64(len(m.data)) }
func (m *MemBackend) Flush() error { return nil }
func (m *MemBackend) Close() error { return nil }

var _ BlockBackend = (*MemBackend)(nil)
