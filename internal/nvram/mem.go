package nvram

import "sync"

// MemDevice is a volatile Device. It backs tests and the "memory" storage
// backend, and counts physical writes.
type MemDevice struct {
	mu     sync.Mutex
	data   []byte
	closed bool

	writes int
	// WriteError, if set, is returned by Write without touching data.
	WriteError error
}

// NewMemDevice creates an erased device of size bytes.
func NewMemDevice(size int) *MemDevice {
	return &MemDevice{data: erasedImage(size)}
}

// Read returns a copy of n bytes at addr.
func (m *MemDevice) Read(addr, n int) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}
	if err := checkRange(len(m.data), addr, n); err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, m.data[addr:addr+n])
	return out, nil
}

// Write stores data at addr.
func (m *MemDevice) Write(addr int, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	if m.WriteError != nil {
		return m.WriteError
	}
	if err := checkRange(len(m.data), addr, len(data)); err != nil {
		return err
	}
	copy(m.data[addr:], data)
	m.writes++
	return nil
}

// Size returns the device capacity.
func (m *MemDevice) Size() int {
	return len(m.data)
}

// Close marks the device closed.
func (m *MemDevice) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

// Writes returns the number of successful writes.
func (m *MemDevice) Writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}

// ResetWrites zeroes the write counter.
func (m *MemDevice) ResetWrites() {
	m.mu.Lock()
	m.writes = 0
	m.mu.Unlock()
}

// SetWriteError makes subsequent writes fail with err (nil to clear).
func (m *MemDevice) SetWriteError(err error) {
	m.mu.Lock()
	m.WriteError = err
	m.mu.Unlock()
}

// Flip inverts one bit in place, bypassing the write counter. Used to
// simulate media corruption.
func (m *MemDevice) Flip(addr int, bit uint) {
	m.mu.Lock()
	m.data[addr] ^= 1 << bit
	m.mu.Unlock()
}
