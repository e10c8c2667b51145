// Package nvram provides byte-addressable non-volatile storage that survives
// restarts. Backends model a small EEPROM: a fixed-size image that reads as
// 0xFF where nothing has been written.
package nvram

import (
	"errors"
	"fmt"
)

// Erased is the value of a never-written byte.
const Erased = 0xFF

// Device is byte-addressable storage. Write must be atomic: after a crash
// either all of data or none of it is visible.
type Device interface {
	Read(addr, n int) ([]byte, error)
	Write(addr int, data []byte) error
	Size() int
	Close() error
}

var (
	// ErrOutOfRange is returned for accesses outside the device.
	ErrOutOfRange = errors.New("nvram: address out of range")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("nvram: device closed")
	// ErrReadOnly is returned by writes to a device opened for inspection.
	ErrReadOnly = errors.New("nvram: device is read-only")
)

// IsPermanent reports whether retrying the failed operation cannot succeed.
// Everything else (I/O errors, locked databases) is treated as transient.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrOutOfRange) || errors.Is(err, ErrClosed) ||
		errors.Is(err, ErrReadOnly)
}

func checkRange(size, addr, n int) error {
	if addr < 0 || n < 0 || addr+n > size {
		return fmt.Errorf("%w: [%d, %d) on %d-byte device", ErrOutOfRange, addr, addr+n, size)
	}
	return nil
}

func erasedImage(size int) []byte {
	img := make([]byte, size)
	for i := range img {
		img[i] = Erased
	}
	return img
}
