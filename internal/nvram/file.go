package nvram

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// FileDevice stores the EEPROM image in a single file. Writes replace the
// file via rename so a power cut leaves either the old or the new image.
type FileDevice struct {
	mu     sync.Mutex
	path   string
	size     int
	readOnly bool
	closed   bool
}

// OpenFile opens the image at path, creating an erased one if missing.
// An existing image of a different size is padded or truncated.
func OpenFile(path string, size int) (*FileDevice, error) {
	if size <= 0 {
		return nil, fmt.Errorf("nvram: invalid size %d", size)
	}

	d := &FileDevice{path: path, size: size}

	img, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		img = erasedImage(size)
	case err != nil:
		return nil, fmt.Errorf("read image %s: %w", path, err)
	case len(img) == size:
		return d, nil
	case len(img) > size:
		img = img[:size]
	default:
		img = append(img, erasedImage(size-len(img))...)
	}

	if err := d.replace(img); err != nil {
		return nil, err
	}
	return d, nil
}

// OpenFileReadOnly opens an existing image for inspection. The file is
// never created or resized and Write fails with ErrReadOnly.
func OpenFileReadOnly(path string) (*FileDevice, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat image %s: %w", path, err)
	}
	if !fi.Mode().IsRegular() {
		return nil, fmt.Errorf("image %s is not a regular file", path)
	}
	return &FileDevice{path: path, size: int(fi.Size()), readOnly: true}, nil
}

// Read returns n bytes at addr.
func (d *FileDevice) Read(addr, n int) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, ErrClosed
	}
	if err := checkRange(d.size, addr, n); err != nil {
		return nil, err
	}

	f, err := os.Open(d.path)
	if err != nil {
		return nil, fmt.Errorf("open image: %w", err)
	}
	defer f.Close()

	out := make([]byte, n)
	if _, err := f.ReadAt(out, int64(addr)); err != nil {
		return nil, fmt.Errorf("read image at %d: %w", addr, err)
	}
	return out, nil
}

// Write patches data into the image at addr.
func (d *FileDevice) Write(addr int, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return ErrClosed
	}
	if d.readOnly {
		return ErrReadOnly
	}
	if err := checkRange(d.size, addr, len(data)); err != nil {
		return err
	}

	img, err := os.ReadFile(d.path)
	if err != nil {
		return fmt.Errorf("read image: %w", err)
	}
	copy(img[addr:], data)
	return d.replace(img)
}

func (d *FileDevice) replace(img []byte) error {
	dir := filepath.Dir(d.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(d.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp image: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(img); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp image: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync temp image: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp image: %w", err)
	}
	if err := os.Rename(tmpName, d.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace image: %w", err)
	}
	return nil
}

// Size returns the image size.
func (d *FileDevice) Size() int {
	return d.size
}

// Close marks the device closed. The image stays on disk.
func (d *FileDevice) Close() error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	return nil
}
