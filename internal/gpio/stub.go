//go:build !linux

package gpio

import (
	"errors"

	"github.com/sweeney/level-sensor/internal/logic"
)

// RealDriver is not available on non-Linux platforms.
type RealDriver struct{}

// NewRealDriver returns an error on non-Linux platforms.
func NewRealDriver(chipName string, channels []logic.Channel, detectorActiveLow bool) (*RealDriver, error) {
	return nil, errors.New("gpio: not supported on this platform (requires Linux)")
}

// DriveEmitter is not implemented on non-Linux platforms.
func (d *RealDriver) DriveEmitter(channel int, burst Burst) error {
	return errors.New("gpio: not supported")
}

// ReadDetector is not implemented on non-Linux platforms.
func (d *RealDriver) ReadDetector(channel int) (bool, error) {
	return false, errors.New("gpio: not supported")
}

// Close is not implemented on non-Linux platforms.
func (d *RealDriver) Close() error {
	return nil
}
