// Package gpio provides emitter/detector I/O with hardware abstraction.
// The real implementation uses the Linux GPIO character device; the serial
// implementation talks to a co-processor that runs bursts on our behalf.
// The fake implementation allows testing without hardware.
package gpio

import (
	"errors"
	"time"
)

// Burst describes one modulation burst on an emitter.
type Burst struct {
	Duration  time.Duration
	CarrierHz int
}

// DefaultBurst is a 38kHz IR burst short enough for 50 trials to fit in 40ms.
var DefaultBurst = Burst{Duration: 800 * time.Microsecond, CarrierHz: 38000}

// Driver drives channel emitters and reads channel detectors.
type Driver interface {
	// DriveEmitter runs one modulation burst on the channel's emitter.
	// It blocks for at most the burst duration.
	DriveEmitter(channel int, burst Burst) error

	// ReadDetector samples the channel's detector once.
	// Returns true when the detector reports signal present.
	ReadDetector(channel int) (bool, error)

	// Close releases I/O resources.
	Close() error
}

// ErrUnknownChannel is returned for a channel the driver was not set up for.
var ErrUnknownChannel = errors.New("gpio: unknown channel")

// spinUntil busy-waits until deadline. Only used inside a burst, where
// sleeping would overshoot the carrier period by orders of magnitude.
func spinUntil(deadline time.Time) {
	for time.Now().Before(deadline) {
	}
}
