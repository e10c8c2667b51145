//go:build linux

package gpio

import (
	"fmt"
	"time"

	"github.com/warthog618/go-gpiocdev"

	"github.com/sweeney/level-sensor/internal/logic"
)

// RealDriver drives emitters and reads detectors on actual hardware using
// the Linux GPIO character device.
type RealDriver struct {
	chip      *gpiocdev.Chip
	emitters  map[int]*gpiocdev.Line
	detectors map[int]*gpiocdev.Line
}

// NewRealDriver requests an output line per emitter and an input line per
// detector. With detectorActiveLow the detector reads true when the line is
// pulled low, which is how demodulating IR receivers report a carrier.
func NewRealDriver(chipName string, channels []logic.Channel, detectorActiveLow bool) (*RealDriver, error) {
	chip, err := gpiocdev.NewChip(chipName)
	if err != nil {
		return nil, fmt.Errorf("open gpio chip %s: %w", chipName, err)
	}

	d := &RealDriver{
		chip:      chip,
		emitters:  make(map[int]*gpiocdev.Line, len(channels)),
		detectors: make(map[int]*gpiocdev.Line, len(channels)),
	}

	detOpts := []gpiocdev.LineReqOption{gpiocdev.AsInput}
	if detectorActiveLow {
		detOpts = append(detOpts, gpiocdev.AsActiveLow, gpiocdev.WithPullUp)
	} else {
		detOpts = append(detOpts, gpiocdev.WithPullDown)
	}

	for _, ch := range channels {
		em, err := chip.RequestLine(ch.EmitterPin, gpiocdev.AsOutput(0))
		if err != nil {
			d.Close()
			return nil, fmt.Errorf("request emitter pin %d (channel %d): %w", ch.EmitterPin, ch.Index, err)
		}
		d.emitters[ch.Index] = em

		det, err := chip.RequestLine(ch.DetectorPin, detOpts...)
		if err != nil {
			d.Close()
			return nil, fmt.Errorf("request detector pin %d (channel %d): %w", ch.DetectorPin, ch.Index, err)
		}
		d.detectors[ch.Index] = det
	}

	return d, nil
}

// DriveEmitter toggles the emitter at the carrier frequency for the burst
// duration, then leaves it low. This busy-waits and is bounded by
// burst.Duration.
func (d *RealDriver) DriveEmitter(channel int, burst Burst) error {
	line, ok := d.emitters[channel]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownChannel, channel)
	}

	start := time.Now()
	end := start.Add(burst.Duration)

	// Unmodulated: hold high for the whole burst.
	half := burst.Duration
	if burst.CarrierHz > 0 {
		half = time.Second / time.Duration(2*burst.CarrierHz)
	}
	level := 1
	for edge := start; edge.Before(end); edge = edge.Add(half) {
		if err := line.SetValue(level); err != nil {
			line.SetValue(0)
			return fmt.Errorf("drive emitter %d: %w", channel, err)
		}
		level ^= 1
		spinUntil(edge.Add(half))
	}

	if err := line.SetValue(0); err != nil {
		return fmt.Errorf("release emitter %d: %w", channel, err)
	}
	return nil
}

// ReadDetector returns the logical detector level.
func (d *RealDriver) ReadDetector(channel int) (bool, error) {
	line, ok := d.detectors[channel]
	if !ok {
		return false, fmt.Errorf("%w: %d", ErrUnknownChannel, channel)
	}
	v, err := line.Value()
	if err != nil {
		return false, fmt.Errorf("read detector %d: %w", channel, err)
	}
	return v == 1, nil
}

// Close releases GPIO resources.
// Emitters are driven low and reconfigured as inputs with pull-down (matching
// Pi boot defaults) before closing so nothing is left energised.
func (d *RealDriver) Close() error {
	var errs []error

	for idx, line := range d.emitters {
		if err := line.SetValue(0); err != nil {
			errs = append(errs, fmt.Errorf("lower emitter %d: %w", idx, err))
		}
		if err := line.Reconfigure(gpiocdev.AsInput, gpiocdev.WithPullDown); err != nil {
			errs = append(errs, fmt.Errorf("reconfigure emitter %d: %w", idx, err))
		}
		if err := line.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close emitter %d: %w", idx, err))
		}
	}
	for idx, line := range d.detectors {
		if err := line.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close detector %d: %w", idx, err))
		}
	}
	if d.chip != nil {
		if err := d.chip.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close chip: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("close errors: %v", errs)
	}
	return nil
}
