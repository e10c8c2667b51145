// Package logic contains pure business logic for liquid-presence detection.
// This package has NO external dependencies (no GPIO, MQTT, storage, or time.Sleep).
// Time is always injectable via time.Time parameters.
package logic

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

// Channel is one emitter/detector pair monitoring one height tier.
// Channels are built once at startup and never modified.
type Channel struct {
	Index       int    `koanf:"index" json:"index"`
	Location    string `koanf:"location" json:"location"`
	HeightCM    int    `koanf:"height_cm" json:"height_cm"`
	StoreKey    int    `koanf:"store_key" json:"store_key"`
	EmitterPin  int    `koanf:"emitter_pin" json:"emitter_pin"`
	DetectorPin int    `koanf:"detector_pin" json:"detector_pin"`
}

// Record is the persisted calibration of a single channel.
type Record struct {
	DryBaseline int32
	WetBaseline int32
	Threshold   int32
	// Inverted is true when submersion raises the strength score.
	Inverted   bool
	Calibrated bool
	Checksum   uint32
}

// Uncalibrated returns the record used before any learning has completed.
func Uncalibrated() Record {
	return Record{}
}

// ChannelState is the transient runtime state of a channel. It is rebuilt
// at startup and never persisted.
type ChannelState struct {
	Strength       int
	Submerged      bool
	LastTransition time.Time
	LastSampled    time.Time
	SampleErrors   int

	// PendingSave is set when a new record awaits debounced persistence.
	PendingSave     bool
	LastSaveRequest time.Time
}

// Quality grades the separation between dry and wet baselines.
type Quality string

const (
	QualityStrong   Quality = "STRONG"
	QualityAdequate Quality = "ADEQUATE"
	QualityWeak     Quality = "WEAK"
)

// Margin thresholds for Quality.
const (
	StrongMargin   = 10
	AdequateMargin = 5
)

// ErrInvalidChannels is returned by ValidateChannels.
var ErrInvalidChannels = errors.New("invalid channel configuration")

// ValidateChannels checks a static channel table and returns it sorted by index.
// Each channel occupies recordSize bytes of storage starting at its StoreKey;
// ranges must not overlap.
func ValidateChannels(channels []Channel, recordSize int) ([]Channel, error) {
	if len(channels) == 0 {
		return nil, fmt.Errorf("%w: no channels", ErrInvalidChannels)
	}

	sorted := make([]Channel, len(channels))
	copy(sorted, channels)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Index < sorted[j].Index })

	seen := make(map[int]bool, len(sorted))
	for _, ch := range sorted {
		if ch.Index < 0 {
			return nil, fmt.Errorf("%w: negative index %d", ErrInvalidChannels, ch.Index)
		}
		if seen[ch.Index] {
			return nil, fmt.Errorf("%w: duplicate index %d", ErrInvalidChannels, ch.Index)
		}
		seen[ch.Index] = true
		if ch.Location == "" {
			return nil, fmt.Errorf("%w: channel %d has no location", ErrInvalidChannels, ch.Index)
		}
		if ch.StoreKey < 0 {
			return nil, fmt.Errorf("%w: channel %d has negative store key", ErrInvalidChannels, ch.Index)
		}
	}

	byKey := make([]Channel, len(sorted))
	copy(byKey, sorted)
	sort.Slice(byKey, func(i, j int) bool { return byKey[i].StoreKey < byKey[j].StoreKey })
	for i := 1; i < len(byKey); i++ {
		prev, cur := byKey[i-1], byKey[i]
		if cur.StoreKey < prev.StoreKey+recordSize {
			return nil, fmt.Errorf("%w: store keys of channels %d and %d overlap",
				ErrInvalidChannels, prev.Index, cur.Index)
		}
	}

	return sorted, nil
}
