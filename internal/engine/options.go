package engine

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sweeney/level-sensor/internal/logic"
)

// Config holds the engine timing constants.
type Config struct {
	// BootstrapThreshold classifies channels that have never been calibrated.
	BootstrapThreshold int           `koanf:"bootstrap_threshold"`
	Debounce           time.Duration `koanf:"debounce"`

	ManualSamples int           `koanf:"manual_samples"`
	ManualSpacing time.Duration `koanf:"manual_spacing"`

	AutoWindow     time.Duration `koanf:"auto_window"`
	AutoSpacing    time.Duration `koanf:"auto_spacing"`
	AutoMaxSamples int           `koanf:"auto_max_samples"`

	SaveCooldown time.Duration `koanf:"save_cooldown"`
}

// DefaultConfig returns the stock timings.
func DefaultConfig() Config {
	return Config{
		BootstrapThreshold: 25,
		Debounce:           time.Second,
		ManualSamples:      10,
		ManualSpacing:      100 * time.Millisecond,
		AutoWindow:         15 * time.Second,
		AutoSpacing:        300 * time.Millisecond,
		AutoMaxSamples:     50,
		SaveCooldown:       30 * time.Second,
	}
}

// Validate reports the first unusable setting.
func (c Config) Validate() error {
	switch {
	case c.BootstrapThreshold < 0:
		return fmt.Errorf("%w: bootstrap_threshold must not be negative", ErrInvalidConfig)
	case c.Debounce < 0:
		return fmt.Errorf("%w: debounce must not be negative", ErrInvalidConfig)
	case c.ManualSamples <= 0:
		return fmt.Errorf("%w: manual_samples must be positive", ErrInvalidConfig)
	case c.ManualSpacing < 0 || c.AutoSpacing < 0:
		return fmt.Errorf("%w: sample spacing must not be negative", ErrInvalidConfig)
	case c.AutoWindow <= 0:
		return fmt.Errorf("%w: auto_window must be positive", ErrInvalidConfig)
	case c.AutoMaxSamples <= 0:
		return fmt.Errorf("%w: auto_max_samples must be positive", ErrInvalidConfig)
	case c.SaveCooldown < 0:
		return fmt.Errorf("%w: save_cooldown must not be negative", ErrInvalidConfig)
	}
	return nil
}

// Recorder receives engine measurements. The metrics package implements it.
type Recorder interface {
	Sampled(ch logic.Channel, strength int, took time.Duration)
	SampleFailed(ch logic.Channel)
	Transitioned(ch logic.Channel, submerged bool)
	ModeChanged(m logic.Mode)
	CommandRejected(kind logic.CommandKind, reason string)
	RecordSaved(ch logic.Channel)
	RecordSaveFailed(ch logic.Channel, permanent bool)
	IntegrityFailure(ch logic.Channel)
	CalibrationCompleted(ch logic.Channel, d logic.Derivation)
}

type nopRecorder struct{}

func (nopRecorder) Sampled(logic.Channel, int, time.Duration) {}
func (nopRecorder) SampleFailed(logic.Channel) {}
func (nopRecorder) Transitioned(logic.Channel, bool) {}
func (nopRecorder) ModeChanged(logic.Mode) {}
func (nopRecorder) CommandRejected(logic.CommandKind, string) {}
func (nopRecorder) RecordSaved(logic.Channel) {}
func (nopRecorder) RecordSaveFailed(logic.Channel, bool) {}
func (nopRecorder) IntegrityFailure(logic.Channel) {}
func (nopRecorder) CalibrationCompleted(logic.Channel, logic.Derivation) {}

// Option configures an Engine.
type Option func(*Engine)

// WithConfig replaces the default timings.
func WithConfig(cfg Config) Option {
	return func(e *Engine) { e.cfg = cfg }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l.Named("engine")
		}
	}
}

// WithClock injects the time source. It must be monotonic for debounce and
// cooldown comparisons to hold.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.clock = now
		}
	}
}

// WithRecorder attaches a metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(e *Engine) {
		if r != nil {
			e.rec = r
		}
	}
}

// WithSessionID overrides how calibration session IDs are generated.
func WithSessionID(gen func() string) Option {
	return func(e *Engine) {
		if gen != nil {
			e.newID = gen
		}
	}
}

func defaultSessionID() string {
	return uuid.NewString()
}
