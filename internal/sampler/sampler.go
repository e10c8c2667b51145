// Package sampler turns single noisy detector reads into a strength score by
// repeating burst-then-read trials.
package sampler

import (
	"errors"
	"fmt"
	"time"

	"github.com/sweeney/level-sensor/internal/gpio"
	"github.com/sweeney/level-sensor/internal/logic"
)

// DefaultTrials is the number of burst/read trials per measurement.
const DefaultTrials = 50

// ErrInvalidConfig is returned by New for unusable settings.
var ErrInvalidConfig = errors.New("sampler: invalid config")

// Config holds the sampling constants. They apply to every channel.
type Config struct {
	Trials int
	Burst  gpio.Burst
}

// DefaultConfig returns 50 trials of the default burst.
func DefaultConfig() Config {
	return Config{Trials: DefaultTrials, Burst: gpio.DefaultBurst}
}

// Sampler measures channel strength. It holds no per-channel state.
type Sampler struct {
	driver gpio.Driver
	cfg    Config
}

// New creates a Sampler on top of an I/O driver.
func New(driver gpio.Driver, cfg Config) (*Sampler, error) {
	if cfg.Trials <= 0 {
		return nil, fmt.Errorf("%w: trials must be positive, got %d", ErrInvalidConfig, cfg.Trials)
	}
	if cfg.Burst.Duration <= 0 {
		return nil, fmt.Errorf("%w: burst duration must be positive", ErrInvalidConfig)
	}
	return &Sampler{driver: driver, cfg: cfg}, nil
}

// Measure runs Trials burst/read trials on ch and returns how many saw a
// signal, in [0, Trials]. It blocks for about MaxDuration. Any I/O error
// aborts the measurement.
func (s *Sampler) Measure(ch logic.Channel) (int, error) {
	count := 0
	for i := 0; i < s.cfg.Trials; i++ {
		if err := s.driver.DriveEmitter(ch.Index, s.cfg.Burst); err != nil {
			return 0, fmt.Errorf("channel %d trial %d: %w", ch.Index, i, err)
		}
		hit, err := s.driver.ReadDetector(ch.Index)
		if err != nil {
			return 0, fmt.Errorf("channel %d trial %d: %w", ch.Index, i, err)
		}
		if hit {
			count++
		}
	}
	return count, nil
}

// Trials returns the upper bound of a strength score.
func (s *Sampler) Trials() int {
	return s.cfg.Trials
}

// MaxDuration is the blocking bound of one Measure call, excluding I/O
// latency of the read itself.
func (s *Sampler) MaxDuration() time.Duration {
	return s.cfg.MaxDuration()
}

// MaxDuration is the burst time of one measurement taken with c.
func (c Config) MaxDuration() time.Duration {
	return time.Duration(c.Trials) * c.Burst.Duration
}
