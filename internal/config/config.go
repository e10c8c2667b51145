// Package config defines daemon configuration and its defaults.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/sweeney/level-sensor/internal/calstore"
	"github.com/sweeney/level-sensor/internal/engine"
	"github.com/sweeney/level-sensor/internal/gpio"
	"github.com/sweeney/level-sensor/internal/logic"
	"github.com/sweeney/level-sensor/internal/sampler"
)

// Sentinel error kinds for this package.
var (
	ErrInvalidConfig = errors.New("invalid config")
	ErrLoadConfig    = errors.New("load config failed")
)

// I/O driver names.
const (
	DriverGPIO   = "gpio"
	DriverSerial = "serial"
)

// Storage backend names.
const (
	BackendMemory = "memory"
	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

// Config contains process configuration.
type Config struct {
	// LogLevel controls verbosity: debug, info, warn, error.
	LogLevel string `koanf:"log_level"`

	// Tick is the run loop period. Each tick does at most one measurement.
	Tick time.Duration `koanf:"tick"`

	// Heartbeat is the system heartbeat period (0 disables).
	Heartbeat time.Duration `koanf:"heartbeat"`

	// HTTPAddr is the status server address (empty disables).
	HTTPAddr string `koanf:"http_addr"`

	Engine   engine.Config   `koanf:"engine"`
	Sampler  SamplerConfig   `koanf:"sampler"`
	IO       IOConfig        `koanf:"io"`
	Storage  StorageConfig   `koanf:"storage"`
	MQTT     MQTTConfig      `koanf:"mqtt"`
	Channels []logic.Channel `koanf:"channels"`
}

// SamplerConfig sets the burst/read trial parameters.
type SamplerConfig struct {
	Trials    int           `koanf:"trials"`
	Burst     time.Duration `koanf:"burst"`
	CarrierHz int           `koanf:"carrier_hz"`
}

// IOConfig selects and configures the emitter/detector driver.
type IOConfig struct {
	Driver string `koanf:"driver"`

	// gpio driver
	Chip              string `koanf:"chip"`
	DetectorActiveLow bool   `koanf:"detector_active_low"`

	// serial driver
	Port     string `koanf:"port"`
	BaudRate int    `koanf:"baud_rate"`
}

// StorageConfig selects the non-volatile storage backend.
type StorageConfig struct {
	Backend string `koanf:"backend"`
	Path    string `koanf:"path"`
	Size    int    `koanf:"size"`
}

// MQTTConfig configures the broker connection.
type MQTTConfig struct {
	// Broker is the broker URL (empty disables MQTT).
	Broker   string `koanf:"broker"`
	ClientID string `koanf:"client_id"`
	// Buffer is how many events are held for replay while disconnected.
	Buffer int `koanf:"buffer"`
}

// New returns a Config with defaults. Channels is left empty; Load fills in
// DefaultChannels when no source provides any.
func New() *Config {
	sc := sampler.DefaultConfig()
	return &Config{
		LogLevel:  "info",
		Tick:      100 * time.Millisecond,
		Heartbeat: 15 * time.Minute,
		HTTPAddr:  ":8080",
		Engine:    engine.DefaultConfig(),
		Sampler: SamplerConfig{
			Trials:    sc.Trials,
			Burst:     sc.Burst.Duration,
			CarrierHz: sc.Burst.CarrierHz,
		},
		IO: IOConfig{
			Driver:   DriverGPIO,
			Chip:     "gpiochip0",
			BaudRate: 115200,
		},
		Storage: StorageConfig{
			Backend: BackendFile,
			Path:    "/var/lib/level-sensor/eeprom.bin",
			Size:    256,
		},
		MQTT: MQTTConfig{
			Broker:   "tcp://localhost:1883",
			ClientID: "level-sensor",
			Buffer:   100,
		},
	}
}

// DefaultChannels is the stock three-tier probe: ankle, knee and waist.
// Records sit 32 bytes apart to leave room for format growth.
func DefaultChannels() []logic.Channel {
	return []logic.Channel{
		{Index: 0, Location: "ankle", HeightCM: 10, StoreKey: 0, EmitterPin: 17, DetectorPin: 23},
		{Index: 1, Location: "knee", HeightCM: 50, StoreKey: 32, EmitterPin: 27, DetectorPin: 24},
		{Index: 2, Location: "waist", HeightCM: 100, StoreKey: 64, EmitterPin: 22, DetectorPin: 25},
	}
}

// SamplerSettings converts the sampler section.
func (c *Config) SamplerSettings() sampler.Config {
	return sampler.Config{
		Trials: c.Sampler.Trials,
		Burst:  gpio.Burst{Duration: c.Sampler.Burst, CarrierHz: c.Sampler.CarrierHz},
	}
}

// Validate checks the whole configuration.
func (c *Config) Validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("%w: log_level %q", ErrInvalidConfig, c.LogLevel)
	}
	if c.Tick <= 0 {
		return fmt.Errorf("%w: tick must be positive", ErrInvalidConfig)
	}
	if c.Heartbeat < 0 {
		return fmt.Errorf("%w: heartbeat must not be negative", ErrInvalidConfig)
	}
	if err := c.Engine.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if c.Sampler.Trials <= 0 || c.Sampler.Burst <= 0 {
		return fmt.Errorf("%w: sampler trials and burst must be positive", ErrInvalidConfig)
	}
	if m := c.SamplerSettings().MaxDuration(); c.Tick <= m {
		return fmt.Errorf("%w: tick %s must exceed one measurement (%d trials x %s = %s)",
			ErrInvalidConfig, c.Tick, c.Sampler.Trials, c.Sampler.Burst, m)
	}
	if c.Engine.BootstrapThreshold > c.Sampler.Trials {
		return fmt.Errorf("%w: bootstrap_threshold %d exceeds trials %d",
			ErrInvalidConfig, c.Engine.BootstrapThreshold, c.Sampler.Trials)
	}

	switch c.IO.Driver {
	case DriverGPIO:
		if c.IO.Chip == "" {
			return fmt.Errorf("%w: io.chip is required for the gpio driver", ErrInvalidConfig)
		}
	case DriverSerial:
		if c.IO.Port == "" {
			return fmt.Errorf("%w: io.port is required for the serial driver", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: io.driver %q", ErrInvalidConfig, c.IO.Driver)
	}

	switch c.Storage.Backend {
	case BackendMemory:
	case BackendFile, BackendSQLite:
		if c.Storage.Path == "" {
			return fmt.Errorf("%w: storage.path is required for %s", ErrInvalidConfig, c.Storage.Backend)
		}
	default:
		return fmt.Errorf("%w: storage.backend %q", ErrInvalidConfig, c.Storage.Backend)
	}

	chs, err := logic.ValidateChannels(c.Channels, calstore.RecordSize)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	for _, ch := range chs {
		if end := ch.StoreKey + calstore.RecordSize; end > c.Storage.Size {
			return fmt.Errorf("%w: channel %d record ends at %d, storage size is %d",
				ErrInvalidConfig, ch.Index, end, c.Storage.Size)
		}
	}
	return nil
}
