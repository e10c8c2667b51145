// Package status provides a thread-safe status tracker for the level-sensor daemon.
// It is read by HTTP handlers and the MQTT heartbeat.
package status

import (
	"sync"
	"time"

	"github.com/sweeney/level-sensor/internal/engine"
	"github.com/sweeney/level-sensor/internal/logic"
)

// NetworkInfo contains network state as reported by the host.
type NetworkInfo struct {
	Type       string
	IP         string
	Status     string
	Gateway    string
	WifiStatus string
	SSID       string
}

// Config contains daemon configuration for display.
type Config struct {
	TickMs         int64
	DebounceMs     int64
	HeartbeatMs    int64
	SaveCooldownMs int64
	Broker         string
	HTTPAddr       string
	Driver         string
	Backend        string
}

// EventCounts tallies events since startup.
type EventCounts struct {
	Submerged         int
	Drained           int
	Calibrations      int
	Saves             int
	SaveFailures      int
	IntegrityFailures int
}

// Snapshot is a point-in-time view of daemon state.
// It is a value type and safe to use after the lock is released.
type Snapshot struct {
	Mode          logic.Mode
	Channels      []engine.Observation
	Session       *engine.SessionStatus
	Counts        EventCounts
	LastEvent     *engine.Event
	StartTime     time.Time
	Now           time.Time
	MQTTConnected bool
	MQTTBuffered  int
	Network       *NetworkInfo
	Config        Config
}

// Uptime returns the duration since the daemon started.
func (s Snapshot) Uptime() time.Duration {
	return s.Now.Sub(s.StartTime)
}

// Ready reports whether every channel has a calibration record and the
// engine is detecting.
func (s Snapshot) Ready() bool {
	if s.Mode != logic.ModeDetection || len(s.Channels) == 0 {
		return false
	}
	for _, ch := range s.Channels {
		if !ch.Calibrated {
			return false
		}
	}
	return true
}

// Tracker holds mutable daemon state behind an RWMutex.
type Tracker struct {
	mu   sync.RWMutex
	snap Snapshot
}

// NewTracker creates a Tracker with the given start time and config.
func NewTracker(startTime time.Time, cfg Config) *Tracker {
	return &Tracker{
		snap: Snapshot{
			StartTime: startTime,
			Config:    cfg,
		},
	}
}

// Update sets the engine mode, channel observations and session.
// Called from runLoop on every tick.
func (t *Tracker) Update(mode logic.Mode, channels []engine.Observation, session *engine.SessionStatus) {
	t.mu.Lock()
	t.snap.Mode = mode
	t.snap.Channels = channels
	t.snap.Session = session
	t.mu.Unlock()
}

// Record tallies events and remembers the most recent one.
func (t *Tracker) Record(events []engine.Event) {
	if len(events) == 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, ev := range events {
		switch ev.Type {
		case engine.EventSubmerged:
			t.snap.Counts.Submerged++
		case engine.EventDrained:
			t.snap.Counts.Drained++
		case engine.EventCalibrationDone:
			t.snap.Counts.Calibrations++
		case engine.EventRecordSaved:
			t.snap.Counts.Saves++
		case engine.EventSaveFailed:
			t.snap.Counts.SaveFailures++
		case engine.EventIntegrityFailure:
			t.snap.Counts.IntegrityFailures++
		}
	}
	last := events[len(events)-1]
	t.snap.LastEvent = &last
}

// SetMQTTConnected sets the MQTT connection status.
func (t *Tracker) SetMQTTConnected(connected bool) {
	t.mu.Lock()
	t.snap.MQTTConnected = connected
	t.mu.Unlock()
}

// SetMQTTBuffered sets how many MQTT messages are waiting for a connection.
func (t *Tracker) SetMQTTBuffered(n int) {
	t.mu.Lock()
	t.snap.MQTTBuffered = n
	t.mu.Unlock()
}

// SetNetwork sets the network info.
func (t *Tracker) SetNetwork(info *NetworkInfo) {
	t.mu.Lock()
	t.snap.Network = info
	t.mu.Unlock()
}

// Snapshot returns a point-in-time copy of the daemon state.
// The Now field is set to the current time at the moment of the call.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	s := t.snap
	s.Channels = append([]engine.Observation(nil), t.snap.Channels...)
	if t.snap.Session != nil {
		sess := *t.snap.Session
		s.Session = &sess
	}
	t.mu.RUnlock()
	s.Now = time.Now()
	return s
}
