package engine

import (
	"time"

	"github.com/sweeney/level-sensor/internal/logic"
)

// EventType identifies an engine event.
type EventType string

const (
	EventSubmerged          EventType = "SUBMERGED"
	EventDrained            EventType = "DRAINED"
	EventRecordLoaded       EventType = "RECORD_LOADED"
	EventIntegrityFailure   EventType = "INTEGRITY_FAILURE"
	EventModeChanged        EventType = "MODE_CHANGED"
	EventPhaseStarted       EventType = "CALIBRATION_PHASE_STARTED"
	EventPhaseComplete      EventType = "CALIBRATION_PHASE_COMPLETE"
	EventCalibrationDone    EventType = "CALIBRATION_COMPLETE"
	EventCalibrationAborted EventType = "CALIBRATION_CANCELLED"
	EventThresholdAdjusted  EventType = "THRESHOLD_ADJUSTED"
	EventRecordSaved        EventType = "RECORD_SAVED"
	EventSaveFailed         EventType = "RECORD_SAVE_FAILED"
)

// Phase names a learning phase.
type Phase string

const (
	PhaseDry Phase = "dry"
	PhaseWet Phase = "wet"
)

// NoChannel marks events that concern the engine rather than one channel.
const NoChannel = -1

// Event is an observation emitted by Tick or Handle. Fields irrelevant to
// the event type are left zero.
type Event struct {
	Timestamp time.Time `json:"timestamp"`
	Type      EventType `json:"event"`
	Channel   int       `json:"channel"`
	Location  string    `json:"location,omitempty"`
	Mode      string    `json:"mode"`

	Submerged  bool `json:"submerged"`
	Strength   int  `json:"strength"`
	Calibrated bool `json:"calibrated"`

	Session  string  `json:"session,omitempty"`
	Phase    Phase   `json:"phase,omitempty"`
	Baseline int     `json:"baseline,omitempty"`
	Samples  int     `json:"samples,omitempty"`
	Noise    float64 `json:"noise,omitempty"`

	Threshold int           `json:"threshold,omitempty"`
	Inverted  bool          `json:"inverted,omitempty"`
	Margin    int           `json:"margin,omitempty"`
	Quality   logic.Quality `json:"quality,omitempty"`

	Permanent bool   `json:"permanent,omitempty"`
	Err       string `json:"error,omitempty"`
}

// Observation is the reported state of one channel.
type Observation struct {
	Index        int       `json:"index"`
	Location     string    `json:"location"`
	HeightCM     int       `json:"height_cm"`
	Submerged    bool      `json:"submerged"`
	Strength     int       `json:"strength"`
	Calibrated   bool      `json:"calibrated"`
	Threshold    int       `json:"threshold"`
	Inverted     bool      `json:"inverted"`
	PendingSave  bool      `json:"pending_save"`
	SampleErrors int       `json:"sample_errors"`
	LastSampled  time.Time `json:"last_sampled"`
}

// SessionStatus describes a running calibration session.
type SessionStatus struct {
	ID         string        `json:"id"`
	Channel    int           `json:"channel"`
	Location   string        `json:"location"`
	Auto       bool          `json:"auto"`
	Phase      Phase         `json:"phase"`
	Collecting bool          `json:"collecting"`
	Samples    int           `json:"samples"`
	Elapsed    time.Duration `json:"elapsed"`
}
