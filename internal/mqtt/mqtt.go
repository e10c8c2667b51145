// Package mqtt provides MQTT publishing and command intake with abstraction
// for testing.
package mqtt

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sweeney/level-sensor/internal/engine"
	"github.com/sweeney/level-sensor/internal/logic"
)

// TopicEvents is the MQTT topic for channel and calibration events.
const TopicEvents = "level/sensor/events"

// TopicSystem is the MQTT topic for system lifecycle events.
const TopicSystem = "level/sensor/system"

// TopicCommands is the MQTT topic operator commands arrive on.
const TopicCommands = "level/sensor/commands"

// ErrBadCommand is returned by ParseCommand for malformed payloads.
var ErrBadCommand = errors.New("malformed command")

// Publisher publishes events to MQTT.
type Publisher interface {
	// Publish sends an engine event to the broker.
	// Returns error if publishing fails (should not crash the process).
	Publish(event engine.Event) error

	// PublishSystem sends a system lifecycle event to the broker.
	PublishSystem(event SystemEvent) error

	// PublishResult reports the outcome of an operator command.
	PublishResult(result CommandResult) error

	// Close disconnects from the broker.
	Close() error
}

// ConnectionStatus reports whether the MQTT connection is active.
type ConnectionStatus interface {
	IsConnected() bool
}

// SystemEvent represents a system lifecycle event (e.g., startup, shutdown, heartbeat).
type SystemEvent struct {
	Timestamp  time.Time
	Event      string // e.g., "STARTUP", "SHUTDOWN", "HEARTBEAT"
	Reason     string // e.g., "SIGTERM", "SIGINT" (shutdown only)
	RawPayload []byte // Pre-formatted JSON payload; if set, FormatSystemPayload returns it directly
	Retained   bool   // Whether the message should be retained by the broker
}

// CommandMessage is one message received on the command topic. Err is set
// when the payload could not be parsed.
type CommandMessage struct {
	Command engine.Command
	Raw     []byte
	Err     error
}

// CommandResult is the acknowledgement published for every command.
type CommandResult struct {
	Timestamp time.Time
	Command   engine.Command
	Accepted  bool
	Err       error
	Mode      logic.Mode
}

// Payload represents the MQTT message payload structure.
type Payload struct {
	Level EventPayload `json:"level"`
}

// EventPayload contains the event details.
type EventPayload struct {
	Timestamp  string `json:"timestamp"`
	Event      string `json:"event"`
	Channel    int    `json:"channel"`
	Location   string `json:"location,omitempty"`
	Mode       string `json:"mode"`
	Submerged  bool   `json:"submerged"`
	Strength   int    `json:"strength"`
	Calibrated bool   `json:"calibrated"`

	Calibration *CalibrationPayload `json:"calibration,omitempty"`
	Error       *ErrorPayload       `json:"error,omitempty"`
}

// CalibrationPayload carries session and record details for calibration and
// storage events.
type CalibrationPayload struct {
	Session   string  `json:"session,omitempty"`
	Phase     string  `json:"phase,omitempty"`
	Baseline  int     `json:"baseline,omitempty"`
	Samples   int     `json:"samples,omitempty"`
	Noise     float64 `json:"noise,omitempty"`
	Threshold int     `json:"threshold"`
	Inverted  bool    `json:"inverted"`
	Margin    int     `json:"margin,omitempty"`
	Quality   string  `json:"quality,omitempty"`
}

// ErrorPayload describes a failure.
type ErrorPayload struct {
	Message   string `json:"message"`
	Permanent bool   `json:"permanent,omitempty"`
}

var calibrationEvents = map[engine.EventType]bool{
	engine.EventRecordLoaded:       true,
	engine.EventPhaseStarted:       true,
	engine.EventPhaseComplete:      true,
	engine.EventCalibrationDone:    true,
	engine.EventCalibrationAborted: true,
	engine.EventThresholdAdjusted:  true,
	engine.EventRecordSaved:        true,
}

// FormatPayload creates the JSON payload for an engine event.
func FormatPayload(event engine.Event) ([]byte, error) {
	inner := EventPayload{
		Timestamp:  event.Timestamp.UTC().Format(time.RFC3339),
		Event:      string(event.Type),
		Channel:    event.Channel,
		Location:   event.Location,
		Mode:       event.Mode,
		Submerged:  event.Submerged,
		Strength:   event.Strength,
		Calibrated: event.Calibrated,
	}
	if calibrationEvents[event.Type] || event.Session != "" {
		inner.Calibration = &CalibrationPayload{
			Session:   event.Session,
			Phase:     string(event.Phase),
			Baseline:  event.Baseline,
			Samples:   event.Samples,
			Noise:     event.Noise,
			Threshold: event.Threshold,
			Inverted:  event.Inverted,
			Margin:    event.Margin,
			Quality:   string(event.Quality),
		}
	}
	if event.Err != "" {
		inner.Error = &ErrorPayload{Message: event.Err, Permanent: event.Permanent}
	}
	return json.Marshal(Payload{Level: inner})
}

// SystemPayload represents the MQTT message payload for system events.
// Used for simple events (LWT, RECONNECTED) that don't carry a full status snapshot.
type SystemPayload struct {
	System SystemPayloadInner `json:"system"`
}

// SystemPayloadInner contains the system event details.
type SystemPayloadInner struct {
	Timestamp string `json:"timestamp"`
	Event     string `json:"event"`
	Reason    string `json:"reason,omitempty"`
}

// FormatSystemPayload creates the JSON payload for a system event.
// If event.RawPayload is set, it is returned directly (used for full status snapshots).
func FormatSystemPayload(event SystemEvent) ([]byte, error) {
	if event.RawPayload != nil {
		return event.RawPayload, nil
	}

	payload := SystemPayload{
		System: SystemPayloadInner{
			Timestamp: event.Timestamp.UTC().Format(time.RFC3339),
			Event:     event.Event,
			Reason:    event.Reason,
		},
	}
	return json.Marshal(payload)
}

// ResultPayload is the JSON envelope for a command acknowledgement.
type ResultPayload struct {
	Command ResultInner `json:"command"`
}

// ResultInner contains the acknowledgement details.
type ResultInner struct {
	Timestamp string `json:"timestamp"`
	Command   string `json:"command"`
	Channel   int    `json:"channel"`
	Accepted  bool   `json:"accepted"`
	Error     string `json:"error,omitempty"`
	Mode      string `json:"mode"`
}

// FormatResultPayload creates the JSON payload for a command result.
func FormatResultPayload(result CommandResult) ([]byte, error) {
	inner := ResultInner{
		Timestamp: result.Timestamp.UTC().Format(time.RFC3339),
		Command:   string(result.Command.Kind),
		Channel:   result.Command.Channel,
		Accepted:  result.Accepted,
		Mode:      result.Mode.String(),
	}
	if result.Err != nil {
		inner.Error = result.Err.Error()
	}
	return json.Marshal(ResultPayload{Command: inner})
}

// wireCommand is the JSON form of a command. Channel is a pointer so a
// missing channel is distinguishable from channel 0.
type wireCommand struct {
	Command string `json:"command"`
	Channel *int   `json:"channel"`
	Delta   int    `json:"delta"`
}

// ParseCommand decodes a command payload such as
// {"command":"select","channel":1}. A missing channel becomes -1, which the
// engine rejects for commands that need one.
func ParseCommand(payload []byte) (engine.Command, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.DisallowUnknownFields()

	var w wireCommand
	if err := dec.Decode(&w); err != nil {
		return engine.Command{}, fmt.Errorf("%w: %v", ErrBadCommand, err)
	}
	if w.Command == "" {
		return engine.Command{}, fmt.Errorf("%w: missing command", ErrBadCommand)
	}

	cmd := engine.Command{
		Kind:    logic.CommandKind(w.Command),
		Channel: -1,
		Delta:   w.Delta,
	}
	if w.Channel != nil {
		cmd.Channel = *w.Channel
	}
	return cmd, nil
}

// Discard is a Publisher that drops everything. It stands in when no broker
// is configured.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(engine.Event) error { return nil }
func (discard) PublishSystem(SystemEvent) error { return nil }
func (discard) PublishResult(CommandResult) error { return nil }
func (discard) Close() error { return nil }
