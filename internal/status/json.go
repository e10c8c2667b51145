package status

import (
	"encoding/json"
	"time"

	"github.com/sweeney/level-sensor/internal/engine"
)

// StatusJSON is the top-level JSON envelope for status output.
type StatusJSON struct {
	Status StatusInner `json:"status"`
}

// StatusInner contains the status details.
type StatusInner struct {
	Event         string        `json:"event,omitempty"`
	Reason        string        `json:"reason,omitempty"`
	Mode          string        `json:"mode"`
	Ready         bool          `json:"ready"`
	UptimeSeconds int64         `json:"uptime_seconds"`
	StartTime     string        `json:"start_time"`
	Timestamp     string        `json:"timestamp"`
	MQTT          MQTTStatus    `json:"mqtt"`
	Channels      []ChannelJSON `json:"channels"`
	Session       *SessionJSON  `json:"session,omitempty"`
	Counts        CountsJSON    `json:"event_counts"`
	LastEvent     string        `json:"last_event,omitempty"`
	Network       *NetworkJSON  `json:"network,omitempty"`
	Config        ConfigJSON    `json:"config"`
}

// MQTTStatus reports MQTT connection state.
type MQTTStatus struct {
	Connected bool   `json:"connected"`
	Broker    string `json:"broker"`
	Buffered  int    `json:"buffered"`
}

// ChannelJSON is the JSON representation of one channel.
type ChannelJSON struct {
	Index        int    `json:"index"`
	Location     string `json:"location"`
	HeightCM     int    `json:"height_cm"`
	State        string `json:"state"`
	Strength     int    `json:"strength"`
	Calibrated   bool   `json:"calibrated"`
	Threshold    int    `json:"threshold"`
	Inverted     bool   `json:"inverted"`
	PendingSave  bool   `json:"pending_save"`
	SampleErrors int    `json:"sample_errors"`
}

// SessionJSON is the JSON representation of a calibration session.
type SessionJSON struct {
	ID             string `json:"id"`
	Channel        int    `json:"channel"`
	Location       string `json:"location"`
	Auto           bool   `json:"auto"`
	Phase          string `json:"phase"`
	Collecting     bool   `json:"collecting"`
	Samples        int    `json:"samples"`
	ElapsedSeconds int64  `json:"elapsed_seconds"`
}

// CountsJSON is the JSON representation of event counts.
type CountsJSON struct {
	Submerged         int `json:"submerged"`
	Drained           int `json:"drained"`
	Calibrations      int `json:"calibrations"`
	Saves             int `json:"saves"`
	SaveFailures      int `json:"save_failures"`
	IntegrityFailures int `json:"integrity_failures"`
}

// NetworkJSON is the JSON representation of network info.
type NetworkJSON struct {
	Type       string `json:"type"`
	IP         string `json:"ip"`
	Status     string `json:"status"`
	Gateway    string `json:"gateway"`
	WifiStatus string `json:"wifi_status"`
	SSID       string `json:"ssid"`
}

// ConfigJSON is the JSON representation of daemon config.
type ConfigJSON struct {
	TickMs         int64  `json:"tick_ms"`
	DebounceMs     int64  `json:"debounce_ms"`
	HeartbeatMs    int64  `json:"heartbeat_ms"`
	SaveCooldownMs int64  `json:"save_cooldown_ms"`
	Broker         string `json:"broker"`
	HTTPAddr       string `json:"http_addr"`
	Driver         string `json:"driver"`
	Backend        string `json:"backend"`
}

// StateName is the display state of an observation.
func StateName(o engine.Observation) string {
	if o.Submerged {
		return "SUBMERGED"
	}
	return "DRY"
}

func buildInner(snap Snapshot) StatusInner {
	channels := make([]ChannelJSON, 0, len(snap.Channels))
	for _, o := range snap.Channels {
		channels = append(channels, ChannelJSON{
			Index:        o.Index,
			Location:     o.Location,
			HeightCM:     o.HeightCM,
			State:        StateName(o),
			Strength:     o.Strength,
			Calibrated:   o.Calibrated,
			Threshold:    o.Threshold,
			Inverted:     o.Inverted,
			PendingSave:  o.PendingSave,
			SampleErrors: o.SampleErrors,
		})
	}

	inner := StatusInner{
		Mode:          snap.Mode.String(),
		Ready:         snap.Ready(),
		UptimeSeconds: int64(snap.Uptime().Truncate(time.Second).Seconds()),
		StartTime:     snap.StartTime.UTC().Format(time.RFC3339),
		Timestamp:     snap.Now.UTC().Format(time.RFC3339),
		MQTT: MQTTStatus{
			Connected: snap.MQTTConnected,
			Broker:    snap.Config.Broker,
			Buffered:  snap.MQTTBuffered,
		},
		Channels: channels,
		Counts: CountsJSON{
			Submerged:         snap.Counts.Submerged,
			Drained:           snap.Counts.Drained,
			Calibrations:      snap.Counts.Calibrations,
			Saves:             snap.Counts.Saves,
			SaveFailures:      snap.Counts.SaveFailures,
			IntegrityFailures: snap.Counts.IntegrityFailures,
		},
		Config: ConfigJSON{
			TickMs:         snap.Config.TickMs,
			DebounceMs:     snap.Config.DebounceMs,
			HeartbeatMs:    snap.Config.HeartbeatMs,
			SaveCooldownMs: snap.Config.SaveCooldownMs,
			Broker:         snap.Config.Broker,
			HTTPAddr:       snap.Config.HTTPAddr,
			Driver:         snap.Config.Driver,
			Backend:        snap.Config.Backend,
		},
	}
	if snap.Session != nil {
		inner.Session = &SessionJSON{
			ID:             snap.Session.ID,
			Channel:        snap.Session.Channel,
			Location:       snap.Session.Location,
			Auto:           snap.Session.Auto,
			Phase:          string(snap.Session.Phase),
			Collecting:     snap.Session.Collecting,
			Samples:        snap.Session.Samples,
			ElapsedSeconds: int64(snap.Session.Elapsed.Seconds()),
		}
	}
	if snap.LastEvent != nil {
		inner.LastEvent = string(snap.LastEvent.Type)
	}
	return inner
}

func buildNetwork(snap Snapshot, inner *StatusInner) {
	if snap.Network != nil {
		inner.Network = &NetworkJSON{
			Type:       snap.Network.Type,
			IP:         snap.Network.IP,
			Status:     snap.Network.Status,
			Gateway:    snap.Network.Gateway,
			WifiStatus: snap.Network.WifiStatus,
			SSID:       snap.Network.SSID,
		}
	}
}

// FormatJSON returns the JSON status for the web endpoint (no event/reason).
func FormatJSON(snap Snapshot) []byte {
	inner := buildInner(snap)
	buildNetwork(snap, &inner)

	data, _ := json.MarshalIndent(StatusJSON{Status: inner}, "", "  ")
	return data
}

// FormatStatusEvent returns the JSON status for an MQTT system event.
func FormatStatusEvent(snap Snapshot, event, reason string) []byte {
	inner := buildInner(snap)
	inner.Event = event
	inner.Reason = reason
	buildNetwork(snap, &inner)

	data, _ := json.Marshal(StatusJSON{Status: inner})
	return data
}
