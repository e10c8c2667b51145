package mqtt

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/sweeney/level-sensor/internal/engine"
	"github.com/sweeney/level-sensor/internal/logic"
)

var ts = time.Date(2026, 2, 2, 22, 18, 12, 0, time.UTC)

func TestTopics(t *testing.T) {
	tests := []struct{ got, want string }{
		{TopicEvents, "level/sensor/events"},
		{TopicSystem, "level/sensor/system"},
		{TopicCommands, "level/sensor/commands"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("topic: got %s, want %s", tt.got, tt.want)
		}
	}
}

func TestFormatPayloadDetection(t *testing.T) {
	event := engine.Event{
		Timestamp:  ts,
		Type:       engine.EventSubmerged,
		Channel:    1,
		Location:   "knee",
		Mode:       "DETECTION",
		Submerged:  true,
		Strength:   41,
		Calibrated: true,
	}

	payload, err := FormatPayload(event)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	expected := `{"level":{"timestamp":"2026-02-02T22:18:12Z","event":"SUBMERGED","channel":1,"location":"knee","mode":"DETECTION","submerged":true,"strength":41,"calibrated":true}}`
	if string(payload) != expected {
		t.Errorf("unexpected payload:\ngot:  %s\nwant: %s", string(payload), expected)
	}
}

func TestFormatPayloadCalibration(t *testing.T) {
	event := engine.Event{
		Timestamp:  ts,
		Type:       engine.EventCalibrationDone,
		Channel:    0,
		Location:   "ankle",
		Mode:       "DETECTION",
		Calibrated: true,
		Session:    "abc",
		Threshold:  22,
		Inverted:   true,
		Margin:     39,
		Quality:    logic.QualityStrong,
	}

	payload, err := FormatPayload(event)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var parsed Payload
	if err := json.Unmarshal(payload, &parsed); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	cal := parsed.Level.Calibration
	if cal == nil {
		t.Fatal("calibration block missing")
	}
	if cal.Session != "abc" || cal.Threshold != 22 || !cal.Inverted || cal.Margin != 39 {
		t.Errorf("calibration: got %+v", *cal)
	}
	if cal.Quality != string(logic.QualityStrong) {
		t.Errorf("quality: got %s, want %s", cal.Quality, logic.QualityStrong)
	}
	if parsed.Level.Error != nil {
		t.Error("error block should be omitted")
	}
}

func TestFormatPayloadOmitsBlocks(t *testing.T) {
	tests := []struct {
		typ       engine.EventType
		wantCal   bool
		wantError bool
	}{
		{engine.EventSubmerged, false, false},
		{engine.EventDrained, false, false},
		{engine.EventModeChanged, false, false},
		{engine.EventIntegrityFailure, false, true},
		{engine.EventRecordLoaded, true, false},
		{engine.EventThresholdAdjusted, true, false},
		{engine.EventRecordSaved, true, false},
		{engine.EventSaveFailed, false, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.typ), func(t *testing.T) {
			ev := engine.Event{Timestamp: ts, Type: tt.typ}
			if tt.wantError {
				ev.Err = "boom"
			}
			payload, err := FormatPayload(ev)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			var parsed map[string]map[string]interface{}
			if err := json.Unmarshal(payload, &parsed); err != nil {
				t.Fatalf("invalid JSON: %v", err)
			}
			_, hasCal := parsed["level"]["calibration"]
			_, hasErr := parsed["level"]["error"]
			if hasCal != tt.wantCal {
				t.Errorf("calibration block: got %v, want %v", hasCal, tt.wantCal)
			}
			if hasErr != tt.wantError {
				t.Errorf("error block: got %v, want %v", hasErr, tt.wantError)
			}
		})
	}
}

func TestFormatPayloadSaveFailure(t *testing.T) {
	payload, err := FormatPayload(engine.Event{
		Timestamp: ts,
		Type:      engine.EventSaveFailed,
		Channel:   2,
		Permanent: true,
		Err:       "write: out of range",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var parsed Payload
	if err := json.Unmarshal(payload, &parsed); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if parsed.Level.Error == nil {
		t.Fatal("error block missing")
	}
	if !parsed.Level.Error.Permanent {
		t.Error("permanent: got false, want true")
	}
	if parsed.Level.Error.Message != "write: out of range" {
		t.Errorf("message: got %s", parsed.Level.Error.Message)
	}
}

func TestFormatPayloadTimezoneConversion(t *testing.T) {
	loc := time.FixedZone("UTC+5", 5*60*60)
	event := engine.Event{
		Timestamp: time.Date(2026, 2, 3, 15, 30, 0, 0, loc),
		Type:      engine.EventDrained,
	}

	payload, err := FormatPayload(event)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var parsed Payload
	if err := json.Unmarshal(payload, &parsed); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if parsed.Level.Timestamp != "2026-02-03T10:30:00Z" {
		t.Errorf("timestamp: got %s, want 2026-02-03T10:30:00Z", parsed.Level.Timestamp)
	}
}

func TestFormatSystemPayloadExactJSON(t *testing.T) {
	tests := []struct {
		name  string
		event SystemEvent
		want  string
	}{
		{
			"shutdown",
			SystemEvent{Timestamp: time.Date(2026, 2, 3, 10, 30, 45, 0, time.UTC), Event: "SHUTDOWN", Reason: "SIGTERM"},
			`{"system":{"timestamp":"2026-02-03T10:30:45Z","event":"SHUTDOWN","reason":"SIGTERM"}}`,
		},
		{
			"will",
			SystemEvent{Timestamp: time.Date(2026, 2, 10, 8, 30, 0, 0, time.UTC), Event: "SHUTDOWN", Reason: "MQTT_DISCONNECT"},
			`{"system":{"timestamp":"2026-02-10T08:30:00Z","event":"SHUTDOWN","reason":"MQTT_DISCONNECT"}}`,
		},
		{
			"reconnected",
			SystemEvent{Timestamp: time.Date(2026, 2, 10, 14, 30, 0, 0, time.UTC), Event: "RECONNECTED"},
			`{"system":{"timestamp":"2026-02-10T14:30:00Z","event":"RECONNECTED"}}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload, err := FormatSystemPayload(tt.event)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if string(payload) != tt.want {
				t.Errorf("unexpected payload:\ngot:  %s\nwant: %s", string(payload), tt.want)
			}
		})
	}
}

func TestFormatSystemPayloadRawPassthrough(t *testing.T) {
	raw := []byte(`{"system":{"event":"HEARTBEAT"}}`)
	payload, err := FormatSystemPayload(SystemEvent{Event: "IGNORED", RawPayload: raw})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(payload) != string(raw) {
		t.Errorf("payload: got %s, want %s", payload, raw)
	}
}

func TestFormatResultPayload(t *testing.T) {
	tests := []struct {
		name   string
		result CommandResult
		want   string
	}{
		{
			"accepted",
			CommandResult{
				Timestamp: ts,
				Command:   engine.Command{Kind: logic.CmdSelect, Channel: 1},
				Accepted:  true,
				Mode:      logic.ModeManualDry,
			},
			`{"command":{"timestamp":"2026-02-02T22:18:12Z","command":"select","channel":1,"accepted":true,"mode":"MANUAL_DRY"}}`,
		},
		{
			"rejected",
			CommandResult{
				Timestamp: ts,
				Command:   engine.Command{Kind: logic.CmdConfirm, Channel: -1},
				Err:       engine.ErrOutOfContext,
				Mode:      logic.ModeDetection,
			},
			`{"command":{"timestamp":"2026-02-02T22:18:12Z","command":"confirm","channel":-1,"accepted":false,"error":"` +
				engine.ErrOutOfContext.Error() + `","mode":"DETECTION"}}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload, err := FormatResultPayload(tt.result)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if string(payload) != tt.want {
				t.Errorf("unexpected payload:\ngot:  %s\nwant: %s", string(payload), tt.want)
			}
		})
	}
}

func TestParseCommand(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    engine.Command
		wantErr bool
	}{
		{"begin manual", `{"command":"begin_manual"}`, engine.Command{Kind: logic.CmdBeginManual, Channel: -1}, false},
		{"select zero", `{"command":"select","channel":0}`, engine.Command{Kind: logic.CmdSelect, Channel: 0}, false},
		{"adjust", `{"command":"adjust","channel":2,"delta":-3}`, engine.Command{Kind: logic.CmdAdjust, Channel: 2, Delta: -3}, false},
		{"unknown kind passes through", `{"command":"reboot"}`, engine.Command{Kind: "reboot", Channel: -1}, false},
		{"empty object", `{}`, engine.Command{}, true},
		{"unknown field", `{"command":"select","chan":1}`, engine.Command{}, true},
		{"not json", `select 1`, engine.Command{}, true},
		{"wrong type", `{"command":"select","channel":"one"}`, engine.Command{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseCommand([]byte(tt.payload))
			if tt.wantErr {
				if !errors.Is(err, ErrBadCommand) {
					t.Errorf("err: got %v, want ErrBadCommand", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("command: got %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestFakePublisher(t *testing.T) {
	f := NewFakePublisher()

	events := []engine.Event{
		{Timestamp: ts, Type: engine.EventSubmerged, Channel: 0, Submerged: true},
		{Timestamp: ts, Type: engine.EventModeChanged, Channel: engine.NoChannel},
		{Timestamp: ts, Type: engine.EventDrained, Channel: 0},
	}
	for _, ev := range events {
		if err := f.Publish(ev); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	if len(f.Events) != 3 || len(f.Payloads) != 3 {
		t.Fatalf("recorded: got %d events %d payloads, want 3 each", len(f.Events), len(f.Payloads))
	}
	for i, ev := range events {
		if f.Events[i].Type != ev.Type {
			t.Errorf("event %d: got %s, want %s", i, f.Events[i].Type, ev.Type)
		}
	}
	if got := f.EventsOfType(engine.EventSubmerged); len(got) != 1 {
		t.Errorf("EventsOfType: got %d, want 1", len(got))
	}
}

func TestFakePublisherErrors(t *testing.T) {
	f := NewFakePublisher()
	f.PublishError = errors.New("broker down")
	f.PublishSystemError = errors.New("broker down")

	if err := f.Publish(engine.Event{Type: engine.EventDrained}); err == nil {
		t.Error("Publish: expected error")
	}
	if err := f.PublishSystem(SystemEvent{Event: "HEARTBEAT"}); err == nil {
		t.Error("PublishSystem: expected error")
	}
	if len(f.Events) != 0 || len(f.SystemEvents) != 0 {
		t.Error("failed publishes should not be recorded")
	}
}

func TestFakePublisherReset(t *testing.T) {
	f := NewFakePublisher()
	f.Publish(engine.Event{Type: engine.EventDrained})
	f.PublishSystem(SystemEvent{Event: "STARTUP", Retained: true})
	f.PublishResult(CommandResult{Accepted: true})
	f.Close()
	f.Connected = true
	f.PublishError = errors.New("x")

	if !f.SystemEvents[0].Retained {
		t.Error("retained flag not recorded")
	}

	f.Reset()

	if f.Events != nil || f.Payloads != nil || f.SystemEvents != nil || f.SystemPayloads != nil || f.Results != nil {
		t.Error("recordings should be cleared")
	}
	if f.Closed || f.Connected || f.PublishError != nil {
		t.Error("flags should be cleared")
	}

	if err := f.Publish(engine.Event{Type: engine.EventSubmerged}); err != nil {
		t.Errorf("publish after reset: %v", err)
	}
}

func TestDiscard(t *testing.T) {
	if err := Discard.Publish(engine.Event{Type: engine.EventSubmerged}); err != nil {
		t.Errorf("Publish: %v", err)
	}
	if err := Discard.PublishSystem(SystemEvent{Event: "STARTUP"}); err != nil {
		t.Errorf("PublishSystem: %v", err)
	}
	if err := Discard.PublishResult(CommandResult{}); err != nil {
		t.Errorf("PublishResult: %v", err)
	}
	if err := Discard.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}
