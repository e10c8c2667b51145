package web

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/sweeney/level-sensor/internal/engine"
	"github.com/sweeney/level-sensor/internal/logic"
	"github.com/sweeney/level-sensor/internal/status"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testObservations() []engine.Observation {
	return []engine.Observation{
		{Index: 0, Location: "ankle", HeightCM: 10, Submerged: true, Strength: 40, Calibrated: true, Threshold: 25},
		{Index: 1, Location: "knee", HeightCM: 50, Strength: 2, Threshold: 25},
	}
}

func newTestServer(t *testing.T, opts ...Option) (*httptest.Server, *status.Tracker) {
	t.Helper()
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cfg := status.Config{
		TickMs:      100,
		DebounceMs:  1000,
		HeartbeatMs: 900000,
		Broker:      "tcp://192.168.1.200:1883",
		HTTPAddr:    ":80",
		Driver:      "gpio",
		Backend:     "file",
	}
	tr := status.NewTracker(start, cfg)
	opts = append([]Option{WithLogger(zaptest.NewLogger(t))}, opts...)
	srv := New(":0", tr, opts...)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		if srv.hub != nil {
			srv.hub.Close()
		}
		ts.Close()
	})
	return ts, tr
}

func getStatus(t *testing.T, url string) status.StatusJSON {
	t.Helper()
	resp, err := http.Get(url + "/index.json")
	if err != nil {
		t.Fatalf("GET /index.json: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		t.Errorf("status: got %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type: got %q, want application/json", ct)
	}
	var sj status.StatusJSON
	if err := json.NewDecoder(resp.Body).Decode(&sj); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	return sj
}

func TestJSONEndpoint(t *testing.T) {
	ts, tr := newTestServer(t)
	tr.Update(logic.ModeDetection, testObservations(), nil)
	tr.SetMQTTConnected(true)

	sj := getStatus(t, ts.URL)

	if sj.Status.Mode != "DETECTION" {
		t.Errorf("Mode: got %q, want DETECTION", sj.Status.Mode)
	}
	if sj.Status.Ready {
		t.Error("expected Ready=false with an uncalibrated channel")
	}
	if len(sj.Status.Channels) != 2 {
		t.Fatalf("Channels: got %d, want 2", len(sj.Status.Channels))
	}
	if sj.Status.Channels[0].State != "SUBMERGED" {
		t.Errorf("channel 0: got %q, want SUBMERGED", sj.Status.Channels[0].State)
	}
	if !sj.Status.MQTT.Connected {
		t.Error("expected MQTT.Connected=true")
	}
	if sj.Status.Config.TickMs != 100 {
		t.Errorf("Config.TickMs: got %d, want 100", sj.Status.Config.TickMs)
	}
}

func TestStateChangesReflectedInResponse(t *testing.T) {
	ts, tr := newTestServer(t)

	if getStatus(t, ts.URL).Status.Ready {
		t.Error("expected Ready=false initially")
	}

	obs := testObservations()
	obs[1].Calibrated = true
	tr.Update(logic.ModeDetection, obs, nil)

	if !getStatus(t, ts.URL).Status.Ready {
		t.Error("expected Ready=true after every channel is calibrated")
	}
}

func TestHTMLEndpoint(t *testing.T) {
	ts, tr := newTestServer(t)
	tr.Update(logic.ModeManualDry, testObservations(), &engine.SessionStatus{
		ID: "sess-1", Channel: 1, Location: "knee", Phase: engine.PhaseDry,
	})

	for _, path := range []string{"/", "/index.html"} {
		resp, err := http.Get(ts.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()

		if resp.StatusCode != 200 {
			t.Errorf("%s status: got %d, want 200", path, resp.StatusCode)
		}
		if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
			t.Errorf("%s Content-Type: got %q, want text/html", path, ct)
		}
		for _, want := range []string{"ankle", "knee", "MANUAL_DRY", "sess-1", "waiting for confirm"} {
			if !strings.Contains(string(body), want) {
				t.Errorf("%s: body missing %q", path, want)
			}
		}
		if strings.Contains(string(body), "new WebSocket") {
			t.Errorf("%s: live script rendered without a hub", path)
		}
	}
}

func TestNotFoundForUnknownPath(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/nonexistent")
	if err != nil {
		t.Fatalf("GET /nonexistent: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 404 {
		t.Errorf("status: got %d, want 404", resp.StatusCode)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "level_sensor_samples_total 3\n")
	})
	ts, _ := newTestServer(t, WithMetrics(metrics))

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), "level_sensor_samples_total") {
		t.Errorf("metrics body: got %q", body)
	}
}

// loop answers submissions the way the daemon's run loop does.
func loop(t *testing.T, submit chan Submission, reply func(engine.Command) error) {
	t.Helper()
	done := make(chan struct{})
	t.Cleanup(func() { close(done) })
	go func() {
		for {
			select {
			case sub := <-submit:
				sub.Reply <- reply(sub.Command)
			case <-done:
				return
			}
		}
	}()
}

func postCommand(t *testing.T, url, body string) (int, CommandResponse) {
	t.Helper()
	resp, err := http.Post(url+"/command", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST /command: %v", err)
	}
	defer resp.Body.Close()
	var cr CommandResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return resp.StatusCode, cr
}

func TestCommandEndpoint(t *testing.T) {
	submit := make(chan Submission)
	var (
		mu  sync.Mutex
		got []engine.Command
	)
	loop(t, submit, func(cmd engine.Command) error {
		mu.Lock()
		got = append(got, cmd)
		mu.Unlock()
		if cmd.Kind == logic.CmdConfirm {
			return engine.ErrOutOfContext
		}
		if cmd.Kind == logic.CmdCancel {
			return errors.New("disk on fire")
		}
		return nil
	})
	ts, _ := newTestServer(t, WithCommands(submit))

	tests := []struct {
		name     string
		body     string
		wantCode int
		accepted bool
	}{
		{"accepted", `{"command":"begin_auto"}`, http.StatusOK, true},
		{"rejected", `{"command":"confirm"}`, http.StatusConflict, false},
		{"failed", `{"command":"cancel"}`, http.StatusInternalServerError, false},
		{"malformed", `{"cmd":"x"}`, http.StatusBadRequest, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, cr := postCommand(t, ts.URL, tt.body)
			if code != tt.wantCode {
				t.Errorf("status: got %d, want %d", code, tt.wantCode)
			}
			if cr.Accepted != tt.accepted {
				t.Errorf("accepted: got %v, want %v", cr.Accepted, tt.accepted)
			}
			if !tt.accepted && cr.Error == "" {
				t.Error("expected an error message")
			}
		})
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 3 {
		t.Fatalf("forwarded: got %d commands, want 3", len(got))
	}
	if got[0].Kind != logic.CmdBeginAuto {
		t.Errorf("first command: got %s, want begin_auto", got[0].Kind)
	}
}

func TestCommandEndpointRequiresPost(t *testing.T) {
	ts, _ := newTestServer(t, WithCommands(make(chan Submission)))

	resp, err := http.Get(ts.URL + "/command")
	if err != nil {
		t.Fatalf("GET /command: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode == http.StatusOK {
		t.Error("GET /command should not succeed")
	}
}

func TestCommandEndpointTimesOut(t *testing.T) {
	tr := status.NewTracker(time.Now(), status.Config{})
	srv := New(":0", tr, WithCommands(make(chan Submission)))
	srv.timeout = 20 * time.Millisecond
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	code, cr := postCommand(t, ts.URL, `{"command":"begin_manual"}`)
	if code != http.StatusServiceUnavailable {
		t.Errorf("status: got %d, want 503", code)
	}
	if cr.Accepted {
		t.Error("expected accepted=false")
	}
}

func dialWS(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(url, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func TestWebsocketBroadcast(t *testing.T) {
	hub := NewHub(zaptest.NewLogger(t))
	ts, tr := newTestServer(t, WithHub(hub))
	tr.Update(logic.ModeDetection, testObservations(), nil)

	conn := dialWS(t, ts.URL)
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	_, hello, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read hello: %v", err)
	}
	var sj status.StatusJSON
	if err := json.Unmarshal(hello, &sj); err != nil {
		t.Fatalf("hello JSON: %v", err)
	}
	if sj.Status.Event != "SNAPSHOT" || len(sj.Status.Channels) != 2 {
		t.Errorf("hello: got event %q with %d channels", sj.Status.Event, len(sj.Status.Channels))
	}

	deadline := time.Now().Add(2 * time.Second)
	for hub.Clients() != 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	hub.Broadcast([]byte(`{"level":{"event":"DRAINED","channel":0}}`))

	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read broadcast: %v", err)
	}
	if !strings.Contains(string(msg), "DRAINED") {
		t.Errorf("broadcast: got %s", msg)
	}
}

func TestHubCloseDisconnectsClients(t *testing.T) {
	hub := NewHub(nil)
	ts, _ := newTestServer(t, WithHub(hub))

	conn := dialWS(t, ts.URL)
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err != nil {
		t.Fatalf("read hello: %v", err)
	}

	hub.Close()

	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("expected the connection to close")
	}
	if hub.Clients() != 0 {
		t.Errorf("clients: got %d, want 0", hub.Clients())
	}
	hub.Broadcast([]byte("ignored"))
}

func TestFormatUptime(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{0, "0s"},
		{59 * time.Second, "59s"},
		{61 * time.Second, "1m 1s"},
		{time.Hour + 5*time.Second, "1h 0m 5s"},
		{26*time.Hour + 3*time.Minute, "1d 2h 3m 0s"},
	}
	for _, tt := range tests {
		if got := formatUptime(tt.d); got != tt.want {
			t.Errorf("formatUptime(%v): got %q, want %q", tt.d, got, tt.want)
		}
	}
}
