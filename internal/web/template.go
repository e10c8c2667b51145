package web

import (
	"fmt"
	"html/template"
	"io"
	"time"

	"github.com/sweeney/level-sensor/internal/engine"
	"github.com/sweeney/level-sensor/internal/status"
)

var indexTmpl = template.Must(template.New("index").Funcs(template.FuncMap{
	"uptime": formatUptime,
	"state": func(o engine.Observation) string {
		return status.StateName(o)
	},
}).Parse(indexHTML))

// formatUptime renders d as "1d 2h 3m 4s", dropping leading zero units.
func formatUptime(d time.Duration) string {
	secs := int64(d / time.Second)
	units := []struct {
		n    int64
		name string
	}{
		{secs / 86400, "d"},
		{secs / 3600 % 24, "h"},
		{secs / 60 % 60, "m"},
	}
	out := ""
	for _, u := range units {
		if u.n > 0 || out != "" {
			out += fmt.Sprintf("%d%s ", u.n, u.name)
		}
	}
	return out + fmt.Sprintf("%ds", secs%60)
}

const indexHTML = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Level Sensor</title>
<style>
body { font-family: monospace; max-width: 720px; margin: 2em auto; padding: 0 1em; }
h1 { font-size: 1.3em; }
h2 { font-size: 1.1em; margin-top: 1.5em; }
table { border-collapse: collapse; width: 100%; }
th, td { text-align: left; padding: 3px 6px; border-bottom: 1px solid #e4e4e4; }
.submerged { color: #06c; font-weight: bold; }
.dry { color: #888; }
.bootstrap { color: #c70; }
.up { color: #080; }
.down { color: #c00; }
#live-dot { display: inline-block; width: 8px; height: 8px; border-radius: 4px; margin-left: 6px; vertical-align: middle; background: #c70; }
#live-dot.ok { background: #080; }
#live-dot.err { background: #c00; }
</style>
</head>
<body>
<h1>Level Sensor{{if .Live}}<span id="live-dot" title="connecting"></span>{{end}}</h1>

<h2>Channels</h2>
<table>
<tr><th>#</th><th>Location</th><th>Height</th><th>State</th><th>Strength</th><th>Threshold</th><th>Calibration</th></tr>
{{range .Channels}}<tr id="ch-{{.Index}}">
<td>{{.Index}}</td><td>{{.Location}}</td><td>{{.HeightCM}}cm</td>
<td class="state {{if .Submerged}}submerged{{else}}dry{{end}}">{{state .}}</td>
<td class="strength">{{.Strength}}</td>
<td class="threshold">{{.Threshold}}{{if .Inverted}} (inv){{end}}</td>
<td class="{{if .Calibrated}}{{else}}bootstrap{{end}}">{{if .Calibrated}}stored{{else}}bootstrap{{end}}{{if .PendingSave}}, save pending{{end}}</td>
</tr>{{end}}
</table>

<h2>Mode</h2>
<table>
<tr><th>Mode</th><td id="mode">{{.Mode}}</td></tr>
{{with .Session}}<tr><th>Session</th><td>{{.ID}}</td></tr>
<tr><th>Target</th><td>{{.Location}} ({{.Channel}})</td></tr>
<tr><th>Phase</th><td>{{.Phase}}{{if .Collecting}}, collecting {{.Samples}} samples{{else}}, waiting for confirm{{end}}</td></tr>{{end}}
<tr><th>Ready</th><td>{{if .Ready}}yes{{else}}no{{end}}</td></tr>
</table>

<h2>Connectivity</h2>
<table>
<tr><th>MQTT</th><td class="{{if .MQTTConnected}}up{{else}}down{{end}}">{{if .MQTTConnected}}connected{{else}}disconnected{{end}}{{if .MQTTBuffered}} ({{.MQTTBuffered}} buffered){{end}}</td></tr>
<tr><th>Broker</th><td>{{.Config.Broker}}</td></tr>
{{if .Network}}<tr><th>Network</th><td>{{.Network.Status}} ({{.Network.Type}}{{if .Network.SSID}}, {{.Network.SSID}}{{end}})</td></tr>
<tr><th>IP</th><td>{{.Network.IP}}</td></tr>{{end}}
</table>

<h2>Event Counts</h2>
<table>
<tr><th>Submerged</th><td>{{.Counts.Submerged}}</td></tr>
<tr><th>Drained</th><td>{{.Counts.Drained}}</td></tr>
<tr><th>Calibrations</th><td>{{.Counts.Calibrations}}</td></tr>
<tr><th>Saves</th><td>{{.Counts.Saves}}</td></tr>
<tr><th>Save failures</th><td>{{.Counts.SaveFailures}}</td></tr>
<tr><th>Integrity failures</th><td>{{.Counts.IntegrityFailures}}</td></tr>
</table>

<h2>System</h2>
<table>
<tr><th>Uptime</th><td>{{uptime .Uptime}}</td></tr>
<tr><th>Started</th><td>{{.StartTime.UTC.Format "2006-01-02T15:04:05Z"}}</td></tr>
<tr><th>Tick</th><td>{{.Config.TickMs}}ms</td></tr>
<tr><th>Debounce</th><td>{{.Config.DebounceMs}}ms</td></tr>
<tr><th>Save cooldown</th><td>{{.Config.SaveCooldownMs}}ms</td></tr>
<tr><th>Heartbeat</th><td>{{if eq .Config.HeartbeatMs 0}}disabled{{else}}{{.Config.HeartbeatMs}}ms{{end}}</td></tr>
<tr><th>Driver</th><td>{{.Config.Driver}}</td></tr>
<tr><th>Storage</th><td>{{.Config.Backend}}</td></tr>
</table>

<p><a href="/index.json">JSON</a></p>
{{if .Live}}
<script>
(function() {
  var dot = document.getElementById("live-dot");
  var modeEl = document.getElementById("mode");

  function setDot(cls, title) {
    dot.className = cls;
    dot.title = title;
  }

  function apply(ev) {
    if (ev.mode) { modeEl.textContent = ev.mode; }
    var row = document.getElementById("ch-" + ev.channel);
    if (!row) { return; }
    if (ev.event === "SUBMERGED" || ev.event === "DRAINED") {
      var st = row.querySelector(".state");
      st.textContent = ev.submerged ? "SUBMERGED" : "DRY";
      st.className = "state " + (ev.submerged ? "submerged" : "dry");
      row.querySelector(".strength").textContent = ev.strength;
    }
    if (ev.calibration && ev.event !== "RECORD_SAVED") {
      row.querySelector(".threshold").textContent =
        ev.calibration.threshold + (ev.calibration.inverted ? " (inv)" : "");
    }
  }

  function connect() {
    var proto = location.protocol === "https:" ? "wss://" : "ws://";
    var ws = new WebSocket(proto + location.host + "/ws");
    ws.onopen = function() { setDot("ok", "live"); };
    ws.onclose = function() {
      setDot("err", "offline");
      setTimeout(connect, 5000);
    };
    ws.onmessage = function(m) {
      try {
        var msg = JSON.parse(m.data);
        if (msg.level) { apply(msg.level); }
      } catch (e) {}
    };
  }
  connect();
})();
</script>
{{end}}
</body>
</html>
`

func renderHTML(w io.Writer, snap status.Snapshot, live bool) error {
	// Snapshot has Uptime() and Ready() methods but the template reads fields.
	data := struct {
		status.Snapshot
		Uptime time.Duration
		Ready  bool
		Live   bool
	}{
		Snapshot: snap,
		Uptime:   snap.Uptime(),
		Ready:    snap.Ready(),
		Live:     live,
	}
	return indexTmpl.Execute(w, data)
}
