package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sweeney/level-sensor/internal/logic"
)

// Measure latency buckets in seconds. A full measurement is about 40ms.
var defaultBuckets = []float64{0.005, 0.01, 0.02, 0.03, 0.04, 0.05, 0.075, 0.1, 0.25}

// Manager owns the daemon's Prometheus instruments. It implements
// engine.Recorder.
type Manager struct {
	namespace string
	subsystem string
	buckets   []float64
	registry  *prometheus.Registry
	runtime   bool

	// Detection
	samples         *prometheus.CounterVec
	sampleErrors    *prometheus.CounterVec
	strength        *prometheus.GaugeVec
	measureDuration prometheus.Histogram
	transitions     *prometheus.CounterVec
	submerged       *prometheus.GaugeVec

	// Dispatcher
	mode             prometheus.Gauge
	modeChanges      prometheus.Counter
	commandsRejected *prometheus.CounterVec

	// Calibration and storage
	calibrations      *prometheus.CounterVec
	calibrationMargin *prometheus.GaugeVec
	threshold         *prometheus.GaugeVec
	saves             *prometheus.CounterVec
	saveFailures      *prometheus.CounterVec
	integrityFailures *prometheus.CounterVec

	// Transport
	mqttConnected  prometheus.Gauge
	mqttBuffered   prometheus.Gauge
	commandsParsed *prometheus.CounterVec
}

// NewManager creates a Manager on a private registry unless WithRegistry
// says otherwise.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		namespace: "level",
		subsystem: "sensor",
		buckets:   defaultBuckets,
		registry:  prometheus.NewRegistry(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.initializeMetrics()
	return m
}

func (m *Manager) initializeMetrics() {
	auto := promauto.With(m.registry)
	if m.runtime {
		m.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	m.samples = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "samples_total",
		Help:      "Completed strength measurements per channel",
	}, []string{"location"})

	m.sampleErrors = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "sample_errors_total",
		Help:      "Measurements aborted by an I/O error",
	}, []string{"location"})

	m.strength = auto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "strength",
		Help:      "Most recent strength score per channel",
	}, []string{"location"})

	m.measureDuration = auto.NewHistogram(prometheus.HistogramOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "measure_duration_seconds",
		Help:      "Time spent in one blocking measurement",
		Buckets:   m.buckets,
	})

	m.transitions = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "transitions_total",
		Help:      "Accepted debounced state changes",
	}, []string{"location", "state"})

	m.submerged = auto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "submerged",
		Help:      "1 when the channel reports liquid present",
	}, []string{"location"})

	m.mode = auto.NewGauge(prometheus.GaugeOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "mode",
		Help:      "Current engine mode (0 = DETECTION)",
	})

	m.modeChanges = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "mode_changes_total",
		Help:      "Engine mode transitions",
	})

	m.commandsRejected = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "commands_rejected_total",
		Help:      "Operator commands rejected by the dispatcher",
	}, []string{"command", "reason"})

	m.calibrations = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "calibrations_total",
		Help:      "Completed calibrations by quality grade",
	}, []string{"location", "quality"})

	m.calibrationMargin = auto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "calibration_margin",
		Help:      "Dry/wet separation of the latest calibration",
	}, []string{"location"})

	m.threshold = auto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "threshold",
		Help:      "Decision threshold of the latest calibration",
	}, []string{"location"})

	m.saves = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "records_saved_total",
		Help:      "Calibration records written to storage",
	}, []string{"location"})

	m.saveFailures = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "record_save_failures_total",
		Help:      "Failed calibration record writes",
	}, []string{"location", "permanent"})

	m.integrityFailures = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "integrity_failures_total",
		Help:      "Stored records rejected at load",
	}, []string{"location"})

	m.mqttConnected = auto.NewGauge(prometheus.GaugeOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "mqtt_connected",
		Help:      "1 while the MQTT client is connected",
	})

	m.mqttBuffered = auto.NewGauge(prometheus.GaugeOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "mqtt_buffered_events",
		Help:      "Events held for replay while disconnected",
	})

	m.commandsParsed = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "commands_received_total",
		Help:      "Commands received from the command topic",
	}, []string{"valid"})
}

// Registry returns the registry the metrics live on.
func (m *Manager) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Manager) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Sampled records a completed measurement.
func (m *Manager) Sampled(ch logic.Channel, strength int, took time.Duration) {
	m.samples.WithLabelValues(ch.Location).Inc()
	m.strength.WithLabelValues(ch.Location).Set(float64(strength))
	m.measureDuration.Observe(took.Seconds())
}

// SampleFailed records an aborted measurement.
func (m *Manager) SampleFailed(ch logic.Channel) {
	m.sampleErrors.WithLabelValues(ch.Location).Inc()
}

// Transitioned records an accepted state change.
func (m *Manager) Transitioned(ch logic.Channel, submerged bool) {
	state := "drained"
	v := 0.0
	if submerged {
		state = "submerged"
		v = 1
	}
	m.transitions.WithLabelValues(ch.Location, state).Inc()
	m.submerged.WithLabelValues(ch.Location).Set(v)
}

// ModeChanged records the new engine mode.
func (m *Manager) ModeChanged(mode logic.Mode) {
	m.mode.Set(float64(mode))
	m.modeChanges.Inc()
}

// CommandRejected records a rejected command.
func (m *Manager) CommandRejected(kind logic.CommandKind, reason string) {
	m.commandsRejected.WithLabelValues(string(kind), reason).Inc()
}

// RecordSaved records a successful write.
func (m *Manager) RecordSaved(ch logic.Channel) {
	m.saves.WithLabelValues(ch.Location).Inc()
}

// RecordSaveFailed records a failed write.
func (m *Manager) RecordSaveFailed(ch logic.Channel, permanent bool) {
	m.saveFailures.WithLabelValues(ch.Location, strconv.FormatBool(permanent)).Inc()
}

// IntegrityFailure records a record rejected at load.
func (m *Manager) IntegrityFailure(ch logic.Channel) {
	m.integrityFailures.WithLabelValues(ch.Location).Inc()
}

// CalibrationCompleted records a finished calibration.
func (m *Manager) CalibrationCompleted(ch logic.Channel, d logic.Derivation) {
	m.calibrations.WithLabelValues(ch.Location, string(d.Quality)).Inc()
	m.calibrationMargin.WithLabelValues(ch.Location).Set(float64(d.Margin))
	m.threshold.WithLabelValues(ch.Location).Set(float64(d.Threshold))
}

// SetMQTTConnected tracks the MQTT connection state.
func (m *Manager) SetMQTTConnected(connected bool) {
	if connected {
		m.mqttConnected.Set(1)
		return
	}
	m.mqttConnected.Set(0)
}

// SetBuffered tracks the MQTT replay buffer depth.
func (m *Manager) SetBuffered(n int) {
	m.mqttBuffered.Set(float64(n))
}

// CommandReceived counts a command from the command topic.
func (m *Manager) CommandReceived(valid bool) {
	m.commandsParsed.WithLabelValues(strconv.FormatBool(valid)).Inc()
}
