package engine

import (
	"time"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat"

	"github.com/sweeney/level-sensor/internal/logic"
)

// session is a calibration in progress. It keeps enough of the target's
// pre-session state to restore it exactly on cancel.
type session struct {
	id     string
	target int
	auto   bool

	prior        logic.Record
	priorPending bool
	priorRequest time.Time

	collecting bool
	phaseStart time.Time
	lastSample time.Time
	samples    []int
	// attempts counts measurements in this phase, failed ones included.
	attempts   int

	dry int
}

func (s *session) phase(m logic.Mode) Phase {
	if m == logic.ModeManualWet || m == logic.ModeAutoWet {
		return PhaseWet
	}
	return PhaseDry
}

func (s *session) begin(now time.Time) {
	s.collecting = true
	s.phaseStart = now
	s.lastSample = time.Time{}
	s.samples = s.samples[:0]
	s.attempts = 0
}

// startSession targets slot i. Auto sessions start collecting at once;
// manual ones wait for confirm.
func (e *Engine) startSession(i int, next logic.Mode, now time.Time) []Event {
	st := e.states[i]
	s := &session{
		id:           e.newID(),
		target:       i,
		auto:         next == logic.ModeAutoDry,
		prior:        e.records[i],
		priorPending: st.PendingSave,
		priorRequest: st.LastSaveRequest,
	}
	e.session = s

	e.log.Info("calibration session started",
		zap.String("session", s.id),
		zap.Int("channel", e.channels[i].Index),
		zap.Bool("auto", s.auto))

	events := e.setMode(next, now, i)
	for j := range events {
		events[j].Session = s.id
	}
	if s.auto {
		events = append(events, e.beginPhase(now))
	}
	return events
}

func (e *Engine) confirm(now time.Time) []Event {
	return []Event{e.beginPhase(now)}
}

func (e *Engine) beginPhase(now time.Time) Event {
	s := e.session
	s.begin(now)

	ev := e.event(EventPhaseStarted, now, s.target)
	ev.Session = s.id
	ev.Phase = s.phase(e.mode)
	return ev
}

// calibrate advances the session by at most one sample, or closes the phase.
func (e *Engine) calibrate(now time.Time) []Event {
	s := e.session

	if s.auto {
		if now.Sub(s.phaseStart) >= e.cfg.AutoWindow {
			return e.finishPhase(now)
		}
		if len(s.samples) < e.cfg.AutoMaxSamples && e.sampleDue(now, e.cfg.AutoSpacing) {
			e.collect(now)
		}
		return nil
	}

	if e.sampleDue(now, e.cfg.ManualSpacing) {
		e.collect(now)
	}
	if s.attempts >= e.cfg.ManualSamples {
		return e.finishPhase(now)
	}
	return nil
}

func (e *Engine) sampleDue(now time.Time, spacing time.Duration) bool {
	s := e.session
	return s.lastSample.IsZero() || now.Sub(s.lastSample) >= spacing
}

func (e *Engine) collect(now time.Time) {
	s := e.session
	s.lastSample = now
	s.attempts++
	strength, ok := e.measure(s.target)
	if !ok {
		return
	}
	e.states[s.target].Strength = strength
	e.states[s.target].LastSampled = now
	s.samples = append(s.samples, strength)
}

func (e *Engine) finishPhase(now time.Time) []Event {
	s := e.session
	i := s.target
	ch := e.channels[i]
	phase := s.phase(e.mode)

	prior := int(s.prior.DryBaseline)
	if phase == PhaseWet {
		prior = int(s.prior.WetBaseline)
	}
	baseline := logic.Baseline(s.samples, prior, s.prior.Calibrated)
	noise := spread(s.samples)
	if len(s.samples) == 0 {
		e.log.Warn("calibration window collected no samples",
			zap.String("session", s.id),
			zap.Int("channel", ch.Index),
			zap.String("phase", string(phase)),
			zap.Int("fallback_baseline", baseline))
	}

	done := e.event(EventPhaseComplete, now, i)
	done.Session = s.id
	done.Phase = phase
	done.Baseline = baseline
	done.Samples = len(s.samples)
	done.Noise = noise
	events := []Event{done}

	s.collecting = false
	next, _ := logic.PhaseDone(e.mode)

	if phase == PhaseDry {
		s.dry = baseline
		e.records[i].DryBaseline = int32(baseline)
		logic.RequestSave(&e.states[i], now)

		events = append(events, e.setMode(next, now, i)...)
		if s.auto {
			// Operator must now submerge the sensor before the wet window closes.
			events = append(events, e.beginPhase(now))
		}
		return events
	}

	d := logic.Derive(s.dry, baseline)
	e.records[i] = d.Apply(e.records[i], s.dry, baseline)
	logic.RequestSave(&e.states[i], now)
	if s.auto {
		e.states[i].LastSaveRequest = now.Add(-e.cfg.SaveCooldown)
	}
	e.rec.CalibrationCompleted(ch, d)

	fields := []zap.Field{
		zap.String("session", s.id),
		zap.Int("channel", ch.Index),
		zap.Int("dry", s.dry),
		zap.Int("wet", baseline),
		zap.Int("threshold", d.Threshold),
		zap.Bool("inverted", d.Inverted),
		zap.Int("margin", d.Margin),
		zap.String("quality", string(d.Quality)),
	}
	if d.Quality == logic.QualityWeak {
		e.log.Info("calibration complete with weak separation", fields...)
	} else {
		e.log.Info("calibration complete", fields...)
	}

	complete := e.event(EventCalibrationDone, now, i)
	complete.Session = s.id
	complete.Calibrated = true
	complete.Threshold = d.Threshold
	complete.Inverted = d.Inverted
	complete.Margin = d.Margin
	complete.Quality = d.Quality
	events = append(events, complete)

	e.session = nil
	return append(events, e.setMode(next, now, i)...)
}

// cancel abandons the session and restores the target's pre-session record
// and save state.
func (e *Engine) cancel(now time.Time) []Event {
	s := e.session
	if s == nil {
		ev := e.event(EventCalibrationAborted, now, NoChannel)
		return append([]Event{ev}, e.setMode(logic.ModeDetection, now, NoChannel)...)
	}

	i := s.target
	e.records[i] = s.prior
	e.states[i].PendingSave = s.priorPending
	e.states[i].LastSaveRequest = s.priorRequest
	e.session = nil

	e.log.Info("calibration cancelled",
		zap.String("session", s.id),
		zap.Int("channel", e.channels[i].Index),
		zap.Stringer("mode", e.mode))

	ev := e.event(EventCalibrationAborted, now, i)
	ev.Session = s.id
	ev.Phase = s.phase(e.mode)
	return append([]Event{ev}, e.setMode(logic.ModeDetection, now, i)...)
}

// spread is the sample standard deviation, 0 for fewer than two samples.
func spread(samples []int) float64 {
	if len(samples) < 2 {
		return 0
	}
	xs := make([]float64, len(samples))
	for i, v := range samples {
		xs[i] = float64(v)
	}
	_, std := stat.MeanStdDev(xs, nil)
	return std
}
