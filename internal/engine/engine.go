// Package engine runs detection, calibration and debounced persistence for a
// fixed set of channels. It is driven by two entry points: Tick, called
// periodically by the run loop, and Handle, called for operator commands.
// Both are serialised by one mutex, so neither ever observes the other
// half-done.
package engine

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sweeney/level-sensor/internal/calstore"
	"github.com/sweeney/level-sensor/internal/logic"
	"github.com/sweeney/level-sensor/internal/nvram"
)

// Sampler measures the strength score of a channel.
type Sampler interface {
	Measure(ch logic.Channel) (int, error)
	// Trials is the maximum score Measure can return.
	Trials() int
}

// Store persists calibration records.
type Store interface {
	Save(key int, rec logic.Record) (logic.Record, error)
	Load(key int) (logic.Record, error)
}

// Command is an operator instruction. Channel is the channel index for
// select, auto and adjust; Delta is used by adjust only.
type Command struct {
	Kind    logic.CommandKind `json:"command"`
	Channel int               `json:"channel"`
	Delta   int               `json:"delta,omitempty"`
}

// Engine owns every channel's record and runtime state and the global mode.
type Engine struct {
	mu sync.Mutex

	cfg   Config
	log   *zap.Logger
	clock func() time.Time
	rec   Recorder
	newID func() string

	sampler Sampler
	store   Store

	channels []logic.Channel
	records  []logic.Record
	states   []logic.ChannelState

	mode    logic.Mode
	cursor  int
	session *session
	started time.Time

	// pending holds startup events until the first Tick.
	pending []Event
}

// New validates the channel table, loads every stored record and returns an
// engine in DETECTION mode. Storage problems at load are reported as events
// and never fail construction.
func New(channels []logic.Channel, s Sampler, st Store, opts ...Option) (*Engine, error) {
	e := &Engine{
		cfg:     DefaultConfig(),
		log:     zap.NewNop(),
		clock:   time.Now,
		rec:     nopRecorder{},
		newID:   defaultSessionID,
		sampler: s,
		store:   st,
		mode:    logic.ModeDetection,
		cursor:  -1,
	}
	for _, opt := range opts {
		opt(e)
	}
	if err := e.cfg.Validate(); err != nil {
		return nil, err
	}
	if s == nil || st == nil {
		return nil, fmt.Errorf("%w: sampler and store are required", ErrInvalidConfig)
	}

	sorted, err := logic.ValidateChannels(channels, calstore.RecordSize)
	if err != nil {
		return nil, err
	}
	e.channels = sorted
	e.records = make([]logic.Record, len(sorted))
	e.states = make([]logic.ChannelState, len(sorted))

	e.started = e.clock()
	for i, ch := range e.channels {
		e.states[i].LastTransition = e.started
		e.pending = append(e.pending, e.load(i, ch))
	}
	return e, nil
}

func (e *Engine) load(i int, ch logic.Channel) Event {
	ev := e.event(EventRecordLoaded, e.started, i)

	rec, err := e.store.Load(ch.StoreKey)
	switch {
	case err == nil:
		e.log.Info("calibration loaded",
			zap.Int("channel", ch.Index),
			zap.String("location", ch.Location),
			zap.Bool("calibrated", rec.Calibrated),
			zap.Int32("threshold", rec.Threshold),
			zap.Bool("inverted", rec.Inverted))
	case errors.Is(err, calstore.ErrBlank):
		e.log.Info("no calibration stored", zap.Int("channel", ch.Index), zap.String("location", ch.Location))
	case calstore.IsSoft(err):
		e.log.Warn("calibration record rejected, using bootstrap threshold",
			zap.Int("channel", ch.Index),
			zap.String("location", ch.Location),
			zap.Error(err))
		e.rec.IntegrityFailure(ch)
		ev.Type = EventIntegrityFailure
		ev.Err = err.Error()
		rec.Calibrated = false
	default:
		e.log.Error("calibration record unreadable, using bootstrap threshold",
			zap.Int("channel", ch.Index),
			zap.String("location", ch.Location),
			zap.Error(err))
		ev.Err = err.Error()
		rec = logic.Uncalibrated()
	}

	e.records[i] = rec
	ev.Calibrated = rec.Calibrated
	ev.Threshold = int(rec.Threshold)
	ev.Inverted = rec.Inverted
	return ev
}

// Tick performs one step of work: a detection sample in DETECTION mode or at
// most one calibration step otherwise, followed by the debounced save check.
// The only blocking call is one Measure.
func (e *Engine) Tick() []Event {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.clock()
	events := e.pending
	e.pending = nil

	switch {
	case e.mode == logic.ModeDetection:
		events = append(events, e.detect(now)...)
	case e.session != nil && e.session.collecting:
		events = append(events, e.calibrate(now)...)
	}

	return append(events, e.flushSaves(now)...)
}

func (e *Engine) detect(now time.Time) []Event {
	e.cursor = (e.cursor + 1) % len(e.channels)
	i := e.cursor

	strength, ok := e.measure(i)
	if !ok {
		return nil
	}
	if !logic.Observe(&e.states[i], e.records[i], strength, e.cfg.BootstrapThreshold, now, e.cfg.Debounce) {
		return nil
	}

	ch := e.channels[i]
	st := e.states[i]
	e.rec.Transitioned(ch, st.Submerged)

	typ := EventDrained
	if st.Submerged {
		typ = EventSubmerged
	}
	e.log.Info("state changed",
		zap.Int("channel", ch.Index),
		zap.String("location", ch.Location),
		zap.String("event", string(typ)),
		zap.Int("strength", strength))

	ev := e.event(typ, now, i)
	ev.Submerged = st.Submerged
	ev.Strength = strength
	ev.Calibrated = e.records[i].Calibrated
	return []Event{ev}
}

// measure samples channel i. A failed measurement counts as no sample.
func (e *Engine) measure(i int) (int, bool) {
	ch := e.channels[i]
	start := e.clock()
	strength, err := e.sampler.Measure(ch)
	if err != nil {
		e.states[i].SampleErrors++
		e.rec.SampleFailed(ch)
		e.log.Warn("measure failed", zap.Int("channel", ch.Index), zap.Error(err))
		return 0, false
	}
	e.rec.Sampled(ch, strength, e.clock().Sub(start))
	return strength, true
}

func (e *Engine) flushSaves(now time.Time) []Event {
	var events []Event
	for i, ch := range e.channels {
		if e.session != nil && e.session.target == i {
			continue
		}
		if !logic.SaveDue(e.states[i], now, e.cfg.SaveCooldown) {
			continue
		}

		stamped, err := e.store.Save(ch.StoreKey, e.records[i])
		if err != nil {
			permanent := nvram.IsPermanent(err)
			if permanent {
				e.states[i].PendingSave = false
			} else {
				e.states[i].LastSaveRequest = now
			}
			e.rec.RecordSaveFailed(ch, permanent)
			e.log.Error("save calibration failed",
				zap.Int("channel", ch.Index),
				zap.Bool("permanent", permanent),
				zap.Error(err))

			ev := e.event(EventSaveFailed, now, i)
			ev.Permanent = permanent
			ev.Err = err.Error()
			events = append(events, ev)
			continue
		}

		e.records[i] = stamped
		e.states[i].PendingSave = false
		e.rec.RecordSaved(ch)
		e.log.Info("calibration saved",
			zap.Int("channel", ch.Index),
			zap.Int32("threshold", stamped.Threshold),
			zap.Bool("inverted", stamped.Inverted))

		ev := e.event(EventRecordSaved, now, i)
		ev.Calibrated = stamped.Calibrated
		ev.Threshold = int(stamped.Threshold)
		ev.Inverted = stamped.Inverted
		events = append(events, ev)
	}
	return events
}

// Handle applies an operator command. A rejected command returns an error
// wrapping ErrRejected and changes nothing.
func (e *Engine) Handle(cmd Command) ([]Event, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	events, err := e.handle(cmd, e.clock())
	if err != nil {
		e.rec.CommandRejected(cmd.Kind, rejectReason(err))
		e.log.Info("command rejected",
			zap.String("command", string(cmd.Kind)),
			zap.Int("channel", cmd.Channel),
			zap.Stringer("mode", e.mode),
			zap.Error(err))
		return nil, err
	}
	return events, nil
}

func (e *Engine) handle(cmd Command, now time.Time) ([]Event, error) {
	next, err := logic.NextMode(e.mode, cmd.Kind)
	switch {
	case errors.Is(err, logic.ErrUnknownCommand):
		return nil, fmt.Errorf("%w: %v", ErrInvalidCommand, err)
	case err != nil:
		return nil, fmt.Errorf("%w: %v", ErrOutOfContext, err)
	}

	switch cmd.Kind {
	case logic.CmdBeginManual, logic.CmdBeginAuto:
		return e.setMode(next, now, NoChannel), nil

	case logic.CmdSelect, logic.CmdAutoCalibrate:
		i, ok := e.position(cmd.Channel)
		if !ok {
			return nil, fmt.Errorf("%w: %d", ErrInvalidChannel, cmd.Channel)
		}
		return e.startSession(i, next, now), nil

	case logic.CmdConfirm:
		if e.session == nil {
			return nil, fmt.Errorf("%w: no session", ErrOutOfContext)
		}
		if e.session.collecting {
			return nil, ErrBusy
		}
		return e.confirm(now), nil

	case logic.CmdCancel:
		return e.cancel(now), nil

	case logic.CmdAdjust:
		i, ok := e.position(cmd.Channel)
		if !ok {
			return nil, fmt.Errorf("%w: %d", ErrInvalidChannel, cmd.Channel)
		}
		if !e.records[i].Calibrated {
			return nil, fmt.Errorf("%w: %d", ErrNotCalibrated, cmd.Channel)
		}
		return e.adjust(i, cmd.Delta, now), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrInvalidCommand, cmd.Kind)
}

func (e *Engine) adjust(i, delta int, now time.Time) []Event {
	rec := &e.records[i]
	before := int(rec.Threshold)
	rec.Threshold = int32(logic.ClampThreshold(before+delta, e.sampler.Trials()))
	logic.RequestSave(&e.states[i], now)

	e.log.Info("threshold adjusted",
		zap.Int("channel", e.channels[i].Index),
		zap.Int("from", before),
		zap.Int32("to", rec.Threshold))

	ev := e.event(EventThresholdAdjusted, now, i)
	ev.Calibrated = rec.Calibrated
	ev.Threshold = int(rec.Threshold)
	ev.Inverted = rec.Inverted
	return []Event{ev}
}

func (e *Engine) setMode(m logic.Mode, now time.Time, i int) []Event {
	if m == e.mode {
		return nil
	}
	e.log.Info("mode changed", zap.Stringer("from", e.mode), zap.Stringer("to", m))
	e.mode = m
	e.rec.ModeChanged(m)
	return []Event{e.event(EventModeChanged, now, i)}
}

// position maps a channel index to its slot.
func (e *Engine) position(index int) (int, bool) {
	for i, ch := range e.channels {
		if ch.Index == index {
			return i, true
		}
	}
	return 0, false
}

// event builds an event stamped with now, the current mode and channel i
// (NoChannel for engine-wide events).
func (e *Engine) event(typ EventType, now time.Time, i int) Event {
	ev := Event{
		Timestamp: now,
		Type:      typ,
		Channel:   NoChannel,
		Mode:      e.mode.String(),
	}
	if i >= 0 && i < len(e.channels) {
		ev.Channel = e.channels[i].Index
		ev.Location = e.channels[i].Location
	}
	return ev
}

// Mode returns the current engine mode.
func (e *Engine) Mode() logic.Mode {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.mode
}

// Channels returns the channel table in index order.
func (e *Engine) Channels() []logic.Channel {
	out := make([]logic.Channel, len(e.channels))
	copy(out, e.channels)
	return out
}

// Record returns the in-memory record for a channel index.
func (e *Engine) Record(index int) (logic.Record, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	i, ok := e.position(index)
	if !ok {
		return logic.Record{}, false
	}
	return e.records[i], true
}

// Observations reports every channel's current state.
func (e *Engine) Observations() []Observation {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]Observation, len(e.channels))
	for i, ch := range e.channels {
		rec, st := e.records[i], e.states[i]
		out[i] = Observation{
			Index:        ch.Index,
			Location:     ch.Location,
			HeightCM:     ch.HeightCM,
			Submerged:    st.Submerged,
			Strength:     st.Strength,
			Calibrated:   rec.Calibrated,
			Threshold:    int(rec.Threshold),
			Inverted:     rec.Inverted,
			PendingSave:  st.PendingSave,
			SampleErrors: st.SampleErrors,
			LastSampled:  st.LastSampled,
		}
	}
	return out
}

// Session reports the running calibration session, if any.
func (e *Engine) Session() (SessionStatus, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := e.session
	if s == nil {
		return SessionStatus{}, false
	}
	ch := e.channels[s.target]
	return SessionStatus{
		ID:         s.id,
		Channel:    ch.Index,
		Location:   ch.Location,
		Auto:       s.auto,
		Phase:      s.phase(e.mode),
		Collecting: s.collecting,
		Samples:    len(s.samples),
		Elapsed:    e.clock().Sub(s.phaseStart),
	}, true
}

// Flush writes every pending record immediately, ignoring the cooldown.
// The run loop calls it at shutdown. A running session's target is skipped.
func (e *Engine) Flush() []Event {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.clock()
	for i := range e.states {
		if e.session != nil && e.session.target == i {
			continue
		}
		if e.states[i].PendingSave {
			e.states[i].LastSaveRequest = now.Add(-e.cfg.SaveCooldown)
		}
	}
	return e.flushSaves(now)
}
