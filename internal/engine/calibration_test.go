package engine

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sweeney/level-sensor/internal/calstore"
	"github.com/sweeney/level-sensor/internal/logic"
)

const manualStep = 100 * time.Millisecond

// manualPhase confirms and ticks until the phase's samples are in.
func (h *harness) manualPhase(t *testing.T, strength int, next logic.Mode) []Event {
	t.Helper()
	h.sampler.set(0, strength)
	events := h.handle(t, logic.CmdConfirm, 0)
	return append(events, h.tickUntil(t, next, manualStep, 20)...)
}

func TestManualCalibrationScenario(t *testing.T) {
	h := newHarness(t, 1, nil)
	h.tick(0)

	events := h.handle(t, logic.CmdBeginManual, 0)
	require.Len(t, events, 1)
	assert.Equal(t, "SELECTING_MANUAL", events[0].Mode)

	events = h.handle(t, logic.CmdSelect, 0)
	require.Len(t, events, 1)
	assert.Equal(t, EventModeChanged, events[0].Type)
	assert.Equal(t, "session-1", events[0].Session)
	assert.Equal(t, logic.ModeManualDry, h.e.Mode())

	// Nothing is sampled until the operator confirms.
	calls := len(h.sampler.calls)
	h.tick(time.Second)
	assert.Len(t, h.sampler.calls, calls)

	dry := h.manualPhase(t, 3, logic.ModeManualWet)
	done := ofType(dry, EventPhaseComplete)
	require.Len(t, done, 1)
	assert.Equal(t, PhaseDry, done[0].Phase)
	assert.Equal(t, 3, done[0].Baseline)
	assert.Equal(t, 10, done[0].Samples)
	assert.Equal(t, 0.0, done[0].Noise)
	assert.Len(t, h.sampler.calls, calls+10)

	obs := h.e.Observations()
	assert.True(t, obs[0].PendingSave, "dry baseline awaits save")

	wet := h.manualPhase(t, 42, logic.ModeDetection)
	complete := ofType(wet, EventCalibrationDone)
	require.Len(t, complete, 1)
	assert.Equal(t, 22, complete[0].Threshold)
	assert.True(t, complete[0].Inverted)
	assert.Equal(t, 39, complete[0].Margin)
	assert.Equal(t, logic.QualityStrong, complete[0].Quality)

	_, ok := h.e.Session()
	assert.False(t, ok)
	assert.Equal(t, 0, h.dev.Writes(), "manual completion waits for the cooldown")

	var saved []Event
	for i := 0; i < 40; i++ {
		saved = append(saved, ofType(h.tick(time.Second), EventRecordSaved)...)
	}
	require.Len(t, saved, 1)
	assert.Equal(t, 1, h.dev.Writes())

	rec, err := h.store.Load(0)
	require.NoError(t, err)
	assert.Equal(t, logic.Record{
		DryBaseline: 3, WetBaseline: 42, Threshold: 22,
		Inverted: true, Calibrated: true, Checksum: rec.Checksum,
	}, rec)

	assert.True(t, logic.Classify(rec, 30, 25))
	assert.False(t, logic.Classify(rec, 10, 25))
}

func TestManualNoiseIsReported(t *testing.T) {
	h := newHarness(t, 1, nil)
	h.handle(t, logic.CmdBeginManual, 0)
	h.handle(t, logic.CmdSelect, 0)

	h.sampler.set(0, 2, 4, 4, 4, 5, 5, 7, 9, 4, 6)
	h.handle(t, logic.CmdConfirm, 0)
	events := h.tickUntil(t, logic.ModeManualWet, manualStep, 20)

	done := ofType(events, EventPhaseComplete)
	require.Len(t, done, 1)
	assert.Equal(t, 5, done[0].Baseline)
	assert.Greater(t, done[0].Noise, 1.5)
}

// autoRun drives an auto session from AUTO_DRY to DETECTION.
func (h *harness) autoRun(t *testing.T, dry, wet int) []Event {
	t.Helper()
	h.sampler.set(0, dry)
	events := h.tickUntil(t, logic.ModeAutoWet, 300*time.Millisecond, 20)
	h.sampler.set(0, wet)
	return append(events, h.tickUntil(t, logic.ModeDetection, 300*time.Millisecond, 20)...)
}

func TestAutoCalibrationPolarity(t *testing.T) {
	cases := []struct {
		name      string
		dry, wet  int
		threshold int
		inverted  bool
	}{
		{"attenuating", 45, 5, 25, false},
		{"reflecting", 3, 42, 22, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, 1, nil)
			h.tick(0)

			events := h.handle(t, logic.CmdAutoCalibrate, 0)
			started := ofType(events, EventPhaseStarted)
			require.Len(t, started, 1)
			assert.Equal(t, PhaseDry, started[0].Phase)

			events = h.autoRun(t, tc.dry, tc.wet)

			wetStart := ofType(events, EventPhaseStarted)
			require.Len(t, wetStart, 1)
			assert.Equal(t, PhaseWet, wetStart[0].Phase)

			phases := ofType(events, EventPhaseComplete)
			require.Len(t, phases, 2)
			assert.Equal(t, tc.dry, phases[0].Baseline)
			assert.Equal(t, tc.wet, phases[1].Baseline)
			assert.Equal(t, 9, phases[0].Samples, "3s window at 300ms spacing, closed on the tenth tick")

			require.Len(t, ofType(events, EventRecordSaved), 1, "auto completion saves on the same tick")
			assert.Equal(t, 1, h.dev.Writes())

			rec, err := h.store.Load(0)
			require.NoError(t, err)
			assert.True(t, rec.Calibrated)
			assert.Equal(t, int32(tc.threshold), rec.Threshold)
			assert.Equal(t, tc.inverted, rec.Inverted)
		})
	}
}

func TestAutoViaSelection(t *testing.T) {
	h := newHarness(t, 2, nil)
	h.handle(t, logic.CmdBeginAuto, 0)
	assert.Equal(t, logic.ModeSelectingAuto, h.e.Mode())

	events := h.handle(t, logic.CmdSelect, 1)
	assert.Equal(t, logic.ModeAutoDry, h.e.Mode())
	require.Len(t, ofType(events, EventPhaseStarted), 1)

	st, ok := h.e.Session()
	require.True(t, ok)
	assert.Equal(t, 1, st.Channel)
	assert.Equal(t, "knee", st.Location)
	assert.True(t, st.Auto)
	assert.True(t, st.Collecting)

	h.tick(0)
	assert.Equal(t, []int{1}, h.sampler.calls, "calibration samples only the target")
}

func TestAutoSampleCap(t *testing.T) {
	h := newHarness(t, 1, nil)
	cfg := testConfig()
	cfg.AutoMaxSamples = 4
	e, err := New(testChannels(1), h.sampler, h.store, WithConfig(cfg), WithClock(h.clock.Now))
	require.NoError(t, err)
	h.e = e

	h.handle(t, logic.CmdAutoCalibrate, 0)
	events := h.tickUntil(t, logic.ModeAutoWet, 300*time.Millisecond, 20)
	done := ofType(events, EventPhaseComplete)
	require.Len(t, done, 1)
	assert.Equal(t, 4, done[0].Samples)
}

func TestZeroSamplesFallBack(t *testing.T) {
	t.Run("no prior", func(t *testing.T) {
		h := newHarness(t, 1, nil)
		h.sampler.err = errors.New("detector unplugged")
		h.handle(t, logic.CmdAutoCalibrate, 0)

		events := h.tickUntil(t, logic.ModeDetection, 300*time.Millisecond, 40)
		phases := ofType(events, EventPhaseComplete)
		require.Len(t, phases, 2)
		assert.Equal(t, 0, phases[0].Samples)
		assert.Equal(t, 0, phases[0].Baseline)
		assert.Equal(t, 0, phases[1].Baseline)

		complete := ofType(events, EventCalibrationDone)
		require.Len(t, complete, 1)
		assert.Equal(t, logic.QualityWeak, complete[0].Quality)
	})

	t.Run("prior calibration", func(t *testing.T) {
		h := newHarness(t, 1, map[int]logic.Record{0: calibrated})
		h.sampler.err = errors.New("detector unplugged")
		h.handle(t, logic.CmdAutoCalibrate, 0)

		events := h.tickUntil(t, logic.ModeDetection, 300*time.Millisecond, 40)
		phases := ofType(events, EventPhaseComplete)
		require.Len(t, phases, 2)
		assert.Equal(t, 45, phases[0].Baseline)
		assert.Equal(t, 5, phases[1].Baseline)

		rec, ok := h.e.Record(0)
		require.True(t, ok)
		assert.Equal(t, int32(25), rec.Threshold)
		assert.False(t, rec.Inverted)
	})

	t.Run("manual no prior", func(t *testing.T) {
		h := newHarness(t, 1, nil)
		h.sampler.err = errors.New("detector unplugged")
		h.handle(t, logic.CmdBeginManual, NoChannel)
		h.handle(t, logic.CmdSelect, 0)

		h.handle(t, logic.CmdConfirm, NoChannel)
		events := h.tickUntil(t, logic.ModeManualWet, 100*time.Millisecond, 20)
		h.handle(t, logic.CmdConfirm, NoChannel)
		events = append(events, h.tickUntil(t, logic.ModeDetection, 100*time.Millisecond, 20)...)

		phases := ofType(events, EventPhaseComplete)
		require.Len(t, phases, 2)
		assert.Equal(t, 0, phases[0].Samples)
		assert.Equal(t, 0, phases[0].Baseline)
		assert.Equal(t, 0, phases[1].Baseline)

		complete := ofType(events, EventCalibrationDone)
		require.Len(t, complete, 1)
		assert.Equal(t, logic.QualityWeak, complete[0].Quality)
	})

	t.Run("manual prior calibration", func(t *testing.T) {
		h := newHarness(t, 1, map[int]logic.Record{0: calibrated})
		h.sampler.err = errors.New("detector unplugged")
		h.handle(t, logic.CmdBeginManual, NoChannel)
		h.handle(t, logic.CmdSelect, 0)

		h.handle(t, logic.CmdConfirm, NoChannel)
		events := h.tickUntil(t, logic.ModeManualWet, 100*time.Millisecond, 20)
		h.handle(t, logic.CmdConfirm, NoChannel)
		events = append(events, h.tickUntil(t, logic.ModeDetection, 100*time.Millisecond, 20)...)

		phases := ofType(events, EventPhaseComplete)
		require.Len(t, phases, 2)
		assert.Equal(t, 45, phases[0].Baseline)
		assert.Equal(t, 5, phases[1].Baseline)
		require.Len(t, ofType(events, EventCalibrationDone), 1)
	})

	t.Run("manual partial failure", func(t *testing.T) {
		h := newHarness(t, 1, nil)
		h.sampler.set(0, 40)
		h.handle(t, logic.CmdBeginManual, NoChannel)
		h.handle(t, logic.CmdSelect, 0)
		h.handle(t, logic.CmdConfirm, NoChannel)

		// Half the phase succeeds, then the detector dies.
		var events []Event
		for i := 0; i < testConfig().ManualSamples/2; i++ {
			events = append(events, h.tick(100*time.Millisecond)...)
		}
		h.sampler.err = errors.New("detector unplugged")
		events = append(events, h.tickUntil(t, logic.ModeManualWet, 100*time.Millisecond, 20)...)

		phases := ofType(events, EventPhaseComplete)
		require.Len(t, phases, 1)
		assert.Equal(t, testConfig().ManualSamples/2, phases[0].Samples)
		assert.Equal(t, 40, phases[0].Baseline)
	})
}

func TestCancelRestoresEverything(t *testing.T) {
	prior := logic.Record{DryBaseline: 40, WetBaseline: 8, Threshold: 24, Calibrated: true}

	cases := []struct {
		name  string
		drive func(t *testing.T, h *harness)
	}{
		{"selecting manual", func(t *testing.T, h *harness) {
			h.handle(t, logic.CmdBeginManual, 0)
		}},
		{"manual dry before confirm", func(t *testing.T, h *harness) {
			h.handle(t, logic.CmdBeginManual, 0)
			h.handle(t, logic.CmdSelect, 0)
		}},
		{"manual dry collecting", func(t *testing.T, h *harness) {
			h.handle(t, logic.CmdBeginManual, 0)
			h.handle(t, logic.CmdSelect, 0)
			h.sampler.set(0, 1)
			h.handle(t, logic.CmdConfirm, 0)
			h.tick(manualStep)
			h.tick(manualStep)
			h.tick(time.Minute)
		}},
		{"manual wet", func(t *testing.T, h *harness) {
			h.handle(t, logic.CmdBeginManual, 0)
			h.handle(t, logic.CmdSelect, 0)
			h.manualPhase(t, 1, logic.ModeManualWet)
			// The dry baseline's save request matures but the target is skipped.
			h.tick(time.Minute)
		}},
		{"manual wet collecting", func(t *testing.T, h *harness) {
			h.handle(t, logic.CmdBeginManual, 0)
			h.handle(t, logic.CmdSelect, 0)
			h.manualPhase(t, 1, logic.ModeManualWet)
			h.handle(t, logic.CmdConfirm, 0)
			h.tick(manualStep)
		}},
		{"selecting auto", func(t *testing.T, h *harness) {
			h.handle(t, logic.CmdBeginAuto, 0)
		}},
		{"auto dry", func(t *testing.T, h *harness) {
			h.handle(t, logic.CmdAutoCalibrate, 0)
			h.sampler.set(0, 1)
			h.tick(300 * time.Millisecond)
		}},
		{"auto wet", func(t *testing.T, h *harness) {
			h.handle(t, logic.CmdAutoCalibrate, 0)
			h.sampler.set(0, 1)
			h.tickUntil(t, logic.ModeAutoWet, 300*time.Millisecond, 20)
			h.sampler.set(0, 49)
			h.tick(300 * time.Millisecond)
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, 1, map[int]logic.Record{0: prior})
			h.tick(0)

			before, err := h.store.Raw(0)
			require.NoError(t, err)
			recBefore, _ := h.e.Record(0)
			obsBefore := h.e.Observations()[0]

			tc.drive(t, h)

			events := h.handle(t, logic.CmdCancel, 0)
			require.Len(t, ofType(events, EventCalibrationAborted), 1)
			assert.Equal(t, logic.ModeDetection, h.e.Mode())
			_, running := h.e.Session()
			assert.False(t, running)

			recAfter, _ := h.e.Record(0)
			assert.Equal(t, recBefore, recAfter)
			assert.Equal(t, obsBefore.PendingSave, h.e.Observations()[0].PendingSave)

			for i := 0; i < 5; i++ {
				h.tick(time.Minute)
			}
			after, err := h.store.Raw(0)
			require.NoError(t, err)
			assert.Equal(t, before, after, "stored bytes unchanged")
			assert.Equal(t, 0, h.dev.Writes())
		})
	}
}

func TestCancelKeepsEarlierPendingSave(t *testing.T) {
	h := newHarness(t, 2, map[int]logic.Record{0: calibrated, 1: calibrated})

	_, err := h.e.Handle(Command{Kind: logic.CmdAdjust, Channel: 0, Delta: 4})
	require.NoError(t, err)

	h.handle(t, logic.CmdAutoCalibrate, 0)
	h.tick(time.Minute)
	assert.Equal(t, 0, h.dev.Writes(), "session target is never written")

	h.handle(t, logic.CmdCancel, 0)
	rec, _ := h.e.Record(0)
	assert.Equal(t, int32(29), rec.Threshold, "adjustment made before the session survives")

	saved := ofType(h.tick(time.Second), EventRecordSaved)
	require.Len(t, saved, 1)
	got, err := calstore.New(h.dev).Load(0)
	require.NoError(t, err)
	assert.Equal(t, int32(29), got.Threshold)
}

func TestOtherChannelsSaveDuringSession(t *testing.T) {
	h := newHarness(t, 2, map[int]logic.Record{0: calibrated, 1: calibrated})

	_, err := h.e.Handle(Command{Kind: logic.CmdAdjust, Channel: 1, Delta: -2})
	require.NoError(t, err)
	h.handle(t, logic.CmdAutoCalibrate, 0)

	saved := ofType(h.tick(30*time.Second), EventRecordSaved)
	require.Len(t, saved, 1)
	assert.Equal(t, 1, saved[0].Channel)
	assert.True(t, h.e.Mode().Calibrating())
}
