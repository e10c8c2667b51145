package logic

import "time"

// Classify turns a strength score into a submerged decision.
// Uncalibrated channels fall back to the global bootstrap threshold.
func Classify(rec Record, strength, bootstrapThreshold int) bool {
	if !rec.Calibrated {
		return strength > bootstrapThreshold
	}
	if rec.Inverted {
		return strength > int(rec.Threshold)
	}
	return strength < int(rec.Threshold)
}

// Debounce decides whether a raw decision replaces the reported one.
// A change is accepted only once window has elapsed since the last accepted
// transition; inside the window the current value stands.
// Returns the value to report and whether a transition was accepted.
func Debounce(current, raw bool, lastTransition, now time.Time, window time.Duration) (bool, bool) {
	if raw == current {
		return current, false
	}
	if now.Sub(lastTransition) < window {
		return current, false
	}
	return raw, true
}

// Observe runs one classified sample through the channel's debounce state.
// Returns true if the reported state changed.
func Observe(st *ChannelState, rec Record, strength, bootstrapThreshold int, now time.Time, window time.Duration) bool {
	st.Strength = strength
	st.LastSampled = now

	raw := Classify(rec, strength, bootstrapThreshold)
	reported, accepted := Debounce(st.Submerged, raw, st.LastTransition, now, window)
	if !accepted {
		return false
	}

	st.Submerged = reported
	st.LastTransition = now
	return true
}

// SaveDue reports whether a pending save has cooled down long enough to be
// written.
func SaveDue(st ChannelState, now time.Time, cooldown time.Duration) bool {
	return st.PendingSave && now.Sub(st.LastSaveRequest) >= cooldown
}

// RequestSave marks a channel's record for debounced persistence. Repeated
// requests push the write out, so bursts coalesce into one write.
func RequestSave(st *ChannelState, now time.Time) {
	st.PendingSave = true
	st.LastSaveRequest = now
}
