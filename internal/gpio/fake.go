package gpio

import "fmt"

// FakeDriver is a test double that returns scripted detector values.
type FakeDriver struct {
	// Reads contains scripted detector values per channel.
	// Each ReadDetector call consumes the next value; once exhausted the last
	// value repeats.
	Reads map[int][]bool

	// Bursts counts DriveEmitter calls per channel.
	Bursts map[int]int

	// LastBurst is the burst spec from the most recent DriveEmitter call.
	LastBurst Burst

	// DriveError, if set, will be returned by DriveEmitter.
	DriveError error

	// ReadError, if set, will be returned by ReadDetector.
	ReadError error

	// Wrap restarts each script from the beginning once exhausted instead of
	// repeating the last value.
	Wrap bool

	// Closed tracks if Close was called.
	Closed bool

	index map[int]int
}

// NewFakeDriver creates a FakeDriver with the given per-channel reads.
func NewFakeDriver(reads map[int][]bool) *FakeDriver {
	if reads == nil {
		reads = make(map[int][]bool)
	}
	return &FakeDriver{
		Reads:  reads,
		Bursts: make(map[int]int),
		index:  make(map[int]int),
	}
}

// DriveEmitter records the burst.
func (f *FakeDriver) DriveEmitter(channel int, burst Burst) error {
	if f.DriveError != nil {
		return f.DriveError
	}
	if _, ok := f.Reads[channel]; !ok {
		return fmt.Errorf("%w: %d", ErrUnknownChannel, channel)
	}
	f.Bursts[channel]++
	f.LastBurst = burst
	return nil
}

// ReadDetector returns the next scripted value for the channel.
func (f *FakeDriver) ReadDetector(channel int) (bool, error) {
	if f.ReadError != nil {
		return false, f.ReadError
	}

	reads, ok := f.Reads[channel]
	if !ok || len(reads) == 0 {
		return false, fmt.Errorf("%w: %d", ErrUnknownChannel, channel)
	}

	i := f.index[channel]
	if i >= len(reads) {
		i = len(reads) - 1
	}
	v := reads[i]
	switch {
	case f.Wrap:
		f.index[channel] = (i + 1) % len(reads)
	case i < len(reads)-1:
		f.index[channel] = i + 1
	}
	return v, nil
}

// SetStrength scripts a wrapping pattern so every trials-long measurement of
// channel scores hits.
func (f *FakeDriver) SetStrength(channel, hits, trials int) {
	f.Wrap = true
	f.Reads[channel] = Pattern(hits, trials)
	f.index[channel] = 0
}

// Close marks the driver as closed.
func (f *FakeDriver) Close() error {
	f.Closed = true
	return nil
}

// Reset rewinds all scripted reads.
func (f *FakeDriver) Reset() {
	f.index = make(map[int]int)
	f.Bursts = make(map[int]int)
	f.Closed = false
}

// Pattern builds a read script of n values where the first hits are true.
func Pattern(hits, n int) []bool {
	out := make([]bool, n)
	for i := 0; i < hits && i < n; i++ {
		out[i] = true
	}
	return out
}
