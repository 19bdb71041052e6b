package financial

import "time"

// Clock supplies the current time to the billing aggregates. They read it
// through the package-level clock so tests can pin issue, due, and paid
// timestamps to known instants.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// MockClock is a Clock frozen at a settable instant
type MockClock struct {
	now time.Time
}

// NewMockClock returns a clock pinned to the given instant
func NewMockClock(now time.Time) *MockClock {
	return &MockClock{now: now}
}

func (m *MockClock) Now() time.Time {
	return m.now
}

// Advance moves the clock forward by d
func (m *MockClock) Advance(d time.Duration) {
	m.now = m.now.Add(d)
}

var clock Clock = systemClock{}

// SetClock swaps the package clock and returns a restore function for
// tests to defer.
func SetClock(c Clock) func() {
	prev := clock
	clock = c
	return func() { clock = prev }
}
