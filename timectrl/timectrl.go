package timectrl

import (
	"context"
	"sync"
	"time"
)

// Clock is the time source the poll loop sleeps on. It lets tests drive
// the loop without waiting on the wall clock.
type Clock interface {
	// Now returns the current time.
	Now() time.Time
	// After returns a channel that receives the time once d has elapsed.
	After(d time.Duration) <-chan time.Time
}

// RealClock reads the wall clock.
type RealClock struct{}

func (RealClock) Now() time.Time                         { return time.Now() }
func (RealClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Sleep waits for d on clock, returning early with ctx's error when ctx is
// cancelled first.
func Sleep(ctx context.Context, clock Clock, d time.Duration) error {
	if clock == nil {
		clock = RealClock{}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-clock.After(d):
		return nil
	}
}

// ManualClock is a Clock whose time only moves when a sleeper asks for it.
// Every After call advances the clock by d and fires immediately, so a loop
// driven by it runs as fast as it can while still observing its cadence.
type ManualClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

// NewManualClock returns a clock starting at start.
func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{now: start}
}

// Now returns the current manual time.
func (m *ManualClock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// After advances the clock by d and returns an already-fired channel.
func (m *ManualClock) After(d time.Duration) <-chan time.Time {
	m.mu.Lock()
	m.now = m.now.Add(d)
	m.sleeps = append(m.sleeps, d)
	now := m.now
	m.mu.Unlock()

	ch := make(chan time.Time, 1)
	ch <- now
	return ch
}

// Sleeps returns every duration requested through After, in order.
func (m *ManualClock) Sleeps() []time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]time.Duration, len(m.sleeps))
	copy(out, m.sleeps)
	return out
}

// SimTime accumulates simulated time from the step length the simulator
// publishes. It is advanced once per poll iteration.
type SimTime struct {
	mu      sync.RWMutex
	elapsed time.Duration
}

// Advance adds one step of deltaT seconds.
func (s *SimTime) Advance(deltaT float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if deltaT > 0 {
		s.elapsed += time.Duration(deltaT * float64(time.Second))
	}
}

// Elapsed returns the simulated time accumulated so far.
func (s *SimTime) Elapsed() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.elapsed
}
