package clock

import (
	"sort"
	"sync"
	"time"
)

// Manual provides a controllable clock for deterministic tests.
type Manual struct {
	mu     sync.Mutex
	now    time.Time
	timers []*manualTimer
}

type manualTimer struct {
	clock   *Manual
	at      time.Time
	f       func()
	stopped bool
	fired   bool
}

// NewManual constructs a Manual clock starting at the supplied time.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start.UTC()}
}

// Now returns the current manual time.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// AfterFunc registers f to run when the clock is advanced past d. A
// non-positive d runs f before AfterFunc returns.
func (m *Manual) AfterFunc(d time.Duration, f func()) Timer {
	m.mu.Lock()
	timer := &manualTimer{clock: m, at: m.now.Add(d), f: f}
	if d <= 0 {
		timer.fired = true
		m.mu.Unlock()
		f()
		return timer
	}
	m.timers = append(m.timers, timer)
	m.mu.Unlock()
	return timer
}

// Advance moves time forward by d and runs every due callback in deadline
// order. Callbacks run without the clock's lock held, so they may schedule
// new timers; those only fire on a later Advance.
func (m *Manual) Advance(d time.Duration) time.Time {
	if d < 0 {
		d = 0
	}
	m.mu.Lock()
	m.now = m.now.Add(d)
	now := m.now

	var due []*manualTimer
	remaining := m.timers[:0]
	for _, timer := range m.timers {
		switch {
		case timer.stopped:
		case timer.at.After(now):
			remaining = append(remaining, timer)
		default:
			timer.fired = true
			due = append(due, timer)
		}
	}
	m.timers = remaining
	m.mu.Unlock()

	sort.SliceStable(due, func(i, j int) bool { return due[i].at.Before(due[j].at) })
	for _, timer := range due {
		timer.f()
	}
	return now
}

// Pending returns the number of scheduled timers that have not fired.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, timer := range m.timers {
		if !timer.stopped {
			n++
		}
	}
	return n
}

func (t *manualTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}
