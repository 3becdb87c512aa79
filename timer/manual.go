package timer

import (
	"sort"
	"time"
)

// Manual is a deterministic Service for tests. Time only moves on Advance.
type Manual struct {
	// Capacity limits the number of pending timers; 0 means unlimited.
	Capacity int

	now     time.Time
	next    Handle
	pending []manualTimer
}

type manualTimer struct {
	h        Handle
	deadline time.Time
	fn       func()
}

// NewManual returns a Manual service whose clock starts at start.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

func (m *Manual) Now() time.Time { return m.now }

func (m *Manual) Register(deadline time.Time, fn func()) (Handle, error) {
	if m.Capacity > 0 && len(m.pending) >= m.Capacity {
		return 0, ErrOutOfResources
	}
	m.next++
	m.pending = append(m.pending, manualTimer{h: m.next, deadline: deadline, fn: fn})
	sort.SliceStable(m.pending, func(i, j int) bool {
		return m.pending[i].deadline.Before(m.pending[j].deadline)
	})
	return m.next, nil
}

func (m *Manual) Deregister(h Handle) {
	for i, t := range m.pending {
		if t.h == h {
			m.pending = append(m.pending[:i], m.pending[i+1:]...)
			return
		}
	}
}

// Pending reports the number of registered timers that have not fired.
func (m *Manual) Pending() int { return len(m.pending) }

// Advance moves the clock forward by d, firing every timer that falls due
// in deadline order. Timers registered by callbacks fire too if they fall
// due before the new time.
func (m *Manual) Advance(d time.Duration) {
	target := m.now.Add(d)
	for len(m.pending) > 0 && !m.pending[0].deadline.After(target) {
		t := m.pending[0]
		m.pending = m.pending[1:]
		if t.deadline.After(m.now) {
			m.now = t.deadline
		}
		t.fn()
	}
	m.now = target
}
