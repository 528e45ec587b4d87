package clock

import (
	"slices"
	"sync"
	"time"
)

// Manual only moves when Advance is called. Timers created with After fire
// during the Advance that reaches their deadline, earliest first.
type Manual struct {
	mu      sync.Mutex
	now     time.Time
	waiters []waiter // sorted by deadline
}

type waiter struct {
	deadline time.Time
	ch       chan time.Time
}

// NewManual starts a Manual clock at start.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start.UTC()}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// After fires immediately for d <= 0.
func (m *Manual) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	m.mu.Lock()
	defer m.mu.Unlock()
	if d <= 0 {
		ch <- m.now
		return ch
	}
	w := waiter{deadline: m.now.Add(d), ch: ch}
	i, _ := slices.BinarySearchFunc(m.waiters, w.deadline, func(e waiter, t time.Time) int {
		if e.deadline.After(t) {
			return 1
		}
		return -1
	})
	m.waiters = slices.Insert(m.waiters, i, w)
	return ch
}

func (m *Manual) Sleep(d time.Duration) { <-m.After(d) }

// Advance moves the clock forward by d (negative values are ignored) and
// returns the new time.
func (m *Manual) Advance(d time.Duration) time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d > 0 {
		m.now = m.now.Add(d)
	}
	due := 0
	for due < len(m.waiters) && !m.waiters[due].deadline.After(m.now) {
		m.waiters[due].ch <- m.now
		due++
	}
	m.waiters = slices.Delete(m.waiters, 0, due)
	return m.now
}

// Pending reports how many timers have not fired yet.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.waiters)
}
