package clock

import (
	"sync"
	"time"
)

// Slot owns at most one pending callback. Arming a slot that is already
// armed cancels the previous callback first. A callback that was superseded
// after its timer already fired is dropped.
type Slot struct {
	clock    Clock
	mu       sync.Mutex
	timer    Timer
	deadline time.Time
	gen      uint64
}

// NewSlot creates an empty slot driven by c
func NewSlot(c Clock) *Slot {
	return &Slot{clock: c}
}

// Set arms the slot to call f after d, replacing any pending callback
func (s *Slot) Set(d time.Duration, f func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.timer != nil {
		s.timer.Stop()
	}

	s.gen++
	gen := s.gen
	s.deadline = s.clock.Now().Add(d)
	s.timer = s.clock.AfterFunc(d, func() {
		s.mu.Lock()
		if s.gen != gen {
			s.mu.Unlock()
			return
		}
		s.timer = nil
		s.mu.Unlock()

		f()
	})
}

// Stop cancels the pending callback. Stopping an empty slot is a no-op.
// Returns true if a callback was pending.
func (s *Slot) Stop() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.timer == nil {
		return false
	}

	s.gen++
	s.timer.Stop()
	s.timer = nil
	return true
}

// Armed reports whether a callback is pending
func (s *Slot) Armed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timer != nil
}

// Remaining returns the time left before the pending callback fires,
// or zero when the slot is empty.
func (s *Slot) Remaining() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.timer == nil {
		return 0
	}
	left := s.deadline.Sub(s.clock.Now())
	if left < 0 {
		return 0
	}
	return left
}

// Ticker calls a function repeatedly at a fixed interval on top of a Clock.
type Ticker struct {
	slot     *Slot
	interval time.Duration
	f        func()

	mu      sync.Mutex
	stopped bool
}

// Every starts a Ticker calling f each interval until Stop is called
func Every(c Clock, interval time.Duration, f func()) *Ticker {
	t := &Ticker{
		slot:     NewSlot(c),
		interval: interval,
		f:        f,
	}
	t.schedule()
	return t
}

func (t *Ticker) schedule() {
	t.slot.Set(t.interval, func() {
		t.mu.Lock()
		stopped := t.stopped
		t.mu.Unlock()
		if stopped {
			return
		}

		t.schedule()
		t.f()
	})
}

// Stop halts future ticks
func (t *Ticker) Stop() {
	t.mu.Lock()
	t.stopped = true
	t.mu.Unlock()

	t.slot.Stop()
}
