package endpoint

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// TimerListener is notified when a Timer armed via Schedule fires.
type TimerListener interface {
	OnTimeout()
}

// Timer is a single-shot, reschedulable alarm, per spec.md §6.2. Scheduling
// a new timeout while one is already armed replaces it; Destroy disarms the
// timer permanently.
type Timer interface {
	Schedule(listener TimerListener, milliseconds int)
	Destroy()
	GetRemainingTime() time.Duration
}

// Scheduler creates Timers and drives their expiry. Per spec.md §9's
// single-threaded cooperative model, a Timer never fires on a goroutine of
// its own: Poll must be called periodically from whatever thread already
// drives the rest of the endpoint (the same thread feeding AsDataSink), and
// any timer whose deadline has passed fires its listener synchronously from
// inside that call.
type Scheduler interface {
	CreateTimer() (Timer, error)
	Poll()
}

type clockScheduler struct {
	clock clockwork.Clock

	mu     sync.Mutex
	timers map[*clockTimer]struct{}
}

// NewScheduler returns a Scheduler backed by clock. A nil clock uses
// clockwork.NewRealClock().
func NewScheduler(clock clockwork.Clock) Scheduler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &clockScheduler{clock: clock, timers: make(map[*clockTimer]struct{})}
}

func (s *clockScheduler) CreateTimer() (Timer, error) {
	return &clockTimer{clock: s.clock, scheduler: s}, nil
}

// Poll fires every armed timer whose deadline is at or before the clock's
// current time, then forgets it. Call this periodically (e.g. from a ticker
// the host owns) from the same thread that feeds AsDataSink; it is the only
// path through which a Timer's listener ever runs.
func (s *clockScheduler) Poll() {
	now := s.clock.Now()

	s.mu.Lock()
	due := make([]*clockTimer, 0, len(s.timers))
	for t := range s.timers {
		due = append(due, t)
	}
	s.mu.Unlock()

	for _, t := range due {
		t.mu.Lock()
		fire := t.armed && !now.Before(t.deadline)
		var listener TimerListener
		if fire {
			t.armed = false
			listener = t.listener
		}
		t.mu.Unlock()
		if !fire {
			continue
		}
		s.unregister(t)
		listener.OnTimeout()
	}
}

func (s *clockScheduler) register(t *clockTimer) {
	s.mu.Lock()
	s.timers[t] = struct{}{}
	s.mu.Unlock()
}

func (s *clockScheduler) unregister(t *clockTimer) {
	s.mu.Lock()
	delete(s.timers, t)
	s.mu.Unlock()
}

type clockTimer struct {
	clock     clockwork.Clock
	scheduler *clockScheduler

	mu       sync.Mutex
	armed    bool
	deadline time.Time
	listener TimerListener
}

func (t *clockTimer) Schedule(listener TimerListener, milliseconds int) {
	dur := time.Duration(milliseconds) * time.Millisecond
	t.mu.Lock()
	t.armed = true
	t.deadline = t.clock.Now().Add(dur)
	t.listener = listener
	t.mu.Unlock()
	t.scheduler.register(t)
}

func (t *clockTimer) Destroy() {
	t.mu.Lock()
	t.armed = false
	t.mu.Unlock()
	t.scheduler.unregister(t)
}

func (t *clockTimer) GetRemainingTime() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.armed {
		return 0
	}
	d := t.deadline.Sub(t.clock.Now())
	if d < 0 {
		return 0
	}
	return d
}
