package syncer

import (
	"sync"
	"time"
)

// pushScheduler collapses bursts of local edits into one outbound write:
// each Schedule call re-arms a debounce timer, and fires are additionally
// held to a minimum interval since the previous fire (the throttle floor).
// It is an explicit component, not ad-hoc timers, so it can be unit-tested
// with a fake clock.
type pushScheduler struct {
	clock       Clock
	debounce    time.Duration
	minInterval time.Duration
	flush       func()

	mu       sync.Mutex
	timer    Timer
	pending  bool
	lastFire time.Time
}

func newPushScheduler(clock Clock, debounce, minInterval time.Duration, flush func()) *pushScheduler {
	return &pushScheduler{
		clock:       clock,
		debounce:    debounce,
		minInterval: minInterval,
		flush:       flush,
	}
}

// Schedule arms (or re-arms) the debounce timer.
func (s *pushScheduler) Schedule() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pending = true
	delay := s.debounce
	if s.minInterval > 0 {
		earliest := s.lastFire.Add(s.minInterval)
		if next := s.clock.Now().Add(delay); next.Before(earliest) {
			delay = earliest.Sub(s.clock.Now())
		}
	}
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = s.clock.AfterFunc(delay, s.fire)
}

func (s *pushScheduler) fire() {
	s.mu.Lock()
	if !s.pending {
		s.mu.Unlock()
		return
	}
	s.pending = false
	s.lastFire = s.clock.Now()
	s.mu.Unlock()

	s.flush()
}

// Stop cancels any armed timer and drops the pending flag.
func (s *pushScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
	}
	s.pending = false
}
