package common

import (
	"sync"
	"time"
)

// TimerScope owns one deadline timer and at most one repeating progress timer.
// Clear stops both and may be called any number of times from any goroutine.
type TimerScope struct {
	mu       sync.Mutex
	timeout  *time.Timer
	progress *time.Ticker
	stop     chan struct{}
	cleared  bool
}

// NewTimerScope arms the deadline. onTimeout runs on its own goroutine.
func NewTimerScope(timeout time.Duration, onTimeout func()) *TimerScope {
	s := &TimerScope{}
	s.timeout = time.AfterFunc(timeout, func() {
		s.mu.Lock()
		cleared := s.cleared
		s.mu.Unlock()
		if !cleared {
			onTimeout()
		}
	})
	return s
}

// StartProgress arms the repeating timer, replacing a previous one. No-op after Clear.
func (s *TimerScope) StartProgress(interval time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cleared {
		return
	}
	s.stopProgressLocked()

	ticker := time.NewTicker(interval)
	stop := make(chan struct{})
	s.progress = ticker
	s.stop = stop

	go func() {
		for {
			select {
			case <-ticker.C:
				fn()
			case <-stop:
				return
			}
		}
	}()
}

// StopProgress stops the repeating timer and keeps the deadline armed
func (s *TimerScope) StopProgress() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopProgressLocked()
}

func (s *TimerScope) stopProgressLocked() {
	if s.progress == nil {
		return
	}
	s.progress.Stop()
	close(s.stop)
	s.progress = nil
	s.stop = nil
}

// Clear stops both timers
func (s *TimerScope) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cleared {
		return
	}
	s.cleared = true
	s.stopProgressLocked()
	if s.timeout != nil {
		s.timeout.Stop()
		s.timeout = nil
	}
}

// Active reports which timers are still armed
func (s *TimerScope) Active() (timeout, progress bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timeout != nil, s.progress != nil
}
