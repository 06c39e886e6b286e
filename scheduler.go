// This file contains the Scheduler, the single owner of every timer in pondsync. Timers are
// named by string keys; scheduling an existing key cancels and replaces the pending timer, which
// gives debounce, backoff, heartbeat and auto-expiry the same restartable semantics.
package pondsync

import (
	"strings"
	"sync"
	"time"
)

type Scheduler struct {
	clock  Clock
	mu     sync.Mutex
	timers map[string]*scheduled
	seq    uint64
	closed bool
}

type scheduled struct {
	id    uint64
	timer Timer
}

// NewScheduler creates a scheduler on top of clock. A nil clock uses the system clock.
func NewScheduler(clock Clock) *Scheduler {
	if clock == nil {
		clock = SystemClock()
	}
	return &Scheduler{
		clock:  clock,
		timers: make(map[string]*scheduled),
	}
}

// Now returns the scheduler's current time.
func (s *Scheduler) Now() time.Time {
	return s.clock.Now()
}

// Schedule runs fn once after delay. A pending timer under the same key is cancelled first.
// Scheduling on a closed scheduler is a no-op.
func (s *Scheduler) Schedule(key string, delay time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.stopLocked(key)

	s.seq++
	id := s.seq
	entry := &scheduled{id: id}
	s.timers[key] = entry
	entry.timer = s.clock.AfterFunc(delay, func() {
		if !s.claim(key, id, false, 0, nil) {
			return
		}
		fn()
	})
}

// Every runs fn every interval until the key is cancelled or replaced.
func (s *Scheduler) Every(key string, interval time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.stopLocked(key)

	s.seq++
	id := s.seq
	entry := &scheduled{id: id}
	s.timers[key] = entry
	s.armRepeating(entry, key, interval, fn)
}

func (s *Scheduler) armRepeating(entry *scheduled, key string, interval time.Duration, fn func()) {
	id := entry.id
	entry.timer = s.clock.AfterFunc(interval, func() {
		if !s.claim(key, id, true, interval, fn) {
			return
		}
		fn()
	})
}

// claim checks that the firing timer is still the current one for key. One-shot entries are
// removed; repeating entries are re-armed before the callback runs so it may cancel itself.
func (s *Scheduler) claim(key string, id uint64, repeat bool, interval time.Duration, fn func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.timers[key]
	if !ok || entry.id != id || s.closed {
		return false
	}
	if repeat {
		s.armRepeating(entry, key, interval, fn)
	} else {
		delete(s.timers, key)
	}
	return true
}

// Cancel stops the timer under key and reports whether one was pending.
func (s *Scheduler) Cancel(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopLocked(key)
}

// CancelPrefix stops every timer whose key starts with prefix and returns how many were pending.
func (s *Scheduler) CancelPrefix(prefix string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for key := range s.timers {
		if strings.HasPrefix(key, prefix) && s.stopLocked(key) {
			count++
		}
	}
	return count
}

// Pending reports whether a timer is scheduled under key.
func (s *Scheduler) Pending(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.timers[key]
	return ok
}

// Len returns the number of pending timers.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Close cancels every timer and rejects further scheduling.
func (s *Scheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key := range s.timers {
		s.stopLocked(key)
	}
	s.closed = true
}

func (s *Scheduler) stopLocked(key string) bool {
	entry, ok := s.timers[key]
	if !ok {
		return false
	}
	delete(s.timers, key)
	if entry.timer != nil {
		entry.timer.Stop()
	}
	return true
}
