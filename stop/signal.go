// Package stop provides the cooperative stop signal shared by every
// blocking wait in the ingestion engine. All sleeps and polls go through
// Signal.Wait so that cancellation propagates within one poll interval.
package stop

import (
	"sync"
	"time"
)

// Signal is a process-wide (or per-tracker) cooperative stop flag.
// Setting it is idempotent and never raises; waiters observe it and
// unwind gracefully.
type Signal struct {
	once sync.Once
	ch   chan struct{}
}

// New creates an unset Signal.
func New() *Signal {
	return &Signal{ch: make(chan struct{})}
}

// Set fires the signal. Safe to call multiple times from any goroutine.
func (s *Signal) Set() {
	s.once.Do(func() { close(s.ch) })
}

// IsSet reports whether the signal has fired.
func (s *Signal) IsSet() bool {
	select {
	case <-s.ch:
		return true
	default:
		return false
	}
}

// Chan returns a channel closed when the signal fires, for use in
// select loops.
func (s *Signal) Chan() <-chan struct{} {
	return s.ch
}

// Wait sleeps for d or until the signal fires, whichever comes first.
// Returns true if the signal fired (before or during the wait).
func (s *Signal) Wait(d time.Duration) bool {
	if s.IsSet() {
		return true
	}
	if d <= 0 {
		return false
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-s.ch:
		return true
	case <-timer.C:
		return false
	}
}
