package standby

import (
	"sync"
	"time"
)

// Bits is a small set of signal flags.
type Bits uint8

const (
	// BitCancel asks the watch worker to exit.
	BitCancel Bits = 1 << 0
	// BitReset restarts the deadline without exiting.
	BitReset Bits = 1 << 1
)

// Signal is a set of sticky flags with a single blocking waiter.
type Signal struct {
	mu     sync.Mutex
	bits   Bits
	notify chan struct{}
}

func NewSignal() *Signal {
	return &Signal{notify: make(chan struct{}, 1)}
}

// Set raises bits and wakes the waiter.
func (s *Signal) Set(b Bits) {
	s.mu.Lock()
	s.bits |= b
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Clear lowers bits without waking anyone.
func (s *Signal) Clear(b Bits) {
	s.mu.Lock()
	s.bits &^= b
	s.mu.Unlock()
}

// WaitAny blocks until any bit in mask is raised or timeout elapses. Matched
// bits are cleared and returned; ok is false on timeout.
func (s *Signal) WaitAny(mask Bits, timeout time.Duration) (got Bits, ok bool) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		s.mu.Lock()
		if got = s.bits & mask; got != 0 {
			s.bits &^= got
			s.mu.Unlock()
			return got, true
		}
		s.mu.Unlock()

		select {
		case <-s.notify:
		case <-timer.C:
			return 0, false
		}
	}
}
