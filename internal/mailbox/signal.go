package mailbox

import (
	"context"
	"sync"
	"time"

	"code.hybscloud.com/iox"
)

// Signal is a broadcast-once latch. Goroutines may block on it, park on it
// inside a select, register a continuation, or poll it. All of them observe
// the same flag, flipped under one lock.
type Signal struct {
	mu      sync.Mutex
	set     bool
	done    chan struct{}
	waiters []func()
}

func NewSignal() *Signal {
	return &Signal{done: make(chan struct{})}
}

// Set marks the signal satisfied and releases every current and future
// waiter. Calling Set more than once has no further effect.
func (s *Signal) Set() {
	s.mu.Lock()
	if s.set {
		s.mu.Unlock()
		return
	}
	s.set = true
	close(s.done)
	waiters := s.waiters
	s.waiters = nil
	s.mu.Unlock()

	for _, fn := range waiters {
		fn()
	}
}

func (s *Signal) IsSet() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.set
}

// Done returns a channel closed once the signal is set.
func (s *Signal) Done() <-chan struct{} {
	return s.done
}

// Notify runs fn once the signal is set. If it is already set, fn runs on the
// calling goroutine before Notify returns.
func (s *Signal) Notify(fn func()) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	if s.set {
		s.mu.Unlock()
		fn()
		return
	}
	s.waiters = append(s.waiters, fn)
	s.mu.Unlock()
}

// TryWait returns nil if the signal is set and iox.ErrWouldBlock otherwise.
func (s *Signal) TryWait() error {
	if s.IsSet() {
		return nil
	}
	return iox.ErrWouldBlock
}

// Wait blocks the calling goroutine until the signal is set or the timeout
// expires. It reports whether the signal was set.
func (s *Signal) Wait(timeout Timeout) (bool, error) {
	return s.WaitContext(context.Background(), timeout)
}

// WaitContext parks only the calling goroutine until the signal is set, the
// timeout expires, or ctx ends. When ctx ends first it returns ctx.Err().
func (s *Signal) WaitContext(ctx context.Context, timeout Timeout) (bool, error) {
	if err := timeout.Validate(); err != nil {
		return false, err
	}
	select {
	case <-s.done:
		return true, nil
	default:
	}
	if timeout.Immediate() {
		return false, nil
	}

	var expired <-chan time.Time
	if timeout.Bounded() {
		timer := time.NewTimer(timeout.Duration())
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case <-s.done:
		return true, nil
	case <-expired:
		return s.IsSet(), nil
	case <-ctx.Done():
		if s.IsSet() {
			return true, nil
		}
		return false, ctx.Err()
	}
}
