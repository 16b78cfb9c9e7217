// Package cancel provides the engine's one shutdown primitive: a one-shot
// signal that carries an attached cause and notifies registered waiters
// exactly once. The node's shutdown (replica.Node) and the lock table's
// cancellable lock waits reduce to "trip this signal with an error".
package cancel

import "sync"

// Signal is tripped at most once. Handlers registered before or after the
// trip are always invoked with the same cause; a handler registered after
// the trip is invoked immediately, synchronously, from OnTrip.
type Signal struct {
	mu       sync.RWMutex
	tripped  bool
	cause    error
	handlers []func(cause error)
}

// NewSignal returns an untripped Signal.
func NewSignal() *Signal {
	return &Signal{}
}

// Tripped reports whether Trip has been called.
func (s *Signal) Tripped() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tripped
}

// Cause returns the cause passed to Trip, or nil if not yet tripped.
func (s *Signal) Cause() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cause
}

// OnTrip registers handler to run when the signal trips. If already
// tripped, handler runs immediately, synchronously, with the existing
// cause.
func (s *Signal) OnTrip(handler func(cause error)) {
	if handler == nil {
		return
	}

	s.mu.Lock()
	if s.tripped {
		cause := s.cause
		s.mu.Unlock()
		handler(cause)
		return
	}
	s.handlers = append(s.handlers, handler)
	s.mu.Unlock()
}

// Trip trips the signal with cause. Subsequent calls are no-ops: the first
// cause wins. Handlers run synchronously, in registration order, after the
// internal lock is released.
func (s *Signal) Trip(cause error) {
	s.mu.Lock()
	if s.tripped {
		s.mu.Unlock()
		return
	}
	s.tripped = true
	s.cause = cause
	handlers := make([]func(error), len(s.handlers))
	copy(handlers, s.handlers)
	s.mu.Unlock()

	for _, h := range handlers {
		h(cause)
	}
}

// Done returns a channel that is closed once the signal trips. Safe to call
// repeatedly; every call returns a channel that closes at the same moment.
func (s *Signal) Done() <-chan struct{} {
	ch := make(chan struct{})
	s.OnTrip(func(error) { close(ch) })
	return ch
}

// Any returns a Signal that trips as soon as any of signals trips, with
// that signal's cause. A nil or empty signals returns a Signal that never
// trips on its own.
func Any(signals ...*Signal) *Signal {
	combined := NewSignal()
	var once sync.Once
	for _, sig := range signals {
		if sig == nil {
			continue
		}
		sig.OnTrip(func(cause error) {
			once.Do(func() { combined.Trip(cause) })
		})
	}
	return combined
}
