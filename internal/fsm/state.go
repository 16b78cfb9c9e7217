// Package fsm provides a small lock-free state machine for observing and
// transitioning a component's lifecycle without a mutex; the replay
// pipeline uses it to track its replayer and writer stages.
package fsm

import "sync/atomic"

// State is a lifecycle stage. Values are intentionally small and ordered so
// that IsRunning/IsTerminal remain cheap range checks.
type State uint32

const (
	// Awake is the initial stage: created, not yet started.
	Awake State = iota
	// Running indicates the component is actively doing work.
	Running
	// Idle indicates the component is blocked waiting for work (e.g. a
	// goroutine parked on a channel receive).
	Idle
	// Stopping indicates shutdown has been requested but not completed.
	Stopping
	// Stopped is terminal.
	Stopped
)

func (s State) String() string {
	switch s {
	case Awake:
		return "awake"
	case Running:
		return "running"
	case Idle:
		return "idle"
	case Stopping:
		return "stopping"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Cell is an atomic State cell. The zero value starts at Awake.
type Cell struct {
	v atomic.Uint32
}

// Load returns the current state.
func (c *Cell) Load() State { return State(c.v.Load()) }

// Store unconditionally sets the state. Use for irreversible transitions
// (Stopped); prefer TryTransition for reversible ones (Running <-> Idle).
func (c *Cell) Store(s State) { c.v.Store(uint32(s)) }

// TryTransition attempts an atomic compare-and-swap from -> to, returning
// whether it succeeded.
func (c *Cell) TryTransition(from, to State) bool {
	return c.v.CompareAndSwap(uint32(from), uint32(to))
}

// TransitionAny attempts a CAS from any of validFrom to to, in order,
// returning whether one succeeded.
func (c *Cell) TransitionAny(validFrom []State, to State) bool {
	for _, from := range validFrom {
		if c.v.CompareAndSwap(uint32(from), uint32(to)) {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the state is Stopped.
func (c *Cell) IsTerminal() bool { return c.Load() == Stopped }

// IsRunning reports whether the state is Running or Idle (i.e. the
// component is alive and not yet shutting down).
func (c *Cell) IsRunning() bool {
	switch c.Load() {
	case Running, Idle:
		return true
	default:
		return false
	}
}
