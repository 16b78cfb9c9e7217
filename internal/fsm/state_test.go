package fsm

import "testing"

func TestCellTransitions(t *testing.T) {
	var c Cell
	if c.Load() != Awake {
		t.Fatalf("zero value should be Awake, got %v", c.Load())
	}
	if !c.TryTransition(Awake, Running) {
		t.Fatalf("expected Awake -> Running to succeed")
	}
	if c.TryTransition(Awake, Running) {
		t.Fatalf("expected repeat Awake -> Running to fail")
	}
	if !c.IsRunning() {
		t.Fatalf("expected IsRunning() after Running")
	}
	if !c.TransitionAny([]State{Idle, Running}, Stopping) {
		t.Fatalf("expected TransitionAny to match Running")
	}
	c.Store(Stopped)
	if !c.IsTerminal() {
		t.Fatalf("expected IsTerminal() after Store(Stopped)")
	}
	if c.IsRunning() {
		t.Fatalf("expected !IsRunning() once Stopped")
	}
}
