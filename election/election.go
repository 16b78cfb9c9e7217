// Package election defines the replay engine's external election/consensus
// collaborator: only the two operations the core loop actually needs from
// it, per the spec's framing that leader election itself is out of scope.
package election

import (
	"context"
	"sync"
)

// Decision is the election layer's answer to "should the replica keep
// trusting its current believed master".
type Decision struct {
	// Current is the election layer's name for the node it currently
	// considers master. Empty if no master is currently recognized.
	Current string
	// InSync reports whether the replica's believed master still matches
	// the election layer's view.
	InSync bool
}

// Authority is the election/consensus collaborator. The replay pipeline
// consults AmISynced before it replays each message; Node.Run calls
// AwaitMasterChange to wait out an election after a
// hard-recovery-needs-election signal.
type Authority interface {
	// AmISynced reports whether believedMaster is still the node this
	// replica should be following.
	AmISynced(ctx context.Context, believedMaster string) (Decision, error)
	// AwaitMasterChange blocks until the election layer resolves a new
	// master (or ctx is done), returning its name.
	AwaitMasterChange(ctx context.Context, believedMaster string) (string, error)
}

// Static is a fixed-answer Authority test double: AmISynced always reports
// against a single configured master name, and AwaitMasterChange blocks
// until the configured master differs from the believed one. Tests mutate the
// current master via SetMaster to simulate an election result.
type Static struct {
	mu     sync.Mutex
	master string
	notify chan struct{}
}

// NewStatic returns a Static collaborator that currently believes master
// is the group's leader.
func NewStatic(master string) *Static {
	return &Static{master: master, notify: make(chan struct{})}
}

// SetMaster updates the election layer's view of the current master,
// waking any goroutine blocked in AwaitMasterChange.
func (s *Static) SetMaster(master string) {
	s.mu.Lock()
	s.master = master
	old := s.notify
	s.notify = make(chan struct{})
	s.mu.Unlock()
	close(old)
}

func (s *Static) current() (string, chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.master, s.notify
}

// AmISynced reports InSync true iff believedMaster equals the currently
// configured master.
func (s *Static) AmISynced(_ context.Context, believedMaster string) (Decision, error) {
	current, _ := s.current()
	return Decision{Current: current, InSync: current == believedMaster}, nil
}

// AwaitMasterChange blocks until the configured master differs from
// believedMaster, or ctx is done.
func (s *Static) AwaitMasterChange(ctx context.Context, believedMaster string) (string, error) {
	for {
		current, notify := s.current()
		if current != believedMaster {
			return current, nil
		}
		select {
		case <-notify:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}
