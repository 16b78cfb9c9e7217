// Package storage defines the replay engine's external storage-engine
// collaborator: the local KV engine that entries are actually applied
// to. The engine core only depends on this small interface, never on a
// concrete storage implementation.
package storage

import (
	"context"
	"sync"

	"github.com/joeycumines/go-replica/vlsn"
	"github.com/joeycumines/go-replica/wire"
)

// Engine is the storage collaborator the replayer applies entries to.
type Engine interface {
	// Apply durably applies e's effect (a put, delete, commit, or abort)
	// to local storage.
	Apply(ctx context.Context, e wire.Entry) error
	// Checkpoint forces a checkpoint. minimizeRecovery requests the
	// fastest-recovery variant used during the group-shutdown protocol.
	Checkpoint(ctx context.Context, minimizeRecovery bool) error
	// Truncate discards any local log content at or after lsn, used
	// during sync-up rollback.
	Truncate(ctx context.Context, lsn vlsn.LSN) error
}

// Memory is an in-memory Engine test double: a simple key/value map
// driven directly by Entry.Kind and Entry.RecordKey, with no real log or
// LSN bookkeeping beyond recording every LSN passed to Truncate.
type Memory struct {
	mu          sync.Mutex
	data        map[string]string
	checkpoints int
	truncations []vlsn.LSN
}

// NewMemory returns an empty Memory engine.
func NewMemory() *Memory {
	return &Memory{data: make(map[string]string)}
}

// Apply applies e to the in-memory map: put/delete key off e.RecordKey,
// with e.Payload as the opaque value; commit/abort are no-ops, since the
// double has no separate write-ahead state to finalize.
func (m *Memory) Apply(_ context.Context, e wire.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch e.Kind {
	case wire.EntryPut:
		m.data[e.RecordKey] = string(e.Payload)
	case wire.EntryDelete:
		delete(m.data, e.RecordKey)
	case wire.EntryCommit, wire.EntryAbort:
		// no-op for the in-memory double: puts/deletes already landed.
	}
	return nil
}

func (m *Memory) Checkpoint(context.Context, bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkpoints++
	return nil
}

func (m *Memory) Truncate(_ context.Context, lsn vlsn.LSN) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.truncations = append(m.truncations, lsn)
	return nil
}

// Get returns the current value for key, for test assertions.
func (m *Memory) Get(key string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	return v, ok
}

// Checkpoints returns how many times Checkpoint was called.
func (m *Memory) Checkpoints() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.checkpoints
}
