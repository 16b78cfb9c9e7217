// Package config models the subset of the embedding node's configuration
// this engine consumes. Parsing config files/flags is out of scope — the
// embedding node populates a Config and passes it in, so every component
// that needs, say, the replay queue size gets it from one typed source
// instead of an ad hoc parameter threaded through every constructor.
package config

import "time"

// Config holds the replica's tunables, with the documented defaults.
type Config struct {
	// ReplicaMessageQueueSize bounds the replay and preprocessor queues.
	ReplicaMessageQueueSize int

	// ReplayPreprocessorEnabled turns on the preprocessor pool.
	ReplayPreprocessorEnabled bool
	// ReplayPreprocessorThreads sizes the preprocessor pool.
	ReplayPreprocessorThreads int

	// ReplayMaxOpenDBHandles bounds the DB-id cache.
	ReplayMaxOpenDBHandles int
	// ReplayDBHandleTimeout bounds how long a DB-id cache entry survives.
	ReplayDBHandleTimeout time.Duration

	// PreHeartbeatTimeout is the per-read timeout before the first
	// heartbeat arrives.
	PreHeartbeatTimeout time.Duration
	// ReplicaFeederChannelTimeout is the per-read timeout during steady
	// state, once the replay stream's first heartbeat has been read.
	ReplicaFeederChannelTimeout time.Duration

	// TestReplicaDelayMs is an artificial per-message delay, tests only.
	TestReplicaDelayMs int

	// DiskPath is the filesystem path the reader's disk-limit check
	// monitors free space on; empty disables the check.
	DiskPath string
	// DiskMinFreeBytes is the free-space floor the disk-limit check
	// enforces: at or below this, the reader aborts with DiskLimit.
	DiskMinFreeBytes uint64
}

// Default returns a Config populated with the documented defaults.
func Default() Config {
	return Config{
		ReplicaMessageQueueSize:     1000,
		ReplayPreprocessorEnabled:   false,
		ReplayPreprocessorThreads:   4,
		ReplayMaxOpenDBHandles:      500,
		ReplayDBHandleTimeout:       5 * time.Minute,
		PreHeartbeatTimeout:         30 * time.Second,
		ReplicaFeederChannelTimeout: 30 * time.Second,
		TestReplicaDelayMs:          0,
	}
}
