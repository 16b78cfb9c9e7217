package config

import "testing"

func TestDefaultPopulatesQueueSize(t *testing.T) {
	c := Default()
	if c.ReplicaMessageQueueSize <= 0 {
		t.Fatalf("expected a positive default queue size, got %d", c.ReplicaMessageQueueSize)
	}
	if c.ReplayPreprocessorEnabled {
		t.Fatalf("expected preprocessor disabled by default")
	}
	if c.ReplayPreprocessorThreads <= 0 {
		t.Fatalf("expected a positive default preprocessor thread count")
	}
}
