package election

import (
	"context"
	"testing"
	"time"
)

func TestStaticAmISyncedMatchesCurrentMaster(t *testing.T) {
	s := NewStatic("node-a")
	d, err := s.AmISynced(context.Background(), "node-a")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !d.InSync || d.Current != "node-a" {
		t.Fatalf("expected in-sync with node-a, got %+v", d)
	}

	d, err = s.AmISynced(context.Background(), "node-b")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.InSync {
		t.Fatalf("expected out-of-sync against believed master node-b")
	}
}

func TestStaticAwaitMasterChangeUnblocksOnSetMaster(t *testing.T) {
	s := NewStatic("node-a")
	done := make(chan string, 1)
	go func() {
		name, err := s.AwaitMasterChange(context.Background(), "node-a")
		if err != nil {
			t.Errorf("unexpected error: %v", err)
			return
		}
		done <- name
	}()

	time.Sleep(10 * time.Millisecond)
	s.SetMaster("node-b")

	select {
	case name := <-done:
		if name != "node-b" {
			t.Fatalf("expected node-b, got %s", name)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for master change")
	}
}

func TestStaticAwaitMasterChangeRespectsContext(t *testing.T) {
	s := NewStatic("node-a")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := s.AwaitMasterChange(ctx, "node-a"); err == nil {
		t.Fatal("expected context deadline error")
	}
}
