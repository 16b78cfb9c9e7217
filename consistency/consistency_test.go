package consistency

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/joeycumines/go-replica/vlsn"
)

// scenario 1 from the spec: straight replay.
func TestTrackTxnEndAdvancesVLSNAndTripsLatches(t *testing.T) {
	tr := New()
	tr.TrackHeartbeat(time.Unix(1000, 0), Heartbeat{MasterNow: time.Unix(1000, 0), MasterVLSN: 10})

	done := make(chan error, 1)
	go func() {
		done <- tr.AwaitVLSN(context.Background(), 12)
	}()
	time.Sleep(10 * time.Millisecond)

	tr.TrackVLSN(11)
	tr.TrackTxnEnd(time.Unix(1001, 0), TxnEnd{VLSN: 12, MasterCommitTime: time.Unix(1001, 0)})

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for AwaitVLSN")
	}

	if got := tr.LastReplayedVLSN(); got != vlsn.VLSN(12) {
		t.Fatalf("expected last replayed vlsn 12, got %v", got)
	}
}

// scenario 2 from the spec: lag wait release. current_lag is driven to
// 8000ms (replica behind on VLSN, master committed 8s ago relative to
// "now"); the tracked master commit time is then moved to 3000ms before
// "now" and a heartbeat re-evaluates the lag, which drops below the 5s
// policy threshold.
func TestAwaitLagReleasesOnHeartbeat(t *testing.T) {
	tr := New()
	start := time.Unix(1000, 0)
	tr.TrackHeartbeat(start, Heartbeat{MasterNow: start})
	tr.TrackTxnEnd(start, TxnEnd{VLSN: 1, MasterCommitTime: start})
	// replica has not replayed past vlsn 1, so it is "behind" once the
	// master reports a later committed vlsn below.
	tr.TrackHeartbeat(start, Heartbeat{MasterNow: start, MasterVLSN: 2})
	tr.mu.Lock()
	tr.masterTxnEndVLSN = 2
	tr.mu.Unlock()

	now := start.Add(8 * time.Second)
	if lag := tr.currentLagMillisLocked(now); lag < 8000 {
		t.Fatalf("expected simulated lag >= 8000ms, got %d", lag)
	}

	waiterErr := make(chan error, 1)
	go func() {
		waiterErr <- tr.AwaitLag(context.Background(), 5000)
	}()
	time.Sleep(10 * time.Millisecond)

	// advance the tracked commit time to 3s behind "now": lag drops to 3000ms.
	tr.mu.Lock()
	tr.masterTxnEndTime = now.Add(-3 * time.Second)
	tr.mu.Unlock()
	tr.TrackHeartbeat(now, Heartbeat{MasterNow: now})

	select {
	case err := <-waiterErr:
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for lag release")
	}
}

func TestForceTripAllResolvesOutstandingAwaits(t *testing.T) {
	tr := New()
	cause := errors.New("group shutdown")

	done := make(chan error, 1)
	go func() {
		done <- tr.AwaitVLSN(context.Background(), 100)
	}()
	time.Sleep(10 * time.Millisecond)

	tr.ForceTripAll(cause)

	select {
	case err := <-done:
		if !errors.Is(err, cause) {
			t.Fatalf("expected cause, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for force trip")
	}

	// subsequent awaits also resolve immediately with the same cause.
	if err := tr.AwaitVLSN(context.Background(), 1); !errors.Is(err, cause) {
		t.Fatalf("expected sticky cause after force trip, got %v", err)
	}
}

func TestAwaitVLSNReturnsImmediatelyIfAlreadySatisfied(t *testing.T) {
	tr := New()
	tr.TrackVLSN(50)
	if err := tr.AwaitVLSN(context.Background(), 10); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestAwaitVLSNRespectsContextDeadline(t *testing.T) {
	tr := New()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := tr.AwaitVLSN(ctx, 999); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}
