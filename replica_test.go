package replica

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/joeycumines/go-replica/config"
	"github.com/joeycumines/go-replica/errs"
	"github.com/joeycumines/go-replica/handshake"
	"github.com/joeycumines/go-replica/locktable"
	"github.com/joeycumines/go-replica/roletransition"
	"github.com/joeycumines/go-replica/storage"
	"github.com/joeycumines/go-replica/vlsn"
	"github.com/joeycumines/go-replica/wire"
)

// fakeChannel is an in-memory wire.Channel test double: Read replays a
// fixed slice of messages, then blocks until closed.
type fakeChannel struct {
	mu       sync.Mutex
	name     wire.Name
	in       []wire.Message
	inPos    int
	out      []wire.Message
	open     bool
	closedCh chan struct{}
}

func newFakeChannel(in []wire.Message) *fakeChannel {
	return &fakeChannel{name: wire.Name{NodeName: "master", ID: 1}, in: in, open: true, closedCh: make(chan struct{})}
}

func (c *fakeChannel) Read() (wire.Message, error) {
	for {
		c.mu.Lock()
		if !c.open {
			c.mu.Unlock()
			return wire.Message{}, &wire.IoError{Channel: c.name, Cause: io.ErrClosedPipe}
		}
		if c.inPos < len(c.in) {
			m := c.in[c.inPos]
			c.inPos++
			c.mu.Unlock()
			return m, nil
		}
		c.mu.Unlock()
		select {
		case <-c.closedCh:
			return wire.Message{}, &wire.IoError{Channel: c.name, Cause: io.ErrClosedPipe}
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func (c *fakeChannel) Write(m wire.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.open {
		return &wire.IoError{Channel: c.name, Cause: io.ErrClosedPipe}
	}
	c.out = append(c.out, m)
	return nil
}

func (c *fakeChannel) SetReadTimeout(time.Duration) {}

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.open {
		c.open = false
		close(c.closedCh)
	}
	return nil
}

func (c *fakeChannel) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

func (c *fakeChannel) Name() wire.Name { return c.name }

// fakeLocalLog is an in-memory handshake.LocalLog with a single record
// already at the offered match point, so sync-up never needs a rollback.
type fakeLocalLog struct {
	records []handshake.LocalRecord
}

func (l *fakeLocalLog) ScanBackward(_ context.Context, visit func(handshake.LocalRecord) bool) error {
	for i := len(l.records) - 1; i >= 0; i-- {
		if !visit(l.records[i]) {
			break
		}
	}
	return nil
}

func (l *fakeLocalLog) WriteRollbackStart(context.Context, handshake.RollbackStart) error { return nil }
func (l *fakeLocalLog) WriteRollbackEnd(context.Context, handshake.RollbackEnd) error     { return nil }

func lsn(file, offset int64) vlsn.LSN { return vlsn.LSN{FileNumber: file, Offset: offset} }

func acceptedHandshake() wire.Message {
	return wire.Message{
		Kind:          wire.KindHandshakeResponse,
		HandshakeResp: &wire.HandshakeResponse{NodeName: "master", Version: 1, Accepted: true},
	}
}

func TestNodeRunSyncsUpAndShutsDownCleanly(t *testing.T) {
	ch := newFakeChannel([]wire.Message{
		acceptedHandshake(),
		wire.NewSyncOffer(wire.SyncOffer{Candidates: []vlsn.VLSN{5}}),
		wire.NewShutdownRequest(wire.ShutdownRequest{ShutdownTime: time.Now()}),
	})

	n := NewNode(config.Default(), func(context.Context, string) (wire.Channel, error) {
		return ch, nil
	}, storage.NewMemory(), &fakeLocalLog{
		records: []handshake.LocalRecord{{LSN: lsn(1, 10), VLSN: 5, TxnID: 1, Durable: true}},
	})
	n.NodeName = "replica-1"

	err := n.Run(context.Background(), "master")

	var groupShutdown *errs.GroupShutdown
	if !errors.As(err, &groupShutdown) {
		t.Fatalf("expected GroupShutdown after the shutdown protocol, got %v", err)
	}
}

func TestNodeRunEscalatesDuplicateNodeAfterBudget(t *testing.T) {
	dialCalls := 0
	n := NewNode(config.Default(), func(context.Context, string) (wire.Channel, error) {
		dialCalls++
		return newFakeChannel([]wire.Message{
			{Kind: wire.KindHandshakeResponse, HandshakeResp: &wire.HandshakeResponse{Accepted: false, Reason: "duplicate node"}},
		}), nil
	}, storage.NewMemory(), &fakeLocalLog{})
	n.loop.Sleep = time.Millisecond

	err := n.Run(context.Background(), "master")

	var protoErr *errs.ProtocolError
	if !errors.As(err, &protoErr) {
		t.Fatalf("expected escalation to ProtocolError, got %v", err)
	}
	if dialCalls < 2 {
		t.Fatalf("expected at least one retry before escalation, got %d dial calls", dialCalls)
	}
}

func TestNodeRunWrapsDialFailureAsRetryableTransport(t *testing.T) {
	n := NewNode(config.Default(), func(context.Context, string) (wire.Channel, error) {
		return nil, errors.New("connection refused")
	}, storage.NewMemory(), &fakeLocalLog{})
	n.loop.Sleep = time.Millisecond

	err := n.Run(context.Background(), "master")

	var transport *errs.RetryableTransport
	if !errors.As(err, &transport) {
		t.Fatalf("expected RetryableTransport, got %v", err)
	}
}

func TestNodeShutdownIsIdempotentAndReleasesConsistencyWaiters(t *testing.T) {
	n := NewNode(config.Default(), func(context.Context, string) (wire.Channel, error) {
		return nil, errors.New("unused")
	}, storage.NewMemory(), &fakeLocalLog{})
	n.init()

	errCh := make(chan error, 1)
	go func() {
		errCh <- n.Consistency.AwaitVLSN(context.Background(), 100)
	}()
	time.Sleep(5 * time.Millisecond)

	n.Shutdown()
	n.Shutdown() // idempotent

	select {
	case err := <-errCh:
		if err == nil {
			t.Fatal("expected AwaitVLSN to fail once the node shuts down")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for AwaitVLSN to be released by Shutdown")
	}

	if !n.abort.Tripped() {
		t.Fatal("expected the node's abort signal to be tripped")
	}
}

func TestNodeDemoteAndPromoteDelegateToRoleTransitions(t *testing.T) {
	n := NewNode(config.Default(), nil, storage.NewMemory(), &fakeLocalLog{})
	n.init()

	masterLocker := n.Locks.NewLocker(false, false)
	rec := n.Locks.RecordID("k")
	if _, err := n.Locks.Lock(context.Background(), rec, masterLocker, locktable.Write, false); err != nil {
		t.Fatalf("unexpected lock error: %v", err)
	}

	txn := roletransition.NewMasterTxn(1, masterLocker)
	n.Roles.Track(txn)

	n.DemoteToReplica(true)

	if n.Locks.IsOwner(rec, masterLocker) {
		t.Fatal("expected the master locker to no longer own the record after demotion")
	}
	if txn.Status() != roletransition.StatusAborted {
		t.Fatalf("expected the converted txn to be aborted, got %v", txn.Status())
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- n.Consistency.AwaitVLSN(context.Background(), 100)
	}()
	time.Sleep(5 * time.Millisecond)
	n.PromoteToMaster(nil)

	select {
	case err := <-errCh:
		if err == nil {
			t.Fatal("expected AwaitVLSN to fail after promotion trips the tracker")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for promotion to release the waiter")
	}
}
