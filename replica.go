// Package replica is the root orchestrator: it wires connection setup
// (handshake and sync-up), the replay pipeline, role transitions, and the
// supervisor retry loop into one node-level entry point, and exposes the
// node-level control signals (shutdown, test delay, stream suppression)
// that sit above any single connection attempt.
package replica

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/joeycumines/go-replica/config"
	"github.com/joeycumines/go-replica/consistency"
	"github.com/joeycumines/go-replica/election"
	"github.com/joeycumines/go-replica/errs"
	"github.com/joeycumines/go-replica/handshake"
	"github.com/joeycumines/go-replica/internal/cancel"
	"github.com/joeycumines/go-replica/internal/logging"
	"github.com/joeycumines/go-replica/locktable"
	"github.com/joeycumines/go-replica/replay"
	"github.com/joeycumines/go-replica/roletransition"
	"github.com/joeycumines/go-replica/storage"
	"github.com/joeycumines/go-replica/supervisor"
	"github.com/joeycumines/go-replica/vlsn"
	"github.com/joeycumines/go-replica/wire"
)

// Dialer opens a connection to believedMaster, returning the wire.Channel
// the handshake and replay stages will use. Failures are wrapped as a
// retryable transport error unless already one of the engine's own typed
// errors (e.g. errs.ErrDuplicateNode).
type Dialer func(ctx context.Context, believedMaster string) (wire.Channel, error)

// Node is one replica's connection to its replication group: one node
// reconnects to its (possibly changing) master across many attempts,
// carrying its lock table, consistency tracker, and role-transition
// bookkeeping across every reconnect, while the wire channel and replay
// pipeline are rebuilt fresh each time.
type Node struct {
	Config   config.Config
	NodeName string

	Dial     Dialer
	Storage  storage.Engine
	LocalLog handshake.LocalLog
	Election election.Authority
	Logger   logging.Logger
	Metrics  replay.Metrics
	// Disk reports whether local disk usage has crossed its configured
	// limit; defaults to a Config.DiskPath-backed monitor, or a no-op if
	// DiskPath is empty.
	Disk replay.DiskMonitor

	Locks       *locktable.Table
	Consistency *consistency.Tracker
	Roles       *roletransition.Controller

	abort *cancel.Signal

	replayLocker locktable.LockerID
	pipeline     atomic.Pointer[replay.Pipeline]

	testDelayMs       atomic.Int64
	dontProcessStream atomic.Bool

	loop *supervisor.Loop
}

// NewNode constructs a Node, defaulting every collaborator not supplied.
func NewNode(cfg config.Config, dial Dialer, engine storage.Engine, localLog handshake.LocalLog) *Node {
	n := &Node{
		Config:   cfg,
		Dial:     dial,
		Storage:  engine,
		LocalLog: localLog,
	}
	n.init()
	return n
}

func (n *Node) init() {
	if n.Logger == nil {
		n.Logger = logging.Default()
	}
	if n.Metrics == nil {
		n.Metrics = replay.NoOpMetrics{}
	}
	if n.Disk == nil {
		if n.Config.DiskPath != "" {
			n.Disk = replay.StatfsDiskMonitor{Path: n.Config.DiskPath, MinFreeBytes: n.Config.DiskMinFreeBytes}
		} else {
			n.Disk = replay.NoOpDiskMonitor{}
		}
	}
	if n.Locks == nil {
		n.Locks = locktable.New(n.Logger)
	}
	if n.Consistency == nil {
		n.Consistency = consistency.New()
	}
	if n.Roles == nil {
		n.Roles = roletransition.NewController()
	}
	if n.abort == nil {
		n.abort = cancel.NewSignal()
	}
	if n.replayLocker == 0 {
		n.replayLocker = n.Locks.NewLocker(true, false)
	}
	if n.loop == nil {
		n.loop = supervisor.New()
	}
}

// Run drives the node for as long as ctx is live: connect, negotiate,
// sync up, replay; on a retryable failure the supervisor loop sleeps and
// retries within its per-class budget; on a hard-recovery-needs-election
// failure Run itself holds the election before the next attempt; any
// other failure, or budget exhaustion, ends Run.
func (n *Node) Run(ctx context.Context, initialMaster string) error {
	n.init()

	ctx, stop := n.withAbort(ctx)
	defer stop()

	believedMaster := initialMaster
	return n.loop.Run(ctx, func(ctx context.Context) error {
		err := n.attempt(ctx, believedMaster)
		if err == nil {
			return nil
		}

		var needsElection *errs.HardRecoveryNeedsElection
		if errors.As(err, &needsElection) {
			next, electErr := n.Election.AwaitMasterChange(ctx, believedMaster)
			if electErr != nil {
				return electErr
			}
			believedMaster = next
			// The election resolved; the next attempt follows the new
			// master. RetryableTransport with no ServiceUnavailable flag is
			// charged to the network retry budget, and the supervisor
			// sleeps before the retry as for any other transport failure.
			return &errs.RetryableTransport{Cause: err}
		}
		return err
	})
}

// withAbort derives a context that is cancelled when either ctx is done or
// the node's shutdown signal trips, per the teacher's AbortController idiom.
func (n *Node) withAbort(ctx context.Context) (context.Context, func()) {
	child, cancelChild := context.WithCancel(ctx)
	n.abort.OnTrip(func(error) { cancelChild() })
	return child, cancelChild
}

// attempt runs exactly one connection lifecycle: dial, negotiate, sync
// up, then drive the replay pipeline until it exits.
func (n *Node) attempt(ctx context.Context, believedMaster string) error {
	if n.abort.Tripped() {
		return &errs.GroupShutdown{}
	}

	ch, err := n.Dial(ctx, believedMaster)
	if err != nil {
		return wrapTransport(err)
	}
	defer ch.Close()

	if _, err := handshake.Negotiate(ch, n.NodeName); err != nil {
		return wrapHandshakeErr(err)
	}

	offer, err := ch.Read()
	if err != nil {
		return wrapTransport(err)
	}
	if offer.Kind != wire.KindSyncOffer || offer.SyncOffer == nil {
		return &errs.ProtocolError{Text: fmt.Sprintf("expected SyncOffer, got %s", offer.Kind)}
	}
	candidates := make(map[vlsn.VLSN]struct{}, len(offer.SyncOffer.Candidates))
	for _, v := range offer.SyncOffer.Candidates {
		candidates[v] = struct{}{}
	}

	if _, err := handshake.Sync(ctx, n.LocalLog, candidates, 0, n.Storage.Truncate); err != nil {
		return err
	}

	p := replay.New(n.Config, ch, n.Storage)
	p.Locks = n.Locks
	p.Consistency = n.Consistency
	p.Election = n.Election
	p.Logger = n.Logger
	p.Metrics = n.Metrics
	p.Disk = n.Disk
	p.BelievedMaster = believedMaster
	p.SetReplayerLocker(n.replayLocker)
	p.SetTestDelay(time.Duration(n.testDelayMs.Load()) * time.Millisecond)
	p.SetDontProcessStream(n.dontProcessStream.Load())

	n.pipeline.Store(p)
	defer n.pipeline.Store(nil)

	return p.Run(ctx)
}

// wrapTransport normalizes a Dialer/Channel failure into the supervisor's
// retryable-transport class, unless it already carries a more specific
// typed meaning.
func wrapTransport(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, errs.ErrDuplicateNode) {
		return err
	}
	var transport *errs.RetryableTransport
	if errors.As(err, &transport) {
		return err
	}
	var disk *errs.DiskLimit
	if errors.As(err, &disk) {
		return err
	}
	return &errs.RetryableTransport{Cause: err}
}

// wrapHandshakeErr passes through the handshake's own typed rejections
// (duplicate node, protocol error) and otherwise treats a failed
// negotiation as a retryable transport issue.
func wrapHandshakeErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, errs.ErrDuplicateNode) {
		return err
	}
	var protoErr *errs.ProtocolError
	if errors.As(err, &protoErr) {
		return err
	}
	return &errs.RetryableTransport{Cause: err}
}

// DemoteToReplica runs the master->replica role transition against this
// node's lock table and tracked master transactions, converting every
// in-flight master transaction onto the replay locker. knownMaster
// reports whether the caller already knows the new master's identity.
func (n *Node) DemoteToReplica(knownMaster bool) {
	n.init()
	roletransition.DemoteToReplica(n.Locks, n.Roles, n.replayLocker, knownMaster)
}

// PromoteToMaster runs the replica->master role transition: every waiter
// blocked on the consistency tracker is released with cause (defaulting
// to MasterObsolete), since any in-flight replay originated from a master
// this node is about to supersede.
func (n *Node) PromoteToMaster(cause error) {
	n.init()
	roletransition.PromoteToMaster(n.Consistency, cause)
}

// Shutdown is the node-level abort signal: idempotent (repeating it has
// the same effect as calling it once), it trips the abort signal
// cancelling Run's context, requests the running pipeline exit softly,
// closes its wire channel, and releases every consistency waiter with a
// GroupShutdown failure.
func (n *Node) Shutdown() {
	n.init()
	n.abort.Trip(&errs.GroupShutdown{})
	if p := n.pipeline.Load(); p != nil {
		p.Shutdown(replay.ExitSoft)
		_ = p.Channel.Close()
	}
	n.Consistency.ForceTripAll(&errs.GroupShutdown{})
}

// SetTestDelayMs sets an artificial per-message delay the reader sleeps
// before enqueuing each message; test hook only, applies to the currently
// running pipeline (if any) and every pipeline started afterward.
func (n *Node) SetTestDelayMs(ms int) {
	n.testDelayMs.Store(int64(ms))
	if p := n.pipeline.Load(); p != nil {
		p.SetTestDelay(time.Duration(ms) * time.Millisecond)
	}
}

// SetDontProcessStream makes the reader silently discard every message it
// reads instead of enqueuing it, simulating a network partition; test
// hook only, applies to the currently running pipeline (if any) and every
// pipeline started afterward.
func (n *Node) SetDontProcessStream(v bool) {
	n.dontProcessStream.Store(v)
	if p := n.pipeline.Load(); p != nil {
		p.SetDontProcessStream(v)
	}
}
