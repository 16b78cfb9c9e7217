// Package roletransition implements the controller that runs whenever
// this node's role as master or replica changes: freezing and converting
// in-flight master transactions on a master-to-replica step-down, and
// releasing consistency waiters on a replica-to-master step-up.
package roletransition

import (
	"sync"
	"sync/atomic"

	"github.com/joeycumines/go-replica/consistency"
	"github.com/joeycumines/go-replica/errs"
	"github.com/joeycumines/go-replica/locktable"
)

// TxnStatus is a master transaction's commit-path lifecycle stage.
type TxnStatus int32

const (
	// StatusActive is the initial stage: this node is still master, the
	// transaction may commit or abort normally.
	StatusActive TxnStatus = iota
	// StatusFrozen marks a transaction caught mid-flight by a role
	// transition: existing lock holdings are preserved, but it can no
	// longer originate a commit or abort.
	StatusFrozen
	// StatusMustAbort is set once a frozen transaction's caller actually
	// attempts to finish it; the eventual conversion aborts the shell.
	StatusMustAbort
	StatusCommitted
	StatusAborted
)

func (s TxnStatus) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusFrozen:
		return "frozen"
	case StatusMustAbort:
		return "must_abort"
	case StatusCommitted:
		return "committed"
	case StatusAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// MasterTxn is an in-flight transaction this node originated while it was
// master. Locker is the dedicated locktable.LockerID this transaction
// acquires locks under; converting the transaction to a replay txn is a
// single locktable.Table.Rebind of this id onto the replay locker.
type MasterTxn struct {
	ID     uint64
	Locker locktable.LockerID

	status atomic.Int32

	mu        sync.Mutex
	hasMaster bool
	frozen    bool
}

// NewMasterTxn returns an Active transaction bound to locker.
func NewMasterTxn(id uint64, locker locktable.LockerID) *MasterTxn {
	return &MasterTxn{ID: id, Locker: locker}
}

// Status returns the transaction's current lifecycle stage.
func (t *MasterTxn) Status() TxnStatus { return TxnStatus(t.status.Load()) }

// freeze transitions an Active transaction to Frozen, recording whether a
// master is currently known — that selects which error a subsequent
// Commit/Abort raises. A no-op (returns false) if not currently Active.
func (t *MasterTxn) freeze(knownMaster bool) bool {
	if !t.status.CompareAndSwap(int32(StatusActive), int32(StatusFrozen)) {
		return false
	}
	t.mu.Lock()
	t.hasMaster = knownMaster
	t.frozen = true
	t.mu.Unlock()
	return true
}

// Commit attempts to commit the transaction; it fails once frozen.
func (t *MasterTxn) Commit() error { return t.finish(StatusCommitted) }

// Abort attempts to abort the transaction; it fails once frozen, though
// a frozen transaction is always eventually aborted by the controller's
// conversion step regardless of what the caller does here.
func (t *MasterTxn) Abort() error { return t.finish(StatusAborted) }

func (t *MasterTxn) finish(target TxnStatus) error {
	for {
		switch cur := t.Status(); cur {
		case StatusFrozen, StatusMustAbort:
			t.status.Store(int32(StatusMustAbort))
			t.mu.Lock()
			known := t.hasMaster
			t.mu.Unlock()
			if known {
				return &errs.ReplicaWrite{TxnID: t.ID}
			}
			return &errs.UnknownMaster{TxnID: t.ID}
		case StatusCommitted, StatusAborted:
			// A shell aborted by conversion still reports the role error.
			t.mu.Lock()
			frozen, known := t.frozen, t.hasMaster
			t.mu.Unlock()
			if !frozen {
				return nil
			}
			if known {
				return &errs.ReplicaWrite{TxnID: t.ID}
			}
			return &errs.UnknownMaster{TxnID: t.ID}
		default:
			if t.status.CompareAndSwap(int32(cur), int32(target)) {
				return nil
			}
		}
	}
}

// Controller tracks every in-flight MasterTxn and runs both directions of
// a role transition.
type Controller struct {
	mu   sync.Mutex
	txns map[uint64]*MasterTxn
}

// NewController returns an empty Controller.
func NewController() *Controller {
	return &Controller{txns: make(map[uint64]*MasterTxn)}
}

// Track registers txn as in-flight. Call when a master transaction begins.
func (c *Controller) Track(txn *MasterTxn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.txns[txn.ID] = txn
}

// Forget drops bookkeeping for id once it has committed or aborted
// normally (no role transition involved).
func (c *Controller) Forget(id uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.txns, id)
}

func (c *Controller) snapshot() []*MasterTxn {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*MasterTxn, 0, len(c.txns))
	for _, t := range c.txns {
		out = append(out, t)
	}
	return out
}

// DemoteToReplica runs the master->replica transition: freezes every
// tracked in-flight master transaction, rebinds its locker onto
// replayLocker (transferring every write lock it holds in one shot), then
// aborts the now-empty shell and drops it from the controller.
//
// knownMaster should report whether, at the moment of this call, the node
// already knows which peer is the new master — it only affects which
// error a concurrent Commit/Abort caller observes.
func DemoteToReplica(locks *locktable.Table, ctrl *Controller, replayLocker locktable.LockerID, knownMaster bool) {
	for _, txn := range ctrl.snapshot() {
		if !txn.freeze(knownMaster) {
			// already finished (committed/aborted) before the freeze
			// could land; nothing to convert.
			continue
		}
		locks.Rebind(txn.Locker, replayLocker)
		txn.status.Store(int32(StatusAborted))
		locks.Forget(txn.Locker)
		ctrl.Forget(txn.ID)
	}
}

// PromoteToMaster runs the replica->master transition: every in-flight
// replay transaction was started by a now-obsolete master, so the
// consistency tracker's waiters are released with a MasterObsolete cause
// and replay must stop applying further entries from the old stream (the
// caller is responsible for actually tearing down the replay pipeline;
// this only handles the consistency-side half of the spec's "abort all
// in-flight replay txns" step, since the replay txns themselves are
// represented by the replay pipeline's own in-flight Apply calls, not a
// tracked set this controller owns).
func PromoteToMaster(tracker *consistency.Tracker, cause error) {
	if cause == nil {
		cause = &errs.MasterObsolete{}
	}
	tracker.ForceTripAll(cause)
}
