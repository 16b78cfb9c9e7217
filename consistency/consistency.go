// Package consistency tracks how far a replica has replayed relative to
// its master, along two axes — replayed VLSN and commit-time lag — and
// lets callers block until a declared policy is satisfied. Every latch is
// a one-shot wait grounded on internal/cancel's Signal idiom; the two
// latch maps are kept in VLSN/lag order using internal/ring so trips can
// walk a prefix instead of scanning every waiter.
package consistency

import (
	"context"
	"sync"
	"time"

	"github.com/joeycumines/go-replica/errs"
	"github.com/joeycumines/go-replica/internal/ring"
	"github.com/joeycumines/go-replica/vlsn"
)

// Heartbeat is the subset of a Heartbeat wire message the tracker consumes.
type Heartbeat struct {
	MasterNow  time.Time
	MasterVLSN vlsn.VLSN
}

// TxnEnd is the subset of a commit/abort Entry the tracker consumes.
type TxnEnd struct {
	VLSN             vlsn.VLSN
	MasterCommitTime time.Time
}

// latch is a one-shot wait keyed by a threshold, resolved either by a trip
// (success) or a forced failure.
type latch struct {
	key  int64
	done chan struct{}
	once sync.Once
	err  error
}

func newLatch(key int64) *latch {
	return &latch{key: key, done: make(chan struct{})}
}

func (l *latch) resolve(err error) {
	l.once.Do(func() {
		l.err = err
		close(l.done)
	})
}

// Tracker is the consistency tracker. The zero value is not usable;
// construct with New.
type Tracker struct {
	mu sync.Mutex

	lastReplayedVLSN    vlsn.VLSN
	lastReplayedTxnEnd  vlsn.VLSN
	masterTxnEndVLSN    vlsn.VLSN
	masterTxnEndTime    time.Time
	masterNow           time.Time
	masterHeartbeatSeen bool

	vlsnKeys *ring.Buffer[int64]
	vlsnMap  map[int64][]*latch

	lagKeys *ring.Buffer[int64]
	lagMap  map[int64][]*latch

	// tripped, once set by ForceTripAll, makes every subsequent Await*
	// call return immediately with this cause.
	tripped error
}

// New returns an empty Tracker.
func New() *Tracker {
	return &Tracker{
		vlsnKeys: ring.NewBuffer[int64](16),
		vlsnMap:  make(map[int64][]*latch),
		lagKeys:  ring.NewBuffer[int64](16),
		lagMap:   make(map[int64][]*latch),
	}
}

// TrackHeartbeat folds in a heartbeat observed by the replayer (dequeued,
// not merely read off the wire), updating master_* fields and tripping
// every lag latch whose threshold is now satisfied.
func (t *Tracker) TrackHeartbeat(now time.Time, hb Heartbeat) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.masterNow = hb.MasterNow
	if hb.MasterVLSN > t.masterTxnEndVLSN {
		t.masterTxnEndVLSN = hb.MasterVLSN
	}
	t.masterHeartbeatSeen = true

	t.tripLagLatchesLocked(now)
}

// TrackTxnEnd folds in a commit/abort entry once the replayer has actually
// applied it. If it advances the master's committed position (by VLSN, and
// the entry's master-commit-time is not behind what we've already
// observed), master_* fields advance too. Trips both latch maps.
func (t *Tracker) TrackTxnEnd(now time.Time, e TxnEnd) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if e.VLSN > t.lastReplayedVLSN {
		t.lastReplayedVLSN = e.VLSN
	}
	t.lastReplayedTxnEnd = e.VLSN

	if e.VLSN > t.masterTxnEndVLSN && !e.MasterCommitTime.Before(t.masterNow) {
		t.masterTxnEndVLSN = e.VLSN
		t.masterTxnEndTime = e.MasterCommitTime
		t.masterNow = e.MasterCommitTime
	}

	t.tripVLSNLatchesLocked()
	t.tripLagLatchesLocked(now)
}

// TrackVLSN folds in a non-transaction entry's VLSN advancing replay
// position; only vlsn_latches are affected.
func (t *Tracker) TrackVLSN(v vlsn.VLSN) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if v > t.lastReplayedVLSN {
		t.lastReplayedVLSN = v
	}
	t.tripVLSNLatchesLocked()
}

// currentLagMillisLocked implements the lag formula: if no heartbeat has
// ever been observed, lag is unknown (reported as the max duration);
// otherwise, if the replica is behind the master's last known committed
// VLSN, lag is measured against the master's commit time, else against
// the master's most recently observed wall-clock ("now").
func (t *Tracker) currentLagMillisLocked(now time.Time) int64 {
	if !t.masterHeartbeatSeen {
		return int64(^uint64(0) >> 1)
	}
	if t.lastReplayedTxnEnd < t.masterTxnEndVLSN {
		return now.Sub(t.masterTxnEndTime).Milliseconds()
	}
	return now.Sub(t.masterNow).Milliseconds()
}

func (t *Tracker) tripVLSNLatchesLocked() {
	for {
		if t.vlsnKeys.Len() == 0 {
			return
		}
		k := t.vlsnKeys.Get(0)
		if k > int64(t.lastReplayedVLSN) {
			return
		}
		t.vlsnKeys.RemoveBefore(1)
		for _, l := range t.vlsnMap[k] {
			l.resolve(nil)
		}
		delete(t.vlsnMap, k)
	}
}

func (t *Tracker) tripLagLatchesLocked(now time.Time) {
	lag := t.currentLagMillisLocked(now)
	for {
		if t.lagKeys.Len() == 0 {
			return
		}
		k := t.lagKeys.Get(0)
		if lag > k {
			return
		}
		t.lagKeys.RemoveBefore(1)
		for _, l := range t.lagMap[k] {
			l.resolve(nil)
		}
		delete(t.lagMap, k)
	}
}

// AwaitVLSN blocks until last_replayed_vlsn >= target, ctx is done, or the
// tracker is force-tripped. Any unsatisfied wait is reported as a
// *errs.ConsistencyException carrying PolicyVLSN, with Inactive set if the
// tracker was force-tripped rather than merely timing out.
func (t *Tracker) AwaitVLSN(ctx context.Context, target vlsn.VLSN) error {
	t.mu.Lock()
	if t.tripped != nil {
		err := t.tripped
		t.mu.Unlock()
		return &errs.ConsistencyException{Policy: errs.PolicyVLSN, Inactive: true, Cause: err}
	}
	if t.lastReplayedVLSN >= target {
		t.mu.Unlock()
		return nil
	}
	key := int64(target)
	l := newLatch(key)
	t.vlsnMap[key] = append(t.vlsnMap[key], l)
	if idx := t.vlsnKeys.Search(key); idx >= t.vlsnKeys.Len() || t.vlsnKeys.Get(idx) != key {
		t.vlsnKeys.Insert(idx, key)
	}
	t.mu.Unlock()

	if err := waitLatch(ctx, l); err != nil {
		return &errs.ConsistencyException{Policy: errs.PolicyVLSN, Inactive: t.isTripped(), Cause: err}
	}
	return nil
}

// AwaitLag blocks until the current commit-time/VLSN lag is <= maxLagMs,
// ctx is done, or the tracker is force-tripped. Any unsatisfied wait is
// reported as a *errs.ConsistencyException carrying PolicyLag, with
// Inactive set if the tracker was force-tripped rather than merely timing
// out.
func (t *Tracker) AwaitLag(ctx context.Context, maxLagMs int64) error {
	t.mu.Lock()
	if t.tripped != nil {
		err := t.tripped
		t.mu.Unlock()
		return &errs.ConsistencyException{Policy: errs.PolicyLag, Inactive: true, Cause: err}
	}
	if t.currentLagMillisLocked(time.Now()) <= maxLagMs {
		t.mu.Unlock()
		return nil
	}
	l := newLatch(maxLagMs)
	t.lagMap[maxLagMs] = append(t.lagMap[maxLagMs], l)
	if idx := t.lagKeys.Search(maxLagMs); idx >= t.lagKeys.Len() || t.lagKeys.Get(idx) != maxLagMs {
		t.lagKeys.Insert(idx, maxLagMs)
	}
	t.mu.Unlock()

	if err := waitLatch(ctx, l); err != nil {
		return &errs.ConsistencyException{Policy: errs.PolicyLag, Inactive: t.isTripped(), Cause: err}
	}
	return nil
}

// isTripped reports whether ForceTripAll has been called, distinguishing a
// waiter released because the tracker went inactive from one that merely
// timed out.
func (t *Tracker) isTripped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.tripped != nil
}

func waitLatch(ctx context.Context, l *latch) error {
	select {
	case <-l.done:
		return l.err
	case <-ctx.Done():
		l.resolve(nil) // allow future trips to find it already resolved; caller's wait ends regardless
		return ctx.Err()
	}
}

// ForceTripAll resolves every outstanding latch with err, used on shutdown
// or when the node learns its master is obsolete. The failure is sticky:
// every later AwaitVLSN or AwaitLag call returns a ConsistencyException
// carrying err immediately, without creating a latch.
func (t *Tracker) ForceTripAll(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, ls := range t.vlsnMap {
		for _, l := range ls {
			l.resolve(err)
		}
	}
	t.vlsnMap = make(map[int64][]*latch)
	t.vlsnKeys = ring.NewBuffer[int64](16)

	for _, ls := range t.lagMap {
		for _, l := range ls {
			l.resolve(err)
		}
	}
	t.lagMap = make(map[int64][]*latch)
	t.lagKeys = ring.NewBuffer[int64](16)

	t.tripped = err
}

// LastReplayedVLSN returns the most recently replayed VLSN.
func (t *Tracker) LastReplayedVLSN() vlsn.VLSN {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastReplayedVLSN
}
