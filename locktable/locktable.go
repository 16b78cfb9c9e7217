// Package locktable implements the replay engine's record-granular
// readers/writer lock manager: upgrade, promotion, waiter ordering, and
// lock stealing (preemption) for replay transactions.
//
// Transactions and the replayer never hold a *Lock pointer or a pointer to
// another locker; they hold only a RecordID and a LockerID. The table owns
// every Lock and LockerInfo, indexed by those stable ids, so converting a
// master transaction's locks to a replay transaction (see package
// roletransition) is a rewrite of locker-id fields under a short critical
// section rather than a pointer-graph walk — the arena-and-stable-ids
// re-architecture described for the cyclic master-txn/lock/lock-table
// reference the original design had.
package locktable

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/joeycumines/go-replica/internal/cancel"
	"github.com/joeycumines/go-replica/internal/logging"
)

// RecordID is a stable, table-internal identifier for a record. External
// callers obtain one via Table.RecordID, which interns an arbitrary byte
// key (the record's storage key) exactly once.
type RecordID uint64

// LockerID is a stable, table-internal identifier for a locker
// (transaction, or internal operation). Obtained via Table.NewLocker.
type LockerID uint64

// Mode is the lock mode requested or held.
type Mode int

const (
	Read Mode = iota
	Write
)

func (m Mode) String() string {
	if m == Write {
		return "write"
	}
	return "read"
}

// GrantResult reports the outcome of a Lock call.
type GrantResult int

const (
	// New: the lock was granted and the locker was not previously an owner.
	New GrantResult = iota
	// Existing: the locker already held a mode that satisfies the request.
	Existing
	// Promotion: the locker's existing read lock was upgraded to write.
	Promotion
	// WaitNew: the request is queued at the tail of the waiter list.
	WaitNew
	// WaitPromotion: the request is queued at the head of the waiter list.
	WaitPromotion
	// Denied: a nonblocking request could not be granted immediately.
	Denied
)

func (g GrantResult) String() string {
	switch g {
	case New:
		return "new"
	case Existing:
		return "existing"
	case Promotion:
		return "promotion"
	case WaitNew:
		return "wait_new"
	case WaitPromotion:
		return "wait_promotion"
	case Denied:
		return "denied"
	default:
		return "unknown"
	}
}

func (g GrantResult) blocked() bool {
	return g == WaitNew || g == WaitPromotion
}

// LogIntegrityError is fatal: it signals that two importunate (replay)
// lockers conflicted over the same record, which can only mean the
// incoming stream or local log is corrupt.
type LogIntegrityError struct {
	Record  RecordID
	Locker  LockerID
	Against LockerID
}

func (e *LogIntegrityError) Error() string {
	return fmt.Sprintf("locktable: log integrity violation: importunate locker %d conflicts with importunate locker %d on record %d", e.Locker, e.Against, e.Record)
}

// LockerInfo holds the flags the table tracks per locker. Importunate
// lockers (replay transactions) may steal conflicting locks from
// preemptable lockers; Preempted is set on a locker whose lock was stolen
// and must be observed by its owning transaction, which is then obligated
// to abort.
type LockerInfo struct {
	ID          LockerID
	Importunate bool
	Preemptable bool
	// ShareGroup, when nonzero, lets two distinct lockers with the same
	// value act as if they were the same owner for conflict purposes (the
	// "shares locks with" predicate in the grant rules). Zero means no
	// sharing beyond identity.
	ShareGroup uint64

	preempted atomic.Bool
}

// Preempted reports whether this locker's lock was stolen.
func (l *LockerInfo) Preempted() bool { return l.preempted.Load() }

type owner struct {
	locker LockerID
	mode   Mode
}

type waiter struct {
	locker    LockerID
	mode      Mode
	promotion bool
	result    chan GrantResult
}

type lockEntry struct {
	mu      sync.Mutex
	owners  []owner
	waiters []waiter
}

const numShards = 64

type shard struct {
	mu    sync.Mutex
	locks map[RecordID]*lockEntry
}

// Table is the lock manager. The zero value is not usable; construct with
// New.
type Table struct {
	logger logging.Logger

	shards [numShards]shard

	arenaMu  sync.Mutex
	arena    map[string]RecordID
	nextRec  uint64

	lockersMu sync.RWMutex
	lockers   map[LockerID]*LockerInfo
	nextLock  uint64
}

// New returns an empty Table. A nil logger falls back to logging.Default().
func New(logger logging.Logger) *Table {
	if logger == nil {
		logger = logging.Default()
	}
	t := &Table{
		logger: logger,
		arena:  make(map[string]RecordID),
	}
	for i := range t.shards {
		t.shards[i].locks = make(map[RecordID]*lockEntry)
	}
	t.lockers = make(map[LockerID]*LockerInfo)
	return t
}

// RecordID interns key (a record's storage key) into a stable RecordID,
// assigning one on first use.
func (t *Table) RecordID(key string) RecordID {
	t.arenaMu.Lock()
	defer t.arenaMu.Unlock()
	if id, ok := t.arena[key]; ok {
		return id
	}
	t.nextRec++
	id := RecordID(t.nextRec)
	t.arena[key] = id
	return id
}

// NewLocker registers a locker and returns its stable id.
func (t *Table) NewLocker(importunate, preemptable bool) LockerID {
	t.lockersMu.Lock()
	defer t.lockersMu.Unlock()
	t.nextLock++
	id := LockerID(t.nextLock)
	t.lockers[id] = &LockerInfo{ID: id, Importunate: importunate, Preemptable: preemptable}
	return id
}

// Forget removes bookkeeping for a locker once its transaction has
// committed or aborted and it holds no more locks. Safe to call even if
// the locker still owns locks elsewhere; it only affects later Info
// lookups for id.
func (t *Table) Forget(id LockerID) {
	t.lockersMu.Lock()
	defer t.lockersMu.Unlock()
	delete(t.lockers, id)
}

// Info returns the LockerInfo for id, or nil if unknown.
func (t *Table) Info(id LockerID) *LockerInfo {
	t.lockersMu.RLock()
	defer t.lockersMu.RUnlock()
	return t.lockers[id]
}

// Rebind atomically rewrites every owner/waiter reference to from into to,
// across every lock shard. This is the primitive role-transition uses to
// convert a converted master transaction's locks into a replay
// transaction's locks without touching the lock graph's shape.
func (t *Table) Rebind(from, to LockerID) {
	for i := range t.shards {
		sh := &t.shards[i]
		sh.mu.Lock()
		for _, le := range sh.locks {
			le.mu.Lock()
			for i := range le.owners {
				if le.owners[i].locker == from {
					le.owners[i].locker = to
				}
			}
			for i := range le.waiters {
				if le.waiters[i].locker == from {
					le.waiters[i].locker = to
				}
			}
			le.mu.Unlock()
		}
		sh.mu.Unlock()
	}
}

func (t *Table) shardFor(r RecordID) *shard {
	return &t.shards[uint64(r)%numShards]
}

func (t *Table) entry(r RecordID, create bool) *lockEntry {
	sh := t.shardFor(r)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	le, ok := sh.locks[r]
	if !ok {
		if !create {
			return nil
		}
		le = &lockEntry{}
		sh.locks[r] = le
	}
	return le
}

func (t *Table) dropIfEmpty(r RecordID, le *lockEntry) {
	if len(le.owners) != 0 || len(le.waiters) != 0 {
		return
	}
	sh := t.shardFor(r)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if cur, ok := sh.locks[r]; ok && cur == le {
		le.mu.Lock()
		empty := len(le.owners) == 0 && len(le.waiters) == 0
		le.mu.Unlock()
		if empty {
			delete(sh.locks, r)
		}
	}
}

func (t *Table) shares(a, b LockerID) bool {
	if a == b {
		return true
	}
	ia, ib := t.Info(a), t.Info(b)
	if ia == nil || ib == nil || ia.ShareGroup == 0 {
		return false
	}
	return ia.ShareGroup == ib.ShareGroup
}

// upgrade reports whether requested is a strict upgrade over current.
func upgrade(current, requested Mode) (changed bool) {
	return requested == Write && current == Read
}

// evaluate runs the granting rules against le.owners (le.mu must be held)
// for locker requesting mode, returning the provisional result and,
// when the result is a wait, the set of conflicting owners (excluding
// lockers that share with the requester).
func (t *Table) evaluate(le *lockEntry, locker LockerID, mode Mode, jumpWaiters bool) (GrantResult, []owner) {
	if len(le.owners) == 0 {
		return New, nil
	}

	var (
		haveOwner     bool
		currentMode   Mode
		pendingUpgrade bool
		conflicts     []owner
	)

	for _, o := range le.owners {
		if o.locker == locker {
			haveOwner = true
			currentMode = o.mode
			continue
		}
	}
	if haveOwner {
		if upgrade(currentMode, mode) {
			pendingUpgrade = true
		} else {
			return Existing, nil
		}
	}

	for _, o := range le.owners {
		if o.locker == locker {
			continue
		}
		if t.shares(locker, o.locker) {
			continue
		}
		if conflictingModes(o.mode, mode) {
			conflicts = append(conflicts, o)
		}
	}

	if pendingUpgrade {
		if len(conflicts) == 0 {
			return Promotion, nil
		}
		return WaitPromotion, conflicts
	}

	if len(conflicts) == 0 {
		if jumpWaiters || len(le.waiters) == 0 {
			return New, nil
		}
		return WaitNew, nil
	}
	return WaitNew, conflicts
}

func conflictingModes(a, b Mode) bool {
	return a == Write || b == Write
}

func (t *Table) grantOwner(le *lockEntry, locker LockerID, mode Mode, result GrantResult) {
	switch result {
	case New:
		le.owners = append(le.owners, owner{locker: locker, mode: mode})
	case Promotion:
		for i := range le.owners {
			if le.owners[i].locker == locker {
				le.owners[i].mode = mode
				return
			}
		}
		le.owners = append(le.owners, owner{locker: locker, mode: mode})
	}
}

// Lock requests mode on record for locker. nonblocking converts any wait_*
// outcome into Denied. ctx cancellation cancels a pending wait.
func (t *Table) Lock(ctx context.Context, record RecordID, locker LockerID, mode Mode, nonblocking bool) (GrantResult, error) {
	return t.lock(ctx, record, locker, mode, nonblocking, nil)
}

// LockCancellable is Lock with an additional cancellation Signal: abort,
// if non-nil, is tripped to cancel a pending wait, as ctx cancellation does.
func (t *Table) LockCancellable(ctx context.Context, record RecordID, locker LockerID, mode Mode, nonblocking bool, abort *cancel.Signal) (GrantResult, error) {
	return t.lock(ctx, record, locker, mode, nonblocking, abort)
}

func (t *Table) lock(ctx context.Context, record RecordID, locker LockerID, mode Mode, nonblocking bool, abort *cancel.Signal) (GrantResult, error) {
	le := t.entry(record, true)

	le.mu.Lock()
	result, conflicts := t.evaluate(le, locker, mode, false)

	if result.blocked() && t.importunate(locker) {
		if err := t.steal(le, record, locker, conflicts); err != nil {
			le.mu.Unlock()
			return Denied, err
		}
		result, conflicts = t.evaluate(le, locker, mode, false)
	}

	if result.blocked() && nonblocking {
		le.mu.Unlock()
		return Denied, nil
	}

	if !result.blocked() {
		t.grantOwner(le, locker, mode, result)
		le.mu.Unlock()
		return result, nil
	}

	w := waiter{locker: locker, mode: mode, promotion: result == WaitPromotion, result: make(chan GrantResult, 1)}
	if w.promotion {
		le.waiters = append([]waiter{w}, le.waiters...)
	} else {
		le.waiters = append(le.waiters, w)
	}
	le.mu.Unlock()

	var abortCh <-chan struct{}
	if abort != nil {
		abortCh = abort.Done()
	}

	select {
	case granted := <-w.result:
		return granted, nil
	case <-ctx.Done():
		t.cancelWaiter(le, record, locker)
		return Denied, ctx.Err()
	case <-abortCh:
		t.cancelWaiter(le, record, locker)
		return Denied, abort.Cause()
	}
}

func (t *Table) importunate(locker LockerID) bool {
	info := t.Info(locker)
	return info != nil && info.Importunate
}

// steal mutates le.owners in place, removing preemptable conflicting
// owners and marking them preempted. Returns a *LogIntegrityError if a
// conflicting owner is itself importunate.
func (t *Table) steal(le *lockEntry, record RecordID, locker LockerID, conflicts []owner) error {
	if len(conflicts) == 0 {
		return nil
	}
	keep := le.owners[:0]
	for _, o := range le.owners {
		conflicted := false
		for _, c := range conflicts {
			if c.locker == o.locker {
				conflicted = true
				break
			}
		}
		if !conflicted {
			keep = append(keep, o)
			continue
		}
		info := t.Info(o.locker)
		if info != nil && info.Importunate {
			t.logger.Log(loggingFatalEntry(record, locker, o.locker))
			return &LogIntegrityError{Record: record, Locker: locker, Against: o.locker}
		}
		if info != nil && info.Preemptable {
			info.preempted.Store(true)
			continue // drop from owners
		}
		// not preemptable: stays an owner, requester must wait
		keep = append(keep, o)
	}
	le.owners = keep
	return nil
}

func loggingFatalEntry(record RecordID, locker, against LockerID) logging.Entry {
	return logging.Entry{
		Level:     logging.LevelError,
		Component: "locktable",
		Context: map[string]any{
			"record":  uint64(record),
			"locker":  uint64(locker),
			"against": uint64(against),
		},
		Message: "log integrity violation: two importunate lockers conflict",
	}
}

func (t *Table) cancelWaiter(le *lockEntry, record RecordID, locker LockerID) {
	le.mu.Lock()
	for i, w := range le.waiters {
		if w.locker == locker {
			le.waiters = append(le.waiters[:i], le.waiters[i+1:]...)
			break
		}
	}
	empty := len(le.owners) == 0 && len(le.waiters) == 0
	le.mu.Unlock()
	if empty {
		t.dropIfEmpty(record, le)
	}
}

// Release releases locker's ownership of record, draining waiters that can
// now be granted (in order, stopping at the first that cannot). It returns
// the lockers that transitioned from waiter to owner as a result, and
// whether locker was actually an owner.
func (t *Table) Release(record RecordID, locker LockerID) ([]LockerID, bool) {
	le := t.entry(record, false)
	if le == nil {
		return nil, false
	}

	le.mu.Lock()
	var wasOwner bool
	remaining := le.owners[:0]
	for _, o := range le.owners {
		if o.locker == locker {
			wasOwner = true
			continue
		}
		remaining = append(remaining, o)
	}
	le.owners = remaining

	var granted []LockerID
	for len(le.waiters) > 0 {
		w := le.waiters[0]
		result, _ := t.evaluate(le, w.locker, w.mode, true)
		if result.blocked() {
			break
		}
		le.waiters = le.waiters[1:]
		t.grantOwner(le, w.locker, w.mode, result)
		w.result <- result
		granted = append(granted, w.locker)
	}

	empty := len(le.owners) == 0 && len(le.waiters) == 0
	le.mu.Unlock()

	if empty {
		t.dropIfEmpty(record, le)
	}
	return granted, wasOwner
}

// Demote downgrades locker's write lock on record to read. Returns false
// if locker did not hold a write lock. A subsequent request for read
// returns Existing with no state change, per the demote/re-request
// idempotence property.
func (t *Table) Demote(record RecordID, locker LockerID) bool {
	le := t.entry(record, false)
	if le == nil {
		return false
	}
	le.mu.Lock()
	defer le.mu.Unlock()
	for i := range le.owners {
		if le.owners[i].locker == locker {
			if le.owners[i].mode != Write {
				return false
			}
			le.owners[i].mode = Read
			return true
		}
	}
	return false
}

// IsOwner reports whether locker currently owns record in any mode.
func (t *Table) IsOwner(record RecordID, locker LockerID) bool {
	_, ok := t.OwnedMode(record, locker)
	return ok
}

// OwnedMode returns the mode locker owns record in, if any.
func (t *Table) OwnedMode(record RecordID, locker LockerID) (Mode, bool) {
	le := t.entry(record, false)
	if le == nil {
		return 0, false
	}
	le.mu.Lock()
	defer le.mu.Unlock()
	for _, o := range le.owners {
		if o.locker == locker {
			return o.mode, true
		}
	}
	return 0, false
}

// WriteOwner returns the locker currently holding record's write lock, if
// any.
func (t *Table) WriteOwner(record RecordID) (LockerID, bool) {
	le := t.entry(record, false)
	if le == nil {
		return 0, false
	}
	le.mu.Lock()
	defer le.mu.Unlock()
	for _, o := range le.owners {
		if o.mode == Write {
			return o.locker, true
		}
	}
	return 0, false
}
