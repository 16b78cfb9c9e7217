// Package handshake implements the replica's connect-time negotiation with
// the current master: protocol version selection, then a backward scan of
// the local log to find the match-point the replicated stream should
// resume from, and — if that requires discarding local log tail — the
// non-replicated rollback markers that make the discard crash-safe.
package handshake

import (
	"context"
	"errors"
	"fmt"

	"github.com/joeycumines/go-replica/errs"
	"github.com/joeycumines/go-replica/internal/ring"
	"github.com/joeycumines/go-replica/vlsn"
	"github.com/joeycumines/go-replica/wire"
)

// MinSupportedVersion and MaxSupportedVersion bound the protocol versions
// this replica can speak.
const (
	MinSupportedVersion = 1
	MaxSupportedVersion = 1
)

// defaultRecentWindow bounds the diagnostic "most recently passed
// transactions" list collected during the match-point scan.
const defaultRecentWindow = 64

// Negotiate exchanges HandshakeRequest/HandshakeResponse frames over ch and
// returns the version the master selected. A rejection with reason
// "duplicate node" surfaces as errs.ErrDuplicateNode; any other rejection
// surfaces as a *errs.ProtocolError.
func Negotiate(ch wire.Channel, nodeName string) (int, error) {
	req := wire.Message{
		Kind: wire.KindHandshakeRequest,
		HandshakeReq: &wire.HandshakeRequest{
			NodeName:   nodeName,
			MinVersion: MinSupportedVersion,
			MaxVersion: MaxSupportedVersion,
		},
	}
	if err := ch.Write(req); err != nil {
		return 0, err
	}

	resp, err := ch.Read()
	if err != nil {
		return 0, err
	}
	if resp.Kind != wire.KindHandshakeResponse || resp.HandshakeResp == nil {
		return 0, &errs.ProtocolError{Text: fmt.Sprintf("expected HandshakeResponse, got %s", resp.Kind)}
	}

	hr := resp.HandshakeResp
	if !hr.Accepted {
		if hr.Reason == "duplicate node" {
			return 0, errs.ErrDuplicateNode
		}
		return 0, &errs.ProtocolError{Text: hr.Reason}
	}
	if hr.Version < MinSupportedVersion || hr.Version > MaxSupportedVersion {
		return 0, &errs.ProtocolError{Text: fmt.Sprintf("master selected unsupported version %d", hr.Version)}
	}
	return hr.Version, nil
}

// LocalRecord is one entry the backward scan walks over.
type LocalRecord struct {
	LSN   vlsn.LSN
	VLSN  vlsn.VLSN
	TxnID int64
	// Durable reports whether this record's effect was already
	// acknowledged durable before this scan began (e.g. an fsynced
	// commit from a prior life of the process).
	Durable bool
	DTVLSN  vlsn.DTVLSN
	// CheckpointEnd marks a checkpoint-end record at this LSN.
	CheckpointEnd bool
	// SkippedGap marks a hole in the local log the node cannot account
	// for (e.g. a missing file): crossing one invalidates automatic
	// rollback.
	SkippedGap bool
	// ActiveTxnStart marks the start of a transaction that was still
	// open (not committed or aborted) when the scan began.
	ActiveTxnStart bool
}

// LocalLog is the backward-scannable local log collaborator, plus the
// two non-replicated markers sync-up writes around a rollback.
type LocalLog interface {
	// ScanBackward visits local log records from newest to oldest,
	// stopping when visit returns false or the log start is reached.
	ScanBackward(ctx context.Context, visit func(LocalRecord) bool) error
	// WriteRollbackStart appends rec as a non-replicated marker.
	WriteRollbackStart(ctx context.Context, rec RollbackStart) error
	// WriteRollbackEnd appends rec as a non-replicated marker.
	WriteRollbackEnd(ctx context.Context, rec RollbackEnd) error
}

// MatchpointSearchResults is the record the backward scan accumulates.
type MatchpointSearchResults struct {
	MatchpointVLSN vlsn.VLSN
	MatchpointLSN  vlsn.LSN
	// TruncateLSN is the local log position immediately after
	// MatchpointLSN; everything at or after it is discarded on rollback.
	TruncateLSN vlsn.LSN
	// FirstActiveLSN is the highest LSN among transactions that were
	// still open when the scan began.
	FirstActiveLSN vlsn.LSN
	// DTVLSN is the durable-txn VLSN observed at the match-point.
	DTVLSN vlsn.DTVLSN

	PassedCheckpointEnd bool
	PassedSkippedGap    bool
	// PassedDurableTxn reports whether any transaction between the
	// match-point and the log's current end was already durable;
	// rolling it back would discard committed, durable data.
	PassedDurableTxn bool

	// Passed holds the VLSNs of the highest-VLSN transactions strictly
	// newer than the match-point (up to its bound), for diagnostics.
	Passed *ring.Bounded[vlsn.VLSN]
	// PassedTxnIDs holds the transaction ids of entries strictly newer
	// than the match-point, in scan (newest-first) order; these are the
	// transactions a rollback must abort.
	PassedTxnIDs []int64
}

// FindMatchPoint scans log backward looking for the highest-VLSN entry
// present in masterTxnEnds (the set of txn-end VLSNs the master offered as
// candidates), collecting diagnostics along the way. recentWindow bounds
// the diagnostic Passed list; 0 selects a sensible default.
//
// An entry whose VLSN matches masterTxnEnds is the match-point itself and
// is excluded from Passed — only entries strictly newer than the
// match-point are "passed".
func FindMatchPoint(ctx context.Context, log LocalLog, masterTxnEnds map[vlsn.VLSN]struct{}, recentWindow int) (*MatchpointSearchResults, error) {
	if recentWindow <= 0 {
		recentWindow = defaultRecentWindow
	}

	res := &MatchpointSearchResults{
		FirstActiveLSN: vlsn.NullLSN,
		DTVLSN:         vlsn.Uninitialized,
		Passed:         ring.NewBounded[vlsn.VLSN](recentWindow),
	}

	found := false
	truncateLSN := vlsn.NullLSN
	err := log.ScanBackward(ctx, func(rec LocalRecord) bool {
		if _, ok := masterTxnEnds[rec.VLSN]; ok {
			res.MatchpointVLSN = rec.VLSN
			res.MatchpointLSN = rec.LSN
			res.TruncateLSN = truncateLSN
			res.DTVLSN = rec.DTVLSN
			found = true
			return false
		}

		if rec.CheckpointEnd {
			res.PassedCheckpointEnd = true
		}
		if rec.SkippedGap {
			res.PassedSkippedGap = true
		}
		if rec.Durable {
			res.PassedDurableTxn = true
		}
		if rec.ActiveTxnStart && (res.FirstActiveLSN.IsNull() || rec.LSN.Compare(res.FirstActiveLSN) > 0) {
			res.FirstActiveLSN = rec.LSN
		}
		res.Passed.Add(rec.VLSN)
		res.PassedTxnIDs = append(res.PassedTxnIDs, rec.TxnID)
		truncateLSN = rec.LSN
		return true
	})
	if err != nil {
		return res, err
	}
	if !found {
		return res, &errs.InsufficientLog{
			MatchpointVLSN: int64(vlsn.Invalid),
			Reason:         "no master-offered match-point found in local log",
		}
	}

	if res.PassedCheckpointEnd {
		return res, &errs.InsufficientLog{MatchpointVLSN: int64(res.MatchpointVLSN), Reason: "match-point is before a checkpoint-end"}
	}
	if res.PassedSkippedGap {
		return res, &errs.InsufficientLog{MatchpointVLSN: int64(res.MatchpointVLSN), Reason: "match-point scan crossed a skipped gap"}
	}
	if !res.FirstActiveLSN.IsNull() && res.MatchpointLSN.Compare(res.FirstActiveLSN) < 0 {
		return res, &errs.InsufficientLog{MatchpointVLSN: int64(res.MatchpointVLSN), Reason: "match-point precedes the first active transaction"}
	}
	if res.PassedDurableTxn {
		return res, &errs.InsufficientLog{MatchpointVLSN: int64(res.MatchpointVLSN), Reason: "rollback would discard durable committed data"}
	}
	return res, nil
}

// RequiresElection reports whether an InsufficientLog surfaced by
// FindMatchPoint reflects a rollback that would discard locally durable
// data — the one condition that must hold an election before retrying,
// rather than simply refusing sync-up.
func RequiresElection(res *MatchpointSearchResults) bool {
	return res != nil && res.PassedDurableTxn
}

// Sync runs the full sync-up sequence: find the match-point, and if the
// rollback is safe to perform automatically, write RollbackStart, truncate
// storage, and write RollbackEnd. truncate is called with res.TruncateLSN
// only when a rollback is actually required (MatchpointLSN != the current
// log end).
func Sync(ctx context.Context, log LocalLog, masterTxnEnds map[vlsn.VLSN]struct{}, recentWindow int, truncate func(context.Context, vlsn.LSN) error) (*MatchpointSearchResults, error) {
	res, err := FindMatchPoint(ctx, log, masterTxnEnds, recentWindow)
	if err != nil {
		var il *errs.InsufficientLog
		if errors.As(err, &il) && RequiresElection(res) {
			return res, &errs.HardRecoveryNeedsElection{InsufficientLog: il}
		}
		return res, err
	}

	if res.Passed.Len() == 0 {
		// Nothing newer than the match-point: already caught up, no
		// rollback required.
		return res, nil
	}

	rs := RollbackStart{
		MatchpointVLSN: res.MatchpointVLSN,
		MatchpointLSN:  res.MatchpointLSN,
		ActiveTxnIDs:   append([]int64(nil), res.PassedTxnIDs...),
	}
	if err := log.WriteRollbackStart(ctx, rs); err != nil {
		return res, err
	}
	if err := truncate(ctx, res.TruncateLSN); err != nil {
		return res, err
	}
	re := RollbackEnd{
		MatchpointLSN:    res.MatchpointLSN,
		RollbackStartLSN: res.TruncateLSN,
	}
	if err := log.WriteRollbackEnd(ctx, re); err != nil {
		return res, err
	}
	return res, nil
}
