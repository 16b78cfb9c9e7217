package handshake

import (
	"bytes"
	"testing"
	"time"

	"github.com/joeycumines/go-replica/vlsn"
)

func TestRollbackStartRoundTrip(t *testing.T) {
	rec := RollbackStart{
		MatchpointVLSN: 42,
		MatchpointLSN:  vlsn.LSN{FileNumber: 3, Offset: 1024},
		Timestamp:      time.Unix(1700000000, 123000).UTC(),
		ActiveTxnIDs:   []int64{7, 3, 9},
	}

	var buf bytes.Buffer
	if err := EncodeRollbackStart(&buf, rec); err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := DecodeRollbackStart(&buf)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !rec.Equal(got) {
		t.Fatalf("round trip mismatch: %+v != %+v", rec, got)
	}
}

func TestRollbackStartEqualIgnoresOrder(t *testing.T) {
	a := RollbackStart{ActiveTxnIDs: []int64{1, 2, 3}}
	b := RollbackStart{ActiveTxnIDs: []int64{3, 1, 2}}
	if !a.Equal(b) {
		t.Fatalf("expected equal regardless of active txn id order")
	}
	c := RollbackStart{ActiveTxnIDs: []int64{1, 2}}
	if a.Equal(c) {
		t.Fatalf("expected unequal for differing id sets")
	}
}

func TestRollbackEndRoundTrip(t *testing.T) {
	rec := RollbackEnd{
		MatchpointLSN:    vlsn.LSN{FileNumber: 3, Offset: 1024},
		RollbackStartLSN: vlsn.LSN{FileNumber: 3, Offset: 2048},
		Timestamp:        time.Unix(1700000001, 456000).UTC(),
	}

	var buf bytes.Buffer
	if err := EncodeRollbackEnd(&buf, rec); err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := DecodeRollbackEnd(&buf)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !rec.Equal(got) {
		t.Fatalf("round trip mismatch: %+v != %+v", rec, got)
	}
}

func TestRollbackStartEmptyActiveTxnIDs(t *testing.T) {
	rec := RollbackStart{MatchpointVLSN: 1, MatchpointLSN: vlsn.LSN{FileNumber: 1, Offset: 1}}
	var buf bytes.Buffer
	if err := EncodeRollbackStart(&buf, rec); err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := DecodeRollbackStart(&buf)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got.ActiveTxnIDs) != 0 {
		t.Fatalf("expected no active txn ids, got %v", got.ActiveTxnIDs)
	}
}
