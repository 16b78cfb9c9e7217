package handshake

import (
	"encoding/binary"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/joeycumines/go-replica/vlsn"
)

// RollbackStart is a non-replicated local-log marker written before a
// sync-up rollback truncates the tail of the log.
type RollbackStart struct {
	MatchpointVLSN vlsn.VLSN
	MatchpointLSN  vlsn.LSN
	Timestamp      time.Time
	ActiveTxnIDs   []int64
}

// Equal reports logical equality: both LSNs, the timestamp, and the set of
// active txn ids (order-independent) must match.
func (r RollbackStart) Equal(other RollbackStart) bool {
	if r.MatchpointVLSN != other.MatchpointVLSN ||
		r.MatchpointLSN != other.MatchpointLSN ||
		!r.Timestamp.Equal(other.Timestamp) {
		return false
	}
	return sameIDSet(r.ActiveTxnIDs, other.ActiveTxnIDs)
}

// RollbackEnd is the matching non-replicated marker written once the
// truncation named by a RollbackStart has completed.
type RollbackEnd struct {
	MatchpointLSN    vlsn.LSN
	RollbackStartLSN vlsn.LSN
	Timestamp        time.Time
}

// Equal reports logical equality between two RollbackEnd records.
func (r RollbackEnd) Equal(other RollbackEnd) bool {
	return r.MatchpointLSN == other.MatchpointLSN &&
		r.RollbackStartLSN == other.RollbackStartLSN &&
		r.Timestamp.Equal(other.Timestamp)
}

func sameIDSet(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	as := append([]int64(nil), a...)
	bs := append([]int64(nil), b...)
	sort.Slice(as, func(i, j int) bool { return as[i] < as[j] })
	sort.Slice(bs, func(i, j int) bool { return bs[i] < bs[j] })
	for i := range as {
		if as[i] != bs[i] {
			return false
		}
	}
	return true
}

// EncodeRollbackStart writes rec to w as
// packed(matchpoint_vlsn) || packed(matchpoint_lsn) || packed(timestamp) ||
// packed(n) || packed(active_txn_id)*n.
func EncodeRollbackStart(w io.Writer, rec RollbackStart) error {
	if err := writeVarint(w, int64(rec.MatchpointVLSN)); err != nil {
		return err
	}
	if err := writeLSN(w, rec.MatchpointLSN); err != nil {
		return err
	}
	if err := writeVarint(w, rec.Timestamp.UnixNano()); err != nil {
		return err
	}
	if err := writeVarint(w, int64(len(rec.ActiveTxnIDs))); err != nil {
		return err
	}
	for _, id := range rec.ActiveTxnIDs {
		if err := writeVarint(w, id); err != nil {
			return err
		}
	}
	return nil
}

// DecodeRollbackStart reads a record written by EncodeRollbackStart.
func DecodeRollbackStart(r io.Reader) (RollbackStart, error) {
	var rec RollbackStart

	matchVLSN, err := readVarint(r)
	if err != nil {
		return rec, err
	}
	rec.MatchpointVLSN = vlsn.VLSN(matchVLSN)

	lsn, err := readLSN(r)
	if err != nil {
		return rec, err
	}
	rec.MatchpointLSN = lsn

	ts, err := readVarint(r)
	if err != nil {
		return rec, err
	}
	rec.Timestamp = time.Unix(0, ts).UTC()

	n, err := readVarint(r)
	if err != nil {
		return rec, err
	}
	if n < 0 {
		return rec, fmt.Errorf("handshake: RollbackStart: negative active txn count %d", n)
	}
	rec.ActiveTxnIDs = make([]int64, n)
	for i := range rec.ActiveTxnIDs {
		id, err := readVarint(r)
		if err != nil {
			return rec, err
		}
		rec.ActiveTxnIDs[i] = id
	}
	return rec, nil
}

// EncodeRollbackEnd writes rec to w as
// packed(matchpoint_lsn) || packed(rollback_start_lsn) || packed(timestamp).
func EncodeRollbackEnd(w io.Writer, rec RollbackEnd) error {
	if err := writeLSN(w, rec.MatchpointLSN); err != nil {
		return err
	}
	if err := writeLSN(w, rec.RollbackStartLSN); err != nil {
		return err
	}
	return writeVarint(w, rec.Timestamp.UnixNano())
}

// DecodeRollbackEnd reads a record written by EncodeRollbackEnd.
func DecodeRollbackEnd(r io.Reader) (RollbackEnd, error) {
	var rec RollbackEnd

	lsn, err := readLSN(r)
	if err != nil {
		return rec, err
	}
	rec.MatchpointLSN = lsn

	lsn, err = readLSN(r)
	if err != nil {
		return rec, err
	}
	rec.RollbackStartLSN = lsn

	ts, err := readVarint(r)
	if err != nil {
		return rec, err
	}
	rec.Timestamp = time.Unix(0, ts).UTC()
	return rec, nil
}

func writeVarint(w io.Writer, v int64) error {
	var buf [binary.MaxVarintLen64]byte
	n := binary.PutVarint(buf[:], v)
	_, err := w.Write(buf[:n])
	return err
}

func readVarint(r io.Reader) (int64, error) {
	br, ok := r.(io.ByteReader)
	if !ok {
		br = &byteReaderAdapter{r: r}
	}
	return binary.ReadVarint(br)
}

func writeLSN(w io.Writer, l vlsn.LSN) error {
	if err := writeVarint(w, l.FileNumber); err != nil {
		return err
	}
	return writeVarint(w, l.Offset)
}

func readLSN(r io.Reader) (vlsn.LSN, error) {
	fileNumber, err := readVarint(r)
	if err != nil {
		return vlsn.LSN{}, err
	}
	offset, err := readVarint(r)
	if err != nil {
		return vlsn.LSN{}, err
	}
	return vlsn.LSN{FileNumber: fileNumber, Offset: offset}, nil
}

// byteReaderAdapter adapts an io.Reader lacking ReadByte (as binary.ReadVarint
// requires) by reading one byte at a time.
type byteReaderAdapter struct {
	r   io.Reader
	buf [1]byte
}

func (a *byteReaderAdapter) ReadByte() (byte, error) {
	if _, err := io.ReadFull(a.r, a.buf[:]); err != nil {
		return 0, err
	}
	return a.buf[0], nil
}
