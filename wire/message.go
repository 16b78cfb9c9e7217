// Package wire defines the typed messages exchanged between a replica and
// its master, and the bidirectional, framed channel those messages travel
// over. The wire codec itself — turning a Message into bytes on the
// socket — is an external collaborator; this package only ever produces and
// consumes the typed Message value.
package wire

import (
	"time"

	"github.com/joeycumines/go-replica/vlsn"
)

// Kind tags the variant held by a Message.
type Kind int

const (
	KindHeartbeat Kind = iota
	KindHeartbeatResponse
	KindEntry
	KindShutdownRequest
	KindProtocolError
	KindHandshakeRequest
	KindHandshakeResponse
	KindAck
	KindSyncOffer
)

func (k Kind) String() string {
	switch k {
	case KindHeartbeat:
		return "Heartbeat"
	case KindHeartbeatResponse:
		return "HeartbeatResponse"
	case KindEntry:
		return "Entry"
	case KindShutdownRequest:
		return "ShutdownRequest"
	case KindProtocolError:
		return "ProtocolError"
	case KindHandshakeRequest:
		return "HandshakeRequest"
	case KindHandshakeResponse:
		return "HandshakeResponse"
	case KindAck:
		return "Ack"
	case KindSyncOffer:
		return "SyncOffer"
	default:
		return "Unknown"
	}
}

// AckKind tags what an Ack acknowledges.
type AckKind int

const (
	AckEntry AckKind = iota
	AckHeartbeat
	AckShutdown
)

func (k AckKind) String() string {
	switch k {
	case AckEntry:
		return "entry"
	case AckHeartbeat:
		return "heartbeat"
	case AckShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// EntryKind tags the operation carried by an Entry.
type EntryKind int

const (
	EntryPut EntryKind = iota
	EntryDelete
	EntryCommit
	EntryAbort
)

func (k EntryKind) String() string {
	switch k {
	case EntryPut:
		return "put"
	case EntryDelete:
		return "delete"
	case EntryCommit:
		return "commit"
	case EntryAbort:
		return "abort"
	default:
		return "unknown"
	}
}

// IsTxnEnd reports whether this entry kind concludes a transaction.
func (k EntryKind) IsTxnEnd() bool {
	return k == EntryCommit || k == EntryAbort
}

// Heartbeat carries the master's wall-clock time and current commit
// high-water-mark, spontaneously and periodically, so the consistency
// tracker can compute lag even between entries.
type Heartbeat struct {
	MasterNow        time.Time
	MasterTxnEndVLSN vlsn.VLSN
	HeartbeatID      int64
}

// HeartbeatResponse is sent by the replica's writer spontaneously when it
// has otherwise been idle; a Heartbeat itself is answered with an Ack of
// kind AckHeartbeat.
type HeartbeatResponse struct {
	HeartbeatID int64
	ReplicaNow  time.Time
}

// Entry is one replicated log record.
type Entry struct {
	VLSN  vlsn.VLSN
	Kind  EntryKind
	TxnID int64
	// RecordKey names the record a put/delete affects; empty for commit
	// and abort entries, which carry no record of their own. Unlike
	// Payload, the engine itself reads this field — it is what the lock
	// table and storage engine key on.
	RecordKey string
	// Payload is the opaque value bytes a put carries; the engine never
	// inspects it beyond handing it to the storage engine.
	Payload []byte
	DTVLSN  vlsn.DTVLSN
	// MasterTerm identifies the master incarnation that produced this entry.
	// The replay engine carries it but does not read it.
	MasterTerm int64
	// MasterCommitTime is populated on txn-end entries; it is the master's
	// wall-clock time at commit, used by the consistency tracker's lag
	// formula.
	MasterCommitTime time.Time
}

// ShutdownRequest is sent by the master ahead of a coordinated group
// shutdown.
type ShutdownRequest struct {
	ShutdownTime time.Time
}

// ProtocolErrorMsg reports a protocol-level failure detected by the peer.
type ProtocolErrorMsg struct {
	Text string
}

// HandshakeRequest is the first frame a replica sends when connecting,
// offering its supported protocol version range.
type HandshakeRequest struct {
	NodeName   string
	MinVersion int
	MaxVersion int
}

// HandshakeResponse is the master's reply, naming the version it selected.
type HandshakeResponse struct {
	NodeName string
	Version  int
	Accepted bool
	Reason   string
}

// SyncOffer is sent by the master immediately after a successful
// HandshakeResponse, naming the candidate end-of-transaction VLSNs the
// replica may use as a match point during sync-up.
type SyncOffer struct {
	Candidates []vlsn.VLSN
}

// Ack acknowledges that the replayer has durably processed a message; the
// writer sends one per replayed Entry, Heartbeat, or ShutdownRequest, in an
// order that need not match entry VLSN order but must match the order of
// other acks of the same kind.
type Ack struct {
	Kind        AckKind
	VLSN        vlsn.VLSN
	HeartbeatID int64
}

// Message is a tagged union over every frame the engine can send or
// receive. Exactly one of the typed fields matching Kind is populated.
type Message struct {
	Kind Kind

	Heartbeat         *Heartbeat
	HeartbeatResponse *HeartbeatResponse
	Entry             *Entry
	Shutdown          *ShutdownRequest
	ProtocolErr       *ProtocolErrorMsg
	HandshakeReq      *HandshakeRequest
	HandshakeResp     *HandshakeResponse
	Ack               *Ack
	SyncOffer         *SyncOffer
}

// NewHeartbeat wraps hb as a Message.
func NewHeartbeat(hb Heartbeat) Message { return Message{Kind: KindHeartbeat, Heartbeat: &hb} }

// NewHeartbeatResponse wraps hr as a Message.
func NewHeartbeatResponse(hr HeartbeatResponse) Message {
	return Message{Kind: KindHeartbeatResponse, HeartbeatResponse: &hr}
}

// NewEntry wraps e as a Message.
func NewEntry(e Entry) Message { return Message{Kind: KindEntry, Entry: &e} }

// NewShutdownRequest wraps sr as a Message.
func NewShutdownRequest(sr ShutdownRequest) Message {
	return Message{Kind: KindShutdownRequest, Shutdown: &sr}
}

// NewProtocolError wraps text as a Message.
func NewProtocolError(text string) Message {
	return Message{Kind: KindProtocolError, ProtocolErr: &ProtocolErrorMsg{Text: text}}
}

// NewAck wraps a as a Message.
func NewAck(a Ack) Message { return Message{Kind: KindAck, Ack: &a} }

// NewSyncOffer wraps so as a Message.
func NewSyncOffer(so SyncOffer) Message { return Message{Kind: KindSyncOffer, SyncOffer: &so} }
