package api

// MessageType tags every message carried inside the Raft envelope.
// The set is closed: handlers match on it exhaustively and new kinds are
// added by extending this enum, never by open-ended type inspection.
type MessageType uint8

const (
	_ MessageType = iota
	MsgAppend
	MsgAppendResp
	MsgHeartbeat
	MsgHeartbeatResp
	MsgPreVote
	MsgPreVoteResp
	MsgVote
	MsgVoteResp
	MsgReadIndex
	MsgReadIndexResp
	MsgTimeoutNow
)

func (mt MessageType) String() string {
	switch mt {
	case MsgAppend:
		return "MsgAppend"
	case MsgAppendResp:
		return "MsgAppendResp"
	case MsgHeartbeat:
		return "MsgHeartbeat"
	case MsgHeartbeatResp:
		return "MsgHeartbeatResp"
	case MsgPreVote:
		return "MsgPreVote"
	case MsgPreVoteResp:
		return "MsgPreVoteResp"
	case MsgVote:
		return "MsgVote"
	case MsgVoteResp:
		return "MsgVoteResp"
	case MsgReadIndex:
		return "MsgReadIndex"
	case MsgReadIndexResp:
		return "MsgReadIndexResp"
	case MsgTimeoutNow:
		return "MsgTimeoutNow"
	default:
		return "MsgUnknown"
	}
}

// Entry is a single replicated log record. Data is an encoded Command,
// or nil for the no-op a new leader commits to open its term.
type Entry struct {
	Index uint64 `json:"index"`
	Term  uint64 `json:"term"`
	Data  []byte `json:"data,omitempty"`
}

// Message is the single envelope exchanged between region replicas.
// Only the fields relevant to Type are populated; the rest stay zero.
//
// Shared state across replicas travels exclusively inside these payloads
// (commit index, term, leader id) and is treated as a snapshot at
// receipt time.
type Message struct {
	Type     MessageType `json:"type"`
	RegionID uint64      `json:"region_id"`
	From     uint64      `json:"from"`
	To       uint64      `json:"to"`
	Term     uint64      `json:"term"`

	// Log replication (MsgAppend, MsgAppendResp).
	PrevLogIndex uint64  `json:"prev_log_index,omitempty"`
	PrevLogTerm  uint64  `json:"prev_log_term,omitempty"`
	Entries      []Entry `json:"entries,omitempty"`
	MatchIndex   uint64  `json:"match_index,omitempty"`
	Reject       bool    `json:"reject,omitempty"`
	RejectHint   uint64  `json:"reject_hint,omitempty"`

	// Leader commit index, piggy-backed on appends and heartbeats.
	Commit uint64 `json:"commit,omitempty"`

	// Elections (MsgPreVote*, MsgVote*).
	LastLogIndex uint64 `json:"last_log_index,omitempty"`
	LastLogTerm  uint64 `json:"last_log_term,omitempty"`
	Granted      bool   `json:"granted,omitempty"`

	// Read index protocol (MsgReadIndex, MsgReadIndexResp) and the
	// heartbeat round confirming leadership for one. RequireQuorum
	// forbids answering the request from the leader lease.
	CorrelationID uint64 `json:"correlation_id,omitempty"`
	ReadIndex     uint64 `json:"read_index,omitempty"`
	RequireQuorum bool   `json:"require_quorum,omitempty"`
}
