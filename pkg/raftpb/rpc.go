package raftpb

// Envelope fields carried on every wire message so a stale-leader reply can
// be discarded by the caller without a round trip (spec §4.6). PartitionID
// lets one transport connection multiplex RPCs for every partition a node
// hosts, since peers are addressed per-node rather than per-partition.
type Envelope struct {
	PartitionID  string `msgpack:"partition_id"`
	Term         uint64 `msgpack:"term"`
	LeaderAtSend string `msgpack:"leader_at_send"`
}

type AppendEntriesRequest struct {
	Envelope
	ID        string     `msgpack:"id"`
	Leader    string     `msgpack:"leader"`
	PrevIndex uint64     `msgpack:"prev_index"`
	PrevTerm  uint64     `msgpack:"prev_term"`
	Entries   []LogEntry `msgpack:"entries"`
	Commit    uint64     `msgpack:"commit"`
}

type AppendEntriesResponse struct {
	Envelope
	ID            string `msgpack:"id"`
	Succeeded     bool   `msgpack:"succeeded"`
	LastLogIndex  uint64 `msgpack:"last_log_index"`
	ConflictTerm  uint64 `msgpack:"conflict_term"`
	ConflictIndex uint64 `msgpack:"conflict_index"` // first index of ConflictTerm, for fast backtrack
}

type RequestVoteRequest struct {
	Envelope
	ID            string `msgpack:"id"`
	Candidate     string `msgpack:"candidate"`
	LastLogIndex  uint64 `msgpack:"last_log_index"`
	LastLogTerm   uint64 `msgpack:"last_log_term"`
}

type RequestVoteResponse struct {
	Envelope
	ID          string `msgpack:"id"`
	VoteGranted bool   `msgpack:"vote_granted"`
}

// InstallSnapshotChunk is one message of the InstallSnapshot stream.
type InstallSnapshotChunk struct {
	Envelope
	ID            string `msgpack:"id"`
	Leader        string `msgpack:"leader"`
	SnapshotIndex uint64 `msgpack:"snapshot_index"`
	SnapshotTerm  uint64 `msgpack:"snapshot_term"`
	Offset        uint64 `msgpack:"offset"`
	Data          []byte `msgpack:"data"`
	Done          bool   `msgpack:"done"`
}

type InstallSnapshotResponse struct {
	Envelope
	ID      string `msgpack:"id"`
	Success bool   `msgpack:"success"`
}

type SubmitCommandRequest struct {
	ID          string `msgpack:"id"`
	PartitionID string `msgpack:"partition_id"`
	SessionID   uint64 `msgpack:"session_id"`
	Sequence    uint64 `msgpack:"sequence"`
	Name        string `msgpack:"name"`
	Command     []byte `msgpack:"command"`
}

type SubmitCommandResponse struct {
	ID          string `msgpack:"id"`
	Result      []byte `msgpack:"result,omitempty"`
	Error       string `msgpack:"error,omitempty"`
	NotLeader   bool   `msgpack:"not_leader,omitempty"`
	LeaderHint  string `msgpack:"leader_hint,omitempty"`
	CommitIndex uint64 `msgpack:"commit_index"`
}

// ReadConsistency selects how a query is served (spec §4.5).
type ReadConsistency uint8

const (
	Linearizable ReadConsistency = iota
	LinearizableLease
	Sequential
	Eventual
)

type SubmitQueryRequest struct {
	ID          string          `msgpack:"id"`
	PartitionID string          `msgpack:"partition_id"`
	SessionID   uint64          `msgpack:"session_id"`
	Name        string          `msgpack:"name"`
	Query       []byte          `msgpack:"query"`
	Consistency ReadConsistency `msgpack:"consistency"`
	LastCommit  uint64          `msgpack:"last_commit"` // sequential-mode monotonicity tag
}

type SubmitQueryResponse struct {
	ID          string `msgpack:"id"`
	Result      []byte `msgpack:"result,omitempty"`
	Error       string `msgpack:"error,omitempty"`
	NotLeader   bool   `msgpack:"not_leader,omitempty"`
	LeaderHint  string `msgpack:"leader_hint,omitempty"`
	CommitIndex uint64 `msgpack:"commit_index"`
}

// OpenSessionRequest/Response, KeepAliveRequest/Response, and
// CloseSessionRequest/Response are the command subtypes named in spec §6.

type OpenSessionRequest struct {
	ID          string `msgpack:"id"`
	PartitionID string `msgpack:"partition_id"`
	MemberID    string `msgpack:"member_id"`
	ServiceID   string `msgpack:"service_id"`
	ServiceType string `msgpack:"service_type"`
	TimeoutMS   int64  `msgpack:"timeout_ms"`
}

type OpenSessionResponse struct {
	ID         string `msgpack:"id"`
	SessionID  uint64 `msgpack:"session_id"`
	Error      string `msgpack:"error,omitempty"`
	NotLeader  bool   `msgpack:"not_leader,omitempty"`
	LeaderHint string `msgpack:"leader_hint,omitempty"`
}

type KeepAliveRequest struct {
	ID              string `msgpack:"id"`
	PartitionID     string `msgpack:"partition_id"`
	SessionID       uint64 `msgpack:"session_id"`
	CommandSequence uint64 `msgpack:"command_sequence"`
	EventIndex      uint64 `msgpack:"event_index"`
}

type KeepAliveResponse struct {
	ID         string `msgpack:"id"`
	Error      string `msgpack:"error,omitempty"`
	NotLeader  bool   `msgpack:"not_leader,omitempty"`
	LeaderHint string `msgpack:"leader_hint,omitempty"`
}

type CloseSessionRequest struct {
	ID          string `msgpack:"id"`
	PartitionID string `msgpack:"partition_id"`
	SessionID   uint64 `msgpack:"session_id"`
}

type CloseSessionResponse struct {
	ID         string `msgpack:"id"`
	Error      string `msgpack:"error,omitempty"`
	NotLeader  bool   `msgpack:"not_leader,omitempty"`
	LeaderHint string `msgpack:"leader_hint,omitempty"`
}

// SessionEvent is pushed to a client over the StreamEvents RPC.
type SessionEvent struct {
	SessionID          uint64 `msgpack:"session_id"`
	EventIndex         uint64 `msgpack:"event_index"`
	PreviousEventIndex uint64 `msgpack:"previous_event_index"`
	Name               string `msgpack:"name"`
	Payload            []byte `msgpack:"payload"`
}

type SessionEventRequest struct {
	PartitionID string `msgpack:"partition_id"`
	SessionID   uint64 `msgpack:"session_id"`
}
