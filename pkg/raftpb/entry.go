// Package raftpb defines the log entry and RPC wire types shared by the
// storage, raft, session, and transport layers. Structs carry msgpack tags
// so they can cross the wire unmodified via the transport package's custom
// codec (see pkg/transport).
package raftpb

// EntryKind discriminates the payload carried by a LogEntry.
type EntryKind uint8

const (
	// InitializeEntry is the leader's no-op appended immediately after
	// election, ensuring a prior-term entry only commits once an entry of
	// the current term has committed (figure-8 safety, spec §4.2).
	InitializeEntry EntryKind = iota
	// ConfigurationEntry carries a Configuration change (single-server
	// add/remove, or a role promotion).
	ConfigurationEntry
	// OpenSessionEntry creates a new client session.
	OpenSessionEntry
	// KeepAliveEntry refreshes a session and acks commands/events.
	KeepAliveEntry
	// CloseSessionEntry destroys a session.
	CloseSessionEntry
	// CommandEntry is a mutating, session-bound operation.
	CommandEntry
	// QueryEntry is a non-mutating operation appended only under
	// consistency levels that require it to flow through the log.
	QueryEntry
)

func (k EntryKind) String() string {
	switch k {
	case InitializeEntry:
		return "Initialize"
	case ConfigurationEntry:
		return "Configuration"
	case OpenSessionEntry:
		return "OpenSession"
	case KeepAliveEntry:
		return "KeepAlive"
	case CloseSessionEntry:
		return "CloseSession"
	case CommandEntry:
		return "Command"
	case QueryEntry:
		return "Query"
	default:
		return "Unknown"
	}
}

// LogEntry is the unit of replication. Indices are strictly monotonic from 1
// within a contiguous log segment; terms are non-decreasing along the log.
type LogEntry struct {
	Index     uint64    `msgpack:"index"`
	Term      uint64    `msgpack:"term"`
	Timestamp int64     `msgpack:"timestamp"` // unix millis, replicated
	Kind      EntryKind `msgpack:"kind"`
	Payload   []byte    `msgpack:"payload"`
}

// CommandPayload is the msgpack-encoded Payload of a CommandEntry.
type CommandPayload struct {
	SessionID uint64 `msgpack:"session_id"`
	Sequence  uint64 `msgpack:"sequence"`
	Name      string `msgpack:"name"` // service operation name
	Bytes     []byte `msgpack:"bytes"`
}

// QueryPayload is the msgpack-encoded Payload of a QueryEntry.
type QueryPayload struct {
	SessionID uint64 `msgpack:"session_id"`
	Name      string `msgpack:"name"`
	Bytes     []byte `msgpack:"bytes"`
}

// OpenSessionPayload is the msgpack-encoded Payload of an OpenSessionEntry.
type OpenSessionPayload struct {
	MemberID   string `msgpack:"member_id"`
	ServiceID  string `msgpack:"service_id"`
	ServiceType string `msgpack:"service_type"`
	TimeoutMS  int64  `msgpack:"timeout_ms"`
}

// KeepAlivePayload is the msgpack-encoded Payload of a KeepAliveEntry.
type KeepAlivePayload struct {
	SessionID        uint64 `msgpack:"session_id"`
	CommandSequence  uint64 `msgpack:"command_sequence"` // ack: sequences <= this may be evicted
	EventIndex       uint64 `msgpack:"event_index"`      // ack: events <= this may be evicted
}

// CloseSessionPayload is the msgpack-encoded Payload of a CloseSessionEntry.
type CloseSessionPayload struct {
	SessionID uint64 `msgpack:"session_id"`
}

// MemberRole is a voter-set annotation for a partition member.
type MemberRole uint8

const (
	RoleReserve MemberRole = iota
	RolePassive
	RoleActive
)

func (r MemberRole) String() string {
	switch r {
	case RoleReserve:
		return "reserve"
	case RolePassive:
		return "passive"
	case RoleActive:
		return "active"
	default:
		return "unknown"
	}
}

// Member is one entry of a partition Configuration.
type Member struct {
	ID      string     `msgpack:"id"`
	Address string     `msgpack:"address"`
	Role    MemberRole `msgpack:"role"`
}

// Configuration is the msgpack-encoded Payload of a ConfigurationEntry. It
// takes effect on receipt, not on commit (spec §4.2).
type Configuration struct {
	Members []Member `msgpack:"members"`
}

// Voters returns the active (voting) members.
func (c Configuration) Voters() []Member {
	out := make([]Member, 0, len(c.Members))
	for _, m := range c.Members {
		if m.Role == RoleActive {
			out = append(out, m)
		}
	}
	return out
}
