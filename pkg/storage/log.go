// Package storage implements the Log & Storage component (spec §4.1): an
// append-only ordered log of entries plus a snapshot per partition,
// supporting append, truncate-suffix, read-by-index, and compact-prefix.
package storage

import (
	"github.com/atomix-go/atomix/pkg/raftpb"
)

// Log is the append-only, ordered log of one partition replica.
type Log interface {
	// Append adds entries to the tail of the log. Fails with
	// atomixerrors.ErrOutOfOrder if entries[0].Index != LastIndex()+1.
	// Returns only after entries are durable at the configured Level.
	Append(entries []raftpb.LogEntry) error

	// TruncateAfter removes every entry with Index > index. Fails with
	// atomixerrors.ErrAlreadyCommitted if that would delete a committed
	// entry.
	TruncateAfter(index uint64) error

	// Get returns the entry at index.
	Get(index uint64) (raftpb.LogEntry, error)

	// GetRange returns entries in [from, to].
	GetRange(from, to uint64) ([]raftpb.LogEntry, error)

	// Term returns the term of the entry at index, or the snapshot's term
	// if index equals the last compacted index.
	Term(index uint64) (uint64, error)

	// FirstIndex returns one past the last compacted index (1 if nothing
	// has been compacted).
	FirstIndex() uint64

	// LastIndex returns the index of the last entry in the log, or the
	// snapshot index if the log is empty after compaction.
	LastIndex() uint64

	// CommitIndex/SetCommitIndex track the highest index known replicated
	// to a majority; kept here so TruncateAfter can enforce
	// firstIndex <= commitIndex+1 and reject truncation of committed
	// entries.
	CommitIndex() uint64
	SetCommitIndex(index uint64)

	// Compact atomically writes snap as the new active snapshot and drops
	// log entries with Index < snap.Index. The write is crash-atomic: the
	// snapshot is durable before entries are dropped, or the compaction
	// has no effect at all.
	Compact(snap Snapshot) error

	// LatestSnapshot returns the most recently compacted snapshot, if any.
	LatestSnapshot() (Snapshot, bool)

	// Close releases underlying file handles.
	Close() error
}

// Snapshot represents materialized state-machine state after applying
// entry Index (spec §3).
type Snapshot struct {
	Index     uint64
	Term      uint64
	Timestamp int64
	Bytes     []byte
}
