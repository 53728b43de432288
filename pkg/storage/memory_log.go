package storage

import (
	"sync"

	"github.com/atomix-go/atomix/pkg/atomixerrors"
	"github.com/atomix-go/atomix/pkg/raftpb"
)

// memoryLog implements Log entirely in process memory. No durability: used
// for test clusters and for LevelMemory.
type memoryLog struct {
	mu          sync.RWMutex
	entries     []raftpb.LogEntry // in index order; after Compact, entries[0] is the snapshot's own index (firstIndex-1)
	firstIndex  uint64
	commitIndex uint64
	snapshot    *Snapshot
}

// NewMemoryLog returns a Log backed by an in-memory slice.
func NewMemoryLog() Log {
	return &memoryLog{firstIndex: 1}
}

func (l *memoryLog) Append(entries []raftpb.LogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	want := l.lastIndexLocked() + 1
	if entries[0].Index != want {
		return atomixerrors.ErrOutOfOrder
	}
	l.entries = append(l.entries, entries...)
	return nil
}

func (l *memoryLog) lastIndexLocked() uint64 {
	if len(l.entries) == 0 {
		if l.snapshot != nil {
			return l.snapshot.Index
		}
		return l.firstIndex - 1
	}
	return l.entries[len(l.entries)-1].Index
}

func (l *memoryLog) TruncateAfter(index uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if index < l.commitIndex {
		return atomixerrors.ErrAlreadyCommitted
	}
	if len(l.entries) == 0 {
		return nil
	}
	base := l.entries[0].Index
	if index < base-1 {
		l.entries = nil
		return nil
	}
	keep := index - base + 1
	if keep >= uint64(len(l.entries)) {
		return nil
	}
	l.entries = l.entries[:keep]
	return nil
}

func (l *memoryLog) indexOf(index uint64) (int, bool) {
	if len(l.entries) == 0 {
		return 0, false
	}
	base := l.entries[0].Index
	if index < base {
		return 0, false
	}
	pos := int(index - base)
	if pos >= len(l.entries) {
		return 0, false
	}
	return pos, true
}

func (l *memoryLog) Get(index uint64) (raftpb.LogEntry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	pos, ok := l.indexOf(index)
	if !ok {
		return raftpb.LogEntry{}, atomixerrors.ErrIllegalState
	}
	return l.entries[pos], nil
}

func (l *memoryLog) GetRange(from, to uint64) ([]raftpb.LogEntry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if to < from {
		return nil, nil
	}
	fromPos, ok := l.indexOf(from)
	if !ok {
		return nil, atomixerrors.ErrIllegalState
	}
	toPos, ok := l.indexOf(to)
	if !ok {
		toPos = len(l.entries) - 1
	}
	out := make([]raftpb.LogEntry, toPos-fromPos+1)
	copy(out, l.entries[fromPos:toPos+1])
	return out, nil
}

func (l *memoryLog) Term(index uint64) (uint64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.snapshot != nil && index == l.snapshot.Index {
		return l.snapshot.Term, nil
	}
	pos, ok := l.indexOf(index)
	if !ok {
		return 0, atomixerrors.ErrIllegalState
	}
	return l.entries[pos].Term, nil
}

func (l *memoryLog) FirstIndex() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.firstIndex
}

func (l *memoryLog) LastIndex() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.lastIndexLocked()
}

func (l *memoryLog) CommitIndex() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.commitIndex
}

func (l *memoryLog) SetCommitIndex(index uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if index > l.commitIndex {
		l.commitIndex = index
	}
}

func (l *memoryLog) Compact(snap Snapshot) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	kept := l.entries[:0:0]
	for _, e := range l.entries {
		if e.Index >= snap.Index {
			kept = append(kept, e)
		}
	}
	l.entries = kept
	s := snap
	l.snapshot = &s
	l.firstIndex = snap.Index + 1
	return nil
}

func (l *memoryLog) LatestSnapshot() (Snapshot, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.snapshot == nil {
		return Snapshot{}, false
	}
	return *l.snapshot, true
}

func (l *memoryLog) Close() error { return nil }
