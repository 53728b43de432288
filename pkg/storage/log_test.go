package storage

import (
	"errors"
	"testing"

	"github.com/atomix-go/atomix/pkg/atomixerrors"
	"github.com/atomix-go/atomix/pkg/raftpb"
)

func entry(index, term uint64) raftpb.LogEntry {
	return raftpb.LogEntry{Index: index, Term: term, Kind: raftpb.CommandEntry}
}

func testLogContract(t *testing.T, newLog func() Log) {
	t.Run("append rejects out of order", func(t *testing.T) {
		l := newLog()
		defer l.Close()
		if err := l.Append([]raftpb.LogEntry{entry(2, 1)}); !errors.Is(err, atomixerrors.ErrOutOfOrder) {
			t.Fatalf("expected ErrOutOfOrder, got %v", err)
		}
	})

	t.Run("append then get range", func(t *testing.T) {
		l := newLog()
		defer l.Close()
		for i := uint64(1); i <= 5; i++ {
			if err := l.Append([]raftpb.LogEntry{entry(i, 1)}); err != nil {
				t.Fatalf("append %d: %v", i, err)
			}
		}
		if got := l.LastIndex(); got != 5 {
			t.Fatalf("LastIndex = %d, want 5", got)
		}
		entries, err := l.GetRange(2, 4)
		if err != nil {
			t.Fatal(err)
		}
		if len(entries) != 3 {
			t.Fatalf("GetRange len = %d, want 3", len(entries))
		}
	})

	t.Run("truncate after rejects committed", func(t *testing.T) {
		l := newLog()
		defer l.Close()
		for i := uint64(1); i <= 5; i++ {
			l.Append([]raftpb.LogEntry{entry(i, 1)})
		}
		l.SetCommitIndex(3)
		if err := l.TruncateAfter(2); !errors.Is(err, atomixerrors.ErrAlreadyCommitted) {
			t.Fatalf("expected ErrAlreadyCommitted, got %v", err)
		}
		if err := l.TruncateAfter(3); err != nil {
			t.Fatalf("TruncateAfter(3): %v", err)
		}
		if got := l.LastIndex(); got != 3 {
			t.Fatalf("LastIndex after truncate = %d, want 3", got)
		}
	})

	t.Run("compact keeps tail readable", func(t *testing.T) {
		l := newLog()
		defer l.Close()
		for i := uint64(1); i <= 10; i++ {
			l.Append([]raftpb.LogEntry{entry(i, 1)})
		}
		l.SetCommitIndex(10)
		if err := l.Compact(Snapshot{Index: 6, Term: 1, Bytes: []byte("state")}); err != nil {
			t.Fatalf("Compact: %v", err)
		}
		if _, err := l.Get(7); err != nil {
			t.Fatalf("Get(7) after compact: %v", err)
		}
		if got := l.FirstIndex(); got != 7 {
			t.Fatalf("FirstIndex after compact = %d, want 7", got)
		}
		snap, ok := l.LatestSnapshot()
		if !ok || snap.Index != 6 {
			t.Fatalf("LatestSnapshot = %+v, %v", snap, ok)
		}
	})
}

func TestMemoryLog(t *testing.T) {
	testLogContract(t, func() Log { return NewMemoryLog() })
}

func TestBoltLog(t *testing.T) {
	dir := t.TempDir()
	i := 0
	testLogContract(t, func() Log {
		i++
		sub := dir + "/" + string(rune('a'+i))
		l, err := NewBoltLog(sub, LevelDisk)
		if err != nil {
			t.Fatal(err)
		}
		return l
	})
}
