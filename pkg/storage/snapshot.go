package storage

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/hashicorp/raft"
)

// snapshotSink implements raft.SnapshotSink (Write/Close/ID/Cancel) so
// code written against a raft.SnapshotSink can write into it, even though
// the underlying store below is our own, not hashicorp/raft's
// FileSnapshotStore. Nothing in this module calls SnapshotStore.Create:
// pkg/transport hands InstallSnapshot chunks straight to the Replica.
type snapshotSink struct {
	id       string
	tmpPath  string
	finalPath string
	f        *os.File
	buf      bytes.Buffer
	canceled bool
}

var _ raft.SnapshotSink = (*snapshotSink)(nil)

func (s *snapshotSink) Write(p []byte) (int, error) { return s.buf.Write(p) }

func (s *snapshotSink) ID() string { return s.id }

func (s *snapshotSink) Cancel() error {
	s.canceled = true
	return os.Remove(s.tmpPath)
}

// Close flushes the buffered bytes to the temp file and atomically renames
// it into place — the write-then-rename contract from spec §6 — unless the
// sink was canceled.
func (s *snapshotSink) Close() error {
	if s.canceled {
		return nil
	}
	f, err := os.OpenFile(s.tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(s.buf.Bytes()); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(s.tmpPath, s.finalPath)
}

// SnapshotStore manages the one active snapshot file per partition,
// named by its index, rotated atomically (spec §3, §6).
type SnapshotStore struct {
	mu  sync.Mutex
	dir string
}

// NewSnapshotStore creates a SnapshotStore rooted at dir.
func NewSnapshotStore(dir string) (*SnapshotStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("storage: create snapshot dir: %w", err)
	}
	return &SnapshotStore{dir: dir}, nil
}

func (s *SnapshotStore) pathFor(index uint64) string {
	return filepath.Join(s.dir, fmt.Sprintf("snapshot-%020d.dat", index))
}

// Create begins writing a new snapshot at (index, term). The caller writes
// state-machine bytes to the returned sink and must Close it to make the
// snapshot durable, or Cancel it to discard the attempt.
func (s *SnapshotStore) Create(index, term uint64) (raft.SnapshotSink, error) {
	final := s.pathFor(index)
	return &snapshotSink{
		id:        fmt.Sprintf("%d-%d", term, index),
		tmpPath:   final + ".tmp",
		finalPath: final,
	}, nil
}

// Latest returns the bytes of the highest-index snapshot on disk, if any.
func (s *SnapshotStore) Latest() (index uint64, data []byte, ok bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, nil, false, err
	}
	var bestName string
	var bestIndex uint64
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		var idx uint64
		if _, scanErr := fmt.Sscanf(e.Name(), "snapshot-%020d.dat", &idx); scanErr == nil {
			if idx >= bestIndex || bestName == "" {
				bestIndex, bestName = idx, e.Name()
			}
		}
	}
	if bestName == "" {
		return 0, nil, false, nil
	}
	f, err := os.Open(filepath.Join(s.dir, bestName))
	if err != nil {
		return 0, nil, false, err
	}
	defer f.Close()
	data, err = io.ReadAll(f)
	if err != nil {
		return 0, nil, false, err
	}
	return bestIndex, data, true, nil
}
