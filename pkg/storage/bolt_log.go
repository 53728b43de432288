package storage

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	bolt "github.com/boltdb/bolt"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/atomix-go/atomix/pkg/atomixerrors"
	"github.com/atomix-go/atomix/pkg/raftpb"
)

var (
	entriesBucket  = []byte("entries")
	metaBucket     = []byte("log_meta")
	firstIndexKey  = []byte("first_index")
	commitIndexKey = []byte("commit_index")
	snapshotKey    = []byte("snapshot")
)

// boltLog implements Log on top of a bbolt (boltdb) file, used for
// LevelMapped and LevelDisk. LevelDisk fsyncs on every commit (bbolt's
// default); LevelMapped disables that fsync via db.NoSync, relying on the
// OS page cache flushing the mmap'd file, trading durability for
// throughput.
type boltLog struct {
	mu  sync.RWMutex
	db  *bolt.DB
	dur bool // true => fsync every commit (LevelDisk)
}

// NewBoltLog opens (creating if absent) a bbolt-backed log under dir.
func NewBoltLog(dir string, level Level) (Log, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("storage: create dir: %w", err)
	}
	path := filepath.Join(dir, "log.db")
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("storage: open bolt log: %w", err)
	}
	if level == LevelMapped {
		db.NoSync = true
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(entriesBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(metaBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: init buckets: %w", err)
	}
	return &boltLog{db: db, dur: level == LevelDisk}, nil
}

func indexKey(index uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, index)
	return b
}

func (l *boltLog) firstIndexLocked(tx *bolt.Tx) uint64 {
	mb := tx.Bucket(metaBucket)
	v := mb.Get(firstIndexKey)
	if v == nil {
		return 1
	}
	return binary.BigEndian.Uint64(v)
}

func (l *boltLog) lastIndexLocked(tx *bolt.Tx) uint64 {
	eb := tx.Bucket(entriesBucket)
	c := eb.Cursor()
	k, _ := c.Last()
	if k == nil {
		if snap, ok := l.snapshotLocked(tx); ok {
			return snap.Index
		}
		return l.firstIndexLocked(tx) - 1
	}
	return binary.BigEndian.Uint64(k)
}

func (l *boltLog) snapshotLocked(tx *bolt.Tx) (Snapshot, bool) {
	mb := tx.Bucket(metaBucket)
	v := mb.Get(snapshotKey)
	if v == nil {
		return Snapshot{}, false
	}
	var s Snapshot
	if err := msgpack.Unmarshal(v, &s); err != nil {
		return Snapshot{}, false
	}
	return s, true
}

func (l *boltLog) Append(entries []raftpb.LogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.db.Update(func(tx *bolt.Tx) error {
		if entries[0].Index != l.lastIndexLocked(tx)+1 {
			return atomixerrors.ErrOutOfOrder
		}
		eb := tx.Bucket(entriesBucket)
		for _, e := range entries {
			buf, err := msgpack.Marshal(&e)
			if err != nil {
				return err
			}
			if err := eb.Put(indexKey(e.Index), buf); err != nil {
				return err
			}
		}
		return nil
	})
}

func (l *boltLog) TruncateAfter(index uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.db.Update(func(tx *bolt.Tx) error {
		mb := tx.Bucket(metaBucket)
		v := mb.Get(commitIndexKey)
		var commit uint64
		if v != nil {
			commit = binary.BigEndian.Uint64(v)
		}
		if index < commit {
			return atomixerrors.ErrAlreadyCommitted
		}
		eb := tx.Bucket(entriesBucket)
		c := eb.Cursor()
		var toDelete [][]byte
		for k, _ := c.Last(); k != nil; k, _ = c.Prev() {
			if binary.BigEndian.Uint64(k) <= index {
				break
			}
			// copy: cursor keys are only valid during iteration
			kk := append([]byte(nil), k...)
			toDelete = append(toDelete, kk)
		}
		for _, k := range toDelete {
			if err := eb.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

func (l *boltLog) Get(index uint64) (raftpb.LogEntry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out raftpb.LogEntry
	err := l.db.View(func(tx *bolt.Tx) error {
		eb := tx.Bucket(entriesBucket)
		v := eb.Get(indexKey(index))
		if v == nil {
			return atomixerrors.ErrIllegalState
		}
		return msgpack.Unmarshal(v, &out)
	})
	return out, err
}

func (l *boltLog) GetRange(from, to uint64) ([]raftpb.LogEntry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []raftpb.LogEntry
	err := l.db.View(func(tx *bolt.Tx) error {
		eb := tx.Bucket(entriesBucket)
		c := eb.Cursor()
		for k, v := c.Seek(indexKey(from)); k != nil; k, v = c.Next() {
			if binary.BigEndian.Uint64(k) > to {
				break
			}
			var e raftpb.LogEntry
			if err := msgpack.Unmarshal(v, &e); err != nil {
				return err
			}
			out = append(out, e)
		}
		return nil
	})
	return out, err
}

func (l *boltLog) Term(index uint64) (uint64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var term uint64
	err := l.db.View(func(tx *bolt.Tx) error {
		if snap, ok := l.snapshotLocked(tx); ok && snap.Index == index {
			term = snap.Term
			return nil
		}
		eb := tx.Bucket(entriesBucket)
		v := eb.Get(indexKey(index))
		if v == nil {
			return atomixerrors.ErrIllegalState
		}
		var e raftpb.LogEntry
		if err := msgpack.Unmarshal(v, &e); err != nil {
			return err
		}
		term = e.Term
		return nil
	})
	return term, err
}

func (l *boltLog) FirstIndex() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var idx uint64
	l.db.View(func(tx *bolt.Tx) error {
		idx = l.firstIndexLocked(tx)
		return nil
	})
	return idx
}

func (l *boltLog) LastIndex() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var idx uint64
	l.db.View(func(tx *bolt.Tx) error {
		idx = l.lastIndexLocked(tx)
		return nil
	})
	return idx
}

func (l *boltLog) CommitIndex() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var idx uint64
	l.db.View(func(tx *bolt.Tx) error {
		mb := tx.Bucket(metaBucket)
		if v := mb.Get(commitIndexKey); v != nil {
			idx = binary.BigEndian.Uint64(v)
		}
		return nil
	})
	return idx
}

func (l *boltLog) SetCommitIndex(index uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.db.Update(func(tx *bolt.Tx) error {
		mb := tx.Bucket(metaBucket)
		cur := l.CommitIndexLockedForUpdate(mb)
		if index > cur {
			return mb.Put(commitIndexKey, indexKey(index))
		}
		return nil
	})
}

// CommitIndexLockedForUpdate reads the current commit index inside an
// already-open write transaction's meta bucket.
func (l *boltLog) CommitIndexLockedForUpdate(mb *bolt.Bucket) uint64 {
	v := mb.Get(commitIndexKey)
	if v == nil {
		return 0
	}
	return binary.BigEndian.Uint64(v)
}

// Compact atomically writes the snapshot record and drops entries with
// Index < snap.Index in one bbolt transaction: either both happen, or
// neither does, on crash.
func (l *boltLog) Compact(snap Snapshot) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	buf, err := msgpack.Marshal(&snap)
	if err != nil {
		return err
	}
	return l.db.Update(func(tx *bolt.Tx) error {
		mb := tx.Bucket(metaBucket)
		if err := mb.Put(snapshotKey, buf); err != nil {
			return err
		}
		if err := mb.Put(firstIndexKey, indexKey(snap.Index+1)); err != nil {
			return err
		}
		eb := tx.Bucket(entriesBucket)
		c := eb.Cursor()
		var toDelete [][]byte
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			if binary.BigEndian.Uint64(k) >= snap.Index {
				break
			}
			toDelete = append(toDelete, append([]byte(nil), k...))
		}
		for _, k := range toDelete {
			if err := eb.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

func (l *boltLog) LatestSnapshot() (Snapshot, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var snap Snapshot
	var ok bool
	l.db.View(func(tx *bolt.Tx) error {
		snap, ok = l.snapshotLocked(tx)
		return nil
	})
	return snap, ok
}

func (l *boltLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.db.Close()
}
