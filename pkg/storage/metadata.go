package storage

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	raftboltdb "github.com/hashicorp/raft-boltdb"
)

// MetadataStore persists the two pieces of durable Raft replica state that
// aren't part of the log: currentTerm and votedFor (spec §4.2 "Persistent
// state").
type MetadataStore interface {
	CurrentTerm() (uint64, error)
	SetCurrentTerm(term uint64) error
	VotedFor() (string, error)
	SetVotedFor(candidate string) error
	Close() error
}

var (
	currentTermKey = []byte("current_term")
	votedForKey    = []byte("voted_for")
)

// boltMetadataStore persists via hashicorp/raft-boltdb's BoltStore, reused
// here purely as a StableStore (Set/Get/SetUint64/GetUint64) implementation
// — the same store the teacher wires up in node.go, minus the raft.Raft
// engine that would otherwise own it.
type boltMetadataStore struct {
	store *raftboltdb.BoltStore
}

// NewBoltMetadataStore opens (or creates) the metadata file under dir.
func NewBoltMetadataStore(dir string) (MetadataStore, error) {
	store, err := raftboltdb.NewBoltStore(filepath.Join(dir, "meta.db"))
	if err != nil {
		return nil, fmt.Errorf("storage: open metadata store: %w", err)
	}
	return &boltMetadataStore{store: store}, nil
}

func (s *boltMetadataStore) CurrentTerm() (uint64, error) {
	term, err := s.store.GetUint64(currentTermKey)
	if errors.Is(err, raftboltdb.ErrKeyNotFound) {
		return 0, nil
	}
	return term, err
}

func (s *boltMetadataStore) SetCurrentTerm(term uint64) error {
	return s.store.SetUint64(currentTermKey, term)
}

func (s *boltMetadataStore) VotedFor() (string, error) {
	v, err := s.store.Get(votedForKey)
	if errors.Is(err, raftboltdb.ErrKeyNotFound) {
		return "", nil
	}
	return string(v), err
}

func (s *boltMetadataStore) SetVotedFor(candidate string) error {
	return s.store.Set(votedForKey, []byte(candidate))
}

func (s *boltMetadataStore) Close() error {
	return s.store.Close()
}

// memoryMetadataStore is the LevelMemory MetadataStore: no persistence.
type memoryMetadataStore struct {
	mu       sync.RWMutex
	term     uint64
	votedFor string
}

// NewMemoryMetadataStore returns a MetadataStore that never touches disk.
func NewMemoryMetadataStore() MetadataStore {
	return &memoryMetadataStore{}
}

func (s *memoryMetadataStore) CurrentTerm() (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.term, nil
}

func (s *memoryMetadataStore) SetCurrentTerm(term uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.term = term
	return nil
}

func (s *memoryMetadataStore) VotedFor() (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.votedFor, nil
}

func (s *memoryMetadataStore) SetVotedFor(candidate string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.votedFor = candidate
	return nil
}

func (s *memoryMetadataStore) Close() error { return nil }
