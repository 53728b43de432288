package session

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/atomix-go/atomix/pkg/atomixerrors"
	"github.com/atomix-go/atomix/pkg/raftpb"
)

// Manager is the per-partition server-side table of client sessions. It is
// driven exclusively from the owning partition replica's single-writer
// apply loop (spec §5) — nothing here takes its own lock across an apply
// call except the narrow per-session mutex used for cache/event
// bookkeeping, so callers must not invoke Manager methods concurrently for
// the same partition.
type Manager struct {
	mu        sync.RWMutex
	sessions  map[uint64]*Session
	nextID    uint64
}

// NewManager returns an empty session table. seed is the starting point
// for locally-allocated session ids (the management group in a full
// deployment hands these out cluster-wide; a partition falls back to a
// local monotonic counter seeded by its own id space).
func NewManager(seed uint64) *Manager {
	return &Manager{
		sessions: make(map[uint64]*Session),
		nextID:   seed,
	}
}

// Open creates a new session (an OpenSessionEntry's effect).
func (m *Manager) Open(memberID, serviceID, serviceType string, timeout time.Duration, now int64) *Session {
	id := atomic.AddUint64(&m.nextID, 1)
	s := newSession(id, memberID, serviceID, serviceType, timeout, now)
	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()
	return s
}

// Get returns the session by id.
func (m *Manager) Get(id uint64) (*Session, error) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return nil, atomixerrors.ErrUnknownSession
	}
	if s.IsClosed() {
		return nil, atomixerrors.ErrClosedSession
	}
	return s, nil
}

// KeepAlive refreshes lastUpdated to the applying entry's timestamp,
// advances completeIndex, trims the response cache and event queue for
// acknowledged sequences/events (spec §4.3 "Keep-alive").
func (m *Manager) KeepAlive(id uint64, commandSequenceAck, eventIndexAck uint64, entryTimestamp int64) error {
	s, err := m.Get(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.LastUpdated = entryTimestamp
	if commandSequenceAck > s.CompleteIndex {
		s.CompleteIndex = commandSequenceAck
	}
	s.trimCacheLocked()
	s.mu.Unlock()
	s.events.Ack(eventIndexAck)
	return nil
}

// Close destroys a session (CloseSessionEntry, or a synthesized
// ExpireSession effect).
func (m *Manager) Close(id uint64) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	if !ok {
		return atomixerrors.ErrUnknownSession
	}
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// ExpireStale scans every open session and closes the ones whose timeout
// has elapsed relative to entryTimestamp, the replicated timestamp of the
// entry currently being applied (spec §4.3 "Expiration"). Because
// entryTimestamp is itself replicated, every replica that applies the same
// entry computes the same expiry set, deterministically.
func (m *Manager) ExpireStale(entryTimestamp int64) []uint64 {
	m.mu.RLock()
	candidates := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		candidates = append(candidates, s)
	}
	m.mu.RUnlock()

	var expired []uint64
	for _, s := range candidates {
		if s.Expired(entryTimestamp) {
			if err := m.Close(s.ID); err == nil {
				expired = append(expired, s.ID)
			}
		}
	}
	return expired
}

// ApplyResult is what Manager.Apply reports for one CommandEntry.
type ApplyResult struct {
	Value    []byte
	Err      error
	Deferred bool // true if sequence arrived ahead of order and was buffered
}

// Apply implements exactly-once command application in per-session order
// (spec §4.3): a duplicate/older sequence returns the cached result; the
// next expected sequence runs fn and caches its result; a sequence further
// ahead is buffered until its predecessors have applied, then it and any
// now-unblocked successors run in order.
func (m *Manager) Apply(id uint64, sequence uint64, fn func() ([]byte, error)) ApplyResult {
	s, err := m.Get(id)
	if err != nil {
		return ApplyResult{Err: err}
	}

	s.mu.Lock()
	if sequence > s.CommandSequence {
		s.CommandSequence = sequence
	}

	if sequence <= s.LastApplied {
		if v, ok := s.cache.Get(sequence); ok {
			cr := v.(cachedResult)
			s.mu.Unlock()
			return ApplyResult{Value: cr.value, Err: cr.err}
		}
		// Already evicted: results leave the cache once acknowledged
		// (completeIndex) or when the session's cache bound
		// (maxCachedResultsPerSession) is exceeded. Re-running would
		// violate idempotence, so the command is rejected instead.
		s.mu.Unlock()
		return ApplyResult{Err: atomixerrors.ErrIllegalState}
	}

	if sequence == s.LastApplied+1 {
		s.mu.Unlock()
		return m.runAndDrain(s, sequence, fn)
	}

	// sequence > lastApplied+1: buffer and wait.
	done := make(chan cachedResult, 1)
	s.pending[sequence] = &pendingCommand{apply: fn, done: done}
	s.mu.Unlock()
	return ApplyResult{Deferred: true}
}

// runAndDrain applies fn as sequence, caches the result, advances
// lastApplied, and then drains any buffered successors that are now next
// in line.
func (m *Manager) runAndDrain(s *Session, sequence uint64, fn func() ([]byte, error)) ApplyResult {
	value, err := fn()
	s.mu.Lock()
	s.cache.Add(sequence, cachedResult{value: value, err: err})
	s.LastApplied = sequence
	s.mu.Unlock()

	for {
		s.mu.Lock()
		next := s.LastApplied + 1
		pending, ok := s.pending[next]
		if ok {
			delete(s.pending, next)
		}
		s.mu.Unlock()
		if !ok {
			break
		}
		v, err := pending.apply()
		s.mu.Lock()
		s.cache.Add(next, cachedResult{value: v, err: err})
		s.LastApplied = next
		s.mu.Unlock()
		pending.done <- cachedResult{value: v, err: err}
		close(pending.done)
	}

	return ApplyResult{Value: value, Err: err}
}

// Emit records a session event during apply (spec §4.4).
func (m *Manager) Emit(id uint64, name string, payload []byte, currentLogIndex uint64) error {
	s, err := m.Get(id)
	if err != nil {
		return err
	}
	ev := s.events.Append(name, payload, currentLogIndex)
	s.mu.Lock()
	s.EventIndex = ev.EventIndex
	s.mu.Unlock()
	return nil
}

// Replay returns the unacknowledged events for a session, for delivery on
// reconnect.
func (m *Manager) Replay(id uint64) ([]raftpb.SessionEvent, error) {
	s, err := m.Get(id)
	if err != nil {
		return nil, err
	}
	return s.events.Replay(), nil
}

// Count returns the number of open sessions, for admin/status reporting.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}
