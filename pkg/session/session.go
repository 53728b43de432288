// Package session implements the Session Manager (spec §4.3): a
// per-partition, server-side table of client sessions with sequence
// numbers, event queues, and expiration timers. It is the unit of
// linearizability: every CommandEntry carries (sessionId, sequence), and
// the manager guarantees exactly-once application in per-session order.
package session

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
)

// maxCachedResultsPerSession bounds the response cache's memory footprint
// independent of how aggressively a client acknowledges (spec §9: "an
// implementer choice bounded by memory"). The completeIndex watermark is
// still the primary eviction path; this is the backstop.
const maxCachedResultsPerSession = 4096

// pendingCommand is stashed for a command whose sequence arrived ahead of
// the session's expected next sequence; it is executed once earlier
// sequences have applied.
type pendingCommand struct {
	apply func() ([]byte, error)
	done  chan cachedResult
}

type cachedResult struct {
	value []byte
	err   error
}

// Session is a client-to-partition linearization context. See spec §3.
type Session struct {
	ID              uint64
	MemberID        string
	ServiceID       string
	ServiceType     string
	Timeout         time.Duration
	LastUpdated     int64 // entry timestamp (unix millis) of last refresh
	CommandSequence uint64 // highest sequence number seen (applied or buffered)
	LastApplied     uint64 // highest sequence number actually applied
	CompleteIndex   uint64 // client-ACKed watermark for cache/event eviction
	EventIndex      uint64 // highest event index issued to this session

	mu      sync.Mutex
	cache   *lru.Cache                 // seq(uint64) -> cachedResult, for seq in (completeIndex, lastApplied]
	pending map[uint64]*pendingCommand // seq -> buffered command awaiting its turn
	closed  bool
	events  *EventQueue
}

func newSession(id uint64, memberID, serviceID, serviceType string, timeout time.Duration, now int64) *Session {
	cache, _ := lru.New(maxCachedResultsPerSession)
	return &Session{
		ID:          id,
		MemberID:    memberID,
		ServiceID:   serviceID,
		ServiceType: serviceType,
		Timeout:     timeout,
		LastUpdated: now,
		cache:       cache,
		pending:     make(map[uint64]*pendingCommand),
		events:      newEventQueue(),
	}
}

// Expired reports whether the session should be closed given the
// replicated timestamp of the entry currently being applied (spec §4.3
// "Expiration").
func (s *Session) Expired(entryTimestampMillis int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	return time.Duration(entryTimestampMillis-s.LastUpdated)*time.Millisecond > s.Timeout
}

// IsClosed reports whether CloseSession or expiration has already fired.
func (s *Session) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// trimCacheLocked evicts cached results for sequences <= completeIndex.
// Must be called with s.mu held.
func (s *Session) trimCacheLocked() {
	for _, key := range s.cache.Keys() {
		if key.(uint64) <= s.CompleteIndex {
			s.cache.Remove(key)
		}
	}
}
