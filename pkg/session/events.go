package session

import (
	"sync"

	"github.com/atomix-go/atomix/pkg/raftpb"
)

// EventQueue holds the events a service has emitted for one session that
// haven't yet been acknowledged by the client. Events are tagged with
// (eventIndex, previousEventIndex); unacknowledged events are retained and
// replayed in full on reconnect (spec §4.3 "Event ordering").
type EventQueue struct {
	mu             sync.Mutex
	unacked        []raftpb.SessionEvent
	lastEventIndex uint64
}

func newEventQueue() *EventQueue {
	return &EventQueue{}
}

// Append records a new event for delivery, assigning it the next
// eventIndex. currentLogIndex is the index of the log entry being applied
// when the event was emitted (spec §4.3).
func (q *EventQueue) Append(name string, payload []byte, currentLogIndex uint64) raftpb.SessionEvent {
	q.mu.Lock()
	defer q.mu.Unlock()
	ev := raftpb.SessionEvent{
		EventIndex:         currentLogIndex,
		PreviousEventIndex: q.lastEventIndex,
		Name:               name,
		Payload:            payload,
	}
	q.unacked = append(q.unacked, ev)
	q.lastEventIndex = currentLogIndex
	return ev
}

// Ack discards events with EventIndex <= index: the client has
// acknowledged them via KeepAlive and they are evictable (spec §4.3).
func (q *EventQueue) Ack(index uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	kept := q.unacked[:0:0]
	for _, ev := range q.unacked {
		if ev.EventIndex > index {
			kept = append(kept, ev)
		}
	}
	q.unacked = kept
}

// Replay returns every unacknowledged event in EventIndex order, for
// delivery to a client that just reconnected.
func (q *EventQueue) Replay() []raftpb.SessionEvent {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]raftpb.SessionEvent, len(q.unacked))
	copy(out, q.unacked)
	return out
}
