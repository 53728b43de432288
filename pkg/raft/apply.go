package raft

import (
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"

	"github.com/atomix-go/atomix/pkg/atomixerrors"
	"github.com/atomix-go/atomix/pkg/primitive"
	"github.com/atomix-go/atomix/pkg/raftpb"
	"github.com/atomix-go/atomix/pkg/session"
)

// resultWaiter is fulfilled exactly once, when the entry at its index is
// applied. Only one of the three fields is ever populated, matching the
// entry kind the waiter was registered for.
type resultWaiter struct {
	command     chan session.ApplyResult
	openSession chan uint64
	ack         chan error
}

// applyCommitted drives every newly-committed entry through the session
// manager and primitive service host, in strict index order (spec §4.3/
// §4.4). Must run on the replica's own goroutine.
func (r *Replica) applyCommitted() {
	for r.lastApplied < r.commitIndex {
		entry, err := r.log.Get(r.lastApplied + 1)
		if err != nil {
			r.opts.Logger.Error("apply: missing committed entry", zap.Uint64("index", r.lastApplied+1), zap.Error(err))
			return
		}
		r.applyEntry(entry)
		r.lastApplied = entry.Index
	}
}

func (r *Replica) applyEntry(entry raftpb.LogEntry) {
	w := r.waiters[entry.Index]
	delete(r.waiters, entry.Index)

	switch entry.Kind {
	case raftpb.InitializeEntry, raftpb.ConfigurationEntry:
		// Configuration changes take effect on receipt (membership.go); a
		// no-op entry needs no apply-time effect beyond advancing the index.
		if w != nil && w.ack != nil {
			w.ack <- nil
		}
	case raftpb.OpenSessionEntry:
		r.applyOpenSession(entry, w)
	case raftpb.KeepAliveEntry:
		r.applyKeepAlive(entry, w)
	case raftpb.CloseSessionEntry:
		r.applyCloseSession(entry, w)
	case raftpb.CommandEntry:
		r.applyCommand(entry, w)
	case raftpb.QueryEntry:
		r.applyQuery(entry, w)
	}

	for _, expired := range r.sessions.ExpireStale(entry.Timestamp) {
		r.opts.Logger.Debug("session expired", zap.Uint64("session", expired))
	}
}

func (r *Replica) applyOpenSession(entry raftpb.LogEntry, w *resultWaiter) {
	var p raftpb.OpenSessionPayload
	if err := msgpack.Unmarshal(entry.Payload, &p); err != nil {
		r.opts.Logger.Error("decode open-session payload failed", zap.Error(err))
		return
	}
	if _, ok := r.hosts[p.ServiceID]; !ok {
		host, err := primitive.Load(p.ServiceType, &primitive.Context{Index: entry.Index, Timestamp: entry.Timestamp})
		if err != nil {
			r.opts.Logger.Error("load primitive service failed", zap.String("type", p.ServiceType), zap.Error(err))
			if w != nil && w.openSession != nil {
				w.openSession <- 0
			}
			return
		}
		r.hosts[p.ServiceID] = host
	}
	s := r.sessions.Open(p.MemberID, p.ServiceID, p.ServiceType, time.Duration(p.TimeoutMS)*time.Millisecond, entry.Timestamp)
	if w != nil && w.openSession != nil {
		w.openSession <- s.ID
	}
}

func (r *Replica) applyKeepAlive(entry raftpb.LogEntry, w *resultWaiter) {
	var p raftpb.KeepAlivePayload
	if err := msgpack.Unmarshal(entry.Payload, &p); err != nil {
		r.opts.Logger.Error("decode keep-alive payload failed", zap.Error(err))
		return
	}
	err := r.sessions.KeepAlive(p.SessionID, p.CommandSequence, p.EventIndex, entry.Timestamp)
	if w != nil && w.ack != nil {
		w.ack <- err
	}
}

func (r *Replica) applyCloseSession(entry raftpb.LogEntry, w *resultWaiter) {
	var p raftpb.CloseSessionPayload
	if err := msgpack.Unmarshal(entry.Payload, &p); err != nil {
		r.opts.Logger.Error("decode close-session payload failed", zap.Error(err))
		return
	}
	err := r.sessions.Close(p.SessionID)
	if w != nil && w.ack != nil {
		w.ack <- err
	}
}

func (r *Replica) applyCommand(entry raftpb.LogEntry, w *resultWaiter) {
	var p raftpb.CommandPayload
	if err := msgpack.Unmarshal(entry.Payload, &p); err != nil {
		r.opts.Logger.Error("decode command payload failed", zap.Error(err))
		return
	}
	_, host, ok := r.hostForSession(p.SessionID)
	if !ok {
		if w != nil && w.command != nil {
			w.command <- session.ApplyResult{Err: atomixerrors.ErrUnknownSession}
		}
		return
	}
	result := r.sessions.Apply(p.SessionID, p.Sequence, func() ([]byte, error) {
		ctx := &primitive.Context{
			Index:     entry.Index,
			Timestamp: entry.Timestamp,
			Role:      r.role.String(),
			SessionID: p.SessionID,
			Emit: func(name string, payload []byte) {
				_ = r.sessions.Emit(p.SessionID, name, payload, entry.Index)
			},
		}
		return host.ApplyCommand(ctx, p.Name, p.Bytes)
	})
	if w != nil && w.command != nil {
		w.command <- result
	}
}

func (r *Replica) applyQuery(entry raftpb.LogEntry, w *resultWaiter) {
	var p raftpb.QueryPayload
	if err := msgpack.Unmarshal(entry.Payload, &p); err != nil {
		r.opts.Logger.Error("decode query payload failed", zap.Error(err))
		return
	}
	_, host, ok := r.hostForSession(p.SessionID)
	if !ok {
		if w != nil && w.command != nil {
			w.command <- session.ApplyResult{Err: nil}
		}
		return
	}
	ctx := &primitive.Context{Index: entry.Index, Timestamp: entry.Timestamp, Role: r.role.String(), SessionID: p.SessionID}
	value, err := host.ApplyQuery(ctx, p.Name, p.Bytes)
	if w != nil && w.command != nil {
		w.command <- session.ApplyResult{Value: value, Err: err}
	}
}

// hostForSession resolves a session to its bound service host. Sessions
// record the ServiceID they were opened against at Open time.
func (r *Replica) hostForSession(sessionID uint64) (string, *primitive.Host, bool) {
	s, err := r.sessions.Get(sessionID)
	if err != nil {
		return "", nil, false
	}
	host, ok := r.hosts[s.ServiceID]
	return s.ServiceID, host, ok
}
