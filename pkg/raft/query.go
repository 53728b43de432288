package raft

import (
	"github.com/atomix-go/atomix/pkg/atomixerrors"
	"github.com/atomix-go/atomix/pkg/primitive"
	"github.com/atomix-go/atomix/pkg/raftpb"
)

// ReadLeaseOrSequential answers a query directly against local state,
// without a log round trip, for the two cheaper consistency modes of spec
// §4.5:
//
//   - LinearizableLease: served only while this replica holds a live
//     heartbeat lease (leaseValid); otherwise the caller must fall back to
//     ProposeLinearizableQuery.
//   - Sequential: served from local state regardless of leadership, as long
//     as this replica's applied index is at least the client's lastCommit,
//     so the client never observes time moving backwards.
//
// requireLease selects which of the two rules above to enforce.
func (r *Replica) ReadLeaseOrSequential(sessionID uint64, name string, args []byte, requireLease bool, lastCommit uint64) ([]byte, error) {
	var result []byte
	var resultErr error
	r.exec(func() {
		if requireLease {
			if !r.leaseValid(r.opts.Clock.Now()) {
				resultErr = atomixerrors.ErrReadStale
				return
			}
		} else if r.lastApplied < lastCommit {
			resultErr = atomixerrors.ErrReadStale
			return
		}
		_, host, ok := r.hostForSession(sessionID)
		if !ok {
			resultErr = atomixerrors.ErrUnknownSession
			return
		}
		ctx := &primitive.Context{Index: r.lastApplied, Role: r.role.String(), SessionID: sessionID}
		result, resultErr = host.ApplyQuery(ctx, name, args)
	})
	return result, resultErr
}

// SessionEvents returns a session's unacknowledged events, for delivery
// over the StreamEvents RPC on (re)connect.
func (r *Replica) SessionEvents(sessionID uint64) ([]raftpb.SessionEvent, error) {
	var out []raftpb.SessionEvent
	var resultErr error
	r.exec(func() {
		out, resultErr = r.sessions.Replay(sessionID)
	})
	return out, resultErr
}

// ReadEventual answers a query from whatever state this replica currently
// has, with no recency guarantee at all (spec §4.5's cheapest mode) —
// useful on a Passive/Reserve replica that isn't caught up to the leader.
func (r *Replica) ReadEventual(sessionID uint64, name string, args []byte) ([]byte, error) {
	var result []byte
	var resultErr error
	r.exec(func() {
		_, host, ok := r.hostForSession(sessionID)
		if !ok {
			resultErr = atomixerrors.ErrUnknownSession
			return
		}
		ctx := &primitive.Context{Index: r.lastApplied, Role: r.role.String(), SessionID: sessionID}
		result, resultErr = host.ApplyQuery(ctx, name, args)
	})
	return result, resultErr
}
