package raft

import (
	"context"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/atomix-go/atomix/pkg/atomixerrors"
	"github.com/atomix-go/atomix/pkg/raftpb"
	"github.com/atomix-go/atomix/pkg/session"
)

// proposeAndWait appends entry as kind/payload to the leader's log,
// registers w as its waiter, and blocks until applyEntry fulfills w or ctx
// expires. On timeout it deregisters the waiter so a late application
// doesn't write to an abandoned channel. Returns atomixerrors.NotLeaderError
// immediately if this replica isn't the leader, so the partition router can
// retry against its new leader hint with the same sequence number (spec
// §4.5).
func (r *Replica) proposeAndWait(ctx context.Context, kind raftpb.EntryKind, payload []byte, w *resultWaiter) error {
	var index uint64
	var proposeErr error
	r.exec(func() {
		if r.role != RoleLeader {
			proposeErr = &atomixerrors.NotLeaderError{Hint: r.leaderID}
			return
		}
		entry := raftpb.LogEntry{
			Term:      r.currentTerm,
			Timestamp: time.Now().UnixMilli(),
			Kind:      kind,
			Payload:   payload,
		}
		if err := r.appendLocal(entry); err != nil {
			proposeErr = err
			return
		}
		index = entry.Index
		r.waiters[index] = w
		r.maybeAdvanceCommit()
	})
	if proposeErr != nil {
		return proposeErr
	}

	ready := waiterSignal(w)
	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		r.exec(func() { delete(r.waiters, index) })
		return atomixerrors.ErrTimeout
	case <-r.stopCh:
		return atomixerrors.ErrUnavailable
	}
}

// waiterSignal returns the one populated channel on w, generalized over its
// value type via a relay goroutine so proposeAndWait can select on it
// without knowing which field is in play; the relayed value is pushed back
// so the typed Propose* caller can still read it.
func waiterSignal(w *resultWaiter) <-chan struct{} {
	signal := make(chan struct{}, 1)
	switch {
	case w.command != nil:
		go func() { v := <-w.command; w.command <- v; signal <- struct{}{} }()
	case w.openSession != nil:
		go func() { v := <-w.openSession; w.openSession <- v; signal <- struct{}{} }()
	case w.ack != nil:
		go func() { v := <-w.ack; w.ack <- v; signal <- struct{}{} }()
	default:
		close(signal)
	}
	return signal
}

// ProposeOpenSession appends and applies an OpenSessionEntry, returning the
// newly assigned session id.
func (r *Replica) ProposeOpenSession(ctx context.Context, memberID, serviceID, serviceType string, timeout time.Duration) (uint64, error) {
	payload, err := msgpack.Marshal(raftpb.OpenSessionPayload{
		MemberID: memberID, ServiceID: serviceID, ServiceType: serviceType, TimeoutMS: timeout.Milliseconds(),
	})
	if err != nil {
		return 0, err
	}
	w := &resultWaiter{openSession: make(chan uint64, 1)}
	if err := r.proposeAndWait(ctx, raftpb.OpenSessionEntry, payload, w); err != nil {
		return 0, err
	}
	return <-w.openSession, nil
}

// ProposeCommand appends and applies a CommandEntry bound to an existing
// session, returning the primitive's result bytes.
func (r *Replica) ProposeCommand(ctx context.Context, sessionID, sequence uint64, name string, args []byte) ([]byte, error) {
	payload, err := msgpack.Marshal(raftpb.CommandPayload{SessionID: sessionID, Sequence: sequence, Name: name, Bytes: args})
	if err != nil {
		return nil, err
	}
	w := &resultWaiter{command: make(chan session.ApplyResult, 1)}
	if err := r.proposeAndWait(ctx, raftpb.CommandEntry, payload, w); err != nil {
		return nil, err
	}
	result := <-w.command
	return result.Value, result.Err
}

// ProposeLinearizableQuery appends a QueryEntry so a Linearizable read
// flows through the log like a command (spec §4.5's strongest consistency
// mode), guaranteeing it observes every command committed before it was
// proposed.
func (r *Replica) ProposeLinearizableQuery(ctx context.Context, sessionID uint64, name string, args []byte) ([]byte, error) {
	payload, err := msgpack.Marshal(raftpb.QueryPayload{SessionID: sessionID, Name: name, Bytes: args})
	if err != nil {
		return nil, err
	}
	w := &resultWaiter{command: make(chan session.ApplyResult, 1)}
	if err := r.proposeAndWait(ctx, raftpb.QueryEntry, payload, w); err != nil {
		return nil, err
	}
	result := <-w.command
	return result.Value, result.Err
}

// ProposeKeepAlive appends and applies a KeepAliveEntry.
func (r *Replica) ProposeKeepAlive(ctx context.Context, sessionID, commandSequence, eventIndex uint64) error {
	payload, err := msgpack.Marshal(raftpb.KeepAlivePayload{SessionID: sessionID, CommandSequence: commandSequence, EventIndex: eventIndex})
	if err != nil {
		return err
	}
	w := &resultWaiter{ack: make(chan error, 1)}
	if err := r.proposeAndWait(ctx, raftpb.KeepAliveEntry, payload, w); err != nil {
		return err
	}
	return <-w.ack
}

// ProposeCloseSession appends and applies a CloseSessionEntry.
func (r *Replica) ProposeCloseSession(ctx context.Context, sessionID uint64) error {
	payload, err := msgpack.Marshal(raftpb.CloseSessionPayload{SessionID: sessionID})
	if err != nil {
		return err
	}
	w := &resultWaiter{ack: make(chan error, 1)}
	if err := r.proposeAndWait(ctx, raftpb.CloseSessionEntry, payload, w); err != nil {
		return err
	}
	return <-w.ack
}
