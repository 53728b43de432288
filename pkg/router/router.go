// Package router implements the Partition Router / Client (spec §4.5): it
// maps a primitive key to a partition, keeps per-partition leader affinity
// so steady-state traffic doesn't have to guess, retries a command against
// the new leader with the *same* sequence number on NotLeader/timeout (so
// the session's exactly-once guarantee is never violated by a retry), and
// serves reads at one of four consistency levels.
package router

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/atomix-go/atomix/pkg/atomixerrors"
	"github.com/atomix-go/atomix/pkg/raftpb"
)

// transportClient is the subset of *pkg/transport.Client the router needs,
// narrowed to a local interface so tests can substitute a fake without
// standing up real gRPC connections.
type transportClient interface {
	SubmitCommand(ctx context.Context, target string, req *raftpb.SubmitCommandRequest) (*raftpb.SubmitCommandResponse, error)
	SubmitQuery(ctx context.Context, target string, req *raftpb.SubmitQueryRequest) (*raftpb.SubmitQueryResponse, error)
	OpenSession(ctx context.Context, target string, req *raftpb.OpenSessionRequest) (*raftpb.OpenSessionResponse, error)
	KeepAlive(ctx context.Context, target string, req *raftpb.KeepAliveRequest) (*raftpb.KeepAliveResponse, error)
	CloseSession(ctx context.Context, target string, req *raftpb.CloseSessionRequest) (*raftpb.CloseSessionResponse, error)
}

// Topology tells the router which partition owns a key and which addresses
// host its members. pkg/cluster implements this against the live node set;
// a config-driven static topology suffices for a fixed-size deployment.
type Topology interface {
	PartitionCount() int
	PartitionID(index int) string
	Members(partitionID string) []raftpb.Member
}

// SessionHandle identifies an open primitive session on its partition, and
// owns the monotonic sequence counter exactly-once application depends on.
type SessionHandle struct {
	PartitionID string
	SessionID   uint64
	ServiceID   string
	sequence    uint64
}

// NextSequence returns the next command sequence number for this session.
// Call it exactly once per logical command; retries of that command must
// reuse the returned value rather than calling this again (spec §4.5).
func (h *SessionHandle) NextSequence() uint64 {
	return atomic.AddUint64(&h.sequence, 1)
}

// Router is the client-side entry point for submitting commands and
// queries against a partitioned Atomix cluster.
type Router struct {
	transport transportClient
	topology  Topology
	logger    *zap.Logger

	retryBackoff time.Duration
	maxAttempts  int

	mu          sync.Mutex
	leaderHints map[string]string // partitionID -> believed leader address
	rotation    map[string]int    // partitionID -> next member index to try when no hint exists
}

// New constructs a Router over the given transport and partition topology.
// transport is typically a *pkg/transport.Client; it is accepted through the
// narrow transportClient interface so this package never has to import
// pkg/transport directly.
func New(transport transportClient, topology Topology, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		transport:    transport,
		topology:     topology,
		logger:       logger,
		retryBackoff: 25 * time.Millisecond,
		maxAttempts:  5,
		leaderHints:  make(map[string]string),
		rotation:     make(map[string]int),
	}
}

// PartitionFor maps a primitive key to a partition id by FNV-1a hashing the
// key into the fixed partition count, the same shard-then-route shape the
// teacher's router used, now backed by real routing logic instead of a
// round-robin stub.
func (r *Router) PartitionFor(key []byte) string {
	h := fnv.New32a()
	_, _ = h.Write(key)
	n := r.topology.PartitionCount()
	if n <= 0 {
		n = 1
	}
	idx := int(h.Sum32()) % n
	if idx < 0 {
		idx += n
	}
	return r.topology.PartitionID(idx)
}

// targetsFor returns the address to try first (a cached leader hint if one
// exists) followed by the rest of the partition's members, so a retry loop
// can walk the whole membership if the hint is stale.
func (r *Router) targetsFor(partitionID string) []string {
	members := r.topology.Members(partitionID)
	if len(members) == 0 {
		return nil
	}
	addrs := make([]string, 0, len(members))
	for _, m := range members {
		addrs = append(addrs, m.Address)
	}

	r.mu.Lock()
	hint := r.leaderHints[partitionID]
	start := r.rotation[partitionID]
	r.rotation[partitionID] = (start + 1) % len(addrs)
	r.mu.Unlock()

	ordered := make([]string, 0, len(addrs))
	if hint != "" {
		ordered = append(ordered, hint)
	}
	for i := 0; i < len(addrs); i++ {
		a := addrs[(start+i)%len(addrs)]
		if a != hint {
			ordered = append(ordered, a)
		}
	}
	return ordered
}

func (r *Router) rememberLeader(partitionID, addr string) {
	if addr == "" {
		return
	}
	r.mu.Lock()
	r.leaderHints[partitionID] = addr
	r.mu.Unlock()
}

func (r *Router) forgetLeader(partitionID string) {
	r.mu.Lock()
	delete(r.leaderHints, partitionID)
	r.mu.Unlock()
}

// OpenSession opens a primitive session on the partition owning key,
// retrying against the partition's other members on NotLeader (spec §4.5).
func (r *Router) OpenSession(ctx context.Context, key []byte, memberID, serviceID, serviceType string, timeout time.Duration) (*SessionHandle, error) {
	partitionID := r.PartitionFor(key)
	req := &raftpb.OpenSessionRequest{
		ID: uuid.NewString(), PartitionID: partitionID,
		MemberID: memberID, ServiceID: serviceID, ServiceType: serviceType,
		TimeoutMS: timeout.Milliseconds(),
	}
	var resp *raftpb.OpenSessionResponse
	err := r.withRetry(ctx, partitionID, func(ctx context.Context, target string) error {
		var callErr error
		resp, callErr = r.transport.OpenSession(ctx, target, req)
		return openSessionOutcome(resp, callErr)
	})
	if err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("router: open session: %s", resp.Error)
	}
	return &SessionHandle{PartitionID: partitionID, SessionID: resp.SessionID, ServiceID: serviceID}, nil
}

// SubmitCommand proposes a command against handle's session, retrying the
// SAME sequence number against a new leader on NotLeader or timeout so the
// Session Manager's exactly-once guarantee holds across retries.
func (r *Router) SubmitCommand(ctx context.Context, handle *SessionHandle, name string, args []byte) ([]byte, error) {
	sequence := handle.NextSequence()
	req := &raftpb.SubmitCommandRequest{
		ID: uuid.NewString(), PartitionID: handle.PartitionID,
		SessionID: handle.SessionID, Sequence: sequence, Name: name, Command: args,
	}
	var resp *raftpb.SubmitCommandResponse
	err := r.withRetry(ctx, handle.PartitionID, func(ctx context.Context, target string) error {
		var callErr error
		resp, callErr = r.transport.SubmitCommand(ctx, target, req)
		return commandOutcome(resp, callErr)
	})
	if err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, &atomixerrors.CommandFailedError{Err: fmt.Errorf("%s", resp.Error)}
	}
	return resp.Result, nil
}

// Query answers a read at the requested consistency level (spec §4.5):
//
//   - Linearizable: routed to the leader and proposed through the log.
//   - LinearizableLease: routed to the leader, served from local state if
//     its heartbeat lease is live.
//   - Sequential: routed to any member, served once it has caught up to
//     lastCommit.
//   - Eventual: routed to any member with no recency guarantee at all.
func (r *Router) Query(ctx context.Context, handle *SessionHandle, name string, args []byte, consistency raftpb.ReadConsistency, lastCommit uint64) ([]byte, error) {
	req := &raftpb.SubmitQueryRequest{
		ID: uuid.NewString(), PartitionID: handle.PartitionID,
		SessionID: handle.SessionID, Name: name, Query: args,
		Consistency: consistency, LastCommit: lastCommit,
	}
	var resp *raftpb.SubmitQueryResponse
	err := r.withRetry(ctx, handle.PartitionID, func(ctx context.Context, target string) error {
		var callErr error
		resp, callErr = r.transport.SubmitQuery(ctx, target, req)
		return queryOutcome(resp, callErr)
	})
	if err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, &atomixerrors.CommandFailedError{Err: fmt.Errorf("%s", resp.Error)}
	}
	return resp.Result, nil
}

// KeepAlive refreshes handle's session and acknowledges applied commands/
// events up to the given watermarks.
func (r *Router) KeepAlive(ctx context.Context, handle *SessionHandle, commandSequenceAck, eventIndexAck uint64) error {
	req := &raftpb.KeepAliveRequest{
		ID: uuid.NewString(), PartitionID: handle.PartitionID,
		SessionID: handle.SessionID, CommandSequence: commandSequenceAck, EventIndex: eventIndexAck,
	}
	var resp *raftpb.KeepAliveResponse
	err := r.withRetry(ctx, handle.PartitionID, func(ctx context.Context, target string) error {
		var callErr error
		resp, callErr = r.transport.KeepAlive(ctx, target, req)
		if callErr != nil {
			return callErr
		}
		if resp.NotLeader {
			return &atomixerrors.NotLeaderError{Hint: resp.LeaderHint}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if resp.Error != "" {
		return fmt.Errorf("router: keep-alive: %s", resp.Error)
	}
	return nil
}

// CloseSession ends handle's session.
func (r *Router) CloseSession(ctx context.Context, handle *SessionHandle) error {
	req := &raftpb.CloseSessionRequest{ID: uuid.NewString(), PartitionID: handle.PartitionID, SessionID: handle.SessionID}
	var resp *raftpb.CloseSessionResponse
	err := r.withRetry(ctx, handle.PartitionID, func(ctx context.Context, target string) error {
		var callErr error
		resp, callErr = r.transport.CloseSession(ctx, target, req)
		if callErr != nil {
			return callErr
		}
		if resp.NotLeader {
			return &atomixerrors.NotLeaderError{Hint: resp.LeaderHint}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if resp.Error != "" {
		return fmt.Errorf("router: close session: %s", resp.Error)
	}
	return nil
}

// withRetry walks a partition's member list (leader hint first), calling fn
// against each target until it succeeds or every member/attempt is
// exhausted. fn returns a *atomixerrors.NotLeaderError to advance to the
// next target, nil on success, or any other error to end the current pass;
// after a backoff the next attempt starts again from the leader hint, up to
// maxAttempts passes.
func (r *Router) withRetry(ctx context.Context, partitionID string, fn func(ctx context.Context, target string) error) error {
	var lastErr error
	for attempt := 0; attempt < r.maxAttempts; attempt++ {
		targets := r.targetsFor(partitionID)
		if len(targets) == 0 {
			return atomixerrors.ErrNoLeader
		}
		for _, target := range targets {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			err := fn(ctx, target)
			if err == nil {
				r.rememberLeader(partitionID, target)
				return nil
			}
			if nl, ok := err.(*atomixerrors.NotLeaderError); ok {
				r.logger.Debug("router: not leader, retrying",
					zap.String("partition", partitionID), zap.String("target", target), zap.String("hint", nl.Hint))
				r.forgetLeader(partitionID)
				// Replicas hint with the leader's member id; map it to
				// that member's address when the topology knows it.
				hint := nl.Hint
				for _, m := range r.topology.Members(partitionID) {
					if m.ID == hint {
						hint = m.Address
						break
					}
				}
				r.rememberLeader(partitionID, hint)
				lastErr = err
				continue
			}
			lastErr = err
			break
		}
		select {
		case <-time.After(r.retryBackoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return lastErr
}

func openSessionOutcome(resp *raftpb.OpenSessionResponse, callErr error) error {
	if callErr != nil {
		return callErr
	}
	if resp.NotLeader {
		return &atomixerrors.NotLeaderError{Hint: resp.LeaderHint}
	}
	return nil
}

func commandOutcome(resp *raftpb.SubmitCommandResponse, callErr error) error {
	if callErr != nil {
		return callErr
	}
	if resp.NotLeader {
		return &atomixerrors.NotLeaderError{Hint: resp.LeaderHint}
	}
	return nil
}

func queryOutcome(resp *raftpb.SubmitQueryResponse, callErr error) error {
	if callErr != nil {
		return callErr
	}
	if resp.NotLeader {
		return &atomixerrors.NotLeaderError{Hint: resp.LeaderHint}
	}
	return nil
}
