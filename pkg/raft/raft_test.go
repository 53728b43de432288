package raft

import (
	"context"
	"sync"
	"testing"
	"time"

	_ "github.com/atomix-go/atomix/pkg/primitive/examples"
	"github.com/atomix-go/atomix/pkg/raftpb"
	"github.com/atomix-go/atomix/pkg/storage"
)

// hubTransport routes RPCs directly between in-process replicas by address,
// standing in for pkg/transport's gRPC plane in these tests.
type hubTransport struct {
	mu       sync.RWMutex
	replicas map[string]*Replica
}

func newHub() *hubTransport { return &hubTransport{replicas: make(map[string]*Replica)} }

func (h *hubTransport) register(addr string, r *Replica) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.replicas[addr] = r
}

func (h *hubTransport) lookup(addr string) (*Replica, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	r, ok := h.replicas[addr]
	return r, ok
}

func (h *hubTransport) SendAppendEntries(ctx context.Context, target string, req *raftpb.AppendEntriesRequest) (*raftpb.AppendEntriesResponse, error) {
	r, ok := h.lookup(target)
	if !ok {
		return nil, context.DeadlineExceeded
	}
	return r.HandleAppendEntries(req), nil
}

func (h *hubTransport) SendRequestVote(ctx context.Context, target string, req *raftpb.RequestVoteRequest) (*raftpb.RequestVoteResponse, error) {
	r, ok := h.lookup(target)
	if !ok {
		return nil, context.DeadlineExceeded
	}
	return r.HandleRequestVote(req), nil
}

func (h *hubTransport) SendInstallSnapshot(ctx context.Context, target string, chunk *raftpb.InstallSnapshotChunk) (*raftpb.InstallSnapshotResponse, error) {
	r, ok := h.lookup(target)
	if !ok {
		return nil, context.DeadlineExceeded
	}
	return r.HandleInstallSnapshot(chunk), nil
}

func newTestCluster(t *testing.T, n int) ([]*Replica, *hubTransport) {
	t.Helper()
	hub := newHub()
	members := make([]raftpb.Member, n)
	for i := 0; i < n; i++ {
		id := string(rune('A' + i))
		members[i] = raftpb.Member{ID: id, Address: id, Role: raftpb.RoleActive}
	}
	config := raftpb.Configuration{Members: members}

	replicas := make([]*Replica, n)
	for i := 0; i < n; i++ {
		st, err := storage.Open(storage.LevelMemory, t.TempDir())
		if err != nil {
			t.Fatalf("open storage: %v", err)
		}
		r, err := New(members[i].ID, members[i].Address, st, hub, config, Options{
			HeartbeatInterval:  5 * time.Millisecond,
			ElectionTimeoutMin: 30 * time.Millisecond,
			ElectionTimeoutMax: 60 * time.Millisecond,
		})
		if err != nil {
			t.Fatalf("new replica: %v", err)
		}
		hub.register(members[i].Address, r)
		replicas[i] = r
	}
	return replicas, hub
}

func runCluster(t *testing.T, replicas []*Replica) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	for _, r := range replicas {
		go r.Run(ctx)
	}
	return cancel
}

func waitForLeader(t *testing.T, replicas []*Replica, timeout time.Duration) *Replica {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		for _, r := range replicas {
			if r.Role() == RoleLeader {
				return r
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("no leader elected within timeout")
	return nil
}

func TestElectsASingleLeader(t *testing.T) {
	replicas, _ := newTestCluster(t, 3)
	cancel := runCluster(t, replicas)
	defer cancel()

	leader := waitForLeader(t, replicas, 2*time.Second)
	if leader == nil {
		return
	}

	time.Sleep(50 * time.Millisecond)
	leaderCount := 0
	for _, r := range replicas {
		if r.Role() == RoleLeader {
			leaderCount++
		}
	}
	if leaderCount != 1 {
		t.Fatalf("expected exactly one leader, got %d", leaderCount)
	}
}

func TestCommandReplicatesAndApplies(t *testing.T) {
	replicas, _ := newTestCluster(t, 3)
	cancel := runCluster(t, replicas)
	defer cancel()

	leader := waitForLeader(t, replicas, 2*time.Second)

	ctx, done := context.WithTimeout(context.Background(), time.Second)
	defer done()
	sessionID, err := leader.ProposeOpenSession(ctx, "client-1", "counter-1", "counter", time.Minute)
	if err != nil {
		t.Fatalf("open session: %v", err)
	}

	result, err := leader.ProposeCommand(ctx, sessionID, 1, "increment", nil)
	if err != nil {
		t.Fatalf("propose command: %v", err)
	}
	if len(result) != 8 {
		t.Fatalf("unexpected result length %d", len(result))
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		allCaughtUp := true
		for _, r := range replicas {
			if r.lastAppliedForTest() < 2 {
				allCaughtUp = false
			}
		}
		if allCaughtUp {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	for _, r := range replicas {
		if applied := r.lastAppliedForTest(); applied < 2 {
			t.Fatalf("replica %s only applied %d entries", r.id, applied)
		}
	}
}

// lastAppliedForTest exposes lastApplied for assertions without a public
// accessor on the hot path.
func (r *Replica) lastAppliedForTest() uint64 {
	var out uint64
	r.exec(func() { out = r.lastApplied })
	return out
}
