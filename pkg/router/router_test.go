package router

import (
	"context"
	"testing"

	"go.uber.org/zap"

	"github.com/atomix-go/atomix/pkg/atomixerrors"
	"github.com/atomix-go/atomix/pkg/raftpb"
)

type fakeTopology struct {
	partitions []string
	members    map[string][]raftpb.Member
}

func (f *fakeTopology) PartitionCount() int { return len(f.partitions) }
func (f *fakeTopology) PartitionID(i int) string {
	if i < 0 || i >= len(f.partitions) {
		return ""
	}
	return f.partitions[i]
}
func (f *fakeTopology) Members(partitionID string) []raftpb.Member { return f.members[partitionID] }

// fakeTransport fails every request against "follower" until it's told to
// flip, returning a NotLeaderError hinting at "leader" in the meantime.
type fakeTransport struct {
	calls       map[string]int
	leaderIsUp  bool
	leaderAddr  string
	followerOut string
}

func (f *fakeTransport) SubmitCommand(ctx context.Context, target string, req *raftpb.SubmitCommandRequest) (*raftpb.SubmitCommandResponse, error) {
	f.calls[target]++
	if target != f.leaderAddr {
		return &raftpb.SubmitCommandResponse{ID: req.ID, NotLeader: true, LeaderHint: f.leaderAddr}, nil
	}
	return &raftpb.SubmitCommandResponse{ID: req.ID, Result: []byte("ok")}, nil
}

func (f *fakeTransport) SubmitQuery(ctx context.Context, target string, req *raftpb.SubmitQueryRequest) (*raftpb.SubmitQueryResponse, error) {
	f.calls[target]++
	return &raftpb.SubmitQueryResponse{ID: req.ID, Result: []byte("v")}, nil
}

func (f *fakeTransport) OpenSession(ctx context.Context, target string, req *raftpb.OpenSessionRequest) (*raftpb.OpenSessionResponse, error) {
	f.calls[target]++
	if target != f.leaderAddr {
		return &raftpb.OpenSessionResponse{ID: req.ID, NotLeader: true, LeaderHint: f.leaderAddr}, nil
	}
	return &raftpb.OpenSessionResponse{ID: req.ID, SessionID: 42}, nil
}

func (f *fakeTransport) KeepAlive(ctx context.Context, target string, req *raftpb.KeepAliveRequest) (*raftpb.KeepAliveResponse, error) {
	f.calls[target]++
	return &raftpb.KeepAliveResponse{ID: req.ID}, nil
}

func (f *fakeTransport) CloseSession(ctx context.Context, target string, req *raftpb.CloseSessionRequest) (*raftpb.CloseSessionResponse, error) {
	f.calls[target]++
	return &raftpb.CloseSessionResponse{ID: req.ID}, nil
}

func newTestRouter() (*Router, *fakeTransport) {
	topo := &fakeTopology{
		partitions: []string{"p-0"},
		members: map[string][]raftpb.Member{
			"p-0": {{ID: "a", Address: "follower"}, {ID: "b", Address: "leader"}},
		},
	}
	ft := &fakeTransport{calls: make(map[string]int), leaderAddr: "leader"}
	return New(ft, topo, zap.NewNop()), ft
}

func TestPartitionForIsStable(t *testing.T) {
	r, _ := newTestRouter()
	p1 := r.PartitionFor([]byte("key-1"))
	p2 := r.PartitionFor([]byte("key-1"))
	if p1 != p2 || p1 != "p-0" {
		t.Fatalf("PartitionFor not stable/wrong: %s, %s", p1, p2)
	}
}

func TestOpenSessionRetriesToLeader(t *testing.T) {
	r, ft := newTestRouter()
	handle, err := r.OpenSession(context.Background(), []byte("key"), "member-1", "svc", "counter", 0)
	if err != nil {
		t.Fatalf("OpenSession: %v", err)
	}
	if handle.SessionID != 42 {
		t.Fatalf("SessionID = %d, want 42", handle.SessionID)
	}
	if ft.calls["leader"] == 0 {
		t.Fatal("expected OpenSession to eventually reach leader")
	}
}

func TestSubmitCommandReusesSequenceAcrossRetry(t *testing.T) {
	r, ft := newTestRouter()
	handle := &SessionHandle{PartitionID: "p-0", SessionID: 1, ServiceID: "svc"}

	seqSeen := handle.NextSequence()
	if seqSeen != 1 {
		t.Fatalf("first sequence = %d, want 1", seqSeen)
	}

	// Directly drive withRetry-equivalent behavior via SubmitCommand, which
	// calls NextSequence itself — verify it advances exactly once per call
	// regardless of how many targets get tried underneath.
	result, err := r.SubmitCommand(context.Background(), handle, "incr", nil)
	if err != nil {
		t.Fatalf("SubmitCommand: %v", err)
	}
	if string(result) != "ok" {
		t.Fatalf("result = %q, want ok", result)
	}
	if ft.calls["follower"] == 0 || ft.calls["leader"] == 0 {
		t.Fatalf("expected both targets to be tried: %+v", ft.calls)
	}
	if handle.sequence != 2 {
		t.Fatalf("sequence after one SubmitCommand = %d, want 2", handle.sequence)
	}
}

func TestWithRetryNoTargetsReturnsNoLeader(t *testing.T) {
	topo := &fakeTopology{partitions: []string{"p-0"}, members: map[string][]raftpb.Member{}}
	ft := &fakeTransport{calls: make(map[string]int)}
	r := New(ft, topo, zap.NewNop())
	r.maxAttempts = 1
	err := r.withRetry(context.Background(), "p-0", func(ctx context.Context, target string) error { return nil })
	if err != atomixerrors.ErrNoLeader {
		t.Fatalf("err = %v, want ErrNoLeader", err)
	}
}
