package membership

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/atomix-go/atomix/pkg/raft"
	"github.com/atomix-go/atomix/pkg/raftpb"
	"github.com/atomix-go/atomix/pkg/storage"
)

// noopTransport never reaches another replica; the tests here only ever
// run a single-voter partition, so AppendEntries/RequestVote/InstallSnapshot
// never need to leave the process.
type noopTransport struct{}

func (noopTransport) SendAppendEntries(context.Context, string, *raftpb.AppendEntriesRequest) (*raftpb.AppendEntriesResponse, error) {
	return nil, context.DeadlineExceeded
}
func (noopTransport) SendRequestVote(context.Context, string, *raftpb.RequestVoteRequest) (*raftpb.RequestVoteResponse, error) {
	return nil, context.DeadlineExceeded
}
func (noopTransport) SendInstallSnapshot(context.Context, string, *raftpb.InstallSnapshotChunk) (*raftpb.InstallSnapshotResponse, error) {
	return nil, context.DeadlineExceeded
}

func newSoloLeader(t *testing.T) *raft.Replica {
	t.Helper()
	st, err := storage.Open(storage.LevelMemory, t.TempDir())
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	config := raftpb.Configuration{Members: []raftpb.Member{{ID: "solo", Address: "solo", Role: raftpb.RoleActive}}}
	r, err := raft.New("solo", "solo", st, noopTransport{}, config, raft.Options{
		HeartbeatInterval:  5 * time.Millisecond,
		ElectionTimeoutMin: 20 * time.Millisecond,
		ElectionTimeoutMax: 30 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new replica: %v", err)
	}
	return r
}

func waitLeader(t *testing.T, r *raft.Replica) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if r.Role() == raft.RoleLeader {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("replica never became leader")
}

type fakeDiscovery struct {
	mu      sync.Mutex
	members []raftpb.Member
	events  chan Event
}

func newFakeDiscovery(initial []raftpb.Member) *fakeDiscovery {
	return &fakeDiscovery{members: initial, events: make(chan Event, 4)}
}

func (d *fakeDiscovery) Members(ctx context.Context) ([]raftpb.Member, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]raftpb.Member, len(d.members))
	copy(out, d.members)
	return out, nil
}

func (d *fakeDiscovery) Watch(ctx context.Context) (<-chan Event, error) {
	return d.events, nil
}

func (d *fakeDiscovery) join(m raftpb.Member) {
	d.mu.Lock()
	d.members = append(d.members, m)
	d.mu.Unlock()
	d.events <- Event{Joined: true, Member: m}
}

func TestCoordinatorReconcilesNewMember(t *testing.T) {
	r := newSoloLeader(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)
	waitLeader(t, r)

	discovery := newFakeDiscovery([]raftpb.Member{{ID: "solo", Address: "solo", Role: raftpb.RoleActive}})
	coord := NewCoordinator(r, discovery, nil)
	coordCtx, coordCancel := context.WithCancel(context.Background())
	defer coordCancel()
	go coord.Run(coordCtx)

	discovery.join(raftpb.Member{ID: "peer-2", Address: "127.0.0.1:9091", Role: raftpb.RoleActive})

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		cfg := r.Configuration()
		if len(cfg.Members) == 2 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("configuration never grew to 2 members: %+v", r.Configuration())
}

func TestNextConfigurationAddsJoiningMember(t *testing.T) {
	current := raftpb.Configuration{Members: []raftpb.Member{{ID: "a", Address: "a", Role: raftpb.RoleActive}}}
	ev := Event{Joined: true, Member: raftpb.Member{ID: "b", Address: "b", Role: raftpb.RoleActive}}
	next := nextConfiguration(current, ev)
	if len(next.Members) != 2 {
		t.Fatalf("expected 2 members, got %d: %+v", len(next.Members), next.Members)
	}
	if configurationsEqual(current, next) {
		t.Fatal("configurations should differ after a join")
	}
}

func TestNextConfigurationIdempotentOnExistingMember(t *testing.T) {
	current := raftpb.Configuration{Members: []raftpb.Member{{ID: "a", Address: "a", Role: raftpb.RoleActive}}}
	ev := Event{Joined: true, Member: raftpb.Member{ID: "a", Address: "a", Role: raftpb.RoleActive}}
	next := nextConfiguration(current, ev)
	if !configurationsEqual(current, next) {
		t.Fatalf("re-announcing an existing member should be a no-op: %+v", next)
	}
}
