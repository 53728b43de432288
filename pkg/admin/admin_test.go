package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/atomix-go/atomix/pkg/raft"
	"github.com/atomix-go/atomix/pkg/raftpb"
	"github.com/atomix-go/atomix/pkg/storage"
)

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

type fakeNode struct {
	id         string
	partitions map[string]*raft.Replica
}

func (n *fakeNode) NodeID() string                      { return n.id }
func (n *fakeNode) Partitions() map[string]*raft.Replica { return n.partitions }

func newRunningReplica(t *testing.T) (*raft.Replica, context.CancelFunc) {
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
	ctx, cancel := context.WithCancel(context.Background())
	go r.Run(ctx)
	return r, cancel
}

func TestHealthEndpoint(t *testing.T) {
	node := &fakeNode{id: "node-1", partitions: map[string]*raft.Replica{}}
	s := NewServer(node)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["node_id"] != "node-1" {
		t.Fatalf("node_id = %q, want node-1", body["node_id"])
	}
}

func TestClusterEndpointReportsPartitions(t *testing.T) {
	r, cancel := newRunningReplica(t)
	defer cancel()

	node := &fakeNode{id: "node-1", partitions: map[string]*raft.Replica{"p-0": r}}
	s := NewServer(node)

	req := httptest.NewRequest(http.MethodGet, "/v1/cluster", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body struct {
		NodeID     string          `json:"node_id"`
		Partitions []PartitionView `json:"partitions"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Partitions) != 1 || body.Partitions[0].ID != "p-0" {
		t.Fatalf("unexpected partitions: %+v", body.Partitions)
	}
}

func TestPartitionsEndpointUnknownID(t *testing.T) {
	node := &fakeNode{id: "node-1", partitions: map[string]*raft.Replica{}}
	s := NewServer(node)

	req := httptest.NewRequest(http.MethodGet, "/v1/partitions?id=missing", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}
