package transport

import (
	"testing"

	"github.com/atomix-go/atomix/pkg/atomixerrors"
	"github.com/atomix-go/atomix/pkg/raft"
)

func TestCodecRoundTrips(t *testing.T) {
	codec := msgpackCodec{}
	req := &struct {
		A string
		B int
	}{A: "hi", B: 7}
	data, err := codec.Marshal(req)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out struct {
		A string
		B int
	}
	if err := codec.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.A != "hi" || out.B != 7 {
		t.Fatalf("round trip mismatch: %+v", out)
	}
	if codec.Name() != "msgpack" {
		t.Fatalf("codec name = %q, want msgpack", codec.Name())
	}
}

func TestApplyErrorToFoldsNotLeader(t *testing.T) {
	var msg string
	var notLeader bool
	var hint string
	applyErrorTo(&atomixerrors.NotLeaderError{Hint: "peer-2"}, &msg, &notLeader, &hint)
	if !notLeader || hint != "peer-2" || msg != "" {
		t.Fatalf("got msg=%q notLeader=%v hint=%q", msg, notLeader, hint)
	}
}

func TestApplyErrorToFoldsPlainError(t *testing.T) {
	var msg string
	var notLeader bool
	var hint string
	applyErrorTo(atomixerrors.ErrTimeout, &msg, &notLeader, &hint)
	if notLeader || hint != "" || msg == "" {
		t.Fatalf("got msg=%q notLeader=%v hint=%q", msg, notLeader, hint)
	}
}

type stubDispatcher struct {
	replica *raft.Replica
	ok      bool
}

func (s stubDispatcher) Replica(partitionID string) (*raft.Replica, bool) { return s.replica, s.ok }

func TestReplicaForUnknownPartition(t *testing.T) {
	s := NewServer(stubDispatcher{ok: false}, nil)
	if _, err := s.replicaFor("missing"); err == nil {
		t.Fatal("expected error for unknown partition")
	}
}
