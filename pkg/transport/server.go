// Package transport is the Messaging Plane (spec §4.6): a hand-rolled gRPC
// service, AtomixReplica, carrying both the inter-replica consensus RPCs
// (AppendEntries/RequestVote/InstallSnapshot) and the client-facing command/
// query/session RPCs over one connection per peer, framed with msgpack
// instead of protobuf (see codec.go). There is no .proto file: the
// grpc.ServiceDesc below is written by hand the way a protoc-gen-go-grpc
// stub would generate it, since nothing here is using protobuf messages.
package transport

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/atomix-go/atomix/pkg/atomixerrors"
	"github.com/atomix-go/atomix/pkg/raft"
	"github.com/atomix-go/atomix/pkg/raftpb"
)

// Dispatcher resolves a wire PartitionID to the local Replica hosting it.
// pkg/cluster implements this once it has assembled every partition on a
// node; tests can supply a single-partition stub.
type Dispatcher interface {
	Replica(partitionID string) (*raft.Replica, bool)
}

// Server implements the AtomixReplica gRPC service against a Dispatcher.
type Server struct {
	dispatcher Dispatcher
	logger     *zap.Logger
}

// NewServer constructs the RPC handler. Register it on a *grpc.Server with
// RegisterAtomixReplicaServer.
func NewServer(dispatcher Dispatcher, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{dispatcher: dispatcher, logger: logger}
}

// RegisterAtomixReplicaServer wires Server into s, mirroring the
// protoc-gen-go-grpc `RegisterXServer` convention.
func RegisterAtomixReplicaServer(s *grpc.Server, srv *Server) {
	s.RegisterService(&atomixReplicaServiceDesc, srv)
}

func (s *Server) replicaFor(partitionID string) (*raft.Replica, error) {
	r, ok := s.dispatcher.Replica(partitionID)
	if !ok {
		return nil, errors.New("transport: unknown partition " + partitionID)
	}
	return r, nil
}

func (s *Server) appendEntries(ctx context.Context, req *raftpb.AppendEntriesRequest) (*raftpb.AppendEntriesResponse, error) {
	r, err := s.replicaFor(req.PartitionID)
	if err != nil {
		return nil, err
	}
	resp := r.HandleAppendEntries(req)
	resp.PartitionID = req.PartitionID
	return resp, nil
}

func (s *Server) requestVote(ctx context.Context, req *raftpb.RequestVoteRequest) (*raftpb.RequestVoteResponse, error) {
	r, err := s.replicaFor(req.PartitionID)
	if err != nil {
		return nil, err
	}
	resp := r.HandleRequestVote(req)
	resp.PartitionID = req.PartitionID
	return resp, nil
}

func (s *Server) installSnapshot(ctx context.Context, chunk *raftpb.InstallSnapshotChunk) (*raftpb.InstallSnapshotResponse, error) {
	r, err := s.replicaFor(chunk.PartitionID)
	if err != nil {
		return nil, err
	}
	resp := r.HandleInstallSnapshot(chunk)
	resp.PartitionID = chunk.PartitionID
	return resp, nil
}

func (s *Server) submitCommand(ctx context.Context, req *raftpb.SubmitCommandRequest) (*raftpb.SubmitCommandResponse, error) {
	r, err := s.replicaFor(req.PartitionID)
	if err != nil {
		return nil, err
	}
	value, err := r.ProposeCommand(ctx, req.SessionID, req.Sequence, req.Name, req.Command)
	return commandResponse(req.ID, value, err), nil
}

func (s *Server) submitQuery(ctx context.Context, req *raftpb.SubmitQueryRequest) (*raftpb.SubmitQueryResponse, error) {
	r, err := s.replicaFor(req.PartitionID)
	if err != nil {
		return nil, err
	}
	var value []byte
	var applyErr error
	switch req.Consistency {
	case raftpb.Linearizable:
		value, applyErr = r.ProposeLinearizableQuery(ctx, req.SessionID, req.Name, req.Query)
	case raftpb.LinearizableLease:
		value, applyErr = r.ReadLeaseOrSequential(req.SessionID, req.Name, req.Query, true, req.LastCommit)
	case raftpb.Sequential:
		value, applyErr = r.ReadLeaseOrSequential(req.SessionID, req.Name, req.Query, false, req.LastCommit)
	default: // Eventual
		value, applyErr = r.ReadEventual(req.SessionID, req.Name, req.Query)
	}
	return queryResponse(req.ID, value, applyErr), nil
}

func (s *Server) openSession(ctx context.Context, req *raftpb.OpenSessionRequest) (*raftpb.OpenSessionResponse, error) {
	r, err := s.replicaFor(req.PartitionID)
	if err != nil {
		return nil, err
	}
	id, err := r.ProposeOpenSession(ctx, req.MemberID, req.ServiceID, req.ServiceType, time.Duration(req.TimeoutMS)*time.Millisecond)
	resp := &raftpb.OpenSessionResponse{ID: req.ID, SessionID: id}
	applyErrorTo(err, &resp.Error, &resp.NotLeader, &resp.LeaderHint)
	return resp, nil
}

func (s *Server) keepAlive(ctx context.Context, req *raftpb.KeepAliveRequest) (*raftpb.KeepAliveResponse, error) {
	r, err := s.replicaFor(req.PartitionID)
	if err != nil {
		return nil, err
	}
	err = r.ProposeKeepAlive(ctx, req.SessionID, req.CommandSequence, req.EventIndex)
	resp := &raftpb.KeepAliveResponse{ID: req.ID}
	applyErrorTo(err, &resp.Error, &resp.NotLeader, &resp.LeaderHint)
	return resp, nil
}

func (s *Server) closeSession(ctx context.Context, req *raftpb.CloseSessionRequest) (*raftpb.CloseSessionResponse, error) {
	r, err := s.replicaFor(req.PartitionID)
	if err != nil {
		return nil, err
	}
	err = r.ProposeCloseSession(ctx, req.SessionID)
	resp := &raftpb.CloseSessionResponse{ID: req.ID}
	applyErrorTo(err, &resp.Error, &resp.NotLeader, &resp.LeaderHint)
	return resp, nil
}

func commandResponse(id string, value []byte, err error) *raftpb.SubmitCommandResponse {
	resp := &raftpb.SubmitCommandResponse{ID: id, Result: value}
	applyErrorTo(err, &resp.Error, &resp.NotLeader, &resp.LeaderHint)
	return resp
}

func queryResponse(id string, value []byte, err error) *raftpb.SubmitQueryResponse {
	resp := &raftpb.SubmitQueryResponse{ID: id, Result: value}
	applyErrorTo(err, &resp.Error, &resp.NotLeader, &resp.LeaderHint)
	return resp
}

// applyErrorTo folds err into a response's Error/NotLeader/LeaderHint fields
// so a NotLeaderError never has to round-trip as a gRPC status for the
// router to act on (spec §4.5's retry-against-the-hint path).
func applyErrorTo(err error, msg *string, notLeader *bool, hint *string) {
	if err == nil {
		return
	}
	var nl *atomixerrors.NotLeaderError
	if errors.As(err, &nl) {
		*notLeader = true
		*hint = nl.Hint
		return
	}
	*msg = err.Error()
}
