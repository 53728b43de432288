package transport

import (
	"context"
	"io"

	"google.golang.org/grpc"

	"github.com/atomix-go/atomix/pkg/raftpb"
)

const serviceName = "atomix.AtomixReplica"

// atomixReplicaServiceDesc is written by hand in the shape
// protoc-gen-go-grpc would emit for a service with two unary consensus
// RPCs, five unary client RPCs, a client-streaming snapshot RPC, and a
// server-streaming event RPC.
var atomixReplicaServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*any)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "AppendEntries", Handler: appendEntriesHandler},
		{MethodName: "RequestVote", Handler: requestVoteHandler},
		{MethodName: "SubmitCommand", Handler: submitCommandHandler},
		{MethodName: "SubmitQuery", Handler: submitQueryHandler},
		{MethodName: "OpenSession", Handler: openSessionHandler},
		{MethodName: "KeepAlive", Handler: keepAliveHandler},
		{MethodName: "CloseSession", Handler: closeSessionHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "InstallSnapshot", Handler: installSnapshotHandler, ClientStreams: true},
		{StreamName: "StreamEvents", Handler: streamEventsHandler, ServerStreams: true},
	},
	Metadata: "pkg/transport/service.go",
}

func appendEntriesHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(raftpb.AppendEntriesRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	s := srv.(*Server)
	if interceptor == nil {
		return s.appendEntries(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/AppendEntries"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return s.appendEntries(ctx, req.(*raftpb.AppendEntriesRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func requestVoteHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(raftpb.RequestVoteRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	s := srv.(*Server)
	if interceptor == nil {
		return s.requestVote(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/RequestVote"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return s.requestVote(ctx, req.(*raftpb.RequestVoteRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func submitCommandHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(raftpb.SubmitCommandRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	s := srv.(*Server)
	if interceptor == nil {
		return s.submitCommand(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/SubmitCommand"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return s.submitCommand(ctx, req.(*raftpb.SubmitCommandRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func submitQueryHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(raftpb.SubmitQueryRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	s := srv.(*Server)
	if interceptor == nil {
		return s.submitQuery(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/SubmitQuery"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return s.submitQuery(ctx, req.(*raftpb.SubmitQueryRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func openSessionHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(raftpb.OpenSessionRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	s := srv.(*Server)
	if interceptor == nil {
		return s.openSession(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/OpenSession"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return s.openSession(ctx, req.(*raftpb.OpenSessionRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func keepAliveHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(raftpb.KeepAliveRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	s := srv.(*Server)
	if interceptor == nil {
		return s.keepAlive(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/KeepAlive"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return s.keepAlive(ctx, req.(*raftpb.KeepAliveRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func closeSessionHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(raftpb.CloseSessionRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	s := srv.(*Server)
	if interceptor == nil {
		return s.closeSession(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/CloseSession"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return s.closeSession(ctx, req.(*raftpb.CloseSessionRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// installSnapshotHandler implements the client-streaming InstallSnapshot
// RPC: the leader streams chunks, the follower acks once, on the final
// (Done) chunk (spec §4.2's InstallSnapshot chunking).
func installSnapshotHandler(srv interface{}, stream grpc.ServerStream) error {
	s := srv.(*Server)
	for {
		chunk := new(raftpb.InstallSnapshotChunk)
		if err := stream.RecvMsg(chunk); err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		resp, err := s.installSnapshot(stream.Context(), chunk)
		if err != nil {
			return err
		}
		if chunk.Done {
			return stream.SendMsg(resp)
		}
	}
}

// streamEventsHandler implements the server-streaming StreamEvents RPC: the
// client sends one subscription request, the server first replays buffered
// events then pushes newly emitted ones until the stream is canceled.
func streamEventsHandler(srv interface{}, stream grpc.ServerStream) error {
	s := srv.(*Server)
	req := new(raftpb.SessionEventRequest)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return s.streamEvents(req, stream)
}
