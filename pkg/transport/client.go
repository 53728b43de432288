package transport

import (
	"context"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/atomix-go/atomix/pkg/raft"
	"github.com/atomix-go/atomix/pkg/raftpb"
)

var _ raft.Transport = (*Client)(nil)

// Client dials peer addresses lazily and caches the connections, giving
// both the Raft replication path (pkg/raft.Transport) and the partition
// router (pkg/router) one shared connection per peer instead of one per
// call.
type Client struct {
	mu    sync.Mutex
	conns map[string]*grpc.ClientConn
}

// NewClient constructs an empty connection cache.
func NewClient() *Client {
	return &Client{conns: make(map[string]*grpc.ClientConn)}
}

func (c *Client) connFor(target string) (*grpc.ClientConn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if conn, ok := c.conns[target]; ok {
		return conn, nil
	}
	conn, err := grpc.NewClient(target,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
	)
	if err != nil {
		return nil, err
	}
	c.conns[target] = conn
	return conn, nil
}

// Close tears down every cached connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var firstErr error
	for target, conn := range c.conns {
		if err := conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(c.conns, target)
	}
	return firstErr
}

func (c *Client) invoke(ctx context.Context, target, method string, req, resp interface{}) error {
	conn, err := c.connFor(target)
	if err != nil {
		return err
	}
	return conn.Invoke(ctx, "/"+serviceName+"/"+method, req, resp)
}

// The methods below satisfy pkg/raft.Transport.

func (c *Client) SendAppendEntries(ctx context.Context, target string, req *raftpb.AppendEntriesRequest) (*raftpb.AppendEntriesResponse, error) {
	resp := new(raftpb.AppendEntriesResponse)
	if err := c.invoke(ctx, target, "AppendEntries", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) SendRequestVote(ctx context.Context, target string, req *raftpb.RequestVoteRequest) (*raftpb.RequestVoteResponse, error) {
	resp := new(raftpb.RequestVoteResponse)
	if err := c.invoke(ctx, target, "RequestVote", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) SendInstallSnapshot(ctx context.Context, target string, chunk *raftpb.InstallSnapshotChunk) (*raftpb.InstallSnapshotResponse, error) {
	conn, err := c.connFor(target)
	if err != nil {
		return nil, err
	}
	desc := &atomixReplicaServiceDesc.Streams[0]
	stream, err := grpc.NewClientStream(ctx, desc, conn, "/"+serviceName+"/InstallSnapshot")
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(chunk); err != nil {
		return nil, err
	}
	if !chunk.Done {
		return &raftpb.InstallSnapshotResponse{Success: true}, stream.CloseSend()
	}
	resp := new(raftpb.InstallSnapshotResponse)
	if err := stream.RecvMsg(resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// The methods below are the client-facing RPCs pkg/router drives.

func (c *Client) SubmitCommand(ctx context.Context, target string, req *raftpb.SubmitCommandRequest) (*raftpb.SubmitCommandResponse, error) {
	resp := new(raftpb.SubmitCommandResponse)
	if err := c.invoke(ctx, target, "SubmitCommand", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) SubmitQuery(ctx context.Context, target string, req *raftpb.SubmitQueryRequest) (*raftpb.SubmitQueryResponse, error) {
	resp := new(raftpb.SubmitQueryResponse)
	if err := c.invoke(ctx, target, "SubmitQuery", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) OpenSession(ctx context.Context, target string, req *raftpb.OpenSessionRequest) (*raftpb.OpenSessionResponse, error) {
	resp := new(raftpb.OpenSessionResponse)
	if err := c.invoke(ctx, target, "OpenSession", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) KeepAlive(ctx context.Context, target string, req *raftpb.KeepAliveRequest) (*raftpb.KeepAliveResponse, error) {
	resp := new(raftpb.KeepAliveResponse)
	if err := c.invoke(ctx, target, "KeepAlive", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) CloseSession(ctx context.Context, target string, req *raftpb.CloseSessionRequest) (*raftpb.CloseSessionResponse, error) {
	resp := new(raftpb.CloseSessionResponse)
	if err := c.invoke(ctx, target, "CloseSession", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// StreamEvents opens the server-streaming event subscription and returns a
// channel of events; the channel closes when ctx is canceled or the stream
// ends.
func (c *Client) StreamEvents(ctx context.Context, target string, req *raftpb.SessionEventRequest) (<-chan raftpb.SessionEvent, error) {
	conn, err := c.connFor(target)
	if err != nil {
		return nil, err
	}
	desc := &atomixReplicaServiceDesc.Streams[1]
	stream, err := grpc.NewClientStream(ctx, desc, conn, "/"+serviceName+"/StreamEvents")
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(req); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}

	out := make(chan raftpb.SessionEvent, 16)
	go func() {
		defer close(out)
		for {
			ev := new(raftpb.SessionEvent)
			if err := stream.RecvMsg(ev); err != nil {
				return
			}
			select {
			case out <- *ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
