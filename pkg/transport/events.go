package transport

import (
	"time"

	"google.golang.org/grpc"

	"github.com/atomix-go/atomix/pkg/raftpb"
)

// eventPollInterval bounds how quickly a newly emitted event reaches a
// subscriber; pkg/session has no push channel of its own (spec §4.3 treats
// events as log-applied state, not a live bus), so StreamEvents polls
// Replica.SessionEvents and sends whatever is new since the last poll.
const eventPollInterval = 100 * time.Millisecond

func (s *Server) streamEvents(req *raftpb.SessionEventRequest, stream grpc.ServerStream) error {
	r, err := s.replicaFor(req.PartitionID)
	if err != nil {
		return err
	}

	ctx := stream.Context()
	sent := make(map[uint64]bool)

	sendNew := func() error {
		events, err := r.SessionEvents(req.SessionID)
		if err != nil {
			return err
		}
		for _, ev := range events {
			if sent[ev.EventIndex] {
				continue
			}
			if err := stream.SendMsg(&ev); err != nil {
				return err
			}
			sent[ev.EventIndex] = true
		}
		return nil
	}

	if err := sendNew(); err != nil {
		return err
	}

	ticker := time.NewTicker(eventPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := sendNew(); err != nil {
				return err
			}
		}
	}
}
