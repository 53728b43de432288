package raft

import (
	"bytes"
	"context"

	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"

	"github.com/atomix-go/atomix/pkg/primitive"
	"github.com/atomix-go/atomix/pkg/raftpb"
	"github.com/atomix-go/atomix/pkg/storage"
)

// snapshotChunkSize bounds each InstallSnapshotChunk's payload so a large
// compacted state doesn't block the transport with one oversized message.
const snapshotChunkSize = 256 * 1024

// sendInstallSnapshot streams the leader's latest snapshot to a follower
// whose nextIndex has fallen behind the log's retained prefix (spec §4.2's
// install-snapshot path, taken when sendHeartbeats can't find prevIndex
// locally because Compact already discarded it).
func (r *Replica) sendInstallSnapshot(peer raftpb.Member) {
	snap, ok := r.log.LatestSnapshot()
	if !ok {
		r.opts.Logger.Warn("install-snapshot requested but no snapshot available", zap.String("peer", peer.ID))
		return
	}
	term := r.currentTerm
	data := snap.Bytes
	go func() {
		for offset := 0; offset == 0 || offset < len(data); offset += snapshotChunkSize {
			end := offset + snapshotChunkSize
			if end > len(data) {
				end = len(data)
			}
			chunk := &raftpb.InstallSnapshotChunk{
				Envelope:      raftpb.Envelope{Term: term, LeaderAtSend: r.id},
				Leader:        r.id,
				SnapshotIndex: snap.Index,
				SnapshotTerm:  snap.Term,
				Offset:        uint64(offset),
				Data:          data[offset:end],
				Done:          end == len(data),
			}
			ctx, cancel := context.WithTimeout(context.Background(), r.opts.HeartbeatInterval*8)
			resp, err := r.transport.SendInstallSnapshot(ctx, peer.Address, chunk)
			cancel()
			if err != nil || !resp.Success {
				return
			}
			if chunk.Done {
				r.exec(func() {
					if ps, ok := r.progress[peer.ID]; ok {
						ps.nextIndex = snap.Index + 1
						ps.matchIndex = snap.Index
					}
				})
			}
			if len(data) == 0 {
				break
			}
		}
	}()
}

// snapshotAssembly buffers an in-flight InstallSnapshot stream from one
// leader term, keyed by SnapshotIndex so a stale or restarted stream
// doesn't corrupt a newer one.
type snapshotAssembly struct {
	index uint64
	term  uint64
	buf   bytes.Buffer
}

// HandleInstallSnapshot processes one chunk of an inbound InstallSnapshot
// stream. On the final chunk it atomically installs the snapshot, restores
// every loaded primitive service from it, and discards the log prefix it
// covers.
func (r *Replica) HandleInstallSnapshot(chunk *raftpb.InstallSnapshotChunk) *raftpb.InstallSnapshotResponse {
	var resp *raftpb.InstallSnapshotResponse
	r.exec(func() {
		if chunk.Term < r.currentTerm {
			resp = &raftpb.InstallSnapshotResponse{Envelope: raftpb.Envelope{Term: r.currentTerm}, Success: false}
			return
		}
		if chunk.Term > r.currentTerm {
			r.setTerm(chunk.Term)
		}
		r.becomeFollower(chunk.Leader)

		if r.assembly == nil || r.assembly.index != chunk.SnapshotIndex || r.assembly.term != chunk.SnapshotTerm {
			r.assembly = &snapshotAssembly{index: chunk.SnapshotIndex, term: chunk.SnapshotTerm}
		}
		r.assembly.buf.Write(chunk.Data)

		if chunk.Done {
			data := r.assembly.buf.Bytes()
			r.assembly = nil
			if err := r.installSnapshot(chunk.SnapshotIndex, chunk.SnapshotTerm, data); err != nil {
				r.opts.Logger.Error("install snapshot failed", zap.Error(err))
				resp = &raftpb.InstallSnapshotResponse{Envelope: raftpb.Envelope{Term: r.currentTerm}, Success: false}
				return
			}
		}
		resp = &raftpb.InstallSnapshotResponse{Envelope: raftpb.Envelope{Term: r.currentTerm}, Success: true}
	})
	return resp
}

// snapshotImage is the msgpack envelope for a whole-partition snapshot:
// every loaded service's backup, keyed by ServiceID, plus enough to
// reconstruct each Host on restore.
type snapshotImage struct {
	Services map[string]serviceImage `msgpack:"services"`
}

type serviceImage struct {
	ServiceType string `msgpack:"service_type"`
	Data        []byte `msgpack:"data"`
}

func (r *Replica) installSnapshot(index, term uint64, data []byte) error {
	var image snapshotImage
	if len(data) > 0 {
		if err := msgpack.Unmarshal(data, &image); err != nil {
			return err
		}
	}
	for serviceID, svc := range image.Services {
		host, ok := r.hosts[serviceID]
		if !ok {
			loaded, err := primitive.Load(svc.ServiceType, &primitive.Context{Index: index, Timestamp: 0})
			if err != nil {
				return err
			}
			host = loaded
			r.hosts[serviceID] = host
		}
		if err := host.Restore(svc.Data); err != nil {
			return err
		}
	}
	if err := r.log.Compact(storage.Snapshot{Index: index, Term: term, Bytes: data}); err != nil {
		return err
	}
	r.commitIndex = index
	r.lastApplied = index
	return nil
}

// TakeSnapshot backs up every loaded service and compacts the log through
// index, honoring each service's CanCompact veto (spec §9's resolved
// ambiguity: services are asked BEFORE compaction, not after).
func (r *Replica) TakeSnapshot(ctx context.Context, index uint64) error {
	var compactErr error
	r.exec(func() {
		for _, host := range r.hosts {
			if !host.CanCompact(index) {
				return
			}
		}
		image := snapshotImage{Services: make(map[string]serviceImage, len(r.hosts))}
		for serviceID, host := range r.hosts {
			data, err := host.Backup()
			if err != nil {
				compactErr = err
				return
			}
			image.Services[serviceID] = serviceImage{ServiceType: host.Type(), Data: data}
		}
		data, err := msgpack.Marshal(image)
		if err != nil {
			compactErr = err
			return
		}
		term, err := r.log.Term(index)
		if err != nil {
			compactErr = err
			return
		}
		compactErr = r.log.Compact(storage.Snapshot{Index: index, Term: term, Bytes: data})
	})
	return compactErr
}
