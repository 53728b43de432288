package raft

import (
	"context"
	"sort"

	"go.uber.org/zap"

	"github.com/atomix-go/atomix/pkg/raftpb"
)

// sendHeartbeats fires one AppendEntries (empty or carrying new entries) at
// every voting peer in parallel, per spec §4.2's replication loop.
func (r *Replica) sendHeartbeats() {
	if r.role != RoleLeader {
		return
	}
	term := r.currentTerm
	r.heartbeatRoundStart = r.opts.Clock.Now()
	r.heartbeatAcks = map[string]bool{r.id: true}
	for _, m := range r.configuration.Voters() {
		if m.ID == r.id {
			continue
		}
		peer := m
		ps, ok := r.progress[peer.ID]
		if !ok {
			ps = &replicatedState{nextIndex: r.log.LastIndex() + 1}
			r.progress[peer.ID] = ps
		}
		prevIndex := ps.nextIndex - 1
		prevTerm := uint64(0)
		if prevIndex > 0 {
			t, err := r.log.Term(prevIndex)
			if err != nil {
				r.sendInstallSnapshot(peer)
				continue
			}
			prevTerm = t
		}
		var entries []raftpb.LogEntry
		if ps.nextIndex <= r.log.LastIndex() {
			es, err := r.log.GetRange(ps.nextIndex, r.log.LastIndex())
			if err != nil {
				r.sendInstallSnapshot(peer)
				continue
			}
			entries = es
		}
		req := &raftpb.AppendEntriesRequest{
			Envelope:  raftpb.Envelope{Term: term, LeaderAtSend: r.id},
			Leader:    r.id,
			PrevIndex: prevIndex,
			PrevTerm:  prevTerm,
			Entries:   entries,
			Commit:    r.commitIndex,
		}
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), r.opts.HeartbeatInterval*4)
			defer cancel()
			resp, err := r.transport.SendAppendEntries(ctx, peer.Address, req)
			if err != nil {
				return
			}
			r.exec(func() { r.handleAppendEntriesResponse(term, peer.ID, len(req.Entries), req.PrevIndex, resp) })
		}()
	}
}

func (r *Replica) handleAppendEntriesResponse(requestTerm uint64, peerID string, numEntries int, prevIndex uint64, resp *raftpb.AppendEntriesResponse) {
	if resp.Term > r.currentTerm {
		r.setTerm(resp.Term)
		return
	}
	if r.role != RoleLeader || r.currentTerm != requestTerm {
		return
	}
	ps, ok := r.progress[peerID]
	if !ok {
		return
	}
	if resp.Succeeded {
		ps.matchIndex = prevIndex + uint64(numEntries)
		ps.nextIndex = ps.matchIndex + 1
		r.maybeAdvanceCommit()
		r.heartbeatAcks[peerID] = true
		if r.hasMajority(r.heartbeatAcks) {
			r.lastHeartbeat = r.heartbeatRoundStart
		}
		return
	}
	// Fast backtrack using the follower's conflict hint (spec §4.2).
	if resp.ConflictIndex > 0 {
		ps.nextIndex = resp.ConflictIndex
	} else if ps.nextIndex > 1 {
		ps.nextIndex--
	}
}

// maybeAdvanceCommit recomputes commitIndex as the highest index replicated
// to a majority of voters whose entry's term equals the current term (the
// Raft commit rule that prevents committing a prior leader's uncommitted
// entry merely by replication count).
func (r *Replica) maybeAdvanceCommit() {
	if r.role != RoleLeader {
		return
	}
	voters := r.configuration.Voters()
	if len(voters) == 0 {
		return
	}
	matches := make([]uint64, 0, len(voters))
	for _, m := range voters {
		if m.ID == r.id {
			matches = append(matches, r.log.LastIndex())
			continue
		}
		if ps, ok := r.progress[m.ID]; ok {
			matches = append(matches, ps.matchIndex)
		} else {
			matches = append(matches, 0)
		}
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i] < matches[j] })
	majorityIndex := matches[(len(matches)-1)/2]
	if majorityIndex <= r.commitIndex {
		return
	}
	term, err := r.log.Term(majorityIndex)
	if err != nil || term != r.currentTerm {
		return
	}
	r.commitIndex = majorityIndex
	r.log.SetCommitIndex(majorityIndex)
	r.applyCommitted()
}

// HandleAppendEntries processes an inbound AppendEntries RPC: log
// consistency check, conflict truncation, append, and commit-index
// advancement up to the leader's reported commit (spec §4.2).
func (r *Replica) HandleAppendEntries(req *raftpb.AppendEntriesRequest) *raftpb.AppendEntriesResponse {
	var resp *raftpb.AppendEntriesResponse
	r.exec(func() {
		if req.Term < r.currentTerm {
			resp = &raftpb.AppendEntriesResponse{
				Envelope: raftpb.Envelope{Term: r.currentTerm, LeaderAtSend: r.leaderID},
			}
			return
		}
		if req.Term > r.currentTerm {
			r.setTerm(req.Term)
		}
		r.becomeFollower(req.Leader)

		if req.PrevIndex > 0 {
			localTerm, err := r.log.Term(req.PrevIndex)
			if err != nil || localTerm != req.PrevTerm {
				conflictTerm, conflictIndex := r.conflictHint(req.PrevIndex)
				resp = &raftpb.AppendEntriesResponse{
					Envelope:      raftpb.Envelope{Term: r.currentTerm, LeaderAtSend: r.leaderID},
					Succeeded:     false,
					LastLogIndex:  r.log.LastIndex(),
					ConflictTerm:  conflictTerm,
					ConflictIndex: conflictIndex,
				}
				return
			}
		}

		for _, e := range req.Entries {
			if e.Index <= r.log.LastIndex() {
				localTerm, err := r.log.Term(e.Index)
				if err == nil && localTerm == e.Term {
					continue // already have it, idempotent
				}
				if err := r.log.TruncateAfter(e.Index - 1); err != nil {
					r.opts.Logger.Error("truncate conflicting suffix failed", zap.Error(err))
					resp = &raftpb.AppendEntriesResponse{Envelope: raftpb.Envelope{Term: r.currentTerm, LeaderAtSend: r.leaderID}}
					return
				}
			}
			if err := r.log.Append([]raftpb.LogEntry{e}); err != nil {
				r.opts.Logger.Error("append entry failed", zap.Error(err))
				resp = &raftpb.AppendEntriesResponse{Envelope: raftpb.Envelope{Term: r.currentTerm, LeaderAtSend: r.leaderID}}
				return
			}
			r.applyConfigurationOnReceipt(e)
		}
		r.lastHeartbeat = r.opts.Clock.Now()

		if req.Commit > r.commitIndex {
			newCommit := req.Commit
			if last := r.log.LastIndex(); newCommit > last {
				newCommit = last
			}
			r.commitIndex = newCommit
			r.log.SetCommitIndex(newCommit)
			r.applyCommitted()
		}

		resp = &raftpb.AppendEntriesResponse{
			Envelope:     raftpb.Envelope{Term: r.currentTerm, LeaderAtSend: r.leaderID},
			Succeeded:    true,
			LastLogIndex: r.log.LastIndex(),
		}
	})
	return resp
}

// conflictHint finds the first index of the term occupying prevIndex (or
// the slot just past the local log's end), letting the leader skip an
// entire conflicting term in one round trip instead of decrementing by one.
func (r *Replica) conflictHint(prevIndex uint64) (term uint64, index uint64) {
	last := r.log.LastIndex()
	if prevIndex > last {
		return 0, last + 1
	}
	t, err := r.log.Term(prevIndex)
	if err != nil {
		return 0, r.log.FirstIndex()
	}
	idx := prevIndex
	for idx > r.log.FirstIndex() {
		pt, err := r.log.Term(idx - 1)
		if err != nil || pt != t {
			break
		}
		idx--
	}
	return t, idx
}
