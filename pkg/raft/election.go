package raft

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/atomix-go/atomix/pkg/raftpb"
)

// startElection transitions to Candidate, votes for itself, and solicits
// votes from every active peer. Only Active members (spec §4.2/§9) ever
// campaign; Reserve/Passive members never reach this path since tick never
// checks their deadlines.
func (r *Replica) startElection() {
	if r.role == RolePassive || r.role == RoleReserve {
		return
	}
	r.currentTerm++
	r.role = RoleCandidate
	r.votedFor = r.id
	r.leaderID = ""
	r.votes = map[string]bool{r.id: true}
	r.resetElectionDeadline()
	if err := r.meta.SetCurrentTerm(r.currentTerm); err != nil {
		r.opts.Logger.Error("persist term failed", zap.Error(err))
	}
	if err := r.meta.SetVotedFor(r.id); err != nil {
		r.opts.Logger.Error("persist vote failed", zap.Error(err))
	}

	lastIndex, lastTerm := r.lastLogIndexAndTerm()
	term := r.currentTerm
	req := &raftpb.RequestVoteRequest{
		Envelope:     raftpb.Envelope{Term: term, LeaderAtSend: r.id},
		Candidate:    r.id,
		LastLogIndex: lastIndex,
		LastLogTerm:  lastTerm,
	}

	r.opts.Logger.Info("starting election", zap.String("replica", r.id), zap.Uint64("term", term))

	// A lone voter's own vote is already a majority.
	if r.hasMajority(r.votes) {
		r.becomeLeader()
		return
	}

	for _, m := range r.configuration.Voters() {
		if m.ID == r.id {
			continue
		}
		peer := m
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), r.opts.ElectionTimeoutMin)
			defer cancel()
			resp, err := r.transport.SendRequestVote(ctx, peer.Address, req)
			if err != nil {
				return
			}
			r.exec(func() { r.handleVoteResponse(term, peer.ID, resp) })
		}()
	}
}

func (r *Replica) handleVoteResponse(requestTerm uint64, voterID string, resp *raftpb.RequestVoteResponse) {
	if resp.Term > r.currentTerm {
		r.setTerm(resp.Term)
		return
	}
	if r.role != RoleCandidate || r.currentTerm != requestTerm {
		return // stale reply from a prior term or we already moved on
	}
	if !resp.VoteGranted {
		return
	}
	r.votes[voterID] = true
	if r.hasMajority(r.votes) {
		r.becomeLeader()
	}
}

func (r *Replica) hasMajority(granted map[string]bool) bool {
	voters := r.configuration.Voters()
	if len(voters) == 0 {
		return false
	}
	count := 0
	for _, m := range voters {
		if granted[m.ID] {
			count++
		}
	}
	return count*2 > len(voters)
}

// becomeLeader initializes leader-only state and appends a no-op entry of
// the new term — the figure-8 safety mechanism (spec §4.2): a prior term's
// entry only becomes committed once an entry of the current term commits,
// which this guarantees happens immediately.
func (r *Replica) becomeLeader() {
	r.role = RoleLeader
	r.leaderID = r.id
	r.progress = make(map[string]*replicatedState)
	lastIndex := r.log.LastIndex()
	for _, m := range r.configuration.Voters() {
		if m.ID == r.id {
			continue
		}
		r.progress[m.ID] = &replicatedState{nextIndex: lastIndex + 1, matchIndex: 0}
	}
	r.opts.Logger.Info("became leader", zap.String("replica", r.id), zap.Uint64("term", r.currentTerm))

	entry := raftpb.LogEntry{
		Term:      r.currentTerm,
		Timestamp: time.Now().UnixMilli(),
		Kind:      raftpb.InitializeEntry,
	}
	if err := r.appendLocal(entry); err != nil {
		r.opts.Logger.Error("append no-op failed", zap.Error(err))
		return
	}
	r.sendHeartbeats()
}

// appendLocal assigns the next index to entry and appends it to the local
// log. Callers must be running on the replica's own goroutine.
func (r *Replica) appendLocal(entry raftpb.LogEntry) error {
	entry.Index = r.log.LastIndex() + 1
	if err := r.log.Append([]raftpb.LogEntry{entry}); err != nil {
		return err
	}
	if r.role == RoleLeader {
		if ps, ok := r.progress[r.id]; ok {
			ps.matchIndex = entry.Index
		}
	}
	r.applyConfigurationOnReceipt(entry)
	return nil
}

// HandleRequestVote processes an inbound RequestVote RPC (spec §4.2's
// election safety: grant only to a candidate whose log is at least as
// up-to-date as the voter's).
func (r *Replica) HandleRequestVote(req *raftpb.RequestVoteRequest) *raftpb.RequestVoteResponse {
	var resp *raftpb.RequestVoteResponse
	r.exec(func() {
		if req.Term > r.currentTerm {
			r.setTerm(req.Term)
		}
		granted := false
		if req.Term >= r.currentTerm && (r.votedFor == "" || r.votedFor == req.Candidate) {
			lastIndex, lastTerm := r.lastLogIndexAndTerm()
			upToDate := req.LastLogTerm > lastTerm ||
				(req.LastLogTerm == lastTerm && req.LastLogIndex >= lastIndex)
			if upToDate {
				granted = true
				r.votedFor = req.Candidate
				if err := r.meta.SetVotedFor(req.Candidate); err != nil {
					r.opts.Logger.Error("persist vote failed", zap.Error(err))
				}
				r.resetElectionDeadline()
			}
		}
		resp = &raftpb.RequestVoteResponse{
			Envelope:    raftpb.Envelope{Term: r.currentTerm, LeaderAtSend: r.leaderID},
			VoteGranted: granted,
		}
	})
	return resp
}
