package raft

import (
	"context"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"

	"github.com/atomix-go/atomix/pkg/atomixerrors"
	"github.com/atomix-go/atomix/pkg/raftpb"
)

// Configuration returns the replica's current membership view.
func (r *Replica) Configuration() raftpb.Configuration {
	var out raftpb.Configuration
	r.exec(func() { out = r.configuration })
	return out
}

// ProposeConfiguration appends a ConfigurationEntry changing membership by
// exactly one server (spec §4.2's single-server-change restriction — adding
// or removing more than one member in a single change risks two disjoint
// majorities, so callers must add/remove members one at a time, typically
// ramping Reserve -> Passive -> Active before granting a vote).
func (r *Replica) ProposeConfiguration(ctx context.Context, next raftpb.Configuration) error {
	if err := validateSingleServerChange(r.Configuration(), next); err != nil {
		return err
	}
	payload, err := msgpack.Marshal(next)
	if err != nil {
		return err
	}
	w := &resultWaiter{ack: make(chan error, 1)}
	if err := r.proposeAndWait(ctx, raftpb.ConfigurationEntry, payload, w); err != nil {
		return err
	}
	return <-w.ack
}

func validateSingleServerChange(current, next raftpb.Configuration) error {
	currentIDs := make(map[string]bool, len(current.Members))
	for _, m := range current.Members {
		currentIDs[m.ID] = true
	}
	nextIDs := make(map[string]bool, len(next.Members))
	for _, m := range next.Members {
		nextIDs[m.ID] = true
	}
	changes := 0
	for id := range currentIDs {
		if !nextIDs[id] {
			changes++
		}
	}
	for id := range nextIDs {
		if !currentIDs[id] {
			changes++
		}
	}
	if changes > 1 {
		return atomixerrors.ErrConfigurationErr
	}
	return nil
}

// applyConfigurationOnReceipt installs a ConfigurationEntry's membership
// immediately on append — NOT on commit (spec §4.2) — so in-flight
// elections and replication already see the new voter set. Both the
// leader's appendLocal path and a follower's HandleAppendEntries path call
// this for every ConfigurationEntry they append.
func (r *Replica) applyConfigurationOnReceipt(entry raftpb.LogEntry) {
	if entry.Kind != raftpb.ConfigurationEntry {
		return
	}
	var config raftpb.Configuration
	if err := msgpack.Unmarshal(entry.Payload, &config); err != nil {
		r.opts.Logger.Error("decode configuration entry failed", zap.Error(err))
		return
	}
	r.configuration = config
	if r.role == RoleLeader {
		for _, m := range config.Voters() {
			if m.ID == r.id {
				continue
			}
			if _, ok := r.progress[m.ID]; !ok {
				r.progress[m.ID] = &replicatedState{nextIndex: r.log.LastIndex() + 1}
			}
		}
		for id := range r.progress {
			if !containsMember(config.Voters(), id) {
				delete(r.progress, id)
			}
		}
	}
	for _, m := range config.Members {
		if m.ID == r.id {
			switch m.Role {
			case raftpb.RoleActive:
				if r.role == RoleReserve || r.role == RolePassive {
					r.role = RoleFollower
					r.resetElectionDeadline()
				}
			case raftpb.RolePassive:
				r.role = RolePassive
			case raftpb.RoleReserve:
				r.role = RoleReserve
			}
		}
	}
}

func containsMember(members []raftpb.Member, id string) bool {
	for _, m := range members {
		if m.ID == id {
			return true
		}
	}
	return false
}

// leaseValid backs LinearizableLease reads (spec §4.5's cheaper-than-log-
// roundtrip mode): lastHeartbeat advances to a heartbeat round's start once
// a majority of voters have acked that round, and the lease holds for one
// minimum election timeout after it. A leader may answer such a read from
// local state while the lease holds, without a fresh round of AppendEntries.
func (r *Replica) leaseValid(now time.Time) bool {
	return r.role == RoleLeader && now.Before(r.lastHeartbeat.Add(r.opts.ElectionTimeoutMin))
}
