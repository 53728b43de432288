// Package membership is the glue between cluster discovery and Raft
// configuration changes (spec §4.2's membership changes, consumed here
// rather than produced): it turns a discovery provider's join/leave events
// into single-server ProposeConfiguration calls against the partition's
// current leader. A joining member is added with the role its Discovery
// provider reports; this package has no Reserve -> Passive -> Active
// promotion step (see nextConfiguration).
package membership

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/atomix-go/atomix/pkg/raft"
	"github.com/atomix-go/atomix/pkg/raftpb"
)

// Event is one membership change a Discovery source reports.
type Event struct {
	Joined bool
	Member raftpb.Member
}

// Discovery is the contract a membership source must satisfy (GLOSSARY's
// "discovery contract"): an initial snapshot plus a stream of subsequent
// changes. pkg/config's static provider is the only implementation shipped
// here; a gossip/DNS/k8s-informer backed one would satisfy the same
// interface.
type Discovery interface {
	Members(ctx context.Context) ([]raftpb.Member, error)
	Watch(ctx context.Context) (<-chan Event, error)
}

// Coordinator reconciles one partition's Raft Configuration against a
// Discovery source, proposing exactly one single-server change at a time
// (spec §4.2's restriction) and only while it believes itself the leader.
type Coordinator struct {
	replica   *raft.Replica
	discovery Discovery
	logger    *zap.Logger

	reconcileInterval time.Duration
}

// NewCoordinator constructs a Coordinator for one partition replica.
func NewCoordinator(replica *raft.Replica, discovery Discovery, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{replica: replica, discovery: discovery, logger: logger, reconcileInterval: time.Second}
}

// Run drives reconciliation until ctx is canceled: it seeds from the
// initial Members() snapshot, then applies Watch() events as they arrive,
// and periodically re-applies every listed member as a join in case a join
// event was dropped. The periodic pass never removes a member.
func (c *Coordinator) Run(ctx context.Context) {
	events, err := c.discovery.Watch(ctx)
	if err != nil {
		c.logger.Error("membership: watch failed", zap.Error(err))
		return
	}

	ticker := time.NewTicker(c.reconcileInterval)
	defer ticker.Stop()

	c.reconcileAll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			c.applyEvent(ctx, ev)
		case <-ticker.C:
			c.reconcileAll(ctx)
		}
	}
}

func (c *Coordinator) reconcileAll(ctx context.Context) {
	members, err := c.discovery.Members(ctx)
	if err != nil {
		c.logger.Warn("membership: list members failed", zap.Error(err))
		return
	}
	for _, m := range members {
		c.applyEvent(ctx, Event{Joined: true, Member: m})
	}
}

// applyEvent proposes the single-server change implied by ev, skipping it
// entirely if this replica isn't currently the leader (only the leader may
// propose, and a follower would just get NotLeaderError back).
func (c *Coordinator) applyEvent(ctx context.Context, ev Event) {
	if c.replica.Role() != raft.RoleLeader {
		return
	}
	current := c.replica.Configuration()
	next := nextConfiguration(current, ev)
	if configurationsEqual(current, next) {
		return
	}
	proposeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := c.replica.ProposeConfiguration(proposeCtx, next); err != nil {
		c.logger.Warn("membership: propose configuration failed",
			zap.String("member", ev.Member.ID), zap.Bool("joined", ev.Joined), zap.Error(err))
	}
}

// nextConfiguration applies one join or leave to current, one member at a
// time (spec §4.2's single-server-change restriction). A join's role comes
// from the Discovery provider: a static, pre-agreed cluster reports its
// members Active immediately, while a provider for nodes joining a live
// cluster would report them Reserve and rely on a separate promotion path
// (not needed here, since no such provider is shipped).
func nextConfiguration(current raftpb.Configuration, ev Event) raftpb.Configuration {
	members := make([]raftpb.Member, 0, len(current.Members)+1)
	found := false
	for _, m := range current.Members {
		if m.ID == ev.Member.ID {
			found = true
			if ev.Joined {
				members = append(members, m) // already present, leave role alone
			}
			continue
		}
		members = append(members, m)
	}
	if ev.Joined && !found {
		members = append(members, ev.Member)
	}
	return raftpb.Configuration{Members: members}
}

func configurationsEqual(a, b raftpb.Configuration) bool {
	if len(a.Members) != len(b.Members) {
		return false
	}
	byID := make(map[string]raftpb.Member, len(a.Members))
	for _, m := range a.Members {
		byID[m.ID] = m
	}
	for _, m := range b.Members {
		prev, ok := byID[m.ID]
		if !ok || prev.Address != m.Address || prev.Role != m.Role {
			return false
		}
	}
	return true
}
