package membership

import (
	"context"

	"github.com/atomix-go/atomix/pkg/config"
	"github.com/atomix-go/atomix/pkg/raftpb"
)

// StaticDiscovery implements Discovery over a fixed member list taken
// straight from config.DiscoveryConfig.Static — the only provider this
// deployment ships, matching the single supported config.DiscoveryConfig
// tag. Watch never emits further events since the member set never
// changes after startup; Coordinator.reconcileAll's periodic pass is what
// actually proposes configuration for these members the first time.
type StaticDiscovery struct {
	members []raftpb.Member
}

// NewStaticDiscovery builds a Discovery from a static member list,
// defaulting every member to the Active role since a fixed deployment has
// no Reserve ramp-up period.
func NewStaticDiscovery(cfg config.StaticDiscoveryConfig) *StaticDiscovery {
	members := make([]raftpb.Member, 0, len(cfg.Members))
	for _, m := range cfg.Members {
		members = append(members, raftpb.Member{ID: m.ID, Address: m.Address, Role: raftpb.RoleActive})
	}
	return &StaticDiscovery{members: members}
}

func (d *StaticDiscovery) Members(ctx context.Context) ([]raftpb.Member, error) {
	return d.members, nil
}

// Watch returns a channel that is never written to: a static member list
// has nothing further to report after the initial Members() snapshot.
func (d *StaticDiscovery) Watch(ctx context.Context) (<-chan Event, error) {
	ch := make(chan Event)
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, nil
}
