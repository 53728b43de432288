package cluster

import "github.com/atomix-go/atomix/pkg/raftpb"

// topologyView adapts Node to pkg/router.Topology: a stable partition
// index (for key-hash routing) backed by each partition's live Raft
// Configuration (for member addresses), rather than a separately
// maintained copy of the cluster shape.
type topologyView struct {
	node *Node
}

func (t *topologyView) PartitionCount() int {
	t.node.mu.RLock()
	defer t.node.mu.RUnlock()
	return len(t.node.order)
}

func (t *topologyView) PartitionID(index int) string {
	t.node.mu.RLock()
	defer t.node.mu.RUnlock()
	if index < 0 || index >= len(t.node.order) {
		return ""
	}
	return t.node.order[index]
}

func (t *topologyView) Members(partitionID string) []raftpb.Member {
	t.node.mu.RLock()
	p, ok := t.node.partitions[partitionID]
	t.node.mu.RUnlock()
	if !ok {
		return nil
	}
	return p.Replica.Configuration().Members
}
