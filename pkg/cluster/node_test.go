package cluster

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/atomix-go/atomix/pkg/config"

	_ "github.com/atomix-go/atomix/pkg/primitive/examples"
)

func newTestConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.NodeID = "node-1"
	cfg.DataDir = t.TempDir()
	cfg.GRPCAddr = "127.0.0.1:0"
	cfg.HTTPAddr = "127.0.0.1:0"
	cfg.PartitionGroup = config.PartitionGroupConfig{Name: "default", Partitions: 2, ReplicationFactor: 1}
	cfg.Discovery = config.DiscoveryConfig{
		Type: "static",
		Static: config.StaticDiscoveryConfig{
			Members: []config.StaticMember{{ID: "node-1", Address: "127.0.0.1:0"}},
		},
	}
	cfg.StorageLevel = "memory"
	return cfg
}

func TestBootstrapCreatesEveryPartition(t *testing.T) {
	cfg := newTestConfig(t)
	node := NewNode(cfg, zap.NewNop())
	if err := node.Bootstrap(); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	partitions := node.Partitions()
	if len(partitions) != 2 {
		t.Fatalf("got %d partitions, want 2", len(partitions))
	}
	if _, ok := partitions["default-0"]; !ok {
		t.Fatal("missing partition default-0")
	}
	if _, ok := partitions["default-1"]; !ok {
		t.Fatal("missing partition default-1")
	}
	if node.Router() == nil {
		t.Fatal("router should be built after Bootstrap")
	}
}

func TestStartElectsLeaderOnEveryPartition(t *testing.T) {
	cfg := newTestConfig(t)
	node := NewNode(cfg, zap.NewNop())
	if err := node.Bootstrap(); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := node.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := node.Shutdown(shutdownCtx); err != nil {
			t.Errorf("Shutdown: %v", err)
		}
	}()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		allLeader := true
		for _, r := range node.Partitions() {
			if r.Role().String() != "leader" {
				allLeader = false
			}
		}
		if allLeader {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("not every partition elected itself leader within timeout")
}
