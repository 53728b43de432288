// Package config provides the node/cluster configuration for an Atomix
// replica (spec §8's ambient configuration surface): identity, storage
// durability level, partition-group layout, discovery provider, and
// primitive defaults.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for a cluster node.
type Config struct {
	// Node identification
	NodeID  string `mapstructure:"node_id"`
	DataDir string `mapstructure:"data_dir"`

	// Network addresses
	HTTPAddr string `mapstructure:"http_addr"` // pkg/admin status server
	GRPCAddr string `mapstructure:"grpc_addr"` // pkg/transport AtomixReplica service

	// Partition group layout
	PartitionGroup PartitionGroupConfig `mapstructure:"partition_group"`

	// Discovery: how this node learns about its peers.
	Discovery DiscoveryConfig `mapstructure:"discovery"`

	// Storage durability level (spec §4.1): "memory", "mapped", or "disk".
	StorageLevel string `mapstructure:"storage_level"`

	// Session defaults (spec §4.3), applied when a client doesn't request
	// its own timeout.
	DefaultSessionTimeout time.Duration `mapstructure:"default_session_timeout"`

	// Maintenance sweep cadence (pkg/maintenance): snapshot compaction
	// sweeps. Sessions are expired on every applied entry, not by a sweep.
	SnapshotInterval time.Duration `mapstructure:"snapshot_interval"`
	SnapshotEntries  uint64        `mapstructure:"snapshot_entries"` // compact after this many applied entries

	// Legacy message-bus bridge (pkg/legacybus), disabled unless configured.
	LegacyBus LegacyBusConfig `mapstructure:"legacy_bus"`

	// Performance tuning
	MaxConnections int `mapstructure:"max_connections"`
	ReadTimeout    int `mapstructure:"read_timeout_ms"`
	WriteTimeout   int `mapstructure:"write_timeout_ms"`
}

// PartitionGroupConfig describes the fixed set of partitions this
// deployment hashes primitive keys across (spec §5; dynamic
// re-partitioning is out of scope so this shape never changes at runtime).
type PartitionGroupConfig struct {
	Name              string `mapstructure:"name"`
	Partitions        int    `mapstructure:"partitions"`
	ReplicationFactor int    `mapstructure:"replication_factor"`
}

// DiscoveryConfig is a tagged union selecting how peers are found, the same
// Type-tag-dispatch pattern the teacher used for storage-tier policy.
type DiscoveryConfig struct {
	Type   string               `mapstructure:"type"` // "static" (only provider shipped)
	Static StaticDiscoveryConfig `mapstructure:"static"`
}

// StaticDiscoveryConfig lists the cluster's fixed member set up front.
type StaticDiscoveryConfig struct {
	Members []StaticMember `mapstructure:"members"`
}

// StaticMember is one statically-configured peer.
type StaticMember struct {
	ID      string `mapstructure:"id"`
	Address string `mapstructure:"address"`
}

// LegacyBusConfig configures the Kafka-compatible Raft-over-bus bridge.
type LegacyBusConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

// DefaultConfig returns a configuration with sensible defaults for a
// single-node development cluster.
func DefaultConfig() *Config {
	hostname, _ := os.Hostname()
	return &Config{
		NodeID:   hostname,
		DataDir:  "./data",
		HTTPAddr: ":8080",
		GRPCAddr: ":9090",
		PartitionGroup: PartitionGroupConfig{
			Name:              "default",
			Partitions:        3,
			ReplicationFactor: 3,
		},
		Discovery: DiscoveryConfig{
			Type: "static",
			Static: StaticDiscoveryConfig{
				Members: []StaticMember{{ID: hostname, Address: "localhost:9090"}},
			},
		},
		StorageLevel:          "disk",
		DefaultSessionTimeout: 30 * time.Second,
		SnapshotInterval:      time.Minute,
		SnapshotEntries:       10000,
		MaxConnections:        1000,
		ReadTimeout:           5000,
		WriteTimeout:          10000,
	}
}

// LoadConfig loads configuration from a file, overlaying it on
// DefaultConfig so unset fields keep their defaults.
func LoadConfig(path string) (*Config, error) {
	viper.SetConfigFile(path)
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	if err := viper.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for the preconditions pkg/cluster's
// bootstrap path relies on.
func (c *Config) Validate() error {
	if c.NodeID == "" {
		return fmt.Errorf("config: node_id is required")
	}
	if c.DataDir == "" {
		return fmt.Errorf("config: data_dir is required")
	}
	if c.PartitionGroup.Partitions <= 0 {
		return fmt.Errorf("config: partition_group.partitions must be positive")
	}
	if c.PartitionGroup.ReplicationFactor <= 0 {
		return fmt.Errorf("config: partition_group.replication_factor must be positive")
	}
	switch c.StorageLevel {
	case "memory", "mapped", "disk":
	default:
		return fmt.Errorf("config: unknown storage_level %q", c.StorageLevel)
	}
	switch c.Discovery.Type {
	case "static":
		if len(c.Discovery.Static.Members) == 0 {
			return fmt.Errorf("config: discovery.static.members must not be empty")
		}
	default:
		return fmt.Errorf("config: unknown discovery.type %q", c.Discovery.Type)
	}
	if c.LegacyBus.Enabled && len(c.LegacyBus.Brokers) == 0 {
		return fmt.Errorf("config: legacy_bus.enabled requires at least one broker")
	}
	return nil
}
