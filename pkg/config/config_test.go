package config

import "testing"

func TestDefaultConfigValidates(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}

func TestValidateRejectsMissingNodeID(t *testing.T) {
	cfg := DefaultConfig()
	cfg.NodeID = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for empty node_id")
	}
}

func TestValidateRejectsNonPositivePartitions(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PartitionGroup.Partitions = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for zero partitions")
	}
}

func TestValidateRejectsUnknownStorageLevel(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StorageLevel = "ssd"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for unknown storage_level")
	}
}

func TestValidateRejectsEmptyStaticMembers(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Discovery.Static.Members = nil
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for empty discovery.static.members")
	}
}

func TestValidateRejectsLegacyBusWithoutBrokers(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LegacyBus.Enabled = true
	cfg.LegacyBus.Brokers = nil
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for legacy_bus enabled with no brokers")
	}
}
