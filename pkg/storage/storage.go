package storage

import "fmt"

// PartitionStorage bundles the three durable artifacts one partition
// replica owns exclusively: its log, its persistent metadata
// (currentTerm/votedFor), and its snapshot store.
type PartitionStorage struct {
	Log      Log
	Metadata MetadataStore
	Snapshot *SnapshotStore
	Level    Level
}

// Open constructs a PartitionStorage rooted at dir for the given
// durability Level. dir is expected to be exclusive to one partition
// replica, matching "the log file is owned by one replica" (spec §5).
func Open(level Level, dir string) (*PartitionStorage, error) {
	snap, err := NewSnapshotStore(dir)
	if err != nil {
		return nil, fmt.Errorf("storage: open snapshot store: %w", err)
	}

	switch level {
	case LevelMemory:
		return &PartitionStorage{
			Log:      NewMemoryLog(),
			Metadata: NewMemoryMetadataStore(),
			Snapshot: snap,
			Level:    level,
		}, nil
	case LevelMapped, LevelDisk:
		logStore, err := NewBoltLog(dir, level)
		if err != nil {
			return nil, err
		}
		meta, err := NewBoltMetadataStore(dir)
		if err != nil {
			logStore.Close()
			return nil, err
		}
		return &PartitionStorage{
			Log:      logStore,
			Metadata: meta,
			Snapshot: snap,
			Level:    level,
		}, nil
	default:
		return nil, fmt.Errorf("storage: unsupported level %v", level)
	}
}

// Close releases the log and metadata store's file handles.
func (s *PartitionStorage) Close() error {
	err1 := s.Log.Close()
	err2 := s.Metadata.Close()
	if err1 != nil {
		return err1
	}
	return err2
}
