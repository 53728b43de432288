package storage

// Level selects the durability guarantee append() offers, per spec §4.1.
type Level uint8

const (
	// LevelMemory keeps the log and snapshot in process memory only.
	// append returns immediately; nothing survives a restart. Used for
	// test clusters.
	LevelMemory Level = iota
	// LevelMapped writes to a memory-mapped bbolt file but skips fsync on
	// every commit, trading some durability for write throughput.
	LevelMapped
	// LevelDisk writes to a bbolt file and fsyncs every commit before
	// append returns. The Raft layer assumes append is durable at this
	// level before acknowledging to the leader.
	LevelDisk
)

func (l Level) String() string {
	switch l {
	case LevelMemory:
		return "memory"
	case LevelMapped:
		return "mapped"
	case LevelDisk:
		return "disk"
	default:
		return "unknown"
	}
}

// ParseLevel maps a config tag to a Level, defaulting to LevelDisk when the
// tag is empty so a missing config value fails safe toward durability.
func ParseLevel(tag string) (Level, error) {
	switch tag {
	case "", "disk":
		return LevelDisk, nil
	case "mapped":
		return LevelMapped, nil
	case "memory":
		return LevelMemory, nil
	default:
		return 0, errUnknownLevel(tag)
	}
}

type errUnknownLevel string

func (e errUnknownLevel) Error() string { return "storage: unknown storage level " + string(e) }
