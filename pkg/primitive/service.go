// Package primitive implements the Primitive Service Host (spec §4.4): a
// deterministic container that loads a user-supplied service definition and
// drives apply(command|query) against a session+index+timestamp context,
// with backup/restore hooks into the Log & Storage component.
package primitive

import "io"

// Context is set before every apply call and is the only source of
// non-determinism a Service may read: no wall-clock, no external I/O, no
// non-deterministic iteration order (spec §4.4).
type Context struct {
	Index     uint64
	Timestamp int64
	Role      string // "leader", "follower", etc, informational only
	SessionID uint64

	// Emit publishes a session event during apply. nil outside of a
	// session-bound command.
	Emit func(name string, payload []byte)
}

// Service is a deterministic state machine bound to one partition.
type Service interface {
	// Init is called once when the service is first loaded into a Host,
	// before any command or query is applied.
	Init(ctx *Context)

	// ApplyCommand executes a mutating operation.
	ApplyCommand(ctx *Context, name string, args []byte) ([]byte, error)

	// ApplyQuery executes a non-mutating operation.
	ApplyQuery(ctx *Context, name string, args []byte) ([]byte, error)

	// Backup serializes the service's complete state.
	Backup(out io.Writer) error

	// Restore replaces the service's state with what was serialized by
	// a prior Backup.
	Restore(in io.Reader) error

	// CanDelete reports whether entries at or below index may be discarded;
	// a service returns false while it still needs events or state from
	// them — e.g. because it hasn't finished delivering an event emitted at
	// that index. The host queries this
	// BEFORE compaction (spec §9's resolved ambiguity) and withholds
	// compaction if it returns false.
	CanDelete(index uint64) bool
}

// Factory constructs a fresh, zero-state Service instance for a
// registered ServiceType tag.
type Factory func() Service
