package primitive

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/atomix-go/atomix/pkg/registry"
)

// Types is the explicit, tag-registered catalog of service factories that
// Host.Load consults — the replacement for the source's reflection-driven
// service registry (spec §9). Components that ship a primitive register it
// here at init time, e.g.:
//
//	func init() { primitive.Types.Register("counter", func() primitive.Service { return NewCounter() } ) }
var Types = registry.New[Service]()

// Host loads one Service by ServiceType and drives it deterministically.
// It is owned exclusively by its partition replica's apply loop (spec §5).
type Host struct {
	mu      sync.Mutex
	service Service
	typ     string
}

// Load constructs and initializes the service registered under serviceType.
func Load(serviceType string, ctx *Context) (*Host, error) {
	svc, err := Types.New(serviceType)
	if err != nil {
		return nil, fmt.Errorf("primitive: load %q: %w", serviceType, err)
	}
	svc.Init(ctx)
	return &Host{service: svc, typ: serviceType}, nil
}

// ApplyCommand drives the hosted service's ApplyCommand under ctx.
func (h *Host) ApplyCommand(ctx *Context, name string, args []byte) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.service.ApplyCommand(ctx, name, args)
}

// ApplyQuery drives the hosted service's ApplyQuery under ctx.
func (h *Host) ApplyQuery(ctx *Context, name string, args []byte) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.service.ApplyQuery(ctx, name, args)
}

// Backup serializes the hosted service's state to bytes, for the Log &
// Storage component to write as a Snapshot.
func (h *Host) Backup() ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	var buf bytes.Buffer
	if err := h.service.Backup(&buf); err != nil {
		return nil, fmt.Errorf("primitive: backup %s: %w", h.typ, err)
	}
	return buf.Bytes(), nil
}

// Restore replaces the hosted service's state from a prior Backup.
func (h *Host) Restore(data []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.service.Restore(bytes.NewReader(data)); err != nil {
		return fmt.Errorf("primitive: restore %s: %w", h.typ, err)
	}
	return nil
}

// CanCompact asks the hosted service whether compaction past index is
// safe, BEFORE the Log & Storage component is allowed to take the
// snapshot (spec §9's resolved ambiguity).
func (h *Host) CanCompact(index uint64) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.service.CanDelete(index)
}

// Type returns the registered ServiceType name this host loaded.
func (h *Host) Type() string {
	return h.typ
}
