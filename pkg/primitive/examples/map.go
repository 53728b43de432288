package examples

import (
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/atomix-go/atomix/pkg/primitive"
)

func init() {
	primitive.Types.Register("map", func() primitive.Service { return NewMap() })
}

// Map is a distributed key/value map primitive: put/remove commands, get/
// containsKey queries. Entries are plain bytes; callers agree on encoding.
type Map struct {
	entries map[string][]byte
}

// NewMap returns an empty Map.
func NewMap() *Map { return &Map{entries: make(map[string][]byte)} }

type putArgs struct {
	Key   string `msgpack:"key"`
	Value []byte `msgpack:"value"`
}

func (m *Map) Init(ctx *primitive.Context) {}

func (m *Map) ApplyCommand(ctx *primitive.Context, name string, args []byte) ([]byte, error) {
	switch name {
	case "put":
		var a putArgs
		if err := msgpack.Unmarshal(args, &a); err != nil {
			return nil, fmt.Errorf("map: put: %w", err)
		}
		prev := m.entries[a.Key]
		m.entries[a.Key] = a.Value
		if ctx.Emit != nil {
			ctx.Emit("updated", args)
		}
		return prev, nil
	case "remove":
		var key string
		if err := msgpack.Unmarshal(args, &key); err != nil {
			return nil, fmt.Errorf("map: remove: %w", err)
		}
		prev, ok := m.entries[key]
		delete(m.entries, key)
		if ok && ctx.Emit != nil {
			ctx.Emit("removed", args)
		}
		return prev, nil
	default:
		return nil, fmt.Errorf("map: unknown command %q", name)
	}
}

func (m *Map) ApplyQuery(ctx *primitive.Context, name string, args []byte) ([]byte, error) {
	switch name {
	case "get":
		var key string
		if err := msgpack.Unmarshal(args, &key); err != nil {
			return nil, fmt.Errorf("map: get: %w", err)
		}
		return m.entries[key], nil
	case "containsKey":
		var key string
		if err := msgpack.Unmarshal(args, &key); err != nil {
			return nil, fmt.Errorf("map: containsKey: %w", err)
		}
		_, ok := m.entries[key]
		return msgpack.Marshal(ok)
	case "size":
		return msgpack.Marshal(len(m.entries))
	default:
		return nil, fmt.Errorf("map: unknown query %q", name)
	}
}

func (m *Map) Backup(out io.Writer) error {
	data, err := msgpack.Marshal(m.entries)
	if err != nil {
		return err
	}
	_, err = out.Write(data)
	return err
}

func (m *Map) Restore(in io.Reader) error {
	data, err := io.ReadAll(in)
	if err != nil {
		return err
	}
	entries := make(map[string][]byte)
	if len(data) > 0 {
		if err := msgpack.Unmarshal(data, &entries); err != nil {
			return err
		}
	}
	m.entries = entries
	return nil
}

func (m *Map) CanDelete(index uint64) bool { return true }
