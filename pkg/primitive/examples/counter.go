// Package examples provides minimal, deterministic primitive services used
// to exercise the Primitive Service Host and the Raft apply loop in tests.
// They are illustrative, not the user-facing primitive catalog (out of
// scope per spec §1).
package examples

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/atomix-go/atomix/pkg/primitive"
)

func init() {
	primitive.Types.Register("counter", func() primitive.Service { return NewCounter() })
}

// Counter is a distributed counter primitive: Increment(delta) command,
// Get() query.
type Counter struct {
	value int64
}

// NewCounter returns a zero-valued Counter.
func NewCounter() *Counter { return &Counter{} }

func (c *Counter) Init(ctx *primitive.Context) {}

func (c *Counter) ApplyCommand(ctx *primitive.Context, name string, args []byte) ([]byte, error) {
	switch name {
	case "increment":
		var delta int64 = 1
		if len(args) == 8 {
			delta = int64(binary.BigEndian.Uint64(args))
		}
		c.value += delta
		return encodeInt64(c.value), nil
	case "set":
		if len(args) != 8 {
			return nil, fmt.Errorf("counter: set requires 8-byte argument")
		}
		c.value = int64(binary.BigEndian.Uint64(args))
		return encodeInt64(c.value), nil
	default:
		return nil, fmt.Errorf("counter: unknown command %q", name)
	}
}

func (c *Counter) ApplyQuery(ctx *primitive.Context, name string, args []byte) ([]byte, error) {
	switch name {
	case "get":
		return encodeInt64(c.value), nil
	default:
		return nil, fmt.Errorf("counter: unknown query %q", name)
	}
}

func (c *Counter) Backup(out io.Writer) error {
	_, err := out.Write(encodeInt64(c.value))
	return err
}

func (c *Counter) Restore(in io.Reader) error {
	buf := make([]byte, 8)
	if _, err := io.ReadFull(in, buf); err != nil {
		return err
	}
	c.value = int64(binary.BigEndian.Uint64(buf))
	return nil
}

func (c *Counter) CanDelete(index uint64) bool { return true }

func encodeInt64(v int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(v))
	return buf
}
