package maintenance

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

type fakeReplica struct {
	applied  uint64
	snapshot uint64
	taken    int32
}

func (f *fakeReplica) AppliedIndex() uint64  { return f.applied }
func (f *fakeReplica) SnapshotIndex() uint64 { return f.snapshot }
func (f *fakeReplica) TakeSnapshot(ctx context.Context, index uint64) error {
	atomic.AddInt32(&f.taken, 1)
	f.snapshot = index
	return nil
}

func TestSchedulerCompactsPastThreshold(t *testing.T) {
	r := &fakeReplica{applied: 100, snapshot: 0}
	s := NewScheduler(time.Second, 10, zap.NewNop())
	if err := s.AddReplica("p-0", r, "@every 20ms"); err != nil {
		t.Fatalf("AddReplica: %v", err)
	}
	s.Start()
	defer s.Stop()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if atomic.LoadInt32(&r.taken) > 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("expected a snapshot to be taken once applied index outran snapshot index")
}

func TestSchedulerSkipsBelowThreshold(t *testing.T) {
	r := &fakeReplica{applied: 5, snapshot: 0}
	s := NewScheduler(time.Second, 10, zap.NewNop())
	if err := s.AddReplica("p-0", r, "@every 20ms"); err != nil {
		t.Fatalf("AddReplica: %v", err)
	}
	s.Start()
	defer s.Stop()

	time.Sleep(100 * time.Millisecond)
	if atomic.LoadInt32(&r.taken) != 0 {
		t.Fatal("should not compact below snapshotEntries threshold")
	}
}
