package session

import (
	"testing"
	"time"
)

func TestApplyDedup(t *testing.T) {
	m := NewManager(0)
	s := m.Open("member-1", "svc-1", "counter", time.Second, 1000)

	calls := 0
	fn := func() ([]byte, error) {
		calls++
		return []byte("ok"), nil
	}

	r1 := m.Apply(s.ID, 1, fn)
	if r1.Deferred || r1.Err != nil || string(r1.Value) != "ok" {
		t.Fatalf("first apply: %+v", r1)
	}
	r2 := m.Apply(s.ID, 1, fn)
	if r2.Deferred || string(r2.Value) != "ok" {
		t.Fatalf("retry apply: %+v", r2)
	}
	if calls != 1 {
		t.Fatalf("fn called %d times, want 1", calls)
	}
}

func TestApplyBuffersOutOfOrder(t *testing.T) {
	m := NewManager(0)
	s := m.Open("member-1", "svc-1", "counter", time.Second, 1000)

	var order []int
	mk := func(n int) func() ([]byte, error) {
		return func() ([]byte, error) {
			order = append(order, n)
			return nil, nil
		}
	}

	r3 := m.Apply(s.ID, 3, mk(3))
	if !r3.Deferred {
		t.Fatalf("sequence 3 should be deferred before 1,2 apply")
	}
	r2 := m.Apply(s.ID, 2, mk(2))
	if !r2.Deferred {
		t.Fatalf("sequence 2 should be deferred before 1 applies")
	}
	r1 := m.Apply(s.ID, 1, mk(1))
	if r1.Deferred {
		t.Fatalf("sequence 1 should apply immediately")
	}
	if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Fatalf("apply order = %v, want [1 2 3]", order)
	}
}

func TestExpireStale(t *testing.T) {
	m := NewManager(0)
	s := m.Open("member-1", "svc-1", "lock", time.Second, 1000)

	if expired := m.ExpireStale(1500); len(expired) != 0 {
		t.Fatalf("session should not expire yet: %v", expired)
	}
	if expired := m.ExpireStale(2500); len(expired) != 1 || expired[0] != s.ID {
		t.Fatalf("session should have expired: %v", expired)
	}
	if _, err := m.Get(s.ID); err == nil {
		t.Fatal("expired session should be gone")
	}
}

func TestKeepAliveTrimsCache(t *testing.T) {
	m := NewManager(0)
	s := m.Open("member-1", "svc-1", "map", time.Minute, 1000)
	for i := uint64(1); i <= 3; i++ {
		m.Apply(s.ID, i, func() ([]byte, error) { return []byte("v"), nil })
	}
	if err := m.KeepAlive(s.ID, 2, 0, 1001); err != nil {
		t.Fatal(err)
	}
	s.mu.Lock()
	_, has1 := s.cache.Get(uint64(1))
	_, has3 := s.cache.Get(uint64(3))
	s.mu.Unlock()
	if has1 {
		t.Fatal("sequence 1 should have been evicted after ack")
	}
	if !has3 {
		t.Fatal("sequence 3 (above ack) should still be cached")
	}
}
