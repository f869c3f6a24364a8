package sharded

import (
	"sync/atomic"
	"testing"
)

type counter struct {
	shard int
	hits  atomic.Int64
}

func TestNewConstructsPerShardInstances(t *testing.T) {
	s := New(4, func(shard int) *counter { return &counter{shard: shard} })
	if s.Count() != 4 {
		t.Fatalf("Count() = %d, want 4", s.Count())
	}
	for i := 0; i < 4; i++ {
		if s.On(i).shard != i {
			t.Errorf("On(%d).shard = %d", i, s.On(i).shard)
		}
	}
	if s.Local() != s.On(0) {
		t.Errorf("Local() must be the designated shard 0 instance")
	}
}

func TestInvokeOnAllVisitsEveryShardOnce(t *testing.T) {
	s := New(8, func(shard int) *counter { return &counter{shard: shard} })
	s.InvokeOnAll(func(shard int, c *counter) {
		if c.shard != shard {
			t.Errorf("instance %d invoked as shard %d", c.shard, shard)
		}
		c.hits.Add(1)
	})
	// InvokeOnAll returns only after every invocation completed
	for i := 0; i < s.Count(); i++ {
		if got := s.On(i).hits.Load(); got != 1 {
			t.Errorf("shard %d hit %d times, want 1", i, got)
		}
	}
}
