// Package sharded models services that keep one physical instance per worker
// shard. A logically global service is owned by a designated shard (the
// "local" instance) and invoked from whichever goroutine runs the dispatcher;
// a replicated service keeps every instance in lockstep by applying the same
// mutation to all of them.
package sharded

import "sync"

// Sharded holds one instance of a service per shard.
type Sharded[T any] struct {
	instances []T
}

// New builds a Sharded service with count instances, constructing each one
// with newInstance
func New[T any](count int, newInstance func(shard int) T) *Sharded[T] {
	s := &Sharded[T]{instances: make([]T, count)}
	for i := range s.instances {
		s.instances[i] = newInstance(i)
	}
	return s
}

// Count returns the number of shards
func (s *Sharded[T]) Count() int {
	return len(s.instances)
}

// On returns the instance owned by the given shard
func (s *Sharded[T]) On(shard int) T {
	return s.instances[shard]
}

// Local returns the designated owning instance (shard 0). Reads that feed a
// later broadcast go through it so every shard's state is observed from a
// single consistent copy.
func (s *Sharded[T]) Local() T {
	return s.instances[0]
}

// InvokeOnAll runs fn against every shard's instance concurrently and returns
// once all invocations completed. Ordering across shards within one
// invocation is irrelevant; callers serialize across invocations.
func (s *Sharded[T]) InvokeOnAll(fn func(shard int, instance T)) {
	var wg sync.WaitGroup
	wg.Add(len(s.instances))
	for i, inst := range s.instances {
		go func(shard int, instance T) {
			defer wg.Done()
			fn(shard, instance)
		}(i, inst)
	}
	wg.Wait()
}
