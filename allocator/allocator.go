// Package allocator tracks reserved replica slots per allocation domain. It
// is additive/subtractive bookkeeping only: placement decisions are made
// upstream, the allocator just keeps the per-(node, shard) capacity counters
// consistent with what the dispatcher applied.
package allocator

import (
	"sync"

	"github.com/CefBoud/moncontroller/logging"
	"github.com/CefBoud/moncontroller/types"
	metrics "github.com/hashicorp/go-metrics"
)

// PartitionAllocator aggregates replica reservations. It is logically global:
// a single instance owned by the dispatcher shard, mutated only after all
// topic table shards agreed on a command's outcome.
type PartitionAllocator struct {
	mu      sync.RWMutex
	domains map[types.AllocationDomain]map[types.Replica]int64

	// highest replication group id observed, kept so that freshly allocated
	// groups stay monotonic across snapshot restores
	lastGroup types.GroupID
}

// NewPartitionAllocator creates an empty allocator
func NewPartitionAllocator() *PartitionAllocator {
	return &PartitionAllocator{
		domains: make(map[types.AllocationDomain]map[types.Replica]int64),
	}
}

func (a *PartitionAllocator) domain(domain types.AllocationDomain) map[types.Replica]int64 {
	counters, ok := a.domains[domain]
	if !ok {
		counters = make(map[types.Replica]int64)
		a.domains[domain] = counters
	}
	return counters
}

// AddAllocations reserves one slot on every given replica within the domain
func (a *PartitionAllocator) AddAllocations(replicas []types.Replica, domain types.AllocationDomain) {
	a.mu.Lock()
	defer a.mu.Unlock()
	counters := a.domain(domain)
	for _, r := range replicas {
		counters[r]++
	}
	a.publishGauge(domain)
}

// RemoveAllocations releases one slot on every given replica within the
// domain. Releasing a slot that was never reserved means the caller's delta
// arithmetic is broken and the accounting can no longer be trusted.
func (a *PartitionAllocator) RemoveAllocations(replicas []types.Replica, domain types.AllocationDomain) {
	a.mu.Lock()
	defer a.mu.Unlock()
	counters := a.domain(domain)
	for _, r := range replicas {
		counters[r]--
		if counters[r] < 0 {
			logging.Panic("partition allocator: negative allocation count for replica %v in domain %d", r, domain)
		}
		if counters[r] == 0 {
			delete(counters, r)
		}
	}
	a.publishGauge(domain)
}

// UpdateAllocationState registers the reservations of an already-decided
// assignment, recording its group id
func (a *PartitionAllocator) UpdateAllocationState(replicas []types.Replica, group types.GroupID, domain types.AllocationDomain) {
	a.mu.Lock()
	defer a.mu.Unlock()
	counters := a.domain(domain)
	for _, r := range replicas {
		counters[r]++
	}
	if group > a.lastGroup {
		a.lastGroup = group
	}
	a.publishGauge(domain)
}

// AllocatedCount returns the total number of reserved slots in the domain
func (a *PartitionAllocator) AllocatedCount(domain types.AllocationDomain) int64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	var total int64
	for _, c := range a.domains[domain] {
		total += c
	}
	return total
}

// ReplicaCount returns the number of slots reserved on a single replica
func (a *PartitionAllocator) ReplicaCount(r types.Replica, domain types.AllocationDomain) int64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.domains[domain][r]
}

// LastGroup returns the highest replication group id seen so far
func (a *PartitionAllocator) LastGroup() types.GroupID {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.lastGroup
}

// publishGauge is called with a.mu held
func (a *PartitionAllocator) publishGauge(domain types.AllocationDomain) {
	var total float32
	for _, c := range a.domains[domain] {
		total += float32(c)
	}
	metrics.SetGauge([]string{"moncontroller", "allocator", "allocated"}, total)
}

// Allocation is one reserved-slot counter in a snapshot
type Allocation struct {
	Domain  types.AllocationDomain
	Replica types.Replica
	Count   int64
}

// Snapshot is the serializable allocator state
type Snapshot struct {
	Allocations []Allocation
	LastGroup   types.GroupID
}

// Snapshot copies out the allocator state
func (a *PartitionAllocator) Snapshot() Snapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()
	snap := Snapshot{LastGroup: a.lastGroup}
	for d, counters := range a.domains {
		for r, c := range counters {
			snap.Allocations = append(snap.Allocations, Allocation{Domain: d, Replica: r, Count: c})
		}
	}
	return snap
}

// Load replaces the allocator state with a snapshot
func (a *PartitionAllocator) Load(snap Snapshot) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.domains = make(map[types.AllocationDomain]map[types.Replica]int64)
	for _, al := range snap.Allocations {
		a.domain(al.Domain)[al.Replica] = al.Count
	}
	a.lastGroup = snap.LastGroup
}
