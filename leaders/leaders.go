// Package leaders caches the current or estimated leader of every partition.
// The table is replicated per shard so that metadata serving never crosses a
// shard boundary to answer "who leads this partition".
package leaders

import (
	"sync"

	"github.com/CefBoud/moncontroller/types"
)

// LeaderInfo is the cached leadership of one partition. Estimate marks a
// provisional assignment published before any real election completed.
type LeaderInfo struct {
	Leader   types.NodeID
	Term     types.TermID
	Estimate bool
}

// PartitionLeadersTable is one shard's leader cache
type PartitionLeadersTable struct {
	mu      sync.RWMutex
	leaders map[types.NTP]LeaderInfo
}

// NewPartitionLeadersTable creates an empty leaders table
func NewPartitionLeadersTable() *PartitionLeadersTable {
	return &PartitionLeadersTable{leaders: make(map[types.NTP]LeaderInfo)}
}

// UpdateLeader records an authoritative leadership update from the
// replication layer. It always overwrites, whatever the term: an estimate
// must never shadow a real election outcome, even one with term 1.
func (t *PartitionLeadersTable) UpdateLeader(ntp types.NTP, term types.TermID, leader types.NodeID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.leaders[ntp] = LeaderInfo{Leader: leader, Term: term, Estimate: false}
}

// UpdateWithEstimate publishes a provisional leader at term 1. It only fills
// a missing entry so a concurrent authoritative update is never clobbered.
func (t *PartitionLeadersTable) UpdateWithEstimate(ntp types.NTP, leader types.NodeID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.leaders[ntp]; ok {
		return
	}
	t.leaders[ntp] = LeaderInfo{Leader: leader, Term: 1, Estimate: true}
}

// Get returns the cached leadership of a partition
func (t *PartitionLeadersTable) Get(ntp types.NTP) (LeaderInfo, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	info, ok := t.leaders[ntp]
	return info, ok
}

// Remove drops the cached leadership of a partition
func (t *PartitionLeadersTable) Remove(ntp types.NTP) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.leaders, ntp)
}

// Entry is one cached leadership in a snapshot
type Entry struct {
	NTP  types.NTP
	Info LeaderInfo
}

// Snapshot copies out the table contents
func (t *PartitionLeadersTable) Snapshot() []Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	snap := make([]Entry, 0, len(t.leaders))
	for ntp, info := range t.leaders {
		snap = append(snap, Entry{NTP: ntp, Info: info})
	}
	return snap
}

// Load replaces the table contents with a snapshot
func (t *PartitionLeadersTable) Load(snap []Entry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.leaders = make(map[types.NTP]LeaderInfo, len(snap))
	for _, e := range snap {
		t.leaders[e.NTP] = e.Info
	}
}
