// Package balancer records the before/after replica set of every NTP
// transition applied by the dispatcher. The history feeds rebalancing
// heuristics that run outside the apply path; this package only guarantees
// that the latest entry per NTP reflects current placement intent.
package balancer

import (
	"sync"

	"github.com/CefBoud/moncontroller/types"
)

// Transition is one recorded replica set change. An empty Old means the
// partition was created, an empty New means it was deleted.
type Transition struct {
	Old []types.Replica
	New []types.Replica
}

// PartitionBalancerState holds the append-only transition history keyed by NTP
type PartitionBalancerState struct {
	mu      sync.RWMutex
	history map[types.NTP][]Transition
}

// NewPartitionBalancerState creates an empty balancer state
func NewPartitionBalancerState() *PartitionBalancerState {
	return &PartitionBalancerState{history: make(map[types.NTP][]Transition)}
}

// HandleNTPUpdate appends the transition oldReplicas -> newReplicas for the
// partition
func (s *PartitionBalancerState) HandleNTPUpdate(namespace, topic string, partition types.PartitionID, oldReplicas, newReplicas []types.Replica) {
	ntp := types.NTP{Namespace: namespace, Topic: topic, Partition: partition}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history[ntp] = append(s.history[ntp], Transition{
		Old: append([]types.Replica(nil), oldReplicas...),
		New: append([]types.Replica(nil), newReplicas...),
	})
}

// Current returns the latest recorded replica set for the partition
func (s *PartitionBalancerState) Current(ntp types.NTP) []types.Replica {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h := s.history[ntp]
	if len(h) == 0 {
		return nil
	}
	return append([]types.Replica(nil), h[len(h)-1].New...)
}

// History returns all recorded transitions for the partition, oldest first
func (s *PartitionBalancerState) History(ntp types.NTP) []Transition {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Transition(nil), s.history[ntp]...)
}

// NTPHistory is the recorded history of one partition in a snapshot
type NTPHistory struct {
	NTP         types.NTP
	Transitions []Transition
}

// Snapshot copies out the full transition history
func (s *PartitionBalancerState) Snapshot() []NTPHistory {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := make([]NTPHistory, 0, len(s.history))
	for ntp, h := range s.history {
		snap = append(snap, NTPHistory{NTP: ntp, Transitions: append([]Transition(nil), h...)})
	}
	return snap
}

// Load replaces the history with a snapshot
func (s *PartitionBalancerState) Load(snap []NTPHistory) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = make(map[types.NTP][]Transition, len(snap))
	for _, h := range snap {
		s.history[h.NTP] = append([]Transition(nil), h.Transitions...)
	}
}
