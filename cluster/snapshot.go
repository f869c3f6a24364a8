package cluster

import (
	"sort"

	"github.com/CefBoud/moncontroller/types"
)

// TopicState is the serialized form of one topic in a table snapshot
type TopicState struct {
	Namespace         types.TopicNamespace
	Assignments       []types.PartitionAssignment
	Configs           map[string]string
	ReplicationFactor int16
	Source            *types.TopicNamespace
	Version           types.Offset
}

// UpdateState is the serialized form of one reconfiguration record
type UpdateState struct {
	NTP    types.NTP
	Update types.InProgressUpdate
}

// TableSnapshot is the full serializable state of a topic table. Entries are
// sorted so two snapshots of identical tables are byte-identical once
// marshaled, which is what the cross-shard consistency check compares.
type TableSnapshot struct {
	Topics  []TopicState
	Updates []UpdateState
}

// Snapshot copies out the table state in deterministic order
func (t *TopicTable) Snapshot() TableSnapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var snap TableSnapshot
	for tn, md := range t.topics {
		state := TopicState{
			Namespace:         tn,
			Configs:           make(map[string]string, len(md.configs)),
			ReplicationFactor: md.replicationFactor,
			Source:            md.source,
			Version:           md.version,
		}
		for _, pa := range md.assignments {
			state.Assignments = append(state.Assignments, copyAssignment(pa))
		}
		sort.Slice(state.Assignments, func(i, j int) bool {
			return state.Assignments[i].ID < state.Assignments[j].ID
		})
		for k, v := range md.configs {
			state.Configs[k] = v
		}
		snap.Topics = append(snap.Topics, state)
	}
	sort.Slice(snap.Topics, func(i, j int) bool {
		a, b := snap.Topics[i].Namespace, snap.Topics[j].Namespace
		if a.Namespace != b.Namespace {
			return a.Namespace < b.Namespace
		}
		return a.Topic < b.Topic
	})
	for ntp, update := range t.updatesInProgress {
		snap.Updates = append(snap.Updates, UpdateState{NTP: ntp, Update: update})
	}
	sort.Slice(snap.Updates, func(i, j int) bool {
		a, b := snap.Updates[i].NTP, snap.Updates[j].NTP
		if a.Namespace != b.Namespace {
			return a.Namespace < b.Namespace
		}
		if a.Topic != b.Topic {
			return a.Topic < b.Topic
		}
		return a.Partition < b.Partition
	})
	return snap
}

// Load replaces the table state with a snapshot
func (t *TopicTable) Load(snap TableSnapshot) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.topics = make(map[types.TopicNamespace]*topicMetadata, len(snap.Topics))
	t.updatesInProgress = make(map[types.NTP]types.InProgressUpdate, len(snap.Updates))
	for _, state := range snap.Topics {
		md := &topicMetadata{
			assignments:       make(map[types.PartitionID]types.PartitionAssignment, len(state.Assignments)),
			configs:           make(map[string]string, len(state.Configs)),
			replicationFactor: state.ReplicationFactor,
			source:            state.Source,
			version:           state.Version,
		}
		for _, pa := range state.Assignments {
			md.assignments[pa.ID] = copyAssignment(pa)
		}
		for k, v := range state.Configs {
			md.configs[k] = v
		}
		t.topics[state.Namespace] = md
	}
	for _, u := range snap.Updates {
		t.updatesInProgress[u.NTP] = u.Update
	}
}
