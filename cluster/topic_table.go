package cluster

import (
	"sync"

	"github.com/CefBoud/moncontroller/logging"
	"github.com/CefBoud/moncontroller/types"
)

// topicMetadata is everything the table knows about one topic
type topicMetadata struct {
	assignments       map[types.PartitionID]types.PartitionAssignment
	configs           map[string]string
	replicationFactor int16
	// source is set for non-replicable topics mirroring another topic
	source *types.TopicNamespace
	// version is the controller log offset of the last mutation
	version types.Offset
}

// TopicTable is one shard's authoritative copy of cluster topic metadata:
// topic to partition assignments, and partition to in-progress
// reconfiguration. Every shard holds an identical copy; the table is mutated
// only through Apply, one command at a time, in controller log order.
type TopicTable struct {
	mu                sync.RWMutex
	shard             int
	topics            map[types.TopicNamespace]*topicMetadata
	updatesInProgress map[types.NTP]types.InProgressUpdate
}

// NewTopicTable creates the empty table replica of one shard
func NewTopicTable(shard int) *TopicTable {
	return &TopicTable{
		shard:             shard,
		topics:            make(map[types.TopicNamespace]*topicMetadata),
		updatesInProgress: make(map[types.NTP]types.InProgressUpdate),
	}
}

// Apply performs the single-shard mutation of one command, recording offset
// as the version of the mutation. It returns only recoverable error codes;
// a command that contradicts previously applied state panics, since the
// ordered log made such a command impossible to commit.
func (t *TopicTable) Apply(cmd Command, offset types.Offset) ErrorCode {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch c := cmd.(type) {
	case CreateTopicCommand:
		return t.applyCreateTopic(c, offset)
	case DeleteTopicCommand:
		return t.applyDeleteTopic(c)
	case CreatePartitionCommand:
		return t.applyCreatePartition(c, offset)
	case CreateNonReplicableTopicCommand:
		return t.applyCreateNonReplicableTopic(c, offset)
	case MovePartitionReplicasCommand:
		return t.applyMovePartitionReplicas(c.Key, c.Value, offset)
	case CancelMovingPartitionReplicasCommand:
		return t.applyCancelMovingPartitionReplicas(c, offset)
	case FinishMovingPartitionReplicasCommand:
		return t.applyFinishMovingPartitionReplicas(c, offset)
	case RevertCancelPartitionMoveCommand:
		return t.applyRevertCancelPartitionMove(c, offset)
	case MoveTopicReplicasCommand:
		return t.applyMoveTopicReplicas(c, offset)
	case UpdateTopicPropertiesCommand:
		return t.applyUpdateTopicProperties(c, offset)
	}
	logging.Panic("topic table shard %d: unknown command type %T", t.shard, cmd)
	return ErrNone
}

func (t *TopicTable) applyCreateTopic(c CreateTopicCommand, offset types.Offset) ErrorCode {
	if _, ok := t.topics[c.Key]; ok {
		logging.Panic("topic table shard %d: create of already existing topic %v at offset %d", t.shard, c.Key, offset)
	}
	md := &topicMetadata{
		assignments:       make(map[types.PartitionID]types.PartitionAssignment, len(c.Value.Assignments)),
		configs:           make(map[string]string, len(c.Value.Configs)),
		replicationFactor: c.Value.ReplicationFactor,
		version:           offset,
	}
	for _, pa := range c.Value.Assignments {
		if len(pa.Replicas) == 0 {
			logging.Panic("topic table shard %d: empty replica set for %v partition %d", t.shard, c.Key, pa.ID)
		}
		md.assignments[pa.ID] = copyAssignment(pa)
	}
	for k, v := range c.Value.Configs {
		md.configs[k] = v
	}
	t.topics[c.Key] = md
	return ErrNone
}

func (t *TopicTable) applyDeleteTopic(c DeleteTopicCommand) ErrorCode {
	md, ok := t.topics[c.Key]
	if !ok {
		return ErrTopicNotExists
	}
	for id := range md.assignments {
		delete(t.updatesInProgress, types.MakeNTP(c.Key, id))
	}
	delete(t.topics, c.Key)
	return ErrNone
}

func (t *TopicTable) applyCreatePartition(c CreatePartitionCommand, offset types.Offset) ErrorCode {
	md, ok := t.topics[c.Key]
	if !ok {
		return ErrTopicNotExists
	}
	for _, pa := range c.Value.Assignments {
		if len(pa.Replicas) == 0 {
			logging.Panic("topic table shard %d: empty replica set for %v partition %d", t.shard, c.Key, pa.ID)
		}
		md.assignments[pa.ID] = copyAssignment(pa)
	}
	md.version = offset
	return ErrNone
}

func (t *TopicTable) applyCreateNonReplicableTopic(c CreateNonReplicableTopicCommand, offset types.Offset) ErrorCode {
	src, ok := t.topics[c.Key.Source]
	if !ok {
		return ErrTopicNotExists
	}
	if _, ok := t.topics[c.Key.Name]; ok {
		logging.Panic("topic table shard %d: create of already existing topic %v at offset %d", t.shard, c.Key.Name, offset)
	}
	source := c.Key.Source
	md := &topicMetadata{
		assignments:       make(map[types.PartitionID]types.PartitionAssignment, len(src.assignments)),
		configs:           make(map[string]string),
		replicationFactor: src.replicationFactor,
		source:            &source,
		version:           offset,
	}
	for id, pa := range src.assignments {
		md.assignments[id] = copyAssignment(pa)
	}
	t.topics[c.Key.Name] = md
	return ErrNone
}

// applyMovePartitionReplicas switches the assignment to the requested
// replicas immediately and records the reconfiguration; the partition serves
// from the target set while the physical transfer is underway.
func (t *TopicTable) applyMovePartitionReplicas(ntp types.NTP, replicas []types.Replica, offset types.Offset) ErrorCode {
	md, pa, ec := t.findPartition(ntp)
	if ec != ErrNone {
		return ec
	}
	if len(replicas) == 0 {
		logging.Panic("topic table shard %d: empty target replica set for %v", t.shard, ntp)
	}
	if _, ok := t.updatesInProgress[ntp]; ok {
		logging.Panic("topic table shard %d: move of %v while reconfiguration already in progress", t.shard, ntp)
	}
	t.updatesInProgress[ntp] = types.InProgressUpdate{
		PreviousReplicas: pa.Replicas,
		TargetReplicas:   append([]types.Replica(nil), replicas...),
		State:            types.ReconfigurationInProgress,
		UpdateOffset:     offset,
	}
	pa.Replicas = append([]types.Replica(nil), replicas...)
	md.assignments[ntp.Partition] = pa
	md.version = offset
	return ErrNone
}

func (t *TopicTable) applyCancelMovingPartitionReplicas(c CancelMovingPartitionReplicasCommand, offset types.Offset) ErrorCode {
	ntp := c.Key
	md, pa, ec := t.findPartition(ntp)
	if ec != ErrNone {
		return ec
	}
	update, ok := t.updatesInProgress[ntp]
	if !ok {
		logging.Panic("topic table shard %d: cancel of %v without reconfiguration in progress", t.shard, ntp)
	}
	// the assignment reverts to the previous replicas; previous/target in the
	// record stay as the original move requested them
	update.State = types.ReconfigurationCancelled
	if c.Value.Force {
		update.State = types.ReconfigurationForceCancelled
	}
	t.updatesInProgress[ntp] = update
	pa.Replicas = append([]types.Replica(nil), update.PreviousReplicas...)
	md.assignments[ntp.Partition] = pa
	md.version = offset
	return ErrNone
}

func (t *TopicTable) applyFinishMovingPartitionReplicas(c FinishMovingPartitionReplicasCommand, offset types.Offset) ErrorCode {
	ntp := c.Key
	md, pa, ec := t.findPartition(ntp)
	if ec != ErrNone {
		return ec
	}
	if _, ok := t.updatesInProgress[ntp]; !ok {
		logging.Panic("topic table shard %d: finish of %v without reconfiguration in progress", t.shard, ntp)
	}
	delete(t.updatesInProgress, ntp)
	pa.Replicas = append([]types.Replica(nil), c.Value...)
	md.assignments[ntp.Partition] = pa
	md.version = offset
	return ErrNone
}

// applyRevertCancelPartitionMove settles a cancellation that arrived after
// the transfer had already completed: the table goes back to the state from
// before the cancellation, i.e. the move's target replicas.
func (t *TopicTable) applyRevertCancelPartitionMove(c RevertCancelPartitionMoveCommand, offset types.Offset) ErrorCode {
	ntp := c.Value.NTP
	md, pa, ec := t.findPartition(ntp)
	if ec != ErrNone {
		return ec
	}
	update, ok := t.updatesInProgress[ntp]
	if !ok {
		logging.Panic("topic table shard %d: revert of %v without reconfiguration in progress", t.shard, ntp)
	}
	if update.State != types.ReconfigurationCancelled && update.State != types.ReconfigurationForceCancelled {
		logging.Panic("topic table shard %d: revert of %v with reconfiguration state %v, expected a cancelled state", t.shard, ntp, update.State)
	}
	delete(t.updatesInProgress, ntp)
	pa.Replicas = append([]types.Replica(nil), update.TargetReplicas...)
	md.assignments[ntp.Partition] = pa
	md.version = offset
	return ErrNone
}

func (t *TopicTable) applyMoveTopicReplicas(c MoveTopicReplicasCommand, offset types.Offset) ErrorCode {
	md, ok := t.topics[c.Key]
	if !ok {
		return ErrTopicNotExists
	}
	// validate before mutating so a partial bulk move can never be observed
	for _, pr := range c.Value {
		if _, ok := md.assignments[pr.Partition]; !ok {
			return ErrPartitionNotExists
		}
	}
	for _, pr := range c.Value {
		ec := t.applyMovePartitionReplicas(types.MakeNTP(c.Key, pr.Partition), pr.Replicas, offset)
		if ec != ErrNone {
			return ec
		}
	}
	return ErrNone
}

func (t *TopicTable) applyUpdateTopicProperties(c UpdateTopicPropertiesCommand, offset types.Offset) ErrorCode {
	md, ok := t.topics[c.Key]
	if !ok {
		return ErrTopicNotExists
	}
	for k, v := range c.Value.Set {
		md.configs[k] = v
	}
	for _, k := range c.Value.Remove {
		delete(md.configs, k)
	}
	md.version = offset
	return ErrNone
}

// findPartition is called with t.mu held
func (t *TopicTable) findPartition(ntp types.NTP) (*topicMetadata, types.PartitionAssignment, ErrorCode) {
	md, ok := t.topics[ntp.TopicNamespace()]
	if !ok {
		return nil, types.PartitionAssignment{}, ErrTopicNotExists
	}
	pa, ok := md.assignments[ntp.Partition]
	if !ok {
		return nil, types.PartitionAssignment{}, ErrPartitionNotExists
	}
	return md, pa, ErrNone
}

// TopicExists checks if the topic is present in the table
func (t *TopicTable) TopicExists(tn types.TopicNamespace) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.topics[tn]
	return ok
}

// Topics lists all topics present in the table
func (t *TopicTable) Topics() []types.TopicNamespace {
	t.mu.RLock()
	defer t.mu.RUnlock()
	result := make([]types.TopicNamespace, 0, len(t.topics))
	for tn := range t.topics {
		result = append(result, tn)
	}
	return result
}

// GetTopicAssignments returns a copy of all partition assignments of a topic
func (t *TopicTable) GetTopicAssignments(tn types.TopicNamespace) (map[types.PartitionID]types.PartitionAssignment, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	md, ok := t.topics[tn]
	if !ok {
		return nil, false
	}
	result := make(map[types.PartitionID]types.PartitionAssignment, len(md.assignments))
	for id, pa := range md.assignments {
		result[id] = copyAssignment(pa)
	}
	return result, true
}

// GetPartitionAssignment returns a copy of one partition's assignment
func (t *TopicTable) GetPartitionAssignment(ntp types.NTP) (types.PartitionAssignment, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	md, ok := t.topics[ntp.TopicNamespace()]
	if !ok {
		return types.PartitionAssignment{}, false
	}
	pa, ok := md.assignments[ntp.Partition]
	if !ok {
		return types.PartitionAssignment{}, false
	}
	return copyAssignment(pa), true
}

// GetPreviousReplicaSet returns the replica set the in-progress move of ntp
// started from. It is fixed at move time and survives cancellation.
func (t *TopicTable) GetPreviousReplicaSet(ntp types.NTP) ([]types.Replica, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	update, ok := t.updatesInProgress[ntp]
	if !ok {
		return nil, false
	}
	return append([]types.Replica(nil), update.PreviousReplicas...), true
}

// GetTargetReplicaSet returns the replica set the in-progress move of ntp
// requested. It is fixed at move time and survives cancellation.
func (t *TopicTable) GetTargetReplicaSet(ntp types.NTP) ([]types.Replica, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	update, ok := t.updatesInProgress[ntp]
	if !ok {
		return nil, false
	}
	return append([]types.Replica(nil), update.TargetReplicas...), true
}

// UpdatesInProgress returns a copy of all current reconfiguration records
func (t *TopicTable) UpdatesInProgress() map[types.NTP]types.InProgressUpdate {
	t.mu.RLock()
	defer t.mu.RUnlock()
	result := make(map[types.NTP]types.InProgressUpdate, len(t.updatesInProgress))
	for ntp, update := range t.updatesInProgress {
		result[ntp] = update
	}
	return result
}

// GetTopicConfigs returns a copy of a topic's configuration properties
func (t *TopicTable) GetTopicConfigs(tn types.TopicNamespace) (map[string]string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	md, ok := t.topics[tn]
	if !ok {
		return nil, false
	}
	configs := make(map[string]string, len(md.configs))
	for k, v := range md.configs {
		configs[k] = v
	}
	return configs, true
}

func copyAssignment(pa types.PartitionAssignment) types.PartitionAssignment {
	pa.Replicas = append([]types.Replica(nil), pa.Replicas...)
	return pa
}
