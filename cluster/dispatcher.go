package cluster

import (
	"github.com/CefBoud/moncontroller/allocator"
	"github.com/CefBoud/moncontroller/balancer"
	"github.com/CefBoud/moncontroller/leaders"
	"github.com/CefBoud/moncontroller/logging"
	"github.com/CefBoud/moncontroller/sharded"
	"github.com/CefBoud/moncontroller/types"
	metrics "github.com/hashicorp/go-metrics"
)

// Dispatcher turns committed controller log entries into state transitions.
// For every command it first broadcast-applies the mutation to the topic
// table copy of each shard and verifies all copies produced the same outcome,
// then, on success, performs the single-shard side effects against the
// partition allocator, the balancer state and the leaders table.
//
// The dispatcher applies commands strictly in log offset order, one at a
// time. The per-shard fan-out of a single command is the only point of
// parallelism; no second command starts before the previous one's fan-out
// fully completed and its side effects were applied.
type Dispatcher struct {
	topics    *sharded.Sharded[*TopicTable]
	allocator *allocator.PartitionAllocator
	leaders   *sharded.Sharded[*leaders.PartitionLeadersTable]
	balancer  *balancer.PartitionBalancerState
	domainOf  types.AllocationDomainFunc
}

// NewDispatcher wires the dispatcher to its collaborators. domainOf maps a
// topic namespace to its allocation domain; it is injected because the
// partitioning rule belongs to the surrounding process, not to the apply path.
func NewDispatcher(
	topics *sharded.Sharded[*TopicTable],
	pal *allocator.PartitionAllocator,
	lt *sharded.Sharded[*leaders.PartitionLeadersTable],
	pbs *balancer.PartitionBalancerState,
	domainOf types.AllocationDomainFunc,
) *Dispatcher {
	return &Dispatcher{
		topics:    topics,
		allocator: pal,
		leaders:   lt,
		balancer:  pbs,
		domainOf:  domainOf,
	}
}

// ApplyUpdate decodes one committed controller log entry and applies it.
// Decoding failure is fatal: the payload was validated before it was
// committed, so a malformed entry means the log itself is corrupt.
func (d *Dispatcher) ApplyUpdate(data []byte, offset types.Offset) ErrorCode {
	cmd, err := DecodeCommand(data)
	if err != nil {
		logging.Panic("corrupt controller log entry at offset %d: %v", offset, err)
	}
	metrics.IncrCounter([]string{"moncontroller", "commands", cmd.Type().String()}, 1)
	logging.Debug("applying %v at offset %d", cmd.Type(), offset)

	switch c := cmd.(type) {
	case CreateTopicCommand:
		return d.applyCreateTopic(c, offset)
	case DeleteTopicCommand:
		return d.applyDeleteTopic(c, offset)
	case CreatePartitionCommand:
		return d.applyCreatePartition(c, offset)
	case CreateNonReplicableTopicCommand:
		return d.applyCreateNonReplicableTopic(c, offset)
	case MovePartitionReplicasCommand:
		return d.applyMovePartitionReplicas(c, offset)
	case CancelMovingPartitionReplicasCommand:
		return d.applyCancelMovingPartitionReplicas(c, offset)
	case FinishMovingPartitionReplicasCommand:
		return d.applyFinishMovingPartitionReplicas(c, offset)
	case RevertCancelPartitionMoveCommand:
		return d.applyRevertCancelPartitionMove(c, offset)
	case MoveTopicReplicasCommand:
		return d.applyMoveTopicReplicas(c, offset)
	case UpdateTopicPropertiesCommand:
		return d.applyUpdateTopicProperties(c, offset)
	}
	logging.Panic("dispatcher: unknown command type %T at offset %d", cmd, offset)
	return ErrNone
}

func (d *Dispatcher) applyCreateTopic(c CreateTopicCommand, offset types.Offset) ErrorCode {
	tn := c.Key
	assignments := c.Value.Assignments

	ec := d.dispatchToAllShards(c, offset)
	if ec != ErrNone {
		return ec
	}
	d.updateAllocations(assignments, d.domainOf(tn))
	for _, pa := range assignments {
		d.balancer.HandleNTPUpdate(tn.Namespace, tn.Topic, pa.ID, nil, pa.Replicas)
		if len(pa.Replicas) == 0 {
			logging.Panic("empty replica set for %v partition %d at offset %d", tn, pa.ID, offset)
		}
		d.updateLeaderWithEstimate(types.MakeNTP(tn, pa.ID), pa.Replicas[0].NodeID)
	}
	return ErrNone
}

func (d *Dispatcher) applyDeleteTopic(c DeleteTopicCommand, offset types.Offset) ErrorCode {
	// the assignments and the in-progress reserve sets must be snapshotted
	// before the fan-out deletes them from every shard
	assignments, hadTopic := d.topics.Local().GetTopicAssignments(c.Key)
	var inProgress map[types.PartitionID][]types.Replica
	if hadTopic {
		inProgress = d.collectInProgress(c.Key, assignments)
	}

	ec := d.dispatchToAllShards(c, offset)
	if ec != ErrNone {
		return ec
	}
	if !hadTopic {
		logging.Panic("topic %v had to exist before successful delete at offset %d", c.Key, offset)
	}
	logging.Debug("deallocating topic %v, in-progress ops: %v", c.Key, inProgress)
	d.deallocateTopic(c.Key, assignments, inProgress, d.domainOf(c.Key))
	for _, pa := range assignments {
		d.balancer.HandleNTPUpdate(c.Key.Namespace, c.Key.Topic, pa.ID, pa.Replicas, nil)
	}
	return ErrNone
}

func (d *Dispatcher) applyCreatePartition(c CreatePartitionCommand, offset types.Offset) ErrorCode {
	tn := c.Key
	assignments := c.Value.Assignments

	ec := d.dispatchToAllShards(c, offset)
	if ec != ErrNone {
		return ec
	}
	d.updateAllocations(assignments, d.domainOf(tn))
	for _, pa := range assignments {
		d.balancer.HandleNTPUpdate(tn.Namespace, tn.Topic, pa.ID, nil, pa.Replicas)
	}
	return ErrNone
}

func (d *Dispatcher) applyCreateNonReplicableTopic(c CreateNonReplicableTopicCommand, offset types.Offset) ErrorCode {
	assignments, hadSource := d.topics.Local().GetTopicAssignments(c.Key.Source)
	domain := d.domainOf(c.Key.Name)

	ec := d.dispatchToAllShards(c, offset)
	if ec != ErrNone {
		return ec
	}
	if !hadSource {
		logging.Panic("source topic %v had to exist before successful create of %v at offset %d", c.Key.Source, c.Key.Name, offset)
	}
	for _, pa := range assignments {
		d.allocator.UpdateAllocationState(pa.Replicas, pa.Group, domain)
	}
	return ErrNone
}

func (d *Dispatcher) applyMovePartitionReplicas(c MovePartitionReplicasCommand, offset types.Offset) ErrorCode {
	ntp := c.Key
	pa, hadPartition := d.topics.Local().GetPartitionAssignment(ntp)

	ec := d.dispatchToAllShards(c, offset)
	if ec != ErrNone {
		return ec
	}
	if !hadPartition {
		logging.Panic("partition %v had to exist before successful reallocation at offset %d", ntp, offset)
	}
	// only the delta joins the reservation set; replicas staying put are
	// already accounted for
	toAdd := SubtractReplicaSets(c.Value, pa.Replicas)
	d.allocator.AddAllocations(toAdd, d.domainOf(ntp.TopicNamespace()))
	d.balancer.HandleNTPUpdate(ntp.Namespace, ntp.Topic, ntp.Partition, pa.Replicas, c.Value)
	return ErrNone
}

func (d *Dispatcher) applyCancelMovingPartitionReplicas(c CancelMovingPartitionReplicasCommand, offset types.Offset) ErrorCode {
	ntp := c.Key
	current, hadPartition := d.topics.Local().GetPartitionAssignment(ntp)
	// a cancelled move transfers in the opposite direction: the previous
	// replicas become the new target
	newTarget, hadUpdate := d.topics.Local().GetPreviousReplicaSet(ntp)

	ec := d.dispatchToAllShards(c, offset)
	if ec != ErrNone {
		return ec
	}
	if !hadPartition || !hadUpdate {
		logging.Panic("previous replicas for %v must exist, cancel can only be applied to a partition that is being updated (offset %d)", ntp, offset)
	}
	d.balancer.HandleNTPUpdate(ntp.Namespace, ntp.Topic, ntp.Partition, current.Replicas, newTarget)
	return ErrNone
}

func (d *Dispatcher) applyFinishMovingPartitionReplicas(c FinishMovingPartitionReplicasCommand, offset types.Offset) ErrorCode {
	ntp := c.Key
	// initial replica set of the original move command, unchanged by a
	// cancellation
	previous, hadPrevious := d.topics.Local().GetPreviousReplicaSet(ntp)
	// requested replica set of the original move command, unchanged by a
	// cancellation
	target, hadTarget := d.topics.Local().GetTargetReplicaSet(ntp)

	// A finish command settles either the original move or its cancellation.
	// The original move transfers previous -> target, a cancelled move
	// transfers target -> previous. The command carries the final replica
	// set: target for a finished move, previous for a finished cancellation.
	ec := d.dispatchToAllShards(c, offset)
	if ec != ErrNone {
		return ec
	}
	if !hadPrevious {
		logging.Panic("previous replicas for %v must exist, finish can only be applied to a partition that is being updated (offset %d)", ntp, offset)
	}
	if !hadTarget {
		logging.Panic("target replicas for %v must exist, finish can only be applied to a partition that is being updated (offset %d)", ntp, offset)
	}
	var toDelete []types.Replica
	if ReplicaSetsEqual(target, c.Value) {
		// move ran to completion, the nodes it departed from are released
		toDelete = SubtractReplicaSets(previous, c.Value)
	} else {
		if !ReplicaSetsEqual(previous, c.Value) {
			logging.Panic("when finishing cancelled move of %v the finish replica set %v must equal the previous replicas %v from the in-progress update", ntp, c.Value, previous)
		}
		// cancellation ran to completion, the abandoned target nodes are
		// released
		toDelete = SubtractReplicaSets(target, c.Value)
	}
	d.allocator.RemoveAllocations(toDelete, d.domainOf(ntp.TopicNamespace()))
	return ErrNone
}

// applyRevertCancelPartitionMove settles the case where the underlying
// transfer previous -> target had already finished when its cancellation was
// requested. The cancellation would transfer target -> previous, but there is
// nothing left to transfer, so the table is restored to the pre-cancellation
// state and the departed previous-only replicas are released, the opposite
// delta of a normal cancel.
func (d *Dispatcher) applyRevertCancelPartitionMove(c RevertCancelPartitionMoveCommand, offset types.Offset) ErrorCode {
	ntp := c.Value.NTP
	previous, hadPrevious := d.topics.Local().GetPreviousReplicaSet(ntp)
	target, hadTarget := d.topics.Local().GetTargetReplicaSet(ntp)

	ec := d.dispatchToAllShards(c, offset)
	if ec != ErrNone {
		return ec
	}
	if !hadPrevious {
		logging.Panic("previous replicas for %v must exist, revert can only be applied to a partition whose move is being cancelled (offset %d)", ntp, offset)
	}
	if !hadTarget {
		logging.Panic("target replicas for %v must exist, revert can only be applied to a partition whose move is being cancelled (offset %d)", ntp, offset)
	}
	toDelete := SubtractReplicaSets(previous, target)
	d.allocator.RemoveAllocations(toDelete, d.domainOf(ntp.TopicNamespace()))
	d.balancer.HandleNTPUpdate(ntp.Namespace, ntp.Topic, ntp.Partition, previous, target)
	return ErrNone
}

func (d *Dispatcher) applyMoveTopicReplicas(c MoveTopicReplicasCommand, offset types.Offset) ErrorCode {
	assignments, hadTopic := d.topics.Local().GetTopicAssignments(c.Key)

	ec := d.dispatchToAllShards(c, offset)
	if !hadTopic {
		return ErrTopicNotExists
	}
	if ec != ErrNone {
		return ec
	}
	for _, pr := range c.Value {
		pa, ok := assignments[pr.Partition]
		if !ok {
			return ErrPartitionNotExists
		}
		ntp := types.MakeNTP(c.Key, pr.Partition)
		toAdd := SubtractReplicaSets(pr.Replicas, pa.Replicas)
		d.allocator.AddAllocations(toAdd, d.domainOf(ntp.TopicNamespace()))
		d.balancer.HandleNTPUpdate(ntp.Namespace, ntp.Topic, ntp.Partition, pa.Replicas, pr.Replicas)
	}
	return ErrNone
}

func (d *Dispatcher) applyUpdateTopicProperties(c UpdateTopicPropertiesCommand, offset types.Offset) ErrorCode {
	return d.dispatchToAllShards(c, offset)
}

// dispatchToAllShards invokes the topic table apply of every shard
// concurrently, waits for all of them and asserts they produced the identical
// error code. Divergence can only mean a prior bug or state corruption and is
// never treated as a transient fault.
func (d *Dispatcher) dispatchToAllShards(cmd Command, offset types.Offset) ErrorCode {
	results := make([]ErrorCode, d.topics.Count())
	d.topics.InvokeOnAll(func(shard int, table *TopicTable) {
		results[shard] = table.Apply(cmd, offset)
	})
	for _, ec := range results[1:] {
		if ec != results[0] {
			logging.Panic("state inconsistency across shards detected applying %v at offset %d, results: %v", cmd.Type(), offset, results)
		}
	}
	return results[0]
}

// collectInProgress gathers, per partition of a topic about to be deleted,
// the replica set whose reservation would normally be released by a later
// finish command: the previous replicas of an in-progress move, or the target
// replicas of a cancelled one.
func (d *Dispatcher) collectInProgress(tn types.TopicNamespace, assignments map[types.PartitionID]types.PartitionAssignment) map[types.PartitionID][]types.Replica {
	inProgress := make(map[types.PartitionID][]types.Replica)
	updates := d.topics.Local().UpdatesInProgress()
	for id := range assignments {
		update, ok := updates[types.MakeNTP(tn, id)]
		if !ok {
			continue
		}
		switch update.State {
		case types.ReconfigurationInProgress:
			inProgress[id] = update.PreviousReplicas
		case types.ReconfigurationCancelled, types.ReconfigurationForceCancelled:
			inProgress[id] = update.TargetReplicas
		default:
			logging.Panic("invalid reconfiguration state %v for %v/%d", update.State, tn, id)
		}
	}
	return inProgress
}

// deallocateTopic releases, for every partition, the union of its current
// assignment and the reserve set a pending reconfiguration would have
// released on finish, so a topic deleted mid-move leaks nothing.
func (d *Dispatcher) deallocateTopic(
	tn types.TopicNamespace,
	assignments map[types.PartitionID]types.PartitionAssignment,
	inProgress map[types.PartitionID][]types.Replica,
	domain types.AllocationDomain,
) {
	for id, pa := range assignments {
		toDelete := pa.Replicas
		if reserve, ok := inProgress[id]; ok {
			toDelete = UnionReplicaSets(reserve, pa.Replicas)
		}
		d.allocator.RemoveAllocations(toDelete, domain)
		logging.Debug("deallocated %v/%d, current assignment: %v, released: %v", tn, id, pa.Replicas, toDelete)
	}
}

// updateLeaderWithEstimate publishes the provisional leader of a freshly
// created partition on every shard, closing the window where clients would
// see no leader before the first real election
func (d *Dispatcher) updateLeaderWithEstimate(ntp types.NTP, leader types.NodeID) {
	logging.Debug("publishing leader estimate for %v: node %d", ntp, leader)
	d.leaders.InvokeOnAll(func(_ int, table *leaders.PartitionLeadersTable) {
		table.UpdateWithEstimate(ntp, leader)
	})
}

func (d *Dispatcher) updateAllocations(assignments []types.PartitionAssignment, domain types.AllocationDomain) {
	for _, pa := range assignments {
		d.allocator.UpdateAllocationState(pa.Replicas, pa.Group, domain)
	}
}
