package types

import "fmt"

// NodeID identifies a broker node in the cluster.
type NodeID uint32

// ShardID identifies a worker shard (one logical worker per core) on a node.
type ShardID uint32

// PartitionID is the index of a partition within a topic.
type PartitionID uint32

// GroupID is the replication/allocation group id assigned to a partition.
type GroupID int64

// Offset is a position in the controller log. It is carried through every
// topic table mutation as the version of that mutation.
type Offset uint64

// TermID is a leadership term of a partition's replication group.
type TermID int64

// TopicNamespace identifies a topic within a namespace.
type TopicNamespace struct {
	Namespace string
	Topic     string
}

func (tn TopicNamespace) String() string {
	return tn.Namespace + "/" + tn.Topic
}

// NTP is the globally unique (namespace, topic, partition) identity of a
// partition, the unit of replica placement.
type NTP struct {
	Namespace string
	Topic     string
	Partition PartitionID
}

// MakeNTP builds an NTP from a topic namespace and a partition id
func MakeNTP(tn TopicNamespace, p PartitionID) NTP {
	return NTP{Namespace: tn.Namespace, Topic: tn.Topic, Partition: p}
}

// TopicNamespace returns the (namespace, topic) part of the NTP
func (n NTP) TopicNamespace() TopicNamespace {
	return TopicNamespace{Namespace: n.Namespace, Topic: n.Topic}
}

func (n NTP) String() string {
	return fmt.Sprintf("%s/%s/%d", n.Namespace, n.Topic, n.Partition)
}

// Replica is a (node, shard) location hosting one copy of a partition
type Replica struct {
	NodeID  NodeID
	ShardID ShardID
}

func (r Replica) String() string {
	return fmt.Sprintf("{node: %d, shard: %d}", r.NodeID, r.ShardID)
}

// PartitionAssignment is the set of replicas a partition lives on, together
// with its replication group id. The replica order is meaningful only for the
// leader estimate (first replica); set arithmetic over replicas ignores it.
type PartitionAssignment struct {
	ID       PartitionID
	Group    GroupID
	Replicas []Replica
}

// ReconfigurationState is the state of an in-flight replica set change
type ReconfigurationState int

// Reconfiguration states. A move starts InProgress; a cancel flips it to
// Cancelled (or ForceCancelled) and reverses the transfer direction.
const (
	ReconfigurationInProgress ReconfigurationState = iota
	ReconfigurationCancelled
	ReconfigurationForceCancelled
)

func (s ReconfigurationState) String() string {
	switch s {
	case ReconfigurationInProgress:
		return "in_progress"
	case ReconfigurationCancelled:
		return "cancelled"
	case ReconfigurationForceCancelled:
		return "force_cancelled"
	}
	return fmt.Sprintf("unknown(%d)", int(s))
}

// InProgressUpdate is the reconfiguration record of a partition that is
// mid-move. PreviousReplicas and TargetReplicas are fixed when the move
// command is applied and never change afterwards; a cancel only flips State
// (and the assignment in the topic table), a finish or revert removes the
// record.
type InProgressUpdate struct {
	PreviousReplicas []Replica
	TargetReplicas   []Replica
	State            ReconfigurationState
	UpdateOffset     Offset
}

// AllocationDomain is the accounting scope that isolates allocator counters
// for different topic classes.
type AllocationDomain int8

// Allocation domains
const (
	AllocationDomainCommon          AllocationDomain = 0
	AllocationDomainConsumerOffsets AllocationDomain = -1
)

// AllocationDomainFunc maps a topic namespace to its allocation domain. It
// must be pure: the same namespace always yields the same domain.
type AllocationDomainFunc func(TopicNamespace) AllocationDomain

// DefaultAllocationDomain scopes the internal consumer offsets topic apart
// from everything else
func DefaultAllocationDomain(tn TopicNamespace) AllocationDomain {
	if tn.Namespace == "internal" && tn.Topic == "__consumer_offsets" {
		return AllocationDomainConsumerOffsets
	}
	return AllocationDomainCommon
}

// Node represents a broker participating in the cluster
type Node struct {
	NodeID       NodeID
	Host         string
	Port         uint32
	IsController bool
}
