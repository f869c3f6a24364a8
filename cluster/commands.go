package cluster

import (
	"encoding/json"
	"fmt"

	"github.com/CefBoud/moncontroller/types"
)

// CommandType is a controller log command type
type CommandType int

// Command types that can be applied to the controller log to change the
// replicated topic state
const (
	CreateTopic CommandType = iota
	DeleteTopic
	CreatePartition
	CreateNonReplicableTopic
	MovePartitionReplicas
	CancelMovingPartitionReplicas
	FinishMovingPartitionReplicas
	RevertCancelPartitionMove
	MoveTopicReplicas
	UpdateTopicProperties
)

func (t CommandType) String() string {
	switch t {
	case CreateTopic:
		return "create_topic"
	case DeleteTopic:
		return "delete_topic"
	case CreatePartition:
		return "create_partition"
	case CreateNonReplicableTopic:
		return "create_non_replicable_topic"
	case MovePartitionReplicas:
		return "move_partition_replicas"
	case CancelMovingPartitionReplicas:
		return "cancel_moving_partition_replicas"
	case FinishMovingPartitionReplicas:
		return "finish_moving_partition_replicas"
	case RevertCancelPartitionMove:
		return "revert_cancel_partition_move"
	case MoveTopicReplicas:
		return "move_topic_replicas"
	case UpdateTopicProperties:
		return "update_topic_properties"
	}
	return fmt.Sprintf("unknown(%d)", int(t))
}

// Record is the wire envelope of a committed controller log entry: a command
// kind plus its key and value payloads. It is the contract with the
// log-writing side; payload shapes are fixed per kind.
type Record struct {
	Kind  CommandType
	Key   json.RawMessage
	Value json.RawMessage
}

// Command is one of the decoded controller commands. The set is closed:
// the dispatcher and the topic table both switch over every variant and
// treat an unknown one as corruption.
type Command interface {
	Type() CommandType
}

// TopicConfiguration is the value of a create_topic command
type TopicConfiguration struct {
	Assignments       []types.PartitionAssignment
	Configs           map[string]string
	ReplicationFactor int16
}

// PartitionsAddition is the value of a create_partition command
type PartitionsAddition struct {
	Assignments []types.PartitionAssignment
}

// NonReplicableTopic names a materialized topic and the source it mirrors
type NonReplicableTopic struct {
	Source types.TopicNamespace
	Name   types.TopicNamespace
}

// CancelMove is the value of a cancel_moving_partition_replicas command
type CancelMove struct {
	Force bool
}

// RevertCancelMove is the value of a revert_cancel_partition_move command
type RevertCancelMove struct {
	NTP types.NTP
}

// PartitionReplicas pairs a partition id with a requested replica set inside
// a move_topic_replicas command
type PartitionReplicas struct {
	Partition types.PartitionID
	Replicas  []types.Replica
}

// IncrementalTopicUpdates is the value of an update_topic_properties command
type IncrementalTopicUpdates struct {
	Set    map[string]string
	Remove []string
}

// CreateTopicCommand inserts a topic with its partition assignments
type CreateTopicCommand struct {
	Key   types.TopicNamespace
	Value TopicConfiguration
}

// DeleteTopicCommand removes a topic and all its partitions
type DeleteTopicCommand struct {
	Key types.TopicNamespace
}

// CreatePartitionCommand appends partitions to an existing topic
type CreatePartitionCommand struct {
	Key   types.TopicNamespace
	Value PartitionsAddition
}

// CreateNonReplicableTopicCommand creates a topic mirroring the current
// assignments of a source topic
type CreateNonReplicableTopicCommand struct {
	Key NonReplicableTopic
}

// MovePartitionReplicasCommand starts a reconfiguration of one partition
// towards the requested replica set
type MovePartitionReplicasCommand struct {
	Key   types.NTP
	Value []types.Replica
}

// CancelMovingPartitionReplicasCommand cancels an in-progress move, reversing
// the transfer direction
type CancelMovingPartitionReplicasCommand struct {
	Key   types.NTP
	Value CancelMove
}

// FinishMovingPartitionReplicasCommand completes a move or a cancellation,
// carrying the final replica set
type FinishMovingPartitionReplicasCommand struct {
	Key   types.NTP
	Value []types.Replica
}

// RevertCancelPartitionMoveCommand undoes a cancellation whose underlying
// transfer had already physically completed
type RevertCancelPartitionMoveCommand struct {
	Value RevertCancelMove
}

// MoveTopicReplicasCommand starts reconfigurations for several partitions of
// one topic at once
type MoveTopicReplicasCommand struct {
	Key   types.TopicNamespace
	Value []PartitionReplicas
}

// UpdateTopicPropertiesCommand applies incremental config changes to a topic
type UpdateTopicPropertiesCommand struct {
	Key   types.TopicNamespace
	Value IncrementalTopicUpdates
}

// Type implementations pin each command to its wire kind.

func (CreateTopicCommand) Type() CommandType                   { return CreateTopic }
func (DeleteTopicCommand) Type() CommandType                   { return DeleteTopic }
func (CreatePartitionCommand) Type() CommandType               { return CreatePartition }
func (CreateNonReplicableTopicCommand) Type() CommandType      { return CreateNonReplicableTopic }
func (MovePartitionReplicasCommand) Type() CommandType         { return MovePartitionReplicas }
func (CancelMovingPartitionReplicasCommand) Type() CommandType { return CancelMovingPartitionReplicas }
func (FinishMovingPartitionReplicasCommand) Type() CommandType { return FinishMovingPartitionReplicas }
func (RevertCancelPartitionMoveCommand) Type() CommandType     { return RevertCancelPartitionMove }
func (MoveTopicReplicasCommand) Type() CommandType             { return MoveTopicReplicas }
func (UpdateTopicPropertiesCommand) Type() CommandType         { return UpdateTopicProperties }

// EncodeCommand converts a command into the bytes of a controller log entry
func EncodeCommand(cmd Command) ([]byte, error) {
	record := Record{Kind: cmd.Type()}
	var key, value any
	switch c := cmd.(type) {
	case CreateTopicCommand:
		key, value = c.Key, c.Value
	case DeleteTopicCommand:
		key, value = c.Key, c.Key
	case CreatePartitionCommand:
		key, value = c.Key, c.Value
	case CreateNonReplicableTopicCommand:
		key, value = c.Key, nil
	case MovePartitionReplicasCommand:
		key, value = c.Key, c.Value
	case CancelMovingPartitionReplicasCommand:
		key, value = c.Key, c.Value
	case FinishMovingPartitionReplicasCommand:
		key, value = c.Key, c.Value
	case RevertCancelPartitionMoveCommand:
		key, value = nil, c.Value
	case MoveTopicReplicasCommand:
		key, value = c.Key, c.Value
	case UpdateTopicPropertiesCommand:
		key, value = c.Key, c.Value
	default:
		return nil, fmt.Errorf("unknown command type: %#v", cmd)
	}
	var err error
	if key != nil {
		record.Key, err = json.Marshal(key)
		if err != nil {
			return nil, err
		}
	}
	if value != nil {
		record.Value, err = json.Marshal(value)
		if err != nil {
			return nil, err
		}
	}
	return json.Marshal(record)
}

// DecodeCommand parses a committed controller log entry into a command. The
// log is assumed trustworthy once committed: the caller treats any error as
// fatal, not as a recoverable condition.
func DecodeCommand(data []byte) (Command, error) {
	var record Record
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("could not parse controller record: %s", err)
	}
	switch record.Kind {
	case CreateTopic:
		var c CreateTopicCommand
		return c, decodeKV(record, &c.Key, &c.Value)
	case DeleteTopic:
		var c DeleteTopicCommand
		return c, decodeKV(record, &c.Key, nil)
	case CreatePartition:
		var c CreatePartitionCommand
		return c, decodeKV(record, &c.Key, &c.Value)
	case CreateNonReplicableTopic:
		var c CreateNonReplicableTopicCommand
		return c, decodeKV(record, &c.Key, nil)
	case MovePartitionReplicas:
		var c MovePartitionReplicasCommand
		return c, decodeKV(record, &c.Key, &c.Value)
	case CancelMovingPartitionReplicas:
		var c CancelMovingPartitionReplicasCommand
		return c, decodeKV(record, &c.Key, &c.Value)
	case FinishMovingPartitionReplicas:
		var c FinishMovingPartitionReplicasCommand
		return c, decodeKV(record, &c.Key, &c.Value)
	case RevertCancelPartitionMove:
		var c RevertCancelPartitionMoveCommand
		return c, decodeKV(record, nil, &c.Value)
	case MoveTopicReplicas:
		var c MoveTopicReplicasCommand
		return c, decodeKV(record, &c.Key, &c.Value)
	case UpdateTopicProperties:
		var c UpdateTopicPropertiesCommand
		return c, decodeKV(record, &c.Key, &c.Value)
	}
	return nil, fmt.Errorf("unknown command type: %v", record.Kind)
}

func decodeKV(record Record, key, value any) error {
	if key != nil {
		if err := json.Unmarshal(record.Key, key); err != nil {
			return fmt.Errorf("could not parse %v key: %s", record.Kind, err)
		}
	}
	if value != nil {
		if err := json.Unmarshal(record.Value, value); err != nil {
			return fmt.Errorf("could not parse %v value: %s", record.Kind, err)
		}
	}
	return nil
}
