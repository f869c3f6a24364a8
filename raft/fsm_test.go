package raft

import (
	"bytes"
	"io"
	"testing"

	"github.com/CefBoud/moncontroller/cluster"
	"github.com/CefBoud/moncontroller/compress"
	"github.com/CefBoud/moncontroller/types"
	"github.com/hashicorp/raft"
)

var testTopic = types.TopicNamespace{Namespace: "kafka", Topic: "t1"}

func applyCommand(t *testing.T, fsm *FSM, index uint64, cmd cluster.Command) cluster.ErrorCode {
	t.Helper()
	data, err := cluster.EncodeCommand(cmd)
	if err != nil {
		t.Fatalf("EncodeCommand failed: %v", err)
	}
	result := fsm.Apply(&raft.Log{Type: raft.LogCommand, Index: index, Data: data})
	ec, ok := result.(cluster.ErrorCode)
	if !ok {
		t.Fatalf("Apply returned %#v, want an error code", result)
	}
	return ec
}

func createTestTopic(t *testing.T, fsm *FSM, index uint64) {
	t.Helper()
	ec := applyCommand(t, fsm, index, cluster.CreateTopicCommand{
		Key: testTopic,
		Value: cluster.TopicConfiguration{
			Assignments: []types.PartitionAssignment{
				{ID: 0, Group: 1, Replicas: []types.Replica{{NodeID: 0}, {NodeID: 1}, {NodeID: 2}}},
			},
			ReplicationFactor: 3,
		},
	})
	if ec != cluster.ErrNone {
		t.Fatalf("create_topic returned %v", ec)
	}
}

func TestApplyCommandLog(t *testing.T) {
	fsm := NewFSM(2, compress.NONE, types.DefaultAllocationDomain)
	createTestTopic(t, fsm, 1)

	for shard := 0; shard < fsm.Topics.Count(); shard++ {
		if !fsm.Topics.On(shard).TopicExists(testTopic) {
			t.Errorf("shard %d misses the created topic", shard)
		}
	}
	if got := fsm.Allocator.AllocatedCount(types.AllocationDomainCommon); got != 3 {
		t.Errorf("allocated count = %d, want 3", got)
	}
}

func TestApplyUnknownLogType(t *testing.T) {
	fsm := NewFSM(1, compress.NONE, types.DefaultAllocationDomain)
	if _, ok := fsm.Apply(&raft.Log{Type: raft.LogNoop}).(error); !ok {
		t.Errorf("expected an error for a non-command log type")
	}
}

// memorySink captures a snapshot persisted by the FSM
type memorySink struct {
	bytes.Buffer
	cancelled bool
}

func (s *memorySink) ID() string    { return "test" }
func (s *memorySink) Cancel() error { s.cancelled = true; return nil }
func (s *memorySink) Close() error  { return nil }

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	fsm := NewFSM(2, compress.ZSTD, types.DefaultAllocationDomain)
	createTestTopic(t, fsm, 1)
	ntp := types.MakeNTP(testTopic, 0)
	moved := []types.Replica{{NodeID: 1}, {NodeID: 2}, {NodeID: 3}}
	if ec := applyCommand(t, fsm, 2, cluster.MovePartitionReplicasCommand{Key: ntp, Value: moved}); ec != cluster.ErrNone {
		t.Fatalf("move returned %v", ec)
	}

	snapshot, err := fsm.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	var sink memorySink
	if err := snapshot.Persist(&sink); err != nil {
		t.Fatalf("Persist failed: %v", err)
	}
	if sink.cancelled {
		t.Fatalf("sink was cancelled")
	}

	restored := NewFSM(3, compress.ZSTD, types.DefaultAllocationDomain)
	if err := restored.Restore(io.NopCloser(&sink)); err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	// every shard of the restored FSM holds the pre-snapshot state, including
	// the in-progress reconfiguration
	for shard := 0; shard < restored.Topics.Count(); shard++ {
		pa, ok := restored.Topics.On(shard).GetPartitionAssignment(ntp)
		if !ok {
			t.Fatalf("restored shard %d misses %v", shard, ntp)
		}
		if !cluster.ReplicaSetsEqual(pa.Replicas, moved) {
			t.Errorf("restored shard %d assignment = %v, want %v", shard, pa.Replicas, moved)
		}
		previous, ok := restored.Topics.On(shard).GetPreviousReplicaSet(ntp)
		if !ok || len(previous) != 3 {
			t.Errorf("restored shard %d previous replicas = %v, want the pre-move set", shard, previous)
		}
	}
	if got := restored.Allocator.AllocatedCount(types.AllocationDomainCommon); got != 4 {
		t.Errorf("restored allocated count = %d, want 4", got)
	}
	if info, ok := restored.Leaders.Local().Get(ntp); !ok || info.Leader != 0 {
		t.Errorf("restored leader = %+v, want estimate node 0", info)
	}

	// the restored state machine keeps applying where the snapshot left off
	if ec := applyCommand(t, restored, 3, cluster.FinishMovingPartitionReplicasCommand{Key: ntp, Value: moved}); ec != cluster.ErrNone {
		t.Fatalf("finish after restore returned %v", ec)
	}
	if got := restored.Allocator.AllocatedCount(types.AllocationDomainCommon); got != 3 {
		t.Errorf("allocated count after finish = %d, want 3", got)
	}
}
