package cluster

import (
	"encoding/json"
	"testing"

	"github.com/CefBoud/moncontroller/allocator"
	"github.com/CefBoud/moncontroller/balancer"
	"github.com/CefBoud/moncontroller/leaders"
	"github.com/CefBoud/moncontroller/sharded"
	"github.com/CefBoud/moncontroller/types"
)

const testShards = 4

type testController struct {
	dispatcher *Dispatcher
	topics     *sharded.Sharded[*TopicTable]
	alloc      *allocator.PartitionAllocator
	leaders    *sharded.Sharded[*leaders.PartitionLeadersTable]
	balancer   *balancer.PartitionBalancerState
	offset     types.Offset
}

func newTestController() *testController {
	c := &testController{
		topics: sharded.New(testShards, NewTopicTable),
		alloc:  allocator.NewPartitionAllocator(),
		leaders: sharded.New(testShards, func(int) *leaders.PartitionLeadersTable {
			return leaders.NewPartitionLeadersTable()
		}),
		balancer: balancer.NewPartitionBalancerState(),
	}
	c.dispatcher = NewDispatcher(c.topics, c.alloc, c.leaders, c.balancer, types.DefaultAllocationDomain)
	return c
}

// apply encodes the command and runs it through the dispatcher the way the
// log runner would, with strictly increasing offsets
func (c *testController) apply(t *testing.T, cmd Command) ErrorCode {
	t.Helper()
	data, err := EncodeCommand(cmd)
	if err != nil {
		t.Fatalf("EncodeCommand failed: %v", err)
	}
	c.offset++
	return c.dispatcher.ApplyUpdate(data, c.offset)
}

func replicas(nodes ...uint32) []types.Replica {
	var result []types.Replica
	for _, n := range nodes {
		result = append(result, types.Replica{NodeID: types.NodeID(n), ShardID: 0})
	}
	return result
}

var testTopic = types.TopicNamespace{Namespace: "kafka", Topic: "t1"}

func createTopicCmd(tn types.TopicNamespace, partitions int, reps []types.Replica) CreateTopicCommand {
	var assignments []types.PartitionAssignment
	for i := 0; i < partitions; i++ {
		assignments = append(assignments, types.PartitionAssignment{
			ID:       types.PartitionID(i),
			Group:    types.GroupID(i + 1),
			Replicas: reps,
		})
	}
	return CreateTopicCommand{
		Key:   tn,
		Value: TopicConfiguration{Assignments: assignments, ReplicationFactor: int16(len(reps))},
	}
}

func TestCreateTopicEndToEnd(t *testing.T) {
	c := newTestController()

	ec := c.apply(t, createTopicCmd(testTopic, 1, replicas(0, 1, 2)))
	if ec != ErrNone {
		t.Fatalf("create_topic returned %v", ec)
	}

	ntp := types.MakeNTP(testTopic, 0)
	for shard := 0; shard < testShards; shard++ {
		pa, ok := c.topics.On(shard).GetPartitionAssignment(ntp)
		if !ok {
			t.Fatalf("shard %d misses assignment for %v", shard, ntp)
		}
		if !ReplicaSetsEqual(pa.Replicas, replicas(0, 1, 2)) {
			t.Errorf("shard %d assignment = %v, want %v", shard, pa.Replicas, replicas(0, 1, 2))
		}
	}

	if got := c.alloc.AllocatedCount(types.AllocationDomainCommon); got != 3 {
		t.Errorf("allocated count = %d, want 3", got)
	}

	// the provisional leader is the first replica at term 1, on every shard,
	// before any election event exists
	for shard := 0; shard < testShards; shard++ {
		info, ok := c.leaders.On(shard).Get(ntp)
		if !ok {
			t.Fatalf("shard %d misses leader estimate for %v", shard, ntp)
		}
		if info.Leader != 0 || info.Term != 1 || !info.Estimate {
			t.Errorf("shard %d leader = %+v, want estimate node 0 at term 1", shard, info)
		}
	}

	history := c.balancer.History(ntp)
	if len(history) != 1 || len(history[0].Old) != 0 || !ReplicaSetsEqual(history[0].New, replicas(0, 1, 2)) {
		t.Errorf("balancer history = %+v, want single empty->[0 1 2] transition", history)
	}
}

func TestMoveDeltaAndFinish(t *testing.T) {
	c := newTestController()
	c.apply(t, createTopicCmd(testTopic, 1, replicas(0, 1, 2)))
	ntp := types.MakeNTP(testTopic, 0)

	if ec := c.apply(t, MovePartitionReplicasCommand{Key: ntp, Value: replicas(1, 2, 3)}); ec != ErrNone {
		t.Fatalf("move returned %v", ec)
	}
	// only the delta {n3} is newly reserved
	if got := c.alloc.ReplicaCount(types.Replica{NodeID: 3}, types.AllocationDomainCommon); got != 1 {
		t.Errorf("n3 reservations = %d, want 1", got)
	}
	if got := c.alloc.AllocatedCount(types.AllocationDomainCommon); got != 4 {
		t.Errorf("allocated count = %d, want 4 during move", got)
	}
	latest := c.balancer.Current(ntp)
	if !ReplicaSetsEqual(latest, replicas(1, 2, 3)) {
		t.Errorf("balancer current = %v, want [1 2 3]", latest)
	}

	if ec := c.apply(t, FinishMovingPartitionReplicasCommand{Key: ntp, Value: replicas(1, 2, 3)}); ec != ErrNone {
		t.Fatalf("finish returned %v", ec)
	}
	// the departed replica {n0} is released
	if got := c.alloc.ReplicaCount(types.Replica{NodeID: 0}, types.AllocationDomainCommon); got != 0 {
		t.Errorf("n0 reservations = %d, want 0 after finish", got)
	}
	if got := c.alloc.AllocatedCount(types.AllocationDomainCommon); got != 3 {
		t.Errorf("allocated count = %d, want 3 after finish", got)
	}
	if updates := c.topics.Local().UpdatesInProgress(); len(updates) != 0 {
		t.Errorf("updates in progress after finish: %v", updates)
	}
}

func TestCancelThenFinishRestoresOrigin(t *testing.T) {
	c := newTestController()
	c.apply(t, createTopicCmd(testTopic, 1, replicas(0, 1, 2)))
	ntp := types.MakeNTP(testTopic, 0)
	c.apply(t, MovePartitionReplicasCommand{Key: ntp, Value: replicas(1, 2, 3)})

	if ec := c.apply(t, CancelMovingPartitionReplicasCommand{Key: ntp}); ec != ErrNone {
		t.Fatalf("cancel returned %v", ec)
	}
	// the assignment reverts to the pre-move replicas on every shard, the
	// reconfiguration record survives the cancel
	for shard := 0; shard < testShards; shard++ {
		pa, _ := c.topics.On(shard).GetPartitionAssignment(ntp)
		if !ReplicaSetsEqual(pa.Replicas, replicas(0, 1, 2)) {
			t.Errorf("shard %d assignment after cancel = %v, want [0 1 2]", shard, pa.Replicas)
		}
	}
	updates := c.topics.Local().UpdatesInProgress()
	if update, ok := updates[ntp]; !ok || update.State != types.ReconfigurationCancelled {
		t.Fatalf("updates after cancel = %v, want cancelled record for %v", updates, ntp)
	}
	// the balancer sees the reversed direction
	if latest := c.balancer.Current(ntp); !ReplicaSetsEqual(latest, replicas(0, 1, 2)) {
		t.Errorf("balancer current after cancel = %v, want [0 1 2]", latest)
	}

	// finishing a cancellation carries the previous replicas and releases the
	// abandoned target delta
	if ec := c.apply(t, FinishMovingPartitionReplicasCommand{Key: ntp, Value: replicas(0, 1, 2)}); ec != ErrNone {
		t.Fatalf("finish returned %v", ec)
	}
	if got := c.alloc.ReplicaCount(types.Replica{NodeID: 3}, types.AllocationDomainCommon); got != 0 {
		t.Errorf("n3 reservations = %d, want 0 after finished cancellation", got)
	}
	if got := c.alloc.AllocatedCount(types.AllocationDomainCommon); got != 3 {
		t.Errorf("allocated count = %d, want 3", got)
	}
	pa, _ := c.topics.Local().GetPartitionAssignment(ntp)
	if !ReplicaSetsEqual(pa.Replicas, replicas(0, 1, 2)) {
		t.Errorf("assignment = %v, want [0 1 2]", pa.Replicas)
	}
}

func TestRevertAfterCompletedMove(t *testing.T) {
	c := newTestController()
	c.apply(t, createTopicCmd(testTopic, 1, replicas(0, 1, 2)))
	ntp := types.MakeNTP(testTopic, 0)
	c.apply(t, MovePartitionReplicasCommand{Key: ntp, Value: replicas(1, 2, 3)})
	c.apply(t, CancelMovingPartitionReplicasCommand{Key: ntp})

	// the transfer to [1 2 3] had already completed, the cancellation is
	// undone instead of being finished
	if ec := c.apply(t, RevertCancelPartitionMoveCommand{Value: RevertCancelMove{NTP: ntp}}); ec != ErrNone {
		t.Fatalf("revert returned %v", ec)
	}
	for shard := 0; shard < testShards; shard++ {
		pa, _ := c.topics.On(shard).GetPartitionAssignment(ntp)
		if !ReplicaSetsEqual(pa.Replicas, replicas(1, 2, 3)) {
			t.Errorf("shard %d assignment after revert = %v, want [1 2 3]", shard, pa.Replicas)
		}
	}
	// the opposite delta of a normal cancel is released: previous - target
	if got := c.alloc.ReplicaCount(types.Replica{NodeID: 0}, types.AllocationDomainCommon); got != 0 {
		t.Errorf("n0 reservations = %d, want 0 after revert", got)
	}
	if got := c.alloc.AllocatedCount(types.AllocationDomainCommon); got != 3 {
		t.Errorf("allocated count = %d, want 3 after revert", got)
	}
	if updates := c.topics.Local().UpdatesInProgress(); len(updates) != 0 {
		t.Errorf("updates in progress after revert: %v", updates)
	}
	if latest := c.balancer.Current(ntp); !ReplicaSetsEqual(latest, replicas(1, 2, 3)) {
		t.Errorf("balancer current after revert = %v, want [1 2 3]", latest)
	}
}

func TestAllocationConservation(t *testing.T) {
	c := newTestController()

	c.apply(t, createTopicCmd(testTopic, 3, replicas(0, 1, 2)))
	if got := c.alloc.AllocatedCount(types.AllocationDomainCommon); got != 9 {
		t.Fatalf("allocated count = %d, want 9", got)
	}
	if ec := c.apply(t, DeleteTopicCommand{Key: testTopic}); ec != ErrNone {
		t.Fatalf("delete returned %v", ec)
	}
	if got := c.alloc.AllocatedCount(types.AllocationDomainCommon); got != 0 {
		t.Errorf("allocated count = %d, want 0 after delete", got)
	}
}

func TestDeleteMidMoveLeaksNothing(t *testing.T) {
	c := newTestController()
	c.apply(t, createTopicCmd(testTopic, 2, replicas(0, 1, 2)))
	ntp0 := types.MakeNTP(testTopic, 0)
	ntp1 := types.MakeNTP(testTopic, 1)

	// partition 0 deleted mid-move, partition 1 deleted mid-cancellation
	c.apply(t, MovePartitionReplicasCommand{Key: ntp0, Value: replicas(1, 2, 3)})
	c.apply(t, MovePartitionReplicasCommand{Key: ntp1, Value: replicas(2, 3, 4)})
	c.apply(t, CancelMovingPartitionReplicasCommand{Key: ntp1})

	if ec := c.apply(t, DeleteTopicCommand{Key: testTopic}); ec != ErrNone {
		t.Fatalf("delete returned %v", ec)
	}
	if got := c.alloc.AllocatedCount(types.AllocationDomainCommon); got != 0 {
		t.Errorf("allocated count = %d, want 0 after mid-move delete", got)
	}
}

func TestReplayDeterminism(t *testing.T) {
	run := func() *testController {
		c := newTestController()
		c.apply(t, createTopicCmd(testTopic, 2, replicas(0, 1, 2)))
		ntp := types.MakeNTP(testTopic, 0)
		c.apply(t, MovePartitionReplicasCommand{Key: ntp, Value: replicas(1, 2, 3)})
		c.apply(t, CancelMovingPartitionReplicasCommand{Key: ntp})
		c.apply(t, UpdateTopicPropertiesCommand{
			Key:   testTopic,
			Value: IncrementalTopicUpdates{Set: map[string]string{"retention.ms": "1000"}},
		})
		return c
	}
	a, b := run(), run()

	aBytes, err := json.Marshal(a.topics.Local().Snapshot())
	if err != nil {
		t.Fatal(err)
	}
	bBytes, err := json.Marshal(b.topics.Local().Snapshot())
	if err != nil {
		t.Fatal(err)
	}
	if string(aBytes) != string(bBytes) {
		t.Errorf("independent replays diverged:\n%s\n%s", aBytes, bBytes)
	}
	// every shard of one instance holds the identical table
	for shard := 1; shard < testShards; shard++ {
		shardBytes, err := json.Marshal(a.topics.On(shard).Snapshot())
		if err != nil {
			t.Fatal(err)
		}
		if string(shardBytes) != string(aBytes) {
			t.Errorf("shard %d diverged from shard 0", shard)
		}
	}
}

func TestMoveTopicReplicas(t *testing.T) {
	c := newTestController()
	c.apply(t, createTopicCmd(testTopic, 2, replicas(0, 1, 2)))

	ec := c.apply(t, MoveTopicReplicasCommand{
		Key: testTopic,
		Value: []PartitionReplicas{
			{Partition: 0, Replicas: replicas(1, 2, 3)},
			{Partition: 1, Replicas: replicas(0, 1, 4)},
		},
	})
	if ec != ErrNone {
		t.Fatalf("move_topic_replicas returned %v", ec)
	}
	if got := c.alloc.ReplicaCount(types.Replica{NodeID: 3}, types.AllocationDomainCommon); got != 1 {
		t.Errorf("n3 reservations = %d, want 1", got)
	}
	if got := c.alloc.ReplicaCount(types.Replica{NodeID: 4}, types.AllocationDomainCommon); got != 1 {
		t.Errorf("n4 reservations = %d, want 1", got)
	}
	if updates := c.topics.Local().UpdatesInProgress(); len(updates) != 2 {
		t.Errorf("updates in progress = %v, want 2 records", updates)
	}
}

func TestMoveTopicReplicasUnknownPartition(t *testing.T) {
	c := newTestController()
	c.apply(t, createTopicCmd(testTopic, 1, replicas(0, 1, 2)))

	ec := c.apply(t, MoveTopicReplicasCommand{
		Key:   testTopic,
		Value: []PartitionReplicas{{Partition: 7, Replicas: replicas(1, 2, 3)}},
	})
	if ec != ErrPartitionNotExists {
		t.Errorf("move of unknown partition returned %v, want %v", ec, ErrPartitionNotExists)
	}
	unknown := types.TopicNamespace{Namespace: "kafka", Topic: "nope"}
	ec = c.apply(t, MoveTopicReplicasCommand{
		Key:   unknown,
		Value: []PartitionReplicas{{Partition: 0, Replicas: replicas(1)}},
	})
	if ec != ErrTopicNotExists {
		t.Errorf("move of unknown topic returned %v, want %v", ec, ErrTopicNotExists)
	}
}

func TestRecoverableErrors(t *testing.T) {
	c := newTestController()
	unknown := types.TopicNamespace{Namespace: "kafka", Topic: "nope"}

	if ec := c.apply(t, DeleteTopicCommand{Key: unknown}); ec != ErrTopicNotExists {
		t.Errorf("delete of unknown topic returned %v, want %v", ec, ErrTopicNotExists)
	}
	c.apply(t, createTopicCmd(testTopic, 1, replicas(0, 1, 2)))
	move := MovePartitionReplicasCommand{Key: types.MakeNTP(testTopic, 9), Value: replicas(1)}
	if ec := c.apply(t, move); ec != ErrPartitionNotExists {
		t.Errorf("move of unknown partition returned %v, want %v", ec, ErrPartitionNotExists)
	}
	// a failed command leaves no side effects
	if got := c.alloc.AllocatedCount(types.AllocationDomainCommon); got != 3 {
		t.Errorf("allocated count = %d, want 3", got)
	}
}

func TestCreatePartition(t *testing.T) {
	c := newTestController()
	c.apply(t, createTopicCmd(testTopic, 1, replicas(0, 1, 2)))

	ec := c.apply(t, CreatePartitionCommand{
		Key: testTopic,
		Value: PartitionsAddition{Assignments: []types.PartitionAssignment{
			{ID: 1, Group: 2, Replicas: replicas(2, 3, 4)},
		}},
	})
	if ec != ErrNone {
		t.Fatalf("create_partition returned %v", ec)
	}
	if got := c.alloc.AllocatedCount(types.AllocationDomainCommon); got != 6 {
		t.Errorf("allocated count = %d, want 6", got)
	}
	// unlike create_topic, no leader estimate is published
	if _, ok := c.leaders.Local().Get(types.MakeNTP(testTopic, 1)); ok {
		t.Errorf("unexpected leader estimate for appended partition")
	}
	if latest := c.balancer.Current(types.MakeNTP(testTopic, 1)); !ReplicaSetsEqual(latest, replicas(2, 3, 4)) {
		t.Errorf("balancer current = %v, want [2 3 4]", latest)
	}
}

func TestCreateNonReplicableTopic(t *testing.T) {
	c := newTestController()
	c.apply(t, createTopicCmd(testTopic, 2, replicas(0, 1, 2)))

	mirror := types.TopicNamespace{Namespace: "kafka", Topic: "t1-mirror"}
	ec := c.apply(t, CreateNonReplicableTopicCommand{Key: NonReplicableTopic{Source: testTopic, Name: mirror}})
	if ec != ErrNone {
		t.Fatalf("create_non_replicable_topic returned %v", ec)
	}
	src, _ := c.topics.Local().GetTopicAssignments(testTopic)
	got, ok := c.topics.Local().GetTopicAssignments(mirror)
	if !ok {
		t.Fatalf("mirror topic missing")
	}
	for id, pa := range src {
		if !ReplicaSetsEqual(got[id].Replicas, pa.Replicas) {
			t.Errorf("mirror partition %d = %v, want %v", id, got[id].Replicas, pa.Replicas)
		}
	}
	// mirror reservations come on top of the source's
	if count := c.alloc.AllocatedCount(types.AllocationDomainCommon); count != 12 {
		t.Errorf("allocated count = %d, want 12", count)
	}

	missing := types.TopicNamespace{Namespace: "kafka", Topic: "absent"}
	ec = c.apply(t, CreateNonReplicableTopicCommand{Key: NonReplicableTopic{Source: missing, Name: types.TopicNamespace{Namespace: "kafka", Topic: "m2"}}})
	if ec != ErrTopicNotExists {
		t.Errorf("mirror of unknown source returned %v, want %v", ec, ErrTopicNotExists)
	}
}

func TestUpdateTopicProperties(t *testing.T) {
	c := newTestController()
	cmd := createTopicCmd(testTopic, 1, replicas(0, 1, 2))
	cmd.Value.Configs = map[string]string{"cleanup.policy": "compact", "retention.ms": "100"}
	c.apply(t, cmd)

	ec := c.apply(t, UpdateTopicPropertiesCommand{
		Key: testTopic,
		Value: IncrementalTopicUpdates{
			Set:    map[string]string{"retention.ms": "200"},
			Remove: []string{"cleanup.policy"},
		},
	})
	if ec != ErrNone {
		t.Fatalf("update_topic_properties returned %v", ec)
	}
	for shard := 0; shard < testShards; shard++ {
		configs, _ := c.topics.On(shard).GetTopicConfigs(testTopic)
		if configs["retention.ms"] != "200" {
			t.Errorf("shard %d retention.ms = %q, want 200", shard, configs["retention.ms"])
		}
		if _, ok := configs["cleanup.policy"]; ok {
			t.Errorf("shard %d still has removed config cleanup.policy", shard)
		}
	}
}

func TestShardDivergencePanics(t *testing.T) {
	c := newTestController()
	// plant a divergence: one shard knows a topic the others don't
	c.topics.On(1).Apply(createTopicCmd(testTopic, 1, replicas(0)), 1)

	defer func() {
		if recover() == nil {
			t.Errorf("expected panic on cross-shard result divergence")
		}
	}()
	c.apply(t, DeleteTopicCommand{Key: testTopic})
}

func TestCorruptRecordPanics(t *testing.T) {
	c := newTestController()
	defer func() {
		if recover() == nil {
			t.Errorf("expected panic on undecodable log entry")
		}
	}()
	c.offset++
	c.dispatcher.ApplyUpdate([]byte("not json"), c.offset)
}
