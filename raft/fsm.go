package raft

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/CefBoud/moncontroller/allocator"
	"github.com/CefBoud/moncontroller/balancer"
	"github.com/CefBoud/moncontroller/cluster"
	"github.com/CefBoud/moncontroller/compress"
	"github.com/CefBoud/moncontroller/leaders"
	"github.com/CefBoud/moncontroller/logging"
	"github.com/CefBoud/moncontroller/sharded"
	"github.com/CefBoud/moncontroller/types"
	"github.com/hashicorp/raft"
)

// FSM is the finite-state-machine of the controller log. Each committed
// entry is handed to the dispatcher, which replicates the mutation across
// every topic table shard. Raft invokes Apply from a single goroutine, which
// is what gives the dispatcher its strict offset-order, single-writer
// contract.
type FSM struct {
	Dispatcher *cluster.Dispatcher
	Topics     *sharded.Sharded[*cluster.TopicTable]
	Allocator  *allocator.PartitionAllocator
	Balancer   *balancer.PartitionBalancerState
	Leaders    *sharded.Sharded[*leaders.PartitionLeadersTable]
	Codec      compress.CompressionType
}

// NewFSM builds the controller state with one topic table and leaders table
// replica per shard and wires the dispatcher to them
func NewFSM(shards int, codec compress.CompressionType, domainOf types.AllocationDomainFunc) *FSM {
	fsm := &FSM{
		Topics:    sharded.New(shards, cluster.NewTopicTable),
		Allocator: allocator.NewPartitionAllocator(),
		Balancer:  balancer.NewPartitionBalancerState(),
		Leaders: sharded.New(shards, func(int) *leaders.PartitionLeadersTable {
			return leaders.NewPartitionLeadersTable()
		}),
		Codec: codec,
	}
	fsm.Dispatcher = cluster.NewDispatcher(fsm.Topics, fsm.Allocator, fsm.Leaders, fsm.Balancer, domainOf)
	return fsm
}

// Apply applies a `raft.Log` to the FSM. The returned value is the
// recoverable cluster.ErrorCode of the command.
func (f *FSM) Apply(l *raft.Log) any {
	switch l.Type {
	case raft.LogCommand:
		return f.Dispatcher.ApplyUpdate(l.Data, types.Offset(l.Index))
	default:
		return fmt.Errorf("unknown raft log type: %#v", l.Type)
	}
}

// controllerSnapshot is the serialized state of the whole controller core
type controllerSnapshot struct {
	Topics    cluster.TableSnapshot
	Allocator allocator.Snapshot
	Balancer  []balancer.NTPHistory
	Leaders   []leaders.Entry
}

// Snapshot captures the controller state. All topic table shards are
// byte-compared first: they hold independently-updated copies of the same
// logical table, so any difference means a shard diverged and the snapshot
// would persist corrupted state.
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	snap := controllerSnapshot{
		Topics:    f.Topics.Local().Snapshot(),
		Allocator: f.Allocator.Snapshot(),
		Balancer:  f.Balancer.Snapshot(),
		Leaders:   f.Leaders.Local().Snapshot(),
	}
	reference, err := json.Marshal(snap.Topics)
	if err != nil {
		return nil, err
	}
	for shard := 1; shard < f.Topics.Count(); shard++ {
		other, err := json.Marshal(f.Topics.On(shard).Snapshot())
		if err != nil {
			return nil, err
		}
		if !bytes.Equal(reference, other) {
			logging.Panic("state inconsistency across shards detected while snapshotting: shard %d diverged from shard 0", shard)
		}
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return nil, err
	}
	framed, err := compress.Frame(f.Codec, data)
	if err != nil {
		return nil, err
	}
	return &fsmSnapshot{data: framed}, nil
}

// Restore rebuilds the controller state from a snapshot on every shard
func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()
	framed, err := io.ReadAll(rc)
	if err != nil {
		return fmt.Errorf("could not read snapshot: %s", err)
	}
	data, err := compress.Unframe(framed)
	if err != nil {
		return fmt.Errorf("could not decompress snapshot: %s", err)
	}
	var snap controllerSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("could not decode snapshot: %s", err)
	}
	f.Topics.InvokeOnAll(func(_ int, table *cluster.TopicTable) {
		table.Load(snap.Topics)
	})
	f.Leaders.InvokeOnAll(func(_ int, table *leaders.PartitionLeadersTable) {
		table.Load(snap.Leaders)
	})
	f.Allocator.Load(snap.Allocator)
	f.Balancer.Load(snap.Balancer)
	logging.Info("restored controller snapshot: %d topics, %d in-progress updates", len(snap.Topics.Topics), len(snap.Topics.Updates))
	return nil
}

// fsmSnapshot holds the already-framed snapshot bytes. Serialization happens
// in Snapshot, which raft calls with Apply quiesced; Persist may run
// concurrently with later applies and must not touch live state.
type fsmSnapshot struct {
	data []byte
}

// Persist writes the snapshot to the sink
func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	if _, err := sink.Write(s.data); err != nil {
		sink.Cancel()
		return err
	}
	return sink.Close()
}

// Release is a no-op, the snapshot holds no resources beyond its buffer
func (s *fsmSnapshot) Release() {}
