// Package node wires the controller core into a running process: a raft
// instance replicating the controller log, a serf cluster tracking broker
// membership, and the FSM applying committed entries to the sharded state.
package node

import (
	"fmt"
	"net"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/CefBoud/moncontroller/cluster"
	"github.com/CefBoud/moncontroller/compress"
	log "github.com/CefBoud/moncontroller/logging"
	craft "github.com/CefBoud/moncontroller/raft"
	"github.com/CefBoud/moncontroller/types"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
	hraft "github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"github.com/hashicorp/serf/serf"
)

const (
	// serfEventChSize is the size of the buffered channel to get Serf
	// events. If this is exhausted we will block Serf and Memberlist.
	serfEventChSize = 2048

	applyTimeout = 10 * time.Second
)

// Node is one controller process
type Node struct {
	Config         *types.Configuration
	ShutDownSignal chan bool
	Serf           *serf.Serf  // Serf cluster maintained inside the DC
	Raft           *hraft.Raft // Raft cluster maintained inside the DC
	FSM            *craft.FSM

	RaftNotifyCh <-chan bool // reliable leader transition notifications from the Raft layer

	SerfEventCh chan serf.Event // used to receive events from the serf cluster
}

// NewNode creates a new Node instance with the provided configuration
func NewNode(config *types.Configuration) *Node {
	return &Node{
		Config:         config,
		ShutDownSignal: make(chan bool),
		RaftNotifyCh:   make(<-chan bool),
		SerfEventCh:    make(chan serf.Event, serfEventChSize),
	}
}

// Startup initializes the FSM, raft and serf, then blocks until shutdown
func (n *Node) Startup() error {
	n.Config.LogDir = filepath.Join(n.Config.LogDir, fmt.Sprintf("MonController-%v", n.Config.NodeID))

	shards := n.Config.Shards
	if shards <= 0 {
		shards = runtime.NumCPU()
	}
	codec, err := compress.ParseType(n.Config.SnapshotCodec)
	if err != nil {
		return err
	}
	n.FSM = craft.NewFSM(shards, codec, types.DefaultAllocationDomain)

	if err := n.SetupRaft(); err != nil {
		return fmt.Errorf("raft setup failed: %s", err)
	}
	if err := n.SetupSerf(); err != nil {
		return fmt.Errorf("serf setup failed: %s", err)
	}

	go n.handleSerfEvent()

	log.Info("controller node %d is up, %d topic table shards", n.Config.NodeID, shards)
	<-n.ShutDownSignal
	return nil
}

// AppendCommand encodes a controller command and replicates it through the
// controller log. It returns the recoverable error code the FSM produced
// when the entry was applied.
func (n *Node) AppendCommand(cmd cluster.Command) (cluster.ErrorCode, error) {
	data, err := cluster.EncodeCommand(cmd)
	if err != nil {
		return cluster.ErrNone, err
	}
	future := n.Raft.Apply(data, applyTimeout)
	if err := future.Error(); err != nil {
		return cluster.ErrNone, err
	}
	log.Debug("appended %v command to the controller log", cmd.Type())
	ec, ok := future.Response().(cluster.ErrorCode)
	if !ok {
		return cluster.ErrNone, fmt.Errorf("unexpected FSM response: %#v", future.Response())
	}
	return ec, nil
}

// IsController returns whether this node currently leads the controller log
func (n *Node) IsController() bool {
	return n.Raft.State() == hraft.Leader
}

// SetupRaft inits Raft for the node
func (n *Node) SetupRaft() error {
	raftAddress := n.Config.RaftAddress
	dir := path.Join(n.Config.LogDir, "raft"+n.Config.RaftID)
	if err := os.MkdirAll(dir, os.ModePerm); err != nil {
		return fmt.Errorf("could not create data directory: %s", err)
	}

	store, err := raftboltdb.NewBoltStore(path.Join(dir, "bolt"))
	if err != nil {
		return fmt.Errorf("could not create bolt store: %s", err)
	}

	snapshots, err := hraft.NewFileSnapshotStore(path.Join(dir, "snapshot"), 2, os.Stderr)
	if err != nil {
		return fmt.Errorf("could not create snapshot store: %s", err)
	}

	tcpAddr, err := net.ResolveTCPAddr("tcp", raftAddress)
	if err != nil {
		return fmt.Errorf("could not resolve address: %s", err)
	}

	transport, err := hraft.NewTCPTransport(raftAddress, tcpAddr, 10, time.Second*10, os.Stderr)
	if err != nil {
		return fmt.Errorf("could not create tcp transport: %s", err)
	}

	raftCfg := hraft.DefaultConfig()
	raftCfg.Logger = hclog.New(&hclog.LoggerOptions{
		Name:  "raft",
		Level: hclog.Info,
	})

	if n.Config.RaftID == "" {
		n.Config.RaftID = fmt.Sprintf("controller-%d", n.Config.NodeID)
	}
	raftCfg.LocalID = hraft.ServerID(n.Config.RaftID)

	// Set up a channel for reliable leader notifications.
	raftNotifyCh := make(chan bool, 1)
	raftCfg.NotifyCh = raftNotifyCh
	n.RaftNotifyCh = raftNotifyCh

	n.Raft, err = hraft.NewRaft(raftCfg, n.FSM, store, store, snapshots, transport)
	if err != nil {
		return fmt.Errorf("could not create raft instance: %s", err)
	}

	if n.Config.Bootstrap {
		log.Info("bootstrapping raft with ID %v ....", n.Config.RaftID)
		hasState, err := hraft.HasExistingState(store, store, snapshots)
		if err != nil {
			return err
		}
		if !hasState {
			future := n.Raft.BootstrapCluster(hraft.Configuration{
				Servers: []hraft.Server{
					{
						ID:      hraft.ServerID(n.Config.RaftID),
						Address: transport.LocalAddr(),
					},
				},
			})
			if err := future.Error(); err != nil {
				log.Error("bootstrap cluster error: %s", err)
			}
		}
	}
	return nil
}

// SetupSerf sets up the serf agent and maybe joins a serf cluster
func (n *Node) SetupSerf() error {
	conf := n.Config.SerfConfig
	if conf == nil {
		conf = serf.DefaultConfig()
	}
	conf.Init()
	conf.NodeName = n.Config.RaftID
	bindIP, bindPort, err := net.SplitHostPort(n.Config.SerfAddress)
	if err != nil {
		return err
	}
	conf.MemberlistConfig.BindAddr = bindIP
	conf.MemberlistConfig.BindPort, err = strconv.Atoi(bindPort)
	if err != nil {
		return err
	}
	conf.Tags["role"] = "controller"
	conf.Tags["ID"] = strconv.Itoa(n.Config.NodeID)
	conf.Tags["raft_server_id"] = n.Config.RaftID
	conf.Tags["raft_addr"] = n.Config.RaftAddress
	conf.Tags["serf_addr"] = n.Config.SerfAddress

	conf.EventCh = n.SerfEventCh
	conf.SnapshotPath = filepath.Join(n.Config.LogDir, "serf-snapshot")
	if err := os.MkdirAll(filepath.Dir(conf.SnapshotPath), 0755); err != nil {
		return fmt.Errorf("could not create serf SnapshotPath dir: %s", err)
	}

	n.Serf, err = serf.Create(conf)
	if err != nil {
		return err
	}

	if len(n.Config.SerfJoinAddress) > 0 {
		existingSerfNodes := strings.Split(n.Config.SerfJoinAddress, ",")
		log.Info("joining serf nodes: %v", existingSerfNodes)
		joined, err := n.Serf.Join(existingSerfNodes, true)
		if err != nil {
			log.Error("Couldn't join cluster, starting own: %v", err)
		} else {
			log.Info("Serf join: successfully contacted %v nodes. Members: %v", joined, n.Serf.Members())
		}
	}
	return nil
}

func (n *Node) handleSerfEvent() {
	for {
		select {
		case e := <-n.SerfEventCh:
			switch e.EventType() {
			case serf.EventMemberJoin:
				n.handleSerfMemberJoin(e.(serf.MemberEvent))
			case serf.EventMemberFailed:
				// a failed node moves to `reap` (fully ousted) only after
				// reconnect_timeout, nothing to do until then
				log.Warn("serf member failed: %v", e)
			case serf.EventMemberReap, serf.EventMemberLeave:
				n.handleSerfMemberLeft(e.(serf.MemberEvent))
			}
		case <-n.ShutDownSignal:
			return
		}
	}
}

func (n *Node) handleSerfMemberJoin(event serf.MemberEvent) error {
	_, leaderID := n.Raft.LeaderWithID()
	if leaderID == "" {
		if !n.Config.Bootstrap {
			log.Info("handleSerfMemberJoin: there is no leader, current node WILL NOT bootstrap")
			return nil
		}
		log.Info("handleSerfMemberJoin: there is no leader, current node will bootstrap")
	} else if !n.IsController() {
		log.Info("handleSerfMemberJoin: node is not the leader, ignoring join event")
		return nil
	}

	newMembers := make(map[string]serf.Member)
	for _, m := range event.Members {
		if m.Tags["role"] != "controller" {
			log.Info("handleSerfMemberJoin: new member [%v - %v] is not a controller", m.Name, m.Addr)
			continue
		}
		newMembers[m.Tags["raft_addr"]] = m
	}

	raftServers, err := n.getRaftServers()
	if err != nil {
		return err
	}
	for _, server := range raftServers {
		for raftAddr := range newMembers {
			if server.Address == hraft.ServerAddress(raftAddr) {
				log.Info("handleSerfMemberJoin: member [%v] already in raft cluster", raftAddr)
				delete(newMembers, raftAddr)
				if len(newMembers) == 0 {
					return nil
				}
			}
		}
	}
	for raftAddr, m := range newMembers {
		log.Info("handleSerfMemberJoin: adding voter to the raft cluster with addr %s", raftAddr)
		err := n.Raft.AddVoter(hraft.ServerID(m.Tags["raft_server_id"]), hraft.ServerAddress(m.Tags["raft_addr"]), 0, 0).Error()
		if err != nil {
			log.Error("Failed to add follower: %s", err)
			return err
		}
	}
	return nil
}

func (n *Node) handleSerfMemberLeft(event serf.MemberEvent) error {
	_, leaderID := n.Raft.LeaderWithID()
	if leaderID == "" {
		log.Info("handleSerfMemberLeft: there is no leader. Nothing to do.")
		return nil
	} else if !n.IsController() {
		log.Info("handleSerfMemberLeft: node is not the leader, ignoring left/reap/failed event")
		return nil
	}

	eventMembers := make(map[string]serf.Member)
	for _, m := range event.Members {
		if m.Tags["role"] != "controller" {
			continue
		}
		eventMembers[m.Tags["raft_addr"]] = m
	}

	raftServers, err := n.getRaftServers()
	if err != nil {
		return err
	}
	for _, server := range raftServers {
		for raftAddr := range eventMembers {
			if server.Address == hraft.ServerAddress(raftAddr) {
				log.Info("handleSerfMemberLeft: removing member [%v] from raft cluster", raftAddr)
				future := n.Raft.RemoveServer(server.ID, 0, 0)
				if err := future.Error(); err != nil {
					log.Error("handleSerfMemberLeft: remove server [%v] from raft error: %s", server.Address, err)
					return err
				}
			}
		}
	}
	return nil
}

func (n *Node) getRaftServers() ([]hraft.Server, error) {
	configFuture := n.Raft.GetConfiguration()
	if err := configFuture.Error(); err != nil {
		return nil, fmt.Errorf("getRaftServers: can't get raft configuration error: %s", err)
	}
	return configFuture.Configuration().Servers, nil
}

// GetClusterNodes returns the raft cluster nodes, each representing a
// controller process replicas can be placed on
func (n *Node) GetClusterNodes() ([]*types.Node, error) {
	raftServers, err := n.getRaftServers()
	if err != nil {
		return nil, err
	}
	nodes := make(map[string]*types.Node)
	for _, server := range raftServers {
		nodes[string(server.ID)] = &types.Node{}
	}

	_, leaderID := n.Raft.LeaderWithID()
	for _, m := range n.Serf.Members() {
		raftServerID := m.Tags["raft_server_id"]
		node, ok := nodes[raftServerID]
		if !ok {
			continue
		}
		id, err := strconv.Atoi(m.Tags["ID"])
		if err != nil {
			log.Error("GetClusterNodes: unable to convert serf ID to uint32: %v", err)
			continue
		}
		node.NodeID = types.NodeID(id)
		host, port, err := net.SplitHostPort(m.Tags["serf_addr"])
		if err != nil {
			log.Error("GetClusterNodes: unable to parse serf_addr: %v", err)
			continue
		}
		portInt, _ := strconv.Atoi(port)
		node.Host, node.Port = host, uint32(portInt)
		node.IsController = string(leaderID) == raftServerID
	}
	var res []*types.Node
	for _, node := range nodes {
		res = append(res, node)
	}
	return res, nil
}

// Shutdown gracefully shuts down the node and its components
func (n *Node) Shutdown() error {
	// close ShutDownSignal so any goroutine waiting on it will run
	close(n.ShutDownSignal)
	log.Info("Controller node shutting down...")

	var result *multierror.Error

	if n.IsController() {
		raftServers, err := n.getRaftServers()
		if err != nil {
			result = multierror.Append(result, err)
		} else if len(raftServers) > 2 {
			log.Info("Node is raft leader and there are >2 raft servers, removing self first")
			if err := n.Raft.RemoveServer(hraft.ServerID(n.Config.RaftID), 0, 0).Error(); err != nil {
				result = multierror.Append(result, fmt.Errorf("failed to remove self from raft cluster: %s", err))
			}
		}
	}

	if n.Serf != nil {
		if err := n.Serf.Leave(); err != nil {
			result = multierror.Append(result, fmt.Errorf("serf leave failed: %s", err))
		}
		// allow other servers to observe the leave before the hard shutdown
		time.Sleep(5 * time.Second)
		if err := n.Serf.Shutdown(); err != nil {
			result = multierror.Append(result, err)
		}
	}

	if n.Raft != nil {
		if err := n.Raft.Shutdown().Error(); err != nil {
			result = multierror.Append(result, fmt.Errorf("error shutting down raft: %s", err))
		}
	}
	return result.ErrorOrNil()
}
