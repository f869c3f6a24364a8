package types

import "github.com/hashicorp/serf/serf"

// Configuration holds the controller node settings
type Configuration struct {
	LogDir string
	NodeID int

	// Shards is the number of topic table replicas kept in lockstep,
	// normally one per core
	Shards int

	Bootstrap       bool
	RaftID          string
	RaftAddress     string
	SerfAddress     string
	SerfJoinAddress string
	SerfConfig      *serf.Config

	// SnapshotCodec selects the compression applied to controller
	// snapshots: none, gzip, snappy, lz4 or zstd
	SnapshotCodec string
}
