package cluster

import "github.com/CefBoud/moncontroller/types"

// Replica set arithmetic used for reservation bookkeeping. All operations are
// order-independent: two replica sets are compared by (node, shard) identity
// only.

// SubtractReplicaSets returns the replicas present in a but not in b
func SubtractReplicaSets(a, b []types.Replica) []types.Replica {
	var result []types.Replica
	for _, r := range a {
		if !containsReplica(b, r) {
			result = append(result, r)
		}
	}
	return result
}

// UnionReplicaSets returns the replicas present in a or b, without duplicates
func UnionReplicaSets(a, b []types.Replica) []types.Replica {
	result := append([]types.Replica(nil), a...)
	for _, r := range b {
		if !containsReplica(result, r) {
			result = append(result, r)
		}
	}
	return result
}

// ReplicaSetsEqual reports whether a and b hold the same replicas,
// irrespective of order
func ReplicaSetsEqual(a, b []types.Replica) bool {
	if len(a) != len(b) {
		return false
	}
	for _, r := range a {
		if !containsReplica(b, r) {
			return false
		}
	}
	return true
}

func containsReplica(set []types.Replica, r types.Replica) bool {
	for _, o := range set {
		if o == r {
			return true
		}
	}
	return false
}
