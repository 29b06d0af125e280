// Package crdt implements the replicated document type shared by every
// participant of a collaborative session. Replicas exchange operations and
// deterministically converge without central coordination: application is
// idempotent by operation ID, ordering uses fractional positions with an
// ID tie-break, deletes are tombstones, and block attributes resolve by
// last-writer-wins.
package crdt

// NodeID identifies one replica (one connection or the storage seeder).
type NodeID string

// VectorClock tracks how many operations each replica has produced.
type VectorClock map[NodeID]uint64

func NewVectorClock() VectorClock {
	return make(VectorClock)
}

func (vc VectorClock) Increment(node NodeID) {
	vc[node]++
}

// Merge raises every entry to the maximum of the two clocks.
func (vc VectorClock) Merge(other VectorClock) {
	for node, count := range other {
		if count > vc[node] {
			vc[node] = count
		}
	}
}

func (vc VectorClock) Clone() VectorClock {
	clone := make(VectorClock, len(vc))
	for node, count := range vc {
		clone[node] = count
	}
	return clone
}

// Dominates reports whether vc has seen at least everything other has.
func (vc VectorClock) Dominates(other VectorClock) bool {
	for node, count := range other {
		if vc[node] < count {
			return false
		}
	}
	return true
}
