package crdt

import "testing"

func TestVectorClockIncrementAndMerge(t *testing.T) {
	a := NewVectorClock()
	a.Increment("a")
	a.Increment("a")

	b := NewVectorClock()
	b.Increment("b")

	a.Merge(b)
	if a["a"] != 2 || a["b"] != 1 {
		t.Fatalf("unexpected clock after merge: %v", a)
	}

	if !a.Dominates(b) {
		t.Fatal("merged clock should dominate its input")
	}
	if b.Dominates(a) {
		t.Fatal("stale clock should not dominate")
	}
}

func TestVectorClockCloneIsIndependent(t *testing.T) {
	a := NewVectorClock()
	a.Increment("a")
	clone := a.Clone()
	clone.Increment("a")
	if a["a"] != 1 {
		t.Fatalf("clone mutated original: %v", a)
	}
}
