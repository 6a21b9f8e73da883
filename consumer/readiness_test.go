package consumer

import "testing"

// TestPartition_EvenSplit is §8 scenario 5, literally: maxInFlight=10
// with three live connections yields (3,3,4); with two live, (5,5).
func TestPartition_EvenSplit(t *testing.T) {
	got := Partition(10, 3)
	want := []int{3, 3, 4}
	if !equalInts(got, want) {
		t.Fatalf("Partition(10,3) = %v, want %v", got, want)
	}

	got = Partition(10, 2)
	want = []int{5, 5}
	if !equalInts(got, want) {
		t.Fatalf("Partition(10,2) = %v, want %v", got, want)
	}
}

func TestPartition_MaxMinDifferByAtMostOne(t *testing.T) {
	for _, n := range []int{1, 2, 3, 4, 5, 7, 11} {
		for _, max := range []int{1, 5, 10, 17, 200} {
			if n > max {
				continue
			}
			shares := Partition(max, n)
			sum := 0
			lo, hi := shares[0], shares[0]
			for _, s := range shares {
				sum += s
				if s < lo {
					lo = s
				}
				if s > hi {
					hi = s
				}
			}
			if sum != max {
				t.Fatalf("Partition(%d,%d) sums to %d, want %d", max, n, sum, max)
			}
			if hi-lo > 1 {
				t.Fatalf("Partition(%d,%d) = %v, max-min = %d > 1", max, n, shares, hi-lo)
			}
		}
	}
}

func equalInts(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestNeedsDistribution_ChangedAlwaysTriggers(t *testing.T) {
	if !NeedsDistribution(nil, true) {
		t.Fatal("changed=true must always trigger")
	}
	if NeedsDistribution(nil, false) {
		t.Fatal("no live connections and no change should not trigger")
	}
}
