package router

import (
	"fmt"
	"testing"
)

func TestRouteDeterministic(t *testing.T) {
	for i := 0; i < 100; i++ {
		id := fmt.Sprintf("entity-%d", i)
		first := Route(id, 16)
		for j := 0; j < 5; j++ {
			if got := Route(id, 16); got != first {
				t.Fatalf("route %q not stable: %d then %d", id, first, got)
			}
		}
		if first >= 16 {
			t.Fatalf("route %q out of range: %d", id, first)
		}
	}
}

func TestRouteSinglePartition(t *testing.T) {
	if got := Route("anything", 1); got != 0 {
		t.Fatalf("single partition must route to 0, got %d", got)
	}
	if got := Route("anything", 0); got != 0 {
		t.Fatalf("zero partitions must route to 0, got %d", got)
	}
}

func TestRouteSpreads(t *testing.T) {
	const parts = 8
	seen := map[uint32]int{}
	for i := 0; i < 1000; i++ {
		seen[Route(fmt.Sprintf("user-%d", i), parts)]++
	}
	if len(seen) != parts {
		t.Fatalf("expected all %d partitions used, got %d", parts, len(seen))
	}
	for p, n := range seen {
		if n < 1000/parts/4 {
			t.Fatalf("partition %d badly underloaded: %d", p, n)
		}
	}
}
