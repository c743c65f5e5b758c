package workingcopy

import (
	"testing"

	"github.com/paulmach/orb"
)

func TestGrowBound(t *testing.T) {
	b := orb.Bound{Min: orb.Point{0, 0}, Max: orb.Point{10, 10}}
	got := GrowBound(b, IndexGrowFactor)
	want := orb.Bound{Min: orb.Point{-1, -1}, Max: orb.Point{11, 11}}
	if got != want {
		t.Errorf("GrowBound = %v, want %v", got, want)
	}

	if got := GrowBound(b, 1); got != b {
		t.Errorf("GrowBound factor 1 = %v, want unchanged", got)
	}

	// A degenerate extent (single point) stays degenerate.
	pt := orb.Bound{Min: orb.Point{5, 5}, Max: orb.Point{5, 5}}
	if got := GrowBound(pt, IndexGrowFactor); got != pt {
		t.Errorf("GrowBound of point extent = %v, want %v", got, pt)
	}
}
