package workingcopy

import "github.com/paulmach/orb"

// IndexGrowFactor is the headroom applied to a dataset's extent before a
// deferred spatial index is created, so edits within the grown extent
// don't immediately require an index rebuild.
const IndexGrowFactor = 1.2

// GrowBound scales a bounding box about its centre. factor 1 is a no-op,
// >1 grows, <1 shrinks.
func GrowBound(b orb.Bound, factor float64) orb.Bound {
	cx := (b.Min[0] + b.Max[0]) / 2
	cy := (b.Min[1] + b.Max[1]) / 2
	return orb.Bound{
		Min: orb.Point{
			(b.Min[0]-cx)*factor + cx,
			(b.Min[1]-cy)*factor + cy,
		},
		Max: orb.Point{
			(b.Max[0]-cx)*factor + cx,
			(b.Max[1]-cy)*factor + cy,
		},
	}
}
