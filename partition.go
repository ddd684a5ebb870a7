package goresample

import (
	"iter"
	"runtime"
)

// RegionSplitter divides a region into disjoint work items.
type RegionSplitter struct {
	// Pieces is the desired number of work items. Zero or negative means
	// GOMAXPROCS.
	Pieces int
}

// Split returns the work items of region as a restartable sequence: every
// range over it yields the same pieces in the same order.
func (s RegionSplitter) Split(region Region) iter.Seq[Region] {
	n := s.Pieces
	if n <= 0 {
		n = runtime.GOMAXPROCS(0)
	}
	return func(yield func(Region) bool) {
		for _, r := range SplitRegion(region, n) {
			if !yield(r) {
				return
			}
		}
	}
}

// SplitRegion partitions region into at most n disjoint pieces whose union is
// region. It bisects along the dimension with the largest extent, sharing the
// piece budget between the halves in proportion, until the budget is spent or
// every extent is 1. Pieces are never empty and are returned in ascending
// order along each cut.
func SplitRegion(region Region, n int) []Region {
	if region.Empty() {
		return nil
	}
	if n < 1 {
		n = 1
	}
	return appendSplit(nil, region.Clone(), n)
}

func appendSplit(dst []Region, r Region, n int) []Region {
	if n <= 1 {
		return append(dst, r)
	}
	d := largestExtent(r)
	extent := r.Size[d]
	if extent < 2 {
		return append(dst, r)
	}

	n1 := n / 2
	n2 := n - n1
	cut := extent * n1 / n
	cut = min(max(cut, 1), extent-1)

	lower := r.Clone()
	lower.Size[d] = cut
	upper := r.Clone()
	upper.Index[d] += cut
	upper.Size[d] = extent - cut

	dst = appendSplit(dst, lower, n1)
	return appendSplit(dst, upper, n2)
}

// largestExtent returns the dimension with the largest size, preferring the
// slowest varying one on ties so that pieces stay made of whole rows.
func largestExtent(r Region) int {
	best := len(r.Size) - 1
	for d := len(r.Size) - 2; d >= 0; d-- {
		if r.Size[d] > r.Size[best] {
			best = d
		}
	}
	return best
}
