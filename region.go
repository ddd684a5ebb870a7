package goresample

import (
	"fmt"
	"slices"
)

// Region is a box in index space: the pixels Index[i] <= idx[i] <
// Index[i]+Size[i] for every dimension i. Dimension 0 varies fastest.
type Region struct {
	Index []int
	Size  []int
}

// NewRegion builds a region, copying the slices.
func NewRegion(index, size []int) Region {
	return Region{Index: slices.Clone(index), Size: slices.Clone(size)}
}

// Rect2D builds a 2-D region from x, y, width and height.
func Rect2D(x, y, width, height int) Region {
	return Region{Index: []int{x, y}, Size: []int{width, height}}
}

// Dim returns the number of dimensions.
func (r Region) Dim() int {
	return len(r.Size)
}

// NumberOfPixels returns the product of the extents.
func (r Region) NumberOfPixels() int {
	if len(r.Size) == 0 {
		return 0
	}
	n := 1
	for _, s := range r.Size {
		if s <= 0 {
			return 0
		}
		n *= s
	}
	return n
}

// Empty reports whether the region holds no pixel.
func (r Region) Empty() bool {
	return r.NumberOfPixels() == 0
}

// IsInside reports whether the index lies within the region.
func (r Region) IsInside(index []int) bool {
	if len(index) != len(r.Size) {
		return false
	}
	for i, v := range index {
		if v < r.Index[i] || v >= r.Index[i]+r.Size[i] {
			return false
		}
	}
	return true
}

// Contains reports whether other lies entirely within r.
func (r Region) Contains(other Region) bool {
	if other.Dim() != r.Dim() {
		return false
	}
	if other.Empty() {
		return true
	}
	for i := range r.Size {
		if other.Index[i] < r.Index[i] || other.Index[i]+other.Size[i] > r.Index[i]+r.Size[i] {
			return false
		}
	}
	return true
}

// Crop returns the intersection of r and other. The result may be empty.
func (r Region) Crop(other Region) Region {
	out := Region{Index: make([]int, r.Dim()), Size: make([]int, r.Dim())}
	for i := range r.Size {
		lo := max(r.Index[i], other.Index[i])
		hi := min(r.Index[i]+r.Size[i], other.Index[i]+other.Size[i])
		out.Index[i] = lo
		out.Size[i] = max(0, hi-lo)
	}
	return out
}

// Equal reports whether both regions have identical index and size.
func (r Region) Equal(other Region) bool {
	return slices.Equal(r.Index, other.Index) && slices.Equal(r.Size, other.Size)
}

// Clone returns a deep copy.
func (r Region) Clone() Region {
	return NewRegion(r.Index, r.Size)
}

// Last returns the index of the last pixel (inclusive upper corner).
func (r Region) Last() []int {
	last := make([]int, r.Dim())
	for i := range r.Size {
		last[i] = r.Index[i] + r.Size[i] - 1
	}
	return last
}

func (r Region) String() string {
	return fmt.Sprintf("Region{Index:%v Size:%v}", r.Index, r.Size)
}

func (r Region) validate() error {
	if len(r.Index) != len(r.Size) {
		return fmt.Errorf("region index has %d dimensions but size has %d", len(r.Index), len(r.Size))
	}
	for i, s := range r.Size {
		if s < 1 {
			return fmt.Errorf("region size[%d] = %d must be positive", i, s)
		}
	}
	return nil
}

// nextIndex advances idx to the next pixel of r in row-major order with
// dimension 0 fastest. It returns false after the last pixel.
func (r Region) nextIndex(idx []int) bool {
	for d := range idx {
		idx[d]++
		if idx[d] < r.Index[d]+r.Size[d] {
			return true
		}
		idx[d] = r.Index[d]
	}
	return false
}

// nextRow advances idx to the start of the next row (dimension 0 reset).
// It returns false after the last row.
func (r Region) nextRow(idx []int) bool {
	idx[0] = r.Index[0]
	for d := 1; d < len(idx); d++ {
		idx[d]++
		if idx[d] < r.Index[d]+r.Size[d] {
			return true
		}
		idx[d] = r.Index[d]
	}
	return false
}
