package goresample

import (
	"errors"
	"math"
	"slices"

	"github.com/paulmach/orb"
	"gonum.org/v1/gonum/mat"
)

// Geometry describes a raster grid in index space and in physical space.
//
// The physical point of a (continuous) index is
//
//	p = Origin + Direction * diag(Spacing) * (index)
//
// so Origin is the physical location of index 0, the centre of that pixel.
// StartIndex and Size describe the largest possible region of the grid.
type Geometry struct {
	Size       []int
	StartIndex []int
	Spacing    []float64
	Origin     []float64
	Direction  *mat.Dense
}

// NewGeometry returns a geometry of the given size with unit spacing, zero
// origin and start index, and identity direction.
func NewGeometry(size ...int) Geometry {
	n := len(size)
	g := Geometry{
		Size:       slices.Clone(size),
		StartIndex: make([]int, n),
		Spacing:    make([]float64, n),
		Origin:     make([]float64, n),
		Direction:  IdentityDirection(n),
	}
	for i := range g.Spacing {
		g.Spacing[i] = 1
	}
	return g
}

// IdentityDirection returns the n x n identity matrix. It returns nil for n < 1.
func IdentityDirection(n int) *mat.Dense {
	if n < 1 {
		return nil
	}
	d := mat.NewDense(n, n, nil)
	for i := range n {
		d.Set(i, i, 1)
	}
	return d
}

// Dim returns the number of dimensions.
func (g Geometry) Dim() int {
	return len(g.Size)
}

// LargestRegion returns the full index region of the grid.
func (g Geometry) LargestRegion() Region {
	return NewRegion(g.StartIndex, g.Size)
}

// Validate checks the invariants a grid must satisfy before a run: matching
// dimensions, positive sizes, non-zero finite spacing and an invertible
// direction matrix.
func (g Geometry) Validate() error {
	n := len(g.Size)
	if n == 0 {
		return invalidGeometry("zero dimensions")
	}
	if len(g.StartIndex) != n || len(g.Spacing) != n || len(g.Origin) != n {
		return invalidGeometry("dimension mismatch: size %d, start index %d, spacing %d, origin %d",
			n, len(g.StartIndex), len(g.Spacing), len(g.Origin))
	}
	for i, s := range g.Size {
		if s < 1 {
			return invalidGeometry("size[%d] = %d must be positive", i, s)
		}
	}
	for i, s := range g.Spacing {
		if s == 0 || math.IsNaN(s) || math.IsInf(s, 0) {
			return invalidGeometry("spacing[%d] = %v", i, s)
		}
	}
	for i, o := range g.Origin {
		if math.IsNaN(o) || math.IsInf(o, 0) {
			return invalidGeometry("origin[%d] = %v", i, o)
		}
	}
	if g.Direction == nil {
		return invalidGeometry("missing direction matrix")
	}
	if r, c := g.Direction.Dims(); r != n || c != n {
		return invalidGeometry("direction is %dx%d, want %dx%d", r, c, n, n)
	}
	if _, err := invertDirection(g.Direction); err != nil {
		return err
	}
	return nil
}

func invertDirection(d *mat.Dense) (*mat.Dense, error) {
	det := mat.Det(d)
	if det == 0 || math.IsNaN(det) {
		return nil, invalidGeometry("direction matrix is singular")
	}
	var inv mat.Dense
	if err := inv.Inverse(d); err != nil {
		var cond mat.Condition
		if !errors.As(err, &cond) || math.IsInf(float64(cond), 1) {
			return nil, invalidGeometry("direction matrix is singular")
		}
	}
	return &inv, nil
}

// Equal reports whether the two geometries describe the same grid: equal
// size, start index, spacing, origin and direction.
func (g Geometry) Equal(other Geometry) bool {
	if !slices.Equal(g.Size, other.Size) ||
		!slices.Equal(g.StartIndex, other.StartIndex) ||
		!slices.Equal(g.Spacing, other.Spacing) ||
		!slices.Equal(g.Origin, other.Origin) {
		return false
	}
	if g.Direction == nil || other.Direction == nil {
		return g.Direction == nil && other.Direction == nil
	}
	return mat.Equal(g.Direction, other.Direction)
}

// Clone returns a deep copy.
func (g Geometry) Clone() Geometry {
	c := Geometry{
		Size:       slices.Clone(g.Size),
		StartIndex: slices.Clone(g.StartIndex),
		Spacing:    slices.Clone(g.Spacing),
		Origin:     slices.Clone(g.Origin),
	}
	if g.Direction != nil {
		c.Direction = mat.DenseCopyOf(g.Direction)
	}
	return c
}

// IndexToPhysical maps a discrete index to its physical point.
func (g Geometry) IndexToPhysical(index []int) []float64 {
	ci := make([]float64, len(index))
	for i, v := range index {
		ci[i] = float64(v)
	}
	return g.ContinuousIndexToPhysical(ci)
}

// ContinuousIndexToPhysical maps a continuous index to its physical point.
func (g Geometry) ContinuousIndexToPhysical(cindex []float64) []float64 {
	out := make([]float64, g.Dim())
	newGridMapping(g).toPhysical(cindex, out)
	return out
}

// PhysicalToContinuousIndex maps a physical point to a continuous index.
// The geometry must be valid.
func (g Geometry) PhysicalToContinuousIndex(point []float64) []float64 {
	out := make([]float64, g.Dim())
	newGridMapping(g).toIndex(point, out)
	return out
}

// Bound returns the physical extent of a 2-D grid, pixel edges included.
// It returns an empty bound for other dimensions.
func (g Geometry) Bound() orb.Bound {
	if g.Dim() != 2 {
		return orb.Bound{}
	}
	m := newGridMapping(g)
	x0 := float64(g.StartIndex[0]) - 0.5
	y0 := float64(g.StartIndex[1]) - 0.5
	x1 := x0 + float64(g.Size[0])
	y1 := y0 + float64(g.Size[1])

	var p [2]float64
	b := orb.Bound{Min: orb.Point{math.Inf(1), math.Inf(1)}, Max: orb.Point{math.Inf(-1), math.Inf(-1)}}
	for _, c := range [4][2]float64{{x0, y0}, {x1, y0}, {x1, y1}, {x0, y1}} {
		m.toPhysical(c[:], p[:])
		b = b.Extend(orb.Point{p[0], p[1]})
	}
	return b
}

// Polygon returns the physical footprint of a 2-D grid.
func (g Geometry) Polygon() orb.Polygon {
	return PolygonFromBounds(g.Bound())
}

// PolygonFromBounds creates a polygon from a bounding box
func PolygonFromBounds(bound orb.Bound) orb.Polygon {
	if bound.IsEmpty() {
		return orb.Polygon{}
	}

	ring := orb.Ring{
		{bound.Min[0], bound.Min[1]},
		{bound.Max[0], bound.Min[1]},
		{bound.Max[0], bound.Max[1]},
		{bound.Min[0], bound.Max[1]},
		{bound.Min[0], bound.Min[1]},
	}

	return orb.Polygon{ring}
}

// gridMapping holds the flattened index<->physical matrices of a geometry,
// computed once per run so the per-pixel loops do plain arithmetic.
type gridMapping struct {
	dim      int
	origin   []float64
	toPhys   []float64 // row-major Direction * diag(Spacing)
	toIdx    []float64 // row-major inverse of toPhys
	singular bool
}

func newGridMapping(g Geometry) *gridMapping {
	n := g.Dim()
	m := &gridMapping{
		dim:    n,
		origin: slices.Clone(g.Origin),
		toPhys: make([]float64, n*n),
		toIdx:  make([]float64, n*n),
	}
	if g.Direction == nil || n == 0 {
		m.singular = true
		return m
	}
	scaled := mat.NewDense(n, n, nil)
	for r := range n {
		for c := range n {
			v := g.Direction.At(r, c) * g.Spacing[c]
			scaled.Set(r, c, v)
			m.toPhys[r*n+c] = v
		}
	}
	var inv mat.Dense
	if err := inv.Inverse(scaled); err != nil {
		var cond mat.Condition
		if !errors.As(err, &cond) || math.IsInf(float64(cond), 1) {
			m.singular = true
			return m
		}
	}
	for r := range n {
		for c := range n {
			m.toIdx[r*n+c] = inv.At(r, c)
		}
	}
	return m
}

func (m *gridMapping) toPhysical(cindex, out []float64) {
	n := m.dim
	for r := range n {
		v := m.origin[r]
		row := m.toPhys[r*n : r*n+n]
		for c, x := range cindex {
			v += row[c] * x
		}
		out[r] = v
	}
}

func (m *gridMapping) toIndex(point, out []float64) {
	n := m.dim
	for r := range n {
		v := 0.0
		row := m.toIdx[r*n : r*n+n]
		for c := range n {
			v += row[c] * (point[c] - m.origin[c])
		}
		out[r] = v
	}
}

// indexDelta maps a physical displacement to a continuous index displacement.
func (m *gridMapping) indexDelta(dp, out []float64) {
	n := m.dim
	for r := range n {
		v := 0.0
		row := m.toIdx[r*n : r*n+n]
		for c := range n {
			v += row[c] * dp[c]
		}
		out[r] = v
	}
}
