package goresample

import (
	"slices"

	"gonum.org/v1/gonum/mat"
)

// OutputGeometry collects the parameters of the output grid. Fields may be
// assigned independently; nothing is checked until Resolve.
//
// Unset explicit fields default to unit spacing, zero origin, zero start
// index and identity direction. Size has no default.
//
// When UseReference is set and Reference is not nil, the reference geometry
// is used wholesale and the explicit fields are ignored.
type OutputGeometry struct {
	Size       []int
	StartIndex []int
	Spacing    []float64
	Origin     []float64
	Direction  *mat.Dense

	Reference    *Geometry
	UseReference bool
}

// SetFromGeometry copies g into the explicit fields.
func (o *OutputGeometry) SetFromGeometry(g Geometry) {
	c := g.Clone()
	o.Size = c.Size
	o.StartIndex = c.StartIndex
	o.Spacing = c.Spacing
	o.Origin = c.Origin
	o.Direction = c.Direction
}

// SetReference stores a reference geometry and switches reference mode on.
func (o *OutputGeometry) SetReference(g Geometry) {
	c := g.Clone()
	o.Reference = &c
	o.UseReference = true
}

// Resolve returns the validated output geometry.
func (o *OutputGeometry) Resolve() (Geometry, error) {
	if o.UseReference && o.Reference != nil {
		g := o.Reference.Clone()
		if err := g.Validate(); err != nil {
			return Geometry{}, err
		}
		return g, nil
	}

	n := len(o.Size)
	g := Geometry{
		Size:       slices.Clone(o.Size),
		StartIndex: slices.Clone(o.StartIndex),
		Spacing:    slices.Clone(o.Spacing),
		Origin:     slices.Clone(o.Origin),
	}
	if g.StartIndex == nil {
		g.StartIndex = make([]int, n)
	}
	if g.Spacing == nil {
		g.Spacing = make([]float64, n)
		for i := range g.Spacing {
			g.Spacing[i] = 1
		}
	}
	if g.Origin == nil {
		g.Origin = make([]float64, n)
	}
	if o.Direction != nil {
		g.Direction = mat.DenseCopyOf(o.Direction)
	} else {
		g.Direction = IdentityDirection(n)
	}
	if err := g.Validate(); err != nil {
		return Geometry{}, err
	}
	return g, nil
}
