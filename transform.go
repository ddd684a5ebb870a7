package goresample

import (
	"fmt"
	"math"

	"github.com/paulmach/orb"
	"gonum.org/v1/gonum/mat"
)

// Transform maps an output-space physical point to the matching input-space
// physical point. Implementations must not mutate shared state in
// TransformPoint: the engine calls it from several goroutines at once.
type Transform interface {
	// Dimension returns the dimension of both spaces.
	Dimension() int
	// TransformPoint writes the image of in to out. in and out may alias.
	TransformPoint(in, out []float64)
}

// Linear is implemented by transforms that can prove they are affine: the
// output equals Jacobian * in + constant everywhere.
type Linear interface {
	Transform
	// IsLinear reports whether the transform is affine with its current
	// parameters.
	IsLinear() bool
	// Jacobian returns the constant linear part.
	Jacobian() *mat.Dense
}

// AsLinear returns t as a Linear transform when it reports itself affine.
func AsLinear(t Transform) (Linear, bool) {
	l, ok := t.(Linear)
	if !ok || !l.IsLinear() {
		return nil, false
	}
	return l, true
}

// IdentityTransform maps every point onto itself.
type IdentityTransform struct {
	Dim int
}

func (t IdentityTransform) Dimension() int { return t.Dim }

func (t IdentityTransform) TransformPoint(in, out []float64) {
	copy(out, in)
}

func (t IdentityTransform) IsLinear() bool { return true }

func (t IdentityTransform) Jacobian() *mat.Dense { return IdentityDirection(t.Dim) }

// TranslationTransform adds a constant offset.
type TranslationTransform struct {
	Offset []float64
}

func (t TranslationTransform) Dimension() int { return len(t.Offset) }

func (t TranslationTransform) TransformPoint(in, out []float64) {
	for i, o := range t.Offset {
		out[i] = in[i] + o
	}
}

func (t TranslationTransform) IsLinear() bool { return true }

func (t TranslationTransform) Jacobian() *mat.Dense { return IdentityDirection(len(t.Offset)) }

// AffineTransform computes out = M * (in - center) + center + translation.
// Build it with NewAffineTransform or one of the helpers; the zero value is
// not usable.
type AffineTransform struct {
	dim    int
	matrix []float64 // row-major M
	offset []float64 // center + translation - M*center
}

// NewAffineTransform builds an affine transform from a square matrix and a
// translation. center may be nil (origin).
func NewAffineTransform(m *mat.Dense, translation, center []float64) (*AffineTransform, error) {
	if m == nil {
		return nil, fmt.Errorf("affine matrix is nil")
	}
	r, c := m.Dims()
	if r != c {
		return nil, fmt.Errorf("affine matrix is %dx%d, want square", r, c)
	}
	if translation != nil && len(translation) != r {
		return nil, fmt.Errorf("translation has %d components, want %d", len(translation), r)
	}
	if center != nil && len(center) != r {
		return nil, fmt.Errorf("center has %d components, want %d", len(center), r)
	}
	t := &AffineTransform{
		dim:    r,
		matrix: make([]float64, r*r),
		offset: make([]float64, r),
	}
	for i := range r {
		for j := range r {
			t.matrix[i*r+j] = m.At(i, j)
		}
	}
	for i := range r {
		v := 0.0
		if translation != nil {
			v += translation[i]
		}
		if center != nil {
			v += center[i]
			for j := range r {
				v -= t.matrix[i*r+j] * center[j]
			}
		}
		t.offset[i] = v
	}
	return t, nil
}

// NewAffine2D builds a 2-D transform from the six coefficients of
//
//	x' = a*x + b*y + c
//	y' = d*x + e*y + f
func NewAffine2D(a, b, c, d, e, f float64) *AffineTransform {
	return &AffineTransform{
		dim:    2,
		matrix: []float64{a, b, d, e},
		offset: []float64{c, f},
	}
}

// NewRotation2D rotates by angle radians around center (nil for origin).
func NewRotation2D(angle float64, center []float64) *AffineTransform {
	cos, sin := math.Cos(angle), math.Sin(angle)
	t, _ := NewAffineTransform(mat.NewDense(2, 2, []float64{cos, -sin, sin, cos}), nil, center)
	return t
}

// NewScaleTransform scales each axis by its factor around center (nil for
// origin).
func NewScaleTransform(factors []float64, center []float64) (*AffineTransform, error) {
	n := len(factors)
	if n == 0 {
		return nil, fmt.Errorf("no scale factors")
	}
	m := mat.NewDense(n, n, nil)
	for i, f := range factors {
		m.Set(i, i, f)
	}
	return NewAffineTransform(m, nil, center)
}

func (t *AffineTransform) Dimension() int { return t.dim }

func (t *AffineTransform) TransformPoint(in, out []float64) {
	n := t.dim
	var buf [4]float64
	var src []float64
	if n <= len(buf) {
		src = buf[:n]
	} else {
		src = make([]float64, n)
	}
	copy(src, in)
	for i := range n {
		v := t.offset[i]
		row := t.matrix[i*n : i*n+n]
		for j, x := range src {
			v += row[j] * x
		}
		out[i] = v
	}
}

func (t *AffineTransform) IsLinear() bool { return true }

func (t *AffineTransform) Jacobian() *mat.Dense {
	return mat.NewDense(t.dim, t.dim, append([]float64(nil), t.matrix...))
}

// Offset returns the constant term of the transform.
func (t *AffineTransform) Offset() []float64 {
	return append([]float64(nil), t.offset...)
}

// Compose returns the transform that applies t first, then next.
func (t *AffineTransform) Compose(next *AffineTransform) (*AffineTransform, error) {
	if next.dim != t.dim {
		return nil, fmt.Errorf("cannot compose %d-D and %d-D transforms", t.dim, next.dim)
	}
	n := t.dim
	var m mat.Dense
	m.Mul(next.Jacobian(), t.Jacobian())
	off := make([]float64, n)
	next.TransformPoint(t.offset, off)
	out, err := NewAffineTransform(&m, off, nil)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Inverse returns the inverse transform. It fails when the linear part is
// singular.
func (t *AffineTransform) Inverse() (*AffineTransform, error) {
	var inv mat.Dense
	if err := inv.Inverse(t.Jacobian()); err != nil {
		if det := mat.Det(t.Jacobian()); det == 0 || math.IsNaN(det) {
			return nil, fmt.Errorf("affine transform is not invertible: %w", err)
		}
	}
	n := t.dim
	off := make([]float64, n)
	for i := range n {
		v := 0.0
		for j := range n {
			v -= inv.At(i, j) * t.offset[j]
		}
		off[i] = v
	}
	return NewAffineTransform(&inv, off, nil)
}

// ProjectionTransform applies an orb.Projection to 2-D points, for example
// project.Mercator.ToWGS84 to resample a lon/lat raster onto a Web Mercator
// grid. It is not linear.
type ProjectionTransform struct {
	Projection orb.Projection
}

func (t ProjectionTransform) Dimension() int { return 2 }

func (t ProjectionTransform) TransformPoint(in, out []float64) {
	p := t.Projection(orb.Point{in[0], in[1]})
	out[0], out[1] = p[0], p[1]
}

// FuncTransform adapts an arbitrary mapping. Fn must be safe for concurrent
// use. It is never treated as linear.
type FuncTransform struct {
	Dim int
	Fn  func(in, out []float64)
}

func (t FuncTransform) Dimension() int { return t.Dim }

func (t FuncTransform) TransformPoint(in, out []float64) { t.Fn(in, out) }

// CompositeTransform applies Transforms in order, the first one first. It is
// linear when every part is.
type CompositeTransform struct {
	Transforms []Transform
}

func (t CompositeTransform) Dimension() int {
	if len(t.Transforms) == 0 {
		return 0
	}
	return t.Transforms[0].Dimension()
}

func (t CompositeTransform) TransformPoint(in, out []float64) {
	copy(out, in)
	for _, tr := range t.Transforms {
		tr.TransformPoint(out, out)
	}
}

func (t CompositeTransform) IsLinear() bool {
	for _, tr := range t.Transforms {
		if _, ok := AsLinear(tr); !ok {
			return false
		}
	}
	return len(t.Transforms) > 0
}

func (t CompositeTransform) Jacobian() *mat.Dense {
	n := t.Dimension()
	j := IdentityDirection(n)
	for _, tr := range t.Transforms {
		l, ok := AsLinear(tr)
		if !ok {
			return nil
		}
		var next mat.Dense
		next.Mul(l.Jacobian(), j)
		j = &next
	}
	return j
}
