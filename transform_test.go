package goresample

import (
	"math"
	"testing"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/project"
	"gonum.org/v1/gonum/mat"
)

func TestAffine2D(t *testing.T) {
	tr := NewAffine2D(2, 0, 1, 0, 3, -1)
	out := make([]float64, 2)
	tr.TransformPoint([]float64{1, 1}, out)
	if out[0] != 3 || out[1] != 2 {
		t.Errorf("TransformPoint = %v, want [3 2]", out)
	}

	// in and out may alias
	p := []float64{1, 1}
	tr.TransformPoint(p, p)
	if p[0] != 3 || p[1] != 2 {
		t.Errorf("aliased TransformPoint = %v, want [3 2]", p)
	}
}

func TestRotationAroundCenter(t *testing.T) {
	tr := NewRotation2D(math.Pi/2, []float64{1, 1})
	out := make([]float64, 2)
	tr.TransformPoint([]float64{2, 1}, out)
	if !almostEqual(out[0], 1, 1e-12) || !almostEqual(out[1], 2, 1e-12) {
		t.Errorf("rotating (2,1) a quarter turn around (1,1) gave %v, want [1 2]", out)
	}
	tr.TransformPoint([]float64{1, 1}, out)
	if !almostEqual(out[0], 1, 1e-12) || !almostEqual(out[1], 1, 1e-12) {
		t.Errorf("the center moved to %v", out)
	}
}

func TestAffineComposeAndInverse(t *testing.T) {
	scale, err := NewScaleTransform([]float64{2, 4}, nil)
	if err != nil {
		t.Fatal(err)
	}
	shift, err := NewAffineTransform(IdentityDirection(2), []float64{10, 20}, nil)
	if err != nil {
		t.Fatal(err)
	}
	both, err := scale.Compose(shift)
	if err != nil {
		t.Fatal(err)
	}
	out := make([]float64, 2)
	both.TransformPoint([]float64{1, 1}, out)
	if out[0] != 12 || out[1] != 24 {
		t.Errorf("scale then shift = %v, want [12 24]", out)
	}

	inv, err := both.Inverse()
	if err != nil {
		t.Fatal(err)
	}
	inv.TransformPoint(out, out)
	if !almostEqual(out[0], 1, 1e-12) || !almostEqual(out[1], 1, 1e-12) {
		t.Errorf("inverse gave %v, want [1 1]", out)
	}

	singular, _ := NewAffineTransform(mat.NewDense(2, 2, []float64{1, 1, 1, 1}), nil, nil)
	if _, err := singular.Inverse(); err == nil {
		t.Error("Inverse of a singular transform succeeded")
	}
}

func TestNewAffineTransformErrors(t *testing.T) {
	if _, err := NewAffineTransform(nil, nil, nil); err == nil {
		t.Error("nil matrix accepted")
	}
	if _, err := NewAffineTransform(mat.NewDense(2, 3, nil), nil, nil); err == nil {
		t.Error("non-square matrix accepted")
	}
	if _, err := NewAffineTransform(IdentityDirection(2), []float64{1}, nil); err == nil {
		t.Error("short translation accepted")
	}
	if _, err := NewScaleTransform(nil, nil); err == nil {
		t.Error("empty scale accepted")
	}
}

func TestLinearity(t *testing.T) {
	tests := []struct {
		name   string
		tr     Transform
		linear bool
	}{
		{"identity", IdentityTransform{Dim: 2}, true},
		{"translation", TranslationTransform{Offset: []float64{1, 2}}, true},
		{"affine", NewAffine2D(1, 2, 3, 4, 5, 6), true},
		{"projection", ProjectionTransform{Projection: project.Mercator.ToWGS84}, false},
		{"func", FuncTransform{Dim: 2, Fn: func(in, out []float64) { copy(out, in) }}, false},
		{"composite of linear", CompositeTransform{Transforms: []Transform{
			TranslationTransform{Offset: []float64{1, 0}},
			NewRotation2D(1, nil),
		}}, true},
		{"composite with projection", CompositeTransform{Transforms: []Transform{
			TranslationTransform{Offset: []float64{1, 0}},
			ProjectionTransform{Projection: project.Mercator.ToWGS84},
		}}, false},
		{"empty composite", CompositeTransform{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ok := AsLinear(tt.tr)
			if ok != tt.linear {
				t.Errorf("AsLinear() = %v, want %v", ok, tt.linear)
			}
		})
	}
}

func TestCompositeJacobian(t *testing.T) {
	c := CompositeTransform{Transforms: []Transform{
		NewAffine2D(2, 0, 5, 0, 2, 5),
		NewRotation2D(math.Pi/2, nil),
	}}
	j := c.Jacobian()
	// rotation * scale
	want := mat.NewDense(2, 2, []float64{0, -2, 2, 0})
	if !mat.EqualApprox(j, want, 1e-12) {
		t.Errorf("Jacobian = %v, want %v", mat.Formatted(j), mat.Formatted(want))
	}

	out := make([]float64, 2)
	c.TransformPoint([]float64{1, 0}, out)
	// (1,0) -> (7,5) -> (-5,7)
	if !almostEqual(out[0], -5, 1e-12) || !almostEqual(out[1], 7, 1e-12) {
		t.Errorf("TransformPoint = %v, want [-5 7]", out)
	}
}

func TestProjectionTransform(t *testing.T) {
	merc := project.WGS84.ToMercator(orb.Point{13.4, 52.5})
	tr := ProjectionTransform{Projection: project.Mercator.ToWGS84}
	out := make([]float64, 2)
	tr.TransformPoint([]float64{merc[0], merc[1]}, out)
	if !almostEqual(out[0], 13.4, 1e-9) || !almostEqual(out[1], 52.5, 1e-9) {
		t.Errorf("unprojected point = %v, want [13.4 52.5]", out)
	}
}
