package goresample

import (
	"math"

	"golang.org/x/image/draw"
)

// Interpolator samples a bound raster at continuous positions.
//
// An interpolator is bound to exactly one raster through SetInputRaster;
// rebinding discards everything derived from the previous raster. After
// binding, every method is read-only and safe for concurrent use.
//
// The valid domain is the buffered region of the bound raster in continuous
// index space, boundaries included.
type Interpolator interface {
	SetInputRaster(r *Raster)
	InputRaster() *Raster

	// IsInsideBuffer reports whether the physical point lies in the domain.
	IsInsideBuffer(point []float64) bool
	// Evaluate writes the interpolated pixel (all bands) at a physical point.
	Evaluate(point, out []float64)

	// IsInsideBufferIndex is IsInsideBuffer for a continuous index.
	IsInsideBufferIndex(cindex []float64) bool
	// EvaluateAtContinuousIndex is Evaluate for a continuous index that lies
	// inside the domain.
	//
	// Unbound interpolators report every position outside and leave out
	// untouched.
	EvaluateAtContinuousIndex(cindex, out []float64)

	// Radius is the number of pixels around a position the interpolator may
	// read; it pads input requests in the streaming driver.
	Radius() int
	// IsLinear reports whether the interpolator qualifies for the
	// incremental affine fast path.
	IsLinear() bool
}

// NewInterpolator returns a fresh interpolator by name: "nearest", "linear"
// or "cubic" (Catmull-Rom). It returns nil for unknown names.
func NewInterpolator(name string) Interpolator {
	switch name {
	case "nearest", "nn":
		return &NearestNeighborInterpolator{}
	case "linear", "bilinear":
		return &LinearInterpolator{}
	case "cubic", "catmullrom":
		return &KernelInterpolator{Kernel: draw.CatmullRom}
	}
	return nil
}

// stackDims is the dimension up to which per-call scratch lives on the stack.
const stackDims = 4

type interpolatorBase struct {
	raster  *Raster
	mapping *gridMapping
	start   []int
	end     []int // inclusive
}

func (b *interpolatorBase) bind(r *Raster) {
	*b = interpolatorBase{raster: r}
	if r == nil {
		return
	}
	if r.strides == nil {
		r.computeStrides()
	}
	b.mapping = newGridMapping(r.Geometry)
	b.start = r.Region.Index
	b.end = r.Region.Last()
}

// InputRaster returns the bound raster, nil when unbound.
func (b *interpolatorBase) InputRaster() *Raster {
	return b.raster
}

func (b *interpolatorBase) IsInsideBufferIndex(cindex []float64) bool {
	if b.raster == nil {
		return false
	}
	for i, c := range cindex {
		if !(c >= float64(b.start[i]) && c <= float64(b.end[i])) {
			return false
		}
	}
	return true
}

func (b *interpolatorBase) IsInsideBuffer(point []float64) bool {
	if b.raster == nil {
		return false
	}
	var buf [stackDims]float64
	ci := scratch(buf[:], b.mapping.dim)
	b.mapping.toIndex(point, ci)
	return b.IsInsideBufferIndex(ci)
}

func (b *interpolatorBase) clampIndex(d, v int) int {
	return min(max(v, b.start[d]), b.end[d])
}

func scratch(buf []float64, n int) []float64 {
	if n <= len(buf) {
		return buf[:n]
	}
	return make([]float64, n)
}

func scratchInt(buf []int, n int) []int {
	if n <= len(buf) {
		return buf[:n]
	}
	return make([]int, n)
}

// NearestNeighborInterpolator returns the pixel whose centre is closest,
// rounding half-way positions up.
type NearestNeighborInterpolator struct {
	interpolatorBase
}

func (n *NearestNeighborInterpolator) SetInputRaster(r *Raster) { n.bind(r) }
func (n *NearestNeighborInterpolator) Radius() int             { return 1 }
func (n *NearestNeighborInterpolator) IsLinear() bool          { return true }

func (n *NearestNeighborInterpolator) Evaluate(point, out []float64) {
	if n.raster == nil {
		return
	}
	var buf [stackDims]float64
	ci := scratch(buf[:], n.mapping.dim)
	n.mapping.toIndex(point, ci)
	n.EvaluateAtContinuousIndex(ci, out)
}

func (n *NearestNeighborInterpolator) EvaluateAtContinuousIndex(cindex, out []float64) {
	r := n.raster
	if r == nil {
		return
	}
	off := 0
	for d, c := range cindex {
		i := n.clampIndex(d, int(math.Floor(c+0.5)))
		off += (i - r.Region.Index[d]) * r.strides[d]
	}
	copy(out[:r.Bands], r.Data[off:off+r.Bands])
}

// LinearInterpolator blends the 2^N neighbours of a position (bilinear in
// 2-D). Neighbours past the last pixel are clamped to it.
type LinearInterpolator struct {
	interpolatorBase
}

func (l *LinearInterpolator) SetInputRaster(r *Raster) { l.bind(r) }
func (l *LinearInterpolator) Radius() int             { return 1 }
func (l *LinearInterpolator) IsLinear() bool          { return true }

func (l *LinearInterpolator) Evaluate(point, out []float64) {
	if l.raster == nil {
		return
	}
	var buf [stackDims]float64
	ci := scratch(buf[:], l.mapping.dim)
	l.mapping.toIndex(point, ci)
	l.EvaluateAtContinuousIndex(ci, out)
}

func (l *LinearInterpolator) EvaluateAtContinuousIndex(cindex, out []float64) {
	r := l.raster
	if r == nil {
		return
	}
	dim := len(cindex)

	var lb, hb [stackDims]int
	var fb [stackDims]float64
	lo := scratchInt(lb[:], dim)
	hi := scratchInt(hb[:], dim)
	frac := scratch(fb[:], dim)
	for d, c := range cindex {
		f := math.Floor(c)
		lo[d] = l.clampIndex(d, int(f))
		hi[d] = l.clampIndex(d, int(f)+1)
		frac[d] = c - f
	}

	bands := r.Bands
	for b := range bands {
		out[b] = 0
	}
	for corner := 0; corner < 1<<dim; corner++ {
		w := 1.0
		off := 0
		for d := range dim {
			i := lo[d]
			if corner&(1<<d) != 0 {
				i = hi[d]
				w *= frac[d]
			} else {
				w *= 1 - frac[d]
			}
			off += (i - r.Region.Index[d]) * r.strides[d]
		}
		if w == 0 {
			continue
		}
		px := r.Data[off : off+bands]
		for b, v := range px {
			out[b] += w * v
		}
	}
}

// maxKernelTaps bounds the taps per dimension of a KernelInterpolator; a
// kernel with Support above maxKernelTaps/2 is truncated.
const maxKernelTaps = 8

// KernelInterpolator convolves with a separable golang.org/x/image/draw
// kernel (for example draw.CatmullRom or draw.BiLinear). Weights are
// normalised per axis and taps past the buffer edge are clamped. It is not
// eligible for the affine fast path.
type KernelInterpolator struct {
	interpolatorBase
	Kernel *draw.Kernel
}

type kernelTaps struct {
	idx [maxKernelTaps]int
	w   [maxKernelTaps]float64
	n   int
}

func (k *KernelInterpolator) SetInputRaster(r *Raster) { k.bind(r) }
func (k *KernelInterpolator) IsLinear() bool          { return false }

func (k *KernelInterpolator) Radius() int {
	return int(math.Ceil(k.Kernel.Support))
}

func (k *KernelInterpolator) Evaluate(point, out []float64) {
	if k.raster == nil {
		return
	}
	var buf [stackDims]float64
	ci := scratch(buf[:], k.mapping.dim)
	k.mapping.toIndex(point, ci)
	k.EvaluateAtContinuousIndex(ci, out)
}

func (k *KernelInterpolator) EvaluateAtContinuousIndex(cindex, out []float64) {
	r := k.raster
	if r == nil {
		return
	}
	dim := len(cindex)

	var tb [stackDims]kernelTaps
	var taps []kernelTaps
	if dim <= stackDims {
		taps = tb[:dim]
	} else {
		taps = make([]kernelTaps, dim)
	}
	s := k.Kernel.Support
	for d, c := range cindex {
		t := &taps[d]
		first := int(math.Floor(c-s)) + 1
		sum := 0.0
		for j := first; float64(j) < c+s && t.n < maxKernelTaps; j++ {
			w := k.Kernel.At(math.Abs(c - float64(j)))
			if w == 0 {
				continue
			}
			t.idx[t.n] = k.clampIndex(d, j)
			t.w[t.n] = w
			t.n++
			sum += w
		}
		if t.n == 0 || sum == 0 {
			t.idx[0] = k.clampIndex(d, int(math.Floor(c+0.5)))
			t.w[0], t.n, sum = 1, 1, 1
		}
		for i := range t.n {
			t.w[i] /= sum
		}
	}

	bands := r.Bands
	for b := range bands {
		out[b] = 0
	}
	var cb [stackDims]int
	cur := scratchInt(cb[:], dim)
	for {
		w := 1.0
		off := 0
		for d := range dim {
			w *= taps[d].w[cur[d]]
			off += (taps[d].idx[cur[d]] - r.Region.Index[d]) * r.strides[d]
		}
		px := r.Data[off : off+bands]
		for b, v := range px {
			out[b] += w * v
		}
		d := 0
		for ; d < dim; d++ {
			cur[d]++
			if cur[d] < taps[d].n {
				break
			}
			cur[d] = 0
		}
		if d == dim {
			return
		}
	}
}
