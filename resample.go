package goresample

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"runtime"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"
)

// Resampler maps an input raster onto an output grid through a transform and
// an interpolator.
//
// For every output pixel the physical point of its index is computed from
// the output geometry, mapped through Transform into input space, and
// sampled with Interpolator; positions outside the interpolator's domain get
// DefaultValue. The configuration is read-only during Resample, so one
// Resampler can serve successive streaming tiles.
type Resampler struct {
	// Transform maps output physical points to input physical points.
	Transform Transform
	// Interpolator must be bound to the input raster before Resample.
	Interpolator Interpolator
	// Output describes the output grid.
	Output OutputGeometry
	// DefaultValue is written outside the domain and under the mask. A
	// single value applies to every band; nil means zero.
	DefaultValue []float64
	// Mask, when set, is read in output index space: pixels where band 0 of
	// the mask is zero get DefaultValue without any transform or
	// interpolator call. It must buffer the requested region.
	Mask *Raster
	// Workers is the number of work items per run; zero means GOMAXPROCS.
	Workers int
	// DisableFastPath forces the general per-pixel transform path even for
	// affine transforms.
	DisableFastPath bool
}

// FastPathEligible reports whether a run may replace the per-pixel transform
// with an incremental step: the transform must implement Linear and report
// IsLinear, and the interpolator must report IsLinear.
func FastPathEligible(t Transform, interp Interpolator) bool {
	if t == nil || interp == nil {
		return false
	}
	_, ok := AsLinear(t)
	return ok && interp.IsLinear()
}

// Resample is the functional form of Resampler.Resample with explicit
// geometry and default value.
func Resample(ctx context.Context, input *Raster, t Transform, interp Interpolator, geom Geometry, region Region, defaultValue []float64) (*Raster, error) {
	rs := &Resampler{
		Transform:    t,
		Interpolator: interp,
		DefaultValue: defaultValue,
	}
	rs.Output.SetFromGeometry(geom)
	return rs.Resample(ctx, input, region)
}

// Resample produces the output pixels of region. A zero Region means the
// whole output grid. The returned raster buffers exactly region; nothing is
// returned on error.
//
// Cancelling ctx stops dispatching work items; items already running finish
// and the run returns ctx.Err().
func (rs *Resampler) Resample(ctx context.Context, input *Raster, region Region) (*Raster, error) {
	plan, region, err := rs.prepare(input, region)
	if err != nil {
		return nil, err
	}
	out, err := NewRaster(plan.out, region, plan.bands)
	if err != nil {
		return nil, err
	}

	err = rs.dispatch(ctx, region, func(item Region) {
		plan.walk(item, func(idx []int, valid bool, value []float64) {
			off := out.Offset(idx)
			if valid {
				copy(out.Data[off:off+plan.bands], value)
			} else {
				copy(out.Data[off:off+plan.bands], plan.def)
			}
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// dispatch runs fn once per work item of region with at most Workers items
// in flight.
func (rs *Resampler) dispatch(ctx context.Context, region Region, fn func(Region)) error {
	workers := rs.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	items := 0
	for item := range (RegionSplitter{Pieces: workers}).Split(region) {
		if gctx.Err() != nil {
			break
		}
		items++
		g.Go(func() error {
			fn(item)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	Logger().Debug("resample region done", slog.Any("region", region), slog.Int("items", items))
	return nil
}

// resamplePlan is the per-run state derived from the configuration. It is
// shared read-only by all work items.
type resamplePlan struct {
	out       Geometry
	outMap    *gridMapping
	inMap     *gridMapping
	transform Transform
	interp    Interpolator
	mask      *Raster
	bands     int
	def       []float64

	fast   bool
	anchor int       // dimension-0 index the fast path measures steps from
	step   []float64 // input continuous-index step per output dimension-0 step
}

func (rs *Resampler) prepare(input *Raster, region Region) (*resamplePlan, Region, error) {
	if input == nil || rs.Transform == nil || rs.Interpolator == nil {
		return nil, Region{}, ErrMissingInput
	}
	bound := rs.Interpolator.InputRaster()
	if bound == nil {
		return nil, Region{}, ErrUnboundInterpolator
	}
	if bound != input {
		return nil, Region{}, fmt.Errorf("%w: bound to a different raster", ErrUnboundInterpolator)
	}
	if err := input.Geometry.Validate(); err != nil {
		return nil, Region{}, fmt.Errorf("input: %w", err)
	}
	out, err := rs.Output.Resolve()
	if err != nil {
		return nil, Region{}, err
	}
	if d := rs.Transform.Dimension(); d != out.Dim() || d != input.Geometry.Dim() {
		return nil, Region{}, invalidGeometry("transform is %d-D, output %d-D, input %d-D", d, out.Dim(), input.Geometry.Dim())
	}

	if region.Dim() == 0 {
		region = out.LargestRegion()
	}
	if err := region.validate(); err != nil {
		return nil, Region{}, fmt.Errorf("output region: %w", err)
	}
	if !out.LargestRegion().Contains(region) {
		return nil, Region{}, fmt.Errorf("output region %v is outside the output grid %v", region, out.LargestRegion())
	}
	if rs.Mask != nil && !rs.Mask.Region.Contains(region) {
		return nil, Region{}, fmt.Errorf("mask buffers %v, which does not cover %v", rs.Mask.Region, region)
	}
	if input.strides == nil {
		input.computeStrides()
	}
	if rs.Mask != nil && rs.Mask.strides == nil {
		rs.Mask.computeStrides()
	}

	p := &resamplePlan{
		out:       out,
		outMap:    newGridMapping(out),
		inMap:     newGridMapping(input.Geometry),
		transform: rs.Transform,
		interp:    rs.Interpolator,
		mask:      rs.Mask,
		bands:     input.Bands,
		def:       broadcast(rs.DefaultValue, input.Bands),
		anchor:    out.StartIndex[0],
	}
	if !rs.DisableFastPath && FastPathEligible(rs.Transform, rs.Interpolator) {
		lin, _ := AsLinear(rs.Transform)
		p.step = fastPathStep(p.outMap, p.inMap, lin.Jacobian())
		p.fast = p.step != nil
	}
	Logger().Debug("resample plan",
		slog.Bool("fastPath", p.fast),
		slog.Any("outputSize", out.Size),
		slog.Int("bands", p.bands),
		slog.Bool("mask", p.mask != nil))
	return p, region, nil
}

// fastPathStep returns the input continuous-index displacement caused by one
// output step along dimension 0: the output direction column scaled by the
// spacing, pushed through the Jacobian and into input index space.
func fastPathStep(outMap, inMap *gridMapping, jac *mat.Dense) []float64 {
	n := outMap.dim
	if jac == nil {
		return nil
	}
	if r, c := jac.Dims(); r != n || c != n {
		return nil
	}
	col := make([]float64, n)
	for r := range n {
		col[r] = outMap.toPhys[r*n]
	}
	var dp mat.VecDense
	dp.MulVec(jac, mat.NewVecDense(n, col))
	step := make([]float64, n)
	inMap.indexDelta(dp.RawVector().Data, step)
	return step
}

// pixelVisitor receives each output pixel of a work item. value is only
// meaningful when valid is true and is reused between calls.
type pixelVisitor func(idx []int, valid bool, value []float64)

// walk visits every pixel of item in row-major order.
func (p *resamplePlan) walk(item Region, visit pixelVisitor) {
	s := getScratch(p.out.Dim(), p.bands)
	defer putScratch(s)

	copy(s.idx, item.Index)
	width := item.Size[0]
	for {
		if p.fast {
			p.walkRowFast(s, width, visit)
		} else {
			p.walkRow(s, width, visit)
		}
		if !item.nextRow(s.idx) {
			return
		}
	}
}

func (p *resamplePlan) masked(idx []int) bool {
	return p.mask != nil && p.mask.Data[p.mask.Offset(idx)] == 0
}

// walkRow evaluates the full transform at every pixel of one row.
func (p *resamplePlan) walkRow(s *pixelScratch, width int, visit pixelVisitor) {
	x0 := s.idx[0]
	for x := x0; x < x0+width; x++ {
		s.idx[0] = x
		if p.masked(s.idx) {
			visit(s.idx, false, nil)
			continue
		}
		for d, v := range s.idx {
			s.cindex[d] = float64(v)
		}
		p.outMap.toPhysical(s.cindex, s.point)
		p.transform.TransformPoint(s.point, s.tpoint)
		p.inMap.toIndex(s.tpoint, s.cindex)
		if !p.interp.IsInsideBufferIndex(s.cindex) {
			visit(s.idx, false, nil)
			continue
		}
		p.interp.EvaluateAtContinuousIndex(s.cindex, s.value)
		visit(s.idx, true, s.value)
	}
	s.idx[0] = x0
}

// walkRowFast recomputes the exact input index of the row anchor through the
// full transform, then derives every pixel as anchor + k*step. Each pixel
// depends only on its own index, never on where the work item starts.
func (p *resamplePlan) walkRowFast(s *pixelScratch, width int, visit pixelVisitor) {
	x0 := s.idx[0]

	s.idx[0] = p.anchor
	for d, v := range s.idx {
		s.cindex[d] = float64(v)
	}
	p.outMap.toPhysical(s.cindex, s.point)
	p.transform.TransformPoint(s.point, s.tpoint)
	p.inMap.toIndex(s.tpoint, s.base)

	for x := x0; x < x0+width; x++ {
		s.idx[0] = x
		if p.masked(s.idx) {
			visit(s.idx, false, nil)
			continue
		}
		k := float64(x - p.anchor)
		for d, b := range s.base {
			s.cindex[d] = b + k*p.step[d]
		}
		if !p.interp.IsInsideBufferIndex(s.cindex) {
			visit(s.idx, false, nil)
			continue
		}
		p.interp.EvaluateAtContinuousIndex(s.cindex, s.value)
		visit(s.idx, true, s.value)
	}
	s.idx[0] = x0
}

// InputRegionFor returns the part of the input grid that resampling region
// can read: the bounding box of the transformed corners of region padded by
// the interpolator radius, cropped to the input grid. For transforms that
// are not linear the whole input grid is returned. ok is false when region
// maps entirely outside the input.
func InputRegionFor(t Transform, interp Interpolator, out, in Geometry, region Region) (Region, bool) {
	full := in.LargestRegion()
	if _, linear := AsLinear(t); !linear {
		return full, true
	}
	outMap := newGridMapping(out)
	inMap := newGridMapping(in)
	n := out.Dim()
	lo := make([]float64, n)
	hi := make([]float64, n)
	for d := range n {
		lo[d], hi[d] = math.Inf(1), math.Inf(-1)
	}
	ci := make([]float64, n)
	pt := make([]float64, n)
	tp := make([]float64, n)
	last := region.Last()
	for corner := 0; corner < 1<<n; corner++ {
		for d := range n {
			if corner&(1<<d) != 0 {
				ci[d] = float64(last[d])
			} else {
				ci[d] = float64(region.Index[d])
			}
		}
		outMap.toPhysical(ci, pt)
		t.TransformPoint(pt, tp)
		inMap.toIndex(tp, ci)
		for d := range n {
			lo[d] = min(lo[d], ci[d])
			hi[d] = max(hi[d], ci[d])
		}
	}
	pad := 1
	if interp != nil {
		pad = max(pad, interp.Radius())
	}
	req := Region{Index: make([]int, n), Size: make([]int, n)}
	for d := range n {
		a := int(math.Floor(lo[d])) - pad
		b := int(math.Ceil(hi[d])) + pad
		req.Index[d] = a
		req.Size[d] = b - a + 1
	}
	req = full.Crop(req)
	if req.Empty() {
		return Region{}, false
	}
	return req, true
}
