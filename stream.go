package goresample

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// RasterSource provides input pixels on demand. ReadRegion returns a raster
// whose Geometry is the source's full grid and whose Region is the requested
// one.
type RasterSource interface {
	RasterGeometry() Geometry
	BandCount() int
	ReadRegion(region Region) (*Raster, error)
}

// RasterSink consumes output pixels region by region. A sink that saw Abort
// must leave no partial output behind; Abort after Commit withdraws the
// committed output, which lets Run roll back when a later sink fails.
type RasterSink interface {
	Begin(geom Geometry, bands int) error
	WriteRegion(region Region, data *Raster) error
	Commit() error
	Abort() error
}

// stager is implemented by sinks that can write their output aside before
// Commit makes it visible. Run stages every sink before committing any.
type stager interface {
	Stage() error
}

// DefaultAvailableMemoryMB is the streaming budget used when
// StreamWriter.AvailableMemoryMB is zero.
const DefaultAvailableMemoryMB = 256

const bytesPerMB = 1 << 20

// StreamWriter resamples a source into a sink tile by tile so that neither
// the whole input nor the whole output has to fit in memory.
//
// Tiles are slabs along the slowest varying output dimension, as thick as the
// memory budget allows. For each tile only the input region reachable
// through the transform is read; transforms that are not linear read the
// whole input every time.
type StreamWriter struct {
	Source RasterSource
	Sink   RasterSink
	// Resampler configures the run. Its Interpolator is rebound to every
	// input tile.
	Resampler *Resampler

	// Classifier switches to classification: Sink receives the labels and
	// ConfidenceSink, when set, the confidence. Classifier.Resampler is used
	// instead of Resampler.
	Classifier     *Classifier
	ConfidenceSink RasterSink

	// AvailableMemoryMB bounds the pixel buffers of one tile (input and
	// output, float64 samples). Zero means DefaultAvailableMemoryMB.
	AvailableMemoryMB int
	// MaxTileRows caps the tile thickness along the slowest dimension. Zero
	// means no cap.
	MaxTileRows int
}

type tilePlan struct {
	geom    Geometry
	in      Geometry
	bands   int
	rows    int // tile thickness along the slowest dimension
	nTiles  int
	largest Region
}

func (w *StreamWriter) resampler() *Resampler {
	if w.Classifier != nil {
		return w.Classifier.Resampler
	}
	return w.Resampler
}

// Run streams the whole output grid. On any error every sink is aborted and
// the error returned.
func (w *StreamWriter) Run(ctx context.Context) (err error) {
	rs := w.resampler()
	if w.Source == nil || w.Sink == nil || rs == nil || rs.Transform == nil || rs.Interpolator == nil {
		return ErrMissingInput
	}
	plan, err := w.plan(rs)
	if err != nil {
		return err
	}

	outBands := plan.bands
	if w.Classifier != nil {
		outBands = 1
	}
	sinks := []RasterSink{w.Sink}
	if w.Classifier != nil && w.ConfidenceSink != nil {
		sinks = append(sinks, w.ConfidenceSink)
	}
	for i, s := range sinks {
		if err := s.Begin(plan.geom, outBands); err != nil {
			abortSinks(sinks[:i])
			return fmt.Errorf("failed to start output: %w", err)
		}
	}
	defer func() {
		if err != nil {
			abortSinks(sinks)
		}
	}()

	last := plan.largest.Dim() - 1
	tile := plan.largest.Clone()
	end := plan.largest.Index[last] + plan.largest.Size[last]
	for i, start := 0, plan.largest.Index[last]; start < end; i, start = i+1, start+plan.rows {
		if err := ctx.Err(); err != nil {
			return err
		}
		tile.Index[last] = start
		tile.Size[last] = min(plan.rows, end-start)
		Logger().Info("streaming tile", slog.Int("tile", i+1), slog.Int("of", plan.nTiles), slog.Any("region", tile))
		if err := w.runTile(ctx, rs, plan, tile, sinks); err != nil {
			return err
		}
	}

	for _, s := range sinks {
		if st, ok := s.(stager); ok {
			if err := st.Stage(); err != nil {
				return fmt.Errorf("failed to write output: %w", err)
			}
		}
	}
	for _, s := range sinks {
		if err := s.Commit(); err != nil {
			return fmt.Errorf("failed to commit output: %w", err)
		}
	}
	return nil
}

func (w *StreamWriter) runTile(ctx context.Context, rs *Resampler, plan *tilePlan, tile Region, sinks []RasterSink) error {
	req, ok := InputRegionFor(rs.Transform, rs.Interpolator, plan.geom, plan.in, tile)
	var outputs []*Raster
	if !ok {
		// Nothing of the input is reachable: every pixel is a default.
		var err error
		outputs, err = w.defaultTile(rs, plan, tile)
		if err != nil {
			return err
		}
	} else {
		input, err := w.Source.ReadRegion(req)
		if err != nil {
			return fmt.Errorf("failed to read input region %v: %w", req, err)
		}
		rs.Interpolator.SetInputRaster(input)
		if w.Classifier != nil {
			labels, conf, err := w.Classifier.Classify(ctx, input, tile)
			if err != nil {
				return err
			}
			outputs = []*Raster{labels, conf}
		} else {
			out, err := rs.Resample(ctx, input, tile)
			if err != nil {
				return err
			}
			outputs = []*Raster{out}
		}
	}
	for i, s := range sinks {
		if err := s.WriteRegion(tile, outputs[i]); err != nil {
			return fmt.Errorf("failed to write region %v: %w", tile, err)
		}
	}
	return nil
}

func (w *StreamWriter) defaultTile(rs *Resampler, plan *tilePlan, tile Region) ([]*Raster, error) {
	if w.Classifier != nil {
		labels, err := NewRaster(plan.geom, tile, 1)
		if err != nil {
			return nil, err
		}
		labels.Fill([]float64{float64(w.Classifier.DefaultLabel)})
		conf, err := NewRaster(plan.geom, tile, 1)
		if err != nil {
			return nil, err
		}
		return []*Raster{labels, conf}, nil
	}
	out, err := NewRaster(plan.geom, tile, plan.bands)
	if err != nil {
		return nil, err
	}
	out.Fill(broadcast(rs.DefaultValue, plan.bands))
	return []*Raster{out}, nil
}

// plan sizes the tiles. A tile costs its output rows plus the input region
// it reads, which depends on where the slab lands: under a rotation a thin
// slab can reach most of the input. The thickest slab for which every tile
// fits the budget wins.
func (w *StreamWriter) plan(rs *Resampler) (*tilePlan, error) {
	geom, err := rs.Output.Resolve()
	if err != nil {
		return nil, err
	}
	in := w.Source.RasterGeometry()
	if err := in.Validate(); err != nil {
		return nil, fmt.Errorf("input: %w", err)
	}
	bands := w.Source.BandCount()
	if bands < 1 {
		return nil, fmt.Errorf("input has %d bands", bands)
	}
	if in.Dim() != geom.Dim() {
		return nil, invalidGeometry("input is %d-D, output %d-D", in.Dim(), geom.Dim())
	}

	largest := geom.LargestRegion()
	last := geom.Dim() - 1
	outRows := largest.Size[last]
	sampleBytes := float64(8 * bands)
	outRowBytes := float64(largest.NumberOfPixels()/outRows) * sampleBytes
	if w.Classifier != nil {
		// labels and confidence next to the resampled samples
		outRowBytes += 2 * outRowBytes / float64(bands)
	}
	cost := func(rows int) float64 {
		return tileBytes(rs, geom, in, largest, rows, outRowBytes, sampleBytes)
	}

	availMB := w.AvailableMemoryMB
	if availMB <= 0 {
		availMB = DefaultAvailableMemoryMB
	}
	budget := float64(availMB) * bytesPerMB

	// the output alone bounds the thickness from above
	hi := min(int(budget/outRowBytes), outRows)
	if w.MaxTileRows > 0 {
		hi = min(hi, w.MaxTileRows)
	}
	if hi < 1 || cost(1) > budget {
		return nil, &OutOfMemoryError{RequiredMB: cost(1) / bytesPerMB, AvailableMB: availMB}
	}
	rows := 1
	for rows < hi {
		mid := (rows + hi + 1) / 2
		if cost(mid) <= budget {
			rows = mid
		} else {
			hi = mid - 1
		}
	}

	p := &tilePlan{
		geom:    geom,
		in:      in,
		bands:   bands,
		rows:    rows,
		nTiles:  (outRows + rows - 1) / rows,
		largest: largest,
	}
	Logger().Debug("streaming plan",
		slog.Int("tiles", p.nTiles),
		slog.Int("rows", rows),
		slog.Float64("tileMB", cost(rows)/bytesPerMB),
		slog.Int("availableMB", availMB))
	return p, nil
}

// tileBytes returns the footprint of the most expensive tile when the output
// is cut into slabs of the given thickness, the same way Run cuts it.
func tileBytes(rs *Resampler, geom, in Geometry, largest Region, rows int, outRowBytes, sampleBytes float64) float64 {
	last := largest.Dim() - 1
	tile := largest.Clone()
	end := largest.Index[last] + largest.Size[last]
	worst := 0.0
	for start := largest.Index[last]; start < end; start += rows {
		tile.Index[last] = start
		tile.Size[last] = min(rows, end-start)
		c := float64(tile.Size[last]) * outRowBytes
		if req, ok := InputRegionFor(rs.Transform, rs.Interpolator, geom, in, tile); ok {
			c += float64(req.NumberOfPixels()) * sampleBytes
		}
		worst = max(worst, c)
	}
	return worst
}

func abortSinks(sinks []RasterSink) {
	for _, s := range sinks {
		if err := s.Abort(); err != nil {
			Logger().Warn("failed to abort output", slog.Any("error", err))
		}
	}
}

// MemorySink collects the streamed output in memory.
type MemorySink struct {
	raster    *Raster
	committed bool
}

func (s *MemorySink) Begin(geom Geometry, bands int) error {
	r, err := NewRaster(geom, geom.LargestRegion(), bands)
	if err != nil {
		return err
	}
	s.raster = r
	s.committed = false
	return nil
}

func (s *MemorySink) WriteRegion(region Region, data *Raster) error {
	if s.raster == nil {
		return errors.New("sink not started")
	}
	if !s.raster.Region.Contains(region) || !data.Region.Contains(region) || data.Bands != s.raster.Bands {
		return fmt.Errorf("region %v does not fit the output", region)
	}
	s.raster.copyFrom(data, region)
	return nil
}

func (s *MemorySink) Commit() error {
	if s.raster == nil {
		return errors.New("sink not started")
	}
	s.committed = true
	return nil
}

func (s *MemorySink) Abort() error {
	s.raster = nil
	s.committed = false
	return nil
}

// Raster returns the committed output, nil before Commit or after Abort.
func (s *MemorySink) Raster() *Raster {
	if !s.committed {
		return nil
	}
	return s.raster
}
