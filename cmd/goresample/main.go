// Command goresample resamples or classifies a GeoTIFF onto a new grid.
//
//	goresample -in in.tif -out out.tif -size 512x512 -spacing 10,10 -origin 500000,4200000 -interp linear
//	goresample -in in.tif -out labels.tif -mode classify -model centroids.json -batch
//	goresample -in wgs84.tif -out tile.tif -tile 12/2048/1361 -mercator-to-wgs84
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"math"
	"os"
	"os/signal"
	"strconv"
	"strings"

	"github.com/paulmach/orb/project"
	"github.com/tingold/goresample"
)

type options struct {
	mode       string
	in, out    string
	ref        string
	size       string
	spacing    string
	origin     string
	tile       string
	translate  string
	scale      string
	rotate     float64
	mercator   bool
	interp     string
	def        string
	ram        int
	workers    int
	rows       int
	model      string
	batch      bool
	mask       string
	confidence string
	label      int
	depth      int
	compress   bool
	worldFile  bool
	noFastPath bool
	verbose    bool
}

func main() {
	var o options
	flag.StringVar(&o.mode, "mode", "resample", "resample or classify")
	flag.StringVar(&o.in, "in", "", "input GeoTIFF path or http(s) URL")
	flag.StringVar(&o.out, "out", "", "output TIFF path")
	flag.StringVar(&o.ref, "ref", "", "reference GeoTIFF whose grid the output copies")
	flag.StringVar(&o.size, "size", "", "output size WxH")
	flag.StringVar(&o.spacing, "spacing", "", "output spacing sx,sy")
	flag.StringVar(&o.origin, "origin", "", "output origin x,y (centre of the first pixel)")
	flag.StringVar(&o.tile, "tile", "", "output grid of the web map tile z/x/y (EPSG:3857)")
	flag.StringVar(&o.translate, "translate", "", "translation tx,ty applied to output points")
	flag.StringVar(&o.scale, "scale", "", "scale factor s or sx,sy applied to output points")
	flag.Float64Var(&o.rotate, "rotate", 0, "rotation in degrees around the output grid centre")
	flag.BoolVar(&o.mercator, "mercator-to-wgs84", false, "unproject output points from Web Mercator to lon/lat")
	flag.StringVar(&o.interp, "interp", "linear", "interpolator: nearest, linear or cubic")
	flag.StringVar(&o.def, "default", "0", "default pixel value, one value or one per band")
	flag.IntVar(&o.ram, "ram", goresample.DefaultAvailableMemoryMB, "memory budget in MB")
	flag.IntVar(&o.workers, "workers", 0, "worker count (0 = GOMAXPROCS)")
	flag.IntVar(&o.rows, "rows", 0, "maximum rows per streaming tile (0 = budget only)")
	flag.StringVar(&o.model, "model", "", "classification model (JSON centroid model)")
	flag.BoolVar(&o.batch, "batch", false, "evaluate the model once per work item")
	flag.StringVar(&o.mask, "mask", "", "mask GeoTIFF on the output grid; zero pixels are skipped")
	flag.StringVar(&o.confidence, "confidence", "", "classification confidence output path")
	flag.IntVar(&o.label, "default-label", 0, "label of masked or uncovered pixels")
	flag.IntVar(&o.depth, "depth", 16, "output bits per sample: 8 or 16")
	flag.BoolVar(&o.compress, "compress", false, "Deflate-compress the output")
	flag.BoolVar(&o.worldFile, "worldfile", false, "write a .tfw world file next to each output")
	flag.BoolVar(&o.noFastPath, "no-fast-path", false, "always evaluate the full transform per pixel")
	flag.BoolVar(&o.verbose, "v", false, "verbose logging")
	flag.Parse()

	level := slog.LevelInfo
	if o.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	goresample.SetLogger(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(ctx, o); err != nil {
		logger.Error("goresample failed", slog.Any("error", err))
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, o options) error {
	if o.in == "" || o.out == "" {
		return errors.New("-in and -out are required")
	}
	src, err := goresample.OpenCOG(o.in, nil)
	if err != nil {
		return err
	}
	defer src.Close()

	rs := &goresample.Resampler{
		Workers:         o.workers,
		DisableFastPath: o.noFastPath,
	}
	if err := outputGeometry(o, src, &rs.Output); err != nil {
		return err
	}
	geom, err := rs.Output.Resolve()
	if err != nil {
		return err
	}
	if rs.Transform, err = transform(o, geom); err != nil {
		return err
	}
	if rs.Interpolator = goresample.NewInterpolator(o.interp); rs.Interpolator == nil {
		return fmt.Errorf("unknown interpolator %q", o.interp)
	}
	if rs.DefaultValue, err = parseFloats(o.def); err != nil {
		return fmt.Errorf("invalid -default: %w", err)
	}
	if o.mask != "" {
		if rs.Mask, err = readMask(o.mask, geom); err != nil {
			return err
		}
	}

	sink := &goresample.TIFFSink{Path: o.out, Depth: o.depth, Compress: o.compress, WorldFile: o.worldFile}
	w := &goresample.StreamWriter{
		Source:            src,
		Sink:              sink,
		Resampler:         rs,
		AvailableMemoryMB: o.ram,
		MaxTileRows:       o.rows,
	}

	switch o.mode {
	case "resample":
	case "classify":
		if o.model == "" {
			return errors.New("-model is required in classify mode")
		}
		model, err := goresample.LoadModel(o.model)
		if err != nil {
			return err
		}
		w.Classifier = &goresample.Classifier{
			Resampler:    rs,
			Model:        model,
			BatchMode:    o.batch,
			DefaultLabel: o.label,
		}
		if o.confidence != "" {
			// confidence lies in [0, 1]; 8-bit output would round it away
			w.ConfidenceSink = scaledSink{
				TIFFSink: &goresample.TIFFSink{Path: o.confidence, Depth: 16, Compress: o.compress, WorldFile: o.worldFile},
				factor:   math.MaxUint16,
			}
		}
	default:
		return fmt.Errorf("unknown mode %q", o.mode)
	}

	if err := w.Run(ctx); err != nil {
		return err
	}
	goresample.Logger().Info("wrote output", slog.String("path", o.out), slog.Any("size", geom.Size))
	return nil
}

// outputGeometry fills the output grid from -ref, -tile or the explicit
// flags, in that order of precedence. Without any, the input grid is used.
func outputGeometry(o options, src *goresample.COGSource, out *goresample.OutputGeometry) error {
	switch {
	case o.ref != "":
		ref, err := goresample.OpenCOG(o.ref, nil)
		if err != nil {
			return fmt.Errorf("failed to open reference: %w", err)
		}
		defer ref.Close()
		out.SetReference(ref.RasterGeometry())
		return nil
	case o.tile != "":
		t, err := goresample.ParseTile(o.tile)
		if err != nil {
			return err
		}
		out.SetFromGeometry(goresample.TileGeometry(t, goresample.DefaultTileSize))
		return nil
	}

	out.SetFromGeometry(src.RasterGeometry())
	if o.size != "" {
		w, h, ok := strings.Cut(o.size, "x")
		if !ok {
			return fmt.Errorf("invalid -size %q, want WxH", o.size)
		}
		wi, err1 := strconv.Atoi(w)
		hi, err2 := strconv.Atoi(h)
		if err := errors.Join(err1, err2); err != nil {
			return fmt.Errorf("invalid -size %q: %w", o.size, err)
		}
		out.Size = []int{wi, hi}
	}
	if o.spacing != "" {
		s, err := parsePair(o.spacing)
		if err != nil {
			return fmt.Errorf("invalid -spacing: %w", err)
		}
		out.Spacing = s
	}
	if o.origin != "" {
		p, err := parsePair(o.origin)
		if err != nil {
			return fmt.Errorf("invalid -origin: %w", err)
		}
		out.Origin = p
	}
	return nil
}

// transform chains scale, rotation and translation of output points, then
// the optional Mercator unprojection.
func transform(o options, geom goresample.Geometry) (goresample.Transform, error) {
	var parts []goresample.Transform
	if o.scale != "" {
		f, err := parseFloats(o.scale)
		if err != nil {
			return nil, fmt.Errorf("invalid -scale: %w", err)
		}
		if len(f) == 1 {
			f = []float64{f[0], f[0]}
		}
		s, err := goresample.NewScaleTransform(f, nil)
		if err != nil {
			return nil, err
		}
		parts = append(parts, s)
	}
	if o.rotate != 0 {
		centre := geom.ContinuousIndexToPhysical([]float64{
			float64(geom.StartIndex[0]) + float64(geom.Size[0]-1)/2,
			float64(geom.StartIndex[1]) + float64(geom.Size[1]-1)/2,
		})
		parts = append(parts, goresample.NewRotation2D(o.rotate*math.Pi/180, centre))
	}
	if o.translate != "" {
		t, err := parsePair(o.translate)
		if err != nil {
			return nil, fmt.Errorf("invalid -translate: %w", err)
		}
		parts = append(parts, goresample.TranslationTransform{Offset: t})
	}
	if o.mercator {
		parts = append(parts, goresample.ProjectionTransform{Projection: project.Mercator.ToWGS84})
	}
	switch len(parts) {
	case 0:
		return goresample.IdentityTransform{Dim: 2}, nil
	case 1:
		return parts[0], nil
	}
	return goresample.CompositeTransform{Transforms: parts}, nil
}

func readMask(path string, geom goresample.Geometry) (*goresample.Raster, error) {
	src, err := goresample.OpenCOG(path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open mask: %w", err)
	}
	defer src.Close()
	mg := src.RasterGeometry()
	if len(mg.Size) != len(geom.Size) || mg.Size[0] != geom.Size[0] || mg.Size[1] != geom.Size[1] {
		return nil, fmt.Errorf("mask is %v pixels, output is %v", mg.Size, geom.Size)
	}
	mask, err := src.ReadRegion(mg.LargestRegion())
	if err != nil {
		return nil, fmt.Errorf("failed to read mask: %w", err)
	}
	// the mask is consulted by output index
	mask.Geometry = geom
	mask.Region = geom.LargestRegion()
	return mask, nil
}

// scaledSink multiplies every sample by factor before passing it on.
type scaledSink struct {
	*goresample.TIFFSink
	factor float64
}

func (s scaledSink) WriteRegion(region goresample.Region, data *goresample.Raster) error {
	scaled := *data
	scaled.Data = make([]float64, len(data.Data))
	for i, v := range data.Data {
		scaled.Data[i] = v * s.factor
	}
	return s.TIFFSink.WriteRegion(region, &scaled)
}

func parsePair(s string) ([]float64, error) {
	v, err := parseFloats(s)
	if err != nil {
		return nil, err
	}
	if len(v) != 2 {
		return nil, fmt.Errorf("want two values, got %d", len(v))
	}
	return v, nil
}

func parseFloats(s string) ([]float64, error) {
	fields := strings.Split(s, ",")
	out := make([]float64, len(fields))
	for i, f := range fields {
		v, err := strconv.ParseFloat(strings.TrimSpace(f), 64)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}
