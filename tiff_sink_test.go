package goresample

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"golang.org/x/image/tiff"
)

// writeSink streams r into s as a single region.
func writeSink(t *testing.T, s RasterSink, r *Raster) {
	t.Helper()
	if err := s.Begin(r.Geometry, r.Bands); err != nil {
		t.Fatal(err)
	}
	if err := s.WriteRegion(r.Region, r); err != nil {
		t.Fatal(err)
	}
	if err := s.Commit(); err != nil {
		t.Fatal(err)
	}
}

func decodeTIFF(t *testing.T, path string) image.Image {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	img, err := tiff.Decode(f)
	if err != nil {
		t.Fatalf("tiff.Decode: %v", err)
	}
	return img
}

func TestTIFFSinkGray16(t *testing.T) {
	for _, compress := range []bool{false, true} {
		in := patternRaster(t, 19, 11, 1)
		in.Set(0, 0, 0, -5)
		in.Set(0, 1, 0, 70000)
		path := filepath.Join(t.TempDir(), "out.tif")
		writeSink(t, &TIFFSink{Path: path, Compress: compress}, in)

		decoded := decodeTIFF(t, path)
		img, ok := decoded.(*image.Gray16)
		if !ok {
			t.Fatalf("decoded %T, want *image.Gray16", decoded)
		}
		if got := img.Gray16At(4, 3).Y; float64(got) != clampSample(in.At(0, 4, 3), 65535) {
			t.Errorf("sample (4,3) = %d, want %v", got, in.At(0, 4, 3))
		}
		if img.Gray16At(0, 0).Y != 0 || img.Gray16At(1, 0).Y != 65535 {
			t.Errorf("out of range samples not clamped: %d %d", img.Gray16At(0, 0).Y, img.Gray16At(1, 0).Y)
		}

		// the file reads back through the COG reader too
		cog, err := OpenCOG(path, nil)
		if err != nil {
			t.Fatal(err)
		}
		r, err := cog.ReadRegion(cog.RasterGeometry().LargestRegion())
		cog.Close()
		if err != nil {
			t.Fatal(err)
		}
		if cog.SampleType() != SampleUint16 {
			t.Errorf("SampleType() = %v", cog.SampleType())
		}
		for y := range 11 {
			for x := range 19 {
				if got, want := r.At(0, x, y), clampSample(in.At(0, x, y), 65535); got != want {
					t.Fatalf("compress=%v: pixel (%d,%d) = %v, want %v", compress, x, y, got, want)
				}
			}
		}
	}
}

func TestTIFFSinkRGB8(t *testing.T) {
	in := patternRaster(t, 7, 5, 3)
	path := filepath.Join(t.TempDir(), "rgb.tif")
	writeSink(t, &TIFFSink{Path: path, Depth: 8, Compress: true}, in)

	img := decodeTIFF(t, path)
	if b := img.Bounds(); b.Dx() != 7 || b.Dy() != 5 {
		t.Fatalf("bounds = %v", b)
	}
	c := color.NRGBAModel.Convert(img.At(2, 3)).(color.NRGBA)
	want := [3]float64{
		clampSample(in.At(0, 2, 3), 255),
		clampSample(in.At(1, 2, 3), 255),
		clampSample(in.At(2, 2, 3), 255),
	}
	if float64(c.R) != want[0] || float64(c.G) != want[1] || float64(c.B) != want[2] || c.A != 255 {
		t.Errorf("pixel (2,3) = %v, want %v", c, want)
	}
}

func TestTIFFSinkRejects(t *testing.T) {
	dir := t.TempDir()
	g := NewGeometry(4, 4)
	if err := (&TIFFSink{Path: filepath.Join(dir, "a.tif")}).Begin(g, 2); err == nil {
		t.Error("2 bands accepted")
	}
	if err := (&TIFFSink{Path: filepath.Join(dir, "b.tif"), Depth: 12}).Begin(g, 1); err == nil {
		t.Error("depth 12 accepted")
	}
	if err := (&TIFFSink{Path: filepath.Join(dir, "c.tif")}).Begin(NewGeometry(4, 4, 2), 1); err == nil {
		t.Error("3-D grid accepted")
	}
}

func TestTIFFSinkAbortWritesNothing(t *testing.T) {
	dir := t.TempDir()
	in := patternRaster(t, 4, 4, 1)
	s := &TIFFSink{Path: filepath.Join(dir, "out.tif"), WorldFile: true}
	if err := s.Begin(in.Geometry, 1); err != nil {
		t.Fatal(err)
	}
	if err := s.WriteRegion(in.Region, in); err != nil {
		t.Fatal(err)
	}
	if err := s.Abort(); err != nil {
		t.Fatal(err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("aborted sink left %d files", len(entries))
	}
}

func TestTIFFSinkWorldFile(t *testing.T) {
	dir := t.TempDir()
	in := patternRaster(t, 6, 4, 1)
	in.Geometry.Spacing = []float64{2, 3}
	in.Geometry.Origin = []float64{100, 200}
	in.Geometry.Direction.Set(1, 1, -1)
	writeSink(t, &TIFFSink{Path: filepath.Join(dir, "geo.tif"), WorldFile: true}, in)

	data, err := os.ReadFile(filepath.Join(dir, "geo.tfw"))
	if err != nil {
		t.Fatal(err)
	}
	if got, want := string(data), "2\n0\n0\n-3\n100\n200\n"; got != want {
		t.Errorf("world file = %q, want %q", got, want)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if strings.Contains(e.Name(), ".tmp-") {
			t.Errorf("temporary file %s left behind", e.Name())
		}
	}
	if len(entries) != 2 {
		t.Errorf("directory holds %d files, want the image and its world file", len(entries))
	}
}

func TestTIFFSinkWritesIntoImage(t *testing.T) {
	tests := []struct {
		depth, bands int
		want         string
	}{
		{8, 1, "*image.Gray"},
		{8, 3, "*image.NRGBA"},
		{0, 1, "*image.Gray16"},
		{16, 4, "*image.NRGBA64"},
	}
	for _, tt := range tests {
		s := &TIFFSink{Path: filepath.Join(t.TempDir(), "out.tif"), Depth: tt.depth}
		if err := s.Begin(NewGeometry(5, 4), tt.bands); err != nil {
			t.Fatal(err)
		}
		if got := fmt.Sprintf("%T", s.img); got != tt.want {
			t.Errorf("depth %d, %d bands: image is %s, want %s", tt.depth, tt.bands, got, tt.want)
		}
	}

	// regions land in the image as they arrive, offset by the start index
	g := NewGeometry(3, 2)
	g.StartIndex = []int{10, 20}
	s := &TIFFSink{Path: filepath.Join(t.TempDir(), "out.tif"), Depth: 8}
	if err := s.Begin(g, 1); err != nil {
		t.Fatal(err)
	}
	part, err := NewRaster(g, NewRegion([]int{10, 21}, []int{3, 1}), 1)
	if err != nil {
		t.Fatal(err)
	}
	part.Fill([]float64{200.4})
	if err := s.WriteRegion(part.Region, part); err != nil {
		t.Fatal(err)
	}
	img := s.img.(*image.Gray)
	if img.GrayAt(2, 1).Y != 200 || img.GrayAt(2, 0).Y != 0 {
		t.Errorf("image rows = %v", img.Pix)
	}
	if err := s.WriteRegion(NewRegion([]int{0, 0}, []int{3, 1}), part); err == nil {
		t.Error("region outside the grid accepted")
	}
}

func TestTIFFSinkAbortAfterCommit(t *testing.T) {
	dir := t.TempDir()
	s := &TIFFSink{Path: filepath.Join(dir, "out.tif"), WorldFile: true}
	writeSink(t, s, patternRaster(t, 4, 4, 1))
	if err := s.Abort(); err != nil {
		t.Fatal(err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("withdrawn output left %d files", len(entries))
	}
}

// commitFailSink accepts every region and fails on Commit.
type commitFailSink struct {
	MemorySink
}

func (s *commitFailSink) Commit() error { return errors.New("device gone") }

func TestStreamWithdrawsOutputsTogether(t *testing.T) {
	in := twoBandRaster(t, 12, 9)
	run := func(labels, conf RasterSink) error {
		w := &StreamWriter{
			Source:         in,
			Sink:           labels,
			Classifier:     newClassifier(t, in, IdentityTransform{Dim: 2}, twoClassModel(t), false),
			ConfidenceSink: conf,
			MaxTileRows:    4,
		}
		return w.Run(context.Background())
	}

	// the confidence file cannot be staged, so the labels never appear
	dir := t.TempDir()
	labels := &TIFFSink{Path: filepath.Join(dir, "labels.tif"), WorldFile: true}
	conf := &TIFFSink{Path: filepath.Join(dir, "missing", "conf.tif")}
	if err := run(labels, conf); err == nil {
		t.Fatal("Run() succeeded with an unwritable confidence path")
	}
	if entries, _ := os.ReadDir(dir); len(entries) != 0 {
		t.Errorf("failed run left %d files", len(entries))
	}

	// the labels are published, then withdrawn when the next commit fails
	dir = t.TempDir()
	labels = &TIFFSink{Path: filepath.Join(dir, "labels.tif")}
	if err := run(labels, &commitFailSink{}); err == nil {
		t.Fatal("Run() succeeded with a failing commit")
	}
	if entries, _ := os.ReadDir(dir); len(entries) != 0 {
		t.Errorf("failed run left %d files", len(entries))
	}
}
