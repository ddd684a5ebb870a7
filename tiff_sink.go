package goresample

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"math"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/image/tiff"
)

// TIFFSink writes the streamed output as a TIFF file with
// golang.org/x/image/tiff. Regions are stored straight into an image of the
// target depth, so the sink holds one copy of the output at 1 or 2 bytes per
// sample; that memory is outside the streaming tile budget.
//
// Nothing appears at Path before Commit: the image (and world file) are
// encoded to temporary files in the same directory first and renamed last.
// Abort removes temporary files and, after a Commit, the published ones.
//
// One band is written as grayscale, three as RGB and four as RGBA. Samples
// are rounded and clamped to the range of Depth.
type TIFFSink struct {
	Path string
	// Depth is 8 or 16 bits per sample; zero means 16.
	Depth int
	// Compress enables Deflate compression.
	Compress bool
	// WorldFile also writes an ESRI world file (.tfw) next to Path, carrying
	// the affine georeferencing that the TIFF itself does not.
	WorldFile bool

	geom  Geometry
	bands int
	img   image.Image

	staged    []stagedFile
	published []string
}

type stagedFile struct {
	tmp, path string
}

func (s *TIFFSink) Begin(geom Geometry, bands int) error {
	if geom.Dim() != 2 {
		return fmt.Errorf("TIFF output needs a 2-D grid, got %d-D", geom.Dim())
	}
	switch bands {
	case 1, 3, 4:
	default:
		return fmt.Errorf("TIFF output supports 1, 3 or 4 bands, got %d", bands)
	}
	if s.Depth != 0 && s.Depth != 8 && s.Depth != 16 {
		return fmt.Errorf("unsupported TIFF depth %d", s.Depth)
	}
	s.removeStaged()
	s.published = nil
	s.geom = geom.Clone()
	s.bands = bands

	rect := image.Rect(0, 0, geom.Size[0], geom.Size[1])
	switch {
	case s.Depth == 8 && bands == 1:
		s.img = image.NewGray(rect)
	case s.Depth == 8:
		s.img = image.NewNRGBA(rect)
	case bands == 1:
		s.img = image.NewGray16(rect)
	default:
		s.img = image.NewNRGBA64(rect)
	}
	return nil
}

// WriteRegion converts the region's samples into the output image.
func (s *TIFFSink) WriteRegion(region Region, data *Raster) error {
	if s.img == nil {
		return errors.New("sink not started")
	}
	if !s.geom.LargestRegion().Contains(region) || !data.Region.Contains(region) || data.Bands != s.bands {
		return fmt.Errorf("region %v does not fit the output", region)
	}
	x0, y0 := s.geom.StartIndex[0], s.geom.StartIndex[1]
	px := make([]float64, s.bands)
	idx := make([]int, 2)
	for y := region.Index[1]; y < region.Index[1]+region.Size[1]; y++ {
		for x := region.Index[0]; x < region.Index[0]+region.Size[0]; x++ {
			idx[0], idx[1] = x, y
			data.Pixel(idx, px)
			s.set(x-x0, y-y0, px)
		}
	}
	return nil
}

func (s *TIFFSink) set(x, y int, px []float64) {
	switch img := s.img.(type) {
	case *image.Gray:
		img.SetGray(x, y, color.Gray{Y: uint8(clampSample(px[0], math.MaxUint8))})
	case *image.NRGBA:
		c := color.NRGBA{
			R: uint8(clampSample(px[0], math.MaxUint8)),
			G: uint8(clampSample(px[1], math.MaxUint8)),
			B: uint8(clampSample(px[2], math.MaxUint8)),
			A: math.MaxUint8,
		}
		if len(px) == 4 {
			c.A = uint8(clampSample(px[3], math.MaxUint8))
		}
		img.SetNRGBA(x, y, c)
	case *image.Gray16:
		img.SetGray16(x, y, color.Gray16{Y: uint16(clampSample(px[0], math.MaxUint16))})
	case *image.NRGBA64:
		c := color.NRGBA64{
			R: uint16(clampSample(px[0], math.MaxUint16)),
			G: uint16(clampSample(px[1], math.MaxUint16)),
			B: uint16(clampSample(px[2], math.MaxUint16)),
			A: math.MaxUint16,
		}
		if len(px) == 4 {
			c.A = uint16(clampSample(px[3], math.MaxUint16))
		}
		img.SetNRGBA64(x, y, c)
	}
}

// Stage encodes every output file next to its destination without making
// it visible. Commit stages first when Stage was not called.
func (s *TIFFSink) Stage() error {
	if s.img == nil {
		return errors.New("sink not started")
	}
	if s.staged != nil {
		return nil
	}
	opts := &tiff.Options{Compression: tiff.Uncompressed}
	if s.Compress {
		opts = &tiff.Options{Compression: tiff.Deflate}
	}
	err := s.stage(s.Path, func(f *os.File) error {
		return tiff.Encode(f, s.img, opts)
	})
	if err != nil {
		s.removeStaged()
		return fmt.Errorf("failed to write TIFF: %w", err)
	}
	if s.WorldFile {
		wf := strings.TrimSuffix(s.Path, filepath.Ext(s.Path)) + ".tfw"
		err := s.stage(wf, func(f *os.File) error {
			_, err := f.WriteString(worldFile(s.geom))
			return err
		})
		if err != nil {
			s.removeStaged()
			return fmt.Errorf("failed to write world file: %w", err)
		}
	}
	return nil
}

// Commit renames the staged files into place. When a rename fails, files
// already renamed are removed again.
func (s *TIFFSink) Commit() error {
	if err := s.Stage(); err != nil {
		return err
	}
	for _, f := range s.staged {
		if err := os.Rename(f.tmp, f.path); err != nil {
			s.Abort()
			return fmt.Errorf("failed to publish %s: %w", f.path, err)
		}
		s.published = append(s.published, f.path)
	}
	s.staged = nil
	s.img = nil
	return nil
}

// Abort drops the pending output and removes every file this sink wrote.
func (s *TIFFSink) Abort() error {
	s.removeStaged()
	var errs []error
	for _, path := range s.published {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	s.published = nil
	s.img = nil
	return errors.Join(errs...)
}

// stage writes a temporary file in the directory of path.
func (s *TIFFSink) stage(path string, write func(*os.File) error) error {
	f, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	s.staged = append(s.staged, stagedFile{tmp: f.Name(), path: path})
	if err := write(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func (s *TIFFSink) removeStaged() {
	for _, f := range s.staged {
		os.Remove(f.tmp)
	}
	s.staged = nil
}

func clampSample(v, maxValue float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return min(max(math.Round(v), 0), maxValue)
}

// worldFile formats the six affine parameters of a 2-D grid: the pixel
// size and rotation terms, then the centre of the first pixel.
func worldFile(g Geometry) string {
	m := newGridMapping(g)
	c := g.IndexToPhysical(g.StartIndex)
	return fmt.Sprintf("%.12g\n%.12g\n%.12g\n%.12g\n%.12g\n%.12g\n",
		m.toPhys[0], m.toPhys[2], m.toPhys[1], m.toPhys[3], c[0], c[1])
}
