package goresample

import (
	"fmt"
	"slices"
)

// Raster is an N-dimensional multi-band pixel buffer with its grid geometry.
// Data is stored as a flat array in band-interleaved-by-pixel order with
// dimension 0 fastest; for 2-D data:
//
//	offset = ((y-y0) * width + (x-x0)) * Bands + band
//
// Region is the buffered part of the grid, expressed in the grid's index
// space; it may be smaller than Geometry.LargestRegion when a raster holds a
// single streaming tile.
type Raster struct {
	Geometry Geometry
	Region   Region
	Bands    int
	Data     []float64

	strides []int
}

// NewRaster allocates a zeroed raster buffering region of geom.
func NewRaster(geom Geometry, region Region, bands int) (*Raster, error) {
	if bands < 1 {
		return nil, fmt.Errorf("band count %d must be positive", bands)
	}
	if err := region.validate(); err != nil {
		return nil, err
	}
	if region.Dim() != geom.Dim() {
		return nil, fmt.Errorf("region has %d dimensions, geometry has %d", region.Dim(), geom.Dim())
	}
	r := &Raster{
		Geometry: geom,
		Region:   region.Clone(),
		Bands:    bands,
		Data:     make([]float64, region.NumberOfPixels()*bands),
	}
	r.computeStrides()
	return r, nil
}

// NewRasterFromData wraps data buffering the largest region of geom. The
// slice length must be pixels*bands.
func NewRasterFromData(geom Geometry, bands int, data []float64) (*Raster, error) {
	region := geom.LargestRegion()
	if want := region.NumberOfPixels() * bands; len(data) != want {
		return nil, fmt.Errorf("data holds %d values, want %d", len(data), want)
	}
	r := &Raster{
		Geometry: geom,
		Region:   region,
		Bands:    bands,
		Data:     data,
	}
	r.computeStrides()
	return r, nil
}

func (r *Raster) computeStrides() {
	r.strides = make([]int, r.Region.Dim())
	s := r.Bands
	for d := range r.strides {
		r.strides[d] = s
		s *= r.Region.Size[d]
	}
}

// Offset returns the flat index of band 0 of the pixel at index. The index
// must lie within Region.
func (r *Raster) Offset(index []int) int {
	if r.strides == nil {
		r.computeStrides()
	}
	off := 0
	for d, v := range index {
		off += (v - r.Region.Index[d]) * r.strides[d]
	}
	return off
}

// At returns the value of band at the 2-D grid index (x, y), or 0 when the
// index is outside the buffered region.
func (r *Raster) At(band, x, y int) float64 {
	if band < 0 || band >= r.Bands || r.Region.Dim() != 2 || !r.Region.IsInside([]int{x, y}) {
		return 0
	}
	return r.Data[r.Offset([]int{x, y})+band]
}

// Set sets the value of band at the 2-D grid index (x, y). Out of range
// writes are ignored.
func (r *Raster) Set(band, x, y int, value float64) {
	if band < 0 || band >= r.Bands || r.Region.Dim() != 2 || !r.Region.IsInside([]int{x, y}) {
		return
	}
	r.Data[r.Offset([]int{x, y})+band] = value
}

// Pixel copies all bands of the pixel at index into out and returns it.
// A nil out is allocated.
func (r *Raster) Pixel(index []int, out []float64) []float64 {
	if out == nil {
		out = make([]float64, r.Bands)
	}
	off := r.Offset(index)
	copy(out, r.Data[off:off+r.Bands])
	return out
}

// SetPixel writes all bands of the pixel at index.
func (r *Raster) SetPixel(index []int, values []float64) {
	off := r.Offset(index)
	copy(r.Data[off:off+r.Bands], values)
}

// GetBand returns a newly allocated slice of all values of one band.
func (r *Raster) GetBand(band int) []float64 {
	if band < 0 || band >= r.Bands {
		return nil
	}
	n := r.Region.NumberOfPixels()
	out := make([]float64, n)
	for i := range n {
		out[i] = r.Data[i*r.Bands+band]
	}
	return out
}

// Fill sets every pixel to value (broadcast when it has a single element).
func (r *Raster) Fill(value []float64) {
	px := broadcast(value, r.Bands)
	for i := 0; i < len(r.Data); i += r.Bands {
		copy(r.Data[i:i+r.Bands], px)
	}
}

// RasterGeometry implements RasterSource.
func (r *Raster) RasterGeometry() Geometry {
	return r.Geometry
}

// BandCount implements RasterSource.
func (r *Raster) BandCount() int {
	return r.Bands
}

// ReadRegion implements RasterSource by copying a sub-region of the buffer.
func (r *Raster) ReadRegion(region Region) (*Raster, error) {
	if !r.Region.Contains(region) {
		return nil, fmt.Errorf("region %v is outside the buffered region %v", region, r.Region)
	}
	out, err := NewRaster(r.Geometry, region, r.Bands)
	if err != nil {
		return nil, err
	}
	out.copyFrom(r, region)
	return out, nil
}

// copyFrom copies region from src, row by row. Both rasters must buffer it.
func (r *Raster) copyFrom(src *Raster, region Region) {
	idx := slices.Clone(region.Index)
	rowLen := region.Size[0] * r.Bands
	for {
		so := src.Offset(idx)
		do := r.Offset(idx)
		copy(r.Data[do:do+rowLen], src.Data[so:so+rowLen])
		if !region.nextRow(idx) {
			return
		}
	}
}

// broadcast expands a single value to n bands; longer inputs are truncated
// and shorter ones zero padded.
func broadcast(value []float64, n int) []float64 {
	out := make([]float64, n)
	if len(value) == 1 {
		for i := range out {
			out[i] = value[0]
		}
		return out
	}
	copy(out, value)
	return out
}
