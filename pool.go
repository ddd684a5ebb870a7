package goresample

import (
	"sync"
)

// Buffer pools for reducing GC pressure in hot paths

// byteSlicePool pools the compressed and decompressed chunk buffers of the
// COG reader.
type byteSlicePool struct {
	// Small buffers (up to 64KB) - typical for small tiles
	small sync.Pool
	// Medium buffers (up to 256KB) - typical for 256x256 tiles
	medium sync.Pool
	// Large buffers (up to 1MB) - typical for 512x512 tiles or strips
	large sync.Pool
}

const (
	smallBufferSize  = 64 * 1024
	mediumBufferSize = 256 * 1024
	largeBufferSize  = 1024 * 1024
)

func newBytePool(size int) sync.Pool {
	return sync.Pool{
		New: func() any {
			buf := make([]byte, size)
			return &buf
		},
	}
}

var bufferPool = &byteSlicePool{
	small:  newBytePool(smallBufferSize),
	medium: newBytePool(mediumBufferSize),
	large:  newBytePool(largeBufferSize),
}

// GetBuffer returns a byte slice of length size. Slices up to 1MB come from
// the pool; return them with PutBuffer.
func GetBuffer(size int) []byte {
	var p *sync.Pool
	switch {
	case size <= smallBufferSize:
		p = &bufferPool.small
	case size <= mediumBufferSize:
		p = &bufferPool.medium
	case size <= largeBufferSize:
		p = &bufferPool.large
	default:
		return make([]byte, size)
	}
	bufPtr := p.Get().(*[]byte)
	return (*bufPtr)[:size]
}

// PutBuffer returns a buffer obtained from GetBuffer. Slices of any other
// capacity are dropped.
func PutBuffer(buf []byte) {
	buf = buf[:cap(buf)]
	switch cap(buf) {
	case smallBufferSize:
		bufferPool.small.Put(&buf)
	case mediumBufferSize:
		bufferPool.medium.Put(&buf)
	case largeBufferSize:
		bufferPool.large.Put(&buf)
	}
}

// pixelScratch holds the per-work-item vectors of the resampling loops.
type pixelScratch struct {
	idx    []int
	cindex []float64
	base   []float64
	point  []float64
	tpoint []float64
	value  []float64
}

var scratchPool = sync.Pool{
	New: func() any {
		return new(pixelScratch)
	},
}

func growFloats(s []float64, n int) []float64 {
	if cap(s) < n {
		return make([]float64, n)
	}
	return s[:n]
}

func getScratch(dim, bands int) *pixelScratch {
	s := scratchPool.Get().(*pixelScratch)
	if cap(s.idx) < dim {
		s.idx = make([]int, dim)
	}
	s.idx = s.idx[:dim]
	s.cindex = growFloats(s.cindex, dim)
	s.base = growFloats(s.base, dim)
	s.point = growFloats(s.point, dim)
	s.tpoint = growFloats(s.tpoint, dim)
	s.value = growFloats(s.value, bands)
	return s
}

func putScratch(s *pixelScratch) {
	scratchPool.Put(s)
}

// sampleBlock collects the feature vectors of one work item for a batch
// model call. Vectors are views into one flat slice.
type sampleBlock struct {
	flat    []float64
	vectors [][]float64
	offsets []int // output raster offset (in pixels) of each vector
}

var samplePool = sync.Pool{
	New: func() any {
		return new(sampleBlock)
	},
}

func getSampleBlock(capacity, bands int) *sampleBlock {
	b := samplePool.Get().(*sampleBlock)
	b.flat = growFloats(b.flat, capacity*bands)[:0]
	b.vectors = b.vectors[:0]
	b.offsets = b.offsets[:0]
	return b
}

func (b *sampleBlock) add(offset int, value []float64) {
	b.flat = append(b.flat, value...)
	b.offsets = append(b.offsets, offset)
	b.vectors = append(b.vectors, nil)
}

// seal points every vector at its final location in flat. Appends may have
// moved the backing array, so views are built once collection is done.
func (b *sampleBlock) seal(bands int) {
	for i := range b.vectors {
		b.vectors[i] = b.flat[i*bands : (i+1)*bands : (i+1)*bands]
	}
}

func putSampleBlock(b *sampleBlock) {
	clear(b.vectors)
	samplePool.Put(b)
}
