package goresample

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"log/slog"
	"math"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zlib"
	"github.com/paulmach/orb"
	"github.com/valyala/fasthttp"
	"golang.org/x/image/tiff/lzw"
)

// COGSource reads a Cloud Optimized GeoTIFF (or any tiled or stripped
// GeoTIFF) from a file or over HTTP range requests, as a RasterSource.
// Samples of every supported type are converted to float64.
//
// ReadRegion is safe for concurrent use; reads of the underlying stream are
// serialized and chunk decompression runs in parallel.
type COGSource struct {
	mu     sync.Mutex
	reader io.ReadSeeker
	closer io.Closer

	tiffReader *TIFFReader
	geoTIFF    *GeoTIFFReader
	ifd        *IFD
	geom       Geometry
	layout     chunkLayout
}

// ReadCOG parses the main image of a GeoTIFF read through r.
func ReadCOG(r io.ReadSeeker) (*COGSource, error) {
	tr, err := NewTIFFReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to create TIFF reader: %w", err)
	}
	gtr, err := NewGeoTIFFReader(tr, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to read metadata: %w", err)
	}
	c := &COGSource{
		reader:     r,
		tiffReader: tr,
		geoTIFF:    gtr,
		ifd:        tr.GetIFD(0),
		geom:       gtr.Geometry(),
	}
	if err := c.geom.Validate(); err != nil {
		return nil, fmt.Errorf("unusable georeferencing: %w", err)
	}
	if c.layout, err = c.readLayout(); err != nil {
		return nil, err
	}
	meta := gtr.GetMetadata()
	Logger().Debug("opened GeoTIFF",
		slog.Int("width", meta.Width),
		slog.Int("height", meta.Height),
		slog.Int("bands", meta.BandCount),
		slog.String("sampleType", meta.SampleType.String()),
		slog.String("crs", meta.CRS),
		slog.Int("overviews", tr.IFDCount()-1))
	return c, nil
}

// OpenCOG opens a GeoTIFF from a file path or an http(s) URL. A nil client
// gets a default fasthttp client with 30 second timeouts.
func OpenCOG(pathOrURL string, client *fasthttp.Client) (*COGSource, error) {
	if strings.HasPrefix(pathOrURL, "http://") || strings.HasPrefix(pathOrURL, "https://") {
		if client == nil {
			client = &fasthttp.Client{
				ReadTimeout:  30 * time.Second,
				WriteTimeout: 30 * time.Second,
			}
		}
		return ReadCOG(NewHTTPRangeReader(pathOrURL, client))
	}

	file, err := os.Open(pathOrURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	c, err := ReadCOG(file)
	if err != nil {
		file.Close()
		return nil, err
	}
	c.closer = file
	return c, nil
}

// Close releases the underlying file, if any.
func (c *COGSource) Close() error {
	if c.closer == nil {
		return nil
	}
	return c.closer.Close()
}

// RasterGeometry returns the grid of the main image.
func (c *COGSource) RasterGeometry() Geometry {
	return c.geom.Clone()
}

// BandCount returns the number of samples per pixel.
func (c *COGSource) BandCount() int {
	return c.geoTIFF.GetMetadata().BandCount
}

// Bounds returns the geographic bounding box of the main image
func (c *COGSource) Bounds() orb.Bound {
	return c.geoTIFF.Bounds()
}

// CRS returns the Coordinate Reference System
func (c *COGSource) CRS() string {
	return c.geoTIFF.GetMetadata().CRS
}

// SampleType returns the stored sample type.
func (c *COGSource) SampleType() SampleType {
	return c.geoTIFF.GetMetadata().SampleType
}

// OverviewCount returns the number of overview levels
func (c *COGSource) OverviewCount() int {
	return c.tiffReader.IFDCount() - 1
}

// ReadRegion decodes region of the main image.
func (c *COGSource) ReadRegion(region Region) (*Raster, error) {
	if region.Dim() != 2 || !c.geom.LargestRegion().Contains(region) || region.Empty() {
		return nil, fmt.Errorf("region %v is outside the image %v", region, c.geom.LargestRegion())
	}
	meta := c.geoTIFF.GetMetadata()
	x, y := region.Index[0], region.Index[1]
	w, h := region.Size[0], region.Size[1]

	data, err := c.readPixels(x, y, w, h)
	if err != nil {
		return nil, fmt.Errorf("failed to read pixel region: %w", err)
	}
	out, err := NewRaster(c.geom, region, meta.BandCount)
	if err != nil {
		return nil, err
	}
	decodeSamples(data, out.Data, meta.SampleType, c.ifd.ByteOrder)
	if meta.PhotometricInterpretation == 0 && meta.BandCount == 1 && meta.SampleType < SampleFloat32 {
		maxValue := meta.SampleType.maxValue()
		for i, v := range out.Data {
			out.Data[i] = maxValue - v
		}
	}
	return out, nil
}

// chunkLayout describes tiles or strips uniformly: a strip is a tile as
// wide as the image.
type chunkLayout struct {
	width, height int // chunk size in pixels
	across        int // chunks per chunk row
	offsets       []int
	counts        []int
	compression   int
	predictor     int
	pixelBytes    int
	imageHeight   int
}

func (c *COGSource) readLayout() (chunkLayout, error) {
	meta := c.geoTIFF.GetMetadata()
	ifd := c.ifd
	l := chunkLayout{
		compression: ifd.uintTag(TagCompression, CompressionNone),
		predictor:   ifd.uintTag(TagPredictor, 1),
		pixelBytes:  meta.BandCount * meta.SampleType.Size(),
		imageHeight: meta.Height,
	}
	if ifd.uintTag(TagPlanarConfiguration, 1) != 1 {
		return l, fmt.Errorf("planar configuration %d is not supported", ifd.uintTag(TagPlanarConfiguration, 1))
	}
	if l.predictor != 1 && l.predictor != 2 {
		return l, fmt.Errorf("predictor %d is not supported", l.predictor)
	}

	offsetTag, countTag := uint16(TagTileOffsets), uint16(TagTileByteCounts)
	if ifd.Tags[TagTileOffsets] != nil {
		l.width = ifd.uintTag(TagTileWidth, 256)
		l.height = ifd.uintTag(TagTileLength, 256)
	} else if ifd.Tags[TagStripOffsets] != nil {
		offsetTag, countTag = TagStripOffsets, TagStripByteCounts
		l.width = meta.Width
		l.height = min(ifd.uintTag(TagRowsPerStrip, meta.Height), meta.Height)
	} else {
		return l, fmt.Errorf("image is neither tiled nor stripped")
	}
	if l.width <= 0 || l.height <= 0 {
		return l, fmt.Errorf("invalid chunk size %dx%d", l.width, l.height)
	}
	l.across = (meta.Width + l.width - 1) / l.width

	offsets, err := c.tiffReader.LoadTag(ifd, offsetTag)
	if err != nil {
		return l, fmt.Errorf("failed to read chunk offsets: %w", err)
	}
	counts, err := c.tiffReader.LoadTag(ifd, countTag)
	if err != nil {
		return l, fmt.Errorf("failed to read chunk byte counts: %w", err)
	}
	l.offsets, l.counts = offsets.Uints(), counts.Uints()
	if len(l.offsets) != len(l.counts) {
		return l, fmt.Errorf("%d chunk offsets for %d byte counts", len(l.offsets), len(l.counts))
	}
	return l, nil
}

// rows returns the number of pixel rows stored in chunk row cy. The last
// strip may be short; tiles are always padded to full size.
func (l *chunkLayout) rows(cy int, tiled bool) int {
	if tiled {
		return l.height
	}
	return min(l.height, l.imageHeight-cy*l.height)
}

// chunkWork is one tile or strip moving through the read pipeline.
type chunkWork struct {
	cx, cy       int
	index        int
	compressed   []byte
	decompressed []byte
	pooled       bool // decompressed came from GetBuffer
	err          error
}

// readPixels returns the raw interleaved bytes of the pixel window.
func (c *COGSource) readPixels(x, y, width, height int) ([]byte, error) {
	l := &c.layout
	tiled := c.ifd.Tags[TagTileOffsets] != nil
	output := make([]byte, width*height*l.pixelBytes)

	var chunks []*chunkWork
	for cy := y / l.height; cy <= (y+height-1)/l.height; cy++ {
		for cx := x / l.width; cx <= (x+width-1)/l.width; cx++ {
			index := cy*l.across + cx
			if index >= len(l.offsets) {
				continue
			}
			chunks = append(chunks, &chunkWork{cx: cx, cy: cy, index: index})
		}
	}

	// Phase 1: read compressed chunks sequentially (I/O bound)
	if err := c.fetchChunks(chunks); err != nil {
		return nil, err
	}

	// Phase 2: decompress in parallel (CPU bound)
	numWorkers := min(runtime.NumCPU(), len(chunks))
	var wg sync.WaitGroup
	workChan := make(chan *chunkWork, len(chunks))
	for range numWorkers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for chunk := range workChan {
				expected := l.width * l.rows(chunk.cy, tiled) * l.pixelBytes
				chunk.decompressed, chunk.pooled, chunk.err = c.decompress(chunk.compressed, expected)
				if chunk.err == nil && l.predictor == 2 {
					undoHorizontalPredictor(chunk.decompressed, l.width, c.geoTIFF.GetMetadata(), c.ifd.ByteOrder)
				}
			}
		}()
	}
	for _, chunk := range chunks {
		workChan <- chunk
	}
	close(workChan)
	wg.Wait()

	// Phase 3: copy into the window
	var firstErr error
	for _, chunk := range chunks {
		if chunk.err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to decompress chunk %d: %w", chunk.index, chunk.err)
		}
		if firstErr == nil {
			copyChunk(chunk, l, output, x, y, width, height)
		}
		if chunk.pooled {
			PutBuffer(chunk.decompressed)
		}
		PutBuffer(chunk.compressed)
	}
	if firstErr != nil {
		return nil, firstErr
	}
	return output, nil
}

func (c *COGSource) fetchChunks(chunks []*chunkWork) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, chunk := range chunks {
		size := c.layout.counts[chunk.index]
		chunk.compressed = GetBuffer(size)
		if _, err := c.reader.Seek(int64(c.layout.offsets[chunk.index]), io.SeekStart); err != nil {
			releaseChunks(chunks[:i+1])
			return fmt.Errorf("failed to seek to chunk %d: %w", chunk.index, err)
		}
		if _, err := io.ReadFull(c.reader, chunk.compressed); err != nil {
			releaseChunks(chunks[:i+1])
			return fmt.Errorf("failed to read chunk %d: %w", chunk.index, err)
		}
	}
	return nil
}

func releaseChunks(chunks []*chunkWork) {
	for _, chunk := range chunks {
		if chunk.compressed != nil {
			PutBuffer(chunk.compressed)
			chunk.compressed = nil
		}
	}
}

// decompress returns at least expected bytes of chunk data. pooled reports
// whether the result must go back with PutBuffer.
func (c *COGSource) decompress(data []byte, expected int) ([]byte, bool, error) {
	switch c.layout.compression {
	case CompressionNone:
		if len(data) < expected {
			return nil, false, fmt.Errorf("chunk holds %d bytes, expected %d", len(data), expected)
		}
		out := GetBuffer(expected)
		copy(out, data)
		return out, true, nil

	case CompressionLZW:
		// TIFF LZW is MSB first; very old writers used LSB
		out, err := readAllExpected(lzw.NewReader(bytes.NewReader(data), lzw.MSB, 8), expected)
		if err != nil {
			out, err = readAllExpected(lzw.NewReader(bytes.NewReader(data), lzw.LSB, 8), expected)
		}
		if err != nil {
			return nil, false, fmt.Errorf("failed to decompress LZW chunk: %w", err)
		}
		return out, true, nil

	case CompressionDeflate, CompressionAdobe:
		zr, err := zlib.NewReader(bytes.NewReader(data))
		var out []byte
		if err == nil {
			out, err = readAllExpected(zr, expected)
		} else {
			// raw deflate stream without zlib header
			out, err = readAllExpected(flate.NewReader(bytes.NewReader(data)), expected)
		}
		if err != nil {
			return nil, false, fmt.Errorf("failed to decompress Deflate chunk: %w", err)
		}
		return out, true, nil

	case CompressionJPEG:
		out, err := decodeJPEGChunk(data, expected, c.geoTIFF.GetMetadata().BandCount)
		return out, true, err
	}
	return nil, false, fmt.Errorf("unsupported compression type: %d", c.layout.compression)
}

func readAllExpected(r io.ReadCloser, expected int) ([]byte, error) {
	defer r.Close()
	out := GetBuffer(expected)
	if _, err := io.ReadFull(r, out); err != nil {
		PutBuffer(out)
		return nil, fmt.Errorf("decompressed stream is short of %d bytes: %w", expected, err)
	}
	return out, nil
}

// decodeJPEGChunk expands an 8-bit JPEG tile to interleaved samples.
func decodeJPEGChunk(data []byte, expected, bands int) ([]byte, error) {
	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode JPEG chunk: %w", err)
	}
	out := GetBuffer(expected)
	clear(out)
	b := img.Bounds()
	width := expected / bands
	if h := b.Dy(); h > 0 {
		width /= h
	}
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < min(b.Dx(), width); x++ {
			off := (y*width + x) * bands
			if off+bands > len(out) {
				break
			}
			if g, ok := img.(*image.Gray); ok {
				out[off] = g.GrayAt(b.Min.X+x, b.Min.Y+y).Y
				continue
			}
			r, gr, bl, _ := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
			rgb := [3]byte{uint8(r >> 8), uint8(gr >> 8), uint8(bl >> 8)}
			for i := range min(bands, 3) {
				out[off+i] = rgb[i]
			}
		}
	}
	return out, nil
}

// undoHorizontalPredictor reverses TIFF predictor 2 (horizontal
// differencing) on integer samples, row by row.
func undoHorizontalPredictor(data []byte, chunkWidth int, meta *GeoTIFFMetadata, bo binary.ByteOrder) {
	bands := meta.BandCount
	size := meta.SampleType.Size()
	rowBytes := chunkWidth * bands * size
	for row := 0; row+rowBytes <= len(data); row += rowBytes {
		line := data[row : row+rowBytes]
		for i := bands; i < chunkWidth*bands; i++ {
			switch size {
			case 1:
				line[i] += line[i-bands]
			case 2:
				v := bo.Uint16(line[i*2:]) + bo.Uint16(line[(i-bands)*2:])
				bo.PutUint16(line[i*2:], v)
			case 4:
				v := bo.Uint32(line[i*4:]) + bo.Uint32(line[(i-bands)*4:])
				bo.PutUint32(line[i*4:], v)
			}
		}
	}
}

// copyChunk copies the intersection of a decompressed chunk and the window.
func copyChunk(chunk *chunkWork, l *chunkLayout, output []byte, x, y, width, height int) {
	x0 := max(x, chunk.cx*l.width)
	y0 := max(y, chunk.cy*l.height)
	x1 := min(x+width, (chunk.cx+1)*l.width)
	y1 := min(y+height, (chunk.cy+1)*l.height)
	if x0 >= x1 || y0 >= y1 {
		return
	}
	n := (x1 - x0) * l.pixelBytes
	for row := y0; row < y1; row++ {
		src := ((row-chunk.cy*l.height)*l.width + (x0 - chunk.cx*l.width)) * l.pixelBytes
		dst := ((row-y)*width + (x0 - x)) * l.pixelBytes
		if src+n > len(chunk.decompressed) {
			return
		}
		copy(output[dst:dst+n], chunk.decompressed[src:src+n])
	}
}

// decodeSamples converts interleaved raw samples to float64.
func decodeSamples(data []byte, dst []float64, st SampleType, bo binary.ByteOrder) {
	size := st.Size()
	for i := range dst {
		v := data[i*size : i*size+size]
		switch st {
		case SampleUint8:
			dst[i] = float64(v[0])
		case SampleInt8:
			dst[i] = float64(int8(v[0]))
		case SampleUint16:
			dst[i] = float64(bo.Uint16(v))
		case SampleInt16:
			dst[i] = float64(int16(bo.Uint16(v)))
		case SampleUint32:
			dst[i] = float64(bo.Uint32(v))
		case SampleInt32:
			dst[i] = float64(int32(bo.Uint32(v)))
		case SampleFloat32:
			dst[i] = float64(math.Float32frombits(bo.Uint32(v)))
		case SampleFloat64:
			dst[i] = math.Float64frombits(bo.Uint64(v))
		}
	}
}
