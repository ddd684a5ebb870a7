package goresample

import (
	"bytes"
	"encoding/binary"
	"image"
	"image/jpeg"
	"math"
	"slices"
	"testing"

	"github.com/klauspost/compress/zlib"
)

// testEntry is one IFD entry of a synthetic TIFF; data holds the encoded
// values.
type testEntry struct {
	id    uint16
	typ   FieldType
	count int
	data  []byte
}

func shortEntry(bo binary.ByteOrder, id uint16, v ...int) testEntry {
	data := make([]byte, 2*len(v))
	for i, x := range v {
		bo.PutUint16(data[2*i:], uint16(x))
	}
	return testEntry{id, FieldShort, len(v), data}
}

func longEntry(bo binary.ByteOrder, id uint16, v ...int) testEntry {
	data := make([]byte, 4*len(v))
	for i, x := range v {
		bo.PutUint32(data[4*i:], uint32(x))
	}
	return testEntry{id, FieldLong, len(v), data}
}

func doubleEntry(bo binary.ByteOrder, id uint16, v ...float64) testEntry {
	data := make([]byte, 8*len(v))
	for i, x := range v {
		bo.PutUint64(data[8*i:], math.Float64bits(x))
	}
	return testEntry{id, FieldDouble, len(v), data}
}

func asciiEntry(id uint16, s string) testEntry {
	return testEntry{id, FieldASCII, len(s) + 1, append([]byte(s), 0)}
}

// encodeTIFF lays out a single-IFD TIFF: header, IFD, out-of-line values,
// then the chunks. The offsets entry is filled in with the chunk positions.
func encodeTIFF(bo binary.ByteOrder, entries []testEntry, chunks [][]byte, offsetsTag uint16) []byte {
	counts := make([]int, len(chunks))
	for i, c := range chunks {
		counts[i] = len(c)
	}
	entries = append(entries, longEntry(bo, offsetsTag, make([]int, len(chunks))...))
	countsTag := uint16(TagStripByteCounts)
	if offsetsTag == TagTileOffsets {
		countsTag = TagTileByteCounts
	}
	entries = append(entries, longEntry(bo, countsTag, counts...))
	slices.SortFunc(entries, func(a, b testEntry) int { return int(a.id) - int(b.id) })

	ifdSize := 2 + 12*len(entries) + 4
	pos := 8 + ifdSize
	valueAt := make([]int, len(entries))
	for i, e := range entries {
		if len(e.data) > 4 {
			valueAt[i] = pos
			pos += len(e.data) + len(e.data)%2
		}
	}
	offsets := make([]int, len(chunks))
	for i, c := range chunks {
		offsets[i] = pos
		pos += len(c)
	}
	for i, e := range entries {
		if e.id == offsetsTag {
			entries[i] = longEntry(bo, offsetsTag, offsets...)
		}
	}

	buf := make([]byte, pos)
	if bo == binary.ByteOrder(binary.LittleEndian) {
		copy(buf, "II")
	} else {
		copy(buf, "MM")
	}
	bo.PutUint16(buf[2:], tiffVersion)
	bo.PutUint32(buf[4:], 8)
	bo.PutUint16(buf[8:], uint16(len(entries)))
	for i, e := range entries {
		p := 10 + 12*i
		bo.PutUint16(buf[p:], e.id)
		bo.PutUint16(buf[p+2:], uint16(e.typ))
		bo.PutUint32(buf[p+4:], uint32(e.count))
		if len(e.data) > 4 {
			bo.PutUint32(buf[p+8:], uint32(valueAt[i]))
			copy(buf[valueAt[i]:], e.data)
		} else {
			copy(buf[p+8:p+12], e.data)
		}
	}
	// next IFD offset stays 0
	for i, c := range chunks {
		copy(buf[offsets[i]:], c)
	}
	return buf
}

// testImage describes a synthetic GeoTIFF.
type testImage struct {
	width, height, bands int
	sample               SampleType
	byteOrder            binary.ByteOrder
	tile                 int // 0 for strips
	rowsPerStrip         int
	compression          int
	predictor            int

	scale        []float64 // ModelPixelScale x, y
	tie          []float64 // pixel x, y, geo x, y
	transform    []float64 // ModelTransformation (16 values)
	pixelIsPoint bool
	epsg         int
	photometric  int // 0 picks from the band count, -1 writes WhiteIsZero
	extra        []testEntry
}

// testSample is the value stored at (x, y, b).
func testSample(img testImage, x, y, b int) float64 {
	v := float64((x*3 + y*7 + b*11) % 251)
	switch img.sample {
	case SampleUint16:
		return v * 257
	case SampleInt16:
		return v - 125
	case SampleFloat32:
		return v/4 - 10
	}
	return v
}

func putSample(dst []byte, img testImage, v float64) {
	bo := img.byteOrder
	switch img.sample {
	case SampleUint8:
		dst[0] = uint8(v)
	case SampleUint16:
		bo.PutUint16(dst, uint16(v))
	case SampleInt16:
		bo.PutUint16(dst, uint16(int16(v)))
	case SampleFloat32:
		bo.PutUint32(dst, math.Float32bits(float32(v)))
	}
}

// chunk encodes the pixels of a chunk starting at (x0, y0); pixels past
// the image are zero.
func (img testImage) chunk(x0, y0, w, h int) []byte {
	size := img.sample.Size()
	raw := make([]byte, w*h*img.bands*size)
	for y := range h {
		for x := range w {
			if x0+x >= img.width || y0+y >= img.height {
				continue
			}
			for b := range img.bands {
				off := ((y*w+x)*img.bands + b) * size
				putSample(raw[off:], img, testSample(img, x0+x, y0+y, b))
			}
		}
	}
	if img.predictor == 2 {
		applyPredictor(raw, w, img)
	}
	if img.compression == CompressionJPEG {
		var buf bytes.Buffer
		gray := &image.Gray{Pix: raw, Stride: w, Rect: image.Rect(0, 0, w, h)}
		jpeg.Encode(&buf, gray, &jpeg.Options{Quality: 100})
		return buf.Bytes()
	}
	if img.compression == CompressionDeflate {
		var buf bytes.Buffer
		zw := zlib.NewWriter(&buf)
		zw.Write(raw)
		zw.Close()
		return buf.Bytes()
	}
	return raw
}

// applyPredictor replaces every sample but the first of each row by its
// difference to the previous pixel.
func applyPredictor(raw []byte, w int, img testImage) {
	bo := img.byteOrder
	n := img.bands
	rowBytes := w * n * img.sample.Size()
	for row := 0; row < len(raw); row += rowBytes {
		line := raw[row : row+rowBytes]
		for i := w*n - 1; i >= n; i-- {
			switch img.sample.Size() {
			case 1:
				line[i] -= line[i-n]
			case 2:
				bo.PutUint16(line[i*2:], bo.Uint16(line[i*2:])-bo.Uint16(line[(i-n)*2:]))
			}
		}
	}
}

func (img testImage) encode() []byte {
	bo := img.byteOrder
	if bo == nil {
		bo = binary.LittleEndian
		img.byteOrder = bo
	}
	bits, format := 8, 1
	switch img.sample {
	case SampleUint16:
		bits = 16
	case SampleInt16:
		bits, format = 16, 2
	case SampleFloat32:
		bits, format = 32, 3
	}
	compression := img.compression
	if compression == 0 {
		compression = CompressionNone
	}
	bitsPerSample := make([]int, img.bands)
	for i := range bitsPerSample {
		bitsPerSample[i] = bits
	}
	photometric := img.photometric
	if photometric == 0 && img.bands == 3 {
		photometric = 2
	} else if photometric == 0 {
		photometric = 1
	} else if photometric < 0 {
		photometric = 0
	}

	entries := []testEntry{
		longEntry(bo, TagImageWidth, img.width),
		longEntry(bo, TagImageLength, img.height),
		shortEntry(bo, TagBitsPerSample, bitsPerSample...),
		shortEntry(bo, TagCompression, compression),
		shortEntry(bo, TagPhotometricInterpretation, photometric),
		shortEntry(bo, TagSamplesPerPixel, img.bands),
		shortEntry(bo, TagSampleFormat, format),
	}
	if img.predictor != 0 {
		entries = append(entries, shortEntry(bo, TagPredictor, img.predictor))
	}
	if img.scale != nil {
		entries = append(entries, doubleEntry(bo, TagModelPixelScale, img.scale[0], img.scale[1], 0))
	}
	if img.tie != nil {
		entries = append(entries, doubleEntry(bo, TagModelTiepoint, img.tie[0], img.tie[1], 0, img.tie[2], img.tie[3], 0))
	}
	if img.transform != nil {
		entries = append(entries, doubleEntry(bo, TagModelTransformation, img.transform...))
	}
	entries = append(entries, img.extra...)
	keys := []int{1, 1, 0, 0}
	if img.epsg != 0 {
		keys = append(keys, ProjectedCSTypeGeoKey, 0, 1, img.epsg)
	}
	if img.pixelIsPoint {
		keys = append(keys, GTRasterTypeGeoKey, 0, 1, GTRasterTypePixelIsPoint)
	}
	keys[3] = (len(keys) - 4) / 4
	entries = append(entries, shortEntry(bo, TagGeoKeyDirectory, keys...))

	var chunks [][]byte
	offsetsTag := uint16(TagStripOffsets)
	if img.tile > 0 {
		offsetsTag = TagTileOffsets
		entries = append(entries,
			shortEntry(bo, TagTileWidth, img.tile),
			shortEntry(bo, TagTileLength, img.tile))
		for y := 0; y < img.height; y += img.tile {
			for x := 0; x < img.width; x += img.tile {
				chunks = append(chunks, img.chunk(x, y, img.tile, img.tile))
			}
		}
	} else {
		rps := img.rowsPerStrip
		if rps == 0 {
			rps = img.height
		}
		entries = append(entries, longEntry(bo, TagRowsPerStrip, rps))
		for y := 0; y < img.height; y += rps {
			chunks = append(chunks, img.chunk(0, y, img.width, min(rps, img.height-y)))
		}
	}
	return encodeTIFF(bo, entries, chunks, offsetsTag)
}

func TestTIFFReader(t *testing.T) {
	for _, bo := range []binary.ByteOrder{binary.LittleEndian, binary.BigEndian} {
		data := testImage{width: 100, height: 40, bands: 1, sample: SampleUint8, byteOrder: bo, tile: 16}.encode()
		tr, err := NewTIFFReader(bytes.NewReader(data))
		if err != nil {
			t.Fatalf("%v: failed to create TIFF reader: %v", bo, err)
		}
		if tr.IFDCount() != 1 {
			t.Errorf("%v: expected 1 IFD, got %d", bo, tr.IFDCount())
		}
		ifd := tr.GetIFD(0)
		if ifd == nil {
			t.Fatal("IFD 0 is nil")
		}
		if ifd.ByteOrder != bo {
			t.Errorf("byte order = %v, want %v", ifd.ByteOrder, bo)
		}
		if w, ok := ifd.Tags[TagImageWidth].Uint(); !ok || w != 100 {
			t.Errorf("%v: width = %d, want 100", bo, w)
		}
		if tr.GetIFD(1) != nil {
			t.Error("GetIFD(1) on a single image file is not nil")
		}

		// 7 x 3 tiles: offsets are deferred until asked for
		offsets := ifd.Tags[TagTileOffsets]
		if offsets.Loaded {
			t.Error("tile offsets decoded eagerly")
		}
		loaded, err := tr.LoadTag(ifd, TagTileOffsets)
		if err != nil {
			t.Fatal(err)
		}
		if n := len(loaded.Uints()); n != 21 {
			t.Errorf("%d tile offsets, want 21", n)
		}
		if _, err := tr.LoadTag(ifd, TagStripOffsets); err == nil {
			t.Error("LoadTag of an absent tag succeeded")
		}
	}
}

func TestTIFFReaderTagTypes(t *testing.T) {
	bo := binary.LittleEndian
	rational := make([]byte, 8)
	bo.PutUint32(rational, 3)
	bo.PutUint32(rational[4:], 4)
	entries := []testEntry{
		longEntry(bo, TagImageWidth, 1),
		longEntry(bo, TagImageLength, 1),
		asciiEntry(305, "goresample test"),
		{282, FieldRational, 1, rational},
		{283, FieldSShort, 1, []byte{0xfe, 0xff}},
	}
	data := encodeTIFF(bo, entries, [][]byte{{0}}, TagStripOffsets)
	tr, err := NewTIFFReader(bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	ifd := tr.GetIFD(0)
	if got := ifd.Tags[305].Text; got != "goresample test" {
		t.Errorf("ASCII tag = %q", got)
	}
	if got := ifd.Tags[282].Values[0]; got != 0.75 {
		t.Errorf("rational tag = %v, want 0.75", got)
	}
	if got := ifd.Tags[283].Values[0]; got != -2 {
		t.Errorf("signed short tag = %v, want -2", got)
	}
}

func TestTIFFReaderInvalid(t *testing.T) {
	valid := testImage{width: 4, height: 4, bands: 1, sample: SampleUint8}.encode()

	badMagic := slices.Clone(valid)
	copy(badMagic, "XX")
	badVersion := slices.Clone(valid)
	binary.LittleEndian.PutUint16(badVersion[2:], 43)
	loop := slices.Clone(valid)
	// point the next-IFD field back at the first IFD
	n := int(binary.LittleEndian.Uint16(loop[8:]))
	binary.LittleEndian.PutUint32(loop[10+12*n:], 8)

	tests := []struct {
		name string
		data []byte
	}{
		{"short", valid[:5]},
		{"bad magic", badMagic},
		{"bad version", badVersion},
		{"truncated IFD", valid[:20]},
		{"IFD loop", loop},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewTIFFReader(bytes.NewReader(tt.data)); err == nil {
				t.Error("expected an error")
			}
		})
	}
}

func TestFieldTypeSize(t *testing.T) {
	sizes := map[FieldType]int{
		FieldByte: 1, FieldASCII: 1, FieldShort: 2, FieldSShort: 2,
		FieldLong: 4, FieldFloat: 4, FieldRational: 8, FieldDouble: 8,
	}
	for typ, want := range sizes {
		if got := typ.Size(); got != want {
			t.Errorf("FieldType(%d).Size() = %d, want %d", typ, got, want)
		}
	}
}
