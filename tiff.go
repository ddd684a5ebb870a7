package goresample

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

// TIFF constants
const (
	tiffMagicLE = 0x4949 // "II" little-endian
	tiffMagicBE = 0x4D4D // "MM" big-endian
	tiffVersion = 42
)

// Compression types
const (
	CompressionNone    = 1
	CompressionLZW     = 5
	CompressionJPEG    = 6
	CompressionDeflate = 8
	CompressionAdobe   = 32946 // old-style deflate code
)

// Baseline tag IDs
const (
	TagImageWidth                = 256
	TagImageLength               = 257
	TagBitsPerSample             = 258
	TagCompression               = 259
	TagPhotometricInterpretation = 262
	TagStripOffsets              = 273
	TagSamplesPerPixel           = 277
	TagRowsPerStrip              = 278
	TagStripByteCounts           = 279
	TagPlanarConfiguration       = 284
	TagPredictor                 = 317
	TagTileWidth                 = 322
	TagTileLength                = 323
	TagTileOffsets               = 324
	TagTileByteCounts            = 325
	TagSampleFormat              = 339
)

// FieldType is the TIFF type code of a tag value.
type FieldType uint16

const (
	FieldByte      FieldType = 1
	FieldASCII     FieldType = 2
	FieldShort     FieldType = 3
	FieldLong      FieldType = 4
	FieldRational  FieldType = 5
	FieldSByte     FieldType = 6
	FieldUndefined FieldType = 7
	FieldSShort    FieldType = 8
	FieldSLong     FieldType = 9
	FieldSRational FieldType = 10
	FieldFloat     FieldType = 11
	FieldDouble    FieldType = 12
)

// Size returns the byte size of one value of the type.
func (t FieldType) Size() int {
	switch t {
	case FieldShort, FieldSShort:
		return 2
	case FieldLong, FieldSLong, FieldFloat:
		return 4
	case FieldRational, FieldSRational, FieldDouble:
		return 8
	default:
		return 1
	}
}

// Tag is one IFD entry. Values holds the decoded numbers (rationals as
// num/den); Text holds ASCII values. Large arrays are left undecoded until
// TIFFReader.LoadTag.
type Tag struct {
	ID     uint16
	Type   FieldType
	Count  uint32
	Offset uint32

	Values []float64
	Text   string
	Loaded bool
}

// Uint returns the first value as an integer.
func (t *Tag) Uint() (int, bool) {
	if t == nil || len(t.Values) == 0 {
		return 0, false
	}
	return int(t.Values[0]), true
}

// Uints returns all values as integers.
func (t *Tag) Uints() []int {
	if t == nil {
		return nil
	}
	out := make([]int, len(t.Values))
	for i, v := range t.Values {
		out[i] = int(v)
	}
	return out
}

func (t *Tag) byteSize() int {
	return t.Type.Size() * int(t.Count)
}

// IFD represents an Image File Directory
type IFD struct {
	Tags      map[uint16]*Tag
	NextIFD   uint32
	ByteOrder binary.ByteOrder
}

// uintTag returns the first value of a tag, or def when it is absent.
func (ifd *IFD) uintTag(id uint16, def int) int {
	if v, ok := ifd.Tags[id].Uint(); ok {
		return v
	}
	return def
}

// TIFFReader parses the directory structure of a classic TIFF file.
type TIFFReader struct {
	r         io.ReadSeeker
	byteOrder binary.ByteOrder
	ifds      []*IFD
}

// deferredTags are the per-chunk arrays that can hold thousands of entries.
// They are decoded on first use.
var deferredTags = map[uint16]bool{
	TagStripOffsets:    true,
	TagStripByteCounts: true,
	TagTileOffsets:     true,
	TagTileByteCounts:  true,
}

// NewTIFFReader reads the header and every IFD of r.
func NewTIFFReader(r io.ReadSeeker) (*TIFFReader, error) {
	tr := &TIFFReader{r: r}

	header := make([]byte, 8)
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("failed to seek to TIFF header: %w", err)
	}
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("failed to read TIFF header: %w", err)
	}

	switch magic := binary.LittleEndian.Uint16(header[0:2]); magic {
	case tiffMagicLE:
		tr.byteOrder = binary.LittleEndian
	case tiffMagicBE:
		tr.byteOrder = binary.BigEndian
	default:
		return nil, fmt.Errorf("invalid TIFF magic: 0x%04x", magic)
	}
	if version := tr.byteOrder.Uint16(header[2:4]); version != tiffVersion {
		return nil, fmt.Errorf("invalid TIFF version: %d", version)
	}

	seen := map[uint32]bool{}
	for offset := tr.byteOrder.Uint32(header[4:8]); offset != 0; {
		if seen[offset] {
			return nil, fmt.Errorf("IFD loop at offset %d", offset)
		}
		seen[offset] = true
		ifd, err := tr.readIFD(offset)
		if err != nil {
			return nil, fmt.Errorf("failed to read IFD at %d: %w", offset, err)
		}
		tr.ifds = append(tr.ifds, ifd)
		offset = ifd.NextIFD
	}
	if len(tr.ifds) == 0 {
		return nil, fmt.Errorf("TIFF has no image directory")
	}
	return tr, nil
}

func (tr *TIFFReader) readAt(offset int64, buf []byte) error {
	if _, err := tr.r.Seek(offset, io.SeekStart); err != nil {
		return err
	}
	_, err := io.ReadFull(tr.r, buf)
	return err
}

func (tr *TIFFReader) readIFD(offset uint32) (*IFD, error) {
	var countBuf [2]byte
	if err := tr.readAt(int64(offset), countBuf[:]); err != nil {
		return nil, fmt.Errorf("failed to read tag count: %w", err)
	}
	tagCount := int(tr.byteOrder.Uint16(countBuf[:]))

	// entries (12 bytes each) and the next IFD offset in one read
	buf := make([]byte, tagCount*12+4)
	if _, err := io.ReadFull(tr.r, buf); err != nil {
		return nil, fmt.Errorf("failed to read IFD entries: %w", err)
	}

	ifd := &IFD{
		Tags:      make(map[uint16]*Tag, tagCount),
		ByteOrder: tr.byteOrder,
		NextIFD:   tr.byteOrder.Uint32(buf[tagCount*12:]),
	}
	for i := range tagCount {
		e := buf[i*12 : i*12+12]
		tag := &Tag{
			ID:     tr.byteOrder.Uint16(e[0:2]),
			Type:   FieldType(tr.byteOrder.Uint16(e[2:4])),
			Count:  tr.byteOrder.Uint32(e[4:8]),
			Offset: tr.byteOrder.Uint32(e[8:12]),
		}
		if tag.byteSize() <= 4 {
			tr.decodeTag(tag, e[8:12])
		} else if !deferredTags[tag.ID] {
			if err := tr.loadTag(tag); err != nil {
				return nil, fmt.Errorf("failed to read tag %d: %w", tag.ID, err)
			}
		}
		ifd.Tags[tag.ID] = tag
	}
	return ifd, nil
}

func (tr *TIFFReader) loadTag(tag *Tag) error {
	raw := make([]byte, tag.byteSize())
	if err := tr.readAt(int64(tag.Offset), raw); err != nil {
		return err
	}
	tr.decodeTag(tag, raw)
	return nil
}

// LoadTag decodes a deferred tag of ifd. Loaded tags are left alone.
func (tr *TIFFReader) LoadTag(ifd *IFD, id uint16) (*Tag, error) {
	tag, ok := ifd.Tags[id]
	if !ok {
		return nil, fmt.Errorf("tag %d not found", id)
	}
	if tag.Loaded {
		return tag, nil
	}
	if err := tr.loadTag(tag); err != nil {
		return nil, fmt.Errorf("failed to read tag %d: %w", id, err)
	}
	return tag, nil
}

// decodeTag fills Values or Text from the raw value bytes.
func (tr *TIFFReader) decodeTag(tag *Tag, raw []byte) {
	bo := tr.byteOrder
	n := int(tag.Count)
	size := tag.Type.Size()
	tag.Loaded = true
	if tag.Type == FieldASCII {
		end := min(n, len(raw))
		for end > 0 && raw[end-1] == 0 {
			end--
		}
		tag.Text = string(raw[:end])
		return
	}
	tag.Values = make([]float64, n)
	for i := range n {
		v := raw[i*size : i*size+size]
		switch tag.Type {
		case FieldShort:
			tag.Values[i] = float64(bo.Uint16(v))
		case FieldSShort:
			tag.Values[i] = float64(int16(bo.Uint16(v)))
		case FieldLong:
			tag.Values[i] = float64(bo.Uint32(v))
		case FieldSLong:
			tag.Values[i] = float64(int32(bo.Uint32(v)))
		case FieldSByte:
			tag.Values[i] = float64(int8(v[0]))
		case FieldFloat:
			tag.Values[i] = float64(math.Float32frombits(bo.Uint32(v)))
		case FieldDouble:
			tag.Values[i] = math.Float64frombits(bo.Uint64(v))
		case FieldRational:
			if den := bo.Uint32(v[4:]); den != 0 {
				tag.Values[i] = float64(bo.Uint32(v)) / float64(den)
			}
		case FieldSRational:
			if den := int32(bo.Uint32(v[4:])); den != 0 {
				tag.Values[i] = float64(int32(bo.Uint32(v))) / float64(den)
			}
		default:
			tag.Values[i] = float64(v[0])
		}
	}
}

// GetIFD returns the IFD at the specified index (0 = main image)
func (tr *TIFFReader) GetIFD(index int) *IFD {
	if index < 0 || index >= len(tr.ifds) {
		return nil
	}
	return tr.ifds[index]
}

// IFDCount returns the number of IFDs (main image + overviews)
func (tr *TIFFReader) IFDCount() int {
	return len(tr.ifds)
}
