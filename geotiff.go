package goresample

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
	"gonum.org/v1/gonum/mat"
)

// GeoTIFF tag IDs
const (
	TagModelPixelScale     = 33550
	TagModelTiepoint       = 33922
	TagModelTransformation = 34264
	TagGeoKeyDirectory     = 34735
	TagGeoDoubleParams     = 34736
	TagGeoAsciiParams      = 34737
)

// GeoKeys
const (
	GTModelTypeGeoKey        = 1024
	GTRasterTypeGeoKey       = 1025
	GTRasterTypePixelIsPoint = 2
	GeographicTypeGeoKey     = 2048
	ProjectedCSTypeGeoKey    = 3072
)

// SampleType is the numeric type of one pixel sample.
type SampleType int

const (
	SampleUint8 SampleType = iota
	SampleInt8
	SampleUint16
	SampleInt16
	SampleUint32
	SampleInt32
	SampleFloat32
	SampleFloat64
)

// Size returns the byte size of one sample.
func (s SampleType) Size() int {
	switch s {
	case SampleUint16, SampleInt16:
		return 2
	case SampleUint32, SampleInt32, SampleFloat32:
		return 4
	case SampleFloat64:
		return 8
	default:
		return 1
	}
}

func (s SampleType) String() string {
	return [...]string{"uint8", "int8", "uint16", "int16", "uint32", "int32", "float32", "float64"}[s]
}

// maxValue is the largest value of an integer sample type, used to invert
// WhiteIsZero images.
func (s SampleType) maxValue() float64 {
	switch s {
	case SampleInt8:
		return math.MaxInt8
	case SampleUint16:
		return math.MaxUint16
	case SampleInt16:
		return math.MaxInt16
	case SampleUint32:
		return math.MaxUint32
	case SampleInt32:
		return math.MaxInt32
	default:
		return math.MaxUint8
	}
}

// GeoTIFFMetadata is the image layout and georeferencing of one IFD.
type GeoTIFFMetadata struct {
	PixelScale                [3]float64
	TiePoints                 []TiePoint
	Transformation            [16]float64
	GeoKeys                   map[uint16]any
	CRS                       string
	Width                     int
	Height                    int
	BandCount                 int
	SampleType                SampleType
	PhotometricInterpretation int // 0=WhiteIsZero, 1=BlackIsZero, 2=RGB, 3=Palette
	PixelIsPoint              bool
}

// TiePoint represents a georeferencing tie point
type TiePoint struct {
	PixelX, PixelY, PixelZ float64
	GeoX, GeoY, GeoZ       float64
}

// GeoTIFFReader reads GeoTIFF metadata
type GeoTIFFReader struct {
	tr       *TIFFReader
	metadata *GeoTIFFMetadata
}

// NewGeoTIFFReader reads the metadata of IFD ifdIndex.
func NewGeoTIFFReader(tr *TIFFReader, ifdIndex int) (*GeoTIFFReader, error) {
	gtr := &GeoTIFFReader{
		tr: tr,
		metadata: &GeoTIFFMetadata{
			GeoKeys: make(map[uint16]any),
		},
	}
	if err := gtr.readMetadata(ifdIndex); err != nil {
		return nil, err
	}
	return gtr, nil
}

func (gtr *GeoTIFFReader) readMetadata(ifdIndex int) error {
	ifd := gtr.tr.GetIFD(ifdIndex)
	if ifd == nil {
		return fmt.Errorf("IFD %d not found", ifdIndex)
	}
	m := gtr.metadata

	m.Width = ifd.uintTag(TagImageWidth, 0)
	m.Height = ifd.uintTag(TagImageLength, 0)
	if m.Width <= 0 || m.Height <= 0 {
		return fmt.Errorf("invalid image size %dx%d", m.Width, m.Height)
	}
	m.BandCount = ifd.uintTag(TagSamplesPerPixel, 1)
	m.PhotometricInterpretation = ifd.uintTag(TagPhotometricInterpretation, 1)

	st, err := sampleTypeOf(ifd.uintTag(TagBitsPerSample, 8), ifd.uintTag(TagSampleFormat, 1))
	if err != nil {
		return err
	}
	m.SampleType = st

	if tag := ifd.Tags[TagModelPixelScale]; tag != nil && len(tag.Values) >= 2 {
		copy(m.PixelScale[:], tag.Values)
	}
	if tag := ifd.Tags[TagModelTiepoint]; tag != nil {
		m.TiePoints = parseTiePoints(tag.Values)
	}
	if tag := ifd.Tags[TagModelTransformation]; tag != nil && len(tag.Values) >= 16 {
		copy(m.Transformation[:], tag.Values[:16])
	}

	if err := gtr.readGeoKeys(ifd); err != nil {
		return fmt.Errorf("failed to read GeoKeys: %w", err)
	}
	if v, ok := m.GeoKeys[GTRasterTypeGeoKey].(int); ok && v == GTRasterTypePixelIsPoint {
		m.PixelIsPoint = true
	}
	m.CRS = gtr.determineCRS()
	return nil
}

// sampleTypeOf maps BitsPerSample and SampleFormat (1 unsigned, 2 signed,
// 3 IEEE float) to a sample type.
func sampleTypeOf(bits, format int) (SampleType, error) {
	switch {
	case bits == 8 && format == 2:
		return SampleInt8, nil
	case bits == 8:
		return SampleUint8, nil
	case bits == 16 && format == 2:
		return SampleInt16, nil
	case bits == 16:
		return SampleUint16, nil
	case bits == 32 && format == 3:
		return SampleFloat32, nil
	case bits == 32 && format == 2:
		return SampleInt32, nil
	case bits == 32:
		return SampleUint32, nil
	case bits == 64 && format == 3:
		return SampleFloat64, nil
	}
	return 0, fmt.Errorf("unsupported sample layout: %d bits, format %d", bits, format)
}

func parseTiePoints(values []float64) []TiePoint {
	tiePoints := make([]TiePoint, 0, len(values)/6)
	for i := 0; i+5 < len(values); i += 6 {
		tiePoints = append(tiePoints, TiePoint{
			PixelX: values[i],
			PixelY: values[i+1],
			PixelZ: values[i+2],
			GeoX:   values[i+3],
			GeoY:   values[i+4],
			GeoZ:   values[i+5],
		})
	}
	return tiePoints
}

// readGeoKeys decodes the GeoKey directory: a 4-value header followed by
// (key, location, count, value) quadruples. location 0 stores the value
// inline, otherwise it names the params tag holding it.
func (gtr *GeoTIFFReader) readGeoKeys(ifd *IFD) error {
	dir := ifd.Tags[TagGeoKeyDirectory]
	if dir == nil {
		return nil
	}
	keys := dir.Uints()
	if len(keys) < 4 {
		return fmt.Errorf("GeoKeyDirectory too short")
	}

	var doubles []float64
	if tag := ifd.Tags[TagGeoDoubleParams]; tag != nil {
		doubles = tag.Values
	}
	var ascii string
	if tag := ifd.Tags[TagGeoAsciiParams]; tag != nil {
		ascii = tag.Text
	}

	numKeys := keys[3]
	for i := 4; i+3 < len(keys) && (i-4)/4 < numKeys; i += 4 {
		id, location, count, value := uint16(keys[i]), keys[i+1], keys[i+2], keys[i+3]
		switch location {
		case 0:
			gtr.metadata.GeoKeys[id] = value
		case TagGeoDoubleParams:
			if end := value + count; count > 0 && end <= len(doubles) {
				if count == 1 {
					gtr.metadata.GeoKeys[id] = doubles[value]
				} else {
					gtr.metadata.GeoKeys[id] = doubles[value:end]
				}
			}
		case TagGeoAsciiParams:
			if value < len(ascii) {
				end := min(value+count, len(ascii))
				gtr.metadata.GeoKeys[id] = strings.TrimRight(ascii[value:end], "|\x00")
			}
		}
	}
	return nil
}

func (gtr *GeoTIFFReader) determineCRS() string {
	for _, key := range []uint16{ProjectedCSTypeGeoKey, GeographicTypeGeoKey} {
		if code, ok := gtr.metadata.GeoKeys[key].(int); ok && code != 0 && code != 32767 {
			return fmt.Sprintf("EPSG:%d", code)
		}
	}
	return ""
}

// pixelToGeo maps raster space (pixel corner convention: (0,0) is the outer
// corner of the first pixel) to model space.
func (gtr *GeoTIFFReader) pixelToGeo(pixelX, pixelY float64) (float64, float64) {
	m := gtr.metadata
	if m.PixelIsPoint {
		// tie points reference pixel centres
		pixelX -= 0.5
		pixelY -= 0.5
	}
	if gtr.hasTransformation() {
		t := m.Transformation
		return t[0]*pixelX + t[1]*pixelY + t[3], t[4]*pixelX + t[5]*pixelY + t[7]
	}
	if len(m.TiePoints) > 0 && m.PixelScale[0] != 0 {
		tp := m.TiePoints[0]
		geoX := tp.GeoX + (pixelX-tp.PixelX)*m.PixelScale[0]
		geoY := tp.GeoY - (pixelY-tp.PixelY)*m.PixelScale[1] // Y is inverted
		return geoX, geoY
	}
	// no georeferencing: raster space is the model space
	return pixelX, pixelY
}

func (gtr *GeoTIFFReader) hasTransformation() bool {
	return gtr.metadata.Transformation != [16]float64{}
}

// Bounds calculates the geographic bounding box
func (gtr *GeoTIFFReader) Bounds() orb.Bound {
	m := gtr.metadata
	w, h := float64(m.Width), float64(m.Height)
	b := orb.Bound{Min: orb.Point{math.Inf(1), math.Inf(1)}, Max: orb.Point{math.Inf(-1), math.Inf(-1)}}
	for _, c := range [4][2]float64{{0, 0}, {w, 0}, {0, h}, {w, h}} {
		x, y := gtr.pixelToGeo(c[0], c[1])
		b = b.Extend(orb.Point{x, y})
	}
	return b
}

// Geometry returns the 2-D grid of the image: origin at the centre of the
// first pixel, spacing and direction from the pixel-to-model mapping. A
// north-up image gets spacing (sx, sy) and direction diag(1, -1).
func (gtr *GeoTIFFReader) Geometry() Geometry {
	m := gtr.metadata
	ox, oy := gtr.pixelToGeo(0.5, 0.5)
	xx, xy := gtr.pixelToGeo(1.5, 0.5)
	yx, yy := gtr.pixelToGeo(0.5, 1.5)

	col0 := [2]float64{xx - ox, xy - oy}
	col1 := [2]float64{yx - ox, yy - oy}
	s0 := math.Hypot(col0[0], col0[1])
	s1 := math.Hypot(col1[0], col1[1])

	g := Geometry{
		Size:       []int{m.Width, m.Height},
		StartIndex: []int{0, 0},
		Spacing:    []float64{s0, s1},
		Origin:     []float64{ox, oy},
	}
	if s0 == 0 || s1 == 0 {
		// degenerate georeferencing; Validate reports it
		g.Direction = IdentityDirection(2)
		return g
	}
	g.Direction = mat.NewDense(2, 2, []float64{
		col0[0] / s0, col1[0] / s1,
		col0[1] / s0, col1[1] / s1,
	})
	return g
}

// GetMetadata returns the GeoTIFF metadata
func (gtr *GeoTIFFReader) GetMetadata() *GeoTIFFMetadata {
	return gtr.metadata
}

// ParseEPSGCode extracts EPSG code from CRS string
func ParseEPSGCode(crs string) (int, error) {
	code, ok := strings.CutPrefix(crs, "EPSG:")
	if !ok {
		return 0, fmt.Errorf("invalid CRS format: %s", crs)
	}
	return strconv.Atoi(code)
}
