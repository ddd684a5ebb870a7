package goresample

import (
	"fmt"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
	"github.com/paulmach/orb/project"
	"gonum.org/v1/gonum/mat"
)

// DefaultTileSize is the pixel size of a web map tile.
const DefaultTileSize = 256

// TileGeometry returns the output grid of a web map tile in Web Mercator
// (EPSG:3857) meters: size x size pixels, north up, the first pixel at the
// north-west corner. size <= 0 means DefaultTileSize.
func TileGeometry(tile maptile.Tile, size int) Geometry {
	if size <= 0 {
		size = DefaultTileSize
	}
	b := tile.Bound()
	nw := project.WGS84.ToMercator(orb.Point{b.Min[0], b.Max[1]})
	se := project.WGS84.ToMercator(orb.Point{b.Max[0], b.Min[1]})

	sx := (se[0] - nw[0]) / float64(size)
	sy := (nw[1] - se[1]) / float64(size)
	return Geometry{
		Size:       []int{size, size},
		StartIndex: []int{0, 0},
		Spacing:    []float64{sx, sy},
		Origin:     []float64{nw[0] + sx/2, nw[1] - sy/2},
		Direction:  mat.NewDense(2, 2, []float64{1, 0, 0, -1}),
	}
}

// ParseTile parses a "z/x/y" tile name.
func ParseTile(s string) (maptile.Tile, error) {
	var z, x, y uint32
	if _, err := fmt.Sscanf(s, "%d/%d/%d", &z, &x, &y); err != nil {
		return maptile.Tile{}, fmt.Errorf("invalid tile %q, want z/x/y: %w", s, err)
	}
	if z > 30 {
		return maptile.Tile{}, fmt.Errorf("invalid tile %q: zoom %d out of range", s, z)
	}
	t := maptile.New(x, y, maptile.Zoom(z))
	if !t.Valid() {
		return maptile.Tile{}, fmt.Errorf("invalid tile %q: x or y out of range", s)
	}
	return t, nil
}
