package goresample

import (
	"testing"

	"github.com/paulmach/orb/maptile"
)

// half the Web Mercator world width
const mercatorHalf = 20037508.342789244

func TestTileGeometry(t *testing.T) {
	g := TileGeometry(maptile.New(0, 0, 0), 0)
	if err := g.Validate(); err != nil {
		t.Fatal(err)
	}
	if g.Size[0] != DefaultTileSize || g.Size[1] != DefaultTileSize {
		t.Errorf("size = %v", g.Size)
	}
	want := 2 * mercatorHalf / DefaultTileSize
	for d := range 2 {
		if !almostEqual(g.Spacing[d], want, 1e-3) {
			t.Errorf("spacing = %v, want %v", g.Spacing, want)
		}
	}
	// first pixel centre is half a pixel inside the north-west corner
	if !almostEqual(g.Origin[0], -mercatorHalf+want/2, 1e-3) || !almostEqual(g.Origin[1], mercatorHalf-want/2, 1e-3) {
		t.Errorf("origin = %v", g.Origin)
	}

	b := g.Bound()
	if !almostEqual(b.Min[0], -mercatorHalf, 1e-3) || !almostEqual(b.Max[1], mercatorHalf, 1e-3) {
		t.Errorf("bound = %v", b)
	}

	// y grows southwards
	p := g.IndexToPhysical([]int{0, 1})
	if p[1] >= g.Origin[1] {
		t.Errorf("row 1 at y=%v, not south of row 0", p[1])
	}
}

func TestTileGeometryChild(t *testing.T) {
	parent := TileGeometry(maptile.New(0, 0, 0), 64)
	child := TileGeometry(maptile.New(1, 0, 1), 64)
	if !almostEqual(child.Spacing[0], parent.Spacing[0]/2, 1e-6) {
		t.Errorf("child spacing %v, parent %v", child.Spacing, parent.Spacing)
	}
	// tile 1/1/0 is the north-east quarter
	b := child.Bound()
	if !almostEqual(b.Min[0], 0, 1e-3) || !almostEqual(b.Max[1], mercatorHalf, 1e-3) || !almostEqual(b.Min[1], 0, 1e-3) {
		t.Errorf("bound = %v", b)
	}
}

func TestParseTile(t *testing.T) {
	tests := []struct {
		in      string
		want    maptile.Tile
		wantErr bool
	}{
		{in: "0/0/0", want: maptile.New(0, 0, 0)},
		{in: "12/2200/1343", want: maptile.New(2200, 1343, 12)},
		{in: "3/8/0", wantErr: true},
		{in: "31/0/0", wantErr: true},
		{in: "1/2", wantErr: true},
		{in: "a/b/c", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseTile(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseTile(%q) = %v, want error", tt.in, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseTile(%q): %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseTile(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
