package goresample

import (
	"testing"
)

func TestRegionNumberOfPixels(t *testing.T) {
	tests := []struct {
		name   string
		region Region
		want   int
	}{
		{"2d", Rect2D(0, 0, 4, 3), 12},
		{"3d", NewRegion([]int{1, 2, 3}, []int{2, 2, 5}), 20},
		{"zero width", Rect2D(0, 0, 0, 3), 0},
		{"negative", Rect2D(0, 0, 4, -1), 0},
		{"no dimensions", Region{}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.region.NumberOfPixels(); got != tt.want {
				t.Errorf("NumberOfPixels() = %d, want %d", got, tt.want)
			}
			if got := tt.region.Empty(); got != (tt.want == 0) {
				t.Errorf("Empty() = %v, want %v", got, tt.want == 0)
			}
		})
	}
}

func TestRegionIsInside(t *testing.T) {
	r := Rect2D(2, 3, 4, 2)
	inside := [][]int{{2, 3}, {5, 4}, {3, 3}}
	outside := [][]int{{1, 3}, {6, 3}, {2, 5}, {2, 2}, {2}}
	for _, idx := range inside {
		if !r.IsInside(idx) {
			t.Errorf("IsInside(%v) = false, want true", idx)
		}
	}
	for _, idx := range outside {
		if r.IsInside(idx) {
			t.Errorf("IsInside(%v) = true, want false", idx)
		}
	}
}

func TestRegionContainsAndCrop(t *testing.T) {
	outer := Rect2D(0, 0, 10, 10)
	if !outer.Contains(Rect2D(2, 2, 8, 8)) {
		t.Error("expected region touching the far edge to be contained")
	}
	if outer.Contains(Rect2D(2, 2, 9, 8)) {
		t.Error("expected region past the far edge not to be contained")
	}
	if !outer.Contains(Rect2D(20, 20, 0, 0)) {
		t.Error("an empty region is contained everywhere")
	}

	got := outer.Crop(Rect2D(-3, 5, 6, 20))
	if want := Rect2D(0, 5, 3, 5); !got.Equal(want) {
		t.Errorf("Crop() = %v, want %v", got, want)
	}
	if c := outer.Crop(Rect2D(20, 0, 5, 5)); !c.Empty() {
		t.Errorf("disjoint Crop() = %v, want empty", c)
	}
}

func TestRegionLast(t *testing.T) {
	got := Rect2D(2, 3, 4, 2).Last()
	if got[0] != 5 || got[1] != 4 {
		t.Errorf("Last() = %v, want [5 4]", got)
	}
}

func TestRegionCloneIsDeep(t *testing.T) {
	r := Rect2D(1, 1, 2, 2)
	c := r.Clone()
	c.Index[0] = 9
	if r.Index[0] != 1 {
		t.Error("Clone shares its index slice")
	}
}

func TestRegionIteration(t *testing.T) {
	r := NewRegion([]int{1, 0, 5}, []int{2, 3, 2})
	idx := append([]int(nil), r.Index...)
	count := 1
	seen := map[[3]int]bool{{idx[0], idx[1], idx[2]}: true}
	for r.nextIndex(idx) {
		key := [3]int{idx[0], idx[1], idx[2]}
		if seen[key] {
			t.Fatalf("index %v visited twice", key)
		}
		if !r.IsInside(idx) {
			t.Fatalf("index %v is outside %v", idx, r)
		}
		seen[key] = true
		count++
	}
	if count != r.NumberOfPixels() {
		t.Errorf("visited %d pixels, want %d", count, r.NumberOfPixels())
	}

	rows := 1
	idx = append(idx[:0], r.Index...)
	for r.nextRow(idx) {
		if idx[0] != r.Index[0] {
			t.Fatalf("row start %v does not reset dimension 0", idx)
		}
		rows++
	}
	if rows != 6 {
		t.Errorf("visited %d rows, want 6", rows)
	}
}
