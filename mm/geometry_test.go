package mm

import "testing"

func TestTileParent(t *testing.T) {
	tests := []struct {
		coord  TileCoord
		parent TileCoord
		qx, qy int
	}{
		{TileCoord{0, 0}, TileCoord{0, 0}, 0, 0},
		{TileCoord{0, 1}, TileCoord{0, 0}, 1, 0},
		{TileCoord{3, 2}, TileCoord{1, 1}, 0, 1},
		{TileCoord{-1, -2}, TileCoord{-1, -1}, 0, 1},
		{TileCoord{-1, -1}, TileCoord{-1, -1}, 1, 1},
	}
	for _, tc := range tests {
		parent, qx, qy := tc.coord.Parent()
		if parent != tc.parent || qx != tc.qx || qy != tc.qy {
			t.Errorf("tile %s: expected parent %s quadrant (%d,%d), got %s (%d,%d)\n",
				tc.coord, tc.parent, tc.qx, tc.qy, parent, qx, qy)
		}
	}
}

func TestTileRange(t *testing.T) {
	minTile, maxTile := TileRange(Rect{X: 100, Y: -10, W: 300, H: 20}, 256, 256)
	if minTile != (TileCoord{-1, 0}) || maxTile != (TileCoord{0, 1}) {
		t.Errorf("bad tile range: %s to %s\n", minTile, maxTile)
	}
}

func TestRectIntersect(t *testing.T) {
	r := Rect{0, 0, 100, 100}.Intersect(Rect{50, 60, 100, 100})
	if r != (Rect{50, 60, 50, 40}) {
		t.Errorf("bad intersection: %s\n", r)
	}
	if !(Rect{0, 0, 10, 10}).Intersect(Rect{10, 0, 5, 5}).Empty() {
		t.Errorf("expected empty intersection for abutting rectangles\n")
	}
}

func TestBoundsAtLevel(t *testing.T) {
	b := Bounds{XMin: -256, YMin: 0, XMax: 513, YMax: 512}
	if r := b.AtLevel(0); r != (Rect{-256, 0, 769, 512}) {
		t.Errorf("bad level 0 rect: %s\n", r)
	}
	if r := b.AtLevel(2); r != (Rect{-64, 0, 193, 128}) {
		t.Errorf("bad level 2 rect: %s\n", r)
	}
}
