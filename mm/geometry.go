package mm

import (
	"fmt"
)

// Point2d is a 2d pixel coordinate.
type Point2d [2]int

func (p Point2d) String() string {
	return fmt.Sprintf("(%d,%d)", p[0], p[1])
}

// TileCoord is a (row, column) position in a resolution level's tile grid.
type TileCoord struct {
	Row int
	Col int
}

func (c TileCoord) String() string {
	return fmt.Sprintf("r%d_c%d", c.Row, c.Col)
}

// Parent returns the tile coordinate one resolution level coarser and the
// quadrant (0 or 1 along each axis) this tile occupies within it.
func (c TileCoord) Parent() (parent TileCoord, qx, qy int) {
	parent = TileCoord{floorDiv(c.Row, 2), floorDiv(c.Col, 2)}
	qx = c.Col - parent.Col*2
	qy = c.Row - parent.Row*2
	return
}

// Rect is a pixel rectangle with top-left (X, Y) and size (W, H).
type Rect struct {
	X, Y int
	W, H int
}

func (r Rect) String() string {
	return fmt.Sprintf("%dx%d+%d+%d", r.W, r.H, r.X, r.Y)
}

// Empty returns true if the rectangle has no area.
func (r Rect) Empty() bool {
	return r.W <= 0 || r.H <= 0
}

// Intersect returns the overlap of two rectangles, which may be empty.
func (r Rect) Intersect(s Rect) Rect {
	x0 := max(r.X, s.X)
	y0 := max(r.Y, s.Y)
	x1 := min(r.X+r.W, s.X+s.W)
	y1 := min(r.Y+r.H, s.Y+s.H)
	if x1 <= x0 || y1 <= y0 {
		return Rect{}
	}
	return Rect{x0, y0, x1 - x0, y1 - y0}
}

// Bounds gives the pixel extents [XMin, XMax) x [YMin, YMax) of written data
// in full-resolution pixel units.
type Bounds struct {
	XMin, YMin int
	XMax, YMax int
}

func (b Bounds) String() string {
	return fmt.Sprintf("[%d,%d]-[%d,%d]", b.XMin, b.YMin, b.XMax, b.YMax)
}

// Width returns the horizontal extent.
func (b Bounds) Width() int { return b.XMax - b.XMin }

// Height returns the vertical extent.
func (b Bounds) Height() int { return b.YMax - b.YMin }

// AtLevel returns the smallest rectangle in a resolution level's pixel
// coordinates that covers the bounds.
func (b Bounds) AtLevel(level int) Rect {
	scale := 1 << uint(level)
	x0, y0 := floorDiv(b.XMin, scale), floorDiv(b.YMin, scale)
	x1, y1 := -floorDiv(-b.XMax, scale), -floorDiv(-b.YMax, scale)
	return Rect{x0, y0, x1 - x0, y1 - y0}
}

// TileRange returns the inclusive range of tile coordinates of size tileW x tileH
// that intersect the rectangle.
func TileRange(r Rect, tileW, tileH int) (minTile, maxTile TileCoord) {
	minTile = TileCoord{floorDiv(r.Y, tileH), floorDiv(r.X, tileW)}
	maxTile = TileCoord{floorDiv(r.Y+r.H-1, tileH), floorDiv(r.X+r.W-1, tileW)}
	return
}

// floorDiv is integer division rounding toward negative infinity.
func floorDiv(a, b int) int {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}
