/*
	Package stitch assembles arbitrary rectangles of a tiled acquisition at any
	resolution level.  Tiles are fetched concurrently and the overlapping part
	of each is copied into the output.  Tiles without data leave their region
	at 0 so partial acquisitions still render.
*/
package stitch

import (
	"context"
	"fmt"
	"math"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/micro-manager/mmstore/index"
	"github.com/micro-manager/mmstore/mm"
)

// TileSource provides tiles at every resolution level.  Returned slices must
// not be modified.
type TileSource interface {
	Tile(key index.TileKey) (pix []byte, found bool, err error)
	TileSize() (width, height int)
	NumLevels() int
}

// GridBounder reports the extent of the tile grid holding data.
type GridBounder interface {
	GridBounds() (minTile, maxTile mm.TileCoord, ok bool)
}

// Engine reads stitched images of one dataset.
type Engine struct {
	summary mm.SummaryMetadata
	grid    GridBounder
	src     TileSource

	// MaxConcurrency bounds simultaneous tile fetches.
	MaxConcurrency int
}

// New returns a stitching engine reading tiles from src.
func New(summary mm.SummaryMetadata, grid GridBounder, src TileSource) *Engine {
	return &Engine{
		summary:        summary,
		grid:           grid,
		src:            src,
		MaxConcurrency: runtime.NumCPU(),
	}
}

// GetStitchedImage returns exactly w x h x bytes-per-pixel bytes of the image
// at axes, covering the level's pixel rectangle with top-left (x, y).  Spatial
// axes in axes are ignored.
func (e *Engine) GetStitchedImage(ctx context.Context, axes mm.AxesPosition, level, x, y, w, h int) ([]byte, error) {
	if w <= 0 || h <= 0 {
		return nil, fmt.Errorf("bad image size %d x %d", w, h)
	}
	if level < 0 || level >= e.src.NumLevels() {
		return nil, fmt.Errorf("resolution level %d not in [0, %d)", level, e.src.NumLevels())
	}
	bpp := e.summary.BytesPerPixel
	if w > math.MaxInt/h/bpp {
		return nil, fmt.Errorf("image size %d x %d x %d bytes overflows", w, h, bpp)
	}
	if x > math.MaxInt-w || y > math.MaxInt-h {
		return nil, fmt.Errorf("region %d x %d at (%d, %d) overflows", w, h, x, y)
	}
	dst := make([]byte, w*h*bpp)
	image := e.summary.ImageKey(axes)
	tileW, tileH := e.src.TileSize()
	region := mm.Rect{X: x, Y: y, W: w, H: h}
	minTile, maxTile := mm.TileRange(region, tileW, tileH)

	g, ctx := errgroup.WithContext(ctx)
	if e.MaxConcurrency > 0 {
		g.SetLimit(e.MaxConcurrency)
	}
	for row := minTile.Row; row <= maxTile.Row; row++ {
		for col := minTile.Col; col <= maxTile.Col; col++ {
			key := index.TileKey{Level: level, Image: image, Coord: mm.TileCoord{Row: row, Col: col}}
			g.Go(func() error {
				if err := ctx.Err(); err != nil {
					return err
				}
				pix, found, err := e.src.Tile(key)
				if err != nil {
					return fmt.Errorf("reading %s: %w", key, err)
				}
				if !found {
					return nil
				}
				tileRect := mm.Rect{X: key.Coord.Col * tileW, Y: key.Coord.Row * tileH, W: tileW, H: tileH}
				copyRect(dst, region, pix, tileRect, region.Intersect(tileRect), bpp)
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return dst, nil
}

// copyRect copies the pixels in r from a tile occupying tileRect into dst
// occupying dstRect.  Concurrent calls must write disjoint rectangles.
func copyRect(dst []byte, dstRect mm.Rect, tile []byte, tileRect, r mm.Rect, bpp int) {
	if r.Empty() {
		return
	}
	rowBytes := r.W * bpp
	for y := r.Y; y < r.Y+r.H; y++ {
		srcI := ((y-tileRect.Y)*tileRect.W + (r.X - tileRect.X)) * bpp
		dstI := ((y-dstRect.Y)*dstRect.W + (r.X - dstRect.X)) * bpp
		copy(dst[dstI:dstI+rowBytes], tile[srcI:srcI+rowBytes])
	}
}

// GetTile returns a whole tile of the image at axes.
func (e *Engine) GetTile(axes mm.AxesPosition, level int, coord mm.TileCoord) ([]byte, bool, error) {
	key := index.TileKey{Level: level, Image: e.summary.ImageKey(axes), Coord: coord}
	return e.src.Tile(key)
}

// GetImageBounds returns the level-0 pixel extent of all written tiles.  ok is
// false if nothing has been acquired.
func (e *Engine) GetImageBounds() (bounds mm.Bounds, ok bool) {
	minTile, maxTile, ok := e.grid.GridBounds()
	if !ok {
		return
	}
	tileW, tileH := e.src.TileSize()
	bounds = mm.Bounds{
		XMin: minTile.Col * tileW,
		YMin: minTile.Row * tileH,
		XMax: (maxTile.Col + 1) * tileW,
		YMax: (maxTile.Row + 1) * tileH,
	}
	return bounds, true
}
