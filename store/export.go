package store

import (
	"context"
	"fmt"
	"io"

	"golang.org/x/image/tiff"

	"github.com/micro-manager/mmstore/mm"
)

// ExportTIFF encodes a stitched region of one resolution level as a
// grayscale TIFF.  An empty region exports the full image bounds.
func (s *Store) ExportTIFF(ctx context.Context, w io.Writer, axes mm.AxesPosition, level int, region mm.Rect) error {
	if region.Empty() {
		bounds, ok := s.GetImageBounds()
		if !ok {
			return fmt.Errorf("nothing acquired in %s to export: %w", s, mm.ErrNotFound)
		}
		region = bounds.AtLevel(level)
	}
	pix, err := s.GetStitchedImage(ctx, axes, level, region.X, region.Y, region.W, region.H)
	if err != nil {
		return err
	}
	img, err := mm.ImageFromData(pix, region.W, region.H, s.meta.Summary.BytesPerPixel)
	if err != nil {
		return err
	}
	return tiff.Encode(w, img, &tiff.Options{Compression: tiff.Deflate, Predictor: true})
}
