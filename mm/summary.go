package mm

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// GridPosition maps a stage position index onto a (row, column) of the tile grid.
type GridPosition struct {
	Position int
	Row      int
	Column   int
}

// SummaryMetadata holds acquisition-wide constants captured once at store
// creation.  It is never modified afterwards.
type SummaryMetadata struct {
	// Prefix is the acquisition name.
	Prefix string `json:",omitempty"`

	// Width and Height of every full-resolution plane in pixels.
	Width  int
	Height int

	// BytesPerPixel is 1 (8-bit) or 2 (16-bit little-endian).
	BytesPerPixel int

	PixelSizeUm   float64  `json:",omitempty"`
	ChannelNames  []string `json:",omitempty"`
	ChannelColors []string `json:",omitempty"`

	// OverlapX and OverlapY are the number of pixels shared by adjacent tiles
	// along each axis.  Stitching uses the central (Width-OverlapX) x
	// (Height-OverlapY) region of each plane.
	OverlapX int `json:",omitempty"`
	OverlapY int `json:",omitempty"`

	// GridPositions, if given, translates the "position" axis into tile grid
	// coordinates.  Without it, tiling uses the "row" and "column" axes.
	GridPositions []GridPosition `json:",omitempty"`

	// Extra is arbitrary acquisition-specific JSON carried along unmodified.
	Extra json.RawMessage `json:",omitempty"`
}

const summarySchema = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"required": ["Width", "Height", "BytesPerPixel"],
	"properties": {
		"Prefix": {"type": "string"},
		"Width": {"type": "integer", "minimum": 1},
		"Height": {"type": "integer", "minimum": 1},
		"BytesPerPixel": {"type": "integer", "enum": [1, 2]},
		"PixelSizeUm": {"type": "number", "minimum": 0},
		"ChannelNames": {"type": "array", "items": {"type": "string"}},
		"ChannelColors": {"type": "array", "items": {"type": "string"}},
		"OverlapX": {"type": "integer", "minimum": 0},
		"OverlapY": {"type": "integer", "minimum": 0},
		"GridPositions": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["Position", "Row", "Column"],
				"properties": {
					"Position": {"type": "integer", "minimum": 0},
					"Row": {"type": "integer"},
					"Column": {"type": "integer"}
				}
			}
		}
	}
}`

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func getSummarySchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiledSchema, schemaErr = jsonschema.CompileString("summary.json", summarySchema)
	})
	return compiledSchema, schemaErr
}

// SummaryFromJSON validates a summary metadata document against its JSON
// schema and decodes it.
func SummaryFromJSON(b []byte) (SummaryMetadata, error) {
	var summary SummaryMetadata
	sch, err := getSummarySchema()
	if err != nil {
		return summary, fmt.Errorf("unable to compile summary metadata schema: %v", err)
	}
	var doc interface{}
	if err := json.Unmarshal(b, &doc); err != nil {
		return summary, fmt.Errorf("summary metadata is not valid JSON: %v", err)
	}
	if err := sch.Validate(doc); err != nil {
		return summary, fmt.Errorf("bad summary metadata: %v", err)
	}
	if err := json.Unmarshal(b, &summary); err != nil {
		return summary, err
	}
	return summary, summary.Validate()
}

// Validate checks constraints that the JSON schema can't express.
func (s SummaryMetadata) Validate() error {
	if s.Width <= 0 || s.Height <= 0 {
		return fmt.Errorf("image size must be positive, got %d x %d", s.Width, s.Height)
	}
	if s.BytesPerPixel != 1 && s.BytesPerPixel != 2 {
		return fmt.Errorf("bytes per pixel must be 1 or 2, got %d", s.BytesPerPixel)
	}
	if s.OverlapX < 0 || s.OverlapX >= s.Width {
		return fmt.Errorf("x overlap %d must be in [0, %d)", s.OverlapX, s.Width)
	}
	if s.OverlapY < 0 || s.OverlapY >= s.Height {
		return fmt.Errorf("y overlap %d must be in [0, %d)", s.OverlapY, s.Height)
	}
	seen := make(map[int]bool, len(s.GridPositions))
	for _, gp := range s.GridPositions {
		if seen[gp.Position] {
			return fmt.Errorf("grid position %d listed twice", gp.Position)
		}
		seen[gp.Position] = true
	}
	return nil
}

// PlaneBytes returns the number of bytes in one full-resolution plane.
func (s SummaryMetadata) PlaneBytes() int {
	return s.Width * s.Height * s.BytesPerPixel
}

// TileSize returns the size of a tile in the stitched grid, i.e., the plane
// size without overlap.
func (s SummaryMetadata) TileSize() (width, height int) {
	return s.Width - s.OverlapX, s.Height - s.OverlapY
}

// Tiled returns true if planes are placed on a grid by position.
func (s SummaryMetadata) Tiled() bool {
	return len(s.GridPositions) > 0
}

// ImageKey drops the spatial axes consumed by tiling.
func (s SummaryMetadata) ImageKey(axes AxesPosition) AxesPosition {
	if len(s.GridPositions) == 0 {
		return axes.Without(AxisRow, AxisColumn)
	}
	return axes.Without(AxisRow, AxisColumn, AxisPosition)
}

// GridCoord splits an axes position into the image key shared by all tiles
// of one stitched image and the tile's grid coordinate.
func (s SummaryMetadata) GridCoord(axes AxesPosition) (imageKey AxesPosition, coord TileCoord, err error) {
	coord = TileCoord{axes.Index(AxisRow), axes.Index(AxisColumn)}
	if len(s.GridPositions) == 0 {
		return axes.Without(AxisRow, AxisColumn), coord, nil
	}
	pos := axes.Index(AxisPosition)
	for _, gp := range s.GridPositions {
		if gp.Position == pos {
			coord = TileCoord{gp.Row, gp.Column}
			return axes.Without(AxisRow, AxisColumn, AxisPosition), coord, nil
		}
	}
	err = fmt.Errorf("position %d is not in the grid position table", pos)
	return
}
