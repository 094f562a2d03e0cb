package index

import (
	"encoding/binary"
	"fmt"

	"github.com/micro-manager/mmstore/mm"
	"github.com/micro-manager/mmstore/storage"
	"github.com/micro-manager/mmstore/storage/planelog"
)

// Class is the first byte of every index key.
type Class uint8

const (
	// ClassPlane keys hold level-0 plane locators keyed by full axes position.
	ClassPlane Class = 1

	// ClassTile keys hold pyramid tile locators for levels >= 1.
	ClassTile Class = 2
)

// LocatorSize is the number of bytes in an encoded Locator.
const LocatorSize = 4 + 8 + 4 + 4 + 4 + 1

// Locator identifies where a plane or tile record lives and its pixel geometry.
// It is created once and never mutated.
type Locator struct {
	planelog.Position
	Width         uint32
	Height        uint32
	BytesPerPixel uint8
}

func (loc Locator) String() string {
	return fmt.Sprintf("%dx%d (%d bpp) in %s", loc.Width, loc.Height, loc.BytesPerPixel, loc.Position)
}

// Bytes returns the little-endian encoding of the locator.
func (loc Locator) Bytes() []byte {
	buf := make([]byte, 0, LocatorSize)
	buf = binary.LittleEndian.AppendUint32(buf, loc.FileID)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(loc.Offset))
	buf = binary.LittleEndian.AppendUint32(buf, loc.Length)
	buf = binary.LittleEndian.AppendUint32(buf, loc.Width)
	buf = binary.LittleEndian.AppendUint32(buf, loc.Height)
	buf = append(buf, loc.BytesPerPixel)
	return buf
}

// LocatorFromBytes decodes the output of Locator.Bytes().
func LocatorFromBytes(b []byte) (Locator, error) {
	var loc Locator
	if len(b) != LocatorSize {
		return loc, fmt.Errorf("%w: locator has %d bytes, expected %d", mm.ErrCorruptRecord, len(b), LocatorSize)
	}
	loc.FileID = binary.LittleEndian.Uint32(b[0:4])
	loc.Offset = int64(binary.LittleEndian.Uint64(b[4:12]))
	loc.Length = binary.LittleEndian.Uint32(b[12:16])
	loc.Width = binary.LittleEndian.Uint32(b[16:20])
	loc.Height = binary.LittleEndian.Uint32(b[20:24])
	loc.BytesPerPixel = b[24]
	return loc, nil
}

// TileKey identifies a tile of a stitched image at some resolution level.
type TileKey struct {
	Level int
	Image mm.AxesPosition
	Coord mm.TileCoord
}

func (k TileKey) String() string {
	return fmt.Sprintf("level %d tile %s of image %q", k.Level, k.Coord, k.Image)
}

// Parent returns the key of the coarser tile this one downsamples into and
// the quadrant it occupies there.
func (k TileKey) Parent() (parent TileKey, qx, qy int) {
	coord, qx, qy := k.Coord.Parent()
	return TileKey{Level: k.Level + 1, Image: k.Image, Coord: coord}, qx, qy
}

// Children returns the four finer tile keys covering this tile, in row-major
// quadrant order.
func (k TileKey) Children() [4]TileKey {
	var children [4]TileKey
	for qy := 0; qy < 2; qy++ {
		for qx := 0; qx < 2; qx++ {
			children[qy*2+qx] = TileKey{
				Level: k.Level - 1,
				Image: k.Image,
				Coord: mm.TileCoord{Row: k.Coord.Row*2 + qy, Col: k.Coord.Col*2 + qx},
			}
		}
	}
	return children
}

// mapKey is a comparable form of TileKey.
type mapKey struct {
	level int
	image string
	coord mm.TileCoord
}

func (k TileKey) mapKey() mapKey {
	return mapKey{k.Level, k.Image.Key(), k.Coord}
}

// Bytes returns the index key for a tile:
// class | level | varint row | varint col | image axes.
func (k TileKey) Bytes() storage.TKey {
	buf := []byte{byte(ClassTile), byte(k.Level)}
	buf = binary.AppendVarint(buf, int64(k.Coord.Row))
	buf = binary.AppendVarint(buf, int64(k.Coord.Col))
	buf = append(buf, k.Image.Bytes()...)
	return buf
}

// TileKeyFromBytes decodes the output of TileKey.Bytes().
func TileKeyFromBytes(b []byte) (TileKey, error) {
	var k TileKey
	if len(b) < 2 || Class(b[0]) != ClassTile {
		return k, fmt.Errorf("%w: not a tile key", mm.ErrCorruptRecord)
	}
	k.Level = int(b[1])
	pos := 2
	row, n := binary.Varint(b[pos:])
	if n <= 0 {
		return k, fmt.Errorf("%w: bad tile row", mm.ErrCorruptRecord)
	}
	pos += n
	col, n := binary.Varint(b[pos:])
	if n <= 0 {
		return k, fmt.Errorf("%w: bad tile column", mm.ErrCorruptRecord)
	}
	pos += n
	image, err := mm.AxesPositionFromBytes(b[pos:])
	if err != nil {
		return k, err
	}
	k.Image = image
	k.Coord = mm.TileCoord{Row: int(row), Col: int(col)}
	return k, nil
}

// planeKey returns the index key for a level-0 plane: class | level 0 | axes.
func planeKey(axes mm.AxesPosition) storage.TKey {
	return append([]byte{byte(ClassPlane), 0}, axes.Bytes()...)
}
