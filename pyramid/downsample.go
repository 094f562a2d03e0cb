package pyramid

import (
	"encoding/binary"
	"fmt"
)

// Downsample2x averages each 2x2 block of a w x h source into one pixel of
// dst, which has dstStride bytes per row and room for (w/2) x (h/2) pixels.
// Averages use truncating integer division.  16-bit pixels are little endian.
func Downsample2x(dst []byte, dstStride int, src []byte, w, h, bytesPerPixel int) error {
	if w%2 != 0 || h%2 != 0 {
		return fmt.Errorf("can't downsample odd size %d x %d", w, h)
	}
	if len(src) < w*h*bytesPerPixel {
		return fmt.Errorf("source has %d bytes, need %d", len(src), w*h*bytesPerPixel)
	}
	dw, dh := w/2, h/2
	if dh > 0 && len(dst) < (dh-1)*dstStride+dw*bytesPerPixel {
		return fmt.Errorf("destination too small for %d x %d pixels", dw, dh)
	}
	switch bytesPerPixel {
	case 1:
		for y := 0; y < dh; y++ {
			row0 := src[2*y*w:]
			row1 := src[(2*y+1)*w:]
			out := dst[y*dstStride:]
			for x := 0; x < dw; x++ {
				sum := uint(row0[2*x]) + uint(row0[2*x+1]) + uint(row1[2*x]) + uint(row1[2*x+1])
				out[x] = uint8(sum / 4)
			}
		}
	case 2:
		srcStride := w * 2
		for y := 0; y < dh; y++ {
			row0 := src[2*y*srcStride:]
			row1 := src[(2*y+1)*srcStride:]
			out := dst[y*dstStride:]
			for x := 0; x < dw; x++ {
				i := 4 * x
				sum := uint(binary.LittleEndian.Uint16(row0[i:])) + uint(binary.LittleEndian.Uint16(row0[i+2:])) +
					uint(binary.LittleEndian.Uint16(row1[i:])) + uint(binary.LittleEndian.Uint16(row1[i+2:]))
				binary.LittleEndian.PutUint16(out[2*x:], uint16(sum/4))
			}
		}
	default:
		return fmt.Errorf("unsupported bytes per pixel: %d", bytesPerPixel)
	}
	return nil
}

// CropTile extracts the central tileW x tileH region of a full plane, dropping
// half the overlap on each side.  With no overlap the plane itself is returned.
func CropTile(plane []byte, width, height, tileW, tileH, bytesPerPixel int) ([]byte, error) {
	if len(plane) != width*height*bytesPerPixel {
		return nil, fmt.Errorf("plane has %d bytes, expected %d x %d x %d", len(plane), width, height, bytesPerPixel)
	}
	if tileW == width && tileH == height {
		return plane, nil
	}
	offX := (width - tileW) / 2
	offY := (height - tileH) / 2
	rowBytes := tileW * bytesPerPixel
	tile := make([]byte, tileH*rowBytes)
	for y := 0; y < tileH; y++ {
		srcI := ((y+offY)*width + offX) * bytesPerPixel
		copy(tile[y*rowBytes:(y+1)*rowBytes], plane[srcI:srcI+rowBytes])
	}
	return tile, nil
}
