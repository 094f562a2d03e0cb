package mm

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"image"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
)

const (
	Kilo = 1 << 10
	Mega = 1 << 20
	Giga = 1 << 30
	Tera = 1 << 40
)

// ByteSize returns a human-readable size like "82 MB".
func ByteSize(n uint64) string {
	return humanize.Bytes(n)
}

// ConvertToAbsolute returns an absolute path, interpreting a relative path
// as relative to dir.
func ConvertToAbsolute(path, dir string) (string, error) {
	if filepath.IsAbs(path) {
		return path, nil
	}
	return filepath.Abs(filepath.Join(dir, path))
}

// WriteJSONFile writes an arbitrary but exportable Go object to a JSON file.
// The file is written to a temporary name and renamed so readers never see a
// partially written file.
func WriteJSONFile(filename string, value interface{}) error {
	m, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("error in writing JSON file %s: %v", filename, err)
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, m, "", "    "); err != nil {
		return err
	}
	tmpname := filename + ".tmp"
	file, err := os.Create(tmpname)
	if err != nil {
		return NewIOError("create", tmpname, err)
	}
	if _, err := buf.WriteTo(file); err != nil {
		file.Close()
		return NewIOError("write", tmpname, err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		return NewIOError("sync", tmpname, err)
	}
	if err := file.Close(); err != nil {
		return NewIOError("close", tmpname, err)
	}
	return NewIOError("rename", filename, os.Rename(tmpname, filename))
}

// ReadJSONFile decodes the JSON in a file into value.
func ReadJSONFile(filename string, value interface{}) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return NewIOError("read", filename, err)
	}
	if len(data) == 0 {
		return fmt.Errorf("no data in JSON file %s", filename)
	}
	if err := json.Unmarshal(data, value); err != nil {
		return fmt.Errorf("error reading JSON file %s: %v", filename, err)
	}
	return nil
}

/***** Image Utilities ******/

// ImageFromData returns a grayscale image view of little-endian pixel data.
// 8-bit data is shared; 16-bit data is copied into the big-endian layout
// used by image.Gray16.
func ImageFromData(data []byte, nx, ny, bytesPerPixel int) (image.Image, error) {
	if len(data) != nx*ny*bytesPerPixel {
		return nil, fmt.Errorf("%w: %d bytes for %d x %d x %d image", ErrSizeMismatch, len(data), nx, ny, bytesPerPixel)
	}
	switch bytesPerPixel {
	case 1:
		return &image.Gray{
			Pix:    data,
			Stride: nx,
			Rect:   image.Rect(0, 0, nx, ny),
		}, nil
	case 2:
		pix := make([]byte, len(data))
		for i := 0; i < len(data); i += 2 {
			binary.BigEndian.PutUint16(pix[i:], binary.LittleEndian.Uint16(data[i:]))
		}
		return &image.Gray16{
			Pix:    pix,
			Stride: nx * 2,
			Rect:   image.Rect(0, 0, nx, ny),
		}, nil
	default:
		return nil, fmt.Errorf("unsupported bytes per pixel: %d", bytesPerPixel)
	}
}
