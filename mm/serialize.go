/*
	This file supports compression of stored pixel data.
*/

package mm

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression is the format of compression for storing data.
type Compression uint8

const (
	Uncompressed Compression = iota
	Snappy
	LZ4
	Zstd
)

func (compress Compression) String() string {
	switch compress {
	case Uncompressed:
		return "none"
	case Snappy:
		return "snappy"
	case LZ4:
		return "lz4"
	case Zstd:
		return "zstd"
	default:
		return fmt.Sprintf("compression %d", compress)
	}
}

// ParseCompression returns the compression for a name like "lz4" or "none".
func ParseCompression(name string) (Compression, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "none", "uncompressed":
		return Uncompressed, nil
	case "snappy":
		return Snappy, nil
	case "lz4":
		return LZ4, nil
	case "zstd":
		return Zstd, nil
	default:
		return Uncompressed, fmt.Errorf("unknown compression %q (should be 'none', 'snappy', 'lz4', or 'zstd')", name)
	}
}

// MarshalText allows Compression to be used directly in TOML and JSON.
func (compress Compression) MarshalText() ([]byte, error) {
	return []byte(compress.String()), nil
}

// UnmarshalText parses a compression name.
func (compress *Compression) UnmarshalText(b []byte) error {
	c, err := ParseCompression(string(b))
	if err != nil {
		return err
	}
	*compress = c
	return nil
}

var (
	zstdOnce    sync.Once
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
	zstdErr     error
)

func initZstd() {
	zstdOnce.Do(func() {
		zstdEncoder, zstdErr = zstd.NewWriter(nil)
		if zstdErr != nil {
			return
		}
		zstdDecoder, zstdErr = zstd.NewReader(nil)
	})
}

// CompressData compresses a slice of bytes.  Uncompressed data is returned as is.
func CompressData(data []byte, compress Compression) ([]byte, error) {
	switch compress {
	case Uncompressed:
		return data, nil
	case Snappy:
		return snappy.Encode(nil, data), nil
	case LZ4:
		var buf bytes.Buffer
		w := lz4.NewWriter(&buf)
		if _, err := w.Write(data); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case Zstd:
		initZstd()
		if zstdErr != nil {
			return nil, zstdErr
		}
		return zstdEncoder.EncodeAll(data, nil), nil
	default:
		return nil, fmt.Errorf("illegal compression (%s) during serialization", compress)
	}
}

// UncompressData reverses CompressData.
func UncompressData(cdata []byte, compress Compression) ([]byte, error) {
	switch compress {
	case Uncompressed:
		return cdata, nil
	case Snappy:
		return snappy.Decode(nil, cdata)
	case LZ4:
		return io.ReadAll(lz4.NewReader(bytes.NewReader(cdata)))
	case Zstd:
		initZstd()
		if zstdErr != nil {
			return nil, zstdErr
		}
		return zstdDecoder.DecodeAll(cdata, nil)
	default:
		return nil, fmt.Errorf("illegal compression format (%d) in deserialization", compress)
	}
}
