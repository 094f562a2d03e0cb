package mm

import (
	"bytes"

	. "github.com/janelia-flyem/go/gocheck"
)

func (suite *DataSuite) TestCompression(c *C) {
	data := make([]byte, 64*Kilo)
	for i := range data {
		data[i] = byte((i / 7) % 251)
	}
	for _, compression := range []Compression{Uncompressed, Snappy, LZ4, Zstd} {
		cdata, err := CompressData(data, compression)
		c.Assert(err, IsNil)
		if compression != Uncompressed && len(cdata) >= len(data) {
			c.Errorf("%s: compressed %d bytes to %d bytes", compression, len(data), len(cdata))
		}
		out, err := UncompressData(cdata, compression)
		c.Assert(err, IsNil)
		c.Assert(bytes.Equal(out, data), Equals, true)
	}
}

func (suite *DataSuite) TestParseCompression(c *C) {
	for _, name := range []string{"none", "snappy", "lz4", "zstd"} {
		compression, err := ParseCompression(name)
		c.Assert(err, IsNil)
		c.Assert(compression.String(), Equals, name)
	}
	_, err := ParseCompression("gzip")
	c.Assert(err, NotNil)

	var compression Compression
	c.Assert(compression.UnmarshalText([]byte("LZ4")), IsNil)
	c.Assert(compression, Equals, LZ4)
}
