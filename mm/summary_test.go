package mm

import (
	"path/filepath"
	"testing"
)

func TestSummaryFromJSON(t *testing.T) {
	good := `{"Width": 512, "Height": 256, "BytesPerPixel": 2, "OverlapX": 32,
		"ChannelNames": ["DAPI", "GFP"], "Extra": {"Objective": "20x"}}`
	summary, err := SummaryFromJSON([]byte(good))
	if err != nil {
		t.Fatalf("unexpected error: %v\n", err)
	}
	if summary.PlaneBytes() != 512*256*2 {
		t.Errorf("bad plane bytes: %d\n", summary.PlaneBytes())
	}
	if w, h := summary.TileSize(); w != 480 || h != 256 {
		t.Errorf("bad tile size %d x %d\n", w, h)
	}
	if string(summary.Extra) != `{"Objective": "20x"}` {
		t.Errorf("extra JSON not preserved: %s\n", string(summary.Extra))
	}

	bad := []string{
		`{"Width": 512, "Height": 256}`,
		`{"Width": 0, "Height": 256, "BytesPerPixel": 1}`,
		`{"Width": 512, "Height": 256, "BytesPerPixel": 3}`,
		`{"Width": 512, "Height": 256, "BytesPerPixel": 1, "OverlapX": 512}`,
		`{"Width": 512, "Height": 256, "BytesPerPixel": 1, "GridPositions": [{"Position": 0}]}`,
		`not json`,
	}
	for _, doc := range bad {
		if _, err := SummaryFromJSON([]byte(doc)); err == nil {
			t.Errorf("expected error for summary %s\n", doc)
		}
	}
}

func TestGridCoord(t *testing.T) {
	summary := SummaryMetadata{Width: 10, Height: 10, BytesPerPixel: 1}
	key, coord, err := summary.GridCoord(Axes("channel", 1, "row", 2, "column", 3))
	if err != nil {
		t.Fatalf("unexpected error: %v\n", err)
	}
	if key.String() != "channel=1" || coord != (TileCoord{2, 3}) {
		t.Errorf("bad grid coord: key %q, coord %s\n", key, coord)
	}

	summary.GridPositions = []GridPosition{{0, 0, 0}, {1, 0, 1}, {2, 1, 0}}
	key, coord, err = summary.GridCoord(Axes("channel", 1, "position", 2))
	if err != nil {
		t.Fatalf("unexpected error: %v\n", err)
	}
	if key.String() != "channel=1" || coord != (TileCoord{1, 0}) {
		t.Errorf("bad grid coord from position: key %q, coord %s\n", key, coord)
	}
	if _, _, err = summary.GridCoord(Axes("position", 7)); err == nil {
		t.Errorf("expected error for unknown position\n")
	}
}

func TestJSONFile(t *testing.T) {
	filename := filepath.Join(t.TempDir(), "summary.json")
	summary := SummaryMetadata{Prefix: "acq", Width: 64, Height: 32, BytesPerPixel: 1}
	if err := WriteJSONFile(filename, summary); err != nil {
		t.Fatalf("write: %v\n", err)
	}
	var got SummaryMetadata
	if err := ReadJSONFile(filename, &got); err != nil {
		t.Fatalf("read: %v\n", err)
	}
	if got.Prefix != "acq" || got.Width != 64 || got.Height != 32 {
		t.Errorf("bad summary read back: %+v\n", got)
	}
	if err := ReadJSONFile(filename+".missing", &got); !IsIOError(err) {
		t.Errorf("expected IOError for missing file, got %v\n", err)
	}
}

func TestImageFromData(t *testing.T) {
	data := []byte{0x01, 0x02, 0x03, 0x04}
	img, err := ImageFromData(data, 2, 1, 2)
	if err != nil {
		t.Fatalf("unexpected error: %v\n", err)
	}
	r, _, _, _ := img.At(1, 0).RGBA()
	if r != 0x0403 {
		t.Errorf("expected little-endian pixel 0x0403, got 0x%04x\n", r)
	}
	if _, err := ImageFromData(data, 3, 1, 2); err == nil {
		t.Errorf("expected size mismatch error\n")
	}
}

func TestCommandParameter(t *testing.T) {
	cmd := Command{"export", "dir=/tmp/acq_1", "axes=channel=1,time=2", "level=1"}
	if cmd.Name() != "export" {
		t.Errorf("bad command name %q\n", cmd.Name())
	}
	axes, found := cmd.Parameter(KeyAxes)
	if !found || axes != "channel=1,time=2" {
		t.Errorf("bad axes parameter %q\n", axes)
	}
	level, err := cmd.IntParameter(KeyLevel, 0)
	if err != nil || level != 1 {
		t.Errorf("bad level parameter %d: %v\n", level, err)
	}
	if n, _ := cmd.IntParameter("missing", 7); n != 7 {
		t.Errorf("expected default value, got %d\n", n)
	}
}
