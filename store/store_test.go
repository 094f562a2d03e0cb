package store

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"image"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"golang.org/x/image/tiff"

	"github.com/micro-manager/mmstore/mm"
	"github.com/micro-manager/mmstore/pyramid"
)

func memOpts() Options {
	return Options{Engine: "memory", CacheMB: 8}
}

// makePlane returns a 16-bit plane whose values encode position and a seed.
func makePlane(w, h, seed int) []byte {
	pix := make([]byte, w*h*2)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			binary.LittleEndian.PutUint16(pix[(y*w+x)*2:], uint16(x+3*y+1000*seed))
		}
	}
	return pix
}

func makePlane8(w, h, seed int) []byte {
	pix := make([]byte, w*h)
	for i := range pix {
		pix[i] = byte(i*7 + seed*31)
	}
	return pix
}

func createStore(t *testing.T, summary mm.SummaryMetadata, opts Options) (*Store, string) {
	dir := filepath.Join(t.TempDir(), "acq_0")
	s, err := Create(dir, summary, opts)
	if err != nil {
		t.Fatalf("can't create store: %v\n", err)
	}
	return s, dir
}

func TestTwoChannelAcquisition(t *testing.T) {
	summary := mm.SummaryMetadata{Width: 512, Height: 512, BytesPerPixel: 2, ChannelNames: []string{"DAPI", "GFP"}}
	s, _ := createStore(t, summary, memOpts())
	defer s.Close()

	if s.AnythingAcquired() {
		t.Errorf("new store claims data acquired\n")
	}
	if _, ok := s.GetImageBounds(); ok {
		t.Errorf("new store has image bounds\n")
	}
	planes := make([][]byte, 2)
	for c := 0; c < 2; c++ {
		planes[c] = makePlane(512, 512, c)
		md := []byte(`{"Exposure": 10}`)
		if _, err := s.WritePlane(planes[c], md, mm.Axes("channel", c, "time", 0)); err != nil {
			t.Fatalf("write channel %d: %v\n", c, err)
		}
	}
	if !s.AnythingAcquired() {
		t.Errorf("expected data acquired\n")
	}
	for c := 0; c < 2; c++ {
		pix, md, err := s.GetPlane(mm.Axes("channel", c))
		if err != nil {
			t.Fatalf("read channel %d: %v\n", c, err)
		}
		if !bytes.Equal(pix, planes[c]) {
			t.Errorf("channel %d pixels differ from written\n", c)
		}
		if string(md) != `{"Exposure": 10}` {
			t.Errorf("bad image metadata %q\n", md)
		}
	}
	if minC, maxC, ok := s.AxisBounds("channel"); !ok || minC != 0 || maxC != 1 {
		t.Errorf("bad channel bounds %d-%d (%v)\n", minC, maxC, ok)
	}
	if minT, maxT, ok := s.AxisBounds("time"); !ok || minT != 0 || maxT != 0 {
		t.Errorf("bad time bounds %d-%d (%v)\n", minT, maxT, ok)
	}
	bounds, ok := s.GetImageBounds()
	if !ok || bounds != (mm.Bounds{XMin: 0, YMin: 0, XMax: 512, YMax: 512}) {
		t.Errorf("bad image bounds %s\n", bounds)
	}
	if err := s.FinishedWriting(); err != nil {
		t.Fatalf("finish: %v\n", err)
	}

	// Level 1 holds the plane downsampled into the top-left quadrant.
	expected := make([]byte, 256*256*2)
	if err := pyramid.Downsample2x(expected, 256*2, planes[1], 512, 512, 2); err != nil {
		t.Fatalf("downsample: %v\n", err)
	}
	got, err := s.GetStitchedImage(context.Background(), mm.Axes("channel", 1), 1, 0, 0, 256, 256)
	if err != nil {
		t.Fatalf("stitch: %v\n", err)
	}
	if !bytes.Equal(got, expected) {
		t.Errorf("level 1 image differs from downsampled plane\n")
	}
	got, err = s.GetStitchedImage(context.Background(), mm.Axes("channel", 1), 1, 256, 0, 256, 256)
	if err != nil {
		t.Fatalf("stitch: %v\n", err)
	}
	if !bytes.Equal(got, make([]byte, len(got))) {
		t.Errorf("expected blank pixels beyond acquired area\n")
	}
}

func TestTiledGrid(t *testing.T) {
	summary := mm.SummaryMetadata{Width: 256, Height: 256, BytesPerPixel: 1}
	s, _ := createStore(t, summary, memOpts())
	defer s.Close()

	// mosaic is the expected 512 x 512 stitched level 0.
	mosaic := make([]byte, 512*512)
	for row := 0; row < 2; row++ {
		for col := 0; col < 2; col++ {
			pix := makePlane8(256, 256, row*2+col)
			if _, err := s.WritePlane(pix, nil, mm.Axes("row", row, "column", col)); err != nil {
				t.Fatalf("write tile (%d,%d): %v\n", row, col, err)
			}
			for y := 0; y < 256; y++ {
				copy(mosaic[(row*256+y)*512+col*256:], pix[y*256:(y+1)*256])
			}
		}
	}
	got, err := s.GetStitchedImage(context.Background(), mm.Axes(), 0, 200, 200, 100, 100)
	if err != nil {
		t.Fatalf("stitch: %v\n", err)
	}
	for y := 0; y < 100; y++ {
		if !bytes.Equal(got[y*100:(y+1)*100], mosaic[(200+y)*512+200:(200+y)*512+300]) {
			t.Fatalf("stitched row %d differs from mosaic\n", y)
		}
	}
	bounds, _ := s.GetImageBounds()
	if bounds != (mm.Bounds{XMin: 0, YMin: 0, XMax: 512, YMax: 512}) {
		t.Errorf("bad grid bounds %s\n", bounds)
	}

	if err := s.FinishedWriting(); err != nil {
		t.Fatalf("finish: %v\n", err)
	}
	expected := make([]byte, 256*256)
	if err := pyramid.Downsample2x(expected, 256, mosaic, 512, 512, 1); err != nil {
		t.Fatalf("downsample: %v\n", err)
	}
	got, err = s.GetStitchedImage(context.Background(), mm.Axes(), 1, 0, 0, 256, 256)
	if err != nil {
		t.Fatalf("stitch level 1: %v\n", err)
	}
	if !bytes.Equal(got, expected) {
		t.Errorf("level 1 differs from downsampled mosaic\n")
	}
}

func TestGridPositions(t *testing.T) {
	summary := mm.SummaryMetadata{
		Width: 8, Height: 8, BytesPerPixel: 1, OverlapX: 2, OverlapY: 2,
		GridPositions: []mm.GridPosition{{Position: 0, Row: 0, Column: 0}, {Position: 1, Row: 0, Column: 1}},
	}
	s, _ := createStore(t, summary, memOpts())
	defer s.Close()
	if w, h := s.TileSize(); w != 6 || h != 6 {
		t.Errorf("expected 6 x 6 tiles, got %d x %d\n", w, h)
	}
	if _, err := s.WritePlane(makePlane8(8, 8, 0), nil, mm.Axes("position", 1)); err != nil {
		t.Fatalf("write: %v\n", err)
	}
	if _, err := s.WritePlane(makePlane8(8, 8, 0), nil, mm.Axes("position", 5)); err == nil {
		t.Errorf("expected error for position outside grid\n")
	}
	bounds, ok := s.GetImageBounds()
	if !ok || bounds != (mm.Bounds{XMin: 6, YMin: 0, XMax: 12, YMax: 6}) {
		t.Errorf("bad bounds %s\n", bounds)
	}
	tile, found, err := s.GetTile(mm.Axes(), 0, mm.TileCoord{Row: 0, Col: 1})
	if err != nil || !found {
		t.Fatalf("expected level 0 tile: found %v err %v\n", found, err)
	}
	plane := makePlane8(8, 8, 0)
	if tile[0] != plane[1*8+1] {
		t.Errorf("tile not cropped by half the overlap\n")
	}
}

func TestWriteErrors(t *testing.T) {
	summary := mm.SummaryMetadata{Width: 4, Height: 4, BytesPerPixel: 2}
	s, _ := createStore(t, summary, memOpts())
	defer s.Close()

	if _, err := s.WritePlane(make([]byte, 31), nil, mm.Axes()); !errors.Is(err, mm.ErrSizeMismatch) {
		t.Errorf("expected size mismatch, got %v\n", err)
	}
	if _, err := s.WritePlane(make([]byte, 32), []byte("{bad"), mm.Axes()); err == nil {
		t.Errorf("expected error for bad metadata JSON\n")
	}
	first := makePlane(4, 4, 1)
	if _, err := s.WritePlane(first, nil, mm.Axes("z", 2)); err != nil {
		t.Fatalf("write: %v\n", err)
	}
	if _, err := s.WritePlane(makePlane(4, 4, 2), nil, mm.Axes("z", 2, "time", 0)); !errors.Is(err, mm.ErrDuplicateCoordinate) {
		t.Errorf("expected duplicate coordinate, got %v\n", err)
	}
	pix, _, err := s.GetPlane(mm.Axes("z", 2))
	if err != nil || !bytes.Equal(pix, first) {
		t.Errorf("duplicate write changed stored plane\n")
	}
	if _, _, err := s.GetPlane(mm.Axes("z", 3)); !errors.Is(err, mm.ErrNotFound) {
		t.Errorf("expected not found, got %v\n", err)
	}
	if s.HasImage(mm.Axes("z", 3)) || !s.HasImage(mm.Axes("z", 2)) {
		t.Errorf("HasImage is wrong\n")
	}

	if err := s.FinishedWriting(); err != nil {
		t.Fatalf("finish: %v\n", err)
	}
	if err := s.FinishedWriting(); err != nil {
		t.Errorf("second finish should be a no-op, got %v\n", err)
	}
	if _, err := s.WritePlane(makePlane(4, 4, 3), nil, mm.Axes("z", 4)); !errors.Is(err, mm.ErrAlreadyFinalized) {
		t.Errorf("expected already finalized, got %v\n", err)
	}
}

func TestFinishEmptyStore(t *testing.T) {
	s, dir := createStore(t, mm.SummaryMetadata{Width: 4, Height: 4, BytesPerPixel: 1}, memOpts())
	if err := s.FinishedWriting(); err != nil {
		t.Fatalf("finish empty store: %v\n", err)
	}
	if !s.IsFinished() || s.AnythingAcquired() {
		t.Errorf("bad state after finishing empty store\n")
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v\n", err)
	}
	if err := s.Close(); !errors.Is(err, ErrClosed) {
		t.Errorf("expected closed error, got %v\n", err)
	}
	s, err := Open(dir, memOpts())
	if err != nil {
		t.Fatalf("reopen: %v\n", err)
	}
	defer s.Close()
	if !s.IsFinished() {
		t.Errorf("finished flag not persisted\n")
	}
}

func TestConcurrentWrites(t *testing.T) {
	summary := mm.SummaryMetadata{Width: 16, Height: 16, BytesPerPixel: 1}
	s, _ := createStore(t, summary, memOpts())
	defer s.Close()

	var wg sync.WaitGroup
	errs := make(chan error, 64)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for z := 0; z < 8; z++ {
				if _, err := s.WritePlane(makePlane8(16, 16, i), nil, mm.Axes("time", i, "z", z)); err != nil {
					errs <- err
				}
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("concurrent write: %v\n", err)
	}
	if err := s.FinishedWriting(); err != nil {
		t.Fatalf("finish: %v\n", err)
	}
	if n := len(s.AllAxes()); n != 64 {
		t.Errorf("expected 64 planes, got %d\n", n)
	}
	stats := s.Stats()
	if stats.NumPlanes != 64 || !stats.Finished || stats.Pyramid.QueueDepth != 0 || stats.Pyramid.DirtyTiles != 0 {
		t.Errorf("bad stats after finish: %+v\n", stats)
	}
}

func TestReopenBadger(t *testing.T) {
	summary := mm.SummaryMetadata{Width: 8, Height: 8, BytesPerPixel: 2}
	opts := Options{Engine: "badger", Compression: mm.LZ4}
	s, dir := createStore(t, summary, opts)
	for z := 0; z < 3; z++ {
		if _, err := s.WritePlane(makePlane(8, 8, z), nil, mm.Axes("z", z)); err != nil {
			t.Fatalf("write: %v\n", err)
		}
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v\n", err)
	}

	s, err := Open(dir, Options{Engine: "badger"})
	if err != nil {
		t.Fatalf("reopen unfinished store: %v\n", err)
	}
	if s.IsFinished() || len(s.AllAxes()) != 3 {
		t.Fatalf("bad reopened state: finished %v, %d planes\n", s.IsFinished(), len(s.AllAxes()))
	}
	pix, _, err := s.GetPlane(mm.Axes("z", 2))
	if err != nil || !bytes.Equal(pix, makePlane(8, 8, 2)) {
		t.Errorf("bad plane after reopen: %v\n", err)
	}
	if _, err := s.WritePlane(makePlane(8, 8, 3), nil, mm.Axes("z", 3)); err != nil {
		t.Fatalf("write after reopen: %v\n", err)
	}
	if _, err := s.WritePlane(makePlane(8, 8, 0), nil, mm.Axes("z", 0)); !errors.Is(err, mm.ErrDuplicateCoordinate) {
		t.Errorf("expected duplicate after reopen, got %v\n", err)
	}
	if err := s.FinishedWriting(); err != nil {
		t.Fatalf("finish: %v\n", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v\n", err)
	}

	s, err = Open(dir, Options{Engine: "badger", ReadOnly: true})
	if err != nil {
		t.Fatalf("reopen finished store read-only: %v\n", err)
	}
	defer s.Close()
	if !s.IsFinished() || len(s.AllAxes()) != 4 {
		t.Errorf("bad finished state: %v, %d planes\n", s.IsFinished(), len(s.AllAxes()))
	}
	if _, err := s.WritePlane(makePlane(8, 8, 5), nil, mm.Axes("z", 5)); !errors.Is(err, mm.ErrAlreadyFinalized) {
		t.Errorf("expected already finalized, got %v\n", err)
	}
}

func TestRecoverIndexFromPlaneFiles(t *testing.T) {
	// The memory engine loses the index on close, so reopening must
	// re-register every plane and tile from the files.
	summary := mm.SummaryMetadata{Width: 4, Height: 4, BytesPerPixel: 1}
	s, dir := createStore(t, summary, memOpts())
	for c := 0; c < 3; c++ {
		if _, err := s.WritePlane(makePlane8(4, 4, c), nil, mm.Axes("channel", c)); err != nil {
			t.Fatalf("write: %v\n", err)
		}
	}
	if err := s.FinishedWriting(); err != nil {
		t.Fatalf("finish: %v\n", err)
	}
	before, err := s.GetStitchedImage(context.Background(), mm.Axes("channel", 2), 1, 0, 0, 2, 2)
	if err != nil {
		t.Fatalf("stitch: %v\n", err)
	}
	s.Close()

	s, err = Open(dir, memOpts())
	if err != nil {
		t.Fatalf("reopen: %v\n", err)
	}
	defer s.Close()
	if n := s.Index().NumPlanes(); n != 3 {
		t.Errorf("expected 3 recovered planes, got %d\n", n)
	}
	if tiles := s.Index().Tiles(1); len(tiles) != 3 {
		t.Errorf("expected 3 recovered level 1 tiles, got %d\n", len(tiles))
	}
	after, err := s.GetStitchedImage(context.Background(), mm.Axes("channel", 2), 1, 0, 0, 2, 2)
	if err != nil || !bytes.Equal(before, after) {
		t.Errorf("level 1 image changed by recovery: %v\n", err)
	}
}

func TestRecoverTornTail(t *testing.T) {
	summary := mm.SummaryMetadata{Width: 4, Height: 4, BytesPerPixel: 1}
	s, dir := createStore(t, summary, Options{Engine: "badger"})
	for z := 0; z < 2; z++ {
		if _, err := s.WritePlane(makePlane8(4, 4, z), nil, mm.Axes("z", z)); err != nil {
			t.Fatalf("write: %v\n", err)
		}
	}
	s.Close()

	filename := filepath.Join(dir, "planes_0.mmp")
	fi, err := os.Stat(filename)
	if err != nil {
		t.Fatalf("stat: %v\n", err)
	}
	goodSize := fi.Size()
	f, err := os.OpenFile(filename, os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		t.Fatalf("open: %v\n", err)
	}
	if _, err := f.Write([]byte("MMPR\x01\x00\x00\x00torn record")); err != nil {
		t.Fatalf("append garbage: %v\n", err)
	}
	f.Close()

	s, err = Open(dir, Options{Engine: "badger"})
	if err != nil {
		t.Fatalf("reopen: %v\n", err)
	}
	if len(s.AllAxes()) != 2 {
		t.Errorf("expected 2 planes after recovery, got %d\n", len(s.AllAxes()))
	}
	fi, _ = os.Stat(filename)
	if fi.Size() != goodSize {
		t.Errorf("torn tail not truncated: size %d, expected %d\n", fi.Size(), goodSize)
	}
	if _, err := s.WritePlane(makePlane8(4, 4, 2), nil, mm.Axes("z", 2)); err != nil {
		t.Fatalf("write after recovery: %v\n", err)
	}
	pix, _, err := s.GetPlane(mm.Axes("z", 2))
	if err != nil || !bytes.Equal(pix, makePlane8(4, 4, 2)) {
		t.Errorf("bad plane written after recovery: %v\n", err)
	}
	s.Close()
}

func TestDisplaySettings(t *testing.T) {
	s, dir := createStore(t, mm.SummaryMetadata{Width: 4, Height: 4, BytesPerPixel: 1}, memOpts())
	if ds := s.GetDisplaySettingsJSON(); ds != nil {
		t.Errorf("expected no display settings, got %s\n", ds)
	}
	if err := s.SetDisplaySettings(json.RawMessage(`{"contrast": [`)); err == nil {
		t.Errorf("expected error for bad JSON\n")
	}
	if err := s.FinishedWriting(); err != nil {
		t.Fatalf("finish: %v\n", err)
	}
	settings := json.RawMessage(`{"contrast":[0,1000],"colors":["red"]}`)
	if err := s.SetDisplaySettings(settings); err != nil {
		t.Fatalf("set display settings after finish: %v\n", err)
	}
	s.Close()

	s, err := Open(dir, memOpts())
	if err != nil {
		t.Fatalf("reopen: %v\n", err)
	}
	defer s.Close()
	if got := s.GetDisplaySettingsJSON(); string(got) != string(settings) {
		t.Errorf("expected display settings %s, got %s\n", settings, got)
	}
}

func TestCreateExisting(t *testing.T) {
	s, dir := createStore(t, mm.SummaryMetadata{Width: 4, Height: 4, BytesPerPixel: 1}, memOpts())
	defer s.Close()
	if _, err := Create(dir, s.Summary(), memOpts()); err == nil {
		t.Errorf("expected error creating over existing dataset\n")
	}
	if _, err := Open(t.TempDir(), memOpts()); !errors.Is(err, mm.ErrNotFound) {
		t.Errorf("expected not found opening empty directory, got %v\n", err)
	}
	if _, err := Create(t.TempDir(), mm.SummaryMetadata{Width: 4, Height: 4, BytesPerPixel: 3}, memOpts()); err == nil {
		t.Errorf("expected error for 3 bytes per pixel\n")
	}
}

func TestGetUniqueAcqName(t *testing.T) {
	dir := t.TempDir()
	name, err := GetUniqueAcqName(dir, "acq")
	if err != nil || name != "acq_0" {
		t.Fatalf("expected acq_0, got %q (%v)\n", name, err)
	}
	for _, n := range []string{"acq_0", "acq_1", "acq_3"} {
		if err := os.Mkdir(filepath.Join(dir, n), 0755); err != nil {
			t.Fatalf("mkdir: %v\n", err)
		}
	}
	if name, _ = GetUniqueAcqName(dir, "acq"); name != "acq_2" {
		t.Errorf("expected acq_2, got %q\n", name)
	}
	if name, _ = GetUniqueAcqName(dir, "other"); name != "other_0" {
		t.Errorf("expected other_0, got %q\n", name)
	}
}

func TestExportTIFF(t *testing.T) {
	summary := mm.SummaryMetadata{Width: 16, Height: 8, BytesPerPixel: 2}
	s, _ := createStore(t, summary, memOpts())
	defer s.Close()
	plane := makePlane(16, 8, 7)
	if _, err := s.WritePlane(plane, nil, mm.Axes("channel", 1)); err != nil {
		t.Fatalf("write: %v\n", err)
	}
	var buf bytes.Buffer
	if err := s.ExportTIFF(context.Background(), &buf, mm.Axes("channel", 1), 0, mm.Rect{}); err != nil {
		t.Fatalf("export: %v\n", err)
	}
	img, err := tiff.Decode(&buf)
	if err != nil {
		t.Fatalf("decode: %v\n", err)
	}
	gray, ok := img.(*image.Gray16)
	if !ok {
		t.Fatalf("expected 16-bit grayscale TIFF, got %T\n", img)
	}
	if b := gray.Bounds(); b.Dx() != 16 || b.Dy() != 8 {
		t.Fatalf("bad exported size %v\n", b)
	}
	for y := 0; y < 8; y++ {
		for x := 0; x < 16; x++ {
			want := binary.LittleEndian.Uint16(plane[(y*16+x)*2:])
			if got := gray.Gray16At(x, y).Y; got != want {
				t.Fatalf("pixel (%d,%d) = %d, expected %d\n", x, y, got, want)
			}
		}
	}

	empty, _ := createStore(t, summary, memOpts())
	defer empty.Close()
	if err := empty.ExportTIFF(context.Background(), &buf, mm.Axes(), 0, mm.Rect{}); !errors.Is(err, mm.ErrNotFound) {
		t.Errorf("expected not found exporting empty store, got %v\n", err)
	}
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	opts := memOpts()
	opts.Registerer = reg
	s, _ := createStore(t, mm.SummaryMetadata{Width: 4, Height: 4, BytesPerPixel: 1}, opts)
	for z := 0; z < 3; z++ {
		if _, err := s.WritePlane(makePlane8(4, 4, z), nil, mm.Axes("z", z)); err != nil {
			t.Fatalf("write: %v\n", err)
		}
	}
	if n := testutil.ToFloat64(s.metrics.planesWritten); n != 3 {
		t.Errorf("expected 3 planes written, got %f\n", n)
	}
	if n := testutil.ToFloat64(s.metrics.bytesWritten); n != 48 {
		t.Errorf("expected 48 pixel bytes written, got %f\n", n)
	}
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v\n", err)
	}
	found := make(map[string]bool)
	for _, mf := range families {
		found[mf.GetName()] = true
	}
	for _, name := range []string{"mmstore_planes_written_total", "mmstore_pyramid_queue_depth", "mmstore_file_bytes_written_total"} {
		if !found[name] {
			t.Errorf("metric %s not registered\n", name)
		}
	}

	// A second store can share the registry.
	other, _ := createStore(t, mm.SummaryMetadata{Width: 4, Height: 4, BytesPerPixel: 1}, opts)
	other.Close()
	s.Close()
}
