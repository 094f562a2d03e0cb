package server

import (
	"bytes"
	"encoding/json"
	"image"
	"image/png"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/micro-manager/mmstore/mm"
	"github.com/micro-manager/mmstore/store"
)

func makePlane(n, seed int) []byte {
	pix := make([]byte, n)
	for i := range pix {
		pix[i] = byte(i*3 + seed)
	}
	return pix
}

func newTestService(t *testing.T, config store.WebConfig) (*Service, *store.Store) {
	summary := mm.SummaryMetadata{Prefix: "acq", Width: 8, Height: 8, BytesPerPixel: 1}
	reg := prometheus.NewRegistry()
	opts := store.Options{Engine: "memory", CacheMB: 8, Registerer: reg}
	s, err := store.Create(filepath.Join(t.TempDir(), "acq_0"), summary, opts)
	if err != nil {
		t.Fatalf("create store: %v\n", err)
	}
	t.Cleanup(func() { s.Close() })
	if _, err := s.WritePlane(makePlane(64, 0), []byte(`{"exposure": 10}`), mm.Axes("channel", 0)); err != nil {
		t.Fatalf("write: %v\n", err)
	}
	return New(s, config, reg), s
}

func TestReadEndpoints(t *testing.T) {
	service, s := newTestService(t, store.WebConfig{})
	if _, err := s.WritePlane(makePlane(64, 2), nil, mm.Axes("channel", 2)); err != nil {
		t.Fatalf("write: %v\n", err)
	}

	var summary mm.SummaryMetadata
	if err := json.Unmarshal(TestHTTP(t, service, "GET", "/api/summary", nil), &summary); err != nil {
		t.Fatalf("bad summary JSON: %v\n", err)
	}
	if summary.Width != 8 || summary.Prefix != "acq" {
		t.Errorf("unexpected summary: %+v\n", summary)
	}

	var bounds boundsResponse
	if err := json.Unmarshal(TestHTTP(t, service, "GET", "/api/bounds", nil), &bounds); err != nil {
		t.Fatalf("bad bounds JSON: %v\n", err)
	}
	if !bounds.Acquired || bounds.Bounds == nil || *bounds.Bounds != (mm.Bounds{XMax: 8, YMax: 8}) {
		t.Errorf("unexpected bounds: %+v\n", bounds)
	}
	if bounds.TileWidth != 8 || bounds.NumLevels < 1 || bounds.Finished {
		t.Errorf("unexpected bounds: %+v\n", bounds)
	}

	var axes axesResponse
	if err := json.Unmarshal(TestHTTP(t, service, "GET", "/api/axes", nil), &axes); err != nil {
		t.Fatalf("bad axes JSON: %v\n", err)
	}
	if len(axes.Positions) != 2 || !axes.Positions[1].Equal(mm.Axes("channel", 2)) {
		t.Errorf("unexpected axes positions: %v\n", axes.Positions)
	}
	if axes.Ranges["channel"] != [2]int{0, 2} {
		t.Errorf("unexpected channel range: %v\n", axes.Ranges)
	}

	plane := TestHTTP(t, service, "GET", "/api/plane?axes=channel=0", nil)
	if !bytes.Equal(plane, makePlane(64, 0)) {
		t.Errorf("plane differs from written data\n")
	}
	raw := TestHTTP(t, service, "GET", "/api/image/0/0/0/8/8?axes=channel=0", nil)
	if !bytes.Equal(raw, plane) {
		t.Errorf("stitched level 0 image differs from plane\n")
	}
	tile := TestHTTP(t, service, "GET", "/api/tile/0/0/0?axes=channel=0", nil)
	if !bytes.Equal(tile, plane) {
		t.Errorf("level 0 tile differs from plane\n")
	}
	md := TestHTTP(t, service, "GET", "/api/metadata?axes=channel=0", nil)
	if string(md) != `{"exposure": 10}` {
		t.Errorf("unexpected metadata: %s\n", md)
	}
	if md := TestHTTP(t, service, "GET", "/api/metadata?axes=channel=2", nil); string(md) != "{}" {
		t.Errorf("expected empty metadata document, got %s\n", md)
	}
}

func TestImageFormats(t *testing.T) {
	service, _ := newTestService(t, store.WebConfig{})
	resp := TestHTTPResponse(t, service, "GET", "/api/image/0/2/2/4/4?axes=channel=0&format=png", nil)
	if resp.Code != http.StatusOK || resp.Header().Get("Content-Type") != "image/png" {
		t.Fatalf("bad png response %d: %s\n", resp.Code, resp.Body.String())
	}
	img, err := png.Decode(resp.Body)
	if err != nil {
		t.Fatalf("decode png: %v\n", err)
	}
	gray, ok := img.(*image.Gray)
	if !ok {
		t.Fatalf("expected 8-bit gray image, got %T\n", img)
	}
	plane := makePlane(64, 0)
	if gray.Bounds().Dx() != 4 || gray.GrayAt(1, 1).Y != plane[3*8+3] {
		t.Errorf("png pixels differ from plane\n")
	}

	tiffData := TestHTTP(t, service, "GET", "/api/image/0/0/0/8/8?axes=channel=0&format=tiff", nil)
	if !bytes.HasPrefix(tiffData, []byte("II")) {
		t.Errorf("expected little-endian tiff header\n")
	}

	TestBadHTTP(t, service, "GET", "/api/image/0/0/0/8/8?axes=channel=0&format=bmp", nil, http.StatusBadRequest)
}

func TestBadRequests(t *testing.T) {
	service, _ := newTestService(t, store.WebConfig{})
	TestBadHTTP(t, service, "GET", "/api/image/x/0/0/8/8", nil, http.StatusBadRequest)
	TestBadHTTP(t, service, "GET", "/api/image/0/0/0/0/8", nil, http.StatusBadRequest)
	TestBadHTTP(t, service, "GET", "/api/image/0/0/0/4611686018427387904/4", nil, http.StatusBadRequest)
	TestBadHTTP(t, service, "GET", "/api/image/0/0/0/8193/8192", nil, http.StatusBadRequest)
	TestBadHTTP(t, service, "GET", "/api/image/0/9223372036854775807/0/8/8?axes=channel=0", nil, http.StatusBadRequest)
	TestBadHTTP(t, service, "GET", "/api/image/9/0/0/8/8?axes=channel=0", nil, http.StatusBadRequest)
	TestBadHTTP(t, service, "GET", "/api/plane?axes=channel", nil, http.StatusBadRequest)
	TestBadHTTP(t, service, "GET", "/api/plane?axes=channel=1", nil, http.StatusNotFound)
	TestBadHTTP(t, service, "GET", "/api/metadata?axes=channel=1", nil, http.StatusNotFound)
	TestBadHTTP(t, service, "GET", "/api/tile/0/5/5?axes=channel=0", nil, http.StatusNotFound)
	TestBadHTTP(t, service, "GET", "/api/nothing", nil, http.StatusBadRequest)
	TestBadHTTP(t, service, "POST", "/api/displaysettings", strings.NewReader("{not json"), http.StatusBadRequest)
}

func TestDisplaySettings(t *testing.T) {
	service, s := newTestService(t, store.WebConfig{})
	if got := TestHTTP(t, service, "GET", "/api/displaysettings", nil); string(got) != "{}" {
		t.Errorf("expected empty display settings, got %s\n", got)
	}
	settings := `{"channels":[{"min":0,"max":200}]}`
	TestHTTP(t, service, "POST", "/api/displaysettings", strings.NewReader(settings))
	if got := TestHTTP(t, service, "GET", "/api/displaysettings", nil); string(got) != settings {
		t.Errorf("expected %s, got %s\n", settings, got)
	}
	if string(s.GetDisplaySettingsJSON()) != settings {
		t.Errorf("store did not get posted display settings\n")
	}
}

func TestCORSAndMetrics(t *testing.T) {
	service, _ := newTestService(t, store.WebConfig{CorsDomains: []string{"http://viewer.example.org"}})
	resp := TestHTTPResponse(t, service, "GET", "/api/summary", nil)
	if resp.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Errorf("expected no CORS header without Origin\n")
	}
	req := httptest.NewRequest("GET", "/api/summary", nil)
	req.Header.Set("Origin", "http://viewer.example.org")
	w := httptest.NewRecorder()
	service.ServeHTTP(w, req)
	if w.Header().Get("Access-Control-Allow-Origin") != "http://viewer.example.org" {
		t.Errorf("expected CORS header for allowed origin, got %v\n", w.Header())
	}

	metrics := string(TestHTTP(t, service, "GET", "/metrics", nil))
	if !strings.Contains(metrics, "mmstore_planes_written_total") {
		t.Errorf("metrics missing planes written counter:\n%s\n", metrics)
	}
}
