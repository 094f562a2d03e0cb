package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"image/png"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/zenazn/goji/web"
	"github.com/zenazn/goji/web/middleware"
	"golang.org/x/image/tiff"

	"github.com/micro-manager/mmstore/mm"
)

// MaxDisplaySettingsBytes bounds a posted display settings document.
const MaxDisplaySettingsBytes = 1 << 20

// MaxImagePixels bounds the size of one stitched image request.
const MaxImagePixels = 1 << 26

func (service *Service) initRoutes() {
	mux := web.New()
	mux.Use(middleware.RequestID)
	mux.Use(logHTTP)
	mux.Use(middleware.Recoverer)
	if len(service.config.CorsDomains) > 0 {
		c := cors.New(cors.Options{
			AllowedOrigins: service.config.CorsDomains,
			AllowedMethods: []string{"GET", "HEAD", "POST"},
		})
		mux.Use(c.Handler)
	}

	mux.Get(WebAPIPath+"summary", service.summaryHandler)
	mux.Get(WebAPIPath+"bounds", service.boundsHandler)
	mux.Get(WebAPIPath+"axes", service.axesHandler)
	mux.Get(WebAPIPath+"image/:level/:x/:y/:w/:h", service.imageHandler)
	mux.Get(WebAPIPath+"tile/:level/:row/:col", service.tileHandler)
	mux.Get(WebAPIPath+"plane", service.planeHandler)
	mux.Get(WebAPIPath+"metadata", service.metadataHandler)
	mux.Get(WebAPIPath+"displaysettings", service.getDisplaySettingsHandler)
	mux.Post(WebAPIPath+"displaysettings", service.postDisplaySettingsHandler)
	if service.gatherer != nil {
		mux.Get("/metrics", promhttp.HandlerFor(service.gatherer, promhttp.HandlerOpts{}))
	}
	mux.NotFound(func(w http.ResponseWriter, r *http.Request) {
		BadRequest(w, r, "unknown endpoint %q", r.URL.Path)
	})
	service.mux = mux
}

// logHTTP logs each request with its elapsed time.
func logHTTP(c *web.C, h http.Handler) http.Handler {
	fn := func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		h.ServeHTTP(w, r)
		mm.Debugf("[%s] %s %s (%s)\n", middleware.GetReqID(*c), r.Method, r.URL, time.Since(start))
	}
	return http.HandlerFunc(fn)
}

// BadRequest writes an error message with status 400 and logs it.
func BadRequest(w http.ResponseWriter, r *http.Request, format interface{}, args ...interface{}) {
	writeError(w, r, http.StatusBadRequest, format, args...)
}

// NotFound writes an error message with status 404.
func NotFound(w http.ResponseWriter, r *http.Request, format interface{}, args ...interface{}) {
	writeError(w, r, http.StatusNotFound, format, args...)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, format interface{}, args ...interface{}) {
	var message string
	switch v := format.(type) {
	case string:
		message = fmt.Sprintf(v, args...)
	case error:
		message = v.Error()
	default:
		message = fmt.Sprintf("%v", v)
	}
	mm.Errorf("%s %s: %s\n", r.Method, r.URL, message)
	http.Error(w, message, status)
}

// replyError maps store errors onto HTTP status codes.
func replyError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, mm.ErrNotFound) {
		NotFound(w, r, err)
		return
	}
	if mm.IsIOError(err) {
		writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	BadRequest(w, r, err)
}

func writeJSON(w http.ResponseWriter, r *http.Request, value interface{}) {
	data, err := json.Marshal(value)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

func queryAxes(r *http.Request) (mm.AxesPosition, error) {
	return mm.ParseAxesPosition(r.URL.Query().Get("axes"))
}

// intParams parses the named URL parameters as integers.
func intParams(c web.C, names ...string) ([]int, error) {
	values := make([]int, len(names))
	for i, name := range names {
		v, err := strconv.Atoi(c.URLParams[name])
		if err != nil {
			return nil, fmt.Errorf("bad %s %q in request", name, c.URLParams[name])
		}
		values[i] = v
	}
	return values, nil
}

func (service *Service) summaryHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, service.store.Summary())
}

type boundsResponse struct {
	Acquired   bool
	Bounds     *mm.Bounds `json:",omitempty"`
	TileWidth  int
	TileHeight int
	NumLevels  int
	Finished   bool
}

func (service *Service) boundsHandler(w http.ResponseWriter, r *http.Request) {
	resp := boundsResponse{NumLevels: service.store.NumLevels(), Finished: service.store.IsFinished()}
	resp.TileWidth, resp.TileHeight = service.store.TileSize()
	if bounds, ok := service.store.GetImageBounds(); ok {
		resp.Acquired = true
		resp.Bounds = &bounds
	}
	writeJSON(w, r, resp)
}

type axesResponse struct {
	Positions []mm.AxesPosition
	Ranges    map[string][2]int
}

func (service *Service) axesHandler(w http.ResponseWriter, r *http.Request) {
	idx := service.store.Index()
	resp := axesResponse{
		Positions: idx.AllAxes(),
		Ranges:    make(map[string][2]int),
	}
	for _, name := range idx.AxisNames() {
		if lo, hi, ok := idx.AxisBounds(name); ok {
			resp.Ranges[name] = [2]int{lo, hi}
		}
	}
	writeJSON(w, r, resp)
}

func (service *Service) imageHandler(c web.C, w http.ResponseWriter, r *http.Request) {
	params, err := intParams(c, "level", "x", "y", "w", "h")
	if err != nil {
		BadRequest(w, r, err)
		return
	}
	level, x, y, width, height := params[0], params[1], params[2], params[3], params[4]
	if width <= 0 || height <= 0 || width > MaxImagePixels/height {
		BadRequest(w, r, "image size %d x %d must be positive and at most %d pixels", width, height, MaxImagePixels)
		return
	}
	axes, err := queryAxes(r)
	if err != nil {
		BadRequest(w, r, err)
		return
	}
	pix, err := service.store.GetStitchedImage(r.Context(), axes, level, x, y, width, height)
	if err != nil {
		replyError(w, r, err)
		return
	}
	format := r.URL.Query().Get("format")
	switch format {
	case "", "raw":
		writeRaw(w, pix)
	case "png", "tiff":
		img, err := mm.ImageFromData(pix, width, height, service.store.Summary().BytesPerPixel)
		if err != nil {
			writeError(w, r, http.StatusInternalServerError, err)
			return
		}
		if format == "png" {
			w.Header().Set("Content-Type", "image/png")
			err = png.Encode(w, img)
		} else {
			w.Header().Set("Content-Type", "image/tiff")
			err = tiff.Encode(w, img, &tiff.Options{Compression: tiff.Deflate})
		}
		if err != nil {
			mm.Errorf("encoding %s image for %s: %v\n", format, r.URL, err)
		}
	default:
		BadRequest(w, r, "unknown image format %q (should be raw, png, or tiff)", format)
	}
}

func writeRaw(w http.ResponseWriter, data []byte) {
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Write(data)
}

func (service *Service) tileHandler(c web.C, w http.ResponseWriter, r *http.Request) {
	params, err := intParams(c, "level", "row", "col")
	if err != nil {
		BadRequest(w, r, err)
		return
	}
	axes, err := queryAxes(r)
	if err != nil {
		BadRequest(w, r, err)
		return
	}
	pix, found, err := service.store.GetTile(axes, params[0], mm.TileCoord{Row: params[1], Col: params[2]})
	if err != nil {
		replyError(w, r, err)
		return
	}
	if !found {
		NotFound(w, r, "no tile (%d,%d) at level %d for %s", params[1], params[2], params[0], axes)
		return
	}
	writeRaw(w, pix)
}

func (service *Service) planeHandler(w http.ResponseWriter, r *http.Request) {
	axes, err := queryAxes(r)
	if err != nil {
		BadRequest(w, r, err)
		return
	}
	pix, _, err := service.store.GetPlane(axes)
	if err != nil {
		replyError(w, r, err)
		return
	}
	writeRaw(w, pix)
}

func (service *Service) metadataHandler(w http.ResponseWriter, r *http.Request) {
	axes, err := queryAxes(r)
	if err != nil {
		BadRequest(w, r, err)
		return
	}
	md, err := service.store.GetImageMetadata(axes)
	if err != nil {
		replyError(w, r, err)
		return
	}
	if len(md) == 0 {
		md = []byte("{}")
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(md)
}

func (service *Service) getDisplaySettingsHandler(w http.ResponseWriter, r *http.Request) {
	settings := service.store.GetDisplaySettingsJSON()
	if settings == nil {
		settings = []byte("{}")
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(settings)
}

func (service *Service) postDisplaySettingsHandler(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(io.LimitReader(r.Body, MaxDisplaySettingsBytes+1))
	if err != nil {
		BadRequest(w, r, "can't read display settings: %v", err)
		return
	}
	if len(data) > MaxDisplaySettingsBytes {
		BadRequest(w, r, "display settings larger than %d bytes", MaxDisplaySettingsBytes)
		return
	}
	if err := service.store.SetDisplaySettings(data); err != nil {
		replyError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}
