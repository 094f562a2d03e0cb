/*
	Package store manages the lifecycle of one acquisition dataset: creation,
	plane writes, resolution pyramid upkeep, stitched reads, and finalization.

	A dataset directory holds metadata.json, the coordinate index in a
	key-value engine, full-resolution plane files, and one file set per coarse
	resolution level.  Writes are append-only.  Once FinishedWriting succeeds the
	store is read-only except for its display settings.
*/
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/micro-manager/mmstore/index"
	"github.com/micro-manager/mmstore/mm"
	"github.com/micro-manager/mmstore/pyramid"
	"github.com/micro-manager/mmstore/stitch"
	"github.com/micro-manager/mmstore/storage"
	"github.com/micro-manager/mmstore/storage/planelog"

	// Engines available for the coordinate index.
	_ "github.com/micro-manager/mmstore/storage/badger"
	_ "github.com/micro-manager/mmstore/storage/memory"
)

const (
	// IndexDir is the subdirectory holding the key-value engine.
	IndexDir = "index"

	// PlanePrefix is the file prefix of full-resolution plane files.
	PlanePrefix = "planes"
)

// ErrReadOnly is returned for writes to a store opened read-only.
var ErrReadOnly = errors.New("store opened read-only")

// ErrClosed is returned for operations on a closed store.
var ErrClosed = errors.New("store closed")

// Store is one acquisition dataset.  All methods are safe for concurrent use.
type Store struct {
	dir  string
	opts Options

	metaMu sync.Mutex
	meta   datasetMetadata

	db      storage.KeyValueDB
	planes  *planelog.Log
	idx     *index.Index
	cache   *planeCache
	pyramid *pyramid.Builder
	stitch  *stitch.Engine
	metrics *storeMetrics

	// writeMu is held shared by writes and exclusively by finalization and
	// Close, so no write straddles either.
	writeMu sync.RWMutex
	closed  bool
}

// Stats summarizes a store.
type Stats struct {
	NumPlanes    int
	BytesWritten int64
	Pyramid      pyramid.Stats
	Finished     bool
}

// Create makes a new dataset in dir, which must not already hold one.
func Create(dir string, summary mm.SummaryMetadata, opts Options) (*Store, error) {
	if err := summary.Validate(); err != nil {
		return nil, err
	}
	opts = opts.withDefaults()
	if opts.ReadOnly {
		return nil, fmt.Errorf("can't create read-only dataset %s", dir)
	}
	if _, err := os.Stat(metadataPath(dir)); err == nil {
		return nil, fmt.Errorf("dataset already exists at %s", dir)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, mm.NewIOError("mkdir", dir, err)
	}
	meta := newMetadata(summary, opts)
	if err := writeMetadata(dir, meta); err != nil {
		return nil, err
	}
	s, err := openStore(dir, meta, opts)
	if err != nil {
		return nil, err
	}
	mm.Infof("Created dataset %s (%s) with %d x %d x %d-byte planes\n", dir, meta.UUID,
		summary.Width, summary.Height, summary.BytesPerPixel)
	return s, nil
}

// Open opens an existing dataset.  A dataset that was not finished, or whose
// index is incomplete, is recovered from its plane files.
func Open(dir string, opts Options) (*Store, error) {
	meta, err := readMetadata(dir)
	if err != nil {
		return nil, err
	}
	opts = opts.withDefaults()
	opts.Compression = meta.Compression
	opts.NumLevels = meta.NumLevels
	s, err := openStore(dir, meta, opts)
	if err != nil {
		return nil, err
	}
	if !meta.Finished || s.idx.NumPlanes() != meta.NumPlanes {
		if err := s.recover(); err != nil {
			s.Close()
			return nil, err
		}
	}
	return s, nil
}

func openStore(dir string, meta datasetMetadata, opts Options) (*Store, error) {
	s := &Store{dir: dir, opts: opts, meta: meta}
	if err := s.openParts(); err != nil {
		s.closeParts()
		return nil, err
	}
	return s, nil
}

func (s *Store) openParts() (err error) {
	engine := s.opts.Engine
	indexPath := filepath.Join(s.dir, IndexDir)
	if s.opts.ReadOnly {
		if _, statErr := os.Stat(indexPath); os.IsNotExist(statErr) {
			mm.Infof("No index in read-only %s; indexing plane files in memory\n", s)
			engine = "memory"
		}
	}
	s.db, _, err = storage.NewStore(engine, storage.Config{
		Path:     indexPath,
		ReadOnly: s.opts.ReadOnly,
	})
	if err != nil {
		return err
	}
	logOpts := planelog.Options{
		Compression: s.opts.Compression,
		MaxFileSize: s.opts.MaxFileSize,
		ReadOnly:    s.opts.ReadOnly,
	}
	if s.planes, err = planelog.Open(s.dir, PlanePrefix, logOpts); err != nil {
		return err
	}
	newIndex := index.New
	if s.opts.ReadOnly {
		newIndex = index.NewReadOnly
	}
	if s.idx, err = newIndex(s.db, s.meta.Summary); err != nil {
		return err
	}
	s.cache = newPlaneCache(s.planes, s.opts.CacheMB)
	s.pyramid, err = pyramid.New(pyramid.Config{
		Dir:           s.dir,
		Summary:       s.meta.Summary,
		NumLevels:     s.opts.NumLevels,
		MaxDirtyTiles: s.opts.MaxDirtyTiles,
		LogOptions:    logOpts,
	}, s.idx, s.cache)
	if err != nil {
		return err
	}
	s.stitch = stitch.New(s.meta.Summary, s.idx, s.pyramid)
	s.metrics, err = newStoreMetrics(s, s.opts.Registerer)
	return err
}

func (s *Store) String() string {
	return fmt.Sprintf("dataset %s", s.dir)
}

// Dir returns the dataset directory.
func (s *Store) Dir() string {
	return s.dir
}

// UUID returns the identifier assigned at creation.
func (s *Store) UUID() string {
	return s.meta.UUID
}

// Summary returns the summary metadata given at creation.
func (s *Store) Summary() mm.SummaryMetadata {
	return s.meta.Summary
}

// Index returns the coordinate index.
func (s *Store) Index() *index.Index {
	return s.idx
}

// NumLevels returns the number of resolution levels including full resolution.
func (s *Store) NumLevels() int {
	return s.pyramid.NumLevels()
}

// WritePlane stores a full-resolution plane at axes with its per-image
// metadata JSON.  The plane is readable when WritePlane returns; coarser
// levels follow asynchronously.
//
// If the plane was appended to its file but could not be indexed, an error is
// returned and the position stays free for a retry.  The appended record is
// not erased: reopening the dataset indexes it unless a later write at the
// same position was indexed or follows it in the plane files.
func (s *Store) WritePlane(pixels, metadata []byte, axes mm.AxesPosition) (index.Locator, error) {
	s.writeMu.RLock()
	defer s.writeMu.RUnlock()
	var loc index.Locator
	switch {
	case s.closed:
		return loc, ErrClosed
	case s.IsFinished():
		return loc, mm.ErrAlreadyFinalized
	case s.opts.ReadOnly:
		return loc, ErrReadOnly
	}
	summary := s.meta.Summary
	if len(pixels) != summary.PlaneBytes() {
		return loc, fmt.Errorf("%w: got %d bytes, expected %d x %d x %d", mm.ErrSizeMismatch,
			len(pixels), summary.Width, summary.Height, summary.BytesPerPixel)
	}
	if len(metadata) > 0 && !json.Valid(metadata) {
		return loc, fmt.Errorf("image metadata for %s is not valid JSON", axes)
	}
	start := time.Now()
	if err := s.idx.Reserve(axes); err != nil {
		return loc, err
	}
	pos, err := s.planes.Append(planelog.Record{
		Kind:     planelog.KindPlane,
		Key:      axes.Bytes(),
		Metadata: metadata,
		Pixels:   pixels,
	})
	if err != nil {
		s.idx.Release(axes)
		return loc, fmt.Errorf("writing plane %s: %w", axes, err)
	}
	loc = index.Locator{
		Position:      pos,
		Width:         uint32(summary.Width),
		Height:        uint32(summary.Height),
		BytesPerPixel: uint8(summary.BytesPerPixel),
	}
	if err := s.idx.Put(axes, loc); err != nil {
		s.idx.Release(axes)
		return index.Locator{}, err
	}
	s.pyramid.OnPlaneWritten(axes, loc)
	s.metrics.planesWritten.Inc()
	s.metrics.bytesWritten.Add(float64(len(pixels)))
	s.metrics.writeLatency.Observe(time.Since(start).Seconds())
	return loc, nil
}

func (s *Store) readRecord(axes mm.AxesPosition) (planelog.Record, error) {
	loc, found := s.idx.Get(axes)
	if !found {
		return planelog.Record{}, fmt.Errorf("plane %s: %w", axes, mm.ErrNotFound)
	}
	return s.planes.Read(loc.Position)
}

// GetPlane returns the full-resolution pixels and image metadata at axes.
func (s *Store) GetPlane(axes mm.AxesPosition) (pixels, metadata []byte, err error) {
	start := time.Now()
	rec, err := s.readRecord(axes)
	if err != nil {
		return nil, nil, err
	}
	s.metrics.readLatency.WithLabelValues("plane").Observe(time.Since(start).Seconds())
	return rec.Pixels, rec.Metadata, nil
}

// GetImageMetadata returns the per-image metadata JSON stored with a plane.
func (s *Store) GetImageMetadata(axes mm.AxesPosition) ([]byte, error) {
	rec, err := s.readRecord(axes)
	if err != nil {
		return nil, err
	}
	return rec.Metadata, nil
}

// HasImage returns true if a full-resolution plane is stored at axes.
func (s *Store) HasImage(axes mm.AxesPosition) bool {
	_, found := s.idx.Get(axes)
	return found
}

// AllAxes returns the axes positions of all planes: in write order for planes
// written since the store was opened, after earlier planes in index key order.
func (s *Store) AllAxes() []mm.AxesPosition {
	return s.idx.AllAxes()
}

// AxisBounds returns the index range along an axis over all planes.
func (s *Store) AxisBounds(axis string) (minIndex, maxIndex int, ok bool) {
	return s.idx.AxisBounds(axis)
}

// AnythingAcquired returns true once any plane has been written.
func (s *Store) AnythingAcquired() bool {
	return s.idx.NumPlanes() > 0
}

// GetStitchedImage returns the w x h region with top-left (x, y) in the pixel
// coordinates of a resolution level.  Areas without data are 0.
func (s *Store) GetStitchedImage(ctx context.Context, axes mm.AxesPosition, level, x, y, w, h int) ([]byte, error) {
	start := time.Now()
	buf, err := s.stitch.GetStitchedImage(ctx, axes, level, x, y, w, h)
	if err != nil {
		return nil, err
	}
	s.metrics.readLatency.WithLabelValues("stitch").Observe(time.Since(start).Seconds())
	return buf, nil
}

// GetTile returns one display tile at a resolution level.
func (s *Store) GetTile(axes mm.AxesPosition, level int, coord mm.TileCoord) ([]byte, bool, error) {
	return s.stitch.GetTile(axes, level, coord)
}

// GetImageBounds returns the full-resolution pixel extent of all written
// tiles.  ok is false if nothing has been acquired.
func (s *Store) GetImageBounds() (bounds mm.Bounds, ok bool) {
	return s.stitch.GetImageBounds()
}

// TileSize returns the display tile size, i.e., the plane size less overlap.
func (s *Store) TileSize() (width, height int) {
	return s.pyramid.TileSize()
}

// FinishedWriting drains pending pyramid updates, persists all coarse tiles,
// checkpoints the index, and marks the store finished.  Calling it again
// after success does nothing.  After an error the store stays writable and
// the call can be retried.
func (s *Store) FinishedWriting() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.IsFinished() {
		return nil
	}
	if s.opts.ReadOnly {
		return ErrReadOnly
	}
	timedLog := mm.NewTimeLog()
	numPlanes := s.idx.NumPlanes()
	if numPlanes > 0 {
		if err := s.pyramid.Flush(); err != nil {
			return fmt.Errorf("finishing %s: %w", s, err)
		}
	}
	if err := s.planes.Sync(); err != nil {
		return fmt.Errorf("finishing %s: %w", s, err)
	}
	if err := s.idx.Checkpoint(); err != nil {
		return fmt.Errorf("finishing %s: %w", s, err)
	}

	s.metaMu.Lock()
	defer s.metaMu.Unlock()
	meta := s.meta
	meta.Finished = true
	meta.NumPlanes = numPlanes
	if err := writeMetadata(s.dir, meta); err != nil {
		return err
	}
	s.meta = meta
	timedLog.Infof("Finished writing %s with %d planes", s, numPlanes)
	return nil
}

// IsFinished returns true after FinishedWriting has succeeded.
func (s *Store) IsFinished() bool {
	s.metaMu.Lock()
	defer s.metaMu.Unlock()
	return s.meta.Finished
}

// SetDisplaySettings replaces the display settings document.  It is allowed
// after writing has finished.
func (s *Store) SetDisplaySettings(settings json.RawMessage) error {
	if !json.Valid(settings) {
		return fmt.Errorf("display settings are not valid JSON")
	}
	if s.opts.ReadOnly {
		return ErrReadOnly
	}
	s.metaMu.Lock()
	defer s.metaMu.Unlock()
	meta := s.meta
	meta.DisplaySettings = append(json.RawMessage(nil), settings...)
	if err := writeMetadata(s.dir, meta); err != nil {
		return err
	}
	s.meta = meta
	return nil
}

// GetDisplaySettingsJSON returns the display settings document, or nil if
// none was set.
func (s *Store) GetDisplaySettingsJSON() json.RawMessage {
	s.metaMu.Lock()
	defer s.metaMu.Unlock()
	if s.meta.DisplaySettings == nil {
		return nil
	}
	return append(json.RawMessage(nil), s.meta.DisplaySettings...)
}

// Filenames returns every file of the dataset.
func (s *Store) Filenames() []string {
	names := []string{metadataPath(s.dir)}
	names = append(names, s.planes.Filenames()...)
	return append(names, s.pyramid.Filenames()...)
}

// Stats returns counts and pyramid state.
func (s *Store) Stats() Stats {
	return Stats{
		NumPlanes:    s.idx.NumPlanes(),
		BytesWritten: s.planes.Size() + s.pyramidSize(),
		Pyramid:      s.pyramid.Stats(),
		Finished:     s.IsFinished(),
	}
}

func (s *Store) pyramidSize() int64 {
	var n int64
	for _, name := range s.pyramid.Filenames() {
		if fi, err := os.Stat(name); err == nil {
			n += fi.Size()
		}
	}
	return n
}

// Close releases the store.  Pending pyramid updates of an unfinished store
// are persisted but the store stays unfinished.
func (s *Store) Close() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.closed = true
	var firstErr error
	if !s.IsFinished() && !s.opts.ReadOnly {
		if err := s.pyramid.Flush(); err != nil {
			mm.Errorf("Unable to persist pyramid of %s on close: %v\n", s, err)
		}
	}
	if err := s.closeParts(); err != nil {
		firstErr = err
	}
	return firstErr
}

func (s *Store) closeParts() error {
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if s.metrics != nil {
		s.metrics.unregister()
	}
	if s.pyramid != nil {
		keep(s.pyramid.Close())
	}
	if s.planes != nil {
		keep(s.planes.Close())
	}
	if s.db != nil {
		s.db.Close()
	}
	return firstErr
}

// GetUniqueAcqName returns prefix_N for the smallest N >= 0 such that no file
// or directory of that name exists in dir.
func GetUniqueAcqName(dir, prefix string) (string, error) {
	for n := 0; ; n++ {
		name := fmt.Sprintf("%s_%d", prefix, n)
		path := filepath.Join(dir, name)
		_, err := os.Stat(path)
		if os.IsNotExist(err) {
			return name, nil
		}
		if err != nil {
			return "", mm.NewIOError("stat", path, err)
		}
	}
}
