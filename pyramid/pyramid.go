/*
	Package pyramid computes lower-resolution levels of tiled acquisitions.
	Level 0 tiles are the stored planes with overlap cropped away.  Each level
	above halves the resolution: a coarse tile covers a 2x2 block of finer
	tiles, each downsampled into one quadrant.

	Updates are incremental.  When a plane is written, a single background
	worker recomputes only the quadrant it covers in each coarser level.  Coarse
	tiles are immutable buffers replaced on every update, so readers see either
	the previous or the updated tile, never a partial one.
*/
package pyramid

import (
	"errors"
	"fmt"
	"sync"

	"github.com/DmitriyVTitov/size"

	"github.com/micro-manager/mmstore/index"
	"github.com/micro-manager/mmstore/mm"
	"github.com/micro-manager/mmstore/storage/planelog"
)

const (
	// DefaultNumLevels is the number of resolution levels including full resolution.
	DefaultNumLevels = 5

	// DefaultMaxDirtyTiles is the number of unpersisted coarse tiles that
	// triggers early persistence by the worker.
	DefaultMaxDirtyTiles = 512
)

// PixelReader returns the pixels of a stored level-0 plane.  Returned slices
// must not be modified.
type PixelReader interface {
	ReadPixels(loc index.Locator) ([]byte, error)
}

// Config sets up a Builder.
type Config struct {
	Dir           string
	Summary       mm.SummaryMetadata
	NumLevels     int
	MaxDirtyTiles int
	LogOptions    planelog.Options
}

type job struct {
	axes mm.AxesPosition
	loc  index.Locator
}

type memTile struct {
	key     index.TileKey
	pix     []byte
	version uint64
}

// Stats describes the state of the builder.
type Stats struct {
	NumLevels  int
	QueueDepth int
	DirtyTiles int
	DirtyBytes int
}

// Builder maintains the coarse levels of one dataset.
type Builder struct {
	summary       mm.SummaryMetadata
	tileW, tileH  int
	bpp           int
	numLevels     int
	maxDirtyTiles int

	idx    *index.Index
	reader PixelReader
	logs   map[int]*planelog.Log

	// dirty holds coarse tiles updated since they were last persisted.
	mu      sync.RWMutex
	dirty   map[string]*memTile
	version uint64

	queueMu sync.Mutex
	queue   []job
	wake    chan struct{}
	stop    chan struct{}
	done    chan struct{}
	pending sync.WaitGroup

	statusMu    sync.Mutex
	status      error
	needRebuild bool

	persistMu sync.Mutex
}

// New returns a Builder and starts its worker.  Coarse level files are opened
// or created in the configured directory.
func New(cfg Config, idx *index.Index, reader PixelReader) (*Builder, error) {
	tileW, tileH := cfg.Summary.TileSize()
	numLevels := cfg.NumLevels
	if numLevels < 1 {
		numLevels = DefaultNumLevels
	}
	if tileW%2 != 0 || tileH%2 != 0 {
		mm.Infof("Tile size %d x %d is odd; disabling resolution pyramid\n", tileW, tileH)
		numLevels = 1
	}
	maxDirty := cfg.MaxDirtyTiles
	if maxDirty <= 0 {
		maxDirty = DefaultMaxDirtyTiles
	}
	b := &Builder{
		summary:       cfg.Summary,
		tileW:         tileW,
		tileH:         tileH,
		bpp:           cfg.Summary.BytesPerPixel,
		numLevels:     numLevels,
		maxDirtyTiles: maxDirty,
		idx:           idx,
		reader:        reader,
		logs:          make(map[int]*planelog.Log),
		dirty:         make(map[string]*memTile),
		wake:          make(chan struct{}, 1),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	for level := 1; level < numLevels; level++ {
		l, err := planelog.Open(cfg.Dir, LogPrefix(level), cfg.LogOptions)
		if err != nil {
			b.closeLogs()
			return nil, err
		}
		b.logs[level] = l
	}
	go b.run()
	return b, nil
}

// LogPrefix returns the file prefix for tiles of a level.
func LogPrefix(level int) string {
	return fmt.Sprintf("level%d", level)
}

// NumLevels returns the number of resolution levels including level 0.
func (b *Builder) NumLevels() int {
	return b.numLevels
}

// TileSize returns the width and height of tiles at every level.
func (b *Builder) TileSize() (width, height int) {
	return b.tileW, b.tileH
}

// Filenames returns all coarse level files.
func (b *Builder) Filenames() []string {
	var names []string
	for level := 1; level < b.numLevels; level++ {
		names = append(names, b.logs[level].Filenames()...)
	}
	return names
}

// OnPlaneWritten enqueues an incremental update for a newly stored plane.
func (b *Builder) OnPlaneWritten(axes mm.AxesPosition, loc index.Locator) {
	if b.numLevels < 2 {
		return
	}
	b.pending.Add(1)
	b.queueMu.Lock()
	b.queue = append(b.queue, job{axes, loc})
	b.queueMu.Unlock()
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

func (b *Builder) run() {
	defer close(b.done)
	for {
		select {
		case <-b.stop:
			return
		case <-b.wake:
		}
		for {
			b.queueMu.Lock()
			jobs := b.queue
			b.queue = nil
			b.queueMu.Unlock()
			if len(jobs) == 0 {
				break
			}
			for _, j := range jobs {
				b.process(j)
				if b.numDirty() > b.maxDirtyTiles {
					if err := b.persist(); err != nil {
						b.setStatus(fmt.Errorf("early persistence of pyramid tiles: %w", err))
					}
				}
				b.pending.Done()
			}
		}
	}
}

// process applies one job, retrying once on error.
func (b *Builder) process(j job) {
	err := b.update(j)
	if err == nil {
		return
	}
	mm.Warningf("Pyramid update for %s failed, retrying: %v\n", j.axes, err)
	if err = b.update(j); err != nil {
		mm.Errorf("Pyramid update for %s failed twice: %v\n", j.axes, err)
		b.setStatus(fmt.Errorf("pyramid update for %s: %w", j.axes, err))
	}
}

func (b *Builder) setStatus(err error) {
	b.statusMu.Lock()
	if b.status == nil {
		b.status = err
	}
	b.statusMu.Unlock()
}

func tileID(key index.TileKey) string {
	return string(key.Bytes())
}

// update folds one level-0 plane into every coarser level.
func (b *Builder) update(j job) error {
	image, coord, err := b.summary.GridCoord(j.axes)
	if err != nil {
		return err
	}
	plane, err := b.reader.ReadPixels(j.loc)
	if err != nil {
		return err
	}
	src, err := CropTile(plane, b.summary.Width, b.summary.Height, b.tileW, b.tileH, b.bpp)
	if err != nil {
		return err
	}
	key := index.TileKey{Level: 0, Image: image, Coord: coord}
	for level := 1; level < b.numLevels; level++ {
		parent, qx, qy := key.Parent()
		prev, _, err := b.committedTile(parent)
		if err != nil {
			return err
		}
		pix := make([]byte, b.tileBytes())
		if prev != nil {
			copy(pix, prev)
		}
		if err := b.downsampleInto(pix, qx, qy, src); err != nil {
			return err
		}
		b.mu.Lock()
		b.version++
		b.dirty[tileID(parent)] = &memTile{key: parent, pix: pix, version: b.version}
		b.mu.Unlock()
		key, src = parent, pix
	}
	return nil
}

func (b *Builder) tileBytes() int {
	return b.tileW * b.tileH * b.bpp
}

// downsampleInto writes a half-resolution version of child into quadrant
// (qx, qy) of pix.
func (b *Builder) downsampleInto(pix []byte, qx, qy int, child []byte) error {
	stride := b.tileW * b.bpp
	offset := qy*(b.tileH/2)*stride + qx*(b.tileW/2)*b.bpp
	return Downsample2x(pix[offset:], stride, child, b.tileW, b.tileH, b.bpp)
}

// committedTile returns a coarse tile from the dirty set or from disk.
func (b *Builder) committedTile(key index.TileKey) ([]byte, bool, error) {
	b.mu.RLock()
	mt, found := b.dirty[tileID(key)]
	b.mu.RUnlock()
	if found {
		return mt.pix, true, nil
	}
	loc, found := b.idx.GetTile(key)
	if !found {
		return nil, false, nil
	}
	l, found := b.logs[key.Level]
	if !found {
		return nil, false, fmt.Errorf("no log for level %d", key.Level)
	}
	rec, err := l.Read(loc.Position)
	if err != nil {
		return nil, false, err
	}
	return rec.Pixels, true, nil
}

// Tile returns the pixels of a tile.  Level 0 tiles are cropped planes.
// Coarse tiles come from the latest update or, if never built, are computed
// from finer levels on demand.  found is false if no data covers the tile.
func (b *Builder) Tile(key index.TileKey) (pix []byte, found bool, err error) {
	if key.Level < 0 || key.Level >= b.numLevels {
		return nil, false, fmt.Errorf("resolution level %d not in [0, %d)", key.Level, b.numLevels)
	}
	if key.Level == 0 {
		loc, found := b.idx.GetTile(key)
		if !found {
			return nil, false, nil
		}
		plane, err := b.reader.ReadPixels(loc)
		if err != nil {
			return nil, false, err
		}
		pix, err = CropTile(plane, b.summary.Width, b.summary.Height, b.tileW, b.tileH, b.bpp)
		return pix, err == nil, err
	}
	pix, found, err = b.committedTile(key)
	if err != nil || found {
		return
	}
	return b.compose(key, b.Tile)
}

// compose builds a coarse tile from its four children.
func (b *Builder) compose(key index.TileKey, getChild func(index.TileKey) ([]byte, bool, error)) ([]byte, bool, error) {
	var pix []byte
	for i, child := range key.Children() {
		cpix, found, err := getChild(child)
		if err != nil {
			return nil, false, err
		}
		if !found {
			continue
		}
		if pix == nil {
			pix = make([]byte, b.tileBytes())
		}
		if err := b.downsampleInto(pix, i%2, i/2, cpix); err != nil {
			return nil, false, err
		}
	}
	return pix, pix != nil, nil
}

func (b *Builder) numDirty() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.dirty)
}

// persist appends dirty tiles to their level files and indexes them.  Tiles
// updated again while persisting stay dirty.
func (b *Builder) persist() error {
	b.persistMu.Lock()
	defer b.persistMu.Unlock()

	b.mu.RLock()
	tiles := make([]*memTile, 0, len(b.dirty))
	for _, mt := range b.dirty {
		tiles = append(tiles, mt)
	}
	b.mu.RUnlock()
	if len(tiles) == 0 {
		return nil
	}

	timedLog := mm.NewTimeLog()
	locs := make([]index.TileLocator, 0, len(tiles))
	for _, mt := range tiles {
		pos, err := b.logs[mt.key.Level].Append(planelog.Record{
			Kind:   planelog.KindTile,
			Level:  uint8(mt.key.Level),
			Key:    mt.key.Bytes(),
			Pixels: mt.pix,
		})
		if err != nil {
			return err
		}
		locs = append(locs, index.TileLocator{Key: mt.key, Locator: index.Locator{
			Position:      pos,
			Width:         uint32(b.tileW),
			Height:        uint32(b.tileH),
			BytesPerPixel: uint8(b.bpp),
		}})
	}
	for level := 1; level < b.numLevels; level++ {
		if err := b.logs[level].Sync(); err != nil {
			return err
		}
	}
	if err := b.idx.PutTiles(locs); err != nil {
		return err
	}

	b.mu.Lock()
	for _, mt := range tiles {
		id := tileID(mt.key)
		if cur, found := b.dirty[id]; found && cur.version == mt.version {
			delete(b.dirty, id)
		}
	}
	b.mu.Unlock()
	timedLog.Debugf("Persisted %d pyramid tiles", len(tiles))
	return nil
}

// Flush blocks until all queued updates are applied, then persists dirty
// tiles.  Errors from background updates since the last Flush are returned,
// and the next Flush rebuilds the pyramid from full resolution.
func (b *Builder) Flush() error {
	if b.numLevels < 2 {
		return nil
	}
	b.pending.Wait()

	b.statusMu.Lock()
	status, needRebuild := b.status, b.needRebuild
	b.status = nil
	if status != nil {
		b.needRebuild = true
	}
	b.statusMu.Unlock()
	if status != nil {
		return status
	}
	if needRebuild {
		if err := b.Rebuild(); err != nil {
			return err
		}
		b.statusMu.Lock()
		b.needRebuild = false
		b.statusMu.Unlock()
		return nil
	}
	return b.persist()
}

// Rebuild recomputes every coarse level from the stored planes and persists
// the result.
func (b *Builder) Rebuild() error {
	if b.numLevels < 2 {
		return nil
	}
	b.pending.Wait()
	timedLog := mm.NewTimeLog()

	level0 := b.idx.Tiles(0)
	keys := make(map[string]index.TileKey, len(level0))
	for _, key := range level0 {
		keys[tileID(key)] = key
	}
	built := make(map[string]*memTile)
	for level := 1; level < b.numLevels; level++ {
		parents := make(map[string]index.TileKey)
		for _, key := range keys {
			parent, _, _ := key.Parent()
			parents[tileID(parent)] = parent
		}
		getChild := func(child index.TileKey) ([]byte, bool, error) {
			if child.Level == 0 {
				return b.Tile(child)
			}
			mt, found := built[tileID(child)]
			if !found {
				return nil, false, nil
			}
			return mt.pix, true, nil
		}
		levelTiles := make(map[string]*memTile, len(parents))
		for id, parent := range parents {
			pix, found, err := b.compose(parent, getChild)
			if err != nil {
				return fmt.Errorf("rebuilding %s: %w", parent, err)
			}
			if found {
				levelTiles[id] = &memTile{key: parent, pix: pix}
			}
		}
		for id, mt := range levelTiles {
			built[id] = mt
		}
		keys = parents
	}

	b.mu.Lock()
	for id, mt := range built {
		b.version++
		mt.version = b.version
		b.dirty[id] = mt
	}
	b.mu.Unlock()
	if err := b.persist(); err != nil {
		return err
	}
	timedLog.Infof("Rebuilt %d pyramid tiles over %d levels", len(built), b.numLevels-1)
	return nil
}

// Recover indexes the latest version of every tile found in the coarse level
// files.  If repair is true, torn records are truncated from those files;
// read-only builders pass false.  If rebuild is true, all coarse levels are
// then recomputed from full resolution.
func (b *Builder) Recover(repair, rebuild bool) error {
	for level := 1; level < b.numLevels; level++ {
		latest := make(map[string]index.TileLocator)
		var order []string
		discarded, err := b.logs[level].Scan(repair, func(pos planelog.Position, hdr planelog.Header) error {
			key, err := index.TileKeyFromBytes(hdr.Key)
			if err != nil {
				return err
			}
			id := tileID(key)
			if _, found := latest[id]; !found {
				order = append(order, id)
			}
			latest[id] = index.TileLocator{Key: key, Locator: index.Locator{
				Position:      pos,
				Width:         uint32(b.tileW),
				Height:        uint32(b.tileH),
				BytesPerPixel: uint8(b.bpp),
			}}
			return nil
		})
		if err != nil {
			return fmt.Errorf("recovering level %d: %w", level, err)
		}
		if discarded > 0 {
			mm.Infof("Discarded %s of torn tiles from level %d\n", mm.ByteSize(uint64(discarded)), level)
		}
		tiles := make([]index.TileLocator, 0, len(order))
		for _, id := range order {
			tiles = append(tiles, latest[id])
		}
		if len(tiles) > 0 {
			if err := b.idx.PutTiles(tiles); err != nil {
				return err
			}
		}
	}
	if !rebuild {
		return nil
	}
	return b.Rebuild()
}

// Stats returns queue and memory statistics.
func (b *Builder) Stats() Stats {
	b.queueMu.Lock()
	depth := len(b.queue)
	b.queueMu.Unlock()
	b.mu.RLock()
	defer b.mu.RUnlock()
	return Stats{
		NumLevels:  b.numLevels,
		QueueDepth: depth,
		DirtyTiles: len(b.dirty),
		DirtyBytes: size.Of(b.dirty),
	}
}

// ErrClosed is returned by operations on a closed Builder.
var ErrClosed = errors.New("pyramid builder closed")

// Close stops the worker after pending updates and closes level files.
// Unpersisted tiles are dropped; call Flush first to keep them.
func (b *Builder) Close() error {
	select {
	case <-b.stop:
		return ErrClosed
	default:
	}
	b.pending.Wait()
	close(b.stop)
	<-b.done
	return b.closeLogs()
}

func (b *Builder) closeLogs() error {
	var firstErr error
	for _, l := range b.logs {
		if err := l.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
