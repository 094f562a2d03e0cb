/*
	Package index maps axes positions to the locators of stored planes and
	pyramid tiles.  Every mapping is written through to a key-value engine
	before it becomes visible, so the index can be rebuilt after a restart.
*/
package index

import (
	"fmt"
	"sort"
	"sync"

	"github.com/micro-manager/mmstore/mm"
	"github.com/micro-manager/mmstore/storage"
)

type axisRange struct {
	min, max int
}

type gridRange struct {
	min, max mm.TileCoord
}

func (g *gridRange) extend(c mm.TileCoord) {
	g.min.Row = min(g.min.Row, c.Row)
	g.min.Col = min(g.min.Col, c.Col)
	g.max.Row = max(g.max.Row, c.Row)
	g.max.Col = max(g.max.Col, c.Col)
}

// Index is the coordinate index of one dataset.  It is safe for concurrent use.
type Index struct {
	db      storage.KeyValueDB
	summary mm.SummaryMetadata

	// readOnly indexes take Put and PutTiles into memory only.
	readOnly bool

	mu       sync.RWMutex
	planes   map[string]Locator
	order    []mm.AxesPosition
	reserved map[string]struct{}
	tiles    map[mapKey]Locator
	images   map[string]mm.AxesPosition

	// axisSeen counts planes that carry each axis; axes absent from a plane are at 0.
	axisSeen   map[string]int
	axisBounds map[string]*axisRange
	grid       *gridRange
}

// New returns an index backed by db, loading any mappings already stored there.
func New(db storage.KeyValueDB, summary mm.SummaryMetadata) (*Index, error) {
	return open(db, summary, false)
}

// NewReadOnly returns an index over a database opened read-only.  Mappings
// added later, e.g., while recovering an unfinished dataset for viewing, live
// only in memory.
func NewReadOnly(db storage.KeyValueDB, summary mm.SummaryMetadata) (*Index, error) {
	return open(db, summary, true)
}

func open(db storage.KeyValueDB, summary mm.SummaryMetadata, readOnly bool) (*Index, error) {
	idx := &Index{
		db:         db,
		summary:    summary,
		readOnly:   readOnly,
		planes:     make(map[string]Locator),
		reserved:   make(map[string]struct{}),
		tiles:      make(map[mapKey]Locator),
		images:     make(map[string]mm.AxesPosition),
		axisSeen:   make(map[string]int),
		axisBounds: make(map[string]*axisRange),
	}
	if err := idx.load(); err != nil {
		return nil, err
	}
	return idx, nil
}

func (idx *Index) String() string {
	return fmt.Sprintf("index of %d planes on %s", idx.NumPlanes(), idx.db)
}

func (idx *Index) load() error {
	timedLog := mm.NewTimeLog()
	err := idx.db.ProcessPrefix(storage.TKey{byte(ClassPlane)}, func(kv *storage.TKeyValue) error {
		if len(kv.K) < 2 {
			return fmt.Errorf("%w: short plane key", mm.ErrCorruptRecord)
		}
		axes, err := mm.AxesPositionFromBytes(kv.K[2:])
		if err != nil {
			return err
		}
		loc, err := LocatorFromBytes(kv.V)
		if err != nil {
			return err
		}
		return idx.addPlane(axes, loc)
	})
	if err != nil {
		return fmt.Errorf("loading plane index from %s: %w", idx.db, err)
	}
	err = idx.db.ProcessPrefix(storage.TKey{byte(ClassTile)}, func(kv *storage.TKeyValue) error {
		key, err := TileKeyFromBytes(kv.K)
		if err != nil {
			return err
		}
		loc, err := LocatorFromBytes(kv.V)
		if err != nil {
			return err
		}
		idx.tiles[key.mapKey()] = loc
		return nil
	})
	if err != nil {
		return fmt.Errorf("loading tile index from %s: %w", idx.db, err)
	}
	if len(idx.order) > 0 {
		timedLog.Debugf("Loaded index with %d planes and %d tiles", len(idx.order), len(idx.tiles))
	}
	return nil
}

// addPlane updates in-memory state.  Must hold write lock or be loading.
func (idx *Index) addPlane(axes mm.AxesPosition, loc Locator) error {
	image, coord, err := idx.summary.GridCoord(axes)
	if err != nil {
		return err
	}
	k := axes.Key()
	idx.planes[k] = loc
	idx.order = append(idx.order, axes)
	idx.tiles[TileKey{Level: 0, Image: image, Coord: coord}.mapKey()] = loc
	idx.images[image.Key()] = image

	// An axis first seen after other planes were added has been at 0 for them.
	n := len(idx.order)
	for name, i := range axes.Map() {
		r, found := idx.axisBounds[name]
		if !found {
			r = &axisRange{i, i}
			if n > 1 {
				r.min = 0
			}
			idx.axisBounds[name] = r
		}
		r.min = min(r.min, i)
		r.max = max(r.max, i)
		idx.axisSeen[name]++
	}
	for name, r := range idx.axisBounds {
		if idx.axisSeen[name] < n {
			r.min = min(r.min, 0)
		}
	}
	if idx.grid == nil {
		idx.grid = &gridRange{coord, coord}
	} else {
		idx.grid.extend(coord)
	}
	return nil
}

// Reserve claims an axes position before its bytes are written so a
// concurrent or repeated write of the same position fails before any I/O.
func (idx *Index) Reserve(axes mm.AxesPosition) error {
	if _, _, err := idx.summary.GridCoord(axes); err != nil {
		return err
	}
	k := axes.Key()
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if _, found := idx.planes[k]; found {
		return fmt.Errorf("%w: %s", mm.ErrDuplicateCoordinate, axes)
	}
	if _, found := idx.reserved[k]; found {
		return fmt.Errorf("%w: %s is being written", mm.ErrDuplicateCoordinate, axes)
	}
	idx.reserved[k] = struct{}{}
	return nil
}

// Release drops a reservation whose write failed.
func (idx *Index) Release(axes mm.AxesPosition) {
	idx.mu.Lock()
	delete(idx.reserved, axes.Key())
	idx.mu.Unlock()
}

// Put durably records a level-0 plane locator.  A position already holding a
// plane is rejected with mm.ErrDuplicateCoordinate and never overwritten.
func (idx *Index) Put(axes mm.AxesPosition, loc Locator) error {
	if _, _, err := idx.summary.GridCoord(axes); err != nil {
		return err
	}
	k := axes.Key()
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if _, found := idx.planes[k]; found {
		return fmt.Errorf("%w: %s", mm.ErrDuplicateCoordinate, axes)
	}
	if !idx.readOnly {
		if err := idx.db.Put(planeKey(axes), loc.Bytes()); err != nil {
			return fmt.Errorf("index put of %s: %w", axes, err)
		}
	}
	delete(idx.reserved, k)
	return idx.addPlane(axes, loc)
}

// Get returns the locator of the level-0 plane at axes.
func (idx *Index) Get(axes mm.AxesPosition) (Locator, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	loc, found := idx.planes[axes.Key()]
	return loc, found
}

// AllAxes returns the axes positions of all stored planes.  Planes put since
// the index was opened are in write order; planes loaded from the database
// come first, in index key order.
func (idx *Index) AllAxes() []mm.AxesPosition {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	axes := make([]mm.AxesPosition, len(idx.order))
	copy(axes, idx.order)
	return axes
}

// NumPlanes returns the number of stored level-0 planes.
func (idx *Index) NumPlanes() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.order)
}

// AxisNames returns the sorted names of all axes seen with non-zero index.
func (idx *Index) AxisNames() []string {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	names := make([]string, 0, len(idx.axisBounds))
	for name := range idx.axisBounds {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// AxisBounds returns the minimum and maximum index along the named axis over
// all stored planes, treating an absent axis as 0.  ok is false if nothing
// has been stored.
func (idx *Index) AxisBounds(axis string) (minIndex, maxIndex int, ok bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	if len(idx.order) == 0 {
		return 0, 0, false
	}
	r, found := idx.axisBounds[axis]
	if !found {
		return 0, 0, true
	}
	return r.min, r.max, true
}

// GridBounds returns the minimum and maximum tile coordinates of all stored
// planes.  ok is false if nothing has been stored.
func (idx *Index) GridBounds() (minTile, maxTile mm.TileCoord, ok bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	if idx.grid == nil {
		return
	}
	return idx.grid.min, idx.grid.max, true
}

// Images returns the distinct image keys, i.e., axes positions with spatial
// axes removed.
func (idx *Index) Images() []mm.AxesPosition {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	images := make([]mm.AxesPosition, 0, len(idx.images))
	for _, image := range idx.images {
		images = append(images, image)
	}
	sort.Slice(images, func(i, j int) bool { return images[i].String() < images[j].String() })
	return images
}

// TileLocator pairs a tile with the location of its pixels.
type TileLocator struct {
	Key     TileKey
	Locator Locator
}

// PutTile durably records the locator of a pyramid tile, replacing any
// previous version.
func (idx *Index) PutTile(key TileKey, loc Locator) error {
	return idx.PutTiles([]TileLocator{{key, loc}})
}

// PutTiles records many tile locators in one batch.
func (idx *Index) PutTiles(tiles []TileLocator) error {
	kvs := make([]storage.TKeyValue, 0, len(tiles))
	for _, t := range tiles {
		if t.Key.Level < 1 {
			return fmt.Errorf("can't put %s: level 0 tiles are stored planes", t.Key)
		}
		kvs = append(kvs, storage.TKeyValue{K: t.Key.Bytes(), V: t.Locator.Bytes()})
	}
	if !idx.readOnly {
		if err := idx.db.PutRange(kvs); err != nil {
			return fmt.Errorf("index put of %d tiles: %w", len(kvs), err)
		}
	}
	idx.mu.Lock()
	for _, t := range tiles {
		idx.tiles[t.Key.mapKey()] = t.Locator
	}
	idx.mu.Unlock()
	return nil
}

// GetTile returns the locator of a tile.  Level-0 tiles are the stored planes.
func (idx *Index) GetTile(key TileKey) (Locator, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	loc, found := idx.tiles[key.mapKey()]
	return loc, found
}

// Tiles returns the keys of all tiles stored at a level.
func (idx *Index) Tiles(level int) []TileKey {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	var keys []TileKey
	for mk := range idx.tiles {
		if mk.level != level {
			continue
		}
		image, err := mm.AxesPositionFromBytes([]byte(mk.image))
		if err != nil {
			mm.Errorf("bad image key in tile index: %v\n", err)
			continue
		}
		keys = append(keys, TileKey{Level: level, Image: image, Coord: mk.coord})
	}
	return keys
}

// Checkpoint syncs all index writes to durable storage.
func (idx *Index) Checkpoint() error {
	if idx.readOnly {
		return nil
	}
	return idx.db.Sync()
}
