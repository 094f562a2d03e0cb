package store

import (
	"encoding/binary"
	"sync/atomic"

	"github.com/coocood/freecache"

	"github.com/micro-manager/mmstore/index"
	"github.com/micro-manager/mmstore/mm"
	"github.com/micro-manager/mmstore/storage/planelog"
)

// freecache rejects entries larger than 1/1024 of the cache.  Planes are
// split into chunks below that limit.
const chunkOverhead = 128

// planeCache reads level-0 pixels through a freecache of decoded planes.
// It serves the pyramid builder and plane reads.
type planeCache struct {
	cache     *freecache.Cache
	chunkSize int

	// read is replaced in tests to simulate failed reads.
	read func(pos planelog.Position) (planelog.Record, error)

	attempts uint64
	hits     uint64
}

func newPlaneCache(planes *planelog.Log, cacheMB int) *planeCache {
	pc := &planeCache{read: planes.Read}
	if cacheMB > 0 {
		numBytes := cacheMB * mm.Mega
		pc.cache = freecache.NewCache(numBytes)
		pc.chunkSize = numBytes/1024 - chunkOverhead
		mm.Debugf("Created freecache of ~ %d MB for decoded planes.\n", cacheMB)
	}
	return pc
}

// chunkKey is (file id, offset, chunk number).
func chunkKey(loc index.Locator, chunk int) []byte {
	b := make([]byte, 16)
	binary.LittleEndian.PutUint32(b[0:4], loc.FileID)
	binary.LittleEndian.PutUint64(b[4:12], uint64(loc.Offset))
	binary.LittleEndian.PutUint32(b[12:16], uint32(chunk))
	return b
}

func (pc *planeCache) numChunks(n int) int {
	return (n + pc.chunkSize - 1) / pc.chunkSize
}

func (pc *planeCache) get(loc index.Locator) []byte {
	n := int(loc.Width) * int(loc.Height) * int(loc.BytesPerPixel)
	pix := make([]byte, n)
	for chunk := 0; chunk < pc.numChunks(n); chunk++ {
		start := chunk * pc.chunkSize
		end := min(start+pc.chunkSize, n)
		data, err := pc.cache.Get(chunkKey(loc, chunk))
		if err != nil || len(data) != end-start {
			return nil
		}
		copy(pix[start:end], data)
	}
	return pix
}

func (pc *planeCache) set(loc index.Locator, pix []byte) {
	for chunk := 0; chunk < pc.numChunks(len(pix)); chunk++ {
		start := chunk * pc.chunkSize
		end := min(start+pc.chunkSize, len(pix))
		if err := pc.cache.Set(chunkKey(loc, chunk), pix[start:end], 0); err != nil {
			mm.Errorf("unable to cache chunk %d of plane at %s: %v\n", chunk, loc.Position, err)
			return
		}
	}
}

// ReadPixels returns the pixels of a stored plane.
func (pc *planeCache) ReadPixels(loc index.Locator) ([]byte, error) {
	if pc.cache != nil {
		atomic.AddUint64(&pc.attempts, 1)
		if pix := pc.get(loc); pix != nil {
			atomic.AddUint64(&pc.hits, 1)
			return pix, nil
		}
	}
	rec, err := pc.read(loc.Position)
	if err != nil {
		return nil, err
	}
	if pc.cache != nil {
		pc.set(loc, rec.Pixels)
	}
	return rec.Pixels, nil
}

// hitRate returns the fraction of cached reads served from memory.
func (pc *planeCache) hitRate() float64 {
	attempts := atomic.LoadUint64(&pc.attempts)
	if attempts == 0 {
		return 0
	}
	return float64(atomic.LoadUint64(&pc.hits)) / float64(attempts)
}
