package store

import (
	"fmt"

	"github.com/micro-manager/mmstore/index"
	"github.com/micro-manager/mmstore/mm"
	"github.com/micro-manager/mmstore/storage/planelog"
)

// recover brings the index in line with the plane files.  A torn final
// record is truncated, planes missing from the index are registered, and the
// coarse levels are rebuilt unless the store was finished or opened read-only.
// A read-only store leaves its files alone: torn records are skipped and
// recovered mappings are held only in memory.
func (s *Store) recover() error {
	timedLog := mm.NewTimeLog()
	summary := s.meta.Summary
	repair := !s.opts.ReadOnly
	var registered, duplicates int

	// A plane appended but not indexed may be followed by a retried write at
	// the same position.  The last such record wins.
	latest := make(map[string]planelog.Position)
	var order []mm.AxesPosition
	discarded, err := s.planes.Scan(repair, func(pos planelog.Position, hdr planelog.Header) error {
		if hdr.Kind != planelog.KindPlane {
			return fmt.Errorf("%w: %s record at %s of plane file", mm.ErrCorruptRecord, hdr.Kind, pos)
		}
		axes, err := mm.AxesPositionFromBytes(hdr.Key)
		if err != nil {
			return err
		}
		if loc, found := s.idx.Get(axes); found {
			if loc.Position != pos {
				duplicates++
				mm.Warningf("Ignoring unindexed record for %s at %s in %s\n", axes, pos, s)
			}
			return nil
		}
		k := axes.Key()
		if prev, found := latest[k]; found {
			duplicates++
			mm.Warningf("Replacing record for %s at %s with later one at %s in %s\n", axes, prev, pos, s)
		} else {
			order = append(order, axes)
		}
		latest[k] = pos
		return nil
	})
	if err != nil {
		return fmt.Errorf("recovering %s: %w", s, err)
	}
	for _, axes := range order {
		loc := index.Locator{
			Position:      latest[axes.Key()],
			Width:         uint32(summary.Width),
			Height:        uint32(summary.Height),
			BytesPerPixel: uint8(summary.BytesPerPixel),
		}
		if err := s.idx.Put(axes, loc); err != nil {
			return fmt.Errorf("recovering %s: %w", s, err)
		}
		registered++
	}
	if discarded > 0 {
		mm.Warningf("Discarded %s of torn plane records from %s\n", mm.ByteSize(uint64(discarded)), s)
	}
	rebuild := !s.IsFinished() && repair
	if err := s.pyramid.Recover(repair, rebuild); err != nil {
		return fmt.Errorf("recovering pyramid of %s: %w", s, err)
	}
	if err := s.idx.Checkpoint(); err != nil {
		return err
	}
	timedLog.Infof("Recovered %s: %d planes indexed, %d re-registered, %d duplicate records",
		s, s.idx.NumPlanes(), registered, duplicates)
	return nil
}
