/*
mmstore stores microscope acquisitions as multi-resolution, N-dimensional image
datasets that can be written while they are being viewed.

Each full-resolution plane is addressed by an axes position, a set of named
integer coordinates such as channel=1,time=3,position=7.  Planes are appended
to compressed, checksummed record files and located through a coordinate index
held in a key-value engine (badger, or memory for tests).  When positions map
onto a tile grid, a background builder keeps a resolution pyramid current so
stitched views at any level can be read while acquisition continues.

Packages

	mm          axes positions, summary metadata, geometry, compression, logging
	storage     key-value engine registry; badger and memory engines; plane files
	index       coordinate index of planes and coarse tiles
	pyramid     downsampling and incremental resolution pyramid upkeep
	stitch      stitched region reads across tiles
	store       dataset lifecycle: create, write, read, finish, recover, export
	archive     copy finished datasets to and from blob buckets
	server      read-only HTTP API for remote viewers
	cmd/mmstore command-line tool

A dataset is written through store.Create and store.Store.WritePlane and is
sealed with FinishedWriting.  Opening an unfinished dataset recovers any planes
whose index entries were lost and completes the pyramid.
*/
package mmstore
