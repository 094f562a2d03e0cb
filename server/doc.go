/*
	Package server provides a read-only HTTP API onto one dataset, enough for a
	remote viewer to browse stitched images at any resolution level.

	All API paths are under /api/:

	GET  /api/summary                        summary metadata JSON
	GET  /api/bounds                         image bounds, tile size and levels
	GET  /api/axes                           stored axes positions and axis ranges
	GET  /api/image/:level/:x/:y/:w/:h       stitched region (?axes=...&format=raw|png|tiff)
	GET  /api/tile/:level/:row/:col          one display tile as raw bytes (?axes=...)
	GET  /api/plane                          full-resolution plane as raw bytes (?axes=...)
	GET  /api/metadata                       per-image metadata JSON (?axes=...)
	GET  /api/displaysettings                display settings JSON
	POST /api/displaysettings                replace display settings
	GET  /metrics                            prometheus metrics, if a gatherer was given

	Axes are given as comma-separated name=index pairs, e.g.,
	axes=channel=1,time=3.  Raw pixel data is little-endian.
*/
package server
