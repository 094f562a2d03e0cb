package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/blang/semver"
	"github.com/twinj/uuid"

	"github.com/micro-manager/mmstore/mm"
)

// MetadataFilename is the dataset description in the root of a store directory.
const MetadataFilename = "metadata.json"

// FormatVersion is the on-disk format written by this package.  Stores with a
// different major version cannot be opened.
var FormatVersion = semver.MustParse("1.0.0")

// datasetMetadata is the content of metadata.json.
type datasetMetadata struct {
	FormatVersion   string
	UUID            string
	Created         time.Time
	Summary         mm.SummaryMetadata
	Compression     mm.Compression
	NumLevels       int
	DisplaySettings json.RawMessage `json:",omitempty"`
	Finished        bool

	// NumPlanes is recorded when writing finishes so a reopened index can be
	// checked for completeness.
	NumPlanes int `json:",omitempty"`
}

func newMetadata(summary mm.SummaryMetadata, opts Options) datasetMetadata {
	return datasetMetadata{
		FormatVersion: FormatVersion.String(),
		UUID:          uuid.NewV4().String(),
		Created:       time.Now(),
		Summary:       summary,
		Compression:   opts.Compression,
		NumLevels:     opts.NumLevels,
	}
}

func metadataPath(dir string) string {
	return filepath.Join(dir, MetadataFilename)
}

func readMetadata(dir string) (datasetMetadata, error) {
	var meta datasetMetadata
	filename := metadataPath(dir)
	if _, err := os.Stat(filename); os.IsNotExist(err) {
		return meta, fmt.Errorf("no dataset at %s: %w", dir, mm.ErrNotFound)
	}
	if err := mm.ReadJSONFile(filename, &meta); err != nil {
		return meta, err
	}
	version, err := semver.Parse(meta.FormatVersion)
	if err != nil {
		return meta, fmt.Errorf("bad format version %q in %s: %v", meta.FormatVersion, filename, err)
	}
	if version.Major != FormatVersion.Major {
		return meta, fmt.Errorf("dataset %s has format %s, incompatible with %s", dir, version, FormatVersion)
	}
	if err := meta.Summary.Validate(); err != nil {
		return meta, fmt.Errorf("bad summary metadata in %s: %v", filename, err)
	}
	return meta, nil
}

func writeMetadata(dir string, meta datasetMetadata) error {
	return mm.WriteJSONFile(metadataPath(dir), meta)
}
