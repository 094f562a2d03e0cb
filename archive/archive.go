/*
	Package archive copies finished datasets to and from blob storage buckets.

	Only metadata.json and the plane and tile files are copied.  The coordinate
	index is rebuilt from the plane files when a downloaded dataset is opened.
*/
package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"strings"
	"sync/atomic"

	"gocloud.dev/blob"
	"golang.org/x/sync/errgroup"

	"github.com/micro-manager/mmstore/mm"
	"github.com/micro-manager/mmstore/store"
)

// ManifestName is the object listing an archived dataset's files.
const ManifestName = "manifest.json"

// Manifest describes an archived dataset.
type Manifest struct {
	UUID  string
	Files map[string]int64 // object name relative to prefix -> size
}

// Upload copies the files of a finished store into bucket under prefix.
func Upload(ctx context.Context, bucket *blob.Bucket, s *store.Store, prefix string) (*Manifest, error) {
	if !s.IsFinished() {
		return nil, fmt.Errorf("can't archive %s before it finished writing", s)
	}
	timedLog := mm.NewTimeLog()
	filenames := s.Filenames()
	manifest := &Manifest{UUID: s.UUID(), Files: make(map[string]int64, len(filenames))}
	sizes := make([]int64, len(filenames))
	var total int64

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.NumCPU())
	for i, filename := range filenames {
		i, filename := i, filename
		g.Go(func() error {
			n, err := uploadFile(ctx, bucket, filename, objectKey(prefix, filepath.Base(filename)))
			sizes[i] = n
			atomic.AddInt64(&total, n)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	for i, filename := range filenames {
		manifest.Files[filepath.Base(filename)] = sizes[i]
	}
	if err := writeManifest(ctx, bucket, prefix, manifest); err != nil {
		return nil, err
	}
	timedLog.Infof("Uploaded %d files (%s) of %s to %q", len(filenames), mm.ByteSize(uint64(total)), s, prefix)
	return manifest, nil
}

func objectKey(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return path.Join(prefix, name)
}

func uploadFile(ctx context.Context, bucket *blob.Bucket, filename, key string) (int64, error) {
	f, err := os.Open(filename)
	if err != nil {
		return 0, mm.NewIOError("open", filename, err)
	}
	defer f.Close()
	w, err := bucket.NewWriter(ctx, key, nil)
	if err != nil {
		return 0, fmt.Errorf("can't write %q: %v", key, err)
	}
	n, err := io.Copy(w, f)
	if err != nil {
		w.Close()
		return n, fmt.Errorf("copying %s to %q: %v", filename, key, err)
	}
	if err := w.Close(); err != nil {
		return n, fmt.Errorf("closing %q: %v", key, err)
	}
	return n, nil
}

func writeManifest(ctx context.Context, bucket *blob.Bucket, prefix string, manifest *Manifest) error {
	data, err := json.Marshal(manifest)
	if err != nil {
		return err
	}
	return bucket.WriteAll(ctx, objectKey(prefix, ManifestName), data, nil)
}

// ReadManifest returns the manifest of the dataset archived under prefix.
func ReadManifest(ctx context.Context, bucket *blob.Bucket, prefix string) (*Manifest, error) {
	data, err := bucket.ReadAll(ctx, objectKey(prefix, ManifestName))
	if err != nil {
		return nil, fmt.Errorf("no archived dataset at %q: %w", prefix, err)
	}
	var manifest Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("bad manifest at %q: %v", prefix, err)
	}
	return &manifest, nil
}

// Download copies the dataset archived under prefix into dir, which must not
// already hold a dataset.  The result can be opened with store.Open.
func Download(ctx context.Context, bucket *blob.Bucket, prefix, dir string) (*Manifest, error) {
	manifest, err := ReadManifest(ctx, bucket, prefix)
	if err != nil {
		return nil, err
	}
	for name := range manifest.Files {
		if name != filepath.Base(name) || strings.HasPrefix(name, ".") {
			return nil, fmt.Errorf("bad file name %q in manifest", name)
		}
	}
	if _, err := os.Stat(filepath.Join(dir, store.MetadataFilename)); err == nil {
		return nil, fmt.Errorf("dataset already exists at %s", dir)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, mm.NewIOError("mkdir", dir, err)
	}
	timedLog := mm.NewTimeLog()
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.NumCPU())
	for name, size := range manifest.Files {
		name, size := name, size
		g.Go(func() error {
			return downloadFile(ctx, bucket, objectKey(prefix, name), filepath.Join(dir, name), size)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	timedLog.Infof("Downloaded %d files from %q to %s", len(manifest.Files), prefix, dir)
	return manifest, nil
}

var errSizeMismatch = errors.New("downloaded size differs from manifest")

func downloadFile(ctx context.Context, bucket *blob.Bucket, key, filename string, size int64) error {
	r, err := bucket.NewReader(ctx, key, nil)
	if err != nil {
		return fmt.Errorf("can't read %q: %v", key, err)
	}
	defer r.Close()
	tmpname := filename + ".tmp"
	f, err := os.Create(tmpname)
	if err != nil {
		return mm.NewIOError("create", tmpname, err)
	}
	n, err := io.Copy(f, r)
	if err != nil {
		f.Close()
		return fmt.Errorf("copying %q to %s: %v", key, tmpname, err)
	}
	if err := f.Close(); err != nil {
		return mm.NewIOError("close", tmpname, err)
	}
	if n != size {
		os.Remove(tmpname)
		return fmt.Errorf("%q: %w (%d vs %d bytes)", key, errSizeMismatch, n, size)
	}
	return mm.NewIOError("rename", filename, os.Rename(tmpname, filename))
}
