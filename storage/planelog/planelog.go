/*
	Package planelog implements append-only record files holding pixel planes
	and pyramid tiles.  Records are never rewritten.  A log is a sequence of
	files <prefix>_<id>.mmp; when appending a record would push the active file
	past the maximum size, a new file is started.

	Each record is laid out as:

		magic "MMPR" | kind u8 | level u8 | compression u8 | reserved u8 |
		keyLen u16 | key | bodyLen u32 | body | bodyLen u32 | crc32(key|body) u32

	The body, after decompression, is metaLen u32 | metadata | pixels.  All
	integers are little endian.
*/
package planelog

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/micro-manager/mmstore/mm"
	"github.com/micro-manager/mmstore/storage"
)

// FileExt is the extension of every record file.
const FileExt = ".mmp"

// DefaultMaxFileSize is the size at which a new record file is started.
const DefaultMaxFileSize = 4 * mm.Giga

const (
	headerSize  = 10
	lengthSize  = 4
	trailerSize = 8
)

var magic = [4]byte{'M', 'M', 'P', 'R'}

// Kind distinguishes full-resolution planes from pyramid tiles.
type Kind uint8

const (
	KindPlane Kind = 1
	KindTile  Kind = 2
)

func (k Kind) String() string {
	switch k {
	case KindPlane:
		return "plane"
	case KindTile:
		return "tile"
	default:
		return fmt.Sprintf("kind %d", k)
	}
}

// Record is one decoded entry of a log.
type Record struct {
	Kind     Kind
	Level    uint8
	Key      []byte
	Metadata []byte
	Pixels   []byte
}

// Header is the part of a record needed to re-index it without decoding pixels.
type Header struct {
	Kind        Kind
	Level       uint8
	Compression mm.Compression
	Key         []byte
}

// Position locates a record within a log.
type Position struct {
	FileID uint32
	Offset int64
	Length uint32
}

func (p Position) String() string {
	return fmt.Sprintf("file %d @ %d (%d bytes)", p.FileID, p.Offset, p.Length)
}

// Log is a set of append-only record files sharing a prefix.  Appends are
// serialized while reads proceed concurrently via ReadAt.
type Log struct {
	dir         string
	prefix      string
	compression mm.Compression
	maxFileSize int64
	readOnly    bool

	appendMu   sync.Mutex
	active     uint32
	activeSize int64

	filesMu sync.RWMutex
	files   map[uint32]*os.File

	// writeAt is replaced in tests to simulate failed writes.
	writeAt func(f *os.File, b []byte, off int64) (int, error)
}

// Options configure a Log.
type Options struct {
	Compression mm.Compression
	MaxFileSize int64
	ReadOnly    bool
}

// Open opens or creates the log files with the given prefix in dir.
func Open(dir, prefix string, opts Options) (*Log, error) {
	if opts.MaxFileSize <= 0 {
		opts.MaxFileSize = DefaultMaxFileSize
	}
	l := &Log{
		dir:         dir,
		prefix:      prefix,
		compression: opts.Compression,
		maxFileSize: opts.MaxFileSize,
		readOnly:    opts.ReadOnly,
		files:       make(map[uint32]*os.File),
		writeAt:     func(f *os.File, b []byte, off int64) (int, error) { return f.WriteAt(b, off) },
	}
	ids, err := l.fileIDs()
	if err != nil {
		return nil, err
	}
	flag := os.O_RDWR
	if opts.ReadOnly {
		flag = os.O_RDONLY
	}
	for _, id := range ids {
		filename := l.filename(id)
		f, err := os.OpenFile(filename, flag, 0644)
		if err != nil {
			l.Close()
			return nil, mm.NewIOError("open", filename, err)
		}
		l.files[id] = f
		l.active = id
	}
	if len(ids) > 0 {
		fi, err := l.files[l.active].Stat()
		if err != nil {
			l.Close()
			return nil, mm.NewIOError("stat", l.filename(l.active), err)
		}
		l.activeSize = fi.Size()
	}
	return l, nil
}

func (l *Log) String() string {
	return fmt.Sprintf("%s log @ %s", l.prefix, l.dir)
}

func (l *Log) filename(id uint32) string {
	return filepath.Join(l.dir, fmt.Sprintf("%s_%d%s", l.prefix, id, FileExt))
}

// fileIDs returns the sorted ids of existing files for this log.
func (l *Log) fileIDs() ([]uint32, error) {
	matches, err := filepath.Glob(filepath.Join(l.dir, l.prefix+"_*"+FileExt))
	if err != nil {
		return nil, err
	}
	var ids []uint32
	for _, match := range matches {
		base := strings.TrimSuffix(filepath.Base(match), FileExt)
		idStr := strings.TrimPrefix(base, l.prefix+"_")
		id, err := strconv.ParseUint(idStr, 10, 32)
		if err != nil {
			continue
		}
		ids = append(ids, uint32(id))
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// Filenames returns the paths of all files in the log.
func (l *Log) Filenames() []string {
	l.filesMu.RLock()
	defer l.filesMu.RUnlock()
	ids := make([]uint32, 0, len(l.files))
	for id := range l.files {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	names := make([]string, len(ids))
	for i, id := range ids {
		names[i] = l.filename(id)
	}
	return names
}

// Size returns the total bytes in all files of the log.
func (l *Log) Size() int64 {
	l.appendMu.Lock()
	defer l.appendMu.Unlock()
	l.filesMu.RLock()
	defer l.filesMu.RUnlock()
	var total int64
	for id, f := range l.files {
		if id == l.active {
			total += l.activeSize
			continue
		}
		if fi, err := f.Stat(); err == nil {
			total += fi.Size()
		}
	}
	return total
}

func (l *Log) getFile(id uint32) (*os.File, error) {
	l.filesMu.RLock()
	f, found := l.files[id]
	l.filesMu.RUnlock()
	if !found {
		return nil, fmt.Errorf("%s has no file with id %d", l, id)
	}
	return f, nil
}

// encode serializes a record, compressing the body.
func (l *Log) encode(rec Record) ([]byte, error) {
	if len(rec.Key) > 0xFFFF {
		return nil, fmt.Errorf("record key too long: %d bytes", len(rec.Key))
	}
	raw := make([]byte, 4+len(rec.Metadata)+len(rec.Pixels))
	binary.LittleEndian.PutUint32(raw[0:4], uint32(len(rec.Metadata)))
	copy(raw[4:], rec.Metadata)
	copy(raw[4+len(rec.Metadata):], rec.Pixels)
	body, err := mm.CompressData(raw, l.compression)
	if err != nil {
		return nil, err
	}
	if uint64(len(body)) > 0xFFFFFFFF {
		return nil, fmt.Errorf("record body too large: %d bytes", len(body))
	}

	size := headerSize + len(rec.Key) + lengthSize + len(body) + trailerSize
	buf := make([]byte, 0, size)
	buf = append(buf, magic[:]...)
	buf = append(buf, byte(rec.Kind), rec.Level, byte(l.compression), 0)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(rec.Key)))
	buf = append(buf, rec.Key...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(body)))
	buf = append(buf, body...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(body)))
	crc := crc32.Update(crc32.ChecksumIEEE(rec.Key), crc32.IEEETable, body)
	buf = binary.LittleEndian.AppendUint32(buf, crc)
	return buf, nil
}

// decodeHeader verifies a complete encoded record and returns its header and
// still-compressed body.
func decodeHeader(buf []byte) (Header, []byte, error) {
	var hdr Header
	if len(buf) < headerSize+lengthSize+trailerSize {
		return hdr, nil, fmt.Errorf("%w: only %d bytes", mm.ErrCorruptRecord, len(buf))
	}
	if buf[0] != magic[0] || buf[1] != magic[1] || buf[2] != magic[2] || buf[3] != magic[3] {
		return hdr, nil, fmt.Errorf("%w: bad magic %x", mm.ErrCorruptRecord, buf[0:4])
	}
	hdr.Kind = Kind(buf[4])
	hdr.Level = buf[5]
	hdr.Compression = mm.Compression(buf[6])
	keyLen := int(binary.LittleEndian.Uint16(buf[8:10]))
	pos := headerSize
	if pos+keyLen+lengthSize > len(buf) {
		return hdr, nil, fmt.Errorf("%w: key length %d exceeds record", mm.ErrCorruptRecord, keyLen)
	}
	hdr.Key = buf[pos : pos+keyLen]
	pos += keyLen
	bodyLen := int(binary.LittleEndian.Uint32(buf[pos : pos+lengthSize]))
	pos += lengthSize
	if pos+bodyLen+trailerSize != len(buf) {
		return hdr, nil, fmt.Errorf("%w: body length %d inconsistent with record length %d", mm.ErrCorruptRecord, bodyLen, len(buf))
	}
	body := buf[pos : pos+bodyLen]
	pos += bodyLen
	if int(binary.LittleEndian.Uint32(buf[pos:pos+4])) != bodyLen {
		return hdr, nil, fmt.Errorf("%w: trailer length mismatch", mm.ErrCorruptRecord)
	}
	crc := crc32.Update(crc32.ChecksumIEEE(hdr.Key), crc32.IEEETable, body)
	if binary.LittleEndian.Uint32(buf[pos+4:pos+8]) != crc {
		return hdr, nil, fmt.Errorf("%w: checksum mismatch", mm.ErrCorruptRecord)
	}
	return hdr, body, nil
}

func decodeBody(body []byte, compression mm.Compression) (metadata, pixels []byte, err error) {
	raw, err := mm.UncompressData(body, compression)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", mm.ErrCorruptRecord, err)
	}
	if len(raw) < 4 {
		return nil, nil, fmt.Errorf("%w: body too short", mm.ErrCorruptRecord)
	}
	metaLen := int(binary.LittleEndian.Uint32(raw[0:4]))
	if 4+metaLen > len(raw) {
		return nil, nil, fmt.Errorf("%w: metadata length %d exceeds body", mm.ErrCorruptRecord, metaLen)
	}
	return raw[4 : 4+metaLen], raw[4+metaLen:], nil
}

// Append writes a record and returns its position once all bytes are written.
// On failure the active file is truncated back to its previous end.
func (l *Log) Append(rec Record) (Position, error) {
	if l.readOnly {
		return Position{}, fmt.Errorf("can't append to read-only %s", l)
	}
	buf, err := l.encode(rec)
	if err != nil {
		return Position{}, err
	}

	l.appendMu.Lock()
	defer l.appendMu.Unlock()

	l.filesMu.RLock()
	f, found := l.files[l.active]
	l.filesMu.RUnlock()
	if !found || (l.activeSize > 0 && l.activeSize+int64(len(buf)) > l.maxFileSize) {
		if f, err = l.rollover(found); err != nil {
			return Position{}, err
		}
	}

	offset := l.activeSize
	if _, err := l.writeAt(f, buf, offset); err != nil {
		if terr := f.Truncate(offset); terr != nil {
			mm.Criticalf("unable to truncate %s after failed write: %v\n", f.Name(), terr)
		}
		return Position{}, mm.NewIOError("append", f.Name(), err)
	}
	l.activeSize += int64(len(buf))
	storage.FileBytesWritten.Add(float64(len(buf)))
	return Position{FileID: l.active, Offset: offset, Length: uint32(len(buf))}, nil
}

// rollover starts a new active file.  Must hold appendMu.
func (l *Log) rollover(haveActive bool) (*os.File, error) {
	id := l.active
	if haveActive {
		id++
	}
	filename := l.filename(id)
	f, err := os.OpenFile(filename, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return nil, mm.NewIOError("create", filename, err)
	}
	if haveActive {
		if err := l.syncFile(l.active); err != nil {
			mm.Errorf("sync of %s before rollover: %v\n", l.filename(l.active), err)
		}
		mm.Infof("Rolled %s over to file %d\n", l, id)
	}
	l.filesMu.Lock()
	l.files[id] = f
	l.filesMu.Unlock()
	l.active = id
	l.activeSize = 0
	return f, nil
}

// ReadHeader reads and verifies the record at pos without decompressing its body.
func (l *Log) ReadHeader(pos Position) (Header, error) {
	hdr, _, err := l.readRaw(pos)
	return hdr, err
}

func (l *Log) readRaw(pos Position) (Header, []byte, error) {
	f, err := l.getFile(pos.FileID)
	if err != nil {
		return Header{}, nil, err
	}
	buf := make([]byte, pos.Length)
	if _, err := f.ReadAt(buf, pos.Offset); err != nil {
		return Header{}, nil, mm.NewIOError("read", f.Name(), err)
	}
	storage.FileBytesRead.Add(float64(len(buf)))
	return decodeHeader(buf)
}

// Read returns the decoded record at pos.
func (l *Log) Read(pos Position) (Record, error) {
	hdr, body, err := l.readRaw(pos)
	if err != nil {
		return Record{}, fmt.Errorf("reading %s from %s: %w", pos, l, err)
	}
	metadata, pixels, err := decodeBody(body, hdr.Compression)
	if err != nil {
		return Record{}, fmt.Errorf("reading %s from %s: %w", pos, l, err)
	}
	return Record{
		Kind:     hdr.Kind,
		Level:    hdr.Level,
		Key:      append([]byte(nil), hdr.Key...),
		Metadata: metadata,
		Pixels:   pixels,
	}, nil
}

// Scan calls f with the header and position of every intact record in file
// order.  If repair is true, a corrupt or torn tail is truncated from its file
// and the number of bytes discarded is returned.  Otherwise a read-only log
// skips the tail, leaving the file untouched, and a writable log stops at the
// first bad record with an error.
func (l *Log) Scan(repair bool, f func(Position, Header) error) (discarded int64, err error) {
	l.appendMu.Lock()
	defer l.appendMu.Unlock()

	l.filesMu.RLock()
	ids := make([]uint32, 0, len(l.files))
	for id := range l.files {
		ids = append(ids, id)
	}
	l.filesMu.RUnlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		file, _ := l.getFile(id)
		fi, err := file.Stat()
		if err != nil {
			return discarded, mm.NewIOError("stat", file.Name(), err)
		}
		size := fi.Size()
		end, err := scanFile(file, id, size, f)
		if err != nil && !isCorrupt(err) {
			return discarded, err
		}
		if end < size {
			if !repair && l.readOnly {
				mm.Warningf("Skipping %d corrupt bytes of read-only %s at offset %d: %v\n", size-end, file.Name(), end, err)
				continue
			}
			if !repair {
				return discarded, fmt.Errorf("%s: %w at offset %d of %d", file.Name(), mm.ErrCorruptRecord, end, size)
			}
			mm.Warningf("Truncating %d corrupt bytes from %s at offset %d: %v\n", size-end, file.Name(), end, err)
			if l.readOnly {
				return discarded, fmt.Errorf("can't repair read-only %s", l)
			}
			if err := file.Truncate(end); err != nil {
				return discarded, mm.NewIOError("truncate", file.Name(), err)
			}
			discarded += size - end
		}
		if id == l.active {
			l.activeSize = end
		}
	}
	return discarded, nil
}

func isCorrupt(err error) bool {
	return errors.Is(err, mm.ErrCorruptRecord)
}

// scanFile walks records until the end of file or the first bad record,
// returning the offset just past the last good record.
func scanFile(file *os.File, id uint32, size int64, f func(Position, Header) error) (int64, error) {
	var offset int64
	prefix := make([]byte, headerSize)
	for offset < size {
		if size-offset < int64(headerSize+lengthSize+trailerSize) {
			return offset, fmt.Errorf("%w: torn record header", mm.ErrCorruptRecord)
		}
		if _, err := file.ReadAt(prefix, offset); err != nil {
			return offset, mm.NewIOError("read", file.Name(), err)
		}
		keyLen := int64(binary.LittleEndian.Uint16(prefix[8:10]))
		lenBuf := make([]byte, lengthSize)
		if offset+headerSize+keyLen+lengthSize > size {
			return offset, fmt.Errorf("%w: torn record key", mm.ErrCorruptRecord)
		}
		if _, err := file.ReadAt(lenBuf, offset+headerSize+keyLen); err != nil {
			return offset, mm.NewIOError("read", file.Name(), err)
		}
		bodyLen := int64(binary.LittleEndian.Uint32(lenBuf))
		recLen := headerSize + keyLen + lengthSize + bodyLen + trailerSize
		if offset+recLen > size || recLen > 0xFFFFFFFF {
			return offset, fmt.Errorf("%w: torn record body", mm.ErrCorruptRecord)
		}
		buf := make([]byte, recLen)
		if _, err := file.ReadAt(buf, offset); err != nil {
			return offset, mm.NewIOError("read", file.Name(), err)
		}
		hdr, _, err := decodeHeader(buf)
		if err != nil {
			return offset, err
		}
		pos := Position{FileID: id, Offset: offset, Length: uint32(recLen)}
		if err := f(pos, hdr); err != nil {
			return offset, err
		}
		offset += recLen
	}
	return offset, nil
}

func (l *Log) syncFile(id uint32) error {
	f, err := l.getFile(id)
	if err != nil {
		return err
	}
	return mm.NewIOError("sync", f.Name(), f.Sync())
}

// Sync flushes the active file to disk.
func (l *Log) Sync() error {
	if l.readOnly {
		return nil
	}
	l.appendMu.Lock()
	defer l.appendMu.Unlock()
	l.filesMu.RLock()
	_, found := l.files[l.active]
	l.filesMu.RUnlock()
	if !found {
		return nil
	}
	return l.syncFile(l.active)
}

// Close closes all files of the log.
func (l *Log) Close() error {
	l.filesMu.Lock()
	defer l.filesMu.Unlock()
	var firstErr error
	for id, f := range l.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = mm.NewIOError("close", f.Name(), err)
		}
		delete(l.files, id)
	}
	return firstErr
}
