package sar

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"sort"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"github.com/meigma/sar/internal/compress"
)

// State describes where an Archive is in its validation lifecycle. A failed
// archive never becomes Ok again; reload by constructing a new one.
type State uint8

const (
	StateUnopened State = iota
	StateValidating
	StateOk
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUnopened:
		return "unopened"
	case StateValidating:
		return "validating"
	case StateOk:
		return "ok"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Archive provides read access to a .sar package file. It implements fs.FS
// and related interfaces over the archive's contents, raw byte access to the
// stored form, and CRC-32 verification of individual files.
//
// An Archive opened with WithWriteAccess additionally accepts Commit calls
// that patch the underlying file in place. That works even when validation
// failed, which is how the download package repairs archives that are
// missing or stale.
//
// Methods are safe for concurrent use. All byte access to the package file
// is serialized on one mutex around a single OS handle.
type Archive struct {
	path   string
	logger *slog.Logger

	canWrite       bool
	loadIntoMemory bool
	deferDict      bool

	// mu serializes file access and guards offset, size, file and loadErr.
	mu     sync.Mutex
	file   *os.File
	mem    []byte
	offset int64
	size   int64

	state   State
	loadErr error

	header       Header
	features     Features
	table        *FileTable
	hasPostCRC32 bool

	pool *compress.DecompressPool

	dictPath  string
	dictState atomic.Int32
	dictDone  atomic.Bool
	dictPool  atomic.Pointer[compress.DecompressPool]
	dictGroup singleflight.Group
}

var (
	_ fs.FS         = (*Archive)(nil)
	_ fs.StatFS     = (*Archive)(nil)
	_ fs.ReadFileFS = (*Archive)(nil)
	_ fs.ReadDirFS  = (*Archive)(nil)
	_ io.ReaderAt   = (*Archive)(nil)
)

func newArchive(path string, opts []Option) *Archive {
	a := &Archive{path: path, offset: -1}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Open validates the archive at path. It always returns a non-nil Archive:
// on validation failure the returned error is also recorded on the archive,
// Ok reports false, and with WithWriteAccess Commit and Flush still work
// so the file can be repaired in place.
func Open(path string, opts ...Option) (*Archive, error) {
	a := newArchive(path, opts)
	if a.canWrite && a.loadIntoMemory {
		return a.fail(errors.New("sar: write access and load into memory are mutually exclusive"))
	}
	a.state = StateValidating

	flags := os.O_RDONLY
	if a.canWrite {
		flags = os.O_RDWR
	}
	f, err := os.OpenFile(path, flags, 0)
	if err != nil {
		return a.fail(fmt.Errorf("open package: %w", err))
	}

	if a.loadIntoMemory {
		data, err := io.ReadAll(f)
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return a.fail(fmt.Errorf("load package: %w", err))
		}
		a.mem = data
		a.size = int64(len(data))
	} else {
		a.file = f
		info, err := f.Stat()
		if err != nil {
			return a.fail(fmt.Errorf("stat package: %w", err))
		}
		a.size = info.Size()
		a.offset = 0
	}

	return a.finishOpen()
}

// OpenBytes validates an in-memory archive. The archive keeps a reference to
// data; the caller must not modify it. In-memory archives are never
// writable.
func OpenBytes(name string, data []byte, opts ...Option) (*Archive, error) {
	a := newArchive(name, opts)
	if a.canWrite {
		return a.fail(errors.New("sar: in-memory archives are not writable"))
	}
	a.state = StateValidating
	a.mem = data
	a.size = int64(len(data))
	return a.finishOpen()
}

func (a *Archive) finishOpen() (*Archive, error) {
	if err := a.load(); err != nil {
		return a.fail(err)
	}
	a.state = StateOk

	if a.dictPath != "" && !a.deferDict {
		if !a.processDict() {
			// An unusable dictionary makes every dictionary-compressed
			// entry unreadable, so the whole archive is rejected.
			a.header = Header{}
			a.features = Features{}
			a.table = nil
			a.hasPostCRC32 = false
			a.dictPath = ""
			a.state = StateFailed
			return a, a.LoadError()
		}
	}

	a.log().Debug("opened archive",
		"path", a.path,
		"version", a.header.Version,
		"entries", a.table.Len(),
		"dict", a.dictPath != "")
	return a, nil
}

func (a *Archive) fail(err error) (*Archive, error) {
	a.mu.Lock()
	a.loadErr = err
	a.mu.Unlock()
	a.state = StateFailed
	return a, err
}

func (a *Archive) setLoadError(err error) {
	a.mu.Lock()
	a.loadErr = err
	a.mu.Unlock()
}

// load validates the header and file table. On return with nil error the
// archive fields are populated; the caller flips the state.
func (a *Archive) load() error {
	pool, err := compress.NewDecompressPool(maxReadSize)
	if err != nil {
		return err
	}
	a.pool = pool

	var hdr [HeaderSize]byte
	if err := a.readAt(hdr[:], 0); err != nil {
		return fmt.Errorf("read header: %w", err)
	}
	h, order, err := readHeaderOrder(hdr[:])
	if err != nil {
		return err
	}
	if a.size != int64(h.TotalPackageFileSize) {
		return fmt.Errorf("%w: header says %d bytes, file is %d", ErrSizeMismatch, h.TotalPackageFileSize, a.size)
	}

	feats := h.Features()
	if int64(h.SizeOfFileTable) > a.size {
		return fmt.Errorf("%w: table size %d exceeds package size", ErrBadFileTable, h.SizeOfFileTable)
	}
	region := make([]byte, h.SizeOfFileTable)
	if h.SizeOfFileTable > 0 {
		if err := a.readAt(region, int64(h.OffsetToFileTable)); err != nil {
			return fmt.Errorf("read file table: %w", err)
		}
	}
	table, hasPost, err := parseFileTable(region, h, feats, order, a.pool)
	if err != nil {
		return err
	}

	a.header = h
	a.features = feats
	a.table = table
	a.hasPostCRC32 = hasPost

	// A compression dictionary exists iff the table carries the well-known
	// entry for this archive's platform.
	name := NormalizePath(CompressionDictName(h.Platform))
	if _, ok := table.Lookup(name); ok {
		a.dictPath = name
	}
	return nil
}

func (a *Archive) log() *slog.Logger {
	if a.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return a.logger
}

// Ok reports whether the archive validated successfully.
func (a *Archive) Ok() bool { return a.state == StateOk }

// State returns the archive's lifecycle state.
func (a *Archive) State() State { return a.state }

// LoadError returns the recorded validation or dictionary error, nil when
// none occurred.
func (a *Archive) LoadError() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.loadErr
}

// Path returns the path (or name, for in-memory archives) the archive was
// opened with.
func (a *Archive) Path() string { return a.path }

// Header returns the validated header. Zero value when not Ok.
func (a *Archive) Header() Header { return a.header }

// Features returns the capability set of the validated header.
func (a *Archive) Features() Features { return a.features }

// FileTable returns the parsed file table, nil when not Ok.
func (a *Archive) FileTable() *FileTable { return a.table }

// HasPostCRC32 reports whether every entry carries a usable CRC-32 of its
// stored bytes. True for current archives; old obfuscated or compressed
// archives fall back to verification through the decompressing read path.
func (a *Archive) HasPostCRC32() bool { return a.hasPostCRC32 }

// Close releases the OS handle. Safe to call more than once.
func (a *Archive) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.mem = nil
	if a.file == nil {
		return nil
	}
	err := a.file.Close()
	a.file = nil
	a.offset = -1
	return err
}

// readAt locks and reads exactly len(p) bytes of raw archive data at off.
func (a *Archive) readAt(p []byte, off int64) error {
	if len(p) == 0 {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.readAtLocked(p, off)
}

func (a *Archive) readAtLocked(p []byte, off int64) error {
	if a.mem != nil {
		if off < 0 || off > int64(len(a.mem)) || int64(len(p)) > int64(len(a.mem))-off {
			return io.ErrUnexpectedEOF
		}
		copy(p, a.mem[off:])
		return nil
	}
	if a.file == nil {
		return fs.ErrClosed
	}
	if a.offset != off {
		if _, err := a.file.Seek(off, io.SeekStart); err != nil {
			a.offset = -1
			return err
		}
		a.offset = off
	}
	if _, err := io.ReadFull(a.file, p); err != nil {
		// Restore the cached position so the next caller starts coherent;
		// poison the cache if even that fails.
		if _, serr := a.file.Seek(a.offset, io.SeekStart); serr != nil {
			a.offset = -1
		}
		return err
	}
	a.offset += int64(len(p))
	return nil
}

// ReadAt implements io.ReaderAt over the raw archive bytes exactly as
// stored, without deobfuscation or decompression. Reads are exact: a short
// read returns an error.
func (a *Archive) ReadAt(p []byte, off int64) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.readAtLocked(p, off); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Size returns the archive size in bytes on disk (or in memory).
func (a *Archive) Size() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.size
}

// Commit writes data at off in the underlying file. It requires
// WithWriteAccess and works regardless of validation state; the download
// package uses it to patch headers, tables and file ranges into place.
func (a *Archive) Commit(off int64, data []byte) error {
	if !a.canWrite {
		return ErrNoWriteAccess
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.file == nil {
		return fs.ErrClosed
	}
	if a.offset != off {
		if _, err := a.file.Seek(off, io.SeekStart); err != nil {
			a.offset = -1
			return fmt.Errorf("commit: %w", err)
		}
		a.offset = off
	}
	n, err := a.file.Write(data)
	if err != nil {
		a.offset = -1
		return fmt.Errorf("commit: %w", err)
	}
	a.offset = off + int64(n)
	if a.offset > a.size {
		a.size = a.offset
	}
	return nil
}

// Flush syncs committed changes to stable storage.
func (a *Archive) Flush() error {
	if !a.canWrite {
		return ErrNoWriteAccess
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.file == nil {
		return fs.ErrClosed
	}
	return a.file.Sync()
}

// Exists reports whether the archive contains name.
func (a *Archive) Exists(name string) bool {
	if a.state != StateOk {
		return false
	}
	_, ok := a.table.Lookup(name)
	return ok
}

// Delete implements the mutation half of a file system by always failing;
// archive contents are immutable.
func (a *Archive) Delete(name string) error {
	return &fs.PathError{Op: "delete", Path: name, Err: ErrReadOnly}
}

// Open implements fs.FS. Paths are case-insensitive and accept either
// separator. Uncompressed entries are served straight from the archive;
// compressed entries decompress fully on first read. The returned file also
// implements io.Seeker and io.ReaderAt.
func (a *Archive) Open(name string) (fs.File, error) {
	norm := NormalizePath(name)
	if !fs.ValidPath(norm) {
		return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrInvalid}
	}
	if a.state != StateOk {
		return nil, &fs.PathError{Op: "open", Path: name, Err: ErrNotLoaded}
	}
	te, ok := a.table.Lookup(norm)
	if !ok {
		if norm == "." || a.dirExists(norm) {
			return &openDir{a: a, dirKey: norm}, nil
		}
		return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrNotExist}
	}
	return a.openEntry(norm, te), nil
}

// Stat implements fs.StatFS without opening the file.
func (a *Archive) Stat(name string) (fs.FileInfo, error) {
	norm := NormalizePath(name)
	if !fs.ValidPath(norm) {
		return nil, &fs.PathError{Op: "stat", Path: name, Err: fs.ErrInvalid}
	}
	if a.state != StateOk {
		return nil, &fs.PathError{Op: "stat", Path: name, Err: ErrNotLoaded}
	}
	te, ok := a.table.Lookup(norm)
	if !ok {
		if norm == "." || a.dirExists(norm) {
			return fileInfo{name: path.Base(norm), dir: true}, nil
		}
		return nil, &fs.PathError{Op: "stat", Path: name, Err: fs.ErrNotExist}
	}
	return entryInfo(norm, te.Entry), nil
}

// ReadFile implements fs.ReadFileFS. It returns the decompressed,
// deobfuscated content of name.
func (a *Archive) ReadFile(name string) ([]byte, error) {
	norm := NormalizePath(name)
	if !fs.ValidPath(norm) {
		return nil, &fs.PathError{Op: "readfile", Path: name, Err: fs.ErrInvalid}
	}
	if a.state != StateOk {
		return nil, &fs.PathError{Op: "readfile", Path: name, Err: ErrNotLoaded}
	}
	te, ok := a.table.Lookup(norm)
	if !ok {
		return nil, &fs.PathError{Op: "readfile", Path: name, Err: fs.ErrNotExist}
	}
	data, err := a.readEntry(norm, te)
	if err != nil {
		return nil, &fs.PathError{Op: "readfile", Path: name, Err: err}
	}
	return data, nil
}

// EntriesByOffset returns every table entry with OK unset, sorted by data
// offset. This is the seed for download CRC tracking.
func (a *Archive) EntriesByOffset() []CRC32Entry {
	if a.state != StateOk {
		return nil
	}
	out := make([]CRC32Entry, 0, a.table.Len())
	for name, te := range a.table.All() {
		out = append(out, CRC32Entry{Path: name, Entry: te.Entry})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Entry.Offset < out[j].Entry.Offset })
	return out
}
