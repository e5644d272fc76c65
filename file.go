package sar

import (
	"fmt"
	"io"
	"io/fs"
	"path"
	"time"

	"github.com/meigma/sar/internal/compress"
)

var (
	_ fs.File     = (*sectionFile)(nil)
	_ io.Seeker   = (*sectionFile)(nil)
	_ io.ReaderAt = (*sectionFile)(nil)
	_ fs.File     = (*compressedFile)(nil)
	_ io.Seeker   = (*compressedFile)(nil)
	_ io.ReaderAt = (*compressedFile)(nil)
)

// fileInfo implements fs.FileInfo for archive entries.
type fileInfo struct {
	name    string
	size    int64
	modTime uint64
	dir     bool
}

func entryInfo(norm string, e FileEntry) fileInfo {
	return fileInfo{
		name:    path.Base(norm),
		size:    int64(e.UncompressedSize),
		modTime: e.ModifiedTime,
	}
}

func (fi fileInfo) Name() string { return fi.name }
func (fi fileInfo) Size() int64  { return fi.size }

func (fi fileInfo) Mode() fs.FileMode {
	if fi.dir {
		return fs.ModeDir | 0o555
	}
	return 0o444
}

func (fi fileInfo) ModTime() time.Time {
	if fi.modTime == 0 {
		return time.Time{}
	}
	return time.Unix(int64(fi.modTime), 0)
}

func (fi fileInfo) IsDir() bool { return fi.dir }
func (fi fileInfo) Sys() any    { return nil }

func (a *Archive) openEntry(norm string, te TableEntry) fs.File {
	info := entryInfo(norm, te.Entry)
	if te.Entry.CompressedSize == te.Entry.UncompressedSize {
		return &sectionFile{
			a:          a,
			info:       info,
			base:       int64(te.Entry.Offset),
			size:       int64(te.Entry.CompressedSize),
			xorKey:     te.XorKey,
			obfuscated: a.features.Obfuscated,
		}
	}
	return &compressedFile{
		a:       a,
		info:    info,
		entry:   te.Entry,
		xorKey:  te.XorKey,
		useDict: a.useDictFor(norm),
	}
}

// useDictFor reports whether reads of name should decode against the
// compression dictionary: one must exist and be processed, and the read must
// not be of the dictionary itself.
func (a *Archive) useDictFor(name string) bool {
	return a.dictDone.Load() && a.dictPool.Load() != nil && name != a.dictPath
}

// readStored reads an entry's bytes as stored and reverses per-file
// obfuscation. The result is still compressed for compressed entries.
func (a *Archive) readStored(e FileEntry, xorKey uint32) ([]byte, error) {
	stored := make([]byte, e.CompressedSize)
	if err := a.readAt(stored, int64(e.Offset)); err != nil {
		return nil, err
	}
	if a.features.Obfuscated {
		Obfuscate(xorKey, stored, 0)
	}
	return stored, nil
}

// decompressEntry expands stored chunk bytes and enforces the table's
// uncompressed size.
func (a *Archive) decompressEntry(stored []byte, e FileEntry, useDict bool) ([]byte, error) {
	var (
		out []byte
		err error
	)
	if a.features.OldLZ4Compression {
		out, err = compress.DecompressLZ4(stored)
	} else {
		pool := a.pool
		if useDict {
			pool = a.dictPool.Load()
		}
		out, err = pool.DecompressZstd(stored)
	}
	if err != nil {
		return nil, err
	}
	if uint64(len(out)) != e.UncompressedSize {
		return nil, fmt.Errorf("sar: decompressed %d bytes, expected %d", len(out), e.UncompressedSize)
	}
	return out, nil
}

// readEntry returns an entry's full decompressed content.
func (a *Archive) readEntry(norm string, te TableEntry) ([]byte, error) {
	stored, err := a.readStored(te.Entry, te.XorKey)
	if err != nil {
		return nil, err
	}
	if te.Entry.CompressedSize == te.Entry.UncompressedSize {
		return stored, nil
	}
	return a.decompressEntry(stored, te.Entry, a.useDictFor(norm))
}

// sectionFile serves an uncompressed entry directly from the archive,
// reversing obfuscation as it reads. Reads at different offsets are cheap;
// nothing is buffered.
type sectionFile struct {
	a          *Archive
	info       fileInfo
	base       int64
	size       int64
	xorKey     uint32
	obfuscated bool

	pos    int64
	closed bool
}

func (f *sectionFile) Stat() (fs.FileInfo, error) { return f.info, nil }

func (f *sectionFile) Read(p []byte) (int, error) {
	n, err := f.ReadAt(p, f.pos)
	f.pos += int64(n)
	return n, err
}

func (f *sectionFile) ReadAt(p []byte, off int64) (int, error) {
	if f.closed {
		return 0, fs.ErrClosed
	}
	if off < 0 {
		return 0, fs.ErrInvalid
	}
	if off >= f.size {
		return 0, io.EOF
	}
	n := len(p)
	if int64(n) > f.size-off {
		n = int(f.size - off)
	}
	if err := f.a.readAt(p[:n], f.base+off); err != nil {
		return 0, err
	}
	if f.obfuscated {
		// The XOR stream is positional within the logical file.
		Obfuscate(f.xorKey, p[:n], uint64(off))
	}
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (f *sectionFile) Seek(offset int64, whence int) (int64, error) {
	var pos int64
	switch whence {
	case io.SeekStart:
		pos = offset
	case io.SeekCurrent:
		pos = f.pos + offset
	case io.SeekEnd:
		pos = f.size + offset
	default:
		return 0, fs.ErrInvalid
	}
	if pos < 0 {
		return 0, fs.ErrInvalid
	}
	f.pos = pos
	return pos, nil
}

func (f *sectionFile) Close() error {
	f.closed = true
	return nil
}

// compressedFile serves a compressed entry. The stored payload is read and
// decompressed in full on first use, then reads copy out of the buffer.
type compressedFile struct {
	a       *Archive
	info    fileInfo
	entry   FileEntry
	xorKey  uint32
	useDict bool

	data   []byte
	loaded bool
	pos    int64
	closed bool
}

func (f *compressedFile) ensure() error {
	if f.loaded {
		return nil
	}
	stored, err := f.a.readStored(f.entry, f.xorKey)
	if err != nil {
		return err
	}
	data, err := f.a.decompressEntry(stored, f.entry, f.useDict)
	if err != nil {
		return err
	}
	f.data = data
	f.loaded = true
	return nil
}

func (f *compressedFile) Stat() (fs.FileInfo, error) { return f.info, nil }

func (f *compressedFile) Read(p []byte) (int, error) {
	n, err := f.ReadAt(p, f.pos)
	f.pos += int64(n)
	return n, err
}

func (f *compressedFile) ReadAt(p []byte, off int64) (int, error) {
	if f.closed {
		return 0, fs.ErrClosed
	}
	if off < 0 {
		return 0, fs.ErrInvalid
	}
	if err := f.ensure(); err != nil {
		return 0, err
	}
	if off >= int64(len(f.data)) {
		return 0, io.EOF
	}
	n := copy(p, f.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (f *compressedFile) Seek(offset int64, whence int) (int64, error) {
	var pos int64
	switch whence {
	case io.SeekStart:
		pos = offset
	case io.SeekCurrent:
		pos = f.pos + offset
	case io.SeekEnd:
		pos = f.info.size + offset
	default:
		return 0, fs.ErrInvalid
	}
	if pos < 0 {
		return 0, fs.ErrInvalid
	}
	f.pos = pos
	return pos, nil
}

func (f *compressedFile) Close() error {
	f.closed = true
	f.data = nil
	f.loaded = false
	return nil
}
