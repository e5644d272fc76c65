package sar

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"iter"
	"sort"
	"strings"

	"github.com/meigma/sar/internal/compress"
)

// NormalizePath converts a stored or caller-supplied path to the canonical
// lookup form: lowercase with forward slashes. Archive paths are ASCII and
// case-insensitive.
func NormalizePath(s string) string {
	return strings.ToLower(strings.ReplaceAll(s, "\\", "/"))
}

// TableEntry is a file table record plus the derived per-file XOR key
// (zero when the archive is not obfuscated).
type TableEntry struct {
	Entry  FileEntry
	XorKey uint32
}

// FileTable maps normalized paths to their entries. It is immutable after
// parse and safe for concurrent use without locking. When the archive was
// built with directory query support it also keeps a sorted path list to
// serve listings.
type FileTable struct {
	entries map[string]TableEntry
	sorted  []string
}

// Lookup returns the entry for a path, normalizing it first.
func (t *FileTable) Lookup(name string) (TableEntry, bool) {
	if t == nil {
		return TableEntry{}, false
	}
	e, ok := t.entries[NormalizePath(name)]
	return e, ok
}

// Len returns the number of entries.
func (t *FileTable) Len() int {
	if t == nil {
		return 0
	}
	return len(t.entries)
}

// All iterates over every (normalized path, entry) pair in map order.
func (t *FileTable) All() iter.Seq2[string, TableEntry] {
	return func(yield func(string, TableEntry) bool) {
		if t == nil {
			return
		}
		for name, e := range t.entries {
			if !yield(name, e) {
				return
			}
		}
	}
}

// parseFileTable processes the raw file table region: trailing CRC-32 check
// (stored form, before anything else), deobfuscation with the build-pair
// key, optional decompression, then record parsing. region is consumed and
// must not be reused. The returned bool reports whether every entry ended
// up with a usable post CRC-32.
func parseFileTable(region []byte, h Header, feats Features, order binary.ByteOrder, pool *compress.DecompressPool) (*FileTable, bool, error) {
	if feats.FileTablePostCRC32 {
		if len(region) < 4 {
			return nil, false, fmt.Errorf("%w: too small for trailing crc32", ErrBadFileTable)
		}
		want := binary.LittleEndian.Uint32(region[len(region)-4:])
		region = region[:len(region)-4]
		if got := crc32.ChecksumIEEE(region); got != want {
			return nil, false, fmt.Errorf("%w: crc32 mismatch (got %08x, want %08x)", ErrBadFileTable, got, want)
		}
	}

	// The table itself is always obfuscated, independent of the per-file
	// obfuscation flag.
	Obfuscate(ObfuscationKey(fmt.Sprintf("%d%d", h.BuildVersionMajor, h.BuildChangelist)), region, 0)

	if feats.CompressedFileTable {
		var err error
		if feats.OldLZ4Compression {
			region, err = compress.DecompressLZ4(region)
		} else {
			region, err = pool.DecompressZstd(region)
		}
		if err != nil {
			return nil, false, fmt.Errorf("%w: %v", ErrBadFileTable, err)
		}
	}

	hasPost := true
	count := int(h.TotalEntriesInFileTable)
	entries := make(map[string]TableEntry, count)
	var sorted []string
	if feats.DirectoryQueries {
		sorted = make([]string, 0, count)
	}

	off := 0
	for i := 0; i < count; i++ {
		if off+entrySize > len(region) {
			return nil, false, fmt.Errorf("%w: truncated at entry %d", ErrBadFileTable, i)
		}
		e := decodeFileEntry(region[off:], order)
		off += entrySize

		// Versions without stored post CRC-32s can still verify files whose
		// bytes are identical on disk and in memory. Anything obfuscated or
		// compressed disables post verification for the whole archive.
		if !feats.PostCRC32 {
			if !feats.Obfuscated && e.CompressedSize == e.UncompressedSize {
				e.CRC32Post = e.CRC32Pre
			} else {
				e.CRC32Post = 0
				hasPost = false
			}
		}

		end := e.Offset + e.CompressedSize
		if e.Offset > h.TotalPackageFileSize || end < e.Offset || end > h.TotalPackageFileSize {
			return nil, false, fmt.Errorf("%w: entry %d outside package bounds", ErrBadFileTable, i)
		}

		if off+4 > len(region) {
			return nil, false, fmt.Errorf("%w: truncated at entry %d path length", ErrBadFileTable, i)
		}
		pathLen := order.Uint32(region[off:])
		off += 4
		if pathLen == 0 {
			return nil, false, fmt.Errorf("%w: entry %d has an empty path", ErrBadFileTable, i)
		}
		if pathLen > maxReadSize {
			return nil, false, fmt.Errorf("%w: entry %d path length %d out of range", ErrBadFileTable, i, pathLen)
		}
		if off+int(pathLen) > len(region) {
			return nil, false, fmt.Errorf("%w: truncated at entry %d path", ErrBadFileTable, i)
		}
		raw := region[off : off+int(pathLen)]
		off += int(pathLen)
		if raw[len(raw)-1] != 0 {
			return nil, false, fmt.Errorf("%w: entry %d path is not NUL terminated", ErrBadFileTable, i)
		}
		raw = raw[:len(raw)-1]

		// The XOR key hashes the path exactly as stored, before separator
		// normalization.
		var xorKey uint32
		if feats.Obfuscated {
			xorKey = ObfuscationKey(string(raw))
		}

		name := NormalizePath(string(raw))
		if _, dup := entries[name]; dup {
			return nil, false, fmt.Errorf("%w: duplicate path %q", ErrBadFileTable, name)
		}
		entries[name] = TableEntry{Entry: e, XorKey: xorKey}
		if feats.DirectoryQueries {
			sorted = append(sorted, name)
		}
	}

	sort.Strings(sorted)
	return &FileTable{entries: entries, sorted: sorted}, hasPost, nil
}
