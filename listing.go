package sar

import (
	"io"
	"io/fs"
	"path"
	"sort"
	"strings"
)

// ListOptions filters List results.
type ListOptions struct {
	// Recursive includes files from nested directories instead of only the
	// directory's immediate children.
	Recursive bool

	// Extension keeps only files with the given extension, dot included
	// (".json"). The comparison is case-insensitive.
	Extension string
}

// List returns the normalized paths of files under dir, sorted
// lexicographically. Pass "" or "." for the archive root. Directories that
// match nothing produce an empty result, not an error.
//
// List requires the archive's sorted file list, which is only present when
// the archive was built with directory query support; without it List fails
// with ErrNoDirectoryQueries.
func (a *Archive) List(dir string, opt ListOptions) ([]string, error) {
	if a.state != StateOk {
		return nil, ErrNotLoaded
	}
	if len(a.table.sorted) == 0 {
		return nil, ErrNoDirectoryQueries
	}

	dirKey := strings.Trim(NormalizePath(dir), "/")
	if dirKey == "" {
		dirKey = "."
	}
	lo, hi := a.sortedRange(dirPrefix(dirKey))

	out := make([]string, 0, hi-lo)
	for _, s := range a.table.sorted[lo:hi] {
		if !opt.Recursive && path.Dir(s) != dirKey {
			continue
		}
		if opt.Extension != "" && !strings.EqualFold(path.Ext(s), opt.Extension) {
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

// ReadDir implements fs.ReadDirFS.
//
// Directory entries are synthesized from file paths; the archive does not
// store directories explicitly. Like List, ReadDir requires the archive's
// sorted file list.
func (a *Archive) ReadDir(name string) ([]fs.DirEntry, error) {
	if !fs.ValidPath(name) {
		return nil, &fs.PathError{Op: "readdir", Path: name, Err: fs.ErrInvalid}
	}
	if a.state != StateOk {
		return nil, &fs.PathError{Op: "readdir", Path: name, Err: ErrNotLoaded}
	}
	if len(a.table.sorted) == 0 {
		return nil, &fs.PathError{Op: "readdir", Path: name, Err: ErrNoDirectoryQueries}
	}

	dirKey := NormalizePath(name)
	if dirKey != "." && !a.dirExists(dirKey) {
		return nil, &fs.PathError{Op: "readdir", Path: name, Err: fs.ErrNotExist}
	}
	return a.dirEntries(dirKey), nil
}

// dirPrefix converts a normalized directory key to its path prefix. The
// root matches every entry.
func dirPrefix(dirKey string) string {
	if dirKey == "." {
		return ""
	}
	return dirKey + "/"
}

// sortedRange returns the half-open index range of the sorted file list
// covered by prefix.
func (a *Archive) sortedRange(prefix string) (lo, hi int) {
	s := a.table.sorted
	lo = sort.SearchStrings(s, prefix)
	hi = lo + sort.Search(len(s)-lo, func(i int) bool {
		return !strings.HasPrefix(s[lo+i], prefix)
	})
	return lo, hi
}

// dirExists reports whether any file lives under the normalized directory
// key. It is always false for archives without the sorted file list.
func (a *Archive) dirExists(dirKey string) bool {
	if a.table == nil {
		return false
	}
	if dirKey == "." {
		return len(a.table.sorted) > 0
	}
	lo, hi := a.sortedRange(dirKey + "/")
	return lo < hi
}

// dirEntries synthesizes the immediate children of dirKey. Subdirectories
// appear once regardless of how many files they contain.
func (a *Archive) dirEntries(dirKey string) []fs.DirEntry {
	prefix := dirPrefix(dirKey)
	lo, hi := a.sortedRange(prefix)

	entries := make([]fs.DirEntry, 0, hi-lo)
	last := ""
	for _, s := range a.table.sorted[lo:hi] {
		rel := s[len(prefix):]
		if i := strings.Index(rel, "/"); i >= 0 {
			child := rel[:i]
			if child == last {
				continue
			}
			last = child
			entries = append(entries, dirEntry{fileInfo{name: child, dir: true}})
			continue
		}
		last = rel
		entries = append(entries, dirEntry{entryInfo(s, a.table.entries[s].Entry)})
	}

	// Path order puts "a.x" before the contents of a sibling directory "a";
	// fs.ReadDir results are sorted by entry name.
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
	return entries
}

// dirEntry implements fs.DirEntry by wrapping fileInfo.
type dirEntry struct {
	info fileInfo
}

func (de dirEntry) Name() string               { return de.info.Name() }
func (de dirEntry) IsDir() bool                { return de.info.IsDir() }
func (de dirEntry) Type() fs.FileMode          { return de.info.Mode().Type() }
func (de dirEntry) Info() (fs.FileInfo, error) { return de.info, nil }

// openDir implements fs.ReadDirFile for synthesized directories.
type openDir struct {
	a       *Archive
	dirKey  string
	entries []fs.DirEntry
	pos     int
	closed  bool
}

var _ fs.ReadDirFile = (*openDir)(nil)

func (d *openDir) Read(_ []byte) (int, error) {
	return 0, &fs.PathError{Op: "read", Path: d.dirKey, Err: fs.ErrInvalid}
}

func (d *openDir) Stat() (fs.FileInfo, error) {
	return fileInfo{name: path.Base(d.dirKey), dir: true}, nil
}

func (d *openDir) Close() error {
	d.closed = true
	d.entries = nil
	return nil
}

func (d *openDir) ReadDir(n int) ([]fs.DirEntry, error) {
	if d.closed {
		return nil, &fs.PathError{Op: "readdir", Path: d.dirKey, Err: fs.ErrClosed}
	}
	if len(d.a.table.sorted) == 0 {
		return nil, &fs.PathError{Op: "readdir", Path: d.dirKey, Err: ErrNoDirectoryQueries}
	}
	if d.entries == nil {
		d.entries = d.a.dirEntries(d.dirKey)
	}

	rest := d.entries[d.pos:]
	if n <= 0 {
		d.pos = len(d.entries)
		return append([]fs.DirEntry(nil), rest...), nil
	}
	if len(rest) == 0 {
		return nil, io.EOF
	}
	if n > len(rest) {
		n = len(rest)
	}
	d.pos += n
	return append([]fs.DirEntry(nil), rest[:n]...), nil
}
