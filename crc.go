package sar

import (
	"hash/crc32"
	"math"
	"sort"
)

const (
	// crcTargetReadSize batches verification reads up to this many bytes.
	crcTargetReadSize = 4096

	// crcOverflowSize is how far apart adjacent entries may sit and still be
	// covered by one read. The bytes between them are read and discarded.
	crcOverflowSize = 128
)

// CRC32Entry pairs a path with its table entry and the outcome of a
// verification pass.
type CRC32Entry struct {
	Path  string
	Entry FileEntry
	OK    bool
}

// CheckCRC32 verifies stored files and reports per-file results. A nil or
// empty entries slice checks every file in the archive. Otherwise entries
// are looked up by path; their Entry fields are refilled from the table,
// paths the archive does not contain are dropped, and the result is sorted
// by data offset.
//
// Archives with post CRC-32s verify the stored bytes directly, batching
// adjacent entries into shared reads. Older archives fall back to reading
// each file through the decompressing path and checking its pre CRC-32.
//
// The bool result is the AND of every checked entry. This is an expensive
// call; run it off any latency-sensitive path.
func (a *Archive) CheckCRC32(entries []CRC32Entry) ([]CRC32Entry, bool) {
	if a.state != StateOk {
		if len(entries) == 0 {
			return nil, false
		}
		out := make([]CRC32Entry, len(entries))
		for i, e := range entries {
			out[i] = CRC32Entry{Path: e.Path}
		}
		return out, false
	}

	var list []CRC32Entry
	if len(entries) == 0 {
		list = a.EntriesByOffset()
	} else {
		list = make([]CRC32Entry, 0, len(entries))
		for _, e := range entries {
			te, ok := a.table.Lookup(e.Path)
			if !ok {
				continue
			}
			list = append(list, CRC32Entry{Path: NormalizePath(e.Path), Entry: te.Entry})
		}
		sort.Slice(list, func(i, j int) bool { return list[i].Entry.Offset < list[j].Entry.Offset })
	}
	if len(list) == 0 {
		return list, true
	}

	ok := a.checkEntries(list, false)
	return list, ok
}

// CheckAllCRC32 verifies every file and stops at the first failure.
func (a *Archive) CheckAllCRC32() bool {
	if a.state != StateOk {
		return false
	}
	list := a.EntriesByOffset()
	if len(list) == 0 {
		return true
	}
	return a.checkEntries(list, true)
}

// checkEntries verifies list in place. list must be sorted by offset. With
// earlyOut the first failure aborts the scan.
func (a *Archive) checkEntries(list []CRC32Entry, earlyOut bool) bool {
	if a.hasPostCRC32 {
		return a.checkPost(list, earlyOut)
	}
	return a.checkPre(list, earlyOut)
}

// checkPost verifies stored bytes against post CRC-32s, batching adjacent
// entries into single reads.
func (a *Archive) checkPost(list []CRC32Entry, earlyOut bool) bool {
	all := true
	var buf []byte

	for i := 0; i < len(list); {
		first := &list[i]

		// The format allows 64-bit sizes but files never approach them;
		// anything bigger than 32 bits fails rather than being read.
		if first.Entry.CompressedSize > math.MaxUint32 {
			first.OK = false
			if earlyOut {
				return false
			}
			all = false
			i++
			continue
		}

		// Batch: always admit the first entry, then extend while the gap to
		// the next entry and the accumulated size stay within the tuning
		// constants.
		toRead := first.Entry.CompressedSize
		prevEnd := first.Entry.Offset + toRead
		j := i + 1
		for j < len(list) {
			next := list[j].Entry
			if next.CompressedSize > math.MaxUint32 || next.Offset < prevEnd {
				break
			}
			overflow := next.Offset - prevEnd
			if overflow > crcOverflowSize {
				break
			}
			add := next.CompressedSize + overflow
			if toRead+add > crcTargetReadSize {
				break
			}
			toRead += add
			prevEnd = next.Offset + next.CompressedSize
			j++
		}

		if uint64(len(buf)) < toRead {
			buf = make([]byte, toRead)
		}
		b := buf[:toRead]
		a.mu.Lock()
		err := a.readAtLocked(b, int64(first.Entry.Offset))
		a.mu.Unlock()
		if err != nil {
			// A failed read fails this entry and everything after it.
			for k := i; k < len(list); k++ {
				list[k].OK = false
			}
			return false
		}

		base := first.Entry.Offset
		for ; i < j; i++ {
			e := &list[i]
			if e.Entry.CompressedSize == 0 {
				e.OK = true
				continue
			}
			off := e.Entry.Offset - base
			e.OK = crc32.ChecksumIEEE(b[off:off+e.Entry.CompressedSize]) == e.Entry.CRC32Post
			if !e.OK {
				if earlyOut {
					return false
				}
				all = false
			}
		}
	}

	return all
}

// checkPre verifies files without post CRC-32s: each file is read through
// the normal decompressing path and compared against its pre CRC-32.
func (a *Archive) checkPre(list []CRC32Entry, earlyOut bool) bool {
	all := true
	for i := range list {
		e := &list[i]
		if e.Entry.CompressedSize == 0 {
			e.OK = true
			continue
		}
		ok := false
		if e.Entry.UncompressedSize <= math.MaxUint32 {
			if te, found := a.table.Lookup(e.Path); found {
				if data, err := a.readEntry(e.Path, te); err == nil {
					ok = crc32.ChecksumIEEE(data) == e.Entry.CRC32Pre
				}
			}
		}
		e.OK = ok
		if !ok {
			if earlyOut {
				return false
			}
			all = false
		}
	}
	return all
}

// CheckFileCRC32 verifies a single file on disk. Missing files, files with
// sizes beyond 32 bits, failed reads and mismatched checksums all report
// false; zero-size files are always ok.
func (a *Archive) CheckFileCRC32(name string) bool {
	if a.state != StateOk {
		return false
	}
	te, ok := a.table.Lookup(name)
	if !ok {
		return false
	}
	e := te.Entry
	if e.CompressedSize > math.MaxUint32 || e.UncompressedSize > math.MaxUint32 {
		return false
	}
	if e.CompressedSize == 0 {
		return true
	}

	if a.hasPostCRC32 {
		buf := make([]byte, e.CompressedSize)
		a.mu.Lock()
		err := a.readAtLocked(buf, int64(e.Offset))
		a.mu.Unlock()
		if err != nil {
			return false
		}
		return crc32.ChecksumIEEE(buf) == e.CRC32Post
	}

	data, err := a.readEntry(NormalizePath(name), te)
	if err != nil {
		return false
	}
	return crc32.ChecksumIEEE(data) == e.CRC32Pre
}
