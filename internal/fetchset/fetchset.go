// Package fetchset coalesces file table entries into byte-range download
// sets and adapts the per-download size ceiling to observed transfer times.
package fetchset

import "sort"

// Entry is one file to download: where its stored bytes live and how much
// the caller wants it.
type Entry struct {
	// Index is an opaque caller value, typically an index into the
	// caller's own bookkeeping. Build carries it through untouched.
	Index int

	Offset uint64
	Size   uint64

	// Priority orders sets; higher runs first. Entries must arrive sorted
	// by (priority descending, offset ascending).
	Priority int
}

// Set is one network request: the half-open byte range [Start, End) and the
// entries it covers. Gaps between entries (small files nobody asked for)
// are downloaded anyway; keeping the range contiguous costs less than a
// second round trip.
type Set struct {
	Entries  []Entry
	Start    uint64
	End      uint64
	Priority int
}

// Size returns the number of bytes the set downloads.
func (s Set) Size() uint64 { return s.End - s.Start }

// Build sweeps the sorted entries once and cuts them into download sets.
//
// A run is closed when the next entry changes priority, sits more than
// gapThreshold bytes past the end of the run, or would push the run past
// maxSize. An entry alone larger than maxSize forms its own set regardless
// (the executor splits the transfer).
//
// gapThreshold bounds the size of any file downloaded only because it is
// physically adjacent to requested ones: a gap larger than that is never
// paid for.
func Build(entries []Entry, maxSize, gapThreshold uint32) []Set {
	if len(entries) == 0 {
		return nil
	}
	sets := make([]Set, 0, len(entries))

	for i := 0; i < len(entries); {
		first := entries[i]
		if first.Size > uint64(maxSize) {
			sets = append(sets, Set{
				Entries:  entries[i : i+1],
				Start:    first.Offset,
				End:      first.Offset + first.Size,
				Priority: first.Priority,
			})
			i++
			continue
		}

		accumulated := first.Size
		end := first.Offset + first.Size
		j := i + 1
		for j < len(entries) {
			next := entries[j]
			if next.Priority != first.Priority {
				break
			}
			if next.Offset < end {
				// Overlapping entries never happen in a well-formed
				// table; treat as a cut rather than corrupting the range.
				break
			}
			gap := next.Offset - end
			if gap > uint64(gapThreshold) {
				break
			}
			if accumulated+gap+next.Size > uint64(maxSize) {
				break
			}
			accumulated += gap + next.Size
			end = next.Offset + next.Size
			j++
		}

		sets = append(sets, Set{
			Entries:  entries[i:j],
			Start:    first.Offset,
			End:      end,
			Priority: first.Priority,
		})
		i = j
	}

	return sets
}

// denseCoverageRatio is the share of the file table above which a fetch is
// effectively "download everything" and sets run in offset order for
// sequential disk writes. Sparse fetches instead run cheap many-file sets
// first so more files become readable sooner.
const denseCoverageRatio = 0.9

// Order sorts sets for execution. Priority always dominates. Within a
// priority band: offset order when the requested entries cover at least 90%
// of tableLen, otherwise descending file-count-per-byte.
func Order(sets []Set, requested, tableLen int) {
	dense := tableLen > 0 && float64(requested) >= denseCoverageRatio*float64(tableLen)
	sort.SliceStable(sets, func(i, j int) bool {
		a, b := sets[i], sets[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if dense {
			return a.Start < b.Start
		}
		// fileCount/size ratio, compared without division. Zero-size sets
		// sort first.
		ra := uint64(len(a.Entries)) * max(b.Size(), 1)
		rb := uint64(len(b.Entries)) * max(a.Size(), 1)
		if ra != rb {
			return ra > rb
		}
		return a.Start < b.Start
	})
}

// Adapt returns the next per-download size ceiling after a transfer of size
// bytes took elapsed out of a target budget (both in any common unit).
// Slow transfers halve the ceiling; transfers that filled at least half the
// ceiling in under half the target double it. The result stays within
// [lower, upper].
func Adapt(current uint32, size uint64, elapsed, target int64, lower, upper uint32) uint32 {
	next := current
	switch {
	case elapsed > target:
		next = current / 2
	case size >= uint64(current)/2 && elapsed < target/2:
		next = current * 2
	}
	if next < lower {
		next = lower
	}
	if next > upper {
		next = upper
	}
	return next
}
