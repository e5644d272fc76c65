package download

import (
	"errors"
	"fmt"
	"hash/crc32"
	"sort"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/meigma/sar/internal/fetchset"
)

var errIntegrity = errors.New("download: downloaded range failed verification")

// loop serves fetch requests until shutdown. It sleeps whenever the fetch
// table drains, merges freshly queued paths at maximum priority, and walks
// the coalesced download sets in order.
func (d *Downloader) loop() {
	// fetchTable is the work in progress: requested paths not yet
	// verified locally. Worker-only.
	fetchTable := make(map[string]Priority)

	for d.ctx.Err() == nil {
		d.drainQueue(fetchTable)
		for p := range fetchTable {
			if d.pathOK(p) {
				delete(fetchTable, p)
			}
		}

		if len(fetchTable) == 0 {
			d.mu.Lock()
			idle := len(d.queue) == 0
			d.workerBusy = !idle
			d.mu.Unlock()
			if idle {
				select {
				case <-d.ctx.Done():
					return
				case <-d.wake:
				}
			}
			continue
		}

		d.mu.Lock()
		d.workerBusy = true
		d.mu.Unlock()

		progress := d.fetchPass(fetchTable)
		if !progress && !d.queuePending() {
			// Network down or disk refusing writes: pace the retries
			// instead of spinning.
			d.stats.event("loop_retry")
			if !d.sleep(d.settings.RetryInterval) {
				return
			}
		}
	}
}

// drainQueue merges queued requests into the fetch table, keeping the
// highest priority per path. Unknown and already-verified paths are
// dropped.
func (d *Downloader) drainQueue(fetchTable map[string]Priority) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for p, pr := range d.queue {
		delete(d.queue, p)
		idx, ok := d.crcIndex[p]
		if !ok || d.crc[idx].OK {
			continue
		}
		if old, ok := fetchTable[p]; !ok || pr > old {
			fetchTable[p] = pr
		}
	}
}

func (d *Downloader) queuePending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue) > 0
}

// fetchPass downloads one round of coalesced sets for the current fetch
// table and reports whether any entry became verified.
func (d *Downloader) fetchPass(fetchTable map[string]Priority) bool {
	entries := d.collectEntries(fetchTable)
	if len(entries) == 0 {
		return true
	}

	maxSize := d.currentMax()
	sets := fetchset.Build(entries, maxSize, d.settings.MaxRedownloadSizeThreshold)
	fetchset.Order(sets, len(entries), d.tableLen())
	d.stats.add("loop_sets", uint64(len(sets)))

	if d.settings.DownloadConcurrency > 1 {
		var done atomic.Uint32
		var g errgroup.Group
		g.SetLimit(d.settings.DownloadConcurrency)
		for _, set := range sets {
			if d.ctx.Err() != nil || d.hasWriteFailure() {
				break
			}
			g.Go(func() error {
				if err := d.executeSet(set); err != nil {
					return err
				}
				done.Add(1)
				return nil
			})
		}
		_ = g.Wait()
		return done.Load() > 0
	}

	progress := false
	for _, set := range sets {
		if d.ctx.Err() != nil || d.hasWriteFailure() {
			break
		}
		if err := d.executeSet(set); err != nil {
			d.log().Warn("download set failed",
				"start", set.Start, "size", set.Size(), "error", err)
			continue
		}
		progress = true
		// New requests or a changed size ceiling invalidate the rest of
		// the plan; rebuild it on the next pass.
		if d.queuePending() || d.currentMax() != maxSize {
			break
		}
	}
	return progress
}

// collectEntries flattens the fetch table into offset-annotated entries,
// sorted by (priority descending, offset ascending). Zero-size entries are
// verified on the spot; there is nothing to download.
func (d *Downloader) collectEntries(fetchTable map[string]Priority) []fetchset.Entry {
	d.mu.Lock()
	entries := make([]fetchset.Entry, 0, len(fetchTable))
	for p, pr := range fetchTable {
		idx, ok := d.crcIndex[p]
		if !ok || d.crc[idx].OK {
			continue
		}
		e := d.crc[idx].Entry
		if e.CompressedSize == 0 {
			d.crc[idx].OK = true
			continue
		}
		entries = append(entries, fetchset.Entry{
			Index:    idx,
			Offset:   e.Offset,
			Size:     e.CompressedSize,
			Priority: int(pr),
		})
	}
	d.mu.Unlock()

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Priority != entries[j].Priority {
			return entries[i].Priority > entries[j].Priority
		}
		return entries[i].Offset < entries[j].Offset
	})
	return entries
}

func (d *Downloader) tableLen() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.crc)
}

func (d *Downloader) hasWriteFailure() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.writeFailure
}

// executeSet downloads one byte range, verifies every fully covered entry
// and commits the bytes. Oversized sets are transferred in ceiling-sized
// requests; verification and the commit still cover the whole range, so
// readers never observe a torn set.
func (d *Downloader) executeSet(set fetchset.Set) error {
	size := set.Size()
	if size == 0 {
		d.markCovered(set)
		return nil
	}
	buf := make([]byte, size)

	maxSize := uint64(d.currentMax())
	start := time.Now()
	for off := uint64(0); off < size; {
		chunk := min(maxSize, size-off)
		if err := d.source.ReadRange(d.ctx, int64(set.Start+off), buf[off:off+chunk]); err != nil {
			d.stats.event("loop_download_failure")
			return err
		}
		d.stats.add("network_requests", 1)
		d.stats.add("network_bytes", chunk)
		off += chunk
	}
	elapsed := time.Since(start)
	d.stats.add("loop_download", 1)
	d.stats.timing("loop_download", elapsed)

	d.mu.Lock()
	a := d.archive
	d.mu.Unlock()
	if a == nil {
		return fmt.Errorf("download: no local archive handle")
	}

	covered := d.coveredEntries(set)

	// With post CRC-32s the buffer is verified before it touches disk; one
	// bad entry condemns the whole buffer.
	if a.HasPostCRC32() {
		for _, idx := range covered {
			d.mu.Lock()
			e := d.crc[idx].Entry
			d.mu.Unlock()
			if e.CompressedSize == 0 {
				continue
			}
			rel := e.Offset - set.Start
			if crc32.ChecksumIEEE(buf[rel:rel+e.CompressedSize]) != e.CRC32Post {
				d.stats.event("loop_verify_failure")
				return errIntegrity
			}
		}
	}

	commitStart := time.Now()
	if err := a.Commit(int64(set.Start), buf); err != nil {
		d.setWriteFailure(err)
		return err
	}
	d.stats.add("loop_commit", 1)
	d.stats.timing("loop_commit", time.Since(commitStart))

	if a.HasPostCRC32() {
		d.markIndices(covered)
	} else {
		// Old archives without stored-byte CRCs verify through the
		// decompressing read path after the commit.
		ok := true
		for _, idx := range covered {
			d.mu.Lock()
			path := d.crc[idx].Path
			d.mu.Unlock()
			if a.CheckFileCRC32(path) {
				d.markOK(idx)
			} else {
				ok = false
			}
		}
		if !ok {
			d.stats.event("loop_verify_failure")
			return errIntegrity
		}
	}

	d.adaptMax(size, elapsed)
	return nil
}

// coveredEntries returns the indices of every table entry whose stored
// bytes lie entirely within the set's range: the requested entries plus any
// overflow files between them. Overflow bytes were paid for; verifying and
// keeping them saves their later download.
func (d *Downloader) coveredEntries(set fetchset.Set) []int {
	d.mu.Lock()
	defer d.mu.Unlock()
	// d.crc is sorted by offset; find the window overlapping the set.
	lo := sort.Search(len(d.crc), func(i int) bool {
		return d.crc[i].Entry.Offset >= set.Start
	})
	var out []int
	for i := lo; i < len(d.crc); i++ {
		e := d.crc[i].Entry
		if e.Offset >= set.End {
			break
		}
		if e.Offset+e.CompressedSize <= set.End {
			out = append(out, i)
		}
	}
	return out
}

func (d *Downloader) markCovered(set fetchset.Set) {
	d.markIndices(d.coveredEntries(set))
}

func (d *Downloader) markIndices(indices []int) {
	d.mu.Lock()
	for _, idx := range indices {
		d.crc[idx].OK = true
	}
	d.mu.Unlock()
}

// adaptMax retunes the per-download size ceiling from the last transfer.
func (d *Downloader) adaptMax(size uint64, elapsed time.Duration) {
	current := d.currentMax()
	next := fetchset.Adapt(current, size,
		elapsed.Milliseconds(), d.settings.TargetPerDownloadTime.Milliseconds(),
		d.settings.LowerBoundMaxSizePerDownload, d.settings.UpperBoundMaxSizePerDownload)
	if next != current {
		d.setMax(next)
		d.stats.event("loop_adapt")
		d.log().Debug("adapted download size ceiling", "from", current, "to", next)
	}
}
