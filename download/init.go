package download

import (
	"fmt"
	"os"
	"time"

	"github.com/meigma/sar"
)

// initState enumerates the initialization state machine. Each state is one
// blocking step on the worker goroutine; the Error state waits out the
// retry interval and starts over at RequestHeader.
type initState int

const (
	stateRequestHeader initState = iota
	stateCheckExistingPackage
	stateRequestFileTable
	stateUpdateAndReloadPackage
	stateComplete
	stateError
)

func (s initState) String() string {
	switch s {
	case stateRequestHeader:
		return "requestheader"
	case stateCheckExistingPackage:
		return "checkexisting"
	case stateRequestFileTable:
		return "requestfiletable"
	case stateUpdateAndReloadPackage:
		return "updateandreload"
	case stateComplete:
		return "complete"
	case stateError:
		return "error"
	default:
		return "unknown"
	}
}

// run is the worker goroutine: initialize, seed and populate, then serve
// fetch requests until shutdown.
func (d *Downloader) run() {
	defer close(d.done)

	start := time.Now()
	ok := d.initialize()
	if ok {
		d.postInit()
	}
	d.stats.timing("init", time.Since(start))

	if d.ctx.Err() != nil {
		ok = false
	}
	// Success publishes before the done flag so a waiter that observes
	// completion always sees the final verdict.
	d.initOK.Store(ok)
	d.initComplete.Store(true)
	close(d.initDone)

	if !ok {
		return
	}
	d.log().Debug("initialized", "path", d.settings.Path, "entries", len(d.crc))
	d.loop()
}

// initialize drives the state machine until the local archive matches the
// remote header and table. It only returns false on shutdown; every other
// failure waits out the retry interval and tries again.
func (d *Downloader) initialize() bool {
	var (
		remote      sar.Header
		headerBytes []byte
		tableBytes  []byte
	)

	state := stateRequestHeader
	for {
		if d.ctx.Err() != nil {
			return false
		}
		stepStart := time.Now()

		switch state {
		case stateRequestHeader:
			buf := make([]byte, sar.HeaderSize)
			err := d.source.ReadRange(d.ctx, 0, buf)
			d.stats.add("network_requests", 1)
			if err == nil {
				d.stats.add("network_bytes", sar.HeaderSize)
				remote, err = sar.ReadHeader(buf)
			}
			d.stats.timing("init_"+state.String(), time.Since(stepStart))
			if err != nil {
				d.stats.event("initerr_header")
				d.log().Warn("remote header fetch failed", "url", d.settings.URL, "error", err)
				state = stateError
				continue
			}
			// Committed verbatim so the local file stays byte-identical
			// to the remote, byte order included.
			headerBytes = buf
			state = stateCheckExistingPackage

		case stateCheckExistingPackage:
			next, err := d.checkExistingPackage(remote)
			d.stats.timing("init_"+state.String(), time.Since(stepStart))
			if err != nil {
				d.stats.event("initerr_existing")
				d.log().Warn("local package check failed", "path", d.settings.Path, "error", err)
				state = stateError
				continue
			}
			state = next

		case stateRequestFileTable:
			if remote.SizeOfFileTable == 0 {
				tableBytes = nil
				state = stateUpdateAndReloadPackage
				continue
			}
			buf := make([]byte, remote.SizeOfFileTable)
			err := d.source.ReadRange(d.ctx, int64(remote.OffsetToFileTable), buf)
			d.stats.add("network_requests", 1)
			d.stats.timing("init_"+state.String(), time.Since(stepStart))
			if err != nil {
				d.stats.event("initerr_filetable")
				d.log().Warn("remote file table fetch failed", "url", d.settings.URL, "error", err)
				state = stateError
				continue
			}
			d.stats.add("network_bytes", uint64(len(buf)))
			tableBytes = buf
			state = stateUpdateAndReloadPackage

		case stateUpdateAndReloadPackage:
			err := d.updateAndReload(remote, headerBytes, tableBytes)
			d.stats.timing("init_"+state.String(), time.Since(stepStart))
			if err != nil {
				d.stats.event("initerr_reload")
				d.log().Warn("package reload failed", "path", d.settings.Path, "error", err)
				state = stateError
				continue
			}
			d.freshPackage = true
			state = stateComplete

		case stateComplete:
			return true

		case stateError:
			d.stats.event("init_retry")
			if !d.sleep(d.settings.RetryInterval) {
				return false
			}
			d.recoverFromWriteFailure()
			remote = sar.Header{}
			headerBytes = nil
			tableBytes = nil
			state = stateRequestHeader
		}
	}
}

// checkExistingPackage opens the local file and decides whether anything
// needs downloading. A local archive whose header equals the remote one is
// used as-is. Anything else, whether missing, garbage or stale, is
// moved aside as a populate source when valid, and the file is recreated at
// the remote's full size.
func (d *Downloader) checkExistingPackage(remote sar.Header) (initState, error) {
	local, _ := sar.Open(d.settings.Path,
		sar.WithWriteAccess(),
		sar.WithDeferCompressionDict(),
		sar.WithLogger(d.logger))

	if local.Ok() && local.Header() == remote {
		d.installArchive(local)
		d.freshPackage = false
		return stateComplete, nil
	}

	wasOK := local.Ok()
	_ = local.Close()
	if wasOK {
		// Keep the stale-but-valid archive around: unchanged entries are
		// copied from it instead of re-downloaded.
		if err := os.Rename(d.settings.Path, d.settings.Path+".old"); err != nil {
			d.log().Warn("keeping stale package failed", "path", d.settings.Path, "error", err)
		}
	}

	if err := recreateFile(d.settings.Path, int64(remote.TotalPackageFileSize)); err != nil {
		d.setWriteFailure(err)
		return 0, err
	}
	fresh, _ := sar.Open(d.settings.Path,
		sar.WithWriteAccess(),
		sar.WithDeferCompressionDict(),
		sar.WithLogger(d.logger))
	// Validation fails on the zeroed file; the handle still accepts
	// commits, which is all the next states need.
	d.installArchive(fresh)
	return stateRequestFileTable, nil
}

// updateAndReload commits the fetched header and table and revalidates the
// local archive.
func (d *Downloader) updateAndReload(remote sar.Header, headerBytes, tableBytes []byte) error {
	d.mu.Lock()
	a := d.archive
	d.mu.Unlock()
	if a == nil {
		return fmt.Errorf("download: no local archive handle")
	}

	if err := a.Commit(0, headerBytes); err != nil {
		d.setWriteFailure(err)
		return err
	}
	if len(tableBytes) > 0 {
		if err := a.Commit(int64(remote.OffsetToFileTable), tableBytes); err != nil {
			d.setWriteFailure(err)
			return err
		}
	}
	if err := a.Flush(); err != nil {
		d.setWriteFailure(err)
		return err
	}
	d.mu.Lock()
	d.writeFailure = false
	d.mu.Unlock()

	_ = a.Close()
	reloaded, err := sar.Open(d.settings.Path,
		sar.WithWriteAccess(),
		sar.WithDeferCompressionDict(),
		sar.WithLogger(d.logger))
	d.installArchive(reloaded)
	if !reloaded.Ok() {
		return fmt.Errorf("download: reloaded package invalid: %w", err)
	}
	return nil
}

// recoverFromWriteFailure rebuilds local state after a failed write so the
// next attempt starts from a clean slate. Called between retries; a no-op
// unless the sticky flag is set.
func (d *Downloader) recoverFromWriteFailure() {
	d.mu.Lock()
	failed := d.writeFailure
	a := d.archive
	d.archive = nil
	d.mu.Unlock()
	if !failed {
		d.installArchive(a)
		return
	}
	if a != nil {
		_ = a.Close()
	}
	_ = os.Remove(d.settings.Path + ".old")
	_ = os.Remove(d.settings.Path)
	if err := recreateFile(d.settings.Path, 0); err != nil {
		d.log().Warn("recreating package failed", "path", d.settings.Path, "error", err)
		return
	}
	fresh, _ := sar.Open(d.settings.Path,
		sar.WithWriteAccess(),
		sar.WithDeferCompressionDict(),
		sar.WithLogger(d.logger))
	d.installArchive(fresh)
}

// installArchive swaps the local archive handle, closing any previous one.
func (d *Downloader) installArchive(a *sar.Archive) {
	d.mu.Lock()
	old := d.archive
	d.archive = a
	d.mu.Unlock()
	if old != nil && old != a {
		_ = old.Close()
	}
}

// postInit seeds the presence table, copies entries from local populate
// sources and settles the compression dictionary.
func (d *Downloader) postInit() {
	d.mu.Lock()
	a := d.archive
	d.mu.Unlock()

	if d.freshPackage {
		// Nothing but header and table is local yet; every entry starts
		// unverified.
		d.setCRCEntries(a.EntriesByOffset())
	} else {
		start := time.Now()
		list, _ := a.CheckCRC32(nil)
		d.stats.timing("init_crc", time.Since(start))
		d.setCRCEntries(list)
	}

	old := d.settings.Path + ".old"
	if _, err := os.Stat(old); err == nil {
		d.populateFrom(old)
		_ = os.Remove(old)
	}
	for _, p := range d.settings.PopulatePackages {
		if d.ctx.Err() != nil {
			return
		}
		d.populateFrom(p)
	}

	d.ensureDict(a)
}

// ensureDict downloads and processes the compression dictionary before the
// Downloader is declared initialized. Readable dictionary-compressed
// entries depend on it.
func (d *Downloader) ensureDict(a *sar.Archive) {
	dictPath := a.CompressionDictPath()
	if dictPath == "" {
		return
	}
	te, ok := a.FileTable().Lookup(dictPath)
	if !ok || te.Entry.UncompressedSize == 0 {
		return
	}

	for d.ctx.Err() == nil {
		if a.ProcessCompressionDict() {
			d.stats.event("init_cdict")
			return
		}
		if d.pathOK(dictPath) {
			// Bytes are verified locally but the dictionary still fails
			// to load: content problem, not transport. Give up; reads of
			// dictionary-compressed entries surface the error.
			d.stats.event("initerr_cdict")
			d.log().Warn("compression dict unusable", "path", dictPath)
			return
		}

		start := time.Now()
		buf := make([]byte, te.Entry.CompressedSize)
		err := d.source.ReadRange(d.ctx, int64(te.Entry.Offset), buf)
		d.stats.add("network_requests", 1)
		if err != nil {
			d.log().Warn("compression dict fetch failed", "path", dictPath, "error", err)
			if !d.sleep(d.settings.RetryInterval) {
				return
			}
			continue
		}
		d.stats.add("network_bytes", uint64(len(buf)))
		d.stats.timing("init_cdict_fetch", time.Since(start))

		if err := a.Commit(int64(te.Entry.Offset), buf); err != nil {
			d.setWriteFailure(err)
			return
		}
		if !a.CheckFileCRC32(dictPath) {
			d.log().Warn("compression dict bytes failed verification", "path", dictPath)
			if !d.sleep(d.settings.RetryInterval) {
				return
			}
			continue
		}
		d.mu.Lock()
		if idx, ok := d.crcIndex[dictPath]; ok {
			d.crc[idx].OK = true
		}
		d.mu.Unlock()
	}
}

// sleep waits out dur, returning false when shutdown interrupts it.
func (d *Downloader) sleep(dur time.Duration) bool {
	t := time.NewTimer(dur)
	defer t.Stop()
	select {
	case <-d.ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// recreateFile replaces path with a zero-filled file of the given size.
func recreateFile(path string, size int64) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if size > 0 {
		if err := f.Truncate(size); err != nil {
			_ = f.Close()
			return err
		}
	}
	return f.Close()
}
