package download

import (
	"time"

	"github.com/meigma/sar"
)

// populateFrom copies verified entries out of a local candidate archive
// into the target, skipping the network for content that has not changed.
// Candidates that fail to open, fail validation or are format-incompatible
// are skipped silently; populate is opportunistic, never required.
func (d *Downloader) populateFrom(candPath string) {
	if d.allOK() {
		return
	}
	start := time.Now()

	cand, _ := sar.Open(candPath,
		sar.WithDeferCompressionDict(),
		sar.WithLogger(d.logger))
	defer cand.Close()
	if !cand.Ok() {
		return
	}

	d.mu.Lock()
	target := d.archive
	d.mu.Unlock()
	if target == nil || !compatible(target, cand) {
		d.log().Debug("populate source incompatible", "path", candPath)
		return
	}

	// Candidate entries only help when their metadata matches the target
	// table bit for bit; anything else is changed content that must come
	// from the network.
	type match struct {
		idx  int
		want sar.FileEntry
	}
	matches := make(map[string]match)
	var check []sar.CRC32Entry
	d.mu.Lock()
	for i := range d.crc {
		e := &d.crc[i]
		if e.OK {
			continue
		}
		cte, ok := cand.FileTable().Lookup(e.Path)
		if !ok || !metadataEqual(cte.Entry, e.Entry) {
			continue
		}
		matches[e.Path] = match{idx: i, want: e.Entry}
		check = append(check, sar.CRC32Entry{Path: e.Path})
	}
	d.mu.Unlock()
	if len(check) == 0 {
		return
	}

	// Only candidate entries whose bytes verify are worth copying; a
	// corrupt donor would just fail the target's CRC later.
	results, _ := cand.CheckCRC32(check)

	copied := 0
	for _, r := range results {
		if !r.OK {
			continue
		}
		m, ok := matches[r.Path]
		if !ok {
			continue
		}
		buf := make([]byte, r.Entry.CompressedSize)
		if _, err := cand.ReadAt(buf, int64(r.Entry.Offset)); err != nil {
			continue
		}
		if err := target.Commit(int64(m.want.Offset), buf); err != nil {
			d.setWriteFailure(err)
			return
		}
		d.markOK(m.idx)
		copied++
	}

	d.stats.add("init_populate", uint64(copied))
	d.stats.timing("init_populate", time.Since(start))
	d.log().Debug("populated from local archive", "source", candPath, "copied", copied)
}

// compatible reports whether stored bytes can move between the two archives
// unchanged: same obfuscation, same compression era, and matching
// compression dictionaries (both absent, or identical content metadata).
func compatible(target, cand *sar.Archive) bool {
	tf, cf := target.Features(), cand.Features()
	if tf.Obfuscated != cf.Obfuscated || tf.OldLZ4Compression != cf.OldLZ4Compression {
		return false
	}

	tDict, cDict := target.CompressionDictPath(), cand.CompressionDictPath()
	if (tDict == "") != (cDict == "") {
		return false
	}
	if tDict == "" {
		return true
	}
	tte, tok := target.FileTable().Lookup(tDict)
	cte, cok := cand.FileTable().Lookup(cDict)
	return tok && cok && metadataEqual(tte.Entry, cte.Entry)
}

// metadataEqual reports whether two table entries describe the same
// content: equal sizes and equal pre-compression CRC-32.
func metadataEqual(a, b sar.FileEntry) bool {
	return a.CompressedSize == b.CompressedSize &&
		a.UncompressedSize == b.UncompressedSize &&
		a.CRC32Pre == b.CRC32Pre
}
