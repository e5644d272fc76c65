package sar

import (
	"fmt"

	"github.com/meigma/sar/internal/compress"
)

// DictState reports where compression dictionary loading stands.
type DictState int32

const (
	// DictUnloaded means no dictionary has been loaded. Archives without an
	// embedded dictionary stay in this state.
	DictUnloaded DictState = iota

	// DictLoaded means the embedded dictionary was read and is in use for
	// every dictionary-compressed entry.
	DictLoaded

	// DictFailed means the dictionary bytes were read but could not be
	// used. ProcessCompressionDict may be called again to retry; a load
	// that fails before the bytes are readable stays DictUnloaded.
	DictFailed
)

func (s DictState) String() string {
	switch s {
	case DictUnloaded:
		return "unloaded"
	case DictLoaded:
		return "loaded"
	case DictFailed:
		return "failed"
	default:
		return fmt.Sprintf("DictState(%d)", int32(s))
	}
}

// CompressionDictPath returns the normalized in-archive path of the embedded
// compression dictionary, or "" if the archive has none.
func (a *Archive) CompressionDictPath() string {
	return a.dictPath
}

// CompressionDictState reports the dictionary load state.
func (a *Archive) CompressionDictState() DictState {
	return DictState(a.dictState.Load())
}

// ProcessCompressionDict loads the embedded compression dictionary if the
// archive has one and it is not loaded yet. It reports whether dictionary
// processing is settled: archives without a dictionary and archives whose
// dictionary is already loaded return true immediately.
//
// With WithDeferCompressionDict the caller must invoke this before reading
// dictionary-compressed entries. A false return leaves the dictionary
// retryable, which progressive downloads rely on: the dictionary's bytes may
// simply not have arrived yet.
//
// ProcessCompressionDict is safe for concurrent use; concurrent callers
// share a single load.
func (a *Archive) ProcessCompressionDict() bool {
	if a.dictDone.Load() {
		return true
	}
	if a.dictPath == "" {
		return true
	}

	result, _, _ := a.dictGroup.Do(a.dictPath, func() (any, error) {
		return a.processDict(), nil
	})
	ok, _ := result.(bool)
	return ok
}

func (a *Archive) processDict() bool {
	// Another caller may have finished between the fast-path check and
	// acquiring the singleflight lock.
	if a.dictDone.Load() {
		return true
	}

	te, ok := a.table.Lookup(a.dictPath)
	if !ok {
		a.dictDone.Store(true)
		return true
	}

	e := te.Entry
	if e.UncompressedSize == 0 || e.UncompressedSize > maxReadSize {
		a.dictFail(fmt.Errorf("sar: compression dict %s has unusable size %d", a.dictPath, e.UncompressedSize))
		return false
	}

	stored, err := a.readStored(te.Entry, te.XorKey)
	if err != nil {
		// The bytes may simply not be local yet; the state stays
		// unloaded so a later attempt can succeed.
		a.setLoadError(fmt.Errorf("read compression dict %s: %w", a.dictPath, err))
		a.log().Warn("compression dict read failed", "path", a.dictPath, "error", err)
		return false
	}

	data := stored
	if te.Entry.CompressedSize != te.Entry.UncompressedSize {
		data, err = a.decompressEntry(stored, te.Entry, false)
		if err != nil {
			a.dictFail(fmt.Errorf("decode compression dict %s: %w", a.dictPath, err))
			return false
		}
	}

	pool, err := compress.NewDecompressPool(maxReadSize, compress.WithDicts(data))
	if err != nil {
		a.dictFail(fmt.Errorf("load compression dict %s: %w", a.dictPath, err))
		return false
	}

	// Publish the pool before the done flag so readers that observe done
	// always see the dictionary.
	a.dictPool.Store(pool)
	a.dictState.Store(int32(DictLoaded))
	a.dictDone.Store(true)
	a.log().Debug("loaded compression dict", "path", a.dictPath, "size", e.UncompressedSize)
	return true
}

func (a *Archive) dictFail(err error) {
	a.setLoadError(err)
	a.dictState.Store(int32(DictFailed))
	a.log().Warn("compression dict load failed", "path", a.dictPath, "error", err)
}
