// Package download progressively fills a local .sar archive from an HTTP
// server that exposes the authoritative archive as a range-readable
// resource.
//
// A Downloader owns one local archive file. On construction a worker
// goroutine fetches and validates the remote header and file table, patches
// them into the local file, copies whatever it can from compatible local
// archives, and then serves Prefetch and Fetch requests by downloading
// coalesced byte ranges and verifying each covered file's CRC-32. The local
// archive is readable throughout: files whose bytes have arrived and
// verified are served locally, everything else is fetched on demand.
package download

import (
	"context"
	"io/fs"
	"log/slog"
	nethttp "net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/meigma/sar"
	sarhttp "github.com/meigma/sar/http"
)

// Downloader is a network-backed .sar archive. All methods are safe for
// concurrent use. File operations fail until initialization completes; use
// WaitForInit or poll IsInitialized.
type Downloader struct {
	settings   Settings
	logger     *slog.Logger
	source     RangeSource
	httpClient *nethttp.Client

	ctx    context.Context
	cancel context.CancelFunc
	wake   chan struct{}
	done   chan struct{}

	initDone     chan struct{}
	initStarted  atomic.Bool
	initComplete atomic.Bool
	initOK       atomic.Bool

	// mu guards everything below.
	mu           sync.Mutex
	archive      *sar.Archive
	crc          []sar.CRC32Entry
	crcIndex     map[string]int
	queue        map[string]Priority
	writeFailure bool
	workerBusy   bool
	maxPerDL     uint32

	closeOnce sync.Once

	stats statsTable

	// freshPackage is set during initialization when the local file was
	// rebuilt from the remote header and table (as opposed to matching the
	// remote already). Worker-only.
	freshPackage bool
}

var (
	_ fs.FS         = (*Downloader)(nil)
	_ fs.StatFS     = (*Downloader)(nil)
	_ fs.ReadFileFS = (*Downloader)(nil)
	_ fs.ReadDirFS  = (*Downloader)(nil)
)

// New starts a Downloader for the given settings. The worker goroutine
// begins initializing immediately; New itself performs no network I/O.
func New(settings Settings, opts ...Option) (*Downloader, error) {
	if err := settings.normalize(); err != nil {
		return nil, err
	}

	d := &Downloader{
		settings: settings,
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
		initDone: make(chan struct{}),
		queue:    make(map[string]Priority),
		maxPerDL: settings.UpperBoundMaxSizePerDownload,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.source == nil {
		d.source = sarhttp.NewSource(d.httpClient, settings.URL)
	}
	d.ctx, d.cancel = context.WithCancel(context.Background())
	d.stats.init()

	d.initStarted.Store(true)
	go d.run()
	return d, nil
}

// Close cancels all outstanding work, waits for the worker to exit and
// closes the local archive. Safe to call at any point of initialization and
// more than once.
func (d *Downloader) Close() error {
	var err error
	d.closeOnce.Do(func() {
		d.cancel()
		<-d.done
		d.mu.Lock()
		a := d.archive
		d.archive = nil
		d.mu.Unlock()
		if a != nil {
			err = a.Close()
		}
	})
	return err
}

func (d *Downloader) log() *slog.Logger {
	if d.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return d.logger
}

// IsInitializationStarted reports whether initialization has begun. Always
// true for a Downloader returned by New.
func (d *Downloader) IsInitializationStarted() bool {
	return d.initStarted.Load()
}

// IsInitializationComplete reports whether initialization has finished,
// successfully or not.
func (d *Downloader) IsInitializationComplete() bool {
	return d.initComplete.Load()
}

// IsInitialized reports whether initialization finished successfully; file
// operations work from then on.
func (d *Downloader) IsInitialized() bool {
	return d.initStarted.Load() && d.initOK.Load()
}

// WaitForInit blocks until initialization finishes or ctx is done and
// reports whether the Downloader is initialized.
func (d *Downloader) WaitForInit(ctx context.Context) bool {
	select {
	case <-d.initDone:
	case <-ctx.Done():
	}
	return d.IsInitialized()
}

// HasWork reports whether fetch requests are queued or being processed.
// Pollers drain work by waiting for this to go false.
func (d *Downloader) HasWork() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue) > 0 || d.workerBusy
}

// HasExperiencedWriteFailure reports whether a local write has failed. The
// flag is sticky until a later commit succeeds; while set, fetches keep
// failing without retry storms against a read-only disk.
func (d *Downloader) HasExperiencedWriteFailure() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.writeFailure
}

// IsServicedByNetwork reports whether reading name right now would need the
// network: the file exists but its local bytes are not yet verified.
func (d *Downloader) IsServicedByNetwork(name string) bool {
	a := d.ready()
	if a == nil {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	idx, ok := d.crcIndex[sar.NormalizePath(name)]
	if !ok {
		return false
	}
	return !d.crc[idx].OK
}

// ready returns the archive when initialization has succeeded, else nil.
func (d *Downloader) ready() *sar.Archive {
	if !d.IsInitialized() {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.archive
}

// Ok reports whether the local archive is validated and serving.
func (d *Downloader) Ok() bool {
	a := d.ready()
	return a != nil && a.Ok()
}

// Header returns the archive header, zero until initialized.
func (d *Downloader) Header() sar.Header {
	a := d.ready()
	if a == nil {
		return sar.Header{}
	}
	return a.Header()
}

// Features returns the archive capability set, zero until initialized.
func (d *Downloader) Features() sar.Features {
	a := d.ready()
	if a == nil {
		return sar.Features{}
	}
	return a.Features()
}

// FileTable returns the archive file table, nil until initialized.
func (d *Downloader) FileTable() *sar.FileTable {
	a := d.ready()
	if a == nil {
		return nil
	}
	return a.FileTable()
}

// BuildVersionMajor returns the archive's build version, zero until
// initialized.
func (d *Downloader) BuildVersionMajor() uint32 { return d.Header().BuildVersionMajor }

// BuildChangelist returns the archive's build changelist, zero until
// initialized.
func (d *Downloader) BuildChangelist() uint32 { return d.Header().BuildChangelist }

// HasPostCRC32 reports whether stored bytes can be verified directly.
func (d *Downloader) HasPostCRC32() bool {
	a := d.ready()
	return a != nil && a.HasPostCRC32()
}

// Exists reports whether the archive contains name. False until
// initialized.
func (d *Downloader) Exists(name string) bool {
	a := d.ready()
	return a != nil && a.Exists(name)
}

// Stat implements fs.StatFS against the file table; it never touches the
// network.
func (d *Downloader) Stat(name string) (fs.FileInfo, error) {
	a := d.ready()
	if a == nil {
		return nil, &fs.PathError{Op: "stat", Path: name, Err: sar.ErrNotLoaded}
	}
	return a.Stat(name)
}

// Open implements fs.FS. The file's bytes are fetched and verified first if
// they are not local yet; Open blocks until then, failing when the
// Downloader shuts down.
func (d *Downloader) Open(name string) (fs.File, error) {
	a := d.ready()
	if a == nil {
		return nil, &fs.PathError{Op: "open", Path: name, Err: sar.ErrNotLoaded}
	}
	if a.Exists(name) && d.IsServicedByNetwork(name) {
		if err := d.Fetch(d.ctx, []string{name}); err != nil {
			return nil, &fs.PathError{Op: "open", Path: name, Err: err}
		}
	}
	return a.Open(name)
}

// ReadFile implements fs.ReadFileFS, fetching the file first if needed.
func (d *Downloader) ReadFile(name string) ([]byte, error) {
	a := d.ready()
	if a == nil {
		return nil, &fs.PathError{Op: "readfile", Path: name, Err: sar.ErrNotLoaded}
	}
	if a.Exists(name) && d.IsServicedByNetwork(name) {
		if err := d.Fetch(d.ctx, []string{name}); err != nil {
			return nil, &fs.PathError{Op: "readfile", Path: name, Err: err}
		}
	}
	return a.ReadFile(name)
}

// List lists files under dir; see sar.Archive.List.
func (d *Downloader) List(dir string, opt sar.ListOptions) ([]string, error) {
	a := d.ready()
	if a == nil {
		return nil, &fs.PathError{Op: "list", Path: dir, Err: sar.ErrNotLoaded}
	}
	return a.List(dir, opt)
}

// ReadDir implements fs.ReadDirFS; see sar.Archive.ReadDir.
func (d *Downloader) ReadDir(name string) ([]fs.DirEntry, error) {
	a := d.ready()
	if a == nil {
		return nil, &fs.PathError{Op: "readdir", Path: name, Err: sar.ErrNotLoaded}
	}
	return a.ReadDir(name)
}

// Delete always fails; archive contents are immutable through this API.
func (d *Downloader) Delete(name string) error {
	return &fs.PathError{Op: "delete", Path: name, Err: sar.ErrReadOnly}
}

// SetModifiedTime always reports false; entry metadata is fixed by the
// remote archive.
func (d *Downloader) SetModifiedTime(name string, mtime time.Time) bool {
	return false
}

// CheckCRC32 verifies local bytes against the file table; see
// sar.Archive.CheckCRC32. Entries not yet downloaded fail.
func (d *Downloader) CheckCRC32(entries []sar.CRC32Entry) ([]sar.CRC32Entry, bool) {
	a := d.ready()
	if a == nil {
		return nil, false
	}
	return a.CheckCRC32(entries)
}

// CheckFileCRC32 verifies a single file's local bytes.
func (d *Downloader) CheckFileCRC32(name string) bool {
	a := d.ready()
	return a != nil && a.CheckFileCRC32(name)
}

// setCRCEntries installs the worker's presence table. list must be sorted
// by offset.
func (d *Downloader) setCRCEntries(list []sar.CRC32Entry) {
	index := make(map[string]int, len(list))
	for i, e := range list {
		index[e.Path] = i
	}
	d.mu.Lock()
	d.crc = list
	d.crcIndex = index
	d.mu.Unlock()
}

func (d *Downloader) markOK(idx int) {
	d.mu.Lock()
	d.crc[idx].OK = true
	d.mu.Unlock()
}

func (d *Downloader) pathOK(name string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	idx, ok := d.crcIndex[name]
	if !ok {
		return false
	}
	return d.crc[idx].OK
}

func (d *Downloader) allOK() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := range d.crc {
		if !d.crc[i].OK {
			return false
		}
	}
	return true
}

func (d *Downloader) setWriteFailure(err error) {
	d.mu.Lock()
	d.writeFailure = true
	d.mu.Unlock()
	d.stats.event("loop_write_failure")
	d.log().Warn("local write failed", "path", d.settings.Path, "error", err)
}

func (d *Downloader) currentMax() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.maxPerDL
}

func (d *Downloader) setMax(v uint32) {
	d.mu.Lock()
	d.maxPerDL = v
	d.mu.Unlock()
}
