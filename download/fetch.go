package download

import (
	"context"
	"errors"
	"time"

	"github.com/meigma/sar"
)

// Priority orders fetch requests; higher downloads first. Requests for the
// same file merge to the highest priority asked for.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityDefault
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityMedium:
		return "medium"
	case PriorityDefault:
		return "default"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// ErrNotInitialized is returned by Fetch before initialization succeeds.
var ErrNotInitialized = errors.New("download: not initialized")

// ErrShutdown is returned by Fetch when the Downloader closes mid-wait.
var ErrShutdown = errors.New("download: shut down")

type fetchConfig struct {
	priority Priority
	progress func(total, soFar uint64)
}

// FetchOption configures a Prefetch or Fetch call.
type FetchOption func(*fetchConfig)

// WithPriority sets the network priority of the request. The default is
// PriorityDefault.
func WithPriority(p Priority) FetchOption {
	return func(c *fetchConfig) { c.priority = p }
}

// WithProgress registers a progress callback for Fetch, reporting stored
// (compressed) byte totals. It is invoked from the polling goroutine.
func WithProgress(fn func(total, soFar uint64)) FetchOption {
	return func(c *fetchConfig) { c.progress = fn }
}

// Prefetch schedules paths for download without blocking. An empty paths
// slice requests every file in the archive. It reports false before
// initialization or when none of the paths exist; scheduling nothing
// because everything requested is already verified locally reports true.
func (d *Downloader) Prefetch(paths []string, opts ...FetchOption) bool {
	cfg := fetchConfig{priority: PriorityDefault}
	for _, opt := range opts {
		opt(&cfg)
	}
	targets, ok := d.resolveTargets(paths)
	if !ok {
		return false
	}

	d.mu.Lock()
	queued := 0
	for _, p := range targets {
		idx, ok := d.crcIndex[p]
		if !ok || d.crc[idx].OK {
			continue
		}
		if old, ok := d.queue[p]; !ok || cfg.priority > old {
			d.queue[p] = cfg.priority
		}
		queued++
	}
	d.mu.Unlock()

	if queued == 0 {
		// Everything requested is already local and verified; a second
		// Prefetch of a satisfied set issues no work at all.
		return true
	}
	d.stats.add("fetch_requested", uint64(queued))
	select {
	case d.wake <- struct{}{}:
	default:
	}
	return true
}

// Fetch schedules paths like Prefetch and blocks until every one of them is
// verified locally, ctx is done, or the Downloader shuts down. An empty
// paths slice fetches the whole archive.
func (d *Downloader) Fetch(ctx context.Context, paths []string, opts ...FetchOption) error {
	cfg := fetchConfig{priority: PriorityDefault}
	for _, opt := range opts {
		opt(&cfg)
	}
	targets, ok := d.resolveTargets(paths)
	if !ok {
		if !d.IsInitialized() {
			return ErrNotInitialized
		}
		return errors.New("download: no matching files")
	}
	if !d.Prefetch(paths, opts...) {
		return errors.New("download: prefetch refused")
	}

	var total uint64
	d.mu.Lock()
	for _, p := range targets {
		if idx, ok := d.crcIndex[p]; ok {
			total += d.crc[idx].Entry.CompressedSize
		}
	}
	d.mu.Unlock()

	report := func() uint64 {
		var soFar uint64
		d.mu.Lock()
		for _, p := range targets {
			if idx, ok := d.crcIndex[p]; ok && d.crc[idx].OK {
				soFar += d.crc[idx].Entry.CompressedSize
			}
		}
		d.mu.Unlock()
		return soFar
	}

	lastReported := uint64(1<<64 - 1)
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		done := true
		d.mu.Lock()
		for _, p := range targets {
			idx, ok := d.crcIndex[p]
			if ok && !d.crc[idx].OK {
				done = false
				break
			}
		}
		d.mu.Unlock()

		if cfg.progress != nil {
			if soFar := report(); soFar != lastReported {
				lastReported = soFar
				cfg.progress(total, soFar)
			}
		}
		if done {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-d.done:
			return ErrShutdown
		case <-ticker.C:
		}
	}
}

// resolveTargets normalizes and prunes the requested paths against the file
// table. Empty input expands to every file. The bool result is false before
// initialization or when pruning removed everything.
func (d *Downloader) resolveTargets(paths []string) ([]string, bool) {
	if !d.IsInitialized() {
		return nil, false
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(paths) == 0 {
		all := make([]string, len(d.crc))
		for i := range d.crc {
			all[i] = d.crc[i].Path
		}
		return all, true
	}

	targets := make([]string, 0, len(paths))
	for _, p := range paths {
		norm := sar.NormalizePath(p)
		if _, ok := d.crcIndex[norm]; ok {
			targets = append(targets, norm)
		}
	}
	if len(targets) == 0 {
		return nil, false
	}
	return targets, true
}
