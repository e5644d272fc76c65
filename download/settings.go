package download

import (
	"context"
	"errors"
	"log/slog"
	nethttp "net/http"
	"time"
)

// Defaults for the Settings tuning block.
const (
	// DefaultMaxRedownloadSizeThreshold is the largest file the downloader
	// will re-download just to keep a byte range contiguous.
	DefaultMaxRedownloadSizeThreshold uint32 = 8 * 1024

	// DefaultLowerBoundMaxSizePerDownload is the floor of the adaptive
	// per-request size ceiling.
	DefaultLowerBoundMaxSizePerDownload uint32 = 32 * 1024

	// DefaultUpperBoundMaxSizePerDownload is the cap of the adaptive
	// per-request size ceiling.
	DefaultUpperBoundMaxSizePerDownload uint32 = 256 * 1024

	// DefaultTargetPerDownloadTime is the transfer time the adaptive sizing
	// steers each request toward.
	DefaultTargetPerDownloadTime = 500 * time.Millisecond

	// DefaultRetryInterval is the wait between initialization attempts.
	DefaultRetryInterval = 3 * time.Second
)

// Settings configures a Downloader. URL and Path are required; zero values
// elsewhere take the defaults above.
type Settings struct {
	// URL of the authoritative archive. The server must support HTTP range
	// requests.
	URL string

	// Path of the local archive file to populate. Created if missing.
	Path string

	// PopulatePackages are local archive files to copy matching entries
	// from before touching the network. Incompatible or unreadable
	// packages are skipped silently.
	PopulatePackages []string

	// MaxRedownloadSizeThreshold bounds the size of any file downloaded
	// only because it sits between requested ones.
	MaxRedownloadSizeThreshold uint32

	// LowerBoundMaxSizePerDownload and UpperBoundMaxSizePerDownload clamp
	// the adaptive per-request size ceiling; TargetPerDownloadTime is the
	// transfer time it steers toward.
	LowerBoundMaxSizePerDownload uint32
	UpperBoundMaxSizePerDownload uint32
	TargetPerDownloadTime        time.Duration

	// RetryInterval is the wait after a failed initialization attempt.
	RetryInterval time.Duration

	// DownloadConcurrency is the number of range requests in flight per
	// fetch pass. The default of 1 downloads strictly sequentially.
	DownloadConcurrency int
}

func (s *Settings) normalize() error {
	if s.URL == "" {
		return errors.New("download: settings need a URL")
	}
	if s.Path == "" {
		return errors.New("download: settings need a local path")
	}
	if s.MaxRedownloadSizeThreshold == 0 {
		s.MaxRedownloadSizeThreshold = DefaultMaxRedownloadSizeThreshold
	}
	if s.LowerBoundMaxSizePerDownload == 0 {
		s.LowerBoundMaxSizePerDownload = DefaultLowerBoundMaxSizePerDownload
	}
	if s.UpperBoundMaxSizePerDownload == 0 {
		s.UpperBoundMaxSizePerDownload = DefaultUpperBoundMaxSizePerDownload
	}
	if s.LowerBoundMaxSizePerDownload > s.UpperBoundMaxSizePerDownload {
		return errors.New("download: lower bound exceeds upper bound")
	}
	if s.TargetPerDownloadTime <= 0 {
		s.TargetPerDownloadTime = DefaultTargetPerDownloadTime
	}
	if s.RetryInterval <= 0 {
		s.RetryInterval = DefaultRetryInterval
	}
	if s.DownloadConcurrency <= 0 {
		s.DownloadConcurrency = 1
	}
	return nil
}

// RangeSource fetches byte ranges of the remote archive. The read is strict:
// either p is filled with exactly the requested bytes or an error is
// returned. http.Source satisfies this.
type RangeSource interface {
	ReadRange(ctx context.Context, off int64, p []byte) error
}

// Option configures a Downloader beyond its Settings.
type Option func(*Downloader)

// WithLogger sets the logger. Without it logs are discarded.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Downloader) {
		d.logger = logger
	}
}

// WithSource injects the range source, replacing the default HTTP source
// built from Settings.URL.
func WithSource(src RangeSource) Option {
	return func(d *Downloader) {
		d.source = src
	}
}

// WithHTTPClient sets the HTTP client for the default source. Ignored with
// WithSource.
func WithHTTPClient(client *nethttp.Client) Option {
	return func(d *Downloader) {
		d.httpClient = client
	}
}
