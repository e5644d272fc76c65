package sar

import "log/slog"

// Option configures an Archive before validation.
type Option func(*Archive)

// WithWriteAccess opens the archive file read-write so Commit and Flush can
// patch it in place. The file must already exist. Mutually exclusive with
// WithLoadIntoMemory.
func WithWriteAccess() Option {
	return func(a *Archive) {
		a.canWrite = true
	}
}

// WithLoadIntoMemory reads the whole archive into memory during Open and
// serves all reads from the buffer. The OS handle is released immediately.
func WithLoadIntoMemory() Option {
	return func(a *Archive) {
		a.loadIntoMemory = true
	}
}

// WithDeferCompressionDict postpones compression dictionary processing until
// the first ProcessCompressionDict call instead of running it during Open.
// Reads of dictionary-compressed entries fail until the dictionary is
// processed.
func WithDeferCompressionDict() Option {
	return func(a *Archive) {
		a.deferDict = true
	}
}

// WithLogger sets the logger for archive operations. Without it logs are
// discarded.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Archive) {
		a.logger = logger
	}
}
