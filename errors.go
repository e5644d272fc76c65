package sar

import "errors"

// Header and file table validation errors.
var (
	// ErrShortHeader is returned when the input is smaller than the 48-byte header.
	ErrShortHeader = errors.New("sar: short header")

	// ErrBadSignature is returned when the signature matches in neither byte order.
	ErrBadSignature = errors.New("sar: bad signature")

	// ErrBadVersion is returned when the header carries an unknown package version.
	ErrBadVersion = errors.New("sar: unsupported version")

	// ErrBadGameDirectory is returned when the serialized game directory is not Config or Content.
	ErrBadGameDirectory = errors.New("sar: invalid game directory")

	// ErrBadPlatform is returned when the platform byte is out of range.
	ErrBadPlatform = errors.New("sar: invalid platform")

	// ErrSizeMismatch is returned when the file size on disk differs from the header total.
	ErrSizeMismatch = errors.New("sar: package size mismatch")

	// ErrBadFileTable is returned when the file table fails its CRC-32 or does not parse.
	ErrBadFileTable = errors.New("sar: corrupt file table")
)

// Archive state errors.
var (
	// ErrNotLoaded is returned by operations that require a successfully validated archive.
	ErrNotLoaded = errors.New("sar: archive not loaded")

	// ErrNoWriteAccess is returned by Commit and Flush on archives opened without write access.
	ErrNoWriteAccess = errors.New("sar: archive not writable")

	// ErrReadOnly is returned by Delete; archive contents are immutable.
	ErrReadOnly = errors.New("sar: read-only file system")

	// ErrNoDirectoryQueries is returned by listing operations when the archive
	// was built without directory query support.
	ErrNoDirectoryQueries = errors.New("sar: archive does not support directory queries")
)
