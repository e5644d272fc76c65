package sar

import (
	"encoding"
	"encoding/binary"
	"fmt"
)

const (
	// Signature is the magic number at the start of every .sar archive,
	// stored as a little-endian uint32.
	Signature uint32 = 0xDA7F

	// CurrentVersion is the archive version written by Build.
	CurrentVersion uint32 = 21

	// HeaderSize is the fixed size of the archive header in bytes.
	HeaderSize = 48

	// signatureSwapped is the signature as read from a byte-swapped archive.
	signatureSwapped uint32 = 0x7FDA0000

	// maxReadSize bounds any single length decoded from an archive.
	maxReadSize = 1 << 30
)

func validVersion(v uint32) bool {
	switch v {
	case 13, 16, 17, 18, 19, 20, 21:
		return true
	}
	return false
}

// Header is the decoded 48-byte archive header. The wire layout varies by
// version; fields a version does not store decode to zero. Two headers
// describe the same archive iff they compare equal with ==.
type Header struct {
	Version                 uint32
	TotalPackageFileSize    uint64
	OffsetToFileTable       uint64
	TotalEntriesInFileTable uint32
	GameDirectory           GameDirectory
	CompressedFileTable     bool
	SizeOfFileTable         uint32

	// PackageVariation is stored only by versions 13 and 21.
	PackageVariation uint16

	// BuildVersionMajor is stored as 16 bits by version 21 and 32 bits by
	// older versions.
	BuildVersionMajor uint32
	BuildChangelist   uint32

	SupportsDirectoryQueries bool
	Obfuscated               bool

	// Platform is stored from version 18 on. ReadHeader fills in
	// CurrentPlatform for older versions, matching their runtime behavior.
	Platform Platform
}

var _ encoding.BinaryMarshaler = Header{}

// Features are the capabilities implied by a header, evaluated once so the
// version gates live in a single place.
type Features struct {
	// PostCRC32 means entries carry a CRC-32 of their stored bytes, so a
	// file can be verified without deobfuscation or decompression.
	PostCRC32 bool

	// FileTablePostCRC32 means the last four bytes of the file table are a
	// CRC-32 of the stored table bytes.
	FileTablePostCRC32 bool

	// OldLZ4Compression means payloads and the file table use LZ4 chunks
	// instead of zstd.
	OldLZ4Compression bool

	CompressedFileTable bool
	Obfuscated          bool
	DirectoryQueries    bool
}

// Features derives the capability set of the header's version.
func (h Header) Features() Features {
	return Features{
		PostCRC32:           h.Version > 18,
		FileTablePostCRC32:  h.Version > 19,
		OldLZ4Compression:   h.Version == 16,
		CompressedFileTable: h.CompressedFileTable,
		Obfuscated:          h.Obfuscated,
		DirectoryQueries:    h.SupportsDirectoryQueries,
	}
}

// headerByteOrder probes the signature and reports the byte order the
// archive was written in.
func headerByteOrder(data []byte) (binary.ByteOrder, error) {
	switch binary.LittleEndian.Uint32(data[0:4]) {
	case Signature:
		return binary.LittleEndian, nil
	case signatureSwapped:
		return binary.BigEndian, nil
	}
	return nil, ErrBadSignature
}

// ReadHeader decodes and validates a 48-byte archive header. Byte-swapped
// archives (written on a big-endian machine) are detected from the signature
// and decoded transparently.
func ReadHeader(data []byte) (Header, error) {
	h, _, err := readHeaderOrder(data)
	return h, err
}

// CheckHeader reports whether data begins with a valid archive header.
func CheckHeader(data []byte) bool {
	_, err := ReadHeader(data)
	return err == nil
}

func readHeaderOrder(data []byte) (Header, binary.ByteOrder, error) {
	var h Header
	if len(data) < HeaderSize {
		return h, nil, ErrShortHeader
	}
	order, err := headerByteOrder(data)
	if err != nil {
		return h, nil, err
	}

	h.Version = order.Uint32(data[4:8])
	if !validVersion(h.Version) {
		return h, nil, fmt.Errorf("%w: %d", ErrBadVersion, h.Version)
	}

	h.TotalPackageFileSize = order.Uint64(data[8:16])
	h.OffsetToFileTable = order.Uint64(data[16:24])
	h.TotalEntriesInFileTable = order.Uint32(data[24:28])
	dir := order.Uint16(data[28:30])
	h.CompressedFileTable = order.Uint16(data[30:32]) != 0
	h.SizeOfFileTable = order.Uint32(data[32:36])

	switch h.Version {
	case 13:
		h.BuildVersionMajor = order.Uint32(data[36:40])
		h.BuildChangelist = order.Uint32(data[40:44])
		h.PackageVariation = order.Uint16(data[44:46])
		h.SupportsDirectoryQueries = data[46] != 0
		h.Obfuscated = data[47] != 0
		h.Platform = CurrentPlatform()
	case 16, 17:
		h.BuildVersionMajor = order.Uint32(data[36:40])
		h.BuildChangelist = order.Uint32(data[40:44])
		h.SupportsDirectoryQueries = order.Uint16(data[44:46]) != 0
		h.Obfuscated = order.Uint16(data[46:48]) != 0
		h.Platform = CurrentPlatform()
	case 18, 19, 20:
		h.BuildVersionMajor = order.Uint32(data[36:40])
		h.BuildChangelist = order.Uint32(data[40:44])
		h.SupportsDirectoryQueries = order.Uint16(data[44:46]) != 0
		h.Obfuscated = data[46] != 0
		h.Platform = Platform(data[47])
	default: // 21
		h.PackageVariation = order.Uint16(data[36:38])
		h.BuildVersionMajor = uint32(order.Uint16(data[38:40]))
		h.BuildChangelist = order.Uint32(data[40:44])
		h.SupportsDirectoryQueries = order.Uint16(data[44:46]) != 0
		h.Obfuscated = data[46] != 0
		h.Platform = Platform(data[47])
	}

	if dir != uint16(DirectoryConfig) && dir != uint16(DirectoryContent) {
		return Header{}, nil, fmt.Errorf("%w: %d", ErrBadGameDirectory, dir)
	}
	h.GameDirectory = GameDirectory(dir)

	if h.Platform > PlatformLinux {
		return Header{}, nil, fmt.Errorf("%w: %d", ErrBadPlatform, h.Platform)
	}

	return h, order, nil
}

// MarshalBinary encodes the header in its canonical little-endian form.
func (h Header) MarshalBinary() ([]byte, error) {
	if !validVersion(h.Version) {
		return nil, fmt.Errorf("%w: %d", ErrBadVersion, h.Version)
	}
	if h.GameDirectory != DirectoryConfig && h.GameDirectory != DirectoryContent {
		return nil, fmt.Errorf("%w: %d", ErrBadGameDirectory, h.GameDirectory)
	}
	if h.Platform > PlatformLinux {
		return nil, fmt.Errorf("%w: %d", ErrBadPlatform, h.Platform)
	}

	le := binary.LittleEndian
	data := make([]byte, HeaderSize)
	le.PutUint32(data[0:4], Signature)
	le.PutUint32(data[4:8], h.Version)
	le.PutUint64(data[8:16], h.TotalPackageFileSize)
	le.PutUint64(data[16:24], h.OffsetToFileTable)
	le.PutUint32(data[24:28], h.TotalEntriesInFileTable)
	le.PutUint16(data[28:30], uint16(h.GameDirectory))
	le.PutUint16(data[30:32], b16(h.CompressedFileTable))
	le.PutUint32(data[32:36], h.SizeOfFileTable)

	switch h.Version {
	case 13:
		le.PutUint32(data[36:40], h.BuildVersionMajor)
		le.PutUint32(data[40:44], h.BuildChangelist)
		le.PutUint16(data[44:46], h.PackageVariation)
		data[46] = b8(h.SupportsDirectoryQueries)
		data[47] = b8(h.Obfuscated)
	case 16, 17:
		le.PutUint32(data[36:40], h.BuildVersionMajor)
		le.PutUint32(data[40:44], h.BuildChangelist)
		le.PutUint16(data[44:46], b16(h.SupportsDirectoryQueries))
		le.PutUint16(data[46:48], b16(h.Obfuscated))
	case 18, 19, 20:
		le.PutUint32(data[36:40], h.BuildVersionMajor)
		le.PutUint32(data[40:44], h.BuildChangelist)
		le.PutUint16(data[44:46], b16(h.SupportsDirectoryQueries))
		data[46] = b8(h.Obfuscated)
		data[47] = byte(h.Platform)
	default: // 21
		le.PutUint16(data[36:38], h.PackageVariation)
		le.PutUint16(data[38:40], uint16(h.BuildVersionMajor))
		le.PutUint32(data[40:44], h.BuildChangelist)
		le.PutUint16(data[44:46], b16(h.SupportsDirectoryQueries))
		data[46] = b8(h.Obfuscated)
		data[47] = byte(h.Platform)
	}

	return data, nil
}

func b16(v bool) uint16 {
	if v {
		return 1
	}
	return 0
}

func b8(v bool) byte {
	if v {
		return 1
	}
	return 0
}
