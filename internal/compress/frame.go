// Package compress implements the chunk framing .sar archives use for
// compressed payloads: an 8-byte header (4-byte tag plus little-endian
// uncompressed size) followed by an LZ4 block or a zstd frame.
package compress

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/pierrec/lz4/v4"
)

const (
	// chunkHeaderSize is the tag plus the declared uncompressed size.
	chunkHeaderSize = 8

	// MaxUncompressedSize bounds the declared size of any chunk.
	MaxUncompressedSize = 1 << 30
)

var (
	lz4Tag  = [4]byte{'L', 'Z', '4', 'C'}
	zstdTag = [4]byte{'Z', 'S', 'T', 'D'}
)

var (
	// ErrBadTag is returned when a chunk does not start with the expected tag.
	ErrBadTag = errors.New("compress: unknown chunk tag")

	// ErrTruncated is returned when a chunk is shorter than its header.
	ErrTruncated = errors.New("compress: truncated chunk")

	// ErrTooLarge is returned when the declared uncompressed size exceeds MaxUncompressedSize.
	ErrTooLarge = errors.New("compress: declared size too large")

	// ErrSizeMismatch is returned when decompression does not produce the declared size.
	ErrSizeMismatch = errors.New("compress: decompressed size mismatch")

	// ErrIncompressible is returned when LZ4 cannot shrink the input.
	ErrIncompressible = errors.New("compress: incompressible input")
)

func parseChunk(src []byte, tag [4]byte) ([]byte, uint32, error) {
	if len(src) < chunkHeaderSize {
		return nil, 0, ErrTruncated
	}
	if !bytes.Equal(src[:4], tag[:]) {
		return nil, 0, ErrBadTag
	}
	size := binary.LittleEndian.Uint32(src[4:8])
	if size > MaxUncompressedSize {
		return nil, 0, fmt.Errorf("%w: %d", ErrTooLarge, size)
	}
	return src[chunkHeaderSize:], size, nil
}

func appendChunkHeader(dst []byte, tag [4]byte, size int) []byte {
	dst = append(dst, tag[:]...)
	return binary.LittleEndian.AppendUint32(dst, uint32(size))
}

// CompressLZ4 produces an LZ4C chunk using the high-compression encoder.
// Versions of the archive format before zstd used this for every payload.
func CompressLZ4(src []byte) ([]byte, error) {
	dst := make([]byte, 0, chunkHeaderSize+lz4.CompressBlockBound(len(src)))
	dst = appendChunkHeader(dst, lz4Tag, len(src))
	block := dst[chunkHeaderSize:cap(dst)]
	n, err := lz4.CompressBlockHC(src, block, lz4.Level9, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("compress: lz4: %w", err)
	}
	if n == 0 {
		return nil, ErrIncompressible
	}
	return dst[:chunkHeaderSize+n], nil
}

// DecompressLZ4 expands an LZ4C chunk. The block must decompress to exactly
// the declared size.
func DecompressLZ4(src []byte) ([]byte, error) {
	payload, size, err := parseChunk(src, lz4Tag)
	if err != nil {
		return nil, err
	}
	if size == 0 && len(payload) == 0 {
		return nil, nil
	}
	dst := make([]byte, size)
	n, err := lz4.UncompressBlock(payload, dst)
	if err != nil {
		return nil, fmt.Errorf("compress: lz4: %w", err)
	}
	if n != int(size) {
		return nil, fmt.Errorf("%w: got %d, declared %d", ErrSizeMismatch, n, size)
	}
	return dst, nil
}
