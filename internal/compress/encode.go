package compress

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// Encoder produces ZSTD chunks, optionally bound to a compression
// dictionary. Encoders are not safe for concurrent use.
type Encoder struct {
	enc *zstd.Encoder
}

// NewEncoder creates an encoder. A nil or empty dict compresses without one.
func NewEncoder(dict []byte) (*Encoder, error) {
	opts := []zstd.EOption{
		zstd.WithEncoderConcurrency(1),
		zstd.WithLowerEncoderMem(true),
		zstd.WithEncoderLevel(zstd.SpeedBestCompression),
	}
	if len(dict) > 0 {
		opts = append(opts, zstd.WithEncoderDict(dict))
	}
	enc, err := zstd.NewWriter(nil, opts...)
	if err != nil {
		return nil, fmt.Errorf("compress: new encoder: %w", err)
	}
	return &Encoder{enc: enc}, nil
}

// CompressZstd produces a ZSTD chunk for src.
func (e *Encoder) CompressZstd(src []byte) []byte {
	dst := appendChunkHeader(make([]byte, 0, chunkHeaderSize+len(src)), zstdTag, len(src))
	return e.enc.EncodeAll(src, dst)
}

// Close releases encoder resources.
func (e *Encoder) Close() error {
	return e.enc.Close()
}
