package compress

import (
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// DecompressPool manages reusable zstd decoders to reduce allocation
// overhead. A pool built with dictionaries hands out decoders that can
// decode frames referencing any of them by ID.
type DecompressPool struct {
	pool             *sync.Pool
	maxDecoderMemory uint64
	dicts            [][]byte
	decoderLowmemSet bool
	decoderLowmem    bool
}

// PoolOption configures a DecompressPool.
type PoolOption func(*DecompressPool)

// WithDicts registers decoder dictionaries.
func WithDicts(dicts ...[]byte) PoolOption {
	return func(p *DecompressPool) {
		p.dicts = append(p.dicts, dicts...)
	}
}

// WithDecoderLowmem enables or disables low-memory mode for decoders.
// The pool defaults to low-memory decoders; archive chunks are small.
func WithDecoderLowmem(b bool) PoolOption {
	return func(p *DecompressPool) {
		p.decoderLowmem = b
		p.decoderLowmemSet = true
	}
}

// NewDecompressPool creates a new pool for zstd decoders.
// If maxMemory is 0, no memory limit is applied to decoders.
// Creation fails only when a dictionary cannot be parsed.
func NewDecompressPool(maxMemory uint64, opts ...PoolOption) (*DecompressPool, error) {
	p := &DecompressPool{
		maxDecoderMemory: maxMemory,
		decoderLowmemSet: true,
		decoderLowmem:    true,
	}
	for _, opt := range opts {
		opt(p)
	}
	// Surface bad dictionaries now rather than on first use.
	dec, err := p.newDecoder()
	if err != nil {
		return nil, err
	}
	p.pool = &sync.Pool{
		New: func() any {
			dec, err := p.newDecoder()
			if err != nil {
				return nil
			}
			return dec
		},
	}
	p.pool.Put(dec)
	return p, nil
}

// Get returns a decoder ready for DecodeAll.
// The caller must call the returned release function when done.
// If an error is returned, no release function needs to be called.
func (p *DecompressPool) Get() (*zstd.Decoder, func(), error) {
	if p == nil || p.pool == nil {
		// No pool available, create a one-off decoder
		dec, err := p.newDecoder()
		if err != nil {
			return nil, nil, err
		}
		return dec, dec.Close, nil
	}

	value := p.pool.Get()
	if value == nil {
		// Pool's New function failed, try directly
		dec, err := p.newDecoder()
		if err != nil {
			return nil, nil, err
		}
		return dec, dec.Close, nil
	}

	dec, ok := value.(*zstd.Decoder)
	if !ok {
		// Unexpected type in pool, create new
		newDec, err := p.newDecoder()
		if err != nil {
			return nil, nil, err
		}
		return newDec, newDec.Close, nil
	}

	return dec, func() {
		p.pool.Put(dec)
	}, nil
}

// DecompressZstd expands a ZSTD chunk. The frame may reference any of the
// pool's dictionaries. Output longer than the declared size fails; shorter
// output is returned as is.
func (p *DecompressPool) DecompressZstd(src []byte) ([]byte, error) {
	payload, size, err := parseChunk(src, zstdTag)
	if err != nil {
		return nil, err
	}
	if size == 0 && len(payload) == 0 {
		return nil, nil
	}
	dec, release, err := p.Get()
	if err != nil {
		return nil, err
	}
	defer release()
	out, err := dec.DecodeAll(payload, make([]byte, 0, size))
	if err != nil {
		return nil, fmt.Errorf("compress: zstd: %w", err)
	}
	if len(out) > int(size) {
		return nil, fmt.Errorf("%w: got %d, declared %d", ErrSizeMismatch, len(out), size)
	}
	return out, nil
}

// newDecoder creates a new zstd decoder with the configured memory limit
// and dictionaries.
func (p *DecompressPool) newDecoder() (*zstd.Decoder, error) {
	if p == nil {
		return zstd.NewReader(nil)
	}

	opts := make([]zstd.DOption, 0, 4)
	opts = append(opts, zstd.WithDecoderConcurrency(1))
	if p.decoderLowmemSet {
		opts = append(opts, zstd.WithDecoderLowmem(p.decoderLowmem))
	}
	if p.maxDecoderMemory != 0 {
		opts = append(opts, zstd.WithDecoderMaxMemory(p.maxDecoderMemory))
	}
	if len(p.dicts) > 0 {
		opts = append(opts, zstd.WithDecoderDicts(p.dicts...))
	}
	return zstd.NewReader(nil, opts...)
}
