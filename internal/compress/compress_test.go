package compress

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math/rand"
	"testing"
)

func TestLZ4RoundTrip(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		data []byte
	}{
		{"repetitive", bytes.Repeat([]byte("lz4 round trip "), 200)},
		{"short", []byte("abcabcabcabcabcabcabcabc")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			chunk, err := CompressLZ4(tt.data)
			if err != nil {
				t.Fatalf("CompressLZ4() error = %v", err)
			}
			if len(chunk) >= len(tt.data)+chunkHeaderSize {
				t.Errorf("CompressLZ4() did not shrink: %d >= %d", len(chunk), len(tt.data))
			}
			got, err := DecompressLZ4(chunk)
			if err != nil {
				t.Fatalf("DecompressLZ4() error = %v", err)
			}
			if !bytes.Equal(got, tt.data) {
				t.Errorf("DecompressLZ4() = %d bytes, want %d", len(got), len(tt.data))
			}
		})
	}
}

func TestLZ4Incompressible(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewSource(7))
	data := make([]byte, 4096)
	rng.Read(data)

	if _, err := CompressLZ4(data); !errors.Is(err, ErrIncompressible) {
		t.Errorf("CompressLZ4(random) error = %v, want ErrIncompressible", err)
	}
}

func TestZstdRoundTrip(t *testing.T) {
	t.Parallel()

	enc, err := NewEncoder(nil)
	if err != nil {
		t.Fatalf("NewEncoder() error = %v", err)
	}
	defer enc.Close()

	pool, err := NewDecompressPool(1 << 30)
	if err != nil {
		t.Fatalf("NewDecompressPool() error = %v", err)
	}

	data := bytes.Repeat([]byte("zstd round trip "), 500)
	chunk := enc.CompressZstd(data)
	if len(chunk) >= len(data) {
		t.Errorf("CompressZstd() did not shrink: %d >= %d", len(chunk), len(data))
	}

	got, err := pool.DecompressZstd(chunk)
	if err != nil {
		t.Fatalf("DecompressZstd() error = %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("DecompressZstd() = %d bytes, want %d", len(got), len(data))
	}

	// Empty payloads round-trip to nil.
	got, err = pool.DecompressZstd(enc.CompressZstd(nil))
	if err != nil {
		t.Fatalf("DecompressZstd(empty) error = %v", err)
	}
	if len(got) != 0 {
		t.Errorf("DecompressZstd(empty) = %d bytes, want 0", len(got))
	}
}

func TestZstdDictRoundTrip(t *testing.T) {
	t.Parallel()

	samples := make([][]byte, 100)
	for i := range samples {
		samples[i] = fmt.Appendf(nil, `{"record":%d,"status":"active","tags":["alpha","beta","gamma"],"score":%d}`, i, i*3)
	}
	dict, err := TrainDict(samples, 8<<10)
	if err != nil {
		t.Fatalf("TrainDict() error = %v", err)
	}
	if len(dict) == 0 {
		t.Fatal("TrainDict() returned an empty dictionary")
	}

	enc, err := NewEncoder(dict)
	if err != nil {
		t.Fatalf("NewEncoder(dict) error = %v", err)
	}
	defer enc.Close()

	payload := []byte(`{"record":1234,"status":"active","tags":["alpha","beta","gamma"],"score":99}`)
	chunk := enc.CompressZstd(payload)
	if len(chunk) >= len(payload) {
		t.Errorf("CompressZstd(dict) did not shrink: %d >= %d", len(chunk), len(payload))
	}

	withDict, err := NewDecompressPool(1<<30, WithDicts(dict))
	if err != nil {
		t.Fatalf("NewDecompressPool(dict) error = %v", err)
	}
	got, err := withDict.DecompressZstd(chunk)
	if err != nil {
		t.Fatalf("DecompressZstd() error = %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("DecompressZstd() mismatch")
	}

	// A pool without the dictionary cannot decode dictionary frames.
	without, err := NewDecompressPool(1 << 30)
	if err != nil {
		t.Fatalf("NewDecompressPool() error = %v", err)
	}
	if _, err := without.DecompressZstd(chunk); err == nil {
		t.Error("DecompressZstd() without dictionary succeeded, want error")
	}
}

func TestTrainDictNoSamples(t *testing.T) {
	t.Parallel()

	if _, err := TrainDict(nil, 8<<10); err == nil {
		t.Error("TrainDict(nil) succeeded, want error")
	}
}

func TestChunkErrors(t *testing.T) {
	t.Parallel()

	enc, err := NewEncoder(nil)
	if err != nil {
		t.Fatalf("NewEncoder() error = %v", err)
	}
	defer enc.Close()
	pool, err := NewDecompressPool(1 << 30)
	if err != nil {
		t.Fatalf("NewDecompressPool() error = %v", err)
	}

	valid := enc.CompressZstd(bytes.Repeat([]byte("chunk errors "), 100))

	t.Run("truncated", func(t *testing.T) {
		t.Parallel()
		if _, err := pool.DecompressZstd(valid[:4]); !errors.Is(err, ErrTruncated) {
			t.Errorf("error = %v, want ErrTruncated", err)
		}
	})

	t.Run("wrong tag", func(t *testing.T) {
		t.Parallel()
		if _, err := DecompressLZ4(valid); !errors.Is(err, ErrBadTag) {
			t.Errorf("error = %v, want ErrBadTag", err)
		}
	})

	t.Run("declared size too large", func(t *testing.T) {
		t.Parallel()
		chunk := append([]byte(nil), valid...)
		binary.LittleEndian.PutUint32(chunk[4:8], MaxUncompressedSize+1)
		if _, err := pool.DecompressZstd(chunk); !errors.Is(err, ErrTooLarge) {
			t.Errorf("error = %v, want ErrTooLarge", err)
		}
	})

	t.Run("output exceeds declared size", func(t *testing.T) {
		t.Parallel()
		chunk := append([]byte(nil), valid...)
		binary.LittleEndian.PutUint32(chunk[4:8], 10)
		if _, err := pool.DecompressZstd(chunk); !errors.Is(err, ErrSizeMismatch) {
			t.Errorf("error = %v, want ErrSizeMismatch", err)
		}
	})

	t.Run("corrupt payload", func(t *testing.T) {
		t.Parallel()
		chunk := append([]byte(nil), valid...)
		chunk[len(chunk)-2] ^= 0xFF
		if _, err := pool.DecompressZstd(chunk); err == nil {
			t.Error("DecompressZstd(corrupt) succeeded, want error")
		}
	})
}

func TestDecompressPoolReuse(t *testing.T) {
	t.Parallel()

	enc, err := NewEncoder(nil)
	if err != nil {
		t.Fatalf("NewEncoder() error = %v", err)
	}
	defer enc.Close()
	pool, err := NewDecompressPool(1 << 30)
	if err != nil {
		t.Fatalf("NewDecompressPool() error = %v", err)
	}

	data := bytes.Repeat([]byte("pool reuse "), 300)
	chunk := enc.CompressZstd(data)
	for range 10 {
		got, err := pool.DecompressZstd(chunk)
		if err != nil {
			t.Fatalf("DecompressZstd() error = %v", err)
		}
		if !bytes.Equal(got, data) {
			t.Fatal("DecompressZstd() mismatch")
		}
	}
}
