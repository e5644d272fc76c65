package compress

import (
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/dict"
	"github.com/klauspost/compress/zstd"
)

// TrainDict builds a zstd compression dictionary from sample payloads.
// Training wants many samples of the content that will be compressed;
// a few dozen representative files is a practical minimum.
func TrainDict(samples [][]byte, maxSize int) ([]byte, error) {
	if len(samples) == 0 {
		return nil, errors.New("compress: no training samples")
	}
	raw, err := dict.BuildZstdDict(samples, dict.Options{
		MaxDictSize: maxSize,
		HashBytes:   6,
		Output:      io.Discard,
		ZstdLevel:   zstd.SpeedBestCompression,
	})
	if err != nil {
		return nil, fmt.Errorf("compress: train dict: %w", err)
	}
	return raw, nil
}
