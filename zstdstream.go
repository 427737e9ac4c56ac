package main

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// ZstdStreamEncoder wraps klauspost/compress/zstd per client: each call
// compresses one CBOR-encoded packet into a frame that is immediately
// decodable by the peer without waiting for more input.
type ZstdStreamEncoder struct {
	enc *zstd.Encoder
}

// NewZstdStreamEncoder builds an encoder at the given compression level
// (level 3 for both stream kinds).
func NewZstdStreamEncoder(level int) (*ZstdStreamEncoder, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)))
	if err != nil {
		return nil, fmt.Errorf("zstd encoder init: %w", err)
	}
	return &ZstdStreamEncoder{enc: enc}, nil
}

// CompressFlush compresses input into a standalone, immediately-decodable
// zstd frame (sync-flush semantics).
func (z *ZstdStreamEncoder) CompressFlush(input []byte) []byte {
	return z.enc.EncodeAll(input, nil)
}

// Close releases encoder resources.
func (z *ZstdStreamEncoder) Close() error {
	return z.enc.Close()
}
