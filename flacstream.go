package main

import (
	"bytes"
	"fmt"

	"github.com/mewkiz/flac"
	"github.com/mewkiz/flac/frame"
	"github.com/mewkiz/flac/meta"
)

// FlacStreamEncoder wraps github.com/mewkiz/flac's encoder into a
// header-once / frame-per-block split: the header is sent to a new client
// exactly once, then every PCM block of the fixed size becomes one
// independently-decodable frame. Subframes are encoded verbatim (raw,
// lossless PCM), which sidesteps LPC coefficient search in the hot path.
type FlacStreamEncoder struct {
	sampleRate    uint32
	bitsPerSample uint8
	blockSize     int
	frameNumber   uint64
	headerBytes   []byte

	buf bytes.Buffer
	enc *flac.Encoder
}

// NewFlacStreamEncoder builds an encoder for mono PCM at the given sample
// rate and block size. Channels are fixed at 1 and bits_per_sample at 16
// throughout the pipeline.
func NewFlacStreamEncoder(sampleRate, blockSize int) (*FlacStreamEncoder, error) {
	info := &meta.StreamInfo{
		BlockSizeMin:  uint16(blockSize),
		BlockSizeMax:  uint16(blockSize),
		SampleRate:    uint32(sampleRate),
		NChannels:     1,
		BitsPerSample: 16,
	}

	e := &FlacStreamEncoder{
		sampleRate:    uint32(sampleRate),
		bitsPerSample: 16,
		blockSize:     blockSize,
	}

	// NewEncoder writes the fLaC magic and the STREAMINFO block up front;
	// capture that as the per-client header, then reuse the buffer for
	// frame payloads.
	enc, err := flac.NewEncoder(&e.buf, info)
	if err != nil {
		return nil, fmt.Errorf("flac header encode: %w", err)
	}
	e.enc = enc
	e.headerBytes = append([]byte(nil), e.buf.Bytes()...)
	e.buf.Reset()
	return e, nil
}

// HeaderBytes returns the FLAC stream header (magic + STREAMINFO block),
// sent once per client connection/receiver switch.
func (e *FlacStreamEncoder) HeaderBytes() []byte {
	return e.headerBytes
}

// EncodeBlock encodes exactly blockSize mono PCM16 samples into one FLAC
// frame. Frames are byte-aligned, so each call yields a standalone frame
// payload.
func (e *FlacStreamEncoder) EncodeBlock(pcm []int16) ([]byte, error) {
	if len(pcm) != e.blockSize {
		return nil, fmt.Errorf("flac block size mismatch: expected %d, got %d", e.blockSize, len(pcm))
	}

	samples := make([]int32, len(pcm))
	for i, s := range pcm {
		samples[i] = int32(s)
	}

	f := &frame.Frame{
		Header: frame.Header{
			HasFixedBlockSize: true,
			BlockSize:         uint16(len(pcm)),
			SampleRate:        e.sampleRate,
			Channels:          frame.ChannelsMono,
			BitsPerSample:     e.bitsPerSample,
			Num:               e.frameNumber,
		},
		Subframes: []*frame.Subframe{
			{
				SubHeader: frame.SubHeader{
					Pred: frame.PredVerbatim,
				},
				Samples:  samples,
				NSamples: len(samples),
			},
		},
	}

	e.buf.Reset()
	if err := e.enc.WriteFrame(f); err != nil {
		return nil, fmt.Errorf("flac frame write: %w", err)
	}
	e.frameNumber++
	return append([]byte(nil), e.buf.Bytes()...), nil
}

// Reset restarts the frame counter, used when a client's audio session is
// re-established mid-stream (receiver switch).
func (e *FlacStreamEncoder) Reset() {
	e.frameNumber = 0
}
