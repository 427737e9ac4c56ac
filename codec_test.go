package main

import (
	"bytes"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/mewkiz/flac"
)

func TestFlacHeaderDeclaresStreamInfo(t *testing.T) {
	enc, err := NewFlacStreamEncoder(12000, 240)
	if err != nil {
		t.Fatal(err)
	}
	header := enc.HeaderBytes()

	if !bytes.HasPrefix(header, []byte("fLaC")) {
		t.Fatalf("header does not start with fLaC magic: % x", header[:8])
	}

	stream, err := flac.New(bytes.NewReader(header))
	if err != nil {
		t.Fatalf("header does not parse: %v", err)
	}
	info := stream.Info
	if info.SampleRate != 12000 {
		t.Errorf("sample rate: got %d, want 12000", info.SampleRate)
	}
	if info.NChannels != 1 {
		t.Errorf("channels: got %d, want 1", info.NChannels)
	}
	if info.BitsPerSample != 16 {
		t.Errorf("bits per sample: got %d, want 16", info.BitsPerSample)
	}
	if info.BlockSizeMin != 240 || info.BlockSizeMax != 240 {
		t.Errorf("block size: got %d..%d, want 240..240", info.BlockSizeMin, info.BlockSizeMax)
	}
}

func TestFlacEncodeBlock(t *testing.T) {
	enc, err := NewFlacStreamEncoder(12000, 240)
	if err != nil {
		t.Fatal(err)
	}

	pcm := make([]int16, 240)
	for i := range pcm {
		pcm[i] = int16(i * 100)
	}
	data, err := enc.EncodeBlock(pcm)
	if err != nil {
		t.Fatal(err)
	}
	if len(data) == 0 {
		t.Fatal("empty frame payload")
	}
	// Frame sync code starts with 0xFF.
	if data[0] != 0xFF {
		t.Errorf("frame sync: got 0x%02X, want 0xFF", data[0])
	}

	// A header-then-frames concatenation must decode back to the input.
	full := append(append([]byte(nil), enc.HeaderBytes()...), data...)
	stream, err := flac.New(bytes.NewReader(full))
	if err != nil {
		t.Fatalf("stream does not parse: %v", err)
	}
	fr, err := stream.ParseNext()
	if err != nil {
		t.Fatalf("frame does not parse: %v", err)
	}
	if len(fr.Subframes) != 1 {
		t.Fatalf("subframes: got %d, want 1", len(fr.Subframes))
	}
	decoded := fr.Subframes[0].Samples
	if len(decoded) != len(pcm) {
		t.Fatalf("decoded samples: got %d, want %d", len(decoded), len(pcm))
	}
	for i := range pcm {
		if decoded[i] != int32(pcm[i]) {
			t.Fatalf("sample %d: got %d, want %d", i, decoded[i], pcm[i])
		}
	}
}

func TestFlacEncodeBlockSizeMismatch(t *testing.T) {
	enc, err := NewFlacStreamEncoder(12000, 240)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := enc.EncodeBlock(make([]int16, 100)); err == nil {
		t.Error("expected block size mismatch error")
	}
}

func TestZstdRoundTrip(t *testing.T) {
	enc, err := NewZstdStreamEncoder(3)
	if err != nil {
		t.Fatal(err)
	}
	defer enc.Close()

	inputs := [][]byte{
		nil,
		[]byte("hello"),
		bytes.Repeat([]byte{0x42}, 100000),
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		t.Fatal(err)
	}
	defer dec.Close()

	for i, input := range inputs {
		compressed := enc.CompressFlush(input)
		out, err := dec.DecodeAll(compressed, nil)
		if err != nil {
			t.Fatalf("input %d: decode failed: %v", i, err)
		}
		if !bytes.Equal(out, input) {
			t.Errorf("input %d: round trip mismatch (%d bytes in, %d out)", i, len(input), len(out))
		}
	}
}

func TestZstdFramesAreIndependent(t *testing.T) {
	enc, err := NewZstdStreamEncoder(3)
	if err != nil {
		t.Fatal(err)
	}
	defer enc.Close()

	first := enc.CompressFlush([]byte("first packet"))
	second := enc.CompressFlush([]byte("second packet"))

	// The second frame must decode without the first.
	dec, err := zstd.NewReader(nil)
	if err != nil {
		t.Fatal(err)
	}
	defer dec.Close()
	out, err := dec.DecodeAll(second, nil)
	if err != nil {
		t.Fatalf("standalone decode failed: %v", err)
	}
	if string(out) != "second packet" {
		t.Errorf("got %q", out)
	}
	_ = first
}
