package main

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

// SampleReader converts a raw byte stream into float32 (real) or
// complex64 (I/Q) samples. EOF from the underlying reader is
// UpstreamEnded: callers treat it as a hard shutdown of the receiver.
type SampleReader struct {
	r      io.Reader
	format SampleFormat
	isIQ   bool

	scratch []byte
}

// NewSampleReader wraps r, decoding the given wire format. isIQ selects
// whether pairs of decoded values are packed into complex samples (cs16,
// cf32) or not; for the real single-channel formats isIQ is ignored.
func NewSampleReader(r io.Reader, format SampleFormat) (*SampleReader, error) {
	switch format {
	case FormatU8, FormatS8, FormatU16, FormatS16, FormatCS16, FormatF32, FormatCF32, FormatF64:
	default:
		return nil, fmt.Errorf("unrecognised sample format %q", format)
	}
	isIQ := format == FormatCS16 || format == FormatCF32
	return &SampleReader{r: r, format: format, isIQ: isIQ}, nil
}

// bytesPerSample is the wire size of a single decoded value (or, for
// interleaved I/Q formats, of one I or Q component).
func (sr *SampleReader) bytesPerSample() int {
	switch sr.format {
	case FormatU8, FormatS8:
		return 1
	case FormatU16, FormatS16, FormatCS16:
		return 2
	case FormatF32, FormatCF32:
		return 4
	case FormatF64:
		return 8
	}
	return 0
}

// u8ToF32 is a precomputed offset-binary-to-float LUT for the u8 hot
// path.
var u8ToF32 [256]float32

func init() {
	for i := 0; i < 256; i++ {
		signed := int8(byte(i) ^ 0x80)
		u8ToF32[i] = float32(signed) / 128.0
	}
}

// ReadReal fills out with decoded real samples (format must not be an I/Q format).
func (sr *SampleReader) ReadReal(out []float32) error {
	if sr.isIQ {
		return fmt.Errorf("format %q is an I/Q format; use ReadIQ", sr.format)
	}
	raw, err := sr.readRaw(len(out))
	if err != nil {
		return err
	}
	sr.decodeReal(raw, out)
	return nil
}

// ReadIQ fills out with decoded complex samples, consuming 2*len(out) scalar values.
func (sr *SampleReader) ReadIQ(out []complex64) error {
	if !sr.isIQ {
		return fmt.Errorf("format %q is not an I/Q format; use ReadReal", sr.format)
	}
	n := len(out) * 2
	raw, err := sr.readRaw(n)
	if err != nil {
		return err
	}
	flat := make([]float32, n)
	sr.decodeReal(raw, flat)
	for i := range out {
		out[i] = complex(flat[2*i], flat[2*i+1])
	}
	return nil
}

func (sr *SampleReader) readRaw(n int) ([]byte, error) {
	need := n * sr.bytesPerSample()
	if cap(sr.scratch) < need {
		sr.scratch = make([]byte, need)
	}
	raw := sr.scratch[:need]
	if _, err := io.ReadFull(sr.r, raw); err != nil {
		return nil, fmt.Errorf("UpstreamEnded: %w", err)
	}
	return raw, nil
}

// decodeReal converts raw wire bytes into out: 8-bit / 128, 16-bit /
// 32768, float types pass through, f64 narrows to f32. u8/u16 are
// offset-binary and are XORed to signed first.
func (sr *SampleReader) decodeReal(raw []byte, out []float32) {
	switch sr.format {
	case FormatU8:
		for i, b := range raw {
			out[i] = u8ToF32[b]
		}
	case FormatS8:
		for i, b := range raw {
			out[i] = float32(int8(b)) / 128.0
		}
	case FormatU16:
		for i := range out {
			v := binary.LittleEndian.Uint16(raw[2*i:])
			signed := int16(v ^ 0x8000)
			out[i] = float32(signed) / 32768.0
		}
	case FormatS16, FormatCS16:
		for i := range out {
			v := binary.LittleEndian.Uint16(raw[2*i:])
			out[i] = float32(int16(v)) / 32768.0
		}
	case FormatF32, FormatCF32:
		for i := range out {
			bits := binary.LittleEndian.Uint32(raw[4*i:])
			out[i] = math.Float32frombits(bits)
		}
	case FormatF64:
		for i := range out {
			bits := binary.LittleEndian.Uint64(raw[8*i:])
			out[i] = float32(math.Float64frombits(bits))
		}
	}
}
