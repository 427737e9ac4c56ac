package main

import (
	"math"
	"math/cmplx"
	"testing"
)

func TestHannWindowShape(t *testing.T) {
	w := hannWindow(1024)
	if w[0] != 0 {
		t.Errorf("hann[0]: got %v, want 0", w[0])
	}
	mid := w[512]
	if math.Abs(float64(mid)-1.0) > 1e-6 {
		t.Errorf("hann[N/2]: got %v, want 1", mid)
	}
}

func TestCpuFftFrameCadence(t *testing.T) {
	const fftSize = 1024
	e, err := NewCpuFft(fftSize, true, fftSize/2)
	if err != nil {
		t.Fatal(err)
	}

	hop := fftSize / 2
	block := make([]float32, hop)

	// First half-frame: not enough for a full window yet.
	frames, err := e.PushReal(block)
	if err != nil {
		t.Fatal(err)
	}
	if len(frames) != 0 {
		t.Fatalf("expected no frame after %d samples, got %d", hop, len(frames))
	}

	// Second half-frame completes the first window; every following hop
	// produces exactly one more frame.
	for i := 0; i < 4; i++ {
		frames, err = e.PushReal(block)
		if err != nil {
			t.Fatal(err)
		}
		if len(frames) != 1 {
			t.Fatalf("push %d: expected 1 frame, got %d", i, len(frames))
		}
		if frames[0].FrameNum != uint64(i) {
			t.Errorf("push %d: frame_num got %d, want %d", i, frames[0].FrameNum, i)
		}
		if len(frames[0].Spectrum) != fftSize/2 {
			t.Errorf("spectrum length: got %d, want %d", len(frames[0].Spectrum), fftSize/2)
		}
	}
}

func TestCpuFftRealTonePeakBin(t *testing.T) {
	const fftSize = 1024
	const bin = 100
	e, err := NewCpuFft(fftSize, true, fftSize/2)
	if err != nil {
		t.Fatal(err)
	}

	samples := make([]float32, fftSize)
	for i := range samples {
		samples[i] = float32(math.Sin(2 * math.Pi * float64(bin) * float64(i) / fftSize))
	}
	frames, err := e.PushReal(samples)
	if err != nil {
		t.Fatal(err)
	}
	if len(frames) != 1 {
		t.Fatalf("expected 1 frame, got %d", len(frames))
	}

	peak := 0
	var peakMag float64
	for i, c := range frames[0].Spectrum {
		m := cmplx.Abs(complex128(c))
		if m > peakMag {
			peakMag = m
			peak = i
		}
	}
	if peak != bin {
		t.Errorf("peak bin: got %d, want %d", peak, bin)
	}
}

func TestCpuFftIQToneShiftedBin(t *testing.T) {
	const fftSize = 512
	const bin = 30
	e, err := NewCpuFft(fftSize, false, fftSize)
	if err != nil {
		t.Fatal(err)
	}

	// Complex exponential at +bin cycles lands at index half+bin after the
	// fftshift to basefreq-first ordering.
	samples := make([]complex64, fftSize)
	for i := range samples {
		phase := 2 * math.Pi * float64(bin) * float64(i) / fftSize
		samples[i] = complex(float32(math.Cos(phase)), float32(math.Sin(phase)))
	}
	frames, err := e.PushIQ(samples)
	if err != nil {
		t.Fatal(err)
	}
	if len(frames) != 1 {
		t.Fatalf("expected 1 frame, got %d", len(frames))
	}

	peak := 0
	var peakMag float64
	for i, c := range frames[0].Spectrum {
		m := cmplx.Abs(complex128(c))
		if m > peakMag {
			peakMag = m
			peak = i
		}
	}
	if want := fftSize/2 + bin; peak != want {
		t.Errorf("peak bin: got %d, want %d", peak, want)
	}
}

func TestCpuFftKindMismatch(t *testing.T) {
	e, _ := NewCpuFft(256, true, 128)
	if _, err := e.PushIQ(make([]complex64, 128)); err == nil {
		t.Error("PushIQ on a real engine should fail")
	}
	e2, _ := NewCpuFft(256, false, 256)
	if _, err := e2.PushReal(make([]float32, 128)); err == nil {
		t.Error("PushReal on an IQ engine should fail")
	}
}

func TestCpuFftNormalize(t *testing.T) {
	const fftSize = 1024
	e, _ := NewCpuFft(fftSize, true, fftSize/2)
	// Hann window sums to N/2, so normalize = 1/(N * N/2).
	want := 1.0 / (float64(fftSize) * float64(fftSize) / 2.0)
	if got := e.Normalize(); math.Abs(got-want)/want > 1e-6 {
		t.Errorf("normalize: got %v, want %v", got, want)
	}
}

func TestCpuFftRejectsBadSize(t *testing.T) {
	if _, err := NewCpuFft(1000, true, 500); err == nil {
		t.Error("expected error for non power-of-two size")
	}
}
