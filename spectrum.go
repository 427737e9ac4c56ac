package main

import (
	"fmt"
	"math/cmplx"

	"gonum.org/v1/gonum/dsp/fourier"
)

// SpectrumFrame is one windowed-FFT result from the spectrum engine: a
// full-resolution complex spectrum indexed on the runtime's convention (real
// input: positive frequencies only, bin 0 = basefreq; IQ input: full
// fftshifted spectrum, bin 0 = basefreq = frequency - sps/2), plus the
// sequence number the audio pipeline and waterfall pyramid both use for the
// half-overlap sign-correction rule.
type SpectrumFrame struct {
	FrameNum uint64
	Spectrum []complex64
}

// FftBackend performs the windowed forward transform that turns newly
// arrived samples into zero or more SpectrumFrames. A CPU implementation
// (CpuFft) is provided here; AccelBackend documents the contract an
// external GPU engine would need to satisfy in its place.
type FftBackend interface {
	PushReal(samples []float32) ([]SpectrumFrame, error)
	PushIQ(samples []complex64) ([]SpectrumFrame, error)
	FftResultSize() int
	// Normalize is the per-bin power normalisation factor
	// 1 / (fft_size * window_sum) applied before log-quantisation.
	Normalize() float64
}

// AccelBackend is the interface contract a GPU-resident spectrum engine
// would implement in place of CpuFft. No implementation is wired in this
// build; GPU support plugs in behind this interface.
type AccelBackend interface {
	FftBackend
	Close() error
}

// CpuFft is the CPU spectrum engine: an overlap-save buffer, a
// precomputed Hann window, and gonum's FFT, with 50% hop between
// successive windowed transforms.
type CpuFft struct {
	fftSize       int
	hop           int
	isReal        bool
	fftResultSize int

	window    []float32
	normalize float64

	pendingReal []float32
	pendingIQ   []complex64
	frameNum    uint64

	realFFT  *fourier.FFT
	cmplxFFT *fourier.CmplxFFT

	scratchReal []float64
	scratchIQ   []complex128
}

// NewCpuFft builds a spectrum engine for the given runtime parameters.
func NewCpuFft(fftSize int, isReal bool, fftResultSize int) (*CpuFft, error) {
	if fftSize <= 0 || fftSize&(fftSize-1) != 0 {
		return nil, fmt.Errorf("spectrum engine: fft_size must be a power of two, got %d", fftSize)
	}
	e := &CpuFft{
		fftSize:       fftSize,
		hop:           fftSize / 2,
		isReal:        isReal,
		fftResultSize: fftResultSize,
		window:        hannWindow(fftSize),
	}
	var windowSum float64
	for _, w := range e.window {
		windowSum += float64(w)
	}
	e.normalize = 1.0 / (float64(fftSize) * windowSum)
	if isReal {
		e.realFFT = fourier.NewFFT(fftSize)
		e.scratchReal = make([]float64, fftSize)
	} else {
		e.cmplxFFT = fourier.NewCmplxFFT(fftSize)
		e.scratchIQ = make([]complex128, fftSize)
	}
	return e, nil
}

func (e *CpuFft) FftResultSize() int { return e.fftResultSize }

func (e *CpuFft) Normalize() float64 { return e.normalize }

// PushReal implements FftBackend for real-valued input.
func (e *CpuFft) PushReal(samples []float32) ([]SpectrumFrame, error) {
	if !e.isReal {
		return nil, fmt.Errorf("spectrum engine configured for IQ input, got real samples")
	}
	e.pendingReal = append(e.pendingReal, samples...)

	var frames []SpectrumFrame
	for len(e.pendingReal) >= e.fftSize {
		frames = append(frames, e.transformReal(e.pendingReal[:e.fftSize]))
		e.pendingReal = e.pendingReal[e.hop:]
	}
	e.compactReal()
	return frames, nil
}

// PushIQ implements FftBackend for complex (I/Q) input.
func (e *CpuFft) PushIQ(samples []complex64) ([]SpectrumFrame, error) {
	if e.isReal {
		return nil, fmt.Errorf("spectrum engine configured for real input, got IQ samples")
	}
	e.pendingIQ = append(e.pendingIQ, samples...)

	var frames []SpectrumFrame
	for len(e.pendingIQ) >= e.fftSize {
		frames = append(frames, e.transformIQ(e.pendingIQ[:e.fftSize]))
		e.pendingIQ = e.pendingIQ[e.hop:]
	}
	e.compactIQ()
	return frames, nil
}

// compactReal copies the retained overlap back to the front of a fresh
// backing array once the slid-over slice has grown large, so the
// underlying array from append doesn't grow unbounded.
func (e *CpuFft) compactReal() {
	if cap(e.pendingReal) > 4*e.fftSize {
		fresh := make([]float32, len(e.pendingReal), 2*e.fftSize)
		copy(fresh, e.pendingReal)
		e.pendingReal = fresh
	}
}

func (e *CpuFft) compactIQ() {
	if cap(e.pendingIQ) > 4*e.fftSize {
		fresh := make([]complex64, len(e.pendingIQ), 2*e.fftSize)
		copy(fresh, e.pendingIQ)
		e.pendingIQ = fresh
	}
}

func (e *CpuFft) transformReal(window []float32) SpectrumFrame {
	for i, s := range window {
		e.scratchReal[i] = float64(s) * float64(e.window[i])
	}
	coeff := e.realFFT.Coefficients(nil, e.scratchReal)
	// coeff has fftSize/2+1 entries (DC..Nyquist); the runtime convention
	// keeps only the fft_result_size = fft_size/2 positive-frequency bins.
	spectrum := make([]complex64, e.fftResultSize)
	for i := 0; i < e.fftResultSize && i < len(coeff); i++ {
		spectrum[i] = complex64(coeff[i])
	}
	fn := e.frameNum
	e.frameNum++
	return SpectrumFrame{FrameNum: fn, Spectrum: spectrum}
}

func (e *CpuFft) transformIQ(window []complex64) SpectrumFrame {
	for i, s := range window {
		w := e.window[i]
		e.scratchIQ[i] = complex(float64(real(s))*float64(w), float64(imag(s))*float64(w))
	}
	coeff := e.cmplxFFT.Coefficients(nil, e.scratchIQ)
	// gonum's complex FFT returns natural order (0=DC, N/2=Nyquist,
	// N/2+1..N-1 negative frequencies). fftshift so index 0 is the most
	// negative frequency (basefreq = frequency - sps/2), matching the
	// runtime's IQ convention.
	n := len(coeff)
	half := n / 2
	spectrum := make([]complex64, e.fftResultSize)
	for i := 0; i < e.fftResultSize; i++ {
		src := (i + half) % n
		spectrum[i] = complex64(coeff[src])
	}
	fn := e.frameNum
	e.frameNum++
	return SpectrumFrame{FrameNum: fn, Spectrum: spectrum}
}

// powerOf returns |c|^2, used by the waterfall quantizer.
func powerOf(c complex64) float32 {
	m := cmplx.Abs(complex128(c))
	return float32(m * m)
}
