package main

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/dsp/fourier"
)

// AudioParams is the live, client-mutable tuning state for one audio
// session: passband window [L, R) around center M, demodulation mode,
// mute/squelch toggles, and AGC speed/override, all settable via
// ClientCommand.
type AudioParams struct {
	L              int32
	R              int32
	M              float64
	Demodulation   DemodulationMode
	Mute           bool
	SquelchEnabled bool
	AgcSpeed       AgcSpeed
	AgcAttackMs    *float32
	AgcReleaseMs   *float32
}

// scaledRelativeVariancePower computes the scaled relative variance of bin
// power used to drive the squelch state machine:
//
//	rv = Var(p) / Mean(p)^2
//	scaled = (rv - 1) * sqrt(n)
//
// using population variance via E[p^2] - E[p]^2, clamped non-negative.
// The statistic is scale-free, so absolute signal power never matters.
func scaledRelativeVariancePower(bins []complex64) float32 {
	n := len(bins)
	if n < 2 {
		return 0
	}

	var sumP, sumP2 float64
	for _, c := range bins {
		p := float64(powerOf(c))
		sumP += p
		sumP2 += p * p
	}

	invN := 1.0 / float64(n)
	mean := sumP * invN
	if mean <= 0 {
		return 0
	}

	variance := (sumP2 * invN) - (mean * mean)
	if variance < 0 {
		variance = 0
	}

	rv := variance / (mean * mean)
	return float32((rv - 1.0) * math.Sqrt(float64(n)))
}

// SquelchState is the hysteresis state machine gating audio output: opens
// immediately above 18, opens after 3 consecutive samples above 5
// (soft-open), closes after 10 consecutive samples below 2.
type SquelchState struct {
	wasEnabled bool
	open       bool
	lowHits    uint8
	closeHits  uint8
}

func NewSquelchState() SquelchState {
	return SquelchState{open: true}
}

func (s *SquelchState) resetClosed() {
	s.open = false
	s.lowHits = 0
	s.closeHits = 0
}

func (s *SquelchState) resetOpen() {
	s.open = true
	s.lowHits = 0
	s.closeHits = 0
}

// Update advances the state machine by one spectrum frame's scaled relative
// variance and returns whether audio should currently pass.
func (s *SquelchState) Update(enabled bool, scaledRelativeVariance float32) bool {
	if enabled && !s.wasEnabled {
		s.resetClosed()
	}
	if !enabled && s.wasEnabled {
		s.resetOpen()
	}
	s.wasEnabled = enabled
	if !enabled {
		return true
	}

	openNow := scaledRelativeVariance >= 18.0
	openSoft := scaledRelativeVariance >= 5.0

	if openNow {
		s.open = true
		s.lowHits = 0
		s.closeHits = 0
		return true
	}

	if !s.open {
		if openSoft {
			s.lowHits++
		} else {
			s.lowHits = 0
		}
		if s.lowHits >= 3 {
			s.open = true
			s.lowHits = 0
			s.closeHits = 0
		}
		return s.open
	}

	if scaledRelativeVariance < 2.0 {
		s.closeHits++
	} else {
		s.closeHits = 0
	}
	if s.closeHits >= 10 {
		s.resetClosed()
	}
	return s.open
}

// AudioPipeline demodulates one client's passband slice of the spectrum
// into FLAC-encoded CBOR audio packets: overlap-add half-hop demodulation,
// a DC blocker, a look-ahead AGC, and squelch gating.
type AudioPipeline struct {
	audioRate    int
	audioFFTSize int

	ifft     *fourier.CmplxFFT
	c2rFFT   *fourier.FFT
	scratchC []complex128

	bufIn        []complex128
	baseband     []complex128
	carrier      []complex128
	basebandPrev []complex128
	carrierPrev  []complex128
	real         []float64
	realPrev     []float64

	pcmFrameI16 []int16
	pcmFrameI32 []int32
	pcmAccum    []int32
	pcmOffset   int

	flacBlockSize int
	flacPwrSum    float32
	flacPwrFrames int

	dc  *DcBlocker
	agc *Agc

	fmPrev complex64

	Flac *FlacStreamEncoder

	lastAgcSpeed   AgcSpeed
	lastAgcAttack  *float32
	lastAgcRelease *float32

	squelch SquelchState
}

// NewAudioPipeline constructs a pipeline for the given audio sample rate
// and per-hop FFT size. FLAC blocks target ~20ms of audio, 8-aligned,
// clamped to [frameSamples, 8192].
func NewAudioPipeline(sampleRate, audioFFTSize int) (*AudioPipeline, error) {
	frameSamples := audioFFTSize / 2

	const targetBlockSec = 0.020
	minBlock := int(math.Ceil(float64(sampleRate) * targetBlockSec))
	if minBlock < 1 {
		minBlock = 1
	}
	flacBlockSize := frameSamples
	if minBlock > flacBlockSize {
		flacBlockSize = minBlock
	}
	flacBlockSize = ((flacBlockSize + 7) / 8) * 8
	if flacBlockSize < frameSamples {
		flacBlockSize = frameSamples
	}
	if flacBlockSize > 8192 {
		flacBlockSize = 8192
	}

	flac, err := NewFlacStreamEncoder(sampleRate, flacBlockSize)
	if err != nil {
		return nil, fmt.Errorf("audio pipeline: %w", err)
	}

	return &AudioPipeline{
		audioRate:    sampleRate,
		audioFFTSize: audioFFTSize,
		ifft:         fourier.NewCmplxFFT(audioFFTSize),
		c2rFFT:       fourier.NewFFT(audioFFTSize),
		scratchC:     make([]complex128, audioFFTSize),
		bufIn:        make([]complex128, audioFFTSize),
		baseband:     make([]complex128, audioFFTSize),
		carrier:      make([]complex128, audioFFTSize),
		basebandPrev: make([]complex128, frameSamples),
		carrierPrev:  make([]complex128, frameSamples),
		real:         make([]float64, audioFFTSize),
		realPrev:     make([]float64, frameSamples),
		pcmFrameI16:  make([]int16, frameSamples),
		pcmFrameI32:  make([]int32, frameSamples),
		pcmAccum:     make([]int32, 0, flacBlockSize*4),
		flacBlockSize: flacBlockSize,
		dc:            NewDcBlocker(DcBlockerDelay(sampleRate)),
		agc:           NewAgc(0.1, 100.0, 30.0, 100.0, float32(sampleRate)),
		Flac:          flac,
		lastAgcSpeed:  AgcSpeedDefault,
		squelch:       NewSquelchState(),
	}, nil
}

func (p *AudioPipeline) ResetAgc() { p.agc.Reset() }

func (p *AudioPipeline) resetForSquelchGate() {
	for i := range p.realPrev {
		p.realPrev[i] = 0
	}
	for i := range p.basebandPrev {
		p.basebandPrev[i] = 0
	}
	for i := range p.carrierPrev {
		p.carrierPrev[i] = 0
	}
	p.fmPrev = 0
	p.dc.Reset()
	p.agc.Reset()
	p.pcmAccum = p.pcmAccum[:0]
	p.pcmOffset = 0
	p.flacPwrSum = 0
	p.flacPwrFrames = 0
}

// Process demodulates one spectrum frame's worth of passband into zero or
// more CBOR-encoded AudioPacket byte slices. audioMidIdx is the receiver's
// full-resolution bin index for the passband center M's floor, used by the
// half-overlap sign-correction rule.
func (p *AudioPipeline) Process(spectrumSlice []complex64, frameNum uint64, params *AudioParams, isRealInput bool, audioMidIdx int32) ([][]byte, error) {
	var outPackets [][]byte
	if params.Mute {
		return outPackets, nil
	}

	scaledRV := scaledRelativeVariancePower(spectrumSlice)
	squelchOpen := p.squelch.Update(params.SquelchEnabled, scaledRV)
	if params.SquelchEnabled && !squelchOpen {
		p.resetForSquelchGate()
		return outPackets, nil
	}

	length := int32(len(spectrumSlice))
	audioMRel := int32(math.Floor(params.M)) - params.L

	mode := params.Demodulation
	n := int32(p.audioFFTSize)
	half := int32(p.audioFFTSize / 2)
	frameHalf := p.audioFFTSize / 2

	switch mode {
	case ModeUSB, ModeLSB:
		c2rLen := p.audioFFTSize/2 + 1
		for i := 0; i < c2rLen; i++ {
			p.bufIn[i] = 0
		}

		if mode == ModeUSB {
			copyL := max32(0, audioMRel)
			copyR := min32(length, audioMRel+n)
			if copyR >= copyL {
				for i := copyL; i < copyR; i++ {
					dst := int(i - audioMRel)
					if dst < c2rLen {
						p.bufIn[dst] = complex128(spectrumSlice[i])
					}
				}
			}
		} else {
			copyL := max32(0, audioMRel-n+1)
			copyR := min32(length, audioMRel+1)
			if copyR >= copyL {
				dst0 := int(audioMRel - copyR + 1)
				count := int(copyR - copyL)
				for k := 0; k < count; k++ {
					dst := dst0 + k
					if dst < c2rLen {
						p.bufIn[dst] = complex128(spectrumSlice[int(copyR)-1-k])
					}
				}
			}
		}

		for i := 0; i < c2rLen; i++ {
			p.scratchC[i] = p.bufIn[i]
		}
		// gonum's Sequence is unnormalized (FFTW backward convention), which
		// is exactly the convention the overlap-add reconstruction assumes.
		p.c2rFFT.Sequence(p.real, p.scratchC[:c2rLen])

		if mode == ModeLSB {
			reverseFloat64(p.real)
		}

		if frameNum%2 == 1 && ((audioMidIdx%2 == 0 && !isRealInput) || (audioMidIdx%2 != 0 && isRealInput)) {
			negateFloat64(p.real)
		}
		addFloat64(p.real[:frameHalf], p.realPrev)

	case ModeAM, ModeSAM, ModeFM:
		for i := range p.bufIn {
			p.bufIn[i] = 0
		}
		posCopyL := max32(0, audioMRel)
		posCopyR := min32(length, audioMRel+half)
		if posCopyR >= posCopyL {
			for i := posCopyL; i < posCopyR; i++ {
				dst := int(i - audioMRel)
				p.bufIn[dst] = complex128(spectrumSlice[i])
			}
		}
		negCopyL := max32(0, audioMRel-half+1)
		negCopyR := min32(length, audioMRel)
		if negCopyR >= negCopyL {
			for i := negCopyL; i < negCopyR; i++ {
				dst := int(n - (audioMRel - i))
				if dst < len(p.bufIn) {
					p.bufIn[dst] = complex128(spectrumSlice[i])
				}
			}
		}

		copy(p.baseband, p.bufIn)
		bb := p.ifft.Sequence(p.scratchC, p.baseband)
		copy(p.baseband, bb)

		copy(p.carrier, p.bufIn)
		cutoff := (500 * p.audioFFTSize) / p.audioRate
		if cutoff > p.audioFFTSize/2 {
			cutoff = p.audioFFTSize / 2
		}
		for i := cutoff; i < p.audioFFTSize-cutoff; i++ {
			p.carrier[i] = 0
		}
		cc := p.ifft.Sequence(p.scratchC, p.carrier)
		copy(p.carrier, cc)

		if frameNum%2 == 1 && ((audioMidIdx%2 == 0 && !isRealInput) || (audioMidIdx%2 != 0 && isRealInput)) {
			negateComplex128(p.baseband)
			negateComplex128(p.carrier)
		}

		addComplex128(p.baseband[:frameHalf], p.basebandPrev)
		addComplex128(p.carrier[:frameHalf], p.carrierPrev)

		baseband64 := toComplex64(p.baseband[:frameHalf])
		carrier64 := toComplex64(p.carrier[:frameHalf])
		real32 := make([]float32, frameHalf)

		switch mode {
		case ModeAM:
			amEnvelope(baseband64, real32)
		case ModeSAM:
			samDemod(baseband64, carrier64, real32)
		case ModeFM:
			p.fmPrev = polarDiscriminatorFM(baseband64, p.fmPrev, real32)
		}
		for i, v := range real32 {
			p.real[i] = float64(v)
		}
		for i := frameHalf; i < p.audioFFTSize; i++ {
			p.real[i] = 0
		}
	}

	copy(p.realPrev, p.real[frameHalf:p.audioFFTSize])
	copy(p.basebandPrev, p.baseband[frameHalf:p.audioFFTSize])
	copy(p.carrierPrev, p.carrier[frameHalf:p.audioFFTSize])

	p.applyAgcSettings(params)

	audioOut32 := make([]float32, frameHalf)
	for i := 0; i < frameHalf; i++ {
		audioOut32[i] = float32(p.real[i])
	}
	p.dc.RemoveDC(audioOut32)
	p.agc.Process(audioOut32)

	floatToI16Centered(audioOut32, p.pcmFrameI16, 32768.0)
	for i, s := range p.pcmFrameI16 {
		p.pcmFrameI32[i] = int32(s)
	}

	p.pcmAccum = append(p.pcmAccum, p.pcmFrameI32...)
	var pwrSum float32
	for _, c := range spectrumSlice {
		pwrSum += powerOf(c)
	}
	p.flacPwrSum += pwrSum
	p.flacPwrFrames++

	for {
		available := len(p.pcmAccum) - p.pcmOffset
		if available < p.flacBlockSize {
			break
		}
		end := p.pcmOffset + p.flacBlockSize
		block := p.pcmAccum[p.pcmOffset:end]
		blockI16 := make([]int16, len(block))
		for i, v := range block {
			blockI16[i] = int16(v)
		}
		flacBytes, err := p.Flac.EncodeBlock(blockI16)
		if err != nil {
			return nil, fmt.Errorf("audio pipeline encode block: %w", err)
		}
		p.pcmOffset = end

		if p.pcmOffset >= p.flacBlockSize*4 {
			p.pcmAccum = append(p.pcmAccum[:0], p.pcmAccum[p.pcmOffset:]...)
			p.pcmOffset = 0
		}

		frames := p.flacPwrFrames
		if frames < 1 {
			frames = 1
		}
		pwr := p.flacPwrSum / float32(frames)
		p.flacPwrSum = 0
		p.flacPwrFrames = 0

		// l/r report the slice bounds relative to the demod window, not
		// the absolute receiver bins.
		pkt := AudioPacket{
			FrameNum: frameNum,
			L:        0,
			M:        params.M,
			R:        int32(len(spectrumSlice)),
			Pwr:      pwr,
			Data:     flacBytes,
		}
		cborBytes, err := pkt.EncodeCBOR()
		if err != nil {
			return nil, fmt.Errorf("audio pipeline cbor encode: %w", err)
		}
		outPackets = append(outPackets, cborBytes)
	}

	return outPackets, nil
}

// applyAgcSettings updates the AGC's attack/release coefficients when the
// client's requested speed/override changes.
func (p *AudioPipeline) applyAgcSettings(params *AudioParams) {
	if p.lastAgcSpeed == params.AgcSpeed && floatPtrEq(p.lastAgcAttack, params.AgcAttackMs) && floatPtrEq(p.lastAgcRelease, params.AgcReleaseMs) {
		return
	}
	p.lastAgcSpeed = params.AgcSpeed
	p.lastAgcAttack = params.AgcAttackMs
	p.lastAgcRelease = params.AgcReleaseMs

	attackCoeff, releaseCoeff := AgcCoeffsForSpeed(params.AgcSpeed, params.AgcAttackMs, params.AgcReleaseMs, float32(p.audioRate))
	p.agc.SetAttackCoeff(attackCoeff)
	p.agc.SetReleaseCoeff(releaseCoeff)
}

func floatPtrEq(a, b *float32) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func max32(a, b int32) int32 {
	if a > b {
		return a
	}
	return b
}

func min32(a, b int32) int32 {
	if a < b {
		return a
	}
	return b
}

func reverseFloat64(a []float64) {
	for i, j := 0, len(a)-1; i < j; i, j = i+1, j-1 {
		a[i], a[j] = a[j], a[i]
	}
}

func negateFloat64(a []float64) {
	for i := range a {
		a[i] = -a[i]
	}
}

func addFloat64(a, b []float64) {
	for i := range a {
		a[i] += b[i]
	}
}

func negateComplex128(a []complex128) {
	for i := range a {
		a[i] = -a[i]
	}
}

func addComplex128(a, b []complex128) {
	for i := range a {
		a[i] += b[i]
	}
}

func toComplex64(a []complex128) []complex64 {
	out := make([]complex64, len(a))
	for i, v := range a {
		out[i] = complex64(v)
	}
	return out
}
