package main

import (
	"math"
	"math/cmplx"
)

// DemodulationMode selects the audio demodulation algorithm. FM covers
// the FM/FMC/NFM/NBFM/WBFM aliases at the config layer (see
// ParseDemodulationMode).
type DemodulationMode int

const (
	ModeUSB DemodulationMode = iota
	ModeLSB
	ModeAM
	ModeSAM
	ModeFM
)

func (m DemodulationMode) String() string {
	switch m {
	case ModeUSB:
		return "USB"
	case ModeLSB:
		return "LSB"
	case ModeAM:
		return "AM"
	case ModeSAM:
		return "SAM"
	case ModeFM:
		return "FM"
	}
	return "USB"
}

// ParseDemodulationMode parses a client mode string. FM, FMC, NFM, NBFM
// and WBFM all map to ModeFM.
func ParseDemodulationMode(s string) (DemodulationMode, bool) {
	switch s {
	case "USB":
		return ModeUSB, true
	case "LSB":
		return ModeLSB, true
	case "AM":
		return ModeAM, true
	case "SAM":
		return ModeSAM, true
	case "FM", "FMC", "NFM", "NBFM", "WBFM":
		return ModeFM, true
	}
	return 0, false
}

// amEnvelope writes the magnitude of each IQ sample into out.
func amEnvelope(iq []complex64, out []float32) {
	for i, v := range iq {
		out[i] = float32(math.Hypot(float64(real(v)), float64(imag(v))))
	}
}

// samDemod coherently demodulates against the narrowband carrier vector,
// normalising each carrier sample to unit magnitude first.
func samDemod(iq, carrier []complex64, out []float32) {
	const eps = 1e-6
	for i, v := range iq {
		c := carrier[i]
		mag := math.Hypot(float64(real(c)), float64(imag(c)))
		if mag < eps {
			mag = eps
		}
		unit := complex(float32(float64(real(c))/mag), float32(float64(imag(c))/mag))
		prod := complex128(v) * cmplx.Conj(complex128(unit))
		out[i] = float32(real(prod))
	}
}

// polarDiscriminatorFM demodulates FM via successive-sample phase
// difference, returning the final raw sample for continuity into the next
// block.
func polarDiscriminatorFM(iq []complex64, prev complex64, out []float32) complex64 {
	for i, v := range iq {
		d := complex128(v) * cmplx.Conj(complex128(prev))
		out[i] = float32(cmplx.Phase(d))
		prev = v
	}
	return prev
}

// floatToI16Centered converts float samples to centered 16-bit PCM:
// floor(x*mult + 32768.5) - 32768, clamped to the i16 range.
func floatToI16Centered(samples []float32, out []int16, mult float32) {
	for i, s := range samples {
		v := int32(math.Floor(float64(s*mult)+32768.5)) - 32768
		if v > 32767 {
			v = 32767
		} else if v < -32768 {
			v = -32768
		}
		out[i] = int16(v)
	}
}
