package main

import "math"

// hannWindow returns a periodic Hann window of the given size, matching
// gonum's convention of windowing before an N-point FFT.
func hannWindow(size int) []float32 {
	out := make([]float32, size)
	denom := float64(size)
	for i := range out {
		out[i] = float32(0.5 * (1.0 - math.Cos(2.0*math.Pi*float64(i)/denom)))
	}
	return out
}
