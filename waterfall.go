package main

import "math"

// WaterfallPyramid holds one spectrum frame's quantized power levels,
// from full resolution (level 0) down through downsampleLevels-1
// halvings, each level a run of int8 samples. MaxPower is the largest
// finite normalised bin power at level 0.
type WaterfallPyramid struct {
	FrameNum uint64
	Levels   [][]int8
	Offsets  []int
	MaxPower float32
}

// quantize implements the 8-bit log-power mapping
//
//	Q(p, o) = (10*log10(p + eps) + o) * 2 + brightnessOffset
//
// clamped to the int8 range. eps guards the log of an exactly-zero bin.
func quantize(p float64, powerOffset float64, brightnessOffset int32) int8 {
	const eps = 1e-30
	db := 10.0*math.Log10(p+eps) + powerOffset
	q := math.Round(db*2.0 + float64(brightnessOffset))
	if q > 127 {
		q = 127
	} else if q < -128 {
		q = -128
	}
	return int8(q)
}

// BuildPyramid quantizes a full-resolution spectrum into the base level
// and then iteratively halves it, averaging adjacent quantized samples in
// the int8 domain (not re-averaging the underlying power) for each
// subsequent level. normalize is the engine's 1/(fft_size*window_sum)
// factor; powerOffset is the level-0 quantiser shift (log2(fft_size) for
// a full-rate receiver).
func BuildPyramid(frameNum uint64, spectrum []complex64, normalize float64, powerOffset float64, brightnessOffset int32, downsampleLevels int) WaterfallPyramid {
	base := make([]int8, len(spectrum))
	var maxPower float64
	for i, c := range spectrum {
		p := float64(powerOf(c)) * normalize
		if !math.IsInf(p, 0) && !math.IsNaN(p) && p > maxPower {
			maxPower = p
		}
		base[i] = quantize(p, powerOffset, brightnessOffset)
	}

	levels := make([][]int8, downsampleLevels)
	offsets := make([]int, downsampleLevels)
	levels[0] = base

	cur := base
	offset := 0
	for lvl := 0; lvl < downsampleLevels; lvl++ {
		offsets[lvl] = offset
		offset += len(cur)
		if lvl+1 < downsampleLevels {
			next := make([]int8, len(cur)/2)
			for i := range next {
				avg := (int32(cur[2*i]) + int32(cur[2*i+1])) / 2
				next[i] = int8(avg)
			}
			levels[lvl+1] = next
			cur = next
		}
	}

	return WaterfallPyramid{FrameNum: frameNum, Levels: levels, Offsets: offsets, MaxPower: float32(maxPower)}
}

// Concat flattens all levels into one contiguous buffer in level order,
// the layout waterfall consumers slice by level offset.
func (p WaterfallPyramid) Concat() []int8 {
	total := 0
	for _, l := range p.Levels {
		total += len(l)
	}
	out := make([]int8, 0, total)
	for _, l := range p.Levels {
		out = append(out, l...)
	}
	return out
}

// LevelForWindow picks the pyramid level whose width is closest to
// minWaterfallFFT for a client's requested [l, r) window, returning the
// adjusted (level, l, r) scaled to that level's coordinate space.
func LevelForWindow(l, r, downsampleLevels, minWaterfallFFT, fftResultSize int) (level, newL, newR int, ok bool) {
	if l < 0 || r < 0 || l >= r {
		return 0, 0, 0, false
	}

	bestDiff := minWaterfallFFT * 2
	level = downsampleLevels - 1
	newL, newR = l, r

	lf, rf := float64(l), float64(r)
	for i := 0; i < downsampleLevels; i++ {
		sendSize := math.Abs((rf - lf) - float64(minWaterfallFFT))
		if int(sendSize) < bestDiff {
			bestDiff = int(sendSize)
			level = i
			newL = int(math.Round(lf))
			newR = int(math.Round(rf))
		}
		lf /= 2.0
		rf /= 2.0
	}

	if newL < 0 || newR <= newL {
		return 0, 0, 0, false
	}
	if newR > fftResultSize>>uint(level) {
		return 0, 0, 0, false
	}
	return level, newL, newR, true
}
