package main

import "math"

// Agc is a single-stage look-ahead automatic gain control: a monotonic
// deque tracks the peak sample magnitude over the look-ahead window, gain
// reduction (attack) is applied instantly to avoid overshoot, gain
// recovery (release) is smoothed and held briefly ("hang") after a loud
// peak so speech syllables don't pump.
type Agc struct {
	desiredLevel float32
	attackCoeff  float32 // unused directly: attack is instantaneous, kept for parity/tests
	releaseCoeff float32
	lookAhead    int

	enabled bool
	gain    float32
	maxGain float32

	ring    []float32
	ringPos int
	filled  int

	maxDeque    []agcPeak
	sampleIndex int

	hangTime      int
	hangCounter   int
	hangThreshold float32
}

type agcPeak struct {
	idx int
	abs float32
}

// AgcSpeed selects an attack/release preset.
type AgcSpeed int

const (
	AgcSpeedOff AgcSpeed = iota
	AgcSpeedFast
	AgcSpeedMedium
	AgcSpeedDefault
	AgcSpeedSlow
	AgcSpeedCustom
)

// ParseAgcSpeed maps a client-supplied speed name to an AgcSpeed,
// defaulting to AgcSpeedDefault for anything unrecognised.
func ParseAgcSpeed(s string) AgcSpeed {
	switch s {
	case "off", "Off", "OFF":
		return AgcSpeedOff
	case "fast", "Fast", "FAST":
		return AgcSpeedFast
	case "medium", "Medium", "MEDIUM":
		return AgcSpeedMedium
	case "slow", "Slow", "SLOW":
		return AgcSpeedSlow
	case "custom", "Custom", "CUSTOM":
		return AgcSpeedCustom
	default:
		return AgcSpeedDefault
	}
}

// agcSpeedSeconds maps each non-custom preset to its attack/release time
// constant in seconds.
var agcSpeedSeconds = map[AgcSpeed][2]float32{
	AgcSpeedOff:     {0.0001, 0.0001},
	AgcSpeedFast:    {0.001, 0.05},
	AgcSpeedMedium:  {0.01, 0.15},
	AgcSpeedDefault: {0.003, 0.25},
	AgcSpeedSlow:    {0.05, 0.5},
}

// AgcCoeffsForSpeed computes the exponential attack/release coefficients
// for a speed preset at the given audio sample rate. Custom overrides are
// clamped to a 0.1ms floor and fall back to the Default pair when attack
// and release aren't both supplied.
func AgcCoeffsForSpeed(speed AgcSpeed, attackMs, releaseMs *float32, sampleRate float32) (attackCoeff, releaseCoeff float32) {
	var attackS, releaseS float32
	if speed == AgcSpeedCustom {
		if attackMs != nil && releaseMs != nil {
			attackS = float32(math.Max(float64(*attackMs)/1000.0, 0.0001))
			releaseS = float32(math.Max(float64(*releaseMs)/1000.0, 0.0001))
		} else {
			attackS, releaseS = 0.003, 0.25
		}
	} else if pair, ok := agcSpeedSeconds[speed]; ok {
		attackS, releaseS = pair[0], pair[1]
	} else {
		attackS, releaseS = 0.003, 0.25
	}

	attackCoeff = float32(1.0 - math.Exp(-1.0/float64(attackS*sampleRate)))
	releaseCoeff = float32(1.0 - math.Exp(-1.0/float64(releaseS*sampleRate)))
	return attackCoeff, releaseCoeff
}

// NewAgc builds an Agc for the given audio sample rate. lookaheadMs is
// typically 100ms.
func NewAgc(desiredLevel, attackMs, releaseMs, lookaheadMs, sampleRate float32) *Agc {
	lookAhead := int(math.Max(math.Round(float64(lookaheadMs*sampleRate/1000.0)), 1))

	attackCoeff := float32(1.0 - math.Exp(-1.0/float64(attackMs*0.001*sampleRate)))
	releaseCoeff := float32(1.0 - math.Exp(-1.0/float64(releaseMs*0.001*sampleRate)))

	return &Agc{
		desiredLevel:  desiredLevel,
		attackCoeff:   attackCoeff,
		releaseCoeff:  releaseCoeff,
		lookAhead:     lookAhead,
		enabled:       true,
		gain:          1.0,
		maxGain:       10.0,
		ring:          make([]float32, lookAhead),
		hangTime:      int(math.Max(math.Round(0.05*float64(sampleRate)), 1)),
		hangThreshold: 0.05,
	}
}

func (a *Agc) SetEnabled(enabled bool) {
	if a.enabled == enabled {
		return
	}
	a.enabled = enabled
	a.Reset()
}

func (a *Agc) IsEnabled() bool { return a.enabled }

func (a *Agc) SetAttackCoeff(c float32)  { a.attackCoeff = c }
func (a *Agc) SetReleaseCoeff(c float32) { a.releaseCoeff = c }

func (a *Agc) Reset() {
	a.gain = 1.0
	for i := range a.ring {
		a.ring[i] = 0
	}
	a.ringPos = 0
	a.filled = 0
	a.maxDeque = a.maxDeque[:0]
	a.sampleIndex = 0
	a.hangCounter = 0
}

// Process applies the AGC to samples in place.
func (a *Agc) Process(samples []float32) {
	if !a.enabled {
		return
	}
	for i, input := range samples {
		idx := a.sampleIndex
		a.sampleIndex++

		a.pushSample(idx, input)

		if a.filled < a.lookAhead {
			a.filled++
			if a.filled < a.lookAhead {
				samples[i] = 0
				continue
			}
		}

		delayed := a.ring[a.ringPos]
		peak := a.currentPeak()
		a.updateGain(peak)
		samples[i] = delayed * a.gain
	}
}

func (a *Agc) pushSample(idx int, sample float32) {
	abs := sample
	if abs < 0 {
		abs = -abs
	}

	for len(a.maxDeque) > 0 {
		back := a.maxDeque[len(a.maxDeque)-1]
		if back.abs <= abs {
			a.maxDeque = a.maxDeque[:len(a.maxDeque)-1]
		} else {
			break
		}
	}
	a.maxDeque = append(a.maxDeque, agcPeak{idx: idx, abs: abs})

	window := a.lookAhead
	for len(a.maxDeque) > 0 {
		front := a.maxDeque[0]
		if front.idx+window <= idx {
			a.maxDeque = a.maxDeque[1:]
		} else {
			break
		}
	}

	a.ring[a.ringPos] = sample
	a.ringPos++
	if a.ringPos >= len(a.ring) {
		a.ringPos = 0
	}
}

func (a *Agc) currentPeak() float32 {
	if len(a.maxDeque) == 0 {
		return 0
	}
	return a.maxDeque[0].abs
}

func (a *Agc) updateGain(peak float32) {
	if peak < 1e-12 {
		peak = 1e-12
	}

	if peak >= a.hangThreshold {
		a.hangCounter = a.hangTime
	} else if a.hangCounter > 0 {
		a.hangCounter--
	}

	target := a.desiredLevel / peak
	if target > a.maxGain {
		target = a.maxGain
	}

	if target <= a.gain {
		// Attack is effectively immediate; release remains smoothed below.
		a.gain = target
		return
	}

	if a.hangCounter > 0 {
		return
	}

	a.gain = a.gain + (target-a.gain)*a.releaseCoeff
}
