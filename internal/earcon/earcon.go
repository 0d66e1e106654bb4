// Package earcon generates short procedural sine-wave notification
// sounds used as acoustic cues by the client state machine.
package earcon

import (
	"fmt"
	"math"
)

const fadeDurationS = 0.02

// Generate produces a float32 PCM tone with a 20ms linear fade-in/fade-out
// envelope.
func Generate(frequency, durationS, volume float64, sampleRate int) []float32 {
	n := int(float64(sampleRate) * durationS)
	out := make([]float32, n)
	fadeLen := int(float64(sampleRate) * fadeDurationS)
	applyFade := fadeLen > 0 && fadeLen*2 < n

	for i := 0; i < n; i++ {
		t := float64(i) / float64(sampleRate)
		sample := math.Sin(2 * math.Pi * frequency * t)

		env := 1.0
		if applyFade {
			if i < fadeLen {
				env = float64(i) / float64(fadeLen)
			} else if i >= n-fadeLen {
				env = float64(n-1-i) / float64(fadeLen)
			}
		}
		out[i] = float32(sample * env * volume)
	}
	return out
}

// generateGlide renders a chirp from startFreq to endFreq over durationS,
// using cumulative phase so the instantaneous frequency sweeps linearly.
func generateGlide(startFreq, endFreq, durationS, volume float64, sampleRate int) []float32 {
	n := int(float64(sampleRate) * durationS)
	out := make([]float32, n)
	fadeLen := int(float64(sampleRate) * fadeDurationS)
	applyFade := fadeLen > 0 && fadeLen*2 < n

	phase := 0.0
	for i := 0; i < n; i++ {
		frac := float64(i) / float64(n)
		freq := startFreq + (endFreq-startFreq)*frac
		phase += 2 * math.Pi * freq / float64(sampleRate)
		sample := math.Sin(phase)

		env := 1.0
		if applyFade {
			if i < fadeLen {
				env = float64(i) / float64(fadeLen)
			} else if i >= n-fadeLen {
				env = float64(n-1-i) / float64(fadeLen)
			}
		}
		out[i] = float32(sample * env * volume)
	}
	return out
}

func silence(durationS float64, sampleRate int) []float32 {
	return make([]float32, int(float64(sampleRate)*durationS))
}

// Names of the five built-in earcons.
const (
	Wake    = "wake"
	Heard   = "heard"
	Ready   = "ready"
	Goodbye = "goodbye"
	Error   = "error"
)

// Named renders one of the five fixed-design earcons. Unknown names error.
func Named(name string, sampleRate int, volume float64) ([]float32, error) {
	switch name {
	case Wake:
		return Generate(880, 0.15, volume, sampleRate), nil

	case Heard:
		return Generate(440, 0.10, volume, sampleRate), nil

	case Ready:
		pip1 := Generate(660, 0.08, volume, sampleRate)
		gap := silence(0.04, sampleRate)
		pip2 := Generate(880, 0.08, volume, sampleRate)
		return concat(pip1, gap, pip2), nil

	case Goodbye:
		return generateGlide(880, 440, 0.20, volume, sampleRate), nil

	case Error:
		buzz1 := Generate(220, 0.08, volume, sampleRate)
		gap := silence(0.06, sampleRate)
		buzz2 := Generate(220, 0.08, volume, sampleRate)
		return concat(buzz1, gap, buzz2), nil

	default:
		return nil, fmt.Errorf("unknown earcon: %q", name)
	}
}

func concat(parts ...[]float32) []float32 {
	total := 0
	for _, p := range parts {
		total += len(p)
	}
	out := make([]float32, 0, total)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}
