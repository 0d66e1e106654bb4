package wake

import "math"

// EnergyScorer is an RMS-energy stand-in Scorer. The original client
// wraps openWakeWord, an ONNX model (original_source/client/wake/detector.py);
// no example repo in the retrieval pack vendors a Go ONNX runtime
// binding, so there is no library this package can wire the real model
// through. EnergyScorer normalizes frame RMS against Ceiling into a
// [0,1] confidence score, giving the client binary a concrete Scorer to
// run against a live microphone without a model file.
type EnergyScorer struct {
	// Ceiling is the RMS value (in int16 units) treated as full confidence.
	Ceiling float64
}

// NewEnergyScorer builds an EnergyScorer. ceiling defaults to 8000 if <= 0.
func NewEnergyScorer(ceiling float64) *EnergyScorer {
	if ceiling <= 0 {
		ceiling = 8000
	}
	return &EnergyScorer{Ceiling: ceiling}
}

func (s *EnergyScorer) Score(frame []int16) float64 {
	if len(frame) == 0 {
		return 0
	}
	var sum float64
	for _, v := range frame {
		f := float64(v)
		sum += f * f
	}
	r := math.Sqrt(sum / float64(len(frame)))
	score := r / s.Ceiling
	if score > 1 {
		score = 1
	}
	return score
}

// Reset is a no-op: EnergyScorer carries no state across frames.
func (s *EnergyScorer) Reset() {}
