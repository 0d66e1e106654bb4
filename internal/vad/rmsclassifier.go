package vad

// RMSClassifier is a second, finer-grained RMS energy check used as the
// sub-frame SubFrameClassifier. No example repo in the retrieval pack
// vendors a WebRTC-VAD Go binding — the teacher's own RMSVAD
// (pkg/orchestrator/vad.go) reaches for the same simplification rather
// than a real sub-band speech model, so this package follows suit.
type RMSClassifier struct {
	Threshold float64
}

// IsSpeech reports whether subFrame's RMS energy clears Threshold.
// sampleRate is accepted to satisfy SubFrameClassifier but unused by a
// plain energy check.
func (c RMSClassifier) IsSpeech(subFrame []int16, sampleRate int) bool {
	return rms(subFrame) >= c.Threshold
}
