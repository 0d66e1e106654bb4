// Package vad implements frame-level speech classification (energy gate
// plus a pluggable sub-frame detector) and the waiting/collecting/complete
// utterance segmentation state machine.
package vad

import "math"

// SubFrameClassifier classifies a fixed-size sub-frame of int16 PCM as
// speech or not, at a configured aggressiveness. This is the externally
// supplied detector (e.g. a WebRTC-VAD binding); this package only wraps
// it with an energy gate and sub-frame splitting.
type SubFrameClassifier interface {
	IsSpeech(subFrame []int16, sampleRate int) bool
}

// Config holds the tunables from the "vad" configuration group that this
// package consumes directly.
type Config struct {
	SampleRate        int
	FrameDurationMs    int
	EnergyThreshold    float64
	SilenceTimeoutMs   int
	SpeechOnsetFrames  int
}

// Detector applies an RMS energy gate before delegating to a sub-frame
// classifier, matching the original energy-gate-then-WebRTC-VAD pipeline.
type Detector struct {
	classifier      SubFrameClassifier
	sampleRate      int
	frameSize       int
	energyThreshold float64
}

// NewDetector builds a Detector. frameSize is the sub-frame size in
// samples matching the classifier's expected block size (e.g. 320
// samples for 20ms at 16kHz).
func NewDetector(classifier SubFrameClassifier, sampleRate, frameSize int, energyThreshold float64) *Detector {
	return &Detector{
		classifier:      classifier,
		sampleRate:      sampleRate,
		frameSize:       frameSize,
		energyThreshold: energyThreshold,
	}
}

// IsSpeech computes RMS energy for the whole frame; below threshold it
// short-circuits to non-speech. Otherwise it splits the frame into
// classifier-sized sub-frames and returns true if any sub-frame is
// classified as speech. A trailing partial sub-frame is discarded.
func (d *Detector) IsSpeech(frame []int16) bool {
	if rms(frame) < d.energyThreshold {
		return false
	}

	for offset := 0; offset+d.frameSize <= len(frame); offset += d.frameSize {
		if d.classifier.IsSpeech(frame[offset:offset+d.frameSize], d.sampleRate) {
			return true
		}
	}
	return false
}

func rms(frame []int16) float64 {
	if len(frame) == 0 {
		return 0
	}
	var sum float64
	for _, s := range frame {
		f := float64(s)
		sum += f * f
	}
	return math.Sqrt(sum / float64(len(frame)))
}
