package vad

import "time"

// State is one of the three utterance-segmentation states.
type State string

const (
	StateWaiting    State = "waiting"
	StateCollecting State = "collecting"
	StateComplete   State = "complete"
)

// UtteranceDetector tracks speech onset and end-of-utterance over a
// stream of frames. States only ever advance waiting -> collecting ->
// complete; Reset is the only way back to waiting.
type UtteranceDetector struct {
	silenceTimeout    time.Duration
	speechOnsetFrames int
	preBufferSize     int

	now func() time.Time

	state             State
	consecutiveSpeech int
	lastSpeechTime    time.Time
	chunks            [][]int16
	preBuffer         [][]int16
}

// NewUtteranceDetector builds a detector per spec §4.4: the pre-roll
// ring holds speechOnsetFrames+4 frames.
func NewUtteranceDetector(silenceTimeoutMs, speechOnsetFrames int) *UtteranceDetector {
	return &UtteranceDetector{
		silenceTimeout:    time.Duration(silenceTimeoutMs) * time.Millisecond,
		speechOnsetFrames: speechOnsetFrames,
		preBufferSize:     speechOnsetFrames + 4,
		now:               time.Now,
		state:             StateWaiting,
	}
}

// State returns the current state.
func (u *UtteranceDetector) State() State {
	return u.state
}

// Reset clears all collected/pre-roll audio and returns to waiting.
func (u *UtteranceDetector) Reset() {
	u.state = StateWaiting
	u.consecutiveSpeech = 0
	u.lastSpeechTime = time.Time{}
	u.chunks = nil
	u.preBuffer = nil
}

// SeedPreBuffer injects externally-buffered frames (e.g. from a
// barge-in or follow-up pre-roll ring) as if they had just arrived
// during "waiting", so the next speech frame can trigger onset using
// them as pre-roll.
func (u *UtteranceDetector) SeedPreBuffer(frames [][]int16) {
	for _, f := range frames {
		u.pushPreBuffer(f)
	}
}

func (u *UtteranceDetector) pushPreBuffer(frame []int16) {
	cp := make([]int16, len(frame))
	copy(cp, frame)
	u.preBuffer = append(u.preBuffer, cp)
	if len(u.preBuffer) > u.preBufferSize {
		u.preBuffer = u.preBuffer[1:]
	}
}

// Process feeds one frame (already classified as speech or not) and
// returns the resulting state.
func (u *UtteranceDetector) Process(frame []int16, isSpeech bool) State {
	now := u.now()

	if u.state == StateComplete {
		return u.state
	}

	if u.state == StateWaiting {
		u.pushPreBuffer(frame)
	}

	if isSpeech {
		u.consecutiveSpeech++
		u.lastSpeechTime = now

		if u.state == StateWaiting && u.consecutiveSpeech >= u.speechOnsetFrames {
			u.state = StateCollecting
			u.chunks = append(u.chunks, u.preBuffer...)
			u.preBuffer = nil
		} else if u.state == StateCollecting {
			cp := make([]int16, len(frame))
			copy(cp, frame)
			u.chunks = append(u.chunks, cp)
		}
	} else {
		u.consecutiveSpeech = 0

		if u.state == StateCollecting {
			cp := make([]int16, len(frame))
			copy(cp, frame)
			u.chunks = append(u.chunks, cp)

			if !u.lastSpeechTime.IsZero() && now.Sub(u.lastSpeechTime) >= u.silenceTimeout {
				u.state = StateComplete
			}
		}
	}

	return u.state
}

// GetAudio concatenates all collected frames into a single slice.
func (u *UtteranceDetector) GetAudio() []int16 {
	total := 0
	for _, c := range u.chunks {
		total += len(c)
	}
	out := make([]int16, 0, total)
	for _, c := range u.chunks {
		out = append(out, c...)
	}
	return out
}
