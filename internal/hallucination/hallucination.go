// Package hallucination implements the STT hallucination rejection
// filter: threshold checks plus a closed blocklist of known
// silence/noise transcription artifacts.
package hallucination

import (
	"fmt"
	"strings"
)

// phrases Whisper-class STT models commonly emit on silence or noise.
var phrases = map[string]struct{}{
	"thank you for watching":   {},
	"thanks for watching":      {},
	"subscribe to my channel":  {},
	"please subscribe":         {},
	"like and subscribe":       {},
	"see you in the next video": {},
	"see you next time":        {},
	"bye bye":                  {},
	"thank you":                {},
	"thanks for listening":     {},
	"the end":                  {},
	"you":                      {},
	"i'm sorry":                {},

	"danke fürs zuschauen":                       {},
	"danke für's zuschauen":                      {},
	"vielen dank fürs zuschauen":                 {},
	"bis zum nächsten mal":                       {},
	"tschüss":                                    {},
	"untertitel von stephanie geiges":            {},
	"untertitel der amara.org-community":         {},
	"untertitel im auftrag des zdf für funk":      {},
}

// Config holds the rejection thresholds (spec §6 "stt" group).
type Config struct {
	NoSpeechThreshold float64
	LogprobThreshold  float64
}

// Check returns (rejected, reason) for a transcript per spec §4.14.
func Check(text string, noSpeechProb, avgLogprob float64, cfg Config) (bool, string) {
	if noSpeechProb >= cfg.NoSpeechThreshold {
		return true, fmt.Sprintf("no_speech_prob=%.2f", noSpeechProb)
	}
	if avgLogprob < cfg.LogprobThreshold {
		return true, fmt.Sprintf("avg_logprob=%.2f", avgLogprob)
	}
	normalized := strings.TrimRight(strings.ToLower(strings.TrimSpace(text)), ".!?,")
	if _, known := phrases[normalized]; known {
		return true, "hallucination_blocklist"
	}
	return false, ""
}
