// Package tts implements the sentence-split streaming text-to-speech
// adapter: an Engine synthesizes raw float32 waveforms for one sentence
// at a time, and Synthesizer stitches sentences together with
// inter-sentence silence, clips to [-1, 1], and converts to int16 PCM
// for the wire protocol.
package tts

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

// Chunk is one streamed TTS unit: (PCM int16 samples, sample rate,
// is_last flag). Zero-length chunks are only ever emitted to mark the
// final boundary, matching spec §3's TTS chunk definition.
type Chunk struct {
	Samples    []int16
	SampleRate int
	IsLast     bool
}

// Engine synthesizes one utterance of text into a float32 waveform for
// a single voice. Real implementations wrap a local or remote TTS
// engine; Synthesize should return audio for the whole input text
// without splitting it into sentences — sentence splitting is handled
// by Synthesizer.
type Engine interface {
	Synthesize(ctx context.Context, text string) (samples []float32, sampleRate int, err error)
	Name() string
}

// VoiceSet maps a language code to the Engine that synthesizes it.
type VoiceSet map[string]Engine

// Synthesizer performs sentence-split streaming synthesis per spec
// §4.17: split text into sentences, synthesize each via the engine for
// the resolved language, pad non-terminal sentences with
// sentence_silence seconds of silence, clip to [-1, 1], convert to
// int16, and yield chunks lazily via a callback.
type Synthesizer struct {
	voices          VoiceSet
	defaultLanguage string
	sentenceSilence float64
	fallback        *Synthesizer
}

// Config parameterizes a Synthesizer.
type Config struct {
	Voices          VoiceSet
	DefaultLanguage string
	SentenceSilence float64
}

// NewSynthesizer builds a Synthesizer. DefaultLanguage falls back to
// "en" and SentenceSilence to 0.2s if unset.
func NewSynthesizer(cfg Config) *Synthesizer {
	lang := cfg.DefaultLanguage
	if lang == "" {
		lang = "en"
	}
	silence := cfg.SentenceSilence
	if silence <= 0 {
		silence = 0.2
	}
	return &Synthesizer{
		voices:          cfg.Voices,
		defaultLanguage: lang,
		sentenceSilence: silence,
	}
}

// WithFallback chains a fallback Synthesizer used when this
// Synthesizer has no voice for the requested language. Chaining
// through the default language is forbidden: if next's default
// language equals this Synthesizer's default language, WithFallback
// panics, since it would recurse forever once both languages are
// unsupported. This mirrors spec §4.17's anti-recursion requirement.
func (s *Synthesizer) WithFallback(next *Synthesizer) *Synthesizer {
	if next != nil && next.defaultLanguage == s.defaultLanguage {
		panic("tts: fallback chain must not share a default language with its parent")
	}
	s.fallback = next
	return s
}

// ResolveVoice returns the Engine and effective language used for lang,
// falling back to the configured default language when lang is empty
// or has no matching voice.
func (s *Synthesizer) ResolveVoice(lang string) (Engine, string, bool) {
	if lang != "" {
		if e, ok := s.voices[lang]; ok {
			return e, lang, true
		}
	}
	if e, ok := s.voices[s.defaultLanguage]; ok {
		return e, s.defaultLanguage, true
	}
	return nil, "", false
}

// SynthesizeChunks splits text into sentences and streams a Chunk per
// sentence via emit, in order, stopping on the first error either from
// synthesis or from emit itself. If no voice can synthesize lang (and
// no fallback can either), an error is returned without emitting
// anything.
func (s *Synthesizer) SynthesizeChunks(ctx context.Context, text string, lang string, emit func(Chunk) error) error {
	engine, _, ok := s.ResolveVoice(lang)
	if !ok {
		if s.fallback != nil {
			return s.fallback.SynthesizeChunks(ctx, text, lang, emit)
		}
		return fmt.Errorf("tts: no voice available for language %q", lang)
	}

	sentences := splitSentences(text)
	if len(sentences) == 0 {
		return nil
	}

	for i, sentence := range sentences {
		isLast := i == len(sentences)-1

		samples, sampleRate, err := engine.Synthesize(ctx, strings.TrimSpace(sentence))
		if err != nil {
			return fmt.Errorf("tts: synthesize sentence %d: %w", i, err)
		}

		if len(samples) == 0 {
			if isLast {
				if err := emit(Chunk{SampleRate: sampleRate, IsLast: true}); err != nil {
					return err
				}
			}
			continue
		}

		if !isLast {
			silenceSamples := int(s.sentenceSilence * float64(sampleRate))
			samples = append(samples, make([]float32, silenceSamples)...)
		}

		if err := emit(Chunk{
			Samples:    toInt16Clipped(samples),
			SampleRate: sampleRate,
			IsLast:     isLast,
		}); err != nil {
			return err
		}
	}

	return nil
}

func toInt16Clipped(samples []float32) []int16 {
	out := make([]int16, len(samples))
	for i, s := range samples {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		out[i] = int16(s * 32767)
	}
	return out
}

var sentenceBoundary = regexp.MustCompile(`(?:[.!?])\s+`)

// splitSentences splits text on sentence-ending punctuation followed
// by whitespace, keeping the punctuation with the preceding sentence.
func splitSentences(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	var sentences []string
	last := 0
	locs := sentenceBoundary.FindAllStringIndex(text, -1)
	for _, loc := range locs {
		sentences = append(sentences, text[last:loc[0]+1])
		last = loc[1]
	}
	if last < len(text) {
		sentences = append(sentences, text[last:])
	}

	out := sentences[:0]
	for _, s := range sentences {
		if strings.TrimSpace(s) != "" {
			out = append(out, s)
		}
	}
	return out
}
