package serverpipeline

import (
	"context"
	"strings"
	"time"

	"github.com/andi-zehan/voice-assistant/internal/hallucination"
	"github.com/andi-zehan/voice-assistant/internal/langdetect"
	"github.com/andi-zehan/voice-assistant/internal/llm"
	"github.com/andi-zehan/voice-assistant/internal/sanitize"
	"github.com/andi-zehan/voice-assistant/internal/session"
	"github.com/andi-zehan/voice-assistant/internal/tts"
	"github.com/andi-zehan/voice-assistant/internal/wire"
)

// runPipeline executes one utterance's STT -> LLM -> TTS sequence,
// emitting status/result messages in the order required by §5's
// ordering guarantee: status(stt_*) -> (stt_rejected | status(llm_*) ->
// tts_audio* -> tts_done).
func (h *Handler) runPipeline(ctx context.Context, audio []int16, sampleRate int) {
	start := time.Now()
	detectedLang := ""

	h.send(ctx, wire.NewStatus(wire.StageSTTStart))

	transcript, err := h.stt.Transcribe(ctx, audio, sampleRate, "")
	if err != nil {
		h.pipelineFailed(ctx, wire.ErrStageSTT, wire.CodePipelineSTTFailed, detectedLang, err)
		return
	}
	detectedLang = transcript.Language

	h.metrics.Log("stt_complete", map[string]any{
		"input_duration_s":  transcript.InputDurationS,
		"transcribe_time_s": transcript.TranscribeTimeS,
		"avg_logprob":       transcript.AvgLogprob,
		"no_speech_prob":    transcript.NoSpeechProb,
		"language":          detectedLang,
	})
	h.send(ctx, wire.NewStatus(wire.StageSTTComplete))

	if strings.TrimSpace(transcript.Text) == "" {
		h.logger.Info("empty transcript, rejecting")
		h.send(ctx, wire.NewSTTRejected("empty_transcript"))
		return
	}

	rejected, reason := hallucination.Check(transcript.Text, transcript.NoSpeechProb, transcript.AvgLogprob, hallucination.Config{
		NoSpeechThreshold: h.cfg.NoSpeechThreshold,
		LogprobThreshold:  h.cfg.LogprobThreshold,
	})
	if rejected {
		h.logger.Info("stt rejected", "reason", reason)
		h.metrics.Log("stt_rejected", map[string]any{"reason": reason, "text_chars": len(transcript.Text)})
		h.send(ctx, wire.NewSTTRejected(reason))
		return
	}

	// ── LLM ──────────────────────────────────────────────────────
	h.send(ctx, wire.NewStatus(wire.StageLLMStart))

	h.session.AddTurn(session.RoleUser, transcript.Text)
	prompt := systemPrompt(detectedLang)
	messages := buildMessages(prompt, turnsToMessages(h.session.HistoryWithoutLast()), transcript.Text)

	llmResult, err := h.llm.Chat(ctx, messages)
	if err != nil {
		h.pipelineFailed(ctx, wire.ErrStageLLM, wire.CodePipelineLLMFailed, detectedLang, err)
		return
	}

	rawText := llmResult.Text
	responseText := sanitize.Clean(rawText)
	if responseText != rawText {
		h.metrics.Log("llm_response_sanitized", map[string]any{
			"raw_chars":     len(rawText),
			"clean_chars":   len(responseText),
			"removed_chars": maxInt(0, len(rawText)-len(responseText)),
		})
	}

	h.metrics.Log("llm_complete", map[string]any{
		"ttft_s":   llmResult.TTFT.Seconds(),
		"elapsed_s": llmResult.Elapsed.Seconds(),
		"attempts": llmResult.Attempts,
	})
	h.send(ctx, wire.NewStatus(wire.StageLLMComplete))

	if strings.TrimSpace(responseText) == "" {
		h.logger.Info("empty llm response")
		h.send(ctx, wire.NewTTSDone(false))
		return
	}

	h.session.AddTurn(session.RoleAssistant, responseText)

	responseLang := langdetect.Detect(responseText, fallbackOr(detectedLang, h.cfg.DefaultLanguage))

	// ── TTS ──────────────────────────────────────────────────────
	ttsResult := h.streamTTS(ctx, responseText, responseLang, true)
	if ttsResult.err != nil {
		h.pipelineFailed(ctx, wire.ErrStageTTS, wire.CodePipelineTTSFailed, detectedLang, ttsResult.err)
		return
	}

	h.metrics.Log("tts_complete", map[string]any{
		"duration_s":     ttsResult.elapsed.Seconds(),
		"input_language": detectedLang,
		"voice_language": responseLang,
		"chunks":         ttsResult.chunkCount,
		"cancelled":      ttsResult.cancelled,
	})
	h.send(ctx, wire.NewTTSDone(ttsResult.cancelled))

	h.metrics.Log("interaction_complete", map[string]any{
		"total_elapsed_s": time.Since(start).Seconds(),
		"stt_time_s":      transcript.TranscribeTimeS,
		"llm_ttft_s":      llmResult.TTFT.Seconds(),
		"llm_total_s":     llmResult.Elapsed.Seconds(),
		"tts_time_s":      ttsResult.elapsed.Seconds(),
		"input_language":  detectedLang,
		"voice_language":  responseLang,
	})
}

type ttsStreamResult struct {
	chunkCount int
	cancelled  bool
	elapsed    time.Duration
	err        error
}

// streamTTS iterates synthesized chunks in order, sending each as a
// meta+binary pair with a strictly increasing chunk_index. It checks
// ctx for cancellation before every send so a barge-in aborts within
// the sub-second target even mid-stream.
func (h *Handler) streamTTS(ctx context.Context, text, lang string, announce bool) ttsStreamResult {
	if announce {
		h.send(ctx, wire.NewStatus(wire.StageTTSStart))
	}

	start := time.Now()
	chunkIndex := 0
	cancelled := false

	err := h.tts.SynthesizeChunks(ctx, text, lang, func(chunk tts.Chunk) error {
		if ctx.Err() != nil {
			cancelled = true
			return errCancelled
		}
		if len(chunk.Samples) == 0 && !chunk.IsLast {
			return nil
		}
		meta := wire.NewTTSAudioMeta(chunk.SampleRate, len(chunk.Samples), chunkIndex, chunk.IsLast)
		if err := h.sendAudio(ctx, meta, chunk.Samples); err != nil {
			return err
		}
		chunkIndex++
		return nil
	})
	var resultErr error
	if err != nil && err != errCancelled {
		resultErr = err
	}

	return ttsStreamResult{chunkCount: chunkIndex, cancelled: cancelled, elapsed: time.Since(start), err: resultErr}
}

// pipelineFailed emits the non-leaky error envelope, attempts to speak a
// localized apology, then closes out the stream with tts_done.
func (h *Handler) pipelineFailed(ctx context.Context, stage, code, lang string, cause error) {
	h.logger.Warn("pipeline error", "stage", stage, "err", cause)
	h.metrics.Log("pipeline_error", map[string]any{"stage": stage, "error": cause.Error()})
	h.send(ctx, wire.NewError("an internal error occurred", stage, code))

	if lang == "" {
		lang = h.cfg.DefaultLanguage
	}
	apology := apologyMessage(lang)

	cleanCtx := context.Background()
	h.streamTTS(cleanCtx, apology, lang, false)
	h.send(cleanCtx, wire.NewTTSDone(false))
}

func turnsToMessages(turns []session.Turn) []llm.Message {
	out := make([]llm.Message, len(turns))
	for i, t := range turns {
		out[i] = llm.Message{Role: t.Role, Content: t.Content}
	}
	return out
}

func fallbackOr(lang, def string) string {
	if lang == "" {
		return def
	}
	return lang
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
