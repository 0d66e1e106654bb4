// Package serverpipeline implements the per-connection server-side
// reactor: it dispatches incoming wire messages, runs the STT -> LLM ->
// TTS pipeline for each utterance, and reacts to barge-in and
// follow-up-timeout signals from the client.
package serverpipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/andi-zehan/voice-assistant/internal/llm"
	"github.com/andi-zehan/voice-assistant/internal/logging"
	"github.com/andi-zehan/voice-assistant/internal/metrics"
	"github.com/andi-zehan/voice-assistant/internal/session"
	"github.com/andi-zehan/voice-assistant/internal/stt"
	"github.com/andi-zehan/voice-assistant/internal/tts"
	"github.com/andi-zehan/voice-assistant/internal/wire"
)

// WSConn is the subset of *wire.Conn the handler needs; an interface so
// tests can substitute an in-memory fake instead of a real socket.
type WSConn interface {
	WriteJSON(ctx context.Context, v any) error
	WriteJSONThenAudio(ctx context.Context, meta any, samples []int16) error
	ReadFrame(ctx context.Context) (wire.Frame, error)
	ReadPairedAudio(ctx context.Context) ([]int16, error)
	Close() error
}

// STTEngine transcribes a captured utterance.
type STTEngine interface {
	Transcribe(ctx context.Context, pcm []int16, sampleRate int, language string) (stt.Transcript, error)
}

// LLMEngine produces a chat completion and supports fire-and-forget warmup.
type LLMEngine interface {
	Chat(ctx context.Context, messages []llm.Message) (llm.Result, error)
	Warmup(ctx context.Context)
}

// TTSEngine streams synthesized audio chunks for a response.
type TTSEngine interface {
	SynthesizeChunks(ctx context.Context, text, lang string, emit func(tts.Chunk) error) error
}

// Config mirrors the subset of spec configuration groups this package consumes.
type Config struct {
	AudioMismatchRejectRatio float64
	NoSpeechThreshold        float64
	LogprobThreshold         float64
	DefaultLanguage          string
	DrainTimeout             time.Duration // default 30s
}

// errCancelled unwinds the TTS streaming loop promptly on barge-in.
var errCancelled = errors.New("serverpipeline: cancelled")

// Handler owns one WebSocket connection's reactor and in-flight pipeline.
type Handler struct {
	conn    WSConn
	stt     STTEngine
	llm     LLMEngine
	tts     TTSEngine
	session *session.Session
	metrics *metrics.Logger
	cfg     Config
	logger  logging.Logger

	writeMu sync.Mutex

	mu           sync.Mutex
	pipelineCtx  context.Context
	pipelineStop context.CancelFunc
	pipelineDone chan struct{}
}

// Deps bundles a Handler's external collaborators.
type Deps struct {
	Conn    WSConn
	STT     STTEngine
	LLM     LLMEngine
	TTS     TTSEngine
	Session *session.Session
	Metrics *metrics.Logger
	Logger  logging.Logger
}

// New builds a Handler for one connection.
func New(cfg Config, deps Deps) *Handler {
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 30 * time.Second
	}
	if cfg.DefaultLanguage == "" {
		cfg.DefaultLanguage = "en"
	}
	logger := deps.Logger
	if logger == nil {
		logger = logging.NoOp{}
	}
	return &Handler{
		conn:    deps.Conn,
		stt:     deps.STT,
		llm:     deps.LLM,
		tts:     deps.TTS,
		session: deps.Session,
		metrics: deps.Metrics,
		cfg:     cfg,
		logger:  logger,
	}
}

// Run drains frames from the connection until it closes or ctx is done,
// dispatching each to the appropriate handler. On exit it waits up to
// DrainTimeout for any in-flight pipeline before returning.
func (h *Handler) Run(ctx context.Context) {
	defer h.drainOnClose()

	for {
		frame, err := h.conn.ReadFrame(ctx)
		if err != nil {
			return
		}
		if frame.IsBinary {
			h.logger.Warn("unexpected binary frame outside utterance_audio pairing")
			continue
		}
		h.dispatch(ctx, frame)
	}
}

func (h *Handler) dispatch(ctx context.Context, frame wire.Frame) {
	switch frame.Envelope.Type {
	case wire.TypeWake:
		h.onWake(ctx, frame.JSON)
	case wire.TypeUtteranceAudio:
		h.onUtteranceAudio(ctx, frame.JSON)
	case wire.TypeBargeIn:
		h.onBargeIn()
	case wire.TypeFollowUpTimeout:
		h.onFollowUpTimeout(ctx)
	default:
		h.logger.Warn("unknown message type", "type", frame.Envelope.Type)
	}
}

func (h *Handler) onWake(ctx context.Context, data []byte) {
	var msg wire.Wake
	_ = decodeJSON(data, &msg)
	h.metrics.Log("wake_detected", map[string]any{"score": msg.Score})
	h.logger.Info("wake word detected", "score", msg.Score)

	go h.llm.Warmup(ctx)
	h.send(ctx, wire.NewWarmupAck())
}

func (h *Handler) onUtteranceAudio(ctx context.Context, data []byte) {
	var meta wire.UtteranceAudioMeta
	if err := decodeJSON(data, &meta); err != nil || meta.SampleRate <= 0 || meta.Samples < 0 {
		h.send(ctx, wire.NewError("malformed utterance_audio meta", wire.ErrStageProtocol, wire.CodeProtocolMalformedJSON))
		return
	}

	audio, err := h.conn.ReadPairedAudio(ctx)
	if err != nil {
		h.send(ctx, wire.NewError("expected binary audio frame after utterance_audio meta", wire.ErrStageProtocol, wire.CodeProtocolMissingBinary))
		h.metrics.Log("protocol_error", map[string]any{"reason": "missing_binary_frame"})
		return
	}

	declared := meta.Samples
	actual := len(audio)
	maxCount := declared
	if actual > maxCount {
		maxCount = actual
	}
	if maxCount > 0 {
		delta := declared - actual
		if delta < 0 {
			delta = -delta
		}
		ratio := float64(delta) / float64(maxCount)
		if ratio > h.cfg.AudioMismatchRejectRatio {
			h.send(ctx, wire.NewError("declared sample count does not match received audio", wire.ErrStageProtocol, wire.CodeProtocolAudioSizeMismatch))
			h.metrics.Log("protocol_error", map[string]any{"reason": "audio_size_mismatch", "declared": declared, "actual": actual})
			return
		}
		if delta != 0 {
			h.metrics.Log("audio_size_mismatch_accepted", map[string]any{"declared": declared, "actual": actual, "ratio": ratio})
		}
	}

	h.logger.Info("received utterance", "samples", actual, "declared", declared, "sample_rate", meta.SampleRate)

	h.cancelCurrentPipeline()

	pctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	h.mu.Lock()
	h.pipelineCtx = pctx
	h.pipelineStop = cancel
	h.pipelineDone = done
	h.mu.Unlock()

	go func() {
		defer close(done)
		defer cancel()
		h.runPipeline(pctx, audio, meta.SampleRate)
	}()
}

func (h *Handler) onBargeIn() {
	h.logger.Info("barge-in received")
	h.metrics.Log("barge_in", nil)
	h.mu.Lock()
	stop := h.pipelineStop
	h.mu.Unlock()
	if stop != nil {
		stop()
	}
}

func (h *Handler) onFollowUpTimeout(ctx context.Context) {
	h.logger.Info("follow-up timeout, clearing session")
	h.session.Clear()
	h.send(ctx, wire.NewSessionCleared())
}

// cancelCurrentPipeline stops and waits for any in-flight pipeline before
// a new utterance is processed, matching the "one pipeline at a time"
// invariant.
func (h *Handler) cancelCurrentPipeline() {
	h.mu.Lock()
	stop := h.pipelineStop
	done := h.pipelineDone
	h.mu.Unlock()
	if stop == nil {
		return
	}
	stop()
	select {
	case <-done:
	case <-time.After(h.cfg.DrainTimeout):
	}
}

// drainOnClose waits up to DrainTimeout for an in-flight pipeline to
// finish before the connection's goroutine returns, per spec §5.
func (h *Handler) drainOnClose() {
	h.mu.Lock()
	stop := h.pipelineStop
	done := h.pipelineDone
	h.mu.Unlock()
	if done == nil {
		return
	}
	select {
	case <-done:
	case <-time.After(h.cfg.DrainTimeout):
		if stop != nil {
			stop()
		}
	}
}

func (h *Handler) send(ctx context.Context, v any) {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	if err := h.conn.WriteJSON(ctx, v); err != nil {
		h.logger.Warn("write failed", "err", err)
	}
}

func (h *Handler) sendAudio(ctx context.Context, meta any, samples []int16) error {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	return h.conn.WriteJSONThenAudio(ctx, meta, samples)
}
