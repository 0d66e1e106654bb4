package serverpipeline

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/andi-zehan/voice-assistant/internal/llm"
	"github.com/andi-zehan/voice-assistant/internal/logging"
	"github.com/andi-zehan/voice-assistant/internal/metrics"
	"github.com/andi-zehan/voice-assistant/internal/session"
	"github.com/andi-zehan/voice-assistant/internal/stt"
	"github.com/andi-zehan/voice-assistant/internal/tts"
	"github.com/andi-zehan/voice-assistant/internal/wire"
)

// ── fakes ─────────────────────────────────────────────────────────

type writtenAudio struct {
	meta    any
	samples []int16
}

type fakeConn struct {
	mu          sync.Mutex
	frames      []wire.Frame
	pairedAudio [][]int16
	written     []any
	audio       []writtenAudio
	closed      bool
}

func (f *fakeConn) ReadFrame(ctx context.Context) (wire.Frame, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.frames) == 0 {
		return wire.Frame{}, io.EOF
	}
	fr := f.frames[0]
	f.frames = f.frames[1:]
	return fr, nil
}

func (f *fakeConn) ReadPairedAudio(ctx context.Context) ([]int16, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.pairedAudio) == 0 {
		return nil, errors.New("fakeConn: no paired audio queued")
	}
	a := f.pairedAudio[0]
	f.pairedAudio = f.pairedAudio[1:]
	return a, nil
}

func (f *fakeConn) WriteJSON(ctx context.Context, v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.written = append(f.written, v)
	return nil
}

func (f *fakeConn) WriteJSONThenAudio(ctx context.Context, meta any, samples []int16) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.written = append(f.written, meta)
	f.audio = append(f.audio, writtenAudio{meta: meta, samples: samples})
	return nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeConn) types() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.written))
	for _, v := range f.written {
		out = append(out, messageType(v))
	}
	return out
}

func messageType(v any) string {
	switch v.(type) {
	case wire.Status:
		return "status"
	case wire.STTRejected:
		return "stt_rejected"
	case wire.TTSAudioMeta:
		return "tts_audio"
	case wire.TTSDone:
		return "tts_done"
	case wire.Error:
		return "error"
	case wire.WarmupAck:
		return "warmup_ack"
	case wire.SessionCleared:
		return "session_cleared"
	default:
		return "unknown"
	}
}

func jsonFrame(t *testing.T, v any, typ string) wire.Frame {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return wire.Frame{Envelope: wire.Envelope{Type: typ}, JSON: data}
}

type fakeSTT struct {
	result stt.Transcript
	err    error
}

func (f *fakeSTT) Transcribe(ctx context.Context, pcm []int16, sampleRate int, language string) (stt.Transcript, error) {
	return f.result, f.err
}

type fakeLLM struct {
	result      llm.Result
	err         error
	warmupCalls int
	mu          sync.Mutex
}

func (f *fakeLLM) Chat(ctx context.Context, messages []llm.Message) (llm.Result, error) {
	return f.result, f.err
}

func (f *fakeLLM) Warmup(ctx context.Context) {
	f.mu.Lock()
	f.warmupCalls++
	f.mu.Unlock()
}

type fakeTTS struct {
	chunks  []tts.Chunk
	started chan struct{}
	pause   chan struct{}
	err     error
}

func (f *fakeTTS) SynthesizeChunks(ctx context.Context, text, lang string, emit func(tts.Chunk) error) error {
	if f.err != nil {
		return f.err
	}
	for i, c := range f.chunks {
		if err := emit(c); err != nil {
			return err
		}
		if i == 0 {
			if f.started != nil {
				close(f.started)
			}
			if f.pause != nil {
				<-f.pause
			}
		}
	}
	return nil
}

func newTestHandler(conn *fakeConn, sttEng STTEngine, llmEng LLMEngine, ttsEng TTSEngine) *Handler {
	return New(Config{
		AudioMismatchRejectRatio: 0.2,
		NoSpeechThreshold:        0.6,
		LogprobThreshold:         -1.0,
		DefaultLanguage:          "en",
		DrainTimeout:             time.Second,
	}, Deps{
		Conn:    conn,
		STT:     sttEng,
		LLM:     llmEng,
		TTS:     ttsEng,
		Session: session.New(20, 2000),
		Metrics: metrics.New(metrics.Config{Enabled: false}),
		Logger:  logging.NoOp{},
	})
}

func waitForPipelineDone(t *testing.T, h *Handler) {
	t.Helper()
	h.mu.Lock()
	done := h.pipelineDone
	h.mu.Unlock()
	if done == nil {
		t.Fatal("no pipeline in flight")
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("pipeline did not finish in time")
	}
}

// ── tests ─────────────────────────────────────────────────────────

func TestWakeSendsWarmupAckAndTriggersWarmup(t *testing.T) {
	conn := &fakeConn{}
	llmEng := &fakeLLM{}
	h := newTestHandler(conn, &fakeSTT{}, llmEng, &fakeTTS{})

	h.onWake(context.Background(), []byte(`{"type":"wake","score":0.92}`))

	time.Sleep(10 * time.Millisecond)
	llmEng.mu.Lock()
	calls := llmEng.warmupCalls
	llmEng.mu.Unlock()
	if calls != 1 {
		t.Fatalf("expected warmup called once, got %d", calls)
	}
	if len(conn.written) != 1 || messageType(conn.written[0]) != "warmup_ack" {
		t.Fatalf("expected a warmup_ack, got %v", conn.written)
	}
}

func TestUtteranceAudioHappyPathSendsOrderedMessages(t *testing.T) {
	conn := &fakeConn{pairedAudio: [][]int16{{1, 2, 3, 4}}}
	sttEng := &fakeSTT{result: stt.Transcript{Text: "hello there", Language: "en", AvgLogprob: -0.2, NoSpeechProb: 0.01}}
	llmEng := &fakeLLM{result: llm.Result{Text: "Hi! How can I help?"}}
	ttsEng := &fakeTTS{chunks: []tts.Chunk{
		{Samples: []int16{1, 1}, SampleRate: 22050, IsLast: false},
		{Samples: []int16{2, 2}, SampleRate: 22050, IsLast: true},
	}}
	h := newTestHandler(conn, sttEng, llmEng, ttsEng)

	meta := wire.NewUtteranceAudioMeta(16000, 4)
	data, _ := json.Marshal(meta)
	h.onUtteranceAudio(context.Background(), data)
	waitForPipelineDone(t, h)

	got := conn.types()
	want := []string{"status", "status", "status", "status", "status", "tts_audio", "tts_audio", "tts_done"}
	if len(got) != len(want) {
		t.Fatalf("got %v want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("message %d: got %s want %s (full: %v)", i, got[i], want[i], got)
		}
	}
	if len(conn.audio) != 2 {
		t.Fatalf("expected 2 tts audio frames, got %d", len(conn.audio))
	}
	if meta0 := conn.audio[0].meta.(wire.TTSAudioMeta); meta0.ChunkIndex != 0 {
		t.Fatalf("expected first chunk index 0, got %d", meta0.ChunkIndex)
	}
	if meta1 := conn.audio[1].meta.(wire.TTSAudioMeta); meta1.ChunkIndex != 1 || !meta1.IsLast {
		t.Fatalf("expected second chunk index 1 and is_last, got %+v", meta1)
	}
}

func TestEmptyTranscriptSendsSTTRejected(t *testing.T) {
	conn := &fakeConn{pairedAudio: [][]int16{{1, 2}}}
	sttEng := &fakeSTT{result: stt.Transcript{Text: "   "}}
	h := newTestHandler(conn, sttEng, &fakeLLM{}, &fakeTTS{})

	meta := wire.NewUtteranceAudioMeta(16000, 2)
	data, _ := json.Marshal(meta)
	h.onUtteranceAudio(context.Background(), data)
	waitForPipelineDone(t, h)

	if len(conn.written) < 1 {
		t.Fatal("expected at least one message")
	}
	rejected, ok := conn.written[len(conn.written)-1].(wire.STTRejected)
	if !ok || rejected.Reason != "empty_transcript" {
		t.Fatalf("expected stt_rejected(empty_transcript), got %v", conn.written[len(conn.written)-1])
	}
}

func TestHallucinationBlocklistRejectsTranscript(t *testing.T) {
	conn := &fakeConn{pairedAudio: [][]int16{{1, 2}}}
	sttEng := &fakeSTT{result: stt.Transcript{Text: "Thank you.", AvgLogprob: -0.1, NoSpeechProb: 0.01}}
	h := newTestHandler(conn, sttEng, &fakeLLM{}, &fakeTTS{})

	meta := wire.NewUtteranceAudioMeta(16000, 2)
	data, _ := json.Marshal(meta)
	h.onUtteranceAudio(context.Background(), data)
	waitForPipelineDone(t, h)

	last := conn.written[len(conn.written)-1]
	rejected, ok := last.(wire.STTRejected)
	if !ok || rejected.Reason != "hallucination_blocklist" {
		t.Fatalf("expected stt_rejected(hallucination_blocklist), got %v", last)
	}
}

func TestAudioSizeMismatchRejectsProtocolError(t *testing.T) {
	conn := &fakeConn{pairedAudio: [][]int16{{1, 2}}} // 2 samples actual
	h := newTestHandler(conn, &fakeSTT{}, &fakeLLM{}, &fakeTTS{})

	meta := wire.NewUtteranceAudioMeta(16000, 100) // declared 100, huge mismatch
	data, _ := json.Marshal(meta)
	h.onUtteranceAudio(context.Background(), data)

	time.Sleep(10 * time.Millisecond)
	if len(conn.written) != 1 {
		t.Fatalf("expected exactly one message, got %v", conn.written)
	}
	errMsg, ok := conn.written[0].(wire.Error)
	if !ok || errMsg.Code != wire.CodeProtocolAudioSizeMismatch {
		t.Fatalf("expected protocol_audio_size_mismatch error, got %v", conn.written[0])
	}
}

func TestBargeInCancelsInFlightPipelinePromptly(t *testing.T) {
	conn := &fakeConn{pairedAudio: [][]int16{{1, 2, 3, 4}}}
	sttEng := &fakeSTT{result: stt.Transcript{Text: "tell me a long story", AvgLogprob: -0.1, NoSpeechProb: 0.01}}
	llmEng := &fakeLLM{result: llm.Result{Text: "Once upon a time..."}}
	started := make(chan struct{})
	pause := make(chan struct{})
	ttsEng := &fakeTTS{
		chunks: []tts.Chunk{
			{Samples: []int16{1, 1}, SampleRate: 22050, IsLast: false},
			{Samples: []int16{2, 2}, SampleRate: 22050, IsLast: true},
		},
		started: started,
		pause:   pause,
	}
	h := newTestHandler(conn, sttEng, llmEng, ttsEng)

	meta := wire.NewUtteranceAudioMeta(16000, 4)
	data, _ := json.Marshal(meta)
	h.onUtteranceAudio(context.Background(), data)

	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("tts stream never started")
	}

	h.onBargeIn()
	close(pause)

	waitForPipelineDone(t, h)

	last := conn.written[len(conn.written)-1]
	done, ok := last.(wire.TTSDone)
	if !ok || !done.Cancelled {
		t.Fatalf("expected tts_done(cancelled=true), got %v", last)
	}
	if len(conn.audio) != 1 {
		t.Fatalf("expected only the first chunk to have been sent before cancellation, got %d", len(conn.audio))
	}
}

func TestFollowUpTimeoutClearsSessionAndAcknowledges(t *testing.T) {
	conn := &fakeConn{}
	h := newTestHandler(conn, &fakeSTT{}, &fakeLLM{}, &fakeTTS{})
	h.session.AddTurn(session.RoleUser, "hi")

	h.onFollowUpTimeout(context.Background())

	if len(h.session.History()) != 0 {
		t.Fatal("expected session history cleared")
	}
	if len(conn.written) != 1 {
		t.Fatalf("expected one message, got %v", conn.written)
	}
	if _, ok := conn.written[0].(wire.SessionCleared); !ok {
		t.Fatalf("expected session_cleared, got %v", conn.written[0])
	}
}

func TestLLMFailureSendsErrorThenApologyThenDone(t *testing.T) {
	conn := &fakeConn{pairedAudio: [][]int16{{1, 2}}}
	sttEng := &fakeSTT{result: stt.Transcript{Text: "hello", AvgLogprob: -0.1, NoSpeechProb: 0.01, Language: "en"}}
	llmEng := &fakeLLM{err: errors.New("upstream exploded")}
	ttsEng := &fakeTTS{chunks: []tts.Chunk{{Samples: []int16{1}, SampleRate: 22050, IsLast: true}}}
	h := newTestHandler(conn, sttEng, llmEng, ttsEng)

	meta := wire.NewUtteranceAudioMeta(16000, 2)
	data, _ := json.Marshal(meta)
	h.onUtteranceAudio(context.Background(), data)
	waitForPipelineDone(t, h)

	got := conn.types()
	foundError := false
	for _, ty := range got {
		if ty == "error" {
			foundError = true
		}
	}
	if !foundError {
		t.Fatalf("expected an error message in %v", got)
	}
	last := got[len(got)-1]
	if last != "tts_done" {
		t.Fatalf("expected pipeline to end with tts_done, got %v", got)
	}
	var errMsg wire.Error
	found := false
	for _, v := range conn.written {
		if e, ok := v.(wire.Error); ok {
			errMsg = e
			found = true
			break
		}
	}
	if !found {
		t.Fatalf("no error message found in %v", conn.written)
	}
	if errMsg.Stage != wire.ErrStageLLM || errMsg.Code != wire.CodePipelineLLMFailed {
		t.Fatalf("expected llm stage/code, got %+v", errMsg)
	}
	if errMsg.Message == "upstream exploded" {
		t.Fatal("raw exception text must never be echoed to the wire")
	}
}

func TestUnknownMessageTypeIsIgnoredGracefully(t *testing.T) {
	conn := &fakeConn{frames: []wire.Frame{
		jsonFrame(t, struct {
			Type string `json:"type"`
		}{Type: "mystery"}, "mystery"),
	}}
	h := newTestHandler(conn, &fakeSTT{}, &fakeLLM{}, &fakeTTS{})
	h.Run(context.Background())
	if len(conn.written) != 0 {
		t.Fatalf("expected no messages for an unknown type, got %v", conn.written)
	}
}
