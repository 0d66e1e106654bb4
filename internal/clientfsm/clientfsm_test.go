package clientfsm

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/andi-zehan/voice-assistant/internal/clientconn"
	"github.com/andi-zehan/voice-assistant/internal/logging"
	"github.com/andi-zehan/voice-assistant/internal/vad"
	"github.com/andi-zehan/voice-assistant/internal/wire"
)

// ── fakes ─────────────────────────────────────────────────────────

type fakeCapture struct {
	mu      sync.Mutex
	frames  [][]int16
	healthy bool
}

func (f *fakeCapture) push(frame []int16) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, frame)
}

func (f *fakeCapture) NextFrame(timeout time.Duration) ([]int16, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.frames) == 0 {
		return nil, errors.New("no frame")
	}
	fr := f.frames[0]
	f.frames = f.frames[1:]
	return fr, nil
}

func (f *fakeCapture) Healthy() bool         { return true }
func (f *fakeCapture) MaybeRestart() bool    { return true }
func (f *fakeCapture) DroppedFrames() int64  { return 0 }

type fakeEarcon struct {
	played int
}

func (f *fakeEarcon) Play(samples []float32, sampleRate int) { f.played++ }
func (f *fakeEarcon) Stop()                                  {}

type fakeChunkPlayer struct {
	mu       sync.Mutex
	playing  bool
	cancelled bool
	started  int
}

func (f *fakeChunkPlayer) StartStream()                      { f.mu.Lock(); f.playing = true; f.started++; f.mu.Unlock() }
func (f *fakeChunkPlayer) Enqueue(samples []int16, sr int)   {}
func (f *fakeChunkPlayer) FinishStream()                     { f.mu.Lock(); f.playing = false; f.mu.Unlock() }
func (f *fakeChunkPlayer) Cancel()                           { f.mu.Lock(); f.playing = false; f.cancelled = true; f.mu.Unlock() }
func (f *fakeChunkPlayer) IsPlaying() bool                   { f.mu.Lock(); defer f.mu.Unlock(); return f.playing }

type fakeConn struct {
	recv          chan clientconn.Inbound
	wakeScores    []float64
	utterances    int
	bargeIns      int
	followUpTimes int
}

func newFakeConn() *fakeConn {
	return &fakeConn{recv: make(chan clientconn.Inbound, 10)}
}

func (f *fakeConn) SendWake(score float64)                        { f.wakeScores = append(f.wakeScores, score) }
func (f *fakeConn) SendUtterance(samples []int16, sampleRate int) { f.utterances++ }
func (f *fakeConn) SendBargeIn()                                  { f.bargeIns++ }
func (f *fakeConn) SendFollowUpTimeout()                          { f.followUpTimes++ }
func (f *fakeConn) Recv() <-chan clientconn.Inbound               { return f.recv }

type fakeWake struct {
	detectOn int // frame value that triggers detection
	resetCnt int
}

func (f *fakeWake) Process(frame []int16) (bool, float64) {
	if len(frame) > 0 && int(frame[0]) == f.detectOn {
		return true, 0.9
	}
	return false, 0.0
}
func (f *fakeWake) Reset() { f.resetCnt++ }

type fakeClassifier struct{}

func (fakeClassifier) IsSpeech(subFrame []int16, sampleRate int) bool {
	return len(subFrame) > 0 && subFrame[0] != 0
}

func newMachine(t *testing.T, capture *fakeCapture, conn *fakeConn, chunkPlayer *fakeChunkPlayer, wakeDet *fakeWake) (*Machine, *fakeEarcon) {
	t.Helper()
	earconSink := &fakeEarcon{}
	vadDet := vad.NewDetector(fakeClassifier{}, 16000, 2, 0.0)
	utterance := vad.NewUtteranceDetector(20, 2) // 20ms silence timeout, onset after 2 frames

	cfg := Config{
		SampleRate:        16000,
		BargeInEnabled:    true,
		BargeInFrames:     2,
		BargeInGraceS:     0,
		FollowUpGraceS:    0,
		SpeechOnsetFrames: 2,
		ListeningTimeoutS: 100,
		MaxUtteranceS:     100,
		FollowUpWindowS:   100,
		EarconVolume:      0.1,
	}

	m := New(cfg, Deps{
		Capture:     capture,
		Earcon:      earconSink,
		VAD:         vadDet,
		Utterance:   utterance,
		WakeDet:     wakeDet,
		Conn:        conn,
		ChunkPlayer: chunkPlayer,
		Logger:      logging.NoOp{},
	})
	return m, earconSink
}

func speechFrame() []int16    { return []int16{1, 1} }
func silenceFrame() []int16   { return []int16{0, 0} }

func TestWakeWordTransitionsPassiveToListening(t *testing.T) {
	capture := &fakeCapture{}
	capture.push([]int16{99})
	conn := newFakeConn()
	m, sink := newMachine(t, capture, conn, &fakeChunkPlayer{}, &fakeWake{detectOn: 99})

	m.Tick()

	if m.State() != StateListening {
		t.Fatalf("expected LISTENING, got %s", m.State())
	}
	if len(conn.wakeScores) != 1 {
		t.Fatalf("expected one wake message sent, got %d", len(conn.wakeScores))
	}
	if sink.played == 0 {
		t.Fatal("expected wake earcon to be played")
	}
}

func TestListeningCompletesUtteranceAndSendsIt(t *testing.T) {
	capture := &fakeCapture{}
	conn := newFakeConn()
	chunkPlayer := &fakeChunkPlayer{}
	m, _ := newMachine(t, capture, conn, chunkPlayer, &fakeWake{detectOn: 99})
	m.state = StateListening
	m.listeningStartTime = m.now()
	m.listeningHardStart = m.now()

	// two speech frames to reach onset (collecting), then silence frames
	// until the silence timeout (20ms) elapses.
	capture.push(speechFrame())
	capture.push(speechFrame())
	capture.push(silenceFrame())
	m.Tick()
	m.Tick()
	m.Tick()

	time.Sleep(25 * time.Millisecond)
	capture.push(silenceFrame())
	m.Tick()

	if conn.utterances != 1 {
		t.Fatalf("expected exactly one utterance sent, got %d", conn.utterances)
	}
	if m.State() != StateWaiting {
		t.Fatalf("expected WAITING after sending utterance, got %s", m.State())
	}
}

func TestTTSAudioWhileWaitingStartsSpeaking(t *testing.T) {
	capture := &fakeCapture{}
	capture.push([]int16{0})
	conn := newFakeConn()
	chunkPlayer := &fakeChunkPlayer{}
	m, _ := newMachine(t, capture, conn, chunkPlayer, &fakeWake{detectOn: 99})
	m.state = StateWaiting

	meta := wire.NewTTSAudioMeta(22050, 2, 0, false)
	data, _ := json.Marshal(meta)
	conn.recv <- clientconn.Inbound{Envelope: wire.Envelope{Type: wire.TypeTTSAudio}, JSON: data, Audio: []int16{1, 2}}

	m.Tick()

	if m.State() != StateSpeaking {
		t.Fatalf("expected SPEAKING, got %s", m.State())
	}
	if chunkPlayer.started != 1 {
		t.Fatalf("expected chunk player started once, got %d", chunkPlayer.started)
	}
}

func TestSpeakingEntersFollowUpWhenPlaybackFinishes(t *testing.T) {
	capture := &fakeCapture{}
	capture.push([]int16{0})
	conn := newFakeConn()
	chunkPlayer := &fakeChunkPlayer{playing: false}
	m, _ := newMachine(t, capture, conn, chunkPlayer, &fakeWake{detectOn: 99})
	m.state = StateSpeaking

	m.Tick()

	if m.State() != StateFollowUp {
		t.Fatalf("expected FOLLOW_UP, got %s", m.State())
	}
}

func TestFollowUpTimeoutReturnsToPassive(t *testing.T) {
	capture := &fakeCapture{}
	capture.push([]int16{0})
	conn := newFakeConn()
	m, _ := newMachine(t, capture, conn, &fakeChunkPlayer{}, &fakeWake{detectOn: 99})
	m.state = StateFollowUp
	m.followUpDeadline = m.now().Add(-time.Second) // already expired
	m.followUpStart = m.now().Add(-time.Second)

	m.Tick()

	if m.State() != StatePassive {
		t.Fatalf("expected PASSIVE after follow-up timeout, got %s", m.State())
	}
	if conn.followUpTimes != 1 {
		t.Fatalf("expected follow_up_timeout sent once, got %d", conn.followUpTimes)
	}
}

func TestBargeInCancelsPlaybackAndReturnsToListening(t *testing.T) {
	capture := &fakeCapture{}
	conn := newFakeConn()
	chunkPlayer := &fakeChunkPlayer{playing: true}
	m, _ := newMachine(t, capture, conn, chunkPlayer, &fakeWake{detectOn: 99})
	m.state = StateSpeaking
	m.speakingStartTime = m.now().Add(-time.Second) // past grace period

	capture.push(speechFrame())
	capture.push(speechFrame())
	m.Tick()
	m.Tick()

	if m.State() != StateListening {
		t.Fatalf("expected LISTENING after barge-in, got %s", m.State())
	}
	if !chunkPlayer.cancelled {
		t.Fatal("expected chunk player cancelled")
	}
	if conn.bargeIns != 1 {
		t.Fatalf("expected one barge_in sent, got %d", conn.bargeIns)
	}
}
