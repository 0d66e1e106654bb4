// Package clientfsm implements the five-state client control loop:
// PASSIVE -> LISTENING -> WAITING -> SPEAKING -> FOLLOW_UP. It wires
// together wake detection, VAD/utterance segmentation, earcon cues,
// the server connection, and TTS chunk playback into one per-tick
// reactor, mirroring the original Python state machine's structure.
package clientfsm

import (
	"time"

	"github.com/andi-zehan/voice-assistant/internal/clientconn"
	"github.com/andi-zehan/voice-assistant/internal/earcon"
	"github.com/andi-zehan/voice-assistant/internal/logging"
	"github.com/andi-zehan/voice-assistant/internal/vad"
	"github.com/andi-zehan/voice-assistant/internal/wake"
	"github.com/andi-zehan/voice-assistant/internal/wire"
)

// State is one of the five client states.
type State string

const (
	StatePassive   State = "PASSIVE"
	StateListening State = "LISTENING"
	StateWaiting   State = "WAITING"
	StateSpeaking  State = "SPEAKING"
	StateFollowUp  State = "FOLLOW_UP"
)

// Capture is the audio source the machine polls each tick.
type Capture interface {
	NextFrame(timeout time.Duration) ([]int16, error)
	Healthy() bool
	MaybeRestart() bool
	DroppedFrames() int64
}

// EarconSink plays a rendered earcon waveform, blocking until finished
// or Stop is called — matching the player.Sink / audioio.Device contract.
type EarconSink interface {
	Play(samples []float32, sampleRate int)
	Stop()
}

// ChunkPlayer drives sequential TTS chunk playback.
type ChunkPlayer interface {
	StartStream()
	Enqueue(samples []int16, sampleRate int)
	FinishStream()
	Cancel()
	IsPlaying() bool
}

// Connection is the subset of clientconn.Conn the machine needs.
type Connection interface {
	SendWake(score float64)
	SendUtterance(samples []int16, sampleRate int)
	SendBargeIn()
	SendFollowUpTimeout()
	Recv() <-chan clientconn.Inbound
}

// Config mirrors the subset of the "vad"/"audio"/"earcon"/"conversation"
// configuration groups the state machine consumes.
type Config struct {
	SampleRate int

	BargeInEnabled    bool
	BargeInFrames     int
	BargeInGraceS     float64
	FollowUpGraceS    float64
	SpeechOnsetFrames int
	ListeningTimeoutS float64
	MaxUtteranceS     float64
	FollowUpWindowS   float64

	EarconVolume float64

	CaptureDropReportS float64
	ReconnectDelayS    float64
}

// Machine is the client-side reactor.
type Machine struct {
	cfg Config

	capture    Capture
	earcon     EarconSink
	vadDet     *vad.Detector
	utterance  *vad.UtteranceDetector
	wakeDet    wake.Detector
	conn       Connection
	chunkPlay  ChunkPlayer
	logger     logging.Logger

	now func() time.Time

	state              State
	running            bool
	followUpDeadline   time.Time
	followUpStart      time.Time

	bargeInCount      int
	speakingStartTime time.Time

	listeningStartTime time.Time
	listeningHardStart time.Time

	recentFrames    []frameRecord
	recentFramesMax int

	lastCaptureDropReport time.Time
	lastReconnectAttempt  time.Time
}

type frameRecord struct {
	frame    []int16
	isSpeech bool
}

// Deps bundles the Machine's external collaborators.
type Deps struct {
	Capture     Capture
	Earcon      EarconSink
	VAD         *vad.Detector
	Utterance   *vad.UtteranceDetector
	WakeDet     wake.Detector
	Conn        Connection
	ChunkPlayer ChunkPlayer
	Logger      logging.Logger
}

// New builds a Machine in the PASSIVE state.
func New(cfg Config, deps Deps) *Machine {
	logger := deps.Logger
	if logger == nil {
		logger = logging.NoOp{}
	}
	return &Machine{
		cfg:             cfg,
		capture:         deps.Capture,
		earcon:          deps.Earcon,
		vadDet:          deps.VAD,
		utterance:       deps.Utterance,
		wakeDet:         deps.WakeDet,
		conn:            deps.Conn,
		chunkPlay:       deps.ChunkPlayer,
		logger:          logger,
		now:             time.Now,
		state:           StatePassive,
		recentFramesMax: 25,
	}
}

// State returns the machine's current state.
func (m *Machine) State() State { return m.state }

// Stop ends the run loop.
func (m *Machine) Stop() { m.running = false }

// Run drives the per-tick reactor until Stop is called. It is meant to
// run on its own goroutine.
func (m *Machine) Run() {
	m.running = true
	for m.running {
		m.tick()
	}
}

// Tick runs a single iteration of the reactor loop; exported so tests
// can drive the machine deterministically without a background goroutine.
func (m *Machine) Tick() { m.tick() }

func (m *Machine) tick() {
	now := m.now()

	if m.cfg.CaptureDropReportS > 0 && now.Sub(m.lastCaptureDropReport).Seconds() >= m.cfg.CaptureDropReportS {
		m.reportCaptureDrops(now)
	}

	if !m.capture.Healthy() {
		m.tryReconnectAudio(now)
	}

	m.processServerMessages()

	frame, err := m.capture.NextFrame(50 * time.Millisecond)
	if err != nil {
		if m.state == StateFollowUp {
			m.checkFollowUpTimeout()
		}
		return
	}

	switch m.state {
	case StatePassive:
		m.handlePassive(frame)
	case StateListening:
		m.handleListening(frame)
	case StateWaiting:
		// handled entirely via server messages
	case StateSpeaking:
		m.handleSpeaking(frame)
	case StateFollowUp:
		m.handleFollowUp(frame)
	}
}

func (m *Machine) reportCaptureDrops(now time.Time) {
	m.lastCaptureDropReport = now
	dropped := m.capture.DroppedFrames()
	if dropped > 0 {
		m.logger.Warn("audio capture dropped frames", "count", dropped)
	}
}

func (m *Machine) tryReconnectAudio(now time.Time) {
	delay := m.cfg.ReconnectDelayS
	if delay <= 0 {
		delay = 1.0
	}
	if now.Sub(m.lastReconnectAttempt).Seconds() < delay {
		return
	}
	m.lastReconnectAttempt = now
	m.logger.Warn("audio device lost, attempting reconnect")

	if m.state != StatePassive {
		m.transition(StatePassive)
	}

	if m.capture.MaybeRestart() {
		m.logger.Info("audio device reconnected")
	} else {
		m.logger.Warn("reconnect failed, will retry", "retry_delay_s", delay)
	}
}

func (m *Machine) transition(next State) {
	m.logger.Info("state transition", "from", string(m.state), "to", string(next))
	m.state = next
}

// ── Server message processing ──────────────────────────────────────

func (m *Machine) processServerMessages() {
	for {
		select {
		case msg := <-m.conn.Recv():
			m.dispatchServerMessage(msg)
		default:
			return
		}
	}
}

func (m *Machine) dispatchServerMessage(msg clientconn.Inbound) {
	switch msg.Envelope.Type {
	case wire.TypeWarmupAck:
		m.logger.Debug("llm warmup acknowledged")

	case wire.TypeStatus:
		m.logger.Info("server status", "stage", envelopeStage(msg.JSON))

	case wire.TypeSTTRejected:
		m.logger.Info("stt rejected", "reason", envelopeReason(msg.JSON))
		m.enterFollowUp()

	case wire.TypeTTSAudio:
		m.onTTSAudio(msg)

	case wire.TypeTTSDone:
		cancelled := envelopeCancelled(msg.JSON)
		if !cancelled {
			m.chunkPlay.FinishStream()
		}
		if m.state == StateWaiting {
			m.enterFollowUp()
		}

	case wire.TypeSessionCleared:
		m.logger.Info("session cleared by server")

	case wire.TypeError:
		m.logger.Warn("server error", "stage", envelopeStage(msg.JSON), "message", envelopeMessage(msg.JSON))
		if m.state == StateWaiting {
			m.enterFollowUp()
		}
	}
}

func (m *Machine) onTTSAudio(msg clientconn.Inbound) {
	sampleRate, chunkIndex, isLast := ttsAudioMeta(msg.JSON)
	m.logger.Debug("tts chunk", "chunk_index", chunkIndex, "samples", len(msg.Audio), "sample_rate", sampleRate, "is_last", isLast)

	if m.state == StateWaiting {
		m.chunkPlay.StartStream()
		m.bargeInCount = 0
		m.speakingStartTime = m.now()
		m.transition(StateSpeaking)
	}

	m.chunkPlay.Enqueue(msg.Audio, sampleRate)

	if isLast {
		m.chunkPlay.FinishStream()
	}
}

// ── State handlers ──────────────────────────────────────────────────

func (m *Machine) handlePassive(frame []int16) {
	detected, score := m.wakeDet.Process(frame)
	if !detected {
		return
	}
	m.logger.Info("wake word detected", "score", score)
	m.wakeDet.Reset()

	m.playNamedEarcon(earcon.Wake)
	m.conn.SendWake(score)

	m.utterance.Reset()
	now := m.now()
	m.listeningStartTime = now
	m.listeningHardStart = now
	m.transition(StateListening)
}

func (m *Machine) handleListening(frame []int16) {
	now := m.now()

	maxUtterance := time.Duration(m.cfg.MaxUtteranceS * float64(time.Second))
	if maxUtterance > 0 && now.Sub(m.listeningHardStart) >= maxUtterance {
		if m.utterance.State() == vad.StateCollecting {
			m.logger.Warn("max utterance time reached, sending collected audio")
			audio := m.utterance.GetAudio()
			m.playNamedEarcon(earcon.Heard)
			m.sendUtterance(audio)
		} else {
			m.listeningTimedOut()
		}
		return
	}

	listeningTimeout := time.Duration(m.cfg.ListeningTimeoutS * float64(time.Second))
	if listeningTimeout > 0 && now.Sub(m.listeningStartTime) >= listeningTimeout {
		m.listeningTimedOut()
		return
	}

	isSpeech := m.vadDet.IsSpeech(frame)
	state := m.utterance.Process(frame, isSpeech)

	if m.utterance.State() == vad.StateCollecting {
		m.listeningStartTime = now
	}

	if state == vad.StateComplete {
		audio := m.utterance.GetAudio()
		m.playNamedEarcon(earcon.Heard)
		m.sendUtterance(audio)
	}
}

func (m *Machine) listeningTimedOut() {
	m.logger.Warn("listening timed out, no speech detected")
	m.playNamedEarcon(earcon.Goodbye)
	m.conn.SendFollowUpTimeout()
	m.transition(StatePassive)
}

func (m *Machine) sendUtterance(audio []int16) {
	m.conn.SendUtterance(audio, m.cfg.SampleRate)
	m.transition(StateWaiting)
}

func (m *Machine) handleSpeaking(frame []int16) {
	if !m.chunkPlay.IsPlaying() {
		m.enterFollowUp()
		return
	}

	if !m.cfg.BargeInEnabled {
		return
	}

	graceS := m.cfg.BargeInGraceS
	if m.now().Sub(m.speakingStartTime).Seconds() < graceS {
		return
	}

	isSpeech := m.vadDet.IsSpeech(frame)
	m.pushRecentFrame(frame, isSpeech)

	if !isSpeech {
		m.bargeInCount = 0
		return
	}

	m.bargeInCount++
	threshold := m.cfg.BargeInFrames
	if threshold <= 0 {
		threshold = 8
	}
	if m.bargeInCount < threshold {
		return
	}

	m.logger.Info("barge-in detected")
	m.chunkPlay.Cancel()
	m.conn.SendBargeIn()
	m.replayRecentFramesIntoUtterance()

	now := m.now()
	m.listeningStartTime = now
	m.listeningHardStart = now
	m.transition(StateListening)
}

func (m *Machine) handleFollowUp(frame []int16) {
	m.checkFollowUpTimeout()
	if m.state != StateFollowUp {
		return
	}

	isSpeech := m.vadDet.IsSpeech(frame)
	m.pushRecentFrame(frame, isSpeech)

	if m.now().Sub(m.followUpStart).Seconds() < m.cfg.FollowUpGraceS {
		return
	}

	if !isSpeech {
		m.bargeInCount = 0
		return
	}

	m.bargeInCount++
	onsetFrames := m.cfg.SpeechOnsetFrames
	if onsetFrames <= 0 {
		onsetFrames = 3
	}
	if m.bargeInCount < onsetFrames {
		return
	}

	m.logger.Info("follow-up speech detected")
	m.replayRecentFramesIntoUtterance()

	now := m.now()
	m.listeningStartTime = now
	m.listeningHardStart = now
	m.transition(StateListening)
}

func (m *Machine) replayRecentFramesIntoUtterance() {
	m.utterance.Reset()
	for _, rec := range m.recentFrames {
		m.utterance.Process(rec.frame, rec.isSpeech)
	}
	m.recentFrames = nil
	m.bargeInCount = 0
}

func (m *Machine) pushRecentFrame(frame []int16, isSpeech bool) {
	cp := make([]int16, len(frame))
	copy(cp, frame)
	m.recentFrames = append(m.recentFrames, frameRecord{frame: cp, isSpeech: isSpeech})
	if len(m.recentFrames) > m.recentFramesMax {
		m.recentFrames = m.recentFrames[1:]
	}
}

func (m *Machine) checkFollowUpTimeout() {
	if !m.now().Before(m.followUpDeadline) {
		m.conn.SendFollowUpTimeout()
		m.playNamedEarcon(earcon.Goodbye)
		m.transition(StatePassive)
	}
}

func (m *Machine) enterFollowUp() {
	windowS := m.cfg.FollowUpWindowS
	if windowS <= 0 {
		windowS = 7.0
	}
	m.followUpDeadline = m.now().Add(time.Duration(windowS * float64(time.Second)))
	m.bargeInCount = 0
	m.recentFrames = nil
	m.playNamedEarcon(earcon.Ready)
	m.followUpStart = m.now()
	m.transition(StateFollowUp)
}

func (m *Machine) playNamedEarcon(name string) {
	samples, err := earcon.Named(name, m.cfg.SampleRate, m.cfg.EarconVolume)
	if err != nil {
		m.logger.Warn("failed to render earcon", "name", name, "err", err)
		return
	}
	m.earcon.Play(samples, m.cfg.SampleRate)
}
