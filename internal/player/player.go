// Package player implements sequential playback of streamed TTS audio
// chunks: chunks are enqueued as they arrive over the wire and played
// back in order on a dedicated goroutine, with barge-in cancellation
// that stops playback and flushes the queue immediately.
package player

import (
	"sync"
	"time"

	"github.com/andi-zehan/voice-assistant/internal/logging"
)

// Sink plays one chunk of float32 PCM audio at the given sample rate,
// blocking until playback completes or ctx-equivalent cancellation
// (via Stop) cuts it short.
type Sink interface {
	Play(samples []float32, sampleRate int)
	Stop()
}

type chunk struct {
	samples    []float32
	sampleRate int
}

const queueCapacity = 100

// Player queues incoming TTS chunks and plays them sequentially.
// Enqueue may be called from any goroutine (typically the WebSocket
// receive loop); playback runs on a dedicated goroutine started by
// StartStream.
type Player struct {
	sink   Sink
	logger logging.Logger

	mu        sync.Mutex
	queue     chan *chunk
	cancelled bool
	playing   bool
	done      chan struct{}

	getTimeout time.Duration
}

// New builds a Player backed by sink.
func New(sink Sink, logger logging.Logger) *Player {
	if logger == nil {
		logger = logging.NoOp{}
	}
	return &Player{
		sink:       sink,
		logger:     logger,
		getTimeout: 10 * time.Second,
	}
}

// IsPlaying reports whether a stream is active (queued or playing).
func (p *Player) IsPlaying() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.playing
}

// StartStream prepares for a new TTS stream: resets cancellation,
// drains any leftover chunks from a prior stream, and starts the
// playback goroutine.
func (p *Player) StartStream() {
	p.mu.Lock()
	p.cancelled = false
	p.playing = true
	p.queue = make(chan *chunk, queueCapacity)
	done := make(chan struct{})
	p.done = done
	p.mu.Unlock()

	go p.playbackLoop(done)
}

// Enqueue adds an audio chunk to the playback queue, converting int16
// PCM to float32 in [-1, 1]. If cancelled, the chunk is silently
// dropped. If the queue is full, the chunk is dropped with a warning.
func (p *Player) Enqueue(samplesInt16 []int16, sampleRate int) {
	p.mu.Lock()
	cancelled := p.cancelled
	q := p.queue
	p.mu.Unlock()

	if cancelled || q == nil {
		return
	}

	f32 := make([]float32, len(samplesInt16))
	for i, s := range samplesInt16 {
		f32[i] = float32(s) / 32767.0
	}

	select {
	case q <- &chunk{samples: f32, sampleRate: sampleRate}:
	default:
		p.logger.Warn("chunk queue full, dropping TTS chunk")
	}
}

// FinishStream signals that all chunks for this stream have been
// enqueued by pushing the sentinel (nil chunk).
func (p *Player) FinishStream() {
	p.mu.Lock()
	q := p.queue
	p.mu.Unlock()
	if q == nil {
		return
	}
	select {
	case q <- nil:
	default:
	}
}

// Cancel stops playback immediately (barge-in): sets the cancelled
// flag, stops the sink, drains the queue, and pushes a sentinel to
// unblock the playback goroutine.
func (p *Player) Cancel() {
	p.mu.Lock()
	p.cancelled = true
	q := p.queue
	p.mu.Unlock()

	p.sink.Stop()

	if q == nil {
		return
	}
drain:
	for {
		select {
		case <-q:
		default:
			break drain
		}
	}
	select {
	case q <- nil:
	default:
	}
}

// WaitDone blocks until the current stream's playback goroutine exits
// or timeout elapses (0 means wait forever). Returns true if playback
// finished within the timeout.
func (p *Player) WaitDone(timeout time.Duration) bool {
	p.mu.Lock()
	done := p.done
	p.mu.Unlock()
	if done == nil {
		return true
	}
	if timeout <= 0 {
		<-done
		return true
	}
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

func (p *Player) playbackLoop(done chan struct{}) {
	defer func() {
		p.mu.Lock()
		p.playing = false
		p.mu.Unlock()
		close(done)
	}()

	p.mu.Lock()
	q := p.queue
	p.mu.Unlock()

	for {
		var item *chunk
		select {
		case item = <-q:
		case <-time.After(p.getTimeout):
			p.logger.Warn("chunk playback timed out waiting for next chunk")
			return
		}

		if item == nil {
			return
		}

		p.mu.Lock()
		cancelled := p.cancelled
		p.mu.Unlock()
		if cancelled {
			return
		}

		if len(item.samples) > 0 {
			p.sink.Play(item.samples, item.sampleRate)
		}

		p.mu.Lock()
		cancelled = p.cancelled
		p.mu.Unlock()
		if cancelled {
			return
		}
	}
}
