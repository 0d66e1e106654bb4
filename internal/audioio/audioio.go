// Package audioio wraps a duplex gen2brain/malgo audio device: the
// capture side downmixes, clips, and frames microphone audio into a
// ring buffer and a bounded frame queue; the playback side implements
// the player.Sink interface used by internal/player to drive streamed
// TTS audio out the speakers.
package audioio

import (
	"errors"
	"math"
	"sync"
	"time"

	"github.com/gen2brain/malgo"

	"github.com/andi-zehan/voice-assistant/internal/logging"
	"github.com/andi-zehan/voice-assistant/internal/ringbuffer"
)

// ErrFrameTimeout is returned by NextFrame when no frame arrives within
// the timeout, distinguishing "timed out" from "got an empty frame".
var ErrFrameTimeout = errors.New("audioio: no frame within timeout")

// Config parameterizes a Device.
type Config struct {
	SampleRate          int
	CaptureChannels     int // device channels; channel 0 is kept after downmix
	FrameQueueCapacity  int // default 200
	RingBufferSeconds   int
	RestartMinInterval  time.Duration // default 1s
	Logger              logging.Logger
}

// Device is a duplex audio I/O device: one malgo.Device shared between
// capture (mic -> ring buffer + frame queue) and playback (queued
// float32 samples -> speakers).
type Device struct {
	cfg    Config
	logger logging.Logger

	mctx   *malgo.AllocatedContext
	device *malgo.Device

	Ring *ringbuffer.RingBuffer

	frames  chan []int16
	dropped int64
	mu      sync.Mutex

	healthy      bool
	lastRestart  time.Time

	playback      []float32
	playbackMu    sync.Mutex
	playbackWake  chan struct{}
	playCancelled bool
}

// New opens the default duplex audio device and starts streaming.
func New(cfg Config) (*Device, error) {
	if cfg.FrameQueueCapacity <= 0 {
		cfg.FrameQueueCapacity = 200
	}
	if cfg.CaptureChannels <= 0 {
		cfg.CaptureChannels = 1
	}
	if cfg.RingBufferSeconds <= 0 {
		cfg.RingBufferSeconds = 30
	}
	if cfg.RestartMinInterval <= 0 {
		cfg.RestartMinInterval = time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NoOp{}
	}

	d := &Device{
		cfg:          cfg,
		logger:       logger,
		Ring:         ringbuffer.New(float64(cfg.RingBufferSeconds), cfg.SampleRate),
		frames:       make(chan []int16, cfg.FrameQueueCapacity),
		playbackWake: make(chan struct{}, 1),
		healthy:      true,
	}

	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, err
	}
	d.mctx = mctx

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Duplex)
	deviceConfig.Capture.Format = malgo.FormatF32
	deviceConfig.Capture.Channels = uint32(cfg.CaptureChannels)
	deviceConfig.Playback.Format = malgo.FormatF32
	deviceConfig.Playback.Channels = 1
	deviceConfig.SampleRate = uint32(cfg.SampleRate)

	device, err := malgo.InitDevice(mctx.Context, deviceConfig, malgo.DeviceCallbacks{
		Data: d.onSamples,
		Stop: d.onDeviceStop,
	})
	if err != nil {
		mctx.Uninit()
		return nil, err
	}
	d.device = device

	if err := device.Start(); err != nil {
		device.Uninit()
		mctx.Uninit()
		return nil, err
	}

	return d, nil
}

// Close stops and releases the device.
func (d *Device) Close() {
	if d.device != nil {
		d.device.Uninit()
	}
	if d.mctx != nil {
		d.mctx.Uninit()
	}
}

// Healthy reports whether the device is believed to be streaming.
func (d *Device) Healthy() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.healthy
}

// DroppedFrames returns and resets the count of frames dropped due to
// a full queue since the last call.
func (d *Device) DroppedFrames() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := d.dropped
	d.dropped = 0
	return n
}

// NextFrame blocks up to timeout for the next captured frame.
func (d *Device) NextFrame(timeout time.Duration) ([]int16, error) {
	select {
	case f := <-d.frames:
		return f, nil
	case <-time.After(timeout):
		return nil, ErrFrameTimeout
	}
}

// MaybeRestart attempts a device restart if unhealthy and the last
// attempt was more than RestartMinInterval ago. Returns whether a
// restart was attempted.
func (d *Device) MaybeRestart() bool {
	d.mu.Lock()
	if d.healthy || time.Since(d.lastRestart) < d.cfg.RestartMinInterval {
		d.mu.Unlock()
		return false
	}
	d.lastRestart = time.Now()
	d.mu.Unlock()

	if err := d.device.Start(); err != nil {
		d.logger.Warn("device restart failed", "err", err)
		return true
	}
	d.mu.Lock()
	d.healthy = true
	d.mu.Unlock()
	return true
}

// Play implements player.Sink: it queues samples for output and blocks
// until the device has drained them or Stop is called.
func (d *Device) Play(samples []float32, sampleRate int) {
	if sampleRate != d.cfg.SampleRate {
		samples = resample(samples, sampleRate, d.cfg.SampleRate)
	}

	d.playbackMu.Lock()
	d.playCancelled = false
	d.playback = samples
	d.playbackMu.Unlock()

	for {
		d.playbackMu.Lock()
		remaining := len(d.playback)
		cancelled := d.playCancelled
		d.playbackMu.Unlock()
		if remaining == 0 || cancelled {
			return
		}
		select {
		case <-d.playbackWake:
		case <-time.After(20 * time.Millisecond):
		}
	}
}

// Stop implements player.Sink: it cancels in-flight playback immediately.
func (d *Device) Stop() {
	d.playbackMu.Lock()
	d.playCancelled = true
	d.playback = nil
	d.playbackMu.Unlock()
}

// onDeviceStop fires when miniaudio stops the device on its own, such
// as on disconnection or a backend error, distinct from a Close we
// requested. MaybeRestart clears the flag once Start succeeds again.
func (d *Device) onDeviceStop() {
	d.mu.Lock()
	d.healthy = false
	d.mu.Unlock()
	d.logger.Warn("audio device stopped unexpectedly")
}

func (d *Device) onSamples(pOutput, pInput []byte, frameCount uint32) {
	if pInput != nil {
		frame := d.processCapture(pInput)
		d.Ring.Write(frame)
		select {
		case d.frames <- frame:
		default:
			d.mu.Lock()
			d.dropped++
			d.mu.Unlock()
		}
	}

	if pOutput != nil {
		d.fillPlayback(pOutput)
	}
}

// processCapture downmixes multi-channel float32 input to mono channel
// 0, clips to [-1, 1], and converts to int16.
func (d *Device) processCapture(pInput []byte) []int16 {
	channels := d.cfg.CaptureChannels
	bytesPerSample := 4
	frameStride := bytesPerSample * channels
	numFrames := len(pInput) / frameStride

	out := make([]int16, numFrames)
	for i := 0; i < numFrames; i++ {
		off := i * frameStride
		sample := bytesToFloat32(pInput[off : off+4])
		if sample > 1 {
			sample = 1
		} else if sample < -1 {
			sample = -1
		}
		out[i] = int16(sample * 32767)
	}
	return out
}

func (d *Device) fillPlayback(pOutput []byte) {
	numFrames := len(pOutput) / 4

	d.playbackMu.Lock()
	n := numFrames
	if n > len(d.playback) {
		n = len(d.playback)
	}
	chunk := d.playback[:n]
	d.playback = d.playback[n:]
	d.playbackMu.Unlock()

	for i, s := range chunk {
		putFloat32(pOutput[i*4:], s)
	}
	for i := len(chunk); i < numFrames; i++ {
		putFloat32(pOutput[i*4:], 0)
	}

	select {
	case d.playbackWake <- struct{}{}:
	default:
	}
}

func bytesToFloat32(b []byte) float32 {
	bits := uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
	return math.Float32frombits(bits)
}

func putFloat32(b []byte, v float32) {
	bits := math.Float32bits(v)
	b[0] = byte(bits)
	b[1] = byte(bits >> 8)
	b[2] = byte(bits >> 16)
	b[3] = byte(bits >> 24)
}

// resample performs simple linear-interpolation resampling, adequate
// for the modest rate differences between TTS engines and the device's
// fixed playback rate.
func resample(samples []float32, fromRate, toRate int) []float32 {
	if fromRate == toRate || len(samples) == 0 {
		return samples
	}
	ratio := float64(fromRate) / float64(toRate)
	outLen := int(float64(len(samples)) / ratio)
	out := make([]float32, outLen)
	for i := range out {
		srcPos := float64(i) * ratio
		idx := int(srcPos)
		frac := srcPos - float64(idx)
		if idx+1 < len(samples) {
			out[i] = samples[idx]*float32(1-frac) + samples[idx+1]*float32(frac)
		} else {
			out[i] = samples[len(samples)-1]
		}
	}
	return out
}
