package tts

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// WSEngine is a concrete Engine that synthesizes one voice over a
// persistent WebSocket connection: a JSON synthesis request followed by
// a stream of binary PCM frames terminated by a text "EOS" sentinel, or
// a text "ERR:" frame on failure. Grounded on the teacher's
// pkg/providers/tts/lokutor.go (connection reuse under a mutex,
// reconnect-on-error, binary-chunks-then-EOS framing), generalized from
// Lokutor's bespoke protocol to the local TTS backend's per-language
// voice endpoints.
type WSEngine struct {
	name       string
	url        string
	apiKey     string
	voice      string
	sampleRate int

	mu   sync.Mutex
	conn *websocket.Conn
}

// WSEngineConfig parameterizes a WSEngine.
type WSEngineConfig struct {
	Name       string // e.g. "piper-en"; used for error messages and logging
	URL        string // wss://host/path
	APIKey     string
	Voice      string
	SampleRate int
}

// NewWSEngine builds a WSEngine. SampleRate defaults to 22050 if unset.
func NewWSEngine(cfg WSEngineConfig) *WSEngine {
	sr := cfg.SampleRate
	if sr <= 0 {
		sr = 22050
	}
	return &WSEngine{
		name:       cfg.Name,
		url:        cfg.URL,
		apiKey:     cfg.APIKey,
		voice:      cfg.Voice,
		sampleRate: sr,
	}
}

func (e *WSEngine) Name() string { return e.name }

func (e *WSEngine) getConn(ctx context.Context) (*websocket.Conn, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.conn != nil {
		return e.conn, nil
	}

	u, err := url.Parse(e.url)
	if err != nil {
		return nil, fmt.Errorf("tts: parse %s url: %w", e.name, err)
	}
	if e.apiKey != "" {
		q := u.Query()
		q.Set("api_key", e.apiKey)
		u.RawQuery = q.Encode()
	}

	conn, _, err := websocket.Dial(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("tts: dial %s: %w", e.name, err)
	}
	e.conn = conn
	return conn, nil
}

type synthesizeRequest struct {
	Text       string `json:"text"`
	Voice      string `json:"voice"`
	SampleRate int    `json:"sample_rate"`
}

// Synthesize sends one synthesis request and accumulates the streamed
// PCM response into a single float32 waveform.
func (e *WSEngine) Synthesize(ctx context.Context, text string) ([]float32, int, error) {
	conn, err := e.getConn(ctx)
	if err != nil {
		return nil, 0, err
	}

	req := synthesizeRequest{Text: text, Voice: e.voice, SampleRate: e.sampleRate}
	if err := wsjson.Write(ctx, conn, req); err != nil {
		e.dropConn()
		return nil, 0, fmt.Errorf("tts: %s send request: %w", e.name, err)
	}

	var samples []float32
	for {
		msgType, payload, err := conn.Read(ctx)
		if err != nil {
			e.dropConn()
			return nil, 0, fmt.Errorf("tts: %s read: %w", e.name, err)
		}

		switch msgType {
		case websocket.MessageBinary:
			samples = append(samples, decodePCM16(payload)...)
		case websocket.MessageText:
			msg := string(payload)
			if msg == "EOS" {
				return samples, e.sampleRate, nil
			}
			if strings.HasPrefix(msg, "ERR:") {
				return nil, 0, fmt.Errorf("tts: %s synthesis error: %s", e.name, strings.TrimPrefix(msg, "ERR:"))
			}
		}
	}
}

func (e *WSEngine) dropConn() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.conn != nil {
		e.conn.Close(websocket.StatusAbnormalClosure, "tts engine error")
		e.conn = nil
	}
}

// Close releases the underlying connection, if any.
func (e *WSEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.conn == nil {
		return nil
	}
	err := e.conn.Close(websocket.StatusNormalClosure, "")
	e.conn = nil
	return err
}

func decodePCM16(data []byte) []float32 {
	n := len(data) / 2
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		v := int16(uint16(data[2*i]) | uint16(data[2*i+1])<<8)
		out[i] = float32(v) / 32768.0
	}
	return out
}
