package wire

import (
	"context"
	"fmt"

	"github.com/coder/websocket"
)

// Conn wraps a coder/websocket connection with the pairing discipline
// this protocol requires: every audio-bearing JSON meta frame is
// immediately followed by exactly one binary frame.
type Conn struct {
	WS *websocket.Conn
}

// WriteJSON sends a JSON control frame.
func (c *Conn) WriteJSON(ctx context.Context, v any) error {
	data, err := EncodeJSON(v)
	if err != nil {
		return fmt.Errorf("encode json: %w", err)
	}
	return c.WS.Write(ctx, websocket.MessageText, data)
}

// WriteBinary sends a raw binary frame.
func (c *Conn) WriteBinary(ctx context.Context, data []byte) error {
	return c.WS.Write(ctx, websocket.MessageBinary, data)
}

// WriteJSONThenAudio sends a meta frame immediately followed by its
// paired binary PCM frame, preserving the pairing invariant.
func (c *Conn) WriteJSONThenAudio(ctx context.Context, meta any, samples []int16) error {
	if err := c.WriteJSON(ctx, meta); err != nil {
		return err
	}
	return c.WriteBinary(ctx, EncodeAudio(samples))
}

// Frame is one decoded inbound frame: either a JSON envelope with its
// raw bytes, or a binary payload.
type Frame struct {
	IsBinary bool
	Envelope Envelope
	JSON     []byte
	Binary   []byte
}

// ReadFrame reads a single frame and classifies it.
func (c *Conn) ReadFrame(ctx context.Context) (Frame, error) {
	msgType, data, err := c.WS.Read(ctx)
	if err != nil {
		return Frame{}, err
	}
	if msgType == websocket.MessageBinary {
		return Frame{IsBinary: true, Binary: data}, nil
	}
	env, err := DecodeEnvelope(data)
	if err != nil {
		return Frame{}, fmt.Errorf("%s: %w", CodeProtocolMalformedJSON, err)
	}
	return Frame{Envelope: env, JSON: data}, nil
}

// ReadPairedAudio reads the binary frame expected to immediately follow
// an audio-bearing meta frame. Per the pairing invariant, any other
// frame type here is a protocol violation.
func (c *Conn) ReadPairedAudio(ctx context.Context) ([]int16, error) {
	frame, err := c.ReadFrame(ctx)
	if err != nil {
		return nil, err
	}
	if !frame.IsBinary {
		return nil, fmt.Errorf("%s: expected binary frame, got %q", CodeProtocolMissingBinary, frame.Envelope.Type)
	}
	return DecodeAudio(frame.Binary), nil
}

// Close closes the underlying connection with a normal status.
func (c *Conn) Close() error {
	return c.WS.Close(websocket.StatusNormalClosure, "")
}
