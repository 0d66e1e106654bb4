// Package clientconn implements the client-side WebSocket connection:
// a persistent link with exponential-backoff reconnect and a bounded
// offline outbox so outgoing control messages survive brief outages.
package clientconn

import (
	"context"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/andi-zehan/voice-assistant/internal/logging"
	"github.com/andi-zehan/voice-assistant/internal/wire"
)

// Dialer opens a new transport connection to url. Production code wires
// this to coder/websocket; tests supply an in-memory fake.
type Dialer func(ctx context.Context, url string) (*wire.Conn, error)

// Inbound is one fully-assembled message delivered to the consumer:
// either a bare control message, or a tts_audio meta paired with its
// decoded audio samples.
type Inbound struct {
	Envelope wire.Envelope
	JSON     []byte
	Audio    []int16
}

const (
	recvQueueCapacity = 500
	sendQueueCapacity = 1024
)

// Conn manages a single reconnecting WebSocket session per spec §4.8.
type Conn struct {
	url           string
	dial          Dialer
	reconnectMin  time.Duration
	reconnectMax  time.Duration
	logger        logging.Logger
	outbox        *Outbox
	sleep         func(time.Duration)

	recvCh chan Inbound
	sendCh chan Item

	mu        sync.Mutex
	running   bool
	connected bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// Config parameterizes a Conn.
type Config struct {
	URL              string
	Dial             Dialer
	ReconnectMinS    float64
	ReconnectMaxS    float64
	OutboxCapacity   int
	OutboxTTLSeconds float64
	Logger           logging.Logger
}

// New builds a Conn. Call Start to begin connecting.
func New(cfg Config) *Conn {
	minS := cfg.ReconnectMinS
	if minS <= 0 {
		minS = 1.0
	}
	maxS := cfg.ReconnectMaxS
	if maxS <= 0 {
		maxS = 30.0
	}
	ttl := cfg.OutboxTTLSeconds
	if ttl <= 0 {
		ttl = 5.0
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NoOp{}
	}

	return &Conn{
		url:          cfg.URL,
		dial:         cfg.Dial,
		reconnectMin: time.Duration(minS * float64(time.Second)),
		reconnectMax: time.Duration(maxS * float64(time.Second)),
		logger:       logger,
		outbox:       NewOutbox(cfg.OutboxCapacity, time.Duration(ttl*float64(time.Second))),
		sleep:        time.Sleep,
		recvCh:       make(chan Inbound, recvQueueCapacity),
		sendCh:       make(chan Item, sendQueueCapacity),
	}
}

// IsConnected reports whether the transport is currently live.
func (c *Conn) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Recv returns the channel of fully-assembled inbound messages.
func (c *Conn) Recv() <-chan Inbound { return c.recvCh }

// Start begins the background connect loop.
func (c *Conn) Start() {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return
	}
	c.running = true
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.mu.Unlock()

	c.wg.Add(1)
	go c.connectLoop(ctx)
}

// Stop terminates the background loop and closes any live connection.
func (c *Conn) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	cancel := c.cancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.wg.Wait()
}

// SendWake enqueues a wake message.
func (c *Conn) SendWake(score float64) {
	c.enqueueJSON(wire.NewWake(score))
}

// SendUtterance enqueues the utterance meta followed by its audio,
// preserving pairing order even across a disconnect.
func (c *Conn) SendUtterance(samples []int16, sampleRate int) {
	c.enqueueJSON(wire.NewUtteranceAudioMeta(sampleRate, len(samples)))
	c.enqueueBinary(wire.EncodeAudio(samples))
}

// SendBargeIn enqueues a barge-in notification.
func (c *Conn) SendBargeIn() {
	c.enqueueJSON(wire.NewBargeIn())
}

// SendFollowUpTimeout enqueues a follow-up-timeout notification.
func (c *Conn) SendFollowUpTimeout() {
	c.enqueueJSON(wire.NewFollowUpTimeout())
}

func (c *Conn) enqueueJSON(v any) {
	data, err := wire.EncodeJSON(v)
	if err != nil {
		c.logger.Error("failed to encode outgoing message", "err", err)
		return
	}
	c.enqueue(Item{Kind: ItemJSON, Data: data})
}

func (c *Conn) enqueueBinary(data []byte) {
	c.enqueue(Item{Kind: ItemBinary, Data: data})
}

func (c *Conn) enqueue(item Item) {
	c.mu.Lock()
	connected := c.connected
	c.mu.Unlock()

	if !connected {
		c.outbox.Push(item)
		return
	}

	select {
	case c.sendCh <- item:
	default:
		c.logger.Warn("send queue full, dropping outgoing frame")
	}
}

func (c *Conn) connectLoop(ctx context.Context) {
	defer c.wg.Done()
	backoff := c.reconnectMin

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		conn, err := c.dial(ctx, c.url)
		if err != nil {
			c.logger.Warn("connection failed, retrying", "err", err, "backoff_s", backoff.Seconds())
			if !c.waitBackoff(ctx, backoff) {
				return
			}
			backoff = nextBackoff(backoff, c.reconnectMax)
			continue
		}

		c.mu.Lock()
		c.connected = true
		c.mu.Unlock()
		backoff = c.reconnectMin

		c.runSession(ctx, conn)

		c.mu.Lock()
		c.connected = false
		c.mu.Unlock()

		select {
		case <-ctx.Done():
			return
		default:
		}
		if !c.waitBackoff(ctx, backoff) {
			return
		}
		backoff = nextBackoff(backoff, c.reconnectMax)
	}
}

func nextBackoff(cur, max time.Duration) time.Duration {
	next := cur * 2
	if next > max {
		next = max
	}
	return next
}

func (c *Conn) waitBackoff(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// runSession drains the outbox into the fresh connection, then runs the
// send and receive loops concurrently until either exits (error or
// cancellation), at which point the connection is closed.
func (c *Conn) runSession(ctx context.Context, conn *wire.Conn) {
	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer conn.Close()

	for _, item := range c.outbox.Drain() {
		if err := c.writeItem(sessionCtx, conn, item); err != nil {
			c.logger.Warn("failed draining outbox on reconnect", "err", err)
			return
		}
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		defer cancel()
		c.sendLoop(sessionCtx, conn)
	}()
	go func() {
		defer wg.Done()
		defer cancel()
		c.recvLoop(sessionCtx, conn)
	}()
	wg.Wait()
}

func (c *Conn) sendLoop(ctx context.Context, conn *wire.Conn) {
	for {
		select {
		case <-ctx.Done():
			return
		case item := <-c.sendCh:
			if err := c.writeItem(ctx, conn, item); err != nil {
				c.logger.Warn("send failed, reconnecting", "err", err)
				return
			}
		}
	}
}

func (c *Conn) writeItem(ctx context.Context, conn *wire.Conn, item Item) error {
	switch item.Kind {
	case ItemBinary:
		return conn.WriteBinary(ctx, item.Data)
	default:
		return conn.WS.Write(ctx, websocket.MessageText, item.Data)
	}
}

func (c *Conn) recvLoop(ctx context.Context, conn *wire.Conn) {
	var pending *wire.Envelope
	var pendingJSON []byte

	for {
		frame, err := conn.ReadFrame(ctx)
		if err != nil {
			c.logger.Warn("receive failed, reconnecting", "err", err)
			return
		}

		if frame.IsBinary {
			if pending == nil {
				c.logger.Warn("received unexpected binary frame without meta")
				continue
			}
			audio := wire.DecodeAudio(frame.Binary)
			c.deliver(Inbound{Envelope: *pending, JSON: pendingJSON, Audio: audio})
			pending = nil
			pendingJSON = nil
			continue
		}

		if frame.Envelope.Type == wire.TypeTTSAudio {
			env := frame.Envelope
			pending = &env
			pendingJSON = frame.JSON
			continue
		}

		c.deliver(Inbound{Envelope: frame.Envelope, JSON: frame.JSON})
	}
}

func (c *Conn) deliver(msg Inbound) {
	select {
	case c.recvCh <- msg:
	default:
		c.logger.Warn("recv queue full, dropping message", "type", msg.Envelope.Type)
	}
}
