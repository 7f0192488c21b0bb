// Package transport implements the resilient duplex WebSocket link between
// the bridge and the interview backend. Binary frames carry raw PCM16
// audio; text frames carry typed JSON control messages.
//
// The client reconnects automatically with exponential backoff and jitter.
// Messages sent while the socket is down are queued in arrival order and
// flushed strictly in order once the connection is re-established. After
// the reconnect budget is exhausted the client enters a terminal failed
// state and must be recreated to retry.
package transport

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/hirevox/voicebridge/internal/observe"
	"github.com/hirevox/voicebridge/internal/protocol"
)

// Channel buffer depths. Inbound audio is bursty (the backend synthesizes
// faster than real time), so the audio buffer is deep.
const (
	audioBuffer   = 256
	controlBuffer = 64
	stateBuffer   = 16
)

// ErrClosed is returned by send methods after [Client.Disconnect] or a
// terminal connectivity failure.
var ErrClosed = errors.New("transport: client closed")

// Conn is the subset of the websocket connection the client uses.
// It exists so tests can substitute an in-memory socket.
type Conn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, data []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// DialFunc opens a websocket connection to url.
type DialFunc func(ctx context.Context, url string) (Conn, error)

// wsDial is the production [DialFunc] backed by coder/websocket.
func wsDial(ctx context.Context, url string) (Conn, error) {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	// Inbound audio frames exceed the library's 32 KiB default when the
	// backend flushes a whole utterance at once.
	conn.SetReadLimit(1 << 20)
	return conn, nil
}

// outMessage is one queued outbound payload.
type outMessage struct {
	typ  websocket.MessageType
	data []byte
}

// Option configures a [Client].
type Option func(*Client)

// WithDialFunc replaces the websocket dialer. Used by tests.
func WithDialFunc(dial DialFunc) Option {
	return func(c *Client) {
		c.dial = dial
	}
}

// WithMetrics attaches observability instruments to the client.
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Client) {
		c.metrics = m
	}
}

// Client is the duplex transport session. Create one with [New], start it
// with [Client.Connect], and consume [Client.Audio] and [Client.Control].
// All exported methods are safe for concurrent use.
type Client struct {
	url     string
	policy  ReconnectPolicy
	dial    DialFunc
	metrics *observe.Metrics

	mu       sync.Mutex
	state    State
	queue    []outMessage // strict FIFO; drained only while connected
	attempts int
	lastErr  error

	queued  chan struct{} // signals the writer that the queue is non-empty
	audio   chan []byte
	control chan protocol.ServerMessage
	states  chan State

	done     chan struct{}
	stopOnce sync.Once
}

// New creates a client for the given backend URL. The client does not dial
// until [Client.Connect] is called.
func New(url string, policy ReconnectPolicy, opts ...Option) *Client {
	c := &Client{
		url:     url,
		policy:  policy.withDefaults(),
		dial:    wsDial,
		queued:  make(chan struct{}, 1),
		audio:   make(chan []byte, audioBuffer),
		control: make(chan protocol.ServerMessage, controlBuffer),
		states:  make(chan State, stateBuffer),
		done:    make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Connect starts the connection manager in a background goroutine. The
// first dial begins immediately; progress is observable via
// [Client.States]. Calling Connect more than once is undefined.
func (c *Client) Connect(ctx context.Context) {
	go c.run(ctx)
}

// Audio returns the channel of inbound binary audio frames. Closed when
// the client terminates.
func (c *Client) Audio() <-chan []byte { return c.audio }

// Control returns the channel of inbound typed control messages. Closed
// when the client terminates.
func (c *Client) Control() <-chan protocol.ServerMessage { return c.control }

// States returns a best-effort stream of state transitions. Slow consumers
// miss intermediate transitions, never the latest: poll [Client.State] for
// the authoritative value.
func (c *Client) States() <-chan State { return c.states }

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err returns the error that caused a terminal failure, or nil.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// SendAudio enqueues one binary PCM16 frame. A zero-length frame is a
// no-op. Returns [ErrClosed] after Disconnect or terminal failure.
func (c *Client) SendAudio(frame []byte) error {
	if len(frame) == 0 {
		return nil
	}
	return c.enqueue(outMessage{typ: websocket.MessageBinary, data: frame})
}

// SendControl enqueues one typed control message.
func (c *Client) SendControl(msg protocol.ClientMessage) error {
	data, err := msg.Encode()
	if err != nil {
		return err
	}
	return c.enqueue(outMessage{typ: websocket.MessageText, data: data})
}

// Disconnect terminates the client. No further reconnects are attempted
// and pending queued messages are discarded. Safe to call multiple times.
func (c *Client) Disconnect() error {
	c.stopOnce.Do(func() {
		close(c.done)
	})
	return nil
}

// enqueue appends m to the outbound FIFO queue and wakes the writer.
func (c *Client) enqueue(m outMessage) error {
	c.mu.Lock()
	if c.state == StateFailed || c.isDone() {
		c.mu.Unlock()
		return ErrClosed
	}
	c.queue = append(c.queue, m)
	depth := len(c.queue)
	c.mu.Unlock()

	select {
	case c.queued <- struct{}{}:
	default:
	}
	if c.metrics != nil {
		c.metrics.RecordQueueDepth(context.Background(), int64(depth))
	}
	return nil
}

// peek returns the head of the queue without removing it.
func (c *Client) peek() (outMessage, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.queue) == 0 {
		return outMessage{}, false
	}
	return c.queue[0], true
}

// dequeue removes the head of the queue. Called only after the head was
// written successfully, so a mid-write connection drop redelivers rather
// than loses the frame.
func (c *Client) dequeue() {
	c.mu.Lock()
	if len(c.queue) > 0 {
		c.queue = c.queue[1:]
	}
	c.mu.Unlock()
}

func (c *Client) isDone() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// setState records and broadcasts a state transition.
func (c *Client) setState(s State) {
	c.mu.Lock()
	if c.state == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	c.mu.Unlock()

	select {
	case c.states <- s:
	default:
	}
}

// run is the connection manager loop: dial, serve until the socket drops,
// back off, repeat. Exits on context cancellation, Disconnect, or
// exhaustion of the reconnect budget.
func (c *Client) run(ctx context.Context) {
	defer close(c.audio)
	defer close(c.control)

	for {
		if ctx.Err() != nil || c.isDone() {
			c.setState(StateDisconnected)
			return
		}

		c.setState(StateConnecting)
		conn, err := c.dial(ctx, c.url)
		if err == nil {
			c.mu.Lock()
			c.attempts = 0
			c.mu.Unlock()
			c.setState(StateConnected)
			slog.Info("transport: connected", "url", c.url)

			err = c.serve(ctx, conn)
			if ctx.Err() != nil || c.isDone() {
				c.setState(StateDisconnected)
				return
			}
			slog.Warn("transport: connection lost", "url", c.url, "err", err)
		} else {
			slog.Warn("transport: connect failed", "url", c.url, "err", err)
		}
		c.setState(StateDisconnected)

		c.mu.Lock()
		c.attempts++
		attempt := c.attempts
		c.lastErr = err
		c.mu.Unlock()

		if attempt > c.policy.MaxAttempts {
			slog.Error("transport: reconnect budget exhausted",
				"url", c.url,
				"max_attempts", c.policy.MaxAttempts,
			)
			c.setState(StateFailed)
			return
		}

		delay := c.policy.Delay(attempt)
		slog.Info("transport: scheduling reconnect",
			"attempt", attempt,
			"max_attempts", c.policy.MaxAttempts,
			"delay", delay,
		)
		if c.metrics != nil {
			c.metrics.ReconnectAttempts.Add(ctx, 1)
		}

		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-time.After(delay):
		}
	}
}

// serve pumps one live connection until it fails or the client stops.
func (c *Client) serve(ctx context.Context, conn Conn) error {
	sctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errc := make(chan error, 2)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		errc <- c.readLoop(sctx, conn)
	}()
	go func() {
		defer wg.Done()
		errc <- c.writeLoop(sctx, conn)
	}()

	var err error
	select {
	case err = <-errc:
	case <-c.done:
		_ = conn.Close(websocket.StatusNormalClosure, "client disconnect")
	case <-ctx.Done():
		_ = conn.Close(websocket.StatusGoingAway, "shutting down")
	}
	cancel()
	wg.Wait()
	_ = conn.Close(websocket.StatusAbnormalClosure, "serve finished")
	return err
}

// readLoop surfaces inbound frames: binary payloads to the audio channel,
// text payloads parsed as control messages. Malformed control messages are
// logged and skipped, never fatal.
func (c *Client) readLoop(ctx context.Context, conn Conn) error {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		switch typ {
		case websocket.MessageBinary:
			select {
			case c.audio <- data:
			default:
				slog.Warn("transport: inbound audio buffer full, dropping frame", "bytes", len(data))
				if c.metrics != nil {
					c.metrics.FramesDropped.Add(ctx, 1)
				}
			}
		case websocket.MessageText:
			msg, perr := protocol.ParseServer(data)
			if perr != nil {
				slog.Warn("transport: malformed control message", "err", perr)
				continue
			}
			select {
			case c.control <- msg:
			default:
				slog.Warn("transport: control buffer full, dropping message", "type", msg.Type)
			}
		}
	}
}

// writeLoop drains the outbound FIFO queue. The head is dequeued only
// after a successful write, preserving order and preventing loss across
// reconnects.
func (c *Client) writeLoop(ctx context.Context, conn Conn) error {
	for {
		m, ok := c.peek()
		if !ok {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-c.queued:
				continue
			}
		}
		if err := conn.Write(ctx, m.typ, m.data); err != nil {
			return err
		}
		c.dequeue()
	}
}
