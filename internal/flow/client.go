package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	DefaultURL            = "wss://flow.api.speechmatics.com/v1/flow"
	defaultConnectTimeout = 15 * time.Second
	writeTimeout          = 10 * time.Second
)

// ErrNotConnected is returned by send operations when no socket is open.
var ErrNotConnected = errors.New("flow: not connected")

// Client is a websocket transport for the Flow API. Inbound frames and
// connection signals are published on its Dispatcher in delivery order.
type Client struct {
	url    string
	dialer *websocket.Dialer
	events *Dispatcher
	logger *slog.Logger

	mu    sync.Mutex
	conn  *connection
	state ConnState
}

type connection struct {
	ws        *websocket.Conn
	writeMu   sync.Mutex
	closing   atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
}

// NewClient builds a client for the given endpoint (DefaultURL when empty).
func NewClient(endpoint string, events *Dispatcher, logger *slog.Logger) *Client {
	if endpoint == "" {
		endpoint = DefaultURL
	}
	if events == nil {
		events = NewDispatcher()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		url:    endpoint,
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		events: events,
		logger: logger,
		state:  ConnClosed,
	}
}

// Events returns the dispatcher inbound events are published on.
func (c *Client) Events() *Dispatcher { return c.events }

// State reports the current transport state.
func (c *Client) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect dials the endpoint authenticating with the bearer credential and
// starts the read loop.
func (c *Client) Connect(ctx context.Context, credential string) error {
	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		return fmt.Errorf("flow: already connected")
	}
	c.mu.Unlock()

	wsURL, err := url.Parse(c.url)
	if err != nil {
		return fmt.Errorf("flow: parse endpoint: %w", err)
	}
	q := wsURL.Query()
	q.Set("jwt", credential)
	wsURL.RawQuery = q.Encode()

	c.setState(ConnConnecting)

	dialCtx := ctx
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, defaultConnectTimeout)
		defer cancel()
	}
	ws, resp, err := c.dialer.DialContext(dialCtx, wsURL.String(), nil)
	if err != nil {
		c.setState(ConnClosed)
		if resp != nil {
			return fmt.Errorf("flow: websocket dial failed (status %d): %w", resp.StatusCode, err)
		}
		return fmt.Errorf("flow: websocket dial failed: %w", err)
	}

	conn := &connection{ws: ws, done: make(chan struct{})}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.setState(ConnOpen)
	c.logger.Info("flow socket open", "url", c.url)

	go c.readLoop(conn)
	return nil
}

// Send writes one JSON control message.
func (c *Client) Send(msg any) error {
	conn := c.current()
	if conn == nil || conn.closing.Load() {
		return ErrNotConnected
	}
	conn.writeMu.Lock()
	defer conn.writeMu.Unlock()
	_ = conn.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.ws.WriteJSON(msg); err != nil {
		return fmt.Errorf("flow: write message: %w", err)
	}
	return nil
}

// SendAudio writes one binary PCM frame.
func (c *Client) SendAudio(pcm []byte) error {
	conn := c.current()
	if conn == nil || conn.closing.Load() {
		return ErrNotConnected
	}
	conn.writeMu.Lock()
	defer conn.writeMu.Unlock()
	_ = conn.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.ws.WriteMessage(websocket.BinaryMessage, pcm); err != nil {
		return fmt.Errorf("flow: write audio: %w", err)
	}
	return nil
}

// Close performs a normal websocket close and waits for the read loop to
// exit. It must not be called from an event handler.
func (c *Client) Close() error {
	conn := c.current()
	if conn == nil {
		return nil
	}
	conn.closeOnce.Do(func() {
		conn.closing.Store(true)
		c.setState(ConnClosing)
		conn.writeMu.Lock()
		_ = conn.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(2*time.Second))
		conn.writeMu.Unlock()
		_ = conn.ws.Close()
	})
	<-conn.done
	return nil
}

func (c *Client) current() *connection {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

func (c *Client) setState(s ConnState) {
	c.mu.Lock()
	changed := c.state != s
	c.state = s
	c.mu.Unlock()
	if changed {
		c.events.Publish(Event{Kind: KindSocketState, State: s})
	}
}

func (c *Client) readLoop(conn *connection) {
	var readErr error
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("flow read loop panic", "panic", r)
			readErr = fmt.Errorf("flow: read loop panic: %v", r)
		}
		c.finish(conn, readErr)
	}()

	for {
		mt, data, err := conn.ws.ReadMessage()
		if err != nil {
			readErr = err
			return
		}
		switch mt {
		case websocket.TextMessage:
			kind, err := Kind(data)
			if err != nil {
				c.logger.Warn("flow: dropping malformed frame", "error", err)
				continue
			}
			if !c.events.Publish(Event{Kind: kind, Raw: append([]byte(nil), data...)}) {
				c.logger.Debug("flow: unhandled message", "message", kind)
			}
		case websocket.BinaryMessage:
			c.events.Publish(Event{Kind: KindAgentAudio, Audio: append([]byte(nil), data...)})
		}
	}
}

// finish reports how the socket ended and releases Close waiters.
func (c *Client) finish(conn *connection, readErr error) {
	defer close(conn.done)

	expected := conn.closing.Load() ||
		websocket.IsCloseError(readErr, websocket.CloseNormalClosure, websocket.CloseGoingAway)
	_ = conn.ws.Close()

	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()

	if !expected {
		c.logger.Error("flow socket error", "error", readErr)
		c.events.Publish(Event{Kind: KindSocketError, Err: readErr})
	}
	c.setState(ConnClosed)
	c.logger.Info("flow socket closed")
}
