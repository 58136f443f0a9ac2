// Package transport is the websocket client that carries envelopes between
// the sync engine and the server.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/matheus3301/msgsync/internal/backoff"
	"github.com/matheus3301/msgsync/internal/bus"
	"github.com/matheus3301/msgsync/internal/status"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultWriteTimeout     = 10 * time.Second
	defaultPongWait         = 60 * time.Second
)

// Config holds the connection settings.
type Config struct {
	URL              string
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	PongWait         time.Duration
	Reconnect        backoff.Config
}

// Client keeps one websocket connection to the server. Send never queues:
// when the connection is down it fails fast and the caller decides what to
// do with the envelope. Lost connections are re-established in the
// background until the reconnect budget runs out, after which the client
// stays Unavailable until Reconnect is called.
type Client struct {
	cfg    Config
	logger *zap.Logger
	state  *status.Machine
	dialer websocket.Dialer
	policy *backoff.Policy

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	lost      chan struct{}
	superOnce sync.Once

	mu       sync.Mutex
	conn     *websocket.Conn
	identity string
	handler  func(Envelope)
	closed   bool

	writeMu sync.Mutex
}

// New creates a disconnected client. State changes are published on b.
func New(cfg Config, b *bus.Bus, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = defaultPongWait
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		cfg:    cfg,
		logger: logger,
		state:  status.NewMachine(b),
		dialer: websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout},
		policy: backoff.New(cfg.Reconnect),
		ctx:    ctx,
		cancel: cancel,
		lost:   make(chan struct{}, 1),
	}
}

// State returns the current connection state.
func (c *Client) State() status.State {
	return c.state.Current()
}

// Connected reports whether envelopes can be sent right now.
func (c *Client) Connected() bool {
	return c.state.Is(status.Connected)
}

// OnMessage registers the handler for inbound envelopes. It runs on the
// read goroutine, one envelope at a time.
func (c *Client) OnMessage(fn func(Envelope)) {
	c.mu.Lock()
	c.handler = fn
	c.mu.Unlock()
}

// Connect dials the server as identity and completes the hello/welcome
// handshake. If the attempt fails the client keeps retrying in the
// background with the reconnect policy.
func (c *Client) Connect(ctx context.Context, identity string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.identity = identity
	c.mu.Unlock()

	err := c.connect(ctx)
	if err != nil && !errors.Is(err, ErrClosed) && !errors.Is(err, ErrConnecting) {
		c.signalLost()
	}
	return err
}

// Reconnect resets the backoff and dials again. It is the only way out of
// the Unavailable state. A failed attempt hands the client back to the
// background retry loop with a fresh budget.
func (c *Client) Reconnect(ctx context.Context) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if c.Connected() {
		return nil
	}
	c.policy.Reset()
	err := c.connect(ctx)
	if err != nil && !errors.Is(err, ErrClosed) && !errors.Is(err, ErrConnecting) {
		c.signalLost()
	}
	return err
}

// Send writes env to the live connection. The write deadline is the earlier
// of ctx's deadline and the configured write timeout.
func (c *Client) Send(ctx context.Context, env Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	conn, closed := c.conn, c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if conn == nil || !c.state.Is(status.Connected) {
		return ErrNotConnected
	}

	deadline := time.Now().Add(c.cfg.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	_ = conn.SetWriteDeadline(deadline)
	err := conn.WriteJSON(env)
	c.writeMu.Unlock()
	if err != nil {
		// Closing makes the read loop notice and start reconnecting.
		_ = conn.Close()
		return fmt.Errorf("%w: %v", ErrSendFailed, err)
	}
	return nil
}

// Close shuts the connection down and stops reconnecting.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.mu.Unlock()

	c.cancel()
	if conn != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_ = conn.Close()
	}
	c.wg.Wait()
	return nil
}

func (c *Client) connect(ctx context.Context) error {
	if err := c.state.Transition(status.Connecting); err != nil {
		if c.state.Is(status.Connected) {
			return nil
		}
		return ErrConnecting
	}

	conn, err := c.dial(ctx)
	if err != nil {
		_ = c.state.Transition(status.Disconnected)
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close()
		_ = c.state.Transition(status.Disconnected)
		return ErrClosed
	}
	c.conn = conn
	c.mu.Unlock()

	c.policy.Reset()
	_ = c.state.Transition(status.Connected)
	c.logger.Info("transport connected", zap.String("url", c.cfg.URL))

	done := make(chan struct{})
	c.wg.Add(2)
	go c.readLoop(conn, done)
	go c.pingLoop(conn, done)
	c.superOnce.Do(func() {
		c.wg.Add(1)
		go c.supervise()
	})
	return nil
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	c.mu.Lock()
	identity := c.identity
	c.mu.Unlock()

	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	q := u.Query()
	q.Set("identity", identity)
	u.RawQuery = q.Encode()

	conn, _, err := c.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", c.cfg.URL, err)
	}

	deadline := time.Now().Add(c.cfg.HandshakeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetWriteDeadline(deadline)
	if err := conn.WriteJSON(Envelope{Type: TypeHello, Identity: identity}); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: write hello: %v", ErrHandshake, err)
	}
	_ = conn.SetReadDeadline(deadline)
	var welcome Envelope
	if err := conn.ReadJSON(&welcome); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: read welcome: %v", ErrHandshake, err)
	}
	if welcome.Type != TypeWelcome {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: got %q, want %q", ErrHandshake, welcome.Type, TypeWelcome)
	}

	_ = conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	})
	return conn, nil
}

func (c *Client) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer c.wg.Done()
	defer close(done)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Warn("transport read failed", zap.Error(err))
			}
			c.connectionLost(conn)
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.logger.Warn("dropping malformed envelope", zap.Error(err))
			continue
		}
		c.mu.Lock()
		h := c.handler
		c.mu.Unlock()
		if h != nil {
			h(env)
		}
	}
}

func (c *Client) pingLoop(conn *websocket.Conn, done <-chan struct{}) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.PongWait * 9 / 10)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.WriteTimeout)); err != nil {
				c.logger.Debug("ping failed", zap.Error(err))
				_ = conn.Close()
				return
			}
		}
	}
}

func (c *Client) connectionLost(conn *websocket.Conn) {
	_ = conn.Close()

	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	closed := c.closed
	c.mu.Unlock()

	_ = c.state.Transition(status.Disconnected)
	if closed {
		return
	}
	c.logger.Info("transport disconnected, reconnecting")
	c.signalLost()
}

func (c *Client) signalLost() {
	c.superOnce.Do(func() {
		c.wg.Add(1)
		go c.supervise()
	})
	select {
	case c.lost <- struct{}{}:
	default:
	}
}

// supervise runs the reconnect loop each time a connection is lost.
func (c *Client) supervise() {
	defer c.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-c.lost:
		}
		c.reconnect()
	}
}

func (c *Client) reconnect() {
	for {
		delay, ok := c.policy.Next()
		if !ok {
			if err := c.state.Transition(status.Unavailable); err == nil {
				c.logger.Warn("transport unavailable, reconnect budget exhausted",
					zap.Int("attempts", c.policy.Attempt()))
			}
			return
		}

		timer := time.NewTimer(delay)
		select {
		case <-c.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		err := c.connect(c.ctx)
		switch {
		case err == nil, errors.Is(err, ErrClosed):
			return
		case errors.Is(err, ErrConnecting):
			// Reconnect is dialing on another goroutine.
			continue
		}
		c.logger.Debug("reconnect attempt failed",
			zap.Int("attempt", c.policy.Attempt()),
			zap.Duration("delay", delay),
			zap.Error(err))
	}
}
