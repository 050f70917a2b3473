package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
)

var (
	ErrNotOpen = errors.New("provider connection not open")
	ErrClosed  = errors.New("provider connection closed")
)

type Client struct {
	cfg    Config
	dialer *websocket.Dialer
	log    *slog.Logger
}

func NewClient(cfg Config, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	cfg = normalizeConfig(cfg)
	return &Client{
		cfg: cfg,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
		log: log.With("component", "provider"),
	}
}

func normalizeConfig(cfg Config) Config {
	if cfg.URL == "" {
		cfg.URL = DefaultURL
	}
	if cfg.Options == (Options{}) {
		cfg.Options = LiveOptions
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if cfg.CloseGrace <= 0 {
		cfg.CloseGrace = defaultCloseGrace
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	return cfg
}

func (c *Client) Config() Config {
	return c.cfg
}

func (c *Client) ListenURL() (string, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("parse provider url: %w", err)
	}
	q := u.Query()
	for k, v := range c.cfg.Options.Query() {
		q[k] = v
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Open starts a live connection and returns at once in StateConnecting.
// The handlers are bound before dialing so OnOpen can never be missed.
func (c *Client) Open(ctx context.Context, h Handlers) (Stream, *Subscription) {
	ctx, cancel := context.WithCancel(ctx)
	conn := &Conn{
		client: c,
		ctx:    ctx,
		cancel: cancel,
		sub:    NewSubscription(h),
		done:   make(chan struct{}),
		log:    c.log,
	}
	conn.state.Store(int32(StateConnecting))

	go conn.run()
	return conn, conn.sub
}

type Conn struct {
	client *Client
	ctx    context.Context
	cancel context.CancelFunc
	sub    *Subscription
	log    *slog.Logger

	state   atomic.Int32
	mu      sync.Mutex
	ws      *websocket.Conn
	writeMu sync.Mutex

	done      chan struct{}
	closeOnce sync.Once
}

func (c *Conn) State() State {
	return State(c.state.Load())
}

// Done is closed once the connection reaches StateClosed.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

func (c *Conn) run() {
	target, err := c.client.ListenURL()
	if err != nil {
		c.sub.failed(err)
		c.markClosed(websocket.CloseAbnormalClosure, err.Error())
		return
	}

	header := http.Header{}
	if c.client.cfg.APIKey != "" {
		header.Set("Authorization", "Token "+c.client.cfg.APIKey)
	}

	ws, resp, err := c.client.dialer.DialContext(c.ctx, target, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if c.State() == StateConnecting {
			c.log.Error("provider dial failed", "error", err)
			c.sub.failed(fmt.Errorf("dial provider: %w", err))
		}
		c.markClosed(websocket.CloseAbnormalClosure, err.Error())
		return
	}

	c.mu.Lock()
	if c.State() != StateConnecting {
		c.mu.Unlock()
		_ = ws.Close()
		c.markClosed(websocket.CloseNormalClosure, "finished before open")
		return
	}
	c.ws = ws
	c.state.Store(int32(StateOpen))
	c.mu.Unlock()

	c.sub.opened()
	c.readLoop(ws)
}

func (c *Conn) readLoop(ws *websocket.Conn) {
	for {
		mt, data, err := ws.ReadMessage()
		if err != nil {
			code, reason := websocket.CloseAbnormalClosure, err.Error()
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				code, reason = ce.Code, ce.Text
			}
			c.markClosed(code, reason)
			return
		}
		if mt != websocket.TextMessage {
			continue
		}
		c.dispatch(data)
	}
}

func (c *Conn) dispatch(data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.log.Warn("undecodable provider message", "error", err)
		c.sub.unhandled(data)
		return
	}

	switch env.Type {
	case messageResults:
		c.sub.transcript(data)
	case messageMetadata:
		c.sub.metadata(data)
	case messageError:
		msg := env.Description
		if msg == "" {
			msg = env.Message
		}
		c.sub.failed(fmt.Errorf("provider error: %s", msg))
	case messageWarning:
		c.sub.warning(data)
	default:
		c.sub.unhandled(data)
	}
}

func (c *Conn) Send(audio []byte) error {
	return c.write(websocket.BinaryMessage, audio)
}

func (c *Conn) KeepAlive() error {
	data, err := json.Marshal(keepAliveMessage)
	if err != nil {
		return err
	}
	return c.write(websocket.TextMessage, data)
}

func (c *Conn) write(mt int, data []byte) error {
	switch c.State() {
	case StateOpen:
	case StateConnecting:
		return ErrNotOpen
	default:
		return ErrClosed
	}
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = ws.SetWriteDeadline(time.Now().Add(c.client.cfg.WriteTimeout))
	if err := ws.WriteMessage(mt, data); err != nil {
		// a failed write leaves the socket unusable; closing it ends the
		// read loop so the connection reports closed
		_ = ws.Close()
		return fmt.Errorf("write provider frame: %w", err)
	}
	return nil
}

// Finish asks the provider to flush and close the stream. It blocks for at
// most the close grace and is a no-op once the connection is closing or
// closed. A write still in flight after the grace has its socket closed
// under it.
func (c *Conn) Finish() error {
	c.mu.Lock()
	switch c.State() {
	case StateClosing, StateClosed:
		c.mu.Unlock()
		return nil
	case StateConnecting:
		c.state.Store(int32(StateClosing))
		c.mu.Unlock()
		c.cancel()
		return nil
	}
	c.state.Store(int32(StateClosing))
	ws := c.ws
	c.mu.Unlock()

	grace := c.client.cfg.CloseGrace
	deadline := time.Now().Add(grace)

	if !c.acquireWrite(ws, deadline) {
		c.writeMu.Unlock()
		return nil
	}
	var err error
	if data, merr := json.Marshal(closeStreamMessage); merr == nil {
		_ = ws.SetWriteDeadline(deadline)
		err = ws.WriteMessage(websocket.TextMessage, data)
	}
	_ = ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	c.writeMu.Unlock()

	// the read loop ends on the provider's close frame or on this deadline
	_ = ws.SetReadDeadline(deadline)
	if err != nil {
		return fmt.Errorf("finish provider stream: %w", err)
	}
	return nil
}

// acquireWrite takes writeMu. If a stalled write still holds it at deadline
// the socket is closed to release that writer, and false is returned with
// writeMu held.
func (c *Conn) acquireWrite(ws *websocket.Conn, deadline time.Time) bool {
	if c.writeMu.TryLock() {
		return true
	}

	locked := make(chan struct{})
	go func() {
		c.writeMu.Lock()
		close(locked)
	}()

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()
	select {
	case <-locked:
		return true
	case <-timer.C:
		c.log.Warn("provider write stalled, aborting connection")
		_ = ws.Close()
		<-locked
		return false
	}
}

func (c *Conn) markClosed(code int, reason string) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.state.Store(int32(StateClosed))
		ws := c.ws
		c.mu.Unlock()

		c.cancel()
		if ws != nil {
			_ = ws.Close()
		}
		close(c.done)
		c.sub.closed(code, reason)
	})
}
