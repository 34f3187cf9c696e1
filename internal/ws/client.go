// Package ws keeps the bridge's websocket session to the remote service alive
// and carries envelopes in both directions.
package ws

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

	"github.com/HsiangNianian/AMonItor/bridge/internal/metrics"
	"github.com/HsiangNianian/AMonItor/bridge/internal/protocol"
	"github.com/gorilla/websocket"
)

type DeviceIDMode string

const (
	DeviceIDNone   DeviceIDMode = "none"
	DeviceIDQuery  DeviceIDMode = "query"
	DeviceIDHeader DeviceIDMode = "header"
)

const (
	DefaultDeviceID       = "wxrpa-unknown"
	DefaultDeviceIDHeader = "X-Device-Id"
	inboxSize             = 256
)

var errNotConnected = errors.New("not connected")

// InboundFunc receives every decoded inbound envelope. Command envelopes have
// already been acknowledged when it is called.
type InboundFunc func(ctx context.Context, env protocol.Envelope)

type Options struct {
	URL            string
	DeviceID       string
	DeviceIDIn     DeviceIDMode
	DeviceIDHeader string

	PingInterval      time.Duration
	PingTimeout       time.Duration
	ReconnectInterval time.Duration
	SendRetryDelay    time.Duration
	WriteTimeout      time.Duration
	StopTimeout       time.Duration

	Dialer  *websocket.Dialer
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

func (o *Options) applyDefaults() {
	if o.DeviceID == "" {
		o.DeviceID = DefaultDeviceID
	}
	if o.DeviceIDIn == "" {
		o.DeviceIDIn = DeviceIDQuery
	}
	if o.DeviceIDHeader == "" {
		o.DeviceIDHeader = DefaultDeviceIDHeader
	}
	if o.PingInterval < 0 {
		o.PingInterval = 0
	}
	if o.PingTimeout <= 0 {
		o.PingTimeout = 10 * time.Second
	}
	if o.ReconnectInterval <= 0 {
		o.ReconnectInterval = 5 * time.Second
	}
	if o.SendRetryDelay <= 0 {
		o.SendRetryDelay = 500 * time.Millisecond
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.StopTimeout <= 0 {
		o.StopTimeout = 2 * time.Second
	}
	if o.Dialer == nil {
		o.Dialer = websocket.DefaultDialer
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Client is the transport session. Two workers run while it is started: the
// connect loop, which owns the connection and is the only writer of the
// connected flag, and the sender, which is the only reader of the outbound
// queue and the only caller of the connection's data writes.
type Client struct {
	opts    Options
	logger  *slog.Logger
	metrics *metrics.Metrics
	queue   *outbox

	running   atomic.Bool
	connected atomic.Bool

	lifecycle sync.Mutex
	cancel    context.CancelFunc
	done      chan struct{}

	connMu  sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex

	handlerMu sync.RWMutex
	handler   InboundFunc
}

func NewClient(opts Options) *Client {
	opts.applyDefaults()
	return &Client{
		opts:    opts,
		logger:  opts.Logger.With("component", "ws", "device_id", opts.DeviceID),
		metrics: opts.Metrics,
		queue:   newOutbox(),
	}
}

func (c *Client) DeviceID() string {
	return c.opts.DeviceID
}

// SetInboundHandler installs the callback for inbound envelopes.
func (c *Client) SetInboundHandler(fn InboundFunc) {
	c.handlerMu.Lock()
	c.handler = fn
	c.handlerMu.Unlock()
}

func (c *Client) inboundHandler() InboundFunc {
	c.handlerMu.RLock()
	defer c.handlerMu.RUnlock()
	return c.handler
}

func (c *Client) Running() bool   { return c.running.Load() }
func (c *Client) Connected() bool { return c.connected.Load() }

// Pending is the number of envelopes waiting to be written.
func (c *Client) Pending() int { return c.queue.len() }

// Start launches the connect loop and the sender. It is a no-op while the
// client is already running.
func (c *Client) Start() {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	if c.running.Load() {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	c.cancel = cancel
	c.done = done
	c.running.Store(true)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.runLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		c.sendLoop(ctx)
	}()
	go func() {
		wg.Wait()
		close(done)
	}()
	c.logger.Info("session started", "url", c.opts.URL, "device_in", c.opts.DeviceIDIn)
}

// Stop closes the connection and waits up to StopTimeout for both workers to
// exit. Queued envelopes are kept for the next Start.
func (c *Client) Stop() {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	if !c.running.Load() {
		return
	}
	c.running.Store(false)
	c.cancel()
	c.closeConn()

	select {
	case <-c.done:
		c.logger.Info("session stopped", "pending", c.queue.len())
	case <-time.After(c.opts.StopTimeout):
		c.logger.Warn("session workers did not exit in time", "timeout", c.opts.StopTimeout)
	}
	c.connected.Store(false)
	c.metrics.SetConnected(false)
}

func (c *Client) runLoop(ctx context.Context) {
	for attempt := 0; ctx.Err() == nil; attempt++ {
		if attempt > 0 {
			c.metrics.IncReconnect()
		}
		err := c.connectAndServe(ctx)
		c.setConnected(false)
		if ctx.Err() != nil {
			return
		}
		c.logger.Warn("connection closed, retrying", "err", err, "backoff", c.opts.ReconnectInterval)

		select {
		case <-ctx.Done():
			return
		case <-time.After(c.opts.ReconnectInterval):
		}
	}
}

// target builds the dial URL and handshake header carrying the device id.
func (c *Client) target() (string, http.Header, error) {
	u, err := url.Parse(c.opts.URL)
	if err != nil {
		return "", nil, fmt.Errorf("parse url: %w", err)
	}
	header := http.Header{}
	switch c.opts.DeviceIDIn {
	case DeviceIDQuery:
		q := u.Query()
		q.Set("deviceId", c.opts.DeviceID)
		u.RawQuery = q.Encode()
	case DeviceIDHeader:
		header.Set(c.opts.DeviceIDHeader, c.opts.DeviceID)
	}
	return u.String(), header, nil
}

func (c *Client) connectAndServe(ctx context.Context) error {
	target, header, err := c.target()
	if err != nil {
		return err
	}
	c.logger.Debug("dial", "url", target)
	conn, _, err := c.opts.Dialer.DialContext(ctx, target, header)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	if !c.attach(ctx, conn) {
		_ = conn.Close()
		return ctx.Err()
	}
	defer c.detach(conn)

	c.setConnected(true)
	c.logger.Info("connected", "url", target)
	return c.serve(ctx, conn)
}

// attach publishes conn unless the session is already stopping. Stop cancels
// before closing, so a connection dialled during Stop is never leaked.
func (c *Client) attach(ctx context.Context, conn *websocket.Conn) bool {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if ctx.Err() != nil {
		return false
	}
	c.conn = conn
	return true
}

func (c *Client) detach(conn *websocket.Conn) {
	c.connMu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.connMu.Unlock()
	_ = conn.Close()
}

func (c *Client) closeConn() {
	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	if conn == nil {
		return
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"),
		time.Now().Add(time.Second))
	_ = conn.Close()
}

func (c *Client) setConnected(v bool) {
	c.connected.Store(v)
	c.metrics.SetConnected(v)
}

func (c *Client) readDeadline() time.Time {
	if c.opts.PingInterval <= 0 {
		return time.Time{}
	}
	return time.Now().Add(c.opts.PingInterval + c.opts.PingTimeout)
}

// serve reads until the connection fails. Inbound envelopes are handed to a
// per-connection dispatch worker so the read loop keeps answering heartbeats
// while a command runs; commands still execute one at a time in arrival order.
func (c *Client) serve(ctx context.Context, conn *websocket.Conn) error {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	_ = conn.SetReadDeadline(c.readDeadline())
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(c.readDeadline())
	})
	if c.opts.PingInterval > 0 {
		go c.keepalive(connCtx, conn)
	}

	inbox := make(chan protocol.Envelope, inboxSize)
	defer close(inbox)
	go func() {
		for env := range inbox {
			c.dispatch(ctx, env)
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		_ = conn.SetReadDeadline(c.readDeadline())

		env, err := protocol.Decode(data)
		if err != nil {
			c.metrics.IncInboundDropped()
			c.logger.Debug("drop inbound message", "err", err, "size", len(data))
			continue
		}
		c.metrics.IncInbound(string(env.Type))
		logEvent(c.logger, "recv", env)
		if env.Type == protocol.TypeCommand {
			c.ackCommand(env)
		}
		select {
		case inbox <- env:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Client) keepalive(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.opts.WriteTimeout)); err != nil {
				c.logger.Debug("ping failed", "err", err)
				_ = conn.Close()
				return
			}
		}
	}
}

// ackCommand acknowledges every command, including ones whose payload the
// dispatcher will go on to reject.
func (c *Client) ackCommand(env protocol.Envelope) {
	c.SendAck(protocol.TypeCommand, protocol.CommandID(env), env.TraceID)
}

func (c *Client) dispatch(ctx context.Context, env protocol.Envelope) {
	fn := c.inboundHandler()
	if fn == nil {
		c.logger.Debug("no inbound handler", "type", env.Type, "trace_id", env.TraceID)
		return
	}
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("inbound handler panicked", "type", env.Type, "trace_id", env.TraceID, "panic", r)
		}
	}()
	fn(ctx, env)
}

func (c *Client) sendLoop(ctx context.Context) {
	for {
		data, ok := c.queue.peek(ctx)
		if !ok {
			return
		}
		if err := c.write(data); err != nil {
			c.metrics.IncSendRetry()
			if !errors.Is(err, errNotConnected) {
				c.logger.Debug("write failed, will retry", "err", err)
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(c.opts.SendRetryDelay):
			}
			continue
		}
		c.metrics.SetQueueDepth(c.queue.pop())
		c.metrics.IncSent()
	}
}

func (c *Client) write(data []byte) error {
	if !c.connected.Load() {
		return errNotConnected
	}
	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	if conn == nil {
		return errNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		_ = conn.Close()
		return err
	}
	return nil
}

func logEvent(logger *slog.Logger, prefix string, env protocol.Envelope) {
	logger.Debug(prefix, "type", env.Type, "trace_id", env.TraceID, "device_id", env.DeviceID, "timestamp", env.Timestamp)
}
