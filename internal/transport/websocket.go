// Package transport opens session channels over gorilla/websocket.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	xlog "github.com/boatpi/boatpi/internal/log"
	"github.com/boatpi/boatpi/internal/session"
)

const (
	defaultWriteTimeout     = 10 * time.Second
	defaultPongTimeout      = 60 * time.Second
	defaultPingInterval     = 30 * time.Second
	defaultHandshakeTimeout = 15 * time.Second
	maxMessageSize          = 1 << 20
	sendQueueSize           = 64
)

var (
	ErrNotOpen   = errors.New("channel not open")
	ErrQueueFull = errors.New("send queue full")
	errClosed    = errors.New("channel closed locally")
)

// Option configures a Dialer.
type Option func(*Dialer)

// WithPingInterval sets how often pings are written. The pong deadline is
// twice the interval.
func WithPingInterval(d time.Duration) Option {
	return func(x *Dialer) {
		if d > 0 {
			x.pingInterval = d
			x.pongTimeout = 2 * d
		}
	}
}

// WithWriteTimeout bounds every frame write.
func WithWriteTimeout(d time.Duration) Option {
	return func(x *Dialer) {
		if d > 0 {
			x.writeTimeout = d
		}
	}
}

// WithHeader adds request headers to the websocket handshake.
func WithHeader(h http.Header) Option {
	return func(x *Dialer) { x.header = h.Clone() }
}

// WithCompression negotiates permessage-deflate.
func WithCompression(enabled bool) Option {
	return func(x *Dialer) { x.ws.EnableCompression = enabled }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(x *Dialer) { x.logger = l }
}

// Dialer implements session.Dialer.
type Dialer struct {
	ws           *websocket.Dialer
	header       http.Header
	pingInterval time.Duration
	pongTimeout  time.Duration
	writeTimeout time.Duration
	logger       zerolog.Logger
}

// NewDialer returns a Dialer with keepalive defaults.
func NewDialer(opts ...Option) *Dialer {
	d := &Dialer{
		ws: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: defaultHandshakeTimeout,
		},
		pingInterval: defaultPingInterval,
		pongTimeout:  defaultPongTimeout,
		writeTimeout: defaultWriteTimeout,
		logger:       xlog.WithComponent("transport"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dial validates address and starts connecting in the background. Only an
// unusable address fails synchronously.
func (d *Dialer) Dial(address string, h session.Handlers) (session.Channel, error) {
	u, err := url.Parse(address)
	if err != nil {
		return nil, fmt.Errorf("parse address: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("address %q has no host", address)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &channel{
		d:      d,
		h:      h,
		cancel: cancel,
		send:   make(chan []byte, sendQueueSize),
		done:   make(chan struct{}),
	}
	go c.run(ctx, address)
	return c, nil
}

type channel struct {
	d      *Dialer
	h      session.Handlers
	cancel context.CancelFunc
	send   chan []byte
	done   chan struct{}

	mu     sync.Mutex
	conn   *websocket.Conn
	open   bool
	closed bool

	finishOnce sync.Once
}

func (c *channel) run(ctx context.Context, address string) {
	conn, _, err := c.d.ws.DialContext(ctx, address, c.d.header)
	if err != nil {
		c.finish(err)
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		c.finish(errClosed)
		return
	}
	c.conn = conn
	c.open = true
	c.mu.Unlock()

	if c.h.OnOpen != nil {
		c.h.OnOpen(c)
	}
	go c.writePump(conn)
	c.finish(c.readLoop(conn))
}

func (c *channel) readLoop(conn *websocket.Conn) error {
	conn.SetReadLimit(maxMessageSize)
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.d.pongTimeout))
	})
	conn.SetReadDeadline(time.Now().Add(c.d.pongTimeout))

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}
		if c.h.OnMessage != nil {
			c.h.OnMessage(data)
		}
	}
}

// writePump owns all data and ping writes on conn. A failed write closes the
// connection, which ends readLoop.
func (c *channel) writePump(conn *websocket.Conn) {
	ticker := time.NewTicker(c.d.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			conn.SetWriteDeadline(time.Now().Add(c.d.writeTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.d.logger.Debug().Err(err).Msg("write failed, closing connection")
				conn.Close()
				return
			}
		case <-ticker.C:
			deadline := time.Now().Add(c.d.writeTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				conn.Close()
				return
			}
		}
	}
}

func (c *channel) finish(err error) {
	c.finishOnce.Do(func() {
		c.mu.Lock()
		c.open = false
		conn := c.conn
		c.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		close(c.done)
		c.cancel()
		if c.h.OnClose != nil {
			c.h.OnClose(err)
		}
	})
}

func (c *channel) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.open {
		return ErrNotOpen
	}
	select {
	case c.send <- data:
		return nil
	default:
		return ErrQueueFull
	}
}

func (c *channel) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

// Close sends a close frame when the connection is up and tears it down.
// OnClose still fires once the read loop notices.
func (c *channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.open = false
	conn := c.conn
	c.mu.Unlock()

	c.cancel()
	if conn == nil {
		return nil
	}
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return conn.Close()
}
