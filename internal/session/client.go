// Package session implements the long-lived client that keeps a single
// control channel to the boat open, authenticates captains on it and turns
// inbound frames into notifications.
package session

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	xlog "github.com/boatpi/boatpi/internal/log"
	"github.com/boatpi/boatpi/internal/metrics"
)

// DefaultRetryInterval is the fixed delay between reconnect attempts.
const DefaultRetryInterval = 5 * time.Second

var (
	// ErrNotAuthenticated is returned by IssueCommand when no session token is held.
	ErrNotAuthenticated = errors.New("not authenticated: only captains can command the boat")
	// ErrNoDialer is the synchronous attempt failure of a client built without a Dialer.
	ErrNoDialer = errors.New("no dialer configured")
	// ErrClosed is returned by Send once the client has been closed.
	ErrClosed = errors.New("session client closed")
)

// Option configures a Client.
type Option func(*Client)

// WithRetryInterval sets the reconnect delay. Non-positive values keep the default.
func WithRetryInterval(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.interval = d
		}
	}
}

// WithDialer sets the transport used to open channels.
func WithDialer(d Dialer) Option {
	return func(c *Client) { c.dialer = d }
}

// WithClock replaces the timer source used for retries.
func WithClock(clk Clock) Option {
	return func(c *Client) {
		if clk != nil {
			c.clock = clk
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithName labels the client in logs and metrics.
func WithName(name string) Option {
	return func(c *Client) {
		if name != "" {
			c.name = name
		}
	}
}

// WithListener registers fn before the first open attempt, so no early
// notification can be missed.
func WithListener(kind EventKind, fn Listener) Option {
	return func(c *Client) { c.obs.add(kind, fn) }
}

// WithSessionResume keeps the last accepted token across channel loss and
// presents it on the next open. The session itself still ends with the
// channel: commands are rejected until the peer accepts the token again.
func WithSessionResume(enabled bool) Option {
	return func(c *Client) { c.resume = enabled }
}

// WithCredentials authenticates with username and password on every open.
// A stored resume token takes precedence.
func WithCredentials(username, password string) Option {
	return func(c *Client) {
		c.username = username
		c.password = password
	}
}

// Client owns one channel at a time and drives it through
// Connecting → Connected ⇄ Authenticated, falling back to Disconnected and
// retrying at a fixed interval whenever the channel is lost.
type Client struct {
	address  string
	interval time.Duration
	dialer   Dialer
	clock    Clock
	logger   zerolog.Logger
	name     string
	resume   bool
	username string
	password string

	mu          sync.Mutex
	state       State
	ch          Channel
	gen         uint64 // bumped on every dial; callbacks from older generations are ignored
	token       string
	resumeToken string
	peer        bool
	retry       Timer
	closed      bool

	pending  []Event
	draining bool
	obs      observers
}

// New creates a client for address and immediately starts the first open
// attempt. It never fails: problems surface as notifications and retries.
func New(address string, opts ...Option) *Client {
	c := &Client{
		address:  address,
		interval: DefaultRetryInterval,
		clock:    realClock{},
		logger:   xlog.WithComponent("session"),
		name:     "default",
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With().Str("client", c.name).Str("address", address).Logger()
	metrics.SetSessionState(c.name, Disconnected.String())

	c.attempt()
	return c
}

// Subscribe registers fn for kind and returns a function that removes it.
func (c *Client) Subscribe(kind EventKind, fn Listener) (unsubscribe func()) {
	return c.obs.add(kind, fn)
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Token returns the session token, empty unless Authenticated.
func (c *Client) Token() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

// PeerPresent reports the last peer-presence marker seen on this channel.
func (c *Client) PeerPresent() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peer
}

// IsReady reports whether the channel is open and outbound frames can be sent.
func (c *Client) IsReady() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readyLocked()
}

func (c *Client) readyLocked() bool {
	return c.state.open() && c.ch != nil && c.ch.IsOpen()
}

// Authenticate asks the peer to open a session for username. The request is
// dropped when the channel is not open; the outcome arrives as an
// authentication notification.
func (c *Client) Authenticate(username, password string) {
	data, err := EncodeCredentials(username, password)
	if err != nil {
		c.logger.Error().Err(err).Msg("encode authenticate request")
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.readyLocked() {
		c.logger.Debug().Str("event", "session.auth_dropped").Msg("channel not open, authenticate request dropped")
		return
	}
	c.sendLocked(data, "authenticate")
}

// IssueCommand sends cmd tagged as a captain request. Without a session
// token it returns ErrNotAuthenticated and writes nothing. With a token but
// no open channel the command is dropped and nil is returned.
func (c *Client) IssueCommand(cmd Command) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token == "" {
		metrics.IncSessionCommand(c.name, "rejected")
		c.logger.Warn().Str("event", "session.command_rejected").Msg("not authenticated, only captains can put commands to the boat")
		return ErrNotAuthenticated
	}
	if !c.readyLocked() {
		metrics.IncSessionCommand(c.name, "dropped")
		c.logger.Debug().Str("event", "session.command_dropped").Msg("channel not open, command dropped")
		return nil
	}

	data, err := EncodeCommand(cmd)
	if err != nil {
		metrics.IncSessionCommand(c.name, "invalid")
		return err
	}
	if c.sendLocked(data, "captain") {
		metrics.IncSessionCommand(c.name, "sent")
	} else {
		metrics.IncSessionCommand(c.name, "dropped")
	}
	return nil
}

// Send writes v as a raw JSON frame, bypassing the captain gate. It is
// dropped when the channel is not open.
func (c *Client) Send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if !c.readyLocked() {
		c.logger.Debug().Str("event", "session.send_dropped").Msg("channel not open, frame dropped")
		return nil
	}
	c.sendLocked(data, "raw")
	return nil
}

func (c *Client) sendLocked(data []byte, what string) bool {
	if err := c.ch.Send(data); err != nil {
		c.logger.Debug().Err(err).Str("request", what).Msg("send failed, frame dropped")
		return false
	}
	return true
}

// Close stops retrying and disowns the live channel. No notification is emitted.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.gen++
	if c.retry != nil {
		c.retry.Stop()
		c.retry = nil
	}
	ch := c.ch
	c.ch = nil
	c.token = ""
	c.resumeToken = ""
	c.peer = false
	c.setStateLocked(Disconnected)
	c.mu.Unlock()

	if ch != nil {
		return ch.Close()
	}
	return nil
}

// attempt starts one open attempt. A synchronous Dial failure leaves the
// client Disconnected with the retry timer re-armed.
func (c *Client) attempt() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.retry = nil
	c.gen++
	gen := c.gen
	c.ch = nil
	c.setStateLocked(Connecting)
	c.mu.Unlock()

	var (
		ch  Channel
		err = ErrNoDialer
	)
	if c.dialer != nil {
		ch, err = c.dialer.Dial(c.address, c.bind(gen))
	}

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		if ch != nil {
			ch.Close()
		}
		return
	}
	if err != nil {
		metrics.IncSessionDial(c.name, "error")
		c.logger.Error().Err(err).Str("event", "session.dial_failed").
			Dur("retry_in", c.interval).Msg("connection attempt failed")
		c.setStateLocked(Disconnected)
		c.pending = append(c.pending, Event{Kind: EventDisconnected})
		c.armRetryLocked()
		c.mu.Unlock()
		c.drain()
		return
	}
	metrics.IncSessionDial(c.name, "ok")
	// OnOpen may have raced ahead of Dial returning and stored ch already.
	if c.ch == nil && c.state == Connecting {
		c.ch = ch
	}
	c.mu.Unlock()
}

func (c *Client) armRetryLocked() {
	if c.retry != nil || c.closed {
		return
	}
	c.retry = c.clock.AfterFunc(c.interval, c.onRetry)
}

func (c *Client) onRetry() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if c.state != Disconnected {
		c.retry = nil
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	c.attempt()
}

// bind returns handlers that only act while gen is the live generation.
func (c *Client) bind(gen uint64) Handlers {
	return Handlers{
		OnOpen:    func(ch Channel) { c.handleOpen(gen, ch) },
		OnMessage: func(data []byte) { c.handleMessage(gen, data) },
		OnClose:   func(err error) { c.handleClose(gen, err) },
	}
}

func (c *Client) handleOpen(gen uint64, ch Channel) {
	c.mu.Lock()
	if gen != c.gen || c.state != Connecting {
		c.mu.Unlock()
		return
	}
	c.ch = ch
	c.setStateLocked(Connected)
	c.logger.Info().Str("event", "session.connected").Msg("server connected")
	c.pending = append(c.pending, Event{Kind: EventConnected})
	c.resumeLocked()
	c.mu.Unlock()
	c.drain()
}

// resumeLocked presents the retained token, or the configured credentials,
// on a freshly opened channel.
func (c *Client) resumeLocked() {
	var (
		data []byte
		err  error
	)
	switch {
	case c.resume && c.resumeToken != "":
		c.logger.Debug().Str("event", "session.resume").Msg("authenticating with stored token")
		data, err = EncodeToken(c.resumeToken)
	case c.username != "":
		c.logger.Debug().Str("event", "session.login").Msg("authenticating with configured credentials")
		data, err = EncodeCredentials(c.username, c.password)
	default:
		return
	}
	if err != nil {
		return
	}
	c.sendLocked(data, "authenticate")
}

func (c *Client) handleMessage(gen uint64, data []byte) {
	c.mu.Lock()
	if gen != c.gen || !c.state.open() {
		c.mu.Unlock()
		return
	}

	in, err := Decode(data)
	if err != nil {
		metrics.IncSessionInbound(c.name, "malformed")
		c.logger.Debug().Err(err).Str("event", "session.malformed").Int("bytes", len(data)).Msg("discarding inbound frame")
		c.mu.Unlock()
		return
	}
	metrics.IncSessionInbound(c.name, in.Kind.String())

	switch in.Kind {
	case KindAuthResult:
		if in.AuthOK {
			c.token = in.Token
			if c.resume {
				c.resumeToken = in.Token
			}
			c.setStateLocked(Authenticated)
			c.logger.Info().Str("event", "session.auth_success").Msg("authentication success")
			c.pending = append(c.pending, Event{Kind: EventAuthSuccess})
		} else {
			c.token = ""
			c.resumeToken = ""
			c.setStateLocked(Connected)
			c.logger.Info().Str("event", "session.auth_failure").Msg("authentication failure")
			c.pending = append(c.pending, Event{Kind: EventAuthFailure})
		}
	default:
		switch {
		case in.Presence == PresenceUp && !c.peer:
			c.peer = true
			c.logger.Info().Str("event", "session.peer_connected").Msg("boat connected")
			c.pending = append(c.pending, Event{Kind: EventPeerConnected})
		case in.Presence == PresenceDown && c.peer:
			c.peer = false
			c.logger.Info().Str("event", "session.peer_disconnected").Msg("boat disconnected")
			c.pending = append(c.pending, Event{Kind: EventPeerLost})
		}
		c.pending = append(c.pending, Event{Kind: EventUpdate, Payload: in.Payload})
	}
	c.mu.Unlock()
	c.drain()
}

func (c *Client) handleClose(gen uint64, err error) {
	c.mu.Lock()
	if gen != c.gen || c.state == Disconnected {
		c.mu.Unlock()
		return
	}
	c.ch = nil
	c.token = ""
	c.setStateLocked(Disconnected)

	c.logger.Info().Err(err).Str("event", "session.disconnected").
		Dur("retry_in", c.interval).Msg("server disconnected, reconnection scheduled")
	c.pending = append(c.pending, Event{Kind: EventDisconnected})
	if c.peer {
		c.peer = false
		c.pending = append(c.pending, Event{Kind: EventPeerLost})
	}
	c.armRetryLocked()
	c.mu.Unlock()
	c.drain()
}

func (c *Client) setStateLocked(s State) {
	if c.state == s {
		return
	}
	c.state = s
	metrics.SetSessionState(c.name, s.String())
}

// drain delivers pending notifications in order. Only one goroutine drains
// at a time; the others leave their events to it. Listeners run without the
// state lock held and may call back into the client.
func (c *Client) drain() {
	c.mu.Lock()
	if c.draining {
		c.mu.Unlock()
		return
	}
	c.draining = true
	for len(c.pending) > 0 {
		batch := c.pending
		c.pending = nil
		c.mu.Unlock()
		for _, ev := range batch {
			c.obs.emit(ev)
		}
		c.mu.Lock()
	}
	c.draining = false
	c.mu.Unlock()
}
