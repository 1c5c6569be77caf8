// Package hub fans JSON frames out to a set of websocket peers. Every peer
// has its own write pump; a peer whose queue fills up is evicted rather than
// allowed to stall the others.
package hub

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	xlog "github.com/boatpi/boatpi/internal/log"
	"github.com/boatpi/boatpi/internal/metrics"
)

const (
	sendQueueSize  = 64
	maxMessageSize = 1 << 20
)

// ErrClosed is returned by Add once the hub has been closed.
var ErrClosed = errors.New("hub closed")

// Role decides which frames a peer may send and receive.
type Role int

const (
	Viewer Role = iota
	Admin
)

func (r Role) String() string {
	switch r {
	case Viewer:
		return "viewer"
	case Admin:
		return "admin"
	default:
		return "unknown"
	}
}

// Option configures a Hub.
type Option func(*Hub)

// WithPingInterval sets the keepalive ping period. Peers that stay silent
// for twice the period are dropped.
func WithPingInterval(d time.Duration) Option {
	return func(h *Hub) {
		if d > 0 {
			h.pingInterval = d
		}
	}
}

// WithWriteTimeout bounds every frame write.
func WithWriteTimeout(d time.Duration) Option {
	return func(h *Hub) {
		if d > 0 {
			h.writeTimeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(h *Hub) { h.logger = l }
}

// Hub tracks connected peers.
type Hub struct {
	name         string
	pingInterval time.Duration
	writeTimeout time.Duration
	logger       zerolog.Logger

	mu     sync.RWMutex
	peers  map[*Peer]struct{}
	closed bool
}

// New creates an empty hub. name labels its logs and metrics.
func New(name string, opts ...Option) *Hub {
	h := &Hub{
		name:         name,
		pingInterval: 30 * time.Second,
		writeTimeout: 10 * time.Second,
		logger:       xlog.WithComponent("hub"),
		peers:        make(map[*Peer]struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.With().Str("hub", name).Logger()
	for _, r := range []Role{Viewer, Admin} {
		metrics.HubPeers.WithLabelValues(name, r.String()).Set(0)
	}
	return h
}

// Peer is one websocket connection attached to a hub.
type Peer struct {
	id     string
	remote string
	conn   *websocket.Conn
	send   chan []byte
	hub    *Hub

	// guarded by hub.mu
	role    Role
	removed bool
}

func (p *Peer) ID() string     { return p.id }
func (p *Peer) Remote() string { return p.remote }

// Role returns the peer's current role.
func (p *Peer) Role() Role {
	p.hub.mu.RLock()
	defer p.hub.mu.RUnlock()
	return p.role
}

// Add attaches conn as a viewer and starts its write pump.
func (h *Hub) Add(conn *websocket.Conn, remote string) (*Peer, error) {
	p := &Peer{
		id:     uuid.NewString(),
		remote: remote,
		conn:   conn,
		send:   make(chan []byte, sendQueueSize),
		hub:    h,
		role:   Viewer,
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return nil, ErrClosed
	}
	h.peers[p] = struct{}{}
	metrics.HubPeers.WithLabelValues(h.name, Viewer.String()).Inc()
	h.mu.Unlock()

	go p.writePump()
	h.logger.Info().Str("event", "hub.peer_joined").Str("peer", p.id).Str("remote", remote).Msg("peer connected")
	return p, nil
}

// Remove detaches p and lets its write pump close the connection. Calling
// it more than once is harmless.
func (h *Hub) Remove(p *Peer) {
	h.mu.Lock()
	removed := h.removeLocked(p)
	h.mu.Unlock()
	if removed {
		h.logger.Info().Str("event", "hub.peer_left").Str("peer", p.id).Str("remote", p.remote).Msg("peer disconnected")
	}
}

func (h *Hub) removeLocked(p *Peer) bool {
	if p.removed {
		return false
	}
	p.removed = true
	delete(h.peers, p)
	close(p.send)
	metrics.HubPeers.WithLabelValues(h.name, p.role.String()).Dec()
	return true
}

// Promote changes p's role.
func (h *Hub) Promote(p *Peer, role Role) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if p.removed || p.role == role {
		return
	}
	metrics.HubPeers.WithLabelValues(h.name, p.role.String()).Dec()
	metrics.HubPeers.WithLabelValues(h.name, role.String()).Inc()
	p.role = role
}

// Send queues v for p alone. It reports false when the frame was not queued.
func (p *Peer) Send(v any) bool {
	data, err := json.Marshal(v)
	if err != nil {
		p.hub.logger.Error().Err(err).Msg("marshal frame")
		return false
	}
	return p.SendRaw(data)
}

// SendRaw queues an already encoded frame for p. A full queue evicts p.
func (p *Peer) SendRaw(data []byte) bool {
	h := p.hub
	h.mu.RLock()
	if p.removed {
		h.mu.RUnlock()
		return false
	}
	select {
	case p.send <- data:
		h.mu.RUnlock()
		return true
	default:
	}
	h.mu.RUnlock()
	h.evict([]*Peer{p})
	return false
}

// Broadcast marshals v once and queues it for every peer.
func (h *Hub) Broadcast(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		h.logger.Error().Err(err).Msg("broadcast marshal error")
		return
	}
	h.BroadcastRaw(data)
}

// BroadcastRaw queues data for every peer.
func (h *Hub) BroadcastRaw(data []byte) {
	h.fanOut(data, func(*Peer) bool { return true })
}

// BroadcastRole queues data for peers holding role.
func (h *Hub) BroadcastRole(role Role, data []byte) {
	h.fanOut(data, func(p *Peer) bool { return p.role == role })
}

func (h *Hub) fanOut(data []byte, match func(*Peer) bool) {
	var slow []*Peer
	h.mu.RLock()
	for p := range h.peers {
		if !match(p) {
			continue
		}
		select {
		case p.send <- data:
		default:
			slow = append(slow, p)
		}
	}
	h.mu.RUnlock()

	if len(slow) > 0 {
		h.evict(slow)
	}
}

func (h *Hub) evict(peers []*Peer) {
	h.mu.Lock()
	for _, p := range peers {
		if h.removeLocked(p) {
			metrics.IncHubDropped(h.name)
			h.logger.Warn().Str("event", "hub.peer_evicted").Str("peer", p.id).Str("remote", p.remote).Msg("ws client too slow, disconnecting")
		}
	}
	h.mu.Unlock()
}

// Count returns the number of attached peers.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.peers)
}

// CountRole returns the number of attached peers holding role.
func (h *Hub) CountRole(role Role) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for p := range h.peers {
		if p.role == role {
			n++
		}
	}
	return n
}

// Serve reads frames from p until the connection fails, handing each text
// frame to handle. p is removed from the hub when Serve returns.
func (h *Hub) Serve(p *Peer, handle func(*Peer, []byte)) {
	defer h.Remove(p)

	conn := p.conn
	pongWait := 2 * h.pingInterval
	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debug().Err(err).Str("peer", p.id).Msg("read failed")
			}
			return
		}
		// Any frame proves liveness.
		conn.SetReadDeadline(time.Now().Add(pongWait))
		if msgType != websocket.TextMessage || handle == nil {
			continue
		}
		handle(p, data)
	}
}

// Close detaches every peer and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for p := range h.peers {
		h.removeLocked(p)
	}
}

func (p *Peer) writePump() {
	h := p.hub
	ticker := time.NewTicker(h.pingInterval)
	defer func() {
		ticker.Stop()
		p.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-p.send:
			p.conn.SetWriteDeadline(time.Now().Add(h.writeTimeout))
			if !ok {
				p.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := p.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			if err := p.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(h.writeTimeout)); err != nil {
				return
			}
		}
	}
}
