// Package relay sits between cockpits and the boat. Cockpits connect over
// websocket and join as viewers; captains authenticate to become admins and
// may then steer the boat. Boat telemetry is fanned out to every cockpit.
package relay

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/boatpi/boatpi/internal/config"
	"github.com/boatpi/boatpi/internal/hub"
	xlog "github.com/boatpi/boatpi/internal/log"
	"github.com/boatpi/boatpi/internal/metrics"
	"github.com/boatpi/boatpi/internal/session"
	"github.com/boatpi/boatpi/internal/transport"
)

// UserAgent identifies the relay on its boat link.
const UserAgent = "boatpi-relay"

// boatLostNotice tells captains that their commands go nowhere until the
// boat is back.
var boatLostNotice = []byte(`{"event":"error","error":"boat unreachable, commands are dropped"}`)

// request is the envelope of every cockpit frame.
type request struct {
	Action   string  `json:"action"`
	Token    *string `json:"token"`
	Username *string `json:"username"`
	Password *string `json:"password"`
}

type authReply struct {
	Event          string `json:"event"`
	Status         string `json:"status"`
	Authentication bool   `json:"authentication"`
	Token          string `json:"token,omitempty"`
}

type errorReply struct {
	Event string `json:"event"`
	Error string `json:"error"`
}

// Option configures a Server.
type Option func(*Server)

// WithUpstreamDialer replaces the websocket dialer used for the boat link.
func WithUpstreamDialer(d session.Dialer) Option {
	return func(s *Server) { s.dialer = d }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

type Server struct {
	cfg    config.RelayConfig
	logger zerolog.Logger
	dialer session.Dialer

	hub      *hub.Hub
	auth     *Authenticator
	upgrader websocket.Upgrader
	boat     *session.Client

	allowedOrigins map[string]bool
	allowedHosts   map[string]bool

	// mu orders presence changes against cockpits joining: a new cockpit
	// sees either the old frame and the change, or only the new frame.
	mu       sync.Mutex
	presence []byte

	limitersMu sync.Mutex
	limiters   map[string]*rate.Limiter
}

// New builds the relay and starts the boat link.
func New(cfg config.RelayConfig, opts ...Option) *Server {
	s := &Server{
		cfg:            cfg,
		logger:         xlog.WithComponent("relay"),
		auth:           NewAuthenticator(cfg.AdminTokens),
		allowedOrigins: make(map[string]bool),
		allowedHosts:   make(map[string]bool),
		presence:       []byte(`{"boat":null}`),
		limiters:       make(map[string]*rate.Limiter),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.dialer == nil {
		s.dialer = transport.NewDialer(
			transport.WithPingInterval(cfg.PingInterval),
			transport.WithWriteTimeout(cfg.WriteTimeout),
			transport.WithHeader(http.Header{"User-Agent": {UserAgent}}),
			transport.WithCompression(cfg.Compression),
			transport.WithLogger(s.logger),
		)
	}

	for _, origin := range cfg.AllowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		s.allowedOrigins[trimmed] = true
		if parsed, err := url.Parse(trimmed); err == nil && parsed.Host != "" {
			s.allowedHosts[parsed.Host] = true
		}
	}

	s.hub = hub.New("relay",
		hub.WithPingInterval(cfg.PingInterval),
		hub.WithWriteTimeout(cfg.WriteTimeout),
		hub.WithLogger(s.logger),
	)
	s.upgrader = websocket.Upgrader{
		CheckOrigin:       s.checkOrigin,
		EnableCompression: cfg.Compression,
	}

	s.boat = session.New(cfg.BoatAddress,
		session.WithName("relay-upstream"),
		session.WithDialer(s.dialer),
		session.WithRetryInterval(cfg.KeepAlive),
		session.WithLogger(s.logger.With().Str("link", "boat").Logger()),
		session.WithListener(session.EventConnected, s.onBoatConnected),
		session.WithListener(session.EventDisconnected, s.onBoatDisconnected),
		session.WithListener(session.EventUpdate, s.onBoatUpdate),
	)
	return s
}

// Router returns the relay's HTTP routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	limit := s.cfg.UpgradeLimit
	if limit > 0 {
		r.With(httprate.LimitByIP(limit, time.Minute)).Get("/ws", s.handleWS)
	} else {
		r.Get("/ws", s.handleWS)
	}
	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())
	return r
}

// Boat exposes the upstream link.
func (s *Server) Boat() *session.Client { return s.boat }

// Hub exposes the cockpit hub.
func (s *Server) Hub() *hub.Hub { return s.hub }

// Close drops the boat link and every cockpit.
func (s *Server) Close() error {
	err := s.boat.Close()
	s.hub.Close()
	return err
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("ws upgrade error")
		return
	}

	s.mu.Lock()
	p, err := s.hub.Add(conn, r.RemoteAddr)
	if err == nil {
		p.SendRaw(s.presence)
	}
	s.mu.Unlock()
	if err != nil {
		return
	}

	s.logger.Info().Str("event", "relay.cockpit_joined").
		Int("admins", s.hub.CountRole(hub.Admin)).
		Int("viewers", s.hub.CountRole(hub.Viewer)).
		Msg("a new client connected")

	s.hub.Serve(p, s.handleFrame)

	s.limitersMu.Lock()
	delete(s.limiters, p.ID())
	s.limitersMu.Unlock()
	s.logger.Info().Str("event", "relay.cockpit_left").
		Int("admins", s.hub.CountRole(hub.Admin)).
		Int("viewers", s.hub.CountRole(hub.Viewer)).
		Msg("a client disconnected")
}

func (s *Server) handleFrame(p *hub.Peer, data []byte) {
	var req request
	if err := json.Unmarshal(data, &req); err != nil {
		s.logger.Debug().Err(err).Str("peer", p.ID()).Msg("ignoring malformed request")
		return
	}

	switch req.Action {
	case string(session.ActionAuthenticate):
		s.authenticate(p, req)
	case string(session.ActionCaptain):
		s.forward(p, data)
	default:
		s.logger.Debug().Str("peer", p.ID()).Str("action", req.Action).Msg("ignoring unknown action")
	}
}

func (s *Server) authenticate(p *hub.Peer, req request) {
	token, ok := s.auth.Check(req)
	if !ok {
		metrics.RelayAuthTotal.WithLabelValues("failure").Inc()
		s.logger.Info().Str("event", "relay.auth_failed").Str("peer", p.ID()).Msg("authentication failure")
		p.Send(authReply{Event: "authentication", Status: "failure"})
		return
	}

	metrics.RelayAuthTotal.WithLabelValues("success").Inc()
	s.hub.Promote(p, hub.Admin)
	s.logger.Info().Str("event", "relay.auth_success").Str("peer", p.ID()).
		Int("admins", s.hub.CountRole(hub.Admin)).
		Int("viewers", s.hub.CountRole(hub.Viewer)).
		Msg("viewer authenticated successfully")
	p.Send(authReply{Event: "authentication", Status: "success", Authentication: true, Token: token})
}

func (s *Server) forward(p *hub.Peer, data []byte) {
	if p.Role() != hub.Admin {
		metrics.RelayCommandsTotal.WithLabelValues("unauthorized").Inc()
		p.Send(errorReply{Event: "error", Error: "not authenticated"})
		return
	}
	if !s.limiter(p.ID()).Allow() {
		metrics.RelayCommandsTotal.WithLabelValues("limited").Inc()
		p.Send(errorReply{Event: "error", Error: "rate limited"})
		return
	}
	if !s.boat.IsReady() {
		metrics.RelayCommandsTotal.WithLabelValues("dropped").Inc()
		s.logger.Debug().Str("peer", p.ID()).Msg("boat not connected, command dropped")
		return
	}
	if err := s.boat.Send(json.RawMessage(data)); err != nil {
		metrics.RelayCommandsTotal.WithLabelValues("dropped").Inc()
		s.logger.Warn().Err(err).Str("peer", p.ID()).Msg("forward command")
		return
	}
	metrics.RelayCommandsTotal.WithLabelValues("forwarded").Inc()
}

func (s *Server) limiter(id string) *rate.Limiter {
	s.limitersMu.Lock()
	defer s.limitersMu.Unlock()
	l, ok := s.limiters[id]
	if !ok {
		l = rate.NewLimiter(rate.Limit(s.cfg.CommandRate), s.cfg.CommandBurst)
		s.limiters[id] = l
	}
	return l
}

func (s *Server) onBoatConnected(session.Event) {
	s.setPresence(map[string]any{"boat": map[string]any{"connected": true, "address": s.cfg.BoatAddress}})
}

// onBoatDisconnected fires on every failed attempt while the boat is away;
// cockpits only hear about the first.
func (s *Server) onBoatDisconnected(session.Event) {
	if s.setPresence(map[string]any{"boat": nil}) {
		s.hub.BroadcastRole(hub.Admin, boatLostNotice)
	}
}

// setPresence broadcasts v when it differs from the current presence frame
// and reports whether it did.
func (s *Server) setPresence(v any) bool {
	data, err := json.Marshal(v)
	if err != nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if bytes.Equal(s.presence, data) {
		return false
	}
	s.presence = data
	s.hub.BroadcastRaw(data)
	return true
}

func (s *Server) onBoatUpdate(ev session.Event) {
	s.logger.Debug().Int("cockpits", s.hub.Count()).Msg("relaying boat telemetry")
	s.hub.Broadcast(ev.Payload)
}

type health struct {
	Status  string `json:"status"`
	Boat    string `json:"boat"`
	Admins  int    `json:"admins"`
	Viewers int    `json:"viewers"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(health{
		Status:  "READY",
		Boat:    s.boat.State().String(),
		Admins:  s.hub.CountRole(hub.Admin),
		Viewers: s.hub.CountRole(hub.Viewer),
	})
}

// checkOrigin accepts every origin unless an allow list is configured.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(s.allowedOrigins) == 0 {
		return true
	}
	if s.allowedOrigins[origin] {
		return true
	}
	if parsed, err := url.Parse(origin); err == nil && parsed.Host != "" {
		return s.allowedHosts[parsed.Host]
	}
	return false
}
