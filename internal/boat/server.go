// Package boat is the endpoint running on the boat itself. It echoes every
// frame to all connected peers, applies captain commands to its state and
// publishes a status frame on a fixed interval.
package boat

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/boatpi/boatpi/internal/config"
	"github.com/boatpi/boatpi/internal/hub"
	xlog "github.com/boatpi/boatpi/internal/log"
	"github.com/boatpi/boatpi/internal/metrics"
)

// Option configures a Server.
type Option func(*Server)

// WithProbe replaces the host statistics source.
func WithProbe(p Probe) Option {
	return func(s *Server) { s.probe = p }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

type Server struct {
	cfg      config.BoatConfig
	logger   zerolog.Logger
	hub      *hub.Hub
	store    *Store
	probe    Probe
	upgrader websocket.Upgrader
}

type status struct {
	State
	System System `json:"system"`
}

func New(cfg config.BoatConfig, opts ...Option) *Server {
	s := &Server{
		cfg:    cfg,
		logger: xlog.WithComponent("boat"),
		store:  NewStore(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.probe == nil {
		s.probe = NewHostProbe(s.logger)
	}
	s.hub = hub.New("boat",
		hub.WithPingInterval(cfg.PingInterval),
		hub.WithWriteTimeout(cfg.WriteTimeout),
		hub.WithLogger(s.logger),
	)
	s.upgrader = websocket.Upgrader{
		CheckOrigin:       func(*http.Request) bool { return true },
		EnableCompression: true,
	}
	return s
}

// Router returns the boat's HTTP routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Write([]byte("READY"))
	})
	r.Get("/ws", s.handleWS)
	r.Handle("/metrics", promhttp.Handler())
	return r
}

// Store exposes the boat state.
func (s *Server) Store() *Store { return s.store }

// Hub exposes the peer hub.
func (s *Server) Hub() *hub.Hub { return s.hub }

// Run publishes status frames until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.StatusInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.publishStatus(ctx)
		}
	}
}

func (s *Server) publishStatus(ctx context.Context) {
	st := status{State: s.store.Tick(), System: s.probe.Sample(ctx)}
	metrics.BoatStatusTotal.Inc()
	s.hub.Broadcast(st)
}

// Close disconnects every peer.
func (s *Server) Close() {
	s.hub.Close()
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("ws upgrade error")
		return
	}
	p, err := s.hub.Add(conn, r.RemoteAddr)
	if err != nil {
		return
	}
	s.logger.Info().Int("clients", s.hub.Count()).Msg("a new client connected")
	s.hub.Serve(p, s.handleFrame)
	s.logger.Info().Int("clients", s.hub.Count()).Msg("a client disconnected")
}

// handleFrame re-broadcasts any JSON value and applies captain commands.
func (s *Server) handleFrame(p *hub.Peer, data []byte) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		s.logger.Debug().Err(err).Str("peer", p.ID()).Msg("ignoring malformed frame")
		return
	}
	s.logger.Debug().Bytes("frame", data).Msg("received")

	if cmd, ok := v.(map[string]any); ok && cmd["action"] == "captain" {
		if s.store.Apply(cmd) {
			st := s.store.Get()
			s.logger.Info().Float64("power", st.Power).Float64("wheel", st.Wheel).Msg("captain command applied")
		}
	}
	s.hub.Broadcast(v)
}
