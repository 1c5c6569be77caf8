// Package metrics holds the Prometheus collectors shared by the captain,
// relay and boat binaries.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SessionState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "boatpi_session_state",
		Help: "1 for the current session client state, 0 otherwise",
	}, []string{"client", "state"})

	SessionTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "boatpi_session_transitions_total",
		Help: "Total number of session state transitions by target state",
	}, []string{"client", "to"})

	SessionDialTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "boatpi_session_dial_total",
		Help: "Total number of channel open attempts by result",
	}, []string{"client", "result"})

	SessionInboundTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "boatpi_session_inbound_total",
		Help: "Total number of inbound frames by classification",
	}, []string{"client", "kind"})

	SessionCommandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "boatpi_session_commands_total",
		Help: "Total number of captain commands by outcome",
	}, []string{"client", "result"})

	HubPeers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "boatpi_hub_peers",
		Help: "Number of websocket peers attached to a hub by role",
	}, []string{"hub", "role"})

	HubDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "boatpi_hub_dropped_total",
		Help: "Total number of peers evicted because their send queue was full",
	}, []string{"hub"})

	RelayAuthTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "boatpi_relay_auth_total",
		Help: "Total number of relay authentication attempts by result",
	}, []string{"result"})

	RelayCommandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "boatpi_relay_commands_total",
		Help: "Total number of captain commands seen by the relay by outcome",
	}, []string{"result"})

	BoatStatusTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "boatpi_boat_status_total",
		Help: "Total number of status frames published by the boat",
	})
)

var sessionStates = []string{"disconnected", "connecting", "connected", "authenticated"}

// SetSessionState marks state as the only active state for client.
func SetSessionState(client, state string) {
	if client == "" {
		client = "default"
	}
	for _, s := range sessionStates {
		v := 0.0
		if s == state {
			v = 1
		}
		SessionState.WithLabelValues(client, s).Set(v)
	}
	SessionTransitionsTotal.WithLabelValues(client, state).Inc()
}

// IncSessionDial records an open attempt outcome ("ok" or "error").
func IncSessionDial(client, result string) {
	if client == "" {
		client = "default"
	}
	SessionDialTotal.WithLabelValues(client, result).Inc()
}

// IncSessionInbound records the classification of one inbound frame.
func IncSessionInbound(client, kind string) {
	if client == "" {
		client = "default"
	}
	SessionInboundTotal.WithLabelValues(client, kind).Inc()
}

// IncSessionCommand records a captain command outcome.
func IncSessionCommand(client, result string) {
	if client == "" {
		client = "default"
	}
	SessionCommandsTotal.WithLabelValues(client, result).Inc()
}

// IncHubDropped records a slow-peer eviction.
func IncHubDropped(hub string) {
	HubDroppedTotal.WithLabelValues(hub).Inc()
}
