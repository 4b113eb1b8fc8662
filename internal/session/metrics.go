package session

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collectors exposed through the inspector's /metrics endpoint.
var (
	handshakesAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tether_handshakes_accepted_total",
		Help: "Connection attempts that passed authentication.",
	})

	handshakesRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tether_handshakes_rejected_total",
		Help: "Connection attempts refused during the handshake.",
	}, []string{"reason"})

	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tether_active_sessions",
		Help: "Currently established sessions.",
	})

	listenersBound = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tether_listeners_bound",
		Help: "Transport listeners currently bound.",
	})

	sessionBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tether_session_bytes_total",
		Help: "Application payload bytes exchanged over established sessions.",
	}, []string{"direction"})
)

const (
	rejectReasonProtocol  = "protocol_mismatch"
	rejectReasonAuth      = "auth_failed"
	rejectReasonRateLimit = "rate_limited"
)
