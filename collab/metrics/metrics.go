// Package metrics exposes Prometheus collectors for the relay.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Drop reasons used with Metrics.Dropped.
const (
	ReasonMalformed     = "malformed"
	ReasonUnknownAction = "unknown_action"
	ReasonInvalidSub    = "invalid_subscribe"
	ReasonRoomIgnored   = "room_ignored"
	ReasonDoubleSub     = "double_subscribe"
	ReasonNotSubscribed = "not_subscribed"
	ReasonInvalidMsg    = "invalid_message"
	ReasonUnknownType   = "unknown_type"
	ReasonLockConflict  = "lock_conflict"
	ReasonNotLocked     = "not_locked"
)

// Authentication outcomes used with Metrics.AuthResults.
const (
	AuthAccepted = "accepted"
	AuthRejected = "rejected"
	AuthError    = "error"
	AuthStale    = "stale"
)

// Metrics groups the relay collectors.
type Metrics struct {
	Connections  prometheus.Gauge
	Rooms        prometheus.Gauge
	Members      prometheus.Gauge
	Frames       *prometheus.CounterVec
	Dropped      *prometheus.CounterVec
	AuthResults  *prometheus.CounterVec
	AuthLatency  prometheus.Histogram
	Broadcasts   *prometheus.CounterVec
	SendFailures prometheus.Counter
	Reaped       prometheus.Counter
}

// New creates the collectors, prefixing every name with prefix, and registers
// them with reg when it is not nil.
func New(prefix string, reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Connections: prometheus.NewGauge(
			prometheus.GaugeOpts{Name: prefix + "connections", Help: "Number of open client connections"},
		),
		Rooms: prometheus.NewGauge(
			prometheus.GaugeOpts{Name: prefix + "rooms", Help: "Number of rooms with at least one member"},
		),
		Members: prometheus.NewGauge(
			prometheus.GaugeOpts{Name: prefix + "room_members", Help: "Number of subscribed sessions across all rooms"},
		),
		Frames: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: prefix + "frames_total", Help: "Inbound frames by action"},
			[]string{"action"},
		),
		Dropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: prefix + "frames_dropped_total", Help: "Inbound frames dropped by reason"},
			[]string{"reason"},
		),
		AuthResults: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: prefix + "auth_results_total", Help: "Token verifications by outcome"},
			[]string{"outcome"},
		),
		AuthLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{Name: prefix + "auth_duration_seconds", Help: "Token verification latency", Buckets: prometheus.DefBuckets},
		),
		Broadcasts: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: prefix + "broadcasts_total", Help: "Events fanned out to a room by type"},
			[]string{"type"},
		),
		SendFailures: prometheus.NewCounter(
			prometheus.CounterOpts{Name: prefix + "send_failures_total", Help: "Frames that could not be queued for a member"},
		),
		Reaped: prometheus.NewCounter(
			prometheus.CounterOpts{Name: prefix + "reaped_sessions_total", Help: "Sessions torn down by the stale connection sweep"},
		),
	}

	if reg != nil {
		reg.MustRegister(
			m.Connections,
			m.Rooms,
			m.Members,
			m.Frames,
			m.Dropped,
			m.AuthResults,
			m.AuthLatency,
			m.Broadcasts,
			m.SendFailures,
			m.Reaped,
		)
	}

	return m
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
