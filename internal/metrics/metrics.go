// Package metrics provides Prometheus instrumentation for the pairing server.
// It exposes gauges for connection and pairing counts, counters for report,
// cache and relay throughput, and a histogram for report handling latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "proxipair_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// ReportsTotal counts position reports handled by the engine, labeled by
	// movement: "moving" or "stationary".
	ReportsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "proxipair_reports_total",
		Help: "Total number of position reports handled",
	}, []string{"movement"})

	// CacheLookups counts pairing lookups by result: "hit" when an existing
	// pairing was revalidated, "miss" when the grid was scanned.
	CacheLookups = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "proxipair_cache_lookups_total",
		Help: "Pairing cache lookups by result",
	}, []string{"result"})

	// ActivePairings tracks the current number of paired device couples.
	ActivePairings = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "proxipair_active_pairings",
		Help: "Current number of active pairings",
	})

	// PairingsDissolved counts dissolved pairings by reason.
	PairingsDissolved = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "proxipair_pairings_dissolved_total",
		Help: "Pairings removed, by reason",
	}, []string{"reason"})

	// RelayTotal counts peer relays by outcome: "delivered", "absent", "failed".
	RelayTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "proxipair_relay_total",
		Help: "Peer update relays by outcome",
	}, []string{"outcome"})

	// RateLimited counts reports dropped by the per-device rate limiter.
	RateLimited = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "proxipair_rate_limited_total",
		Help: "Reports rejected by the rate limiter",
	})

	// ReportLatency records report handling latency in seconds.
	ReportLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "proxipair_report_latency_seconds",
		Help:    "Report handling latency in seconds",
		Buckets: []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25},
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		ReportsTotal,
		CacheLookups,
		ActivePairings,
		PairingsDissolved,
		RelayTotal,
		RateLimited,
		ReportLatency,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
