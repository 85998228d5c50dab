// Package metrics exposes Prometheus gauges for the gateway's connected-channel and pending-connection counts.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the process's Prometheus collectors.
type Metrics struct {
	ConnectedChannels  prometheus.Gauge
	PendingConnections prometheus.Gauge
}

// New registers and returns the rendezvous server's metrics on the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ConnectedChannels: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "rendezvous",
			Subsystem: "gateway",
			Name:      "connected_channels",
			Help:      "Number of currently connected control channels.",
		}),
		PendingConnections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "rendezvous",
			Subsystem: "signaling",
			Name:      "pending_connections",
			Help:      "Number of in-flight pending signaling connections.",
		}),
	}
}

// Handler returns the HTTP handler for GET /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
