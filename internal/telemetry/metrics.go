// Package telemetry holds the Prometheus collectors shared by the pipeline
// components. Every collector is registered on an injected registry so that
// tests can build isolated instances.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	RecomputeTotal      *prometheus.CounterVec
	RecomputeLatency    prometheus.Histogram
	CoalescedUpdates    prometheus.Counter
	CrossingsTotal      prometheus.Counter
	NotificationsTotal  *prometheus.CounterVec
	ChannelDeliveries   *prometheus.CounterVec
	WSConnections       prometheus.Gauge
	WSMessagesSent      *prometheus.CounterVec
	WSMessagesDropped   prometheus.Counter
	WSInvalidMessages   prometheus.Counter
	MarketRefreshErrors prometheus.Counter
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		RecomputeTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "riskpulse_recompute_total",
			Help: "Risk metric recompute cycles by outcome",
		}, []string{"outcome"}),
		RecomputeLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "riskpulse_recompute_latency_seconds",
			Help:    "Latency of one recompute cycle",
			Buckets: prometheus.DefBuckets,
		}),
		CoalescedUpdates: f.NewCounter(prometheus.CounterOpts{
			Name: "riskpulse_coalesced_updates_total",
			Help: "Snapshot updates replaced by a newer one before processing",
		}),
		CrossingsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "riskpulse_threshold_crossings_total",
			Help: "Threshold crossings detected",
		}),
		NotificationsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "riskpulse_notifications_total",
			Help: "Notifications by dispatch result",
		}, []string{"result"}),
		ChannelDeliveries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "riskpulse_channel_deliveries_total",
			Help: "External channel delivery attempts",
		}, []string{"channel", "status"}),
		WSConnections: f.NewGauge(prometheus.GaugeOpts{
			Name: "riskpulse_ws_connections",
			Help: "Open WebSocket connections",
		}),
		WSMessagesSent: f.NewCounterVec(prometheus.CounterOpts{
			Name: "riskpulse_ws_messages_sent_total",
			Help: "Outbound WebSocket messages by type",
		}, []string{"type"}),
		WSMessagesDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "riskpulse_ws_messages_dropped_total",
			Help: "Outbound messages dropped for slow or closed clients",
		}),
		WSInvalidMessages: f.NewCounter(prometheus.CounterOpts{
			Name: "riskpulse_ws_invalid_messages_total",
			Help: "Inbound WebSocket messages rejected by validation",
		}),
		MarketRefreshErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "riskpulse_market_refresh_errors_total",
			Help: "Failed market price refreshes",
		}),
	}
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
