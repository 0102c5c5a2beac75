// Package metrics exposes the Prometheus instruments for the orchestration
// core. Everything registers on a private registry so tests can build as
// many instances as they like.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every instrument the core records.
type Registry struct {
	reg *prometheus.Registry

	SignalsIngested *prometheus.CounterVec
	FeedConfidence  *prometheus.GaugeVec

	TradesExecuted *prometheus.CounterVec
	TradeVolume    prometheus.Counter
	EngineLatency  *prometheus.HistogramVec

	BusPublished       *prometheus.CounterVec
	BusDroppedSubs     prometheus.Counter
	BusSubscribers     prometheus.Gauge

	ModeTier        prometheus.Gauge
	ParadoxesOpen   prometheus.Gauge
	TimelinesActive *prometheus.GaugeVec

	AgentActions *prometheus.CounterVec
	AgentsLive   *prometheus.GaugeVec

	VenueRequests *prometheus.CounterVec
	VenueBreaker  *prometheus.GaugeVec

	ExportBundles prometheus.Counter
	ExportBytes   prometheus.Counter
}

// New builds a registry with all instruments under the echelon namespace.
func New() *Registry {
	m := &Registry{reg: prometheus.NewRegistry()}

	m.SignalsIngested = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "echelon", Name: "signals_ingested_total",
		Help: "Signals ingested by source and dedup result",
	}, []string{"source", "result"})

	m.FeedConfidence = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "echelon", Name: "feed_confidence",
		Help: "Rolling per-feed confidence (0..1)",
	}, []string{"source"})

	m.TradesExecuted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "echelon", Name: "trades_executed_total",
		Help: "Executed trades by capital mode and side",
	}, []string{"capital", "side"})

	m.TradeVolume = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "echelon", Name: "trade_volume_usd_total",
		Help: "Cumulative traded volume in USD",
	})

	m.EngineLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "echelon", Name: "engine_op_seconds",
		Help:    "Market engine operation latency",
		Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25},
	}, []string{"op"})

	m.BusPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "echelon", Name: "bus_events_total",
		Help: "Events published on the bus by kind",
	}, []string{"kind"})

	m.BusDroppedSubs = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "echelon", Name: "bus_dropped_subscribers_total",
		Help: "Subscribers dropped for not draining their queue",
	})

	m.BusSubscribers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "echelon", Name: "bus_subscribers",
		Help: "Currently attached bus subscribers",
	})

	m.ModeTier = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "echelon", Name: "mode_tier",
		Help: "Current degraded-mode tier (0 autonomous, 1 degraded, 2 survival)",
	})

	m.ParadoxesOpen = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "echelon", Name: "paradoxes_open",
		Help: "Timelines currently above the paradox gap threshold",
	})

	m.TimelinesActive = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "echelon", Name: "timelines_active",
		Help: "Active timelines by visibility",
	}, []string{"visibility"})

	m.AgentActions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "echelon", Name: "agent_actions_total",
		Help: "Agent actions by archetype and kind",
	}, []string{"archetype", "action"})

	m.AgentsLive = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "echelon", Name: "agents_live",
		Help: "Live agents by archetype",
	}, []string{"archetype"})

	m.VenueRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "echelon", Name: "venue_requests_total",
		Help: "External platform requests by venue and outcome",
	}, []string{"venue", "outcome"})

	m.VenueBreaker = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "echelon", Name: "venue_breaker_open",
		Help: "1 when the venue circuit breaker is open",
	}, []string{"venue"})

	m.ExportBundles = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "echelon", Name: "export_bundles_total",
		Help: "Episode bundles uploaded",
	})

	m.ExportBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "echelon", Name: "export_bytes_total",
		Help: "Bytes uploaded to the episode archive",
	})

	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.SignalsIngested, m.FeedConfidence,
		m.TradesExecuted, m.TradeVolume, m.EngineLatency,
		m.BusPublished, m.BusDroppedSubs, m.BusSubscribers,
		m.ModeTier, m.ParadoxesOpen, m.TimelinesActive,
		m.AgentActions, m.AgentsLive,
		m.VenueRequests, m.VenueBreaker,
		m.ExportBundles, m.ExportBytes,
	)
	return m
}

// Handler serves the registry in Prometheus exposition format.
func (m *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}
