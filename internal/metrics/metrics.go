package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus instruments for the engine and the
// enricher. Counters are lock-free; no other global mutable state.
type Metrics struct {
	SessionsOpened     *prometheus.CounterVec
	SessionsClosed     *prometheus.CounterVec
	SessionsActive     prometheus.Gauge
	ConnectionsTotal   *prometheus.CounterVec
	ConnectionsRefused *prometheus.CounterVec
	ActionsTotal       *prometheus.CounterVec
	LureHitsTotal      prometheus.Counter
	StoreWriteErrors   prometheus.Counter
	BusPublishErrors   prometheus.Counter
	DeadLettersTotal   prometheus.Counter
	ClassifierErrors   prometheus.Counter
	EnrichedTotal      prometheus.Counter
	EnrichDuration     prometheus.Histogram
	HandlerPanics      prometheus.Counter
}

// New registers the instrument set on the default registry.
func New() *Metrics {
	return NewWith(prometheus.DefaultRegisterer)
}

// NewWith registers the instrument set on the given registry. Tests pass
// a fresh registry so instances never collide.
func NewWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		SessionsOpened: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "trapline_sessions_opened_total",
			Help: "Sessions opened, by protocol",
		}, []string{"protocol"}),
		SessionsClosed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "trapline_sessions_closed_total",
			Help: "Sessions sealed, by closure reason",
		}, []string{"reason"}),
		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "trapline_sessions_active",
			Help: "Sessions currently open",
		}),
		ConnectionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "trapline_connections_total",
			Help: "Accepted connections, by protocol",
		}, []string{"protocol"}),
		ConnectionsRefused: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "trapline_connections_refused_total",
			Help: "Connections refused before a session opened, by cause",
		}, []string{"cause"}),
		ActionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "trapline_actions_total",
			Help: "Action records appended, by protocol",
		}, []string{"protocol"}),
		LureHitsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "trapline_lure_hits_total",
			Help: "Lure file accesses",
		}),
		StoreWriteErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "trapline_store_write_errors_total",
			Help: "Session store write failures",
		}),
		BusPublishErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "trapline_bus_publish_errors_total",
			Help: "Event bus publish failures",
		}),
		DeadLettersTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "trapline_dead_letters_total",
			Help: "Messages moved to the dead-letter stream",
		}),
		ClassifierErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "trapline_classifier_errors_total",
			Help: "Classifier panics isolated per message",
		}),
		EnrichedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "trapline_enriched_events_total",
			Help: "Enriched action events published",
		}),
		EnrichDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "trapline_enrich_duration_seconds",
			Help:    "Time spent classifying one action",
			Buckets: prometheus.DefBuckets,
		}),
		HandlerPanics: factory.NewCounter(prometheus.CounterOpts{
			Name: "trapline_handler_panics_total",
			Help: "Protocol handler panics contained by the orchestrator",
		}),
	}
}
