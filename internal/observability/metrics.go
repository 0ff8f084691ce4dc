package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the debt engine.
type Metrics struct {
	// --- Position operations ---
	OpsApplied  *prometheus.CounterVec
	OpsRejected *prometheus.CounterVec
	OpDuration  *prometheus.HistogramVec

	// --- Solvency ---
	HealthChecksFailed prometheus.Counter
	LiquidationsTotal  prometheus.Counter
	LiquidationsFailed *prometheus.CounterVec

	// --- Oracle ---
	OracleQuotes prometheus.Counter
	OracleStale  prometheus.Counter

	// --- Outbound ---
	EventsPublished prometheus.Counter
	PublishDrops    prometheus.Counter
	PersistErrors   prometheus.Counter
	PersistWritten  prometheus.Counter
}

// NewMetrics registers all metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		OpsApplied: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dsc_ops_applied_total",
			Help: "Committed position operations by type.",
		}, []string{"op"}),
		OpsRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dsc_ops_rejected_total",
			Help: "Aborted position operations by type and reason.",
		}, []string{"op", "reason"}),
		OpDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dsc_op_duration_seconds",
			Help:    "Position operation latency by type.",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),

		HealthChecksFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "dsc_health_checks_failed_total",
			Help: "Post-condition health factor checks that aborted an operation.",
		}),
		LiquidationsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "dsc_liquidations_total",
			Help: "Successfully completed liquidations.",
		}),
		LiquidationsFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dsc_liquidations_failed_total",
			Help: "Failed liquidations by reason.",
		}, []string{"reason"}),

		OracleQuotes: factory.NewCounter(prometheus.CounterOpts{
			Name: "dsc_oracle_quotes_total",
			Help: "Price quotes fetched from external sources.",
		}),
		OracleStale: factory.NewCounter(prometheus.CounterOpts{
			Name: "dsc_oracle_stale_total",
			Help: "Quotes rejected for staleness.",
		}),

		EventsPublished: factory.NewCounter(prometheus.CounterOpts{
			Name: "dsc_events_published_total",
			Help: "Domain events published to NATS.",
		}),
		PublishDrops: factory.NewCounter(prometheus.CounterOpts{
			Name: "dsc_publish_drops_total",
			Help: "Domain events dropped because the publish channel was full.",
		}),
		PersistErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "dsc_persist_errors_total",
			Help: "Operation log write failures.",
		}),
		PersistWritten: factory.NewCounter(prometheus.CounterOpts{
			Name: "dsc_persist_written_total",
			Help: "Operation log rows written.",
		}),
	}
}

// NewDefaultMetrics registers on the default Prometheus registerer.
func NewDefaultMetrics() *Metrics {
	return NewMetrics(prometheus.DefaultRegisterer)
}
