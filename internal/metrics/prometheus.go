package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// AcquiresTotal counts lock acquisition attempts by outcome
	// (acquired, takeover, already_completed, in_flight, retries_exhausted, contended).
	AcquiresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hooklock_acquires_total",
			Help: "Total number of lock acquisition attempts by outcome",
		},
		[]string{"outcome"},
	)

	// SignatureFailures counts rejected webhook signatures.
	SignatureFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hooklock_signature_failures_total",
			Help: "Total number of webhook deliveries rejected by signature verification",
		},
	)

	// StoreErrors counts transient record-store failures (not predicate misses).
	StoreErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hooklock_store_errors_total",
			Help: "Total number of record store infrastructure failures",
		},
	)

	// SweptRecords counts records removed by the retention sweeper.
	SweptRecords = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hooklock_swept_records_total",
			Help: "Total number of expired event records removed by the sweeper",
		},
	)

	// HandlerDuration tracks business handler latency per event type.
	HandlerDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hooklock_handler_duration_seconds",
			Help:    "Duration of business handlers invoked under the event lock",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~20s
		},
		[]string{"event_type"},
	)
)
