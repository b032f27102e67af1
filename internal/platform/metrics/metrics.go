// Package metrics exposes Prometheus collectors for the storage layer, the
// key resolver and the payment ledger. A nil *Recorder is valid and records
// nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "labcase"

// Recorder groups the collectors registered for one process.
type Recorder struct {
	storeOps       *prometheus.CounterVec
	storeDuration  *prometheus.HistogramVec
	resolverLookup *prometheus.CounterVec
	ledgerRetries  prometheus.Counter
	transitions    *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		storeOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_operations_total",
			Help:      "Collection store operations by operation, collection and result.",
		}, []string{"op", "collection", "result"}),
		storeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "store_operation_duration_seconds",
			Help:      "Latency of collection store operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op", "collection"}),
		resolverLookup: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resolver_lookups_total",
			Help:      "Key resolver attempts by strategy and result (hit, miss, error).",
		}, []string{"strategy", "result"}),
		ledgerRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_commit_retries_total",
			Help:      "Compare-and-swap retries while committing cached payment totals.",
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lifecycle_transitions_total",
			Help:      "Study request stage transitions by target stage and result.",
		}, []string{"stage", "result"}),
	}
	reg.MustRegister(r.storeOps, r.storeDuration, r.resolverLookup, r.ledgerRetries, r.transitions)
	return r
}

// ObserveStoreOp records one collection store call that started at start.
func (r *Recorder) ObserveStoreOp(op, collection string, start time.Time, err error) {
	if r == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	r.storeOps.WithLabelValues(op, collection, result).Inc()
	r.storeDuration.WithLabelValues(op, collection).Observe(time.Since(start).Seconds())
}

// ResolverLookup counts one resolver strategy attempt.
func (r *Recorder) ResolverLookup(strategy, result string) {
	if r == nil {
		return
	}
	r.resolverLookup.WithLabelValues(strategy, result).Inc()
}

// LedgerCommitRetry counts one lost compare-and-swap in the ledger.
func (r *Recorder) LedgerCommitRetry() {
	if r == nil {
		return
	}
	r.ledgerRetries.Inc()
}

// Transition counts a lifecycle transition attempt.
func (r *Recorder) Transition(stage, result string) {
	if r == nil {
		return
	}
	r.transitions.WithLabelValues(stage, result).Inc()
}

// Handler serves the metrics gathered by g in the Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
