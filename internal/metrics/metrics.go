// Package metrics exposes the Prometheus counters for the serve and
// p2p-serve listeners. Ambient observability, carried per the teacher's
// stack even though spec.md's Non-goals scope out ordering/consistency
// guarantees, not metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "rustory"

// Registry bundles every metric the core emits.
type Registry struct {
	EntriesIngested *prometheus.CounterVec
	PullBatches     *prometheus.CounterVec
	PushBatches     *prometheus.CounterVec
	DialAttempts    *prometheus.CounterVec
}

// New registers the core metrics against reg (use prometheus.NewRegistry
// for an isolated registry in tests, or prometheus.DefaultRegisterer in
// production).
func New(reg prometheus.Registerer) *Registry {
	factory := promauto.With(reg)
	return &Registry{
		EntriesIngested: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "entries_ingested_total",
			Help:      "Entries inserted into the local store by sync: pulled rows and rows pushed to this node.",
		}, []string{"source"}),
		PullBatches: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pull_batches_total",
			Help:      "Pull requests issued against a peer.",
		}, []string{"peer"}),
		PushBatches: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "push_batches_total",
			Help:      "Push requests issued against a peer.",
		}, []string{"peer"}),
		DialAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dial_attempts_total",
			Help:      "P2P dial attempts by peer and route (direct/relay).",
		}, []string{"peer", "route"}),
	}
}

// IncIngested records n entries inserted into the local store from source.
// A nil Registry (metrics disabled for this run) is a no-op.
func (r *Registry) IncIngested(source string, n int) {
	if r == nil || n <= 0 {
		return
	}
	r.EntriesIngested.WithLabelValues(source).Add(float64(n))
}

// IncPullBatch records one pull request issued against peer.
func (r *Registry) IncPullBatch(peer string) {
	if r == nil {
		return
	}
	r.PullBatches.WithLabelValues(peer).Inc()
}

// IncPushBatch records one push request issued against peer.
func (r *Registry) IncPushBatch(peer string) {
	if r == nil {
		return
	}
	r.PushBatches.WithLabelValues(peer).Inc()
}

// IncDialAttempt records one p2p dial attempt against peer over route
// ("direct" or "relay").
func (r *Registry) IncDialAttempt(peer, route string) {
	if r == nil {
		return
	}
	r.DialAttempts.WithLabelValues(peer, route).Inc()
}
