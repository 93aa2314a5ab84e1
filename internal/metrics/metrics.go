// Package metrics exposes Prometheus collectors for key lifecycle calls,
// authentication sessions and the RPC transport. A nil *Recorder is valid and
// records nothing.
package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "biosign"

type Recorder struct {
	gatherer prometheus.Gatherer

	operations     *prometheus.CounterVec
	operationTime  *prometheus.HistogramVec
	sessions       *prometheus.CounterVec
	sessionsActive prometheus.Gauge
	transitions    *prometheus.CounterVec
	rpcRequests    *prometheus.CounterVec
	rpcRateLimited prometheus.Counter
}

// New registers the collectors on reg. A nil reg uses a private registry.
func New(reg *prometheus.Registry) (*Recorder, error) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	r := &Recorder{gatherer: reg}
	var err error
	if r.operations, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "operations_total",
		Help:      "Operations handled, by operation and result.",
	}, []string{"operation", "result"})); err != nil {
		return nil, err
	}
	if r.operationTime, err = register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "operation_duration_seconds",
		Help:      "Latency of synchronous operations.",
		Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	}, []string{"operation"})); err != nil {
		return nil, err
	}
	if r.sessions, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sessions_total",
		Help:      "Resolved authentication sessions, by kind and code.",
	}, []string{"kind", "code"})); err != nil {
		return nil, err
	}
	if r.sessionsActive, err = register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "sessions_active",
		Help:      "Authentication sessions not yet resolved.",
	})); err != nil {
		return nil, err
	}
	if r.transitions, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "session_transitions_total",
		Help:      "Session state transitions, by target state.",
	}, []string{"state"})); err != nil {
		return nil, err
	}
	if r.rpcRequests, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rpc_requests_total",
		Help:      "JSON-RPC requests, by method and outcome.",
	}, []string{"method", "outcome"})); err != nil {
		return nil, err
	}
	if r.rpcRateLimited, err = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rpc_rate_limited_total",
		Help:      "JSON-RPC requests rejected by the rate limiter.",
	})); err != nil {
		return nil, err
	}
	return r, nil
}

// register adds c to reg, reusing the collector already registered under
// the same descriptor.
func register[T prometheus.Collector](reg prometheus.Registerer, c T) (T, error) {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(T); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

// Handler serves the registry in the Prometheus text format.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.gatherer, promhttp.HandlerOpts{})
}

func (r *Recorder) ObserveOperation(operation, result string, elapsed time.Duration) {
	if r == nil {
		return
	}
	r.operations.WithLabelValues(operation, result).Inc()
	r.operationTime.WithLabelValues(operation).Observe(elapsed.Seconds())
}

func (r *Recorder) SessionStarted() {
	if r == nil {
		return
	}
	r.sessionsActive.Inc()
}

func (r *Recorder) SessionResolved(kind, code string) {
	if r == nil {
		return
	}
	if code == "" {
		code = "OK"
	}
	r.sessionsActive.Dec()
	r.sessions.WithLabelValues(kind, code).Inc()
}

func (r *Recorder) SessionTransition(state string) {
	if r == nil {
		return
	}
	r.transitions.WithLabelValues(state).Inc()
}

func (r *Recorder) RPCRequest(method, outcome string) {
	if r == nil {
		return
	}
	r.rpcRequests.WithLabelValues(method, outcome).Inc()
}

func (r *Recorder) RPCRateLimited() {
	if r == nil {
		return
	}
	r.rpcRateLimited.Inc()
}
