// Package metrics holds the Prometheus instruments of the daemon. All methods
// are safe on a nil *Metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry        *prometheus.Registry
	sends           *prometheus.CounterVec
	ledgerFallbacks *prometheus.CounterVec
	transitions     *prometheus.CounterVec
	liveSubs        prometheus.Gauge
	repairs         *prometheus.CounterVec
	repaired        prometheus.Counter
}

// New registers the instruments on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "sends_total",
			Help:      "Send attempts by outcome.",
		}, []string{"outcome"}),
		ledgerFallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "ledger_fallbacks_total",
			Help:      "Transactional ledger fallbacks by result.",
		}, []string{"result"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "status_transitions_total",
			Help:      "Message status transitions applied.",
		}, []string{"to"}),
		liveSubs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chatsync",
			Name:      "feed_live_subscriptions",
			Help:      "Open feed change subscriptions.",
		}),
		repairs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "repair_runs_total",
			Help:      "Ledger repair sweeps by result.",
		}, []string{"result"}),
		repaired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "repair_conversations_total",
			Help:      "Conversations whose counters were recomputed by a sweep.",
		}),
	}
	m.registry.MustRegister(
		m.sends, m.ledgerFallbacks, m.transitions, m.liveSubs, m.repairs, m.repaired,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) SendOutcome(outcome string) {
	if m == nil {
		return
	}
	m.sends.WithLabelValues(outcome).Inc()
}

func (m *Metrics) LedgerFallback(ok bool) {
	if m == nil {
		return
	}
	m.ledgerFallbacks.WithLabelValues(result(ok)).Inc()
}

func (m *Metrics) StatusTransition(to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(to).Inc()
}

func (m *Metrics) LiveSubscriptions(delta int) {
	if m == nil {
		return
	}
	m.liveSubs.Add(float64(delta))
}

func (m *Metrics) RepairRun(ok bool, repaired int) {
	if m == nil {
		return
	}
	m.repairs.WithLabelValues(result(ok)).Inc()
	m.repaired.Add(float64(repaired))
}

// Registry exposes the underlying registry for tests and custom handlers.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func result(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}
