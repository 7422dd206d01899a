// Package telemetry wires Prometheus metrics and OpenTelemetry tracing.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Question outcomes.
const (
	OutcomeOK         = "ok"
	OutcomeBadRequest = "bad_request"
	OutcomeFailed     = "failed"
	OutcomeAborted    = "aborted"
)

// Metrics holds the service collectors on a private registry. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	registry       *prometheus.Registry
	questions      *prometheus.CounterVec
	fragments      prometheus.Counter
	relayDuration  prometheus.Histogram
	monsterFetches *prometheus.CounterVec
	indexReloads   *prometheus.CounterVec
}

// NewMetrics registers all collectors, plus the Go runtime and process ones.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		questions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dndgpt_questions_total",
			Help: "Questions handled, by outcome.",
		}, []string{"outcome"}),
		fragments: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dndgpt_fragments_relayed_total",
			Help: "Completion fragments written to clients.",
		}),
		relayDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "dndgpt_relay_duration_seconds",
			Help:    "Time from first pull to end of a relayed reply.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		}),
		monsterFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dndgpt_monster_fetch_total",
			Help: "Random monster fetches, by outcome.",
		}, []string{"outcome"}),
		indexReloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dndgpt_index_reloads_total",
			Help: "Index hot reload attempts, by outcome.",
		}, []string{"outcome"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.questions,
		m.fragments,
		m.relayDuration,
		m.monsterFetches,
		m.indexReloads,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveQuestion records one /question outcome. fragments and d are only
// recorded when a relay ran.
func (m *Metrics) ObserveQuestion(outcome string, fragments int, d time.Duration) {
	if m == nil {
		return
	}
	m.questions.WithLabelValues(outcome).Inc()
	if fragments > 0 {
		m.fragments.Add(float64(fragments))
	}
	if d > 0 {
		m.relayDuration.Observe(d.Seconds())
	}
}

// ObserveMonsterFetch records a monster fetch result.
func (m *Metrics) ObserveMonsterFetch(err error) {
	if m == nil {
		return
	}
	m.monsterFetches.WithLabelValues(outcomeOf(err)).Inc()
}

// ObserveIndexReload records an index reload result.
func (m *Metrics) ObserveIndexReload(err error) {
	if m == nil {
		return
	}
	m.indexReloads.WithLabelValues(outcomeOf(err)).Inc()
}

func outcomeOf(err error) string {
	if err != nil {
		return "error"
	}
	return OutcomeOK
}
