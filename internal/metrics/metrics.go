// Package metrics holds the pipeline's prometheus collectors.
// Every method is safe to call on a nil *Metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "txpipeline"

// Metrics groups the collectors of one pipeline instance.
type Metrics struct {
	QueueDepth          *prometheus.GaugeVec
	QueueTransitions    *prometheus.CounterVec
	Retries             *prometheus.CounterVec
	Broadcasts          *prometheus.CounterVec
	ConfirmationLatency *prometheus.HistogramVec
	FeeQuotes           *prometheus.CounterVec
	BreakerState        *prometheus.GaugeVec
}

// New registers the collectors on reg. A nil reg uses a private registry,
// which keeps tests and multiple pipelines from colliding.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)
	return &Metrics{
		QueueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_items",
			Help:      "Number of queue items per state",
		}, []string{"state"}),
		QueueTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_transitions_total",
			Help:      "Queue item state transitions",
		}, []string{"to"}),
		Retries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_total",
			Help:      "Retries scheduled, by failure category",
		}, []string{"category"}),
		Broadcasts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcasts_total",
			Help:      "Broadcast attempts by result",
		}, []string{"result"}),
		ConfirmationLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "confirmation_duration_seconds",
			Help:      "Time from wait start to a terminal confirmation result",
			Buckets:   []float64{1, 2, 5, 10, 15, 30, 60, 120, 300, 600},
		}, []string{"outcome"}),
		FeeQuotes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fee_quotes_total",
			Help:      "Fee quotes produced, by priority and whether the fallback was used",
		}, []string{"priority", "fallback"}),
		BreakerState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state (0 closed, 1 open, 2 half-open)",
		}, []string{"name"}),
	}
}

func (m *Metrics) SetQueueDepth(state string, n int) {
	if m == nil {
		return
	}
	m.QueueDepth.WithLabelValues(state).Set(float64(n))
}

func (m *Metrics) ObserveTransition(to string) {
	if m == nil {
		return
	}
	m.QueueTransitions.WithLabelValues(to).Inc()
}

func (m *Metrics) ObserveRetry(category string) {
	if m == nil {
		return
	}
	m.Retries.WithLabelValues(category).Inc()
}

func (m *Metrics) ObserveBroadcast(result string) {
	if m == nil {
		return
	}
	m.Broadcasts.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveConfirmation(outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.ConfirmationLatency.WithLabelValues(outcome).Observe(took.Seconds())
}

func (m *Metrics) ObserveFeeQuote(priority string, fallback bool) {
	if m == nil {
		return
	}
	fb := "false"
	if fallback {
		fb = "true"
	}
	m.FeeQuotes.WithLabelValues(priority, fb).Inc()
}

func (m *Metrics) SetBreakerState(name string, state int) {
	if m == nil {
		return
	}
	m.BreakerState.WithLabelValues(name).Set(float64(state))
}
