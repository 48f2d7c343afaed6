// Package metrics Prometheus метрики жизненного цикла вызовов.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/arzzra/callcore/pkg/call"
)

// Collector собирает метрики вызовов и реализует call.Observer
//
// Метрики:
//   - calls_started_total{role} начатые вызовы по роли
//   - state_transitions_total{from,to} переходы машины состояний
//   - call_failures_total{kind} ошибки по категориям
//   - calls_ended_total{reason} завершенные вызовы по причине
//   - call_duration_seconds длительность разговора
//   - calls_active вызовы, которые еще не завершены
type Collector struct {
	CallsStarted *prometheus.CounterVec
	Transitions  *prometheus.CounterVec
	Failures     *prometheus.CounterVec
	CallsEnded   *prometheus.CounterVec
	Duration     prometheus.Histogram
	Active       prometheus.Gauge
}

var _ call.Observer = (*Collector)(nil)

// New регистрирует метрики в reg. nil означает prometheus.DefaultRegisterer.
func New(reg prometheus.Registerer, namespace string) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	const subsystem = "call"

	return &Collector{
		CallsStarted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "calls_started_total",
			Help:      "Total number of calls started, by role",
		}, []string{"role"}),

		Transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "state_transitions_total",
			Help:      "Total number of call state transitions",
		}, []string{"from", "to"}),

		Failures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "call_failures_total",
			Help:      "Total number of calls ended by an error, by error kind",
		}, []string{"kind"}),

		CallsEnded: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "calls_ended_total",
			Help:      "Total number of ended calls, by reason",
		}, []string{"reason"}),

		Duration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "call_duration_seconds",
			Help:      "Duration of connected calls",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		}),

		Active: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "calls_active",
			Help:      "Number of calls that have not ended yet",
		}),
	}
}

func (c *Collector) CallStarted(role string) {
	c.CallsStarted.WithLabelValues(role).Inc()
	c.Active.Inc()
}

func (c *Collector) StateChanged(from, to call.Status) {
	c.Transitions.WithLabelValues(from.String(), to.String()).Inc()
}

func (c *Collector) CallFailed(kind call.ErrorKind) {
	c.Failures.WithLabelValues(kind.String()).Inc()
}

// CallEnded учитывает длительность только состоявшихся разговоров
func (c *Collector) CallEnded(reason call.EndReason, duration time.Duration) {
	c.CallsEnded.WithLabelValues(string(reason)).Inc()
	c.Active.Dec()
	if duration > 0 {
		c.Duration.Observe(duration.Seconds())
	}
}
