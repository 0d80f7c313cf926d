// Package metrics turns committed kernel events into Prometheus metrics.
package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"E3Kernel/internal/events"
)

// Metrics is a bus subscriber updating counters and gauges.
type Metrics struct {
	gatherer prometheus.Gatherer

	events        *prometheus.CounterVec
	failures      *prometheus.CounterVec
	slashed       *prometheus.CounterVec
	requested     prometheus.Counter
	completed     prometheus.Counter
	refunded      prometheus.Counter
	lastSeq       prometheus.Gauge
	activeChanged prometheus.Counter
}

// New registers the kernel metrics under namespace on a fresh registry.
func New(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Metrics{
		gatherer: reg,
		events: f.NewCounterVec(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_events_total", namespace),
			Help: "Committed events by kind",
		}, []string{"kind"}),
		failures: f.NewCounterVec(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_e3_failed_total", namespace),
			Help: "Failed E3 instances by failure reason",
		}, []string{"reason"}),
		slashed: f.NewCounterVec(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_slashed_amount_total", namespace),
			Help: "Slashed funds by asset",
		}, []string{"asset"}),
		requested: f.NewCounter(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_e3_requested_total", namespace),
			Help: "Requested E3 instances",
		}),
		completed: f.NewCounter(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_e3_completed_total", namespace),
			Help: "Completed E3 instances",
		}),
		refunded: f.NewCounter(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_requester_refunded_total", namespace),
			Help: "Payment refunded to requesters",
		}),
		lastSeq: f.NewGauge(prometheus.GaugeOpts{
			Name: fmt.Sprintf("%s_last_event_seq", namespace),
			Help: "Sequence number of the last committed event",
		}),
		activeChanged: f.NewCounter(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_operator_activation_changes_total", namespace),
			Help: "Operator activation flips",
		}),
	}
}

// HandleEvents updates metrics from one committed batch.
func (m *Metrics) HandleEvents(evs []events.Event) {
	for _, e := range evs {
		m.events.WithLabelValues(string(e.Kind)).Inc()
		m.lastSeq.Set(float64(e.Seq))

		switch e.Kind {
		case events.E3Requested:
			m.requested.Inc()
		case events.E3Failed:
			reason, _ := e.Get("reason")
			m.failures.WithLabelValues(reason).Inc()
		case events.E3StageChanged:
			if to, _ := e.Get("to"); to == "Complete" {
				m.completed.Inc()
			}
		case events.OperatorSlashed:
			asset, _ := e.Get("asset")
			m.slashed.WithLabelValues(asset).Add(float64(e.Uint("amount")))
		case events.RequesterRefunded:
			m.refunded.Add(float64(e.Uint("amount")))
		case events.OperatorActivationChanged:
			m.activeChanged.Inc()
		}
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
