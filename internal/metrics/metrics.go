// Package metrics holds the Prometheus collectors for settlement reconciliation.
// A nil *Metrics is valid and records nothing, so tests can pass nil.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	callTransitions  *prometheus.CounterVec
	orderTransitions *prometheus.CounterVec
	terminalRequests *prometheus.CounterVec
	terminalLatency  *prometheus.HistogramVec
	pollFailures     prometheus.Counter
	sweepCalls       prometheus.Histogram
	gatewayActions   *prometheus.CounterVec
	notifications    *prometheus.CounterVec
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		callTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "settlement",
			Name:      "call_transitions_total",
			Help:      "Escrow call status transitions applied to the ledger.",
		}, []string{"from", "to"}),
		orderTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "settlement",
			Name:      "order_transitions_total",
			Help:      "Order status transitions.",
		}, []string{"from", "to"}),
		terminalRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "settlement",
			Name:      "terminal_requests_total",
			Help:      "Requests sent to the settlement terminal by operation and outcome.",
		}, []string{"op", "outcome"}),
		terminalLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "settlement",
			Name:      "terminal_request_seconds",
			Help:      "Settlement terminal request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"}),
		pollFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "settlement",
			Name:      "poll_failures_total",
			Help:      "Status polls that failed transiently.",
		}),
		sweepCalls: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "settlement",
			Name:      "sweep_due_calls",
			Help:      "Calls due per reconciliation sweep.",
			Buckets:   []float64{0, 1, 5, 10, 25, 50, 100, 250},
		}),
		gatewayActions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "settlement",
			Name:      "gateway_actions_total",
			Help:      "User actions by outcome.",
		}, []string{"action", "outcome"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "settlement",
			Name:      "notifications_total",
			Help:      "Notifications delivered by event and outcome.",
		}, []string{"event", "outcome"}),
	}
	reg.MustRegister(
		m.callTransitions,
		m.orderTransitions,
		m.terminalRequests,
		m.terminalLatency,
		m.pollFailures,
		m.sweepCalls,
		m.gatewayActions,
		m.notifications,
	)
	return m
}

func (m *Metrics) CallTransition(from, to string) {
	if m == nil {
		return
	}
	m.callTransitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) OrderTransition(from, to string) {
	if m == nil {
		return
	}
	m.orderTransitions.WithLabelValues(from, to).Inc()
}

// TerminalRequest records one terminal round trip.
func (m *Metrics) TerminalRequest(op, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.terminalRequests.WithLabelValues(op, outcome).Inc()
	m.terminalLatency.WithLabelValues(op).Observe(elapsed.Seconds())
}

func (m *Metrics) PollFailure() {
	if m == nil {
		return
	}
	m.pollFailures.Inc()
}

func (m *Metrics) SweepDue(n int) {
	if m == nil {
		return
	}
	m.sweepCalls.Observe(float64(n))
}

func (m *Metrics) GatewayAction(action, outcome string) {
	if m == nil {
		return
	}
	m.gatewayActions.WithLabelValues(action, outcome).Inc()
}

func (m *Metrics) Notification(event, outcome string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(event, outcome).Inc()
}
