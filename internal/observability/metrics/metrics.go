package metrics

import "github.com/prometheus/client_golang/prometheus"

// SettlementMetrics exposes counters/histograms for booking and payment flows.
type SettlementMetrics struct {
	bookingsTotal    *prometheus.CounterVec
	transitionsTotal *prometheus.CounterVec
	callbacksTotal   *prometheus.CounterVec
	refundsTotal     *prometheus.CounterVec
	sweepActions     *prometheus.CounterVec
	intentAmount     prometheus.Histogram
}

func NewSettlementMetrics(reg prometheus.Registerer) *SettlementMetrics {
	m := &SettlementMetrics{
		bookingsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "carserv",
			Subsystem: "appointments",
			Name:      "bookings_total",
			Help:      "Booking attempts by outcome",
		}, []string{"outcome"}),
		transitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "carserv",
			Subsystem: "appointments",
			Name:      "transitions_total",
			Help:      "Appointment status transitions by target status",
		}, []string{"to"}),
		callbacksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "carserv",
			Subsystem: "payments",
			Name:      "gateway_callbacks_total",
			Help:      "Gateway callback results applied to the intent ledger",
		}, []string{"result"}),
		refundsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "carserv",
			Subsystem: "refunds",
			Name:      "processed_total",
			Help:      "Refund workflow outcomes",
		}, []string{"status"}),
		sweepActions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "carserv",
			Subsystem: "reconcile",
			Name:      "sweep_actions_total",
			Help:      "Rows repaired by reconciliation sweeps",
		}, []string{"sweep"}),
		intentAmount: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "carserv",
			Subsystem: "payments",
			Name:      "intent_amount",
			Help:      "Requested payment intent amounts",
			Buckets:   prometheus.ExponentialBuckets(1, 10, 8),
		}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(
		m.bookingsTotal,
		m.transitionsTotal,
		m.callbacksTotal,
		m.refundsTotal,
		m.sweepActions,
		m.intentAmount,
	)
	return m
}

func (m *SettlementMetrics) ObserveBooking(outcome string) {
	if m == nil {
		return
	}
	m.bookingsTotal.WithLabelValues(outcome).Inc()
}

func (m *SettlementMetrics) ObserveTransition(to string) {
	if m == nil {
		return
	}
	m.transitionsTotal.WithLabelValues(to).Inc()
}

func (m *SettlementMetrics) ObserveCallback(result string) {
	if m == nil {
		return
	}
	m.callbacksTotal.WithLabelValues(result).Inc()
}

func (m *SettlementMetrics) ObserveRefund(status string) {
	if m == nil {
		return
	}
	m.refundsTotal.WithLabelValues(status).Inc()
}

func (m *SettlementMetrics) ObserveSweepAction(sweep string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.sweepActions.WithLabelValues(sweep).Add(float64(count))
}

func (m *SettlementMetrics) ObserveIntentAmount(amount float64) {
	if m == nil {
		return
	}
	m.intentAmount.Observe(amount)
}
