package invoicerelay

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is safe to use as a nil pointer; every method is then a no-op.
type Metrics struct {
	ingestions      *prometheus.CounterVec
	moveAttempts    *prometheus.CounterVec
	moveDuration    prometheus.Histogram
	messages        *prometheus.CounterVec
	inconsistencies prometheus.Counter
	scanRecords     *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ingestions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "invoicerelay_ingestions_total",
				Help: "Object notifications handled, by result",
			},
			[]string{"result"},
		),
		moveAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "invoicerelay_move_attempts_total",
				Help: "Move attempts, by trigger and outcome",
			},
			[]string{"trigger", "outcome"},
		),
		moveDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "invoicerelay_move_duration_seconds",
				Help:    "Duration of a move attempt including the status update",
				Buckets: prometheus.DefBuckets,
			},
		),
		messages: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "invoicerelay_queue_messages_total",
				Help: "Queue messages handled, by disposition",
			},
			[]string{"disposition"},
		),
		inconsistencies: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "invoicerelay_inconsistencies_total",
				Help: "Moves that left an object duplicated or a record stale",
			},
		),
		scanRecords: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "invoicerelay_catchup_records_total",
				Help: "Records examined by the catch-up scan, by outcome",
			},
			[]string{"outcome"},
		),
	}
	if reg != nil {
		reg.MustRegister(m.ingestions, m.moveAttempts, m.moveDuration, m.messages, m.inconsistencies, m.scanRecords)
	}
	return m
}

func (m *Metrics) observeIngestion(result string) {
	if m == nil {
		return
	}
	m.ingestions.WithLabelValues(result).Inc()
}

func (m *Metrics) observeMove(trigger string, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.moveAttempts.WithLabelValues(trigger, outcome).Inc()
	m.moveDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) observeMessage(disposition string) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(disposition).Inc()
}

func (m *Metrics) observeInconsistency() {
	if m == nil {
		return
	}
	m.inconsistencies.Inc()
}

func (m *Metrics) observeScan(outcome string) {
	if m == nil {
		return
	}
	m.scanRecords.WithLabelValues(outcome).Inc()
}
