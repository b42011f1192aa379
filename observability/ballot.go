package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// BallotMetrics records election synchronization activity.
type BallotMetrics struct {
	transactions *prometheus.CounterVec
	transitions  *prometheus.CounterVec
	confirmation *prometheus.HistogramVec
	refreshes    *prometheus.CounterVec
	refreshFails prometheus.Counter
	coalesced    prometheus.Counter
	listeners    prometheus.Gauge
	gate         *prometheus.CounterVec
	epoch        prometheus.Gauge
}

var (
	ballotMetricsOnce sync.Once
	ballotRegistry    *BallotMetrics
)

// Ballot returns the lazily-initialised election metrics registry.
func Ballot() *BallotMetrics {
	ballotMetricsOnce.Do(func() {
		ballotRegistry = &BallotMetrics{
			transactions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "ballot",
				Subsystem: "txn",
				Name:      "submissions_total",
				Help:      "Transactions submitted segmented by contract method and final outcome.",
			}, []string{"method", "outcome"}),
			transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "ballot",
				Subsystem: "txn",
				Name:      "state_transitions_total",
				Help:      "Transaction state machine transitions by target state.",
			}, []string{"state"}),
			confirmation: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "ballot",
				Subsystem: "txn",
				Name:      "confirmation_seconds",
				Help:      "Time from submission until a transaction is confirmed or rejected.",
				Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120},
			}, []string{"method"}),
			refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "ballot",
				Subsystem: "reconcile",
				Name:      "refreshes_total",
				Help:      "Completed state refreshes segmented by trigger.",
			}, []string{"trigger"}),
			refreshFails: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "ballot",
				Subsystem: "reconcile",
				Name:      "refresh_failures_total",
				Help:      "Refreshes that failed and left the previous snapshot in place.",
			}),
			coalesced: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "ballot",
				Subsystem: "reconcile",
				Name:      "coalesced_requests_total",
				Help:      "Refresh requests absorbed by an already pending refresh.",
			}),
			listeners: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "ballot",
				Subsystem: "reconcile",
				Name:      "listeners",
				Help:      "Live ledger event listeners.",
			}),
			gate: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "ballot",
				Subsystem: "gate",
				Name:      "decisions_total",
				Help:      "One-time action attempts segmented by action and result.",
			}, []string{"action", "result"}),
			epoch: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "ballot",
				Subsystem: "registry",
				Name:      "epoch",
				Help:      "Number of times the active election pointer changed.",
			}),
		}
		prometheus.MustRegister(
			ballotRegistry.transactions,
			ballotRegistry.transitions,
			ballotRegistry.confirmation,
			ballotRegistry.refreshes,
			ballotRegistry.refreshFails,
			ballotRegistry.coalesced,
			ballotRegistry.listeners,
			ballotRegistry.gate,
			ballotRegistry.epoch,
		)
	})
	return ballotRegistry
}

// RecordTransaction records the final outcome of a submission.
func (m *BallotMetrics) RecordTransaction(method, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.transactions.WithLabelValues(method, outcome).Inc()
	if elapsed > 0 {
		m.confirmation.WithLabelValues(method).Observe(elapsed.Seconds())
	}
}

// RecordTransition counts a transaction state change.
func (m *BallotMetrics) RecordTransition(state string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(state).Inc()
}

// RecordRefresh counts a refresh attempt.
func (m *BallotMetrics) RecordRefresh(trigger string, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.refreshFails.Inc()
		return
	}
	m.refreshes.WithLabelValues(trigger).Inc()
}

// RecordCoalesced counts a refresh request merged into a pending one.
func (m *BallotMetrics) RecordCoalesced() {
	if m == nil {
		return
	}
	m.coalesced.Inc()
}

// SetListeners publishes the live listener count.
func (m *BallotMetrics) SetListeners(n int) {
	if m == nil {
		return
	}
	m.listeners.Set(float64(n))
}

// RecordGate counts a one-time action decision.
func (m *BallotMetrics) RecordGate(action, result string) {
	if m == nil {
		return
	}
	m.gate.WithLabelValues(action, result).Inc()
}

// SetEpoch publishes the registry epoch.
func (m *BallotMetrics) SetEpoch(epoch uint64) {
	if m == nil {
		return
	}
	m.epoch.Set(float64(epoch))
}
