package observability

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"ballotsync/election"
)

const unknownEvent = "unknown"

// EventMetrics counts ledger events delivered to listeners and listeners
// lost to provider errors. Labels are limited to the known event kinds.
type EventMetrics struct {
	received *prometheus.CounterVec
	dropped  *prometheus.CounterVec
	kinds    map[election.EventKind]string
}

var (
	eventMetricsOnce sync.Once
	eventRegistry    *EventMetrics
)

// Events returns the process-wide event metrics.
func Events() *EventMetrics {
	eventMetricsOnce.Do(func() {
		m := &EventMetrics{
			received: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "ballot",
				Subsystem: "events",
				Name:      "received_total",
				Help:      "Ledger events delivered to listeners by kind.",
			}, []string{"kind"}),
			dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "ballot",
				Subsystem: "events",
				Name:      "listener_drops_total",
				Help:      "Event listeners terminated by the provider, by kind.",
			}, []string{"kind"}),
			kinds: make(map[election.EventKind]string),
		}
		known := append([]election.EventKind{election.EventElectionCreated}, election.ElectionEvents...)
		for _, kind := range known {
			m.kinds[kind] = string(kind)
			m.received.WithLabelValues(string(kind))
			m.dropped.WithLabelValues(string(kind))
		}
		prometheus.MustRegister(m.received, m.dropped)
		eventRegistry = m
	})
	return eventRegistry
}

func (m *EventMetrics) label(kind election.EventKind) string {
	if label, ok := m.kinds[election.EventKind(strings.TrimSpace(string(kind)))]; ok {
		return label
	}
	return unknownEvent
}

// RecordEvent counts one delivered event.
func (m *EventMetrics) RecordEvent(kind election.EventKind) {
	if m == nil {
		return
	}
	m.received.WithLabelValues(m.label(kind)).Inc()
}

// RecordDrop counts a listener the provider terminated.
func (m *EventMetrics) RecordDrop(kind election.EventKind) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(m.label(kind)).Inc()
}
