// Package metrics exposes rpc connection counters to prometheus.
//
// All methods are safe to call on a nil *Metrics, which records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const Subsystem = "caprpc"

// Table names, used as the "table" label.
const (
	TableQuestions = "questions"
	TableAnswers   = "answers"
	TableExports   = "exports"
	TableImports   = "imports"
)

type Metrics struct {
	connsActive     prometheus.Gauge
	connsTotal      prometheus.Counter
	tableEntries    *prometheus.GaugeVec
	messagesTotal   *prometheus.CounterVec
	violationsTotal prometheus.Counter
	callsTotal      *prometheus.CounterVec
}

// New creates the collectors and registers them with reg, if it is not nil.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		connsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Subsystem: Subsystem,
				Name:      "connections_active",
				Help:      "Number of rpc connections currently running",
			},
		),
		connsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Subsystem: Subsystem,
				Name:      "connections_total",
				Help:      "Cumulative number of rpc connections started",
			},
		),
		tableEntries: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Subsystem: Subsystem,
				Name:      "table_entries",
				Help:      "Entries in the rpc tables of all running connections. Broken down by table.",
			},
			[]string{"table"},
		),
		messagesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Subsystem: Subsystem,
				Name:      "messages_total",
				Help:      "Cumulative number of rpc messages by direction and message kind.",
			},
			[]string{"direction", "kind"},
		),
		violationsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Subsystem: Subsystem,
				Name:      "protocol_violations_total",
				Help:      "Cumulative number of connections torn down because the peer violated the protocol",
			},
		),
		callsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Subsystem: Subsystem,
				Name:      "calls_total",
				Help:      "Cumulative number of calls answered, by outcome.",
			},
			[]string{"outcome"},
		),
	}

	if reg != nil {
		reg.MustRegister(
			m.connsActive,
			m.connsTotal,
			m.tableEntries,
			m.messagesTotal,
			m.violationsTotal,
			m.callsTotal,
		)
	}

	return m
}

func (m *Metrics) ConnOpened() {
	if m == nil {
		return
	}
	m.connsActive.Inc()
	m.connsTotal.Inc()
}

func (m *Metrics) ConnClosed() {
	if m == nil {
		return
	}
	m.connsActive.Dec()
}

// TableDelta adjusts the entry count of table by delta.
func (m *Metrics) TableDelta(table string, delta int) {
	if m == nil || delta == 0 {
		return
	}
	m.tableEntries.WithLabelValues(table).Add(float64(delta))
}

func (m *Metrics) MessageIn(kind string) {
	if m == nil {
		return
	}
	m.messagesTotal.WithLabelValues("in", kind).Inc()
}

func (m *Metrics) MessageOut(kind string) {
	if m == nil {
		return
	}
	m.messagesTotal.WithLabelValues("out", kind).Inc()
}

func (m *Metrics) Violation() {
	if m == nil {
		return
	}
	m.violationsTotal.Inc()
}

// CallAnswered counts a call this side answered, ok reports whether it returned results.
func (m *Metrics) CallAnswered(ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.callsTotal.WithLabelValues("results").Inc()
	} else {
		m.callsTotal.WithLabelValues("exception").Inc()
	}
}
