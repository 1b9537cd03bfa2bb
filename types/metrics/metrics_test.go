package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNilMetrics(t *testing.T) {
	var m *Metrics

	assert.NotPanics(t, func() {
		m.ConnOpened()
		m.TableDelta(TableExports, 1)
		m.MessageIn("call")
		m.MessageOut("return")
		m.Violation()
		m.CallAnswered(true)
		m.ConnClosed()
	})
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewPedanticRegistry()
	m := New(reg)

	m.ConnOpened()
	m.ConnOpened()
	m.ConnClosed()
	assert.Equal(t, float64(1), testutil.ToFloat64(m.connsActive))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.connsTotal))

	m.TableDelta(TableQuestions, 3)
	m.TableDelta(TableQuestions, -1)
	assert.Equal(t, float64(2), testutil.ToFloat64(m.tableEntries.WithLabelValues(TableQuestions)))

	m.MessageIn("call")
	m.MessageIn("call")
	m.MessageOut("return")
	assert.Equal(t, float64(2), testutil.ToFloat64(m.messagesTotal.WithLabelValues("in", "call")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.messagesTotal.WithLabelValues("out", "return")))

	m.CallAnswered(false)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.callsTotal.WithLabelValues("exception")))

	m.Violation()
	assert.Equal(t, float64(1), testutil.ToFloat64(m.violationsTotal))

	n, err := testutil.GatherAndCount(reg)
	assert.NoError(t, err)
	assert.Positive(t, n)
}
