package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestDispatchLifecycle(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.Dispatched("file")
	m.Dispatched("file")
	assert.Equal(t, 2.0, testutil.ToFloat64(m.InFlight))

	m.Finished("file", "complete", time.Second)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.InFlight))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.DispatchesTotal.WithLabelValues("file")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.OutcomesTotal.WithLabelValues("file", "complete")))
}

func TestCounters(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.InvariantViolation()
	m.Renewed(3)
	m.Purged(2)
	m.ObserveHTTP("GET", "/api/downloads", "200", time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.InvariantViolations))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.RenewedTotal))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.PurgedTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/api/downloads", "200")))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Dispatched("x")
		m.Finished("x", "failed", time.Second)
		m.InvariantViolation()
		m.Renewed(1)
		m.Purged(1)
		m.ObserveHTTP("GET", "/", "200", 0)
	})
}
