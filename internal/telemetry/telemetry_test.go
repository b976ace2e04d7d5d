package telemetry

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsCount(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	m.FetchAttempt("try_next")
	m.FetchAttempt("try_next")
	m.FetchAttempt("accept")
	m.Transition("plan_awaiting_review", "plan_approved")
	m.MirrorWrite("ok")
	m.StoreFallback("create")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.fetchAttempts.WithLabelValues("try_next")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.fetchAttempts.WithLabelValues("accept")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.storeFallbacks.WithLabelValues("create")))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.Len(t, families, 4)
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.FetchAttempt("accept")
	m.Transition("a", "b")
	m.MirrorWrite("ok")
	m.StoreFallback("update")
}

func TestSetupTracingWithoutEndpoint(t *testing.T) {
	shutdown, err := SetupTracing(context.Background(), "", "test")
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
	assert.NotNil(t, Tracer())
}
