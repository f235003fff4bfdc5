package telemetry

import (
	"bytes"
	"log"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestWrapLoggerWritesThrough(t *testing.T) {
	var buf bytes.Buffer
	logger := WrapLogger(log.New(&buf, "", 0))
	logger.Printf("hello %s", "relay")
	require.Equal(t, "hello relay\n", buf.String())

	var nilFunc LoggerFunc
	nilFunc.Printf("ignored")
}

func TestPrometheusMetricsTracksKnownKeys(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics, err := NewPrometheusMetrics(reg)
	require.NoError(t, err)

	metrics.Add(MetricBroadcasts, 3)
	metrics.Add(MetricBroadcasts, 2)
	metrics.Store(MetricSessionsActive, 7)
	metrics.Store(MetricSessionsActive, 4)
	metrics.Add("unknown_key", 1)

	require.Equal(t, 5.0, testutil.ToFloat64(metrics.counters[MetricBroadcasts]))
	require.Equal(t, 4.0, testutil.ToFloat64(metrics.gauges[MetricSessionsActive]))

	_, err = NewPrometheusMetrics(reg)
	require.Error(t, err, "registering twice must fail")
}
