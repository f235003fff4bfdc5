package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "relay"

// PrometheusMetrics implements Metrics on top of pre-registered Prometheus
// collectors. Keys that are not known are ignored.
type PrometheusMetrics struct {
	counters map[string]prometheus.Counter
	gauges   map[string]prometheus.Gauge
}

var counterHelp = map[string]string{
	MetricBroadcasts:          "Messages fanned out to client sessions.",
	MetricBroadcastFailures:   "Per-session broadcast deliveries that failed.",
	MetricReducerCalls:        "Reducer calls issued to the backing store.",
	MetricReducerFailures:     "Reducer calls that failed.",
	MetricConnectAttempts:     "Connect attempts made against the backing store.",
	MetricMalformedMessages:   "Inbound client messages dropped as malformed.",
	MetricIntentsDropped:      "Client intents dropped without being forwarded.",
	MetricUpstreamChangesSeen: "Row changes received from the backing store.",
}

var gaugeHelp = map[string]string{
	MetricSessionsActive:    "Currently registered client sessions.",
	MetricEntitiesCached:    "Entities held in the relay cache.",
	MetricUpstreamConnected: "1 while the upstream link is connected.",
}

// NewPrometheusMetrics creates and registers the relay collectors with reg.
func NewPrometheusMetrics(reg prometheus.Registerer) (*PrometheusMetrics, error) {
	m := &PrometheusMetrics{
		counters: make(map[string]prometheus.Counter, len(counterHelp)),
		gauges:   make(map[string]prometheus.Gauge, len(gaugeHelp)),
	}
	for key, help := range counterHelp {
		counter := prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: key, Help: help})
		if err := reg.Register(counter); err != nil {
			return nil, err
		}
		m.counters[key] = counter
	}
	for key, help := range gaugeHelp {
		gauge := prometheus.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: key, Help: help})
		if err := reg.Register(gauge); err != nil {
			return nil, err
		}
		m.gauges[key] = gauge
	}
	return m, nil
}

func (m *PrometheusMetrics) Add(key string, delta uint64) {
	if m == nil {
		return
	}
	if counter, ok := m.counters[key]; ok {
		counter.Add(float64(delta))
	}
}

func (m *PrometheusMetrics) Store(key string, value uint64) {
	if m == nil {
		return
	}
	if gauge, ok := m.gauges[key]; ok {
		gauge.Set(float64(value))
	}
}
