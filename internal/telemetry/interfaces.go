package telemetry

import (
	"log"
)

// Logger exposes the logging capabilities required by relay components.
type Logger interface {
	Printf(format string, args ...any)
}

// LoggerFunc adapts functions into the Logger interface.
type LoggerFunc func(format string, args ...any)

// Printf implements Logger for LoggerFunc.
func (f LoggerFunc) Printf(format string, args ...any) {
	if f == nil {
		return
	}
	f(format, args...)
}

// WrapLogger adapts a standard library logger to the Logger interface.
func WrapLogger(logger *log.Logger) Logger {
	return &loggerAdapter{logger: logger}
}

type loggerAdapter struct {
	logger *log.Logger
}

func (l *loggerAdapter) Printf(format string, args ...any) {
	if l == nil || l.logger == nil {
		return
	}
	l.logger.Printf(format, args...)
}

// StandardLogger exposes the wrapped logger for components that need one.
func (l *loggerAdapter) StandardLogger() *log.Logger {
	return l.logger
}

// DefaultLogger returns logger, or the process default when logger is nil.
func DefaultLogger(logger Logger) Logger {
	if logger == nil {
		return WrapLogger(log.Default())
	}
	return logger
}

// Metrics exposes the counters and gauges relay components report into.
// Add is for monotonically increasing counters, Store for point-in-time gauges.
type Metrics interface {
	Add(key string, delta uint64)
	Store(key string, value uint64)
}

// Metric keys recognised by the Prometheus adapter.
const (
	MetricSessionsActive      = "sessions_active"
	MetricEntitiesCached      = "entities_cached"
	MetricBroadcasts          = "broadcasts_total"
	MetricBroadcastFailures   = "broadcast_failures_total"
	MetricReducerCalls        = "reducer_calls_total"
	MetricReducerFailures     = "reducer_failures_total"
	MetricConnectAttempts     = "upstream_connect_attempts_total"
	MetricUpstreamConnected   = "upstream_connected"
	MetricMalformedMessages   = "malformed_messages_total"
	MetricIntentsDropped      = "intents_dropped_total"
	MetricUpstreamChangesSeen = "upstream_changes_total"
)

type nopMetrics struct{}

func (nopMetrics) Add(string, uint64)   {}
func (nopMetrics) Store(string, uint64) {}

// NopMetrics discards every observation.
func NopMetrics() Metrics {
	return nopMetrics{}
}

// DefaultMetrics returns metrics, or a no-op sink when metrics is nil.
func DefaultMetrics(metrics Metrics) Metrics {
	if metrics == nil {
		return NopMetrics()
	}
	return metrics
}
