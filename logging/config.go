package logging

import (
	"maps"
	"time"
)

// Config tunes the event router.
type Config struct {
	// QueueSize bounds events accepted but not yet handed to sinks.
	QueueSize int
	// SinkBacklog bounds events waiting on one slow sink.
	SinkBacklog     int
	MinimumSeverity Severity
	// Fields are attached to every event unless the event sets them itself.
	Fields map[string]any
	// DropReportInterval rate limits fallback warnings about dropped events.
	DropReportInterval time.Duration
	JSONFlushInterval  time.Duration
}

func DefaultConfig() Config {
	return Config{
		QueueSize:          512,
		SinkBacklog:        256,
		MinimumSeverity:    SeverityInfo,
		DropReportInterval: 5 * time.Second,
		JSONFlushInterval:  2 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.QueueSize <= 0 {
		c.QueueSize = defaults.QueueSize
	}
	if c.SinkBacklog <= 0 {
		c.SinkBacklog = defaults.SinkBacklog
	}
	if c.DropReportInterval <= 0 {
		c.DropReportInterval = defaults.DropReportInterval
	}
	if c.JSONFlushInterval <= 0 {
		c.JSONFlushInterval = defaults.JSONFlushInterval
	}
	if len(c.Fields) > 0 {
		c.Fields = maps.Clone(c.Fields)
	}
	return c
}
