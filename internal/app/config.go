package app

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"spacetime-relay/internal/observability"
	"spacetime-relay/internal/telemetry"
	"spacetime-relay/internal/upstream"
	"spacetime-relay/logging"
)

// ConfigEnv names the environment variable holding the config file path.
const ConfigEnv = "RELAY_CONFIG"

// Config is the full relay configuration. Values come from DefaultConfig,
// then an optional YAML file, then environment overrides, then flags.
type Config struct {
	// Listen is the address the HTTP and websocket surface binds to.
	Listen        string               `yaml:"listen"`
	Upstream      UpstreamConfig       `yaml:"upstream"`
	Sessions      SessionsConfig       `yaml:"sessions"`
	Logging       LoggingConfig        `yaml:"logging"`
	Observability observability.Config `yaml:"observability"`

	Logger telemetry.Logger `yaml:"-"`
	// Listener, when set, is served instead of binding Listen.
	Listener net.Listener `yaml:"-"`
}

// UpstreamConfig locates the backing store and tunes the link to it.
type UpstreamConfig struct {
	Host         string `yaml:"host"`
	Port         string `yaml:"port"`
	Module       string `yaml:"module"`
	Table        string `yaml:"table"`
	InitialQuery string `yaml:"initial_query"`
	// CallTimeout bounds every request on the upstream transport.
	CallTimeout    time.Duration `yaml:"call_timeout"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	Retry          RetryConfig   `yaml:"retry"`
	// ExitOnFailure stops the relay once the retry budget is spent.
	ExitOnFailure bool `yaml:"exit_on_failure"`
}

type RetryConfig struct {
	Interval    time.Duration `yaml:"interval"`
	MaxAttempts int           `yaml:"max_attempts"`
	Unbounded   bool          `yaml:"unbounded"`
}

type SessionsConfig struct {
	SendQueue       int           `yaml:"send_queue"`
	WriteWait       time.Duration `yaml:"write_wait"`
	MaxMessageBytes int64         `yaml:"max_message_bytes"`
	// IntentRate is intents per second per session; zero disables the limit.
	IntentRate  float64 `yaml:"intent_rate"`
	IntentBurst int     `yaml:"intent_burst"`
}

type LoggingConfig struct {
	MinSeverity string `yaml:"min_severity"`
	// JSONPath enables the newline-delimited JSON event sink.
	JSONPath string `yaml:"json_path"`
}

func DefaultConfig() Config {
	retry := upstream.DefaultRetryPolicy()
	return Config{
		Listen: ":8080",
		Upstream: UpstreamConfig{
			Host:           "localhost",
			Port:           "4000",
			Module:         "spacetime-game-server",
			Table:          "GameEntity",
			InitialQuery:   "get_all_entities",
			CallTimeout:    30 * time.Second,
			ConnectTimeout: 10 * time.Second,
			Retry: RetryConfig{
				Interval:    retry.Interval,
				MaxAttempts: retry.MaxAttempts,
			},
		},
		Sessions: SessionsConfig{
			SendQueue:       256,
			WriteWait:       10 * time.Second,
			MaxMessageBytes: 64 * 1024,
		},
		Logging: LoggingConfig{
			MinSeverity: "info",
		},
		Observability: observability.Config{
			MetricsPath: observability.DefaultMetricsPath,
		},
	}
}

// LoadFile reads path on top of the defaults.
func LoadFile(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnv overrides cfg from the environment. Invalid values are logged
// and ignored.
func (c *Config) ApplyEnv(lookup func(string) (string, bool), logger telemetry.Logger) {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	logger = telemetry.DefaultLogger(logger)

	str := func(key string, dst *string) {
		if raw, ok := lookup(key); ok && raw != "" {
			*dst = raw
		}
	}
	str("RELAY_LISTEN_ADDR", &c.Listen)
	str("SPACETIME_HOST", &c.Upstream.Host)
	str("SPACETIME_PORT", &c.Upstream.Port)
	str("SPACETIME_MODULE", &c.Upstream.Module)
	str("RELAY_LOG_LEVEL", &c.Logging.MinSeverity)

	if raw, ok := lookup("RELAY_RETRY_INTERVAL"); ok && raw != "" {
		if value, err := parseInterval(raw); err == nil {
			c.Upstream.Retry.Interval = value
		} else {
			logger.Printf("invalid RELAY_RETRY_INTERVAL=%q: %v", raw, err)
		}
	}
	if raw, ok := lookup("RELAY_RETRY_MAX_ATTEMPTS"); ok && raw != "" {
		if value, err := strconv.Atoi(raw); err == nil {
			c.Upstream.Retry.MaxAttempts = value
		} else {
			logger.Printf("invalid RELAY_RETRY_MAX_ATTEMPTS=%q: %v", raw, err)
		}
	}
	if raw, ok := lookup("RELAY_RETRY_UNBOUNDED"); ok && raw != "" {
		if value, err := strconv.ParseBool(raw); err == nil {
			c.Upstream.Retry.Unbounded = value
		} else {
			logger.Printf("invalid RELAY_RETRY_UNBOUNDED=%q: %v", raw, err)
		}
	}
	if raw, ok := lookup("ENABLE_PPROF_TRACE"); ok && raw != "" {
		if value, err := strconv.ParseBool(raw); err == nil {
			c.Observability.EnablePprof = value
		} else {
			logger.Printf("invalid ENABLE_PPROF_TRACE=%q: %v", raw, err)
		}
	}
}

// parseInterval accepts a Go duration or a whole number of seconds.
func parseInterval(raw string) (time.Duration, error) {
	if value, err := time.ParseDuration(raw); err == nil {
		return value, nil
	}
	seconds, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("not a duration or whole seconds")
	}
	return time.Duration(seconds) * time.Second, nil
}

// Validate reports every problem with c at once.
func (c Config) Validate() error {
	var errs []error
	if c.Listen == "" && c.Listener == nil {
		errs = append(errs, errors.New("listen address must be set"))
	}
	if c.Upstream.Host == "" || c.Upstream.Port == "" {
		errs = append(errs, errors.New("upstream host and port must be set"))
	}
	if c.Upstream.Module == "" {
		errs = append(errs, errors.New("upstream module must be set"))
	}
	if c.Upstream.Table == "" {
		errs = append(errs, errors.New("upstream table must be set"))
	}
	if c.Upstream.InitialQuery == "" {
		errs = append(errs, errors.New("upstream initial query must be set"))
	}
	if c.Upstream.Retry.Interval <= 0 {
		errs = append(errs, fmt.Errorf("retry interval must be positive, got %s", c.Upstream.Retry.Interval))
	}
	if c.Upstream.Retry.MaxAttempts < 1 && !c.Upstream.Retry.Unbounded {
		errs = append(errs, fmt.Errorf("retry max attempts must be at least 1, got %d", c.Upstream.Retry.MaxAttempts))
	}
	if c.Sessions.IntentRate < 0 {
		errs = append(errs, errors.New("sessions intent rate must not be negative"))
	}
	if _, err := logging.ParseSeverity(c.Logging.MinSeverity); err != nil {
		errs = append(errs, err)
	}
	return multierr.Combine(errs...)
}

// UpstreamURL is the websocket endpoint of the configured module.
func (c Config) UpstreamURL() string {
	return upstream.SubscribeURL(c.Upstream.Host, c.Upstream.Port, c.Upstream.Module)
}

// RetryPolicy converts the retry settings for the upstream link.
func (c Config) RetryPolicy() upstream.RetryPolicy {
	return upstream.RetryPolicy{
		Interval:    c.Upstream.Retry.Interval,
		MaxAttempts: c.Upstream.Retry.MaxAttempts,
		Unbounded:   c.Upstream.Retry.Unbounded,
	}
}
