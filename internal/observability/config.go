package observability

// Config captures opt-in observability toggles that wire into the relay's HTTP surface.
type Config struct {
	EnablePprof bool   `yaml:"enable_pprof"`
	MetricsPath string `yaml:"metrics_path"`
}

// DefaultMetricsPath is where Prometheus metrics are served when MetricsPath is empty.
const DefaultMetricsPath = "/metrics"

// Path returns the configured metrics path or the default.
func (c Config) Path() string {
	if c.MetricsPath == "" {
		return DefaultMetricsPath
	}
	return c.MetricsPath
}
