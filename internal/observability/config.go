package observability

import "time"

// Config holds OpenTelemetry metrics configuration.
type Config struct {
	// Exporter type: "none" or "stdout"
	Exporter string `yaml:"exporter"`

	// Service name attached to the metrics resource
	ServiceName string `yaml:"service_name"`

	// How often the periodic reader exports
	Interval time.Duration `yaml:"interval"`
}

// NewConfig returns default configuration.
func NewConfig() *Config {
	return &Config{
		Exporter:    "none",
		ServiceName: "csrealtime",
		Interval:    time.Minute,
	}
}

// ShouldEnable returns true if metrics should be exported.
func (c *Config) ShouldEnable() bool {
	return c.Exporter != "" && c.Exporter != "none"
}
