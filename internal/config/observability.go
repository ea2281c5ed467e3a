package config

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog"
)

type ObservabilityConfig struct {
	ServiceName string         `koanf:"service_name"`
	Environment string         `koanf:"environment"`
	Logging     LoggingConfig  `koanf:"logging"`
	NewRelic    NewRelicConfig `koanf:"new_relic"`
	Otel        OtelConfig     `koanf:"otel"`
}

type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// NewRelicConfig enables the New Relic agent when LicenseKey is set.
type NewRelicConfig struct {
	LicenseKey                string `koanf:"license_key"`
	AppLogForwardingEnabled   bool   `koanf:"app_log_forwarding_enabled"`
	DistributedTracingEnabled bool   `koanf:"distributed_tracing_enabled"`
}

type OtelConfig struct {
	Enabled               bool   `koanf:"enabled"`
	Endpoint              string `koanf:"endpoint"`
	Insecure              bool   `koanf:"insecure"`
	ExportIntervalSeconds int    `koanf:"export_interval_seconds"`
}

func DefaultObservabilityConfig() *ObservabilityConfig {
	return &ObservabilityConfig{
		ServiceName: ServiceName,
		Environment: "local",
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
		NewRelic: NewRelicConfig{
			AppLogForwardingEnabled:   true,
			DistributedTracingEnabled: true,
		},
		Otel: OtelConfig{
			Endpoint:              "localhost:4317",
			Insecure:              true,
			ExportIntervalSeconds: 30,
		},
	}
}

func (c *ObservabilityConfig) Validate() error {
	if c.ServiceName == "" {
		return fmt.Errorf("service_name is required")
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if _, err := zerolog.ParseLevel(strings.ToLower(c.Logging.Level)); err != nil {
		return fmt.Errorf("invalid log level %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "":
		c.Logging.Format = "console"
	case "console", "json":
	default:
		return fmt.Errorf("invalid log format %q: must be console or json", c.Logging.Format)
	}
	if c.Otel.Enabled && c.Otel.Endpoint == "" {
		return fmt.Errorf("otel.endpoint is required when otel is enabled")
	}
	if c.Otel.ExportIntervalSeconds <= 0 {
		c.Otel.ExportIntervalSeconds = 30
	}
	return nil
}

func (c *ObservabilityConfig) GetLogLevel() zerolog.Level {
	level, err := zerolog.ParseLevel(strings.ToLower(c.Logging.Level))
	if err != nil {
		return zerolog.InfoLevel
	}
	return level
}

func (c *ObservabilityConfig) IsProduction() bool {
	return c.Environment == "production"
}
