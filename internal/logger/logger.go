package logger

import (
	"io"
	"os"
	"time"

	"github.com/newrelic/go-agent/v3/newrelic"
	"github.com/rs/zerolog"

	"github.com/akave-ai/hookbuffer/internal/config"
)

// Service owns the New Relic application shared by the HTTP layer, the
// engine and the database tracer. Its Application is nil when New Relic is
// not configured, which every newrelic call accepts.
type Service struct {
	app *newrelic.Application
}

func NewService(cfg *config.ObservabilityConfig) (*Service, error) {
	svc := &Service{}
	if cfg.NewRelic.LicenseKey == "" {
		return svc, nil
	}
	app, err := newrelic.NewApplication(
		newrelic.ConfigAppName(cfg.ServiceName),
		newrelic.ConfigLicense(cfg.NewRelic.LicenseKey),
		newrelic.ConfigAppLogForwardingEnabled(cfg.NewRelic.AppLogForwardingEnabled),
		newrelic.ConfigDistributedTracerEnabled(cfg.NewRelic.DistributedTracingEnabled),
		func(c *newrelic.Config) {
			c.Labels = map[string]string{"env": cfg.Environment}
		},
	)
	if err != nil {
		return nil, err
	}
	svc.app = app
	return svc, nil
}

func (s *Service) Application() *newrelic.Application {
	if s == nil {
		return nil
	}
	return s.app
}

// Shutdown flushes pending New Relic data.
func (s *Service) Shutdown() {
	if s == nil || s.app == nil {
		return
	}
	s.app.Shutdown(10 * time.Second)
}

// New builds the root logger: JSON in production or when asked for,
// human-readable console output otherwise.
func New(cfg *config.ObservabilityConfig) zerolog.Logger {
	return NewWithWriter(cfg, os.Stdout)
}

func NewWithWriter(cfg *config.ObservabilityConfig, w io.Writer) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339Nano

	out := w
	if cfg.Logging.Format != "json" && !cfg.IsProduction() {
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05.000"}
	}

	return zerolog.New(out).
		Level(cfg.GetLogLevel()).
		With().
		Timestamp().
		Str("service", cfg.ServiceName).
		Str("env", cfg.Environment).
		Logger()
}
