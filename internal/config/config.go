package config

import (
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
)

const (
	ServiceName = "hookbuffer"
	EnvPrefix   = "HOOKBUFFER_"
)

type Config struct {
	Primary       Primary              `koanf:"primary" validate:"required"`
	Server        ServerConfig         `koanf:"server" validate:"required"`
	Database      DatabaseConfig       `koanf:"database" validate:"required"`
	Dispatch      DispatchConfig       `koanf:"dispatch"`
	Redis         RedisConfig          `koanf:"redis"`
	Archive       ArchiveConfig        `koanf:"archive"`
	Housekeeping  HousekeepingConfig   `koanf:"housekeeping"`
	Observability *ObservabilityConfig `koanf:"observability"`
}

type Primary struct {
	Env string `koanf:"env" validate:"required"`
}

type ServerConfig struct {
	Port               string   `koanf:"port" validate:"required"`
	ReadTimeout        int      `koanf:"read_timeout" validate:"min=1"`
	WriteTimeout       int      `koanf:"write_timeout" validate:"min=1"`
	IdleTimeout        int      `koanf:"idle_timeout" validate:"min=1"`
	BodyLimit          string   `koanf:"body_limit"`
	CORSAllowedOrigins []string `koanf:"cors_allowed_origins"`
}

type DatabaseConfig struct {
	Driver          string `koanf:"driver" validate:"oneof=postgres memory"`
	URL             string `koanf:"url" validate:"required_if=Driver postgres"`
	MaxConns        int32  `koanf:"max_conns" validate:"min=0"`
	MinConns        int32  `koanf:"min_conns" validate:"min=0"`
	ConnMaxLifetime int    `koanf:"conn_max_lifetime"`
	QueryLogLevel   string `koanf:"query_log_level"`
}

type DispatchConfig struct {
	TimeoutSeconds   int    `koanf:"timeout_seconds" validate:"min=1"`
	UserAgent        string `koanf:"user_agent"`
	MaxResponseBytes int64  `koanf:"max_response_bytes"`
}

// RedisConfig enables the shared flush lock when URL is set.
type RedisConfig struct {
	URL            string `koanf:"url"`
	LockTTLSeconds int    `koanf:"lock_ttl_seconds"`
}

// ArchiveConfig enables the S3-compatible flush archive when Endpoint and
// Bucket are set.
type ArchiveConfig struct {
	Endpoint  string `koanf:"endpoint"`
	Region    string `koanf:"region"`
	Bucket    string `koanf:"bucket"`
	AccessKey string `koanf:"access_key"`
	SecretKey string `koanf:"secret_key"`
	Prefix    string `koanf:"prefix"`
}

func (a ArchiveConfig) Enabled() bool { return a.Endpoint != "" && a.Bucket != "" }

type HousekeepingConfig struct {
	IntervalSeconds int `koanf:"interval_seconds" validate:"min=1"`
	ParkedTTLHours  int `koanf:"parked_ttl_hours" validate:"min=1"`
}

func (h HousekeepingConfig) Interval() time.Duration {
	return time.Duration(h.IntervalSeconds) * time.Second
}

func (h HousekeepingConfig) ParkedTTL() time.Duration {
	return time.Duration(h.ParkedTTLHours) * time.Hour
}

func (d DispatchConfig) Timeout() time.Duration {
	return time.Duration(d.TimeoutSeconds) * time.Second
}

// flagKeys maps command line flags onto config keys.
var flagKeys = map[string]string{
	"port":         "server.port",
	"database-url": "database.url",
	"driver":       "database.driver",
	"log-level":    "observability.logging.level",
	"env":          "primary.env",
}

// LoadConfig reads path (optional YAML), then HOOKBUFFER_ environment
// variables, then flags; later sources win. Nested keys in env names are
// separated by a double underscore: HOOKBUFFER_SERVER__PORT.
func LoadConfig(path string, flags *pflag.FlagSet) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, errors.Wrapf(err, "failed to parse %s", path)
		}
	}

	err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
	}), nil)
	if err != nil {
		return nil, errors.Wrap(err, "could not load env variables")
	}

	if flags != nil {
		err = k.Load(posflag.ProviderWithFlag(flags, ".", k, func(f *pflag.Flag) (string, interface{}) {
			key, ok := flagKeys[f.Name]
			if !ok {
				return "", nil
			}
			return key, posflag.FlagVal(flags, f)
		}), nil)
		if err != nil {
			return nil, errors.Wrap(err, "could not load flags")
		}
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, errors.Wrap(err, "could not unmarshal config")
	}
	applyDefaults(cfg)

	if err := validator.New().Struct(cfg); err != nil {
		return nil, errors.Wrap(err, "invalid config")
	}

	// Observability is a pointer so an absent section can be told apart
	// from a zero one.
	if cfg.Observability == nil {
		cfg.Observability = DefaultObservabilityConfig()
	}
	cfg.Observability.ServiceName = ServiceName
	cfg.Observability.Environment = cfg.Primary.Env
	if err := cfg.Observability.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid observability config")
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Primary.Env == "" {
		cfg.Primary.Env = "local"
	}
	if cfg.Server.Port == "" {
		cfg.Server.Port = "8080"
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 30
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 30
	}
	if cfg.Server.IdleTimeout == 0 {
		cfg.Server.IdleTimeout = 60
	}
	if cfg.Server.BodyLimit == "" {
		cfg.Server.BodyLimit = "1M"
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "postgres"
	}
	if cfg.Database.MaxConns == 0 {
		cfg.Database.MaxConns = 10
	}
	if cfg.Dispatch.TimeoutSeconds == 0 {
		cfg.Dispatch.TimeoutSeconds = 10
	}
	if cfg.Dispatch.MaxResponseBytes == 0 {
		cfg.Dispatch.MaxResponseBytes = 1 << 20
	}
	if cfg.Redis.LockTTLSeconds == 0 {
		cfg.Redis.LockTTLSeconds = 60
	}
	if cfg.Archive.Region == "" {
		cfg.Archive.Region = "us-east-1"
	}
	if cfg.Archive.Prefix == "" {
		cfg.Archive.Prefix = "flushes"
	}
	if cfg.Housekeeping.IntervalSeconds == 0 {
		cfg.Housekeeping.IntervalSeconds = 3600
	}
	if cfg.Housekeeping.ParkedTTLHours == 0 {
		cfg.Housekeeping.ParkedTTLHours = 7 * 24
	}
}
