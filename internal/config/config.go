package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix namespaces every environment variable except the bare names kept
// for compatibility with existing deployments (APP_ENV, DATABASE_URL,
// REDIS_ADDR).
const EnvPrefix = "PAYFLOW"

// Database drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Config holds the application configuration.
type Config struct {
	Environment string           `mapstructure:"environment"`
	Database    DatabaseConfig   `mapstructure:"database"`
	HTTP        HTTPConfig       `mapstructure:"http"`
	GRPC        GRPCConfig       `mapstructure:"grpc"`
	Aggregator  AggregatorConfig `mapstructure:"aggregator"`
	Auth        AuthConfig       `mapstructure:"auth"`
	Redis       RedisConfig      `mapstructure:"redis"`
	Settlement  SettlementConfig `mapstructure:"settlement"`
	Log         LogConfig        `mapstructure:"log"`
}

type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	URL      string `mapstructure:"url"`
	MaxConns int32  `mapstructure:"max_conns"`
}

type HTTPConfig struct {
	Addr            string        `mapstructure:"addr"`
	MaxBodyBytes    int64         `mapstructure:"max_body_bytes"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	TLSCertFile     string        `mapstructure:"tls_cert_file"`
	TLSKeyFile      string        `mapstructure:"tls_key_file"`
	TLSClientCAFile string        `mapstructure:"tls_client_ca_file"`
}

type GRPCConfig struct {
	Addr string `mapstructure:"addr"`
}

type AggregatorConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	APIKey  string        `mapstructure:"api_key"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type AuthConfig struct {
	PublicKeyFile string `mapstructure:"public_key_file"`
	Issuer        string `mapstructure:"issuer"`
}

type RedisConfig struct {
	Addr              string  `mapstructure:"addr"`
	RateLimitCapacity int     `mapstructure:"rate_limit_capacity"`
	RateLimitRefill   float64 `mapstructure:"rate_limit_refill_per_sec"`
}

type SettlementConfig struct {
	Delay        time.Duration `mapstructure:"delay"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	BatchSize    int           `mapstructure:"batch_size"`
	MaxAttempts  int           `mapstructure:"max_attempts"`
	BackoffBase  time.Duration `mapstructure:"backoff_base"`
	MaxBackoff   time.Duration `mapstructure:"max_backoff"`
	Lease        time.Duration `mapstructure:"lease"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// defaults registers every key so that environment overrides are seen by
// Unmarshal.
var defaults = map[string]any{
	"environment":                     "",
	"database.driver":                 DriverPostgres,
	"database.url":                    "",
	"database.max_conns":              10,
	"http.addr":                       ":8080",
	"http.max_body_bytes":             1 << 20,
	"http.shutdown_timeout":           "10s",
	"http.tls_cert_file":              "",
	"http.tls_key_file":               "",
	"http.tls_client_ca_file":         "",
	"grpc.addr":                       ":9090",
	"aggregator.base_url":             "",
	"aggregator.api_key":              "",
	"aggregator.timeout":              "10s",
	"auth.public_key_file":            "",
	"auth.issuer":                     "",
	"redis.addr":                      "",
	"redis.rate_limit_capacity":       20,
	"redis.rate_limit_refill_per_sec": 1.0,
	"settlement.delay":                "5s",
	"settlement.poll_interval":        "1s",
	"settlement.batch_size":           20,
	"settlement.max_attempts":         5,
	"settlement.backoff_base":         "2s",
	"settlement.max_backoff":          "5m",
	"settlement.lease":                "1m",
	"log.level":                       "info",
	"log.format":                      "json",
}

// bareEnv maps keys to the unprefixed variable names also accepted.
var bareEnv = map[string]string{
	"environment":  "APP_ENV",
	"database.url": "DATABASE_URL",
	"redis.addr":   "REDIS_ADDR",
}

// Load reads configuration from the optional YAML file at path and from the
// environment, which wins over the file, then validates it.
func Load(path string) (*Config, error) {
	v := viper.New()
	for k, d := range defaults {
		v.SetDefault(k, d)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, bare := range bareEnv {
		prefixed := EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, prefixed, bare); err != nil {
			return nil, err
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Production reports whether the environment carries production requirements.
func (c *Config) Production() bool {
	return c.Environment == "production" || c.Environment == "staging"
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	var missing []string

	if c.Environment == "" {
		missing = append(missing, "APP_ENV")
	}
	if c.Database.URL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	if len(missing) > 0 {
		return errors.New("missing required environment variables: " + strings.Join(missing, ", "))
	}

	switch c.Database.Driver {
	case DriverPostgres, DriverSQLite:
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}

	// Outside production the API may run with a generated signing key and
	// without an aggregator, in which case every bank transfer is simulated.
	if c.Production() {
		if c.Auth.PublicKeyFile == "" {
			missing = append(missing, "PAYFLOW_AUTH_PUBLIC_KEY_FILE")
		}
		if c.Aggregator.BaseURL == "" {
			missing = append(missing, "PAYFLOW_AGGREGATOR_BASE_URL")
		}
		if c.Redis.Addr == "" {
			missing = append(missing, "REDIS_ADDR")
		}

		if len(missing) > 0 {
			return errors.New("missing required environment variables for " + c.Environment + ": " + strings.Join(missing, ", "))
		}

		if c.Database.Driver != DriverPostgres {
			return errors.New("the sqlite driver is for development only")
		}
	}

	if (c.HTTP.TLSCertFile == "") != (c.HTTP.TLSKeyFile == "") {
		return errors.New("tls_cert_file and tls_key_file must be set together")
	}

	s := c.Settlement
	if s.Delay < 0 || s.PollInterval <= 0 || s.BatchSize <= 0 || s.MaxAttempts <= 0 {
		return errors.New("settlement delay must be non-negative and poll interval, batch size and max attempts positive")
	}

	return nil
}
