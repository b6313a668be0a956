package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"APP_ENV", "DATABASE_URL", "REDIS_ADDR",
		"PAYFLOW_ENVIRONMENT", "PAYFLOW_DATABASE_URL", "PAYFLOW_DATABASE_DRIVER",
		"PAYFLOW_AUTH_PUBLIC_KEY_FILE", "PAYFLOW_AGGREGATOR_BASE_URL",
		"PAYFLOW_SETTLEMENT_DELAY", "PAYFLOW_LOG_FORMAT",
	} {
		t.Setenv(k, "")
		require.NoError(t, os.Unsetenv(k))
	}
}

func TestLoad_MissingRequired(t *testing.T) {
	clearEnv(t)

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "APP_ENV")
	assert.Contains(t, err.Error(), "DATABASE_URL")
}

func TestLoad_DefaultsAndBareEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("APP_ENV", "development")
	t.Setenv("DATABASE_URL", "postgres://localhost/payflow")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "development", cfg.Environment)
	assert.Equal(t, "postgres://localhost/payflow", cfg.Database.URL)
	assert.Equal(t, DriverPostgres, cfg.Database.Driver)
	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, int64(1<<20), cfg.HTTP.MaxBodyBytes)
	assert.Equal(t, 5*time.Second, cfg.Settlement.Delay)
	assert.Equal(t, 5*time.Minute, cfg.Settlement.MaxBackoff)
	assert.Equal(t, 5, cfg.Settlement.MaxAttempts)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.False(t, cfg.Production())
}

func TestLoad_PrefixedEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("APP_ENV", "development")
	t.Setenv("DATABASE_URL", "postgres://bare/payflow")
	t.Setenv("PAYFLOW_DATABASE_URL", "postgres://prefixed/payflow")
	t.Setenv("PAYFLOW_SETTLEMENT_DELAY", "250ms")
	t.Setenv("PAYFLOW_LOG_FORMAT", "text")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "postgres://prefixed/payflow", cfg.Database.URL)
	assert.Equal(t, 250*time.Millisecond, cfg.Settlement.Delay)
	assert.Equal(t, "text", cfg.Log.Format)
}

func TestLoad_YAMLFileWithEnvPrecedence(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "payflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
environment: development
database:
  driver: sqlite
  url: /tmp/payflow.db
settlement:
  delay: 1s
  batch_size: 5
aggregator:
  base_url: https://aggregator.test
`), 0o600))
	t.Setenv("PAYFLOW_SETTLEMENT_DELAY", "3s")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, DriverSQLite, cfg.Database.Driver)
	assert.Equal(t, "/tmp/payflow.db", cfg.Database.URL)
	assert.Equal(t, 5, cfg.Settlement.BatchSize)
	assert.Equal(t, 3*time.Second, cfg.Settlement.Delay)
	assert.Equal(t, "https://aggregator.test", cfg.Aggregator.BaseURL)
}

func TestLoad_MissingFile(t *testing.T) {
	clearEnv(t)
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidate_Production(t *testing.T) {
	base := func() *Config {
		return &Config{
			Environment: "production",
			Database:    DatabaseConfig{Driver: DriverPostgres, URL: "postgres://db/payflow"},
			Auth:        AuthConfig{PublicKeyFile: "/etc/payflow/jwt.pem"},
			Aggregator:  AggregatorConfig{BaseURL: "https://aggregator"},
			Redis:       RedisConfig{Addr: "redis:6379"},
			Settlement:  SettlementConfig{Delay: time.Second, PollInterval: time.Second, BatchSize: 1, MaxAttempts: 1},
		}
	}

	require.NoError(t, base().Validate())

	cfg := base()
	cfg.Auth.PublicKeyFile = ""
	cfg.Redis.Addr = ""
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PAYFLOW_AUTH_PUBLIC_KEY_FILE")
	assert.Contains(t, err.Error(), "REDIS_ADDR")

	cfg = base()
	cfg.Database.Driver = DriverSQLite
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.Environment = "development"
	cfg.Database.Driver = "mysql"
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.HTTP.TLSCertFile = "/etc/tls/server.crt"
	assert.Error(t, cfg.Validate())
}
