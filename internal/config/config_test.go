package config

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "orderflow", cfg.Service)
	assert.Equal(t, DriverSQLite, cfg.Store.Driver)
	assert.Equal(t, "orderflow.db", cfg.Store.DSN)
	assert.Equal(t, DriverSQLite, cfg.Queue.Driver)
	assert.Equal(t, 8, cfg.Worker.Concurrency)

	tu := cfg.Tuning()
	assert.Equal(t, 20*time.Second, tu.ActivityTimeout)
	assert.Equal(t, 3*time.Minute, tu.ApprovalTimeout)
	assert.Equal(t, 1, tu.ValidationMaxAttempts)
	assert.Equal(t, 5, tu.PaymentMaxAttempts)
	assert.Equal(t, 10, tu.ShippingMaxAttempts)
	assert.Equal(t, time.Second, tu.InitialBackoff)
	assert.Equal(t, 2.0, tu.BackoffMultiplier)
	assert.Equal(t, 30*time.Second, tu.MaxBackoff)
	assert.Equal(t, 30*time.Second, tu.LeaseTTL)
	assert.Equal(t, 10000.0, tu.MaxChargeAmount)
}

func TestLoad_FromEnvironment(t *testing.T) {
	t.Setenv("APP_NAME", "fulfillment")
	t.Setenv("STORE_DRIVER", "postgres")
	t.Setenv("STORE_DSN", "postgres://orders@localhost/orders")
	t.Setenv("QUEUE_DRIVER", "redis")
	t.Setenv("QUEUE_REDIS_ADDR", "redis:6379")
	t.Setenv("ENGINE_PAYMENT_MAX_ATTEMPTS", "3")
	t.Setenv("ENGINE_APPROVAL_TIMEOUT", "90s")
	t.Setenv("WORKER_CONCURRENCY", "2")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("LOG_FORMAT", "json")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "fulfillment", cfg.Service)
	assert.Equal(t, DriverPostgres, cfg.Store.Driver)
	assert.Equal(t, "redis:6379", cfg.Queue.RedisAddr)
	assert.Equal(t, 3, cfg.Tuning().PaymentMaxAttempts)
	assert.Equal(t, 90*time.Second, cfg.Tuning().ApprovalTimeout)
	assert.Equal(t, 2, cfg.Worker.Concurrency)

	opts := cfg.LoggingOptions(nil)
	assert.Equal(t, slog.LevelDebug, opts.Level)
	assert.Equal(t, "json", opts.Format)
	assert.Equal(t, "fulfillment", opts.Service)
}

func TestLoad_BadDuration(t *testing.T) {
	t.Setenv("ENGINE_ACTIVITY_TIMEOUT", "soon")
	_, err := Load()
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		cfg, err := Load()
		require.NoError(t, err)
		return *cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{"missing service name", func(c *Config) { c.Service = " " }, "service name is required"},
		{"unknown store", func(c *Config) { c.Store.Driver = "mongo" }, `unknown store driver "mongo"`},
		{"sqlite without dsn", func(c *Config) { c.Store.DSN = "" }, "STORE_DSN is required"},
		{"sqlite queue on postgres", func(c *Config) {
			c.Store.Driver = DriverPostgres
		}, "the sqlite queue needs the sqlite store"},
		{"memory store with durable queue", func(c *Config) {
			c.Store.Driver = DriverMemory
			c.Queue.Driver = DriverRedis
		}, "memory store only runs with the memory queue"},
		{"redis without addr", func(c *Config) {
			c.Queue.Driver = DriverRedis
			c.Queue.RedisAddr = ""
		}, "QUEUE_REDIS_ADDR is required"},
		{"no workers", func(c *Config) { c.Worker.Concurrency = 0 }, "WORKER_CONCURRENCY must be positive"},
		{"jitter out of range", func(c *Config) { c.Engine.BackoffJitter = 1.5 }, "ENGINE_BACKOFF_JITTER"},
		{"bad log format", func(c *Config) { c.Logger.Format = "xml" }, `unknown LOG_FORMAT "xml"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.ErrorContains(t, err, tt.errMsg)
		})
	}

	cfg := valid()
	assert.NoError(t, cfg.Validate())
}
