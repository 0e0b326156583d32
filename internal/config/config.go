// Package config loads the orderflow process configuration from the
// environment.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	env "github.com/caarlos0/env/v11"

	"github.com/petrijr/orderflow/internal/engine"
)

const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
)

// Config holds the complete process configuration.
type Config struct {
	Service string       `json:"service_name" env:"APP_NAME"    envDefault:"orderflow"`
	Version string       `json:"version"      env:"APP_VERSION" envDefault:"dev"`
	Store   StoreConfig  `json:"store"        envPrefix:"STORE_"`
	Queue   QueueConfig  `json:"queue"        envPrefix:"QUEUE_"`
	Engine  EngineConfig `json:"engine"       envPrefix:"ENGINE_"`
	Worker  WorkerConfig `json:"worker"       envPrefix:"WORKER_"`
	Logger  LoggerConfig `json:"logger"       envPrefix:"LOG_"`
}

type StoreConfig struct {
	Driver string `json:"driver" env:"DRIVER" envDefault:"sqlite"`
	// DSN is a file path for sqlite and a connection string for postgres.
	DSN string `json:"dsn" env:"DSN" envDefault:"orderflow.db"`
}

type QueueConfig struct {
	// Driver "sqlite" shares the store's database.
	Driver    string `json:"driver"     env:"DRIVER"     envDefault:"sqlite"`
	RedisAddr string `json:"redis_addr" env:"REDIS_ADDR" envDefault:"localhost:6379"`
	Prefix    string `json:"prefix"     env:"PREFIX"     envDefault:"orderflow"`
	Capacity  int    `json:"capacity"   env:"CAPACITY"   envDefault:"1024"`
}

// EngineConfig holds the engine tunables. Zero values fall back to the
// engine defaults.
type EngineConfig struct {
	ActivityTimeout       time.Duration `json:"activity_timeout"        env:"ACTIVITY_TIMEOUT"        envDefault:"20s"`
	ApprovalTimeout       time.Duration `json:"approval_timeout"        env:"APPROVAL_TIMEOUT"        envDefault:"3m"`
	ValidationMaxAttempts int           `json:"validation_max_attempts" env:"VALIDATION_MAX_ATTEMPTS" envDefault:"1"`
	PaymentMaxAttempts    int           `json:"payment_max_attempts"    env:"PAYMENT_MAX_ATTEMPTS"    envDefault:"5"`
	ShippingMaxAttempts   int           `json:"shipping_max_attempts"   env:"SHIPPING_MAX_ATTEMPTS"   envDefault:"10"`
	InitialBackoff        time.Duration `json:"initial_backoff"         env:"INITIAL_BACKOFF"         envDefault:"1s"`
	BackoffMultiplier     float64       `json:"backoff_multiplier"      env:"BACKOFF_MULTIPLIER"      envDefault:"2"`
	MaxBackoff            time.Duration `json:"max_backoff"             env:"MAX_BACKOFF"             envDefault:"30s"`
	BackoffJitter         float64       `json:"backoff_jitter"          env:"BACKOFF_JITTER"          envDefault:"0"`
	LeaseTTL              time.Duration `json:"lease_ttl"               env:"LEASE_TTL"               envDefault:"30s"`
	MaxChargeAmount       float64       `json:"max_charge_amount"       env:"MAX_CHARGE_AMOUNT"       envDefault:"10000"`
	RecentEvents          int           `json:"recent_events"           env:"RECENT_EVENTS"           envDefault:"10"`
}

type WorkerConfig struct {
	Concurrency int           `json:"concurrency"  env:"CONCURRENCY"  envDefault:"8"`
	MaxAttempts int           `json:"max_attempts" env:"MAX_ATTEMPTS" envDefault:"0"`
	Backoff     time.Duration `json:"backoff"      env:"BACKOFF"      envDefault:"1s"`
	MaxBackoff  time.Duration `json:"max_backoff"  env:"MAX_BACKOFF"  envDefault:"1m"`
}

// Load parses the environment into a Config and validates it.
func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Service) == "" {
		errs = append(errs, errors.New("service name is required"))
	}

	switch c.Store.Driver {
	case DriverMemory:
	case DriverSQLite, DriverPostgres:
		if c.Store.DSN == "" {
			errs = append(errs, fmt.Errorf("STORE_DSN is required for the %s store", c.Store.Driver))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store driver %q", c.Store.Driver))
	}

	switch c.Queue.Driver {
	case DriverMemory:
		if c.Queue.Capacity <= 0 {
			errs = append(errs, errors.New("QUEUE_CAPACITY must be positive"))
		}
	case DriverSQLite:
		if c.Store.Driver != DriverSQLite {
			errs = append(errs, errors.New("the sqlite queue needs the sqlite store"))
		}
	case DriverRedis:
		if c.Queue.RedisAddr == "" {
			errs = append(errs, errors.New("QUEUE_REDIS_ADDR is required for the redis queue"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown queue driver %q", c.Queue.Driver))
	}
	if c.Store.Driver == DriverMemory && c.Queue.Driver != DriverMemory {
		errs = append(errs, errors.New("the memory store only runs with the memory queue"))
	}

	if c.Worker.Concurrency <= 0 {
		errs = append(errs, errors.New("WORKER_CONCURRENCY must be positive"))
	}
	if c.Engine.PaymentMaxAttempts < 0 || c.Engine.ShippingMaxAttempts < 0 || c.Engine.ValidationMaxAttempts < 0 {
		errs = append(errs, errors.New("max attempts must not be negative"))
	}
	if c.Engine.BackoffJitter < 0 || c.Engine.BackoffJitter > 1 {
		errs = append(errs, errors.New("ENGINE_BACKOFF_JITTER must be within [0, 1]"))
	}
	if c.Engine.MaxChargeAmount < 0 {
		errs = append(errs, errors.New("ENGINE_MAX_CHARGE_AMOUNT must not be negative"))
	}

	if err := c.Logger.validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Tuning maps the engine settings onto engine.Tuning.
func (c *Config) Tuning() engine.Tuning {
	e := c.Engine
	return engine.Tuning{
		ActivityTimeout:       e.ActivityTimeout,
		ApprovalTimeout:       e.ApprovalTimeout,
		ValidationMaxAttempts: e.ValidationMaxAttempts,
		PaymentMaxAttempts:    e.PaymentMaxAttempts,
		ShippingMaxAttempts:   e.ShippingMaxAttempts,
		InitialBackoff:        e.InitialBackoff,
		BackoffMultiplier:     e.BackoffMultiplier,
		MaxBackoff:            e.MaxBackoff,
		BackoffJitter:         e.BackoffJitter,
		MaxChargeAmount:       e.MaxChargeAmount,
		LeaseTTL:              e.LeaseTTL,
		RecentEvents:          e.RecentEvents,
	}
}
