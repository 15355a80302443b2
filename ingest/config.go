// Copyright Elasticsearch B.V. and/or licensed to Elasticsearch B.V. under one
// or more contributor license agreements. Licensed under the Elastic License 2.0;
// you may not use this file except in compliance with the Elastic License 2.0.

package ingest

import (
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const instrumentationName = "ingest"

// Config contains the required config for running the processor.
type Config struct {
	Workers           int
	BatchSize         int
	IdleInterval      time.Duration
	FlushTimeout      time.Duration
	FlushRetries      uint64
	FlushRetryBackoff time.Duration
	Clock             func() time.Time

	Meter  metric.Meter
	Logger *zap.Logger
}

// Option allows configuring the processor based on functional options.
type Option func(Config) Config

// NewConfig creates a new processor config based on the passed options.
func NewConfig(opts ...Option) (Config, error) {
	cfg := defaultCfg()
	for _, opt := range opts {
		cfg = opt(cfg)
	}
	return cfg, validateCfg(cfg)
}

// WithWorkers configures the number of background workers draining the
// queue.
func WithWorkers(n int) Option {
	return func(c Config) Config {
		c.Workers = n
		return c
	}
}

// WithBatchSize configures the maximum number of records a worker flushes
// in one round trip.
func WithBatchSize(n int) Option {
	return func(c Config) Config {
		c.BatchSize = n
		return c
	}
}

// WithIdleInterval configures the pause between two iterations of a worker.
func WithIdleInterval(d time.Duration) Option {
	return func(c Config) Config {
		c.IdleInterval = d
		return c
	}
}

// WithFlushTimeout bounds a single flush attempt.
func WithFlushTimeout(d time.Duration) Option {
	return func(c Config) Config {
		c.FlushTimeout = d
		return c
	}
}

// WithFlushRetry configures how often a failed flush is retried and the
// initial backoff between attempts. Records of a batch whose retries are
// exhausted are dropped.
func WithFlushRetry(retries uint64, backoff time.Duration) Option {
	return func(c Config) Config {
		c.FlushRetries = retries
		c.FlushRetryBackoff = backoff
		return c
	}
}

// WithClock configures the clock buckets are derived from.
func WithClock(clock func() time.Time) Option {
	return func(c Config) Config {
		c.Clock = clock
		return c
	}
}

// WithMeter defines a custom meter which will be used for collecting
// telemetry. Defaults to the meter provided by global provider.
func WithMeter(meter metric.Meter) Option {
	return func(c Config) Config {
		c.Meter = meter
		return c
	}
}

// WithLogger defines a custom logger to be used by the processor.
func WithLogger(logger *zap.Logger) Option {
	return func(c Config) Config {
		c.Logger = logger
		return c
	}
}

func defaultCfg() Config {
	return Config{
		Workers:           16,
		BatchSize:         1000,
		IdleInterval:      5 * time.Millisecond,
		FlushTimeout:      10 * time.Second,
		FlushRetries:      3,
		FlushRetryBackoff: 100 * time.Millisecond,
		Clock:             time.Now,
		Meter:             otel.Meter(instrumentationName),
		Logger:            zap.Must(zap.NewDevelopment()),
	}
}

func validateCfg(cfg Config) error {
	if cfg.Workers <= 0 {
		return errors.New("at least one worker is required")
	}
	if cfg.BatchSize <= 0 {
		return errors.New("batch size must be positive")
	}
	if cfg.IdleInterval < 0 {
		return errors.New("idle interval must not be negative")
	}
	if cfg.FlushTimeout <= 0 {
		return errors.New("flush timeout must be positive")
	}
	if cfg.Clock == nil {
		return errors.New("clock is required")
	}
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	return nil
}
