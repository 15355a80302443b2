// Copyright Elasticsearch B.V. and/or licensed to Elasticsearch B.V. under one
// or more contributor license agreements. Licensed under the Elastic License 2.0;
// you may not use this file except in compliance with the Elastic License 2.0.

package aggregators

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const instrumentationName = "aggregators"

// DefaultMinActiveInstallations is the number of recently active
// installations below which a generation run is skipped.
const DefaultMinActiveInstallations = 50000

// ActivityCounter counts installations that reported recently.
type ActivityCounter interface {
	CountRecentServers(ctx context.Context) (int64, error)
}

// Pauser pauses report intake for the duration of a generation run.
type Pauser interface {
	Pause() (resume func())
}

// Config contains the required config for running the generator.
type Config struct {
	Aggregators            []Aggregator
	MinActiveInstallations int64
	ActivityCounter        ActivityCounter
	Pauser                 Pauser
	Clock                  func() time.Time

	Meter  metric.Meter
	Tracer trace.Tracer
	Logger *zap.Logger
}

// Option allows configuring the generator based on functional options.
type Option func(Config) Config

// NewConfig creates a new generator config based on the passed options.
func NewConfig(opts ...Option) (Config, error) {
	cfg := defaultCfg()
	for _, opt := range opts {
		cfg = opt(cfg)
	}
	return cfg, validateCfg(cfg)
}

// WithAggregators replaces the aggregators run by the generator. They are
// run in the given order.
func WithAggregators(aggs ...Aggregator) Option {
	return func(c Config) Config {
		c.Aggregators = aggs
		return c
	}
}

// WithMinActiveInstallations configures the guard of a generation run.
func WithMinActiveInstallations(n int64) Option {
	return func(c Config) Config {
		c.MinActiveInstallations = n
		return c
	}
}

// WithActivityCounter configures how recently active installations are
// counted. Defaults to the installations known to the catalog.
func WithActivityCounter(counter ActivityCounter) Option {
	return func(c Config) Config {
		c.ActivityCounter = counter
		return c
	}
}

// WithPauser configures what is paused while a run is in progress.
func WithPauser(p Pauser) Option {
	return func(c Config) Config {
		c.Pauser = p
		return c
	}
}

// WithClock configures the clock used to decide which installations were
// updated recently.
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

// WithTracer defines a custom tracer which will be used for collecting
// traces. Defaults to the tracer provided by global provider.
func WithTracer(tracer trace.Tracer) Option {
	return func(c Config) Config {
		c.Tracer = tracer
		return c
	}
}

// WithLogger defines a custom logger to be used by the generator.
func WithLogger(logger *zap.Logger) Option {
	return func(c Config) Config {
		c.Logger = logger
		return c
	}
}

func defaultCfg() Config {
	return Config{
		Aggregators:            DefaultRegistry(),
		MinActiveInstallations: DefaultMinActiveInstallations,
		Pauser:                 noopPauser{},
		Clock:                  time.Now,
		Meter:                  otel.Meter(instrumentationName),
		Tracer:                 otel.Tracer(instrumentationName),
		Logger:                 zap.Must(zap.NewDevelopment()),
	}
}

func validateCfg(cfg Config) error {
	if len(cfg.Aggregators) == 0 {
		return errors.New("at least one aggregator is required")
	}
	for _, agg := range cfg.Aggregators {
		if agg == nil {
			return errors.New("aggregators must not be nil")
		}
	}
	if cfg.MinActiveInstallations < 0 {
		return errors.New("minimum active installations must not be negative")
	}
	if cfg.Pauser == nil {
		return errors.New("pauser is required")
	}
	if cfg.Clock == nil {
		return errors.New("clock is required")
	}
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	return nil
}

type noopPauser struct{}

func (noopPauser) Pause() func() { return func() {} }
