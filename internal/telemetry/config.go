// Copyright Elasticsearch B.V. and/or licensed to Elasticsearch B.V. under one
// or more contributor license agreements. Licensed under the Elastic License 2.0;
// you may not use this file except in compliance with the Elastic License 2.0.

package telemetry

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const (
	instrumentationName = "github.com/mcstats/ping-aggregation"
)

type config struct {
	Meter metric.Meter

	MeterProvider metric.MeterProvider
}

// Option interface is used to configure optional config options.
type Option interface {
	apply(*config)
}

type optionFunc func(*config)

func (o optionFunc) apply(c *config) {
	o(c)
}

func newConfig(opts ...Option) *config {
	c := &config{
		MeterProvider: otel.GetMeterProvider(),
	}
	for _, opt := range opts {
		opt.apply(c)
	}

	if c.Meter == nil {
		c.Meter = c.MeterProvider.Meter(instrumentationName)
	}

	return c
}

// WithMeterProvider configures a provider to use for creating a meter.
// If nil or no provider is passed then the global provider is used.
func WithMeterProvider(provider metric.MeterProvider) Option {
	return optionFunc(func(cfg *config) {
		if provider != nil {
			cfg.MeterProvider = provider
		}
	})
}

// WithMeter configures the meter used for creating instruments directly,
// taking precedence over the meter provider.
func WithMeter(meter metric.Meter) Option {
	return optionFunc(func(cfg *config) {
		cfg.Meter = meter
	})
}
