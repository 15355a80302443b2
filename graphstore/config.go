// Copyright Elasticsearch B.V. and/or licensed to Elasticsearch B.V. under one
// or more contributor license agreements. Licensed under the Elastic License 2.0;
// you may not use this file except in compliance with the Elastic License 2.0.

package graphstore

import (
	"errors"

	"go.uber.org/zap"
)

// Config contains the required config for opening a graph store.
type Config struct {
	DataDir  string
	InMemory bool
	Logger   *zap.Logger
}

// Option allows configuring the store based on functional options.
type Option func(Config) Config

// NewConfig creates a new store config based on the passed options.
func NewConfig(opts ...Option) (Config, error) {
	cfg := defaultCfg()
	for _, opt := range opts {
		cfg = opt(cfg)
	}
	return cfg, validateCfg(cfg)
}

// WithDataDir configures the data directory of the store.
func WithDataDir(dataDir string) Option {
	return func(c Config) Config {
		c.DataDir = dataDir
		return c
	}
}

// WithInMemory keeps all data in memory. Used in tests and for dry runs.
func WithInMemory(inMemory bool) Option {
	return func(c Config) Config {
		c.InMemory = inMemory
		return c
	}
}

// WithLogger defines a custom logger to be used by the store.
func WithLogger(logger *zap.Logger) Option {
	return func(c Config) Config {
		c.Logger = logger
		return c
	}
}

func defaultCfg() Config {
	return Config{
		DataDir: "/tmp/graphs",
		Logger:  zap.Must(zap.NewDevelopment()),
	}
}

func validateCfg(cfg Config) error {
	if cfg.DataDir == "" && !cfg.InMemory {
		return errors.New("data directory is required")
	}
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	return nil
}
