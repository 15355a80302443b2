// Copyright Elasticsearch B.V. and/or licensed to Elasticsearch B.V. under one
// or more contributor license agreements. Licensed under the Elastic License 2.0;
// you may not use this file except in compliance with the Elastic License 2.0.

package workqueue

import (
	"errors"
	"time"

	"go.uber.org/zap"
)

// DefaultQueueName is the queue jobs are sent to unless configured.
const DefaultQueueName = "mcstats-work"

// Config contains the configuration of the queue senders and consumers.
type Config struct {
	QueueName string
	// MaxMessages and WaitTime configure long polling of a consumer.
	MaxMessages int32
	WaitTime    time.Duration
	// Concurrency bounds the jobs a consumer runs at once.
	Concurrency int
	// ReceiveBackoff is the longest a consumer waits after failed receives.
	ReceiveBackoff time.Duration

	Logger *zap.Logger
}

// Option allows configuring queue clients based on functional options.
type Option func(Config) Config

// NewConfig creates a new config based on the passed options.
func NewConfig(opts ...Option) (Config, error) {
	cfg := defaultCfg()
	for _, opt := range opts {
		cfg = opt(cfg)
	}
	return cfg, validateCfg(cfg)
}

// WithQueueName configures the name of the durable queue.
func WithQueueName(name string) Option {
	return func(c Config) Config {
		c.QueueName = name
		return c
	}
}

// WithPolling configures how many messages a consumer receives at once and
// how long a receive waits for messages to arrive.
func WithPolling(maxMessages int32, wait time.Duration) Option {
	return func(c Config) Config {
		c.MaxMessages = maxMessages
		c.WaitTime = wait
		return c
	}
}

// WithConcurrency configures how many jobs a consumer runs in parallel.
// Generation runs are not reentrant, so this should stay at 1 unless the
// queue only carries accumulation jobs.
func WithConcurrency(n int) Option {
	return func(c Config) Config {
		c.Concurrency = n
		return c
	}
}

// WithReceiveBackoff configures the longest pause after failed receives.
func WithReceiveBackoff(d time.Duration) Option {
	return func(c Config) Config {
		c.ReceiveBackoff = d
		return c
	}
}

// WithLogger defines a custom logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c Config) Config {
		c.Logger = logger
		return c
	}
}

func defaultCfg() Config {
	return Config{
		QueueName:      DefaultQueueName,
		MaxMessages:    10,
		WaitTime:       20 * time.Second,
		Concurrency:    1,
		ReceiveBackoff: 30 * time.Second,
		Logger:         zap.Must(zap.NewDevelopment()),
	}
}

func validateCfg(cfg Config) error {
	if cfg.QueueName == "" {
		return errors.New("queue name is required")
	}
	if cfg.MaxMessages < 1 || cfg.MaxMessages > 10 {
		return errors.New("max messages must be between 1 and 10")
	}
	if cfg.WaitTime < 0 || cfg.WaitTime > 20*time.Second {
		return errors.New("wait time must be between 0 and 20s")
	}
	if cfg.Concurrency <= 0 {
		return errors.New("concurrency must be positive")
	}
	if cfg.ReceiveBackoff <= 0 {
		return errors.New("receive backoff must be positive")
	}
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	return nil
}
