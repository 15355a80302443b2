// Copyright Elasticsearch B.V. and/or licensed to Elasticsearch B.V. under one
// or more contributor license agreements. Licensed under the Elastic License 2.0;
// you may not use this file except in compliance with the Elastic License 2.0.

package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/mcstats/ping-aggregation/aggregators"
	"github.com/mcstats/ping-aggregation/workqueue"
)

const (
	backendRedis  = "redis"
	backendPebble = "pebble"
	backendSQS    = "sqs"
	backendPubSub = "pubsub"
)

type fileConfig struct {
	Logging struct {
		Level       string `yaml:"level"`
		Development bool   `yaml:"development"`
	} `yaml:"logging"`

	Accumulator struct {
		Backend string `yaml:"backend"`
		Redis   struct {
			Addr     string        `yaml:"addr"`
			Password string        `yaml:"password"`
			DB       int           `yaml:"db"`
			PoolSize int           `yaml:"pool_size"`
			Timeout  time.Duration `yaml:"timeout"`
		} `yaml:"redis"`
		PebbleDir string `yaml:"pebble_dir"`
	} `yaml:"accumulator"`

	Graphs struct {
		Dir      string `yaml:"dir"`
		InMemory bool   `yaml:"in_memory"`
	} `yaml:"graphs"`

	MySQL struct {
		Addr     string `yaml:"addr"`
		User     string `yaml:"user"`
		Password string `yaml:"password"`
		Database string `yaml:"database"`
	} `yaml:"mysql"`

	Queue struct {
		Backend     string `yaml:"backend"`
		Name        string `yaml:"name"`
		Region      string `yaml:"region"`
		Endpoint    string `yaml:"endpoint"`
		Project     string `yaml:"project"`
		Concurrency int    `yaml:"concurrency"`
	} `yaml:"queue"`

	Ingest struct {
		Workers      int           `yaml:"workers"`
		BatchSize    int           `yaml:"batch_size"`
		IdleInterval time.Duration `yaml:"idle_interval"`
		FlushRetries uint64        `yaml:"flush_retries"`
	} `yaml:"ingest"`

	Generator struct {
		MinActiveInstallations int64 `yaml:"min_active_installations"`
		// EstimateActivity counts active installations from the
		// accumulation store instead of the in-memory catalog.
		EstimateActivity bool `yaml:"estimate_activity"`
	} `yaml:"generator"`
}

func defaultFileConfig() fileConfig {
	var cfg fileConfig
	cfg.Logging.Level = "info"
	cfg.Accumulator.Backend = backendRedis
	cfg.Accumulator.Redis.Addr = "localhost:6379"
	cfg.Accumulator.PebbleDir = "/var/lib/pingstats/accumulator"
	cfg.Graphs.Dir = "/var/lib/pingstats/graphs"
	cfg.MySQL.Addr = "localhost:3306"
	cfg.MySQL.Database = "mcstats"
	cfg.Queue.Backend = backendSQS
	cfg.Queue.Name = workqueue.DefaultQueueName
	cfg.Queue.Region = "us-east-1"
	cfg.Queue.Concurrency = 1
	cfg.Ingest.Workers = 16
	cfg.Ingest.BatchSize = 1000
	cfg.Ingest.IdleInterval = 5 * time.Millisecond
	cfg.Ingest.FlushRetries = 3
	cfg.Generator.MinActiveInstallations = aggregators.DefaultMinActiveInstallations
	return cfg
}

// loadConfig reads the YAML file at path over the defaults. An empty path
// returns the defaults.
func loadConfig(path string) (fileConfig, error) {
	cfg := defaultFileConfig()
	if path == "" {
		return cfg, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return fileConfig{}, fmt.Errorf("failed to open config: %w", err)
	}
	defer f.Close()
	return decodeConfig(f, cfg)
}

func decodeConfig(r io.Reader, cfg fileConfig) (fileConfig, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return fileConfig{}, fmt.Errorf("failed to decode config: %w", err)
	}
	return cfg, cfg.validate()
}

func (cfg fileConfig) validate() error {
	switch cfg.Accumulator.Backend {
	case backendRedis, backendPebble:
	default:
		return fmt.Errorf("unknown accumulator backend %q", cfg.Accumulator.Backend)
	}
	switch cfg.Queue.Backend {
	case backendSQS, backendPubSub:
	default:
		return fmt.Errorf("unknown queue backend %q", cfg.Queue.Backend)
	}
	if cfg.Queue.Backend == backendPubSub && cfg.Queue.Project == "" {
		return errors.New("queue.project is required for pubsub")
	}
	if _, err := zap.ParseAtomicLevel(cfg.Logging.Level); err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	return nil
}

func (cfg fileConfig) newLogger() (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(cfg.Logging.Level)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	if cfg.Logging.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = level
	return zc.Build()
}
