// Copyright Elasticsearch B.V. and/or licensed to Elasticsearch B.V. under one
// or more contributor license agreements. Licensed under the Elastic License 2.0;
// you may not use this file except in compliance with the Elastic License 2.0.

package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/go-sql-driver/mysql"
	"go.uber.org/zap"

	"github.com/mcstats/ping-aggregation/accumulator"
	"github.com/mcstats/ping-aggregation/aggregators"
	"github.com/mcstats/ping-aggregation/catalog"
	"github.com/mcstats/ping-aggregation/decoder"
	"github.com/mcstats/ping-aggregation/graphstore"
	"github.com/mcstats/ping-aggregation/ingest"
	"github.com/mcstats/ping-aggregation/pluginstore"
	"github.com/mcstats/ping-aggregation/workqueue"
)

// app builds the components of a command from the file config and closes
// them in reverse order.
type app struct {
	cfg    fileConfig
	logger *zap.Logger

	// gate is shared by every intake and the generator of the process so
	// that reports are skipped while graphs are generated.
	gate *ingest.Gate

	closers []func() error
}

func newApp(cfg fileConfig) (*app, error) {
	logger, err := cfg.newLogger()
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	return &app{cfg: cfg, logger: logger, gate: &ingest.Gate{}}, nil
}

func (a *app) onClose(f func() error) {
	a.closers = append(a.closers, f)
}

func (a *app) close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	_ = a.logger.Sync()
	return errors.Join(errs...)
}

// intake decodes reports into s unless a generation run holds the gate.
func (a *app) intake(s ingest.Submitter) *ingest.Intake {
	return ingest.NewIntake(decoder.Legacy{}, s, a.gate)
}

func (a *app) queueOptions() []workqueue.Option {
	return []workqueue.Option{
		workqueue.WithQueueName(a.cfg.Queue.Name),
		workqueue.WithConcurrency(a.cfg.Queue.Concurrency),
		workqueue.WithLogger(a.logger.Named("workqueue")),
	}
}

func (a *app) accumulatorStore() (accumulator.Store, error) {
	var (
		store accumulator.Store
		err   error
	)
	switch a.cfg.Accumulator.Backend {
	case backendPebble:
		store, err = accumulator.OpenPebbleStore(a.cfg.Accumulator.PebbleDir, false)
		if err != nil {
			return nil, fmt.Errorf("failed to open accumulation store: %w", err)
		}
	default:
		rc := a.cfg.Accumulator.Redis
		store = accumulator.NewRedisStore(accumulator.RedisConfig{
			Addr:      rc.Addr,
			Password:  rc.Password,
			DB:        rc.DB,
			PoolSize:  rc.PoolSize,
			OpTimeout: rc.Timeout,
		})
	}
	a.onClose(store.Close)
	return store, nil
}

func (a *app) pluginStore(ctx context.Context) (*pluginstore.MySQL, error) {
	mc := mysql.NewConfig()
	mc.Net = "tcp"
	mc.Addr = a.cfg.MySQL.Addr
	mc.User = a.cfg.MySQL.User
	mc.Passwd = a.cfg.MySQL.Password
	mc.DBName = a.cfg.MySQL.Database
	mc.ParseTime = true
	m, err := pluginstore.OpenMySQL(ctx, mc, a.logger.Named("pluginstore"))
	if err != nil {
		return nil, err
	}
	a.onClose(m.Close)
	return m, nil
}

func (a *app) sender(ctx context.Context) (workqueue.Sender, error) {
	if a.cfg.Queue.Backend == backendPubSub {
		client, err := pubsub.NewClient(ctx, a.cfg.Queue.Project)
		if err != nil {
			return nil, fmt.Errorf("failed to create pubsub client: %w", err)
		}
		a.onClose(client.Close)
		s, err := workqueue.NewPubSubSender(client, a.queueOptions()...)
		if err != nil {
			return nil, err
		}
		a.onClose(func() error { s.Stop(); return nil })
		return s, nil
	}
	client, err := workqueue.NewSQSClient(ctx, a.cfg.Queue.Region, a.cfg.Queue.Endpoint)
	if err != nil {
		return nil, err
	}
	return workqueue.NewSQSSender(client, a.queueOptions()...)
}

// pipeline is everything needed to accumulate buckets and generate graphs.
type pipeline struct {
	cache       *catalog.Cache
	saves       *pluginstore.SaveQueue
	accumulator *catalog.Accumulator
	generator   *aggregators.Generator
}

func (a *app) pipeline(ctx context.Context) (*pipeline, error) {
	store, err := a.accumulatorStore()
	if err != nil {
		return nil, err
	}
	graphs, err := graphstore.Open(
		graphstore.WithDataDir(a.cfg.Graphs.Dir),
		graphstore.WithInMemory(a.cfg.Graphs.InMemory),
		graphstore.WithLogger(a.logger.Named("graphstore")),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to open graph store: %w", err)
	}
	a.onClose(graphs.Close)
	plugins, err := a.pluginStore(ctx)
	if err != nil {
		return nil, err
	}

	cache := catalog.NewCache(time.Now)
	loaded, err := plugins.LoadPlugins(ctx)
	if err != nil {
		return nil, err
	}
	for _, p := range loaded {
		cache.AddPlugin(p)
	}
	a.logger.Info("loaded plugins", zap.Int("count", len(loaded)))

	saves := pluginstore.NewSaveQueue(plugins, a.logger.Named("savequeue"))
	opts := []aggregators.Option{
		aggregators.WithMinActiveInstallations(a.cfg.Generator.MinActiveInstallations),
		aggregators.WithPauser(a.gate),
		aggregators.WithLogger(a.logger.Named("generator")),
	}
	if a.cfg.Generator.EstimateActivity {
		opts = append(opts, aggregators.WithActivityCounter(aggregators.EstimatedActivity{Reader: store}))
	}
	gen, err := aggregators.New(cache, store, graphs, plugins, opts...)
	if err != nil {
		return nil, err
	}
	return &pipeline{
		cache:       cache,
		saves:       saves,
		accumulator: catalog.NewAccumulator(cache, store, saves, a.logger.Named("accumulator")),
		generator:   gen,
	}, nil
}

func (p *pipeline) handlers() workqueue.Handlers {
	return workqueue.Handlers{
		Accumulate: p.accumulator.Accumulate,
		Generate:   p.generator.Run,
	}
}
