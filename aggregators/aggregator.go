// Copyright Elasticsearch B.V. and/or licensed to Elasticsearch B.V. under one
// or more contributor license agreements. Licensed under the Elastic License 2.0;
// you may not use this file except in compliance with the Elastic License 2.0.

// Package aggregators turns the reports accumulated for a bucket into graph
// columns.
package aggregators

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/mcstats/ping-aggregation/accumulator"
	"github.com/mcstats/ping-aggregation/catalog"
	"github.com/mcstats/ping-aggregation/internal/telemetry"
	"github.com/mcstats/ping-aggregation/model"
)

const (
	bucketKey     = "bucket"
	aggregatorKey = "aggregator"
)

// GraphStore persists generated columns.
type GraphStore interface {
	// BatchInsert stages the values of one graph at bucket.
	BatchInsert(ctx context.Context, graph *model.Graph, data []model.ColumnData, bucket model.Bucket) error

	// FinishGeneration makes every staged value visible to readers.
	FinishGeneration(ctx context.Context) error

	// AbortGeneration discards every staged value.
	AbortGeneration(ctx context.Context) error
}

// Generator runs the aggregators over a bucket and stores their results.
// Runs must not overlap; the caller serializes them.
type Generator struct {
	cfg     Config
	cache   *catalog.Cache
	reader  accumulator.Reader
	graphs  GraphStore
	plugins model.PluginWriter
	metrics *telemetry.GeneratorMetrics
}

// New returns a generator reading reports from reader and the model from
// cache, writing columns to graphs and plugin records to plugins.
func New(
	cache *catalog.Cache,
	reader accumulator.Reader,
	graphs GraphStore,
	plugins model.PluginWriter,
	opts ...Option,
) (*Generator, error) {
	if cache == nil || reader == nil || graphs == nil || plugins == nil {
		return nil, errors.New("cache, reader, graph store and plugin writer are required")
	}
	cfg, err := NewConfig(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create generator config: %w", err)
	}
	if cfg.ActivityCounter == nil {
		cfg.ActivityCounter = cache
	}
	metrics, err := telemetry.NewGeneratorMetrics(telemetry.WithMeter(cfg.Meter))
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}
	return &Generator{
		cfg:     cfg,
		cache:   cache,
		reader:  reader,
		graphs:  graphs,
		plugins: plugins,
		metrics: metrics,
	}, nil
}

// Run generates the graphs of bucket. A run with too few recently active
// installations resets the catalog's caches and writes nothing. Any error
// aborts the run and discards what it staged.
func (g *Generator) Run(ctx context.Context, bucket model.Bucket) (resultErr error) {
	attrs := metric.WithAttributes(attribute.Int64(bucketKey, int64(bucket)))
	ctx, span := g.cfg.Tracer.Start(ctx, "Generate", trace.WithAttributes(attribute.Int64(bucketKey, int64(bucket))))
	defer span.End()

	resume := g.cfg.Pauser.Pause()
	defer resume()

	logger := g.cfg.Logger.With(zap.Int64(bucketKey, int64(bucket)))
	g.metrics.RunsTotal.Add(ctx, 1, attrs)
	defer func() {
		if resultErr == nil {
			return
		}
		span.RecordError(resultErr)
		span.SetStatus(codes.Error, "generation failed")
		g.metrics.RunsFailed.Add(ctx, 1, attrs)
		if err := g.graphs.AbortGeneration(context.WithoutCancel(ctx)); err != nil {
			resultErr = errors.Join(resultErr, fmt.Errorf("failed to discard staged graphs: %w", err))
		}
		logger.Error("graph generation failed", zap.Error(resultErr))
	}()

	active, err := g.cfg.ActivityCounter.CountRecentServers(ctx)
	if err != nil {
		return fmt.Errorf("failed to count active installations: %w", err)
	}
	if active < g.cfg.MinActiveInstallations {
		logger.Info("not enough data, resetting internal caches",
			zap.Int64("active_installations", active),
			zap.Int64("required", g.cfg.MinActiveInstallations),
		)
		g.cache.ResetInternalCaches()
		g.metrics.RunsSkipped.Add(ctx, 1, attrs)
		return nil
	}

	start := time.Now()
	logger.Info("beginning graph generation", zap.Int64("active_installations", active))

	reports, err := LoadReports(ctx, g.reader, bucket)
	if err != nil {
		return err
	}
	gc := &Context{
		Bucket:  bucket,
		Now:     g.cfg.Clock(),
		Catalog: g.cache,
		Reports: reports,
	}
	for _, agg := range g.cfg.Aggregators {
		if err := g.runAggregator(ctx, logger, agg, gc); err != nil {
			return fmt.Errorf("failed to run aggregator %s: %w", agg.Name(), err)
		}
	}

	logger.Info("beginning final stage of graph generation")
	if err := g.finalize(ctx); err != nil {
		return err
	}
	if err := g.graphs.FinishGeneration(ctx); err != nil {
		return fmt.Errorf("failed to publish graphs: %w", err)
	}
	g.cache.ResetIntervalData()

	took := time.Since(start)
	g.metrics.RunDuration.Record(ctx, took.Seconds(), attrs)
	logger.Info("finished graph generation", zap.Duration("took", took), zap.Int("reports", reports.Len()))
	return nil
}

func (g *Generator) runAggregator(ctx context.Context, logger *zap.Logger, agg Aggregator, gc *Context) error {
	ctx, span := g.cfg.Tracer.Start(ctx, "Aggregate", trace.WithAttributes(attribute.String(aggregatorKey, agg.Name())))
	defer span.End()

	logger.Debug("generating graph", zap.String(aggregatorKey, agg.Name()))
	data, err := agg.Generate(ctx, gc)
	if err != nil {
		span.RecordError(err)
		return err
	}

	grouped := make(map[*model.Graph][]model.ColumnData)
	var skipped int
	for column, d := range data {
		if column == nil || d == nil || column.Graph == nil {
			continue
		}
		if !column.Storable() {
			skipped++
			logger.Warn("skipping column with unstorable name",
				zap.String(aggregatorKey, agg.Name()),
				zap.Int("plugin_id", column.Graph.PluginID),
				zap.String("graph", column.Graph.Name),
				zap.String("column", column.Name),
			)
			continue
		}
		grouped[column.Graph] = append(grouped[column.Graph], model.ColumnData{Column: column, Data: d})
	}
	graphs := make([]*model.Graph, 0, len(grouped))
	for graph := range grouped {
		graphs = append(graphs, graph)
	}
	sort.Slice(graphs, func(i, j int) bool {
		if graphs[i].PluginID != graphs[j].PluginID {
			return graphs[i].PluginID < graphs[j].PluginID
		}
		return graphs[i].Key() < graphs[j].Key()
	})

	var written int
	for _, graph := range graphs {
		columns := grouped[graph]
		if err := g.graphs.BatchInsert(ctx, graph, columns, gc.Bucket); err != nil {
			span.RecordError(err)
			return fmt.Errorf("failed to store graph %q of plugin %d: %w", graph.Name, graph.PluginID, err)
		}
		written += len(columns)
	}
	g.metrics.ColumnsWritten.Add(ctx, int64(written), metric.WithAttributes(attribute.String(aggregatorKey, agg.Name())))
	logger.Debug("stored columns",
		zap.String(aggregatorKey, agg.Name()),
		zap.Int("graphs", len(graphs)),
		zap.Int("columns", written),
		zap.Int("skipped", skipped),
	)
	return nil
}

// finalize recounts the installations each plugin had within the last
// bucket width and persists the count synchronously.
func (g *Generator) finalize(ctx context.Context) error {
	now := g.cfg.Clock()
	for _, p := range g.cache.Plugins() {
		var servers30 int
		for _, sp := range g.cache.ServerPlugins(p.ID()) {
			if sp.RecentlyUpdated(now) {
				sp.Server.SetViolationCount(0)
				servers30++
			}
		}
		p.SetServerCount30(servers30)
		if err := p.SaveNow(ctx, g.plugins); err != nil {
			return err
		}
	}
	return nil
}
