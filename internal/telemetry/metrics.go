// Copyright Elasticsearch B.V. and/or licensed to Elasticsearch B.V. under one
// or more contributor license agreements. Licensed under the Elastic License 2.0;
// you may not use this file except in compliance with the Elastic License 2.0.

// Package telemetry holds the OpenTelemetry instruments of the ingestion
// processor and the graph generator.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/metric"
)

const (
	unitCount   = "1"
	unitSeconds = "s"
)

// IngestMetrics are the instruments of the ingestion processor.
type IngestMetrics struct {
	RecordsSubmitted metric.Int64Counter
	RecordsFlushed   metric.Int64Counter
	RecordsDropped   metric.Int64Counter
	FlushFailed      metric.Int64Counter
	FlushDuration    metric.Float64Histogram

	queueSize    metric.Int64ObservableGauge
	registration metric.Registration
}

// NewIngestMetrics creates the ingestion instruments. queueSize is observed
// on every collection.
func NewIngestMetrics(queueSize func() int64, opts ...Option) (*IngestMetrics, error) {
	var (
		err error
		m   IngestMetrics
	)
	meter := newConfig(opts...).Meter

	m.RecordsSubmitted, err = meter.Int64Counter(
		"ingest.records.submitted",
		metric.WithDescription("Number of decoded records submitted for accumulation"),
		metric.WithUnit(unitCount),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create metric for records submitted: %w", err)
	}
	m.RecordsFlushed, err = meter.Int64Counter(
		"ingest.records.flushed",
		metric.WithDescription("Number of records written to the accumulation store"),
		metric.WithUnit(unitCount),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create metric for records flushed: %w", err)
	}
	m.RecordsDropped, err = meter.Int64Counter(
		"ingest.records.dropped",
		metric.WithDescription("Number of records dropped after the flush retries were exhausted"),
		metric.WithUnit(unitCount),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create metric for records dropped: %w", err)
	}
	m.FlushFailed, err = meter.Int64Counter(
		"ingest.flush.failed",
		metric.WithDescription("Number of failed pipelined flushes, including retried ones"),
		metric.WithUnit(unitCount),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create metric for failed flushes: %w", err)
	}
	m.FlushDuration, err = meter.Float64Histogram(
		"ingest.flush.duration",
		metric.WithDescription("Duration of one pipelined flush"),
		metric.WithUnit(unitSeconds),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create metric for flush duration: %w", err)
	}
	m.queueSize, err = meter.Int64ObservableGauge(
		"ingest.queue.size",
		metric.WithDescription("Number of records waiting to be flushed"),
		metric.WithUnit(unitCount),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create metric for queue size: %w", err)
	}
	m.registration, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(m.queueSize, queueSize())
		return nil
	}, m.queueSize)
	if err != nil {
		return nil, fmt.Errorf("failed to register callbacks: %w", err)
	}
	return &m, nil
}

// CleanUp unregisters the registered callbacks.
func (m *IngestMetrics) CleanUp() error {
	if m.registration == nil {
		return nil
	}
	if err := m.registration.Unregister(); err != nil {
		return fmt.Errorf("failed to unregister callback: %w", err)
	}
	m.registration = nil
	return nil
}

// GeneratorMetrics are the instruments of the graph generator.
type GeneratorMetrics struct {
	RunsTotal      metric.Int64Counter
	RunsSkipped    metric.Int64Counter
	RunsFailed     metric.Int64Counter
	ColumnsWritten metric.Int64Counter
	RunDuration    metric.Float64Histogram
}

// NewGeneratorMetrics creates the generator instruments.
func NewGeneratorMetrics(opts ...Option) (*GeneratorMetrics, error) {
	var (
		err error
		m   GeneratorMetrics
	)
	meter := newConfig(opts...).Meter

	m.RunsTotal, err = meter.Int64Counter(
		"generator.runs.total",
		metric.WithDescription("Number of generation runs started"),
		metric.WithUnit(unitCount),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create metric for runs total: %w", err)
	}
	m.RunsSkipped, err = meter.Int64Counter(
		"generator.runs.skipped",
		metric.WithDescription("Number of generation runs skipped for lack of data"),
		metric.WithUnit(unitCount),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create metric for runs skipped: %w", err)
	}
	m.RunsFailed, err = meter.Int64Counter(
		"generator.runs.failed",
		metric.WithDescription("Number of generation runs aborted by an error"),
		metric.WithUnit(unitCount),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create metric for runs failed: %w", err)
	}
	m.ColumnsWritten, err = meter.Int64Counter(
		"generator.columns.written",
		metric.WithDescription("Number of column values written to the graph store"),
		metric.WithUnit(unitCount),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create metric for columns written: %w", err)
	}
	m.RunDuration, err = meter.Float64Histogram(
		"generator.run.duration",
		metric.WithDescription("Duration of a completed generation run"),
		metric.WithUnit(unitSeconds),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create metric for run duration: %w", err)
	}
	return &m, nil
}
