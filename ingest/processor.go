// Copyright Elasticsearch B.V. and/or licensed to Elasticsearch B.V. under one
// or more contributor license agreements. Licensed under the Elastic License 2.0;
// you may not use this file except in compliance with the Elastic License 2.0.

// Package ingest batches decoded reports into the accumulation store.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mcstats/ping-aggregation/accumulator"
	"github.com/mcstats/ping-aggregation/internal/telemetry"
	"github.com/mcstats/ping-aggregation/model"
)

var (
	// ErrProcessorClosed is returned when records are submitted to a
	// processor that has been shut down.
	ErrProcessorClosed = errors.New("processor is closed")

	// ErrProcessorRunning is returned by Start if the workers are already
	// running.
	ErrProcessorRunning = errors.New("processor is already running")

	// ErrProcessorNotRunning is returned by Drain if no workers are running.
	ErrProcessorNotRunning = errors.New("processor is not running")
)

const drainPollInterval = 10 * time.Millisecond

// Processor accepts decoded reports from any number of goroutines and
// writes them to the accumulation store in pipelined batches, each tagged
// with the bucket current at the time the batch is drained.
type Processor struct {
	cfg     Config
	store   accumulator.Store
	queue   *fifo
	metrics *telemetry.IngestMetrics

	mu      sync.Mutex
	started bool
	closed  bool

	running  atomic.Bool
	inflight atomic.Int64
	stop     chan struct{}
	stopOnce sync.Once
	group    errgroup.Group
}

// New returns a processor writing to store. Workers are started by Start.
func New(store accumulator.Store, opts ...Option) (*Processor, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	cfg, err := NewConfig(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create processor config: %w", err)
	}
	p := &Processor{
		cfg:   cfg,
		store: store,
		queue: newFIFO(),
		stop:  make(chan struct{}),
	}
	p.metrics, err = telemetry.NewIngestMetrics(
		func() int64 { return int64(p.queue.len()) },
		telemetry.WithMeter(cfg.Meter),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create ingest metrics: %w", err)
	}
	return p, nil
}

// Submit queues req for accumulation. It never blocks on the store.
func (p *Processor) Submit(req *model.DecodedRequest) error {
	if req == nil {
		return nil
	}
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return ErrProcessorClosed
	}
	p.queue.push(req)
	p.metrics.RecordsSubmitted.Add(context.Background(), 1)
	return nil
}

// Size returns the number of records not yet drained by a worker.
func (p *Processor) Size() int {
	return p.queue.len()
}

// Start launches the configured number of workers.
func (p *Processor) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrProcessorClosed
	}
	if p.started {
		return ErrProcessorRunning
	}
	p.started = true
	p.running.Store(true)
	for i := 0; i < p.cfg.Workers; i++ {
		worker := i
		p.group.Go(func() error {
			p.run(worker)
			return nil
		})
	}
	p.cfg.Logger.Info("ingest processor started", zap.Int("workers", p.cfg.Workers))
	return nil
}

// Drain blocks until every queued record was drained and no batch is being
// flushed, or ctx is done. Records submitted concurrently may extend the
// wait.
func (p *Processor) Drain(ctx context.Context) error {
	p.mu.Lock()
	running := p.started && !p.closed
	p.mu.Unlock()
	if !running {
		return ErrProcessorNotRunning
	}

	ticker := time.NewTicker(drainPollInterval)
	defer ticker.Stop()
	for {
		// Workers mark a batch in flight before draining it, so an empty
		// queue followed by no batch in flight means everything was flushed.
		if p.queue.len() == 0 && p.inflight.Load() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("failed to drain ingest queue with %d records left: %w", p.queue.len(), ctx.Err())
		case <-ticker.C:
		}
	}
}

// Shutdown stops the workers. A batch already drained from the queue is
// flushed before its worker exits; records still queued are left in the
// queue and reported by Size. Shutdown blocks until every worker stopped
// or ctx is done.
func (p *Processor) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	p.running.Store(false)
	p.stopOnce.Do(func() { close(p.stop) })

	done := make(chan struct{})
	go func() {
		defer close(done)
		p.group.Wait()
	}()
	select {
	case <-ctx.Done():
		return fmt.Errorf("failed to wait for ingest workers: %w", ctx.Err())
	case <-done:
	}
	if remaining := p.queue.len(); remaining > 0 {
		p.cfg.Logger.Warn("ingest processor stopped with queued records", zap.Int("remaining", remaining))
	}
	return p.metrics.CleanUp()
}

func (p *Processor) run(worker int) {
	logger := p.cfg.Logger.With(zap.Int("worker", worker))
	batch := make([]*model.DecodedRequest, 0, p.cfg.BatchSize)
	timer := time.NewTimer(p.cfg.IdleInterval)
	defer timer.Stop()

	for p.running.Load() {
		batch = p.processBatch(logger, batch[:0])
		clear(batch)

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(p.cfg.IdleInterval)
		select {
		case <-p.stop:
			return
		case <-timer.C:
		}
	}
}

// processBatch drains one batch and flushes it. The bucket is read once so
// every record of the batch lands in the same bucket.
func (p *Processor) processBatch(logger *zap.Logger, batch []*model.DecodedRequest) []*model.DecodedRequest {
	p.inflight.Add(1)
	defer p.inflight.Add(-1)

	bucket := model.BucketOf(p.cfg.Clock())
	batch = p.queue.drain(batch, p.cfg.BatchSize)
	if len(batch) == 0 {
		return batch
	}

	records := make([]encodedRecord, 0, len(batch))
	for _, req := range batch {
		data, err := req.MarshalBinary()
		if err != nil {
			logger.Warn("failed to encode request, dropping", zap.String("uuid", req.UUID), zap.Error(err))
			p.metrics.RecordsDropped.Add(context.Background(), 1)
			continue
		}
		records = append(records, encodedRecord{req: req, data: data})
	}

	// Shutdown must not abort a batch that has already left the queue.
	ctx := context.Background()
	if err := p.flush(ctx, bucket, records); err != nil {
		logger.Error("failed to flush batch, dropping records",
			zap.Int64("bucket", int64(bucket)),
			zap.Int("records", len(records)),
			zap.Error(err),
		)
		p.metrics.RecordsDropped.Add(ctx, int64(len(records)))
		return batch
	}
	logger.Debug("flushed batch", zap.Int64("bucket", int64(bucket)), zap.Int("records", len(records)))
	p.metrics.RecordsFlushed.Add(ctx, int64(len(records)))
	return batch
}

type encodedRecord struct {
	req  *model.DecodedRequest
	data []byte
}

func (p *Processor) flush(ctx context.Context, bucket model.Bucket, records []encodedRecord) error {
	if len(records) == 0 {
		return nil
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.cfg.FlushRetryBackoff
	b.MaxElapsedTime = 0
	return backoff.Retry(func() error {
		err := p.flushOnce(ctx, bucket, records)
		if err != nil {
			p.metrics.FlushFailed.Add(ctx, 1)
			p.cfg.Logger.Warn("flush attempt failed", zap.Int64("bucket", int64(bucket)), zap.Error(err))
		}
		return err
	}, backoff.WithMaxRetries(b, p.cfg.FlushRetries))
}

// flushOnce stages the three writes of every record on a fresh session and
// sends them in one round trip.
func (p *Processor) flushOnce(ctx context.Context, bucket model.Bucket, records []encodedRecord) (err error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.FlushTimeout)
	defer cancel()

	sess, err := p.store.Session(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire store session: %w", err)
	}
	defer func() {
		if cerr := sess.Close(); cerr != nil {
			err = errors.Join(err, fmt.Errorf("failed to close store session: %w", cerr))
		}
	}()

	for _, r := range records {
		sess.SAdd(accumulator.PluginVersionKey(bucket, r.req.UUID, r.req.Plugin), r.req.PluginVersion)
		sess.SAdd(accumulator.PluginsKey(bucket), strconv.Itoa(r.req.Plugin))
		sess.HSet(accumulator.PluginDataKey(bucket, r.req.Plugin), r.req.UUID, r.data)
	}
	start := time.Now()
	err = sess.Exec(ctx)
	p.metrics.FlushDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("failed to flush %d records: %w", len(records), err)
	}
	return nil
}
