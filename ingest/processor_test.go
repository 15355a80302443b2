// Copyright Elasticsearch B.V. and/or licensed to Elasticsearch B.V. under one
// or more contributor license agreements. Licensed under the Elastic License 2.0;
// you may not use this file except in compliance with the Elastic License 2.0.

package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.uber.org/zap/zaptest"

	"github.com/mcstats/ping-aggregation/accumulator"
	"github.com/mcstats/ping-aggregation/model"
)

var testNow = time.Unix(1700000123, 0)

func fixedClock() time.Time { return testNow }

func newTestProcessor(t *testing.T, store accumulator.Store, opts ...Option) *Processor {
	t.Helper()
	opts = append([]Option{
		WithLogger(zaptest.NewLogger(t)),
		WithMeter(sdkmetric.NewMeterProvider().Meter("test")),
		WithClock(fixedClock),
		WithIdleInterval(time.Millisecond),
		WithFlushRetry(0, time.Millisecond),
	}, opts...)
	p, err := New(store, opts...)
	require.NoError(t, err)
	return p
}

func shutdown(t *testing.T, p *Processor) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, p.Shutdown(ctx))
}

func request(id string, plugin int, version string) *model.DecodedRequest {
	return &model.DecodedRequest{
		UUID:          id,
		Plugin:        plugin,
		PluginVersion: version,
		ServerVersion: "git-Spigot-1",
		Revision:      model.DefaultRevision,
		PlayersOnline: 3,
		Cores:         0,
		AuthMode:      model.AuthModeUnknown,
	}
}

func TestNewConfigValidation(t *testing.T) {
	for _, tt := range []struct {
		name string
		opts []Option
		err  bool
	}{
		{name: "defaults"},
		{name: "no_workers", opts: []Option{WithWorkers(0)}, err: true},
		{name: "no_batch", opts: []Option{WithBatchSize(0)}, err: true},
		{name: "negative_idle", opts: []Option{WithIdleInterval(-1)}, err: true},
		{name: "no_timeout", opts: []Option{WithFlushTimeout(0)}, err: true},
		{name: "no_clock", opts: []Option{WithClock(nil)}, err: true},
		{name: "no_logger", opts: []Option{WithLogger(nil)}, err: true},
	} {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := NewConfig(tt.opts...)
			if tt.err {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, 16, cfg.Workers)
			assert.Equal(t, 1000, cfg.BatchSize)
			assert.Equal(t, 5*time.Millisecond, cfg.IdleInterval)
		})
	}
}

func TestProcessorDuplicateRecordsAreIdempotent(t *testing.T) {
	store, err := accumulator.OpenPebbleStore(t.TempDir(), true)
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, store.Close()) })

	p := newTestProcessor(t, store, WithWorkers(1))
	req := request(uuid.NewString(), 7, "1.0")
	require.NoError(t, p.Submit(req))
	require.NoError(t, p.Submit(req))
	require.NoError(t, p.Start())
	assert.Eventually(t, func() bool { return p.Size() == 0 }, 5*time.Second, time.Millisecond)
	shutdown(t, p)

	ctx := context.Background()
	br := accumulator.NewBucketReader(store, model.BucketOf(testNow))
	plugins, err := br.Plugins(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int{7}, plugins)

	versions, err := br.Versions(ctx, req.UUID, 7)
	require.NoError(t, err)
	assert.Equal(t, []string{"1.0"}, versions)

	var got []*model.DecodedRequest
	require.NoError(t, br.Requests(ctx, 7, func(r *model.DecodedRequest) error {
		got = append(got, r)
		return nil
	}))
	require.Len(t, got, 1)
	assert.Equal(t, req, got[0])
}

func TestProcessorDrainFlushesEveryRecord(t *testing.T) {
	store, err := accumulator.OpenPebbleStore(t.TempDir(), true)
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, store.Close()) })

	p := newTestProcessor(t, store,
		WithWorkers(4),
		WithBatchSize(10),
		WithIdleInterval(20*time.Millisecond),
	)
	assert.ErrorIs(t, p.Drain(context.Background()), ErrProcessorNotRunning)

	const total = 250
	for i := 0; i < total; i++ {
		require.NoError(t, p.Submit(request(fmt.Sprintf("uuid-%d", i), 1+i%5, "1.0")))
	}
	require.NoError(t, p.Start())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, p.Drain(ctx))
	assert.Zero(t, p.Size())
	shutdown(t, p)
	assert.ErrorIs(t, p.Drain(ctx), ErrProcessorNotRunning)

	br := accumulator.NewBucketReader(store, model.BucketOf(testNow))
	plugins, err := br.Plugins(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []int{1, 2, 3, 4, 5}, plugins)
	var stored int
	for _, plugin := range plugins {
		require.NoError(t, br.Requests(ctx, plugin, func(*model.DecodedRequest) error {
			stored++
			return nil
		}))
	}
	assert.Equal(t, total, stored)
}

func TestProcessorDrainHonoursContext(t *testing.T) {
	p := newTestProcessor(t, &fakeStore{}, WithWorkers(1), WithBatchSize(1), WithIdleInterval(time.Hour))
	for i := 0; i < 3; i++ {
		require.NoError(t, p.Submit(request(fmt.Sprintf("uuid-%d", i), 1, "1.0")))
	}
	require.NoError(t, p.Start())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := p.Drain(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Positive(t, p.Size())
	shutdown(t, p)
}

func TestProcessorBatchesIntoRoundTrips(t *testing.T) {
	store := &fakeStore{}
	p := newTestProcessor(t, store, WithWorkers(1))
	for i := 0; i < 2500; i++ {
		require.NoError(t, p.Submit(request(fmt.Sprintf("uuid-%d", i), 1, "1.0")))
	}
	assert.Equal(t, 2500, p.Size())

	require.NoError(t, p.Start())
	assert.Eventually(t, func() bool { return len(store.execs()) == 3 }, 5*time.Second, time.Millisecond)
	shutdown(t, p)

	// Three staged writes per record.
	assert.Equal(t, []int{3000, 3000, 1500}, store.execs())
	assert.Zero(t, p.Size())
}

func TestProcessorRetriesFailedFlush(t *testing.T) {
	store := &fakeStore{failures: 2}
	reader := sdkmetric.NewManualReader()
	p := newTestProcessor(t, store,
		WithWorkers(1),
		WithFlushRetry(3, time.Millisecond),
		WithMeter(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)).Meter("test")),
	)
	require.NoError(t, p.Submit(request("a", 1, "1.0")))
	require.NoError(t, p.Start())
	assert.Eventually(t, func() bool { return len(store.execs()) == 1 }, 5*time.Second, time.Millisecond)
	shutdown(t, p)

	assert.Equal(t, []int{3}, store.execs())
	assert.Equal(t, 3, store.sessions())
	assert.Equal(t, int64(2), counterValue(t, reader, "ingest.flush.failed"))
	assert.Equal(t, int64(1), counterValue(t, reader, "ingest.records.flushed"))
}

func TestProcessorDropsBatchAfterRetries(t *testing.T) {
	store := &fakeStore{failures: 100}
	reader := sdkmetric.NewManualReader()
	p := newTestProcessor(t, store,
		WithWorkers(1),
		WithFlushRetry(1, time.Millisecond),
		WithMeter(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)).Meter("test")),
	)
	require.NoError(t, p.Submit(request("a", 1, "1.0")))
	require.NoError(t, p.Submit(request("b", 1, "1.0")))
	require.NoError(t, p.Start())
	assert.Eventually(t, func() bool {
		return counterValue(t, reader, "ingest.records.dropped") == 2
	}, 5*time.Second, time.Millisecond)
	shutdown(t, p)

	assert.Empty(t, store.execs())
	assert.Zero(t, p.Size())
}

func TestProcessorShutdownInterruptsIdleSleep(t *testing.T) {
	p := newTestProcessor(t, &fakeStore{}, WithWorkers(4), WithIdleInterval(time.Hour))
	require.NoError(t, p.Start())
	assert.ErrorIs(t, p.Start(), ErrProcessorRunning)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.Shutdown(ctx))

	assert.ErrorIs(t, p.Submit(request("a", 1, "1.0")), ErrProcessorClosed)
	assert.ErrorIs(t, p.Start(), ErrProcessorClosed)
	assert.Zero(t, p.Size())
}

func TestProcessorSubmitIsConcurrent(t *testing.T) {
	p := newTestProcessor(t, &fakeStore{})
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				assert.NoError(t, p.Submit(request(fmt.Sprintf("%d-%d", i, j), i, "1.0")))
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 800, p.Size())
	assert.NoError(t, p.Submit(nil))
	assert.Equal(t, 800, p.Size())
	shutdown(t, p)
}

func counterValue(t *testing.T, reader sdkmetric.Reader, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok)
			var total int64
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
			return total
		}
	}
	return 0
}

// fakeStore records the number of staged writes of every successful Exec.
// The first failures Exec calls fail.
type fakeStore struct {
	mu       sync.Mutex
	failures int
	staged   []int
	opened   int
}

func (s *fakeStore) SMembers(context.Context, string) ([]string, error) { return nil, nil }

func (s *fakeStore) HScan(context.Context, string, func(string, []byte) error) error { return nil }

func (s *fakeStore) Close() error { return nil }

func (s *fakeStore) Session(context.Context) (accumulator.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opened++
	return &fakeSession{store: s}, nil
}

func (s *fakeStore) execs() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.staged...)
}

func (s *fakeStore) sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opened
}

type fakeSession struct {
	store *fakeStore
	n     int
}

func (s *fakeSession) SAdd(string, string)         { s.n++ }
func (s *fakeSession) HSet(string, string, []byte) { s.n++ }
func (s *fakeSession) Staged() int                 { return s.n }
func (s *fakeSession) Close() error                { return nil }

func (s *fakeSession) Exec(context.Context) error {
	n := s.n
	s.n = 0
	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	if s.store.failures > 0 {
		s.store.failures--
		return errors.New("connection reset")
	}
	s.store.staged = append(s.store.staged, n)
	return nil
}
