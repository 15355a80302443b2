// Copyright Elasticsearch B.V. and/or licensed to Elasticsearch B.V. under one
// or more contributor license agreements. Licensed under the Elastic License 2.0;
// you may not use this file except in compliance with the Elastic License 2.0.

package aggregators

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.elastic.co/apm/module/apmotel/v2"
	"go.elastic.co/apm/v2"
	"go.elastic.co/apm/v2/apmtest"
	"go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap/zaptest"

	"github.com/mcstats/ping-aggregation/accumulator"
	"github.com/mcstats/ping-aggregation/catalog"
	"github.com/mcstats/ping-aggregation/graphstore"
	"github.com/mcstats/ping-aggregation/ingest"
	"github.com/mcstats/ping-aggregation/model"
)

type fixedActivity int64

func (a fixedActivity) CountRecentServers(context.Context) (int64, error) {
	return int64(a), nil
}

type pluginWriter struct {
	mu    sync.Mutex
	saved map[int]model.PluginRecord
	calls int
	err   error
}

func (w *pluginWriter) SavePlugin(_ context.Context, rec model.PluginRecord) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls++
	if w.err != nil {
		return w.err
	}
	if w.saved == nil {
		w.saved = make(map[int]model.PluginRecord)
	}
	w.saved[rec.ID] = rec
	return nil
}

// spyGraphStore records every call without storing anything.
type spyGraphStore struct {
	inserts  map[string][]string
	finished int
	aborted  int
}

func (s *spyGraphStore) BatchInsert(_ context.Context, g *model.Graph, data []model.ColumnData, _ model.Bucket) error {
	if s.inserts == nil {
		s.inserts = make(map[string][]string)
	}
	key := strconv.Itoa(g.PluginID) + "/" + g.Name
	for _, cd := range data {
		s.inserts[key] = append(s.inserts[key], cd.Column.Name)
	}
	return nil
}

func (s *spyGraphStore) FinishGeneration(context.Context) error { s.finished++; return nil }
func (s *spyGraphStore) AbortGeneration(context.Context) error  { s.aborted++; return nil }

type harness struct {
	bucket  model.Bucket
	cache   *catalog.Cache
	store   *accumulator.PebbleStore
	graphs  *graphstore.Store
	writer  *pluginWriter
	gate    *ingest.Gate
	spans   *tracetest.InMemoryExporter
	metrics apmotel.Gatherer
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	bucket := model.BucketOf(testNow).Prev()
	h := &harness{
		bucket: bucket,
		cache:  testCatalog(),
		writer: &pluginWriter{},
		gate:   &ingest.Gate{},
		spans:  tracetest.NewInMemoryExporter(),
	}
	var err error
	h.store, err = accumulator.OpenPebbleStore(t.TempDir(), true)
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, h.store.Close()) })
	h.graphs, err = graphstore.Open(
		graphstore.WithInMemory(true),
		graphstore.WithDataDir(t.TempDir()),
		graphstore.WithLogger(zaptest.NewLogger(t)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, h.graphs.Close()) })
	h.metrics, err = apmotel.NewGatherer()
	require.NoError(t, err)

	ctx := context.Background()
	sess, err := h.store.Session(ctx)
	require.NoError(t, err)
	for _, req := range testReports() {
		data, err := req.MarshalBinary()
		require.NoError(t, err)
		sess.SAdd(accumulator.PluginVersionKey(bucket, req.UUID, req.Plugin), req.PluginVersion)
		sess.SAdd(accumulator.PluginsKey(bucket), strconv.Itoa(req.Plugin))
		sess.HSet(accumulator.PluginDataKey(bucket, req.Plugin), req.UUID, data)
	}
	require.NoError(t, sess.Exec(ctx))
	require.NoError(t, sess.Close())

	require.NoError(t, catalog.NewAccumulator(h.cache, h.store, nil, zaptest.NewLogger(t)).Accumulate(ctx, bucket))
	return h
}

func (h *harness) generator(t *testing.T, graphs GraphStore, opts ...Option) *Generator {
	t.Helper()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(h.spans))
	mp := metric.NewMeterProvider(metric.WithReader(h.metrics))
	opts = append([]Option{
		WithActivityCounter(fixedActivity(DefaultMinActiveInstallations)),
		WithPauser(h.gate),
		WithClock(func() time.Time { return testNow }),
		WithTracer(tp.Tracer("test")),
		WithMeter(mp.Meter("test")),
		WithLogger(zaptest.NewLogger(t)),
	}, opts...)
	g, err := New(h.cache, h.store, graphs, h.writer, opts...)
	require.NoError(t, err)
	return g
}

// sample sums the values of a metric over every label set.
func sample(g apm.MetricsGatherer, name string) float64 {
	tracer := apmtest.NewRecordingTracer()
	defer tracer.Close()
	tracer.RegisterMetricsGatherer(g)
	tracer.SendMetrics(nil)
	var total float64
	for _, m := range tracer.Payloads().Metrics {
		if s, ok := m.Samples[name]; ok {
			total += s.Value
		}
	}
	return total
}

func TestNewConfig(t *testing.T) {
	for _, tt := range []struct {
		name string
		opts []Option
		err  bool
	}{
		{name: "defaults"},
		{name: "no_aggregators", opts: []Option{WithAggregators()}, err: true},
		{name: "nil_aggregator", opts: []Option{WithAggregators(nil)}, err: true},
		{name: "negative_minimum", opts: []Option{WithMinActiveInstallations(-1)}, err: true},
		{name: "no_pauser", opts: []Option{WithPauser(nil)}, err: true},
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
			assert.Equal(t, int64(DefaultMinActiveInstallations), cfg.MinActiveInstallations)
			assert.Len(t, cfg.Aggregators, 13)
		})
	}
}

func TestRunSkipsWithInsufficientData(t *testing.T) {
	h := newHarness(t)
	var invoked int
	spy := aggregatorFunc{name: "spy", fn: func(context.Context, *Context) (Result, error) {
		invoked++
		return nil, nil
	}}
	graphs := &spyGraphStore{}
	g := h.generator(t, graphs,
		WithAggregators(spy),
		WithActivityCounter(fixedActivity(DefaultMinActiveInstallations-1)),
	)
	require.NotEmpty(t, h.cache.ServerPlugins(1))

	require.NoError(t, g.Run(context.Background(), h.bucket))
	assert.Zero(t, invoked)
	assert.Empty(t, graphs.inserts)
	assert.Zero(t, graphs.finished)
	assert.Zero(t, h.writer.calls)
	assert.Empty(t, h.cache.ServerPlugins(1), "caches are reset")
	assert.False(t, h.gate.Paused())
	assert.Equal(t, float64(1), sample(h.metrics, "generator.runs.skipped"))
}

func TestRunGeneratesGraphs(t *testing.T) {
	h := newHarness(t)
	var pausedDuringRun bool
	observer := aggregatorFunc{name: "observer", fn: func(context.Context, *Context) (Result, error) {
		pausedDuringRun = h.gate.Paused()
		return nil, nil
	}}
	h.cache.Server("b").SetViolationCount(3)
	h.cache.RecordVersionChange(1, "1.1")

	g := h.generator(t, h.graphs, WithAggregators(append(DefaultRegistry(), observer)...))
	ctx := context.Background()
	require.NoError(t, g.Run(ctx, h.bucket))

	assert.True(t, pausedDuringRun)
	assert.False(t, h.gate.Paused())

	cols, err := h.graphs.Columns(ctx, model.GlobalPluginID, GraphGlobalStatistics, h.bucket)
	require.NoError(t, err)
	assert.Equal(t, int64(3), cols["Servers"].Sum)
	assert.Equal(t, int64(15), cols["Players"].Sum)

	cols, err = h.graphs.Columns(ctx, 1, GraphVersionTrends, h.bucket)
	require.NoError(t, err)
	assert.Equal(t, int64(1), cols["1.1"].Sum)
	assert.Empty(t, h.cache.VersionChanges(1), "interval data is reset")

	cols, err = h.graphs.Columns(ctx, 1, "economy", h.bucket)
	require.NoError(t, err)
	assert.Equal(t, int64(3), cols["Vault"].Sum)

	// Every tracked plugin is saved with its recent installation count.
	assert.Equal(t, 2, h.writer.saved[1].ServerCount30)
	assert.Equal(t, 1, h.writer.saved[2].ServerCount30)
	assert.Equal(t, 1, h.writer.saved[1].Rank)
	assert.Equal(t, 0, h.cache.Server("b").ViolationCount())
	one, _ := h.cache.Plugin(1)
	assert.Equal(t, model.SaveStateClean, one.State())

	var names []string
	for _, s := range h.spans.GetSpans() {
		names = append(names, s.Name)
	}
	assert.Equal(t, 14, strings.Count(strings.Join(names, ","), "Aggregate"))
	assert.Contains(t, names, "Generate")
	assert.Equal(t, float64(1), sample(h.metrics, "generator.runs.total"))
	assert.Zero(t, sample(h.metrics, "generator.runs.failed"))
	assert.Positive(t, sample(h.metrics, "generator.columns.written"))
}

func TestRunTwiceForSameBucket(t *testing.T) {
	h := newHarness(t)
	g := h.generator(t, h.graphs)
	ctx := context.Background()

	snapshot := func() map[string]map[string]model.GeneratedData {
		out := make(map[string]map[string]model.GeneratedData)
		for _, pluginID := range []int{model.GlobalPluginID, 1, 2} {
			for _, graph := range []string{
				GraphGlobalStatistics, GraphServerSoftware, GraphGameVersion, GraphSystemArch,
				GraphSystemCores, GraphRevision, GraphOperatingSystem, GraphJavaVersion,
				GraphVersionDemographics, GraphVersionTrends, GraphRank, GraphAuthMode, "Economy",
			} {
				cols, err := h.graphs.Columns(ctx, pluginID, graph, h.bucket)
				require.NoError(t, err)
				out[strconv.Itoa(pluginID)+"/"+graph] = cols
			}
		}
		return out
	}

	require.NoError(t, g.Run(ctx, h.bucket))
	first := snapshot()
	require.NoError(t, g.Run(ctx, h.bucket))
	assert.Equal(t, first, snapshot())

	points, err := h.graphs.Series(ctx, model.GlobalPluginID, GraphGlobalStatistics, "Servers")
	require.NoError(t, err)
	assert.Len(t, points, 1)
}

func TestRunAbortsOnError(t *testing.T) {
	h := newHarness(t)
	var later int
	g := h.generator(t, h.graphs, WithAggregators(
		Increment{Graph: GraphGlobalStatistics, Column: "Servers"},
		aggregatorFunc{name: "broken", fn: func(context.Context, *Context) (Result, error) {
			return nil, errors.New("boom")
		}},
		aggregatorFunc{name: "later", fn: func(context.Context, *Context) (Result, error) {
			later++
			return nil, nil
		}},
	))
	ctx := context.Background()
	err := g.Run(ctx, h.bucket)
	assert.ErrorContains(t, err, "broken")
	assert.Zero(t, later)
	assert.False(t, h.gate.Paused())
	assert.Zero(t, h.writer.calls)

	// Staged data of the failed run is never published.
	require.NoError(t, h.graphs.FinishGeneration(ctx))
	cols, err := h.graphs.Columns(ctx, model.GlobalPluginID, GraphGlobalStatistics, h.bucket)
	require.NoError(t, err)
	assert.Empty(t, cols)
	assert.Equal(t, float64(1), sample(h.metrics, "generator.runs.failed"))
}

func TestRunAbortsOnSaveError(t *testing.T) {
	h := newHarness(t)
	h.writer.err = errors.New("database unavailable")
	graphs := &spyGraphStore{}
	g := h.generator(t, graphs, WithAggregators(Increment{Graph: "G", Column: "C"}))

	err := g.Run(context.Background(), h.bucket)
	assert.ErrorContains(t, err, "database unavailable")
	assert.Zero(t, graphs.finished)
	assert.Equal(t, 1, graphs.aborted)
	assert.False(t, h.gate.Paused())
}

func TestRunGroupsByGraph(t *testing.T) {
	h := newHarness(t)
	graphs := &spyGraphStore{}
	g := h.generator(t, graphs, WithAggregators(aggregatorFunc{
		name: "mixed",
		fn: func(_ context.Context, gc *Context) (Result, error) {
			return Result{
				nil:                              model.NewGeneratedData(1),
				gc.Column(1, "First", "dropped"): nil,
				gc.Column(1, "First", "a"):       model.NewGeneratedData(1),
				gc.Column(1, "First", "b"):       model.NewGeneratedData(2),
				gc.Column(2, "Second", "c"):      model.NewGeneratedData(3),
			}, nil
		},
	}))

	require.NoError(t, g.Run(context.Background(), h.bucket))
	require.Len(t, graphs.inserts, 2)
	assert.ElementsMatch(t, []string{"a", "b"}, graphs.inserts["1/First"])
	assert.Equal(t, []string{"c"}, graphs.inserts["2/Second"])
	assert.Equal(t, 1, graphs.finished)
}

func TestEstimatedActivity(t *testing.T) {
	h := newHarness(t)
	now := h.bucket.Next().Time().Add(time.Minute)
	n, err := EstimatedActivity{Reader: h.store, Clock: func() time.Time { return now }}.
		CountRecentServers(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestRunSkipsUnstorableColumns(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// Replace the report of installation "a" for plugin 1 with one carrying
	// custom data whose names cannot be stored.
	req := testReports()[0]
	req.CustomData = map[string]map[string]int64{
		"Eco\x00nomy": {"Vault": 1},
		"Shops":       {"Cash\x00": 2, "Coins": 4},
	}
	data, err := req.MarshalBinary()
	require.NoError(t, err)
	sess, err := h.store.Session(ctx)
	require.NoError(t, err)
	sess.HSet(accumulator.PluginDataKey(h.bucket, req.Plugin), req.UUID, data)
	require.NoError(t, sess.Exec(ctx))
	require.NoError(t, sess.Close())

	g := h.generator(t, h.graphs)
	require.NoError(t, g.Run(ctx, h.bucket))

	cols, err := h.graphs.Columns(ctx, model.GlobalPluginID, GraphGlobalStatistics, h.bucket)
	require.NoError(t, err)
	assert.Equal(t, int64(3), cols["Servers"].Sum)

	cols, err = h.graphs.Columns(ctx, 1, "Shops", h.bucket)
	require.NoError(t, err)
	assert.Equal(t, map[string]model.GeneratedData{"Coins": *model.NewGeneratedData(4)}, cols)
	assert.NotZero(t, h.writer.calls, "run completes and saves plugins")
	assert.Zero(t, sample(h.metrics, "generator.runs.failed"))
}
