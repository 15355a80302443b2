// Copyright Elasticsearch B.V. and/or licensed to Elasticsearch B.V. under one
// or more contributor license agreements. Licensed under the Elastic License 2.0;
// you may not use this file except in compliance with the Elastic License 2.0.

package catalog

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mcstats/ping-aggregation/accumulator"
	"github.com/mcstats/ping-aggregation/model"
)

// MaxViolationsAllowed is the number of version switches an installation
// may report within one interval before its version changes are ignored.
const MaxViolationsAllowed = 7

// Accumulator folds the reports of a bucket into the cache.
type Accumulator struct {
	cache  *Cache
	reader accumulator.Reader
	saves  model.SaveQueue
	logger *zap.Logger
}

// NewAccumulator returns an accumulator reading from r. Touched plugins are
// handed to saves for a deferred write; saves may be nil.
func NewAccumulator(cache *Cache, r accumulator.Reader, saves model.SaveQueue, logger *zap.Logger) *Accumulator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Accumulator{cache: cache, reader: r, saves: saves, logger: logger}
}

// Accumulate reads every report stored for bucket and updates plugins,
// installations and their links. Processing a bucket twice leaves the
// cache as processing it once, except for violation counts.
func (a *Accumulator) Accumulate(ctx context.Context, bucket model.Bucket) error {
	// Reports are dated at the end of their bucket, but never in the future.
	seen := bucket.Next().Time()
	if now := a.cache.clock(); now.Before(seen) {
		seen = now
	}

	br := accumulator.NewBucketReader(a.reader, bucket)
	plugins, err := br.Plugins(ctx)
	if err != nil {
		return fmt.Errorf("failed to list plugins of bucket %s: %w", bucket, err)
	}

	var reports, skipped int
	for _, id := range plugins {
		plugin, ok := a.cache.Plugin(id)
		if !ok || id == model.GlobalPluginID {
			skipped++
			continue
		}
		var n int
		if err := br.Requests(ctx, id, func(req *model.DecodedRequest) error {
			n++
			return a.accumulateRequest(ctx, br, plugin, req, seen)
		}); err != nil {
			return fmt.Errorf("failed to accumulate plugin %d: %w", id, err)
		}
		if n == 0 {
			continue
		}
		reports += n
		plugin.SetLastUpdated(seen.Unix())
		plugin.IncrementGlobalHits(n)
		if a.saves != nil {
			plugin.Save(a.saves)
		}
	}
	a.cache.Global().SetLastUpdated(seen.Unix())

	a.logger.Info("accumulated bucket",
		zap.Int64("bucket", int64(bucket)),
		zap.Int("plugins", len(plugins)-skipped),
		zap.Int("untracked_plugins", skipped),
		zap.Int("reports", reports),
	)
	return nil
}

func (a *Accumulator) accumulateRequest(
	ctx context.Context,
	br *accumulator.BucketReader,
	plugin *model.Plugin,
	req *model.DecodedRequest,
	seen time.Time,
) error {
	server := a.cache.Server(req.UUID)
	server.Touch(seen)
	sp := a.cache.ServerPlugin(server, req.Plugin)

	versions, err := br.Versions(ctx, req.UUID, req.Plugin)
	if err != nil {
		return fmt.Errorf("failed to read versions of %s: %w", req.UUID, err)
	}
	if len(versions) > 1 {
		server.AddViolations(len(versions) - 1)
	}
	if server.ViolationCount() > MaxViolationsAllowed {
		sp.Update(sp.Version(), seen)
		return nil
	}
	a.cache.PluginVersion(plugin, req.PluginVersion)
	if sp.Update(req.PluginVersion, seen) {
		a.cache.RecordVersionChange(req.Plugin, req.PluginVersion)
	}
	return nil
}
