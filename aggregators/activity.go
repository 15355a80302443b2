// Copyright Elasticsearch B.V. and/or licensed to Elasticsearch B.V. under one
// or more contributor license agreements. Licensed under the Elastic License 2.0;
// you may not use this file except in compliance with the Elastic License 2.0.

package aggregators

import (
	"context"
	"time"

	"github.com/mcstats/ping-aggregation/accumulator"
	"github.com/mcstats/ping-aggregation/model"
)

// EstimatedActivity counts recently active installations from the
// accumulation store: the distinct installations of the current and the
// previous bucket, estimated with a HyperLogLog sketch.
type EstimatedActivity struct {
	Reader accumulator.Reader
	Clock  func() time.Time
}

// CountRecentServers implements ActivityCounter.
func (a EstimatedActivity) CountRecentServers(ctx context.Context) (int64, error) {
	clock := a.Clock
	if clock == nil {
		clock = time.Now
	}
	current := model.BucketOf(clock())
	n, err := accumulator.EstimateInstallations(ctx, a.Reader, current.Prev(), current)
	if err != nil {
		return 0, err
	}
	return int64(n), nil
}
