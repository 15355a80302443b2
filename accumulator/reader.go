// Copyright Elasticsearch B.V. and/or licensed to Elasticsearch B.V. under one
// or more contributor license agreements. Licensed under the Elastic License 2.0;
// you may not use this file except in compliance with the Elastic License 2.0.

package accumulator

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	"github.com/axiomhq/hyperloglog"
	"github.com/cespare/xxhash/v2"

	"github.com/mcstats/ping-aggregation/model"
)

// BucketReader reads what ingestion accumulated for one bucket.
type BucketReader struct {
	r      Reader
	bucket model.Bucket
}

// NewBucketReader returns a reader scoped to bucket.
func NewBucketReader(r Reader, bucket model.Bucket) *BucketReader {
	return &BucketReader{r: r, bucket: bucket}
}

// Bucket returns the bucket being read.
func (br *BucketReader) Bucket() model.Bucket {
	return br.bucket
}

// Plugins returns the ids of plugins active in the bucket in ascending
// order. Members that are not integers are skipped.
func (br *BucketReader) Plugins(ctx context.Context) ([]int, error) {
	members, err := br.r.SMembers(ctx, PluginsKey(br.bucket))
	if err != nil {
		return nil, err
	}
	ids := make([]int, 0, len(members))
	for _, m := range members {
		id, err := strconv.Atoi(m)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids, nil
}

// Requests calls fn for every request stored for the plugin.
func (br *BucketReader) Requests(
	ctx context.Context,
	pluginID int,
	fn func(*model.DecodedRequest) error,
) error {
	key := PluginDataKey(br.bucket, pluginID)
	return br.r.HScan(ctx, key, func(uuid string, value []byte) error {
		var req model.DecodedRequest
		if err := req.UnmarshalBinary(value); err != nil {
			return fmt.Errorf("failed to decode request %s in %s: %w", uuid, key, err)
		}
		return fn(&req)
	})
}

// ForEachRequest calls fn for every request of every active plugin.
func (br *BucketReader) ForEachRequest(
	ctx context.Context,
	fn func(pluginID int, req *model.DecodedRequest) error,
) error {
	plugins, err := br.Plugins(ctx)
	if err != nil {
		return err
	}
	for _, id := range plugins {
		if err := br.Requests(ctx, id, func(req *model.DecodedRequest) error {
			return fn(id, req)
		}); err != nil {
			return err
		}
	}
	return nil
}

// Versions returns every version the installation reported for the plugin
// within the bucket, sorted.
func (br *BucketReader) Versions(ctx context.Context, uuid string, pluginID int) ([]string, error) {
	versions, err := br.r.SMembers(ctx, PluginVersionKey(br.bucket, uuid, pluginID))
	if err != nil {
		return nil, err
	}
	sort.Strings(versions)
	return versions, nil
}

// EstimateInstallations estimates the number of distinct installations that
// reported in any of the given buckets.
func EstimateInstallations(ctx context.Context, r Reader, buckets ...model.Bucket) (uint64, error) {
	sketch := hyperloglog.New14()
	for _, b := range buckets {
		br := NewBucketReader(r, b)
		plugins, err := br.Plugins(ctx)
		if err != nil {
			return 0, err
		}
		for _, id := range plugins {
			err := r.HScan(ctx, PluginDataKey(b, id), func(uuid string, _ []byte) error {
				sketch.InsertHash(xxhash.Sum64String(uuid))
				return nil
			})
			if err != nil {
				return 0, err
			}
		}
	}
	return sketch.Estimate(), nil
}
