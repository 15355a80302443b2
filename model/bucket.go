// Copyright Elasticsearch B.V. and/or licensed to Elasticsearch B.V. under one
// or more contributor license agreements. Licensed under the Elastic License 2.0;
// you may not use this file except in compliance with the Elastic License 2.0.

// Package model holds the domain types shared by ingestion and aggregation.
package model

import (
	"strconv"
	"time"
)

// BucketWidth is the width of the time window reports are accumulated in.
const BucketWidth = 30 * time.Minute

const bucketSeconds = int64(BucketWidth / time.Second)

// Bucket identifies a BucketWidth wide time window by the unix second the
// window starts at. Every accumulation key and every generated column value
// is tagged with a bucket, which makes the bucket the idempotency key for
// reprocessing.
type Bucket int64

// BucketOf floors t to the window boundary. All readers and writers must
// derive buckets through this function so that rounding stays consistent.
func BucketOf(t time.Time) Bucket {
	s := t.Unix()
	r := s % bucketSeconds
	if r < 0 {
		r += bucketSeconds
	}
	return Bucket(s - r)
}

// Time returns the start of the window.
func (b Bucket) Time() time.Time {
	return time.Unix(int64(b), 0)
}

// Next returns the bucket following b.
func (b Bucket) Next() Bucket {
	return b + Bucket(bucketSeconds)
}

// Prev returns the bucket preceding b.
func (b Bucket) Prev() Bucket {
	return b - Bucket(bucketSeconds)
}

func (b Bucket) String() string {
	return strconv.FormatInt(int64(b), 10)
}

// RecentlyUpdated reports whether a unix timestamp lies within the last
// BucketWidth relative to now.
func RecentlyUpdated(unix int64, now time.Time) bool {
	return unix > now.Unix()-bucketSeconds
}
