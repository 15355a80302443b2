// Copyright Elasticsearch B.V. and/or licensed to Elasticsearch B.V. under one
// or more contributor license agreements. Licensed under the Elastic License 2.0;
// you may not use this file except in compliance with the Elastic License 2.0.

// Package accumulator adapts the bucketed set/hash store that ingestion
// writes decoded reports into and aggregation reads them back from.
package accumulator

import (
	"context"
	"errors"
	"time"
)

// DefaultOpTimeout bounds every remote store call.
const DefaultOpTimeout = 5 * time.Second

// ErrSessionClosed is returned when a closed session is used.
var ErrSessionClosed = errors.New("session is closed")

// Store is a key/value store holding sets and hashes.
type Store interface {
	Reader

	// Session acquires a scoped connection for buffered writes. The
	// session must be closed by the caller.
	Session(ctx context.Context) (Session, error)

	// Close releases the store.
	Close() error
}

// Reader reads sets and hashes.
type Reader interface {
	// SMembers returns the members of a set, or nil if it does not exist.
	SMembers(ctx context.Context, key string) ([]string, error)

	// HScan calls fn for every field of a hash. Iteration stops at the
	// first error returned by fn.
	HScan(ctx context.Context, key string, fn func(field string, value []byte) error) error
}

// Session buffers writes and flushes them in a single round trip.
type Session interface {
	// SAdd stages adding member to the set at key.
	SAdd(key, member string)

	// HSet stages setting field of the hash at key to value.
	HSet(key, field string, value []byte)

	// Staged returns the number of writes buffered since the last Exec.
	Staged() int

	// Exec flushes every staged write. The staged writes are discarded
	// whether or not the flush succeeds.
	Exec(ctx context.Context) error

	// Close discards staged writes and releases the connection.
	Close() error
}
