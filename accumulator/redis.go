// Copyright Elasticsearch B.V. and/or licensed to Elasticsearch B.V. under one
// or more contributor license agreements. Licensed under the Elastic License 2.0;
// you may not use this file except in compliance with the Elastic License 2.0.

package accumulator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const hscanCount = 1000

// RedisConfig configures a RedisStore.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	PoolSize int

	// OpTimeout bounds every call made by the store. Defaults to
	// DefaultOpTimeout.
	OpTimeout time.Duration
}

// RedisStore is a Store backed by Redis.
type RedisStore struct {
	client    *redis.Client
	opTimeout time.Duration
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore connects to Redis.
func NewRedisStore(cfg RedisConfig) *RedisStore {
	timeout := cfg.OpTimeout
	if timeout <= 0 {
		timeout = DefaultOpTimeout
	}
	return NewRedisStoreFromClient(redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
	}), timeout)
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(client *redis.Client, opTimeout time.Duration) *RedisStore {
	if opTimeout <= 0 {
		opTimeout = DefaultOpTimeout
	}
	return &RedisStore{client: client, opTimeout: opTimeout}
}

// Close closes the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Session takes a dedicated connection from the pool.
func (s *RedisStore) Session(ctx context.Context) (Session, error) {
	conn := s.client.Conn()
	return &redisSession{conn: conn, pipe: conn.Pipeline(), opTimeout: s.opTimeout}, nil
}

// SMembers implements Reader.
func (s *RedisStore) SMembers(ctx context.Context, key string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()
	members, err := s.client.SMembers(ctx, key).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to read set %s: %w", key, err)
	}
	return members, nil
}

// HScan implements Reader.
func (s *RedisStore) HScan(ctx context.Context, key string, fn func(string, []byte) error) error {
	var cursor uint64
	for {
		kvs, next, err := s.hscan(ctx, key, cursor)
		if err != nil {
			return fmt.Errorf("failed to scan hash %s: %w", key, err)
		}
		for i := 0; i+1 < len(kvs); i += 2 {
			if err := fn(kvs[i], []byte(kvs[i+1])); err != nil {
				return err
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}

func (s *RedisStore) hscan(ctx context.Context, key string, cursor uint64) ([]string, uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()
	return s.client.HScan(ctx, key, cursor, "", hscanCount).Result()
}

type redisSession struct {
	conn      *redis.Conn
	pipe      redis.Pipeliner
	opTimeout time.Duration
	closed    bool
}

func (s *redisSession) SAdd(key, member string) {
	s.pipe.SAdd(context.Background(), key, member)
}

func (s *redisSession) HSet(key, field string, value []byte) {
	s.pipe.HSet(context.Background(), key, field, value)
}

func (s *redisSession) Staged() int {
	return s.pipe.Len()
}

func (s *redisSession) Exec(ctx context.Context) error {
	if s.closed {
		return ErrSessionClosed
	}
	if s.pipe.Len() == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()
	if _, err := s.pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to execute pipeline: %w", err)
	}
	return nil
}

func (s *redisSession) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.pipe.Discard()
	return s.conn.Close()
}
