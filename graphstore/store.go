// Copyright Elasticsearch B.V. and/or licensed to Elasticsearch B.V. under one
// or more contributor license agreements. Licensed under the Elastic License 2.0;
// you may not use this file except in compliance with the Elastic License 2.0.

// Package graphstore persists generated graph columns. Writes of a generation
// run are staged and become visible to readers at once when the run
// finishes.
package graphstore

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"go.uber.org/zap"

	"github.com/mcstats/ping-aggregation/model"
)

// ErrStoreClosed is returned when a closed store is used.
var ErrStoreClosed = errors.New("graph store is closed")

// Point is the value of a column at one bucket.
type Point struct {
	Bucket model.Bucket
	Data   model.GeneratedData
}

// Store is a pebble backed graph store.
type Store struct {
	db           *pebble.DB
	writeOptions *pebble.WriteOptions
	cfg          Config

	mu     sync.Mutex
	staged *pebble.Batch
}

// Open opens or creates a graph store.
func Open(opts ...Option) (*Store, error) {
	cfg, err := NewConfig(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create graph store config: %w", err)
	}
	pebbleOpts := &pebble.Options{}
	if cfg.InMemory {
		pebbleOpts.FS = vfs.NewMem()
	}
	db, err := pebble.Open(cfg.DataDir, pebbleOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to create pebble db: %w", err)
	}
	return &Store{
		db:           db,
		writeOptions: pebble.Sync,
		cfg:          cfg,
		staged:       db.NewBatch(),
	}, nil
}

// Close discards any staged writes and closes the underlying database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	var errs []error
	if s.staged != nil {
		if !s.staged.Empty() {
			s.cfg.Logger.Warn("discarding unpublished graph data", zap.Uint32("count", s.staged.Count()))
		}
		if err := s.staged.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close staged batch: %w", err))
		}
		s.staged = nil
	}
	if err := s.db.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close pebble: %w", err))
	}
	s.db = nil
	return errors.Join(errs...)
}

// BatchInsert stages the data of one graph at bucket. A later insert for
// the same column and bucket replaces the earlier one.
func (s *Store) BatchInsert(_ context.Context, graph *model.Graph, data []model.ColumnData, bucket model.Bucket) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return ErrStoreClosed
	}
	for _, cd := range data {
		if cd.Column == nil || cd.Data == nil {
			continue
		}
		k := Key{
			PluginID: graph.PluginID,
			Graph:    graph.Key(),
			Column:   cd.Column.Name,
			Bucket:   bucket,
		}
		kb, err := k.MarshalBinary()
		if err != nil {
			return fmt.Errorf("failed to encode key for %s/%s: %w", graph.Name, cd.Column.Name, err)
		}
		if err := s.staged.Set(kb, marshalData(cd.Data), nil); err != nil {
			return fmt.Errorf("failed to stage column %s/%s: %w", graph.Name, cd.Column.Name, err)
		}
	}
	return nil
}

// FinishGeneration publishes every staged write atomically.
func (s *Store) FinishGeneration(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return ErrStoreClosed
	}
	batch := s.staged
	s.staged = s.db.NewBatch()
	count := batch.Count()
	if err := errors.Join(batch.Commit(s.writeOptions), batch.Close()); err != nil {
		return fmt.Errorf("failed to publish generated graphs: %w", err)
	}
	s.cfg.Logger.Debug("published generated graphs", zap.Uint32("columns", count))
	return nil
}

// AbortGeneration discards every staged write.
func (s *Store) AbortGeneration(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return ErrStoreClosed
	}
	s.staged.Reset()
	return nil
}

// Series returns the published values of a column ordered by bucket.
func (s *Store) Series(_ context.Context, pluginID int, graph, column string) ([]Point, error) {
	g := model.NewGraph(pluginID, graph)
	var points []Point
	err := s.scan(seriesPrefix(pluginID, g.Key(), column), func(k Key, d model.GeneratedData) error {
		points = append(points, Point{Bucket: k.Bucket, Data: d})
		return nil
	})
	return points, err
}

// Columns returns the published values of every column of a graph at
// bucket.
func (s *Store) Columns(_ context.Context, pluginID int, graph string, bucket model.Bucket) (map[string]model.GeneratedData, error) {
	g := model.NewGraph(pluginID, graph)
	out := make(map[string]model.GeneratedData)
	err := s.scan(graphPrefix(pluginID, g.Key()), func(k Key, d model.GeneratedData) error {
		if k.Bucket == bucket {
			out[k.Column] = d
		}
		return nil
	})
	return out, err
}

func (s *Store) scan(prefix []byte, fn func(Key, model.GeneratedData) error) (resultErr error) {
	s.mu.Lock()
	db := s.db
	s.mu.Unlock()
	if db == nil {
		return ErrStoreClosed
	}
	iter, err := db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
		KeyTypes:   pebble.IterKeyTypePointsOnly,
	})
	if err != nil {
		return fmt.Errorf("failed to create iterator: %w", err)
	}
	defer func() {
		resultErr = errors.Join(resultErr, iter.Close())
	}()
	for iter.First(); iter.Valid(); iter.Next() {
		var k Key
		if err := k.UnmarshalBinary(iter.Key()); err != nil {
			return fmt.Errorf("failed to unmarshal key: %w", err)
		}
		d, err := unmarshalData(iter.Value())
		if err != nil {
			return fmt.Errorf("failed to unmarshal %s/%s at %d: %w", k.Graph, k.Column, k.Bucket, err)
		}
		if err := fn(k, d); err != nil {
			return err
		}
	}
	return nil
}
