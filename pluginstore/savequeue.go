// Copyright Elasticsearch B.V. and/or licensed to Elasticsearch B.V. under one
// or more contributor license agreements. Licensed under the Elastic License 2.0;
// you may not use this file except in compliance with the Elastic License 2.0.

package pluginstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/eapache/queue"
	"go.uber.org/zap"

	"github.com/mcstats/ping-aggregation/model"
)

// DefaultRetryInterval is how long a SaveQueue waits before retrying
// failed writes.
const DefaultRetryInterval = 5 * time.Second

// SaveQueue persists plugins asynchronously. It implements model.SaveQueue.
type SaveQueue struct {
	writer        model.PluginWriter
	logger        *zap.Logger
	retryInterval time.Duration

	mu     sync.Mutex
	q      *queue.Queue
	notify chan struct{}
}

// NewSaveQueue returns a queue writing through w.
func NewSaveQueue(w model.PluginWriter, logger *zap.Logger) *SaveQueue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SaveQueue{
		writer:        w,
		logger:        logger,
		retryInterval: DefaultRetryInterval,
		q:             queue.New(),
		notify:        make(chan struct{}, 1),
	}
}

// Enqueue queues p for persistence.
func (s *SaveQueue) Enqueue(p *model.Plugin) {
	s.mu.Lock()
	s.q.Add(p)
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Len returns the number of queued plugins.
func (s *SaveQueue) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.q.Length()
}

// Flush writes every plugin queued at the time of the call. Plugins whose
// write fails are queued again.
func (s *SaveQueue) Flush(ctx context.Context) error {
	s.mu.Lock()
	n := s.q.Length()
	batch := make([]*model.Plugin, 0, n)
	for i := 0; i < n; i++ {
		batch = append(batch, s.q.Remove().(*model.Plugin))
	}
	s.mu.Unlock()

	var errs []error
	for _, p := range batch {
		if err := s.writer.SavePlugin(ctx, p.Record()); err != nil {
			errs = append(errs, fmt.Errorf("failed to save plugin %d: %w", p.ID(), err))
			s.mu.Lock()
			s.q.Add(p)
			s.mu.Unlock()
			continue
		}
		p.SaveCompleted()
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Run writes queued plugins until ctx is done, then flushes what is left.
func (s *SaveQueue) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.retryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return s.Flush(context.WithoutCancel(ctx))
		case <-s.notify:
		case <-ticker.C:
			if s.Len() == 0 {
				continue
			}
		}
		if err := s.Flush(ctx); err != nil {
			s.logger.Warn("failed to save plugins, will retry", zap.Int("queued", s.Len()), zap.Error(err))
		}
	}
}
