// Copyright Elasticsearch B.V. and/or licensed to Elasticsearch B.V. under one
// or more contributor license agreements. Licensed under the Elastic License 2.0;
// you may not use this file except in compliance with the Elastic License 2.0.

package ingest

import (
	"sync"

	"github.com/eapache/queue"

	"github.com/mcstats/ping-aggregation/model"
)

// fifo is an unbounded first-in-first-out queue safe for any number of
// concurrent producers and consumers.
type fifo struct {
	mu sync.Mutex
	q  *queue.Queue
}

func newFIFO() *fifo {
	return &fifo{q: queue.New()}
}

func (f *fifo) push(req *model.DecodedRequest) {
	f.mu.Lock()
	f.q.Add(req)
	f.mu.Unlock()
}

// drain appends up to max queued records to dst.
func (f *fifo) drain(dst []*model.DecodedRequest, max int) []*model.DecodedRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := 0; i < max && f.q.Length() > 0; i++ {
		dst = append(dst, f.q.Remove().(*model.DecodedRequest))
	}
	return dst
}

func (f *fifo) len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.q.Length()
}
