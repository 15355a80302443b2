// Copyright Elasticsearch B.V. and/or licensed to Elasticsearch B.V. under one
// or more contributor license agreements. Licensed under the Elastic License 2.0;
// you may not use this file except in compliance with the Elastic License 2.0.

package ingest

import (
	"sync"
	"sync/atomic"
)

// Gate signals intake to skip new reports while a generation run is in
// progress. The zero value is open.
type Gate struct {
	holds atomic.Int32
}

// Pause closes the gate until the returned resume function is called.
// Resume is safe to call more than once.
func (g *Gate) Pause() (resume func()) {
	g.holds.Add(1)
	var once sync.Once
	return func() {
		once.Do(func() { g.holds.Add(-1) })
	}
}

// Paused reports whether reports should currently be skipped.
func (g *Gate) Paused() bool {
	return g.holds.Load() > 0
}
