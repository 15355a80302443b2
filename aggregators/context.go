// Copyright Elasticsearch B.V. and/or licensed to Elasticsearch B.V. under one
// or more contributor license agreements. Licensed under the Elastic License 2.0;
// you may not use this file except in compliance with the Elastic License 2.0.

package aggregators

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/mcstats/ping-aggregation/accumulator"
	"github.com/mcstats/ping-aggregation/catalog"
	"github.com/mcstats/ping-aggregation/model"
)

// Aggregator computes column values for one generation run.
type Aggregator interface {
	// Name identifies the aggregator in logs and traces.
	Name() string

	// Generate returns the values computed for the run. Entries with a nil
	// column or nil data are ignored.
	Generate(ctx context.Context, gc *Context) (Result, error)
}

// Result maps columns to the value generated for them.
type Result map[*model.Column]*model.GeneratedData

// add folds v into the value of c. Nil columns belong to untracked plugins
// and are skipped.
func (r Result) add(c *model.Column, v int64) {
	if c == nil {
		return
	}
	if d := r[c]; d != nil {
		d.Increment(v)
		return
	}
	r[c] = model.NewGeneratedData(v)
}

func (r Result) merge(o Result) {
	for c, d := range o {
		if c == nil || d == nil {
			continue
		}
		if cur := r[c]; cur != nil {
			cur.Merge(d)
			continue
		}
		cp := *d
		r[c] = &cp
	}
}

// Context is what aggregators read during a run.
type Context struct {
	Bucket  model.Bucket
	Now     time.Time
	Catalog *catalog.Cache
	Reports *Reports
}

// Column resolves a column of a plugin's graph. It returns nil for
// untracked plugins.
func (gc *Context) Column(pluginID int, graph, column string) *model.Column {
	g := gc.Catalog.Graph(pluginID, graph)
	if g == nil {
		return nil
	}
	return g.Column(column)
}

// forEach calls fn for every report of every plugin. If global is set fn is
// additionally called once per installation for the global scope.
func (gc *Context) forEach(global bool, fn func(pluginID int, req *model.DecodedRequest)) {
	for _, id := range gc.Reports.Plugins() {
		for _, req := range gc.Reports.ForPlugin(id) {
			fn(id, req)
		}
	}
	if !global {
		return
	}
	for _, req := range gc.Reports.Installations() {
		fn(model.GlobalPluginID, req)
	}
}

// Reports are the decoded reports of one bucket grouped by plugin.
type Reports struct {
	plugins       []int
	byPlugin      map[int][]*model.DecodedRequest
	installations []*model.DecodedRequest
}

// NewReports groups reqs by plugin. Reports of the same installation for
// the same plugin replace each other.
func NewReports(reqs ...*model.DecodedRequest) *Reports {
	r := &Reports{byPlugin: make(map[int][]*model.DecodedRequest)}
	seen := make(map[int]map[string]int)
	for _, req := range reqs {
		idx, ok := seen[req.Plugin]
		if !ok {
			idx = make(map[string]int)
			seen[req.Plugin] = idx
		}
		if i, ok := idx[req.UUID]; ok {
			r.byPlugin[req.Plugin][i] = req
			continue
		}
		idx[req.UUID] = len(r.byPlugin[req.Plugin])
		r.byPlugin[req.Plugin] = append(r.byPlugin[req.Plugin], req)
	}
	r.index()
	return r
}

// LoadReports reads every report stored for bucket.
func LoadReports(ctx context.Context, reader accumulator.Reader, bucket model.Bucket) (*Reports, error) {
	r := &Reports{byPlugin: make(map[int][]*model.DecodedRequest)}
	br := accumulator.NewBucketReader(reader, bucket)
	if err := br.ForEachRequest(ctx, func(pluginID int, req *model.DecodedRequest) error {
		r.byPlugin[pluginID] = append(r.byPlugin[pluginID], req)
		return nil
	}); err != nil {
		return nil, fmt.Errorf("failed to load reports of bucket %s: %w", bucket, err)
	}
	r.index()
	return r, nil
}

func (r *Reports) index() {
	r.plugins = r.plugins[:0]
	for id := range r.byPlugin {
		r.plugins = append(r.plugins, id)
	}
	sort.Ints(r.plugins)
	seen := make(map[string]struct{})
	for _, id := range r.plugins {
		for _, req := range r.byPlugin[id] {
			if _, ok := seen[req.UUID]; ok {
				continue
			}
			seen[req.UUID] = struct{}{}
			r.installations = append(r.installations, req)
		}
	}
}

// Plugins returns the ids of plugins with reports, ascending.
func (r *Reports) Plugins() []int {
	return r.plugins
}

// ForPlugin returns the reports of a plugin.
func (r *Reports) ForPlugin(id int) []*model.DecodedRequest {
	return r.byPlugin[id]
}

// Installations returns one report per installation. The report of the
// plugin with the lowest id is picked.
func (r *Reports) Installations() []*model.DecodedRequest {
	return r.installations
}

// Len returns the number of reports.
func (r *Reports) Len() int {
	var n int
	for _, reqs := range r.byPlugin {
		n += len(reqs)
	}
	return n
}
