// Copyright Elasticsearch B.V. and/or licensed to Elasticsearch B.V. under one
// or more contributor license agreements. Licensed under the Elastic License 2.0;
// you may not use this file except in compliance with the Elastic License 2.0.

package model

import (
	"math"
	"sort"
	"strings"
	"sync"
)

// GlobalPluginID owns graphs that aggregate over every plugin.
const GlobalPluginID = -1

// GlobalPluginName is the display name of the global scope.
const GlobalPluginName = "All Servers"

// Graph is a named chart owned by a plugin or by the global scope.
type Graph struct {
	PluginID int
	Name     string

	mu      sync.Mutex
	columns map[string]*Column
}

// NewGraph returns an empty graph.
func NewGraph(pluginID int, name string) *Graph {
	return &Graph{
		PluginID: pluginID,
		Name:     name,
		columns:  make(map[string]*Column),
	}
}

// Key returns the case-insensitive lookup key of the graph.
func (g *Graph) Key() string {
	return strings.ToLower(g.Name)
}

// Column returns the named column, creating it on first use.
func (g *Graph) Column(name string) *Column {
	g.mu.Lock()
	defer g.mu.Unlock()
	c, ok := g.columns[name]
	if !ok {
		c = &Column{Graph: g, Name: name}
		g.columns[name] = c
	}
	return c
}

// Columns returns the known columns sorted by name.
func (g *Graph) Columns() []*Column {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]*Column, 0, len(g.columns))
	for _, c := range g.columns {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Column is one named series of a graph.
type Column struct {
	Graph *Graph
	Name  string
}

// Storable reports whether the column and its graph have names that can be
// persisted. Names must not contain NUL bytes.
func (c *Column) Storable() bool {
	return c.Graph != nil &&
		strings.IndexByte(c.Graph.Name, 0) < 0 &&
		strings.IndexByte(c.Name, 0) < 0
}

// GeneratedData is the value an aggregator computes for one column at one
// bucket.
type GeneratedData struct {
	Sum   int64
	Count int64
	Max   int64
	Min   int64
}

// NewGeneratedData returns data holding a single value.
func NewGeneratedData(v int64) *GeneratedData {
	return &GeneratedData{Sum: v, Count: 1, Max: v, Min: v}
}

// Increment folds v into the data.
func (d *GeneratedData) Increment(v int64) {
	if d.Count == 0 {
		d.Max, d.Min = math.MinInt64, math.MaxInt64
	}
	d.Sum += v
	d.Count++
	if v > d.Max {
		d.Max = v
	}
	if v < d.Min {
		d.Min = v
	}
}

// Merge folds every value of o into d.
func (d *GeneratedData) Merge(o *GeneratedData) {
	if o == nil || o.Count == 0 {
		return
	}
	if d.Count == 0 {
		*d = *o
		return
	}
	d.Sum += o.Sum
	d.Count += o.Count
	if o.Max > d.Max {
		d.Max = o.Max
	}
	if o.Min < d.Min {
		d.Min = o.Min
	}
}

// ColumnData pairs a column with the data generated for it.
type ColumnData struct {
	Column *Column
	Data   *GeneratedData
}
