// Copyright Elasticsearch B.V. and/or licensed to Elasticsearch B.V. under one
// or more contributor license agreements. Licensed under the Elastic License 2.0;
// you may not use this file except in compliance with the Elastic License 2.0.

package aggregators

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/mcstats/ping-aggregation/model"
)

// DonutSeparator joins the outer and inner label of a donut column.
const DonutSeparator = "~=~"

// Label extracts a column name from a report. Reports for which ok is
// false are not counted.
type Label func(req *model.DecodedRequest) (label string, ok bool)

// Increment counts reports in a fixed column, per plugin and over all
// installations.
type Increment struct {
	Graph  string
	Column string
}

func (a Increment) Name() string { return a.Graph + "/" + a.Column }

func (a Increment) Generate(_ context.Context, gc *Context) (Result, error) {
	out := make(Result)
	gc.forEach(true, func(id int, _ *model.DecodedRequest) {
		out.add(gc.Column(id, a.Graph, a.Column), 1)
	})
	return out, nil
}

// Sum adds a numeric field of every report into a fixed column, per plugin
// and over all installations.
type Sum struct {
	Graph  string
	Column string
	Value  func(req *model.DecodedRequest) int64
}

func (a Sum) Name() string { return a.Graph + "/" + a.Column }

func (a Sum) Generate(_ context.Context, gc *Context) (Result, error) {
	out := make(Result)
	gc.forEach(true, func(id int, req *model.DecodedRequest) {
		out.add(gc.Column(id, a.Graph, a.Column), a.Value(req))
	})
	return out, nil
}

// Field counts reports by the column a label extracts from them.
type Field struct {
	Graph string
	Label Label

	// PluginOnly skips the global scope.
	PluginOnly bool
}

func (a Field) Name() string { return a.Graph }

func (a Field) Generate(_ context.Context, gc *Context) (Result, error) {
	out := make(Result)
	gc.forEach(!a.PluginOnly, func(id int, req *model.DecodedRequest) {
		if label, ok := a.Label(req); ok && label != "" {
			out.add(gc.Column(id, a.Graph, label), 1)
		}
	})
	return out, nil
}

// Donut counts reports in two levels: an outer column per outer label and
// an inner column per outer and inner label pair.
type Donut struct {
	Graph string
	Outer Label
	Inner Label
}

func (a Donut) Name() string { return a.Graph }

func (a Donut) Generate(_ context.Context, gc *Context) (Result, error) {
	out := make(Result)
	gc.forEach(true, func(id int, req *model.DecodedRequest) {
		outer, ok := a.Outer(req)
		if !ok || outer == "" {
			return
		}
		out.add(gc.Column(id, a.Graph, outer), 1)
		if inner, ok := a.Inner(req); ok && inner != "" {
			out.add(gc.Column(id, a.Graph, outer+DonutSeparator+inner), 1)
		}
	})
	return out, nil
}

// Decoder counts reports by a label decoded from an integer field.
type Decoder struct {
	Graph  string
	Value  func(req *model.DecodedRequest) (int, bool)
	Decode func(int) string
}

func (a Decoder) Name() string { return a.Graph }

func (a Decoder) Generate(ctx context.Context, gc *Context) (Result, error) {
	return Field{
		Graph: a.Graph,
		Label: func(req *model.DecodedRequest) (string, bool) {
			v, ok := a.Value(req)
			if !ok {
				return "", false
			}
			return a.Decode(v), true
		},
	}.Generate(ctx, gc)
}

// Merge runs several aggregators and merges their results.
type Merge []Aggregator

func (a Merge) Name() string {
	names := make([]string, len(a))
	for i, agg := range a {
		names[i] = agg.Name()
	}
	return strings.Join(names, "+")
}

func (a Merge) Generate(ctx context.Context, gc *Context) (Result, error) {
	out := make(Result)
	for _, agg := range a {
		res, err := agg.Generate(ctx, gc)
		if err != nil {
			return nil, fmt.Errorf("failed to generate %s: %w", agg.Name(), err)
		}
		out.merge(res)
	}
	return out, nil
}

// CustomData sums the plugin defined graphs of every report.
type CustomData struct{}

func (CustomData) Name() string { return "Custom Data" }

func (CustomData) Generate(_ context.Context, gc *Context) (Result, error) {
	out := make(Result)
	gc.forEach(false, func(id int, req *model.DecodedRequest) {
		for graph, columns := range req.CustomData {
			for column, v := range columns {
				out.add(gc.Column(id, graph, column), v)
			}
		}
	})
	return out, nil
}

// Revision counts reports by protocol revision.
func Revision(graph string) Field {
	return Field{
		Graph: graph,
		Label: func(req *model.DecodedRequest) (string, bool) {
			return strconv.Itoa(req.Revision), true
		},
	}
}

// VersionDemographics counts the installations of a plugin by the plugin
// version they run.
func VersionDemographics(graph string) Field {
	return Field{
		Graph: graph,
		Label: func(req *model.DecodedRequest) (string, bool) {
			return req.PluginVersion, true
		},
		PluginOnly: true,
	}
}

// VersionTrends reports how many installations switched to each version of
// a plugin during the interval.
type VersionTrends struct {
	Graph string
}

func (a VersionTrends) Name() string { return a.Graph }

func (a VersionTrends) Generate(_ context.Context, gc *Context) (Result, error) {
	out := make(Result)
	for _, p := range gc.Catalog.Plugins() {
		for version, n := range gc.Catalog.VersionChanges(p.ID()) {
			out.add(gc.Column(p.ID(), a.Graph, version), n)
		}
	}
	return out, nil
}

// Rank orders tracked plugins by the number of installations that reported
// them and records each plugin's position, one based. A change of position
// is stored on the plugin.
type Rank struct {
	Graph  string
	Column string
}

func (a Rank) Name() string { return a.Graph }

func (a Rank) Generate(_ context.Context, gc *Context) (Result, error) {
	type entry struct {
		plugin *model.Plugin
		count  int
	}
	var entries []entry
	for _, id := range gc.Reports.Plugins() {
		p, ok := gc.Catalog.Plugin(id)
		if !ok || id == model.GlobalPluginID {
			continue
		}
		entries = append(entries, entry{plugin: p, count: len(gc.Reports.ForPlugin(id))})
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].count > entries[j].count
	})

	out := make(Result)
	for i, e := range entries {
		rank := i + 1
		out.add(gc.Column(e.plugin.ID(), a.Graph, a.Column), int64(rank))
		if rec := e.plugin.Record(); rec.Rank != rank {
			e.plugin.SetLastRank(rec.Rank)
			e.plugin.SetRank(rank)
			e.plugin.SetLastRankChange(gc.Now.Unix())
		}
	}
	return out, nil
}
