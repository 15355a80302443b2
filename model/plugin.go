// Copyright Elasticsearch B.V. and/or licensed to Elasticsearch B.V. under one
// or more contributor license agreements. Licensed under the Elastic License 2.0;
// you may not use this file except in compliance with the Elastic License 2.0.

package model

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// SaveQueue accepts plugins for deferred persistence.
type SaveQueue interface {
	Enqueue(*Plugin)
}

// PluginWriter persists a plugin synchronously.
type PluginWriter interface {
	SavePlugin(context.Context, PluginRecord) error
}

// PluginRecord is the persisted form of a plugin.
type PluginRecord struct {
	ID             int
	Parent         int
	Name           string
	Authors        string
	Hidden         bool
	GlobalHits     int
	Rank           int
	LastRank       int
	LastRankChange int64
	Created        int64
	LastUpdated    int64
	ServerCount30  int
}

// Plugin is a tracked piece of software. Any setter marks the plugin dirty;
// Save and SaveNow persist it.
type Plugin struct {
	mu    sync.RWMutex
	rec   PluginRecord
	state SaveState

	graphs         sync.Map // lower-cased name -> *Graph
	versionsMu     sync.RWMutex
	versionsByID   map[int]*PluginVersion
	versionsByName map[string]*PluginVersion
}

// NewPlugin returns a clean plugin holding rec.
func NewPlugin(rec PluginRecord) *Plugin {
	return &Plugin{
		rec:            rec,
		versionsByID:   make(map[int]*PluginVersion),
		versionsByName: make(map[string]*PluginVersion),
	}
}

// ID returns the plugin id.
func (p *Plugin) ID() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.rec.ID
}

// Record returns a copy of the persisted fields.
func (p *Plugin) Record() PluginRecord {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.rec
}

// State returns the persistence state.
func (p *Plugin) State() SaveState {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

func (p *Plugin) mutate(f func(*PluginRecord)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	f(&p.rec)
	p.state = p.state.Mutate()
}

func (p *Plugin) SetParent(v int)           { p.mutate(func(r *PluginRecord) { r.Parent = v }) }
func (p *Plugin) SetName(v string)          { p.mutate(func(r *PluginRecord) { r.Name = v }) }
func (p *Plugin) SetAuthors(v string)       { p.mutate(func(r *PluginRecord) { r.Authors = v }) }
func (p *Plugin) SetHidden(v bool)          { p.mutate(func(r *PluginRecord) { r.Hidden = v }) }
func (p *Plugin) SetGlobalHits(v int)       { p.mutate(func(r *PluginRecord) { r.GlobalHits = v }) }
func (p *Plugin) SetRank(v int)             { p.mutate(func(r *PluginRecord) { r.Rank = v }) }
func (p *Plugin) SetLastRank(v int)         { p.mutate(func(r *PluginRecord) { r.LastRank = v }) }
func (p *Plugin) SetLastRankChange(v int64) { p.mutate(func(r *PluginRecord) { r.LastRankChange = v }) }
func (p *Plugin) SetCreated(v int64)        { p.mutate(func(r *PluginRecord) { r.Created = v }) }
func (p *Plugin) SetLastUpdated(v int64)    { p.mutate(func(r *PluginRecord) { r.LastUpdated = v }) }
func (p *Plugin) SetServerCount30(v int)    { p.mutate(func(r *PluginRecord) { r.ServerCount30 = v }) }
func (p *Plugin) IncrementGlobalHits(n int) { p.mutate(func(r *PluginRecord) { r.GlobalHits += n }) }

// RecentlyUpdated reports whether the plugin received a report within the
// last bucket width.
func (p *Plugin) RecentlyUpdated(now time.Time) bool {
	return RecentlyUpdated(p.Record().LastUpdated, now)
}

// Save requests a deferred write. A dirty plugin is put on q once; further
// calls while that write is pending only clear the dirty mark.
func (p *Plugin) Save(q SaveQueue) {
	p.mu.Lock()
	next, enqueue := p.state.Save()
	p.state = next
	p.mu.Unlock()
	if enqueue {
		q.Enqueue(p)
	}
}

// SaveNow writes the plugin through w regardless of its state and leaves it
// clean. The state is untouched if the write fails.
func (p *Plugin) SaveNow(ctx context.Context, w PluginWriter) error {
	rec := p.Record()
	if err := w.SavePlugin(ctx, rec); err != nil {
		return fmt.Errorf("failed to save plugin %d: %w", rec.ID, err)
	}
	p.mu.Lock()
	p.state = p.state.SaveNow()
	p.mu.Unlock()
	return nil
}

// SaveCompleted is called by the save queue once a deferred write finished.
func (p *Plugin) SaveCompleted() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = p.state.Completed()
}

// Graph returns a loaded graph by case-insensitive name.
func (p *Plugin) Graph(name string) (*Graph, bool) {
	g, ok := p.graphs.Load(strings.ToLower(name))
	if !ok {
		return nil, false
	}
	return g.(*Graph), true
}

// AddGraph registers g, replacing any graph with the same name.
func (p *Plugin) AddGraph(g *Graph) {
	p.graphs.Store(g.Key(), g)
}

// LoadOrAddGraph returns the graph with g's name, registering g if absent.
func (p *Plugin) LoadOrAddGraph(g *Graph) *Graph {
	v, _ := p.graphs.LoadOrStore(g.Key(), g)
	return v.(*Graph)
}

// VersionByID returns a known version by its id.
func (p *Plugin) VersionByID(id int) (*PluginVersion, bool) {
	p.versionsMu.RLock()
	defer p.versionsMu.RUnlock()
	v, ok := p.versionsByID[id]
	return v, ok
}

// VersionByName returns a known version by its version string.
func (p *Plugin) VersionByName(name string) (*PluginVersion, bool) {
	p.versionsMu.RLock()
	defer p.versionsMu.RUnlock()
	v, ok := p.versionsByName[name]
	return v, ok
}

// AddVersion registers v under both its id and its name.
func (p *Plugin) AddVersion(v *PluginVersion) {
	p.versionsMu.Lock()
	defer p.versionsMu.Unlock()
	p.versionsByID[v.ID] = v
	p.versionsByName[v.Version] = v
}

// Versions returns the number of known versions.
func (p *Plugin) Versions() int {
	p.versionsMu.RLock()
	defer p.versionsMu.RUnlock()
	return len(p.versionsByID)
}
