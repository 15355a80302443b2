// Copyright Elasticsearch B.V. and/or licensed to Elasticsearch B.V. under one
// or more contributor license agreements. Licensed under the Elastic License 2.0;
// you may not use this file except in compliance with the Elastic License 2.0.

// Package catalog keeps the in-memory model of tracked plugins and the
// installations reporting them.
package catalog

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mcstats/ping-aggregation/model"
)

// Cache holds tracked plugins, installations, and the interval data the
// accumulate phase collects for the next generation run.
type Cache struct {
	clock  func() time.Time
	global *model.Plugin

	mu            sync.RWMutex
	plugins       map[int]*model.Plugin
	pluginsByName map[string]*model.Plugin
	servers       map[string]*model.Server
	serverPlugins map[int]map[string]*model.ServerPlugin
	nextVersionID int

	// Interval data, reset after every generation run.
	versionChanges map[int]map[string]int64
}

// NewCache returns an empty cache. A nil clock defaults to time.Now.
func NewCache(clock func() time.Time) *Cache {
	if clock == nil {
		clock = time.Now
	}
	c := &Cache{
		clock: clock,
		global: model.NewPlugin(model.PluginRecord{
			ID:   model.GlobalPluginID,
			Name: model.GlobalPluginName,
		}),
		plugins:       make(map[int]*model.Plugin),
		pluginsByName: make(map[string]*model.Plugin),
	}
	c.resetInternalLocked()
	c.versionChanges = make(map[int]map[string]int64)
	return c
}

// AddPlugin starts tracking p.
func (c *Cache) AddPlugin(p *model.Plugin) {
	rec := p.Record()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.plugins[rec.ID] = p
	c.pluginsByName[strings.ToLower(rec.Name)] = p
}

// Plugin returns a tracked plugin by id. The global scope is returned for
// model.GlobalPluginID.
func (c *Cache) Plugin(id int) (*model.Plugin, bool) {
	if id == model.GlobalPluginID {
		return c.global, true
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.plugins[id]
	return p, ok
}

// PluginByName returns a tracked plugin by case-insensitive name.
func (c *Cache) PluginByName(name string) (*model.Plugin, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.pluginsByName[strings.ToLower(name)]
	return p, ok
}

// Plugins returns every tracked plugin ordered by id. The global scope is
// not included.
func (c *Cache) Plugins() []*model.Plugin {
	c.mu.RLock()
	out := make([]*model.Plugin, 0, len(c.plugins))
	for _, p := range c.plugins {
		out = append(out, p)
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Global returns the plugin owning the graphs over all installations.
func (c *Cache) Global() *model.Plugin {
	return c.global
}

// Graph returns the named graph of a plugin, creating it on first use. It
// returns nil for untracked plugins.
func (c *Cache) Graph(pluginID int, name string) *model.Graph {
	p, ok := c.Plugin(pluginID)
	if !ok {
		return nil
	}
	if g, ok := p.Graph(name); ok {
		return g
	}
	return p.LoadOrAddGraph(model.NewGraph(pluginID, name))
}

// PluginVersion returns the known version of p, registering it on first
// sight.
func (c *Cache) PluginVersion(p *model.Plugin, version string) *model.PluginVersion {
	if v, ok := p.VersionByName(version); ok {
		return v
	}
	c.mu.Lock()
	c.nextVersionID++
	id := c.nextVersionID
	c.mu.Unlock()
	v := &model.PluginVersion{
		ID:       id,
		PluginID: p.ID(),
		Version:  version,
		Created:  c.clock().Unix(),
	}
	p.AddVersion(v)
	return v
}

// Server returns the installation with the given id, creating it on first
// use.
func (c *Cache) Server(uuid string) *model.Server {
	c.mu.RLock()
	s, ok := c.servers[uuid]
	c.mu.RUnlock()
	if ok {
		return s
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.servers[uuid]; ok {
		return s
	}
	s = model.NewServer(uuid)
	c.servers[uuid] = s
	return s
}

// ServerPlugin returns the link between s and the plugin, creating it on
// first use.
func (c *Cache) ServerPlugin(s *model.Server, pluginID int) *model.ServerPlugin {
	c.mu.Lock()
	defer c.mu.Unlock()
	links, ok := c.serverPlugins[pluginID]
	if !ok {
		links = make(map[string]*model.ServerPlugin)
		c.serverPlugins[pluginID] = links
	}
	sp, ok := links[s.UUID]
	if !ok {
		sp = model.NewServerPlugin(s, pluginID)
		links[s.UUID] = sp
	}
	return sp
}

// ServerPlugins returns the known installations of a plugin.
func (c *Cache) ServerPlugins(pluginID int) []*model.ServerPlugin {
	c.mu.RLock()
	defer c.mu.RUnlock()
	links := c.serverPlugins[pluginID]
	out := make([]*model.ServerPlugin, 0, len(links))
	for _, sp := range links {
		out = append(out, sp)
	}
	return out
}

// RecordVersionChange counts an installation switching the plugin to
// version within the current interval.
func (c *Cache) RecordVersionChange(pluginID int, version string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	changes, ok := c.versionChanges[pluginID]
	if !ok {
		changes = make(map[string]int64)
		c.versionChanges[pluginID] = changes
	}
	changes[version]++
}

// VersionChanges returns the version switches of a plugin recorded in the
// current interval, keyed by the version switched to.
func (c *Cache) VersionChanges(pluginID int) map[string]int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]int64, len(c.versionChanges[pluginID]))
	for v, n := range c.versionChanges[pluginID] {
		out[v] = n
	}
	return out
}

// CountRecentServers returns the number of installations seen within the
// last bucket width.
func (c *Cache) CountRecentServers(context.Context) (int64, error) {
	now := c.clock()
	c.mu.RLock()
	defer c.mu.RUnlock()
	var n int64
	for _, s := range c.servers {
		if model.RecentlyUpdated(s.LastSeen(), now) {
			n++
		}
	}
	return n, nil
}

// ResetInternalCaches forgets every installation and the interval data.
// Tracked plugins are kept.
func (c *Cache) ResetInternalCaches() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resetInternalLocked()
	c.versionChanges = make(map[int]map[string]int64)
}

// ResetIntervalData clears the data collected for the interval that was
// just generated.
func (c *Cache) ResetIntervalData() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.versionChanges = make(map[int]map[string]int64)
}

func (c *Cache) resetInternalLocked() {
	c.servers = make(map[string]*model.Server)
	c.serverPlugins = make(map[int]map[string]*model.ServerPlugin)
}
