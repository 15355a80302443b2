// Copyright Elasticsearch B.V. and/or licensed to Elasticsearch B.V. under one
// or more contributor license agreements. Licensed under the Elastic License 2.0;
// you may not use this file except in compliance with the Elastic License 2.0.

package model

import (
	"sync"
	"time"
)

// Server is one reporting installation.
type Server struct {
	UUID string

	mu         sync.Mutex
	violations int
	lastSeen   int64
}

// NewServer returns a server for the given installation id.
func NewServer(uuid string) *Server {
	return &Server{UUID: uuid}
}

// ViolationCount returns the number of version switches counted against the
// installation in the current interval.
func (s *Server) ViolationCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.violations
}

// SetViolationCount overwrites the violation count.
func (s *Server) SetViolationCount(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.violations = n
}

// AddViolations adds n violations and returns the new count.
func (s *Server) AddViolations(n int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.violations += n
	return s.violations
}

// LastSeen returns the unix second the installation last reported.
func (s *Server) LastSeen() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen
}

// Touch records a report at t.
func (s *Server) Touch(t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u := t.Unix(); u > s.lastSeen {
		s.lastSeen = u
	}
}

// ServerPlugin links an installation to a plugin it runs.
type ServerPlugin struct {
	Server   *Server
	PluginID int

	mu      sync.Mutex
	version string
	updated int64
}

// NewServerPlugin links server to the plugin.
func NewServerPlugin(server *Server, pluginID int) *ServerPlugin {
	return &ServerPlugin{Server: server, PluginID: pluginID}
}

// Version returns the last plugin version the installation reported.
func (sp *ServerPlugin) Version() string {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	return sp.version
}

// Update records that the installation reported version at t. It returns
// true if the version differs from the previously known one.
func (sp *ServerPlugin) Update(version string, t time.Time) bool {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	changed := sp.version != "" && sp.version != version
	sp.version = version
	if u := t.Unix(); u > sp.updated {
		sp.updated = u
	}
	return changed
}

// Updated returns the unix second of the last update.
func (sp *ServerPlugin) Updated() int64 {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	return sp.updated
}

// RecentlyUpdated reports whether the link was updated within the last
// bucket width.
func (sp *ServerPlugin) RecentlyUpdated(now time.Time) bool {
	return RecentlyUpdated(sp.Updated(), now)
}

// PluginVersion is a version string a plugin has been seen reporting.
type PluginVersion struct {
	ID       int
	PluginID int
	Version  string
	Created  int64
}
