// Copyright Elasticsearch B.V. and/or licensed to Elasticsearch B.V. under one
// or more contributor license agreements. Licensed under the Elastic License 2.0;
// you may not use this file except in compliance with the Elastic License 2.0.

package model

import "encoding/json"

// DefaultRevision is assumed for reports that do not carry a revision.
const DefaultRevision = 4

// Auth mode values reported at revision 6 and above.
const (
	AuthModeUnknown = -1
	AuthModeOffline = 0
	AuthModeOnline  = 1
)

// DecodedRequest is a validated usage report. It is built once by the
// decoder and never mutated afterwards; the accumulation store keeps its
// JSON encoding verbatim.
type DecodedRequest struct {
	UUID          string `json:"uuid"`
	Plugin        int    `json:"plugin"`
	PluginVersion string `json:"pluginVersion"`
	ServerVersion string `json:"serverVersion"`
	Revision      int    `json:"revision"`
	IsPing        bool   `json:"isPing"`
	PlayersOnline int    `json:"playersOnline"`

	// System information, only populated at revision 6 and above.
	OSName      string `json:"osname,omitempty"`
	OSArch      string `json:"osarch,omitempty"`
	OSVersion   string `json:"osversion,omitempty"`
	JavaName    string `json:"javaName,omitempty"`
	JavaVersion string `json:"javaVersion,omitempty"`
	Cores       int    `json:"cores"`
	AuthMode    int    `json:"authMode"`

	// CustomData maps graph name to column name to value.
	CustomData map[string]map[string]int64 `json:"customData,omitempty"`
}

// HasSystemInfo reports whether the request carries revision 6 system info.
func (r *DecodedRequest) HasSystemInfo() bool {
	return r.Revision >= 6
}

// MarshalBinary encodes the request the way it is kept in the accumulation
// store.
func (r *DecodedRequest) MarshalBinary() ([]byte, error) {
	return json.Marshal(r)
}

// UnmarshalBinary decodes a request previously encoded with MarshalBinary.
func (r *DecodedRequest) UnmarshalBinary(data []byte) error {
	return json.Unmarshal(data, r)
}
