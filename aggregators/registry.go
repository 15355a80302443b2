// Copyright Elasticsearch B.V. and/or licensed to Elasticsearch B.V. under one
// or more contributor license agreements. Licensed under the Elastic License 2.0;
// you may not use this file except in compliance with the Elastic License 2.0.

package aggregators

import (
	"strconv"
	"strings"

	"github.com/mcstats/ping-aggregation/model"
)

// Graph names of the built-in aggregators.
const (
	GraphGlobalStatistics    = "Global Statistics"
	GraphServerSoftware      = "Server Software"
	GraphGameVersion         = "Game Version"
	GraphSystemArch          = "System Arch"
	GraphSystemCores         = "System Cores"
	GraphRevision            = "MCStats Revision"
	GraphOperatingSystem     = "Operating System"
	GraphJavaVersion         = "Java Version"
	GraphVersionDemographics = "Version Demographics"
	GraphVersionTrends       = "Version Trends"
	GraphRank                = "Rank"
	GraphAuthMode            = "Auth Mode"
)

const unknownLabel = "Unknown"

// DefaultRegistry returns the built-in aggregators in run order.
func DefaultRegistry() []Aggregator {
	return []Aggregator{
		Merge{
			Increment{Graph: GraphGlobalStatistics, Column: "Servers"},
			Sum{Graph: GraphGlobalStatistics, Column: "Players", Value: players},
		},
		Field{Graph: GraphServerSoftware, Label: serverSoftware},
		Field{Graph: GraphGameVersion, Label: gameVersion},
		Field{Graph: GraphSystemArch, Label: withSystemInfo(func(r *model.DecodedRequest) string { return r.OSArch })},
		Field{Graph: GraphSystemCores, Label: cores},
		Revision(GraphRevision),
		Donut{
			Graph: GraphOperatingSystem,
			Outer: withSystemInfo(func(r *model.DecodedRequest) string { return r.OSName }),
			Inner: withSystemInfo(func(r *model.DecodedRequest) string { return r.OSVersion }),
		},
		Donut{
			Graph: GraphJavaVersion,
			Outer: withSystemInfo(javaName),
			Inner: withSystemInfo(func(r *model.DecodedRequest) string { return r.JavaVersion }),
		},
		VersionDemographics(GraphVersionDemographics),
		VersionTrends{Graph: GraphVersionTrends},
		CustomData{},
		Rank{Graph: GraphRank, Column: "Rank"},
		Decoder{Graph: GraphAuthMode, Value: authMode, Decode: decodeAuthMode},
	}
}

func players(r *model.DecodedRequest) int64 {
	return int64(r.PlayersOnline)
}

func withSystemInfo(f func(*model.DecodedRequest) string) Label {
	return func(r *model.DecodedRequest) (string, bool) {
		if !r.HasSystemInfo() {
			return "", false
		}
		return f(r), true
	}
}

// serverSoftware extracts the server implementation from version strings
// such as "git-Spigot-1649 (MC: 1.8)".
func serverSoftware(r *model.DecodedRequest) (string, bool) {
	v := r.ServerVersion
	if rest, ok := strings.CutPrefix(v, "git-"); ok {
		if name, _, ok := strings.Cut(rest, "-"); ok && name != "" {
			return name, true
		}
	}
	if name, _, ok := strings.Cut(v, " "); ok && name != "" && !strings.HasPrefix(name, "(") {
		return name, true
	}
	return unknownLabel, true
}

// gameVersion extracts the game version from the "(MC: x)" suffix of the
// server version.
func gameVersion(r *model.DecodedRequest) (string, bool) {
	_, rest, ok := strings.Cut(r.ServerVersion, "(MC: ")
	if !ok {
		return unknownLabel, true
	}
	version, _, ok := strings.Cut(rest, ")")
	if !ok || version == "" {
		return unknownLabel, true
	}
	return strings.TrimSpace(version), true
}

func cores(r *model.DecodedRequest) (string, bool) {
	if !r.HasSystemInfo() || r.Cores <= 0 {
		return "", false
	}
	return strconv.Itoa(r.Cores), true
}

// javaName falls back to the full version for versions that are not of the
// legacy "1.x" form.
func javaName(r *model.DecodedRequest) string {
	if r.JavaName != "" {
		return r.JavaName
	}
	return r.JavaVersion
}

func authMode(r *model.DecodedRequest) (int, bool) {
	if !r.HasSystemInfo() {
		return 0, false
	}
	return r.AuthMode, true
}

func decodeAuthMode(v int) string {
	switch v {
	case model.AuthModeOnline:
		return "Online"
	case model.AuthModeOffline:
		return "Offline"
	default:
		return unknownLabel
	}
}
