// Copyright Elasticsearch B.V. and/or licensed to Elasticsearch B.V. under one
// or more contributor license agreements. Licensed under the Elastic License 2.0;
// you may not use this file except in compliance with the Elastic License 2.0.

// Package decoder turns raw legacy reports into validated requests.
package decoder

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/mcstats/ping-aggregation/model"
)

const (
	maxPlayers = 2000

	customPrefix       = "C"
	customGraphSep     = "~~"
	legacyCustomPrefix = "Custom"
	legacyGraphName    = "Default"
	unknown            = "Unknown"
)

// ErrRejected is returned for reports that must be dropped entirely.
var ErrRejected = errors.New("request rejected")

// Decoder decodes a raw report for a plugin.
type Decoder interface {
	Decode(pluginID int, body []byte) (*model.DecodedRequest, error)
}

// Legacy decodes the ampersand separated, percent encoded form body sent by
// the legacy reporting clients.
type Legacy struct{}

// Decode returns the validated request or an error wrapping ErrRejected.
// Fields that fail soft validation are defaulted instead of rejecting the
// report.
func (Legacy) Decode(pluginID int, body []byte) (*model.DecodedRequest, error) {
	post := parseForm(body)

	guid, ok := post["guid"]
	if !ok {
		return nil, fmt.Errorf("%w: missing guid", ErrRejected)
	}
	req := &model.DecodedRequest{
		UUID:          guid,
		Plugin:        pluginID,
		Revision:      model.DefaultRevision,
		ServerVersion: post["server"],
		PluginVersion: post["version"],
	}
	_, req.IsPing = post["ping"]

	if v, ok := post["revision"]; ok {
		n, err := parseInt(v)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid revision %q", ErrRejected, v)
		}
		req.Revision = n
	}
	if v, ok := post["players"]; ok {
		n, err := parseInt(v)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid players %q", ErrRejected, v)
		}
		req.PlayersOnline = n
	}

	if _, ok := post["server"]; !ok {
		return nil, fmt.Errorf("%w: missing server", ErrRejected)
	}
	if _, ok := post["version"]; !ok {
		return nil, fmt.Errorf("%w: missing version", ErrRejected)
	}

	if req.PlayersOnline < 0 || req.PlayersOnline > maxPlayers {
		req.PlayersOnline = 0
	}

	if req.Revision >= 6 {
		decodeSystemInfo(req, post)
	}

	if req.Revision >= 5 {
		req.CustomData = extractCustomData(post)
	} else {
		req.CustomData = extractLegacyCustomData(post)
	}
	return req, nil
}

func decodeSystemInfo(req *model.DecodedRequest, post map[string]string) {
	osName, hasOSName := post["osname"]
	req.OSName = valueOr(osName, hasOSName)
	req.OSArch = valueOr(post["osarch"], hasKey(post, "osarch"))
	req.OSVersion = valueOr(post["osversion"], hasOSName && hasKey(post, "osversion"))
	req.JavaName, req.JavaVersion = splitJavaVersion(post["java_version"], hasKey(post, "java_version"))

	req.Cores, req.AuthMode = 0, model.AuthModeUnknown
	if !hasOSName {
		return
	}
	cores, err := parseInt(post["cores"])
	if err != nil {
		return
	}
	req.Cores = cores
	// Anything other than a case-insensitive "true" is offline.
	req.AuthMode = model.AuthModeOffline
	if strings.EqualFold(post["online-mode"], "true") {
		req.AuthMode = model.AuthModeOnline
	}
}

// splitJavaVersion splits legacy "1.<major>.<rest>" versions into the
// "1.<major>" name and the remainder. Anything else is kept whole.
func splitJavaVersion(v string, ok bool) (name, version string) {
	if !ok {
		return "", unknown
	}
	if !strings.HasPrefix(v, "1.") || len(v) <= 3 {
		return "", v
	}
	i := strings.IndexByte(v[2:], '.')
	if i < 0 {
		return "", v
	}
	name = v[:2+i]
	return name, v[len(name)+1:]
}

func extractCustomData(post map[string]string) map[string]map[string]int64 {
	result := make(map[string]map[string]int64)
	for key, raw := range post {
		if !strings.HasPrefix(key, customPrefix) {
			continue
		}
		value, err := parseInt(raw)
		if err != nil {
			continue
		}
		parts := splitTrimmed(key, customGraphSep)
		if len(parts) != 3 {
			continue
		}
		graph, column := parts[1], parts[2]
		columns, ok := result[graph]
		if !ok {
			columns = make(map[string]int64)
			result[graph] = columns
		}
		columns[column] = int64(value)
	}
	return result
}

func extractLegacyCustomData(post map[string]string) map[string]map[string]int64 {
	columns := make(map[string]int64)
	for key, raw := range post {
		if !strings.HasPrefix(key, legacyCustomPrefix) {
			continue
		}
		value, err := parseInt(raw)
		if err != nil {
			continue
		}
		column := strings.ReplaceAll(key[len(legacyCustomPrefix):], "_", " ")
		columns[column] = int64(value)
	}
	return map[string]map[string]int64{legacyGraphName: columns}
}

// parseForm splits the body into decoded key/value pairs. Pairs that do not
// split into exactly one key and one value are dropped.
func parseForm(body []byte) map[string]string {
	content := strings.NewReplacer("\r", "", "\n", "").Replace(string(body))
	post := make(map[string]string)
	for _, entry := range strings.Split(content, "&") {
		parts := splitTrimmed(entry, "=")
		if len(parts) != 2 {
			continue
		}
		key, err := url.QueryUnescape(parts[0])
		if err != nil {
			continue
		}
		value, err := url.QueryUnescape(parts[1])
		if err != nil {
			continue
		}
		post[key] = value
	}
	return post
}

// splitTrimmed splits s around sep and drops trailing empty fields, so that
// "a=" yields a single field.
func splitTrimmed(s, sep string) []string {
	parts := strings.Split(s, sep)
	for len(parts) > 0 && parts[len(parts)-1] == "" {
		parts = parts[:len(parts)-1]
	}
	return parts
}

func parseInt(s string) (int, error) {
	n, err := strconv.ParseInt(s, 10, 32)
	return int(n), err
}

func valueOr(v string, ok bool) string {
	if !ok {
		return unknown
	}
	return v
}

func hasKey(m map[string]string, k string) bool {
	_, ok := m[k]
	return ok
}
