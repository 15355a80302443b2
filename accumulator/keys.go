// Copyright Elasticsearch B.V. and/or licensed to Elasticsearch B.V. under one
// or more contributor license agreements. Licensed under the Elastic License 2.0;
// you may not use this file except in compliance with the Elastic License 2.0.

package accumulator

import (
	"strconv"

	"github.com/mcstats/ping-aggregation/model"
)

// Key names are shared with other deployments reading the same store and
// must not change.
const (
	pluginVersionPrefix = "plugin-version-bucket:"
	pluginsPrefix       = "plugins-bucket:"
	pluginDataPrefix    = "plugin-data-bucket:"
)

// PluginVersionKey names the set of versions an installation reported for a
// plugin within a bucket.
func PluginVersionKey(b model.Bucket, uuid string, pluginID int) string {
	return pluginVersionPrefix + b.String() + ":" + uuid + ":" + strconv.Itoa(pluginID)
}

// PluginsKey names the set of plugin ids active within a bucket.
func PluginsKey(b model.Bucket) string {
	return pluginsPrefix + b.String()
}

// PluginDataKey names the hash of installation id to encoded request for a
// plugin within a bucket.
func PluginDataKey(b model.Bucket, pluginID int) string {
	return pluginDataPrefix + b.String() + ":" + strconv.Itoa(pluginID)
}
