// Copyright Elasticsearch B.V. and/or licensed to Elasticsearch B.V. under one
// or more contributor license agreements. Licensed under the Elastic License 2.0;
// you may not use this file except in compliance with the Elastic License 2.0.

package decoder

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcstats/ping-aggregation/model"
)

const baseBody = "guid=abc-123&server=git-Spigot-1.20.4&version=2.1.0"

func decode(t *testing.T, body string) (*model.DecodedRequest, error) {
	t.Helper()
	return Legacy{}.Decode(42, []byte(body))
}

func TestDecodeRejectsMissingRequiredFields(t *testing.T) {
	for _, tt := range []struct {
		name string
		body string
	}{
		{name: "missing_guid", body: "server=s&version=v"},
		{name: "missing_server", body: "guid=g&version=v"},
		{name: "missing_version", body: "guid=g&server=s"},
		{name: "empty_body", body: ""},
		{name: "bad_revision", body: baseBody + "&revision=six"},
		{name: "bad_players", body: baseBody + "&players=lots"},
		{name: "overflowing_players", body: baseBody + "&players=99999999999"},
	} {
		t.Run(tt.name, func(t *testing.T) {
			req, err := decode(t, tt.body)
			assert.ErrorIs(t, err, ErrRejected)
			assert.Nil(t, req)
		})
	}
}

func TestDecodePlayersClamp(t *testing.T) {
	for _, tt := range []struct {
		players  string
		expected int
	}{
		{players: "2500", expected: 0},
		{players: "-5", expected: 0},
		{players: "100", expected: 100},
		{players: "2000", expected: 2000},
		{players: "0", expected: 0},
	} {
		t.Run(tt.players, func(t *testing.T) {
			req, err := decode(t, baseBody+"&players="+tt.players)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, req.PlayersOnline)
		})
	}
}

func TestDecodeDefaults(t *testing.T) {
	req, err := decode(t, baseBody+"&Custom_Economy_Users=12&C~~Graph~~Col=3")
	require.NoError(t, err)

	expected := &model.DecodedRequest{
		UUID:          "abc-123",
		Plugin:        42,
		PluginVersion: "2.1.0",
		ServerVersion: "git-Spigot-1.20.4",
		Revision:      4,
		CustomData: map[string]map[string]int64{
			"Default": {" Economy Users": 12},
		},
	}
	if diff := cmp.Diff(expected, req); diff != "" {
		t.Fatalf("unexpected request (-want +got):\n%s", diff)
	}
}

func TestDecodeStructuredCustomData(t *testing.T) {
	req, err := decode(t, baseBody+
		"&revision=5"+
		"&C~~Economy~~Users=12"+
		"&C~~Economy~~Banks=3"+
		"&C%7E%7EPerms%7E%7EGroup+Manager=1"+
		"&C~~Bad~~Value=abc"+
		"&C~~TooFew=1"+
		"&C~~Trailing~~=1"+
		"&CustomLegacy=9")
	require.NoError(t, err)

	expected := map[string]map[string]int64{
		"Economy": {"Users": 12, "Banks": 3},
		"Perms":   {"Group Manager": 1},
	}
	assert.Equal(t, expected, req.CustomData)
}

func TestDecodeLegacyCustomDataSkipsBadValues(t *testing.T) {
	req, err := decode(t, baseBody+"&CustomA=1&CustomB=x&Other=5")
	require.NoError(t, err)
	assert.Equal(t, map[string]map[string]int64{"Default": {"A": 1}}, req.CustomData)
}

func TestDecodeJavaVersion(t *testing.T) {
	for _, tt := range []struct {
		in      string
		name    string
		version string
	}{
		{in: "1.8.0_201", name: "1.8", version: "0_201"},
		{in: "1.7.0", name: "1.7", version: "0"},
		{in: "9.0.1", name: "", version: "9.0.1"},
		{in: "17", name: "", version: "17"},
		{in: "1.8", name: "", version: "1.8"},
		{in: "1.80", name: "", version: "1.80"},
	} {
		t.Run(tt.in, func(t *testing.T) {
			req, err := decode(t, baseBody+"&revision=6&osname=Linux&java_version="+tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.name, req.JavaName)
			assert.Equal(t, tt.version, req.JavaVersion)
		})
	}
}

func TestDecodeSystemInfo(t *testing.T) {
	for _, tt := range []struct {
		name     string
		body     string
		expected model.DecodedRequest
	}{
		{
			name: "complete",
			body: "&revision=6&osname=Linux&osarch=amd64&osversion=6.1&java_version=17.0.2&cores=8&online-mode=true",
			expected: model.DecodedRequest{
				OSName: "Linux", OSArch: "amd64", OSVersion: "6.1",
				JavaVersion: "17.0.2", Cores: 8, AuthMode: model.AuthModeOnline,
			},
		},
		{
			name: "offline",
			body: "&revision=7&osname=Linux&osarch=amd64&osversion=6.1&java_version=17&cores=2&online-mode=false",
			expected: model.DecodedRequest{
				OSName: "Linux", OSArch: "amd64", OSVersion: "6.1",
				JavaVersion: "17", Cores: 2, AuthMode: model.AuthModeOffline,
			},
		},
		{
			name: "missing_everything",
			body: "&revision=6",
			expected: model.DecodedRequest{
				OSName: "Unknown", OSArch: "Unknown", OSVersion: "Unknown",
				JavaVersion: "Unknown", Cores: 0, AuthMode: model.AuthModeUnknown,
			},
		},
		{
			name: "missing_osname_overrides_osversion",
			body: "&revision=6&osversion=10&cores=4&online-mode=true",
			expected: model.DecodedRequest{
				OSName: "Unknown", OSArch: "Unknown", OSVersion: "Unknown",
				JavaVersion: "Unknown", Cores: 0, AuthMode: model.AuthModeUnknown,
			},
		},
		{
			name: "bad_cores_resets_auth_mode",
			body: "&revision=6&osname=Windows&osarch=x86&osversion=11&java_version=21&cores=many&online-mode=true",
			expected: model.DecodedRequest{
				OSName: "Windows", OSArch: "x86", OSVersion: "11",
				JavaVersion: "21", Cores: 0, AuthMode: model.AuthModeUnknown,
			},
		},
		{
			name: "unrecognised_online_mode_is_offline",
			body: "&revision=6&osname=Windows&osarch=x86&osversion=11&java_version=21&cores=4&online-mode=maybe",
			expected: model.DecodedRequest{
				OSName: "Windows", OSArch: "x86", OSVersion: "11",
				JavaVersion: "21", Cores: 4, AuthMode: model.AuthModeOffline,
			},
		},
		{
			name: "missing_online_mode_is_offline",
			body: "&revision=6&osname=Windows&osarch=x86&osversion=11&java_version=21&cores=4",
			expected: model.DecodedRequest{
				OSName: "Windows", OSArch: "x86", OSVersion: "11",
				JavaVersion: "21", Cores: 4, AuthMode: model.AuthModeOffline,
			},
		},
		{
			name: "numeric_online_mode_is_offline",
			body: "&revision=6&osname=Windows&osarch=x86&osversion=11&java_version=21&cores=4&online-mode=1",
			expected: model.DecodedRequest{
				OSName: "Windows", OSArch: "x86", OSVersion: "11",
				JavaVersion: "21", Cores: 4, AuthMode: model.AuthModeOffline,
			},
		},
		{
			name: "online_mode_case_insensitive",
			body: "&revision=6&osname=Windows&osarch=x86&osversion=11&java_version=21&cores=4&online-mode=TRUE",
			expected: model.DecodedRequest{
				OSName: "Windows", OSArch: "x86", OSVersion: "11",
				JavaVersion: "21", Cores: 4, AuthMode: model.AuthModeOnline,
			},
		},
	} {
		t.Run(tt.name, func(t *testing.T) {
			req, err := decode(t, baseBody+tt.body)
			require.NoError(t, err)
			got := model.DecodedRequest{
				OSName: req.OSName, OSArch: req.OSArch, OSVersion: req.OSVersion,
				JavaName: req.JavaName, JavaVersion: req.JavaVersion,
				Cores: req.Cores, AuthMode: req.AuthMode,
			}
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestDecodeIgnoresSystemInfoBeforeRevision6(t *testing.T) {
	req, err := decode(t, baseBody+"&revision=5&osname=Linux&cores=8&online-mode=true")
	require.NoError(t, err)
	assert.Empty(t, req.OSName)
	assert.Zero(t, req.Cores)
	assert.Zero(t, req.AuthMode)
	assert.False(t, req.HasSystemInfo())
}

func TestDecodeForm(t *testing.T) {
	req, err := decode(t, "guid=a%20b&server=x+y&version=1&ping=1&junk&a=b=c&=&players=5\n&revision=4")
	require.NoError(t, err)
	assert.Equal(t, "a b", req.UUID)
	assert.Equal(t, "x y", req.ServerVersion)
	assert.True(t, req.IsPing)
	assert.Equal(t, 5, req.PlayersOnline)
}

func TestDecodePingRequiresValue(t *testing.T) {
	req, err := decode(t, baseBody+"&ping=")
	require.NoError(t, err)
	assert.False(t, req.IsPing)
}

func TestDecodedRequestRoundTrip(t *testing.T) {
	req, err := decode(t, baseBody+"&revision=6&osname=Linux&java_version=1.8.0_201&cores=4&online-mode=true&C~~A~~B=1")
	require.NoError(t, err)
	b, err := req.MarshalBinary()
	require.NoError(t, err)

	var got model.DecodedRequest
	require.NoError(t, got.UnmarshalBinary(b))
	assert.Equal(t, req, &got)
}
