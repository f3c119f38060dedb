package main

import (
	"strings"
	"testing"

	"github.com/ankur-anand/hotpatch/manifest"
	"github.com/stretchr/testify/require"
)

func TestManifestPatch(t *testing.T) {
	local := &manifest.Manifest{
		Descriptor: manifest.Descriptor{Version: manifest.Version{Major: 1, Minor: 0}, TotalSize: 3},
		Units:      []manifest.Unit{{Name: "ui", Size: 3, Hash: manifest.HashBytes([]byte("ui1"))}},
	}
	server := &manifest.Manifest{
		Descriptor: manifest.Descriptor{Version: manifest.Version{Major: 1, Minor: 3}, TotalSize: 3},
		Units:      []manifest.Unit{{Name: "ui", Size: 3, Hash: manifest.HashBytes([]byte("ui2"))}},
	}

	patch, err := manifestPatch(local, server, 0)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(patch, "--- local/version.json"))
	require.Contains(t, patch, "+++ server/version.json")
	require.Contains(t, patch, `-  "version": "1_0"`)
	require.Contains(t, patch, `+  "version": "1_3"`)

	same, err := manifestPatch(local, local, 0)
	require.NoError(t, err)
	require.Empty(t, same)
}
