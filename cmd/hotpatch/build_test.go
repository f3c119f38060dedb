package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/ankur-anand/hotpatch/blobstore"
	"github.com/ankur-anand/hotpatch/bundle"
	"github.com/ankur-anand/hotpatch/manifest"
	"github.com/ankur-anand/hotpatch/pack"
	"github.com/stretchr/testify/require"
)

func writeAssets(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for rel, v := range files {
		p := filepath.Join(dir, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
		require.NoError(t, os.WriteFile(p, []byte(v), 0644))
	}
	return dir
}

func TestBuildContent(t *testing.T) {
	ctx := context.Background()
	assetDir := writeAssets(t, map[string]string{
		"Shaders/Lit.shader":  "lit",
		"Prefabs/Hero.prefab": "hero",
		"Prefabs/Cape.prefab": "cape",
	})
	out := blobstore.NewMemory("")
	defer out.Close()

	res, err := buildContent(ctx, buildConfig{
		AssetDir:      assetDir,
		AssetPrefix:   "Assets",
		BundlesFolder: "bundles",
		Version:       manifest.Version{Major: 1, Minor: 3},
		Layout: layout{Units: []layoutUnit{
			{Name: "shaders", Pinned: true, Assets: []string{"Shaders/*"}},
			{Name: "hero", Deps: []string{"shaders"}, Assets: []string{"Prefabs/*"}},
		}},
	}, out)
	require.NoError(t, err)
	require.Equal(t, 3, res.Assets)

	raw, _, err := out.Read(ctx, out.VersionPath())
	require.NoError(t, err)
	require.Equal(t, res.Raw, raw)
	m, err := manifest.Decode(raw)
	require.NoError(t, err)
	require.Equal(t, "1_3", m.Version.String())

	var names []string
	for _, u := range m.Units {
		names = append(names, u.Name)
		data, _, err := out.Read(ctx, out.UnitPath("bundles", u.Name))
		require.NoError(t, err)
		require.Equal(t, manifest.HashBytes(data), u.Hash)
		require.Equal(t, int64(len(data)), u.Size)
	}
	require.Equal(t, []string{"shaders", "hero", "bundles"}, names)

	tableData, _, err := out.Read(ctx, out.UnitPath("bundles", "bundles"))
	require.NoError(t, err)
	table, err := pack.Open(ctx, tableData)
	require.NoError(t, err)
	unit, err := table.UnitOf("Assets/Prefabs/Hero.prefab")
	require.NoError(t, err)
	require.Equal(t, "hero", unit)
	require.Equal(t, []string{"shaders"}, table.Dependencies("hero"))
	require.True(t, table.Pinned("shaders"))

	heroData, _, err := out.Read(ctx, out.UnitPath("bundles", "hero"))
	require.NoError(t, err)
	b, err := bundle.FromBytes(ctx, "hero", heroData, nil)
	require.NoError(t, err)
	defer b.Close()
	cape, err := b.Asset("Assets/Prefabs/Cape.prefab")
	require.NoError(t, err)
	require.Equal(t, "cape", string(cape))
}

func TestBuildContentRejectsBadLayouts(t *testing.T) {
	ctx := context.Background()
	assetDir := writeAssets(t, map[string]string{"a.txt": "a", "b.txt": "b"})
	cases := map[string]layout{
		"overlap": {Units: []layoutUnit{
			{Name: "one", Assets: []string{"*.txt"}},
			{Name: "two", Assets: []string{"a.txt"}},
		}},
		"reserved": {Units: []layoutUnit{{Name: "bundles", Assets: []string{"a.txt"}}}},
		"unmatched": {Units: []layoutUnit{{Name: "one", Assets: []string{"*.png"}}}},
		"unknown dep": {Units: []layoutUnit{{Name: "one", Deps: []string{"ghost"}, Assets: []string{"*.txt"}}}},
	}
	for name, l := range cases {
		t.Run(name, func(t *testing.T) {
			out := blobstore.NewMemory("")
			defer out.Close()
			_, err := buildContent(ctx, buildConfig{
				AssetDir:      assetDir,
				AssetPrefix:   "Assets",
				BundlesFolder: "bundles",
				Layout:        l,
			}, out)
			require.Error(t, err)
			_, err = out.Attributes(ctx, out.VersionPath())
			require.ErrorIs(t, err, blobstore.ErrNotFound, "no manifest is published for a failed build")
		})
	}
}

func TestReadLayout(t *testing.T) {
	file := filepath.Join(t.TempDir(), "layout.json")
	require.NoError(t, os.WriteFile(file, []byte(`{"units":[{"name":"ui","pinned":true,"assets":["UI/*"]}]}`), 0644))
	l, err := readLayout(file)
	require.NoError(t, err)
	require.Len(t, l.Units, 1)
	require.True(t, l.Units[0].Pinned)
	require.Equal(t, []string{"UI/*"}, l.Units[0].Assets)
}
