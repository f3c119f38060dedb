package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"

	"github.com/ankur-anand/hotpatch/blobstore"
	"github.com/ankur-anand/hotpatch/bundle"
	"github.com/ankur-anand/hotpatch/manifest"
	"github.com/ankur-anand/hotpatch/pack"
)

// layout assigns asset files to units.
type layout struct {
	Units []layoutUnit `json:"units"`
}

type layoutUnit struct {
	Name   string   `json:"name"`
	Deps   []string `json:"deps,omitempty"`
	Pinned bool     `json:"pinned,omitempty"`
	// Assets are slash separated glob patterns relative to the asset dir.
	Assets []string `json:"assets"`
}

func readLayout(file string) (layout, error) {
	var l layout
	data, err := os.ReadFile(file)
	if err != nil {
		return l, err
	}
	if err := json.Unmarshal(data, &l); err != nil {
		return l, fmt.Errorf("parse layout %s: %w", file, err)
	}
	return l, nil
}

type buildConfig struct {
	AssetDir      string
	AssetPrefix   string
	BundlesFolder string
	Version       manifest.Version
	Layout        layout
}

type buildResult struct {
	Manifest *manifest.Manifest
	Raw      []byte
	Assets   int
}

// listAssets returns asset files under dir as slash separated relative paths.
func listAssets(dir string) ([]string, error) {
	var out []string
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		out = append(out, filepath.ToSlash(rel))
		return nil
	})
	sort.Strings(out)
	return out, err
}

// buildContent packs the asset dir into one bundle per layout unit plus the
// pack table unit, writes them to out and writes version.json last.
func buildContent(ctx context.Context, cfg buildConfig, out *blobstore.Store) (*buildResult, error) {
	files, err := listAssets(cfg.AssetDir)
	if err != nil {
		return nil, fmt.Errorf("list assets: %w", err)
	}

	table := pack.NewBuilder()
	assigned := make(map[string]string)
	contents := make(map[string]map[string][]byte)
	for _, u := range cfg.Layout.Units {
		if u.Name == cfg.BundlesFolder {
			return nil, fmt.Errorf("unit name %q is reserved for the pack table", u.Name)
		}
		if err := table.AddUnit(u.Name, u.Deps, u.Pinned); err != nil {
			return nil, err
		}
		contents[u.Name] = make(map[string][]byte)
		for _, pattern := range u.Assets {
			matched := false
			for _, rel := range files {
				ok, err := path.Match(pattern, rel)
				if err != nil {
					return nil, fmt.Errorf("unit %s: pattern %q: %w", u.Name, pattern, err)
				}
				if !ok {
					continue
				}
				matched = true
				if prev, dup := assigned[rel]; dup {
					if prev == u.Name {
						continue
					}
					return nil, fmt.Errorf("asset %s matched by units %s and %s", rel, prev, u.Name)
				}
				assigned[rel] = u.Name
				data, err := os.ReadFile(filepath.Join(cfg.AssetDir, filepath.FromSlash(rel)))
				if err != nil {
					return nil, err
				}
				assetPath := path.Join(cfg.AssetPrefix, rel)
				if err := table.AddAsset(assetPath, u.Name); err != nil {
					return nil, err
				}
				contents[u.Name][assetPath] = data
			}
			if !matched {
				return nil, fmt.Errorf("unit %s: pattern %q matched nothing", u.Name, pattern)
			}
		}
	}

	m := &manifest.Manifest{Descriptor: manifest.Descriptor{Version: cfg.Version}}
	emit := func(name string, data []byte) error {
		if _, err := out.Write(ctx, out.UnitPath(cfg.BundlesFolder, name), data); err != nil {
			return fmt.Errorf("write unit %s: %w", name, err)
		}
		m.Units = append(m.Units, manifest.Unit{Name: name, Size: int64(len(data)), Hash: manifest.HashBytes(data)})
		m.TotalSize += int64(len(data))
		return nil
	}

	for _, u := range cfg.Layout.Units {
		if len(contents[u.Name]) == 0 {
			return nil, fmt.Errorf("unit %s has no assets", u.Name)
		}
		data, err := bundle.Encode(contents[u.Name])
		if err != nil {
			return nil, fmt.Errorf("encode unit %s: %w", u.Name, err)
		}
		if err := emit(u.Name, data); err != nil {
			return nil, err
		}
	}
	tableData, err := table.Build()
	if err != nil {
		return nil, err
	}
	if err := emit(cfg.BundlesFolder, tableData); err != nil {
		return nil, err
	}

	raw, err := manifest.Encode(m)
	if err != nil {
		return nil, err
	}
	if _, err := out.Write(ctx, out.VersionPath(), raw); err != nil {
		return nil, fmt.Errorf("write %s: %w", blobstore.VersionFile, err)
	}
	return &buildResult{Manifest: m, Raw: raw, Assets: len(assigned)}, nil
}
