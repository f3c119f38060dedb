// Package pack reads and writes the pack table: the build-time index that maps
// every asset path to the unit that contains it, and every unit to its direct
// dependencies and pin flag. The table ships as a unit of its own, named
// after the bundles folder, and is fetched and diffed like any other unit.
package pack

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/ankur-anand/hotpatch/internal"
)

var (
	ErrAssetNotFound = errors.New("pack: asset not found")
	ErrUnitNotFound  = errors.New("pack: unit not found")
	ErrCorrupt       = errors.New("pack: corrupt table")
)

const (
	assetPrefix = "a\x00"
	unitPrefix  = "u\x00"
)

// UnitInfo describes a unit in the table.
type UnitInfo struct {
	Deps   []string `json:"deps,omitempty"`
	Pinned bool     `json:"pinned,omitempty"`
}

// Table is a decoded pack table. It is immutable once opened.
type Table struct {
	assets map[string]string
	units  map[string]UnitInfo
}

// Empty returns a table with no units, used before any content is installed.
func Empty() *Table {
	return &Table{
		assets: make(map[string]string),
		units:  make(map[string]UnitInfo),
	}
}

// Open decodes a pack table from its encoded bytes.
func Open(ctx context.Context, data []byte) (*Table, error) {
	tbl, err := internal.OpenTable(ctx, data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	defer tbl.Close()

	t := &Table{
		assets: make(map[string]string),
		units:  make(map[string]UnitInfo),
	}
	err = tbl.Scan(func(key, value []byte) error {
		k := string(key)
		switch {
		case len(k) > len(assetPrefix) && k[:len(assetPrefix)] == assetPrefix:
			t.assets[k[len(assetPrefix):]] = string(value)
		case len(k) > len(unitPrefix) && k[:len(unitPrefix)] == unitPrefix:
			var info UnitInfo
			if err := json.Unmarshal(value, &info); err != nil {
				return fmt.Errorf("%w: unit %q: %v", ErrCorrupt, k[len(unitPrefix):], err)
			}
			t.units[k[len(unitPrefix):]] = info
		default:
			return fmt.Errorf("%w: unexpected key %q", ErrCorrupt, k)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for path, unit := range t.assets {
		if _, ok := t.units[unit]; !ok {
			return nil, fmt.Errorf("%w: asset %q references unknown unit %q", ErrCorrupt, path, unit)
		}
	}
	return t, nil
}

// UnitOf returns the unit that contains path.
func (t *Table) UnitOf(path string) (string, error) {
	unit, ok := t.assets[path]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrAssetNotFound, path)
	}
	return unit, nil
}

// HasAsset reports whether path is packed in any unit.
func (t *Table) HasAsset(path string) bool {
	_, ok := t.assets[path]
	return ok
}

// Dependencies returns the direct dependencies of unit.
func (t *Table) Dependencies(unit string) []string {
	return t.units[unit].Deps
}

// Pinned reports whether unit must stay resident once loaded.
func (t *Table) Pinned(unit string) bool {
	return t.units[unit].Pinned
}

// Unit returns the table entry for unit.
func (t *Table) Unit(unit string) (UnitInfo, error) {
	info, ok := t.units[unit]
	if !ok {
		return UnitInfo{}, fmt.Errorf("%w: %s", ErrUnitNotFound, unit)
	}
	return info, nil
}

// Units returns all unit names in sorted order.
func (t *Table) Units() []string {
	out := make([]string, 0, len(t.units))
	for name := range t.units {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Assets returns the asset paths packed in unit, sorted.
func (t *Table) Assets(unit string) []string {
	var out []string
	for path, u := range t.assets {
		if u == unit {
			out = append(out, path)
		}
	}
	sort.Strings(out)
	return out
}

// Builder assembles a pack table at content build time.
type Builder struct {
	assets map[string]string
	units  map[string]UnitInfo
	opts   internal.WriteOptions
}

func NewBuilder() *Builder {
	return &Builder{
		assets: make(map[string]string),
		units:  make(map[string]UnitInfo),
		opts:   internal.DefaultWriteOptions(),
	}
}

// AddUnit declares a unit and its direct dependencies.
func (b *Builder) AddUnit(name string, deps []string, pinned bool) error {
	if name == "" {
		return errors.New("pack: empty unit name")
	}
	if _, dup := b.units[name]; dup {
		return fmt.Errorf("pack: unit %q declared twice", name)
	}
	b.units[name] = UnitInfo{Deps: append([]string(nil), deps...), Pinned: pinned}
	return nil
}

// AddAsset records that path is packed in unit.
func (b *Builder) AddAsset(path, unit string) error {
	if prev, dup := b.assets[path]; dup {
		return fmt.Errorf("pack: asset %q already packed in %q", path, prev)
	}
	b.assets[path] = unit
	return nil
}

// Build validates references and encodes the table.
func (b *Builder) Build() ([]byte, error) {
	for name, info := range b.units {
		for _, dep := range info.Deps {
			if _, ok := b.units[dep]; !ok {
				return nil, fmt.Errorf("pack: unit %q depends on undeclared unit %q", name, dep)
			}
		}
	}
	entries := make([]internal.KV, 0, len(b.assets)+len(b.units))
	for path, unit := range b.assets {
		if _, ok := b.units[unit]; !ok {
			return nil, fmt.Errorf("pack: asset %q packed in undeclared unit %q", path, unit)
		}
		entries = append(entries, internal.KV{Key: []byte(assetPrefix + path), Value: []byte(unit)})
	}
	for name, info := range b.units {
		raw, err := json.Marshal(info)
		if err != nil {
			return nil, err
		}
		entries = append(entries, internal.KV{Key: []byte(unitPrefix + name), Value: raw})
	}
	return internal.WriteTable(entries, b.opts)
}
