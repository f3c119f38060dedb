package config

import (
	"fmt"
	"strings"
)

// Mode selects which resource loader backs the facade.
type Mode int

const (
	// ModeProduction loads assets from downloaded bundles.
	ModeProduction Mode = iota
	// ModeDevelopment loads assets straight from the authoring asset root.
	ModeDevelopment
)

func (m Mode) String() string {
	switch m {
	case ModeProduction:
		return "production"
	case ModeDevelopment:
		return "development"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "production", "prod", "bundle":
		return ModeProduction, nil
	case "development", "dev", "editor", "direct":
		return ModeDevelopment, nil
	default:
		return 0, fmt.Errorf("unknown mode %q", s)
	}
}

// Paths locates local content.
type Paths struct {
	// PersistentDir is the writable root hotfix content is written to.
	PersistentDir string
	// StreamingDir is the read-only root shipped with the install. Optional.
	StreamingDir string
	// BundlesFolder is the folder, under both roots and on the server, holding
	// unit files. The pack table unit carries the same name.
	BundlesFolder string
	// AssetRoot is the authoring asset directory used in development mode.
	AssetRoot string
	// AssetPrefix is stripped from asset paths before resolving them under
	// AssetRoot.
	AssetPrefix string
}

func DefaultPaths() Paths {
	return Paths{
		BundlesFolder: "bundles",
		AssetRoot:     "Assets",
		AssetPrefix:   "Assets",
	}
}

// WithDefaults fills unset fields from DefaultPaths.
func (p Paths) WithDefaults() Paths {
	d := DefaultPaths()
	if p.BundlesFolder == "" {
		p.BundlesFolder = d.BundlesFolder
	}
	if p.AssetRoot == "" {
		p.AssetRoot = d.AssetRoot
	}
	if p.AssetPrefix == "" {
		p.AssetPrefix = d.AssetPrefix
	}
	return p
}

// PackTableUnit is the unit name of the pack table.
func (p Paths) PackTableUnit() string {
	return p.WithDefaults().BundlesFolder
}
