package config

import "testing"

func TestParseMode(t *testing.T) {
	cases := map[string]Mode{
		"":            ModeProduction,
		"production":  ModeProduction,
		"Bundle":      ModeProduction,
		"development": ModeDevelopment,
		" dev ":       ModeDevelopment,
		"editor":      ModeDevelopment,
	}
	for in, want := range cases {
		got, err := ParseMode(in)
		if err != nil {
			t.Fatalf("ParseMode(%q): %v", in, err)
		}
		if got != want {
			t.Errorf("ParseMode(%q) = %s, want %s", in, got, want)
		}
	}
	if _, err := ParseMode("staging"); err == nil {
		t.Fatal("expected error for unknown mode")
	}
}

func TestPathsWithDefaults(t *testing.T) {
	p := Paths{PersistentDir: "/data"}.WithDefaults()
	if p.BundlesFolder != "bundles" || p.AssetRoot != "Assets" || p.AssetPrefix != "Assets" {
		t.Fatalf("defaults not applied: %+v", p)
	}
	if p.PersistentDir != "/data" {
		t.Fatalf("PersistentDir overwritten: %+v", p)
	}
	if got := (Paths{BundlesFolder: "ab"}).PackTableUnit(); got != "ab" {
		t.Fatalf("PackTableUnit = %q", got)
	}
}
