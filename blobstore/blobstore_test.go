package blobstore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

type storeHarness struct {
	store   *Store
	cleanup func()
}

type storeFactory struct {
	name string
	new  func(t *testing.T, prefix string) storeHarness
}

func storeFactories() []storeFactory {
	return []storeFactory{
		{name: "memory", new: newMemoryHarness},
		{name: "file", new: newFileHarness},
	}
}

func forEachStore(t *testing.T, prefix string, fn func(t *testing.T, h storeHarness)) {
	t.Helper()
	for _, factory := range storeFactories() {
		factory := factory
		t.Run(factory.name, func(t *testing.T) {
			h := factory.new(t, prefix)
			if h.cleanup != nil {
				t.Cleanup(h.cleanup)
			}
			fn(t, h)
		})
	}
}

func newMemoryHarness(t *testing.T, prefix string) storeHarness {
	t.Helper()
	store := NewMemory(prefix)
	return storeHarness{
		store: store,
		cleanup: func() {
			_ = store.Close()
		},
	}
}

func newFileHarness(t *testing.T, prefix string) storeHarness {
	t.Helper()
	store, dir, err := NewFileTemp(prefix)
	if err != nil {
		t.Fatalf("NewFileTemp: %v", err)
	}
	return storeHarness{
		store: store,
		cleanup: func() {
			_ = store.Close()
			_ = os.RemoveAll(dir)
		},
	}
}

func TestPathHelpers(t *testing.T) {
	forEachStore(t, "android", func(t *testing.T, h storeHarness) {
		store := h.store

		tests := []struct {
			name string
			got  string
			want string
		}{
			{"VersionPath", store.VersionPath(), "version.json"},
			{"UnitPath", store.UnitPath("bundles", "ui_main"), "bundles/ui_main"},
			{"UnitPathPackTable", store.UnitPath("bundles", "bundles"), "bundles/bundles"},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				if tt.got != "android/"+tt.want {
					t.Errorf("%s = %q, want %q", tt.name, tt.got, tt.want)
				}
			})
		}
	})
}

func TestBasicOperations(t *testing.T) {
	forEachStore(t, "", func(t *testing.T, h storeHarness) {
		ctx := context.Background()
		store := h.store

		key := store.UnitPath("bundles", "hero")
		data := []byte("bundle bytes")

		attr, err := store.Write(ctx, key, data)
		if err != nil {
			t.Fatalf("Write failed: %v", err)
		}
		if attr.Size != int64(len(data)) {
			t.Errorf("Size: got %d, want %d", attr.Size, len(data))
		}

		got, err := store.Attributes(ctx, key)
		if err != nil {
			t.Fatalf("Attributes failed: %v", err)
		}
		if got.Size != int64(len(data)) {
			t.Errorf("Attributes size: got %d, want %d", got.Size, len(data))
		}

		content, _, err := store.Read(ctx, key)
		if err != nil {
			t.Fatalf("Read failed: %v", err)
		}
		if string(content) != string(data) {
			t.Errorf("content mismatch: got %q, want %q", content, data)
		}

		if err := store.Delete(ctx, key); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}
		if err := store.Delete(ctx, key); err != nil {
			t.Fatalf("Delete of missing key should be a no-op: %v", err)
		}

		_, _, err = store.Read(ctx, key)
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound after delete, got %v", err)
		}
	})
}

func TestListUnits(t *testing.T) {
	forEachStore(t, "", func(t *testing.T, h storeHarness) {
		ctx := context.Background()
		store := h.store

		for _, name := range []string{"a", "b", "c"} {
			if _, err := store.Write(ctx, store.UnitPath("bundles", name), []byte(name)); err != nil {
				t.Fatalf("write %s: %v", name, err)
			}
		}
		if _, err := store.Write(ctx, store.VersionPath(), []byte(`{}`)); err != nil {
			t.Fatalf("write version: %v", err)
		}

		names, err := store.ListUnits(ctx, "bundles")
		if err != nil {
			t.Fatalf("ListUnits: %v", err)
		}
		if !reflect.DeepEqual(names, []string{"a", "b", "c"}) {
			t.Fatalf("ListUnits = %v, want [a b c]", names)
		}
	})
}

func TestReadOnlyFileRejectsWrites(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, VersionFile), []byte(`{"version":"1_0"}`), 0644); err != nil {
		t.Fatal(err)
	}

	store, err := NewReadOnlyFile(ctx, dir, "")
	if err != nil {
		t.Fatalf("NewReadOnlyFile: %v", err)
	}
	defer store.Close()

	data, _, err := store.Read(ctx, store.VersionPath())
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(data) != `{"version":"1_0"}` {
		t.Fatalf("unexpected content %q", data)
	}

	if _, err := store.Write(ctx, "x", []byte("y")); !errors.Is(err, ErrReadOnly) {
		t.Fatalf("expected ErrReadOnly, got %v", err)
	}
	if err := store.Delete(ctx, store.VersionPath()); !errors.Is(err, ErrReadOnly) {
		t.Fatalf("expected ErrReadOnly on delete, got %v", err)
	}
}

func TestLocalPath(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store, err := NewFile(ctx, dir, "")
	if err != nil {
		t.Fatalf("NewFile: %v", err)
	}
	defer store.Close()

	key := store.UnitPath("bundles", "hero")
	if _, err := store.Write(ctx, key, []byte("x")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	p, ok := store.LocalPath(key)
	if !ok {
		t.Fatal("file store should expose local paths")
	}
	if _, err := os.Stat(p); err != nil {
		t.Fatalf("stat %s: %v", p, err)
	}

	if _, ok := NewMemory("").LocalPath(key); ok {
		t.Fatal("memory store should not expose local paths")
	}
}

func TestLayeredPrefersPersistent(t *testing.T) {
	ctx := context.Background()
	persistent := NewMemory("")
	streaming := NewMemory("")
	defer persistent.Close()
	defer streaming.Close()

	key := "version.json"
	if _, err := streaming.Write(ctx, key, []byte("shipped")); err != nil {
		t.Fatal(err)
	}

	l := Layered{Persistent: persistent, Streaming: streaming}
	data, err := l.Read(ctx, key)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(data) != "shipped" {
		t.Fatalf("expected streaming fallback, got %q", data)
	}

	if _, err := persistent.Write(ctx, key, []byte("hotfixed")); err != nil {
		t.Fatal(err)
	}
	data, err = l.Read(ctx, key)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(data) != "hotfixed" {
		t.Fatalf("expected persistent copy, got %q", data)
	}

	if _, err := l.Read(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestIsBucketURL(t *testing.T) {
	cases := map[string]bool{
		"http://cdn.example.com/game":  false,
		"https://cdn.example.com/game": false,
		"s3://cdn/game?region=eu":      true,
		"gs://cdn":                     true,
		"mem://":                       true,
		"file:///var/cdn":              true,
	}
	for addr, want := range cases {
		if got := IsBucketURL(addr); got != want {
			t.Errorf("IsBucketURL(%q) = %v, want %v", addr, got, want)
		}
	}
}
