package resource

import (
	"context"
	"errors"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/ankur-anand/hotpatch/config"
)

func newDirectLoader(t *testing.T, files map[string]string) *DirectLoader {
	t.Helper()
	root := t.TempDir()
	for p, v := range files {
		writeFile(t, filepath.Join(root, filepath.FromSlash(p)), []byte(v))
	}
	opts := DefaultOptions()
	opts.Mode = config.ModeDevelopment
	opts.Paths.AssetRoot = root
	opts.DirectCacheSize = 2
	l, err := NewDirectLoader(opts)
	if err != nil {
		t.Fatalf("NewDirectLoader: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func TestDirectLoaderStripsAssetPrefix(t *testing.T) {
	l := newDirectLoader(t, map[string]string{"UI/Logo.txt": "logo"})
	ctx := context.Background()

	for _, p := range []string{"Assets/UI/Logo.txt", "UI/Logo.txt"} {
		a, err := l.Load(ctx, p)
		if err != nil {
			t.Fatalf("Load(%q): %v", p, err)
		}
		if string(a.Data) != "logo" {
			t.Fatalf("Load(%q) = %q", p, a.Data)
		}
		if !l.Exists(p) {
			t.Fatalf("Exists(%q) = false", p)
		}
	}
	if l.Exists("Assets/UI") {
		t.Fatal("directories are not assets")
	}
}

func TestDirectLoaderRejectsEscapes(t *testing.T) {
	l := newDirectLoader(t, nil)
	for _, p := range []string{"Assets/../../etc/passwd", "../secret", "Assets"} {
		if _, err := l.Load(context.Background(), p); !errors.Is(err, ErrNotFound) {
			t.Fatalf("Load(%q) err = %v, want ErrNotFound", p, err)
		}
	}
}

func TestDirectLoaderCacheIsBounded(t *testing.T) {
	files := map[string]string{}
	for i := 0; i < 4; i++ {
		files["f"+strconv.Itoa(i)] = strconv.Itoa(i)
	}
	l := newDirectLoader(t, files)
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		if _, err := l.Load(ctx, "Assets/f"+strconv.Itoa(i)); err != nil {
			t.Fatal(err)
		}
	}
	if n := l.cache.Len(); n != 2 {
		t.Fatalf("cache len = %d, want 2", n)
	}
	l.Unload("Assets/f3")
	if n := l.cache.Len(); n != 1 {
		t.Fatalf("cache len after unload = %d, want 1", n)
	}
}

func TestDirectLoaderServesOneRequestPerUpdate(t *testing.T) {
	l := newDirectLoader(t, map[string]string{"a": "A", "b": "B"})
	ctx := context.Background()

	var got []string
	record := func(a *Asset, err error) {
		if err != nil {
			got = append(got, "err")
			return
		}
		got = append(got, string(a.Data))
	}
	l.LoadAsync("Assets/a", record)
	l.LoadAsync("Assets/b", record)
	l.LoadAsync("Assets/a", record)
	l.LoadAsync("Assets/missing", record)

	l.Update(ctx)
	if len(got) != 2 || got[0] != "A" || got[1] != "A" {
		t.Fatalf("after first update got %v", got)
	}
	l.Update(ctx)
	l.Update(ctx)
	if want := []string{"A", "A", "B", "err"}; len(got) != len(want) || got[2] != "B" || got[3] != "err" {
		t.Fatalf("got %v, want %v", got, want)
	}
	if l.Pending() != 0 {
		t.Fatalf("pending = %d", l.Pending())
	}
}

func TestLoadAs(t *testing.T) {
	l := newDirectLoader(t, map[string]string{"n.txt": "42"})
	n, err := LoadAs(context.Background(), l, "Assets/n.txt", func(b []byte) (int, error) {
		return strconv.Atoi(string(b))
	})
	if err != nil || n != 42 {
		t.Fatalf("LoadAs = %d, %v", n, err)
	}
	_, err = LoadAs(context.Background(), l, "Assets/n.txt", func(b []byte) (float64, error) {
		return 0, errors.New("bad")
	})
	if err == nil {
		t.Fatal("expected decode error")
	}
}
