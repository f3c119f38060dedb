package manifest

import (
	"context"
	"errors"
	"testing"

	"github.com/ankur-anand/hotpatch/blobstore"
)

func encodeVersion(t *testing.T, v string) []byte {
	t.Helper()
	ver, err := ParseVersion(v)
	if err != nil {
		t.Fatal(err)
	}
	data, err := Encode(&Manifest{Descriptor: Descriptor{Version: ver}})
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func TestStorageFallsBackToStreaming(t *testing.T) {
	ctx := context.Background()
	persistent := blobstore.NewMemory("")
	streaming := blobstore.NewMemory("")
	defer persistent.Close()
	defer streaming.Close()

	s := NewStorage(blobstore.Layered{Persistent: persistent, Streaming: streaming})
	if _, err := s.ReadLocal(ctx); !errors.Is(err, ErrNotFound) {
		t.Fatalf("empty roots: err = %v, want ErrNotFound", err)
	}

	if _, err := streaming.Write(ctx, streaming.VersionPath(), encodeVersion(t, "1_0")); err != nil {
		t.Fatal(err)
	}
	m, err := s.ReadLocal(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if m.Version.String() != "1_0" {
		t.Fatalf("version = %s, want 1_0 from streaming root", m.Version)
	}

	if err := s.WriteLocal(ctx, encodeVersion(t, "1_2")); err != nil {
		t.Fatal(err)
	}
	m, err = s.ReadLocal(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if m.Version.String() != "1_2" {
		t.Fatalf("version = %s, want persistent 1_2", m.Version)
	}
	raw, _, err := streaming.Read(ctx, streaming.VersionPath())
	if err != nil {
		t.Fatal(err)
	}
	if string(raw) != string(encodeVersion(t, "1_0")) {
		t.Fatal("streaming root was modified")
	}
}

func TestStorageCorruptManifest(t *testing.T) {
	ctx := context.Background()
	persistent := blobstore.NewMemory("")
	defer persistent.Close()
	if _, err := persistent.Write(ctx, persistent.VersionPath(), []byte(`{"version":"one"}`)); err != nil {
		t.Fatal(err)
	}
	s := NewStorage(blobstore.Layered{Persistent: persistent})
	if _, err := s.ReadLocal(ctx); !errors.Is(err, ErrParse) {
		t.Fatalf("err = %v, want ErrParse", err)
	}
	if err := NewStorage(blobstore.Layered{}).WriteLocal(ctx, nil); err == nil {
		t.Fatal("WriteLocal without a persistent root must fail")
	}
}
