package blobstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	_ "gocloud.dev/blob/fileblob"
)

// NewFile creates a store backed by the local filesystem.
func NewFile(ctx context.Context, dir, prefix string) (*Store, error) {

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create directory %s: %w", dir, err)
	}
	return openFile(ctx, dir, prefix)
}

// NewReadOnlyFile opens an existing directory as a read-only store. It is used
// for the streaming assets root shipped with the install, which is never
// written by a hotfix session.
func NewReadOnlyFile(ctx context.Context, dir, prefix string) (*Store, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", dir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", dir)
	}
	s, err := openFile(ctx, dir, prefix)
	if err != nil {
		return nil, err
	}
	s.readOnly = true
	return s, nil
}

func NewFileTemp(prefix string) (*Store, string, error) {
	dir, err := os.MkdirTemp("", "hotpatch-*")
	if err != nil {
		return nil, "", fmt.Errorf("create temp dir: %w", err)
	}

	store, err := NewFile(context.Background(), dir, prefix)
	if err != nil {
		os.RemoveAll(dir)
		return nil, "", err
	}

	return store, dir, nil
}

func openFile(ctx context.Context, dir, prefix string) (*Store, error) {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("absolute path %s: %w", dir, err)
	}

	// no_tmp_dir keeps fileblob temp files next to the target so the final
	// rename stays on one filesystem.
	bucketURL := "file://" + filepath.ToSlash(absDir) + "?no_tmp_dir=true"

	s, err := Open(ctx, bucketURL, prefix)
	if err != nil {
		return nil, err
	}
	s.dir = absDir
	return s, nil
}

// LocalPath maps a key to its path on disk for file backed stores.
func (s *Store) LocalPath(key string) (string, bool) {
	if s.dir == "" {
		return "", false
	}
	return filepath.Join(s.dir, filepath.FromSlash(key)), true
}
