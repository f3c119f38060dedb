package blobstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"gocloud.dev/blob"
	"gocloud.dev/gcerrors"
)

var (
	ErrNotFound = errors.New("object not found")
	ErrReadOnly = errors.New("store is read-only")
)

// VersionFile is the manifest object name, both on the server and locally.
const VersionFile = "version.json"

type Store struct {
	bucket   *blob.Bucket
	prefix   string
	dir      string
	owns     bool
	readOnly bool
}

func Open(ctx context.Context, bucketURL, prefix string) (*Store, error) {
	bkt, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, fmt.Errorf("open bucket %q: %w", bucketURL, err)
	}
	return &Store{
		bucket: bkt,
		prefix: strings.Trim(prefix, "/"),
		owns:   true,
	}, nil
}

func (s *Store) Close() error {
	if s.owns && s.bucket != nil {
		return s.bucket.Close()
	}
	return nil
}

// ReadOnly reports whether writes and deletes are rejected.
func (s *Store) ReadOnly() bool {
	return s.readOnly
}

func (s *Store) path(parts ...string) string {
	if s.prefix == "" {
		return path.Join(parts...)
	}
	return path.Join(append([]string{s.prefix}, parts...)...)
}

// Key maps a key relative to the store prefix to the bucket key.
func (s *Store) Key(rel string) string {
	return s.path(rel)
}

func (s *Store) VersionPath() string {
	return s.path(VersionFile)
}

func (s *Store) UnitPath(folder, unit string) string {
	return s.path(folder, unit)
}

// ListUnits returns the names of the unit files stored directly under folder.
func (s *Store) ListUnits(ctx context.Context, folder string) ([]string, error) {
	result, err := s.List(ctx, ListOptions{Prefix: folder + "/", Delimiter: "/"})
	if err != nil {
		return nil, err
	}
	base := s.path(folder) + "/"
	names := make([]string, 0, len(result.Objects))
	for _, obj := range result.Objects {
		name := strings.TrimPrefix(obj.Key, base)
		if obj.IsDir || name == "" || strings.Contains(name, "/") {
			continue
		}
		names = append(names, name)
	}
	return names, nil
}

type Attributes struct {
	Size    int64
	ETag    string
	ModTime time.Time
}

func (s *Store) Read(ctx context.Context, key string) ([]byte, Attributes, error) {
	attr, err := s.bucket.Attributes(ctx, key)
	if err != nil {
		return nil, Attributes{}, s.mapError(err)
	}

	r, err := s.bucket.NewReader(ctx, key, nil)
	if err != nil {
		return nil, Attributes{}, s.mapError(err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, Attributes{}, err
	}

	return data, Attributes{
		Size:    attr.Size,
		ETag:    attr.ETag,
		ModTime: attr.ModTime,
	}, nil
}

func (s *Store) Attributes(ctx context.Context, key string) (Attributes, error) {
	attr, err := s.bucket.Attributes(ctx, key)
	if err != nil {
		return Attributes{}, s.mapError(err)
	}
	return Attributes{
		Size:    attr.Size,
		ETag:    attr.ETag,
		ModTime: attr.ModTime,
	}, nil
}

func (s *Store) Write(ctx context.Context, key string, data []byte) (Attributes, error) {
	return s.WriteReader(ctx, key, bytes.NewReader(data), nil)
}

func (s *Store) WriteReader(ctx context.Context, key string, r io.Reader, opts *blob.WriterOptions) (Attributes, error) {
	if s.readOnly {
		return Attributes{}, ErrReadOnly
	}
	if opts == nil {
		opts = &blob.WriterOptions{
			ContentType: "application/octet-stream",
		}
	}

	w, err := s.bucket.NewWriter(ctx, key, opts)
	if err != nil {
		return Attributes{}, s.mapError(err)
	}

	if _, err := io.Copy(w, r); err != nil {
		_ = w.Close()
		return Attributes{}, err
	}

	if err := w.Close(); err != nil {
		return Attributes{}, s.mapError(err)
	}

	attr, err := s.bucket.Attributes(ctx, key)
	if err != nil {
		return Attributes{}, s.mapError(err)
	}

	return Attributes{
		Size:    attr.Size,
		ETag:    attr.ETag,
		ModTime: attr.ModTime,
	}, nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if s.readOnly {
		return ErrReadOnly
	}
	err := s.bucket.Delete(ctx, key)
	if err != nil && gcerrors.Code(err) == gcerrors.NotFound {
		return nil
	}
	return err
}

type ListOptions struct {
	Prefix    string
	Delimiter string
}

type ListResult struct {
	Objects []ObjectInfo
}

type ObjectInfo struct {
	Key   string
	Size  int64
	IsDir bool
}

func (s *Store) List(ctx context.Context, opts ListOptions) (*ListResult, error) {
	prefix := s.prefix
	if prefix != "" {
		prefix += "/"
	}
	if opts.Prefix != "" {
		prefix = s.path(opts.Prefix)
		if strings.HasSuffix(opts.Prefix, "/") {
			prefix += "/"
		}
	}

	iter := s.bucket.List(&blob.ListOptions{
		Prefix:    prefix,
		Delimiter: opts.Delimiter,
	})

	var result ListResult
	for {
		obj, err := iter.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}

		result.Objects = append(result.Objects, ObjectInfo{
			Key:   obj.Key,
			Size:  obj.Size,
			IsDir: obj.IsDir,
		})
	}

	return &result, nil
}

func (s *Store) mapError(err error) error {
	if err == nil {
		return nil
	}
	switch gcerrors.Code(err) {
	case gcerrors.NotFound:
		return ErrNotFound
	default:
		return err
	}
}
