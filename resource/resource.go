// Package resource is the path-keyed asset facade. Callers ask for assets by
// their authoring path; the loader resolves the owning unit, keeps the unit
// and its dependencies resident while the asset is cached and serves
// asynchronous requests from the frame tick.
package resource

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ankur-anand/hotpatch/blobstore"
	"github.com/ankur-anand/hotpatch/bundle"
	"github.com/ankur-anand/hotpatch/config"
)

var (
	ErrNotFound = errors.New("resource: asset not found")
	ErrClosed   = errors.New("resource: loader closed")
)

// Asset is a loaded asset. Data must not be modified.
type Asset struct {
	Path string
	// Unit is the owning unit, empty for assets read from the asset root.
	Unit string
	Data []byte
}

// Callback receives the result of an asynchronous load. Exactly one of the
// arguments is non-nil.
type Callback func(*Asset, error)

// Loader is the asset facade. Implementations are driven by Update from the
// frame tick and are not safe for concurrent use.
type Loader interface {
	Load(ctx context.Context, path string) (*Asset, error)
	// LoadAsync queues a request. Requests for the same path are coalesced
	// and every callback fires from a later Update.
	LoadAsync(path string, cb Callback)
	// Unload drops the cached asset and the unit references it holds.
	Unload(path string)
	Exists(path string) bool
	Update(ctx context.Context)
	Close() error
}

// Reloader is implemented by loaders whose index changes after a hotfix.
type Reloader interface {
	Reload(ctx context.Context) error
}

// LoadAs loads path and decodes it into T.
func LoadAs[T any](ctx context.Context, l Loader, path string, decode func([]byte) (T, error)) (T, error) {
	var zero T
	a, err := l.Load(ctx, path)
	if err != nil {
		return zero, err
	}
	v, err := decode(a.Data)
	if err != nil {
		return zero, fmt.Errorf("resource: decode %s: %w", path, err)
	}
	return v, nil
}

type Options struct {
	Mode  config.Mode
	Paths config.Paths

	// Roots locate the pack table in production mode.
	Roots blobstore.Layered
	// Opener opens units in production mode. Defaults to a FileOpener over
	// the roots' directories, or a StoreOpener when they are not file backed.
	Opener bundle.Opener
	Cache  bundle.CacheOptions

	// DirectCacheSize bounds the development mode object cache.
	DirectCacheSize int
	// OpenQueueSize bounds async unit opens waiting to be drained.
	OpenQueueSize int

	Logger *slog.Logger
}

func DefaultOptions() Options {
	return Options{
		Mode:            config.ModeProduction,
		Paths:           config.DefaultPaths(),
		DirectCacheSize: 256,
		OpenQueueSize:   64,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	o.Paths = o.Paths.WithDefaults()
	if o.DirectCacheSize <= 0 {
		o.DirectCacheSize = d.DirectCacheSize
	}
	if o.OpenQueueSize <= 0 {
		o.OpenQueueSize = d.OpenQueueSize
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Cache.Logger == nil {
		o.Cache.Logger = o.Logger
	}
	return o
}

// New returns the loader for opts.Mode.
func New(ctx context.Context, opts Options) (Loader, error) {
	opts = opts.withDefaults()
	switch opts.Mode {
	case config.ModeDevelopment:
		return NewDirectLoader(opts)
	case config.ModeProduction:
		return NewBundleLoader(ctx, opts)
	default:
		return nil, fmt.Errorf("resource: unsupported mode %s", opts.Mode)
	}
}

// defaultOpener maps the roots to an opener.
func defaultOpener(opts Options) bundle.Opener {
	folder := opts.Paths.BundlesFolder
	var dirs []string
	for _, s := range []*blobstore.Store{opts.Roots.Persistent, opts.Roots.Streaming} {
		if s == nil {
			continue
		}
		dir, ok := s.LocalPath(s.Key(""))
		if !ok {
			return bundle.StoreOpener{Roots: opts.Roots, Folder: folder}
		}
		dirs = append(dirs, dir)
	}
	return bundle.FileOpener{Dirs: dirs, Folder: folder}
}
