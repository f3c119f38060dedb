package resource

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

type directRequest struct {
	path      string
	callbacks []Callback
}

// DirectLoader reads assets straight from the authoring asset root. It is
// used in development builds where no bundles exist. Async requests are
// served one per Update in arrival order.
type DirectLoader struct {
	root   string
	prefix string
	cache  *lru.Cache[string, *Asset]
	logger *slog.Logger

	pending map[string]*directRequest
	queue   []*directRequest
	closed  bool
}

func NewDirectLoader(opts Options) (*DirectLoader, error) {
	opts = opts.withDefaults()
	cache, err := lru.New[string, *Asset](opts.DirectCacheSize)
	if err != nil {
		return nil, fmt.Errorf("resource: %w", err)
	}
	return &DirectLoader{
		root:    opts.Paths.AssetRoot,
		prefix:  strings.Trim(opts.Paths.AssetPrefix, "/"),
		cache:   cache,
		logger:  opts.Logger,
		pending: make(map[string]*directRequest),
	}, nil
}

// resolve maps an asset path to a file under the root. "Assets/ui/logo.png"
// and "ui/logo.png" name the same file.
func (l *DirectLoader) resolve(p string) (string, error) {
	rel := path.Clean(strings.TrimPrefix(p, "/"))
	if l.prefix != "" {
		if rel == l.prefix {
			rel = "."
		} else {
			rel = strings.TrimPrefix(rel, l.prefix+"/")
		}
	}
	if rel == "." || !filepath.IsLocal(filepath.FromSlash(rel)) {
		return "", fmt.Errorf("%w: %s", ErrNotFound, p)
	}
	return filepath.Join(l.root, filepath.FromSlash(rel)), nil
}

func (l *DirectLoader) Load(ctx context.Context, p string) (*Asset, error) {
	if l.closed {
		return nil, ErrClosed
	}
	if a, ok := l.cache.Get(p); ok {
		return a, nil
	}
	file, err := l.resolve(p)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(file)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, p)
	}
	if err != nil {
		return nil, fmt.Errorf("resource: read %s: %w", p, err)
	}
	a := &Asset{Path: p, Data: data}
	l.cache.Add(p, a)
	return a, nil
}

func (l *DirectLoader) LoadAsync(p string, cb Callback) {
	if r, ok := l.pending[p]; ok {
		r.callbacks = append(r.callbacks, cb)
		return
	}
	r := &directRequest{path: p, callbacks: []Callback{cb}}
	l.pending[p] = r
	l.queue = append(l.queue, r)
}

// Update serves the oldest pending request.
func (l *DirectLoader) Update(ctx context.Context) {
	if len(l.queue) == 0 {
		return
	}
	r := l.queue[0]
	l.queue = l.queue[1:]
	delete(l.pending, r.path)

	a, err := l.Load(ctx, r.path)
	if err != nil {
		l.logger.Warn("hotpatch: async load failed", "path", r.path, "error", err)
	}
	for _, cb := range r.callbacks {
		cb(a, err)
	}
}

func (l *DirectLoader) Unload(p string) {
	l.cache.Remove(p)
}

func (l *DirectLoader) Exists(p string) bool {
	file, err := l.resolve(p)
	if err != nil {
		return false
	}
	info, err := os.Stat(file)
	return err == nil && !info.IsDir()
}

// Pending returns the number of queued async requests.
func (l *DirectLoader) Pending() int {
	return len(l.queue)
}

func (l *DirectLoader) Close() error {
	l.closed = true
	l.cache.Purge()
	clear(l.pending)
	l.queue = nil
	return nil
}
