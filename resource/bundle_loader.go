package resource

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"

	"github.com/ankur-anand/hotpatch/blobstore"
	"github.com/ankur-anand/hotpatch/bundle"
	"github.com/ankur-anand/hotpatch/pack"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

type requestState int

const (
	requestNone requestState = iota
	requestReady
	requestLoading
	requestDone
)

type request struct {
	path      string
	state     requestState
	unit      string
	order     []string
	callbacks []Callback
	asset     *Asset
	err       error
}

type openResult struct {
	unit   string
	gen    int
	bundle *bundle.Bundle
	err    error
}

// BundleLoader serves assets out of downloaded bundles.
//
// Async requests move Ready -> Loading -> Done, one step per Update. Unit
// opens run on goroutines and their results are inserted into the cache at
// the start of the next Update.
type BundleLoader struct {
	opts   Options
	roots  blobstore.Layered
	opener bundle.Opener
	table  *pack.Table
	cache  *bundle.Cache
	logger *slog.Logger

	assets   map[string]*Asset
	requests map[string]*request
	order    []*request

	opening  map[string]struct{}
	openErrs map[string]error
	opened   chan openResult
	// gen counts Reloads. Opens started before the latest Reload may have
	// read replaced files and are discarded.
	gen int

	ctx    context.Context
	cancel context.CancelFunc
	group  errgroup.Group
	closed bool
}

// NewBundleLoader reads the pack table from the local roots. A missing table
// leaves the loader empty until Reload.
func NewBundleLoader(ctx context.Context, opts Options) (*BundleLoader, error) {
	opts = opts.withDefaults()
	opener := opts.Opener
	if opener == nil {
		opener = defaultOpener(opts)
	}

	lctx, cancel := context.WithCancel(context.Background())
	l := &BundleLoader{
		opts:     opts,
		roots:    opts.Roots,
		opener:   opener,
		table:    pack.Empty(),
		logger:   opts.Logger,
		assets:   make(map[string]*Asset),
		requests: make(map[string]*request),
		opening:  make(map[string]struct{}),
		openErrs: make(map[string]error),
		opened:   make(chan openResult, opts.OpenQueueSize),
		ctx:      lctx,
		cancel:   cancel,
	}
	l.cache = bundle.NewCache(opener, l.table, opts.Cache)
	if err := l.Reload(ctx); err != nil {
		cancel()
		return nil, err
	}
	return l, nil
}

// Reload rereads the pack table, normally after a hotfix committed. Cached
// assets are dropped and every idle unit is closed, pinned ones included, so
// later loads open the new files. Pending async requests are resolved again
// against the new table.
func (l *BundleLoader) Reload(ctx context.Context) error {
	key := path.Join(l.opts.Paths.BundlesFolder, l.opts.Paths.PackTableUnit())
	data, err := l.roots.Read(ctx, key)
	if errors.Is(err, blobstore.ErrNotFound) {
		l.logger.Warn("hotpatch: pack table not installed", "key", key)
		return nil
	}
	if err != nil {
		return fmt.Errorf("resource: read pack table: %w", err)
	}
	table, err := pack.Open(ctx, data)
	if err != nil {
		return fmt.Errorf("resource: %w", err)
	}

	for p, a := range l.assets {
		delete(l.assets, p)
		l.cache.ReleaseWithDependencies(a.Unit)
	}
	l.table = table
	l.cache.SetGraph(table)
	l.cache.Evict(l.cache.Units()...)

	l.gen++
	clear(l.opening)
	clear(l.openErrs)
	for _, r := range l.order {
		if r.state == requestLoading {
			r.state = requestReady
			r.unit = ""
			r.order = nil
		}
	}
	l.logger.Info("hotpatch: pack table loaded", "units", len(table.Units()))
	return nil
}

func (l *BundleLoader) Table() *pack.Table {
	return l.table
}

func (l *BundleLoader) Cache() *bundle.Cache {
	return l.cache
}

// Pending returns the number of outstanding async requests.
func (l *BundleLoader) Pending() int {
	return len(l.requests)
}

func (l *BundleLoader) Exists(p string) bool {
	return l.table.HasAsset(p)
}

// Load returns the asset at p, loading its unit and the unit's dependencies
// synchronously on a cache miss.
func (l *BundleLoader) Load(ctx context.Context, p string) (*Asset, error) {
	if l.closed {
		return nil, ErrClosed
	}
	if a, ok := l.assets[p]; ok {
		return a, nil
	}
	unit, err := l.table.UnitOf(p)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, p)
	}
	return l.extract(ctx, p, unit)
}

// extract takes the unit references for p and copies the asset out. The
// references are kept for as long as the asset stays cached.
func (l *BundleLoader) extract(ctx context.Context, p, unit string) (*Asset, error) {
	b, err := l.cache.LoadWithDependencies(ctx, unit)
	if err != nil {
		return nil, err
	}
	data, err := b.Asset(p)
	if err != nil {
		l.cache.ReleaseWithDependencies(unit)
		return nil, fmt.Errorf("%w: %s: %w", ErrNotFound, p, err)
	}
	a := &Asset{Path: p, Unit: unit, Data: data}
	l.assets[p] = a
	return a, nil
}

func (l *BundleLoader) Unload(p string) {
	a, ok := l.assets[p]
	if !ok {
		return
	}
	delete(l.assets, p)
	l.cache.ReleaseWithDependencies(a.Unit)
}

func (l *BundleLoader) LoadAsync(p string, cb Callback) {
	if r, ok := l.requests[p]; ok {
		r.callbacks = append(r.callbacks, cb)
		return
	}
	r := &request{path: p, state: requestReady, callbacks: []Callback{cb}}
	if l.closed {
		r.state = requestDone
		r.err = ErrClosed
	}
	l.requests[p] = r
	l.order = append(l.order, r)
}

// Update drains finished unit opens and advances every request that existed
// when the call started by one step.
func (l *BundleLoader) Update(ctx context.Context) {
	for n := len(l.opened); n > 0; n-- {
		res := <-l.opened
		if res.gen != l.gen {
			if res.bundle != nil {
				if err := res.bundle.Close(); err != nil {
					l.logger.Warn("hotpatch: closing stale bundle", "unit", res.unit, "error", err)
				}
			}
			continue
		}
		delete(l.opening, res.unit)
		if res.err != nil {
			l.openErrs[res.unit] = res.err
			continue
		}
		l.cache.Insert(res.unit, res.bundle)
	}

	snapshot := l.order
	for _, r := range snapshot {
		switch r.state {
		case requestReady:
			l.start(r)
		case requestLoading:
			l.advance(ctx, r)
		case requestDone:
			l.complete(r)
		}
	}

	kept := l.order[:0:0]
	for _, r := range l.order {
		if r.state != requestNone {
			kept = append(kept, r)
		}
	}
	l.order = kept
	clear(l.openErrs)
	l.sweepOrphans()
}

// sweepOrphans unloads units opened for requests that no longer need them.
func (l *BundleLoader) sweepOrphans() {
	needed := make(map[string]struct{})
	for _, r := range l.requests {
		for _, u := range r.order {
			needed[u] = struct{}{}
		}
	}
	var orphans []string
	for _, u := range l.cache.Units() {
		if _, ok := needed[u]; !ok && l.cache.RefCount(u) == 0 {
			orphans = append(orphans, u)
		}
	}
	l.cache.Sweep(orphans...)
}

func (l *BundleLoader) start(r *request) {
	if a, ok := l.assets[r.path]; ok {
		r.asset = a
		r.state = requestDone
		return
	}
	unit, err := l.table.UnitOf(r.path)
	if err != nil {
		r.err = fmt.Errorf("%w: %s", ErrNotFound, r.path)
		r.state = requestDone
		return
	}
	r.unit = unit
	r.order = l.cache.LoadOrder(unit)
	for _, u := range r.order {
		delete(l.openErrs, u)
		l.open(u)
	}
	r.state = requestLoading
}

// open starts an async open of u unless it is resident or already opening.
func (l *BundleLoader) open(u string) {
	if l.cache.Resident(u) {
		return
	}
	if _, busy := l.opening[u]; busy {
		return
	}
	l.opening[u] = struct{}{}
	gen := l.gen
	l.group.Go(func() error {
		b, err := l.opener.Open(l.ctx, u)
		select {
		case l.opened <- openResult{unit: u, gen: gen, bundle: b, err: err}:
		case <-l.ctx.Done():
			if b != nil {
				_ = b.Close()
			}
		}
		return nil
	})
}

func (l *BundleLoader) advance(ctx context.Context, r *request) {
	if a, ok := l.assets[r.path]; ok {
		r.asset = a
		r.state = requestDone
		return
	}
	waiting := false
	for _, u := range r.order {
		if l.cache.Resident(u) {
			continue
		}
		if err, failed := l.openErrs[u]; failed {
			l.cache.Sweep(r.order...)
			r.err = fmt.Errorf("load %s: %w", r.unit, err)
			r.state = requestDone
			return
		}
		waiting = true
		l.open(u)
	}
	if waiting {
		return
	}
	a, err := l.extract(ctx, r.path, r.unit)
	if err != nil {
		l.cache.Sweep(r.order...)
	}
	r.asset, r.err = a, err
	r.state = requestDone
}

func (l *BundleLoader) complete(r *request) {
	delete(l.requests, r.path)
	r.state = requestNone
	if r.err != nil {
		l.logger.Warn("hotpatch: async load failed", "path", r.path, "error", r.err)
	}
	for _, cb := range r.callbacks {
		if r.err != nil {
			cb(nil, r.err)
			continue
		}
		cb(r.asset, nil)
	}
}

// Close cancels pending opens and releases every bundle. Outstanding async
// requests are dropped without their callbacks firing.
func (l *BundleLoader) Close() error {
	if l.closed {
		return nil
	}
	l.closed = true
	l.cancel()
	err := l.group.Wait()
	for n := len(l.opened); n > 0; n-- {
		if res := <-l.opened; res.bundle != nil {
			err = multierr.Append(err, res.bundle.Close())
		}
	}
	clear(l.assets)
	clear(l.requests)
	l.order = nil
	return multierr.Append(err, l.cache.Close())
}
