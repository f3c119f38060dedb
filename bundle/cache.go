package bundle

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"go.uber.org/multierr"
)

// Graph supplies unit dependencies and pin flags, normally a pack.Table.
type Graph interface {
	Dependencies(unit string) []string
	Pinned(unit string) bool
}

type CacheOptions struct {
	// Pinned units are never released once loaded, in addition to the units
	// the graph flags as pinned.
	Pinned  []string
	Logger  *slog.Logger
	Metrics *CacheMetrics
}

type Stats struct {
	Hits       int64
	Misses     int64
	Resident   int
	Referenced int
	Bytes      int64
}

type entry struct {
	bundle *Bundle
	refs   int
}

// Cache is the ref-counted registry of loaded bundles. A bundle is released
// when its count drops to zero unless it is pinned.
//
// Cache is not safe for concurrent use. It is owned by the frame tick.
type Cache struct {
	opener  Opener
	graph   Graph
	pinned  map[string]struct{}
	entries map[string]*entry
	logger  *slog.Logger
	metrics *CacheMetrics

	hits   int64
	misses int64
}

func NewCache(opener Opener, graph Graph, opts CacheOptions) *Cache {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	pinned := make(map[string]struct{}, len(opts.Pinned))
	for _, name := range opts.Pinned {
		pinned[name] = struct{}{}
	}
	return &Cache{
		opener:  opener,
		graph:   graph,
		pinned:  pinned,
		entries: make(map[string]*entry),
		logger:  logger,
		metrics: opts.Metrics,
	}
}

// SetGraph swaps the dependency graph, e.g. after a hotfix replaced the pack
// table. Resident entries are kept.
func (c *Cache) SetGraph(g Graph) {
	c.graph = g
}

func (c *Cache) isPinned(name string) bool {
	if _, ok := c.pinned[name]; ok {
		return true
	}
	return c.graph != nil && c.graph.Pinned(name)
}

// Load returns the bundle for name, opening it on first use. Each call takes
// one reference.
func (c *Cache) Load(ctx context.Context, name string) (*Bundle, error) {
	if b, ok := c.Acquire(name); ok {
		return b, nil
	}
	c.misses++
	c.metrics.ObserveMiss()

	b, err := c.opener.Open(ctx, name)
	c.metrics.ObserveOpen(err)
	if err != nil {
		c.logger.Error("hotpatch: bundle load failed", "unit", name, "error", err)
		return nil, err
	}
	c.entries[name] = &entry{bundle: b, refs: 1}
	c.metrics.SetResident(len(c.entries))
	return b, nil
}

// Acquire takes a reference on a resident bundle without opening anything.
func (c *Cache) Acquire(name string) (*Bundle, bool) {
	e, ok := c.entries[name]
	if !ok {
		return nil, false
	}
	e.refs++
	c.hits++
	c.metrics.ObserveHit()
	return e.bundle, true
}

// Insert adds an opened bundle with no references. If name is already
// resident the new bundle is closed and the resident one kept.
func (c *Cache) Insert(name string, b *Bundle) {
	if _, ok := c.entries[name]; ok {
		if err := b.Close(); err != nil {
			c.logger.Warn("hotpatch: closing duplicate bundle", "unit", name, "error", err)
		}
		return
	}
	c.entries[name] = &entry{bundle: b}
	c.metrics.SetResident(len(c.entries))
}

// Resident reports whether name currently has an entry.
func (c *Cache) Resident(name string) bool {
	_, ok := c.entries[name]
	return ok
}

// RefCount returns the reference count of name, 0 if not resident.
func (c *Cache) RefCount(name string) int {
	if e, ok := c.entries[name]; ok {
		return e.refs
	}
	return 0
}

// Release drops one reference. It reports whether the bundle was unloaded.
func (c *Cache) Release(name string) bool {
	e, ok := c.entries[name]
	if !ok {
		c.logger.Debug("hotpatch: release of non-resident unit", "unit", name)
		return false
	}
	e.refs--
	if e.refs > 0 {
		return false
	}
	e.refs = 0
	if c.isPinned(name) {
		return false
	}
	c.unload(name, e)
	return true
}

func (c *Cache) unload(name string, e *entry) {
	delete(c.entries, name)
	if err := e.bundle.Close(); err != nil {
		c.logger.Warn("hotpatch: bundle close failed", "unit", name, "error", err)
	}
	c.metrics.ObserveUnload()
	c.metrics.SetResident(len(c.entries))
}

// Sweep unloads the named entries that hold no references and are not
// pinned. Used to drop bundles opened for a request that failed.
func (c *Cache) Sweep(names ...string) {
	for _, name := range names {
		e, ok := c.entries[name]
		if !ok || e.refs > 0 || c.isPinned(name) {
			continue
		}
		c.unload(name, e)
	}
}

// Evict unloads the named entries that hold no references, pinned ones
// included. Used when the files behind resident bundles were replaced.
func (c *Cache) Evict(names ...string) {
	for _, name := range names {
		e, ok := c.entries[name]
		if !ok || e.refs > 0 {
			continue
		}
		c.unload(name, e)
	}
}

// LoadOrder returns the transitive dependencies of name followed by name
// itself, each dependency before its dependents. Units reached twice appear
// once; a cycle is cut where it closes.
func (c *Cache) LoadOrder(name string) []string {
	var order []string
	visited := make(map[string]bool)
	var visit func(string)
	visit = func(u string) {
		if visited[u] {
			return
		}
		visited[u] = true
		if c.graph != nil {
			for _, dep := range c.graph.Dependencies(u) {
				visit(dep)
			}
		}
		order = append(order, u)
	}
	visit(name)
	return order
}

// LoadWithDependencies loads name after all of its transitive dependencies,
// taking one reference on each. On failure every reference taken is
// returned and the error wraps ErrBundleLoad.
func (c *Cache) LoadWithDependencies(ctx context.Context, name string) (*Bundle, error) {
	order := c.LoadOrder(name)
	var owner *Bundle
	for i, unit := range order {
		b, err := c.Load(ctx, unit)
		if err != nil {
			for j := i - 1; j >= 0; j-- {
				c.Release(order[j])
			}
			return nil, fmt.Errorf("load %s: %w", name, err)
		}
		owner = b
	}
	return owner, nil
}

// ReleaseWithDependencies drops the references taken by
// LoadWithDependencies, dependents first.
func (c *Cache) ReleaseWithDependencies(name string) {
	order := c.LoadOrder(name)
	for i := len(order) - 1; i >= 0; i-- {
		c.Release(order[i])
	}
}

// Units lists resident unit names, sorted.
func (c *Cache) Units() []string {
	out := make([]string, 0, len(c.entries))
	for name := range c.entries {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (c *Cache) Stats() Stats {
	s := Stats{
		Hits:     c.hits,
		Misses:   c.misses,
		Resident: len(c.entries),
	}
	for _, e := range c.entries {
		if e.refs > 0 {
			s.Referenced++
		}
		s.Bytes += e.bundle.Size()
	}
	return s
}

// Close releases every bundle, pinned ones included.
func (c *Cache) Close() error {
	var err error
	for name, e := range c.entries {
		err = multierr.Append(err, e.bundle.Close())
		delete(c.entries, name)
	}
	c.metrics.SetResident(0)
	return err
}
