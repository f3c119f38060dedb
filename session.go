package hotpatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/ankur-anand/hotpatch/blobstore"
	"github.com/ankur-anand/hotpatch/ledger"
	"github.com/ankur-anand/hotpatch/manifest"
	"github.com/benbjohnson/clock"
	"github.com/cespare/xxhash/v2"
	"github.com/segmentio/ksuid"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// State is a session's position in the hotfix state machine.
type State int

const (
	StateIdle State = iota
	StateCheckingLocalVersion
	StateCheckingServerVersion
	StateComparingVersions
	StateUpToDate
	StateIncompatibleUpgrade
	StateDownloading
	StateCommitting
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCheckingLocalVersion:
		return "checking_local_version"
	case StateCheckingServerVersion:
		return "checking_server_version"
	case StateComparingVersions:
		return "comparing_versions"
	case StateUpToDate:
		return "up_to_date"
	case StateIncompatibleUpgrade:
		return "incompatible_upgrade"
	case StateDownloading:
		return "downloading"
	case StateCommitting:
		return "committing"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether no further transition can happen.
func (s State) Terminal() bool {
	switch s {
	case StateUpToDate, StateIncompatibleUpgrade, StateDone, StateFailed:
		return true
	}
	return false
}

type pendingUnit struct {
	name      string
	attempts  int
	notBefore time.Time
}

type fetchResult struct {
	unit    *pendingUnit
	data    []byte
	err     error
	latency time.Duration
}

type versionResult struct {
	data []byte
	err  error
}

// Session negotiates the content version with the server and, when a hotfix
// is needed, downloads the changed units into the persistent root.
//
// A Session is driven by Tick from a single goroutine and is not safe for
// concurrent use. Fetches run on their own goroutines and hand results back
// through a channel drained at the start of the next download tick.
type Session struct {
	id        ksuid.KSUID
	opts      SessionOptions
	logger    *slog.Logger
	clock     clock.Clock
	roots     blobstore.Layered
	manifests *manifest.Storage
	fetcher   Fetcher
	ledger    *ledger.Ledger
	limiter   *rate.Limiter
	metrics   *SyncMetrics

	ctx       context.Context
	cancel    context.CancelFunc
	group     errgroup.Group
	versionCh chan versionResult
	results   chan fetchResult

	state       State
	err         error
	local       *manifest.Manifest
	localUsable bool
	server      *manifest.Manifest
	serverRaw   []byte
	removed     []string

	queue     []*pendingUnit
	inFlight  map[string]*pendingUnit
	total     int
	completed int
	closed    bool
}

// NewSession prepares a session that writes into local and falls back to the
// read-only fallback root when reading the current manifest. fallback may be
// nil. The caller keeps ownership of the stores and the fetcher.
func NewSession(local, fallback *blobstore.Store, fetcher Fetcher, opts SessionOptions) (*Session, error) {
	if local == nil {
		return nil, errors.New("hotpatch: persistent store is required")
	}
	if local.ReadOnly() {
		return nil, fmt.Errorf("hotpatch: persistent store: %w", blobstore.ErrReadOnly)
	}
	if fetcher == nil {
		return nil, errors.New("hotpatch: fetcher is required")
	}
	opts = opts.withDefaults()

	ledgerDir := opts.LedgerDir
	if ledgerDir == "" {
		p, ok := local.LocalPath(local.Key(ledger.FileName))
		if !ok {
			return nil, errors.New("hotpatch: persistent store is not file backed, set LedgerDir")
		}
		ledgerDir = filepath.Dir(p)
	}
	if err := os.MkdirAll(ledgerDir, 0755); err != nil {
		return nil, fmt.Errorf("hotpatch: create ledger dir: %w", err)
	}

	id := ksuid.New()
	logger := opts.Logger.With("session", id.String())
	roots := blobstore.Layered{Persistent: local, Streaming: fallback}

	s := &Session{
		id:        id,
		opts:      opts,
		logger:    logger,
		clock:     opts.Clock,
		roots:     roots,
		manifests: manifest.NewStorage(roots),
		fetcher:   fetcher,
		ledger:    ledger.Open(ledgerDir, logger),
		metrics:   opts.Metrics,
		versionCh: make(chan versionResult, 1),
		results:   make(chan fetchResult, opts.Concurrency),
		inFlight:  make(map[string]*pendingUnit),
	}
	if opts.MaxFetchesPerSecond > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(opts.MaxFetchesPerSecond), 1)
	}
	return s, nil
}

func (s *Session) ID() ksuid.KSUID {
	return s.id
}

func (s *Session) State() State {
	return s.state
}

// Err returns the error that failed the session, if any.
func (s *Session) Err() error {
	return s.err
}

// Progress returns completed and total unit counts of the download plan.
func (s *Session) Progress() (completed, total int) {
	return s.completed, s.total
}

func (s *Session) InFlight() int {
	return len(s.inFlight)
}

func (s *Session) Queued() int {
	return len(s.queue)
}

// Start moves the session out of Idle. Fetches issued by the session are
// bound to ctx.
func (s *Session) Start(ctx context.Context) error {
	if s.closed {
		return ErrSessionClosed
	}
	if s.state != StateIdle {
		return ErrSessionStarted
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.state = StateCheckingLocalVersion
	s.logger.Info("hotpatch: session started")
	return nil
}

// Tick advances the state machine by at most one transition. ctx bounds the
// local storage work done inside the tick.
func (s *Session) Tick(ctx context.Context) {
	if s.closed {
		return
	}
	switch s.state {
	case StateCheckingLocalVersion:
		s.checkLocalVersion(ctx)
	case StateCheckingServerVersion:
		s.pollServerVersion()
	case StateComparingVersions:
		s.compareVersions(ctx)
	case StateDownloading:
		s.download(ctx)
	case StateCommitting:
		s.commit(ctx)
	}
}

// Sync starts the session if needed and ticks it on the configured interval
// until it reaches a terminal state. It returns the session error, or the
// context error if ctx ends first.
func (s *Session) Sync(ctx context.Context) error {
	if s.state == StateIdle {
		if err := s.Start(ctx); err != nil {
			return err
		}
	}
	ticker := s.clock.Ticker(s.opts.TickInterval)
	defer ticker.Stop()

	for {
		s.Tick(ctx)
		if s.state.Terminal() {
			return s.err
		}
		if s.closed {
			return ErrSessionClosed
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Close destroys the session: in-flight fetches are cancelled and waited for
// and the ledger handle is released. The ledger file itself is kept so a
// later session can resume.
func (s *Session) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	if s.cancel != nil {
		s.cancel()
	}
	err := s.group.Wait()
	return multierr.Append(err, s.ledger.Close())
}

func (s *Session) checkLocalVersion(ctx context.Context) {
	m, err := s.manifests.ReadLocal(ctx)
	switch {
	case err == nil:
		s.local = m
		s.localUsable = true
	case errors.Is(err, manifest.ErrNotFound), errors.Is(err, manifest.ErrParse):
		s.logger.Warn("hotpatch: local manifest unusable, forcing full hotfix", "error", err)
		s.local = manifest.Empty()
	default:
		s.fail(StatusUpdate{
			Status: StatusInitLocalVersionError,
			Err:    fmt.Errorf("%w: local manifest: %w", ErrVersionFetch, err),
		})
		return
	}

	s.state = StateCheckingServerVersion
	s.group.Go(func() error {
		ctx, cancel := context.WithTimeout(s.ctx, s.opts.FetchTimeout)
		defer cancel()
		data, err := s.fetcher.Fetch(ctx, blobstore.VersionFile)
		s.versionCh <- versionResult{data: data, err: err}
		return nil
	})
}

func (s *Session) pollServerVersion() {
	var r versionResult
	select {
	case r = <-s.versionCh:
	default:
		return
	}
	if r.err != nil {
		s.fail(StatusUpdate{
			Status: StatusInitServerVersionError,
			Err:    fmt.Errorf("%w: server manifest: %w", ErrVersionFetch, r.err),
		})
		return
	}
	m, err := manifest.Decode(r.data)
	if err != nil {
		s.fail(StatusUpdate{
			Status: StatusInitServerVersionError,
			Err:    fmt.Errorf("%w: server manifest: %w", ErrVersionFetch, err),
		})
		return
	}
	s.server = m
	s.serverRaw = r.data
	s.state = StateComparingVersions
}

func (s *Session) compareVersions(ctx context.Context) {
	outcome := manifest.HotfixNeeded
	if s.localUsable {
		outcome = manifest.Compare(s.local.Version, s.server.Version)
	}
	s.logger.Info("hotpatch: version gate",
		"local", s.local.Version.String(),
		"local_usable", s.localUsable,
		"server", s.server.Version.String(),
		"outcome", outcome.String())

	switch outcome {
	case manifest.UpToDate:
		s.finish(StateUpToDate, nil)
		s.emit(StatusUpdate{Status: StatusEnterGame})
	case manifest.IncompatibleUpgrade:
		s.finish(StateIncompatibleUpgrade, nil)
		s.emit(StatusUpdate{Status: StatusNewVersion})
	default:
		s.plan(ctx)
	}
}

// plan builds the download queue from the manifest delta, counting units the
// ledger recorded as already complete.
func (s *Session) plan(ctx context.Context) {
	delta := manifest.ComputeDelta(s.local, s.server)
	s.removed = delta.Removed
	recorded := s.ledger.Load()

	s.total = len(delta.Fetch)
	resumed := 0
	for _, name := range delta.Fetch {
		if tag, ok := recorded[name]; ok && s.resumable(ctx, name, tag) {
			s.completed++
			resumed++
			continue
		}
		s.queue = append(s.queue, &pendingUnit{name: name})
	}
	s.metrics.ObserveResumed(resumed)
	s.state = StateDownloading

	s.logger.Info("hotpatch: hotfix planned",
		"fetch", len(s.queue),
		"resumed", resumed,
		"removed", len(s.removed),
		"bytes", s.server.UnitsSize(delta.Fetch))
	s.emit(StatusUpdate{Status: StatusStartHotfix})
}

// resumable reports whether a ledger entry was recorded for the unit content
// the server now publishes and is backed by a matching local file. Entries
// without a tag, or for a unit with no hash, are never trusted.
func (s *Session) resumable(ctx context.Context, name, tag string) bool {
	unit, ok := s.server.Unit(name)
	if !ok || unit.Hash.IsZero() || tag != unit.Hash.String() {
		return false
	}
	key := s.roots.Persistent.UnitPath(s.opts.BundlesFolder, name)
	if s.opts.ContentHash != nil {
		data, _, err := s.roots.Persistent.Read(ctx, key)
		if err != nil {
			return false
		}
		return s.opts.ContentHash(data) == unit.Hash
	}
	attrs, err := s.roots.Persistent.Attributes(ctx, key)
	if err != nil {
		return false
	}
	return unit.Size <= 0 || attrs.Size == unit.Size
}

func (s *Session) download(ctx context.Context) {
	s.drain(ctx)
	if s.state != StateDownloading {
		return
	}
	if s.completed >= s.total && len(s.inFlight) == 0 {
		s.state = StateCommitting
		return
	}
	s.dispatch()
}

// drain handles the results that were ready when the tick started.
func (s *Session) drain(ctx context.Context) {
	for n := len(s.results); n > 0; n-- {
		r := <-s.results
		delete(s.inFlight, r.unit.name)

		err := r.err
		if err == nil {
			err = s.store(ctx, r.unit.name, r.data)
		}
		s.metrics.ObserveDownload(len(r.data), r.latency, err)
		if err != nil {
			s.retry(r.unit, err)
			if s.state != StateDownloading {
				return
			}
			continue
		}

		s.completed++
		s.logger.Debug("hotpatch: unit downloaded", "unit", r.unit.name, "bytes", len(r.data), "attempt", r.unit.attempts)
		s.emit(StatusUpdate{Status: StatusProgress, Unit: r.unit.name})
	}
	s.metrics.SetInFlight(len(s.inFlight))
}

// store writes a fetched unit, confirms the local copy and records it in the
// ledger. The ledger entry is appended only after the bytes are confirmed.
func (s *Session) store(ctx context.Context, name string, data []byte) error {
	unit, _ := s.server.Unit(name)
	if s.opts.ContentHash != nil && !unit.Hash.IsZero() && s.opts.ContentHash(data) != unit.Hash {
		s.metrics.ObserveVerifyFailure()
		return fmt.Errorf("unit %s: content hash mismatch", name)
	}

	local := s.roots.Persistent
	key := local.UnitPath(s.opts.BundlesFolder, name)
	if _, err := local.Write(ctx, key, data); err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	if s.opts.VerifyWrites {
		written, _, err := local.Read(ctx, key)
		if err != nil {
			return fmt.Errorf("verify %s: %w", key, err)
		}
		if xxhash.Sum64(written) != xxhash.Sum64(data) {
			s.metrics.ObserveVerifyFailure()
			return fmt.Errorf("verify %s: written bytes differ", key)
		}
	}
	var tag string
	if !unit.Hash.IsZero() {
		tag = unit.Hash.String()
	}
	if err := s.ledger.Append(name, tag); err != nil {
		s.logger.Warn("hotpatch: ledger append failed, unit will be refetched on resume", "unit", name, "error", err)
	}
	return nil
}

func (s *Session) retry(u *pendingUnit, cause error) {
	err := fmt.Errorf("%w: unit %s: %w", ErrDownload, u.name, cause)
	fatal := s.opts.MaxAttempts > 0 && u.attempts >= s.opts.MaxAttempts
	s.logger.Warn("hotpatch: unit download failed",
		"unit", u.name,
		"attempt", u.attempts,
		"fatal", fatal,
		"error", cause)

	if fatal {
		s.fail(StatusUpdate{Status: StatusDownloadError, Unit: u.name, Err: err})
		return
	}

	u.notBefore = s.clock.Now().Add(s.opts.backoff(u.attempts))
	s.queue = append(s.queue, u)
	s.metrics.ObserveRetry()
	s.emit(StatusUpdate{Status: StatusDownloadError, Unit: u.name, Err: err})
}

// dispatch starts fetches in queue order for eligible units until the
// concurrency ceiling is reached.
func (s *Session) dispatch() {
	now := s.clock.Now()
	for len(s.inFlight) < s.opts.Concurrency {
		i := s.nextEligible(now)
		if i < 0 {
			break
		}
		if s.limiter != nil && !s.limiter.AllowN(now, 1) {
			break
		}
		u := s.queue[i]
		s.queue = append(s.queue[:i], s.queue[i+1:]...)
		s.launch(u)
	}
	s.metrics.SetInFlight(len(s.inFlight))
}

func (s *Session) nextEligible(now time.Time) int {
	for i, u := range s.queue {
		if _, busy := s.inFlight[u.name]; busy {
			continue
		}
		if !u.notBefore.After(now) {
			return i
		}
	}
	return -1
}

func (s *Session) launch(u *pendingUnit) {
	u.attempts++
	s.inFlight[u.name] = u

	key := path.Join(s.opts.BundlesFolder, u.name)
	s.group.Go(func() error {
		ctx, cancel := context.WithTimeout(s.ctx, s.opts.FetchTimeout)
		defer cancel()

		start := s.clock.Now()
		data, err := s.fetcher.Fetch(ctx, key)
		r := fetchResult{unit: u, data: data, err: err, latency: s.clock.Since(start)}
		select {
		case s.results <- r:
		case <-s.ctx.Done():
		}
		return nil
	})
}

func (s *Session) commit(ctx context.Context) {
	if err := s.manifests.WriteLocal(ctx, s.serverRaw); err != nil {
		s.fail(StatusUpdate{
			Status: StatusDownloadError,
			Unit:   blobstore.VersionFile,
			Err:    fmt.Errorf("%w: write %s: %w", ErrDownload, blobstore.VersionFile, err),
		})
		return
	}
	if err := s.ledger.Commit(); err != nil {
		s.logger.Error("hotpatch: ledger commit failed", "path", s.ledger.Path(), "error", err)
	}
	s.deleteUnits(ctx, s.removed)
	s.sweepStale(ctx)
	s.finish(StateDone, nil)
	s.emit(StatusUpdate{Status: StatusEnterGame})
}

func (s *Session) deleteUnits(ctx context.Context, names []string) {
	for _, name := range names {
		key := s.roots.Persistent.UnitPath(s.opts.BundlesFolder, name)
		if err := s.roots.Persistent.Delete(ctx, key); err != nil {
			s.logger.Warn("hotpatch: failed to delete stale unit", "unit", name, "error", err)
		}
	}
}

// sweepStale deletes unit files in the persistent bundles folder that the
// committed manifest does not list, such as leftovers of an abandoned
// session against another version.
func (s *Session) sweepStale(ctx context.Context) {
	names, err := s.roots.Persistent.ListUnits(ctx, s.opts.BundlesFolder)
	if err != nil {
		s.logger.Warn("hotpatch: list local units", "error", err)
		return
	}
	published := s.server.Index()
	var stale []string
	for _, name := range names {
		if _, ok := published[name]; !ok {
			stale = append(stale, name)
		}
	}
	if len(stale) > 0 {
		s.logger.Info("hotpatch: removing unlisted units", "count", len(stale))
		s.deleteUnits(ctx, stale)
	}
}

func (s *Session) fail(u StatusUpdate) {
	u.Fatal = true
	s.finish(StateFailed, u.Err)
	s.emit(u)
}

// finish enters a terminal state and stops outstanding work. Goroutines are
// reaped by Close.
func (s *Session) finish(state State, err error) {
	s.state = state
	s.err = err
	s.queue = nil
	s.inFlight = make(map[string]*pendingUnit)
	if s.cancel != nil {
		s.cancel()
	}
	if cerr := s.ledger.Close(); cerr != nil {
		s.logger.Warn("hotpatch: close ledger", "error", cerr)
	}
	s.metrics.ObserveSession(state.String())
	s.metrics.SetInFlight(0)

	if err != nil {
		s.logger.Error("hotpatch: session failed", "state", state.String(), "error", err)
		return
	}
	s.logger.Info("hotpatch: session finished", "state", state.String(), "completed", s.completed, "total", s.total)
}

func (s *Session) emit(u StatusUpdate) {
	u.Session = s.id
	u.Completed = s.completed
	u.Total = s.total
	s.logger.Debug("hotpatch: status", "status", u.Status.String(), "unit", u.Unit, "completed", u.Completed, "total", u.Total)
	if s.opts.OnStatus != nil {
		s.opts.OnStatus(u)
	}
}
