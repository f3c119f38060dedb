package hotpatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ankur-anand/hotpatch/blobstore"
	"github.com/ankur-anand/hotpatch/config"
	"github.com/ankur-anand/hotpatch/resource"
	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
)

type RuntimeOptions struct {
	Paths         config.Paths
	Mode          config.Mode
	FrameInterval time.Duration

	// Resources carries loader settings. Mode, Paths, Roots and Logger are
	// filled in by the runtime.
	Resources resource.Options

	Clock  clock.Clock
	Logger *slog.Logger
}

func DefaultRuntimeOptions() RuntimeOptions {
	return RuntimeOptions{
		Paths:         config.DefaultPaths(),
		Mode:          config.ModeProduction,
		FrameInterval: 16 * time.Millisecond,
		Resources:     resource.DefaultOptions(),
	}
}

// Runtime is the client context created once at start-up. It owns the local
// roots, the frame loop and the resource loader, and runs hotfix sessions on
// the loop.
type Runtime struct {
	opts       RuntimeOptions
	logger     *slog.Logger
	clock      clock.Clock
	persistent *blobstore.Store
	streaming  *blobstore.Store
	loop       *FrameLoop
	resources  resource.Loader
	sessions   []*Session
	detach     func()
	closed     bool
}

func NewRuntime(ctx context.Context, opts RuntimeOptions) (*Runtime, error) {
	opts.Paths = opts.Paths.WithDefaults()
	if opts.FrameInterval <= 0 {
		opts.FrameInterval = DefaultRuntimeOptions().FrameInterval
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Paths.PersistentDir == "" {
		return nil, errors.New("hotpatch: persistent dir is required")
	}

	persistent, err := blobstore.NewFile(ctx, opts.Paths.PersistentDir, "")
	if err != nil {
		return nil, fmt.Errorf("hotpatch: open persistent root: %w", err)
	}
	var streaming *blobstore.Store
	if opts.Paths.StreamingDir != "" {
		streaming, err = blobstore.NewReadOnlyFile(ctx, opts.Paths.StreamingDir, "")
		if err != nil {
			persistent.Close()
			return nil, fmt.Errorf("hotpatch: open streaming root: %w", err)
		}
	}

	resOpts := opts.Resources
	resOpts.Mode = opts.Mode
	resOpts.Paths = opts.Paths
	resOpts.Roots = blobstore.Layered{Persistent: persistent, Streaming: streaming}
	resOpts.Logger = opts.Logger
	loader, err := resource.New(ctx, resOpts)
	if err != nil {
		err = multierr.Append(err, persistent.Close())
		if streaming != nil {
			err = multierr.Append(err, streaming.Close())
		}
		return nil, err
	}

	loop := NewFrameLoop(opts.Clock, opts.Logger)
	r := &Runtime{
		opts:       opts,
		logger:     opts.Logger,
		clock:      opts.Clock,
		persistent: persistent,
		streaming:  streaming,
		loop:       loop,
		resources:  loader,
	}
	r.detach = loop.AddUpdateListener(loader.Update)
	return r, nil
}

func (r *Runtime) Loop() *FrameLoop {
	return r.loop
}

func (r *Runtime) Resources() resource.Loader {
	return r.resources
}

func (r *Runtime) Roots() blobstore.Layered {
	return blobstore.Layered{Persistent: r.persistent, Streaming: r.streaming}
}

// StartSession starts a hotfix session ticked by the frame loop. The session
// detaches itself once it reaches a terminal state, and a committed hotfix
// reloads the resource index before OnStatus sees EnterGame.
func (r *Runtime) StartSession(ctx context.Context, fetcher Fetcher, opts SessionOptions) (*Session, error) {
	if r.closed {
		return nil, ErrSessionClosed
	}
	opts.BundlesFolder = r.opts.Paths.BundlesFolder
	if opts.Clock == nil {
		opts.Clock = r.clock
	}
	if opts.Logger == nil {
		opts.Logger = r.logger
	}

	var s *Session
	onStatus := opts.OnStatus
	opts.OnStatus = func(u StatusUpdate) {
		if u.Status == StatusEnterGame && s.State() == StateDone {
			if rl, ok := r.resources.(resource.Reloader); ok {
				if err := rl.Reload(ctx); err != nil {
					r.logger.Error("hotpatch: reload resources after hotfix", "error", err)
				}
			}
		}
		if onStatus != nil {
			onStatus(u)
		}
	}

	s, err := NewSession(r.persistent, r.streaming, fetcher, opts)
	if err != nil {
		return nil, err
	}
	if err := s.Start(ctx); err != nil {
		return nil, err
	}

	var remove func()
	remove = r.loop.AddUpdateListener(func(ctx context.Context) {
		s.Tick(ctx)
		if s.State().Terminal() {
			remove()
		}
	})
	r.sessions = append(r.sessions, s)
	return s, nil
}

// Run drives the frame loop until ctx is done.
func (r *Runtime) Run(ctx context.Context) error {
	return r.loop.Run(ctx, r.opts.FrameInterval)
}

func (r *Runtime) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	r.detach()

	var err error
	for _, s := range r.sessions {
		err = multierr.Append(err, s.Close())
	}
	err = multierr.Append(err, r.resources.Close())
	err = multierr.Append(err, r.persistent.Close())
	if r.streaming != nil {
		err = multierr.Append(err, r.streaming.Close())
	}
	return err
}
