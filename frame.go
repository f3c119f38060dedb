package hotpatch

import (
	"context"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/benbjohnson/clock"
)

// UpdateFunc is called once per frame.
type UpdateFunc func(ctx context.Context)

type listener struct {
	id      uint64
	fn      UpdateFunc
	removed bool
}

// FrameLoop dispatches per-frame updates to registered listeners. All methods
// must be called from the goroutine that runs the loop, including from inside
// a listener.
type FrameLoop struct {
	clock  clock.Clock
	logger *slog.Logger

	listeners []*listener
	nextID    uint64
	frame     uint64
}

func NewFrameLoop(clk clock.Clock, logger *slog.Logger) *FrameLoop {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FrameLoop{clock: clk, logger: logger}
}

// AddUpdateListener registers fn starting with the next frame. The returned
// func unregisters it and may be called more than once.
func (l *FrameLoop) AddUpdateListener(fn UpdateFunc) (remove func()) {
	l.nextID++
	ln := &listener{id: l.nextID, fn: fn}
	l.listeners = append(l.listeners, ln)
	return func() { l.remove(ln) }
}

func (l *FrameLoop) remove(target *listener) {
	if target.removed {
		return
	}
	target.removed = true
	kept := make([]*listener, 0, len(l.listeners))
	for _, ln := range l.listeners {
		if ln != target {
			kept = append(kept, ln)
		}
	}
	l.listeners = kept
}

// Len returns the number of registered listeners.
func (l *FrameLoop) Len() int {
	return len(l.listeners)
}

// Frame returns the number of frames dispatched so far.
func (l *FrameLoop) Frame() uint64 {
	return l.frame
}

// Tick runs one frame. Listeners added during the frame run from the next
// one; listeners removed during the frame are skipped.
func (l *FrameLoop) Tick(ctx context.Context) {
	l.frame++
	snapshot := l.listeners
	for _, ln := range snapshot {
		if ln.removed {
			continue
		}
		l.call(ctx, ln)
	}
}

func (l *FrameLoop) call(ctx context.Context, ln *listener) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("hotpatch: update listener panicked",
				"frame", l.frame,
				"listener", ln.id,
				"panic", r,
				"stack", string(debug.Stack()))
		}
	}()
	ln.fn(ctx)
}

// Run ticks the loop every interval until ctx is done.
func (l *FrameLoop) Run(ctx context.Context, interval time.Duration) error {
	ticker := l.clock.Ticker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			l.Tick(ctx)
		}
	}
}
