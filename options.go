package hotpatch

import (
	"log/slog"
	"time"

	"github.com/ankur-anand/hotpatch/manifest"
	"github.com/benbjohnson/clock"
)

type SessionOptions struct {
	// BundlesFolder is the folder holding unit files, locally and on the server.
	BundlesFolder string
	// Concurrency caps in-flight fetches.
	Concurrency int
	// MaxAttempts bounds fetch attempts per unit. Negative retries forever.
	MaxAttempts int
	// RetryBackoff delays the second attempt of a unit; later attempts double
	// it up to MaxRetryBackoff. Zero requeues for the next tick.
	RetryBackoff    time.Duration
	MaxRetryBackoff time.Duration
	FetchTimeout    time.Duration
	// MaxFetchesPerSecond limits how fast new fetches are issued. Zero disables.
	MaxFetchesPerSecond float64
	// TickInterval drives Sync.
	TickInterval time.Duration

	// VerifyWrites reads every written unit back and compares digests before
	// recording it in the ledger.
	VerifyWrites bool
	// ContentHash, when set, is checked against the manifest hash of every
	// fetched unit and of every unit resumed from the ledger.
	ContentHash func([]byte) manifest.Hash128
	// LedgerDir overrides the ledger location. Defaults to the persistent
	// store's directory.
	LedgerDir string

	OnStatus func(StatusUpdate)
	Logger   *slog.Logger
	Clock    clock.Clock
	Metrics  *SyncMetrics
}

func DefaultSessionOptions() SessionOptions {
	return SessionOptions{
		BundlesFolder:   "bundles",
		Concurrency:     10,
		MaxAttempts:     5,
		RetryBackoff:    500 * time.Millisecond,
		MaxRetryBackoff: 30 * time.Second,
		FetchTimeout:    30 * time.Second,
		TickInterval:    16 * time.Millisecond,
		VerifyWrites:    true,
	}
}

func (o SessionOptions) withDefaults() SessionOptions {
	d := DefaultSessionOptions()
	if o.BundlesFolder == "" {
		o.BundlesFolder = d.BundlesFolder
	}
	if o.Concurrency <= 0 {
		o.Concurrency = d.Concurrency
	}
	if o.MaxAttempts == 0 {
		o.MaxAttempts = d.MaxAttempts
	}
	if o.RetryBackoff < 0 {
		o.RetryBackoff = 0
	}
	if o.MaxRetryBackoff <= 0 {
		o.MaxRetryBackoff = d.MaxRetryBackoff
	}
	if o.FetchTimeout <= 0 {
		o.FetchTimeout = d.FetchTimeout
	}
	if o.TickInterval <= 0 {
		o.TickInterval = d.TickInterval
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	return o
}

// backoff returns the delay before the attempt following a failed one.
func (o SessionOptions) backoff(failedAttempts int) time.Duration {
	if o.RetryBackoff <= 0 || failedAttempts <= 0 {
		return 0
	}
	d := o.RetryBackoff
	for i := 1; i < failedAttempts; i++ {
		d *= 2
		if d >= o.MaxRetryBackoff {
			return o.MaxRetryBackoff
		}
	}
	if d > o.MaxRetryBackoff {
		return o.MaxRetryBackoff
	}
	return d
}
