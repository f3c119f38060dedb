package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/ankur-anand/hotpatch"
	"github.com/ankur-anand/hotpatch/blobstore"
	"github.com/ankur-anand/hotpatch/config"
	"github.com/ankur-anand/hotpatch/manifest"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const usage = `usage: hotpatch <command> [flags]

commands:
  pack   build bundles, the pack table and version.json from an asset dir
  sync   run a hotfix session against a content server
  plan   print the version gate outcome and the download list
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	var err error
	switch os.Args[1] {
	case "pack":
		err = runPack(ctx, os.Args[2:])
	case "sync":
		err = runSync(ctx, os.Args[2:])
	case "plan":
		err = runPlan(ctx, os.Args[2:])
	case "-h", "--help", "help":
		fmt.Fprint(os.Stdout, usage)
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", os.Args[1], usage)
		os.Exit(2)
	}
	if err != nil {
		slog.Error("hotpatch: "+os.Args[1]+" failed", "error", err)
		os.Exit(1)
	}
}

func setupLogger(level string) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
}

// openOutput opens a directory or a writable bucket URL.
func openOutput(ctx context.Context, out string) (*blobstore.Store, error) {
	if blobstore.IsBucketURL(out) {
		return blobstore.Open(ctx, out, "")
	}
	return blobstore.NewFile(ctx, out, "")
}

func runPack(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("pack", flag.ExitOnError)
	var (
		assetDir    = fs.String("assets", getenvDefault("HOTPATCH_ASSET_DIR", "Assets"), "Asset directory")
		layoutFile  = fs.String("layout", getenvDefault("HOTPATCH_LAYOUT", "layout.json"), "Unit layout file")
		out         = fs.String("out", getenvDefault("HOTPATCH_OUT", "build"), "Output directory or bucket URL")
		version     = fs.String("version", getenvDefault("HOTPATCH_VERSION", "1_0"), "Content version, major_minor")
		assetPrefix = fs.String("asset-prefix", "Assets", "Prefix of packed asset paths")
		folder      = fs.String("bundles-folder", getenvDefault("HOTPATCH_BUNDLES_FOLDER", config.DefaultPaths().BundlesFolder), "Bundles folder")
		logLevel    = fs.String("log-level", getenvDefault("HOTPATCH_LOG_LEVEL", "info"), "Log level")
	)
	if err := fs.Parse(args); err != nil {
		return err
	}
	setupLogger(*logLevel)

	v, err := manifest.ParseVersion(*version)
	if err != nil {
		return err
	}
	l, err := readLayout(*layoutFile)
	if err != nil {
		return err
	}
	store, err := openOutput(ctx, *out)
	if err != nil {
		return err
	}
	defer store.Close()

	start := time.Now()
	res, err := buildContent(ctx, buildConfig{
		AssetDir:      *assetDir,
		AssetPrefix:   *assetPrefix,
		BundlesFolder: *folder,
		Version:       v,
		Layout:        l,
	}, store)
	if err != nil {
		return err
	}
	slog.Info("hotpatch: content built",
		"version", res.Manifest.Version.String(),
		"units", len(res.Manifest.Units),
		"assets", res.Assets,
		"bytes", res.Manifest.TotalSize,
		"out", *out,
		"elapsed", time.Since(start))
	return nil
}

func runSync(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("sync", flag.ExitOnError)
	var (
		server      = fs.String("server", getenvDefault("HOTPATCH_SERVER", "http://localhost:8080"), "Content server URL or bucket URL")
		persistent  = fs.String("persistent", getenvDefault("HOTPATCH_PERSISTENT_DIR", "persistent"), "Persistent data directory")
		streaming   = fs.String("streaming", getenvDefault("HOTPATCH_STREAMING_DIR", ""), "Read-only shipped content directory")
		folder      = fs.String("bundles-folder", getenvDefault("HOTPATCH_BUNDLES_FOLDER", config.DefaultPaths().BundlesFolder), "Bundles folder")
		concurrency = fs.Int("concurrency", getenvInt("HOTPATCH_CONCURRENCY", 10), "Maximum in-flight downloads")
		maxAttempts = fs.Int("max-attempts", getenvInt("HOTPATCH_MAX_ATTEMPTS", 5), "Attempts per unit; negative retries forever")
		backoff     = fs.Duration("retry-backoff", 500*time.Millisecond, "Initial retry backoff")
		rps         = fs.Float64("max-fetches-per-second", 0, "Fetch issue rate limit; 0 disables")
		timeout     = fs.Duration("fetch-timeout", 30*time.Second, "Per fetch timeout")
		verifyHash  = fs.Bool("verify-hash", true, "Check fetched units against manifest hashes")
		metricsAddr = fs.String("metrics-addr", getenvDefault("HOTPATCH_METRICS_ADDR", ""), "Serve Prometheus metrics on this address")
		logLevel    = fs.String("log-level", getenvDefault("HOTPATCH_LOG_LEVEL", "info"), "Log level")
	)
	if err := fs.Parse(args); err != nil {
		return err
	}
	setupLogger(*logLevel)

	local, err := blobstore.NewFile(ctx, *persistent, "")
	if err != nil {
		return err
	}
	defer local.Close()
	var fallback *blobstore.Store
	if *streaming != "" {
		fallback, err = blobstore.NewReadOnlyFile(ctx, *streaming, "")
		if err != nil {
			return err
		}
		defer fallback.Close()
	}

	fetcher, err := hotpatch.OpenFetcher(ctx, *server, &http.Client{Timeout: *timeout})
	if err != nil {
		return err
	}
	defer fetcher.Close()

	metrics := hotpatch.DefaultSyncMetrics(prometheus.Labels{"server": *server})
	if *metricsAddr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(metrics.Collectors()...)
		srv := &http.Server{Addr: *metricsAddr, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{})}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("hotpatch: metrics server", "error", err)
			}
		}()
		defer srv.Close()
	}

	opts := hotpatch.DefaultSessionOptions()
	opts.BundlesFolder = *folder
	opts.Concurrency = *concurrency
	opts.MaxAttempts = *maxAttempts
	opts.RetryBackoff = *backoff
	opts.MaxFetchesPerSecond = *rps
	opts.FetchTimeout = *timeout
	opts.Metrics = metrics
	if *verifyHash {
		opts.ContentHash = manifest.HashBytes
	}
	opts.OnStatus = func(u hotpatch.StatusUpdate) {
		switch u.Status {
		case hotpatch.StatusProgress:
			fmt.Printf("\r%6.2f%% %d/%d", u.Percent(), u.Completed, u.Total)
		case hotpatch.StatusEnterGame:
			fmt.Println()
			fmt.Println("content is up to date")
		case hotpatch.StatusNewVersion:
			fmt.Println("a new client version is required")
		case hotpatch.StatusStartHotfix:
			fmt.Printf("hotfix: %d units, %d already present\n", u.Total, u.Completed)
		}
	}

	s, err := hotpatch.NewSession(local, fallback, fetcher, opts)
	if err != nil {
		return err
	}
	defer s.Close()
	return s.Sync(ctx)
}

func runPlan(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("plan", flag.ExitOnError)
	var (
		server     = fs.String("server", getenvDefault("HOTPATCH_SERVER", "http://localhost:8080"), "Content server URL or bucket URL")
		persistent = fs.String("persistent", getenvDefault("HOTPATCH_PERSISTENT_DIR", "persistent"), "Persistent data directory")
		streaming  = fs.String("streaming", getenvDefault("HOTPATCH_STREAMING_DIR", ""), "Read-only shipped content directory")
		showDiff   = fs.Bool("diff", false, "Print a unified diff of the local and server manifests")
	)
	if err := fs.Parse(args); err != nil {
		return err
	}
	setupLogger("warn")

	local, err := blobstore.NewFile(ctx, *persistent, "")
	if err != nil {
		return err
	}
	defer local.Close()
	roots := blobstore.Layered{Persistent: local}
	if *streaming != "" {
		fallback, err := blobstore.NewReadOnlyFile(ctx, *streaming, "")
		if err != nil {
			return err
		}
		defer fallback.Close()
		roots.Streaming = fallback
	}

	localManifest, err := manifest.NewStorage(roots).ReadLocal(ctx)
	usable := err == nil
	if err != nil {
		if !errors.Is(err, manifest.ErrNotFound) && !errors.Is(err, manifest.ErrParse) {
			return err
		}
		localManifest = manifest.Empty()
	}

	fetcher, err := hotpatch.OpenFetcher(ctx, *server, nil)
	if err != nil {
		return err
	}
	defer fetcher.Close()
	raw, err := fetcher.Fetch(ctx, blobstore.VersionFile)
	if err != nil {
		return err
	}
	serverManifest, err := manifest.Decode(raw)
	if err != nil {
		return err
	}

	outcome := manifest.HotfixNeeded
	if usable {
		outcome = manifest.Compare(localManifest.Version, serverManifest.Version)
	}
	fmt.Printf("local %s  server %s  outcome %s\n", localManifest.Version, serverManifest.Version, outcome)
	if *showDiff {
		patch, err := manifestPatch(localManifest, serverManifest, 0)
		if err != nil {
			return err
		}
		fmt.Print(patch)
	}
	if outcome != manifest.HotfixNeeded {
		return nil
	}
	delta := manifest.ComputeDelta(localManifest, serverManifest)
	for _, name := range delta.Fetch {
		u, _ := serverManifest.Unit(name)
		fmt.Printf("fetch   %-32s %d\n", name, u.Size)
	}
	for _, name := range delta.Removed {
		fmt.Printf("remove  %s\n", name)
	}
	fmt.Printf("%d units, %d bytes\n", len(delta.Fetch), serverManifest.UnitsSize(delta.Fetch))
	return nil
}

func getenvDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
